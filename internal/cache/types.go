package cache

import (
	"context"
	"encoding/json"
)

// Guild is the cached view of a guild.
type Guild struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Icon        string `json:"icon,omitempty"`
	OwnerID     string `json:"owner_id,omitempty"`
	MemberCount int    `json:"member_count,omitempty"`
	Large       bool   `json:"large,omitempty"`
	Unavailable bool   `json:"unavailable,omitempty"`
	ShardID     int    `json:"-"`

	// Raw is the last full payload received for the guild.
	Raw json.RawMessage `json:"-"`
}

// Persister mirrors cache writes to durable storage.
type Persister interface {
	LoadGuilds(ctx context.Context) ([]Guild, error)
	UpsertGuild(ctx context.Context, g Guild) error
	DeleteGuild(ctx context.Context, id string) error
}
