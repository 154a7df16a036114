package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/shardgate/internal/cache"
)

const guildSchema = `
	CREATE TABLE IF NOT EXISTS guilds (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL DEFAULT '',
		icon         TEXT NOT NULL DEFAULT '',
		owner_id     TEXT NOT NULL DEFAULT '',
		member_count INTEGER NOT NULL DEFAULT 0,
		large        BOOLEAN NOT NULL DEFAULT FALSE,
		unavailable  BOOLEAN NOT NULL DEFAULT FALSE,
		shard_id     INTEGER NOT NULL DEFAULT 0,
		raw          JSONB,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// Querier is the subset of a pgx pool the stores use.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// GuildStore implements cache.Persister on a guilds table.
type GuildStore struct {
	db     Querier
	logger *slog.Logger
}

var _ cache.Persister = (*GuildStore)(nil)

// NewGuildStore creates a store on db.
func NewGuildStore(db Querier, logger *slog.Logger) *GuildStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuildStore{db: db, logger: logger}
}

// Migrate creates the guilds table when missing.
func (s *GuildStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, guildSchema); err != nil {
		return fmt.Errorf("create guilds table: %w", err)
	}
	return nil
}

// LoadGuilds returns every stored guild ordered by id.
func (s *GuildStore) LoadGuilds(ctx context.Context) ([]cache.Guild, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, icon, owner_id, member_count, large, unavailable, shard_id, raw
		FROM guilds
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query guilds: %w", err)
	}
	defer rows.Close()

	var out []cache.Guild
	for rows.Next() {
		var (
			g   cache.Guild
			raw []byte
		)
		if err := rows.Scan(&g.ID, &g.Name, &g.Icon, &g.OwnerID, &g.MemberCount,
			&g.Large, &g.Unavailable, &g.ShardID, &raw); err != nil {
			return nil, fmt.Errorf("scan guild: %w", err)
		}
		g.Raw = raw
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read guilds: %w", err)
	}
	return out, nil
}

// UpsertGuild inserts or replaces g.
func (s *GuildStore) UpsertGuild(ctx context.Context, g cache.Guild) error {
	var raw []byte
	if len(g.Raw) > 0 {
		raw = g.Raw
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO guilds (id, name, icon, owner_id, member_count, large, unavailable, shard_id, raw, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			icon = EXCLUDED.icon,
			owner_id = EXCLUDED.owner_id,
			member_count = EXCLUDED.member_count,
			large = EXCLUDED.large,
			unavailable = EXCLUDED.unavailable,
			shard_id = EXCLUDED.shard_id,
			raw = COALESCE(EXCLUDED.raw, guilds.raw),
			updated_at = now()
	`, g.ID, g.Name, g.Icon, g.OwnerID, g.MemberCount, g.Large, g.Unavailable, g.ShardID, raw)
	if err != nil {
		return fmt.Errorf("upsert guild %s: %w", g.ID, err)
	}
	return nil
}

// DeleteGuild removes a guild. Deleting an unknown id is not an error.
func (s *GuildStore) DeleteGuild(ctx context.Context, id string) error {
	ct, err := s.db.Exec(ctx, `DELETE FROM guilds WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete guild %s: %w", id, err)
	}
	if ct.RowsAffected() == 0 {
		s.logger.Debug("delete of unknown guild", "guild_id", id)
	}
	return nil
}
