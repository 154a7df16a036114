package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ErrNoToken is returned by calls that require authentication.
var ErrNoToken = errors.New("bot token required")

// Gateway is the response of GET /gateway.
type Gateway struct {
	URL string `json:"url"`
}

// SessionStartLimit describes the identify budget of the bot.
type SessionStartLimit struct {
	Total          int   `json:"total"`
	Remaining      int   `json:"remaining"`
	ResetAfter     int64 `json:"reset_after"` // milliseconds
	MaxConcurrency int   `json:"max_concurrency"`
}

// ResetIn returns ResetAfter as a duration.
func (l SessionStartLimit) ResetIn() time.Duration {
	return time.Duration(l.ResetAfter) * time.Millisecond
}

// GatewayBot is the response of GET /gateway/bot.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// GetGateway returns the gateway URL. No authentication needed.
func (c *Client) GetGateway(ctx context.Context) (*Gateway, error) {
	var resp Gateway
	if err := c.get(ctx, "/gateway", nil, &resp); err != nil {
		return nil, fmt.Errorf("get gateway: %w", err)
	}
	return &resp, nil
}

// GetGatewayBot returns the gateway URL, recommended shard count and the
// session start limit.
func (c *Client) GetGatewayBot(ctx context.Context) (*GatewayBot, error) {
	if c.token == "" {
		return nil, ErrNoToken
	}
	var resp GatewayBot
	if err := c.get(ctx, "/gateway/bot", nil, &resp); err != nil {
		return nil, fmt.Errorf("get gateway bot: %w", err)
	}
	if resp.SessionStartLimit.MaxConcurrency < 1 {
		resp.SessionStartLimit.MaxConcurrency = 1
	}
	return &resp, nil
}

// GatewayURL appends the version and encoding query to a gateway URL.
// Transport compression is not supported, so any compress parameter is
// dropped.
func GatewayURL(base string, version int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	q.Set("v", fmt.Sprint(version))
	q.Set("encoding", "json")
	q.Del("compress")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
