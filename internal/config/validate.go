package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/rickgao/shardgate/internal/gateway"
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"text", "json"}
	validStatuses   = []gateway.Status{
		"",
		gateway.StatusOnline,
		gateway.StatusIdle,
		gateway.StatusDoNotDisturb,
		gateway.StatusInvisible,
		gateway.StatusOffline,
	}
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.API.Token == "" {
		return errors.New("api.token is required")
	}
	if c.API.Timeout < 0 {
		return errors.New("api.timeout must be >= 0")
	}
	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}

	if err := c.Gateway.validate(); err != nil {
		return err
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.url is required when nats.enabled is set")
	}

	if c.Database.Enabled {
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	if !slices.Contains(validLogLevels, c.Log.Level) {
		return fmt.Errorf("log.level must be one of %v, got %q", validLogLevels, c.Log.Level)
	}
	if !slices.Contains(validLogFormats, c.Log.Format) {
		return fmt.Errorf("log.format must be one of %v, got %q", validLogFormats, c.Log.Format)
	}

	return nil
}

func (g *GatewayConfig) validate() error {
	if g.Shards < 0 {
		return errors.New("gateway.shards must be >= 0")
	}

	seen := make(map[int]bool, len(g.ShardIDs))
	for _, id := range g.ShardIDs {
		if id < 0 {
			return fmt.Errorf("gateway.shard_ids: %d is negative", id)
		}
		if g.Shards > 0 && id >= g.Shards {
			return fmt.Errorf("gateway.shard_ids: %d is out of range for %d shards", id, g.Shards)
		}
		if seen[id] {
			return fmt.Errorf("gateway.shard_ids: %d is listed twice", id)
		}
		seen[id] = true
	}

	if _, err := gateway.ParseIntents(g.Intents); err != nil {
		return fmt.Errorf("gateway.intents: %w", err)
	}

	if !slices.Contains(validStatuses, g.Presence.Status) {
		return fmt.Errorf("gateway.presence.status: unknown status %q", g.Presence.Status)
	}

	if g.LargeThreshold < 50 || g.LargeThreshold > 250 {
		return fmt.Errorf("gateway.large_threshold must be between 50 and 250, got %d", g.LargeThreshold)
	}
	if g.HeartbeatJitter != nil && (*g.HeartbeatJitter < 0 || *g.HeartbeatJitter > 1) {
		return fmt.Errorf("gateway.heartbeat_jitter must be between 0 and 1, got %v", *g.HeartbeatJitter)
	}
	if g.DecodeErrorBurst < 1 {
		return errors.New("gateway.decode_error_burst must be >= 1")
	}
	if g.ReconnectBaseDelay <= 0 {
		return errors.New("gateway.reconnect_base_delay must be > 0")
	}
	if g.ReconnectMaxDelay <= 0 {
		return errors.New("gateway.reconnect_max_delay must be > 0")
	}
	if g.ReconnectMaxDelay < g.ReconnectBaseDelay {
		return fmt.Errorf("gateway.reconnect_max_delay (%v) cannot be less than reconnect_base_delay (%v)",
			g.ReconnectMaxDelay, g.ReconnectBaseDelay)
	}
	if g.ReconnectMaxAttempts < 0 {
		return errors.New("gateway.reconnect_max_attempts must be >= 0")
	}
	if g.IdentifyWindow < 0 {
		return errors.New("gateway.identify_window must be >= 0")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
