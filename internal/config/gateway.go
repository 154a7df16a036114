package config

import (
	"fmt"
	"log/slog"

	"github.com/rickgao/shardgate/internal/gateway"
)

// ShardTemplate builds the shard configuration every shard is cloned from.
// URL and Count are resolved at login and left for the caller.
func (c *Config) ShardTemplate() (gateway.ShardConfig, error) {
	g := c.Gateway

	intents, err := gateway.ParseIntents(g.Intents)
	if err != nil {
		return gateway.ShardConfig{}, fmt.Errorf("gateway.intents: %w", err)
	}

	sc := gateway.DefaultShardConfig()
	sc.Token = c.API.Token
	sc.Intents = intents
	sc.Compress = g.Compress
	sc.LargeThreshold = g.LargeThreshold
	sc.Properties = g.Properties
	sc.Presence = g.Presence.Clone()
	sc.HelloTimeout = g.HelloTimeout
	sc.IdentifyTimeout = g.IdentifyTimeout
	if g.HeartbeatJitter != nil {
		sc.HeartbeatJitter = *g.HeartbeatJitter
	}
	sc.DecodeErrorBurst = g.DecodeErrorBurst
	sc.DecodeErrorWindow = g.DecodeErrorWindow
	sc.Backoff = gateway.BackoffConfig{
		BaseDelay:   g.ReconnectBaseDelay,
		MaxDelay:    g.ReconnectMaxDelay,
		MaxAttempts: g.ReconnectMaxAttempts,
	}
	sc.CloseCodes = g.CloseCodes
	return sc, nil
}

// WSDialer returns a websocket dialer with the configured timeouts.
func (c *Config) WSDialer(logger *slog.Logger) *gateway.WSDialer {
	d := gateway.DefaultWSDialer(logger)
	if c.Gateway.HandshakeTimeout > 0 {
		d.HandshakeTimeout = c.Gateway.HandshakeTimeout
	}
	if c.Gateway.WriteTimeout > 0 {
		d.WriteTimeout = c.Gateway.WriteTimeout
	}
	return d
}
