package config

import (
	"time"

	"github.com/rickgao/shardgate/internal/gateway"
)

// Default values for optional configuration fields.
const (
	DefaultRestURL            = "https://discord.com/api/v10"
	DefaultAPIVersion         = 10
	DefaultAPITimeout         = 10 * time.Second
	DefaultMaxRetries         = 3
	DefaultRetryBackoff       = 1 * time.Second
	DefaultLargeThreshold     = 50
	DefaultHelloTimeout       = 20 * time.Second
	DefaultIdentifyTimeout    = 10 * time.Second
	DefaultIdentifyWindow     = 5 * time.Second
	DefaultHeartbeatJitter    = 1.0
	DefaultDecodeErrorBurst   = 5
	DefaultDecodeErrorWindow  = 10 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultShutdownTimeout    = 10 * time.Second
	DefaultNATSSubjectPrefix  = "gateway.dispatch"
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultIdentifyOS         = "linux"
	DefaultIdentifyBrowser    = "shardgate"
	DefaultIdentifyDevice     = "shardgate"
)

func (c *Config) applyDefaults() {
	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.Version == 0 {
		c.API.Version = DefaultAPIVersion
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}
	if c.API.RetryBackoff == 0 {
		c.API.RetryBackoff = DefaultRetryBackoff
	}

	// Gateway defaults
	g := &c.Gateway
	if g.LargeThreshold == 0 {
		g.LargeThreshold = DefaultLargeThreshold
	}
	if g.Properties.OS == "" {
		g.Properties.OS = DefaultIdentifyOS
	}
	if g.Properties.Browser == "" {
		g.Properties.Browser = DefaultIdentifyBrowser
	}
	if g.Properties.Device == "" {
		g.Properties.Device = DefaultIdentifyDevice
	}
	if g.HelloTimeout == 0 {
		g.HelloTimeout = DefaultHelloTimeout
	}
	if g.IdentifyTimeout == 0 {
		g.IdentifyTimeout = DefaultIdentifyTimeout
	}
	if g.IdentifyWindow == 0 {
		g.IdentifyWindow = DefaultIdentifyWindow
	}
	if g.HeartbeatJitter == nil {
		j := DefaultHeartbeatJitter
		g.HeartbeatJitter = &j
	}
	if g.DecodeErrorBurst == 0 {
		g.DecodeErrorBurst = DefaultDecodeErrorBurst
	}
	if g.DecodeErrorWindow == 0 {
		g.DecodeErrorWindow = DefaultDecodeErrorWindow
	}
	if g.ReconnectBaseDelay == 0 {
		g.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if g.ReconnectMaxDelay == 0 {
		g.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if len(g.CloseCodes.Fatal) == 0 && len(g.CloseCodes.Reidentify) == 0 {
		g.CloseCodes = gateway.DefaultCloseCodePolicy()
	}
	if g.HandshakeTimeout == 0 {
		g.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if g.WriteTimeout == 0 {
		g.WriteTimeout = DefaultWriteTimeout
	}
	if g.ShutdownTimeout == 0 {
		g.ShutdownTimeout = DefaultShutdownTimeout
	}

	// NATS defaults
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = DefaultNATSSubjectPrefix
	}

	// Database defaults
	applyDBDefaults(&c.Database.Postgres)

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
