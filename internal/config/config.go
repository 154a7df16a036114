package config

import (
	"time"

	"github.com/rickgao/shardgate/internal/cache"
	"github.com/rickgao/shardgate/internal/gateway"
)

// Config is the root configuration for a gateway process.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	API      APIConfig      `yaml:"api"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Cache    CacheConfig    `yaml:"cache"`
	NATS     NATSConfig     `yaml:"nats"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id" env:"GATEWAY_INSTANCE_ID"`
}

// APIConfig holds REST settings used for bootstrap.
type APIConfig struct {
	RestURL      string        `yaml:"rest_url" env:"GATEWAY_REST_URL"`
	Token        string        `yaml:"token" env:"GATEWAY_TOKEN"`
	Version      int           `yaml:"version"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// GatewayConfig holds shard and connection settings.
type GatewayConfig struct {
	// URL overrides the bootstrap URL when set.
	URL string `yaml:"url" env:"GATEWAY_URL"`

	// Shards is the total shard count; 0 uses the recommended count.
	Shards int `yaml:"shards" env:"GATEWAY_SHARDS"`

	// ShardIDs run in this process; empty runs all of them.
	ShardIDs []int `yaml:"shard_ids" env:"GATEWAY_SHARD_IDS"`

	Intents        []string                   `yaml:"intents" env:"GATEWAY_INTENTS"`
	Presence       gateway.PresenceSpec       `yaml:"presence"`
	Compress       bool                       `yaml:"compress"`
	LargeThreshold int                        `yaml:"large_threshold"`
	Properties     gateway.IdentifyProperties `yaml:"properties"`

	HelloTimeout    time.Duration `yaml:"hello_timeout"`
	IdentifyTimeout time.Duration `yaml:"identify_timeout"`
	IdentifyWindow  time.Duration `yaml:"identify_window"`
	HeartbeatJitter *float64      `yaml:"heartbeat_jitter"`

	DecodeErrorBurst  int           `yaml:"decode_error_burst"`
	DecodeErrorWindow time.Duration `yaml:"decode_error_window"`

	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`

	CloseCodes gateway.CloseCodePolicy `yaml:"close_codes"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// CacheConfig selects cached collections. Everything is cached unless
// disabled.
type CacheConfig struct {
	Disabled bool  `yaml:"disabled" env:"GATEWAY_CACHE_DISABLED"`
	Guilds   *bool `yaml:"guilds"`
}

// Options converts to the cache package configuration.
func (c CacheConfig) Options() cache.Config {
	return cache.Config{Enabled: !c.Disabled, Guilds: c.Guilds}
}

// NATSConfig configures the optional dispatch forwarder.
type NATSConfig struct {
	Enabled       bool     `yaml:"enabled" env:"GATEWAY_NATS_ENABLED"`
	URL           string   `yaml:"url" env:"NATS_URL"`
	SubjectPrefix string   `yaml:"subject_prefix"`
	Events        []string `yaml:"events"` // empty forwards every dispatch
}

// DatabaseConfig configures optional cache persistence.
type DatabaseConfig struct {
	Enabled  bool     `yaml:"enabled" env:"GATEWAY_DB_ENABLED"`
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host" env:"GATEWAY_DB_HOST"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password" env:"GATEWAY_DB_PASSWORD"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port" env:"GATEWAY_METRICS_PORT"`
	Path string `yaml:"path"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}
