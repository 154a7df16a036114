package cache

// Kind names a cacheable entity collection.
type Kind string

const (
	KindGuilds Kind = "guilds"
)

// Config selects which collections are cached.
//
// Enabled switches caching as a whole. Per-kind fields left nil follow
// Enabled.
type Config struct {
	Enabled bool  `yaml:"enabled"`
	Guilds  *bool `yaml:"guilds"`
}

// DefaultConfig caches everything.
func DefaultConfig() Config {
	return Config{Enabled: true}
}

// IsEnabled reports whether kind is cached. A non-nil override wins over
// the configuration.
func (c Config) IsEnabled(kind Kind, override *bool) bool {
	if override != nil {
		return *override
	}
	if !c.Enabled {
		return false
	}
	switch kind {
	case KindGuilds:
		if c.Guilds != nil {
			return *c.Guilds
		}
	}
	return true
}
