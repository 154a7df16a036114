package gateway

import (
	"math"
	"math/rand/v2"
	"slices"
	"time"
)

// CloseClass is the recovery class of a close signal.
type CloseClass int

const (
	// CloseRecoverable resumes when the session allows it, otherwise re-identifies.
	CloseRecoverable CloseClass = iota
	// CloseReidentify drops the session, then reconnects with a fresh identify.
	CloseReidentify
	// CloseFatal ends the shard permanently.
	CloseFatal
)

func (c CloseClass) String() string {
	switch c {
	case CloseRecoverable:
		return "recoverable"
	case CloseReidentify:
		return "reidentify"
	case CloseFatal:
		return "fatal"
	}
	return "unknown"
}

// CloseCodePolicy maps server close codes to a recovery class.
// Codes not listed are recoverable.
type CloseCodePolicy struct {
	Fatal      []int `yaml:"fatal"`
	Reidentify []int `yaml:"reidentify"`
}

// DefaultCloseCodePolicy returns the documented close-code mapping.
func DefaultCloseCodePolicy() CloseCodePolicy {
	return CloseCodePolicy{
		Fatal: []int{
			CloseAuthenticationFailed,
			CloseInvalidShard,
			CloseShardingRequired,
			CloseInvalidAPIVersion,
			CloseInvalidIntents,
			CloseDisallowedIntents,
		},
		Reidentify: []int{
			CloseInvalidSequence,
			CloseSessionTimedOut,
		},
	}
}

// Classify returns the class for code.
func (p CloseCodePolicy) Classify(code int) CloseClass {
	if slices.Contains(p.Fatal, code) {
		return CloseFatal
	}
	if slices.Contains(p.Reidentify, code) {
		return CloseReidentify
	}
	return CloseRecoverable
}

// BackoffConfig configures reconnect delays.
type BackoffConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // 0 = unlimited
}

// DefaultBackoffConfig returns the documented backoff constants.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay: 1 * time.Second,
		MaxDelay:  60 * time.Second,
	}
}

// maxBackoffWait bounds doubling when MaxDelay is unset so the jittered
// wait cannot overflow.
const maxBackoffWait = time.Duration(math.MaxInt64 / 2)

// Delay returns the wait before reconnect attempt n (n >= 1):
// base*2^(n-1) with jitter in [0.5, 1.5), capped at MaxDelay.
// A MaxDelay of zero or less means no cap.
func (b BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := b.BaseDelay
	if wait <= 0 {
		wait = time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		if b.MaxDelay > 0 && wait >= b.MaxDelay || wait > maxBackoffWait/2 {
			break
		}
		wait *= 2
	}

	// Add jitter: wait * (0.5 to 1.5)
	jittered := wait/2 + time.Duration(rand.Int64N(int64(wait)))
	if b.MaxDelay > 0 && jittered > b.MaxDelay {
		jittered = b.MaxDelay
	}
	return jittered
}

// ShardConfig configures a single shard connection.
type ShardConfig struct {
	ID    int
	Count int

	URL            string // gateway URL including query (?v=10&encoding=json)
	Token          string
	Intents        int
	Compress       bool
	LargeThreshold int
	Properties     IdentifyProperties
	Presence       PresenceSpec

	HelloTimeout      time.Duration
	IdentifyTimeout   time.Duration
	HeartbeatJitter   float64 // fraction of the interval, 0..1
	DecodeErrorBurst  int
	DecodeErrorWindow time.Duration

	Backoff    BackoffConfig
	CloseCodes CloseCodePolicy
}

// DefaultShardConfig returns sensible defaults.
func DefaultShardConfig() ShardConfig {
	return ShardConfig{
		Count:             1,
		LargeThreshold:    50,
		Properties:        IdentifyProperties{OS: "linux", Browser: "shardgate", Device: "shardgate"},
		HelloTimeout:      20 * time.Second,
		IdentifyTimeout:   10 * time.Second,
		HeartbeatJitter:   1.0,
		DecodeErrorBurst:  5,
		DecodeErrorWindow: 10 * time.Second,
		Backoff:           DefaultBackoffConfig(),
		CloseCodes:        DefaultCloseCodePolicy(),
	}
}

// Intent names accepted in configuration and their bits.
var intentBits = map[string]int{
	"guilds":                        1 << 0,
	"guild_members":                 1 << 1,
	"guild_moderation":              1 << 2,
	"guild_expressions":             1 << 3,
	"guild_integrations":            1 << 4,
	"guild_webhooks":                1 << 5,
	"guild_invites":                 1 << 6,
	"guild_voice_states":            1 << 7,
	"guild_presences":               1 << 8,
	"guild_messages":                1 << 9,
	"guild_message_reactions":       1 << 10,
	"guild_message_typing":          1 << 11,
	"direct_messages":               1 << 12,
	"direct_message_reactions":      1 << 13,
	"direct_message_typing":         1 << 14,
	"message_content":               1 << 15,
	"guild_scheduled_events":        1 << 16,
	"auto_moderation_configuration": 1 << 20,
	"auto_moderation_execution":     1 << 21,
}

// IntentBit returns the bit for a named intent.
func IntentBit(name string) (int, bool) {
	bit, ok := intentBits[name]
	return bit, ok
}

// ParseIntents sums named intents into a bitmask.
func ParseIntents(names []string) (int, error) {
	mask := 0
	for _, name := range names {
		bit, ok := intentBits[name]
		if !ok {
			return 0, &intentError{name: name}
		}
		mask |= bit
	}
	return mask, nil
}

type intentError struct{ name string }

func (e *intentError) Error() string { return ErrUnknownIntent.Error() + ": " + e.name }
func (e *intentError) Unwrap() error { return ErrUnknownIntent }
