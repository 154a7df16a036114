package sink

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/rickgao/shardgate/internal/events"
)

// Publisher sends one message. *nats.Conn implements it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Envelope is the message published for a dispatch.
type Envelope struct {
	ShardID  int             `json:"shard_id"`
	Sequence int64           `json:"s"`
	Name     string          `json:"t"`
	Data     json.RawMessage `json:"d"`
}

// Forwarder publishes dispatches to NATS.
type Forwarder struct {
	pub    Publisher
	prefix string
	events map[string]bool // nil forwards everything
	logger *slog.Logger

	published atomic.Int64
	failed    atomic.Int64
}

// NewForwarder creates a forwarder. An empty names list forwards every
// dispatch.
func NewForwarder(pub Publisher, prefix string, names []string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Forwarder{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger,
	}
	if len(names) > 0 {
		f.events = make(map[string]bool, len(names))
		for _, n := range names {
			f.events[strings.ToUpper(n)] = true
		}
	}
	return f
}

// Attach subscribes the forwarder to bus dispatches.
func (f *Forwarder) Attach(bus *events.Bus) {
	bus.OnDispatch(f.Handle)
}

// Subject returns the subject an event is published on.
func (f *Forwarder) Subject(name string) string {
	if f.prefix == "" {
		return name
	}
	return f.prefix + "." + name
}

// Handle publishes d when its event is selected.
func (f *Forwarder) Handle(d events.Dispatch) {
	if f.events != nil && !f.events[d.Name] {
		return
	}

	data, err := json.Marshal(Envelope{
		ShardID:  d.ShardID,
		Sequence: d.Sequence,
		Name:     d.Name,
		Data:     d.Data,
	})
	if err != nil {
		f.failed.Add(1)
		f.logger.Warn("encode dispatch", "event", d.Name, "shard", d.ShardID, "error", err)
		return
	}

	if err := f.pub.Publish(f.Subject(d.Name), data); err != nil {
		f.failed.Add(1)
		f.logger.Warn("publish dispatch", "event", d.Name, "shard", d.ShardID, "error", err)
		return
	}
	f.published.Add(1)
}

// Stats returns published and failed counts.
func (f *Forwarder) Stats() (published, failed int64) {
	return f.published.Load(), f.failed.Load()
}
