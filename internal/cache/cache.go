package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/shardgate/internal/events"
)

// Dispatch names the cache reacts to.
const (
	eventReady       = "READY"
	eventGuildCreate = "GUILD_CREATE"
	eventGuildUpdate = "GUILD_UPDATE"
	eventGuildDelete = "GUILD_DELETE"
)

// Options configures a Cache.
type Options struct {
	Persister    Persister
	QueueSize    int
	WriteTimeout time.Duration
}

// write is one pending persistence operation.
type write struct {
	upsert   *Guild
	deleteID string
}

// Cache holds the entity stores and keeps them current from dispatches.
type Cache struct {
	cfg    Config
	logger *slog.Logger

	guilds *Store[Guild]

	persister    Persister
	writeTimeout time.Duration
	writes       chan write
	dropped      atomic.Int64

	// Lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a cache. Persistence is disabled when opts.Persister is nil.
func New(cfg Config, opts Options, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1024
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Cache{
		cfg:          cfg,
		logger:       logger,
		guilds:       NewStore[Guild](),
		persister:    opts.Persister,
		writeTimeout: opts.WriteTimeout,
		writes:       make(chan write, opts.QueueSize),
	}
}

// Config returns the cache configuration.
func (c *Cache) Config() Config { return c.cfg }

// Guilds returns the guild store.
func (c *Cache) Guilds() *Store[Guild] { return c.guilds }

// Dropped returns the number of persistence writes dropped on a full queue.
func (c *Cache) Dropped() int64 { return c.dropped.Load() }

// Warm loads persisted guilds into the store. The loaded guilds are marked
// unavailable until the gateway confirms them.
func (c *Cache) Warm(ctx context.Context) (int, error) {
	if c.persister == nil || !c.cfg.IsEnabled(KindGuilds, nil) {
		return 0, nil
	}
	guilds, err := c.persister.LoadGuilds(ctx)
	if err != nil {
		return 0, fmt.Errorf("load guilds: %w", err)
	}
	for _, g := range guilds {
		g.Unavailable = true
		c.guilds.Set(g.ID, g)
	}
	c.logger.Info("cache warmed", "guilds", len(guilds))
	return len(guilds), nil
}

// Start begins persisting writes. No-op without a persister.
func (c *Cache) Start(ctx context.Context) {
	if c.persister == nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.persistLoop(ctx)
}

// Stop flushes queued writes and waits for the persistence goroutine.
func (c *Cache) Stop(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply updates the stores from d and attaches the previously cached entity
// to d.Cached. It is installed as the shards' dispatch hook.
func (c *Cache) Apply(d *events.Dispatch) {
	if !c.cfg.IsEnabled(KindGuilds, nil) {
		return
	}

	switch d.Name {
	case eventReady:
		c.applyReady(d)
	case eventGuildCreate, eventGuildUpdate:
		c.applyGuild(d)
	case eventGuildDelete:
		c.applyGuildDelete(d)
	}
}

func (c *Cache) applyReady(d *events.Dispatch) {
	var ready struct {
		Guilds []Guild `json:"guilds"`
	}
	if err := json.Unmarshal(d.Data, &ready); err != nil {
		c.logger.Warn("cache: bad READY payload", "shard", d.ShardID, "error", err)
		return
	}
	for _, g := range ready.Guilds {
		if _, ok := c.guilds.Get(g.ID); ok {
			continue
		}
		c.guilds.Set(g.ID, Guild{ID: g.ID, Unavailable: true, ShardID: d.ShardID})
	}
}

func (c *Cache) applyGuild(d *events.Dispatch) {
	var g Guild
	if err := json.Unmarshal(d.Data, &g); err != nil || g.ID == "" {
		c.logger.Warn("cache: bad guild payload", "event", d.Name, "shard", d.ShardID, "error", err)
		return
	}
	g.ShardID = d.ShardID
	g.Raw = d.Data

	if prev, ok := c.guilds.Get(g.ID); ok {
		// Updates omit create-only fields.
		if g.MemberCount == 0 {
			g.MemberCount = prev.MemberCount
		}
		if !g.Large {
			g.Large = prev.Large
		}
	}

	if prev, existed := c.guilds.Set(g.ID, g); existed {
		d.Cached = prev
	}
	c.persist(write{upsert: &g})
}

func (c *Cache) applyGuildDelete(d *events.Dispatch) {
	var stub struct {
		ID          string `json:"id"`
		Unavailable bool   `json:"unavailable"`
	}
	if err := json.Unmarshal(d.Data, &stub); err != nil || stub.ID == "" {
		c.logger.Warn("cache: bad GUILD_DELETE payload", "shard", d.ShardID, "error", err)
		return
	}

	// An outage keeps the guild, only marked unavailable.
	if stub.Unavailable {
		prev, ok := c.guilds.Get(stub.ID)
		if !ok {
			return
		}
		d.Cached = prev
		next := prev
		next.Unavailable = true
		c.guilds.Set(stub.ID, next)
		c.persist(write{upsert: &next})
		return
	}

	if prev, existed := c.guilds.Delete(stub.ID); existed {
		d.Cached = prev
	}
	c.persist(write{deleteID: stub.ID})
}

// persist queues w without blocking the shard goroutine.
func (c *Cache) persist(w write) {
	if c.persister == nil {
		return
	}
	select {
	case c.writes <- w:
	default:
		n := c.dropped.Add(1)
		c.logger.Warn("cache persistence queue full, dropping write", "dropped_total", n)
	}
}

func (c *Cache) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case w := <-c.writes:
			c.apply(w)
		case <-ctx.Done():
			// Flush what is already queued.
			for {
				select {
				case w := <-c.writes:
					c.apply(w)
				default:
					return
				}
			}
		}
	}
}

func (c *Cache) apply(w write) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	var err error
	if w.upsert != nil {
		err = c.persister.UpsertGuild(ctx, *w.upsert)
	} else {
		err = c.persister.DeleteGuild(ctx, w.deleteID)
	}
	if err != nil {
		c.logger.Error("cache persistence failed", "error", err)
	}
}
