package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/shardgate/internal/api"
	"github.com/rickgao/shardgate/internal/cache"
	"github.com/rickgao/shardgate/internal/config"
	"github.com/rickgao/shardgate/internal/events"
	"github.com/rickgao/shardgate/internal/gateway"
	"github.com/rickgao/shardgate/internal/metrics"
)

var (
	ErrNotReady     = errors.New("client not ready")
	ErrLoggedIn     = errors.New("client already logged in")
	ErrNotLoggedIn  = errors.New("client not logged in")
	ErrClientClosed = errors.New("client closed")
)

// Bootstrapper fetches the gateway bootstrap information. *api.Client
// implements it.
type Bootstrapper interface {
	GetGatewayBot(ctx context.Context) (*api.GatewayBot, error)
}

// Option configures a Client.
type Option func(*Client)

// WithBootstrapper replaces the REST client built from config.
func WithBootstrapper(b Bootstrapper) Option {
	return func(c *Client) {
		c.rest = b
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d gateway.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithMetrics records gateway metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithPersister mirrors the cache to durable storage.
func WithPersister(p cache.Persister) Option {
	return func(c *Client) {
		c.persister = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Session describes the running login.
type Session struct {
	URL            string
	ShardCount     int
	ShardIDs       []int
	MaxConcurrency int
	Remaining      int
}

// Client is a sharded gateway client.
type Client struct {
	cfg       *config.Config
	rest      Bootstrapper
	dialer    gateway.Dialer
	metrics   *metrics.Metrics
	persister cache.Persister
	logger    *slog.Logger

	bus   *events.Bus
	cache *cache.Cache

	mu      sync.RWMutex
	manager *gateway.Manager
	gate    *gateway.Gate
	session Session
	me      *gateway.User
	readyAt time.Time
	closed  bool
}

// New creates a client. cfg must have defaults applied.
func New(cfg *config.Config, opts ...Option) *Client {
	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.rest == nil {
		c.rest = api.NewClient(cfg.API.RestURL, cfg.API.Token,
			api.WithTimeout(cfg.API.Timeout),
			api.WithRetries(cfg.API.MaxRetries, cfg.API.RetryBackoff),
			api.WithLogger(c.logger),
		)
	}
	if c.dialer == nil {
		c.dialer = cfg.WSDialer(c.logger)
	}

	c.bus = events.NewBus(c.logger)
	c.bus.OnReady(c.onReady)
	c.bus.Start()

	c.cache = cache.New(cfg.Cache.Options(), cache.Options{Persister: c.persister}, c.logger)
	return c
}

// Events returns the event bus. Handlers may be registered at any time.
func (c *Client) Events() *events.Bus { return c.bus }

// Guilds returns the guild cache.
func (c *Client) Guilds() *cache.Store[cache.Guild] { return c.cache.Guilds() }

// Cache returns the entity cache.
func (c *Client) Cache() *cache.Cache { return c.cache }

// Login bootstraps and starts the shards. ctx bounds the bootstrap call and
// the lifetime of the shards.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if c.manager != nil {
		return ErrLoggedIn
	}

	bot, err := c.rest.GetGatewayBot(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	count := c.cfg.Gateway.Shards
	if count == 0 {
		count = bot.Shards
	}
	if count < 1 {
		count = 1
	}

	base := c.cfg.Gateway.URL
	if base == "" {
		base = bot.URL
	}
	url, err := api.GatewayURL(base, c.cfg.API.Version)
	if err != nil {
		return fmt.Errorf("gateway url: %w", err)
	}

	ids := c.cfg.Gateway.ShardIDs
	if len(ids) == 0 {
		ids = make([]int, count)
		for i := range ids {
			ids[i] = i
		}
	}
	tmpl, err := c.cfg.ShardTemplate()
	if err != nil {
		return err
	}
	tmpl.URL = url
	tmpl.Count = count

	limit := bot.SessionStartLimit
	gate := gateway.NewGate(limit.MaxConcurrency, c.cfg.Gateway.IdentifyWindow)
	if limit.Remaining == 0 {
		until := time.Now().Add(limit.ResetIn())
		gate.BlockUntil(until)
		c.logger.Warn("session start limit exhausted, identifies held",
			"reset_in", limit.ResetIn(),
			"total", limit.Total,
		)
	} else if limit.Remaining < len(ids) {
		c.logger.Warn("session start limit below shard count",
			"remaining", limit.Remaining,
			"shards", len(ids),
		)
	}

	if _, err := c.cache.Warm(ctx); err != nil {
		c.logger.Warn("cache warm failed, starting empty", "error", err)
	}
	c.cache.Start(context.WithoutCancel(ctx))

	manager := gateway.NewManager(gateway.ManagerConfig{
		Shard: tmpl,
		Hook:  c.hook,
	}, gate, c.dialer, c.bus, c.metrics, c.logger)

	if err := manager.Start(ctx, ids); err != nil {
		gate.Close()
		c.stopCache()
		return fmt.Errorf("start shards: %w", err)
	}

	c.manager = manager
	c.gate = gate
	c.readyAt = time.Time{}
	c.session = Session{
		URL:            url,
		ShardCount:     count,
		ShardIDs:       append([]int(nil), ids...),
		MaxConcurrency: limit.MaxConcurrency,
		Remaining:      limit.Remaining,
	}

	c.logger.Info("logged in",
		"url", url,
		"shard_count", count,
		"shards", len(ids),
		"max_concurrency", limit.MaxConcurrency,
		"session_starts_remaining", limit.Remaining,
	)
	return nil
}

// Disconnect stops every shard and waits for them to close. The client can
// log in again afterwards.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	manager, gate := c.manager, c.gate
	c.manager, c.gate = nil, nil
	c.readyAt = time.Time{}
	c.mu.Unlock()

	if manager == nil {
		return ErrNotLoggedIn
	}

	err := manager.StopAll(ctx)
	gate.Close()
	if cerr := c.cache.Stop(ctx); cerr != nil && err == nil {
		err = fmt.Errorf("stop cache: %w", cerr)
	}
	return err
}

// Close disconnects when logged in and stops event delivery. Queued events
// are delivered before Close returns.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	loggedIn := c.manager != nil
	c.mu.Unlock()

	var err error
	if loggedIn {
		err = c.Disconnect(ctx)
	}
	c.bus.Close()
	return err
}

// UpdatePresence sets the presence on every shard.
func (c *Client) UpdatePresence(spec gateway.PresenceSpec) error {
	c.mu.RLock()
	manager := c.manager
	c.mu.RUnlock()
	if manager == nil {
		return ErrNotLoggedIn
	}
	manager.UpdatePresence(spec)
	return nil
}

// Manager returns the shard manager, nil before Login.
func (c *Client) Manager() *gateway.Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manager
}

// ShardStates returns every running shard's state, nil before Login.
func (c *Client) ShardStates() map[int]gateway.State {
	c.mu.RLock()
	manager := c.manager
	c.mu.RUnlock()
	if manager == nil {
		return nil
	}
	return manager.States()
}

// Session returns the current login parameters.
func (c *Client) Session() (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session, c.manager != nil
}

// IsReady reports whether every shard has been ready since Login.
func (c *Client) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.readyAt.IsZero()
}

// ReadyAt returns when the client became ready, zero when it is not.
func (c *Client) ReadyAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readyAt
}

// Uptime returns the time since the client became ready.
func (c *Client) Uptime() (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.readyAt.IsZero() {
		return 0, ErrNotReady
	}
	return time.Since(c.readyAt), nil
}

// Me returns the user the client is logged in as, nil before READY.
func (c *Client) Me() *gateway.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.me == nil {
		return nil
	}
	u := *c.me
	return &u
}

// hook runs on shard goroutines for every dispatch.
func (c *Client) hook(d *events.Dispatch) {
	if d.Name == gateway.EventReady {
		var ready struct {
			User gateway.User `json:"user"`
		}
		if err := json.Unmarshal(d.Data, &ready); err == nil && ready.User.ID != "" {
			c.mu.Lock()
			c.me = &ready.User
			c.mu.Unlock()
		}
	}
	c.cache.Apply(d)
}

func (c *Client) onReady(e events.Ready) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manager == nil || !c.manager.Ready() {
		return
	}
	c.readyAt = time.Now()
	c.logger.Info("client ready", "shards", e.ShardCount)
}

func (c *Client) stopCache() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Gateway.ShutdownTimeout)
	defer cancel()
	if err := c.cache.Stop(ctx); err != nil {
		c.logger.Warn("stop cache", "error", err)
	}
}
