package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/shardgate/internal/events"
	"github.com/rickgao/shardgate/internal/metrics"
)

// ManagerConfig configures the shard set. Shard holds the template every
// shard is built from; ID is filled in per shard.
type ManagerConfig struct {
	Shard ShardConfig
	Hook  DispatchHook
}

// Manager owns the shards of this process.
type Manager struct {
	cfg     ManagerConfig
	gate    *Gate
	dialer  Dialer
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.RWMutex
	shards   map[int]*Shard
	order    []int
	ready    map[int]bool
	allReady bool
	running  bool
	cancel   context.CancelFunc
}

// NewManager creates a manager. gate is shared by all its shards.
func NewManager(cfg ManagerConfig, gate *Gate, dialer Dialer, bus *events.Bus, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if m != nil {
		gate.OnWait(m.IdentifyWait)
	}
	return &Manager{
		cfg:     cfg,
		gate:    gate,
		dialer:  dialer,
		bus:     bus,
		metrics: m,
		logger:  logger,
		shards:  make(map[int]*Shard),
		ready:   make(map[int]bool),
	}
}

// Start creates and connects one shard per id.
func (m *Manager) Start(ctx context.Context, ids []int) error {
	count := m.cfg.Shard.Count
	if count < 1 {
		return fmt.Errorf("%w: shard count %d", ErrInvalidShardID, count)
	}
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if id < 0 || id >= count {
			return fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidShardID, id, count)
		}
		if seen[id] {
			return fmt.Errorf("%w: %d", ErrDuplicateShardID, id)
		}
		seen[id] = true
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrManagerRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.shards = make(map[int]*Shard, len(ids))
	m.ready = make(map[int]bool, len(ids))
	m.allReady = false
	m.order = slices.Clone(ids)
	slices.Sort(m.order)

	pub := &managerPublisher{m: m}
	for _, id := range m.order {
		cfg := m.cfg.Shard
		cfg.ID = id
		m.shards[id] = NewShard(cfg, m.gate, m.dialer, pub,
			WithDispatchHook(m.cfg.Hook),
			WithMetrics(m.metrics),
			WithLogger(m.logger),
		)
	}
	shards := m.orderedLocked()
	m.mu.Unlock()

	m.logger.Info("starting shards",
		"shards", len(shards),
		"shard_count", count,
		"identify_capacity", m.gate.Capacity(),
		"identify_window", m.gate.Window(),
	)

	for _, s := range shards {
		s.Connect(runCtx)
	}
	return nil
}

func (m *Manager) orderedLocked() []*Shard {
	out := make([]*Shard, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.shards[id])
	}
	return out
}

// Shards returns the managed shards in id order.
func (m *Manager) Shards() []*Shard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orderedLocked()
}

// Shard returns the shard with id.
func (m *Manager) Shard(id int) (*Shard, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shards[id]
	return s, ok
}

// Broadcast applies fn to every shard regardless of its state.
func (m *Manager) Broadcast(fn func(*Shard)) {
	for _, s := range m.Shards() {
		fn(s)
	}
}

// UpdatePresence sends spec to every shard.
func (m *Manager) UpdatePresence(spec PresenceSpec) {
	m.Broadcast(func(s *Shard) {
		s.UpdatePresence(spec)
	})
}

// StopAll disconnects every shard and waits until all are Closed.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	shards := m.orderedLocked()
	cancel := m.cancel
	m.running = false
	m.mu.Unlock()

	m.logger.Info("stopping shards", "shards", len(shards))

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range shards {
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				s.Disconnect()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("shard %d: %w", s.ID(), gctx.Err())
			}
		})
	}
	err := g.Wait()

	if cancel != nil {
		cancel()
	}
	if err != nil {
		m.logger.Warn("shutdown timeout, shards still closing", "error", err)
		return err
	}
	m.logger.Info("shards stopped")
	return nil
}

// States returns every shard's current state.
func (m *Manager) States() map[int]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]State, len(m.shards))
	for id, s := range m.shards {
		out[id] = s.State()
	}
	return out
}

// ShardReady reports whether shard id has been Ready at least once.
func (m *Manager) ShardReady(id int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready[id]
}

// Ready reports whether every managed shard has been Ready at least once.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allReady
}

// markReady records id as ready and reports whether this call completed
// the set.
func (m *Manager) markReady(id int) (completed bool, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.shards[id]; !ok {
		return false, 0
	}
	m.ready[id] = true
	if !m.allReady && len(m.ready) == len(m.shards) {
		m.allReady = true
		return true, len(m.shards)
	}
	return false, len(m.shards)
}

// managerPublisher is the event interface handed to shards.
type managerPublisher struct {
	m *Manager
}

func (p *managerPublisher) ShardReady(id int, resumed bool) {
	p.m.bus.PublishShardReady(events.ShardReady{ShardID: id, Resumed: resumed})

	if completed, total := p.m.markReady(id); completed {
		p.m.logger.Info("all shards ready", "shards", total)
		p.m.bus.PublishReady(events.Ready{ShardCount: total})
	}
}

func (p *managerPublisher) ShardDisconnect(id, code int) {
	p.m.bus.PublishShardDisconnect(events.ShardDisconnect{ShardID: id, Code: code})
}

func (p *managerPublisher) ShardReconnecting(id, attempt int) {
	p.m.bus.PublishShardReconnecting(events.ShardReconnecting{ShardID: id, Attempt: attempt})
}

func (p *managerPublisher) ShardError(id int, err error) {
	p.m.bus.PublishShardError(events.ShardError{ShardID: id, Err: err})
}

func (p *managerPublisher) Dispatch(d events.Dispatch) {
	p.m.bus.PublishDispatch(d)
}
