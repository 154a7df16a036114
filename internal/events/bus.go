package events

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// ShardReady is published when a shard completes a handshake.
type ShardReady struct {
	ShardID int
	Resumed bool
}

// ShardDisconnect is published when a shard's connection ends.
type ShardDisconnect struct {
	ShardID int
	Code    int
}

// ShardReconnecting is published before a shard waits to reconnect.
type ShardReconnecting struct {
	ShardID int
	Attempt int
}

// ShardError is published once when a shard gives up.
type ShardError struct {
	ShardID int
	Err     error
}

// Dispatch is a decoded dispatch event forwarded from a shard.
type Dispatch struct {
	ShardID  int
	Sequence int64
	Name     string
	Data     json.RawMessage

	// Cached holds the cache's copy of the entity, when caching is enabled
	// for its kind and the entity was known before this event.
	Cached any
}

// Ready is published once every managed shard has been ready at least once.
type Ready struct {
	ShardCount int
}

type envelope struct {
	shardReady        *ShardReady
	shardDisconnect   *ShardDisconnect
	shardReconnecting *ShardReconnecting
	shardError        *ShardError
	dispatch          *Dispatch
	ready             *Ready
}

// Bus fans typed events out to registered handlers.
//
// Publishing never blocks: events are queued and delivered in publish order
// by one goroutine, so a slow handler delays delivery but not the shards.
type Bus struct {
	logger *slog.Logger
	queue  *queue[envelope]

	mu                sync.RWMutex
	shardReady        []func(ShardReady)
	shardDisconnect   []func(ShardDisconnect)
	shardReconnecting []func(ShardReconnecting)
	shardError        []func(ShardError)
	dispatch          []func(Dispatch)
	ready             []func(Ready)

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// NewBus creates a bus. Call Start to begin delivery.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		queue:  newQueue[envelope](256),
		done:   make(chan struct{}),
	}
}

// Start launches the delivery goroutine. Idempotent.
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		go b.deliverLoop()
	})
}

// Close stops accepting events, delivers what is queued and waits for the
// delivery goroutine. Idempotent.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.queue.close()
		b.startOnce.Do(func() { close(b.done) })
	})
	<-b.done
}

// Stats returns delivery queue statistics.
func (b *Bus) Stats() QueueStats {
	return b.queue.stats()
}

func (b *Bus) OnShardReady(h func(ShardReady)) {
	b.mu.Lock()
	b.shardReady = append(b.shardReady, h)
	b.mu.Unlock()
}

func (b *Bus) OnShardDisconnect(h func(ShardDisconnect)) {
	b.mu.Lock()
	b.shardDisconnect = append(b.shardDisconnect, h)
	b.mu.Unlock()
}

func (b *Bus) OnShardReconnecting(h func(ShardReconnecting)) {
	b.mu.Lock()
	b.shardReconnecting = append(b.shardReconnecting, h)
	b.mu.Unlock()
}

func (b *Bus) OnShardError(h func(ShardError)) {
	b.mu.Lock()
	b.shardError = append(b.shardError, h)
	b.mu.Unlock()
}

func (b *Bus) OnDispatch(h func(Dispatch)) {
	b.mu.Lock()
	b.dispatch = append(b.dispatch, h)
	b.mu.Unlock()
}

func (b *Bus) OnReady(h func(Ready)) {
	b.mu.Lock()
	b.ready = append(b.ready, h)
	b.mu.Unlock()
}

func (b *Bus) PublishShardReady(e ShardReady) { b.publish(envelope{shardReady: &e}) }

func (b *Bus) PublishShardDisconnect(e ShardDisconnect) {
	b.publish(envelope{shardDisconnect: &e})
}

func (b *Bus) PublishShardReconnecting(e ShardReconnecting) {
	b.publish(envelope{shardReconnecting: &e})
}

func (b *Bus) PublishShardError(e ShardError) { b.publish(envelope{shardError: &e}) }

func (b *Bus) PublishDispatch(e Dispatch) { b.publish(envelope{dispatch: &e}) }

func (b *Bus) PublishReady(e Ready) { b.publish(envelope{ready: &e}) }

func (b *Bus) publish(env envelope) {
	if !b.queue.push(env) {
		b.logger.Debug("event bus closed, dropping event")
	}
}

func (b *Bus) deliverLoop() {
	defer close(b.done)

	for {
		env, ok := b.queue.pop()
		if !ok {
			return
		}
		b.deliver(env)
	}
}

func (b *Bus) deliver(env envelope) {
	// Handlers run without the lock so they may register more handlers.
	b.mu.RLock()
	shardReady := b.shardReady
	shardDisconnect := b.shardDisconnect
	shardReconnecting := b.shardReconnecting
	shardError := b.shardError
	dispatch := b.dispatch
	ready := b.ready
	b.mu.RUnlock()

	switch {
	case env.shardReady != nil:
		for _, h := range shardReady {
			h(*env.shardReady)
		}
	case env.shardDisconnect != nil:
		for _, h := range shardDisconnect {
			h(*env.shardDisconnect)
		}
	case env.shardReconnecting != nil:
		for _, h := range shardReconnecting {
			h(*env.shardReconnecting)
		}
	case env.shardError != nil:
		for _, h := range shardError {
			h(*env.shardError)
		}
	case env.dispatch != nil:
		for _, h := range dispatch {
			h(*env.dispatch)
		}
	case env.ready != nil:
		for _, h := range ready {
			h(*env.ready)
		}
	}
}
