package gateway

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Heartbeat is a per-shard liveness pulse with acknowledgment tracking.
//
// Callbacks run on timer goroutines and must not block; the shard forwards
// them into its own loop.
type Heartbeat struct {
	jitter float64

	mu         sync.Mutex
	running    bool
	gen        uint64
	timer      *time.Timer
	interval   time.Duration
	ackPending bool
	lastSent   time.Time
	latency    time.Duration
	onBeat     func()
	onZombie   func()
}

// NewHeartbeat creates a stopped heartbeat. jitter is the largest fraction
// of the interval subtracted from the first beat.
func NewHeartbeat(jitter float64) *Heartbeat {
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return &Heartbeat{jitter: jitter}
}

// Start begins beating every interval, replacing any previous schedule.
func (h *Heartbeat) Start(interval time.Duration, onBeat, onZombie func()) {
	if interval <= 0 {
		interval = time.Second
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopLocked()
	h.gen++
	h.running = true
	h.interval = interval
	h.ackPending = false
	h.onBeat = onBeat
	h.onZombie = onZombie

	first := interval
	if h.jitter > 0 {
		first -= time.Duration(rand.Float64() * h.jitter * float64(interval))
	}
	if first <= 0 {
		first = time.Millisecond
	}
	h.schedule(first, h.gen)
}

// schedule must be called with h.mu held.
func (h *Heartbeat) schedule(d time.Duration, gen uint64) {
	h.timer = time.AfterFunc(d, func() { h.fire(gen) })
}

func (h *Heartbeat) fire(gen uint64) {
	h.mu.Lock()
	if !h.running || gen != h.gen {
		h.mu.Unlock()
		return
	}

	if h.ackPending {
		h.running = false
		h.timer = nil
		onZombie := h.onZombie
		h.mu.Unlock()
		if onZombie != nil {
			onZombie()
		}
		return
	}

	h.ackPending = true
	h.lastSent = time.Now()
	h.schedule(h.interval, gen)
	onBeat := h.onBeat
	h.mu.Unlock()

	if onBeat != nil {
		onBeat()
	}
}

// BeatNow sends an out-of-schedule beat (server-requested). It does not
// zombie-check, and the next scheduled beat moves to one full interval
// from now so the server has that long to acknowledge.
func (h *Heartbeat) BeatNow() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	h.schedule(h.interval, h.gen)
	h.ackPending = true
	h.lastSent = time.Now()
	onBeat := h.onBeat
	h.mu.Unlock()

	if onBeat != nil {
		onBeat()
	}
}

// Ack records a heartbeat acknowledgment.
func (h *Heartbeat) Ack() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ackPending && !h.lastSent.IsZero() {
		h.latency = time.Since(h.lastSent)
	}
	h.ackPending = false
}

// Stop cancels all pending beats. Safe to call repeatedly or before Start.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

func (h *Heartbeat) stopLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.running = false
	h.gen++
}

// Running reports whether beats are scheduled.
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Window returns a snapshot of the heartbeat state.
func (h *Heartbeat) Window() HeartbeatWindow {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HeartbeatWindow{
		Interval:   h.interval,
		LastSentAt: h.lastSent,
		AckPending: h.ackPending,
	}
}

// Latency returns the last measured beat round trip.
func (h *Heartbeat) Latency() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latency
}
