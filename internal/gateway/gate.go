package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Gate bounds how many shards may authenticate at once.
//
// Slots are handed out in request order. A released slot only becomes
// available again after window/capacity, and a sliding log of recent
// admissions keeps the number of admissions inside any window at or below
// capacity.
type Gate struct {
	capacity int
	window   time.Duration
	cooldown time.Duration

	queue *semaphore.Weighted // weight 1; admits waiters one at a time in arrival order
	slots *semaphore.Weighted

	mu        sync.Mutex
	admitted  []time.Time // last `capacity` admission times, oldest first
	notBefore time.Time
	inFlight  int
	cooling   map[*time.Timer]struct{}
	closed    bool

	onWait func(time.Duration)
}

// Ticket is an admission granted by a Gate.
type Ticket struct {
	gate       *Gate
	once       sync.Once
	AdmittedAt time.Time
}

// NewGate creates a gate admitting capacity authentications per window.
func NewGate(capacity int, window time.Duration) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	if window < 0 {
		window = 0
	}
	return &Gate{
		capacity: capacity,
		window:   window,
		cooldown: window / time.Duration(capacity),
		queue:    semaphore.NewWeighted(1),
		slots:    semaphore.NewWeighted(int64(capacity)),
		cooling:  make(map[*time.Timer]struct{}),
	}
}

// Capacity returns the number of concurrent slots.
func (g *Gate) Capacity() int { return g.capacity }

// Window returns the admission window.
func (g *Gate) Window() time.Duration { return g.window }

// Cooldown returns how long a released slot stays unavailable.
func (g *Gate) Cooldown() time.Duration { return g.cooldown }

// OnWait registers a callback observing how long each Acquire waited.
func (g *Gate) OnWait(fn func(time.Duration)) {
	g.mu.Lock()
	g.onWait = fn
	g.mu.Unlock()
}

// BlockUntil prevents any admission before t.
func (g *Gate) BlockUntil(t time.Time) {
	g.mu.Lock()
	if t.After(g.notBefore) {
		g.notBefore = t
	}
	g.mu.Unlock()
}

// InFlight returns slots currently held or cooling down.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// Acquire waits for an admission slot. It only fails when ctx ends.
//
// The head of the queue waits for both a free slot and the window before
// the next caller is considered, so no caller is admitted ahead of an
// earlier one.
func (g *Gate) Acquire(ctx context.Context) (*Ticket, error) {
	start := time.Now()

	if err := g.queue.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.queue.Release(1)

	if err := g.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.inFlight++
	g.mu.Unlock()

	if err := g.waitWindow(ctx); err != nil {
		g.returnSlot()
		return nil, err
	}

	now := time.Now()
	g.mu.Lock()
	g.admitted = append(g.admitted, now)
	if len(g.admitted) > g.capacity {
		g.admitted = g.admitted[len(g.admitted)-g.capacity:]
	}
	onWait := g.onWait
	g.mu.Unlock()

	if onWait != nil {
		onWait(now.Sub(start))
	}
	return &Ticket{gate: g, AdmittedAt: now}, nil
}

// waitWindow blocks until both the reset block and the sliding window allow
// another admission.
func (g *Gate) waitWindow(ctx context.Context) error {
	for {
		g.mu.Lock()
		now := time.Now()
		until := g.notBefore
		if len(g.admitted) >= g.capacity {
			if next := g.admitted[0].Add(g.window); next.After(until) {
				until = next
			}
		}
		g.mu.Unlock()

		wait := until.Sub(now)
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Release returns t's slot after the cool-down. Safe to call more than once.
func (g *Gate) Release(t *Ticket) {
	if t == nil {
		return
	}
	t.Release()
}

// Release returns the ticket's slot to its gate after the cool-down.
func (t *Ticket) Release() {
	if t == nil || t.gate == nil {
		return
	}
	t.once.Do(t.gate.scheduleReturn)
}

func (g *Gate) scheduleReturn() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed || g.cooldown <= 0 {
		g.inFlight--
		g.slots.Release(1)
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(g.cooldown, func() {
		g.mu.Lock()
		if _, ok := g.cooling[timer]; !ok {
			g.mu.Unlock()
			return
		}
		delete(g.cooling, timer)
		g.mu.Unlock()
		g.returnSlot()
	})
	g.cooling[timer] = struct{}{}
}

func (g *Gate) returnSlot() {
	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
	g.slots.Release(1)
}

// Close stops pending cool-down timers and returns their slots immediately.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	timers := make([]*time.Timer, 0, len(g.cooling))
	for t := range g.cooling {
		timers = append(timers, t)
	}
	g.cooling = make(map[*time.Timer]struct{})
	g.mu.Unlock()

	// A timer that already fired finds itself missing from cooling and
	// skips its own return.
	for _, t := range timers {
		t.Stop()
		g.returnSlot()
	}
}
