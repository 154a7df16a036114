package events

import (
	"sync"
)

// queue is an unbounded FIFO used between publishers and the delivery
// goroutine. It doubles its ring when 70% full so publishers never block.
type queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   []T
	head   int
	tail   int
	count  int
	closed bool

	published int64
	delivered int64
	resizes   int
}

func newQueue[T any](initialCapacity int) *queue[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	q := &queue[T]{ring: make([]T, initialCapacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends an item. Returns false once the queue is closed.
func (q *queue[T]) push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	threshold := (len(q.ring) * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold {
		q.grow()
	}

	q.ring[q.tail] = item
	q.tail = (q.tail + 1) % len(q.ring)
	q.count++
	q.published++

	q.cond.Signal()
	return true
}

// pop blocks until an item is available. After close it drains what is
// left, then reports false.
func (q *queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}

	var zero T
	if q.count == 0 {
		return zero, false
	}

	item := q.ring[q.head]
	q.ring[q.head] = zero
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	q.delivered++
	return item, true
}

func (q *queue[T]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *queue[T]) stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Pending:   q.count,
		Capacity:  len(q.ring),
		Published: q.published,
		Delivered: q.delivered,
		Resizes:   q.resizes,
	}
}

// QueueStats describes the bus delivery queue.
type QueueStats struct {
	Pending   int
	Capacity  int
	Published int64
	Delivered int64
	Resizes   int
}

// grow must be called with q.mu held.
func (q *queue[T]) grow() {
	next := make([]T, len(q.ring)*2)

	if q.count > 0 {
		if q.head < q.tail {
			copy(next, q.ring[q.head:q.tail])
		} else {
			n := copy(next, q.ring[q.head:])
			copy(next[n:], q.ring[:q.tail])
		}
	}

	q.ring = next
	q.head = 0
	q.tail = q.count
	q.resizes++
}
