package worker

import (
	"sync"

	"github.com/nmxmxh/computeshare/internal/core"
	"github.com/nmxmxh/computeshare/internal/metrics"
)

// QueueStats tracks handoff queue throughput
type QueueStats struct {
	Enqueued uint64
	Dequeued uint64
	Dropped  uint64
	Pending  int
}

// HandoffQueue carries encoded signed results from the work loop to the
// gossip loop. It is FIFO with one producer and one consumer. With a
// positive maxPending the oldest payload is dropped when full; otherwise it
// grows without bound.
type HandoffQueue struct {
	mu         sync.Mutex
	items      [][]byte
	closed     bool
	maxPending int
	stats      QueueStats
	ready      chan struct{}
}

// NewHandoffQueue creates a queue. maxPending <= 0 means unbounded.
func NewHandoffQueue(maxPending int) *HandoffQueue {
	return &HandoffQueue{
		maxPending: maxPending,
		ready:      make(chan struct{}, 1),
	}
}

// Push appends a payload. It fails only once the queue is closed.
func (q *HandoffQueue) Push(payload []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return core.ErrQueueClosed()
	}
	if q.maxPending > 0 && len(q.items) >= q.maxPending {
		q.items[0] = nil
		q.items = q.items[1:]
		q.stats.Dropped++
		metrics.HandoffDroppedTotal.Inc()
	}
	q.items = append(q.items, payload)
	q.stats.Enqueued++
	depth := len(q.items)
	q.mu.Unlock()

	metrics.HandoffQueueDepth.Set(float64(depth))
	q.signal()
	return nil
}

// Ready fires after a push or close. Consumers should pop until TryPop
// reports empty after each signal.
func (q *HandoffQueue) Ready() <-chan struct{} {
	return q.ready
}

// TryPop removes the oldest payload without blocking.
func (q *HandoffQueue) TryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	payload := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.stats.Dequeued++
	metrics.HandoffQueueDepth.Set(float64(len(q.items)))
	return payload, true
}

// Drain removes and returns every pending payload in order.
func (q *HandoffQueue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	q.stats.Dequeued += uint64(len(out))
	metrics.HandoffQueueDepth.Set(0)
	return out
}

// Close stops further pushes. Pending payloads stay poppable.
func (q *HandoffQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Drained reports whether the queue is closed and empty.
func (q *HandoffQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

// Len returns the number of pending payloads.
func (q *HandoffQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns a snapshot of the counters.
func (q *HandoffQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = len(q.items)
	return s
}

func (q *HandoffQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
