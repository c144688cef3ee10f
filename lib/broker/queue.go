package broker

import (
	"sync"

	"github.com/snowmerak/gateway.go/lib/message"
)

// delivery is one published message waiting for the dispatch worker.
type delivery struct {
	publisher Module
	msg       *message.Message
}

// queue is an unbounded FIFO with a single consumer. Producers never block.
type queue struct {
	mu     sync.Mutex
	items  []delivery
	closed bool
	limit  int

	notify chan struct{}
}

func newQueue(limit int) *queue {
	return &queue{
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

func (q *queue) push(d delivery) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrShuttingDown
	}
	if q.limit > 0 && len(q.items) >= q.limit {
		q.mu.Unlock()
		return ErrResourceExhausted
	}
	q.items = append(q.items, d)
	q.mu.Unlock()

	q.wake()
	return nil
}

// take removes every queued delivery. closed reports whether no more will arrive.
func (q *queue) take() (items []delivery, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items = q.items
	q.items = nil
	return items, q.closed
}

// close marks the queue closed if transition succeeds. transition runs under the queue
// lock, so no push can be accepted once it has taken effect.
func (q *queue) close(transition func() bool) bool {
	q.mu.Lock()
	if !transition() {
		q.mu.Unlock()
		return false
	}
	q.closed = true
	q.mu.Unlock()

	q.wake()
	return true
}

func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
