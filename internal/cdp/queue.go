package cdp

import (
	"context"
	"encoding/json"
	"sync"
)

// Queue is an unbounded FIFO. Push never blocks; Next blocks until an item
// is available, the queue is closed, or ctx is done.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	done   chan struct{}
	closed bool
	err    error
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends an item. Items pushed after Close are dropped.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Next pops the oldest item. Items queued before Close are still returned;
// once drained, a closed queue returns its close error.
func (q *Queue[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				// another waiter may be parked on the single notify slot
				q.signal()
			}
			return item, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			return zero, err
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue. Waiters drain what is left and then get err.
// Closing twice keeps the first error.
func (q *Queue[T]) Close(err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.err = err
	q.mu.Unlock()
	close(q.done)
}

// Subscription receives every params payload of one event, in frame order.
type Subscription struct {
	conn  *Conn
	event string
	id    uint64
	queue *Queue[json.RawMessage]
}

// Event returns the subscribed event name.
func (s *Subscription) Event() string { return s.event }

// Next waits for the next event payload. After the connection closes the
// remaining payloads are returned first, then the transport error.
func (s *Subscription) Next(ctx context.Context) (json.RawMessage, error) {
	return s.queue.Next(ctx)
}

// Len returns the number of undelivered payloads.
func (s *Subscription) Len() int { return s.queue.Len() }

// Unsubscribe detaches the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.conn.unsubscribe(s)
	s.queue.Close(ErrUnsubscribed)
}
