package entity

import (
	"context"
	"sync"
)

// queue is an unbounded multi-producer single-consumer FIFO. Pushing never
// blocks; popping blocks until an item is available, the queue is closed or
// ctx is done.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	closed bool
	notify chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{notify: make(chan struct{}, 1)}
}

// push appends v. It reports false when the queue is closed.
func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// tryPop removes the oldest item without blocking.
func (q *queue[T]) tryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.head == len(q.items) {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return v, true
}

// pop blocks for the next item. ok is false once the queue is closed and
// empty, or when ctx is done.
func (q *queue[T]) pop(ctx context.Context) (v T, ok bool) {
	for {
		if v, ok = q.tryPop(); ok {
			return v, true
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return v, false
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return v, false
		}
	}
}

// len returns the number of queued items.
func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// close rejects further pushes and returns the items still queued.
func (q *queue[T]) close() []T {
	q.mu.Lock()
	q.closed = true
	rest := append([]T(nil), q.items[q.head:]...)
	q.items = nil
	q.head = 0
	q.mu.Unlock()
	q.signal()
	return rest
}
