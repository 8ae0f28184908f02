package asyncrunner

import (
	"context"
	"sync"
)

// Queue is a FIFO queue, shared by producers and consumers.
type Queue[T any] struct {
	m      sync.Mutex
	items  []T
	notify chan struct{}
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Push appends v to the tail.
func (q *Queue[T]) Push(v T) {
	q.m.Lock()
	q.items = append(q.items, v)
	q.m.Unlock()
	q.signal()
}

// Pop takes the head, waiting for an item is pushed.
//
// # Returns
//
// - error: ctx.Err() when ctx is done before an item is available.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.m.Lock()
		if 0 < len(q.items) {
			v := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			more := 0 < len(q.items)
			q.m.Unlock()

			if more {
				// wake up another consumer
				q.signal()
			}
			return v, nil
		}
		q.m.Unlock()

		select {
		case <-ctx.Done():
			return *new(T), ctx.Err()
		case <-q.notify:
		}
	}
}

// Drain takes all items, in order.
func (q *Queue[T]) Drain() []T {
	q.m.Lock()
	defer q.m.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *Queue[T]) Len() int {
	q.m.Lock()
	defer q.m.Unlock()
	return len(q.items)
}
