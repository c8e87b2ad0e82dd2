package orchestrator

import (
	"sync"
)

// queue is an unbounded FIFO drained by a single goroutine, push never blocks.
// Used wherever the manager hands something off (events to subscribers, commands to node connections)
// so that it can keep going without waiting on slow consumers while preserving order.
type queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

// newQueue starts a goroutine calling deliver for every pushed item in order,
// it stops when deliver returns false or the queue is closed
func newQueue[T any](deliver func(T) bool) *queue[T] {
	q := &queue[T]{}
	q.cond = sync.NewCond(&q.mu)

	go q.run(deliver)
	return q
}

// push appends v, returns false if the queue is closed
func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, v)
	q.cond.Signal()
	return true
}

func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue[T]) run(deliver func(T) bool) {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}

		if q.closed {
			q.mu.Unlock()
			return
		}

		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		if !deliver(v) {
			q.close()
			return
		}
	}
}
