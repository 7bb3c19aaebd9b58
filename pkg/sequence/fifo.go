package sequence

import "sync"

// Queue is an unbounded FIFO safe for one producer and one consumer (and in
// practice any number of either). Ready delivers a signal whenever a value is
// pushed into an empty queue, so a consumer can park between polls.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	ready chan struct{}
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{ready: make(chan struct{}, 1)}
}

func (q *Queue[T]) Push(value T) {
	q.mu.Lock()
	q.items = append(q.items, value)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// TryPop never blocks.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.head >= len(q.items) {
		return zero, false
	}
	value := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	// compact once the consumed prefix dominates
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return value, true
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

func (q *Queue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// Ready returns a channel signalled after a push. A receive does not guarantee
// the value is still there; callers re-check with TryPop.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}
