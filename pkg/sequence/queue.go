package sequence

import "container/heap"

// priorityItem orders by Priority, lowest first; ties keep insertion order.
type priorityItem[T any] struct {
	value    T
	priority int64
	order    uint64
}

type priorityQueue[T any] struct {
	items []*priorityItem[T]
}

func (pq *priorityQueue[T]) Len() int {
	return len(pq.items)
}

func (pq *priorityQueue[T]) Less(i, j int) bool {
	a, b := pq.items[i], pq.items[j]
	if a.priority == b.priority {
		return a.order < b.order
	}
	return a.priority < b.priority
}

func (pq *priorityQueue[T]) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
}

func (pq *priorityQueue[T]) Push(x any) {
	pq.items = append(pq.items, x.(*priorityItem[T]))
}

func (pq *priorityQueue[T]) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	pq.items = old[0 : n-1]
	return item
}

// PriorityQueue is a min-heap. It is not safe for concurrent use.
type PriorityQueue[T any] struct {
	pq    priorityQueue[T]
	count uint64
}

func NewPriorityQueue[T any]() *PriorityQueue[T] {
	pq := &PriorityQueue[T]{}
	heap.Init(&pq.pq)
	return pq
}

func (pq *PriorityQueue[T]) Enqueue(value T, priority int64) {
	heap.Push(&pq.pq, &priorityItem[T]{value: value, priority: priority, order: pq.count})
	pq.count++
}

func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	if pq.pq.Len() == 0 {
		var zero T
		return zero, false
	}
	return heap.Pop(&pq.pq).(*priorityItem[T]).value, true
}

// Peek returns the next value and its priority without removing it.
func (pq *PriorityQueue[T]) Peek() (T, int64, bool) {
	if pq.pq.Len() == 0 {
		var zero T
		return zero, 0, false
	}
	item := pq.pq.items[0]
	return item.value, item.priority, true
}

func (pq *PriorityQueue[T]) Len() int {
	return pq.pq.Len()
}

func (pq *PriorityQueue[T]) IsEmpty() bool {
	return pq.pq.Len() == 0
}
