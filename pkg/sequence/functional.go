package sequence

import (
	"iter"
	"sort"
)

// Iterator is a chainable, lazy iterator for any type T.
type Iterator[T any] struct {
	seq iter.Seq[T]
}

// From creates a new Iterator from a slice of T.
func From[T any](data []T) *Iterator[T] {
	return &Iterator[T]{
		seq: func(yield func(T) bool) {
			for _, v := range data {
				if !yield(v) {
					return
				}
			}
		},
	}
}

// Seq returns the underlying sequence, usable with range.
func (i *Iterator[T]) Seq() iter.Seq[T] {
	return i.seq
}

// Collect exhausts the iterator and returns a slice of all elements.
func (i *Iterator[T]) Collect() []T {
	var out []T
	for v := range i.seq {
		out = append(out, v)
	}
	return out
}

// Sort returns a new Iterator with elements sorted according to less.
// The sort is stable.
func (i *Iterator[T]) Sort(less func(a, b T) bool) *Iterator[T] {
	data := i.Collect()
	sort.SliceStable(data, func(a, b int) bool {
		return less(data[a], data[b])
	})
	return From(data)
}

// Filter returns a new Iterator containing only elements that satisfy pred.
func (i *Iterator[T]) Filter(pred func(T) bool) *Iterator[T] {
	return &Iterator[T]{
		seq: func(yield func(T) bool) {
			for v := range i.seq {
				if pred(v) && !yield(v) {
					return
				}
			}
		},
	}
}

// First returns the first element, or false if empty.
func (i *Iterator[T]) First() (T, bool) {
	for v := range i.seq {
		return v, true
	}
	var zero T
	return zero, false
}

// Any returns true if any element matches pred.
func (i *Iterator[T]) Any(pred func(T) bool) bool {
	for v := range i.seq {
		if pred(v) {
			return true
		}
	}
	return false
}

// Partition splits elements into two slices based on pred.
func (i *Iterator[T]) Partition(pred func(T) bool) (matches, rest []T) {
	for v := range i.seq {
		if pred(v) {
			matches = append(matches, v)
		} else {
			rest = append(rest, v)
		}
	}
	return
}

// Count returns the number of elements in the iterator.
func (i *Iterator[T]) Count() int {
	count := 0
	for range i.seq {
		count++
	}
	return count
}

// Map applies fn to every element of it and collects the results.
func Map[T any, S any](it *Iterator[T], fn func(T) S) []S {
	var out []S
	for v := range it.seq {
		out = append(out, fn(v))
	}
	return out
}
