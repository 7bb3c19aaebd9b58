package sequence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityQueueOrdersByPriorityThenInsertion(t *testing.T) {
	pq := NewPriorityQueue[string]()
	pq.Enqueue("c", 30)
	pq.Enqueue("a1", 10)
	pq.Enqueue("b", 20)
	pq.Enqueue("a2", 10)

	v, p, ok := pq.Peek()
	require.True(t, ok)
	assert.Equal(t, "a1", v)
	assert.Equal(t, int64(10), p)

	var got []string
	for !pq.IsEmpty() {
		v, ok := pq.Dequeue()
		require.True(t, ok)
		got = append(got, v)
	}
	assert.Equal(t, []string{"a1", "a2", "b", "c"}, got)

	_, ok = pq.Dequeue()
	assert.False(t, ok)
	_, _, ok = pq.Peek()
	assert.False(t, ok)
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int]()
	assert.True(t, q.IsEmpty())

	for i := 0; i < 200; i++ {
		q.Push(i)
	}
	assert.Equal(t, 200, q.Len())

	for i := 0; i < 200; i++ {
		v, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, i, v)
		// interleave pushes to exercise compaction
		if i == 100 {
			q.Push(1000)
		}
	}
	v, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, 1000, v)

	_, ok = q.TryPop()
	assert.False(t, ok)
}

func TestQueueReadySignal(t *testing.T) {
	q := NewQueue[string]()
	select {
	case <-q.Ready():
		t.Fatal("ready without push")
	default:
	}

	go q.Push("hello")

	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("no ready signal")
	}
	v, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "hello", v)
}

func TestQueueConcurrentProducer(t *testing.T) {
	q := NewQueue[int]()
	const n = 1000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Push(i)
		}
	}()

	got := make([]int, 0, n)
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		if v, ok := q.TryPop(); ok {
			got = append(got, v)
			continue
		}
		select {
		case <-q.Ready():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("consumer starved")
		}
	}
	wg.Wait()

	for i, v := range got {
		assert.Equal(t, i, v)
	}
}
