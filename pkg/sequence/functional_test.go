package sequence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIteratorChain(t *testing.T) {
	data := []int{5, 3, 8, 1, 4}

	even := From(data).Filter(func(v int) bool { return v%2 == 0 }).Collect()
	assert.Equal(t, []int{8, 4}, even)

	sorted := From(data).Sort(func(a, b int) bool { return a > b }).Collect()
	assert.Equal(t, []int{8, 5, 4, 3, 1}, sorted)

	first, ok := From(data).Sort(func(a, b int) bool { return a < b }).First()
	assert.True(t, ok)
	assert.Equal(t, 1, first)

	_, ok = From([]int(nil)).First()
	assert.False(t, ok)

	big, small := From(data).Partition(func(v int) bool { return v > 4 })
	assert.Equal(t, []int{5, 8}, big)
	assert.Equal(t, []int{3, 1, 4}, small)

	assert.Equal(t, 5, From(data).Count())
	assert.True(t, From(data).Any(func(v int) bool { return v == 8 }))
	assert.False(t, From(data).Any(func(v int) bool { return v == 9 }))
	assert.Equal(t, []string{"5", "3"}, Map(From(data).Filter(func(v int) bool { return v%2 == 1 && v > 1 }), func(v int) string {
		return string(rune('0' + v))
	}))
}

func TestIteratorStopsEarly(t *testing.T) {
	visited := 0
	it := From([]int{1, 2, 3, 4}).Filter(func(int) bool {
		visited++
		return true
	})
	_, ok := it.First()
	assert.True(t, ok)
	assert.Equal(t, 1, visited)
}
