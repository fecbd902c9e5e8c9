package shrinker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkSplitsIntoBoundedGroups(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}
	chunks := Chunk(items, 2)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, chunks)
}

func TestChunkSmallerThanSizeReturnsOneChunk(t *testing.T) {
	items := []int{1, 2}
	assert.Equal(t, [][]int{{1, 2}}, Chunk(items, 10))
}

func TestReduceScopeNeverGoesBelowOne(t *testing.T) {
	assert.Equal(t, 5, ReduceScope(10))
	assert.Equal(t, 1, ReduceScope(1))
	assert.Equal(t, 1, ReduceScope(0))
}
