package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUint64Heap_Pop(t *testing.T) {
	h := NewMinHeap[uint64]()
	for i := uint64(0); i < 64; i++ {
		h.Push(i ^ 17)
	}
	for i := uint64(0); i < 64; i++ {
		assert.Equal(t, i, h.Pop())
	}
}

func TestHeapLessFunc(t *testing.T) {
	type pair struct {
		name  string
		delta int64
	}
	h := NewHeap(func(a, b pair) bool { return a.delta < b.delta })
	h.Push(pair{"a", 30})
	h.Push(pair{"b", -2})
	h.Push(pair{"c", 11})
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, "b", h.Peek().name)
	assert.Equal(t, int64(-2), h.Pop().delta)
	assert.Equal(t, int64(11), h.Pop().delta)
	assert.Equal(t, int64(30), h.Pop().delta)
	assert.Equal(t, 0, h.Len())
}
