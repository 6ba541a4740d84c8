package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameAllocatorExhaustionAndRecycle(t *testing.T) {
	fa := NewFrameAllocator(10, 2)

	a, ok := fa.Alloc()
	assert.True(t, ok)
	assert.Equal(t, Pfn_t(10), a)

	b, ok := fa.Alloc()
	assert.True(t, ok)
	assert.Equal(t, Pfn_t(11), b)

	_, ok = fa.Alloc()
	assert.False(t, ok, "pool of 2 frames must be exhausted after 2 allocations")

	fa.Dealloc(a)
	assert.Equal(t, 1, fa.Remaining())

	c, ok := fa.Alloc()
	assert.True(t, ok)
	assert.Equal(t, a, c, "a recycled frame must be handed back before advancing past the pool")
}

func TestFrameAllocatorDoubleFreePanics(t *testing.T) {
	fa := NewFrameAllocator(0, 1)
	pfn, _ := fa.Alloc()
	fa.Dealloc(pfn)
	assert.Panics(t, func() { fa.Dealloc(pfn) })
}

func TestFrameAllocatorDeallocOutOfRangePanics(t *testing.T) {
	fa := NewFrameAllocator(0, 1)
	assert.Panics(t, func() { fa.Dealloc(99) })
}

func TestFrameAllocatorZeroClearsPage(t *testing.T) {
	fa := NewFrameAllocator(0, 1)
	pfn, _ := fa.Alloc()
	b := fa.Bytes(pfn)
	for i := range b {
		b[i] = 0xff
	}
	fa.Zero(pfn)
	for _, v := range fa.Bytes(pfn) {
		assert.Equal(t, byte(0), v)
	}
}

func TestFrameAllocatorRemainingCountsBothRecycledAndFresh(t *testing.T) {
	fa := NewFrameAllocator(0, 4)
	assert.Equal(t, 4, fa.Remaining())
	pfn, _ := fa.Alloc()
	assert.Equal(t, 3, fa.Remaining())
	fa.Dealloc(pfn)
	assert.Equal(t, 4, fa.Remaining())
}
