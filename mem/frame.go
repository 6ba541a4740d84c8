package mem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// FrameAllocator owns the physical frame pool: the interval
// [startPfn, startPfn+numFrames) split into a cursor that advances on first
// allocation and a recycled stack of freed pages, recycled pages preferred.
//
// Adapted from biscuit's Physmem_t, which backs physical memory with the
// kernel's own hardware-mapped address space and a freelist threaded
// through a per-page struct (Physpg_t.nexti). Hosted outside a hypervisor,
// "physical memory" here is a single anonymous mmap arena from
// golang.org/x/sys/unix — real syscall-backed memory rather than a plain
// Go byte slice — and the freelist is a plain slice stack instead of an
// intrusive linked list, since there is no fixed per-page struct budget to
// economize here.
type FrameAllocator struct {
	mu sync.Mutex

	arena []byte // mmap'd backing store, numFrames*PageSize bytes
	start Pfn_t  // first pfn this allocator owns
	end   Pfn_t  // one past the last pfn this allocator owns
	next  Pfn_t  // cursor: next never-yet-allocated pfn

	recycled []Pfn_t
	inUse    []bool // inUse[pfn-start]; guards against double free
}

// NewFrameAllocator reserves numFrames pages starting at pfn start, backed
// by a freshly mmap'd anonymous region.
func NewFrameAllocator(start Pfn_t, numFrames int) *FrameAllocator {
	if numFrames <= 0 {
		panic("mem: bad frame pool size")
	}
	arena, err := unix.Mmap(-1, 0, numFrames*PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		panic(fmt.Sprintf("mem: mmap frame pool: %v", err))
	}
	return &FrameAllocator{
		arena: arena,
		start: start,
		end:   start + Pfn_t(numFrames),
		next:  start,
		inUse: make([]bool, numFrames),
	}
}

// Alloc hands out a recycled page if any exist, else advances the cursor.
// It returns (0, false) once the pool is exhausted.
func (fa *FrameAllocator) Alloc() (Pfn_t, bool) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if n := len(fa.recycled); n > 0 {
		pfn := fa.recycled[n-1]
		fa.recycled = fa.recycled[:n-1]
		fa.inUse[pfn-fa.start] = true
		return pfn, true
	}
	if fa.next >= fa.end {
		return 0, false
	}
	pfn := fa.next
	fa.next++
	fa.inUse[pfn-fa.start] = true
	return pfn, true
}

// Dealloc pushes pfn onto the recycled stack. A double-free is a hard
// kernel error, not a recoverable one: it signals a victim
// was unmapped twice or a frame escaped its owner's bookkeeping.
func (fa *FrameAllocator) Dealloc(pfn Pfn_t) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	idx := pfn - fa.start
	if pfn < fa.start || pfn >= fa.end || !fa.inUse[idx] {
		panic(fmt.Sprintf("mem: double free of pfn %d", pfn))
	}
	fa.inUse[idx] = false
	fa.recycled = append(fa.recycled, pfn)
}

// Remaining reports the number of frames immediately available, supporting
// the page-fault handler's eager-eviction decision after it installs a
// fresh mapping.
func (fa *FrameAllocator) Remaining() int {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return len(fa.recycled) + int(fa.end-fa.next)
}

// Bytes returns a direct view of pfn's page. The caller must not retain the
// slice past a subsequent Dealloc of the same frame.
func (fa *FrameAllocator) Bytes(pfn Pfn_t) []byte {
	if pfn < fa.start || pfn >= fa.end {
		panic(fmt.Sprintf("mem: pfn %d out of range", pfn))
	}
	off := int(pfn-fa.start) * PageSize
	return fa.arena[off : off+PageSize]
}

// Zero clears pfn's page. Zeroing happens lazily, by the next caller, not
// at free time; callers that need a zero page (the page-fault handler
// installing a fresh anonymous page) call this after Alloc.
func (fa *FrameAllocator) Zero(pfn Pfn_t) {
	b := fa.Bytes(pfn)
	for i := range b {
		b[i] = 0
	}
}
