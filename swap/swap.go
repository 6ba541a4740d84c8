// Package swap implements the page-granular swap store: a fixed-size
// block device plus a (address-space-token, virtual-page) -> slot
// directory with a recycled-slot free list.
//
// Grounded on original_source's vmm.rs::IdeManager, which backs eviction
// with a real IDE block device (drivers.ide_read/ide_write) behind the
// same cursor-then-recycle slot allocation scheme used here. The block
// store is a real anonymous golang.org/x/sys/unix mmap arena
// (mem.FrameAllocator's sibling) rather than a Go byte slice, matching
// biscuit's philosophy that physical resources are syscall-backed memory,
// not language-level buffers. The directory reuses hashtable.Hashtable_t
// keyed on hashtable.Key2_t{token, vpn}, the composite key it was
// generalized for.
//
// Naming: Evict moves a resident page to the store, Restore moves it back
// to a fresh frame — chosen over the more ambiguous "swap in"/"swap out"
// pair, which different sources use for opposite directions.
package swap

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"hashtable"
	"mem"
)

// Store is the process-wide swap-backing singleton: MAX_SWAP_PAGES slots of page-size bytes, a cursor, a
// recycled-slot stack, and the directory.
type Store struct {
	mu sync.Mutex

	arena []byte // mmap'd backing store, maxSlots*PageSize bytes
	next  int    // cursor: next never-yet-used slot
	max   int

	recycled []int
	dir      *hashtable.Hashtable_t // Key2_t{token, uint64(vpn)} -> slot
}

// New allocates a swap store with the given slot capacity (MAX_SWAP_PAGES).
func New(maxSlots int) *Store {
	if maxSlots <= 0 {
		panic("swap: bad slot capacity")
	}
	arena, err := unix.Mmap(-1, 0, maxSlots*mem.PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		panic(fmt.Sprintf("swap: mmap backing store: %v", err))
	}
	return &Store{
		arena: arena,
		max:   maxSlots,
		dir:   hashtable.MkHash(1024),
	}
}

func key(token uint64, vpn mem.Vpn_t) hashtable.Key2_t {
	return hashtable.Key2_t{A: token, B: uint64(vpn)}
}

func (s *Store) slotBytes(slot int) []byte {
	off := slot * mem.PageSize
	return s.arena[off : off+mem.PageSize]
}

// allocSlot returns a recycled slot if any exist, else advances the cursor.
// Must be called with s.mu held.
func (s *Store) allocSlot() (int, bool) {
	if n := len(s.recycled); n > 0 {
		slot := s.recycled[n-1]
		s.recycled = s.recycled[:n-1]
		return slot, true
	}
	if s.next >= s.max {
		return 0, false
	}
	slot := s.next
	s.next++
	return slot, true
}

// Evict writes src (one page) to a newly allocated slot and records the
// directory entry for (token, vpn), moving the page from resident memory to
// the backing store. Allocation prefers a recycled slot over advancing the
// cursor. Exhaustion — no recycled slot and the cursor has reached max —
// is unrecoverable: a fatal kernel panic, not a per-process error, since
// the system has no recourse once the backing store is full.
func (s *Store) Evict(token uint64, vpn mem.Vpn_t, src []byte) {
	if len(src) != mem.PageSize {
		panic("swap: page buffer has wrong size")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(token, vpn)
	if _, ok := s.dir.Get(k); ok {
		panic(fmt.Sprintf("swap: vpn %#x already has a swap slot", vpn))
	}
	slot, ok := s.allocSlot()
	if !ok {
		panic("swap: exhausted: no free slot to evict page")
	}
	copy(s.slotBytes(slot), src)
	s.dir.Set(k, slot)
}

// Restore reads the slot recorded for (token, vpn) into dst, frees the slot,
// and removes the directory entry, moving the page from the backing store
// back to resident memory. The directory entry must already exist; callers
// check Check first.
func (s *Store) Restore(token uint64, vpn mem.Vpn_t, dst []byte) {
	if len(dst) != mem.PageSize {
		panic("swap: page buffer has wrong size")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(token, vpn)
	v, ok := s.dir.Get(k)
	if !ok {
		panic(fmt.Sprintf("swap: restore of vpn %#x with no swap slot", vpn))
	}
	slot := v.(int)
	copy(dst, s.slotBytes(slot))
	s.dir.Del(k)
	s.recycled = append(s.recycled, slot)
}

// Drop discards (token, vpn)'s swapped-out content without reading it back,
// recycling its slot. Used when an area is unmapped (munmap, process exit)
// while one of its pages is non-resident: without this, a later mmap that
// happens to reuse the same vpn under a reused token would find a stale
// directory entry and wrongly restore old content on its first fault.
func (s *Store) Drop(token uint64, vpn mem.Vpn_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(token, vpn)
	v, ok := s.dir.Get(k)
	if !ok {
		return
	}
	s.dir.Del(k)
	s.recycled = append(s.recycled, v.(int))
}

// Check reports whether (token, vpn) currently has swapped-out content.
func (s *Store) Check(token uint64, vpn mem.Vpn_t) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dir.Get(key(token, vpn))
	return ok
}

// Occupied reports the number of slots currently holding swapped-out pages,
// used by metrics and scenario assertions.
func (s *Store) Occupied() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir.Size()
}
