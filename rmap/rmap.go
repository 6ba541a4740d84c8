// Package rmap implements the kernel-wide reverse map: the
// single physical-page -> virtual-page table, valid only for pages backing
// framed user mappings, that the replacement policies consult to find the
// PTE for a resident frame without threading an owner pointer through the
// frame itself.
//
// Grounded on original_source's vmm.rs::P2V_MAP (a BTreeMap<PhysPageNum,
// VirtPageNum> behind a single exclusive-access lock): memory sets own
// frames, the reverse map holds a non-owning index, implemented as a plain
// table of values rather than back pointers. biscuit has no equivalent (its
// Physmem_t reverse-indexes via a per-page refcount/TLB-shootdown record,
// not a vpn lookup), so this package follows original_source's shape
// rather than biscuit's.
package rmap

import (
	"fmt"
	"sync"

	"mem"
)

// Entry identifies the address space and virtual page a resident frame
// currently backs.
type Entry struct {
	Token uint64
	Vpn   mem.Vpn_t
}

// Map is the kernel-wide singleton reverse map. Present exactly once,
// guarded by its own mutex.
type Map struct {
	mu sync.RWMutex
	m  map[mem.Pfn_t]Entry
}

// New returns an empty reverse map.
func New() *Map {
	return &Map{m: make(map[mem.Pfn_t]Entry)}
}

// Insert records that pfn currently backs (token, vpn), called at map-in;
// inserting over an existing entry without first removing it indicates a
// frame escaped its owner's bookkeeping.
func (m *Map) Insert(pfn mem.Pfn_t, token uint64, vpn mem.Vpn_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.m[pfn]; ok {
		panic(fmt.Sprintf("rmap: pfn %d already owned", pfn))
	}
	m.m[pfn] = Entry{Token: token, Vpn: vpn}
}

// Remove drops pfn's entry, called at unmap or eviction.
func (m *Map) Remove(pfn mem.Pfn_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.m[pfn]; !ok {
		panic(fmt.Sprintf("rmap: remove of unowned pfn %d", pfn))
	}
	delete(m.m, pfn)
}

// Lookup returns the (token, vpn) pfn currently backs, if any. The local and
// global replacement policies use this to reach the owning PTE from a bare
// physical page number.
func (m *Map) Lookup(pfn mem.Pfn_t) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.m[pfn]
	return e, ok
}

// Len reports how many frames the reverse map currently tracks, i.e. the
// number of resident framed user pages system-wide. Used by property checks
// and metrics.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}
