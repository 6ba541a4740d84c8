// Package pgtbl implements the multi-level Sv39 page-table walker:
// create/destroy, map/unmap, translate, and the raw token
// consumed by the MMU interface.
//
// Grounded on biscuit's mem/dmap.go page-walking arithmetic (pgbits/mkpg,
// the per-level 9-bit index split) and mem.Pmap_t (a page of 512 PTEs),
// generalized from x86's 4-level layout to RISC-V Sv39's 3 levels, and on
// vm/as.go's pmap_walk/Pmap_lookup split between a translating walk and a
// mutable-handle walk (Translate vs FindPTE here).
package pgtbl

import (
	"fmt"
	"unsafe"

	"mem"
)

const (
	levels     = 3  // Sv39: two interior levels plus the leaf level
	bitsPerLvl = 9  // 9 bits of VPN per level
	ptesPerPg  = 512
)

func vpnIndex(vpn mem.Vpn_t, level int) uint64 {
	shift := uint(level) * bitsPerLvl
	return (uint64(vpn) >> shift) & (ptesPerPg - 1)
}

func asPtes(b []byte) []mem.Pte_t {
	if len(b) != mem.PageSize {
		panic("pgtbl: page view has wrong size")
	}
	return unsafe.Slice((*mem.Pte_t)(unsafe.Pointer(&b[0])), ptesPerPg)
}

// MMU abstracts the two hardware instructions a real walker needs: writing
// the root token and fencing the translation cache. A hosted kernel has no real
// MMU to drive, so the default implementation (NullMMU) does nothing; tests and
// cmd/kernel can substitute a logging or instrumented one.
type MMU interface {
	SetToken(token uint64)
	Fence()
}

// NullMMU discards root writes and fences; it exists so PageTable can be
// used without a concrete hardware (or simulated-hardware) binding.
type NullMMU struct{}

func (NullMMU) SetToken(uint64) {}
func (NullMMU) Fence()          {}

// PageTable is a process's (or the kernel's) multi-level Sv39 page table.
// Interior frames are allocated on demand and owned by the PageTable; they
// are released when Destroy is called.
type PageTable struct {
	alloc    *mem.FrameAllocator
	root     mem.Pfn_t
	interior []mem.Pfn_t
}

// New allocates a fresh, zeroed root page table.
func New(alloc *mem.FrameAllocator) *PageTable {
	root, ok := alloc.Alloc()
	if !ok {
		panic("pgtbl: out of frames allocating root page table")
	}
	alloc.Zero(root)
	return &PageTable{alloc: alloc, root: root, interior: []mem.Pfn_t{root}}
}

// Token encodes the page-table root as an Sv39 satp value: mode 8 in the
// top 4 bits, the root PPN in the low 44 bits.
func (pt *PageTable) Token() uint64 {
	const sv39Mode = uint64(8)
	return sv39Mode<<60 | uint64(pt.root)
}

// walk descends the table for vpn, allocating interior levels on demand
// when create is true. It returns a pointer to the leaf slot (which may
// still be !Valid()).
func (pt *PageTable) walk(vpn mem.Vpn_t, create bool) *mem.Pte_t {
	pfn := pt.root
	for level := levels - 1; level > 0; level-- {
		ptes := asPtes(pt.alloc.Bytes(pfn))
		idx := vpnIndex(vpn, level)
		entry := &ptes[idx]
		if !entry.Valid() {
			if !create {
				return nil
			}
			child, ok := pt.alloc.Alloc()
			if !ok {
				panic("pgtbl: out of frames allocating interior page table")
			}
			pt.alloc.Zero(child)
			pt.interior = append(pt.interior, child)
			*entry = mem.NewPte(child, 0)
		}
		pfn = entry.PPN()
	}
	ptes := asPtes(pt.alloc.Bytes(pfn))
	return &ptes[vpnIndex(vpn, 0)]
}

// Map installs vpn -> ppn with the given flags. It panics if vpn is
// already mapped.
func (pt *PageTable) Map(vpn mem.Vpn_t, ppn mem.Pfn_t, flags mem.Pte_t) {
	leaf := pt.walk(vpn, true)
	if leaf.Valid() {
		panic(fmt.Sprintf("pgtbl: vpn %#x already mapped", vpn))
	}
	*leaf = mem.NewPte(ppn, flags)
}

// Unmap clears vpn's translation. It panics if vpn is not mapped.
func (pt *PageTable) Unmap(vpn mem.Vpn_t) {
	leaf := pt.walk(vpn, false)
	if leaf == nil || !leaf.Valid() {
		panic(fmt.Sprintf("pgtbl: unmap of unmapped vpn %#x", vpn))
	}
	*leaf = 0
}

// Translate returns a copy of vpn's leaf PTE, or false if none exists.
func (pt *PageTable) Translate(vpn mem.Vpn_t) (mem.Pte_t, bool) {
	leaf := pt.walk(vpn, false)
	if leaf == nil || !leaf.Valid() {
		return 0, false
	}
	return *leaf, true
}

// FindPTE returns a mutable handle to vpn's leaf slot, permitting A/D bit
// mutation in place, without creating missing interior tables.
func (pt *PageTable) FindPTE(vpn mem.Vpn_t) (*mem.Pte_t, bool) {
	leaf := pt.walk(vpn, false)
	if leaf == nil || !leaf.Valid() {
		return nil, false
	}
	return leaf, true
}

// Destroy frees every interior and root frame owned by this table. Leaf
// (user data) frames are not owned by the page table and must already have
// been unmapped by the caller.
func (pt *PageTable) Destroy() {
	for _, pfn := range pt.interior {
		pt.alloc.Dealloc(pfn)
	}
	pt.interior = nil
}

// ClearAccessed clears the accessed bit of *pte as a read-modify-write and
// verifies it stuck: no other mutation of this PTE should race the walker
// here, so if the bit does not clear, the walker and the MMU have diverged,
// which is treated as fatal.
func ClearAccessed(pte *mem.Pte_t) {
	*pte &^= mem.PteA
	if pte.Accessed() {
		panic("pgtbl: accessed bit did not clear")
	}
}

// ClearDirty clears the dirty bit of *pte, same contract as ClearAccessed.
func ClearDirty(pte *mem.Pte_t) {
	*pte &^= mem.PteD
	if pte.Dirty() {
		panic("pgtbl: dirty bit did not clear")
	}
}
