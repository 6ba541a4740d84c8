// Package mem provides the physical/virtual address and page-number types,
// the RISC-V Sv39 page-table-entry bit layout, and the physical frame
// allocator.
//
// Adapted from biscuit's mem.Pa_t/PTE_* constants and mem.Physmem_t, which
// target x86-64's 4-level paging; this target is the 64-bit RISC-V core's
// 3-level Sv39 scheme, so the PTE bit layout, level count, and VPN/PPN
// widths are all rewritten to match Sv39 exactly.
package mem

import "util"

// PageShift is the base-2 exponent of the page size.
const PageShift uint = 12

// PageSize is the size of a page in bytes.
const PageSize = 1 << PageShift

// PageOffsetMask masks the in-page offset of an address.
const PageOffsetMask uint64 = PageSize - 1

// Pa_t is a 64-bit physical address.
type Pa_t uint64

// Va_t is a 64-bit virtual address.
type Va_t uint64

// Pfn_t is a physical page number: a physical address right-shifted by
// PageShift.
type Pfn_t uint64

// Vpn_t is a virtual page number.
type Vpn_t uint64

// Pgn converts a physical address to its page number, flooring.
func (pa Pa_t) Pgn() Pfn_t { return Pfn_t(pa >> PageShift) }

// Pgn converts a virtual address to its page number, flooring.
func (va Va_t) Pgn() Vpn_t { return Vpn_t(va >> PageShift) }

// Addr converts a physical page number back to its base address.
func (pfn Pfn_t) Addr() Pa_t { return Pa_t(pfn) << PageShift }

// Addr converts a virtual page number back to its base address.
func (vpn Vpn_t) Addr() Va_t { return Va_t(vpn) << PageShift }

// Rounddown floors a physical address to the containing page.
func (pa Pa_t) Rounddown() Pa_t { return util.Rounddown(pa, Pa_t(PageSize)) }

// Roundup ceils a virtual address to the next page boundary.
func (va Va_t) Roundup() Va_t { return util.Roundup(va, Va_t(PageSize)) }

// Rounddown floors a virtual address to the containing page.
func (va Va_t) Rounddown() Va_t { return util.Rounddown(va, Va_t(PageSize)) }

// VpnRange is a half-open virtual-page-number range [Start, End); Start
// must never exceed End, and an empty range has Start == End.
type VpnRange struct {
	Start Vpn_t
	End   Vpn_t
}

// NewVpnRange builds the page range spanning [startVa, endVa), flooring the
// start and ceiling the end to page boundaries.
func NewVpnRange(startVa, endVa Va_t) VpnRange {
	r := VpnRange{Start: startVa.Rounddown().Pgn(), End: endVa.Roundup().Pgn()}
	if r.Start > r.End {
		panic("mem: bad vpn range")
	}
	return r
}

// Len returns the number of pages covered by the range.
func (r VpnRange) Len() int { return int(r.End - r.Start) }

// Contains reports whether vpn lies in [Start, End).
func (r VpnRange) Contains(vpn Vpn_t) bool { return vpn >= r.Start && vpn < r.End }

// Overlaps reports whether r and o share any page.
func (r VpnRange) Overlaps(o VpnRange) bool {
	return r.Start < o.End && o.Start < r.End
}

// Iter calls f for every vpn in the range, in ascending order. Iteration
// stops early if f returns false.
func (r VpnRange) Iter(f func(Vpn_t) bool) {
	for vpn := r.Start; vpn < r.End; vpn++ {
		if !f(vpn) {
			return
		}
	}
}
