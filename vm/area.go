package vm

import "mem"

// MapType distinguishes a kernel identity-mapped region from a demand-paged
// user region.
type MapType int

const (
	// Identical areas translate vpn -> ppn = vpn and never migrate.
	Identical MapType = iota
	// Framed areas are backed, when resident, by a frame obtained from the
	// allocator; residency is established lazily by the page-fault handler
	// except for eagerly-loaded ELF segments.
	Framed
)

func (t MapType) String() string {
	if t == Identical {
		return "identical"
	}
	return "framed"
}

// Area is a contiguous half-open virtual-page range with a map type and
// permission, plus — for framed areas — the mapping from each currently
// resident vpn to the frame backing it.
//
// Grounded on original_source's memory_set.rs::MapArea, whose vpn_range +
// map_type + map_perm + data_frames fields this carries over directly;
// data_frames is a BTreeMap<VirtPageNum, FrameTracker> there and a plain Go
// map here since frame ownership (Rust's FrameTracker Drop) is instead
// handled explicitly by the caller via mem.FrameAllocator.Dealloc.
type Area struct {
	Range mem.VpnRange
	Type  MapType
	Perm  mem.Perm

	frames map[mem.Vpn_t]mem.Pfn_t // framed areas only

	// mmapped marks an area as counted against System.MmapQuota, so
	// Munmap and Clear know which areas to refund on teardown; areas
	// built by InsertFramedArea or ELF loading never draw from the quota.
	mmapped bool
}

func newArea(r mem.VpnRange, t MapType, perm mem.Perm) *Area {
	a := &Area{Range: r, Type: t, Perm: perm}
	if t == Framed {
		a.frames = make(map[mem.Vpn_t]mem.Pfn_t)
	}
	return a
}

// resident reports the frame currently backing vpn within this area, if any.
func (a *Area) resident(vpn mem.Vpn_t) (mem.Pfn_t, bool) {
	pfn, ok := a.frames[vpn]
	return pfn, ok
}

// pteFlags returns the raw PTE flag bits for this area's permission, used
// whenever a translation is installed for one of its pages.
func (a *Area) pteFlags() mem.Pte_t {
	return mem.Pte_t(a.Perm)
}
