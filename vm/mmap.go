package vm

import (
	"defs"
	"mem"
)

const mmapMaxLen = 1 << 30

// Mmap installs a run of page-sized anonymous framed areas spanning
// [start, start+len) with permission prot (bit 0 read, bit 1 write, bit 2
// exec), rejecting malformed or overlapping requests up front. No frames
// are allocated; residency is established lazily by MemorySet.HandleFault.
// Returns 0 on success (len == 0 is a no-op success), defs.EINVAL for a
// malformed or overlapping request, and defs.ENOMEM when System.MmapQuota
// cannot cover the request. A rejection is reported as one of these
// distinct negative codes, not as a bare -1.
func (ms *MemorySet) Mmap(start mem.Va_t, length uint64, prot uint64) defs.Err_t {
	if length == 0 {
		return 0
	}
	if length > mmapMaxLen {
		return defs.EINVAL
	}
	if prot&^0x7 != 0 || prot&0x7 == 0 {
		return defs.EINVAL
	}
	if uint64(start)%mem.PageSize != 0 {
		return defs.EINVAL
	}

	r := mem.NewVpnRange(start, start+mem.Va_t(length))

	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, a := range ms.areas {
		if a.Range.Overlaps(r) {
			return defs.EINVAL
		}
	}

	if !ms.sys.MmapQuota.Taken(uint(r.Len())) {
		return defs.ENOMEM
	}

	perm := mem.Perm(prot<<1) | mem.PermU
	for vpn := r.Start; vpn < r.End; vpn++ {
		a := newArea(mem.VpnRange{Start: vpn, End: vpn + 1}, Framed, perm)
		a.mmapped = true
		ms.areas = append(ms.areas, a)
	}
	return 0
}

// Munmap removes every area whose start lies in [start, start+len),
// unmapping and freeing their pages. Returns defs.EINVAL if the alignment
// checks fail, or if the set of removed areas does not exactly cover
// len/4096 pages (a partial or mismatched unmap request).
func (ms *MemorySet) Munmap(start mem.Va_t, length uint64) defs.Err_t {
	if length == 0 {
		return 0
	}
	if length > mmapMaxLen {
		return defs.EINVAL
	}
	if uint64(start)%mem.PageSize != 0 {
		return defs.EINVAL
	}

	r := mem.NewVpnRange(start, start+mem.Va_t(length))
	wantPages := r.Len()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	var kept []*Area
	removed := 0
	refund := 0
	for _, a := range ms.areas {
		if a.Type == Framed && r.Contains(a.Range.Start) {
			ms.unmapAreaLocked(a)
			removed += a.Range.Len()
			if a.mmapped {
				refund += a.Range.Len()
			}
			continue
		}
		kept = append(kept, a)
	}
	ms.areas = kept
	if refund > 0 {
		ms.sys.MmapQuota.Given(uint(refund))
	}
	if removed != wantPages {
		return defs.EINVAL
	}
	return 0
}
