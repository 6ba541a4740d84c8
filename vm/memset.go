package vm

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"mem"
	"pgtbl"
	"pra"
	"sched"
	"stats"
)

// Trampoline is the virtual page mapped at the very top of the address
// space: the last page-aligned address below 2^64, matching
// rCore's TRAMPOLINE = usize::MAX - PAGE_SIZE + 1.
const Trampoline mem.Va_t = ^mem.Va_t(0) - mem.Va_t(mem.PageSize) + 1

// MemorySet is a process's (or the kernel's) address space: a page-table
// root, an ordered list of areas, and a local-frame-manager instance,
// guarded by its own lock — each process control block owns its memory
// set's lock rather than sharing one kernel-wide lock.
//
// Grounded on original_source's memory_set.rs::MemorySet, whose
// page_table+areas+frame_manager fields map directly onto pt+areas+local
// here; biscuit's Vm_t carries the same three concerns (Vmregion, Pmap,
// plus an implicit policy) but is generalized from x86 COW/shared-anon
// semantics this target excludes, so the field shapes are taken from
// original_source instead.
type MemorySet struct {
	mu sync.Mutex

	id  uuid.UUID
	sys *System
	pt  *pgtbl.PageTable
	mmu pgtbl.MMU

	areas []*Area

	// local is non-nil for a local (FIFO/Clock/Clock-Improved) policy; for a
	// global policy (PFF/Working-Set) globalPpns tracks this memory set's
	// resident framed pages instead.
	local      *pra.LocalQueue
	globalPpns []mem.Pfn_t

	// Per-address-space diagnostic counters, one pair per memory set rather
	// than the system-wide aggregates metrics already tracks, in the
	// "struct of named counters, one instance per tracked entity" shape
	// biscuit's own stats.Counter_t fields were used in.
	faultCount, evictionCount *stats.Counter_t
	faultLatency              *stats.Cycles_t

	// pid and proc are non-zero/non-nil only for user address spaces: the
	// kernel memory set is never a schedulable process and is never handed
	// to sys.Sched.
	pid  int
	proc *schedProcess
}

// schedProcess adapts a user MemorySet into the sched.Process interface the
// global replacement policies (via sys.Sched.AllLive) walk.
type schedProcess struct {
	pid int
	ms  *MemorySet
}

func (p *schedProcess) Pid() int                     { return p.pid }
func (p *schedProcess) AddrSpace() sched.AddressSpace { return p.ms }

// ID returns this address space's diagnostic tag.
func (ms *MemorySet) ID() uuid.UUID { return ms.id }

// Token returns the MMU-ready encoding of this memory set's page-table root.
func (ms *MemorySet) Token() uint64 { return ms.pt.Token() }

// newBareMemorySet allocates an empty memory set with a fresh root page
// table, wired to sys's singletons and policy choice, and registers it in
// sys's token registry (token -> memory set). Global replacement scans do
// not read this registry; they walk sys.Sched.AllLive().
func (sys *System) newBareMemorySet(id uuid.UUID) *MemorySet {
	ms := &MemorySet{
		id:  id,
		sys: sys,
		pt:  pgtbl.New(sys.FrameAlloc),
		mmu: sys.MMU,
	}
	if !sys.Cfg.Policy.IsGlobal() {
		ms.local = pra.NewLocal(sys.Cfg.Policy)
	}
	tag := fmt.Sprintf("%x", id[:4])
	ms.faultCount = stats.NewCounter("memset_faults_total_"+tag, "page faults handled by this address space")
	ms.evictionCount = stats.NewCounter("memset_evictions_total_"+tag, "pages evicted from this address space")
	ms.faultLatency = stats.NewCycles("memset_fault_seconds_total_"+tag, "cumulative wall-clock time spent inside HandleFault for this address space")
	sys.registerMemSet(ms)
	return ms
}

// KernelLayout describes the boot-time facts about installed physical
// memory the trap/boot layer supplies.
type KernelLayout struct {
	Text, Rodata, Data, Bss Region
	PhysEnd                 mem.Pa_t
	MMIO                    []Region
	TrampolinePhys          mem.Pa_t
}

// Region is a byte range [Start, End) in either address space.
type Region struct {
	Start, End mem.Va_t
}

// NewKernelMemorySet builds the shared kernel memory set once at boot:
// identity-mapped text/rodata/data/bss, the physical-memory
// remainder, MMIO windows, and the trampoline page. The kernel memory set
// gets the same replacement-manager state as any other memory set (a local
// queue under a local policy, none under a global one), but its areas are
// Identical and never registered with it, so they are never selected as
// victims.
func (sys *System) NewKernelMemorySet(layout KernelLayout) *MemorySet {
	ms := sys.newBareMemorySet(uuid.Nil)
	sys.TrampolinePhys = layout.TrampolinePhys

	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.mapIdenticalLocked(layout.Text, mem.PermR|mem.PermX)
	ms.mapIdenticalLocked(layout.Rodata, mem.PermR)
	ms.mapIdenticalLocked(layout.Data, mem.PermR|mem.PermW)
	ms.mapIdenticalLocked(layout.Bss, mem.PermR|mem.PermW)
	ms.mapIdenticalLocked(Region{Start: layout.Bss.End, End: mem.Va_t(layout.PhysEnd)}, mem.PermR|mem.PermW)
	for _, w := range layout.MMIO {
		ms.mapIdenticalLocked(w, mem.PermR|mem.PermW)
	}
	ms.mapTrampolineLocked(layout.TrampolinePhys)

	sys.Log.WithField("areas", len(ms.areas)).Info("vm: kernel memory set built")
	return ms
}

func (ms *MemorySet) mapIdenticalLocked(region Region, perm mem.Perm) {
	if region.Start >= region.End {
		return
	}
	r := mem.NewVpnRange(region.Start, region.End)
	a := newArea(r, Identical, perm)
	flags := a.pteFlags()
	r.Iter(func(vpn mem.Vpn_t) bool {
		ms.pt.Map(vpn, mem.Pfn_t(vpn), flags)
		return true
	})
	ms.areas = append(ms.areas, a)
}

func (ms *MemorySet) mapTrampolineLocked(phys mem.Pa_t) {
	ms.pt.Map(Trampoline.Pgn(), phys.Pgn(), mem.PteR|mem.PteX)
}

// mapFramedEagerLocked installs a framed area and immediately populates it
// (used for ELF LOAD segments, which carry initial content, unlike lazy
// mmap-originated areas, which stay non-resident until a fault touches
// them).
func (ms *MemorySet) mapFramedEagerLocked(r mem.VpnRange, perm mem.Perm, data []byte) {
	a := newArea(r, Framed, perm)
	flags := a.pteFlags()
	off := 0
	r.Iter(func(vpn mem.Vpn_t) bool {
		pfn, ok := ms.sys.FrameAlloc.Alloc()
		if !ok {
			panic("vm: out of frames loading an eager area")
		}
		ms.sys.FrameAlloc.Zero(pfn)
		if off < len(data) {
			n := copy(ms.sys.FrameAlloc.Bytes(pfn), data[off:])
			off += n
		}
		ms.pt.Map(vpn, pfn, flags)
		ms.sys.Rmap.Insert(pfn, ms.Token(), vpn)
		a.frames[vpn] = pfn
		ms.registerFrame(pfn)
		return true
	})
	ms.areas = append(ms.areas, a)
}

// InsertFramedArea appends a lazily-populated framed area spanning
// [startVa, endVa): no frames are allocated until the
// page-fault handler installs them.
func (ms *MemorySet) InsertFramedArea(startVa, endVa mem.Va_t, perm mem.Perm) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.areas = append(ms.areas, newArea(mem.NewVpnRange(startVa, endVa), Framed, perm))
}

// RemoveAreaWithStartVpn finds the area whose range starts at vpn, unmaps
// every resident page it owns (freeing frames and reverse-map entries), and
// removes it.
func (ms *MemorySet) RemoveAreaWithStartVpn(vpn mem.Vpn_t) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for i, a := range ms.areas {
		if a.Range.Start == vpn {
			ms.unmapAreaLocked(a)
			ms.areas = append(ms.areas[:i], ms.areas[i+1:]...)
			return true
		}
	}
	return false
}

// unmapAreaLocked releases every resident frame (and any outstanding swap
// slot) a framed area owns. Identical areas never migrate and are only ever
// torn down by destroying the whole memory set.
func (ms *MemorySet) unmapAreaLocked(a *Area) {
	if a.Type != Framed {
		return
	}
	token := ms.Token()
	a.Range.Iter(func(vpn mem.Vpn_t) bool {
		if pfn, ok := a.frames[vpn]; ok {
			ms.pt.Unmap(vpn)
			ms.sys.Rmap.Remove(pfn)
			ms.sys.FrameAlloc.Dealloc(pfn)
			ms.forgetFrame(pfn)
			delete(a.frames, vpn)
		} else if ms.sys.Swap.Check(token, vpn) {
			ms.sys.Swap.Drop(token, vpn)
		}
		return true
	})
}

func (ms *MemorySet) registerFrame(pfn mem.Pfn_t) {
	if ms.local != nil {
		ms.local.OnInsert(pfn)
		return
	}
	ms.globalPpns = append(ms.globalPpns, pfn)
}

func (ms *MemorySet) forgetFrame(pfn mem.Pfn_t) {
	if ms.local != nil {
		ms.local.Forget(pfn)
		return
	}
	for i, p := range ms.globalPpns {
		if p == pfn {
			ms.globalPpns = append(ms.globalPpns[:i], ms.globalPpns[i+1:]...)
			return
		}
	}
}

// areaFor returns the area containing vpn, if any.
func (ms *MemorySet) areaFor(vpn mem.Vpn_t) (*Area, bool) {
	for _, a := range ms.areas {
		if a.Range.Contains(vpn) {
			return a, true
		}
	}
	return nil, false
}

// Translate returns a copy of vpn's leaf PTE, or false if none exists.
func (ms *MemorySet) Translate(vpn mem.Vpn_t) (mem.Pte_t, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.pt.Translate(vpn)
}

// Activate switches the MMU to this memory set's page table and fences
// translation, then records this memory set as the running process on
// core, mirroring rCore's Processor.current slot.
func (ms *MemorySet) Activate(core int) {
	ms.mu.Lock()
	ms.mmu.SetToken(ms.Token())
	ms.mmu.Fence()
	ms.mu.Unlock()
	if ms.proc != nil {
		ms.sys.Sched.SetCurrent(core, ms.proc)
	}
}

// Clear unmaps and frees every area (process exit or explicit teardown) and
// destroys the page table's own interior frames, then drops this memory set
// from the system's token registry.
func (ms *MemorySet) Clear() {
	ms.mu.Lock()
	refund := 0
	for _, a := range ms.areas {
		ms.unmapAreaLocked(a)
		if a.mmapped {
			refund += a.Range.Len()
		}
	}
	ms.areas = nil
	ms.pt.Destroy()
	ms.mu.Unlock()
	if refund > 0 {
		ms.sys.MmapQuota.Given(uint(refund))
	}
	if ms.proc != nil {
		ms.sys.Sched.Remove(ms.pid)
	}
	ms.sys.unregisterMemSet(ms)
}

// NewUserAddressSpace builds a user memory set from scratch: the
// trampoline page plus whatever the caller subsequently loads (ELF
// segments via NewUserFromELF, or explicit InsertFramedArea calls).
func (sys *System) NewUserAddressSpace(id uuid.UUID) *MemorySet {
	ms := sys.newBareMemorySet(id)
	ms.mu.Lock()
	ms.mapTrampolineLocked(sys.TrampolinePhys)
	ms.mu.Unlock()
	sys.addToScheduler(ms)
	return ms
}

// addToScheduler mints a pid for a freshly built user memory set and
// registers it with sys.Sched, making it visible to sys.Sched.AllLive() for
// global replacement scans even before it is ever actually scheduled to run.
func (sys *System) addToScheduler(ms *MemorySet) {
	ms.pid = int(sys.nextPid.Add(1))
	ms.proc = &schedProcess{pid: ms.pid, ms: ms}
	sys.Sched.Add(ms.proc)
}

// ForkClone builds a new memory set that duplicates src's areas and, for
// every currently resident framed page, a fresh byte-identical frame.
// Pages that are not currently resident (never touched, or swapped out
// under src's own token) are not replicated: they remain non-resident in
// the clone and will fault in independently if touched.
func (sys *System) ForkClone(src *MemorySet, id uuid.UUID) *MemorySet {
	src.mu.Lock()
	defer src.mu.Unlock()

	dst := sys.newBareMemorySet(id)
	dst.mu.Lock()
	defer dst.mu.Unlock()
	dst.mapTrampolineLocked(sys.TrampolinePhys)

	for _, a := range src.areas {
		na := newArea(a.Range, a.Type, a.Perm)
		flags := na.pteFlags()
		switch a.Type {
		case Identical:
			a.Range.Iter(func(vpn mem.Vpn_t) bool {
				dst.pt.Map(vpn, mem.Pfn_t(vpn), flags)
				return true
			})
		case Framed:
			for vpn, srcPfn := range a.frames {
				dstPfn, ok := sys.FrameAlloc.Alloc()
				if !ok {
					panic("vm: out of frames during fork clone")
				}
				copy(sys.FrameAlloc.Bytes(dstPfn), sys.FrameAlloc.Bytes(srcPfn))
				dst.pt.Map(vpn, dstPfn, flags)
				sys.Rmap.Insert(dstPfn, dst.Token(), vpn)
				na.frames[vpn] = dstPfn
				dst.registerFrame(dstPfn)
			}
		}
		dst.areas = append(dst.areas, na)
	}
	sys.addToScheduler(dst)
	return dst
}
