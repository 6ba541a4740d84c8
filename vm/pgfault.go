package vm

import (
	"time"

	"defs"
	"limits"
	"mem"
	"pra"
)

// FaultOutcome classifies how HandleFault resolved a fault, for logging and
// metrics labels.
type FaultOutcome int

const (
	FaultResolved FaultOutcome = iota
	FaultProtection
	FaultSegv
)

func (o FaultOutcome) String() string {
	switch o {
	case FaultResolved:
		return "resolved"
	case FaultProtection:
		return "protection"
	case FaultSegv:
		return "segv"
	default:
		return "unknown"
	}
}

// HandleFault is the top-level page-fault entry point,
// implementing its seven steps in order. now is supplied by the caller
// (typically the trap layer's timer read) and threaded through to the PFF
// policy's pre-fault pass, so the fault's own clock reading — not a second,
// later one — is what PFF measures its inter-fault interval against.
func (ms *MemorySet) HandleFault(va mem.Va_t, kind defs.AccessKind, now time.Time) FaultOutcome {
	vpn := va.Pgn()

	// The global singletons' group lock comes before the memory set's own
	// lock, in the total order System.faultMu documents.
	ms.sys.faultMu.Lock()
	defer ms.sys.faultMu.Unlock()
	ms.mu.Lock()
	defer ms.mu.Unlock()
	defer ms.faultLatency.Add(now)

	// Step 1: permission check against an existing valid translation.
	if pte, ok := ms.pt.Translate(vpn); ok && pte.Valid() {
		if !pte.Allows(kind == defs.AccessWrite, kind == defs.AccessExec) {
			ms.sys.metrics.fault(FaultProtection.String())
			return FaultProtection
		}
		// Translation exists and permits the access: not actually a fault
		// this handler needs to resolve (stale call, or a hardware race on
		// the accessed/dirty bits). Nothing to do.
		ms.sys.metrics.fault(FaultResolved.String())
		return FaultResolved
	}

	// Step 2: locate the owning area.
	area, ok := ms.areaFor(vpn)
	if !ok {
		ms.sys.metrics.fault(FaultSegv.String())
		return FaultSegv
	}

	// Step 3: Identical areas are always resident; reaching here is fatal.
	if area.Type == Identical {
		panic("vm: page fault inside an identical area")
	}

	token := ms.Token()

	// Step 4 (local/global path). sys.faultMu was taken before ms.mu above,
	// following the order swap_store <= reverse_map <= frame_allocator <=
	// memory_set.
	pfn := ms.faultAllocFrame(token, now)

	// Step 5: restore swapped-out content, if any.
	if ms.sys.Swap.Check(token, vpn) {
		ms.sys.Swap.Restore(token, vpn, ms.sys.FrameAlloc.Bytes(pfn))
	} else {
		ms.sys.FrameAlloc.Zero(pfn)
	}

	// Step 6: install the mapping, reverse-map entry, and register with the
	// replacement manager.
	ms.pt.Map(vpn, pfn, area.pteFlags())
	ms.sys.Rmap.Insert(pfn, token, vpn)
	area.frames[vpn] = pfn
	ms.registerFrame(pfn)

	// Step 7: local path only, pre-emptive extra eviction to keep the free
	// list non-empty.
	if ms.local != nil && ms.sys.FrameAlloc.Remaining() == 0 {
		ms.evictOneLocked(token)
	}

	ms.faultCount.Inc()
	ms.sys.metrics.fault(FaultResolved.String())
	return FaultResolved
}

// faultAllocFrame implements step 4: try a direct allocation first; for a
// local policy, fall back to evicting one of this memory set's own frames;
// for a global policy, run the global manager's pre-fault pass across every
// live process's resident pages first. Called with sys.faultMu held.
func (ms *MemorySet) faultAllocFrame(token uint64, now time.Time) mem.Pfn_t {
	if pfn, ok := ms.sys.FrameAlloc.Alloc(); ok {
		return pfn
	}
	if ms.local != nil {
		ms.evictOneLocked(token)
	} else {
		ms.globalPreFaultLocked(now)
	}
	pfn, ok := ms.sys.FrameAlloc.Alloc()
	if !ok {
		panic("vm: frame allocator still exhausted after eviction")
	}
	return pfn
}

// evictOneLocked picks one victim from ms's own local queue, writes it to
// swap, and tears down its mapping. token is ms's own token, since local
// policies only ever evict from the faulting process.
func (ms *MemorySet) evictOneLocked(token uint64) {
	victimPfn, victimVpn := ms.local.PickVictim(ms.pt, ms.sys.Rmap)
	ms.evictFrameLocked(token, victimVpn, victimPfn)
	ms.evictionCount.Inc()
	ms.sys.metrics.eviction(ms.sys.Cfg.Policy.String())
}

// evictFrameLocked performs the mechanics common to every eviction: persist
// the frame's bytes, unmap it, drop the reverse-map entry, free the frame,
// and remove it from whichever area owns it. Caller already removed the
// frame from the replacement manager's own bookkeeping (local queue pop, or
// global_ppns pruning by the caller in evictGlobalLocked).
func (ms *MemorySet) evictFrameLocked(token uint64, vpn mem.Vpn_t, pfn mem.Pfn_t) {
	ms.sys.Swap.Evict(token, vpn, ms.sys.FrameAlloc.Bytes(pfn))
	ms.pt.Unmap(vpn)
	ms.sys.Rmap.Remove(pfn)
	ms.sys.FrameAlloc.Dealloc(pfn)
	if a, ok := ms.areaFor(vpn); ok {
		delete(a.frames, vpn)
	}
}

// globalPreFaultLocked runs the configured global policy's pre-fault pass
// over every live process's resident framed pages and evicts whatever it
// selects. ms is the faulting memory set but the eviction set may span any
// live process. ms.mu is already held by the caller (HandleFault holds it
// for its entire body); collectGlobalPages is told ms so it can skip
// re-locking an already-held, non-reentrant mutex.
func (ms *MemorySet) globalPreFaultLocked(now time.Time) {
	pages, owners := ms.sys.collectGlobalPages(ms)
	victims := ms.sys.Global.PreFault(now, pages)
	for _, v := range victims {
		owner := owners[v.Token]
		if owner == ms {
			ms.evictGlobalLocked(v)
			continue
		}
		owner.mu.Lock()
		owner.evictGlobalLocked(v)
		owner.mu.Unlock()
	}
}

// evictGlobalLocked mirrors evictFrameLocked for the global-policy bookkeeping
// path: the victim is removed from its owner's globalPpns list rather than a
// local queue.
func (ms *MemorySet) evictGlobalLocked(v pra.PageRef) {
	ms.forgetFrame(v.Ppn)
	ms.evictFrameLocked(v.Token, v.Vpn, v.Ppn)
	ms.evictionCount.Inc()
	ms.sys.metrics.eviction(ms.sys.Cfg.Policy.String())
}

// collectGlobalPages unions every live process's resident framed pages
// under a global policy — Working-Set needs every resident framed page of
// every ready process and of the current process; PFF's broader "any
// process" is satisfied by the same union. The live-process set itself
// comes from sys.Sched.AllLive(), the same "ready queue plus per-core
// current" collaborator the scheduler exposes, rather than a second,
// independent walk of the token registry. Returns the pages plus a
// token -> owning memory set index so the caller can route each returned
// victim back to the memory set that must perform its teardown.
//
// self is the memory set whose own ms.mu the caller already holds (nil when
// called outside any fault, e.g. from SampleTick): collectGlobalPages must
// not re-lock self, since Go's sync.Mutex is not reentrant and HandleFault
// holds ms.mu for the whole fault-handling body that reaches here.
func (sys *System) collectGlobalPages(self *MemorySet) ([]pra.PageRef, map[uint64]*MemorySet) {
	live := sys.Sched.AllLive()
	sets := make([]*MemorySet, 0, len(live))
	for _, p := range live {
		if sp, ok := p.(*schedProcess); ok {
			sets = append(sets, sp.ms)
		}
	}

	owners := make(map[uint64]*MemorySet, len(sets))
	var pages []pra.PageRef
	for _, ms := range sets {
		if ms != self {
			ms.mu.Lock()
		}
		token := ms.Token()
		owners[token] = ms
		for _, pfn := range ms.globalPpns {
			entry, ok := sys.Rmap.Lookup(pfn)
			if !ok {
				panic("vm: global_ppns entry missing from reverse map")
			}
			pte, ok := ms.pt.FindPTE(entry.Vpn)
			if !ok {
				panic("vm: global_ppns entry missing its page-table leaf")
			}
			pages = append(pages, pra.PageRef{Token: token, Vpn: entry.Vpn, Ppn: pfn, PTE: pte})
		}
		if ms != self {
			ms.mu.Unlock()
		}
	}
	return pages, owners
}

// SampleTick drives the Working-Set policy's periodic sampling pass, called by the timer layer rather than from within a fault.
func (sys *System) SampleTick() {
	if sys.Global == nil || sys.Cfg.Policy != limits.WorkingSet {
		return
	}
	pages, _ := sys.collectGlobalPages(nil)
	sys.Global.SampleTick(pages)
}
