// Package vm ties together the address-space representation, the
// page-fault handler, and the mmap/munmap syscalls on top of the leaf
// packages mem, pgtbl, rmap, swap, and pra.
//
// Grounded on original_source's mm/mod.rs, which owns the same kernel-wide
// singletons (KERNEL_SPACE, FRAME_ALLOCATOR, P2V_MAP, IDE_MANAGER) this
// file's System collects into one struct, and on biscuit's boot handshake
// style (per-CPU atomic flags spinning on global-init-then-cpu-count) for
// the two boot synchronization flags below.
package vm

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"limits"
	"mem"
	"pgtbl"
	"pra"
	"rmap"
	"sched"
	"stats"
	"swap"
)

// System is the kernel-wide collection of paging singletons: the frame
// allocator, swap store, reverse map, optional global replacement policy,
// and process scheduler surface, along with the boot synchronization flags
// below. It is created exactly once, on the boot CPU, and read from every
// core thereafter.
type System struct {
	Cfg limits.Config_t
	Log *logrus.Logger

	FrameAlloc *mem.FrameAllocator
	Swap       *swap.Store
	Rmap       *rmap.Map
	Global     *pra.GlobalManager // nil unless Cfg.Policy.IsGlobal()
	Sched      *sched.Manager
	MMU        pgtbl.MMU

	TrampolinePhys mem.Pa_t

	// MmapQuota is the remaining system-wide budget of virtual pages Mmap
	// may still reserve, grounded on the teacher's own Mfspgs field: a
	// give/take counter decremented on reservation and refunded on
	// teardown, independent of the physical frame pool's own accounting.
	MmapQuota limits.Sysatomic_t

	// faultMu serializes the global-singleton portion of every page fault.
	// Each of FrameAlloc/Swap/Rmap already guards its own short critical
	// section independently; this mutex reproduces the mandatory total lock
	// order (swap_store <= reverse_map <= frame_allocator <= memory_set) by
	// treating "every global singleton" as one ordered group acquired
	// before the faulting memory set's own lock, rather than four
	// separately-ordered locks that would buy nothing extra in a single Go
	// process.
	faultMu sync.Mutex

	registryMu sync.Mutex
	registry   map[uint64]*MemorySet // token -> owning memory set

	metrics *metrics

	globalInitDone atomic.Bool
	bootedCPUs     atomic.Int32
	nextPid        atomic.Int32
}

// NewSystem constructs the kernel-wide singletons from cfg. Call once on
// the boot CPU; other cores must wait until GlobalInitDone reports true
// (set by FinishGlobalInit) before touching anything here.
func NewSystem(cfg limits.Config_t, reg *prometheus.Registry) *System {
	sys := &System{
		Cfg:        cfg,
		Log:        logrus.New(),
		FrameAlloc: mem.NewFrameAllocator(0, cfg.NumFrames),
		Swap:       swap.New(cfg.MaxSwapPages),
		Rmap:       rmap.New(),
		Sched:      sched.NewManager(cfg.NumCores),
		MMU:        pgtbl.NullMMU{},
		registry:   make(map[uint64]*MemorySet),
	}
	if cfg.Policy.IsGlobal() {
		sys.Global = pra.NewGlobal(cfg)
	}
	sys.MmapQuota.Given(uint(cfg.MaxMmapPages))
	sys.metrics = newMetrics(reg, sys)
	stats.SetRegistry(reg)
	sys.Log.WithFields(logrus.Fields{
		"policy":         cfg.Policy,
		"frames":         cfg.NumFrames,
		"max_swap_pages": cfg.MaxSwapPages,
		"cores":          cfg.NumCores,
	}).Info("vm: system initialized")
	return sys
}

// FinishGlobalInit marks one-shot global initialization complete, released
// with a store-release so every other core's acquire-load of
// GlobalInitDone observes every write NewSystem performed.
func (sys *System) FinishGlobalInit() {
	sys.globalInitDone.Store(true)
}

// GlobalInitDone reports whether FinishGlobalInit has been called, for
// secondary cores spinning on the boot handshake.
func (sys *System) GlobalInitDone() bool {
	return sys.globalInitDone.Load()
}

// CPUBooted records that one more core has finished its own per-core boot
// sequence.
func (sys *System) CPUBooted() int {
	return int(sys.bootedCPUs.Add(1))
}

// AllCPUsBooted reports whether every configured core has called CPUBooted,
// the second half of the two-flag boot spin ("GLOBAL_INIT_FINISHED, then
// BOOTED_CPU_COUNT == N").
func (sys *System) AllCPUsBooted() bool {
	return int(sys.bootedCPUs.Load()) == sys.Cfg.NumCores
}

func (sys *System) registerMemSet(ms *MemorySet) {
	sys.registryMu.Lock()
	defer sys.registryMu.Unlock()
	sys.registry[ms.Token()] = ms
}

func (sys *System) unregisterMemSet(ms *MemorySet) {
	sys.registryMu.Lock()
	defer sys.registryMu.Unlock()
	delete(sys.registry, ms.Token())
}

func (sys *System) lookupMemSet(token uint64) (*MemorySet, bool) {
	sys.registryMu.Lock()
	defer sys.registryMu.Unlock()
	ms, ok := sys.registry[token]
	return ms, ok
}

// NewID mints a diagnostic tag for a fresh address space: every
// vm.MemorySet is tagged with a uuid.UUID for log correlation, independent
// of the MMU token used as the canonical address-space identifier.
func NewID() uuid.UUID {
	return uuid.New()
}
