package vm

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defs"
	"limits"
	"mem"
)

func newTestSystem(t *testing.T, cfg limits.Config_t) *System {
	t.Helper()
	return NewSystem(cfg, prometheus.NewRegistry())
}

// drainFrames consumes every remaining physical frame directly, so a test
// can force the next fault to run its eviction path without having to
// predict exactly how many frames page-table bookkeeping will consume.
func drainFrames(sys *System) {
	for {
		if _, ok := sys.FrameAlloc.Alloc(); !ok {
			return
		}
	}
}

func TestHandleFaultInstallsFrameForLazyArea(t *testing.T) {
	cfg := limits.Default()
	cfg.NumFrames = 64
	cfg.Policy = limits.FIFO
	sys := newTestSystem(t, cfg)

	ms := sys.NewUserAddressSpace(NewID())
	ms.InsertFramedArea(0x10000, 0x11000, mem.PermR|mem.PermW|mem.PermU)

	outcome := ms.HandleFault(0x10000, defs.AccessWrite, time.Now())
	assert.Equal(t, FaultResolved, outcome)

	pte, ok := ms.Translate(mem.Va_t(0x10000).Pgn())
	require.True(t, ok)
	assert.True(t, pte.Valid())
	assert.True(t, pte.Writable())
}

func TestHandleFaultSegvOutsideAnyArea(t *testing.T) {
	cfg := limits.Default()
	cfg.NumFrames = 64
	sys := newTestSystem(t, cfg)
	ms := sys.NewUserAddressSpace(NewID())

	outcome := ms.HandleFault(0x99990000, defs.AccessRead, time.Now())
	assert.Equal(t, FaultSegv, outcome)
}

func TestHandleFaultProtectionViolationOnSecondAccess(t *testing.T) {
	cfg := limits.Default()
	cfg.NumFrames = 64
	sys := newTestSystem(t, cfg)
	ms := sys.NewUserAddressSpace(NewID())
	ms.InsertFramedArea(0x20000, 0x21000, mem.PermR|mem.PermU)

	outcome := ms.HandleFault(0x20000, defs.AccessRead, time.Now())
	require.Equal(t, FaultResolved, outcome)

	outcome = ms.HandleFault(0x20000, defs.AccessWrite, time.Now())
	assert.Equal(t, FaultProtection, outcome)
}

func TestHandleFaultInsideIdenticalAreaPanics(t *testing.T) {
	cfg := limits.Default()
	cfg.NumFrames = 64
	sys := newTestSystem(t, cfg)
	ms := sys.NewUserAddressSpace(NewID())
	// The trampoline page is mapped directly by mapTrampolineLocked, not
	// through an area in ms.areas, so force an Identical area explicitly to exercise the
	// fatal path a real Identical miss would hit.
	ms.areas = append(ms.areas, newArea(mem.NewVpnRange(0x30000, 0x31000), Identical, mem.PermR))

	assert.Panics(t, func() { ms.HandleFault(0x30000, defs.AccessRead, time.Now()) })
}

// TestLocalFIFOEvictionRoundTripsThroughSwap drains the frame pool externally
// (so the test does not need to predict page-table interior-table costs),
// then faults in a third page under a FIFO policy and checks both the
// alloc-time eviction (step 4) and the post-install preemptive eviction
// (step 7) pick the correct FIFO victims, and that a later re-fault of an
// evicted page restores it from swap.
func TestLocalFIFOEvictionRoundTripsThroughSwap(t *testing.T) {
	cfg := limits.Default()
	cfg.NumFrames = 64
	cfg.MaxSwapPages = 8
	cfg.Policy = limits.FIFO
	sys := newTestSystem(t, cfg)

	ms := sys.NewUserAddressSpace(NewID())
	ms.InsertFramedArea(0, 10*mem.PageSize, mem.PermR|mem.PermW|mem.PermU)
	token := ms.Token()

	require.Equal(t, FaultResolved, ms.HandleFault(0, defs.AccessWrite, time.Now()))
	require.Equal(t, FaultResolved, ms.HandleFault(mem.PageSize, defs.AccessWrite, time.Now()))

	drainFrames(sys)

	// vpn 2 needs one frame; the pool has none, so step 4 evicts the FIFO
	// head (vpn 0) to free one, and step 7's post-install check (the pool
	// is immediately empty again) evicts the new head (vpn 1) too.
	outcome := ms.HandleFault(2*mem.PageSize, defs.AccessWrite, time.Now())
	require.Equal(t, FaultResolved, outcome)

	assert.True(t, sys.Swap.Check(token, 0))
	assert.True(t, sys.Swap.Check(token, 1))
	_, ok := ms.Translate(0)
	assert.False(t, ok)
	_, ok = ms.Translate(1)
	assert.False(t, ok)
	_, ok = ms.Translate(2)
	assert.True(t, ok)

	// Touching vpn 0 again must restore it from swap rather than hand back
	// a fresh zero page.
	outcome = ms.HandleFault(0, defs.AccessRead, time.Now())
	require.Equal(t, FaultResolved, outcome)
	assert.False(t, sys.Swap.Check(token, 0), "Restore must remove the swap directory entry")
	_, ok = ms.Translate(0)
	assert.True(t, ok)
}

// TestGlobalPFFPolicyEvictsAcrossProcesses checks that the global
// pre-fault pass, run because the frame pool is exhausted, can select its
// victim from a different process's address space than the one faulting.
func TestGlobalPFFPolicyEvictsAcrossProcesses(t *testing.T) {
	cfg := limits.Default()
	cfg.NumFrames = 64
	cfg.MaxSwapPages = 8
	cfg.Policy = limits.PFF
	cfg.PFFThresholdNanos = int64(time.Nanosecond)
	sys := newTestSystem(t, cfg)

	a := sys.NewUserAddressSpace(NewID())
	a.InsertFramedArea(0, mem.PageSize, mem.PermR|mem.PermW|mem.PermU)
	b := sys.NewUserAddressSpace(NewID())
	b.InsertFramedArea(0, 2*mem.PageSize, mem.PermR|mem.PermW|mem.PermU)

	require.Equal(t, FaultResolved, a.HandleFault(0, defs.AccessWrite, time.Now()))
	require.Equal(t, FaultResolved, b.HandleFault(0, defs.AccessWrite, time.Now()))

	drainFrames(sys)

	// b's second page shares b's already-built leaf table, so this fault
	// needs exactly one frame; none is free, forcing the global PFF pass,
	// whose first call always treats the gap as rare and evicts every
	// currently-unaccessed resident page system-wide.
	outcome := b.HandleFault(mem.PageSize, defs.AccessWrite, time.Now())
	require.Equal(t, FaultResolved, outcome)

	assert.True(t, sys.Swap.Check(a.Token(), 0), "PFF's rare-fault pass must be able to evict another process's resident page")
}
