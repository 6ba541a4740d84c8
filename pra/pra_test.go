package pra

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limits"
	"mem"
	"pgtbl"
	"rmap"
)

// setup builds a page table with n frames mapped at vpns 0..n-1 and a
// reverse map recording the same, the shared fixture every local-queue test
// needs to let PickVictim resolve a candidate's PTE.
func setup(t *testing.T, n int) (*pgtbl.PageTable, *rmap.Map, *mem.FrameAllocator, []mem.Pfn_t) {
	t.Helper()
	alloc := mem.NewFrameAllocator(0, 128)
	pt := pgtbl.New(alloc)
	rm := rmap.New()

	var pfns []mem.Pfn_t
	for i := 0; i < n; i++ {
		pfn, ok := alloc.Alloc()
		require.True(t, ok)
		pt.Map(mem.Vpn_t(i), pfn, mem.PteR|mem.PteW)
		rm.Insert(pfn, 1, mem.Vpn_t(i))
		pfns = append(pfns, pfn)
	}
	return pt, rm, alloc, pfns
}

func TestFIFOEvictsInInsertionOrder(t *testing.T) {
	pt, rm, _, pfns := setup(t, 3)
	q := NewLocal(limits.FIFO)
	for _, p := range pfns {
		q.OnInsert(p)
	}

	ppn, vpn := q.PickVictim(pt, rm)
	assert.Equal(t, pfns[0], ppn)
	assert.Equal(t, mem.Vpn_t(0), vpn)

	ppn, vpn = q.PickVictim(pt, rm)
	assert.Equal(t, pfns[1], ppn)
	assert.Equal(t, mem.Vpn_t(1), vpn)
}

func TestFIFOPickOnEmptyQueuePanics(t *testing.T) {
	q := NewLocal(limits.FIFO)
	assert.Panics(t, func() { q.PickVictim(nil, nil) })
}

func TestForgetRemovesWithoutReturningAVictim(t *testing.T) {
	pt, rm, _, pfns := setup(t, 3)
	q := NewLocal(limits.FIFO)
	for _, p := range pfns {
		q.OnInsert(p)
	}
	q.Forget(pfns[0])

	ppn, _ := q.PickVictim(pt, rm)
	assert.Equal(t, pfns[1], ppn, "the forgotten frame must never be selected")
}

func TestClockSkipsAccessedFramesOnFirstPass(t *testing.T) {
	pt, rm, _, pfns := setup(t, 2)
	// Mark both frames accessed so the first sweep clears bits rather than
	// picking immediately.
	for _, vpn := range []mem.Vpn_t{0, 1} {
		leaf, _ := pt.FindPTE(vpn)
		*leaf |= mem.PteA
	}

	q := NewLocal(limits.Clock)
	for _, p := range pfns {
		q.OnInsert(p)
	}

	ppn, vpn := q.PickVictim(pt, rm)
	// Both start accessed; clock clears bit 0's A on the first sweep and
	// proceeds to bit 1, also accessed, clears it too, and wraps to find
	// bit 0 now clear.
	assert.Equal(t, pfns[0], ppn)
	assert.Equal(t, mem.Vpn_t(0), vpn)

	leaf, ok := pt.FindPTE(1)
	require.True(t, ok)
	assert.False(t, leaf.Accessed(), "clock must clear the accessed bit of every frame it passes over")
}

func TestClockPicksUnaccessedFrameImmediately(t *testing.T) {
	pt, rm, _, pfns := setup(t, 2)
	leaf, _ := pt.FindPTE(1)
	*leaf |= mem.PteA // only vpn 1 is accessed; vpn 0 is an immediate hit

	q := NewLocal(limits.Clock)
	for _, p := range pfns {
		q.OnInsert(p)
	}

	ppn, vpn := q.PickVictim(pt, rm)
	assert.Equal(t, pfns[0], ppn)
	assert.Equal(t, mem.Vpn_t(0), vpn)
}

func TestClockImprovedPrefersCleanUnaccessedOverDirty(t *testing.T) {
	pt, rm, _, pfns := setup(t, 2)
	leaf0, _ := pt.FindPTE(0)
	*leaf0 |= mem.PteD // vpn 0: (A=0, D=1)
	// vpn 1 stays (A=0, D=0), the immediately-picked class.

	q := NewLocal(limits.ClockImproved)
	for _, p := range pfns {
		q.OnInsert(p)
	}

	ppn, vpn := q.PickVictim(pt, rm)
	assert.Equal(t, pfns[1], ppn)
	assert.Equal(t, mem.Vpn_t(1), vpn)
}

func TestClockPickOnEmptyQueuePanics(t *testing.T) {
	q := NewLocal(limits.Clock)
	assert.Panics(t, func() { q.PickVictim(nil, nil) })
}

func TestPFFEvictsUnaccessedPagesWhenFaultsAreRare(t *testing.T) {
	g := NewGlobal(limits.Config_t{Policy: limits.PFF, PFFThresholdNanos: int64(10 * time.Millisecond)})
	accessed := mem.NewPte(1, mem.PteR|mem.PteA)
	clean := mem.NewPte(2, mem.PteR)
	pages := []PageRef{
		{Token: 1, Vpn: 0, Ppn: 1, PTE: &accessed},
		{Token: 1, Vpn: 1, Ppn: 2, PTE: &clean},
	}

	now := time.Unix(0, 0)
	victims := g.PreFault(now, pages) // first call: "rare" by construction
	assert.Len(t, victims, 1)
	assert.Equal(t, mem.Vpn_t(1), victims[0].Vpn)

	later := now.Add(5 * time.Millisecond) // within threshold: faults deemed frequent
	victims = g.PreFault(later, pages)
	assert.Empty(t, victims)
	assert.False(t, accessed.Accessed(), "a frequent-fault pass must clear accessed bits instead of evicting")
}

func TestWorkingSetEvictsPagesOutsideRecentSamples(t *testing.T) {
	g := NewGlobal(limits.Config_t{Policy: limits.WorkingSet, WorkingSetK: 2})
	hot := mem.NewPte(1, mem.PteR)
	cold := mem.NewPte(1, mem.PteR)
	hotRef := PageRef{Token: 1, Vpn: 0, Ppn: 1, PTE: &hot}
	coldRef := PageRef{Token: 1, Vpn: 1, Ppn: 2, PTE: &cold}

	hot |= mem.PteA
	g.SampleTick([]PageRef{hotRef, coldRef})
	assert.False(t, hot.Accessed(), "SampleTick clears the accessed bit once it has recorded a sample")

	victims := g.PreFault(time.Now(), []PageRef{hotRef, coldRef})
	var gotVpns []mem.Vpn_t
	for _, v := range victims {
		gotVpns = append(gotVpns, v.Vpn)
	}
	assert.Contains(t, gotVpns, mem.Vpn_t(1))
	assert.NotContains(t, gotVpns, mem.Vpn_t(0), "a page sampled as accessed must stay in the working set")
}

func TestPreFaultPanicsForLocalOnlyPolicy(t *testing.T) {
	g := NewGlobal(limits.Config_t{Policy: limits.FIFO})
	assert.Panics(t, func() { g.PreFault(time.Now(), nil) })
}
