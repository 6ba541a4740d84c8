package vm

import "github.com/prometheus/client_golang/prometheus"

// metrics wraps the page-fault handler's hot-path counters in real
// Prometheus collectors, in the "increment on the hot path, read in bulk
// for reporting" shape the stats package also uses: free-frame count and
// swap occupancy are gauges sampled on demand, faults and victim
// selections are counters incremented inline.
type metrics struct {
	freeFrames   prometheus.GaugeFunc
	swapOccupied prometheus.GaugeFunc
	faults       *prometheus.CounterVec
	evictions    *prometheus.CounterVec
}

func newMetrics(reg *prometheus.Registry, sys *System) *metrics {
	m := &metrics{
		freeFrames: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rvpage_frames_free",
			Help: "Physical frames immediately available from the allocator.",
		}, func() float64 { return float64(sys.FrameAlloc.Remaining()) }),
		swapOccupied: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rvpage_swap_slots_occupied",
			Help: "Swap-store slots currently holding evicted page content.",
		}, func() float64 { return float64(sys.Swap.Occupied()) }),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rvpage_page_faults_total",
			Help: "Page faults handled, labeled by outcome.",
		}, []string{"outcome"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rvpage_evictions_total",
			Help: "Pages evicted to swap, labeled by replacement policy.",
		}, []string{"policy"}),
	}
	if reg != nil {
		reg.MustRegister(m.freeFrames, m.swapOccupied, m.faults, m.evictions)
	}
	return m
}

func (m *metrics) fault(outcome string) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(outcome).Inc()
}

func (m *metrics) eviction(policy string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(policy).Inc()
}
