// Package stats exposes the kernel's internal increment-style counters
// through Prometheus collectors instead of biscuit's compile-time-flagged,
// cycle-counter-based Counter_t/Cycles_t (which relied on a fork-only
// runtime.Rdtsc intrinsic unavailable outside that fork). The call shape —
// grab or create a named counter, Inc it inline on the hot path — is kept;
// the backing store is a real metrics registry.
package stats

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter_t is a named monotonic counter backed by a Prometheus Counter.
type Counter_t struct {
	c prometheus.Counter
}

// Cycles_t is a named counter of elapsed wall-clock time, replacing
// biscuit's TSC-cycle accumulator with real durations since this target has
// no portable cycle-counter intrinsic.
type Cycles_t struct {
	c prometheus.Counter
}

var (
	mu       sync.Mutex
	reg      *prometheus.Registry
	counters = map[string]*Counter_t{}
	cycles   = map[string]*Cycles_t{}
)

// SetRegistry installs the registry new counters register into. Must be
// called once at boot before any NewCounter/NewCycles call; counters
// created before a registry is installed are collected lazily the next
// time SetRegistry runs.
func SetRegistry(r *prometheus.Registry) {
	mu.Lock()
	defer mu.Unlock()
	reg = r
	for _, c := range counters {
		reg.MustRegister(c.c)
	}
	for _, c := range cycles {
		reg.MustRegister(c.c)
	}
}

// NewCounter returns the named counter, creating it on first use.
func NewCounter(name, help string) *Counter_t {
	mu.Lock()
	defer mu.Unlock()
	if c, ok := counters[name]; ok {
		return c
	}
	c := &Counter_t{c: prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})}
	counters[name] = c
	if reg != nil {
		reg.MustRegister(c.c)
	}
	return c
}

// NewCycles returns the named elapsed-time counter, creating it on first use.
func NewCycles(name, help string) *Cycles_t {
	mu.Lock()
	defer mu.Unlock()
	if c, ok := cycles[name]; ok {
		return c
	}
	c := &Cycles_t{c: prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})}
	cycles[name] = c
	if reg != nil {
		reg.MustRegister(c.c)
	}
	return c
}

// Inc increments the counter by one.
func (c *Counter_t) Inc() {
	if c == nil {
		return
	}
	c.c.Inc()
}

// Add adds n to the counter.
func (c *Counter_t) Add(n int64) {
	if c == nil {
		return
	}
	c.c.Add(float64(n))
}

// Add accumulates the elapsed time since start.
func (c *Cycles_t) Add(start time.Time) {
	if c == nil {
		return
	}
	c.c.Add(time.Since(start).Seconds())
}
