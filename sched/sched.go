// Package sched provides the minimal scheduler surface the paging core
// consumes: "walk all ready processes" and "the currently running
// process". The real scheduler, trap dispatch, and
// context switching live outside this module's scope; this package models
// just enough of their shape — a FIFO ready queue and a per-CPU current-task
// slot — for the global replacement policies (PFF and Working-Set in pra) to
// range over every live address space.
//
// Adapted from biscuit's tinfo.Threadinfo_t (a mutex-guarded registry of
// live thread state addressed by a runtime-level current-thread pointer)
// and rCore-Tutorial's task/manager.rs + task/processor.rs (a VecDeque
// ready queue plus one Processor slot per hart). biscuit's approach relies
// on a forked Go runtime exposing a per-goroutine pointer (runtime.Gptr);
// without that runtime fork the equivalent state here is a plain
// mutex-protected registry, matching rCore's Rust-level design directly.
package sched

import "sync"

// AddressSpace is the minimal view the paging core needs from a process: a
// stable token identifying its page table and address space.
type AddressSpace interface {
	Token() uint64
}

// Process is a live process as seen from the scheduler's side: whatever the
// core needs to walk its resident pages during a global eviction scan.
type Process interface {
	Pid() int
	AddrSpace() AddressSpace
}

// Manager tracks every live process and a FIFO ready queue, mirroring
// rCore's TaskManager + PID2TCB registry.
type Manager struct {
	mu      sync.Mutex
	ready   []Process
	all     map[int]Process
	current []Process // one slot per core, indexed by core id
}

// NewManager returns a Manager sized for numCores cores.
func NewManager(numCores int) *Manager {
	return &Manager{
		all:     make(map[int]Process),
		current: make([]Process, numCores),
	}
}

// Add registers a process as ready to run and makes it visible to global
// scans even before it is ever scheduled.
func (m *Manager) Add(p Process) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.all[p.Pid()] = p
	m.ready = append(m.ready, p)
}

// Remove drops a process from the ready queue and the live registry, e.g.
// on exit.
func (m *Manager) Remove(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.all, pid)
	for i, p := range m.ready {
		if p.Pid() == pid {
			m.ready = append(m.ready[:i], m.ready[i+1:]...)
			break
		}
	}
}

// Fetch pops the head of the ready queue, FIFO, as rCore's TaskManager.fetch
// does.
func (m *Manager) Fetch() (Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ready) == 0 {
		return nil, false
	}
	p := m.ready[0]
	m.ready = m.ready[1:]
	return p, true
}

// SetCurrent records the process running on the given core, mirroring
// rCore's Processor.current slot.
func (m *Manager) SetCurrent(core int, p Process) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current[core] = p
}

// Current returns the process running on the given core, if any.
func (m *Manager) Current(core int) (Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.current[core]
	return p, p != nil
}

// AllLive returns every ready process plus every core's current process, in
// one slice, deduplicated by pid. Global replacement policies (PFF,
// WorkingSet) need "every ready process and the current process" and
// should not have to run two separate loops with their own deduplication.
func (m *Manager) AllLive() []Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int]bool, len(m.all))
	live := make([]Process, 0, len(m.all))
	for _, p := range m.ready {
		if !seen[p.Pid()] {
			seen[p.Pid()] = true
			live = append(live, p)
		}
	}
	for _, p := range m.current {
		if p != nil && !seen[p.Pid()] {
			seen[p.Pid()] = true
			live = append(live, p)
		}
	}
	return live
}
