// Package metrics holds process-lifetime counters and time accumulators.
// Values only grow; they are read for reporting.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Count is a monotonic counter.
type Count struct {
	v atomic.Uint64
}

// Inc adds one.
func (c *Count) Inc() { c.v.Add(1) }

// Add adds n.
func (c *Count) Add(n uint64) { c.v.Add(n) }

// Load returns the current value.
func (c *Count) Load() uint64 { return c.v.Load() }

// Time accumulates elapsed durations.
type Time struct {
	ns atomic.Int64
}

// Add accumulates d.
func (t *Time) Add(d time.Duration) { t.ns.Add(int64(d)) }

// Load returns the accumulated duration.
func (t *Time) Load() time.Duration { return time.Duration(t.ns.Load()) }

// Start returns a function that adds the time elapsed since Start to t.
func (t *Time) Start() func() time.Duration {
	begin := time.Now()
	return func() time.Duration {
		d := time.Since(begin)
		t.Add(d)
		return d
	}
}

// Supervisor groups the counters recorded by the execution pipeline.
type Supervisor struct {
	PrecompileHits  Count
	CompiledModules Count
	CompilationTime Time
	Executions      Count
	Cancellations   Count
}

// Calls tracks invocations of one external collaborator.
type Calls struct {
	Calls  Count
	Errors Count
	Time   Time
}

// Registry is created once per supervisor and passed to every component that
// records.
type Registry struct {
	Supervisor Supervisor

	mu    sync.Mutex
	calls map[string]*Calls
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*Calls)}
}

// Calls returns the call metrics for name, creating them on first use.
func (r *Registry) Calls(name string) *Calls {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[name]
	if !ok {
		c = &Calls{}
		r.calls[name] = c
	}
	return c
}

// CallSnapshot is the reported form of Calls.
type CallSnapshot struct {
	Name   string        `json:"name"`
	Calls  uint64        `json:"calls"`
	Errors uint64        `json:"errors"`
	Time   time.Duration `json:"time_ns"`
}

// Snapshot is a point-in-time copy of a registry.
type Snapshot struct {
	PrecompileHits  uint64         `json:"precompile_hits"`
	CompiledModules uint64         `json:"compiled_modules"`
	CompilationTime time.Duration  `json:"compilation_time_ns"`
	Executions      uint64         `json:"executions"`
	Cancellations   uint64         `json:"cancellations"`
	Calls           []CallSnapshot `json:"calls,omitempty"`
}

// Snapshot copies the current values, with call metrics sorted by name.
func (r *Registry) Snapshot() Snapshot {
	s := Snapshot{
		PrecompileHits:  r.Supervisor.PrecompileHits.Load(),
		CompiledModules: r.Supervisor.CompiledModules.Load(),
		CompilationTime: r.Supervisor.CompilationTime.Load(),
		Executions:      r.Supervisor.Executions.Load(),
		Cancellations:   r.Supervisor.Cancellations.Load(),
	}

	r.mu.Lock()
	for name, c := range r.calls {
		s.Calls = append(s.Calls, CallSnapshot{
			Name:   name,
			Calls:  c.Calls.Load(),
			Errors: c.Errors.Load(),
			Time:   c.Time.Load(),
		})
	}
	r.mu.Unlock()

	sort.Slice(s.Calls, func(i, j int) bool { return s.Calls[i].Name < s.Calls[j].Name })
	return s
}
