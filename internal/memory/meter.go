// Package memory implements the used-vs-budget accounting consulted before
// every write command. The meter is charged and released by the keyspace as
// entries come and go, so reading the memory state is O(1) with no table scans.
package memory

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// OverheadFunc reports the current size in bytes of a buffer that should not
// count against the memory budget (pending replica output, append-log
// buffers). It must be cheap and safe to call from the eviction path.
type OverheadFunc func() uint64

// State is a snapshot of the memory situation relative to the budget.
type State struct {
	// Total is the tracked usage including overhead buffers.
	Total uint64
	// Logical is Total minus registered overhead; this is what the budget
	// applies to, since overhead buffers drain on their own.
	Logical uint64
	// ToFree is the byte deficit to get back under budget. Zero when under.
	ToFree uint64
	// Level is Logical divided by the budget, for observability. May exceed
	// 1.0 while over budget; 0 when no budget is set.
	Level float64
}

// Meter tracks keyspace memory usage against a configured ceiling. Charges
// and releases are atomic because the background deletion worker releases
// memory from its own goroutine.
type Meter struct {
	maxMemory atomic.Uint64
	used      atomic.Int64

	mu       sync.RWMutex
	overhead map[string]OverheadFunc

	charges  atomic.Uint64
	releases atomic.Uint64
}

// NewMeter creates a meter with the given budget in bytes. A zero budget
// disables the ceiling: the meter still tracks usage but never reports
// over-budget.
func NewMeter(maxMemory uint64) *Meter {
	m := &Meter{overhead: make(map[string]OverheadFunc)}
	m.maxMemory.Store(maxMemory)
	return m
}

// Track charges n bytes of keyspace usage.
func (m *Meter) Track(n uint64) {
	m.used.Add(int64(n))
	m.charges.Add(1)
}

// Release returns n bytes previously charged with Track.
func (m *Meter) Release(n uint64) {
	m.used.Add(-int64(n))
	m.releases.Add(1)
}

// Used returns the tracked usage in bytes, including overhead buffers.
func (m *Meter) Used() uint64 {
	used := m.used.Load()
	if used < 0 {
		return 0
	}
	return uint64(used)
}

// MaxMemory returns the configured budget; zero means unlimited.
func (m *Meter) MaxMemory() uint64 { return m.maxMemory.Load() }

// SetMaxMemory changes the budget at runtime.
func (m *Meter) SetMaxMemory(n uint64) { m.maxMemory.Store(n) }

// RegisterOverhead adds a named overhead source whose bytes are excluded
// from the logical usage figure. Registering the same name again replaces
// the previous source.
func (m *Meter) RegisterOverhead(name string, fn OverheadFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overhead[name] = fn
}

func (m *Meter) overheadBytes() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total uint64
	for _, fn := range m.overhead {
		total += fn()
	}
	return total
}

// State reports the memory situation. The boolean is true when usage is
// within budget (or no budget is set); when false, State.ToFree says how
// many bytes must be freed.
func (m *Meter) State() (State, bool) {
	st := State{Total: m.Used()}
	max := m.MaxMemory()

	if max == 0 {
		st.Logical = st.Total
		return st, true
	}

	overhead := m.overheadBytes()
	if st.Total > overhead {
		st.Logical = st.Total - overhead
	}
	st.Level = float64(st.Logical) / float64(max)

	if st.Total <= max || st.Logical <= max {
		return st, true
	}
	st.ToFree = st.Logical - max
	return st, false
}

// GetStats returns diagnostic counters about the meter.
func (m *Meter) GetStats() map[string]interface{} {
	st, ok := m.State()
	m.mu.RLock()
	overheadSources := len(m.overhead)
	m.mu.RUnlock()

	return map[string]interface{}{
		"max_memory":       m.MaxMemory(),
		"used":             st.Total,
		"logical":          st.Logical,
		"to_free":          st.ToFree,
		"level":            fmt.Sprintf("%.4f", st.Level),
		"within_budget":    ok,
		"charges":          m.charges.Load(),
		"releases":         m.releases.Load(),
		"overhead_sources": overheadSources,
	}
}
