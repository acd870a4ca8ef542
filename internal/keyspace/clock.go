package keyspace

import (
	"sync/atomic"
	"time"
)

// LRUClockResolution is the quantization unit of the LRU clock in
// milliseconds. Two accesses within the same second update an object's
// timestamp identically.
const LRUClockResolution = 1000

// Clock is the process-owned LRU clock. The server cron refreshes the cached
// value once per tick; when the tick rate is at least as fine as the clock
// resolution, reads use the cached value and cost one atomic load. It is
// explicit state passed to whoever needs it; there is no package-level
// clock.
type Clock struct {
	cached    atomic.Uint32
	useCached bool
}

// NewClock creates a clock. hz is the cron frequency; if the cron runs often
// enough to keep the cache fresh at the clock resolution, reads are served
// from the cache.
func NewClock(hz int) *Clock {
	c := &Clock{useCached: hz > 0 && 1000/hz <= LRUClockResolution}
	c.Update()
	return c
}

// Update refreshes the cached clock value. Called from the server cron.
func (c *Clock) Update() {
	c.cached.Store(nowClock())
}

// Now returns the current 24-bit LRU clock value.
func (c *Clock) Now() uint32 {
	if c.useCached {
		return c.cached.Load()
	}
	return nowClock()
}

func nowClock() uint32 {
	ms := time.Now().UnixMilli()
	return uint32(ms/LRUClockResolution) & MetaMax
}

// IdleTime returns how long ago the object's stored clock was set, in
// milliseconds. The clock is a fixed-width ring: a stored value ahead of the
// current one means the clock wrapped exactly once, not that the object was
// accessed in the future.
func (c *Clock) IdleTime(o *Object) uint64 {
	now := uint64(c.Now())
	stored := uint64(o.LRU())
	if now >= stored {
		return (now - stored) * LRUClockResolution
	}
	return (now + (MetaMax - stored)) * LRUClockResolution
}
