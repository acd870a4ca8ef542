package keyspace

import (
	"fmt"
	"math/rand"
	"time"

	"memkeys/internal/dict"
	"memkeys/internal/lazyfree"
	"memkeys/internal/memory"
)

// ScoringMode selects which meaning the per-object metadata word carries.
// It follows from the configured eviction policy: LRU policies store an
// access timestamp, LFU policies store the packed frequency fields.
type ScoringMode int

const (
	// ScoreLRU stores a reduced-precision access timestamp on every access.
	ScoreLRU ScoringMode = iota
	// ScoreLFU stores a last-decrement time and logarithmic counter.
	ScoreLFU
)

// Config parameterizes a Keyspace.
type Config struct {
	// Databases is the number of logical databases.
	Databases int
	// Mode selects LRU or LFU metadata maintenance on access.
	Mode ScoringMode
	// LFULogFactor dampens counter growth; larger means slower saturation.
	LFULogFactor float64
	// LFUDecayMinutes is the decay period for idle counters.
	LFUDecayMinutes int
	// MinTableSize is the floor passed to the dictionaries' shrink logic.
	MinTableSize uint64
	// AsyncExpire deletes keys found expired on lookup through the
	// background worker instead of inline.
	AsyncExpire bool
}

// Keyspace owns all logical databases and the shared scoring state. All
// mutating calls happen on the server's single logical thread; the only
// cross-thread interaction is handing unlinked entries to the background
// deletion worker.
type Keyspace struct {
	cfg   Config
	dbs   []*DB
	clock *Clock
	meter *memory.Meter
	lazy  *lazyfree.Worker
	rng   *rand.Rand

	expiredKeys uint64
}

// New creates the keyspace with cfg.Databases empty databases.
func New(cfg Config, clock *Clock, meter *memory.Meter, lazy *lazyfree.Worker) (*Keyspace, error) {
	if cfg.Databases <= 0 {
		return nil, fmt.Errorf("keyspace: databases must be positive, got %d", cfg.Databases)
	}
	if cfg.MinTableSize == 0 {
		cfg.MinTableSize = 4
	}
	k := &Keyspace{
		cfg:   cfg,
		clock: clock,
		meter: meter,
		lazy:  lazy,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	k.dbs = make([]*DB, cfg.Databases)
	for i := range k.dbs {
		k.dbs[i] = newDB(i, k)
	}
	return k, nil
}

// DB returns database i.
func (k *Keyspace) DB(i int) *DB { return k.dbs[i] }

// Databases returns the number of logical databases.
func (k *Keyspace) Databases() int { return len(k.dbs) }

// Clock returns the shared LRU clock.
func (k *Keyspace) Clock() *Clock { return k.clock }

// Mode returns the configured scoring mode.
func (k *Keyspace) Mode() ScoringMode { return k.cfg.Mode }

// TotalKeys returns the number of keys across all databases.
func (k *Keyspace) TotalKeys() uint64 {
	var total uint64
	for _, db := range k.dbs {
		total += db.Len()
	}
	return total
}

// ExpiredKeys returns how many keys were removed after being found expired
// on lookup.
func (k *Keyspace) ExpiredKeys() uint64 { return k.expiredKeys }

// initialMeta is the metadata word given to freshly created objects: the
// current clock for LRU, or the packed minute time with the counter floor
// for LFU so new keys are not immediately the best eviction candidates.
func (k *Keyspace) initialMeta() uint32 {
	if k.cfg.Mode == ScoreLFU {
		return uint32(LFUTimeInMinutes())<<8 | LFUInitVal
	}
	return k.clock.Now()
}

// touch refreshes an object's scoring metadata on access.
func (k *Keyspace) touch(o *Object) {
	if k.cfg.Mode == ScoreLFU {
		counter := LFUDecrAndReturn(o, k.cfg.LFUDecayMinutes)
		counter = LFULogIncr(counter, k.cfg.LFULogFactor, k.rng)
		o.SetLFU(LFUTimeInMinutes(), counter)
		return
	}
	o.SetLRU(k.clock.Now())
}

// SetResizeEnabled toggles automatic resizing on every dictionary. Disabled
// while a snapshot is in progress so rehashing does not churn copy-on-write
// pages.
func (k *Keyspace) SetResizeEnabled(enabled bool) {
	for _, db := range k.dbs {
		if enabled {
			db.data.EnableResize()
			db.expires.EnableResize()
		} else {
			db.data.DisableResize()
			db.expires.DisableResize()
		}
	}
}

// RehashFor spends up to budget of wall-clock time advancing incremental
// rehashes across all databases, returning buckets visited. Called from the
// server cron during idle time.
func (k *Keyspace) RehashFor(budget time.Duration) int {
	start := time.Now()
	visited := 0
	for _, db := range k.dbs {
		for _, d := range []*dict.Dict{db.data, db.expires} {
			remaining := budget - time.Since(start)
			if remaining <= 0 {
				return visited
			}
			if d.IsRehashing() {
				visited += d.RehashFor(remaining)
			}
		}
	}
	return visited
}

// ShrinkIfNeeded gives every sparse table a chance to shrink, reclaiming
// bucket memory after bulk deletes.
func (k *Keyspace) ShrinkIfNeeded() {
	for _, db := range k.dbs {
		_ = db.data.ShrinkToFit()
		_ = db.expires.ShrinkToFit()
	}
}

// GetStats returns diagnostic counters for the whole keyspace.
func (k *Keyspace) GetStats() map[string]interface{} {
	perDB := make([]map[string]interface{}, len(k.dbs))
	for i, db := range k.dbs {
		perDB[i] = map[string]interface{}{
			"keys":      db.data.Len(),
			"expires":   db.expires.Len(),
			"rehashing": db.data.IsRehashing(),
		}
	}
	return map[string]interface{}{
		"databases":    len(k.dbs),
		"total_keys":   k.TotalKeys(),
		"expired_keys": k.expiredKeys,
		"db":           perDB,
	}
}
