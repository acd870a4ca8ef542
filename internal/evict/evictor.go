package evict

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"memkeys/internal/dict"
	"memkeys/internal/keyspace"
	"memkeys/internal/lazyfree"
	"memkeys/internal/logging"
	"memkeys/internal/memory"
)

var (
	// ErrPolicyForbids is returned when memory must be freed but the policy
	// is no-eviction. The caller turns this into a write rejection.
	ErrPolicyForbids = errors.New("evict: over memory budget but policy forbids eviction")

	// ErrNothingToFree is returned when the budget is exceeded but no
	// evictable key exists (for example a volatile-only policy with no TTLs
	// set) and waiting for background deletion did not help.
	ErrNothingToFree = errors.New("evict: over memory budget with nothing to free")
)

// Config carries the eviction tunables.
type Config struct {
	// Policy selects the victim-choosing strategy.
	Policy Policy
	// SampleSize is how many random keys are drawn per pool refresh.
	SampleSize int
	// LFULogFactor dampens LFU counter growth.
	LFULogFactor float64
	// LFUDecayMinutes is the LFU counter decay period.
	LFUDecayMinutes int
	// AsyncDelete routes victim destruction through the background worker.
	AsyncDelete bool
}

// Evictor drives the eviction loop. It owns the candidate pool and the
// round-robin cursor for random policies; everything else (keyspace, clock,
// meter, background worker) is shared server state passed at construction.
type Evictor struct {
	cfg   Config
	ks    *keyspace.Keyspace
	clock *keyspace.Clock
	meter *memory.Meter
	lazy  *lazyfree.Worker
	pool  *Pool

	nextDB int

	// Externally-signaled states: while a script is stuck past its timeout
	// or a bulk load is in progress, eviction is skipped entirely.
	loading       atomic.Bool
	scriptTimeout atomic.Bool

	evictedKeys uint64
}

// New creates an evictor.
func New(cfg Config, ks *keyspace.Keyspace, clock *keyspace.Clock, meter *memory.Meter, lazy *lazyfree.Worker) *Evictor {
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 5
	}
	return &Evictor{
		cfg:   cfg,
		ks:    ks,
		clock: clock,
		meter: meter,
		lazy:  lazy,
		pool:  NewPool(),
	}
}

// Pool exposes the candidate pool for observability and tests.
func (ev *Evictor) Pool() *Pool { return ev.pool }

// EvictedKeys returns the number of keys evicted since start.
func (ev *Evictor) EvictedKeys() uint64 { return ev.evictedKeys }

// SetLoading flags that a bulk data load is in progress.
func (ev *Evictor) SetLoading(v bool) { ev.loading.Store(v) }

// SetScriptTimeout flags that a scripting engine is past its timeout.
func (ev *Evictor) SetScriptTimeout(v bool) { ev.scriptTimeout.Store(v) }

// PerformEvictionIfSafe runs the eviction loop unless an externally-signaled
// state makes it unsafe to delete keys right now.
func (ev *Evictor) PerformEvictionIfSafe() error {
	if ev.loading.Load() || ev.scriptTimeout.Load() {
		return nil
	}
	return ev.PerformEviction()
}

// PerformEviction frees memory until usage is back under budget. It returns
// nil when under budget (possibly after freeing), ErrPolicyForbids under the
// no-eviction policy, and ErrNothingToFree when no victim could be found;
// in the failure cases it first waits, bounded, for the background deletion
// worker to catch up in case pending jobs alone cover the deficit.
func (ev *Evictor) PerformEviction() error {
	state, ok := ev.meter.State()
	if ok {
		return nil
	}

	if ev.cfg.Policy == NoEviction {
		if ev.waitForLazyFree() {
			return nil
		}
		return ErrPolicyForbids
	}

	var (
		memFreed  uint64
		memToFree = state.ToFree
		keysFreed int
	)

	for memFreed < memToFree {
		dbid, key, found := ev.selectVictim()
		if !found {
			if ev.waitForLazyFree() {
				return nil
			}
			return ErrNothingToFree
		}

		// Measure what the delete really returned to the meter rather than
		// estimating from key size; with async deletion the delta only
		// reflects the synchronous part.
		before := ev.meter.Used()
		db := ev.ks.DB(dbid)
		if ev.cfg.AsyncDelete {
			db.DeleteAsync(key)
		} else {
			db.DeleteSync(key)
		}
		after := ev.meter.Used()
		if before > after {
			memFreed += before - after
		}
		ev.evictedKeys++
		keysFreed++

		logging.Debug(context.Background(), logging.ComponentEvict, "evicted",
			"key evicted to reclaim memory", map[string]interface{}{
				"db":     dbid,
				"policy": ev.cfg.Policy.String(),
			})

		// With async deletion most of the memory is returned by the worker,
		// invisible to the per-delete delta. Every 16 deletions consult the
		// meter directly so the loop does not massively overshoot.
		if ev.cfg.AsyncDelete && keysFreed%16 == 0 {
			if _, ok := ev.meter.State(); ok {
				return nil
			}
		}
	}
	return nil
}

// selectVictim picks the next key to evict according to the policy. It
// reports false when no candidate exists anywhere.
func (ev *Evictor) selectVictim() (dbid int, key []byte, found bool) {
	if ev.cfg.Policy.usesPool() {
		return ev.selectFromPool()
	}
	return ev.selectRandom()
}

// selectFromPool refreshes the pool by sampling every database, then
// consumes candidates from the best end, skipping ghosts, until one still
// exists. Sampling spans all databases so eviction quality does not depend
// on which database happens to be written.
func (ev *Evictor) selectFromPool() (int, []byte, bool) {
	for {
		totalKeys := uint64(0)
		for i := 0; i < ev.ks.Databases(); i++ {
			db := ev.ks.DB(i)
			sampled := db.Data()
			if ev.cfg.Policy.volatileOnly() {
				sampled = db.Expires()
			}
			if n := sampled.Len(); n > 0 {
				ev.populate(db, sampled)
				totalKeys += n
			}
		}
		if totalKeys == 0 {
			return 0, nil, false
		}

		for {
			candidate, ok := ev.pool.PopBest()
			if !ok {
				break // pool exhausted, sample again
			}
			db := ev.ks.DB(candidate.DBID)
			lookupIn := db.Data()
			if ev.cfg.Policy.volatileOnly() {
				lookupIn = db.Expires()
			}
			if lookupIn.Find(candidate.Key) != nil {
				return candidate.DBID, candidate.Key, true
			}
			// Ghost: key vanished since it was pooled. Try the next one.
		}
	}
}

// populate draws a random sample from sampled and offers each key to the
// pool with its policy score.
func (ev *Evictor) populate(db *keyspace.DB, sampled *dict.Dict) {
	for _, de := range sampled.SomeEntries(ev.cfg.SampleSize) {
		idle, ok := ev.score(db, de, sampled)
		if !ok {
			continue
		}
		ev.pool.Insert(de.Key(), idle, db.ID())
	}
}

// score computes the candidate's eviction score; higher means more
// evictable. LRU scores by idle time, LFU by inverted decayed frequency,
// TTL by proximity of the expiration time.
func (ev *Evictor) score(db *keyspace.DB, de *dict.Entry, sampled *dict.Dict) (uint64, bool) {
	switch {
	case ev.cfg.Policy.usesLRU():
		o, ok := ev.entryObject(db, de, sampled)
		if !ok {
			return 0, false
		}
		return ev.clock.IdleTime(o), true

	case ev.cfg.Policy.usesLFU():
		o, ok := ev.entryObject(db, de, sampled)
		if !ok {
			return 0, false
		}
		return 255 - uint64(keyspace.LFUDecrAndReturn(o, ev.cfg.LFUDecayMinutes)), true

	default: // TTLSoonest
		return math.MaxUint64 - uint64(de.Value().Int64()), true
	}
}

// entryObject resolves the sampled entry to its value object. When sampling
// the expiration index the value lives in the main dictionary and needs a
// second lookup.
func (ev *Evictor) entryObject(db *keyspace.DB, de *dict.Entry, sampled *dict.Dict) (*keyspace.Object, bool) {
	if sampled == db.Data() {
		return de.Value().Object().(*keyspace.Object), true
	}
	return db.LookupNoTouch(de.Key())
}

// selectRandom implements the pure-random policies: round-robin across
// databases, one uniformly random key per attempt, so no database is
// systematically favored.
func (ev *Evictor) selectRandom() (int, []byte, bool) {
	for i := 0; i < ev.ks.Databases(); i++ {
		ev.nextDB = (ev.nextDB + 1) % ev.ks.Databases()
		db := ev.ks.DB(ev.nextDB)
		d := db.Data()
		if ev.cfg.Policy.volatileOnly() {
			d = db.Expires()
		}
		if de := d.RandomEntry(); de != nil {
			return db.ID(), de.Key(), true
		}
	}
	return 0, nil, false
}

// waitForLazyFree busy-polls, with short cooperative sleeps, while the
// background worker still has deletion jobs queued: their completion may be
// all that is needed to get back under budget. It reports whether the
// budget was satisfied. The wait is bounded by the queue draining.
func (ev *Evictor) waitForLazyFree() bool {
	for ev.lazy.PendingJobs(lazyfree.JobFreeEntry) > 0 {
		if _, ok := ev.meter.State(); ok {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	_, ok := ev.meter.State()
	return ok
}
