package evict

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memkeys/internal/keyspace"
	"memkeys/internal/lazyfree"
	"memkeys/internal/memory"
)

type evictFixture struct {
	ks    *keyspace.Keyspace
	clock *keyspace.Clock
	meter *memory.Meter
	ev    *Evictor
}

func newEvictFixture(t *testing.T, cfg Config, mode keyspace.ScoringMode) *evictFixture {
	t.Helper()
	clock := keyspace.NewClock(10)
	meter := memory.NewMeter(0)
	lazy := lazyfree.NewWorker(64)
	t.Cleanup(lazy.Stop)

	ks, err := keyspace.New(keyspace.Config{
		Databases:       2,
		Mode:            mode,
		LFULogFactor:    cfg.LFULogFactor,
		LFUDecayMinutes: cfg.LFUDecayMinutes,
	}, clock, meter, lazy)
	require.NoError(t, err)

	return &evictFixture{
		ks:    ks,
		clock: clock,
		meter: meter,
		ev:    New(cfg, ks, clock, meter, lazy),
	}
}

// fillKeys inserts n keys with payloadLen-byte payloads into db 0 and returns
// the memory they consumed.
func (f *evictFixture) fillKeys(n, payloadLen int) uint64 {
	db := f.ks.DB(0)
	for i := 0; i < n; i++ {
		db.SetKey([]byte(fmt.Sprintf("key-%d", i)), make([]byte, payloadLen))
	}
	return f.meter.Used()
}

func TestEvictionUnderBudgetIsNoop(t *testing.T) {
	f := newEvictFixture(t, Config{Policy: LRUAny}, keyspace.ScoreLRU)
	f.fillKeys(10, 100)

	// No budget configured: nothing to do.
	require.NoError(t, f.ev.PerformEviction())
	assert.Equal(t, uint64(10), f.ks.TotalKeys())
	assert.Zero(t, f.ev.EvictedKeys())
}

func TestNoEvictionPolicyRejects(t *testing.T) {
	f := newEvictFixture(t, Config{Policy: NoEviction}, keyspace.ScoreLRU)
	used := f.fillKeys(10, 100)
	f.meter.SetMaxMemory(used / 2)

	assert.ErrorIs(t, f.ev.PerformEviction(), ErrPolicyForbids)
	assert.Equal(t, uint64(10), f.ks.TotalKeys())
}

func TestRandomAnyFreesUntilUnderBudget(t *testing.T) {
	f := newEvictFixture(t, Config{Policy: RandomAny}, keyspace.ScoreLRU)
	used := f.fillKeys(100, 100)
	f.meter.SetMaxMemory(used / 2)

	require.NoError(t, f.ev.PerformEviction())
	assert.LessOrEqual(t, f.meter.Used(), f.meter.MaxMemory())
	assert.Less(t, f.ks.TotalKeys(), uint64(100))
	assert.NotZero(t, f.ev.EvictedKeys())
}

func TestVolatilePolicyWithoutTTLsFails(t *testing.T) {
	f := newEvictFixture(t, Config{Policy: RandomVolatile}, keyspace.ScoreLRU)
	used := f.fillKeys(10, 100)
	f.meter.SetMaxMemory(used / 2)

	assert.ErrorIs(t, f.ev.PerformEviction(), ErrNothingToFree)
	assert.Equal(t, uint64(10), f.ks.TotalKeys())
}

func TestLRUEvictsOldestFirst(t *testing.T) {
	// A generous sample size relative to the table lets the pool see every
	// key, so the oldest one is chosen deterministically.
	f := newEvictFixture(t, Config{Policy: LRUAny, SampleSize: 200}, keyspace.ScoreLRU)
	used := f.fillKeys(64, 100)
	db := f.ks.DB(0)

	now := f.clock.Now()
	for i := 0; i < 64; i++ {
		o, ok := db.LookupNoTouch([]byte(fmt.Sprintf("key-%d", i)))
		require.True(t, ok)
		o.SetLRU((now - uint32(i*10)) & keyspace.MetaMax)
	}

	// Room for exactly one eviction.
	f.meter.SetMaxMemory(used - 10)
	require.NoError(t, f.ev.PerformEviction())

	_, ok := db.LookupNoTouch([]byte("key-63"))
	assert.False(t, ok, "coldest key should be the victim")
	assert.Equal(t, uint64(63), f.ks.TotalKeys())
}

func TestLFUEvictsLeastFrequentFirst(t *testing.T) {
	f := newEvictFixture(t, Config{
		Policy:          LFUAny,
		SampleSize:      200,
		LFUDecayMinutes: 1,
	}, keyspace.ScoreLFU)
	used := f.fillKeys(64, 100)
	db := f.ks.DB(0)

	nowMin := keyspace.LFUTimeInMinutes()
	for i := 0; i < 64; i++ {
		o, ok := db.LookupNoTouch([]byte(fmt.Sprintf("key-%d", i)))
		require.True(t, ok)
		counter := uint8(100)
		if i == 3 {
			counter = 1
		}
		o.SetLFU(nowMin, counter)
	}

	f.meter.SetMaxMemory(used - 10)
	require.NoError(t, f.ev.PerformEviction())

	_, ok := db.LookupNoTouch([]byte("key-3"))
	assert.False(t, ok, "least frequent key should be the victim")
	assert.Equal(t, uint64(63), f.ks.TotalKeys())
}

func TestTTLEvictsSoonestToExpire(t *testing.T) {
	f := newEvictFixture(t, Config{Policy: TTLSoonest, SampleSize: 200}, keyspace.ScoreLRU)
	used := f.fillKeys(64, 100)
	db := f.ks.DB(0)

	base := time.Now().Add(time.Hour)
	for i := 0; i < 64; i++ {
		when := base.Add(time.Duration(i) * time.Minute)
		if i == 7 {
			when = base.Add(-30 * time.Minute)
		}
		require.True(t, db.SetExpire([]byte(fmt.Sprintf("key-%d", i)), when.UnixMilli()))
	}

	f.meter.SetMaxMemory(used - 10)
	require.NoError(t, f.ev.PerformEviction())

	_, ok := db.LookupNoTouch([]byte("key-7"))
	assert.False(t, ok, "soonest-to-expire key should be the victim")
}

func TestVolatileLRUOnlyEvictsKeysWithTTL(t *testing.T) {
	f := newEvictFixture(t, Config{Policy: LRUVolatile, SampleSize: 200}, keyspace.ScoreLRU)
	used := f.fillKeys(64, 100)
	db := f.ks.DB(0)

	// Only three keys are volatile; everything evicted must come from them.
	for i := 0; i < 3; i++ {
		require.True(t, db.SetExpire([]byte(fmt.Sprintf("key-%d", i)),
			time.Now().Add(time.Hour).UnixMilli()))
	}

	f.meter.SetMaxMemory(used - 10)
	require.NoError(t, f.ev.PerformEviction())

	for i := 3; i < 64; i++ {
		_, ok := db.LookupNoTouch([]byte(fmt.Sprintf("key-%d", i)))
		assert.True(t, ok, "non-volatile key-%d must survive", i)
	}
	assert.Less(t, db.Len(), uint64(64))
}

func TestEvictionSpansDatabases(t *testing.T) {
	f := newEvictFixture(t, Config{Policy: RandomAny}, keyspace.ScoreLRU)
	for i := 0; i < 50; i++ {
		f.ks.DB(0).SetKey([]byte(fmt.Sprintf("a-%d", i)), make([]byte, 100))
		f.ks.DB(1).SetKey([]byte(fmt.Sprintf("b-%d", i)), make([]byte, 100))
	}
	f.meter.SetMaxMemory(f.meter.Used() / 4)

	require.NoError(t, f.ev.PerformEviction())
	assert.LessOrEqual(t, f.meter.Used(), f.meter.MaxMemory())

	// Both databases contributed victims.
	assert.Less(t, f.ks.DB(0).Len(), uint64(50))
	assert.Less(t, f.ks.DB(1).Len(), uint64(50))
}

func TestGhostCandidatesAreSkipped(t *testing.T) {
	f := newEvictFixture(t, Config{Policy: LRUAny, SampleSize: 100}, keyspace.ScoreLRU)
	f.fillKeys(10, 100)
	db := f.ks.DB(0)

	// Seed the pool, then delete a pooled key behind the evictor's back.
	f.ev.Pool().Insert([]byte("key-5"), ^uint64(0), 0)
	require.True(t, db.DeleteSync([]byte("key-5")))

	f.meter.SetMaxMemory(f.meter.Used() - 10)
	require.NoError(t, f.ev.PerformEviction())
	assert.LessOrEqual(t, f.meter.Used(), f.meter.MaxMemory())
}

func TestEvictionGates(t *testing.T) {
	f := newEvictFixture(t, Config{Policy: RandomAny}, keyspace.ScoreLRU)
	used := f.fillKeys(10, 100)
	f.meter.SetMaxMemory(used / 2)

	f.ev.SetLoading(true)
	require.NoError(t, f.ev.PerformEvictionIfSafe())
	assert.Equal(t, uint64(10), f.ks.TotalKeys())
	f.ev.SetLoading(false)

	f.ev.SetScriptTimeout(true)
	require.NoError(t, f.ev.PerformEvictionIfSafe())
	assert.Equal(t, uint64(10), f.ks.TotalKeys())
	f.ev.SetScriptTimeout(false)

	require.NoError(t, f.ev.PerformEvictionIfSafe())
	assert.Less(t, f.ks.TotalKeys(), uint64(10))
}

func TestAsyncEvictionFreesMemory(t *testing.T) {
	f := newEvictFixture(t, Config{Policy: RandomAny, AsyncDelete: true}, keyspace.ScoreLRU)
	used := f.fillKeys(100, 100)
	f.meter.SetMaxMemory(used / 2)

	require.NoError(t, f.ev.PerformEviction())
	assert.Eventually(t, func() bool {
		return f.meter.Used() <= f.meter.MaxMemory()
	}, time.Second, time.Millisecond)
}

func TestParsePolicy(t *testing.T) {
	for p, name := range policyNames {
		parsed, err := ParsePolicy(name)
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
		assert.Equal(t, name, p.String())
	}
	_, err := ParsePolicy("bogus")
	assert.Error(t, err)
}
