package dict

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanAll(d *Dict) map[string]int {
	counts := make(map[string]int)
	cursor := uint64(0)
	for {
		cursor = d.Scan(cursor, func(e *Entry) {
			counts[string(e.Key())]++
		})
		if cursor == 0 {
			break
		}
	}
	return counts
}

func TestScanEmpty(t *testing.T) {
	d := newTestDict()
	called := false
	cursor := d.Scan(0, func(*Entry) { called = true })
	assert.Zero(t, cursor)
	assert.False(t, called)
}

func TestScanVisitsEveryKeyOnce(t *testing.T) {
	d := newTestDict()
	fillDict(t, d, 500)
	finishRehash(d)

	counts := scanAll(d)
	assert.Len(t, counts, 500)
	for key, n := range counts {
		assert.Equal(t, 1, n, "key %q visited %d times", key, n)
	}
}

func TestScanVisitsEveryKeyOnceWhileRehashing(t *testing.T) {
	d := newTestDict()
	fillDict(t, d, 500)
	finishRehash(d)
	require.NoError(t, d.Expand(d.ht[0].size*4))
	d.Rehash(5)
	require.True(t, d.IsRehashing())

	// A stable keyspace is visited exactly once even with entries split
	// across both sub-tables.
	counts := scanAll(d)
	assert.Len(t, counts, 500)
	for key, n := range counts {
		assert.Equal(t, 1, n, "key %q visited %d times", key, n)
	}
}

func TestScanSurvivesGrowthMidScan(t *testing.T) {
	d := newTestDict()
	fillDict(t, d, 100)
	finishRehash(d)

	// Take a few scan steps, grow the table, finish the scan. Keys present
	// for the whole scan must still all be seen.
	counts := make(map[string]int)
	collect := func(e *Entry) { counts[string(e.Key())]++ }

	cursor := d.Scan(0, collect)
	cursor = d.Scan(cursor, collect)

	for i := 0; i < 400; i++ {
		require.NoError(t, d.Add([]byte(fmt.Sprintf("new-%d", i)), Uint64Value(0)))
	}
	finishRehash(d)

	for cursor != 0 {
		cursor = d.Scan(cursor, collect)
	}

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		assert.GreaterOrEqual(t, counts[key], 1, "key %q missed", key)
	}
}
