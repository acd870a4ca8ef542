// Package dict implements the chained hash table that backs every keyspace
// lookup in memkeys. The table resizes incrementally: instead of a single
// stop-the-world rehash, entries are migrated a few buckets at a time,
// piggybacked on ordinary lookups and inserts, so no operation ever pays the
// O(n) cost of a full rehash.
package dict

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

const (
	// initialSize is the size of the first bucket array allocated for a table.
	initialSize = 4

	// forceResizeRatio is the used/size ratio beyond which a grow is started
	// even while automatic resizing is administratively paused.
	forceResizeRatio = 5

	// minFillPercent is the fill ratio below which ShrinkToFit will actually
	// shrink the bucket array.
	minFillPercent = 10
)

var (
	// ErrKeyExists is returned by Add when the key is already present.
	ErrKeyExists = errors.New("dict: key already exists")

	// ErrKeyNotFound is returned by Delete and Unlink when the key is absent.
	ErrKeyNotFound = errors.New("dict: key not found")

	// ErrResizeRefused is returned when an explicit resize cannot be started:
	// a rehash is already running, a safe iterator is live, or resizing is
	// administratively paused.
	ErrResizeRefused = errors.New("dict: resize refused")
)

// Type supplies the per-role behaviors of a dictionary: hashing, key
// comparison, and ownership transfer hooks. The same table structure serves
// the main keyspace, the expiration index, and tests by injecting a different
// Type at construction time. Implementations carry whatever context they need
// as receiver state.
type Type interface {
	// Hash maps a key to a 64-bit hash value.
	Hash(key []byte) uint64

	// KeyEqual reports whether two keys are the same key.
	KeyEqual(a, b []byte) bool

	// CopyKey produces the key bytes the table will own. Roles that share
	// key storage with another table may return the argument unchanged.
	CopyKey(key []byte) []byte

	// FreeKey releases a key the table owned. Called on delete and teardown.
	FreeKey(key []byte)

	// FreeValue releases a value the table owned. Called when an entry is
	// destroyed or its value replaced.
	FreeValue(v Value)
}

// Entry is a single key/value association. Entries in the same bucket are
// chained through next. The table exclusively owns its entries.
type Entry struct {
	key  []byte
	val  Value
	next *Entry
}

// Key returns the entry's key. The returned slice is owned by the table and
// must not be mutated.
func (e *Entry) Key() []byte { return e.key }

// Value returns the entry's value slot.
func (e *Entry) Value() Value { return e.val }

// subTable is one of the two bucket arrays of a dictionary. size is always a
// power of two so that sizemask (size-1) turns modulo into a mask.
type subTable struct {
	table    []*Entry
	size     uint64
	sizemask uint64
	used     uint64
}

func (t *subTable) reset() {
	t.table = nil
	t.size = 0
	t.sizemask = 0
	t.used = 0
}

// Dict is an incrementally-rehashing chained hash table. It holds exactly two
// sub-tables: ht[0] is the live table and ht[1] is the rehash target,
// allocated only while a rehash is in progress. rehashidx is the next ht[0]
// bucket awaiting migration, or -1 when no rehash is running.
//
// A Dict is single-writer by design and performs no internal locking.
type Dict struct {
	typ       Type
	ht        [2]subTable
	rehashidx int64
	iterators uint64 // live safe iterators; pauses rehash steps and resizes
	canResize bool
	minSize   uint64
	rng       *rand.Rand
}

// Option configures a Dict at construction time.
type Option func(*Dict)

// WithMinSize sets the floor below which ShrinkToFit will not shrink the
// bucket array. The floor is rounded up to a power of two.
func WithMinSize(n uint64) Option {
	return func(d *Dict) {
		if n > 0 {
			d.minSize = nextPower(n)
		}
	}
}

// New creates an empty dictionary using the given behavior set. Both
// sub-tables start unallocated; the first insert allocates ht[0].
func New(typ Type, opts ...Option) *Dict {
	d := &Dict{
		typ:       typ,
		rehashidx: -1,
		canResize: true,
		minSize:   initialSize,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Len returns the number of live entries across both sub-tables.
func (d *Dict) Len() uint64 { return d.ht[0].used + d.ht[1].used }

// Slots returns the total number of buckets across both sub-tables.
func (d *Dict) Slots() uint64 { return d.ht[0].size + d.ht[1].size }

// IsRehashing reports whether an incremental rehash is in progress.
func (d *Dict) IsRehashing() bool { return d.rehashidx != -1 }

// DisableResize administratively pauses automatic grows and shrinks. Used
// while a snapshot is in progress to preserve copy-on-write efficiency: a
// rehash touches every entry and would dirty most pages. A table far over
// the forced ratio still grows.
func (d *Dict) DisableResize() { d.canResize = false }

// EnableResize re-enables automatic resizing.
func (d *Dict) EnableResize() { d.canResize = true }

// ResizeEnabled reports whether automatic resizing is currently allowed.
func (d *Dict) ResizeEnabled() bool { return d.canResize }

// nextPower returns the smallest power of two >= size.
func nextPower(size uint64) uint64 {
	if size >= math.MaxUint64/2 {
		return math.MaxUint64/2 + 1
	}
	i := uint64(initialSize)
	for i < size {
		i *= 2
	}
	return i
}

// expandIfNeeded grows the table when the load factor policy demands it.
func (d *Dict) expandIfNeeded() {
	if d.IsRehashing() {
		return
	}

	// First insert: allocate the initial bucket array.
	if d.ht[0].size == 0 {
		d.expand(d.minSize)
		return
	}

	// Grow at 1:1 fill when resizing is allowed, and unconditionally once the
	// chains are forceResizeRatio deep on average. A live safe iterator pins
	// the table layout, so growth waits for it to be released.
	if d.ht[0].used >= d.ht[0].size &&
		(d.canResize || d.ht[0].used/d.ht[0].size > forceResizeRatio) &&
		d.iterators == 0 {
		d.expand(d.ht[0].used * 2)
	}
}

// expand starts an incremental rehash toward the smallest power of two that
// holds size entries. If ht[0] is still unallocated the new array simply
// becomes ht[0] and no rehash is needed.
func (d *Dict) expand(size uint64) {
	realSize := nextPower(size)
	if realSize == d.ht[0].size {
		return
	}

	var n subTable
	n.size = realSize
	n.sizemask = realSize - 1
	n.table = make([]*Entry, realSize)

	if d.ht[0].table == nil {
		d.ht[0] = n
		return
	}

	d.ht[1] = n
	d.rehashidx = 0
}

// Expand administratively begins a resize toward at least size entries.
// It is refused while a rehash is running, while a safe iterator is live,
// or when size cannot hold the current entries. Unlike ShrinkToFit, an
// explicit Expand is honored even while automatic resizing is paused.
func (d *Dict) Expand(size uint64) error {
	if d.IsRehashing() || d.ht[0].used > size || d.iterators > 0 {
		return ErrResizeRefused
	}
	d.expand(size)
	return nil
}

// ShrinkToFit shrinks the bucket array to the smallest power of two holding
// the current entries, bounded below by the configured minimum size. It is
// the counterpart of automatic growth, used to reclaim bucket memory after
// bulk deletes, and only acts when the table is emptier than minFillPercent.
func (d *Dict) ShrinkToFit() error {
	if !d.canResize || d.IsRehashing() || d.iterators > 0 {
		return ErrResizeRefused
	}
	if d.ht[0].size <= d.minSize {
		return nil
	}
	if d.ht[0].used*100/d.ht[0].size >= minFillPercent {
		return nil
	}
	target := d.ht[0].used
	if target < d.minSize {
		target = d.minSize
	}
	d.expand(target)
	return nil
}

// Rehash performs up to n units of incremental migration, each unit moving
// one non-empty ht[0] bucket into ht[1]. At most n*10 empty buckets are
// visited per call so a sparse table cannot stall the caller. It returns
// true while migration work remains.
func (d *Dict) Rehash(n int) bool {
	emptyVisits := n * 10
	if !d.IsRehashing() {
		return false
	}

	for ; n > 0 && d.ht[0].used != 0; n-- {
		// rehashidx can't overrun: ht[0].used != 0 guarantees a non-empty
		// bucket at or after it.
		for d.ht[0].table[d.rehashidx] == nil {
			d.rehashidx++
			emptyVisits--
			if emptyVisits == 0 {
				return true
			}
		}

		de := d.ht[0].table[d.rehashidx]
		for de != nil {
			next := de.next
			idx := d.typ.Hash(de.key) & d.ht[1].sizemask
			de.next = d.ht[1].table[idx]
			d.ht[1].table[idx] = de
			d.ht[0].used--
			d.ht[1].used++
			de = next
		}
		d.ht[0].table[d.rehashidx] = nil
		d.rehashidx++
	}

	// Migration complete: ht[1] becomes the live table.
	if d.ht[0].used == 0 {
		d.ht[0] = d.ht[1]
		d.ht[1].reset()
		d.rehashidx = -1
		return false
	}
	return true
}

// RehashFor performs incremental rehashing in batches of 100 buckets until
// the wall-clock budget is spent or migration completes. It returns the
// approximate number of buckets visited, counted in whole batches, so the
// final batch may be credited with more work than it did. Used by the server
// cron for background catch-up while the event loop is otherwise idle.
func (d *Dict) RehashFor(budget time.Duration) int {
	start := time.Now()
	rehashes := 0
	for d.Rehash(100) {
		rehashes += 100
		if time.Since(start) >= budget {
			break
		}
	}
	return rehashes
}

// rehashStep moves a single bucket. Skipped while a safe iterator is live (a
// rehash would reshuffle buckets the iterator already visited) and while
// resizing is administratively paused, so a snapshot child's pages stay
// untouched even by an in-flight migration.
func (d *Dict) rehashStep() {
	if d.iterators == 0 && d.canResize {
		d.Rehash(1)
	}
}

// keyIndex returns the bucket index where key should be inserted, or -1 and
// the existing entry if the key is already present. While rehashing, new keys
// always target ht[1].
func (d *Dict) keyIndex(key []byte, hash uint64) (int64, *Entry, int) {
	var idx uint64
	table := 0
	for t := 0; t <= 1; t++ {
		idx = hash & d.ht[t].sizemask
		for he := d.ht[t].table[idx]; he != nil; he = he.next {
			if d.typ.KeyEqual(he.key, key) {
				return -1, he, t
			}
		}
		table = t
		if !d.IsRehashing() {
			break
		}
	}
	return int64(idx), nil, table
}

// Add inserts a new key/value association. It returns ErrKeyExists if the
// key is already present; use Replace for insert-or-overwrite semantics.
func (d *Dict) Add(key []byte, val Value) error {
	entry, _ := d.addRaw(key)
	if entry == nil {
		return ErrKeyExists
	}
	entry.val = val
	return nil
}

// addRaw performs the insert half of Add and Replace: it links a new entry
// for key at the head of its bucket chain and returns it, or returns the
// existing entry when the key is already present. The caller fills the value
// slot. One rehash step is performed first, so ongoing migrations advance on
// every insert.
func (d *Dict) addRaw(key []byte) (entry, existing *Entry) {
	if d.IsRehashing() {
		d.rehashStep()
	}
	d.expandIfNeeded()

	hash := d.typ.Hash(key)
	idx, he, table := d.keyIndex(key, hash)
	if idx == -1 {
		return nil, he
	}

	// Insert at the chain head: recently added entries are the most likely
	// to be accessed again soon.
	ht := &d.ht[table]
	entry = &Entry{key: d.typ.CopyKey(key)}
	entry.next = ht.table[idx]
	ht.table[idx] = entry
	ht.used++
	return entry, nil
}

// Replace inserts key/val, overwriting the value if the key already exists.
// The old value is released through the behavior set. It reports true when a
// new entry was inserted and false when an existing one was replaced.
func (d *Dict) Replace(key []byte, val Value) bool {
	entry, existing := d.addRaw(key)
	if entry != nil {
		entry.val = val
		return true
	}
	// Free the old value after installing the new one, in case both are the
	// same underlying object with a reference count.
	old := existing.val
	existing.val = val
	d.typ.FreeValue(old)
	return false
}

// Find returns the entry for key, or nil if absent. While rehashing both
// sub-tables are probed, ht[0] first.
func (d *Dict) Find(key []byte) *Entry {
	if d.Len() == 0 {
		return nil
	}
	if d.IsRehashing() {
		d.rehashStep()
	}
	hash := d.typ.Hash(key)
	for t := 0; t <= 1; t++ {
		idx := hash & d.ht[t].sizemask
		for he := d.ht[t].table[idx]; he != nil; he = he.next {
			if d.typ.KeyEqual(he.key, key) {
				return he
			}
		}
		if !d.IsRehashing() {
			break
		}
	}
	return nil
}

// FetchValue returns the value stored for key.
func (d *Dict) FetchValue(key []byte) (Value, bool) {
	he := d.Find(key)
	if he == nil {
		return Value{}, false
	}
	return he.val, true
}

// unlink removes the entry for key from whichever sub-table holds it. When
// free is true the entry is destroyed through the behavior set; otherwise the
// still-owned entry is returned to the caller for deferred destruction.
func (d *Dict) unlink(key []byte, free bool) (*Entry, error) {
	if d.Len() == 0 {
		return nil, ErrKeyNotFound
	}
	if d.IsRehashing() {
		d.rehashStep()
	}
	hash := d.typ.Hash(key)
	for t := 0; t <= 1; t++ {
		idx := hash & d.ht[t].sizemask
		var prev *Entry
		for he := d.ht[t].table[idx]; he != nil; he = he.next {
			if d.typ.KeyEqual(he.key, key) {
				if prev != nil {
					prev.next = he.next
				} else {
					d.ht[t].table[idx] = he.next
				}
				he.next = nil
				d.ht[t].used--
				if free {
					d.freeEntry(he)
					return nil, nil
				}
				return he, nil
			}
			prev = he
		}
		if !d.IsRehashing() {
			break
		}
	}
	return nil, ErrKeyNotFound
}

// Delete removes key and destroys its entry. It returns ErrKeyNotFound if
// the key is absent.
func (d *Dict) Delete(key []byte) error {
	_, err := d.unlink(key, true)
	return err
}

// Unlink removes key from the table but returns the still-owned entry
// instead of destroying it, so the caller can hand it to the background
// deletion worker. Release it with FreeUnlinkedEntry.
func (d *Dict) Unlink(key []byte) (*Entry, error) {
	return d.unlink(key, false)
}

// FreeUnlinkedEntry destroys an entry previously returned by Unlink. Safe to
// call with nil.
func (d *Dict) FreeUnlinkedEntry(e *Entry) {
	if e == nil {
		return
	}
	d.freeEntry(e)
}

func (d *Dict) freeEntry(e *Entry) {
	d.typ.FreeKey(e.key)
	d.typ.FreeValue(e.val)
	e.key = nil
	e.next = nil
}

// Empty removes every entry from the table and resets it to its created
// state. progress, if non-nil, is invoked every 65536 buckets so very large
// tables can report teardown progress.
func (d *Dict) Empty(progress func(buckets uint64)) {
	for t := 0; t <= 1; t++ {
		for i := uint64(0); i < d.ht[t].size && d.ht[t].used > 0; i++ {
			if progress != nil && i&0xFFFF == 0 {
				progress(i)
			}
			he := d.ht[t].table[i]
			for he != nil {
				next := he.next
				d.freeEntry(he)
				d.ht[t].used--
				he = next
			}
		}
		d.ht[t].reset()
	}
	d.rehashidx = -1
	d.iterators = 0
}

// RandomEntry returns a uniformly-ish random entry, or nil if the table is
// empty. It probes random buckets until a non-empty one is found, then picks
// a random element of that chain. Entries on short chains are slightly
// favored; the eviction engine's sampling quality assumes exactly this
// approximation, so it is deliberate.
func (d *Dict) RandomEntry() *Entry {
	if d.Len() == 0 {
		return nil
	}
	if d.IsRehashing() {
		d.rehashStep()
	}

	var he *Entry
	if d.IsRehashing() {
		for he == nil {
			// Buckets of ht[0] below rehashidx are guaranteed empty, so draw
			// from the remaining ht[0] range plus all of ht[1].
			span := d.ht[0].size + d.ht[1].size - uint64(d.rehashidx)
			random := uint64(d.rehashidx) + d.rng.Uint64()%span
			if random >= d.ht[0].size {
				he = d.ht[1].table[random-d.ht[0].size]
			} else {
				he = d.ht[0].table[random]
			}
		}
	} else {
		for he == nil {
			he = d.ht[0].table[d.rng.Uint64()&d.ht[0].sizemask]
		}
	}

	listLen := 0
	for cur := he; cur != nil; cur = cur.next {
		listLen++
	}
	for skip := d.rng.Intn(listLen); skip > 0; skip-- {
		he = he.next
	}
	return he
}

// SomeEntries samples up to count entries, approximating uniform randomness
// across the keyspace in O(count) amortized time. It walks consecutive
// buckets starting at a random index, taking every chain element it finds,
// and gives up after count*10 bucket visits, so it may return fewer entries
// than requested. The result may contain duplicates across calls; callers
// that need exact distribution should iterate instead. This is the sampling
// primitive behind eviction-pool population.
func (d *Dict) SomeEntries(count int) []*Entry {
	if count <= 0 {
		return nil
	}
	if n := d.Len(); uint64(count) > n {
		count = int(n)
	}
	if count == 0 {
		return nil
	}

	// Run one rehash step per requested sample, as insert and find do.
	for i := 0; i < count; i++ {
		if !d.IsRehashing() {
			break
		}
		d.rehashStep()
	}

	tables := 1
	if d.IsRehashing() {
		tables = 2
	}
	maxSizemask := d.ht[0].sizemask
	if tables > 1 && d.ht[1].sizemask > maxSizemask {
		maxSizemask = d.ht[1].sizemask
	}

	i := d.rng.Uint64() & maxSizemask
	var entries []*Entry
	emptyLen := 0
	maxSteps := count * 10
	for len(entries) < count && maxSteps > 0 {
		maxSteps--
		for t := 0; t < tables; t++ {
			// While rehashing, ht[0] indexes below rehashidx hold no entries.
			if tables == 2 && t == 0 && i < uint64(d.rehashidx) {
				if i >= d.ht[1].size {
					i = uint64(d.rehashidx)
				} else {
					continue
				}
			}
			if i >= d.ht[t].size {
				continue
			}
			he := d.ht[t].table[i]

			// Five consecutive empty buckets suggest this region of the
			// table is sparse; jump somewhere else.
			if he == nil {
				emptyLen++
				if emptyLen >= 5 && emptyLen > count {
					i = d.rng.Uint64() & maxSizemask
					emptyLen = 0
				}
			} else {
				emptyLen = 0
				for he != nil && len(entries) < count {
					entries = append(entries, he)
					he = he.next
				}
			}
		}
		i = (i + 1) & maxSizemask
	}
	return entries
}

// Stats returns diagnostic information about the table's shape. Chain
// statistics require a full bucket walk, so this is for observability, not
// hot paths.
func (d *Dict) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"size":      d.Slots(),
		"used":      d.Len(),
		"rehashing": d.IsRehashing(),
	}
	for t := 0; t <= 1; t++ {
		var maxChain, nonEmpty uint64
		for i := uint64(0); i < d.ht[t].size; i++ {
			var chainLen uint64
			for he := d.ht[t].table[i]; he != nil; he = he.next {
				chainLen++
			}
			if chainLen > 0 {
				nonEmpty++
			}
			if chainLen > maxChain {
				maxChain = chainLen
			}
		}
		prefix := fmt.Sprintf("table_%d_", t)
		stats[prefix+"size"] = d.ht[t].size
		stats[prefix+"used"] = d.ht[t].used
		stats[prefix+"max_chain"] = maxChain
		stats[prefix+"non_empty_buckets"] = nonEmpty
	}
	return stats
}
