package dict

import "reflect"

// Iterator walks every entry of a dictionary, ht[0] bucket by bucket and then
// ht[1] if a rehash is in progress, so each key is visited exactly once.
//
// A safe iterator registers itself with the dictionary, which pauses rehash
// steps and automatic resizes for its lifetime; the caller may freely call
// Add, Delete and Find on the same dictionary while iterating. An unsafe
// iterator tolerates no mutation at all: it records a fingerprint of the
// table's structural state at creation and re-checks it on every Next and on
// Release, panicking on mismatch. Mutating under an unsafe iterator
// invalidates bucket positions, so the mismatch indicates a caller bug, not
// a recoverable condition.
type Iterator struct {
	d           *Dict
	index       int64
	table       int
	safe        bool
	started     bool
	entry       *Entry
	nextEntry   *Entry
	fingerprint uint64
}

// Iterator returns an unsafe iterator over d.
func (d *Dict) Iterator() *Iterator {
	return &Iterator{d: d, index: -1}
}

// SafeIterator returns a safe iterator over d.
func (d *Dict) SafeIterator() *Iterator {
	return &Iterator{d: d, index: -1, safe: true}
}

// Next returns the next entry, or nil once the iterator is exhausted.
func (it *Iterator) Next() *Entry {
	if !it.started {
		it.started = true
		if it.safe {
			it.d.iterators++
		} else {
			it.fingerprint = it.d.fingerprint()
		}
	} else if !it.safe {
		it.verify()
	}

	for {
		if it.entry == nil {
			it.index++
			ht := &it.d.ht[it.table]
			if it.index >= int64(ht.size) {
				if it.d.IsRehashing() && it.table == 0 {
					it.table = 1
					it.index = 0
					ht = &it.d.ht[1]
				} else {
					return nil
				}
			}
			it.entry = ht.table[it.index]
		} else {
			it.entry = it.nextEntry
		}
		if it.entry != nil {
			// Save the successor now: a safe caller may delete the returned
			// entry before the next call.
			it.nextEntry = it.entry.next
			return it.entry
		}
	}
}

// Release ends the iteration. Safe iterators decrement the dictionary's
// live-iterator count, restoring the ability to resize once it reaches zero;
// unsafe iterators perform a final fingerprint check.
func (it *Iterator) Release() {
	if !it.started {
		return
	}
	if it.safe {
		it.d.iterators--
	} else {
		it.verify()
	}
	it.started = false
	it.entry = nil
	it.nextEntry = nil
}

func (it *Iterator) verify() {
	if it.d.fingerprint() != it.fingerprint {
		panic("dict: unsafe iterator misuse: dictionary modified during iteration")
	}
}

// fingerprint hashes the dictionary's mutable structural fields: sub-table
// array identities, sizes, used counts, and the rehash cursor. Any mutation
// that could invalidate an iterator position changes at least one of them.
func (d *Dict) fingerprint() uint64 {
	integers := [7]uint64{
		tablePointer(d.ht[0].table),
		d.ht[0].size,
		d.ht[0].used,
		tablePointer(d.ht[1].table),
		d.ht[1].size,
		d.ht[1].used,
		uint64(d.rehashidx),
	}

	// Fold the fields together with a strong integer mix (Tomas Wang's
	// 64-bit hash) so a change in any one of them flips the result.
	var hash uint64
	for _, n := range integers {
		hash += n
		hash = (^hash) + (hash << 21)
		hash ^= hash >> 24
		hash = (hash + (hash << 3)) + (hash << 8)
		hash ^= hash >> 14
		hash = (hash + (hash << 2)) + (hash << 4)
		hash ^= hash >> 28
		hash += hash << 31
	}
	return hash
}

func tablePointer(table []*Entry) uint64 {
	if table == nil {
		return 0
	}
	return uint64(reflect.ValueOf(table).Pointer())
}
