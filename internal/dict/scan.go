package dict

import "math/bits"

// Scan incrementally visits the dictionary. It is meant for lazy, resumable
// traversal while mutation may happen between calls: start with cursor 0,
// pass each returned cursor back in, and stop when 0 comes back.
//
// Guarantees: every key present from the start to the end of a full scan is
// visited exactly once. Keys added or removed mid-scan may or may not be
// seen, and a key that moves during a rehash may be returned twice; callers
// must tolerate duplicates.
//
// The cursor walks bucket indices in reverse-binary-increment order: the
// masked index has its bits reversed, is incremented, and reversed back.
// Growing the table then only appends high bits, so buckets already visited
// at the smaller size never need revisiting, and while a rehash is running
// both sub-tables' overlapping bucket ranges are emitted together before the
// cursor advances.
func (d *Dict) Scan(cursor uint64, fn func(*Entry)) uint64 {
	if d.Len() == 0 {
		return 0
	}

	if !d.IsRehashing() {
		m0 := d.ht[0].sizemask
		for he := d.ht[0].table[cursor&m0]; he != nil; he = he.next {
			fn(he)
		}

		// Set the unmasked bits so the reverse increment carries out of the
		// index bits.
		cursor |= ^m0
		cursor = bits.Reverse64(cursor)
		cursor++
		cursor = bits.Reverse64(cursor)
		return cursor
	}

	t0, t1 := &d.ht[0], &d.ht[1]
	if t0.size > t1.size {
		t0, t1 = t1, t0
	}
	m0, m1 := t0.sizemask, t1.sizemask

	for he := t0.table[cursor&m0]; he != nil; he = he.next {
		fn(he)
	}

	// Visit every bucket of the larger table that expands the current bucket
	// of the smaller one, then increment the high bits of the cursor.
	for {
		for he := t1.table[cursor&m1]; he != nil; he = he.next {
			fn(he)
		}

		cursor |= ^m1
		cursor = bits.Reverse64(cursor)
		cursor++
		cursor = bits.Reverse64(cursor)

		if cursor&(m0^m1) == 0 {
			break
		}
	}
	return cursor
}
