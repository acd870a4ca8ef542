package evict

// PoolSize is the fixed capacity of the eviction pool. The pool accumulates
// the best candidates seen across eviction attempts, which markedly improves
// approximation quality over judging each sample batch in isolation.
const PoolSize = 16

// PoolEntry is one candidate victim: a private copy of the key, its score
// ("idle", where higher means more evictable), and the owning database id. A nil
// key marks an empty slot.
type PoolEntry struct {
	Key  []byte
	Idle uint64
	DBID int
}

// Pool is the fixed-capacity, score-sorted candidate set. Occupied slots are
// kept in ascending score order at all times, packed toward the low end with
// any empty slots above them, so the best victim is the highest occupied slot. The pool
// is explicit state owned by the server context, created once and perpetually
// overwritten.
//
// Entries may refer to keys deleted since they were added ("ghosts"); the
// pool is never purged on deletes elsewhere, staleness is resolved when a
// candidate is consumed.
type Pool struct {
	slots [PoolSize]PoolEntry
}

// NewPool creates an empty eviction pool.
func NewPool() *Pool { return &Pool{} }

// Insert offers a candidate to the pool. Candidates scoring below the
// current minimum are discarded when the pool is full; otherwise entries are
// shifted to keep ascending order, dropping the lowest-scored occupant if
// needed. The key is copied, so the pool keeps no alias into the table. It
// reports whether the candidate was kept.
func (p *Pool) Insert(key []byte, idle uint64, dbid int) bool {
	// Find the first slot with a score >= idle; a linear scan is fine at
	// this size.
	k := 0
	for k < PoolSize && p.slots[k].Key != nil && p.slots[k].Idle < idle {
		k++
	}

	switch {
	case k == 0 && p.slots[PoolSize-1].Key != nil:
		// Worse than everything in a full pool.
		return false
	case k < PoolSize && p.slots[k].Key == nil:
		// Landing on an empty slot, nothing to move.
	case p.slots[PoolSize-1].Key == nil:
		// Free space on the right: shift k..end one step right.
		copy(p.slots[k+1:], p.slots[k:PoolSize-1])
	default:
		// Full on the right: drop the lowest-scored occupant by shifting
		// everything left of k one step left, then insert at k-1.
		k--
		copy(p.slots[:k], p.slots[1:k+1])
	}

	p.slots[k] = PoolEntry{
		Key:  append([]byte(nil), key...),
		Idle: idle,
		DBID: dbid,
	}
	return true
}

// PopBest removes and returns the highest-scored candidate. It reports false
// when the pool is empty. Callers loop: a popped candidate whose key no
// longer exists is a ghost to skip, and popping removes it either way.
func (p *Pool) PopBest() (PoolEntry, bool) {
	for k := PoolSize - 1; k >= 0; k-- {
		if p.slots[k].Key == nil {
			continue
		}
		e := p.slots[k]
		p.slots[k] = PoolEntry{}
		return e, true
	}
	return PoolEntry{}, false
}

// Len returns the number of occupied slots.
func (p *Pool) Len() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].Key != nil {
			n++
		}
	}
	return n
}

// Entries returns a copy of the occupied slots in storage order, for tests
// and observability.
func (p *Pool) Entries() []PoolEntry {
	var out []PoolEntry
	for i := range p.slots {
		if p.slots[i].Key != nil {
			out = append(out, p.slots[i])
		}
	}
	return out
}
