// Package evict implements the memory-bound eviction engine: a small
// score-sorted pool of candidate victims refreshed by random sampling of the
// hash tables, and the main loop that frees keys until the process is back
// under its memory budget.
package evict

import "fmt"

// Policy selects how victims are chosen when memory must be freed.
type Policy int

const (
	// NoEviction rejects writes instead of freeing keys.
	NoEviction Policy = iota
	// RandomAny evicts a uniformly random key from the whole keyspace.
	RandomAny
	// RandomVolatile evicts a uniformly random key among those with a TTL.
	RandomVolatile
	// TTLSoonest evicts the sampled key closest to its expiration time.
	TTLSoonest
	// LRUAny evicts approximately least-recently-used keys, whole keyspace.
	LRUAny
	// LRUVolatile is LRUAny restricted to keys with a TTL.
	LRUVolatile
	// LFUAny evicts approximately least-frequently-used keys, whole keyspace.
	LFUAny
	// LFUVolatile is LFUAny restricted to keys with a TTL.
	LFUVolatile
)

var policyNames = map[Policy]string{
	NoEviction:     "no-eviction",
	RandomAny:      "random-any",
	RandomVolatile: "random-volatile",
	TTLSoonest:     "ttl-soonest",
	LRUAny:         "lru-any",
	LRUVolatile:    "lru-volatile",
	LFUAny:         "lfu-any",
	LFUVolatile:    "lfu-volatile",
}

func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy converts a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	for p, name := range policyNames {
		if name == s {
			return p, nil
		}
	}
	return NoEviction, fmt.Errorf("evict: unknown eviction policy %q", s)
}

// usesPool reports whether the policy ranks candidates through the eviction
// pool (as opposed to picking uniformly at random or not evicting at all).
func (p Policy) usesPool() bool {
	switch p {
	case TTLSoonest, LRUAny, LRUVolatile, LFUAny, LFUVolatile:
		return true
	default:
		return false
	}
}

// volatileOnly reports whether the policy may only evict keys carrying a
// TTL, i.e. samples the expiration index rather than the main dictionary.
func (p Policy) volatileOnly() bool {
	switch p {
	case RandomVolatile, TTLSoonest, LRUVolatile, LFUVolatile:
		return true
	default:
		return false
	}
}

// usesLFU reports whether the policy scores by access frequency.
func (p Policy) usesLFU() bool { return p == LFUAny || p == LFUVolatile }

// usesLRU reports whether the policy scores by recency.
func (p Policy) usesLRU() bool { return p == LRUAny || p == LRUVolatile }
