package keyspace

import (
	"math/rand"
	"time"
)

// The LFU counter is an 8-bit logarithmic approximation of access frequency.
// Increments become less likely as the counter grows, so the counter relates
// logarithmically to the true access count and saturates at 255. The
// companion 16-bit field holds the last time the counter was decayed, in
// minutes, wrapping at 16 bits.

// LFUTimeInMinutes returns the current time in minutes, reduced to 16 bits,
// suitable for storage as an object's last-decrement time.
func LFUTimeInMinutes() uint16 {
	return uint16((time.Now().Unix() / 60) & 0xFFFF)
}

// lfuTimeElapsed returns the whole minutes elapsed since decrTime, treating
// the 16-bit minute clock as wrapping exactly once.
func lfuTimeElapsed(decrTime uint16) uint64 {
	now := LFUTimeInMinutes()
	if now >= decrTime {
		return uint64(now - decrTime)
	}
	return uint64(0xFFFF-decrTime) + uint64(now)
}

// LFULogIncr probabilistically increments a logarithmic counter. The chance
// of an increment is 1/((counter-floor)*logFactor+1), so a counter at the
// floor is almost always incremented while a counter near saturation almost
// never is.
func LFULogIncr(counter uint8, logFactor float64, rng *rand.Rand) uint8 {
	if counter == 255 {
		return 255
	}
	baseval := float64(counter) - LFUInitVal
	if baseval < 0 {
		baseval = 0
	}
	p := 1.0 / (baseval*logFactor + 1.0)
	if rng.Float64() < p {
		counter++
	}
	return counter
}

// LFUDecrAndReturn returns the object's counter after lazy decay: elapsed
// whole decay periods since the stored last-decrement time are subtracted,
// floored at zero. The object itself is not modified, since only a real access
// updates the stored fields; scanning candidates for eviction never
// perturbs their state.
func LFUDecrAndReturn(o *Object, decayMinutes int) uint8 {
	counter := o.LFUCounter()
	if decayMinutes <= 0 {
		return counter
	}
	periods := lfuTimeElapsed(o.LFUDecrTime()) / uint64(decayMinutes)
	if periods == 0 {
		return counter
	}
	if periods >= uint64(counter) {
		return 0
	}
	return counter - uint8(periods)
}
