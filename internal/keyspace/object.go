// Package keyspace implements the logical databases of memkeys: per-database
// key and expiration dictionaries built on internal/dict, the value objects
// they store, and the reduced-precision clocks used to score recency (LRU)
// and access frequency (LFU) from 24 bits of per-object metadata.
package keyspace

import "sync/atomic"

const (
	// MetaBits is the width of the per-object metadata word shared by the
	// LRU timestamp and the packed LFU fields.
	MetaBits = 24
	// MetaMax is the largest value the metadata word can hold; the LRU clock
	// wraps around it.
	MetaMax = (1 << MetaBits) - 1

	// LFUInitVal is the counter floor for new objects. Starting above zero
	// lets a new key collect some accesses before it looks like the least
	// frequently used thing in the database.
	LFUInitVal = 5

	// objectOverhead approximates the fixed per-object cost (header plus
	// entry linkage) charged to the memory meter alongside the payload.
	objectOverhead = 64
)

// Object is an owned value in the keyspace: an opaque payload plus the
// 24-bit scoring metadata word. Under LRU policies the word holds a
// reduced-precision access timestamp; under LFU it packs a 16-bit
// last-decrement time (minutes) and an 8-bit logarithmic counter.
type Object struct {
	payload []byte
	meta    atomic.Uint32
}

// NewObject creates an object owning payload, with the metadata word
// initialized for the given scoring mode.
func NewObject(payload []byte, meta uint32) *Object {
	o := &Object{payload: payload}
	o.meta.Store(meta & MetaMax)
	return o
}

// Payload returns the object's value bytes.
func (o *Object) Payload() []byte { return o.payload }

// Meta returns the raw 24-bit metadata word.
func (o *Object) Meta() uint32 { return o.meta.Load() }

// SetMeta overwrites the raw metadata word.
func (o *Object) SetMeta(meta uint32) { o.meta.Store(meta & MetaMax) }

// LRU returns the stored reduced-precision access clock.
func (o *Object) LRU() uint32 { return o.Meta() }

// SetLRU stores the access clock.
func (o *Object) SetLRU(clock uint32) { o.SetMeta(clock) }

// LFUDecrTime returns the 16-bit last-decrement time in minutes.
func (o *Object) LFUDecrTime() uint16 { return uint16(o.Meta() >> 8) }

// LFUCounter returns the 8-bit logarithmic access counter.
func (o *Object) LFUCounter() uint8 { return uint8(o.Meta() & 255) }

// SetLFU stores both packed LFU fields.
func (o *Object) SetLFU(decrTime uint16, counter uint8) {
	o.SetMeta(uint32(decrTime)<<8 | uint32(counter))
}

// Footprint estimates the bytes this object charges against the memory
// budget: payload plus a fixed header cost.
func (o *Object) Footprint() uint64 {
	return uint64(len(o.payload)) + objectOverhead
}
