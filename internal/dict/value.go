package dict

import (
	"fmt"
	"math"
)

// ValueKind identifies the active variant of a Value slot.
type ValueKind uint8

const (
	// KindObject holds a pointer-sized value (any Go value).
	KindObject ValueKind = iota
	// KindUint64 holds an unsigned 64-bit integer inline.
	KindUint64
	// KindInt64 holds a signed 64-bit integer inline.
	KindInt64
	// KindFloat64 holds a double inline.
	KindFloat64
)

func (k ValueKind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindUint64:
		return "uint64"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	default:
		return "unknown"
	}
}

// Value is the tagged value slot of an entry. Integer and float variants are
// stored inline so roles like the expiration index need no per-value
// allocation; the object variant carries arbitrary values. The active variant
// is fixed at construction.
type Value struct {
	kind ValueKind
	obj  interface{}
	bits uint64
}

// ObjectValue wraps a pointer-sized value.
func ObjectValue(obj interface{}) Value {
	return Value{kind: KindObject, obj: obj}
}

// Uint64Value stores an unsigned integer inline.
func Uint64Value(u uint64) Value {
	return Value{kind: KindUint64, bits: u}
}

// Int64Value stores a signed integer inline.
func Int64Value(i int64) Value {
	return Value{kind: KindInt64, bits: uint64(i)}
}

// Float64Value stores a double inline.
func Float64Value(f float64) Value {
	return Value{kind: KindFloat64, bits: math.Float64bits(f)}
}

// Kind returns the active variant.
func (v Value) Kind() ValueKind { return v.kind }

// Object returns the wrapped value. It panics if the slot holds an inline
// number; mixing up the active variant is a programming error, not a runtime
// condition.
func (v Value) Object() interface{} {
	v.mustBe(KindObject)
	return v.obj
}

// Uint64 returns the inline unsigned integer.
func (v Value) Uint64() uint64 {
	v.mustBe(KindUint64)
	return v.bits
}

// Int64 returns the inline signed integer.
func (v Value) Int64() int64 {
	v.mustBe(KindInt64)
	return int64(v.bits)
}

// Float64 returns the inline double.
func (v Value) Float64() float64 {
	v.mustBe(KindFloat64)
	return math.Float64frombits(v.bits)
}

func (v Value) mustBe(k ValueKind) {
	if v.kind != k {
		panic(fmt.Sprintf("dict: value slot holds %s, not %s", v.kind, k))
	}
}
