package vm

import (
	"fmt"
	"math"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull   Kind = iota // null reference (zero Value)
	KindInt                // 32-bit integer; also boolean, byte, char and short
	KindLong               // 64-bit integer, wide
	KindFloat              // 32-bit IEEE 754
	KindDouble             // 64-bit IEEE 754, wide
	KindRef                // reference to a heap object
	KindTop                // second slot of a wide value
)

var kindNames = [...]string{
	KindNull:   "null",
	KindInt:    "int",
	KindLong:   "long",
	KindFloat:  "float",
	KindDouble: "double",
	KindRef:    "ref",
	KindTop:    "top",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Value is one logical guest value as it appears on an operand stack, in a
// locals slot, or crossing a call boundary.
//
// Numeric payloads live in bits; references carry the object pointer. The
// zero Value is Null. Long and Double are wide: they occupy two slots, the
// second of which holds Top.
type Value struct {
	kind Kind
	bits uint64
	ref  *Object
}

// Null is the null reference.
var Null = Value{}

// Top fills the second slot of a wide value. It is never read on its own.
var Top = Value{kind: KindTop}

// Int returns a 32-bit integer value.
func Int(v int32) Value { return Value{kind: KindInt, bits: uint64(uint32(v))} }

// Bool returns the integer encoding of a boolean.
func Bool(b bool) Value {
	if b {
		return Int(1)
	}
	return Int(0)
}

// Long returns a 64-bit integer value.
func Long(v int64) Value { return Value{kind: KindLong, bits: uint64(v)} }

// Float returns a 32-bit floating point value.
func Float(v float32) Value { return Value{kind: KindFloat, bits: uint64(math.Float32bits(v))} }

// Double returns a 64-bit floating point value.
func Double(v float64) Value { return Value{kind: KindDouble, bits: math.Float64bits(v)} }

// Ref wraps a heap object. A nil object yields Null.
func Ref(o *Object) Value {
	if o == nil {
		return Null
	}
	return Value{kind: KindRef, ref: o}
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsWide reports whether the value occupies two slots.
func (v Value) IsWide() bool { return v.kind == KindLong || v.kind == KindDouble }

// Slots returns the number of stack or locals slots the value occupies.
func (v Value) Slots() int {
	if v.IsWide() {
		return 2
	}
	return 1
}

// IsNull reports whether v is the null reference.
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsReference reports whether v is a reference, null included.
func (v Value) IsReference() bool { return v.kind == KindRef || v.kind == KindNull }

func (v Value) AsInt() int32       { return int32(uint32(v.bits)) }
func (v Value) AsLong() int64      { return int64(v.bits) }
func (v Value) AsFloat() float32   { return math.Float32frombits(uint32(v.bits)) }
func (v Value) AsDouble() float64  { return math.Float64frombits(v.bits) }
func (v Value) AsBool() bool       { return uint32(v.bits) != 0 }
func (v Value) AsObject() *Object  { return v.ref }
func (v Value) Bits() uint64       { return v.bits }

// Equal compares variant and payload bit for bit; references compare by
// identity.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.bits == o.bits && v.ref == o.ref
}

// retain adds an owner to a referenced object. Non-references are ignored.
func (v Value) retain() {
	if v.ref != nil {
		v.ref.Retain()
	}
}

// release drops an owner from a referenced object. Non-references are ignored.
func (v Value) release() {
	if v.ref != nil {
		v.ref.Release()
	}
}

// Release drops the count an owned reference carries, such as the result
// of Invoke.
func (v Value) Release() { v.release() }

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindInt:
		return fmt.Sprintf("%d", v.AsInt())
	case KindLong:
		return fmt.Sprintf("%dL", v.AsLong())
	case KindFloat:
		return fmt.Sprintf("%gF", v.AsFloat())
	case KindDouble:
		return fmt.Sprintf("%gD", v.AsDouble())
	case KindRef:
		return v.ref.String()
	case KindTop:
		return "<top>"
	}
	return "<invalid>"
}
