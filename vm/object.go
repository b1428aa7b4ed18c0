package vm

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Object header layout. Every region starts with the class identity and the
// identity hash; arrays add their length. Payload offsets are fixed per
// shape so a clone can copy everything after the header verbatim.
const (
	headerClassOffset  = 0
	headerHashOffset   = 4
	arrayLengthOffset  = 8
	InstanceBaseOffset = 8
	ArrayBaseOffset    = 16
)

// Object is a heap-resident guest object: an instance or an array. Its
// identity is Address. The refcount and monitor live outside the byte
// region; everything guest-visible lives inside it.
type Object struct {
	class  *Class
	heap   *Heap
	addr   uint64
	mem    *Memory
	length int // element count for arrays, -1 for instances

	refs    atomic.Int64
	monitor atomic.Pointer[Monitor]

	mirrorOf *Class
}

func (o *Object) Class() *Class   { return o.class }
func (o *Object) Address() uint64 { return o.addr }
func (o *Object) Memory() *Memory { return o.mem }
func (o *Object) IsArray() bool   { return o.length >= 0 }

// Length returns the element count of an array, or -1 for an instance.
func (o *Object) Length() int { return o.length }

// BaseOffset returns where the payload starts.
func (o *Object) BaseOffset() int {
	if o.IsArray() {
		return ArrayBaseOffset
	}
	return InstanceBaseOffset
}

// HashCode returns the identity hash stored in the header.
func (o *Object) HashCode() int32 { return int32(o.mem.Read32(headerHashOffset)) }

// Monitor returns the object's monitor, creating it on first use.
func (o *Object) Monitor() *Monitor {
	if m := o.monitor.Load(); m != nil {
		return m
	}
	o.monitor.CompareAndSwap(nil, newMonitor())
	return o.monitor.Load()
}

func (o *Object) String() string {
	if o.IsArray() {
		return fmt.Sprintf("%s[%d]@%x", o.class.Name, o.length, o.addr)
	}
	return fmt.Sprintf("%s@%x", o.class.Name, o.addr)
}

// ---------------------------------------------------------------------------
// Fields and elements
// ---------------------------------------------------------------------------

// GetField reads an instance field.
func (o *Object) GetField(f *Field) Value {
	return loadTyped(o.heap, o.mem, f.Offset, f.typ, f.IsVolatile())
}

// SetField stores into an instance field, retaining a stored reference and
// releasing the one it replaces.
func (o *Object) SetField(f *Field, v Value) {
	storeOwned(o.heap, o.mem, f.Offset, f.typ, v, f.IsVolatile())
}

// elementOffset returns the byte offset of element i. No bounds check.
func (o *Object) elementOffset(i int) int {
	return ArrayBaseOffset + i*typeSize(o.class.ElemType)
}

// Element reads array element i. The caller checks bounds.
func (o *Object) Element(i int) Value {
	return loadTyped(o.heap, o.mem, o.elementOffset(i), o.class.ElemType, false)
}

// SetElement stores array element i with the same ownership rules as
// SetField. The caller checks bounds and store compatibility.
func (o *Object) SetElement(i int, v Value) {
	storeOwned(o.heap, o.mem, o.elementOffset(i), o.class.ElemType, v, false)
}

// loadTyped reads a value of type t at off. Narrow integer types widen to
// Int with their own sign rules; references are decoded through the heap
// address table.
func loadTyped(h *Heap, m *Memory, off int, t byte, volatile bool) Value {
	switch t {
	case TypeBoolean:
		return Int(int32(read8(m, off, volatile)))
	case TypeByte:
		return Int(int32(int8(read8(m, off, volatile))))
	case TypeChar:
		return Int(int32(read16(m, off, volatile)))
	case TypeShort:
		return Int(int32(int16(read16(m, off, volatile))))
	case TypeInt:
		return Int(int32(read32(m, off, volatile)))
	case TypeFloat:
		return Float(math.Float32frombits(read32(m, off, volatile)))
	case TypeLong:
		return Long(int64(read64(m, off, volatile)))
	case TypeDouble:
		return Double(math.Float64frombits(read64(m, off, volatile)))
	default:
		addr := read64(m, off, volatile)
		if addr == 0 {
			return Null
		}
		return Ref(h.Lookup(addr))
	}
}

// storeRaw writes v at off without touching refcounts.
func storeRaw(m *Memory, off int, t byte, v Value, volatile bool) {
	switch t {
	case TypeBoolean:
		write8(m, off, uint8(v.AsInt()&1), volatile)
	case TypeByte:
		write8(m, off, uint8(v.AsInt()), volatile)
	case TypeChar, TypeShort:
		write16(m, off, uint16(v.AsInt()), volatile)
	case TypeInt, TypeFloat:
		write32(m, off, uint32(v.bits), volatile)
	case TypeLong, TypeDouble:
		write64(m, off, v.bits, volatile)
	default:
		var addr uint64
		if v.ref != nil {
			addr = v.ref.addr
		}
		write64(m, off, addr, volatile)
	}
}

// storeOwned writes v at off. For reference slots the new target is
// retained before the old one is released, so self-assignment is safe.
func storeOwned(h *Heap, m *Memory, off int, t byte, v Value, volatile bool) {
	if t != TypeRef {
		storeRaw(m, off, t, v, volatile)
		return
	}
	old := read64(m, off, volatile)
	v.retain()
	storeRaw(m, off, t, v, volatile)
	if old != 0 {
		if prev := h.Lookup(old); prev != nil {
			prev.Release()
		}
	}
}

func read8(m *Memory, off int, volatile bool) uint8 {
	if volatile {
		return m.Read8Volatile(off)
	}
	return m.Read8(off)
}

func read16(m *Memory, off int, volatile bool) uint16 {
	if volatile {
		return m.Read16Volatile(off)
	}
	return m.Read16(off)
}

func read32(m *Memory, off int, volatile bool) uint32 {
	if volatile {
		return m.Read32Volatile(off)
	}
	return m.Read32(off)
}

func read64(m *Memory, off int, volatile bool) uint64 {
	if volatile {
		return m.Read64Volatile(off)
	}
	return m.Read64(off)
}

func write8(m *Memory, off int, v uint8, volatile bool) {
	if volatile {
		m.Write8Volatile(off, v)
		return
	}
	m.Write8(off, v)
}

func write16(m *Memory, off int, v uint16, volatile bool) {
	if volatile {
		m.Write16Volatile(off, v)
		return
	}
	m.Write16(off, v)
}

func write32(m *Memory, off int, v uint32, volatile bool) {
	if volatile {
		m.Write32Volatile(off, v)
		return
	}
	m.Write32(off, v)
}

func write64(m *Memory, off int, v uint64, volatile bool) {
	if volatile {
		m.Write64Volatile(off, v)
		return
	}
	m.Write64(off, v)
}
