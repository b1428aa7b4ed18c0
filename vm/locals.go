package vm

import "fmt"

// Locals is a method activation's register file. Like stack slots, each
// locals slot holding a reference owns one count on it.
type Locals struct {
	slots []Value
}

// NewLocals creates a register file of n slots, all Null.
func NewLocals(n int) *Locals {
	return &Locals{slots: make([]Value, n)}
}

// Len returns the number of slots.
func (l *Locals) Len() int { return len(l.slots) }

// Load returns the value at i without transferring ownership.
func (l *Locals) Load(i int) Value { return l.slots[i] }

func (l *Locals) LoadInt(i int) int32     { return l.slots[i].AsInt() }
func (l *Locals) LoadLong(i int) int64    { return l.slots[i].AsLong() }
func (l *Locals) LoadFloat(i int) float32 { return l.slots[i].AsFloat() }
func (l *Locals) LoadDouble(i int) float64 {
	return l.slots[i].AsDouble()
}
func (l *Locals) LoadRef(i int) *Object { return l.slots[i].ref }

// Store writes v at i, taking a new count on a reference.
func (l *Locals) Store(i int, v Value) {
	v.retain()
	l.StoreOwned(i, v)
}

// StoreOwned writes v at i, adopting the caller's count. A wide value also
// claims slot i+1. Whatever the written slots held before is released.
func (l *Locals) StoreOwned(i int, v Value) {
	old := l.slots[i]
	l.slots[i] = v
	if v.IsWide() {
		next := l.slots[i+1]
		l.slots[i+1] = Top
		next.release()
	}
	old.release()
}

// Clear releases every reference and resets all slots to Null.
func (l *Locals) Clear() {
	for i := range l.slots {
		l.slots[i].release()
		l.slots[i] = Value{}
	}
}

// drain hands every slot, with its count, to the caller and leaves the
// register file empty.
func (l *Locals) drain() []Value {
	slots := l.slots
	l.slots = make([]Value, len(slots))
	return slots
}

// Slots returns a copy of the register file.
func (l *Locals) Slots() []Value { return append([]Value(nil), l.slots...) }

func (l *Locals) String() string { return fmt.Sprint(l.slots) }
