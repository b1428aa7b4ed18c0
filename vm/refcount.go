package vm

import "fmt"

// Reference counting. The count is the number of owning slots holding the
// object: operand stack slots, locals, fields, array elements, statics and
// external roots. Objects are born with one count that belongs to whoever
// allocated them. Reaching zero destroys the object synchronously.
//
// Cycles are never reclaimed.

// Retain adds an owner.
func (o *Object) Retain() {
	if o.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("vm: retain of destroyed object %s", o))
	}
}

// Release drops an owner and destroys the object when none remain.
func (o *Object) Release() {
	switch n := o.refs.Add(-1); {
	case n == 0:
		o.heap.destroy(o)
	case n < 0:
		panic(fmt.Sprintf("vm: refcount underflow on %s", o))
	}
}

// RefCount returns the current count. Only meaningful when no other thread
// is mutating the object's owners.
func (o *Object) RefCount() int64 { return o.refs.Load() }
