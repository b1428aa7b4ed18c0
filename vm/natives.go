package vm

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Native calling convention
// ---------------------------------------------------------------------------

// Result tells the caller of a handler, native or interceptor how control
// continues. For an interceptor, Continue runs the method's own body and
// Abort means the interceptor already produced the result.
type Result uint8

const (
	Continue Result = iota
	Abort
)

func (r Result) String() string {
	if r == Abort {
		return "abort"
	}
	return "continue"
}

// NativeFunc implements a method body in Go. Locals arrive populated with
// the receiver and arguments exactly as an interpreted body would see them.
type NativeFunc func(ctx *NativeContext) (Result, error)

// NativeContext is what a native body sees.
type NativeContext struct {
	Thread *Thread
	Method *Method
	Locals *Locals

	result Value
}

// VM returns the engine running the call.
func (c *NativeContext) VM() *VM { return c.Thread.vm }

// This returns the receiver of an instance method.
func (c *NativeContext) This() *Object { return c.Locals.LoadRef(0) }

// Arg returns logical parameter i, excluding the receiver. References are
// borrowed from the locals.
func (c *NativeContext) Arg(i int) Value {
	slot := 0
	if !c.Method.IsStatic() {
		slot = 1
	}
	for _, p := range c.Method.typ.Params[:i] {
		slot += typeSlots(p)
	}
	return c.Locals.Load(slot)
}

// SetResult sets the return value, taking a new count on a reference.
func (c *NativeContext) SetResult(v Value) {
	v.retain()
	c.SetResultOwned(v)
}

// SetResultOwned sets the return value, adopting the caller's count.
func (c *NativeContext) SetResultOwned(v Value) {
	c.result.release()
	c.result = v
}

// NewNativeMethod declares a method whose body is fn.
func NewNativeMethod(name, desc string, flags AccessFlags, fn NativeFunc) *Method {
	return &Method{Name: name, Desc: desc, Flags: flags | AccNative, Native: fn}
}

// BindNatives attaches Go bodies to declared methods of c by "name+desc".
// Unknown keys are an error.
func (c *Class) BindNatives(natives map[string]NativeFunc) error {
	for key, fn := range natives {
		var found *Method
		for _, m := range c.Methods {
			if m.Name+m.Desc == key {
				found = m
				break
			}
		}
		if found == nil {
			return fmt.Errorf("%s has no method %s", c.Name, key)
		}
		found.Native = fn
		found.Flags |= AccNative
	}
	return nil
}

// SetInvoker installs an interceptor that runs before m's body on every
// call. Passing nil removes it.
func (vm *VM) SetInvoker(m *Method, fn NativeFunc) {
	if fn == nil {
		m.invoker.Store(nil)
		return
	}
	m.invoker.Store(&fn)
}

// ---------------------------------------------------------------------------
// Built-in natives
// ---------------------------------------------------------------------------

func objectMethods() []*Method {
	return []*Method{
		NewNativeMethod("<init>", "()V", AccPublic, func(*NativeContext) (Result, error) {
			return Abort, nil
		}),
		NewNativeMethod("hashCode", "()I", AccPublic, func(c *NativeContext) (Result, error) {
			c.SetResult(Int(c.This().HashCode()))
			return Abort, nil
		}),
		NewNativeMethod("equals", "(Ljava/lang/Object;)Z", AccPublic, func(c *NativeContext) (Result, error) {
			c.SetResult(Bool(c.This() == c.Arg(0).ref))
			return Abort, nil
		}),
		NewNativeMethod("getClass", "()Ljava/lang/Class;", AccPublic|AccFinal, func(c *NativeContext) (Result, error) {
			m, err := c.This().class.Mirror()
			if err != nil {
				return Abort, c.VM().faultFromError(err)
			}
			c.SetResult(Ref(m))
			return Abort, nil
		}),
		NewNativeMethod("toString", "()Ljava/lang/String;", AccPublic, func(c *NativeContext) (Result, error) {
			o := c.This()
			s, err := c.VM().NewString(fmt.Sprintf("%s@%x", o.class.Name, o.HashCode()))
			if err != nil {
				return Abort, c.VM().faultFromError(err)
			}
			c.SetResultOwned(Ref(s))
			return Abort, nil
		}),
		NewNativeMethod("clone", "()Ljava/lang/Object;", AccProtected, nativeClone),
		NewNativeMethod("wait", "()V", AccPublic|AccFinal, func(c *NativeContext) (Result, error) {
			return Abort, c.Thread.waitOn(c.This(), 0)
		}),
		NewNativeMethod("wait", "(J)V", AccPublic|AccFinal, func(c *NativeContext) (Result, error) {
			ms := c.Arg(0).AsLong()
			if ms < 0 {
				return Abort, c.VM().newThrowable("java/lang/IllegalArgumentException", "timeout value is negative")
			}
			return Abort, c.Thread.waitOn(c.This(), time.Duration(ms)*time.Millisecond)
		}),
		NewNativeMethod("notify", "()V", AccPublic|AccFinal, func(c *NativeContext) (Result, error) {
			return Abort, c.VM().faultFromError(c.This().Monitor().Notify())
		}),
		NewNativeMethod("notifyAll", "()V", AccPublic|AccFinal, func(c *NativeContext) (Result, error) {
			return Abort, c.VM().faultFromError(c.This().Monitor().NotifyAll())
		}),
	}
}

func nativeClone(c *NativeContext) (Result, error) {
	vm := c.VM()
	o := c.This()
	if !o.IsArray() && !o.class.Implements(vm.Symbols.Cloneable) {
		return Abort, vm.newThrowable("java/lang/CloneNotSupportedException", o.class.Name)
	}
	dup, err := vm.Heap.Clone(o)
	if err != nil {
		return Abort, vm.faultFromError(err)
	}
	c.SetResultOwned(Ref(dup))
	return Abort, nil
}

// waitOn implements Object.wait for the calling thread.
func (t *Thread) waitOn(o *Object, timeout time.Duration) error {
	m := o.Monitor()
	if !m.HeldByCurrentThread() {
		return t.vm.newFault(FaultMonitorState, ErrIllegalMonitorState.Error())
	}
	if t.Interrupted() {
		return t.vm.newFault(FaultInterrupted, "interrupted before wait")
	}
	err := m.Wait(timeout, t.interruptCh)
	if err == ErrInterrupted {
		t.interrupted.Store(false)
		if t.cancelled.Load() {
			return ErrThreadCancelled
		}
	}
	return t.vm.faultFromError(err)
}

func throwableMethods() []*Method {
	return []*Method{
		NewNativeMethod("<init>", "()V", AccPublic, func(*NativeContext) (Result, error) {
			return Abort, nil
		}),
		NewNativeMethod("<init>", "(Ljava/lang/String;)V", AccPublic, func(c *NativeContext) (Result, error) {
			c.This().SetField(c.VM().Symbols.detailMessage, c.Arg(0))
			return Abort, nil
		}),
		NewNativeMethod("getMessage", "()Ljava/lang/String;", AccPublic, func(c *NativeContext) (Result, error) {
			c.SetResult(c.This().GetField(c.VM().Symbols.detailMessage))
			return Abort, nil
		}),
	}
}

func stringMethods() []*Method {
	return []*Method{
		NewNativeMethod("<init>", "(Ljava/lang/String;)V", AccPublic, func(c *NativeContext) (Result, error) {
			vm := c.VM()
			src := c.Arg(0).ref
			if src == nil {
				return Abort, vm.newFault(FaultNullReference, "String(String) with null argument")
			}
			c.This().SetField(vm.Symbols.stringValue, src.GetField(vm.Symbols.stringValue))
			return Abort, nil
		}),
		NewNativeMethod("length", "()I", AccPublic, func(c *NativeContext) (Result, error) {
			arr := c.This().GetField(c.VM().Symbols.stringValue).ref
			n := 0
			if arr != nil {
				n = arr.length
			}
			c.SetResult(Int(int32(n)))
			return Abort, nil
		}),
		NewNativeMethod("hashCode", "()I", AccPublic, func(c *NativeContext) (Result, error) {
			arr := c.This().GetField(c.VM().Symbols.stringValue).ref
			var h int32
			for i := 0; arr != nil && i < arr.length; i++ {
				h = 31*h + int32(arr.mem.Read16(ArrayBaseOffset+2*i))
			}
			c.SetResult(Int(h))
			return Abort, nil
		}),
		NewNativeMethod("equals", "(Ljava/lang/Object;)Z", AccPublic, func(c *NativeContext) (Result, error) {
			vm := c.VM()
			other := c.Arg(0).ref
			eq := other != nil && other.class == vm.Symbols.String &&
				vm.GoString(c.This()) == vm.GoString(other)
			c.SetResult(Bool(eq))
			return Abort, nil
		}),
		NewNativeMethod("intern", "()Ljava/lang/String;", AccPublic, func(c *NativeContext) (Result, error) {
			vm := c.VM()
			s, err := vm.Intern(vm.GoString(c.This()))
			if err != nil {
				return Abort, vm.faultFromError(err)
			}
			c.SetResult(Ref(s))
			return Abort, nil
		}),
		NewNativeMethod("toString", "()Ljava/lang/String;", AccPublic, func(c *NativeContext) (Result, error) {
			c.SetResult(Ref(c.This()))
			return Abort, nil
		}),
	}
}
