package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Dispatch table
// ---------------------------------------------------------------------------

// opHandler executes one instruction. Handlers that branch set f.next;
// the return family stores the result and answers Abort.
type opHandler func(t *Thread, f *Frame, in *Instruction) (Result, error)

// dispatch maps every executable opcode to its handler.
var dispatch [256]opHandler

func handle(h opHandler, ops ...Opcode) {
	for _, op := range ops {
		dispatch[op] = h
	}
}

func init() {
	registerConstantOps()
	registerLocalOps()
	registerStackOps()
	registerMathOps()
	registerConversionOps()
	registerControlOps()
	registerObjectOps()
	registerInvokeOps()

	for op := 0; op < len(dispatch); op++ {
		if Opcode(op).Executable() && dispatch[op] == nil {
			panic(fmt.Sprintf("vm: no handler for %s", Opcode(op)))
		}
	}
}

// ---------------------------------------------------------------------------
// Main loop
// ---------------------------------------------------------------------------

// interpret runs m's body in a new frame around locals. The frame is
// released on every exit path.
func (t *Thread) interpret(m *Method, locals *Locals) (result Value, err error) {
	f := newFrame(m, locals)
	t.frames = append(t.frames, f)
	defer func() {
		if r := recover(); r != nil {
			se, ok := r.(*StackError)
			if !ok {
				t.frames = t.frames[:len(t.frames)-1]
				f.release()
				panic(r)
			}
			result.release()
			result, err = Null, t.vm.Faultf(FaultVerification, "%s: %v", f, se)
		}
		t.frames = t.frames[:len(t.frames)-1]
		f.release()
	}()

	code := m.Code
	for {
		if t.cancelled.Load() {
			return Null, ErrThreadCancelled
		}
		in := &code[f.PC]
		f.next = f.PC + 1
		res, err := dispatch[in.Op](t, f, in)
		if err != nil {
			exc, ok := err.(*Exception)
			if !ok {
				return Null, err
			}
			target, caught := t.findHandler(f, exc)
			if t.vm.tracer != nil {
				t.vm.tracer.FaultRaised(t.ID, m, f.PC, exc, caught)
			}
			if !caught {
				return Null, exc
			}
			f.Stack.Clear()
			f.Stack.PushOwned(Ref(exc.Oop))
			exc.Oop = nil
			f.PC = target
			continue
		}
		if res == Abort {
			v := f.result
			f.result = Null
			return v, nil
		}
		f.PC = f.next
	}
}

// findHandler returns the first exception table entry covering the current
// instruction whose catch type matches.
func (t *Thread) findHandler(f *Frame, exc *Exception) (int, bool) {
	for _, h := range f.Method.Handlers {
		if f.PC < h.Start || f.PC >= h.End {
			continue
		}
		if h.CatchType == "" {
			return h.Target, true
		}
		c, err := t.vm.Classes.Resolve(h.CatchType)
		if err != nil {
			continue
		}
		if exc.Oop.class.IsAssignableTo(c) {
			return h.Target, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

func registerConstantOps() {
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		return Continue, nil
	}, OpNop)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		f.Stack.PushOwned(Null)
		return Continue, nil
	}, OpAconstNull)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		f.Stack.PushInt(int32(in.Op) - int32(OpIconst0))
		return Continue, nil
	}, OpIconstM1, OpIconst0, OpIconst1, OpIconst2, OpIconst3, OpIconst4, OpIconst5)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		f.Stack.PushLong(int64(in.Op - OpLconst0))
		return Continue, nil
	}, OpLconst0, OpLconst1)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		f.Stack.PushFloat(float32(in.Op - OpFconst0))
		return Continue, nil
	}, OpFconst0, OpFconst1, OpFconst2)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		f.Stack.PushDouble(float64(in.Op - OpDconst0))
		return Continue, nil
	}, OpDconst0, OpDconst1)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		f.Stack.PushInt(int32(in.A))
		return Continue, nil
	}, OpBipush, OpSipush)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		v, err := t.constant(in.Const)
		if err != nil {
			return Continue, err
		}
		f.Stack.PushOwned(v)
		return Continue, nil
	}, OpLdc, OpLdcW, OpLdc2W)
}

// ---------------------------------------------------------------------------
// Locals
// ---------------------------------------------------------------------------

func registerLocalOps() {
	// Loads copy the slot; a reference gains the stack's count.
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		f.Stack.Push(f.Locals.Load(in.Local()))
		return Continue, nil
	},
		OpIload, OpLload, OpFload, OpDload, OpAload,
		OpIload0, OpIload1, OpIload2, OpIload3,
		OpLload0, OpLload1, OpLload2, OpLload3,
		OpFload0, OpFload1, OpFload2, OpFload3,
		OpDload0, OpDload1, OpDload2, OpDload3,
		OpAload0, OpAload1, OpAload2, OpAload3)

	// Stores move the popped value, count included, into the slot.
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		f.Locals.StoreOwned(in.Local(), f.Stack.Pop())
		return Continue, nil
	},
		OpIstore, OpLstore, OpFstore, OpDstore, OpAstore,
		OpIstore0, OpIstore1, OpIstore2, OpIstore3,
		OpLstore0, OpLstore1, OpLstore2, OpLstore3,
		OpFstore0, OpFstore1, OpFstore2, OpFstore3,
		OpDstore0, OpDstore1, OpDstore2, OpDstore3,
		OpAstore0, OpAstore1, OpAstore2, OpAstore3)

	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		f.Locals.StoreOwned(in.A, Int(f.Locals.LoadInt(in.A)+int32(in.B)))
		return Continue, nil
	}, OpIinc)
}

// ---------------------------------------------------------------------------
// Stack manipulation
// ---------------------------------------------------------------------------

func registerStackOps() {
	stackOp := func(fn func(s *Stack)) opHandler {
		return func(t *Thread, f *Frame, in *Instruction) (Result, error) {
			fn(f.Stack)
			return Continue, nil
		}
	}
	handle(stackOp(func(s *Stack) { s.Discard() }), OpPop)
	handle(stackOp(func(s *Stack) { s.Discard(); s.Discard() }), OpPop2)
	handle(stackOp((*Stack).Dup), OpDup)
	handle(stackOp((*Stack).DupX1), OpDupX1)
	handle(stackOp((*Stack).DupX2), OpDupX2)
	handle(stackOp((*Stack).Dup2), OpDup2)
	handle(stackOp((*Stack).Dup2X1), OpDup2X1)
	handle(stackOp((*Stack).Dup2X2), OpDup2X2)
	handle(stackOp((*Stack).Swap), OpSwap)
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func registerMathOps() {
	for op, fn := range intBinaryOps {
		fn := fn
		handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
			b, a := f.Stack.PopInt(), f.Stack.PopInt()
			f.Stack.PushInt(fn(a, b))
			return Continue, nil
		}, op)
	}
	for op, fn := range longBinaryOps {
		fn := fn
		handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
			b, a := f.Stack.PopLong(), f.Stack.PopLong()
			f.Stack.PushLong(fn(a, b))
			return Continue, nil
		}, op)
	}
	for op, fn := range longShiftOps {
		fn := fn
		handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
			n, a := f.Stack.PopInt(), f.Stack.PopLong()
			f.Stack.PushLong(fn(a, n))
			return Continue, nil
		}, op)
	}
	for op, fn := range floatBinaryOps {
		fn := fn
		handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
			b, a := f.Stack.PopFloat(), f.Stack.PopFloat()
			f.Stack.PushFloat(fn(a, b))
			return Continue, nil
		}, op)
	}
	for op, fn := range doubleBinaryOps {
		fn := fn
		handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
			b, a := f.Stack.PopDouble(), f.Stack.PopDouble()
			f.Stack.PushDouble(fn(a, b))
			return Continue, nil
		}, op)
	}

	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		b, a := f.Stack.PopInt(), f.Stack.PopInt()
		fn := divide[int32]
		if in.Op == OpIrem {
			fn = remainder[int32]
		}
		r, ok := fn(a, b)
		if !ok {
			return Continue, t.vm.newFault(FaultArithmetic, "/ by zero")
		}
		f.Stack.PushInt(r)
		return Continue, nil
	}, OpIdiv, OpIrem)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		b, a := f.Stack.PopLong(), f.Stack.PopLong()
		fn := divide[int64]
		if in.Op == OpLrem {
			fn = remainder[int64]
		}
		r, ok := fn(a, b)
		if !ok {
			return Continue, t.vm.newFault(FaultArithmetic, "/ by zero")
		}
		f.Stack.PushLong(r)
		return Continue, nil
	}, OpLdiv, OpLrem)

	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		f.Stack.PushInt(-f.Stack.PopInt())
		return Continue, nil
	}, OpIneg)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		f.Stack.PushLong(-f.Stack.PopLong())
		return Continue, nil
	}, OpLneg)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		f.Stack.PushFloat(-f.Stack.PopFloat())
		return Continue, nil
	}, OpFneg)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		f.Stack.PushDouble(-f.Stack.PopDouble())
		return Continue, nil
	}, OpDneg)
}

// ---------------------------------------------------------------------------
// Conversions and comparisons
// ---------------------------------------------------------------------------

// convert applies a primitive conversion opcode to a value.
func convert(op Opcode, v Value) Value {
	switch op {
	case OpI2l:
		return Long(int64(v.AsInt()))
	case OpI2f:
		return Float(float32(v.AsInt()))
	case OpI2d:
		return Double(float64(v.AsInt()))
	case OpL2i:
		return Int(int32(v.AsLong()))
	case OpL2f:
		return Float(float32(v.AsLong()))
	case OpL2d:
		return Double(float64(v.AsLong()))
	case OpF2i:
		return Int(f2i(v.AsFloat()))
	case OpF2l:
		return Long(f2l(v.AsFloat()))
	case OpF2d:
		return Double(float64(v.AsFloat()))
	case OpD2i:
		return Int(d2i(v.AsDouble()))
	case OpD2l:
		return Long(d2l(v.AsDouble()))
	case OpD2f:
		return Float(float32(v.AsDouble()))
	case OpI2b:
		return Int(int32(int8(v.AsInt())))
	case OpI2c:
		return Int(int32(uint16(v.AsInt())))
	case OpI2s:
		return Int(int32(int16(v.AsInt())))
	}
	panic(fmt.Sprintf("vm: %s is not a conversion", op))
}

func registerConversionOps() {
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		f.Stack.PushOwned(convert(in.Op, f.Stack.Pop()))
		return Continue, nil
	},
		OpI2l, OpI2f, OpI2d, OpL2i, OpL2f, OpL2d, OpF2i, OpF2l,
		OpF2d, OpD2i, OpD2l, OpD2f, OpI2b, OpI2c, OpI2s)

	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		b, a := f.Stack.PopLong(), f.Stack.PopLong()
		f.Stack.PushInt(compareInt(a, b))
		return Continue, nil
	}, OpLcmp)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		b, a := f.Stack.PopFloat(), f.Stack.PopFloat()
		nan := int32(-1)
		if in.Op == OpFcmpg {
			nan = 1
		}
		f.Stack.PushInt(compareFloat(a, b, nan))
		return Continue, nil
	}, OpFcmpl, OpFcmpg)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		b, a := f.Stack.PopDouble(), f.Stack.PopDouble()
		nan := int32(-1)
		if in.Op == OpDcmpg {
			nan = 1
		}
		f.Stack.PushInt(compareFloat(a, b, nan))
		return Continue, nil
	}, OpDcmpl, OpDcmpg)
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func registerControlOps() {
	for _, op := range []Opcode{OpIfeq, OpIfne, OpIflt, OpIfge, OpIfgt, OpIfle} {
		cond := intConditions[op]
		handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
			if cond(f.Stack.PopInt(), 0) {
				f.jump(in.A)
			}
			return Continue, nil
		}, op)
	}
	for _, op := range []Opcode{OpIfIcmpeq, OpIfIcmpne, OpIfIcmplt, OpIfIcmpge, OpIfIcmpgt, OpIfIcmple} {
		cond := intConditions[op]
		handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
			b, a := f.Stack.PopInt(), f.Stack.PopInt()
			if cond(a, b) {
				f.jump(in.A)
			}
			return Continue, nil
		}, op)
	}
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		b, a := f.Stack.PopRef(), f.Stack.PopRef()
		if (a == b) == (in.Op == OpIfAcmpeq) {
			f.jump(in.A)
		}
		releaseObjects(a, b)
		return Continue, nil
	}, OpIfAcmpeq, OpIfAcmpne)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		o := f.Stack.PopRef()
		if (o == nil) == (in.Op == OpIfnull) {
			f.jump(in.A)
		}
		releaseObjects(o)
		return Continue, nil
	}, OpIfnull, OpIfnonnull)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		f.jump(in.A)
		return Continue, nil
	}, OpGoto, OpGotoW)

	// Subroutines push the index of the following instruction as an int;
	// ret reads it back from the named local.
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		f.Stack.PushInt(int32(f.PC + 1))
		f.jump(in.A)
		return Continue, nil
	}, OpJsr, OpJsrW)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		target := int(f.Locals.LoadInt(in.A))
		if target < 0 || target >= len(f.Method.Code) {
			return Continue, t.vm.Faultf(FaultVerification, "ret to %d", target)
		}
		f.jump(target)
		return Continue, nil
	}, OpRet)

	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		f.jump(switchTarget(in.Op, in.Switch, f.Stack.PopInt()))
		return Continue, nil
	}, OpTableswitch, OpLookupswitch)

	// A returned reference keeps the count it had on the stack.
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		f.result = f.Stack.Pop()
		return Abort, nil
	}, OpIreturn, OpLreturn, OpFreturn, OpDreturn, OpAreturn)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		return Abort, nil
	}, OpReturn)
}

func releaseObjects(objs ...*Object) {
	for _, o := range objs {
		if o != nil {
			o.Release()
		}
	}
}
