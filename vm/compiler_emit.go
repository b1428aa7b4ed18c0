package vm

import (
	"fmt"
	"math"
	"sync/atomic"
)

// lazy holds a resolution made on first use and shared by later runs.
type lazy[T any] struct {
	p atomic.Pointer[T]
}

func (l *lazy[T]) get(resolve func() (*T, error)) (*T, error) {
	if v := l.p.Load(); v != nil {
		return v, nil
	}
	v, err := resolve()
	if err != nil {
		return nil, err
	}
	l.p.Store(v)
	return v, nil
}

// jump leaves through a branch. Backward branches are where loops spin, so
// they poll for cancellation.
func (fr *cframe) jump(target int, backward bool) int {
	if backward {
		if err := fr.t.checkCancelled(); err != nil {
			return fr.fail(err)
		}
	}
	return target
}

type argSlot struct {
	k int
	t byte
}

// emit builds the step for the instruction at pc. sp is the register of
// the first free stack slot on entry.
func (e *emitter) emit(pc int) (step, error) {
	sh := e.shapes[pc]
	if sh == nil {
		return func(fr *cframe) int {
			return fr.fail(fr.t.vm.Faultf(FaultVerification, "unreachable instruction %d", pc))
		}, nil
	}
	in := &e.m.Code[pc]
	op := in.Op
	next := pc + 1
	sp := e.m.MaxLocals + len(sh)

	switch {
	// Constants
	case op == OpNop:
		return func(*cframe) int { return next }, nil
	case op == OpAconstNull:
		return func(fr *cframe) int {
			fr.r[sp] = nil
			return next
		}, nil
	case op >= OpIconstM1 && op <= OpIconst5:
		return pushI(sp, uint32(int32(op)-int32(OpIconst0)), next), nil
	case op >= OpFconst0 && op <= OpFconst2:
		return pushI(sp, math.Float32bits(float32(op-OpFconst0)), next), nil
	case op == OpLconst0, op == OpLconst1:
		return pushL(sp, uint64(op-OpLconst0), next), nil
	case op == OpDconst0, op == OpDconst1:
		return pushL(sp, math.Float64bits(float64(op-OpDconst0)), next), nil
	case op == OpBipush, op == OpSipush:
		return pushI(sp, uint32(int32(in.A)), next), nil
	case op == OpLdc, op == OpLdcW, op == OpLdc2W:
		return e.emitLdc(in, sp, next)

	// Locals
	case op >= OpIload && op <= OpAload3:
		return emitLoad(in, sp, next), nil
	case op >= OpIstore && op <= OpAstore3:
		return emitStore(in, sp, next), nil
	case op == OpIinc:
		k, d := in.A, int32(in.B)
		return func(fr *cframe) int {
			fr.i[k] = uint32(int32(fr.i[k]) + d)
			return next
		}, nil

	// Arrays
	case op >= OpIaload && op <= OpSaload:
		et := arrayElemType(op)
		arrK, idxK := sp-2, sp-1
		return func(fr *cframe) int {
			arr := fr.r[arrK]
			fr.r[arrK] = nil
			v, err := fr.t.arrayLoad(arr, int32(fr.i[idxK]), et)
			if err == nil {
				fr.putBorrowed(arrK, v)
			}
			releaseObjects(arr)
			if err != nil {
				return fr.fail(err)
			}
			return next
		}, nil
	case op >= OpIastore && op <= OpSastore:
		et := arrayElemType(op)
		valK := sp - typeSlots(et)
		idxK, arrK := valK-1, valK-2
		return func(fr *cframe) int {
			v := fr.take(valK, et)
			arr := fr.r[arrK]
			fr.r[arrK] = nil
			err := fr.t.arrayStore(arr, int32(fr.i[idxK]), et, v)
			v.release()
			releaseObjects(arr)
			if err != nil {
				return fr.fail(err)
			}
			return next
		}, nil
	case op == OpArraylength:
		k := sp - 1
		return func(fr *cframe) int {
			arr := fr.r[k]
			fr.r[k] = nil
			n, err := fr.t.arrayLength(arr)
			releaseObjects(arr)
			if err != nil {
				return fr.fail(err)
			}
			fr.i[k] = uint32(n)
			return next
		}, nil

	// Stack
	case op == OpPop, op == OpPop2:
		n := 1
		if op == OpPop2 {
			n = 2
		}
		var refs []int
		for j := 1; j <= n; j++ {
			if sh[len(sh)-j] == catRef {
				refs = append(refs, sp-j)
			}
		}
		return func(fr *cframe) int {
			for _, k := range refs {
				fr.clearRef(k)
			}
			return next
		}, nil
	case op >= OpDup && op <= OpSwap:
		p := permutations[op]
		return permute(sp-p.In, p, next), nil

	// Arithmetic
	case intBinaryOps[op] != nil:
		fn := intBinaryOps[op]
		a, b := sp-2, sp-1
		return func(fr *cframe) int {
			fr.i[a] = uint32(fn(int32(fr.i[a]), int32(fr.i[b])))
			return next
		}, nil
	case op == OpIdiv, op == OpIrem:
		div := divide[int32]
		if op == OpIrem {
			div = remainder[int32]
		}
		a, b := sp-2, sp-1
		return func(fr *cframe) int {
			q, ok := div(int32(fr.i[a]), int32(fr.i[b]))
			if !ok {
				return fr.fail(fr.t.vm.newFault(FaultArithmetic, "/ by zero"))
			}
			fr.i[a] = uint32(q)
			return next
		}, nil
	case longBinaryOps[op] != nil:
		fn := longBinaryOps[op]
		a, b := sp-4, sp-2
		return func(fr *cframe) int {
			fr.l[a] = uint64(fn(int64(fr.l[a]), int64(fr.l[b])))
			return next
		}, nil
	case op == OpLdiv, op == OpLrem:
		div := divide[int64]
		if op == OpLrem {
			div = remainder[int64]
		}
		a, b := sp-4, sp-2
		return func(fr *cframe) int {
			q, ok := div(int64(fr.l[a]), int64(fr.l[b]))
			if !ok {
				return fr.fail(fr.t.vm.newFault(FaultArithmetic, "/ by zero"))
			}
			fr.l[a] = uint64(q)
			return next
		}, nil
	case longShiftOps[op] != nil:
		fn := longShiftOps[op]
		a, n := sp-3, sp-1
		return func(fr *cframe) int {
			fr.l[a] = uint64(fn(int64(fr.l[a]), int32(fr.i[n])))
			return next
		}, nil
	case floatBinaryOps[op] != nil:
		fn := floatBinaryOps[op]
		a, b := sp-2, sp-1
		return func(fr *cframe) int {
			x, y := math.Float32frombits(fr.i[a]), math.Float32frombits(fr.i[b])
			fr.i[a] = math.Float32bits(fn(x, y))
			return next
		}, nil
	case doubleBinaryOps[op] != nil:
		fn := doubleBinaryOps[op]
		a, b := sp-4, sp-2
		return func(fr *cframe) int {
			x, y := math.Float64frombits(fr.l[a]), math.Float64frombits(fr.l[b])
			fr.l[a] = math.Float64bits(fn(x, y))
			return next
		}, nil
	case op == OpIneg:
		k := sp - 1
		return func(fr *cframe) int {
			fr.i[k] = uint32(-int32(fr.i[k]))
			return next
		}, nil
	case op == OpLneg:
		k := sp - 2
		return func(fr *cframe) int {
			fr.l[k] = uint64(-int64(fr.l[k]))
			return next
		}, nil
	case op == OpFneg:
		k := sp - 1
		return func(fr *cframe) int {
			fr.i[k] = math.Float32bits(-math.Float32frombits(fr.i[k]))
			return next
		}, nil
	case op == OpDneg:
		k := sp - 2
		return func(fr *cframe) int {
			fr.l[k] = math.Float64bits(-math.Float64frombits(fr.l[k]))
			return next
		}, nil

	// Conversions and comparisons
	case op >= OpI2l && op <= OpI2s:
		from, _ := conversionTypes(op)
		k := sp - typeSlots(from)
		return func(fr *cframe) int {
			fr.put(k, convert(op, fr.value(k, from)))
			return next
		}, nil
	case op == OpLcmp:
		a, b := sp-4, sp-2
		return func(fr *cframe) int {
			fr.i[a] = uint32(compareInt(int64(fr.l[a]), int64(fr.l[b])))
			return next
		}, nil
	case op == OpFcmpl, op == OpFcmpg:
		nan := int32(-1)
		if op == OpFcmpg {
			nan = 1
		}
		a, b := sp-2, sp-1
		return func(fr *cframe) int {
			x, y := math.Float32frombits(fr.i[a]), math.Float32frombits(fr.i[b])
			fr.i[a] = uint32(compareFloat(x, y, nan))
			return next
		}, nil
	case op == OpDcmpl, op == OpDcmpg:
		nan := int32(-1)
		if op == OpDcmpg {
			nan = 1
		}
		a, b := sp-4, sp-2
		return func(fr *cframe) int {
			x, y := math.Float64frombits(fr.l[a]), math.Float64frombits(fr.l[b])
			fr.i[a] = uint32(compareFloat(x, y, nan))
			return next
		}, nil

	// Control flow
	case op >= OpIfeq && op <= OpIfle:
		cond := intConditions[op]
		k := sp - 1
		target, back := in.A, e.branch(pc, in.A)
		return func(fr *cframe) int {
			if cond(int32(fr.i[k]), 0) {
				return fr.jump(target, back)
			}
			return next
		}, nil
	case op >= OpIfIcmpeq && op <= OpIfIcmple:
		cond := intConditions[op]
		a, b := sp-2, sp-1
		target, back := in.A, e.branch(pc, in.A)
		return func(fr *cframe) int {
			if cond(int32(fr.i[a]), int32(fr.i[b])) {
				return fr.jump(target, back)
			}
			return next
		}, nil
	case op == OpIfAcmpeq, op == OpIfAcmpne:
		eq := op == OpIfAcmpeq
		a, b := sp-2, sp-1
		target, back := in.A, e.branch(pc, in.A)
		return func(fr *cframe) int {
			x, y := fr.r[a], fr.r[b]
			fr.r[a], fr.r[b] = nil, nil
			taken := (x == y) == eq
			releaseObjects(x, y)
			if taken {
				return fr.jump(target, back)
			}
			return next
		}, nil
	case op == OpIfnull, op == OpIfnonnull:
		isNull := op == OpIfnull
		k := sp - 1
		target, back := in.A, e.branch(pc, in.A)
		return func(fr *cframe) int {
			o := fr.r[k]
			fr.r[k] = nil
			releaseObjects(o)
			if (o == nil) == isNull {
				return fr.jump(target, back)
			}
			return next
		}, nil
	case op == OpGoto, op == OpGotoW:
		target, back := in.A, e.branch(pc, in.A)
		return func(fr *cframe) int { return fr.jump(target, back) }, nil
	case op == OpTableswitch, op == OpLookupswitch:
		sw := in.Switch
		e.label(sw.Default)
		for _, t := range sw.Targets {
			e.label(t)
		}
		k := sp - 1
		return func(fr *cframe) int {
			target := switchTarget(op, sw, int32(fr.i[k]))
			return fr.jump(target, target <= pc)
		}, nil
	case op >= OpIreturn && op <= OpAreturn:
		t := returnType(op)
		k := sp - typeSlots(t)
		return func(fr *cframe) int {
			fr.result = fr.take(k, t)
			return -1
		}, nil
	case op == OpReturn:
		return func(*cframe) int { return -1 }, nil

	// Fields
	case op == OpGetstatic:
		res := e.fieldRef(in.Member, true)
		return func(fr *cframe) int {
			f, err := res(fr)
			if err != nil {
				return fr.fail(err)
			}
			v, err := fr.t.getStatic(f)
			if err != nil {
				return fr.fail(err)
			}
			fr.putBorrowed(sp, v)
			return next
		}, nil
	case op == OpPutstatic:
		res := e.fieldRef(in.Member, true)
		ft := mustFieldType(in.Member.Desc)
		k := sp - typeSlots(ft)
		return func(fr *cframe) int {
			f, err := res(fr)
			if err != nil {
				return fr.fail(err)
			}
			v := fr.take(k, ft)
			err = fr.t.putStatic(f, v)
			v.release()
			if err != nil {
				return fr.fail(err)
			}
			return next
		}, nil
	case op == OpGetfield:
		res := e.fieldRef(in.Member, false)
		k := sp - 1
		return func(fr *cframe) int {
			f, err := res(fr)
			if err != nil {
				return fr.fail(err)
			}
			o := fr.r[k]
			fr.r[k] = nil
			v, err := fr.t.getField(o, f)
			if err == nil {
				fr.putBorrowed(k, v)
			}
			releaseObjects(o)
			if err != nil {
				return fr.fail(err)
			}
			return next
		}, nil
	case op == OpPutfield:
		res := e.fieldRef(in.Member, false)
		ft := mustFieldType(in.Member.Desc)
		vk := sp - typeSlots(ft)
		objK := vk - 1
		return func(fr *cframe) int {
			f, err := res(fr)
			if err != nil {
				return fr.fail(err)
			}
			v := fr.take(vk, ft)
			o := fr.r[objK]
			fr.r[objK] = nil
			err = fr.t.putField(o, f, v)
			v.release()
			releaseObjects(o)
			if err != nil {
				return fr.fail(err)
			}
			return next
		}, nil

	// Calls
	case op >= OpInvokevirtual && op <= OpInvokeinterface:
		return e.emitInvoke(in, sp, next)

	// Objects
	case op == OpNew:
		res := e.classRef(in.Class)
		return func(fr *cframe) int {
			c, err := res(fr)
			if err != nil {
				return fr.fail(err)
			}
			o, err := fr.t.newInstance(c)
			if err != nil {
				return fr.fail(err)
			}
			fr.r[sp] = o
			return next
		}, nil
	case op == OpNewarray, op == OpAnewarray:
		var res classResolver
		if op == OpNewarray {
			c, err := e.vm.Classes.Resolve(primitiveArrayNames[in.A])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrNotCompilable, err)
			}
			e.constant(c, c)
			res = func(*cframe) (*Class, error) { return c, nil }
		} else {
			res = e.classRef(arrayNameOf(in.Class))
		}
		k := sp - 1
		return func(fr *cframe) int {
			c, err := res(fr)
			if err != nil {
				return fr.fail(err)
			}
			o, err := fr.t.newArray(c, int32(fr.i[k]))
			if err != nil {
				return fr.fail(err)
			}
			fr.r[k] = o
			return next
		}, nil
	case op == OpMultianewarray:
		res := e.classRef(in.Class)
		n := in.A
		base := sp - n
		return func(fr *cframe) int {
			c, err := res(fr)
			if err != nil {
				return fr.fail(err)
			}
			dims := make([]int32, n)
			for j := range dims {
				dims[j] = int32(fr.i[base+j])
			}
			o, err := fr.t.multiNewArray(c, dims)
			if err != nil {
				return fr.fail(err)
			}
			fr.r[base] = o
			return next
		}, nil
	case op == OpCheckcast:
		res := e.classRef(in.Class)
		k := sp - 1
		return func(fr *cframe) int {
			c, err := res(fr)
			if err == nil {
				err = fr.t.checkCast(fr.r[k], c)
			}
			if err != nil {
				return fr.fail(err)
			}
			return next
		}, nil
	case op == OpInstanceof:
		res := e.classRef(in.Class)
		k := sp - 1
		return func(fr *cframe) int {
			c, err := res(fr)
			if err != nil {
				return fr.fail(err)
			}
			o := fr.r[k]
			fr.r[k] = nil
			fr.i[k] = 0
			if instanceOf(o, c) {
				fr.i[k] = 1
			}
			releaseObjects(o)
			return next
		}, nil
	case op == OpMonitorenter, op == OpMonitorexit:
		enter := op == OpMonitorenter
		k := sp - 1
		return func(fr *cframe) int {
			o := fr.r[k]
			fr.r[k] = nil
			var err error
			if enter {
				err = fr.t.monitorEnter(o)
			} else {
				err = fr.t.monitorExit(o)
			}
			releaseObjects(o)
			if err != nil {
				return fr.fail(err)
			}
			return next
		}, nil
	case op == OpAthrow:
		k := sp - 1
		return func(fr *cframe) int {
			o := fr.r[k]
			fr.r[k] = nil
			return fr.fail(fr.t.throw(o))
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotCompilable, op)
}

// branch labels a target and reports whether reaching it goes backward.
func (e *emitter) branch(pc, target int) bool {
	e.label(target)
	return target <= pc
}

func pushI(k int, v uint32, next int) step {
	return func(fr *cframe) int {
		fr.i[k] = v
		return next
	}
}

func pushL(k int, v uint64, next int) step {
	return func(fr *cframe) int {
		fr.l[k] = v
		return next
	}
}

func (e *emitter) emitLdc(in *Instruction, sp, next int) (step, error) {
	switch c := in.Const.(type) {
	case int32:
		return pushI(sp, uint32(c), next), nil
	case float32:
		return pushI(sp, math.Float32bits(c), next), nil
	case int64:
		return pushL(sp, uint64(c), next), nil
	case float64:
		return pushL(sp, math.Float64bits(c), next), nil
	case string:
		s, err := e.vm.Intern(c)
		if err != nil {
			return nil, fmt.Errorf("%w: interning %q: %v", ErrNotCompilable, c, err)
		}
		e.constant(c, s)
		return func(fr *cframe) int {
			s.Retain()
			fr.r[sp] = s
			return next
		}, nil
	case ClassRef:
		if cls := e.vm.Classes.Lookup(string(c)); cls != nil {
			// A mirror that cannot be allocated yet is left to the
			// run-time path below.
			if mirror, err := cls.Mirror(); err == nil {
				e.constant(cls, cls)
				return func(fr *cframe) int {
					mirror.Retain()
					fr.r[sp] = mirror
					return next
				}, nil
			}
		}
		e.constant(c, c)
		return func(fr *cframe) int {
			v, err := fr.t.constant(c)
			if err != nil {
				return fr.fail(err)
			}
			fr.put(sp, v)
			return next
		}, nil
	}
	return nil, fmt.Errorf("%w: constant %T", ErrNotCompilable, in.Const)
}

func emitLoad(in *Instruction, sp, next int) step {
	k := in.Local()
	switch loadStoreType(in.Op) {
	case TypeLong, TypeDouble:
		return func(fr *cframe) int {
			fr.l[sp] = fr.l[k]
			return next
		}
	case TypeRef:
		return func(fr *cframe) int {
			o := fr.r[k]
			if o != nil {
				o.Retain()
			}
			fr.r[sp] = o
			return next
		}
	}
	return func(fr *cframe) int {
		fr.i[sp] = fr.i[k]
		return next
	}
}

// emitStore writes a local. Whatever reference the overwritten slots held
// is released, as Locals.StoreOwned does.
func emitStore(in *Instruction, sp, next int) step {
	k := in.Local()
	switch loadStoreType(in.Op) {
	case TypeLong, TypeDouble:
		src := sp - 2
		return func(fr *cframe) int {
			fr.l[k] = fr.l[src]
			fr.clearRef(k)
			fr.clearRef(k + 1)
			return next
		}
	case TypeRef:
		src := sp - 1
		return func(fr *cframe) int {
			o := fr.r[src]
			fr.r[src] = nil
			old := fr.r[k]
			fr.r[k] = o
			releaseObjects(old)
			return next
		}
	}
	src := sp - 1
	return func(fr *cframe) int {
		fr.i[k] = fr.i[src]
		fr.clearRef(k)
		return next
	}
}

// permute applies a dup-family rearrangement to the slots starting at
// base. A reference copied more than once gains a count per extra copy.
func permute(base int, p permutation, next int) step {
	return func(fr *cframe) int {
		var (
			ti [4]uint32
			tl [4]uint64
			tr [4]*Object
		)
		for j := 0; j < p.In; j++ {
			ti[j], tl[j], tr[j] = fr.i[base+j], fr.l[base+j], fr.r[base+j]
		}
		var seen [4]bool
		for j, src := range p.Out {
			o := tr[src]
			if seen[src] && o != nil {
				o.Retain()
			}
			seen[src] = true
			fr.i[base+j], fr.l[base+j], fr.r[base+j] = ti[src], tl[src], o
		}
		return next
	}
}

func (e *emitter) emitInvoke(in *Instruction, sp, next int) (step, error) {
	kind := invokeKindOf(in.Op)
	mt, err := ParseMethodDescriptor(in.Member.Desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCompilable, err)
	}
	base := sp - mt.ArgSlots()
	if kind != invokeStatic {
		base--
	}
	var args []argSlot
	k := base
	if kind != invokeStatic {
		args = append(args, argSlot{k, TypeRef})
		k++
	}
	for _, p := range mt.Params {
		args = append(args, argSlot{k, p})
		k += typeSlots(p)
	}

	res := e.methodRef(in.Member, kind)
	var cache *InlineCache
	if kind == invokeVirtual || kind == invokeInterface {
		cache = &InlineCache{}
		e.u.caches = append(e.u.caches, cache)
	}
	ret := mt.Return
	return func(fr *cframe) int {
		m, err := res(fr)
		if err != nil {
			return fr.fail(err)
		}
		vals := make([]Value, len(args))
		for j, a := range args {
			vals[j] = fr.take(a.k, a.t)
		}
		v, err := fr.t.call(kind, m, cache, vals)
		if err != nil {
			return fr.fail(err)
		}
		if ret != TypeVoid {
			fr.put(base, v)
		}
		return next
	}, nil
}
