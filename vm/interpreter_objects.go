package vm

// ---------------------------------------------------------------------------
// Fields, arrays and objects
// ---------------------------------------------------------------------------

func registerObjectOps() {
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		fld, err := t.siteField(f, in.Member, true)
		if err != nil {
			return Continue, err
		}
		v, err := t.getStatic(fld)
		if err != nil {
			return Continue, err
		}
		f.Stack.Push(v)
		return Continue, nil
	}, OpGetstatic)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		fld, err := t.siteField(f, in.Member, true)
		if err != nil {
			return Continue, err
		}
		v := f.Stack.Pop()
		defer v.release()
		return Continue, t.putStatic(fld, v)
	}, OpPutstatic)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		fld, err := t.siteField(f, in.Member, false)
		if err != nil {
			return Continue, err
		}
		o := f.Stack.PopRef()
		defer releaseObjects(o)
		v, err := t.getField(o, fld)
		if err != nil {
			return Continue, err
		}
		f.Stack.Push(v)
		return Continue, nil
	}, OpGetfield)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		fld, err := t.siteField(f, in.Member, false)
		if err != nil {
			return Continue, err
		}
		v := f.Stack.Pop()
		o := f.Stack.PopRef()
		defer releaseObjects(o)
		defer v.release()
		return Continue, t.putField(o, fld, v)
	}, OpPutfield)

	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		idx := f.Stack.PopInt()
		arr := f.Stack.PopRef()
		defer releaseObjects(arr)
		v, err := t.arrayLoad(arr, idx, arrayElemType(in.Op))
		if err != nil {
			return Continue, err
		}
		f.Stack.Push(v)
		return Continue, nil
	}, OpIaload, OpLaload, OpFaload, OpDaload, OpAaload, OpBaload, OpCaload, OpSaload)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		v := f.Stack.Pop()
		idx := f.Stack.PopInt()
		arr := f.Stack.PopRef()
		defer releaseObjects(arr)
		defer v.release()
		return Continue, t.arrayStore(arr, idx, arrayElemType(in.Op), v)
	}, OpIastore, OpLastore, OpFastore, OpDastore, OpAastore, OpBastore, OpCastore, OpSastore)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		arr := f.Stack.PopRef()
		defer releaseObjects(arr)
		n, err := t.arrayLength(arr)
		if err != nil {
			return Continue, err
		}
		f.Stack.PushInt(n)
		return Continue, nil
	}, OpArraylength)

	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		c, err := t.siteClass(f, in.Class)
		if err != nil {
			return Continue, err
		}
		o, err := t.newInstance(c)
		if err != nil {
			return Continue, err
		}
		f.Stack.PushOwned(Ref(o))
		return Continue, nil
	}, OpNew)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		var c *Class
		var err error
		if in.Op == OpNewarray {
			c, err = t.vm.primitiveArrayClass(in.A)
		} else {
			c, err = t.siteClass(f, arrayNameOf(in.Class))
		}
		if err != nil {
			return Continue, err
		}
		o, err := t.newArray(c, f.Stack.PopInt())
		if err != nil {
			return Continue, err
		}
		f.Stack.PushOwned(Ref(o))
		return Continue, nil
	}, OpNewarray, OpAnewarray)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		c, err := t.siteClass(f, in.Class)
		if err != nil {
			return Continue, err
		}
		dims := make([]int32, in.A)
		for i := in.A - 1; i >= 0; i-- {
			dims[i] = f.Stack.PopInt()
		}
		o, err := t.multiNewArray(c, dims)
		if err != nil {
			return Continue, err
		}
		f.Stack.PushOwned(Ref(o))
		return Continue, nil
	}, OpMultianewarray)

	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		c, err := t.siteClass(f, in.Class)
		if err != nil {
			return Continue, err
		}
		return Continue, t.checkCast(f.Stack.Peek().ref, c)
	}, OpCheckcast)
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		c, err := t.siteClass(f, in.Class)
		if err != nil {
			return Continue, err
		}
		o := f.Stack.PopRef()
		f.Stack.PushOwned(Bool(instanceOf(o, c)))
		releaseObjects(o)
		return Continue, nil
	}, OpInstanceof)

	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		o := f.Stack.PopRef()
		defer releaseObjects(o)
		if in.Op == OpMonitorenter {
			return Continue, t.monitorEnter(o)
		}
		return Continue, t.monitorExit(o)
	}, OpMonitorenter, OpMonitorexit)

	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		return Continue, t.throw(f.Stack.PopRef())
	}, OpAthrow)
}

// ---------------------------------------------------------------------------
// Invocation
// ---------------------------------------------------------------------------

func registerInvokeOps() {
	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		kind := invokeKindOf(in.Op)
		link, err := t.siteMethod(f, in.Member, kind)
		if err != nil {
			return Continue, err
		}
		m := link.method
		n := len(m.typ.Params)
		if kind != invokeStatic {
			n++
		}
		v, err := t.call(kind, m, link.cache, f.Stack.PopArgs(n))
		if err != nil {
			return Continue, err
		}
		if m.typ.Return != TypeVoid {
			f.Stack.PushOwned(v)
		}
		return Continue, nil
	}, OpInvokestatic, OpInvokespecial, OpInvokevirtual, OpInvokeinterface)

	handle(func(t *Thread, f *Frame, in *Instruction) (Result, error) {
		mt, err := ParseMethodDescriptor(in.Member.Desc)
		if err != nil {
			return Continue, t.vm.Faultf(FaultVerification, "%v", err)
		}
		v, err := t.invokeDynamic(in.Member, f.Stack.PopArgs(len(mt.Params)))
		if err != nil {
			return Continue, err
		}
		if mt.Return != TypeVoid {
			f.Stack.PushOwned(v)
		}
		return Continue, nil
	}, OpInvokedynamic)
}
