package vm

// ---------------------------------------------------------------------------
// Object semantics shared by the interpreter and compiled units
//
// Values passed in are borrowed unless noted; values returned by loads are
// borrowed as well and must be retained by whoever stores them.
// ---------------------------------------------------------------------------

// constant materializes an ldc operand. The result is owned.
func (t *Thread) constant(c any) (Value, error) {
	switch v := c.(type) {
	case int32:
		return Int(v), nil
	case int64:
		return Long(v), nil
	case float32:
		return Float(v), nil
	case float64:
		return Double(v), nil
	case string:
		s, err := t.vm.Intern(v)
		if err != nil {
			return Null, t.vm.faultFromError(err)
		}
		s.Retain()
		return Ref(s), nil
	case ClassRef:
		c, err := t.vm.resolveClass(string(v))
		if err != nil {
			return Null, err
		}
		m, err := c.Mirror()
		if err != nil {
			return Null, t.vm.faultFromError(err)
		}
		m.Retain()
		return Ref(m), nil
	}
	return Null, t.vm.Faultf(FaultVerification, "unsupported constant %T", c)
}

func (t *Thread) checkIndex(arr *Object, idx int32) error {
	if arr == nil {
		return t.vm.newFault(FaultNullReference, "array access on null")
	}
	if idx < 0 || int(idx) >= arr.length {
		return t.vm.Faultf(FaultBounds, "index %d out of bounds for length %d", idx, arr.length)
	}
	return nil
}

// checkElemType rejects an array opcode applied to an array of another
// element kind. baload and bastore serve both byte and boolean arrays.
func (t *Thread) checkElemType(arr *Object, et byte) error {
	got := arr.class.ElemType
	if got == et || et == TypeByte && got == TypeBoolean {
		return nil
	}
	return t.vm.Faultf(FaultType, "%c element access on %s", et, arr.class.Name)
}

func (t *Thread) arrayLoad(arr *Object, idx int32, et byte) (Value, error) {
	if err := t.checkIndex(arr, idx); err != nil {
		return Null, err
	}
	if err := t.checkElemType(arr, et); err != nil {
		return Null, err
	}
	return arr.Element(int(idx)), nil
}

// arrayStore checks bounds, the element kind and, for reference arrays,
// that the value's class is assignable to the component.
func (t *Thread) arrayStore(arr *Object, idx int32, et byte, v Value) error {
	if err := t.checkIndex(arr, idx); err != nil {
		return err
	}
	if err := t.checkElemType(arr, et); err != nil {
		return err
	}
	if arr.class.ElemType == TypeRef && v.ref != nil && !v.ref.class.IsAssignableTo(arr.class.Component) {
		return t.vm.Faultf(FaultArrayStore, "%s into %s", v.ref.class.Name, arr.class.Name)
	}
	arr.SetElement(int(idx), v)
	return nil
}

func (t *Thread) arrayLength(arr *Object) (int32, error) {
	if arr == nil {
		return 0, t.vm.newFault(FaultNullReference, "arraylength on null")
	}
	return int32(arr.length), nil
}

// newInstance initializes c if needed and allocates an instance. The
// caller owns the result.
func (t *Thread) newInstance(c *Class) (*Object, error) {
	if c.IsInterface() || c.IsAbstract() || c.IsArray() {
		return nil, t.vm.Faultf(FaultInstantiation, "%s", c.Name)
	}
	if err := t.ensureInit(c); err != nil {
		return nil, err
	}
	o, err := t.vm.Heap.NewInstance(c)
	if err != nil {
		return nil, t.vm.faultFromError(err)
	}
	return o, nil
}

func (t *Thread) newArray(c *Class, n int32) (*Object, error) {
	o, err := t.vm.Heap.NewArray(c, int(n))
	if err != nil {
		return nil, t.vm.faultFromError(err)
	}
	return o, nil
}

// primitiveArrayClass maps a newarray type code to its class.
func (vm *VM) primitiveArrayClass(atype int) (*Class, error) {
	name, ok := primitiveArrayNames[atype]
	if !ok {
		return nil, vm.Faultf(FaultVerification, "bad newarray type %d", atype)
	}
	return vm.resolveClass(name)
}

// multiNewArray allocates nested arrays. Every count is checked before
// anything is allocated.
func (t *Thread) multiNewArray(c *Class, dims []int32) (*Object, error) {
	for _, d := range dims {
		if d < 0 {
			return nil, t.vm.Faultf(FaultNegativeArraySize, "%d", d)
		}
	}
	return t.buildArray(c, dims)
}

func (t *Thread) buildArray(c *Class, dims []int32) (*Object, error) {
	arr, err := t.newArray(c, dims[0])
	if err != nil {
		return nil, err
	}
	if len(dims) == 1 {
		return arr, nil
	}
	for i := 0; i < int(dims[0]); i++ {
		sub, err := t.buildArray(c.Component, dims[1:])
		if err != nil {
			arr.Release()
			return nil, err
		}
		arr.SetElement(i, Ref(sub))
		sub.Release()
	}
	return arr, nil
}

func (t *Thread) checkCast(o *Object, c *Class) error {
	if o != nil && !o.class.IsAssignableTo(c) {
		return t.vm.Faultf(FaultType, "%s cannot be cast to %s", o.class.Name, c.Name)
	}
	return nil
}

func instanceOf(o *Object, c *Class) bool {
	return o != nil && o.class.IsAssignableTo(c)
}

func (t *Thread) monitorEnter(o *Object) error {
	if o == nil {
		return t.vm.newFault(FaultNullReference, "monitorenter on null")
	}
	o.Monitor().Enter()
	return nil
}

func (t *Thread) monitorExit(o *Object) error {
	if o == nil {
		return t.vm.newFault(FaultNullReference, "monitorexit on null")
	}
	return t.vm.faultFromError(o.Monitor().Exit())
}

func (t *Thread) getField(o *Object, f *Field) (Value, error) {
	if o == nil {
		return Null, t.vm.Faultf(FaultNullReference, "reading %s of null", f.Name)
	}
	return o.GetField(f), nil
}

func (t *Thread) putField(o *Object, f *Field, v Value) error {
	if o == nil {
		return t.vm.Faultf(FaultNullReference, "writing %s of null", f.Name)
	}
	o.SetField(f, v)
	return nil
}

func (t *Thread) getStatic(f *Field) (Value, error) {
	if err := t.ensureInit(f.Owner); err != nil {
		return Null, err
	}
	return f.Owner.GetStatic(f), nil
}

func (t *Thread) putStatic(f *Field, v Value) error {
	if err := t.ensureInit(f.Owner); err != nil {
		return err
	}
	f.Owner.PutStatic(f, v)
	return nil
}

// throw raises a guest throwable, adopting the caller's count on it.
func (t *Thread) throw(o *Object) error {
	if o == nil {
		return t.vm.newFault(FaultNullReference, "athrow of null")
	}
	if !o.class.IsSubclassOf(t.vm.Symbols.Throwable) {
		name := o.class.Name
		o.Release()
		return t.vm.Faultf(FaultType, "%s is not throwable", name)
	}
	return t.vm.exceptionFromOop(o)
}

// invokeDynamic links a call site through the VM's DynamicLinker.
func (t *Thread) invokeDynamic(ref *MemberRef, args []Value) (Value, error) {
	if t.vm.linker == nil {
		releaseValues(args)
		return Null, t.vm.Faultf(FaultResolution, "no dynamic linker for call site %s", ref)
	}
	target, err := t.vm.linker.Link(t, ref)
	if err != nil {
		releaseValues(args)
		if _, ok := err.(*Exception); ok {
			return Null, err
		}
		return Null, t.vm.Faultf(FaultResolution, "linking %s: %v", ref, err)
	}
	if target.Desc != ref.Desc || !target.IsStatic() {
		releaseValues(args)
		return Null, t.vm.Faultf(FaultIncompatibleClassChange, "call site %s linked to %s", ref, target.Key())
	}
	return t.call(invokeStatic, target, nil, args)
}

// DynamicLinker binds invokedynamic call sites to static methods whose
// descriptor matches the call site.
type DynamicLinker interface {
	Link(t *Thread, site *MemberRef) (*Method, error)
}
