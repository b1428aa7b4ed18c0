package vm

import (
	"context"
	"fmt"
)

// ---------------------------------------------------------------------------
// External entry points
// ---------------------------------------------------------------------------

// Invoke runs m with args on the calling goroutine's guest thread,
// attaching a temporary one bound to ctx if there is none. Arguments are
// borrowed. A returned reference is owned by the caller, and so is the
// object of a returned *Exception.
func (vm *VM) Invoke(ctx context.Context, m *Method, args ...Value) (Value, error) {
	t, ok := vm.CurrentThread()
	if !ok {
		t = vm.AttachThread(ctx)
		defer t.Detach()
	}
	return t.Invoke(m, args...)
}

// Invoke runs m nonvirtually on t. Arguments are borrowed; the receiver, if
// any, comes first.
func (t *Thread) Invoke(m *Method, args ...Value) (Value, error) {
	if m.Owner == nil {
		return Null, fmt.Errorf("%s is not defined in any class", m.Key())
	}
	if err := checkArgs(m, args); err != nil {
		return Null, err
	}
	if !m.IsStatic() && args[0].IsNull() {
		return Null, t.vm.Faultf(FaultNullReference, "invoking %s on null", m.Key())
	}
	if m.IsStatic() {
		if err := t.ensureInit(m.Owner); err != nil {
			return Null, err
		}
	}
	owned := make([]Value, len(args))
	for i, a := range args {
		a.retain()
		owned[i] = a
	}
	return t.invoke(m, owned)
}

func checkArgs(m *Method, args []Value) error {
	want := len(m.typ.Params)
	first := 0
	if !m.IsStatic() {
		want++
		first = 1
	}
	if len(args) != want {
		return fmt.Errorf("%s: got %d arguments, want %d", m.Key(), len(args), want)
	}
	if first == 1 && !args[0].IsReference() {
		return fmt.Errorf("%s: receiver is %s, not a reference", m.Key(), args[0].kind)
	}
	for i, p := range m.typ.Params {
		if !kindMatches(args[first+i].kind, p) {
			return fmt.Errorf("%s: argument %d is %s, want %s", m.Key(), i, args[first+i].kind, m.typ.ParamDesc[i])
		}
	}
	return nil
}

func kindMatches(k Kind, t byte) bool {
	switch t {
	case TypeLong:
		return k == KindLong
	case TypeDouble:
		return k == KindDouble
	case TypeFloat:
		return k == KindFloat
	case TypeRef:
		return k == KindRef || k == KindNull
	}
	return k == KindInt
}

func releaseValues(vs []Value) {
	for _, v := range vs {
		v.release()
	}
}

// ---------------------------------------------------------------------------
// Invocation
// ---------------------------------------------------------------------------

// invoke runs m with owned arguments and returns an owned result. Both the
// interpreter and compiled units come through here, so interceptors,
// natives, compiled units and interpreted bodies see the same contract.
func (t *Thread) invoke(m *Method, args []Value) (Value, error) {
	vm := t.vm
	if err := t.checkCancelled(); err != nil {
		releaseValues(args)
		return Null, err
	}
	if m.IsAbstract() && m.invoker.Load() == nil {
		releaseValues(args)
		return Null, vm.Faultf(FaultAbstractMethod, "%s", m.Key())
	}
	if t.depth >= vm.maxDepth {
		releaseValues(args)
		return Null, vm.Faultf(FaultStackOverflow, "call depth %d exceeded entering %s", vm.maxDepth, m.Key())
	}
	t.depth++
	defer func() { t.depth-- }()

	if vm.profiler != nil {
		vm.profiler.RecordMethodInvocation(m)
	}
	if vm.tracer != nil {
		vm.tracer.MethodEntered(t.ID, m, t.depth)
	}

	locals := NewLocals(m.MaxLocals)
	slot := 0
	for _, a := range args {
		locals.StoreOwned(slot, a)
		slot += a.Slots()
	}

	if !m.IsSynchronized() {
		return t.run(m, locals)
	}

	var lock *Object
	if m.IsStatic() {
		mirror, err := m.Owner.Mirror()
		if err != nil {
			locals.Clear()
			return Null, vm.faultFromError(err)
		}
		lock = mirror
	} else {
		lock = locals.LoadRef(0)
	}
	mon := lock.Monitor()
	mon.Enter()
	v, err := t.run(m, locals)
	if exitErr := mon.Exit(); exitErr != nil && err == nil {
		v.release()
		return Null, vm.faultFromError(exitErr)
	}
	return v, err
}

// run executes the body of m. It consumes locals.
func (t *Thread) run(m *Method, locals *Locals) (Value, error) {
	if p := m.invoker.Load(); p != nil {
		nc := &NativeContext{Thread: t, Method: m, Locals: locals}
		res, err := (*p)(nc)
		if err != nil || res == Abort {
			locals.Clear()
			return t.nativeResult(m, nc, err)
		}
		nc.result.release()
	}
	if m.Native != nil {
		nc := &NativeContext{Thread: t, Method: m, Locals: locals}
		_, err := m.Native(nc)
		locals.Clear()
		return t.nativeResult(m, nc, err)
	}
	if m.IsNative() {
		locals.Clear()
		return Null, t.vm.Faultf(FaultResolution, "no native body bound for %s", m.Key())
	}
	if u := m.compiled.Load(); u != nil {
		return u.execute(t, locals)
	}
	if err := m.verified(); err != nil {
		locals.Clear()
		return Null, t.vm.Faultf(FaultVerification, "%v", err)
	}
	return t.interpret(m, locals)
}

func (t *Thread) nativeResult(m *Method, nc *NativeContext, err error) (Value, error) {
	if err != nil || m.typ.Return == TypeVoid {
		nc.result.release()
		return Null, err
	}
	return nc.result, nil
}

// ---------------------------------------------------------------------------
// Call sites
// ---------------------------------------------------------------------------

type invokeKind uint8

const (
	invokeStatic invokeKind = iota
	invokeSpecial
	invokeVirtual
	invokeInterface
)

func invokeKindOf(op Opcode) invokeKind {
	switch op {
	case OpInvokestatic:
		return invokeStatic
	case OpInvokespecial:
		return invokeSpecial
	case OpInvokeinterface:
		return invokeInterface
	}
	return invokeVirtual
}

// call performs an invocation of the given kind with owned arguments,
// receiver first. Virtual and interface calls select the implementation
// from the receiver's class, consulting the site's inline cache.
func (t *Thread) call(kind invokeKind, resolved *Method, cache *InlineCache, args []Value) (Value, error) {
	if kind == invokeStatic {
		if err := t.ensureInit(resolved.Owner); err != nil {
			releaseValues(args)
			return Null, err
		}
		return t.invoke(resolved, args)
	}
	recv := args[0].ref
	if recv == nil {
		releaseValues(args)
		return Null, t.vm.Faultf(FaultNullReference, "invoking %s on null", resolved.Key())
	}
	target := resolved
	if kind != invokeSpecial {
		var err error
		if target, err = t.selectTarget(kind, resolved, recv.class, cache); err != nil {
			releaseValues(args)
			return Null, err
		}
	}
	return t.invoke(target, args)
}

func (t *Thread) selectTarget(kind invokeKind, resolved *Method, rc *Class, cache *InlineCache) (*Method, error) {
	if cache != nil {
		if m := cache.Lookup(rc); m != nil {
			return m, nil
		}
	}
	if kind == invokeInterface && !rc.IsAssignableTo(resolved.Owner) {
		return nil, t.vm.Faultf(FaultIncompatibleClassChange, "%s does not implement %s", rc.Name, resolved.Owner.Name)
	}
	m := rc.SelectVirtual(resolved.Name, resolved.Desc)
	if m == nil || (m.IsAbstract() && m.invoker.Load() == nil) {
		return nil, t.vm.Faultf(FaultAbstractMethod, "%s.%s%s", rc.Name, resolved.Name, resolved.Desc)
	}
	if cache != nil {
		cache.Update(rc, m)
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Resolution
// ---------------------------------------------------------------------------

func (vm *VM) resolveClass(name string) (*Class, error) {
	c, err := vm.Classes.Resolve(name)
	if err != nil {
		return nil, vm.Faultf(FaultResolution, "%v", err)
	}
	return c, nil
}

func (vm *VM) resolveField(ref *MemberRef, static bool) (*Field, error) {
	c, err := vm.resolveClass(ref.Owner)
	if err != nil {
		return nil, err
	}
	return vm.fieldIn(c, ref, static)
}

func (vm *VM) fieldIn(c *Class, ref *MemberRef, static bool) (*Field, error) {
	f := c.FindField(ref.Name, ref.Desc)
	if f == nil {
		return nil, vm.Faultf(FaultNoSuchField, "%s", ref)
	}
	if f.IsStatic() != static {
		return nil, vm.Faultf(FaultIncompatibleClassChange, "%s: static mismatch", f)
	}
	return f, nil
}

func (vm *VM) resolveMethod(ref *MemberRef, kind invokeKind) (*Method, error) {
	c, err := vm.resolveClass(ref.Owner)
	if err != nil {
		return nil, err
	}
	return vm.methodIn(c, ref, kind)
}

func (vm *VM) methodIn(c *Class, ref *MemberRef, kind invokeKind) (*Method, error) {
	if kind == invokeInterface && !c.IsInterface() {
		return nil, vm.Faultf(FaultIncompatibleClassChange, "%s is not an interface", c.Name)
	}
	m := c.FindMethod(ref.Name, ref.Desc)
	if m == nil {
		return nil, vm.Faultf(FaultNoSuchMethod, "%s", ref)
	}
	if m.IsStatic() != (kind == invokeStatic) {
		return nil, vm.Faultf(FaultIncompatibleClassChange, "%s: static mismatch", m.Key())
	}
	return m, nil
}

// siteClass resolves and caches the class operand of the current
// instruction.
func (t *Thread) siteClass(f *Frame, name string) (*Class, error) {
	if l := f.Method.link(f.PC); l != nil {
		return l.class, nil
	}
	c, err := t.vm.resolveClass(name)
	if err != nil {
		return nil, err
	}
	return f.Method.setLink(f.PC, &siteLink{class: c}).class, nil
}

func (t *Thread) siteField(f *Frame, ref *MemberRef, static bool) (*Field, error) {
	if l := f.Method.link(f.PC); l != nil {
		return l.field, nil
	}
	fld, err := t.vm.resolveField(ref, static)
	if err != nil {
		return nil, err
	}
	return f.Method.setLink(f.PC, &siteLink{field: fld}).field, nil
}

func (t *Thread) siteMethod(f *Frame, ref *MemberRef, kind invokeKind) (*siteLink, error) {
	if l := f.Method.link(f.PC); l != nil {
		return l, nil
	}
	m, err := t.vm.resolveMethod(ref, kind)
	if err != nil {
		return nil, err
	}
	l := &siteLink{method: m}
	if kind == invokeVirtual || kind == invokeInterface {
		l.cache = &InlineCache{}
	}
	return f.Method.setLink(f.PC, l), nil
}

// ---------------------------------------------------------------------------
// Class initialization
// ---------------------------------------------------------------------------

// ensureInit runs c's static initializer on first active use. A thread
// that is already initializing c proceeds; others wait for it to finish.
func (t *Thread) ensureInit(c *Class) error {
	if c.state.Load() == classInitialized {
		return nil
	}
	c.initMu.Lock()
	for {
		switch c.state.Load() {
		case classInitialized:
			c.initMu.Unlock()
			return nil
		case classErroneous:
			c.initMu.Unlock()
			return t.vm.Faultf(FaultResolution, "initialization of %s failed earlier", c.Name)
		case classInitializing:
			if c.initThread == t.gid {
				c.initMu.Unlock()
				return nil
			}
			c.initCond.Wait()
		default:
			c.state.Store(classInitializing)
			c.initThread = t.gid
			c.initMu.Unlock()
			return t.initialize(c)
		}
	}
}

func (t *Thread) initialize(c *Class) error {
	var err error
	if c.Super != nil {
		err = t.ensureInit(c.Super)
	}
	if err == nil {
		if clinit := c.DeclaredMethod("<clinit>", "()V"); clinit != nil && clinit.IsStatic() {
			_, err = t.invoke(clinit, nil)
		}
	}

	c.initMu.Lock()
	if err != nil {
		c.state.Store(classErroneous)
	} else {
		c.state.Store(classInitialized)
	}
	c.initThread = 0
	c.initCond.Broadcast()
	c.initMu.Unlock()

	if exc, ok := err.(*Exception); ok {
		msg := exc.Error()
		exc.Release()
		t.vm.log.Warningf("initializer of %s failed: %s", c.Name, msg)
		return t.vm.Faultf(FaultInitialization, "%s: %s", c.Name, msg)
	}
	return err
}
