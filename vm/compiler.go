package vm

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Compiler: bytecode to threaded closures
//
// The compiler handles straight-line and branching code without exception
// handlers, subroutines or dynamic call sites. Everything else stays on the
// interpreter. A compiled unit must be indistinguishable from interpreting
// the same method: same results, same faults, same heap effects.
// ---------------------------------------------------------------------------

// ErrNotCompilable is returned for methods outside the compiler's subset.
var ErrNotCompilable = errors.New("method is not compilable")

// IsCompilable reports whether m is inside the compiled subset.
func IsCompilable(m *Method) bool {
	if m.IsNative() || m.IsAbstract() || len(m.Code) == 0 || len(m.Handlers) > 0 {
		return false
	}
	for i := range m.Code {
		switch m.Code[i].Op {
		case OpInvokedynamic, OpJsr, OpJsrW, OpRet:
			return false
		}
	}
	return true
}

// Compiler translates methods into compiled units.
type Compiler struct {
	vm  *VM
	log commonlog.Logger
}

// NewCompiler creates a compiler resolving against vm's class table.
func NewCompiler(vm *VM) *Compiler {
	return &Compiler{vm: vm, log: commonlog.GetLogger("cask.compiler")}
}

// Compile translates m. The unit is not installed.
func (c *Compiler) Compile(m *Method) (*CompiledUnit, error) {
	if !IsCompilable(m) {
		return nil, fmt.Errorf("%s: %w", m.Key(), ErrNotCompilable)
	}
	if err := m.verified(); err != nil {
		return nil, err
	}
	shapes, err := computeShapes(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCompilable, err)
	}

	owner := "<detached>"
	if m.Owner != nil {
		owner = m.Owner.Name
	}
	u := &CompiledUnit{
		Name:   fmt.Sprintf("cask/jit/Unit%d", unitCounter.Add(1)),
		Owner:  owner,
		Method: m.Name,
		Desc:   m.Desc,
		method: m,
		steps:  make([]step, len(m.Code)),
		size:   m.MaxLocals + m.MaxStack,
	}
	e := &emitter{
		vm:     c.vm,
		m:      m,
		u:      u,
		shapes: shapes,
		consts: make(map[any]int),
		labels: make(map[int]int),
	}
	for pc := range m.Code {
		s, err := e.emit(pc)
		if err != nil {
			return nil, fmt.Errorf("%s@%d: %w", m.Key(), pc, err)
		}
		u.steps[pc] = s
	}
	c.log.Debugf("compiled %s as %s: %d constants, %d labels, %d fail paths",
		m.Key(), u.Name, len(u.Constants), len(u.Labels), u.FailPaths)
	return u, nil
}

// ---------------------------------------------------------------------------
// Member resolution at compile time
//
// A reference whose owner is already defined is resolved now. If the owner
// is defined but lacks the member, the step raises the resolution fault
// each time it runs. If the owner is not yet defined, the step resolves on
// first use and keeps the answer.
// ---------------------------------------------------------------------------

type emitter struct {
	vm     *VM
	m      *Method
	u      *CompiledUnit
	shapes []shape
	consts map[any]int
	labels map[int]int
}

// constant adds v to the unit's constant table under key, once.
func (e *emitter) constant(key, v any) int {
	if idx, ok := e.consts[key]; ok {
		return idx
	}
	idx := len(e.u.Constants)
	e.u.Constants = append(e.u.Constants, v)
	e.consts[key] = idx
	return idx
}

// label numbers a branch target.
func (e *emitter) label(pc int) int {
	if id, ok := e.labels[pc]; ok {
		return id
	}
	id := len(e.u.Labels)
	e.u.Labels = append(e.u.Labels, pc)
	e.labels[pc] = id
	return id
}

// discard releases a fault raised while probing at compile time.
func discard(err error) {
	if exc, ok := AsException(err); ok {
		exc.Release()
	}
}

type classResolver func(fr *cframe) (*Class, error)

func (e *emitter) classRef(name string) classResolver {
	if c := e.vm.Classes.Lookup(name); c != nil {
		e.constant(c, c)
		return func(*cframe) (*Class, error) { return c, nil }
	}
	e.constant(ClassRef(name), ClassRef(name))
	var cached lazy[Class]
	return func(fr *cframe) (*Class, error) {
		return cached.get(func() (*Class, error) { return fr.t.vm.resolveClass(name) })
	}
}

type fieldResolver func(fr *cframe) (*Field, error)

func (e *emitter) fieldRef(ref *MemberRef, static bool) fieldResolver {
	if c := e.vm.Classes.Lookup(ref.Owner); c != nil {
		f, err := e.vm.fieldIn(c, ref, static)
		if err == nil {
			e.constant(f, f)
			return func(*cframe) (*Field, error) { return f, nil }
		}
		discard(err)
		e.u.FailPaths++
		return func(fr *cframe) (*Field, error) { return fr.t.vm.fieldIn(c, ref, static) }
	}
	e.constant(*ref, ref)
	var cached lazy[Field]
	return func(fr *cframe) (*Field, error) {
		return cached.get(func() (*Field, error) { return fr.t.vm.resolveField(ref, static) })
	}
}

type methodResolver func(fr *cframe) (*Method, error)

func (e *emitter) methodRef(ref *MemberRef, kind invokeKind) methodResolver {
	if c := e.vm.Classes.Lookup(ref.Owner); c != nil {
		m, err := e.vm.methodIn(c, ref, kind)
		if err == nil {
			e.constant(m, m)
			return func(*cframe) (*Method, error) { return m, nil }
		}
		discard(err)
		e.u.FailPaths++
		return func(fr *cframe) (*Method, error) { return fr.t.vm.methodIn(c, ref, kind) }
	}
	e.constant(*ref, ref)
	var cached lazy[Method]
	return func(fr *cframe) (*Method, error) {
		return cached.get(func() (*Method, error) { return fr.t.vm.resolveMethod(ref, kind) })
	}
}
