package vm

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// CompiledUnit: a method translated to threaded closures
// ---------------------------------------------------------------------------

var unitCounter atomic.Uint64

// CompiledUnit is the compiled form of one method. Each instruction becomes
// a step closure over typed register files; a step returns the index of the
// next step, or -1 to leave the unit.
type CompiledUnit struct {
	Name   string // synthetic unit name, cask/jit/UnitN
	Owner  string // declaring class of the source method
	Method string
	Desc   string

	// Constants holds resolved classes, fields, methods, interned strings
	// and symbolic references the steps close over, deduplicated.
	Constants []any

	// Labels maps the unit's label numbers to instruction indices.
	Labels []int

	// FailPaths counts member references known at compile time to be
	// missing; those steps raise the resolution fault when reached.
	FailPaths int

	method *Method
	steps  []step
	caches []*InlineCache
	size   int // registers per file: MaxLocals + MaxStack
}

// SourceMethod returns the method the unit was compiled from.
func (u *CompiledUnit) SourceMethod() *Method { return u.method }

func (u *CompiledUnit) String() string {
	return fmt.Sprintf("%s(%s.%s%s)", u.Name, u.Owner, u.Method, u.Desc)
}

// Disassemble lists the source instructions with the unit's labels.
func (u *CompiledUnit) Disassemble() string {
	labelAt := make(map[int]int, len(u.Labels))
	for id, pc := range u.Labels {
		labelAt[pc] = id
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n", u)
	for pc := range u.method.Code {
		if id, ok := labelAt[pc]; ok {
			fmt.Fprintf(&sb, "L%d:\n", id)
		}
		sb.WriteString(DisassembleInstruction(pc, &u.method.Code[pc]))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// step is one compiled instruction.
type step func(fr *cframe) int

// cframe is a compiled activation. Registers 0..MaxLocals-1 are the locals;
// the operand stack slot at depth d is register MaxLocals+d. A reference
// register is non-nil only while it owns a count.
type cframe struct {
	t      *Thread
	i      []uint32
	l      []uint64
	r      []*Object
	result Value
	err    error
}

func (fr *cframe) fail(err error) int {
	fr.err = err
	return -1
}

// value reads register k as type t without changing ownership.
func (fr *cframe) value(k int, t byte) Value {
	switch t {
	case TypeLong:
		return Long(int64(fr.l[k]))
	case TypeDouble:
		return Value{kind: KindDouble, bits: fr.l[k]}
	case TypeFloat:
		return Value{kind: KindFloat, bits: uint64(fr.i[k])}
	case TypeRef:
		return Ref(fr.r[k])
	}
	return Int(int32(fr.i[k]))
}

// take moves the value out of register k; a reference's count goes with it.
func (fr *cframe) take(k int, t byte) Value {
	v := fr.value(k, t)
	if t == TypeRef {
		fr.r[k] = nil
	}
	return v
}

// put writes an owned value into the empty stack register k.
func (fr *cframe) put(k int, v Value) {
	switch v.kind {
	case KindLong, KindDouble:
		fr.l[k] = v.bits
	case KindInt, KindFloat:
		fr.i[k] = uint32(v.bits)
	case KindRef:
		fr.r[k] = v.ref
	}
}

// putBorrowed writes a borrowed value, taking a count on a reference.
func (fr *cframe) putBorrowed(k int, v Value) {
	v.retain()
	fr.put(k, v)
}

// clearRef drops whatever reference register k owns.
func (fr *cframe) clearRef(k int) {
	if o := fr.r[k]; o != nil {
		fr.r[k] = nil
		o.Release()
	}
}

func (fr *cframe) releaseAll() {
	for k := range fr.r {
		fr.clearRef(k)
	}
}

// execute runs the unit on an activation built from locals, which it
// consumes. The result is owned by the caller.
func (u *CompiledUnit) execute(t *Thread, locals *Locals) (Value, error) {
	fr := &cframe{
		t: t,
		i: make([]uint32, u.size),
		l: make([]uint64, u.size),
		r: make([]*Object, u.size),
	}
	for k, v := range locals.drain() {
		fr.put(k, v)
	}
	pc := 0
	for pc >= 0 {
		pc = u.steps[pc](fr)
	}
	fr.releaseAll()
	if fr.err != nil {
		fr.result.release()
		return Null, fr.err
	}
	return fr.result, nil
}

// ---------------------------------------------------------------------------
// Installation
// ---------------------------------------------------------------------------

// Installer makes a compiled unit the method's executable body. Decorators
// can persist or inspect units on the way through.
type Installer interface {
	Install(m *Method, u *CompiledUnit) error
}

// DirectInstaller swaps the unit into the method. Threads already running
// the method finish on the body they started with.
type DirectInstaller struct{}

func (DirectInstaller) Install(m *Method, u *CompiledUnit) error {
	if u.method != m {
		return fmt.Errorf("unit %s was compiled from %s, not %s", u.Name, u.method.Key(), m.Key())
	}
	m.compiled.Store(u)
	return nil
}

// Uninstall reverts m to interpretation.
func Uninstall(m *Method) { m.compiled.Store(nil) }
