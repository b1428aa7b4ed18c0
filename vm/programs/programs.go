// Package programs assembles a small library of guest methods used by the
// command line tool and by tests that need real compiled units.
package programs

import (
	"fmt"
	"sort"

	"github.com/chazu/cask/vm"
)

// Class names defined by Define.
const (
	ProgramsClass = "demo/Programs"
	PolygonClass  = "demo/Polygon"
	SquareClass   = "demo/Square"
	TriangleClass = "demo/Triangle"
)

// Program is a guest method together with a representative input.
type Program struct {
	Name   string
	Desc   string
	Args   []vm.Value
	Method *vm.Method
}

type source struct {
	name      string
	desc      string
	maxStack  int
	maxLocals int
	args      []vm.Value
	build     func(b *vm.CodeBuilder)
}

var sources = []source{
	{
		name: "sum", desc: "(I)I", maxStack: 2, maxLocals: 3,
		args: []vm.Value{vm.Int(1000)},
		build: func(b *vm.CodeBuilder) {
			top, end := b.NewLabel(), b.NewLabel()
			b.Emit(vm.OpIconst0)
			b.Emit(vm.OpIstore1)
			b.Emit(vm.OpIconst1)
			b.Emit(vm.OpIstore2)
			b.Mark(top)
			b.Emit(vm.OpIload2)
			b.Emit(vm.OpIload0)
			b.EmitJump(vm.OpIfIcmpgt, end)
			b.Emit(vm.OpIload1)
			b.Emit(vm.OpIload2)
			b.Emit(vm.OpIadd)
			b.Emit(vm.OpIstore1)
			b.EmitIinc(2, 1)
			b.EmitJump(vm.OpGoto, top)
			b.Mark(end)
			b.Emit(vm.OpIload1)
			b.Emit(vm.OpIreturn)
		},
	},
	{
		name: "factorial", desc: "(I)J", maxStack: 4, maxLocals: 1,
		args: []vm.Value{vm.Int(20)},
		build: func(b *vm.CodeBuilder) {
			recurse := b.NewLabel()
			b.Emit(vm.OpIload0)
			b.Emit(vm.OpIconst1)
			b.EmitJump(vm.OpIfIcmpgt, recurse)
			b.Emit(vm.OpLconst1)
			b.Emit(vm.OpLreturn)
			b.Mark(recurse)
			b.Emit(vm.OpIload0)
			b.Emit(vm.OpI2l)
			b.Emit(vm.OpIload0)
			b.Emit(vm.OpIconst1)
			b.Emit(vm.OpIsub)
			b.EmitInvoke(vm.OpInvokestatic, ProgramsClass, "factorial", "(I)J")
			b.Emit(vm.OpLmul)
			b.Emit(vm.OpLreturn)
		},
	},
	{
		// Locals: 0 n, 1-2 a, 3-4 b, 5 i, 6-7 scratch.
		name: "fib", desc: "(I)J", maxStack: 4, maxLocals: 8,
		args: []vm.Value{vm.Int(90)},
		build: func(b *vm.CodeBuilder) {
			top, end := b.NewLabel(), b.NewLabel()
			b.Emit(vm.OpLconst0)
			b.Emit(vm.OpLstore1)
			b.Emit(vm.OpLconst1)
			b.Emit(vm.OpLstore3)
			b.Emit(vm.OpIconst0)
			b.EmitLocal(vm.OpIstore, 5)
			b.Mark(top)
			b.EmitLocal(vm.OpIload, 5)
			b.Emit(vm.OpIload0)
			b.EmitJump(vm.OpIfIcmpge, end)
			b.Emit(vm.OpLload1)
			b.Emit(vm.OpLload3)
			b.Emit(vm.OpLadd)
			b.EmitLocal(vm.OpLstore, 6)
			b.Emit(vm.OpLload3)
			b.Emit(vm.OpLstore1)
			b.EmitLocal(vm.OpLload, 6)
			b.Emit(vm.OpLstore3)
			b.EmitIinc(5, 1)
			b.EmitJump(vm.OpGoto, top)
			b.Mark(end)
			b.Emit(vm.OpLload1)
			b.Emit(vm.OpLreturn)
		},
	},
	{
		// Counts primes below n. Locals: 0 n, 1 composite[], 2 i, 3 j, 4 count.
		name: "sieve", desc: "(I)I", maxStack: 3, maxLocals: 5,
		args: []vm.Value{vm.Int(10000)},
		build: func(b *vm.CodeBuilder) {
			outer, inner, next, done := b.NewLabel(), b.NewLabel(), b.NewLabel(), b.NewLabel()
			b.Emit(vm.OpIload0)
			b.EmitInt(vm.OpNewarray, vm.ArrayTypeByte)
			b.Emit(vm.OpAstore1)
			b.Emit(vm.OpIconst0)
			b.EmitLocal(vm.OpIstore, 4)
			b.Emit(vm.OpIconst2)
			b.Emit(vm.OpIstore2)
			b.Mark(outer)
			b.Emit(vm.OpIload2)
			b.Emit(vm.OpIload0)
			b.EmitJump(vm.OpIfIcmpge, done)
			b.Emit(vm.OpAload1)
			b.Emit(vm.OpIload2)
			b.Emit(vm.OpBaload)
			b.EmitJump(vm.OpIfne, next)
			b.EmitIinc(4, 1)
			b.Emit(vm.OpIload2)
			b.Emit(vm.OpIload2)
			b.Emit(vm.OpImul)
			b.Emit(vm.OpIstore3)
			b.Mark(inner)
			b.Emit(vm.OpIload3)
			b.Emit(vm.OpIload0)
			b.EmitJump(vm.OpIfIcmpge, next)
			b.Emit(vm.OpAload1)
			b.Emit(vm.OpIload3)
			b.Emit(vm.OpIconst1)
			b.Emit(vm.OpBastore)
			b.Emit(vm.OpIload3)
			b.Emit(vm.OpIload2)
			b.Emit(vm.OpIadd)
			b.Emit(vm.OpIstore3)
			b.EmitJump(vm.OpGoto, inner)
			b.Mark(next)
			b.EmitIinc(2, 1)
			b.EmitJump(vm.OpGoto, outer)
			b.Mark(done)
			b.EmitLocal(vm.OpIload, 4)
			b.Emit(vm.OpIreturn)
		},
	},
	{
		// Sums the sides of n alternating squares and triangles through an
		// interface call.
		name: "polygons", desc: "(I)I", maxStack: 2, maxLocals: 3,
		args: []vm.Value{vm.Int(1000)},
		build: func(b *vm.CodeBuilder) {
			top, tri, call, end := b.NewLabel(), b.NewLabel(), b.NewLabel(), b.NewLabel()
			b.Emit(vm.OpIconst0)
			b.Emit(vm.OpIstore1)
			b.Emit(vm.OpIconst0)
			b.Emit(vm.OpIstore2)
			b.Mark(top)
			b.Emit(vm.OpIload1)
			b.Emit(vm.OpIload0)
			b.EmitJump(vm.OpIfIcmpge, end)
			b.Emit(vm.OpIload1)
			b.Emit(vm.OpIconst2)
			b.Emit(vm.OpIrem)
			b.EmitJump(vm.OpIfne, tri)
			b.EmitType(vm.OpNew, SquareClass)
			b.Emit(vm.OpDup)
			b.EmitInvoke(vm.OpInvokespecial, SquareClass, "<init>", "()V")
			b.EmitJump(vm.OpGoto, call)
			b.Mark(tri)
			b.EmitType(vm.OpNew, TriangleClass)
			b.Emit(vm.OpDup)
			b.EmitInvoke(vm.OpInvokespecial, TriangleClass, "<init>", "()V")
			b.Mark(call)
			b.EmitInvoke(vm.OpInvokeinterface, PolygonClass, "sides", "()I")
			b.Emit(vm.OpIload2)
			b.Emit(vm.OpIadd)
			b.Emit(vm.OpIstore2)
			b.EmitIinc(1, 1)
			b.EmitJump(vm.OpGoto, top)
			b.Mark(end)
			b.Emit(vm.OpIload2)
			b.Emit(vm.OpIreturn)
		},
	},
	{
		// Integer division yielding -1 when the divisor is zero.
		name: "safeDiv", desc: "(II)I", maxStack: 2, maxLocals: 2,
		args: []vm.Value{vm.Int(84), vm.Int(0)},
		build: func(b *vm.CodeBuilder) {
			start, end, handler := b.NewLabel(), b.NewLabel(), b.NewLabel()
			b.Mark(start)
			b.Emit(vm.OpIload0)
			b.Emit(vm.OpIload1)
			b.Emit(vm.OpIdiv)
			b.Mark(end)
			b.Emit(vm.OpIreturn)
			b.Mark(handler)
			b.Emit(vm.OpPop)
			b.Emit(vm.OpIconstM1)
			b.Emit(vm.OpIreturn)
			b.AddHandler(start, end, handler, "java/lang/ArithmeticException")
		},
	},
	{
		name: "greeting", desc: "()Ljava/lang/String;", maxStack: 1, maxLocals: 0,
		build: func(b *vm.CodeBuilder) {
			b.EmitLdc("hello from cask")
			b.Emit(vm.OpAreturn)
		},
	},
}

// Names lists the programs Define provides, sorted.
func Names() []string {
	names := make([]string, 0, len(sources))
	for _, s := range sources {
		names = append(names, s.name)
	}
	sort.Strings(names)
	return names
}

// Define loads the program classes into v and returns the programs by name.
func Define(v *vm.VM) (map[string]*Program, error) {
	sides := func(n int) (*vm.Method, error) {
		return assemble("sides", "()I", vm.AccPublic, 1, 1, func(b *vm.CodeBuilder) {
			b.EmitInt(vm.OpBipush, n)
			b.Emit(vm.OpIreturn)
		})
	}
	square, err := sides(4)
	if err != nil {
		return nil, err
	}
	triangle, err := sides(3)
	if err != nil {
		return nil, err
	}

	defs := []*vm.ClassDef{
		{
			Name:  PolygonClass,
			Super: "java/lang/Object",
			Flags: vm.AccPublic | vm.AccInterface | vm.AccAbstract,
			Methods: []*vm.Method{
				{Name: "sides", Desc: "()I", Flags: vm.AccPublic | vm.AccAbstract},
			},
		},
		{
			Name:       SquareClass,
			Super:      "java/lang/Object",
			Interfaces: []string{PolygonClass},
			Flags:      vm.AccPublic,
			Methods:    []*vm.Method{constructor(), square},
		},
		{
			Name:       TriangleClass,
			Super:      "java/lang/Object",
			Interfaces: []string{PolygonClass},
			Flags:      vm.AccPublic,
			Methods:    []*vm.Method{constructor(), triangle},
		},
	}

	out := make(map[string]*Program, len(sources))
	main := &vm.ClassDef{Name: ProgramsClass, Super: "java/lang/Object", Flags: vm.AccPublic}
	for _, s := range sources {
		m, err := assemble(s.name, s.desc, vm.AccPublic|vm.AccStatic, s.maxStack, s.maxLocals, s.build)
		if err != nil {
			return nil, err
		}
		main.Methods = append(main.Methods, m)
		out[s.name] = &Program{Name: s.name, Desc: s.desc, Args: s.args, Method: m}
	}
	defs = append(defs, main)

	for _, def := range defs {
		if _, err := v.Define(def); err != nil {
			return nil, fmt.Errorf("defining %s: %w", def.Name, err)
		}
	}
	return out, nil
}

func assemble(name, desc string, flags vm.AccessFlags, maxStack, maxLocals int, build func(b *vm.CodeBuilder)) (*vm.Method, error) {
	b := vm.NewCodeBuilder()
	build(b)
	code, handlers, err := b.Code()
	if err != nil {
		return nil, fmt.Errorf("assembling %s: %w", name, err)
	}
	return &vm.Method{
		Name:      name,
		Desc:      desc,
		Flags:     flags,
		MaxStack:  maxStack,
		MaxLocals: maxLocals,
		Code:      code,
		Handlers:  handlers,
	}, nil
}

func constructor() *vm.Method {
	b := vm.NewCodeBuilder()
	b.Emit(vm.OpAload0)
	b.EmitInvoke(vm.OpInvokespecial, "java/lang/Object", "<init>", "()V")
	b.Emit(vm.OpReturn)
	code, _, _ := b.Code()
	return &vm.Method{Name: "<init>", Desc: "()V", Flags: vm.AccPublic, MaxStack: 1, MaxLocals: 1, Code: code}
}
