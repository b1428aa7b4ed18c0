package vm

import "fmt"

// ---------------------------------------------------------------------------
// Stack shapes
//
// Before emitting anything the compiler works out, for every instruction,
// what each operand stack slot holds on entry. Compiled code keeps values
// in typed register files, so every position must hold the same category
// on every path that reaches it.
// ---------------------------------------------------------------------------

type category uint8

const (
	cat32  category = iota + 1 // int, float, and the narrow integer types
	cat64                      // long or double; followed by catTop
	catTop                     // second slot of a cat64 value
	catRef                     // reference or null
)

func (c category) String() string {
	switch c {
	case cat32:
		return "32"
	case cat64:
		return "64"
	case catTop:
		return "top"
	case catRef:
		return "ref"
	}
	return "?"
}

// categoryOf maps a type character to its category.
func categoryOf(t byte) category {
	switch t {
	case TypeLong, TypeDouble:
		return cat64
	case TypeRef:
		return catRef
	}
	return cat32
}

// shape lists slot categories bottom to top.
type shape []category

func (s shape) equal(o shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// shaper applies one instruction's stack effect.
type shaper struct {
	m   *Method
	pc  int
	cur shape
	err error
}

func (sh *shaper) fail(format string, args ...any) {
	if sh.err == nil {
		sh.err = fmt.Errorf("%s@%d: %s", sh.m.Key(), sh.pc, fmt.Sprintf(format, args...))
	}
}

func (sh *shaper) push(c category) {
	sh.cur = append(sh.cur, c)
	if c == cat64 {
		sh.cur = append(sh.cur, catTop)
	}
	if len(sh.cur) > sh.m.MaxStack {
		sh.fail("operand stack exceeds max %d", sh.m.MaxStack)
	}
}

func (sh *shaper) pop(c category) {
	n := len(sh.cur)
	if c == cat64 {
		if n < 2 || sh.cur[n-1] != catTop || sh.cur[n-2] != cat64 {
			sh.fail("expected a 64-bit value on %v", sh.cur)
			return
		}
		sh.cur = sh.cur[:n-2]
		return
	}
	if n < 1 || sh.cur[n-1] != c {
		sh.fail("expected %s on %v", c, sh.cur)
		return
	}
	sh.cur = sh.cur[:n-1]
}

// popSlots removes n raw slots without checking categories, refusing to
// split a wide value.
func (sh *shaper) popSlots(n int) []category {
	if len(sh.cur) < n {
		sh.fail("stack underflow")
		return nil
	}
	base := len(sh.cur) - n
	if sh.cur[base] == catTop {
		sh.fail("operation splits a 64-bit value")
		return nil
	}
	out := append([]category(nil), sh.cur[base:]...)
	sh.cur = sh.cur[:base]
	return out
}

func (sh *shaper) popParams(mt MethodType) {
	for i := len(mt.Params) - 1; i >= 0; i-- {
		sh.pop(categoryOf(mt.Params[i]))
	}
}

// permutation describes a dup-family rearrangement over the top In slots:
// Out lists, bottom to top, which input slot lands in each output slot.
type permutation struct {
	In  int
	Out []int
}

var permutations = map[Opcode]permutation{
	OpDup:    {1, []int{0, 0}},
	OpDupX1:  {2, []int{1, 0, 1}},
	OpDupX2:  {3, []int{2, 0, 1, 2}},
	OpDup2:   {2, []int{0, 1, 0, 1}},
	OpDup2X1: {3, []int{1, 2, 0, 1, 2}},
	OpDup2X2: {4, []int{2, 3, 0, 1, 2, 3}},
	OpSwap:   {2, []int{1, 0}},
}

// arrayElemCategory gives the element category for array load and store
// opcodes.
func arrayElemCategory(op Opcode) category {
	switch op {
	case OpLaload, OpDaload, OpLastore, OpDastore:
		return cat64
	case OpAaload, OpAastore:
		return catRef
	}
	return cat32
}

// arrayElemType gives the element type character for array opcodes.
func arrayElemType(op Opcode) byte {
	switch op {
	case OpIaload, OpIastore:
		return TypeInt
	case OpLaload, OpLastore:
		return TypeLong
	case OpFaload, OpFastore:
		return TypeFloat
	case OpDaload, OpDastore:
		return TypeDouble
	case OpAaload, OpAastore:
		return TypeRef
	case OpBaload, OpBastore:
		return TypeByte
	case OpCaload, OpCastore:
		return TypeChar
	}
	return TypeShort
}

// loadStoreType gives the value type of a local load or store opcode.
func loadStoreType(op Opcode) byte {
	switch op {
	case OpLload, OpLload0, OpLload1, OpLload2, OpLload3,
		OpLstore, OpLstore0, OpLstore1, OpLstore2, OpLstore3:
		return TypeLong
	case OpFload, OpFload0, OpFload1, OpFload2, OpFload3,
		OpFstore, OpFstore0, OpFstore1, OpFstore2, OpFstore3:
		return TypeFloat
	case OpDload, OpDload0, OpDload1, OpDload2, OpDload3,
		OpDstore, OpDstore0, OpDstore1, OpDstore2, OpDstore3:
		return TypeDouble
	case OpAload, OpAload0, OpAload1, OpAload2, OpAload3,
		OpAstore, OpAstore0, OpAstore1, OpAstore2, OpAstore3:
		return TypeRef
	}
	return TypeInt
}

// returnType gives the value type of a return opcode.
func returnType(op Opcode) byte {
	switch op {
	case OpLreturn:
		return TypeLong
	case OpFreturn:
		return TypeFloat
	case OpDreturn:
		return TypeDouble
	case OpAreturn:
		return TypeRef
	case OpReturn:
		return TypeVoid
	}
	return TypeInt
}

// conversionTypes gives the source and result types of a conversion.
func conversionTypes(op Opcode) (from, to byte) {
	switch op {
	case OpI2l:
		return TypeInt, TypeLong
	case OpI2f:
		return TypeInt, TypeFloat
	case OpI2d:
		return TypeInt, TypeDouble
	case OpL2i:
		return TypeLong, TypeInt
	case OpL2f:
		return TypeLong, TypeFloat
	case OpL2d:
		return TypeLong, TypeDouble
	case OpF2i:
		return TypeFloat, TypeInt
	case OpF2l:
		return TypeFloat, TypeLong
	case OpF2d:
		return TypeFloat, TypeDouble
	case OpD2i:
		return TypeDouble, TypeInt
	case OpD2l:
		return TypeDouble, TypeLong
	case OpD2f:
		return TypeDouble, TypeFloat
	}
	return TypeInt, TypeInt
}

func constCategory(c any) category {
	switch c.(type) {
	case int64, float64:
		return cat64
	case string, ClassRef:
		return catRef
	}
	return cat32
}

// apply transforms sh.cur by the effect of in.
func (sh *shaper) apply(in *Instruction) {
	op := in.Op
	switch {
	case op == OpNop, op == OpIinc, op == OpGoto, op == OpGotoW, op == OpReturn:
	case op == OpAconstNull:
		sh.push(catRef)
	case op >= OpIconstM1 && op <= OpIconst5, op >= OpFconst0 && op <= OpFconst2,
		op == OpBipush, op == OpSipush:
		sh.push(cat32)
	case op == OpLconst0, op == OpLconst1, op == OpDconst0, op == OpDconst1:
		sh.push(cat64)
	case op == OpLdc, op == OpLdcW, op == OpLdc2W:
		sh.push(constCategory(in.Const))
	case op >= OpIload && op <= OpAload3:
		sh.push(categoryOf(loadStoreType(op)))
	case op >= OpIaload && op <= OpSaload:
		sh.pop(cat32)
		sh.pop(catRef)
		sh.push(arrayElemCategory(op))
	case op >= OpIstore && op <= OpAstore3:
		sh.pop(categoryOf(loadStoreType(op)))
	case op >= OpIastore && op <= OpSastore:
		sh.pop(arrayElemCategory(op))
		sh.pop(cat32)
		sh.pop(catRef)
	case op == OpPop:
		sh.popSlots(1)
	case op == OpPop2:
		sh.popSlots(2)
	case op >= OpDup && op <= OpSwap:
		p := permutations[op]
		in := sh.popSlots(p.In)
		if in == nil {
			return
		}
		for _, k := range p.Out {
			sh.cur = append(sh.cur, in[k])
		}
		if len(sh.cur) > sh.m.MaxStack {
			sh.fail("operand stack exceeds max %d", sh.m.MaxStack)
		}
		if n := len(sh.cur); sh.cur[n-1] == cat64 || sh.cur[n-len(p.Out)] == catTop {
			sh.fail("%s splits a 64-bit value", op)
		}
	case intBinaryOps[op] != nil, op == OpIdiv, op == OpIrem:
		sh.pop(cat32)
		sh.pop(cat32)
		sh.push(cat32)
	case longBinaryOps[op] != nil, op == OpLdiv, op == OpLrem:
		sh.pop(cat64)
		sh.pop(cat64)
		sh.push(cat64)
	case longShiftOps[op] != nil:
		sh.pop(cat32)
		sh.pop(cat64)
		sh.push(cat64)
	case floatBinaryOps[op] != nil:
		sh.pop(cat32)
		sh.pop(cat32)
		sh.push(cat32)
	case doubleBinaryOps[op] != nil:
		sh.pop(cat64)
		sh.pop(cat64)
		sh.push(cat64)
	case op == OpIneg, op == OpFneg, op == OpI2b, op == OpI2c, op == OpI2s:
		sh.pop(cat32)
		sh.push(cat32)
	case op == OpLneg, op == OpDneg:
		sh.pop(cat64)
		sh.push(cat64)
	case op >= OpI2l && op <= OpD2f:
		from, to := conversionTypes(op)
		sh.pop(categoryOf(from))
		sh.push(categoryOf(to))
	case op == OpLcmp, op == OpDcmpl, op == OpDcmpg:
		sh.pop(cat64)
		sh.pop(cat64)
		sh.push(cat32)
	case op == OpFcmpl, op == OpFcmpg:
		sh.pop(cat32)
		sh.pop(cat32)
		sh.push(cat32)
	case op >= OpIfeq && op <= OpIfle, op == OpTableswitch, op == OpLookupswitch:
		sh.pop(cat32)
	case op >= OpIfIcmpeq && op <= OpIfIcmple:
		sh.pop(cat32)
		sh.pop(cat32)
	case op == OpIfAcmpeq, op == OpIfAcmpne:
		sh.pop(catRef)
		sh.pop(catRef)
	case op == OpIfnull, op == OpIfnonnull, op == OpAthrow,
		op == OpMonitorenter, op == OpMonitorexit:
		sh.pop(catRef)
	case op >= OpIreturn && op <= OpAreturn:
		sh.pop(categoryOf(returnType(op)))
	case op == OpGetstatic:
		sh.push(categoryOf(mustFieldType(in.Member.Desc)))
	case op == OpPutstatic:
		sh.pop(categoryOf(mustFieldType(in.Member.Desc)))
	case op == OpGetfield:
		sh.pop(catRef)
		sh.push(categoryOf(mustFieldType(in.Member.Desc)))
	case op == OpPutfield:
		sh.pop(categoryOf(mustFieldType(in.Member.Desc)))
		sh.pop(catRef)
	case op >= OpInvokevirtual && op <= OpInvokeinterface:
		mt, err := ParseMethodDescriptor(in.Member.Desc)
		if err != nil {
			sh.fail("%v", err)
			return
		}
		sh.popParams(mt)
		if op != OpInvokestatic {
			sh.pop(catRef)
		}
		if mt.Return != TypeVoid {
			sh.push(categoryOf(mt.Return))
		}
	case op == OpNew:
		sh.push(catRef)
	case op == OpNewarray, op == OpAnewarray:
		sh.pop(cat32)
		sh.push(catRef)
	case op == OpArraylength, op == OpInstanceof:
		sh.pop(catRef)
		sh.push(cat32)
	case op == OpCheckcast:
		sh.pop(catRef)
		sh.push(catRef)
	case op == OpMultianewarray:
		for i := 0; i < in.A; i++ {
			sh.pop(cat32)
		}
		sh.push(catRef)
	default:
		sh.fail("%s cannot be compiled", op)
	}
}

func mustFieldType(desc string) byte {
	t, err := FieldType(desc)
	if err != nil {
		return TypeInt
	}
	return t
}

// successors returns the instructions control may reach after pc.
func successors(code []Instruction, pc int) []int {
	in := &code[pc]
	var out []int
	switch in.Op.Info().Operand {
	case OperandBranch:
		out = append(out, in.A)
	case OperandSwitch:
		out = append(out, in.Switch.Default)
		out = append(out, in.Switch.Targets...)
	}
	if !endsBlock(in.Op) && pc+1 < len(code) {
		out = append(out, pc+1)
	}
	return out
}

// computeShapes returns the entry shape of every reachable instruction;
// unreachable ones are nil.
func computeShapes(m *Method) ([]shape, error) {
	shapes := make([]shape, len(m.Code))
	reached := make([]bool, len(m.Code))
	shapes[0], reached[0] = shape{}, true
	work := []int{0}
	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]

		sh := &shaper{m: m, pc: pc, cur: append(shape(nil), shapes[pc]...)}
		sh.apply(&m.Code[pc])
		if sh.err != nil {
			return nil, sh.err
		}
		for _, next := range successors(m.Code, pc) {
			if !reached[next] {
				reached[next] = true
				shapes[next] = append(shape{}, sh.cur...)
				work = append(work, next)
				continue
			}
			if !shapes[next].equal(sh.cur) {
				return nil, fmt.Errorf("%s@%d: stack shape %v meets %v", m.Key(), next, sh.cur, shapes[next])
			}
		}
	}
	return shapes, nil
}
