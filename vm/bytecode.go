package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is a single instruction code. Numbering follows the standard
// class-file encoding so parsed method bodies map one to one.
type Opcode byte

// Constants
const (
	OpNop        Opcode = 0x00 // no operation
	OpAconstNull Opcode = 0x01 // push null
	OpIconstM1   Opcode = 0x02 // push int -1
	OpIconst0    Opcode = 0x03
	OpIconst1    Opcode = 0x04
	OpIconst2    Opcode = 0x05
	OpIconst3    Opcode = 0x06
	OpIconst4    Opcode = 0x07
	OpIconst5    Opcode = 0x08
	OpLconst0    Opcode = 0x09
	OpLconst1    Opcode = 0x0a
	OpFconst0    Opcode = 0x0b
	OpFconst1    Opcode = 0x0c
	OpFconst2    Opcode = 0x0d
	OpDconst0    Opcode = 0x0e
	OpDconst1    Opcode = 0x0f
	OpBipush     Opcode = 0x10 // push byte immediate
	OpSipush     Opcode = 0x11 // push short immediate
	OpLdc        Opcode = 0x12 // push constant
	OpLdcW       Opcode = 0x13 // push constant (wide index)
	OpLdc2W      Opcode = 0x14 // push long or double constant
)

// Loads
const (
	OpIload  Opcode = 0x15
	OpLload  Opcode = 0x16
	OpFload  Opcode = 0x17
	OpDload  Opcode = 0x18
	OpAload  Opcode = 0x19
	OpIload0 Opcode = 0x1a
	OpIload1 Opcode = 0x1b
	OpIload2 Opcode = 0x1c
	OpIload3 Opcode = 0x1d
	OpLload0 Opcode = 0x1e
	OpLload1 Opcode = 0x1f
	OpLload2 Opcode = 0x20
	OpLload3 Opcode = 0x21
	OpFload0 Opcode = 0x22
	OpFload1 Opcode = 0x23
	OpFload2 Opcode = 0x24
	OpFload3 Opcode = 0x25
	OpDload0 Opcode = 0x26
	OpDload1 Opcode = 0x27
	OpDload2 Opcode = 0x28
	OpDload3 Opcode = 0x29
	OpAload0 Opcode = 0x2a
	OpAload1 Opcode = 0x2b
	OpAload2 Opcode = 0x2c
	OpAload3 Opcode = 0x2d
	OpIaload Opcode = 0x2e
	OpLaload Opcode = 0x2f
	OpFaload Opcode = 0x30
	OpDaload Opcode = 0x31
	OpAaload Opcode = 0x32
	OpBaload Opcode = 0x33
	OpCaload Opcode = 0x34
	OpSaload Opcode = 0x35
)

// Stores
const (
	OpIstore  Opcode = 0x36
	OpLstore  Opcode = 0x37
	OpFstore  Opcode = 0x38
	OpDstore  Opcode = 0x39
	OpAstore  Opcode = 0x3a
	OpIstore0 Opcode = 0x3b
	OpIstore1 Opcode = 0x3c
	OpIstore2 Opcode = 0x3d
	OpIstore3 Opcode = 0x3e
	OpLstore0 Opcode = 0x3f
	OpLstore1 Opcode = 0x40
	OpLstore2 Opcode = 0x41
	OpLstore3 Opcode = 0x42
	OpFstore0 Opcode = 0x43
	OpFstore1 Opcode = 0x44
	OpFstore2 Opcode = 0x45
	OpFstore3 Opcode = 0x46
	OpDstore0 Opcode = 0x47
	OpDstore1 Opcode = 0x48
	OpDstore2 Opcode = 0x49
	OpDstore3 Opcode = 0x4a
	OpAstore0 Opcode = 0x4b
	OpAstore1 Opcode = 0x4c
	OpAstore2 Opcode = 0x4d
	OpAstore3 Opcode = 0x4e
	OpIastore Opcode = 0x4f
	OpLastore Opcode = 0x50
	OpFastore Opcode = 0x51
	OpDastore Opcode = 0x52
	OpAastore Opcode = 0x53
	OpBastore Opcode = 0x54
	OpCastore Opcode = 0x55
	OpSastore Opcode = 0x56
)

// Stack
const (
	OpPop    Opcode = 0x57
	OpPop2   Opcode = 0x58
	OpDup    Opcode = 0x59
	OpDupX1  Opcode = 0x5a
	OpDupX2  Opcode = 0x5b
	OpDup2   Opcode = 0x5c
	OpDup2X1 Opcode = 0x5d
	OpDup2X2 Opcode = 0x5e
	OpSwap   Opcode = 0x5f
)

// Math
const (
	OpIadd  Opcode = 0x60
	OpLadd  Opcode = 0x61
	OpFadd  Opcode = 0x62
	OpDadd  Opcode = 0x63
	OpIsub  Opcode = 0x64
	OpLsub  Opcode = 0x65
	OpFsub  Opcode = 0x66
	OpDsub  Opcode = 0x67
	OpImul  Opcode = 0x68
	OpLmul  Opcode = 0x69
	OpFmul  Opcode = 0x6a
	OpDmul  Opcode = 0x6b
	OpIdiv  Opcode = 0x6c
	OpLdiv  Opcode = 0x6d
	OpFdiv  Opcode = 0x6e
	OpDdiv  Opcode = 0x6f
	OpIrem  Opcode = 0x70
	OpLrem  Opcode = 0x71
	OpFrem  Opcode = 0x72
	OpDrem  Opcode = 0x73
	OpIneg  Opcode = 0x74
	OpLneg  Opcode = 0x75
	OpFneg  Opcode = 0x76
	OpDneg  Opcode = 0x77
	OpIshl  Opcode = 0x78
	OpLshl  Opcode = 0x79
	OpIshr  Opcode = 0x7a
	OpLshr  Opcode = 0x7b
	OpIushr Opcode = 0x7c
	OpLushr Opcode = 0x7d
	OpIand  Opcode = 0x7e
	OpLand  Opcode = 0x7f
	OpIor   Opcode = 0x80
	OpLor   Opcode = 0x81
	OpIxor  Opcode = 0x82
	OpLxor  Opcode = 0x83
	OpIinc  Opcode = 0x84 // increment local by immediate
)

// Conversions
const (
	OpI2l Opcode = 0x85
	OpI2f Opcode = 0x86
	OpI2d Opcode = 0x87
	OpL2i Opcode = 0x88
	OpL2f Opcode = 0x89
	OpL2d Opcode = 0x8a
	OpF2i Opcode = 0x8b
	OpF2l Opcode = 0x8c
	OpF2d Opcode = 0x8d
	OpD2i Opcode = 0x8e
	OpD2l Opcode = 0x8f
	OpD2f Opcode = 0x90
	OpI2b Opcode = 0x91
	OpI2c Opcode = 0x92
	OpI2s Opcode = 0x93
)

// Comparisons and control flow
const (
	OpLcmp         Opcode = 0x94
	OpFcmpl        Opcode = 0x95
	OpFcmpg        Opcode = 0x96
	OpDcmpl        Opcode = 0x97
	OpDcmpg        Opcode = 0x98
	OpIfeq         Opcode = 0x99
	OpIfne         Opcode = 0x9a
	OpIflt         Opcode = 0x9b
	OpIfge         Opcode = 0x9c
	OpIfgt         Opcode = 0x9d
	OpIfle         Opcode = 0x9e
	OpIfIcmpeq     Opcode = 0x9f
	OpIfIcmpne     Opcode = 0xa0
	OpIfIcmplt     Opcode = 0xa1
	OpIfIcmpge     Opcode = 0xa2
	OpIfIcmpgt     Opcode = 0xa3
	OpIfIcmple     Opcode = 0xa4
	OpIfAcmpeq     Opcode = 0xa5
	OpIfAcmpne     Opcode = 0xa6
	OpGoto         Opcode = 0xa7
	OpJsr          Opcode = 0xa8 // legacy subroutine call
	OpRet          Opcode = 0xa9 // legacy subroutine return
	OpTableswitch  Opcode = 0xaa // dense multi-way branch
	OpLookupswitch Opcode = 0xab // sparse multi-way branch
	OpIreturn      Opcode = 0xac
	OpLreturn      Opcode = 0xad
	OpFreturn      Opcode = 0xae
	OpDreturn      Opcode = 0xaf
	OpAreturn      Opcode = 0xb0
	OpReturn       Opcode = 0xb1
)

// References
const (
	OpGetstatic       Opcode = 0xb2
	OpPutstatic       Opcode = 0xb3
	OpGetfield        Opcode = 0xb4
	OpPutfield        Opcode = 0xb5
	OpInvokevirtual   Opcode = 0xb6
	OpInvokespecial   Opcode = 0xb7
	OpInvokestatic    Opcode = 0xb8
	OpInvokeinterface Opcode = 0xb9
	OpInvokedynamic   Opcode = 0xba
	OpNew             Opcode = 0xbb
	OpNewarray        Opcode = 0xbc
	OpAnewarray       Opcode = 0xbd
	OpArraylength     Opcode = 0xbe
	OpAthrow          Opcode = 0xbf
	OpCheckcast       Opcode = 0xc0
	OpInstanceof      Opcode = 0xc1
	OpMonitorenter    Opcode = 0xc2
	OpMonitorexit     Opcode = 0xc3
	OpWide            Opcode = 0xc4 // prefix; folded into the next instruction when parsed
	OpMultianewarray  Opcode = 0xc5
	OpIfnull          Opcode = 0xc6
	OpIfnonnull       Opcode = 0xc7
	OpGotoW           Opcode = 0xc8
	OpJsrW            Opcode = 0xc9
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OperandKind describes which Instruction fields an opcode uses.
type OperandKind uint8

const (
	OperandNone       OperandKind = iota
	OperandImmediate              // A holds an immediate (bipush, sipush, newarray type)
	OperandLocal                  // A holds a locals index
	OperandIinc                   // A holds the index, B the increment
	OperandConst                  // Const holds the constant
	OperandBranch                 // A holds the target instruction index
	OperandField                  // Member holds the field reference
	OperandMethod                 // Member holds the method reference
	OperandClass                  // Class holds an internal class name
	OperandMultiArray             // Class and A (dimensions)
	OperandSwitch                 // Switch holds the table
	OperandDynamic                // Member holds the call site name and descriptor
	OperandPrefix                 // not an executable instruction
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name    string
	Operand OperandKind
}

func (i OpcodeInfo) defined() bool { return i.Name != "" }

var opcodeTable = [256]OpcodeInfo{
	OpNop: {"nop", OperandNone}, OpAconstNull: {"aconst_null", OperandNone},
	OpIconstM1: {"iconst_m1", OperandNone}, OpIconst0: {"iconst_0", OperandNone},
	OpIconst1: {"iconst_1", OperandNone}, OpIconst2: {"iconst_2", OperandNone},
	OpIconst3: {"iconst_3", OperandNone}, OpIconst4: {"iconst_4", OperandNone},
	OpIconst5: {"iconst_5", OperandNone}, OpLconst0: {"lconst_0", OperandNone},
	OpLconst1: {"lconst_1", OperandNone}, OpFconst0: {"fconst_0", OperandNone},
	OpFconst1: {"fconst_1", OperandNone}, OpFconst2: {"fconst_2", OperandNone},
	OpDconst0: {"dconst_0", OperandNone}, OpDconst1: {"dconst_1", OperandNone},
	OpBipush: {"bipush", OperandImmediate}, OpSipush: {"sipush", OperandImmediate},
	OpLdc: {"ldc", OperandConst}, OpLdcW: {"ldc_w", OperandConst}, OpLdc2W: {"ldc2_w", OperandConst},

	OpIload: {"iload", OperandLocal}, OpLload: {"lload", OperandLocal},
	OpFload: {"fload", OperandLocal}, OpDload: {"dload", OperandLocal},
	OpAload: {"aload", OperandLocal},
	OpIload0: {"iload_0", OperandNone}, OpIload1: {"iload_1", OperandNone},
	OpIload2: {"iload_2", OperandNone}, OpIload3: {"iload_3", OperandNone},
	OpLload0: {"lload_0", OperandNone}, OpLload1: {"lload_1", OperandNone},
	OpLload2: {"lload_2", OperandNone}, OpLload3: {"lload_3", OperandNone},
	OpFload0: {"fload_0", OperandNone}, OpFload1: {"fload_1", OperandNone},
	OpFload2: {"fload_2", OperandNone}, OpFload3: {"fload_3", OperandNone},
	OpDload0: {"dload_0", OperandNone}, OpDload1: {"dload_1", OperandNone},
	OpDload2: {"dload_2", OperandNone}, OpDload3: {"dload_3", OperandNone},
	OpAload0: {"aload_0", OperandNone}, OpAload1: {"aload_1", OperandNone},
	OpAload2: {"aload_2", OperandNone}, OpAload3: {"aload_3", OperandNone},
	OpIaload: {"iaload", OperandNone}, OpLaload: {"laload", OperandNone},
	OpFaload: {"faload", OperandNone}, OpDaload: {"daload", OperandNone},
	OpAaload: {"aaload", OperandNone}, OpBaload: {"baload", OperandNone},
	OpCaload: {"caload", OperandNone}, OpSaload: {"saload", OperandNone},

	OpIstore: {"istore", OperandLocal}, OpLstore: {"lstore", OperandLocal},
	OpFstore: {"fstore", OperandLocal}, OpDstore: {"dstore", OperandLocal},
	OpAstore: {"astore", OperandLocal},
	OpIstore0: {"istore_0", OperandNone}, OpIstore1: {"istore_1", OperandNone},
	OpIstore2: {"istore_2", OperandNone}, OpIstore3: {"istore_3", OperandNone},
	OpLstore0: {"lstore_0", OperandNone}, OpLstore1: {"lstore_1", OperandNone},
	OpLstore2: {"lstore_2", OperandNone}, OpLstore3: {"lstore_3", OperandNone},
	OpFstore0: {"fstore_0", OperandNone}, OpFstore1: {"fstore_1", OperandNone},
	OpFstore2: {"fstore_2", OperandNone}, OpFstore3: {"fstore_3", OperandNone},
	OpDstore0: {"dstore_0", OperandNone}, OpDstore1: {"dstore_1", OperandNone},
	OpDstore2: {"dstore_2", OperandNone}, OpDstore3: {"dstore_3", OperandNone},
	OpAstore0: {"astore_0", OperandNone}, OpAstore1: {"astore_1", OperandNone},
	OpAstore2: {"astore_2", OperandNone}, OpAstore3: {"astore_3", OperandNone},
	OpIastore: {"iastore", OperandNone}, OpLastore: {"lastore", OperandNone},
	OpFastore: {"fastore", OperandNone}, OpDastore: {"dastore", OperandNone},
	OpAastore: {"aastore", OperandNone}, OpBastore: {"bastore", OperandNone},
	OpCastore: {"castore", OperandNone}, OpSastore: {"sastore", OperandNone},

	OpPop: {"pop", OperandNone}, OpPop2: {"pop2", OperandNone},
	OpDup: {"dup", OperandNone}, OpDupX1: {"dup_x1", OperandNone},
	OpDupX2: {"dup_x2", OperandNone}, OpDup2: {"dup2", OperandNone},
	OpDup2X1: {"dup2_x1", OperandNone}, OpDup2X2: {"dup2_x2", OperandNone},
	OpSwap: {"swap", OperandNone},

	OpIadd: {"iadd", OperandNone}, OpLadd: {"ladd", OperandNone},
	OpFadd: {"fadd", OperandNone}, OpDadd: {"dadd", OperandNone},
	OpIsub: {"isub", OperandNone}, OpLsub: {"lsub", OperandNone},
	OpFsub: {"fsub", OperandNone}, OpDsub: {"dsub", OperandNone},
	OpImul: {"imul", OperandNone}, OpLmul: {"lmul", OperandNone},
	OpFmul: {"fmul", OperandNone}, OpDmul: {"dmul", OperandNone},
	OpIdiv: {"idiv", OperandNone}, OpLdiv: {"ldiv", OperandNone},
	OpFdiv: {"fdiv", OperandNone}, OpDdiv: {"ddiv", OperandNone},
	OpIrem: {"irem", OperandNone}, OpLrem: {"lrem", OperandNone},
	OpFrem: {"frem", OperandNone}, OpDrem: {"drem", OperandNone},
	OpIneg: {"ineg", OperandNone}, OpLneg: {"lneg", OperandNone},
	OpFneg: {"fneg", OperandNone}, OpDneg: {"dneg", OperandNone},
	OpIshl: {"ishl", OperandNone}, OpLshl: {"lshl", OperandNone},
	OpIshr: {"ishr", OperandNone}, OpLshr: {"lshr", OperandNone},
	OpIushr: {"iushr", OperandNone}, OpLushr: {"lushr", OperandNone},
	OpIand: {"iand", OperandNone}, OpLand: {"land", OperandNone},
	OpIor: {"ior", OperandNone}, OpLor: {"lor", OperandNone},
	OpIxor: {"ixor", OperandNone}, OpLxor: {"lxor", OperandNone},
	OpIinc: {"iinc", OperandIinc},

	OpI2l: {"i2l", OperandNone}, OpI2f: {"i2f", OperandNone}, OpI2d: {"i2d", OperandNone},
	OpL2i: {"l2i", OperandNone}, OpL2f: {"l2f", OperandNone}, OpL2d: {"l2d", OperandNone},
	OpF2i: {"f2i", OperandNone}, OpF2l: {"f2l", OperandNone}, OpF2d: {"f2d", OperandNone},
	OpD2i: {"d2i", OperandNone}, OpD2l: {"d2l", OperandNone}, OpD2f: {"d2f", OperandNone},
	OpI2b: {"i2b", OperandNone}, OpI2c: {"i2c", OperandNone}, OpI2s: {"i2s", OperandNone},

	OpLcmp: {"lcmp", OperandNone}, OpFcmpl: {"fcmpl", OperandNone},
	OpFcmpg: {"fcmpg", OperandNone}, OpDcmpl: {"dcmpl", OperandNone},
	OpDcmpg: {"dcmpg", OperandNone},
	OpIfeq: {"ifeq", OperandBranch}, OpIfne: {"ifne", OperandBranch},
	OpIflt: {"iflt", OperandBranch}, OpIfge: {"ifge", OperandBranch},
	OpIfgt: {"ifgt", OperandBranch}, OpIfle: {"ifle", OperandBranch},
	OpIfIcmpeq: {"if_icmpeq", OperandBranch}, OpIfIcmpne: {"if_icmpne", OperandBranch},
	OpIfIcmplt: {"if_icmplt", OperandBranch}, OpIfIcmpge: {"if_icmpge", OperandBranch},
	OpIfIcmpgt: {"if_icmpgt", OperandBranch}, OpIfIcmple: {"if_icmple", OperandBranch},
	OpIfAcmpeq: {"if_acmpeq", OperandBranch}, OpIfAcmpne: {"if_acmpne", OperandBranch},
	OpGoto: {"goto", OperandBranch}, OpJsr: {"jsr", OperandBranch},
	OpRet: {"ret", OperandLocal},
	OpTableswitch: {"tableswitch", OperandSwitch}, OpLookupswitch: {"lookupswitch", OperandSwitch},
	OpIreturn: {"ireturn", OperandNone}, OpLreturn: {"lreturn", OperandNone},
	OpFreturn: {"freturn", OperandNone}, OpDreturn: {"dreturn", OperandNone},
	OpAreturn: {"areturn", OperandNone}, OpReturn: {"return", OperandNone},

	OpGetstatic: {"getstatic", OperandField}, OpPutstatic: {"putstatic", OperandField},
	OpGetfield: {"getfield", OperandField}, OpPutfield: {"putfield", OperandField},
	OpInvokevirtual: {"invokevirtual", OperandMethod}, OpInvokespecial: {"invokespecial", OperandMethod},
	OpInvokestatic: {"invokestatic", OperandMethod}, OpInvokeinterface: {"invokeinterface", OperandMethod},
	OpInvokedynamic: {"invokedynamic", OperandDynamic},
	OpNew: {"new", OperandClass}, OpNewarray: {"newarray", OperandImmediate},
	OpAnewarray: {"anewarray", OperandClass}, OpArraylength: {"arraylength", OperandNone},
	OpAthrow: {"athrow", OperandNone}, OpCheckcast: {"checkcast", OperandClass},
	OpInstanceof: {"instanceof", OperandClass}, OpMonitorenter: {"monitorenter", OperandNone},
	OpMonitorexit: {"monitorexit", OperandNone}, OpWide: {"wide", OperandPrefix},
	OpMultianewarray: {"multianewarray", OperandMultiArray},
	OpIfnull: {"ifnull", OperandBranch}, OpIfnonnull: {"ifnonnull", OperandBranch},
	OpGotoW: {"goto_w", OperandBranch}, OpJsrW: {"jsr_w", OperandBranch},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info := opcodeTable[op]; info.defined() {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("unknown_%02x", byte(op))}
}

// Defined reports whether op is a known opcode.
func (op Opcode) Defined() bool { return opcodeTable[op].defined() }

// Executable reports whether op can appear in a parsed instruction stream.
func (op Opcode) Executable() bool {
	info := opcodeTable[op]
	return info.defined() && info.Operand != OperandPrefix
}

// Name returns the mnemonic.
func (op Opcode) Name() string { return op.Info().Name }

// String implements the Stringer interface.
func (op Opcode) String() string { return op.Name() }

// implicitLocal returns the locals index encoded in the short load and
// store forms such as iload_2.
func implicitLocal(op Opcode) (int, bool) {
	switch {
	case op >= OpIload0 && op <= OpAload3:
		return int(op-OpIload0) % 4, true
	case op >= OpIstore0 && op <= OpAstore3:
		return int(op-OpIstore0) % 4, true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

// MemberRef is a symbolic field or method reference.
type MemberRef struct {
	Owner string
	Name  string
	Desc  string
}

func (r *MemberRef) String() string { return r.Owner + "." + r.Name + ":" + r.Desc }

// ClassRef is an ldc operand naming a class.
type ClassRef string

// SwitchTable holds the operands of tableswitch and lookupswitch. For
// tableswitch, Targets[i] is the target for key Low+i. For lookupswitch,
// Keys is sorted ascending and parallel to Targets.
type SwitchTable struct {
	Low     int32
	Keys    []int32
	Targets []int
	Default int
}

// Instruction is one already-parsed instruction. Fields not used by the
// opcode's OperandKind are zero.
type Instruction struct {
	Op     Opcode
	A      int
	B      int
	Const  any
	Class  string
	Member *MemberRef
	Switch *SwitchTable
	Line   int
}

// Local returns the locals index the instruction addresses.
func (in *Instruction) Local() int {
	if idx, ok := implicitLocal(in.Op); ok {
		return idx
	}
	return in.A
}

// Primitive array type codes used by newarray.
const (
	ArrayTypeBoolean = 4
	ArrayTypeChar    = 5
	ArrayTypeFloat   = 6
	ArrayTypeDouble  = 7
	ArrayTypeByte    = 8
	ArrayTypeShort   = 9
	ArrayTypeInt     = 10
	ArrayTypeLong    = 11
)

var primitiveArrayNames = map[int]string{
	ArrayTypeBoolean: "[Z",
	ArrayTypeChar:    "[C",
	ArrayTypeFloat:   "[F",
	ArrayTypeDouble:  "[D",
	ArrayTypeByte:    "[B",
	ArrayTypeShort:   "[S",
	ArrayTypeInt:     "[I",
	ArrayTypeLong:    "[J",
}

// ---------------------------------------------------------------------------
// CodeBuilder: helper for assembling method bodies
// ---------------------------------------------------------------------------

// CodeBuilder assembles an instruction sequence with forward and backward
// labels.
type CodeBuilder struct {
	code     []Instruction
	line     int
	handlers []pendingHandler
	forward  []*Label
}

type pendingHandler struct {
	start, end, target *Label
	catchType          string
}

// NewCodeBuilder creates an empty builder.
func NewCodeBuilder() *CodeBuilder {
	return &CodeBuilder{code: make([]Instruction, 0, 32)}
}

// Len returns the number of instructions emitted so far.
func (b *CodeBuilder) Len() int { return len(b.code) }

// SetLine sets the source line attached to subsequent instructions.
func (b *CodeBuilder) SetLine(line int) { b.line = line }

func (b *CodeBuilder) add(in Instruction) int {
	in.Line = b.line
	b.code = append(b.code, in)
	return len(b.code) - 1
}

// Emit appends an instruction without operands.
func (b *CodeBuilder) Emit(op Opcode) { b.add(Instruction{Op: op}) }

// EmitLocal appends a load, store or ret addressing locals slot idx.
func (b *CodeBuilder) EmitLocal(op Opcode, idx int) { b.add(Instruction{Op: op, A: idx}) }

// EmitInt appends bipush, sipush or newarray with an immediate operand.
func (b *CodeBuilder) EmitInt(op Opcode, v int) { b.add(Instruction{Op: op, A: v}) }

// EmitIinc appends iinc.
func (b *CodeBuilder) EmitIinc(idx, delta int) { b.add(Instruction{Op: OpIinc, A: idx, B: delta}) }

// EmitLdc pushes a constant, choosing ldc2_w for 64-bit values. Accepted
// operands are int32, int64, float32, float64, string and ClassRef.
func (b *CodeBuilder) EmitLdc(v any) {
	op := OpLdc
	switch v.(type) {
	case int64, float64:
		op = OpLdc2W
	}
	b.add(Instruction{Op: op, Const: v})
}

// EmitField appends a field access instruction.
func (b *CodeBuilder) EmitField(op Opcode, owner, name, desc string) {
	b.add(Instruction{Op: op, Member: &MemberRef{Owner: owner, Name: name, Desc: desc}})
}

// EmitInvoke appends an invocation instruction.
func (b *CodeBuilder) EmitInvoke(op Opcode, owner, name, desc string) {
	b.add(Instruction{Op: op, Member: &MemberRef{Owner: owner, Name: name, Desc: desc}})
}

// EmitType appends new, anewarray, checkcast or instanceof.
func (b *CodeBuilder) EmitType(op Opcode, class string) { b.add(Instruction{Op: op, Class: class}) }

// EmitMultiANewArray appends multianewarray.
func (b *CodeBuilder) EmitMultiANewArray(class string, dims int) {
	b.add(Instruction{Op: OpMultianewarray, Class: class, A: dims})
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label is a branch target that may be marked before or after it is used.
type Label struct {
	resolved bool
	position int
	refs     []labelRef
}

// labelRef names an operand to patch: slot -1 is Instruction.A, -2 is the
// switch default, anything else indexes Switch.Targets.
type labelRef struct {
	insn int
	slot int
}

// NewLabel creates an unresolved label.
func (b *CodeBuilder) NewLabel() *Label { return &Label{} }

// Mark resolves a label to the next instruction position.
func (b *CodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.code)
	for _, ref := range label.refs {
		b.patch(ref, label.position)
	}
	label.refs = nil
}

func (b *CodeBuilder) patch(ref labelRef, target int) {
	in := &b.code[ref.insn]
	switch ref.slot {
	case -1:
		in.A = target
	case -2:
		in.Switch.Default = target
	default:
		in.Switch.Targets[ref.slot] = target
	}
}

func (b *CodeBuilder) use(label *Label, ref labelRef) {
	if label.resolved {
		b.patch(ref, label.position)
		return
	}
	if len(label.refs) == 0 {
		b.forward = append(b.forward, label)
	}
	label.refs = append(label.refs, ref)
}

// EmitJump appends a branch to label.
func (b *CodeBuilder) EmitJump(op Opcode, label *Label) {
	idx := b.add(Instruction{Op: op})
	b.use(label, labelRef{insn: idx, slot: -1})
}

// EmitTableSwitch appends a tableswitch covering keys low..low+len(targets)-1.
func (b *CodeBuilder) EmitTableSwitch(low int32, dflt *Label, targets ...*Label) {
	idx := b.add(Instruction{Op: OpTableswitch, Switch: &SwitchTable{Low: low, Targets: make([]int, len(targets))}})
	b.use(dflt, labelRef{insn: idx, slot: -2})
	for i, l := range targets {
		b.use(l, labelRef{insn: idx, slot: i})
	}
}

// EmitLookupSwitch appends a lookupswitch. Keys must be sorted ascending.
func (b *CodeBuilder) EmitLookupSwitch(dflt *Label, keys []int32, targets []*Label) {
	sw := &SwitchTable{Keys: append([]int32(nil), keys...), Targets: make([]int, len(targets))}
	idx := b.add(Instruction{Op: OpLookupswitch, Switch: sw})
	b.use(dflt, labelRef{insn: idx, slot: -2})
	for i, l := range targets {
		b.use(l, labelRef{insn: idx, slot: i})
	}
}

// AddHandler registers an exception table entry covering [start, end).
func (b *CodeBuilder) AddHandler(start, end, target *Label, catchType string) {
	b.handlers = append(b.handlers, pendingHandler{start, end, target, catchType})
}

// Code returns the assembled instructions and exception table.
func (b *CodeBuilder) Code() ([]Instruction, []Handler, error) {
	var handlers []Handler
	for _, h := range b.handlers {
		if !h.start.resolved || !h.end.resolved || !h.target.resolved {
			return nil, nil, fmt.Errorf("exception handler uses an unmarked label")
		}
		handlers = append(handlers, Handler{
			Start:     h.start.position,
			End:       h.end.position,
			Target:    h.target.position,
			CatchType: h.catchType,
		})
	}
	for _, l := range b.forward {
		if !l.resolved {
			return nil, nil, fmt.Errorf("branch to a label that was never marked")
		}
	}
	return b.code, handlers, nil
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction renders one instruction.
func DisassembleInstruction(pc int, in *Instruction) string {
	name := in.Op.Name()
	switch in.Op.Info().Operand {
	case OperandImmediate, OperandLocal:
		return fmt.Sprintf("%04d  %s %d", pc, name, in.A)
	case OperandIinc:
		return fmt.Sprintf("%04d  %s %d %d", pc, name, in.A, in.B)
	case OperandConst:
		return fmt.Sprintf("%04d  %s %s", pc, name, formatConst(in.Const))
	case OperandBranch:
		return fmt.Sprintf("%04d  %s -> %04d", pc, name, in.A)
	case OperandField, OperandMethod, OperandDynamic:
		return fmt.Sprintf("%04d  %s %s", pc, name, in.Member)
	case OperandClass:
		return fmt.Sprintf("%04d  %s %s", pc, name, in.Class)
	case OperandMultiArray:
		return fmt.Sprintf("%04d  %s %s %d", pc, name, in.Class, in.A)
	case OperandSwitch:
		var sb strings.Builder
		fmt.Fprintf(&sb, "%04d  %s {", pc, name)
		for i, t := range in.Switch.Targets {
			key := in.Switch.Low + int32(i)
			if in.Op == OpLookupswitch {
				key = in.Switch.Keys[i]
			}
			fmt.Fprintf(&sb, " %d: %04d;", key, t)
		}
		fmt.Fprintf(&sb, " default: %04d }", in.Switch.Default)
		return sb.String()
	}
	return fmt.Sprintf("%04d  %s", pc, name)
}

func formatConst(v any) string {
	switch c := v.(type) {
	case string:
		return fmt.Sprintf("%q", c)
	case ClassRef:
		return "class " + string(c)
	case int64:
		return fmt.Sprintf("%dL", c)
	case float32:
		return fmt.Sprintf("%gF", c)
	case float64:
		return fmt.Sprintf("%gD", c)
	}
	return fmt.Sprint(v)
}

// Disassemble returns a full listing of a method body.
func Disassemble(code []Instruction) string {
	lines := make([]string, len(code))
	for i := range code {
		lines[i] = DisassembleInstruction(i, &code[i])
	}
	return strings.Join(lines, "\n")
}
