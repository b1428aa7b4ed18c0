package vm

import (
	"context"
	"math"
	"testing"
)

// Sample programs shared by the interpreter and compiler tests. Each one is
// a static method of class Programs; the compiler tests run every sample
// both ways and expect identical outcomes.

// thrown names the guest class a sample is expected to throw.
type thrown string

type sample struct {
	name      string
	desc      string
	maxStack  int
	maxLocals int
	build     func(b *CodeBuilder)
	args      []Value
	want      any // int32, int64, float32, float64, string, FaultKind or thrown
}

func samples() []sample {
	return []sample{
		{
			name: "add", desc: "(II)I", maxStack: 2, maxLocals: 2,
			build: func(b *CodeBuilder) {
				b.Emit(OpIload0)
				b.Emit(OpIload1)
				b.Emit(OpIadd)
				b.Emit(OpIreturn)
			},
			args: []Value{Int(3), Int(4)}, want: int32(7),
		},
		{
			name: "addWraps", desc: "(II)I", maxStack: 2, maxLocals: 2,
			build: func(b *CodeBuilder) {
				b.Emit(OpIload0)
				b.Emit(OpIload1)
				b.Emit(OpIadd)
				b.Emit(OpIreturn)
			},
			args: []Value{Int(math.MaxInt32), Int(1)}, want: int32(math.MinInt32),
		},
		{
			name: "divByZero", desc: "(II)I", maxStack: 2, maxLocals: 2,
			build: func(b *CodeBuilder) {
				b.Emit(OpIload0)
				b.Emit(OpIload1)
				b.Emit(OpIdiv)
				b.Emit(OpIreturn)
			},
			args: []Value{Int(1), Int(0)}, want: FaultArithmetic,
		},
		{
			name: "remByZero", desc: "(JJ)J", maxStack: 4, maxLocals: 4,
			build: func(b *CodeBuilder) {
				b.Emit(OpLload0)
				b.Emit(OpLload2)
				b.Emit(OpLrem)
				b.Emit(OpLreturn)
			},
			args: []Value{Long(9), Long(0)}, want: FaultArithmetic,
		},
		{
			name: "minLongDivNegOne", desc: "(JJ)J", maxStack: 4, maxLocals: 4,
			build: func(b *CodeBuilder) {
				b.Emit(OpLload0)
				b.Emit(OpLload2)
				b.Emit(OpLdiv)
				b.Emit(OpLreturn)
			},
			args: []Value{Long(math.MinInt64), Long(-1)}, want: int64(math.MinInt64),
		},
		{
			name: "shiftMasksCount", desc: "(I)I", maxStack: 2, maxLocals: 1,
			build: func(b *CodeBuilder) {
				b.Emit(OpIload0)
				b.EmitInt(OpBipush, 33)
				b.Emit(OpIshl)
				b.Emit(OpIreturn)
			},
			args: []Value{Int(5)}, want: int32(10),
		},
		{
			name: "unsignedShift", desc: "()I", maxStack: 2,
			build: func(b *CodeBuilder) {
				b.Emit(OpIconstM1)
				b.EmitInt(OpBipush, 28)
				b.Emit(OpIushr)
				b.Emit(OpIreturn)
			},
			want: int32(15),
		},
		{
			name: "longCompare", desc: "(JJ)I", maxStack: 4, maxLocals: 4,
			build: func(b *CodeBuilder) {
				b.Emit(OpLload0)
				b.Emit(OpLload2)
				b.Emit(OpLcmp)
				b.Emit(OpIreturn)
			},
			args: []Value{Long(1), Long(2)}, want: int32(-1),
		},
		{
			name: "fcmplNaN", desc: "()I", maxStack: 2,
			build: func(b *CodeBuilder) {
				b.EmitLdc(float32(math.NaN()))
				b.Emit(OpFconst0)
				b.Emit(OpFcmpl)
				b.Emit(OpIreturn)
			},
			want: int32(-1),
		},
		{
			name: "dcmpgNaN", desc: "()I", maxStack: 4,
			build: func(b *CodeBuilder) {
				b.EmitLdc(math.NaN())
				b.Emit(OpDconst0)
				b.Emit(OpDcmpg)
				b.Emit(OpIreturn)
			},
			want: int32(1),
		},
		{
			name: "d2iSaturates", desc: "()I", maxStack: 2,
			build: func(b *CodeBuilder) {
				b.EmitLdc(float64(1e20))
				b.Emit(OpD2i)
				b.Emit(OpIreturn)
			},
			want: int32(math.MaxInt32),
		},
		{
			name: "f2lNaN", desc: "()J", maxStack: 2,
			build: func(b *CodeBuilder) {
				b.EmitLdc(float32(math.NaN()))
				b.Emit(OpF2l)
				b.Emit(OpLreturn)
			},
			want: int64(0),
		},
		{
			name: "i2bTruncates", desc: "()I", maxStack: 1,
			build: func(b *CodeBuilder) {
				b.EmitInt(OpSipush, 200)
				b.Emit(OpI2b)
				b.Emit(OpIreturn)
			},
			want: int32(-56),
		},
		{
			name: "i2cZeroExtends", desc: "()I", maxStack: 1,
			build: func(b *CodeBuilder) {
				b.Emit(OpIconstM1)
				b.Emit(OpI2c)
				b.Emit(OpIreturn)
			},
			want: int32(0xffff),
		},
		{
			name: "doubleRem", desc: "()D", maxStack: 4,
			build: func(b *CodeBuilder) {
				b.EmitLdc(5.5)
				b.EmitLdc(2.0)
				b.Emit(OpDrem)
				b.Emit(OpDreturn)
			},
			want: 1.5,
		},
		{
			name: "floatDiv", desc: "()F", maxStack: 2,
			build: func(b *CodeBuilder) {
				b.Emit(OpFconst1)
				b.Emit(OpFconst2)
				b.Emit(OpFdiv)
				b.Emit(OpFreturn)
			},
			want: float32(0.5),
		},
		{
			name: "sumLoop", desc: "(I)I", maxStack: 2, maxLocals: 3,
			build: func(b *CodeBuilder) {
				top, end := b.NewLabel(), b.NewLabel()
				b.Emit(OpIconst0)
				b.Emit(OpIstore1)
				b.Emit(OpIconst1)
				b.Emit(OpIstore2)
				b.Mark(top)
				b.Emit(OpIload2)
				b.Emit(OpIload0)
				b.EmitJump(OpIfIcmpgt, end)
				b.Emit(OpIload1)
				b.Emit(OpIload2)
				b.Emit(OpIadd)
				b.Emit(OpIstore1)
				b.EmitIinc(2, 1)
				b.EmitJump(OpGoto, top)
				b.Mark(end)
				b.Emit(OpIload1)
				b.Emit(OpIreturn)
			},
			args: []Value{Int(100)}, want: int32(5050),
		},
		{
			name: "tableSwitchHit", desc: "(I)I", maxStack: 1, maxLocals: 1,
			build: tableSwitch, args: []Value{Int(2)}, want: int32(20),
		},
		{
			name: "tableSwitchMiss", desc: "(I)I", maxStack: 1, maxLocals: 1,
			build: tableSwitch, args: []Value{Int(7)}, want: int32(-1),
		},
		{
			name: "lookupSwitchHit", desc: "(I)I", maxStack: 1, maxLocals: 1,
			build: lookupSwitch, args: []Value{Int(1000)}, want: int32(3),
		},
		{
			name: "lookupSwitchMiss", desc: "(I)I", maxStack: 1, maxLocals: 1,
			build: lookupSwitch, args: []Value{Int(0)}, want: int32(0),
		},
		{
			name: "wideLocals", desc: "(JI)J", maxStack: 4, maxLocals: 3,
			build: func(b *CodeBuilder) {
				b.Emit(OpLload0)
				b.Emit(OpIload2)
				b.Emit(OpI2l)
				b.Emit(OpLadd)
				b.Emit(OpLreturn)
			},
			args: []Value{Long(1 << 40), Int(2)}, want: int64(1<<40 + 2),
		},
		{
			name: "dup2Wide", desc: "(J)J", maxStack: 4, maxLocals: 2,
			build: func(b *CodeBuilder) {
				b.Emit(OpLload0)
				b.Emit(OpDup2)
				b.Emit(OpLadd)
				b.Emit(OpLreturn)
			},
			args: []Value{Long(21)}, want: int64(42),
		},
		{
			name: "swap", desc: "(II)I", maxStack: 2, maxLocals: 2,
			build: func(b *CodeBuilder) {
				b.Emit(OpIload0)
				b.Emit(OpIload1)
				b.Emit(OpSwap)
				b.Emit(OpIsub)
				b.Emit(OpIreturn)
			},
			args: []Value{Int(10), Int(3)}, want: int32(-7),
		},
		{
			name: "dupX2OverWide", desc: "(JI)I", maxStack: 4, maxLocals: 3,
			build: func(b *CodeBuilder) {
				b.Emit(OpLload0)
				b.Emit(OpIload2)
				b.Emit(OpDupX2)
				b.Emit(OpPop)
				b.Emit(OpPop2)
				b.Emit(OpIreturn)
			},
			args: []Value{Long(99), Int(5)}, want: int32(5),
		},
		{
			name: "dup2X1Narrow", desc: "()I", maxStack: 5,
			build: func(b *CodeBuilder) {
				// [3 2 1] -> [2 1 3 2 1]
				b.Emit(OpIconst3)
				b.Emit(OpIconst2)
				b.Emit(OpIconst1)
				b.Emit(OpDup2X1)
				b.Emit(OpIsub)
				b.Emit(OpIsub)
				b.Emit(OpIsub)
				b.Emit(OpIsub)
				b.Emit(OpIreturn)
			},
			want: int32(3),
		},
		{
			name: "catchArithmetic", desc: "(II)I", maxStack: 2, maxLocals: 2,
			build: func(b *CodeBuilder) {
				start, end, handler := b.NewLabel(), b.NewLabel(), b.NewLabel()
				b.Mark(start)
				b.Emit(OpIload0)
				b.Emit(OpIload1)
				b.Emit(OpIdiv)
				b.Emit(OpIreturn)
				b.Mark(end)
				b.Mark(handler)
				b.Emit(OpPop)
				b.Emit(OpIconstM1)
				b.Emit(OpIreturn)
				b.AddHandler(start, end, handler, "java/lang/ArithmeticException")
			},
			args: []Value{Int(1), Int(0)}, want: int32(-1),
		},
		{
			name: "handlerTypeMismatch", desc: "(II)I", maxStack: 2, maxLocals: 2,
			build: func(b *CodeBuilder) {
				start, end, handler := b.NewLabel(), b.NewLabel(), b.NewLabel()
				b.Mark(start)
				b.Emit(OpIload0)
				b.Emit(OpIload1)
				b.Emit(OpIdiv)
				b.Emit(OpIreturn)
				b.Mark(end)
				b.Mark(handler)
				b.Emit(OpPop)
				b.Emit(OpIconstM1)
				b.Emit(OpIreturn)
				b.AddHandler(start, end, handler, "java/lang/NullPointerException")
			},
			args: []Value{Int(1), Int(0)}, want: FaultArithmetic,
		},
		{
			name: "catchAll", desc: "()I", maxStack: 2, maxLocals: 0,
			build: func(b *CodeBuilder) {
				start, end, handler := b.NewLabel(), b.NewLabel(), b.NewLabel()
				b.Mark(start)
				b.Emit(OpAconstNull)
				b.Emit(OpArraylength)
				b.Emit(OpIreturn)
				b.Mark(end)
				b.Mark(handler)
				b.Emit(OpPop)
				b.EmitInt(OpBipush, 9)
				b.Emit(OpIreturn)
				b.AddHandler(start, end, handler, "")
			},
			want: int32(9),
		},
		{
			name: "throwUncaught", desc: "()V", maxStack: 2,
			build: func(b *CodeBuilder) {
				b.EmitType(OpNew, "java/lang/IllegalStateException")
				b.Emit(OpDup)
				b.EmitInvoke(OpInvokespecial, "java/lang/IllegalStateException", "<init>", "()V")
				b.Emit(OpAthrow)
			},
			want: thrown("java/lang/IllegalStateException"),
		},
		{
			name: "throwNull", desc: "()V", maxStack: 1,
			build: func(b *CodeBuilder) {
				b.Emit(OpAconstNull)
				b.Emit(OpAthrow)
			},
			want: FaultNullReference,
		},
		{
			name: "arrays", desc: "(I)I", maxStack: 3, maxLocals: 2,
			build: func(b *CodeBuilder) {
				b.Emit(OpIload0)
				b.EmitInt(OpNewarray, ArrayTypeInt)
				b.Emit(OpAstore1)
				b.Emit(OpAload1)
				b.Emit(OpIconst0)
				b.EmitInt(OpBipush, 42)
				b.Emit(OpIastore)
				b.Emit(OpAload1)
				b.Emit(OpIconst0)
				b.Emit(OpIaload)
				b.Emit(OpAload1)
				b.Emit(OpArraylength)
				b.Emit(OpIadd)
				b.Emit(OpIreturn)
			},
			args: []Value{Int(5)}, want: int32(47),
		},
		{
			name: "byteArraySignExtends", desc: "()I", maxStack: 3, maxLocals: 1,
			build: func(b *CodeBuilder) {
				b.Emit(OpIconst1)
				b.EmitInt(OpNewarray, ArrayTypeByte)
				b.Emit(OpAstore0)
				b.Emit(OpAload0)
				b.Emit(OpIconst0)
				b.EmitInt(OpSipush, 255)
				b.Emit(OpBastore)
				b.Emit(OpAload0)
				b.Emit(OpIconst0)
				b.Emit(OpBaload)
				b.Emit(OpIreturn)
			},
			want: int32(-1),
		},
		{
			name: "longArray", desc: "()J", maxStack: 4, maxLocals: 1,
			build: func(b *CodeBuilder) {
				b.Emit(OpIconst2)
				b.EmitInt(OpNewarray, ArrayTypeLong)
				b.Emit(OpAstore0)
				b.Emit(OpAload0)
				b.Emit(OpIconst1)
				b.EmitLdc(int64(math.MinInt64))
				b.Emit(OpLastore)
				b.Emit(OpAload0)
				b.Emit(OpIconst1)
				b.Emit(OpLaload)
				b.Emit(OpLreturn)
			},
			want: int64(math.MinInt64),
		},
		{
			name: "floatArray", desc: "()F", maxStack: 3, maxLocals: 1,
			build: func(b *CodeBuilder) {
				b.Emit(OpIconst2)
				b.EmitInt(OpNewarray, ArrayTypeFloat)
				b.Emit(OpAstore0)
				b.Emit(OpAload0)
				b.Emit(OpIconst1)
				b.EmitLdc(float32(-1.5))
				b.Emit(OpFastore)
				b.Emit(OpAload0)
				b.Emit(OpIconst1)
				b.Emit(OpFaload)
				b.Emit(OpFreturn)
			},
			want: float32(-1.5),
		},
		{
			name: "doubleArray", desc: "()D", maxStack: 4, maxLocals: 1,
			build: func(b *CodeBuilder) {
				b.Emit(OpIconst2)
				b.EmitInt(OpNewarray, ArrayTypeDouble)
				b.Emit(OpAstore0)
				b.Emit(OpAload0)
				b.Emit(OpIconst0)
				b.EmitLdc(float64(2.25))
				b.Emit(OpDastore)
				b.Emit(OpAload0)
				b.Emit(OpIconst0)
				b.Emit(OpDaload)
				b.Emit(OpDreturn)
			},
			want: float64(2.25),
		},
		{
			name: "charArrayZeroExtends", desc: "()I", maxStack: 3, maxLocals: 1,
			build: func(b *CodeBuilder) {
				b.Emit(OpIconst1)
				b.EmitInt(OpNewarray, ArrayTypeChar)
				b.Emit(OpAstore0)
				b.Emit(OpAload0)
				b.Emit(OpIconst0)
				b.Emit(OpIconstM1)
				b.Emit(OpCastore)
				b.Emit(OpAload0)
				b.Emit(OpIconst0)
				b.Emit(OpCaload)
				b.Emit(OpIreturn)
			},
			want: int32(0xffff),
		},
		{
			name: "shortArraySignExtends", desc: "()I", maxStack: 3, maxLocals: 1,
			build: func(b *CodeBuilder) {
				b.Emit(OpIconst1)
				b.EmitInt(OpNewarray, ArrayTypeShort)
				b.Emit(OpAstore0)
				b.Emit(OpAload0)
				b.Emit(OpIconst0)
				b.EmitLdc(int32(0x18000))
				b.Emit(OpSastore)
				b.Emit(OpAload0)
				b.Emit(OpIconst0)
				b.Emit(OpSaload)
				b.Emit(OpIreturn)
			},
			want: int32(math.MinInt16),
		},
		{
			name: "refArray", desc: "()Ljava/lang/String;", maxStack: 3, maxLocals: 1,
			build: func(b *CodeBuilder) {
				b.Emit(OpIconst2)
				b.EmitType(OpAnewarray, "java/lang/String")
				b.Emit(OpAstore0)
				b.Emit(OpAload0)
				b.Emit(OpIconst1)
				b.EmitLdc("element")
				b.Emit(OpAastore)
				b.Emit(OpAload0)
				b.Emit(OpIconst1)
				b.Emit(OpAaload)
				b.Emit(OpAreturn)
			},
			want: "element",
		},
		{
			name: "loadWrongElementKind", desc: "()I", maxStack: 2,
			build: func(b *CodeBuilder) {
				b.Emit(OpIconst1)
				b.EmitInt(OpNewarray, ArrayTypeLong)
				b.Emit(OpIconst0)
				b.Emit(OpIaload)
				b.Emit(OpIreturn)
			},
			want: FaultType,
		},
		{
			name: "storeWrongElementKind", desc: "()V", maxStack: 3,
			build: func(b *CodeBuilder) {
				b.Emit(OpIconst1)
				b.EmitInt(OpNewarray, ArrayTypeInt)
				b.Emit(OpIconst0)
				b.Emit(OpFconst1)
				b.Emit(OpFastore)
				b.Emit(OpReturn)
			},
			want: FaultType,
		},
		{
			name: "arrayBounds", desc: "()I", maxStack: 2,
			build: func(b *CodeBuilder) {
				b.Emit(OpIconst2)
				b.EmitInt(OpNewarray, ArrayTypeInt)
				b.Emit(OpIconst5)
				b.Emit(OpIaload)
				b.Emit(OpIreturn)
			},
			want: FaultBounds,
		},
		{
			name: "negativeArraySize", desc: "()Ljava/lang/Object;", maxStack: 1,
			build: func(b *CodeBuilder) {
				b.Emit(OpIconstM1)
				b.EmitInt(OpNewarray, ArrayTypeInt)
				b.Emit(OpAreturn)
			},
			want: FaultNegativeArraySize,
		},
		{
			name: "arrayStoreCheck", desc: "()V", maxStack: 3,
			build: func(b *CodeBuilder) {
				b.Emit(OpIconst1)
				b.EmitType(OpAnewarray, "java/lang/String")
				b.Emit(OpIconst0)
				b.EmitType(OpNew, "java/lang/Object")
				b.Emit(OpAastore)
				b.Emit(OpReturn)
			},
			want: FaultArrayStore,
		},
		{
			name: "multiArray", desc: "()I", maxStack: 3, maxLocals: 1,
			build: func(b *CodeBuilder) {
				b.Emit(OpIconst1)
				b.Emit(OpIconst1)
				b.Emit(OpIconst1)
				b.EmitMultiANewArray("[[[I", 3)
				b.Emit(OpAstore0)
				b.Emit(OpAload0)
				b.Emit(OpIconst0)
				b.Emit(OpAaload)
				b.Emit(OpIconst0)
				b.Emit(OpAaload)
				b.Emit(OpArraylength)
				b.Emit(OpIreturn)
			},
			want: int32(1),
		},
		{
			name: "stringConstant", desc: "()Ljava/lang/String;", maxStack: 1,
			build: func(b *CodeBuilder) {
				b.EmitLdc("hi")
				b.Emit(OpAreturn)
			},
			want: "hi",
		},
		{
			name: "checkcastFails", desc: "()Ljava/lang/Object;", maxStack: 1,
			build: func(b *CodeBuilder) {
				b.EmitLdc("x")
				b.EmitType(OpCheckcast, "[I")
				b.Emit(OpAreturn)
			},
			want: FaultType,
		},
		{
			name: "instanceofInterface", desc: "()I", maxStack: 1,
			build: func(b *CodeBuilder) {
				b.EmitLdc("x")
				b.EmitType(OpInstanceof, "java/io/Serializable")
				b.Emit(OpIreturn)
			},
			want: int32(1),
		},
		{
			name: "instanceofNull", desc: "()I", maxStack: 1,
			build: func(b *CodeBuilder) {
				b.Emit(OpAconstNull)
				b.EmitType(OpInstanceof, "java/lang/Object")
				b.Emit(OpIreturn)
			},
			want: int32(0),
		},
		{
			name: "statics", desc: "()J", maxStack: 4,
			build: func(b *CodeBuilder) {
				b.EmitInt(OpBipush, 5)
				b.EmitField(OpPutstatic, "Programs", "counter", "I")
				b.EmitLdc(int64(1) << 33)
				b.EmitField(OpPutstatic, "Programs", "big", "J")
				b.EmitField(OpGetstatic, "Programs", "big", "J")
				b.EmitField(OpGetstatic, "Programs", "counter", "I")
				b.Emit(OpI2l)
				b.Emit(OpLadd)
				b.Emit(OpLreturn)
			},
			want: int64(1<<33 + 5),
		},
		{
			name: "nullField", desc: "()I", maxStack: 1,
			build: func(b *CodeBuilder) {
				b.Emit(OpAconstNull)
				b.EmitField(OpGetfield, "Animal", "legs", "I")
				b.Emit(OpIreturn)
			},
			want: FaultNullReference,
		},
		{
			name: "fields", desc: "()I", maxStack: 3, maxLocals: 1,
			build: func(b *CodeBuilder) {
				b.EmitType(OpNew, "Dog")
				b.Emit(OpDup)
				b.EmitInvoke(OpInvokespecial, "Dog", "<init>", "()V")
				b.Emit(OpAstore0)
				b.Emit(OpAload0)
				b.Emit(OpIconst4)
				b.EmitField(OpPutfield, "Animal", "legs", "I")
				b.Emit(OpAload0)
				b.EmitField(OpGetfield, "Dog", "legs", "I")
				b.Emit(OpIreturn)
			},
			want: int32(4),
		},
		{
			name: "virtualDispatch", desc: "()I", maxStack: 2,
			build: func(b *CodeBuilder) {
				b.EmitType(OpNew, "Dog")
				b.Emit(OpDup)
				b.EmitInvoke(OpInvokespecial, "Dog", "<init>", "()V")
				b.EmitInvoke(OpInvokevirtual, "Animal", "speak", "()I")
				b.Emit(OpIreturn)
			},
			want: int32(2),
		},
		{
			name: "interfaceDispatch", desc: "()I", maxStack: 2,
			build: func(b *CodeBuilder) {
				b.EmitType(OpNew, "Dog")
				b.Emit(OpDup)
				b.EmitInvoke(OpInvokespecial, "Dog", "<init>", "()V")
				b.EmitInvoke(OpInvokeinterface, "Speaker", "speak", "()I")
				b.Emit(OpIreturn)
			},
			want: int32(2),
		},
		{
			name: "superCall", desc: "()I", maxStack: 2,
			build: func(b *CodeBuilder) {
				b.EmitType(OpNew, "Dog")
				b.Emit(OpDup)
				b.EmitInvoke(OpInvokespecial, "Dog", "<init>", "()V")
				b.EmitInvoke(OpInvokespecial, "Animal", "speak", "()I")
				b.Emit(OpIreturn)
			},
			want: int32(1),
		},
		{
			name: "abstractCall", desc: "()I", maxStack: 1,
			build: func(b *CodeBuilder) {
				b.EmitType(OpNew, "Cat")
				b.EmitInvoke(OpInvokeinterface, "Speaker", "speak", "()I")
				b.Emit(OpIreturn)
			},
			want: FaultAbstractMethod,
		},
		{
			name: "missingMethod", desc: "()I", maxStack: 1,
			build: func(b *CodeBuilder) {
				b.EmitInvoke(OpInvokestatic, "Programs", "nowhere", "()I")
				b.Emit(OpIreturn)
			},
			want: FaultNoSuchMethod,
		},
		{
			name: "missingClass", desc: "()Ljava/lang/Object;", maxStack: 1,
			build: func(b *CodeBuilder) {
				b.EmitType(OpNew, "does/not/Exist")
				b.Emit(OpAreturn)
			},
			want: FaultResolution,
		},
		{
			name: "factorial", desc: "(I)I", maxStack: 3, maxLocals: 1,
			build: func(b *CodeBuilder) {
				recurse := b.NewLabel()
				b.Emit(OpIload0)
				b.EmitJump(OpIfgt, recurse)
				b.Emit(OpIconst1)
				b.Emit(OpIreturn)
				b.Mark(recurse)
				b.Emit(OpIload0)
				b.Emit(OpIload0)
				b.Emit(OpIconst1)
				b.Emit(OpIsub)
				b.EmitInvoke(OpInvokestatic, "Programs", "factorial", "(I)I")
				b.Emit(OpImul)
				b.Emit(OpIreturn)
			},
			args: []Value{Int(10)}, want: int32(3628800),
		},
		{
			name: "runaway", desc: "(I)I", maxStack: 1, maxLocals: 1,
			build: func(b *CodeBuilder) {
				b.Emit(OpIload0)
				b.EmitInvoke(OpInvokestatic, "Programs", "runaway", "(I)I")
				b.Emit(OpIreturn)
			},
			args: []Value{Int(0)}, want: FaultStackOverflow,
		},
		{
			name: "monitorPair", desc: "()I", maxStack: 2, maxLocals: 1,
			build: func(b *CodeBuilder) {
				b.EmitType(OpNew, "java/lang/Object")
				b.Emit(OpDup)
				b.Emit(OpAstore0)
				b.Emit(OpMonitorenter)
				b.Emit(OpAload0)
				b.Emit(OpMonitorexit)
				b.Emit(OpIconst1)
				b.Emit(OpIreturn)
			},
			want: int32(1),
		},
		{
			name: "monitorExitUnowned", desc: "()V", maxStack: 1,
			build: func(b *CodeBuilder) {
				b.EmitType(OpNew, "java/lang/Object")
				b.Emit(OpMonitorexit)
				b.Emit(OpReturn)
			},
			want: FaultMonitorState,
		},
	}
}

func tableSwitch(b *CodeBuilder) {
	l1, l2, l3, dflt := b.NewLabel(), b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.Emit(OpIload0)
	b.EmitTableSwitch(1, dflt, l1, l2, l3)
	b.Mark(l1)
	b.EmitInt(OpBipush, 10)
	b.Emit(OpIreturn)
	b.Mark(l2)
	b.EmitInt(OpBipush, 20)
	b.Emit(OpIreturn)
	b.Mark(l3)
	b.EmitInt(OpBipush, 30)
	b.Emit(OpIreturn)
	b.Mark(dflt)
	b.Emit(OpIconstM1)
	b.Emit(OpIreturn)
}

func lookupSwitch(b *CodeBuilder) {
	l1, l2, l3, dflt := b.NewLabel(), b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.Emit(OpIload0)
	b.EmitLookupSwitch(dflt, []int32{-5, 100, 1000}, []*Label{l1, l2, l3})
	b.Mark(l1)
	b.Emit(OpIconst1)
	b.Emit(OpIreturn)
	b.Mark(l2)
	b.Emit(OpIconst2)
	b.Emit(OpIreturn)
	b.Mark(l3)
	b.Emit(OpIconst3)
	b.Emit(OpIreturn)
	b.Mark(dflt)
	b.Emit(OpIconst0)
	b.Emit(OpIreturn)
}

// defineSamples defines the Speaker/Animal/Dog/Cat hierarchy and a
// Programs class holding every sample. It returns the sample methods by
// name.
func defineSamples(t *testing.T, vm *VM) map[string]*Method {
	t.Helper()

	defineClass(t, vm, &ClassDef{
		Name:  "Speaker",
		Flags: AccPublic | AccInterface | AccAbstract,
		Methods: []*Method{
			{Name: "speak", Desc: "()I", Flags: AccPublic | AccAbstract},
		},
	})
	defineClass(t, vm, &ClassDef{
		Name:   "Animal",
		Fields: []FieldDef{{Name: "legs", Desc: "I"}},
		Methods: []*Method{
			constructor(t, "java/lang/Object"),
			assemble(t, "speak", "()I", AccPublic, 1, 1, func(b *CodeBuilder) {
				b.Emit(OpIconst1)
				b.Emit(OpIreturn)
			}),
		},
	})
	defineClass(t, vm, &ClassDef{
		Name:       "Dog",
		Super:      "Animal",
		Interfaces: []string{"Speaker"},
		Methods: []*Method{
			constructor(t, "Animal"),
			assemble(t, "speak", "()I", AccPublic, 1, 1, func(b *CodeBuilder) {
				b.Emit(OpIconst2)
				b.Emit(OpIreturn)
			}),
		},
	})
	defineClass(t, vm, &ClassDef{
		Name:       "Cat",
		Interfaces: []string{"Speaker"},
	})

	all := samples()
	methods := make([]*Method, 0, len(all))
	byName := make(map[string]*Method, len(all))
	for _, s := range all {
		m := static(t, s.name, s.desc, s.maxStack, s.maxLocals, s.build)
		methods = append(methods, m)
		byName[s.name] = m
	}
	defineClass(t, vm, &ClassDef{
		Name: "Programs",
		Fields: []FieldDef{
			{Name: "counter", Desc: "I", Flags: AccStatic},
			{Name: "big", Desc: "J", Flags: AccStatic},
		},
		Methods: methods,
	})

	// String constants are interned for the life of the VM; intern them up
	// front so leak checks see a stable baseline.
	for _, s := range []string{"hi", "x"} {
		if _, err := vm.Intern(s); err != nil {
			t.Fatal(err)
		}
	}
	return byName
}

// constructor returns <init>()V chaining to super's.
func constructor(t *testing.T, super string) *Method {
	return assemble(t, "<init>", "()V", AccPublic, 1, 1, func(b *CodeBuilder) {
		b.Emit(OpAload0)
		b.EmitInvoke(OpInvokespecial, super, "<init>", "()V")
		b.Emit(OpReturn)
	})
}

// runSample invokes m and checks the outcome against s.want. Results and
// faults are released before it returns.
func runSample(t *testing.T, vm *VM, m *Method, s sample) {
	t.Helper()
	v, err := vm.Invoke(context.Background(), m, s.args...)
	defer v.release()

	switch want := s.want.(type) {
	case FaultKind, thrown:
		if err == nil {
			t.Errorf("%s returned %v, want %v", s.name, v, want)
			return
		}
		exc, ok := AsException(err)
		if !ok {
			t.Errorf("%s: %v is not a guest fault", s.name, err)
			return
		}
		defer exc.Release()
		if k, ok := want.(FaultKind); ok && exc.Kind != k {
			t.Errorf("%s raised %v, want %v", s.name, exc, k)
		}
		if name, ok := want.(thrown); ok && exc.Oop.Class().Name != string(name) {
			t.Errorf("%s threw %s, want %s", s.name, exc.Oop.Class().Name, name)
		}
		return
	}

	if err != nil {
		t.Errorf("%s: %v", s.name, err)
		if exc, ok := AsException(err); ok {
			exc.Release()
		}
		return
	}
	switch want := s.want.(type) {
	case int32:
		if v.Kind() != KindInt || v.AsInt() != want {
			t.Errorf("%s = %v, want %d", s.name, v, want)
		}
	case int64:
		if v.Kind() != KindLong || v.AsLong() != want {
			t.Errorf("%s = %v, want %dL", s.name, v, want)
		}
	case float32:
		if v.Kind() != KindFloat || v.AsFloat() != want {
			t.Errorf("%s = %v, want %gF", s.name, v, want)
		}
	case float64:
		if v.Kind() != KindDouble || v.AsDouble() != want {
			t.Errorf("%s = %v, want %gD", s.name, v, want)
		}
	case string:
		if got := vm.GoString(v.AsObject()); got != want {
			t.Errorf("%s = %q, want %q", s.name, got, want)
		}
	}
}
