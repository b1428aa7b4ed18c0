package vm

import (
	"math"

	"golang.org/x/exp/constraints"
)

// ---------------------------------------------------------------------------
// Numeric semantics shared by the interpreter and compiled units
// ---------------------------------------------------------------------------

// divide is integer division; ok is false for a zero divisor. The most
// negative value divided by -1 wraps to itself.
func divide[T constraints.Signed](a, b T) (q T, ok bool) {
	if b == 0 {
		return 0, false
	}
	return a / b, true
}

// remainder takes the sign of the dividend.
func remainder[T constraints.Signed](a, b T) (r T, ok bool) {
	if b == 0 {
		return 0, false
	}
	return a % b, true
}

// fmod is the C fmod remainder: truncated quotient, sign of the dividend.
func fmod[F constraints.Float](a, b F) F {
	return F(math.Mod(float64(a), float64(b)))
}

// saturate converts a float to an integer type: NaN becomes zero and
// out-of-range values clamp to the nearest bound.
func saturate[F constraints.Float, I constraints.Signed](f F, lo, hi I) I {
	switch {
	case f != f:
		return 0
	case f <= F(lo):
		return lo
	case f >= F(hi):
		return hi
	}
	return I(f)
}

func f2i(f float32) int32 { return saturate(f, int32(math.MinInt32), int32(math.MaxInt32)) }
func f2l(f float32) int64 { return saturate(f, int64(math.MinInt64), int64(math.MaxInt64)) }
func d2i(d float64) int32 { return saturate(d, int32(math.MinInt32), int32(math.MaxInt32)) }
func d2l(d float64) int64 { return saturate(d, int64(math.MinInt64), int64(math.MaxInt64)) }

// compareFloat implements fcmpl/fcmpg and dcmpl/dcmpg; nan is the result
// when either operand is NaN.
func compareFloat[F constraints.Float](a, b F, nan int32) int32 {
	switch {
	case a > b:
		return 1
	case a == b:
		return 0
	case a < b:
		return -1
	}
	return nan
}

func compareInt[T constraints.Integer](a, b T) int32 {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	}
	return 0
}

var intBinaryOps = map[Opcode]func(a, b int32) int32{
	OpIadd:  func(a, b int32) int32 { return a + b },
	OpIsub:  func(a, b int32) int32 { return a - b },
	OpImul:  func(a, b int32) int32 { return a * b },
	OpIand:  func(a, b int32) int32 { return a & b },
	OpIor:   func(a, b int32) int32 { return a | b },
	OpIxor:  func(a, b int32) int32 { return a ^ b },
	OpIshl:  func(a, b int32) int32 { return a << (uint32(b) & 0x1f) },
	OpIshr:  func(a, b int32) int32 { return a >> (uint32(b) & 0x1f) },
	OpIushr: func(a, b int32) int32 { return int32(uint32(a) >> (uint32(b) & 0x1f)) },
}

var longBinaryOps = map[Opcode]func(a, b int64) int64{
	OpLadd: func(a, b int64) int64 { return a + b },
	OpLsub: func(a, b int64) int64 { return a - b },
	OpLmul: func(a, b int64) int64 { return a * b },
	OpLand: func(a, b int64) int64 { return a & b },
	OpLor:  func(a, b int64) int64 { return a | b },
	OpLxor: func(a, b int64) int64 { return a ^ b },
}

// Long shifts take an int shift count.
var longShiftOps = map[Opcode]func(a int64, n int32) int64{
	OpLshl:  func(a int64, n int32) int64 { return a << (uint32(n) & 0x3f) },
	OpLshr:  func(a int64, n int32) int64 { return a >> (uint32(n) & 0x3f) },
	OpLushr: func(a int64, n int32) int64 { return int64(uint64(a) >> (uint32(n) & 0x3f)) },
}

var floatBinaryOps = map[Opcode]func(a, b float32) float32{
	OpFadd: func(a, b float32) float32 { return a + b },
	OpFsub: func(a, b float32) float32 { return a - b },
	OpFmul: func(a, b float32) float32 { return a * b },
	OpFdiv: func(a, b float32) float32 { return a / b },
	OpFrem: fmod[float32],
}

var doubleBinaryOps = map[Opcode]func(a, b float64) float64{
	OpDadd: func(a, b float64) float64 { return a + b },
	OpDsub: func(a, b float64) float64 { return a - b },
	OpDmul: func(a, b float64) float64 { return a * b },
	OpDdiv: func(a, b float64) float64 { return a / b },
	OpDrem: fmod[float64],
}

// intConditions maps both the unary and binary int branch families to their
// predicate; unary forms compare against zero.
var intConditions = map[Opcode]func(a, b int32) bool{
	OpIfeq: func(a, b int32) bool { return a == b }, OpIfIcmpeq: func(a, b int32) bool { return a == b },
	OpIfne: func(a, b int32) bool { return a != b }, OpIfIcmpne: func(a, b int32) bool { return a != b },
	OpIflt: func(a, b int32) bool { return a < b }, OpIfIcmplt: func(a, b int32) bool { return a < b },
	OpIfge: func(a, b int32) bool { return a >= b }, OpIfIcmpge: func(a, b int32) bool { return a >= b },
	OpIfgt: func(a, b int32) bool { return a > b }, OpIfIcmpgt: func(a, b int32) bool { return a > b },
	OpIfle: func(a, b int32) bool { return a <= b }, OpIfIcmple: func(a, b int32) bool { return a <= b },
}

// switchTarget selects the branch of a tableswitch or lookupswitch.
func switchTarget(op Opcode, sw *SwitchTable, key int32) int {
	if op == OpTableswitch {
		i := int64(key) - int64(sw.Low)
		if i >= 0 && i < int64(len(sw.Targets)) {
			return sw.Targets[i]
		}
		return sw.Default
	}
	lo, hi := 0, len(sw.Keys)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		switch k := sw.Keys[mid]; {
		case k == key:
			return sw.Targets[mid]
		case k < key:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return sw.Default
}
