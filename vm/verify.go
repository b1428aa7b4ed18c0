package vm

import (
	"fmt"
	"strings"
)

// Verify checks a method body for structural problems that would make it
// unsafe to execute: unknown opcodes, missing operands, out-of-range locals
// and branch targets, malformed switch tables and exception ranges, and
// control falling off the end of the code.
//
// It does not type-check the operand stack; bodies are assumed to come from
// a verified container.
func Verify(m *Method) error {
	if m.IsNative() || m.IsAbstract() {
		return nil
	}
	n := len(m.Code)
	if n == 0 {
		return fmt.Errorf("%s: empty method body", m.Key())
	}
	inRange := func(target int) bool { return target >= 0 && target < n }

	for pc := range m.Code {
		in := &m.Code[pc]
		if !in.Op.Executable() {
			return fmt.Errorf("%s@%d: invalid opcode 0x%02x", m.Key(), pc, byte(in.Op))
		}
		if idx, ok := implicitLocal(in.Op); ok {
			if err := checkLocal(m, pc, in.Op, idx); err != nil {
				return err
			}
		}
		switch in.Op.Info().Operand {
		case OperandLocal, OperandIinc:
			if err := checkLocal(m, pc, in.Op, in.A); err != nil {
				return err
			}
		case OperandBranch:
			if !inRange(in.A) {
				return fmt.Errorf("%s@%d: branch target %d out of range", m.Key(), pc, in.A)
			}
		case OperandConst:
			if err := checkConst(in); err != nil {
				return fmt.Errorf("%s@%d: %w", m.Key(), pc, err)
			}
		case OperandField, OperandMethod, OperandDynamic:
			if in.Member == nil {
				return fmt.Errorf("%s@%d: %s without member reference", m.Key(), pc, in.Op)
			}
			if in.Op.Info().Operand == OperandField {
				if _, err := FieldType(in.Member.Desc); err != nil {
					return fmt.Errorf("%s@%d: %w", m.Key(), pc, err)
				}
			} else if _, err := ParseMethodDescriptor(in.Member.Desc); err != nil {
				return fmt.Errorf("%s@%d: %w", m.Key(), pc, err)
			}
		case OperandClass:
			if in.Class == "" {
				return fmt.Errorf("%s@%d: %s without class operand", m.Key(), pc, in.Op)
			}
		case OperandMultiArray:
			if in.A < 1 || in.A > 255 || strings.Count(in.Class, "[") < in.A || in.Class[0] != '[' {
				return fmt.Errorf("%s@%d: bad multianewarray %s dims=%d", m.Key(), pc, in.Class, in.A)
			}
		case OperandSwitch:
			if err := checkSwitch(in, inRange); err != nil {
				return fmt.Errorf("%s@%d: %w", m.Key(), pc, err)
			}
		case OperandImmediate:
			if in.Op == OpNewarray {
				if _, ok := primitiveArrayNames[in.A]; !ok {
					return fmt.Errorf("%s@%d: bad newarray type %d", m.Key(), pc, in.A)
				}
			}
		}
	}

	if !endsBlock(m.Code[n-1].Op) {
		return fmt.Errorf("%s: control falls off the end of the code", m.Key())
	}

	for i, h := range m.Handlers {
		if h.Start < 0 || h.Start >= h.End || h.End > n || !inRange(h.Target) {
			return fmt.Errorf("%s: exception table entry %d has invalid range", m.Key(), i)
		}
	}
	return nil
}

func checkLocal(m *Method, pc int, op Opcode, idx int) error {
	width := 1
	switch op {
	case OpLload, OpDload, OpLstore, OpDstore,
		OpLload0, OpLload1, OpLload2, OpLload3,
		OpDload0, OpDload1, OpDload2, OpDload3,
		OpLstore0, OpLstore1, OpLstore2, OpLstore3,
		OpDstore0, OpDstore1, OpDstore2, OpDstore3:
		width = 2
	}
	if idx < 0 || idx+width > m.MaxLocals {
		return fmt.Errorf("%s@%d: local %d out of range (max %d)", m.Key(), pc, idx, m.MaxLocals)
	}
	return nil
}

func checkConst(in *Instruction) error {
	switch in.Const.(type) {
	case int32, float32, string, ClassRef:
		if in.Op == OpLdc2W {
			return fmt.Errorf("ldc2_w requires a long or double constant")
		}
	case int64, float64:
		if in.Op != OpLdc2W {
			return fmt.Errorf("%s cannot load a 64-bit constant", in.Op)
		}
	default:
		return fmt.Errorf("unsupported constant %T", in.Const)
	}
	return nil
}

func checkSwitch(in *Instruction, inRange func(int) bool) error {
	sw := in.Switch
	if sw == nil {
		return fmt.Errorf("%s without table", in.Op)
	}
	if !inRange(sw.Default) {
		return fmt.Errorf("default target %d out of range", sw.Default)
	}
	for _, t := range sw.Targets {
		if !inRange(t) {
			return fmt.Errorf("target %d out of range", t)
		}
	}
	if in.Op == OpLookupswitch {
		if len(sw.Keys) != len(sw.Targets) {
			return fmt.Errorf("lookupswitch has %d keys and %d targets", len(sw.Keys), len(sw.Targets))
		}
		for i := 1; i < len(sw.Keys); i++ {
			if sw.Keys[i] <= sw.Keys[i-1] {
				return fmt.Errorf("lookupswitch keys not strictly ascending")
			}
		}
	}
	return nil
}

// endsBlock reports whether control never falls through op.
func endsBlock(op Opcode) bool {
	switch op {
	case OpGoto, OpGotoW, OpRet, OpAthrow, OpTableswitch, OpLookupswitch,
		OpIreturn, OpLreturn, OpFreturn, OpDreturn, OpAreturn, OpReturn:
		return true
	}
	return false
}

// verified runs Verify once per method and caches the outcome.
func (m *Method) verified() error {
	m.verifyOnce.Do(func() { m.verifyErr = Verify(m) })
	return m.verifyErr
}
