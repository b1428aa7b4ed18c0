package vm

import "fmt"

// ---------------------------------------------------------------------------
// Frame: execution state for one interpreted activation
// ---------------------------------------------------------------------------

// Frame is a single method activation run by the interpreter. It owns its
// operand stack and locals; everything they reference is released when the
// activation ends, normally or not.
type Frame struct {
	Method *Method
	Stack  *Stack
	Locals *Locals
	PC     int // index of the instruction being executed

	next   int   // index to run after the current instruction
	result Value // owned return value, set by the return family
}

// newFrame creates an activation for m around already-populated locals.
func newFrame(m *Method, locals *Locals) *Frame {
	return &Frame{
		Method: m,
		Stack:  NewStack(m.MaxStack),
		Locals: locals,
	}
}

// Line returns the source line of the current instruction, or 0.
func (f *Frame) Line() int {
	if f.PC >= 0 && f.PC < len(f.Method.Code) {
		return f.Method.Code[f.PC].Line
	}
	return 0
}

// jump sets the instruction that runs after the current one.
func (f *Frame) jump(target int) { f.next = target }

// release drops everything the activation still owns.
func (f *Frame) release() {
	f.Stack.Clear()
	f.Locals.Clear()
}

func (f *Frame) String() string {
	if line := f.Line(); line > 0 {
		return fmt.Sprintf("%s@%d (line %d)", f.Method.Key(), f.PC, line)
	}
	return fmt.Sprintf("%s@%d", f.Method.Key(), f.PC)
}
