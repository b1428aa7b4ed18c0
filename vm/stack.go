package vm

import "fmt"

// ---------------------------------------------------------------------------
// Operand stack
// ---------------------------------------------------------------------------

// Stack is a method activation's operand stack. Capacity is fixed at the
// method's declared maximum. Every slot holding a reference owns one count
// on it.
//
// Wide values take two slots: the value, then Top above it.
type Stack struct {
	slots []Value
	sp    int
}

// StackError reports an operand stack used outside its declared bounds.
type StackError struct {
	Op    string
	Depth int
	Cap   int
}

func (e *StackError) Error() string {
	return fmt.Sprintf("operand stack %s at depth %d (capacity %d)", e.Op, e.Depth, e.Cap)
}

// NewStack creates an empty stack with room for capacity slots.
func NewStack(capacity int) *Stack {
	return &Stack{slots: make([]Value, capacity)}
}

// Depth returns the number of occupied slots.
func (s *Stack) Depth() int { return s.sp }

// Cap returns the slot capacity.
func (s *Stack) Cap() int { return len(s.slots) }

// IsEmpty reports whether no slots are occupied.
func (s *Stack) IsEmpty() bool { return s.sp == 0 }

func (s *Stack) need(n int) {
	if s.sp+n > len(s.slots) {
		panic(&StackError{Op: "overflow", Depth: s.sp + n, Cap: len(s.slots)})
	}
}

func (s *Stack) have(n int) {
	if s.sp < n {
		panic(&StackError{Op: "underflow", Depth: s.sp - n, Cap: len(s.slots)})
	}
}

// Push pushes v, taking a new count on a reference.
func (s *Stack) Push(v Value) {
	v.retain()
	s.PushOwned(v)
}

// PushOwned pushes v, adopting the caller's count on a reference.
func (s *Stack) PushOwned(v Value) {
	if v.IsWide() {
		s.need(2)
		s.slots[s.sp] = v
		s.slots[s.sp+1] = Top
		s.sp += 2
		return
	}
	s.need(1)
	s.slots[s.sp] = v
	s.sp++
}

// Pop removes the top logical value. A wide value's Top slot is consumed
// with it. The caller receives the slot's count on a reference.
func (s *Stack) Pop() Value {
	s.have(1)
	if s.slots[s.sp-1].kind == KindTop {
		return s.PopWide()
	}
	s.sp--
	v := s.slots[s.sp]
	s.slots[s.sp] = Value{}
	return v
}

// PopWide removes a two-slot value.
func (s *Stack) PopWide() Value {
	s.have(2)
	if s.slots[s.sp-1].kind != KindTop {
		panic(&StackError{Op: "wide pop of narrow value", Depth: s.sp, Cap: len(s.slots)})
	}
	s.sp -= 2
	v := s.slots[s.sp]
	s.slots[s.sp] = Value{}
	s.slots[s.sp+1] = Value{}
	return v
}

// Discard pops the top slot and releases it. Used by pop and pop2.
func (s *Stack) Discard() {
	s.have(1)
	s.sp--
	s.slots[s.sp].release()
	s.slots[s.sp] = Value{}
}

// Peek returns the top logical value without removing it. No count changes
// hands.
func (s *Stack) Peek() Value {
	s.have(1)
	if s.slots[s.sp-1].kind == KindTop {
		return s.slots[s.sp-2]
	}
	return s.slots[s.sp-1]
}

// PeekAt returns the raw slot n positions below the top.
func (s *Stack) PeekAt(n int) Value {
	s.have(n + 1)
	return s.slots[s.sp-1-n]
}

func (s *Stack) PushInt(v int32)      { s.PushOwned(Int(v)) }
func (s *Stack) PushLong(v int64)     { s.PushOwned(Long(v)) }
func (s *Stack) PushFloat(v float32)  { s.PushOwned(Float(v)) }
func (s *Stack) PushDouble(v float64) { s.PushOwned(Double(v)) }
func (s *Stack) PopInt() int32        { return s.Pop().AsInt() }
func (s *Stack) PopLong() int64       { return s.PopWide().AsLong() }
func (s *Stack) PopFloat() float32    { return s.Pop().AsFloat() }
func (s *Stack) PopDouble() float64   { return s.PopWide().AsDouble() }

// PopRef pops a reference; the caller owns the returned count.
func (s *Stack) PopRef() *Object { return s.Pop().ref }

// PopArgs pops n logical values and returns them in push order.
func (s *Stack) PopArgs(n int) []Value {
	args := make([]Value, n)
	for i := n - 1; i >= 0; i-- {
		args[i] = s.Pop()
	}
	return args
}

// ---------------------------------------------------------------------------
// Rearrangements
//
// Each routine works on raw slots, so one routine covers every operand
// width combination its opcode allows: a wide value is its value slot plus
// Top and moves as that adjacent pair. Slots are listed bottom to top.
// Copies of a reference take a new count.
// ---------------------------------------------------------------------------

// Dup: [v1] -> [v1 v1]. v1 is a single-slot value.
func (s *Stack) Dup() {
	s.have(1)
	s.need(1)
	v1 := s.slots[s.sp-1]
	v1.retain()
	s.slots[s.sp] = v1
	s.sp++
}

// DupX1: [v2 v1] -> [v1 v2 v1]. Both values are single-slot.
func (s *Stack) DupX1() {
	s.have(2)
	s.need(1)
	top := s.sp
	v1, v2 := s.slots[top-1], s.slots[top-2]
	v1.retain()
	s.slots[top-2] = v1
	s.slots[top-1] = v2
	s.slots[top] = v1
	s.sp++
}

// DupX2: [v3 v2 v1] -> [v1 v3 v2 v1].
// Form 1: v3, v2, v1 single-slot. Form 2: v3v2 is one wide value, v1
// single-slot.
func (s *Stack) DupX2() {
	s.have(3)
	s.need(1)
	top := s.sp
	v1, v2, v3 := s.slots[top-1], s.slots[top-2], s.slots[top-3]
	v1.retain()
	s.slots[top-3] = v1
	s.slots[top-2] = v3
	s.slots[top-1] = v2
	s.slots[top] = v1
	s.sp++
}

// Dup2: [v2 v1] -> [v2 v1 v2 v1].
// Form 1: two single-slot values. Form 2: one wide value.
func (s *Stack) Dup2() {
	s.have(2)
	s.need(2)
	top := s.sp
	v1, v2 := s.slots[top-1], s.slots[top-2]
	v1.retain()
	v2.retain()
	s.slots[top] = v2
	s.slots[top+1] = v1
	s.sp += 2
}

// Dup2X1: [v3 v2 v1] -> [v2 v1 v3 v2 v1].
// Form 1: three single-slot values. Form 2: v2v1 wide, v3 single-slot.
func (s *Stack) Dup2X1() {
	s.have(3)
	s.need(2)
	top := s.sp
	v1, v2, v3 := s.slots[top-1], s.slots[top-2], s.slots[top-3]
	v1.retain()
	v2.retain()
	s.slots[top-3] = v2
	s.slots[top-2] = v1
	s.slots[top-1] = v3
	s.slots[top] = v2
	s.slots[top+1] = v1
	s.sp += 2
}

// Dup2X2: [v4 v3 v2 v1] -> [v2 v1 v4 v3 v2 v1].
// Form 1: four single-slot values. Form 2: v2v1 wide over two singles.
// Form 3: two singles over wide v4v3. Form 4: wide over wide.
func (s *Stack) Dup2X2() {
	s.have(4)
	s.need(2)
	top := s.sp
	v1, v2, v3, v4 := s.slots[top-1], s.slots[top-2], s.slots[top-3], s.slots[top-4]
	v1.retain()
	v2.retain()
	s.slots[top-4] = v2
	s.slots[top-3] = v1
	s.slots[top-2] = v4
	s.slots[top-1] = v3
	s.slots[top] = v2
	s.slots[top+1] = v1
	s.sp += 2
}

// Swap: [v2 v1] -> [v1 v2]. Both values are single-slot; never emitted for
// wide operands.
func (s *Stack) Swap() {
	s.have(2)
	top := s.sp
	s.slots[top-1], s.slots[top-2] = s.slots[top-2], s.slots[top-1]
}

// Clear empties the stack, releasing every reference slot.
func (s *Stack) Clear() {
	for i := 0; i < s.sp; i++ {
		s.slots[i].release()
		s.slots[i] = Value{}
	}
	s.sp = 0
}

// Slots returns a copy of the occupied slots, bottom first.
func (s *Stack) Slots() []Value {
	return append([]Value(nil), s.slots[:s.sp]...)
}

// Equal reports whether two stacks hold the same slots.
func (s *Stack) Equal(o *Stack) bool {
	if s.sp != o.sp {
		return false
	}
	for i := 0; i < s.sp; i++ {
		if !s.slots[i].Equal(o.slots[i]) {
			return false
		}
	}
	return true
}

func (s *Stack) String() string { return fmt.Sprint(s.slots[:s.sp]) }
