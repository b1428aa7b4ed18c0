package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Faults
// ---------------------------------------------------------------------------

// FaultKind identifies an engine-raised fault. Each kind is backed by a
// well-known guest class so guest handlers can catch it.
type FaultKind uint8

const (
	FaultGuest FaultKind = iota // thrown by guest code via athrow
	FaultVerification
	FaultResolution
	FaultNoSuchField
	FaultNoSuchMethod
	FaultAbstractMethod
	FaultIncompatibleClassChange
	FaultInstantiation
	FaultInitialization
	FaultType
	FaultArrayStore
	FaultBounds
	FaultArithmetic
	FaultNullReference
	FaultMonitorState
	FaultInterrupted
	FaultNegativeArraySize
	FaultOutOfMemory
	FaultStackOverflow

	numFaultKinds
)

var faultClassNames = [numFaultKinds]string{
	FaultGuest:                   "java/lang/Throwable",
	FaultVerification:            "java/lang/VerifyError",
	FaultResolution:              "java/lang/NoClassDefFoundError",
	FaultNoSuchField:             "java/lang/NoSuchFieldError",
	FaultNoSuchMethod:            "java/lang/NoSuchMethodError",
	FaultAbstractMethod:          "java/lang/AbstractMethodError",
	FaultIncompatibleClassChange: "java/lang/IncompatibleClassChangeError",
	FaultInstantiation:           "java/lang/InstantiationError",
	FaultInitialization:          "java/lang/ExceptionInInitializerError",
	FaultType:                    "java/lang/ClassCastException",
	FaultArrayStore:              "java/lang/ArrayStoreException",
	FaultBounds:                  "java/lang/ArrayIndexOutOfBoundsException",
	FaultArithmetic:              "java/lang/ArithmeticException",
	FaultNullReference:           "java/lang/NullPointerException",
	FaultMonitorState:            "java/lang/IllegalMonitorStateException",
	FaultInterrupted:             "java/lang/InterruptedException",
	FaultNegativeArraySize:       "java/lang/NegativeArraySizeException",
	FaultOutOfMemory:             "java/lang/OutOfMemoryError",
	FaultStackOverflow:           "java/lang/StackOverflowError",
}

// ClassName returns the guest class backing the fault kind.
func (k FaultKind) ClassName() string {
	if k < numFaultKinds {
		return faultClassNames[k]
	}
	return faultClassNames[FaultGuest]
}

func (k FaultKind) String() string { return k.ClassName() }

// IsResolution reports whether the kind belongs to the resolution family.
func (k FaultKind) IsResolution() bool {
	return k >= FaultResolution && k <= FaultInitialization
}

// IsAllocation reports whether the kind belongs to the allocation family.
func (k FaultKind) IsAllocation() bool {
	return k == FaultNegativeArraySize || k == FaultOutOfMemory
}

// Exception is a guest-visible fault travelling as a Go error. It owns one
// count on Oop; whoever consumes the error either hands that count to a
// handler frame or calls Release.
type Exception struct {
	Kind    FaultKind
	Oop     *Object
	Message string
}

func (e *Exception) Error() string {
	name := e.Kind.ClassName()
	if e.Oop != nil {
		name = e.Oop.class.Name
	}
	if e.Message == "" {
		return name
	}
	return name + ": " + e.Message
}

// Release drops the exception's count on its guest object.
func (e *Exception) Release() {
	if e.Oop != nil {
		e.Oop.Release()
		e.Oop = nil
	}
}

// AsException extracts a guest fault from an error chain.
func AsException(err error) (*Exception, bool) {
	var exc *Exception
	if errors.As(err, &exc) {
		return exc, true
	}
	return nil, false
}

var (
	// ErrThreadCancelled terminates a thread whose context was cancelled.
	// Guest handlers never see it.
	ErrThreadCancelled = errors.New("thread cancelled")

	// ErrClassNotFound is returned by class resolution for unknown names.
	ErrClassNotFound = errors.New("class not found")
)

// newFault allocates the guest object for a fault and wraps it. If the
// heap cannot hold the fault object, the preallocated OutOfMemoryError is
// raised instead.
func (vm *VM) newFault(kind FaultKind, msg string) *Exception {
	cls := vm.Symbols.faults[kind]
	oop, err := vm.Heap.NewInstance(cls)
	if err != nil {
		oom := vm.Symbols.oom
		oom.Retain()
		return &Exception{Kind: FaultOutOfMemory, Oop: oom, Message: "heap exhausted while raising " + cls.Name}
	}
	if msg != "" {
		if s, err := vm.NewString(msg); err == nil {
			oop.SetField(vm.Symbols.detailMessage, Ref(s))
			s.Release()
		}
	}
	return &Exception{Kind: kind, Oop: oop, Message: msg}
}

// Faultf raises a fault of the given kind with a formatted message.
func (vm *VM) Faultf(kind FaultKind, format string, args ...any) *Exception {
	return vm.newFault(kind, fmt.Sprintf(format, args...))
}

// exceptionFromOop wraps a guest throwable, adopting the caller's count.
func (vm *VM) exceptionFromOop(oop *Object) *Exception {
	msg := ""
	if v := oop.GetField(vm.Symbols.detailMessage); !v.IsNull() {
		msg = vm.GoString(v.ref)
	}
	return &Exception{Kind: FaultGuest, Oop: oop, Message: msg}
}

// faultFromError maps engine sentinel errors onto guest faults.
func (vm *VM) faultFromError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNegativeArraySize):
		return vm.newFault(FaultNegativeArraySize, err.Error())
	case errors.Is(err, ErrHeapExhausted):
		return vm.newFault(FaultOutOfMemory, err.Error())
	case errors.Is(err, ErrIllegalMonitorState):
		return vm.newFault(FaultMonitorState, err.Error())
	case errors.Is(err, ErrInterrupted):
		return vm.newFault(FaultInterrupted, err.Error())
	case errors.Is(err, ErrClassNotFound):
		return vm.newFault(FaultResolution, err.Error())
	}
	return err
}

// newThrowable raises an instance of a named throwable class that has no
// FaultKind of its own.
func (vm *VM) newThrowable(className, msg string) *Exception {
	c := vm.Classes.Lookup(className)
	if c == nil {
		return vm.newFault(FaultGuest, className+": "+msg)
	}
	oop, err := vm.Heap.NewInstance(c)
	if err != nil {
		return vm.newFault(FaultOutOfMemory, err.Error())
	}
	if msg != "" {
		if s, err := vm.NewString(msg); err == nil {
			oop.SetField(vm.Symbols.detailMessage, Ref(s))
			s.Release()
		}
	}
	return &Exception{Kind: FaultGuest, Oop: oop, Message: msg}
}
