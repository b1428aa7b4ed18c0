package vm

import "fmt"

// Symbols holds the well-known classes the engine itself needs: the root
// class, mirrors, strings and every fault class.
type Symbols struct {
	Object       *Class
	Class        *Class
	String       *Class
	Throwable    *Class
	Cloneable    *Class
	Serializable *Class

	faults        [numFaultKinds]*Class
	detailMessage *Field
	stringValue   *Field

	oom *Object // raised when the heap cannot hold a fault object
}

// FaultClass returns the guest class raised for a fault kind.
func (s *Symbols) FaultClass(k FaultKind) *Class { return s.faults[k] }

// bootstrapClasses lists the built-in hierarchy in definition order.
var bootstrapClasses = []struct {
	name, super string
	flags       AccessFlags
}{
	{"java/lang/Cloneable", "java/lang/Object", AccPublic | AccInterface | AccAbstract},
	{"java/io/Serializable", "java/lang/Object", AccPublic | AccInterface | AccAbstract},
	{"java/lang/Class", "java/lang/Object", AccPublic | AccFinal},
	{"java/lang/Exception", "java/lang/Throwable", AccPublic},
	{"java/lang/RuntimeException", "java/lang/Exception", AccPublic},
	{"java/lang/InterruptedException", "java/lang/Exception", AccPublic},
	{"java/lang/ArithmeticException", "java/lang/RuntimeException", AccPublic},
	{"java/lang/ClassCastException", "java/lang/RuntimeException", AccPublic},
	{"java/lang/ArrayStoreException", "java/lang/RuntimeException", AccPublic},
	{"java/lang/IndexOutOfBoundsException", "java/lang/RuntimeException", AccPublic},
	{"java/lang/ArrayIndexOutOfBoundsException", "java/lang/IndexOutOfBoundsException", AccPublic},
	{"java/lang/NegativeArraySizeException", "java/lang/RuntimeException", AccPublic},
	{"java/lang/NullPointerException", "java/lang/RuntimeException", AccPublic},
	{"java/lang/IllegalMonitorStateException", "java/lang/RuntimeException", AccPublic},
	{"java/lang/IllegalArgumentException", "java/lang/RuntimeException", AccPublic},
	{"java/lang/IllegalStateException", "java/lang/RuntimeException", AccPublic},
	{"java/lang/CloneNotSupportedException", "java/lang/Exception", AccPublic},
	{"java/lang/Error", "java/lang/Throwable", AccPublic},
	{"java/lang/LinkageError", "java/lang/Error", AccPublic},
	{"java/lang/VerifyError", "java/lang/LinkageError", AccPublic},
	{"java/lang/NoClassDefFoundError", "java/lang/LinkageError", AccPublic},
	{"java/lang/ExceptionInInitializerError", "java/lang/LinkageError", AccPublic},
	{"java/lang/IncompatibleClassChangeError", "java/lang/LinkageError", AccPublic},
	{"java/lang/NoSuchFieldError", "java/lang/IncompatibleClassChangeError", AccPublic},
	{"java/lang/NoSuchMethodError", "java/lang/IncompatibleClassChangeError", AccPublic},
	{"java/lang/AbstractMethodError", "java/lang/IncompatibleClassChangeError", AccPublic},
	{"java/lang/InstantiationError", "java/lang/IncompatibleClassChangeError", AccPublic},
	{"java/lang/VirtualMachineError", "java/lang/Error", AccPublic | AccAbstract},
	{"java/lang/OutOfMemoryError", "java/lang/VirtualMachineError", AccPublic},
	{"java/lang/StackOverflowError", "java/lang/VirtualMachineError", AccPublic},
}

// bootstrap defines the built-in classes and fills in vm.Symbols.
func (vm *VM) bootstrap() error {
	ct := vm.Classes
	s := &Symbols{}

	var err error
	if s.Object, err = ct.Define(&ClassDef{
		Name:    "java/lang/Object",
		Flags:   AccPublic,
		Methods: objectMethods(),
	}); err != nil {
		return err
	}
	if s.Throwable, err = ct.Define(&ClassDef{
		Name:    "java/lang/Throwable",
		Super:   "java/lang/Object",
		Flags:   AccPublic,
		Fields:  []FieldDef{{Name: "detailMessage", Desc: "Ljava/lang/String;", Flags: AccPrivate}},
		Methods: throwableMethods(),
	}); err != nil {
		return err
	}
	for _, b := range bootstrapClasses {
		if _, err := ct.Define(&ClassDef{Name: b.name, Super: b.super, Flags: b.flags}); err != nil {
			return fmt.Errorf("bootstrap %s: %w", b.name, err)
		}
	}
	if s.String, err = ct.Define(&ClassDef{
		Name:       "java/lang/String",
		Super:      "java/lang/Object",
		Interfaces: []string{"java/io/Serializable"},
		Flags:      AccPublic | AccFinal,
		Fields: []FieldDef{
			{Name: "value", Desc: "[C", Flags: AccPrivate | AccFinal},
			{Name: "hash", Desc: "I", Flags: AccPrivate},
		},
		Methods: stringMethods(),
	}); err != nil {
		return err
	}

	s.Class = ct.Lookup("java/lang/Class")
	s.Cloneable = ct.Lookup("java/lang/Cloneable")
	s.Serializable = ct.Lookup("java/io/Serializable")
	ct.classClass = s.Class
	for k := FaultKind(0); k < numFaultKinds; k++ {
		s.faults[k] = ct.Lookup(k.ClassName())
		if s.faults[k] == nil {
			return fmt.Errorf("bootstrap: fault class %s missing", k.ClassName())
		}
	}
	s.detailMessage = s.Throwable.DeclaredField("detailMessage", "Ljava/lang/String;")
	s.stringValue = s.String.DeclaredField("value", "[C")
	if vm.charArray, err = ct.Resolve("[C"); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	for _, c := range ct.All() {
		c.state.Store(classInitialized)
	}
	if s.oom, err = vm.Heap.NewInstance(s.faults[FaultOutOfMemory]); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	vm.Symbols = s
	return nil
}
