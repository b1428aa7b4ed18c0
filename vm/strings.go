package vm

import (
	"sync"
	"unicode/utf16"
)

// stringPool holds interned strings. Each entry is a permanent root.
type stringPool struct {
	mu      sync.Mutex
	strings map[string]*Object
}

// NewString allocates a java/lang/String holding s as UTF-16 code units.
// The caller owns the returned count.
func (vm *VM) NewString(s string) (*Object, error) {
	units := utf16.Encode([]rune(s))
	arr, err := vm.Heap.NewArray(vm.charArray, len(units))
	if err != nil {
		return nil, err
	}
	for i, u := range units {
		arr.mem.Write16(ArrayBaseOffset+2*i, u)
	}
	str, err := vm.Heap.NewInstance(vm.Symbols.String)
	if err != nil {
		arr.Release()
		return nil, err
	}
	str.SetField(vm.Symbols.stringValue, Ref(arr))
	arr.Release()
	return str, nil
}

// Intern returns the canonical string object for s. The pool keeps it
// alive for the life of the VM; callers that store it take their own count.
func (vm *VM) Intern(s string) (*Object, error) {
	vm.strings.mu.Lock()
	defer vm.strings.mu.Unlock()
	if o := vm.strings.strings[s]; o != nil {
		return o, nil
	}
	o, err := vm.NewString(s)
	if err != nil {
		return nil, err
	}
	if vm.strings.strings == nil {
		vm.strings.strings = make(map[string]*Object)
	}
	vm.strings.strings[s] = o
	return o, nil
}

// GoString decodes a java/lang/String. Null and non-strings yield "".
func (vm *VM) GoString(o *Object) string {
	if o == nil || o.class != vm.Symbols.String {
		return ""
	}
	arr := o.GetField(vm.Symbols.stringValue).ref
	if arr == nil {
		return ""
	}
	units := make([]uint16, arr.length)
	for i := range units {
		units[i] = arr.mem.Read16(ArrayBaseOffset + 2*i)
	}
	return string(utf16.Decode(units))
}
