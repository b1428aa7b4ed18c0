package vm

import (
	"errors"
	"testing"
)

func TestMemoryPlainAndVolatile(t *testing.T) {
	m := NewMemory(32)

	m.Write8(1, 0xab)
	m.Write16(2, 0xbeef)
	m.Write32(4, 0xdeadbeef)
	m.Write64(8, 0x0102030405060708)
	if m.Read8(1) != 0xab || m.Read16(2) != 0xbeef || m.Read32(4) != 0xdeadbeef || m.Read64(8) != 0x0102030405060708 {
		t.Errorf("plain round trip failed: % x", m.Bytes()[:16])
	}

	m.Write8Volatile(17, 0x7f)
	m.Write16Volatile(18, 0x1234)
	m.Write32Volatile(20, 0xcafebabe)
	m.Write64Volatile(24, 1<<63)
	if m.Read8Volatile(17) != 0x7f {
		t.Errorf("Read8Volatile = %x", m.Read8Volatile(17))
	}
	if m.Read16Volatile(18) != 0x1234 {
		t.Errorf("Read16Volatile = %x", m.Read16Volatile(18))
	}
	if m.Read32Volatile(20) != 0xcafebabe {
		t.Errorf("Read32Volatile = %x", m.Read32Volatile(20))
	}
	if m.Read64Volatile(24) != 1<<63 {
		t.Errorf("Read64Volatile = %x", m.Read64Volatile(24))
	}
	// Narrow volatile stores must leave their neighbours alone.
	if m.Read8(16) != 0 || m.Read16(18) != 0x1234 {
		t.Errorf("volatile byte store clobbered neighbours: % x", m.Bytes()[16:20])
	}
}

func TestMemoryFillAndSlice(t *testing.T) {
	m := NewMemory(16)
	m.Fill(4, 8, 0x5a)
	for i, b := range m.Bytes() {
		want := byte(0)
		if i >= 4 && i < 12 {
			want = 0x5a
		}
		if b != want {
			t.Fatalf("byte %d = %x, want %x", i, b, want)
		}
	}

	view := m.Slice(8, 8)
	view.Write8(0, 1)
	if m.Read8(8) != 1 {
		t.Error("slice should share the backing store")
	}
	if view.Len() != 8 {
		t.Errorf("slice length = %d", view.Len())
	}
}

func TestCopyMemoryOverlap(t *testing.T) {
	m := NewMemory(8)
	for i := 0; i < 8; i++ {
		m.Write8(i, byte(i))
	}
	CopyMemory(m, 2, m, 0, 6)
	want := []byte{0, 1, 0, 1, 2, 3, 4, 5}
	for i, b := range want {
		if m.Read8(i) != b {
			t.Fatalf("after forward overlap copy: % x, want % x", m.Bytes(), want)
		}
	}

	CopyMemory(m, 0, m, 2, 6)
	want = []byte{0, 1, 2, 3, 4, 5, 4, 5}
	for i, b := range want {
		if m.Read8(i) != b {
			t.Fatalf("after backward overlap copy: % x, want % x", m.Bytes(), want)
		}
	}
}

func TestHeapAllocateAndFree(t *testing.T) {
	vm := newTestVM(t)
	h := vm.Heap
	before := h.Stats()

	o, err := h.NewInstance(vm.Symbols.Object)
	if err != nil {
		t.Fatal(err)
	}
	if o.RefCount() != 1 {
		t.Errorf("new object refcount = %d, want 1", o.RefCount())
	}
	if h.Lookup(o.Address()) != o {
		t.Error("Lookup should find the new object")
	}
	if o.HashCode() < 0 {
		t.Errorf("identity hash %d should be non-negative", o.HashCode())
	}

	o.Release()
	after := h.Stats()
	if after.LiveObjects != before.LiveObjects || after.BytesInUse != before.BytesInUse {
		t.Errorf("stats after free = %+v, want live/bytes of %+v", after, before)
	}
	if after.Frees != before.Frees+1 {
		t.Errorf("frees = %d, want %d", after.Frees, before.Frees+1)
	}
}

func TestHeapArrays(t *testing.T) {
	vm := newTestVM(t)
	ints, err := vm.Classes.Resolve("[I")
	if err != nil {
		t.Fatal(err)
	}

	a, err := vm.Heap.NewArray(ints, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Release()
	a.SetElement(3, Int(-2))
	if a.Length() != 4 || a.Element(3).AsInt() != -2 || a.Element(0).AsInt() != 0 {
		t.Errorf("array contents wrong: len=%d [3]=%v", a.Length(), a.Element(3))
	}

	if _, err := vm.Heap.NewArray(ints, -1); !errors.Is(err, ErrNegativeArraySize) {
		t.Errorf("negative length error = %v", err)
	}
	if _, err := vm.Heap.NewInstance(ints); err == nil {
		t.Error("NewInstance of an array class should fail")
	}
}

func TestHeapLimit(t *testing.T) {
	vm := newTestVM(t, func(o *Options) { o.HeapLimit = 4096 })
	bytes, err := vm.Classes.Resolve("[B")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := vm.Heap.NewArray(bytes, 1<<20); !errors.Is(err, ErrHeapExhausted) {
		t.Errorf("oversized allocation error = %v, want ErrHeapExhausted", err)
	}
}

// fillHeap allocates until the heap refuses even a bare object and returns
// a func that frees everything it took.
func fillHeap(t *testing.T, vm *VM) func() {
	t.Helper()
	bytes, err := vm.Classes.Resolve("[B")
	if err != nil {
		t.Fatal(err)
	}
	var held []*Object
	for {
		o, err := vm.Heap.NewArray(bytes, 1024)
		if err != nil {
			break
		}
		held = append(held, o)
	}
	for {
		o, err := vm.Heap.NewInstance(vm.Symbols.Object)
		if err != nil {
			break
		}
		held = append(held, o)
	}
	return func() { releaseObjects(held...) }
}

func TestMirrorAllocationFailureIsFault(t *testing.T) {
	vm := newTestVM(t, func(o *Options) { o.HeapLimit = 1 << 20 })
	mirror := static(t, "mirror", "()Ljava/lang/Class;", 1, 0, func(b *CodeBuilder) {
		b.EmitLdc(ClassRef("Mirrored"))
		b.Emit(OpAreturn)
	})
	locked := assemble(t, "locked", "()I", AccPublic|AccStatic|AccSynchronized, 1, 0, func(b *CodeBuilder) {
		b.Emit(OpIconst1)
		b.Emit(OpIreturn)
	})
	c := defineClass(t, vm, &ClassDef{Name: "Mirrored", Methods: []*Method{mirror, locked}})

	free := fillHeap(t, vm)
	if _, err := c.Mirror(); !errors.Is(err, ErrHeapExhausted) {
		t.Fatalf("Mirror on a full heap = %v, want ErrHeapExhausted", err)
	}
	if exc := invokeFault(t, vm, mirror); exc.Kind != FaultOutOfMemory {
		t.Errorf("ldc of a class raised %v, want %v", exc.Kind, FaultOutOfMemory)
	}
	if exc := invokeFault(t, vm, locked); exc.Kind != FaultOutOfMemory {
		t.Errorf("synchronized static raised %v, want %v", exc.Kind, FaultOutOfMemory)
	}
	install(t, vm, mirror)
	if exc := invokeFault(t, vm, mirror); exc.Kind != FaultOutOfMemory {
		t.Errorf("compiled ldc of a class raised %v, want %v", exc.Kind, FaultOutOfMemory)
	}

	free()
	v := invoke(t, vm, mirror)
	defer v.release()
	if v.AsObject().MirroredClass() != c {
		t.Errorf("mirror() = %v, want the mirror of %s", v, c.Name)
	}
	if got := invoke(t, vm, locked).AsInt(); got != 1 {
		t.Errorf("locked() = %d", got)
	}
}

func TestHeapCloneRetainsReferences(t *testing.T) {
	vm := newTestVM(t)
	objs, err := vm.Classes.Resolve("[Ljava/lang/Object;")
	if err != nil {
		t.Fatal(err)
	}
	baseline := vm.Heap.LiveObjects()

	elem, _ := vm.Heap.NewInstance(vm.Symbols.Object)
	arr, _ := vm.Heap.NewArray(objs, 2)
	arr.SetElement(0, Ref(elem))
	elem.Release()

	dup, err := vm.Heap.Clone(arr)
	if err != nil {
		t.Fatal(err)
	}
	if dup == arr || dup.Element(0).AsObject() != elem {
		t.Fatal("clone should be a new array sharing the element")
	}
	if elem.RefCount() != 2 {
		t.Errorf("element refcount = %d, want 2", elem.RefCount())
	}

	arr.Release()
	dup.Release()
	if got := vm.Heap.LiveObjects(); got != baseline {
		t.Errorf("live objects = %d, want %d", got, baseline)
	}
}

func TestHeapCloneIntArray(t *testing.T) {
	vm := newTestVM(t)
	ints, err := vm.Classes.Resolve("[I")
	if err != nil {
		t.Fatal(err)
	}
	src, _ := vm.Heap.NewArray(ints, 3)
	defer src.Release()
	src.SetElement(2, Int(5))

	dup, err := vm.Heap.Clone(src)
	if err != nil {
		t.Fatal(err)
	}
	defer dup.Release()
	if dup.Class() != src.Class() || dup.Length() != 3 {
		t.Fatalf("clone is %s of length %d, want [I of length 3", dup.Class().Name, dup.Length())
	}
	for i, want := range []int32{0, 0, 5} {
		if got := dup.Element(i).AsInt(); got != want {
			t.Errorf("clone[%d] = %d, want %d", i, got, want)
		}
	}

	dup.SetElement(0, Int(9))
	dup.SetElement(2, Int(-1))
	if src.Element(0).AsInt() != 0 || src.Element(2).AsInt() != 5 {
		t.Errorf("writing the clone changed the source: [%d %d %d]",
			src.Element(0).AsInt(), src.Element(1).AsInt(), src.Element(2).AsInt())
	}
}

func TestCloneNative(t *testing.T) {
	vm := newTestVM(t)
	clone := vm.Symbols.Object.DeclaredMethod("clone", "()Ljava/lang/Object;")
	if clone == nil {
		t.Fatal("Object.clone missing")
	}

	ints, _ := vm.Classes.Resolve("[I")
	arr, _ := vm.Heap.NewArray(ints, 3)
	defer arr.Release()
	arr.SetElement(2, Int(5))
	v := invoke(t, vm, clone, Ref(arr))
	defer v.release()
	dup := v.AsObject()
	if dup == arr || dup.Class() != arr.Class() || dup.Length() != 3 || dup.Element(2).AsInt() != 5 {
		t.Errorf("clone of int[]{0,0,5} = %v", dup)
	}

	sheep := defineClass(t, vm, &ClassDef{
		Name:       "Sheep",
		Interfaces: []string{"java/lang/Cloneable"},
		Fields:     []FieldDef{{Name: "wool", Desc: "I"}},
	})
	wool := sheep.DeclaredField("wool", "I")
	dolly, _ := vm.Heap.NewInstance(sheep)
	defer dolly.Release()
	dolly.SetField(wool, Int(3))
	w := invoke(t, vm, clone, Ref(dolly))
	defer w.release()
	if copied := w.AsObject(); copied == dolly || copied.GetField(wool).AsInt() != 3 {
		t.Errorf("clone of a Cloneable instance = %v", copied)
	}

	plain := defineClass(t, vm, &ClassDef{Name: "Plain"})
	p, _ := vm.Heap.NewInstance(plain)
	defer p.Release()
	exc := invokeFault(t, vm, clone, Ref(p))
	if name := exc.Oop.Class().Name; name != "java/lang/CloneNotSupportedException" {
		t.Errorf("clone of a plain instance threw %s", name)
	}
}

func TestRefcountCascade(t *testing.T) {
	vm := newTestVM(t)
	node := defineClass(t, vm, &ClassDef{
		Name:   "Node",
		Fields: []FieldDef{{Name: "next", Desc: "LNode;"}},
	})
	next := node.DeclaredField("next", "LNode;")
	baseline := vm.Heap.LiveObjects()

	// head -> n1 -> n2
	head, _ := vm.Heap.NewInstance(node)
	n1, _ := vm.Heap.NewInstance(node)
	n2, _ := vm.Heap.NewInstance(node)
	n1.SetField(next, Ref(n2))
	n2.Release()
	head.SetField(next, Ref(n1))
	n1.Release()

	if vm.Heap.LiveObjects() != baseline+3 {
		t.Fatalf("live = %d, want %d", vm.Heap.LiveObjects(), baseline+3)
	}
	head.Release()
	if got := vm.Heap.LiveObjects(); got != baseline {
		t.Errorf("chain not reclaimed: live = %d, want %d", got, baseline)
	}
}

func TestRefcountCyclesLeak(t *testing.T) {
	vm := newTestVM(t)
	node := defineClass(t, vm, &ClassDef{
		Name:   "Ring",
		Fields: []FieldDef{{Name: "next", Desc: "LRing;"}},
	})
	next := node.DeclaredField("next", "LRing;")
	baseline := vm.Heap.LiveObjects()

	a, _ := vm.Heap.NewInstance(node)
	b, _ := vm.Heap.NewInstance(node)
	a.SetField(next, Ref(b))
	b.SetField(next, Ref(a))
	a.Release()
	b.Release()

	if got := vm.Heap.LiveObjects(); got != baseline+2 {
		t.Errorf("live = %d, want the two-node cycle to survive", got)
	}
}

func TestReleaseUnderflowPanics(t *testing.T) {
	vm := newTestVM(t)
	o, _ := vm.Heap.NewInstance(vm.Symbols.Object)
	o.Release()
	defer func() {
		if recover() == nil {
			t.Error("retaining a destroyed object should panic")
		}
	}()
	o.Retain()
}

func TestInternedStrings(t *testing.T) {
	vm := newTestVM(t)
	a, err := vm.Intern("hello")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := vm.Intern("hello")
	if a != b {
		t.Error("interning should return the canonical object")
	}
	if got := vm.GoString(a); got != "hello" {
		t.Errorf("GoString = %q", got)
	}

	s, _ := vm.NewString("héllo \U0001F600")
	defer s.Release()
	if got := vm.GoString(s); got != "héllo \U0001F600" {
		t.Errorf("GoString of non-ASCII = %q", got)
	}
}

func TestStaticFieldsOwnReferences(t *testing.T) {
	vm := newTestVM(t)
	c := defineClass(t, vm, &ClassDef{
		Name:   "Holder",
		Fields: []FieldDef{{Name: "o", Desc: "Ljava/lang/Object;", Flags: AccStatic}},
	})
	f := c.StaticField("o", "Ljava/lang/Object;")
	if f == nil {
		t.Fatal("static field missing")
	}
	o, _ := vm.Heap.NewInstance(vm.Symbols.Object)
	c.PutStatic(f, Ref(o))
	o.Release()
	if o.RefCount() != 1 || c.GetStatic(f).AsObject() != o {
		t.Errorf("static should hold the only count, refcount = %d", o.RefCount())
	}
	c.PutStatic(f, Null)
	if vm.Heap.Lookup(o.Address()) != nil {
		t.Error("clearing the static should free the object")
	}
}
