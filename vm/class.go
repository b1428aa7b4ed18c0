package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// AccessFlags mirror the access and property flags of classes, fields and
// methods.
type AccessFlags uint16

const (
	AccPublic       AccessFlags = 0x0001
	AccPrivate      AccessFlags = 0x0002
	AccProtected    AccessFlags = 0x0004
	AccStatic       AccessFlags = 0x0008
	AccFinal        AccessFlags = 0x0010
	AccSynchronized AccessFlags = 0x0020
	AccVolatile     AccessFlags = 0x0040
	AccNative       AccessFlags = 0x0100
	AccInterface    AccessFlags = 0x0200
	AccAbstract     AccessFlags = 0x0400
)

// Has reports whether all bits of f are set.
func (a AccessFlags) Has(f AccessFlags) bool { return a&f == f }

// ---------------------------------------------------------------------------
// Fields
// ---------------------------------------------------------------------------

// Field is a resolved instance or static field.
type Field struct {
	Owner  *Class
	Name   string
	Desc   string
	Flags  AccessFlags
	Offset int // byte offset within the object, or within static storage
	typ    byte
}

func (f *Field) IsStatic() bool   { return f.Flags.Has(AccStatic) }
func (f *Field) IsVolatile() bool { return f.Flags.Has(AccVolatile) }

// Type returns the type character of the field.
func (f *Field) Type() byte { return f.typ }

func (f *Field) String() string { return f.Owner.Name + "." + f.Name + ":" + f.Desc }

// ---------------------------------------------------------------------------
// Methods
// ---------------------------------------------------------------------------

// Handler is one exception table entry. Start, End and Target are
// instruction indices; End is exclusive. An empty CatchType catches
// everything.
type Handler struct {
	Start     int
	End       int
	Target    int
	CatchType string
}

// Method is a method body with its metadata. Code holds already-parsed
// instructions; branch targets are instruction indices.
type Method struct {
	Owner     *Class
	Name      string
	Desc      string
	Flags     AccessFlags
	MaxStack  int
	MaxLocals int
	Code      []Instruction
	Handlers  []Handler
	Native    NativeFunc

	typ      MethodType
	argSlots int // parameter slots including the receiver

	verifyOnce sync.Once
	verifyErr  error
	sites      []atomic.Pointer[siteLink]

	compiled atomic.Pointer[CompiledUnit]
	invoker  atomic.Pointer[NativeFunc]
}

func (m *Method) IsStatic() bool       { return m.Flags.Has(AccStatic) }
func (m *Method) IsAbstract() bool     { return m.Flags.Has(AccAbstract) }
func (m *Method) IsSynchronized() bool { return m.Flags.Has(AccSynchronized) }
func (m *Method) IsNative() bool       { return m.Native != nil || m.Flags.Has(AccNative) }

// Type returns the parsed descriptor.
func (m *Method) Type() MethodType { return m.typ }

// ArgSlots returns the number of locals slots taken by the receiver (if
// any) and parameters.
func (m *Method) ArgSlots() int { return m.argSlots }

// Compiled returns the installed compiled unit, or nil.
func (m *Method) Compiled() *CompiledUnit { return m.compiled.Load() }

// Key returns "owner.name desc", used in logs and traces.
func (m *Method) Key() string {
	owner := "<detached>"
	if m.Owner != nil {
		owner = m.Owner.Name
	}
	return owner + "." + m.Name + m.Desc
}

func (m *Method) String() string { return m.Key() }

// prepare parses the descriptor and sizes internal tables. Called once when
// the owning class is defined.
func (m *Method) prepare() error {
	mt, err := ParseMethodDescriptor(m.Desc)
	if err != nil {
		return err
	}
	m.typ = mt
	m.argSlots = mt.ArgSlots()
	if !m.IsStatic() {
		m.argSlots++
	}
	if m.MaxLocals < m.argSlots {
		m.MaxLocals = m.argSlots
	}
	m.sites = make([]atomic.Pointer[siteLink], len(m.Code))
	return nil
}

// siteLink caches what an instruction resolved to.
type siteLink struct {
	class  *Class
	field  *Field
	method *Method
	cache  *InlineCache
}

func (m *Method) link(pc int) *siteLink { return m.sites[pc].Load() }

func (m *Method) setLink(pc int, l *siteLink) *siteLink {
	if m.sites[pc].CompareAndSwap(nil, l) {
		return l
	}
	return m.sites[pc].Load()
}

// ---------------------------------------------------------------------------
// Classes
// ---------------------------------------------------------------------------

const (
	classLinked int32 = iota
	classInitializing
	classInitialized
	classErroneous
)

// Class is runtime class metadata: hierarchy, field layout, static storage
// and methods. Array classes have an ElemType and, for reference arrays, a
// Component.
type Class struct {
	Name       string
	Super      *Class
	Interfaces []*Class
	Flags      AccessFlags
	Fields     []*Field
	Methods    []*Method

	Component *Class
	ElemType  byte

	id    uint32
	table *ClassTable

	// Layout, computed once at definition.
	instanceSize int
	refOffsets   []int
	statics      *Memory
	staticRefs   []int

	mirror atomic.Pointer[Object]

	state      atomic.Int32
	initMu     sync.Mutex
	initCond   *sync.Cond
	initThread int64
}

// ID returns the class identity written into object headers.
func (c *Class) ID() uint32 { return c.id }

func (c *Class) IsInterface() bool { return c.Flags.Has(AccInterface) }
func (c *Class) IsAbstract() bool  { return c.Flags.Has(AccAbstract) }
func (c *Class) IsArray() bool     { return c.ElemType != 0 }

// InstanceSize returns the allocation size of an instance including the
// header.
func (c *Class) InstanceSize() int { return c.instanceSize }

// ElemSize returns the element size of an array class.
func (c *Class) ElemSize() int { return typeSize(c.ElemType) }

func (c *Class) String() string { return c.Name }

// layout assigns field offsets. Instance fields continue after the
// superclass; each field is aligned to its own size.
func (c *Class) layout() error {
	size := InstanceBaseOffset
	if c.Super != nil {
		size = c.Super.instanceSize
		c.refOffsets = append(c.refOffsets, c.Super.refOffsets...)
	}
	staticSize := 0
	for _, f := range c.Fields {
		t, err := FieldType(f.Desc)
		if err != nil {
			return fmt.Errorf("field %s.%s: %w", c.Name, f.Name, err)
		}
		f.typ = t
		f.Owner = c
		sz := typeSize(t)
		if f.IsStatic() {
			staticSize = alignUp(staticSize, sz)
			f.Offset = staticSize
			staticSize += sz
			if t == TypeRef {
				c.staticRefs = append(c.staticRefs, f.Offset)
			}
			continue
		}
		size = alignUp(size, sz)
		f.Offset = size
		size += sz
		if t == TypeRef {
			c.refOffsets = append(c.refOffsets, f.Offset)
		}
	}
	c.instanceSize = alignUp(size, 8)
	c.statics = NewMemory(alignUp(staticSize, 8))
	return nil
}

func alignUp(n, a int) int { return (n + a - 1) &^ (a - 1) }

// ---------------------------------------------------------------------------
// Lookup
// ---------------------------------------------------------------------------

// DeclaredField returns the field declared directly on c.
func (c *Class) DeclaredField(name, desc string) *Field {
	for _, f := range c.Fields {
		if f.Name == name && f.Desc == desc {
			return f
		}
	}
	return nil
}

// FindField resolves a field through c, its superinterfaces and its
// superclasses, in that order.
func (c *Class) FindField(name, desc string) *Field {
	for k := c; k != nil; k = k.Super {
		if f := k.DeclaredField(name, desc); f != nil {
			return f
		}
		for _, iface := range k.Interfaces {
			if f := iface.FindField(name, desc); f != nil {
				return f
			}
		}
	}
	return nil
}

// DeclaredMethod returns the method declared directly on c.
func (c *Class) DeclaredMethod(name, desc string) *Method {
	for _, m := range c.Methods {
		if m.Name == name && m.Desc == desc {
			return m
		}
	}
	return nil
}

// FindMethod resolves a method through the superclass chain, then through
// superinterfaces.
func (c *Class) FindMethod(name, desc string) *Method {
	for k := c; k != nil; k = k.Super {
		if m := k.DeclaredMethod(name, desc); m != nil {
			return m
		}
	}
	return c.findInterfaceMethod(name, desc)
}

func (c *Class) findInterfaceMethod(name, desc string) *Method {
	var abstract *Method
	for k := c; k != nil; k = k.Super {
		for _, iface := range k.Interfaces {
			if m := iface.DeclaredMethod(name, desc); m != nil {
				if !m.IsAbstract() {
					return m
				}
				if abstract == nil {
					abstract = m
				}
			}
			if m := iface.findInterfaceMethod(name, desc); m != nil {
				if !m.IsAbstract() {
					return m
				}
				if abstract == nil {
					abstract = m
				}
			}
		}
	}
	return abstract
}

// SelectVirtual picks the implementation a receiver of class c runs for a
// virtual or interface call: the most specific concrete declaration in the
// superclass chain, else a default method from an interface.
func (c *Class) SelectVirtual(name, desc string) *Method {
	for k := c; k != nil; k = k.Super {
		if m := k.DeclaredMethod(name, desc); m != nil && !m.IsStatic() {
			return m
		}
	}
	return c.findInterfaceMethod(name, desc)
}

// IsSubclassOf reports whether c is other or inherits from it through the
// superclass chain.
func (c *Class) IsSubclassOf(other *Class) bool {
	for k := c; k != nil; k = k.Super {
		if k == other {
			return true
		}
	}
	return false
}

// Implements reports whether c or any superclass implements the interface.
func (c *Class) Implements(iface *Class) bool {
	for k := c; k != nil; k = k.Super {
		for _, i := range k.Interfaces {
			if i == iface || i.Implements(iface) {
				return true
			}
		}
	}
	return false
}

// IsAssignableTo reports whether a value of class c may be stored where
// target is expected. Arrays are covariant in their reference component.
func (c *Class) IsAssignableTo(target *Class) bool {
	if c == target {
		return true
	}
	if target.IsInterface() {
		if c.IsArray() {
			return target.Name == "java/lang/Cloneable" || target.Name == "java/io/Serializable"
		}
		return c.Implements(target)
	}
	if c.IsArray() {
		if !target.IsArray() {
			return target.Super == nil && !target.IsInterface()
		}
		if c.ElemType != TypeRef || target.ElemType != TypeRef {
			return c.ElemType == target.ElemType && c.ElemType != TypeRef
		}
		return c.Component.IsAssignableTo(target.Component)
	}
	return c.IsSubclassOf(target)
}

// ---------------------------------------------------------------------------
// Static storage
// ---------------------------------------------------------------------------

// GetStatic reads a static field through the plain or volatile path
// depending on the field's flags.
func (c *Class) GetStatic(f *Field) Value {
	return loadTyped(c.table.heap, c.statics, f.Offset, f.typ, f.IsVolatile())
}

// PutStatic stores into a static field. The class takes its own count on a
// stored reference and drops the count of the one it replaces.
func (c *Class) PutStatic(f *Field, v Value) {
	storeOwned(c.table.heap, c.statics, f.Offset, f.typ, v, f.IsVolatile())
}

// StaticField looks up a static field by name and descriptor on c.
func (c *Class) StaticField(name, desc string) *Field {
	f := c.FindField(name, desc)
	if f == nil || !f.IsStatic() {
		return nil
	}
	return f
}

// Mirror returns the permanently rooted java/lang/Class object for c,
// allocating it on first use. The error wraps ErrHeapExhausted when the
// heap has no room for it.
func (c *Class) Mirror() (*Object, error) {
	if m := c.mirror.Load(); m != nil {
		return m, nil
	}
	m, err := c.table.heap.NewInstance(c.table.classClass)
	if err != nil {
		return nil, fmt.Errorf("allocating mirror for %s: %w", c.Name, err)
	}
	m.mirrorOf = c
	if !c.mirror.CompareAndSwap(nil, m) {
		m.Release()
	}
	return c.mirror.Load(), nil
}

// MirroredClass returns the class a java/lang/Class object stands for.
func (o *Object) MirroredClass() *Class { return o.mirrorOf }
