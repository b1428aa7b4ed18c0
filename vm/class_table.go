package vm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sasha-s/go-deadlock"
	"github.com/tliron/commonlog"
)

// FieldDef declares a field in a ClassDef.
type FieldDef struct {
	Name  string
	Desc  string
	Flags AccessFlags
}

// ClassDef is the already-parsed form of a class handed to Define.
type ClassDef struct {
	Name       string
	Super      string // empty only for the root class
	Interfaces []string
	Flags      AccessFlags
	Fields     []FieldDef
	Methods    []*Method
}

// ClassLoader supplies definitions for classes that are not yet defined.
// It returns ErrClassNotFound (possibly wrapped) for unknown names.
type ClassLoader func(name string) (*ClassDef, error)

// ClassTable holds every defined class by internal name.
type ClassTable struct {
	mu      deadlock.RWMutex
	classes map[string]*Class
	byID    []*Class

	heap       *Heap
	classClass *Class
	loader     ClassLoader
	log        commonlog.Logger
}

// NewClassTable creates an empty class table allocating mirrors on heap.
func NewClassTable(heap *Heap) *ClassTable {
	return &ClassTable{
		classes: make(map[string]*Class),
		byID:    []*Class{nil},
		heap:    heap,
		log:     commonlog.GetLogger("cask.classes"),
	}
}

// SetLoader installs the source of classes that Resolve cannot find.
func (ct *ClassTable) SetLoader(l ClassLoader) { ct.loader = l }

// Lookup returns an already-defined class, or nil. It never loads.
func (ct *ClassTable) Lookup(name string) *Class {
	ct.mu.RLock()
	c := ct.classes[name]
	ct.mu.RUnlock()
	return c
}

// ByID returns the class with the given header identity.
func (ct *ClassTable) ByID(id uint32) *Class {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	if int(id) < len(ct.byID) {
		return ct.byID[id]
	}
	return nil
}

// Resolve returns the named class, synthesizing array classes and asking
// the loader for anything else that is not yet defined.
func (ct *ClassTable) Resolve(name string) (*Class, error) {
	if c := ct.Lookup(name); c != nil {
		return c, nil
	}
	if len(name) > 1 && name[0] == '[' {
		return ct.arrayClass(name)
	}
	if ct.loader != nil {
		def, err := ct.loader(name)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", name, err)
		}
		c, err := ct.Define(def)
		if err != nil {
			// Lost a definition race.
			if c := ct.Lookup(name); c != nil {
				return c, nil
			}
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrClassNotFound, name)
}

func (ct *ClassTable) arrayClass(name string) (*Class, error) {
	c := &Class{Name: name, table: ct, Flags: AccPublic | AccFinal | AccAbstract}
	switch name[1] {
	case 'L', '[':
		comp, err := ct.Resolve(componentName(name))
		if err != nil {
			return nil, err
		}
		c.Component = comp
		c.ElemType = TypeRef
	case 'Z', 'B', 'C', 'S', 'I', 'J', 'F', 'D':
		if len(name) != 2 {
			return nil, fmt.Errorf("%w: malformed array class %s", ErrClassNotFound, name)
		}
		c.ElemType = name[1]
	default:
		return nil, fmt.Errorf("%w: malformed array class %s", ErrClassNotFound, name)
	}
	c.Super = ct.Lookup("java/lang/Object")
	for _, iface := range []string{"java/lang/Cloneable", "java/io/Serializable"} {
		if i := ct.Lookup(iface); i != nil {
			c.Interfaces = append(c.Interfaces, i)
		}
	}
	if err := c.layout(); err != nil {
		return nil, err
	}
	c.initCond = sync.NewCond(&c.initMu)
	c.state.Store(classInitialized)

	ct.mu.Lock()
	defer ct.mu.Unlock()
	if existing := ct.classes[name]; existing != nil {
		return existing, nil
	}
	ct.register(c)
	return c, nil
}

// Define links a class definition and adds it to the table.
func (ct *ClassTable) Define(def *ClassDef) (*Class, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("class definition without a name")
	}
	if ct.Lookup(def.Name) != nil {
		return nil, fmt.Errorf("duplicate class definition %s", def.Name)
	}

	c := &Class{Name: def.Name, Flags: def.Flags, table: ct}
	if def.Super != "" {
		super, err := ct.Resolve(def.Super)
		if err != nil {
			return nil, fmt.Errorf("superclass of %s: %w", def.Name, err)
		}
		if super.IsInterface() {
			return nil, fmt.Errorf("%s cannot extend interface %s", def.Name, super.Name)
		}
		c.Super = super
	}
	for _, name := range def.Interfaces {
		iface, err := ct.Resolve(name)
		if err != nil {
			return nil, fmt.Errorf("interface of %s: %w", def.Name, err)
		}
		c.Interfaces = append(c.Interfaces, iface)
	}
	for _, fd := range def.Fields {
		c.Fields = append(c.Fields, &Field{Name: fd.Name, Desc: fd.Desc, Flags: fd.Flags})
	}
	if err := c.layout(); err != nil {
		return nil, err
	}
	for _, m := range def.Methods {
		m.Owner = c
		if err := m.prepare(); err != nil {
			return nil, fmt.Errorf("method %s.%s: %w", def.Name, m.Name, err)
		}
		c.Methods = append(c.Methods, m)
	}
	c.initCond = sync.NewCond(&c.initMu)

	ct.mu.Lock()
	if ct.classes[def.Name] != nil {
		ct.mu.Unlock()
		return nil, fmt.Errorf("duplicate class definition %s", def.Name)
	}
	ct.register(c)
	ct.mu.Unlock()

	ct.log.Debugf("defined %s (%d bytes per instance, %d methods)", c.Name, c.instanceSize, len(c.Methods))
	return c, nil
}

// register assigns the header identity. ct.mu is held.
func (ct *ClassTable) register(c *Class) {
	c.id = uint32(len(ct.byID))
	ct.byID = append(ct.byID, c)
	ct.classes[c.Name] = c
}

// All returns every defined class sorted by name.
func (ct *ClassTable) All() []*Class {
	ct.mu.RLock()
	out := make([]*Class, 0, len(ct.classes))
	for _, c := range ct.classes {
		out = append(out, c)
	}
	ct.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of defined classes.
func (ct *ClassTable) Len() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.classes)
}
