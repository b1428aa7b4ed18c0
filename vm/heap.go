package vm

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/sasha-s/go-deadlock"
	"github.com/tliron/commonlog"
)

var (
	// ErrNegativeArraySize is returned when an array length is negative.
	ErrNegativeArraySize = errors.New("negative array size")

	// ErrHeapExhausted is returned when an allocation would exceed the
	// configured heap limit.
	ErrHeapExhausted = errors.New("heap limit exceeded")
)

const firstAddress uint64 = 0x10000

// Heap owns every guest object. It maps addresses back to objects, tracks
// live counts for leak checks and enforces an optional byte limit.
type Heap struct {
	mu      deadlock.RWMutex
	objects map[uint64]*Object

	nextAddr atomic.Uint64
	limit    int64
	used     atomic.Int64
	live     atomic.Int64
	allocs   atomic.Uint64
	frees    atomic.Uint64

	log commonlog.Logger
}

// NewHeap creates a heap. A limit of zero means unbounded.
func NewHeap(limit int64) *Heap {
	h := &Heap{
		objects: make(map[uint64]*Object),
		limit:   limit,
		log:     commonlog.GetLogger("cask.heap"),
	}
	h.nextAddr.Store(firstAddress)
	return h
}

// NewInstance allocates a zeroed instance of c. The caller owns the single
// count it is born with.
func (h *Heap) NewInstance(c *Class) (*Object, error) {
	if c.IsArray() {
		return nil, fmt.Errorf("cannot instantiate array class %s as an instance", c.Name)
	}
	return h.allocate(c, c.instanceSize, -1)
}

// NewArray allocates a zeroed array of the given array class.
func (h *Heap) NewArray(c *Class, length int) (*Object, error) {
	if !c.IsArray() {
		return nil, fmt.Errorf("%s is not an array class", c.Name)
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativeArraySize, length)
	}
	elem := typeSize(c.ElemType)
	if length > (math.MaxInt32-ArrayBaseOffset)/elem {
		return nil, fmt.Errorf("%w: %d elements of %s", ErrHeapExhausted, length, c.Name)
	}
	return h.allocate(c, ArrayBaseOffset+length*elem, length)
}

func (h *Heap) allocate(c *Class, size, length int) (*Object, error) {
	if h.limit > 0 {
		if h.used.Add(int64(size)) > h.limit {
			h.used.Add(-int64(size))
			h.log.Warningf("refused %d-byte allocation of %s: limit %d", size, c.Name, h.limit)
			return nil, fmt.Errorf("%w: %d bytes requested for %s", ErrHeapExhausted, size, c.Name)
		}
	} else {
		h.used.Add(int64(size))
	}

	addr := h.nextAddr.Add(8) - 8
	o := &Object{
		class:  c,
		heap:   h,
		addr:   addr,
		mem:    NewMemory(size),
		length: length,
	}
	o.refs.Store(1)
	o.mem.Write32(headerClassOffset, c.id)
	o.mem.Write32(headerHashOffset, identityHash(addr))
	if length >= 0 {
		o.mem.Write32(arrayLengthOffset, uint32(length))
	}

	h.mu.Lock()
	h.objects[addr] = o
	h.mu.Unlock()

	h.live.Add(1)
	h.allocs.Add(1)
	return o, nil
}

// identityHash scrambles an address into a stable non-negative hash.
func identityHash(addr uint64) uint32 {
	x := addr
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	return uint32(x) & 0x7fffffff
}

// Lookup maps an address back to its object, or nil if nothing lives there.
func (h *Heap) Lookup(addr uint64) *Object {
	h.mu.RLock()
	o := h.objects[addr]
	h.mu.RUnlock()
	return o
}

// Clone allocates an object of identical shape and copies the payload that
// follows the header. References held by the copy are retained.
func (h *Heap) Clone(src *Object) (*Object, error) {
	var dst *Object
	var err error
	if src.IsArray() {
		dst, err = h.NewArray(src.class, src.length)
	} else {
		dst, err = h.NewInstance(src.class)
	}
	if err != nil {
		return nil, err
	}
	base := src.BaseOffset()
	if dst.BaseOffset() != base {
		panic(fmt.Sprintf("vm: clone base offset mismatch for %s: %d != %d", src.class.Name, base, dst.BaseOffset()))
	}
	CopyMemory(dst.mem, base, src.mem, base, src.mem.Len()-base)
	h.forEachRef(dst, func(o *Object) { o.Retain() })
	return dst, nil
}

// forEachRef visits every non-null reference stored in o.
func (h *Heap) forEachRef(o *Object, fn func(*Object)) {
	visit := func(off int) {
		if addr := o.mem.Read64(off); addr != 0 {
			if ref := h.Lookup(addr); ref != nil {
				fn(ref)
			}
		}
	}
	if o.IsArray() {
		if o.class.ElemType != TypeRef {
			return
		}
		for i := 0; i < o.length; i++ {
			visit(ArrayBaseOffset + i*8)
		}
		return
	}
	for _, off := range o.class.refOffsets {
		visit(off)
	}
}

// destroy tears an object down once its count reaches zero: the monitor
// goes first, then every reference it holds is released, then the address
// is retired.
func (h *Heap) destroy(o *Object) {
	o.monitor.Store(nil)
	h.forEachRef(o, func(ref *Object) { ref.Release() })

	h.mu.Lock()
	delete(h.objects, o.addr)
	h.mu.Unlock()

	h.used.Add(-int64(o.mem.Len()))
	h.live.Add(-1)
	h.frees.Add(1)
}

// LiveObjects returns the number of objects currently allocated.
func (h *Heap) LiveObjects() int64 { return h.live.Load() }

// Objects returns a snapshot of every live object.
func (h *Heap) Objects() []*Object {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Object, 0, len(h.objects))
	for _, o := range h.objects {
		out = append(out, o)
	}
	return out
}

// HeapStats holds aggregate heap counters.
type HeapStats struct {
	LiveObjects int64
	BytesInUse  int64
	Limit       int64
	Allocations uint64
	Frees       uint64
}

// Stats returns aggregate heap counters.
func (h *Heap) Stats() HeapStats {
	return HeapStats{
		LiveObjects: h.live.Load(),
		BytesInUse:  h.used.Load(),
		Limit:       h.limit,
		Allocations: h.allocs.Load(),
		Frees:       h.frees.Load(),
	}
}
