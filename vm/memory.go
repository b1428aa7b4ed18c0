package vm

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// ---------------------------------------------------------------------------
// Memory: raw byte-addressed storage for heap objects
// ---------------------------------------------------------------------------

// Memory is a byte-addressed storage region. Every object on the heap owns
// one; Slice views share the parent's backing store.
//
// Offsets are relative to the start of the region. Plain accessors use the
// host byte order with no ordering guarantees. The Volatile accessors are
// sequentially consistent and require natural alignment.
type Memory struct {
	buf []byte
}

var nativeLittleEndian = func() bool {
	var x uint16 = 1
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// NewMemory allocates a zeroed region of size bytes. The base address is
// 8-byte aligned.
func NewMemory(size int) *Memory {
	if size < 0 {
		panic(fmt.Sprintf("vm: negative memory size %d", size))
	}
	if size == 0 {
		return &Memory{}
	}
	words := make([]uint64, (size+7)/8)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	return &Memory{buf: buf[:size:size]}
}

// Len returns the region size in bytes.
func (m *Memory) Len() int { return len(m.buf) }

// Bytes exposes the region for bulk inspection.
func (m *Memory) Bytes() []byte { return m.buf }

// Slice returns a view of n bytes starting at off. No data is copied.
func (m *Memory) Slice(off, n int) *Memory {
	if off < 0 || n < 0 || off+n > len(m.buf) {
		panic(fmt.Sprintf("vm: slice [%d:%d] out of range for region of %d bytes", off, off+n, len(m.buf)))
	}
	return &Memory{buf: m.buf[off : off+n : off+n]}
}

func (m *Memory) Read8(off int) uint8   { return m.buf[off] }
func (m *Memory) Read16(off int) uint16 { return binary.NativeEndian.Uint16(m.buf[off:]) }
func (m *Memory) Read32(off int) uint32 { return binary.NativeEndian.Uint32(m.buf[off:]) }
func (m *Memory) Read64(off int) uint64 { return binary.NativeEndian.Uint64(m.buf[off:]) }

func (m *Memory) Write8(off int, v uint8)   { m.buf[off] = v }
func (m *Memory) Write16(off int, v uint16) { binary.NativeEndian.PutUint16(m.buf[off:], v) }
func (m *Memory) Write32(off int, v uint32) { binary.NativeEndian.PutUint32(m.buf[off:], v) }
func (m *Memory) Write64(off int, v uint64) { binary.NativeEndian.PutUint64(m.buf[off:], v) }

// ---------------------------------------------------------------------------
// Volatile access
// ---------------------------------------------------------------------------

func (m *Memory) addr(off, size int) unsafe.Pointer {
	_ = m.buf[off+size-1]
	p := unsafe.Pointer(&m.buf[off])
	if uintptr(p)%uintptr(size) != 0 {
		panic(fmt.Sprintf("vm: misaligned %d-byte volatile access at offset %d", size, off))
	}
	return p
}

// word returns the aligned 32-bit word containing the byte at off and the
// bit shift of that byte within it.
func (m *Memory) word(off int) (*uint32, uint) {
	_ = m.buf[off]
	p := uintptr(unsafe.Pointer(&m.buf[off]))
	base := p &^ 3
	shift := uint(p-base) * 8
	if !nativeLittleEndian {
		shift = 24 - shift
	}
	return (*uint32)(unsafe.Pointer(base)), shift
}

func (m *Memory) Read8Volatile(off int) uint8 {
	w, shift := m.word(off)
	return uint8(atomic.LoadUint32(w) >> shift)
}

func (m *Memory) Read16Volatile(off int) uint16 {
	if off%2 != 0 {
		panic(fmt.Sprintf("vm: misaligned 2-byte volatile access at offset %d", off))
	}
	w, shift := m.word(off)
	if !nativeLittleEndian {
		shift -= 8
	}
	return uint16(atomic.LoadUint32(w) >> shift)
}

func (m *Memory) Read32Volatile(off int) uint32 {
	return atomic.LoadUint32((*uint32)(m.addr(off, 4)))
}

func (m *Memory) Read64Volatile(off int) uint64 {
	return atomic.LoadUint64((*uint64)(m.addr(off, 8)))
}

// Sub-word volatile stores go through a CAS loop on the containing word so
// neighbouring bytes are never torn.
func (m *Memory) Write8Volatile(off int, v uint8) {
	w, shift := m.word(off)
	mask := uint32(0xff) << shift
	for {
		old := atomic.LoadUint32(w)
		if atomic.CompareAndSwapUint32(w, old, old&^mask|uint32(v)<<shift) {
			return
		}
	}
}

func (m *Memory) Write16Volatile(off int, v uint16) {
	if off%2 != 0 {
		panic(fmt.Sprintf("vm: misaligned 2-byte volatile access at offset %d", off))
	}
	w, shift := m.word(off)
	if !nativeLittleEndian {
		shift -= 8
	}
	mask := uint32(0xffff) << shift
	for {
		old := atomic.LoadUint32(w)
		if atomic.CompareAndSwapUint32(w, old, old&^mask|uint32(v)<<shift) {
			return
		}
	}
}

func (m *Memory) Write32Volatile(off int, v uint32) {
	atomic.StoreUint32((*uint32)(m.addr(off, 4)), v)
}

func (m *Memory) Write64Volatile(off int, v uint64) {
	atomic.StoreUint64((*uint64)(m.addr(off, 8)), v)
}

// ---------------------------------------------------------------------------
// Bulk operations
// ---------------------------------------------------------------------------

// Fill sets n bytes starting at off to b.
func (m *Memory) Fill(off, n int, b byte) {
	region := m.buf[off : off+n]
	for i := range region {
		region[i] = b
	}
}

// CopyMemory copies n bytes from src at srcOff to dst at dstOff. Overlapping
// ranges, within one region or across views of the same store, are handled.
func CopyMemory(dst *Memory, dstOff int, src *Memory, srcOff, n int) {
	if n == 0 {
		return
	}
	copy(dst.buf[dstOff:dstOff+n], src.buf[srcOff:srcOff+n])
}
