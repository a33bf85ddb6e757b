// Package regbus provides access to memory-mapped device registers.
//
// Drivers address registers by byte offset from the start of their
// register window, through the [Bus] interface. Windows are backed by
// mapped physical memory ([Mem]), by a serial register bridge
// ([Serial]) or by a device model in tests.
package regbus

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Bus is a register window.
type Bus interface {
	Load8(off uint32) uint8
	Load16(off uint32) uint16
	Load32(off uint32) uint32
	Store8(off uint32, v uint8)
	Store16(off uint32, v uint16)
	Store32(off uint32, v uint32)
}

// Mem is a register window backed by memory, typically a mapping of the
// device's physical address range.
type Mem struct {
	b []byte
}

// NewMem returns a window over b. The start of b must be word aligned.
func NewMem(b []byte) *Mem {
	if len(b) > 0 && uintptr(unsafe.Pointer(&b[0]))%4 != 0 {
		panic("regbus: unaligned window")
	}
	return &Mem{b: b}
}

func (m *Mem) Len() int {
	return len(m.b)
}

func (m *Mem) check(off uint32, width uint32) {
	if off%width != 0 || uint64(off)+uint64(width) > uint64(len(m.b)) {
		panic(fmt.Sprintf("regbus: invalid %d-bit access at %#x", width*8, off))
	}
}

func (m *Mem) Load8(off uint32) uint8 {
	m.check(off, 1)
	return *(*uint8)(unsafe.Pointer(&m.b[off]))
}

func (m *Mem) Load16(off uint32) uint16 {
	m.check(off, 2)
	return *(*uint16)(unsafe.Pointer(&m.b[off]))
}

func (m *Mem) Load32(off uint32) uint32 {
	m.check(off, 4)
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m.b[off])))
}

func (m *Mem) Store8(off uint32, v uint8) {
	m.check(off, 1)
	*(*uint8)(unsafe.Pointer(&m.b[off])) = v
}

func (m *Mem) Store16(off uint32, v uint16) {
	m.check(off, 2)
	*(*uint16)(unsafe.Pointer(&m.b[off])) = v
}

func (m *Mem) Store32(off uint32, v uint32) {
	m.check(off, 4)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&m.b[off])), v)
}

// Set sets bits in the register at off.
func Set(b Bus, off uint32, bits uint32) {
	b.Store32(off, b.Load32(off)|bits)
}

// Clear clears bits in the register at off.
func Clear(b Bus, off uint32, bits uint32) {
	b.Store32(off, b.Load32(off)&^bits)
}
