package regbus

import (
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

type Op uint8

const (
	OpLoad Op = iota
	OpStore
)

// Access is one recorded register access.
type Access struct {
	Op    Op     `cbor:"1,keyasint"`
	Width uint8  `cbor:"2,keyasint"`
	Off   uint32 `cbor:"3,keyasint"`
	Val   uint32 `cbor:"4,keyasint"`
}

func (a Access) String() string {
	op := "ld"
	if a.Op == OpStore {
		op = "st"
	}
	return fmt.Sprintf("%s%d %#04x %#x", op, a.Width, a.Off, a.Val)
}

// Trace records the accesses made through a Bus.
type Trace struct {
	bus Bus

	mu  sync.Mutex
	log []Access
}

func NewTrace(b Bus) *Trace {
	return &Trace{bus: b}
}

func (t *Trace) record(op Op, width uint8, off, val uint32) {
	t.mu.Lock()
	t.log = append(t.log, Access{Op: op, Width: width, Off: off, Val: val})
	t.mu.Unlock()
}

func (t *Trace) Load8(off uint32) uint8 {
	v := t.bus.Load8(off)
	t.record(OpLoad, 8, off, uint32(v))
	return v
}

func (t *Trace) Load16(off uint32) uint16 {
	v := t.bus.Load16(off)
	t.record(OpLoad, 16, off, uint32(v))
	return v
}

func (t *Trace) Load32(off uint32) uint32 {
	v := t.bus.Load32(off)
	t.record(OpLoad, 32, off, v)
	return v
}

func (t *Trace) Store8(off uint32, v uint8) {
	t.record(OpStore, 8, off, uint32(v))
	t.bus.Store8(off, v)
}

func (t *Trace) Store16(off uint32, v uint16) {
	t.record(OpStore, 16, off, uint32(v))
	t.bus.Store16(off, v)
}

func (t *Trace) Store32(off uint32, v uint32) {
	t.record(OpStore, 32, off, v)
	t.bus.Store32(off, v)
}

// Accesses returns a copy of the recorded accesses.
func (t *Trace) Accesses() []Access {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Access(nil), t.log...)
}

// Stores returns the recorded stores.
func (t *Trace) Stores() []Access {
	t.mu.Lock()
	defer t.mu.Unlock()
	var stores []Access
	for _, a := range t.log {
		if a.Op == OpStore {
			stores = append(stores, a)
		}
	}
	return stores
}

func (t *Trace) Reset() {
	t.mu.Lock()
	t.log = t.log[:0]
	t.mu.Unlock()
}

// WriteCBOR encodes the recorded accesses to w.
func (t *Trace) WriteCBOR(w io.Writer) error {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return err
	}
	return enc.NewEncoder(w).Encode(t.Accesses())
}

// ReadTrace decodes accesses written by WriteCBOR.
func ReadTrace(r io.Reader) ([]Access, error) {
	var log []Access
	if err := cbor.NewDecoder(r).Decode(&log); err != nil {
		return nil, fmt.Errorf("regbus: %w", err)
	}
	return log, nil
}
