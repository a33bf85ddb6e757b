package regbus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestMem(t *testing.T) {
	m := NewMem(make([]byte, 16))
	m.Store32(4, 0xdeadbeef)
	if got := m.Load32(4); got != 0xdeadbeef {
		t.Errorf("got %#x, want %#x", got, 0xdeadbeef)
	}
	if got := m.Load16(4); got != 0xbeef {
		t.Errorf("got %#x, want %#x", got, 0xbeef)
	}
	if got := m.Load8(7); got != 0xde {
		t.Errorf("got %#x, want %#x", got, 0xde)
	}
	Set(m, 8, 0b101)
	Clear(m, 8, 0b001)
	if got := m.Load32(8); got != 0b100 {
		t.Errorf("got %#b, want %#b", got, 0b100)
	}
}

func TestMemBounds(t *testing.T) {
	m := NewMem(make([]byte, 8))
	for _, off := range []uint32{2, 8, 0xffff_fffc} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("32-bit access at %#x accepted", off)
				}
			}()
			m.Load32(off)
		}()
	}
}

func TestTrace(t *testing.T) {
	tr := NewTrace(NewMem(make([]byte, 16)))
	tr.Store32(0, 7)
	tr.Load32(0)
	tr.Store8(5, 1)
	want := []Access{
		{OpStore, 32, 0, 7},
		{OpLoad, 32, 0, 7},
		{OpStore, 8, 5, 1},
	}
	got := tr.Accesses()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("access %d: got %v, want %v", i, got[i], want[i])
		}
	}
	if n := len(tr.Stores()); n != 2 {
		t.Errorf("got %d stores, want 2", n)
	}
	buf := new(bytes.Buffer)
	if err := tr.WriteCBOR(buf); err != nil {
		t.Fatal(err)
	}
	decoded, err := ReadTrace(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != len(want) || decoded[2] != want[2] {
		t.Errorf("decoded %v, want %v", decoded, want)
	}
	tr.Reset()
	if n := len(tr.Accesses()); n != 0 {
		t.Errorf("%d accesses after reset", n)
	}
}

// monitor is a register bridge backed by memory.
type monitor struct {
	mem  *Mem
	base uint32
	out  bytes.Buffer
	ack  byte
}

func (m *monitor) Write(p []byte) (int, error) {
	off := binary.LittleEndian.Uint32(p[2:]) - m.base
	switch p[0] {
	case 'r':
		var v uint32
		switch p[1] {
		case 8:
			v = uint32(m.mem.Load8(off))
		case 16:
			v = uint32(m.mem.Load16(off))
		default:
			v = m.mem.Load32(off)
		}
		binary.Write(&m.out, binary.LittleEndian, v)
	case 'w':
		v := binary.LittleEndian.Uint32(p[6:])
		switch p[1] {
		case 8:
			m.mem.Store8(off, uint8(v))
		case 16:
			m.mem.Store16(off, uint16(v))
		default:
			m.mem.Store32(off, v)
		}
		m.out.WriteByte(m.ack)
	default:
		return 0, errors.New("bad frame")
	}
	return len(p), nil
}

func (m *monitor) Read(p []byte) (int, error) {
	return m.out.Read(p)
}

func TestSerial(t *testing.T) {
	const base = 0x01e1_0000
	mon := &monitor{mem: NewMem(make([]byte, 0x80)), base: base, ack: serialAck}
	s := NewSerial(mon, base)
	s.Store32(0x10, 0x1234_5678)
	if got := s.Load32(0x10); got != 0x1234_5678 {
		t.Errorf("got %#x, want %#x", got, 0x1234_5678)
	}
	s.Store16(0x20, 0xbeef)
	if got := s.Load8(0x21); got != 0xbe {
		t.Errorf("got %#x, want %#x", got, 0xbe)
	}
	if err := s.Err(); err != nil {
		t.Fatal(err)
	}

	mon.ack = 'x'
	s.Store32(0, 1)
	if s.Err() == nil {
		t.Fatal("bad acknowledge accepted")
	}
	if got := s.Load32(0x10); got != 0 {
		t.Errorf("load after error returned %#x", got)
	}
}
