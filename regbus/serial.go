package regbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tarm/serial"
)

// Serial is a register window reached through a serial register bridge,
// such as a boot monitor on the target. Each access is one frame:
//
//	'r' width offset[4]          -> value[4]
//	'w' width offset[4] value[4] -> 'k'
//
// with little-endian fields and width in bits. Serial latches the first
// transport error; it is reported by Err and all later loads return zero.
type Serial struct {
	rw   io.ReadWriter
	base uint32

	mu  sync.Mutex
	buf [10]byte
	err error
}

const serialAck = 'k'

// NewSerial returns a window starting at the target address base.
func NewSerial(rw io.ReadWriter, base uint32) *Serial {
	return &Serial{rw: rw, base: base}
}

// OpenSerial opens the bridge at the serial device dev.
func OpenSerial(dev string, baud int, base uint32) (*Serial, io.Closer, error) {
	if dev == "" {
		return nil, nil, errors.New("regbus: no serial device specified")
	}
	p, err := serial.OpenPort(&serial.Config{Name: dev, Baud: baud})
	if err != nil {
		return nil, nil, fmt.Errorf("regbus: %w", err)
	}
	return NewSerial(p, base), p, nil
}

// Err returns the first transport error.
func (s *Serial) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Serial) load(width uint8, off uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0
	}
	s.buf[0] = 'r'
	s.buf[1] = width
	binary.LittleEndian.PutUint32(s.buf[2:], s.base+off)
	if _, err := s.rw.Write(s.buf[:6]); err != nil {
		s.err = fmt.Errorf("regbus: load %#x: %w", off, err)
		return 0
	}
	if _, err := io.ReadFull(s.rw, s.buf[:4]); err != nil {
		s.err = fmt.Errorf("regbus: load %#x: %w", off, err)
		return 0
	}
	return binary.LittleEndian.Uint32(s.buf[:4])
}

func (s *Serial) store(width uint8, off, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.buf[0] = 'w'
	s.buf[1] = width
	binary.LittleEndian.PutUint32(s.buf[2:], s.base+off)
	binary.LittleEndian.PutUint32(s.buf[6:], v)
	if _, err := s.rw.Write(s.buf[:10]); err != nil {
		s.err = fmt.Errorf("regbus: store %#x: %w", off, err)
		return
	}
	if _, err := io.ReadFull(s.rw, s.buf[:1]); err != nil {
		s.err = fmt.Errorf("regbus: store %#x: %w", off, err)
		return
	}
	if s.buf[0] != serialAck {
		s.err = fmt.Errorf("regbus: store %#x: bad ack %#x", off, s.buf[0])
	}
}

func (s *Serial) Load8(off uint32) uint8       { return uint8(s.load(8, off)) }
func (s *Serial) Load16(off uint32) uint16     { return uint16(s.load(16, off)) }
func (s *Serial) Load32(off uint32) uint32     { return s.load(32, off) }
func (s *Serial) Store8(off uint32, v uint8)   { s.store(8, off, uint32(v)) }
func (s *Serial) Store16(off uint32, v uint16) { s.store(16, off, uint32(v)) }
func (s *Serial) Store32(off uint32, v uint32) { s.store(32, off, v) }
