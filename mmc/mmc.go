// Package mmc defines the request layer shared by MMC/SD host controller
// drivers and the code that issues requests to them.
//
// A [Request] carries one command, an optional data phase and an optional
// stop command. Hosts complete every request exactly once by calling its
// Done function.
package mmc

import (
	"errors"

	"periph.io/x/conn/v3/physic"
)

var (
	// ErrTimeout reports a command, data or busy timeout.
	ErrTimeout = errors.New("mmc: timeout")
	// ErrCRC reports a command or data CRC error.
	ErrCRC = errors.New("mmc: crc error")
	// ErrDMA reports a failed DMA transfer.
	ErrDMA = errors.New("mmc: dma error")
	// ErrNotSupported is returned by hosts lacking an optional feature.
	ErrNotSupported = errors.New("mmc: not supported")
)

// ResponseType is the shape of a card's reply to a command.
type ResponseType uint8

const (
	RespNone ResponseType = iota
	// RespR1 is a 48 bit response with CRC (R1, R5, R6, R7).
	RespR1
	// RespR1b is RespR1 with the card allowed to hold the bus busy.
	RespR1b
	// RespR2 is a 136 bit response with CRC (CID, CSD).
	RespR2
	// RespR3 is a 48 bit response without CRC (R3, R4).
	RespR3
)

func (r ResponseType) Present() bool { return r != RespNone }
func (r ResponseType) Long() bool    { return r == RespR2 }
func (r ResponseType) Busy() bool    { return r == RespR1b }
func (r ResponseType) CRC() bool     { return r == RespR1 || r == RespR1b || r == RespR2 }

func (r ResponseType) String() string {
	switch r {
	case RespNone:
		return "none"
	case RespR1:
		return "R1/R5/R6/R7"
	case RespR1b:
		return "R1b"
	case RespR2:
		return "R2"
	case RespR3:
		return "R3/R4"
	default:
		return "R?"
	}
}

// Command is a single card command.
type Command struct {
	Opcode uint8
	Arg    uint32
	Resp   ResponseType
	// Retries is left to the request originator. Hosts clear it when
	// the command timed out.
	Retries int

	// Response holds the latched response words. Response[0] carries
	// bits 31:0 of a short response, or bits 127:96 of a long one.
	Response [4]uint32
	Err      error
}

// Direction of a data phase.
type Direction uint8

const (
	DirNone Direction = iota
	DirRead
	DirWrite
)

func (d Direction) String() string {
	switch d {
	case DirRead:
		return "read"
	case DirWrite:
		return "write"
	default:
		return "none"
	}
}

// Segment is one scatter-gather entry. Buf is the CPU view of the memory
// and Addr its bus address for DMA, or zero when the memory is not DMA
// capable.
type Segment struct {
	Buf  []byte
	Addr uint64
}

// Data describes the data phase attached to a command.
type Data struct {
	Dir       Direction
	Stream    bool
	BlockSize int
	Blocks    int
	Segments  []Segment
	// Data timeout, as controller clock cycles plus nanoseconds.
	TimeoutClks uint32
	TimeoutNS   uint32

	BytesXfered int
	Err         error
}

// Len returns the number of bytes the data phase moves.
func (d *Data) Len() int {
	return d.BlockSize * d.Blocks
}

// Request is one bus request.
type Request struct {
	Cmd  *Command
	Data *Data
	// Stop is issued after a multi-block data phase.
	Stop *Command
	// Done is called exactly once when the request completes.
	Done func(*Request)
}

// Err returns the first error of the request's command, data phase or
// stop command.
func (r *Request) Err() error {
	if r.Cmd != nil && r.Cmd.Err != nil {
		return r.Cmd.Err
	}
	if r.Data != nil && r.Data.Err != nil {
		return r.Data.Err
	}
	if r.Stop != nil && r.Stop.Err != nil {
		return r.Stop.Err
	}
	return nil
}

// Host is implemented by host controller drivers.
type Host interface {
	// Request starts req. It must not be called while another request
	// is in flight.
	Request(req *Request)
	SetIOS(ios IOS) error
	CardDetect() (bool, error)
	ReadOnly() (bool, error)
	Caps() Caps
}

// Slot is the board's view of the card socket.
type Slot interface {
	CardDetect() (bool, error)
	ReadOnly() (bool, error)
}

// Clock gates and reports the rate of a host controller's functional clock.
type Clock interface {
	Enable() error
	Disable() error
	Rate() physic.Frequency
}
