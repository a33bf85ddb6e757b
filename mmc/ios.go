package mmc

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
)

type BusWidth uint8

const (
	BusWidth1 BusWidth = iota
	BusWidth4
)

type BusMode uint8

const (
	OpenDrain BusMode = iota
	PushPull
)

type PowerMode uint8

const (
	PowerOff PowerMode = iota
	PowerUp
	PowerOn
)

// IOS is the electrical and timing configuration of the bus.
type IOS struct {
	Clock physic.Frequency
	Width BusWidth
	Mode  BusMode
	Power PowerMode
	// VDD is the OCR bit number of the selected voltage.
	VDD uint8
}

func (i IOS) String() string {
	width := 1
	if i.Width == BusWidth4 {
		width = 4
	}
	mode := "od"
	if i.Mode == PushPull {
		mode = "pp"
	}
	power := [...]string{"off", "up", "on"}[i.Power%3]
	return fmt.Sprintf("clock %s width %d mode %s power %s vdd %d", i.Clock, width, mode, power, i.VDD)
}

// Capability flags.
const (
	Cap4BitData = 1 << iota
	CapMMCHighSpeed
	CapSDHighSpeed
	CapNeedsPoll
)

// OCR voltage window bits.
const (
	VDD32_33 = 1 << 20
	VDD33_34 = 1 << 21
)

// Caps describes the limits of a host.
type Caps struct {
	FMin, FMax  physic.Frequency
	Flags       uint32
	OCR         uint32
	MaxSegs     int
	MaxSegSize  int
	MaxBlkSize  int
	MaxBlkCount int
	MaxReqSize  int
}
