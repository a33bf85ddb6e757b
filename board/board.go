// Package board describes how an MMC/SD host controller is wired on a
// particular board: its register windows, DMA events and socket pins.
package board

import "periph.io/x/conn/v3/physic"

// Resources is the static resource table of a controller instance.
type Resources struct {
	Name string
	// Base and Size describe the controller register window.
	Base uint32
	Size uint32
	// RxEvent and TxEvent are the EDMA events raised by the FIFO.
	RxEvent int
	TxEvent int
	// EDMABase is the EDMA3 channel controller register window.
	EDMABase uint32
	EDMASize uint32
	// Wires is the widest bus the socket supports.
	Wires int
	// MaxClock is the highest card clock the board routes cleanly.
	MaxClock physic.Frequency
}

// DM644x is the single controller found on DM6441/DM6446 parts.
var DM644x = Resources{
	Name:     "davinci_mmc.0",
	Base:     0x01e1_0000,
	Size:     0x1000,
	RxEvent:  26,
	TxEvent:  27,
	EDMABase: 0x01c0_0000,
	EDMASize: 0x1_0000,
	Wires:    4,
	MaxClock: 25 * physic.MegaHertz,
}
