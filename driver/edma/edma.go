// package edma implements a driver for the TI EDMA3 channel controller
// found on DaVinci SoCs.
//
// Every DMA channel owns the parameter RAM (PaRAM) set with its number.
// Sets above the channel range are link slots: a transfer loads the set
// named by the current set's link field when it exhausts, which lets one
// channel walk a chain of buffers without CPU involvement.
package edma

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"mmchost.dev/regbus"
)

// Channel is a DMA channel number.
type Channel uint8

// Slot is a PaRAM set number.
type Slot uint16

// SlotOf returns the PaRAM set owned by a channel.
func SlotOf(ch Channel) Slot {
	return Slot(ch)
}

// Status is reported to channel callbacks.
type Status int

const (
	StatusComplete Status = iota
	// StatusMissed reports a missed or null transfer event.
	StatusMissed
)

func (s Status) String() string {
	if s == StatusComplete {
		return "complete"
	}
	return "missed event"
}

// Callback is called from HandleCompletion and HandleError.
type Callback func(ch Channel, status Status)

// Config describes a channel controller instance.
type Config struct {
	// Channels is the number of DMA channels, at most 64.
	Channels int
	// Slots is the number of PaRAM sets.
	Slots int
}

// DM644x is the channel controller of the DM644x family.
var DM644x = Config{Channels: 64, Slots: 128}

const (
	regEMR      = 0x0300
	regEMRH     = 0x0304
	regEMCR     = 0x0308
	regEMCRH    = 0x030c
	regCCERRCLR = 0x031c

	regECR   = 0x1008
	regECRH  = 0x100c
	regEECR  = 0x1028
	regEECRH = 0x102c
	regEESR  = 0x1030
	regEESRH = 0x1034
	regSECR  = 0x1040
	regSECRH = 0x1044
	regIPR   = 0x1068
	regIPRH  = 0x106c
	regICR   = 0x1070
	regICRH  = 0x1074

	paramBase = 0x4000
	paramSize = 32

	ccerrClear = 0x0001_00ff
)

// Controller is an EDMA3 channel controller.
//
// Controller is safe for concurrent use.
type Controller struct {
	bus regbus.Bus
	cfg Config

	mu sync.Mutex
	// reserved tracks the bitset of requested channels.
	reserved uint64
	// links tracks the bitset of allocated link slots, offset by
	// the channel count.
	links     []uint64
	callbacks [64]Callback
}

var (
	errNoLink   = errors.New("edma: no available link slot")
	errReserved = errors.New("edma: channel already requested")
)

func New(bus regbus.Bus, cfg Config) *Controller {
	if cfg.Channels <= 0 || cfg.Channels > 64 || cfg.Slots < cfg.Channels {
		panic("edma: invalid configuration")
	}
	return &Controller{
		bus:   bus,
		cfg:   cfg,
		links: make([]uint64, (cfg.Slots-cfg.Channels+63)/64),
	}
}

// channelReg returns the register of a low/high pair controlling ch and
// the bit of ch in it.
func channelReg(ch Channel, lo, hi uint32) (uint32, uint32) {
	if ch < 32 {
		return lo, 0b1 << ch
	}
	return hi, 0b1 << (ch - 32)
}

// Request reserves the channel ch. The callback, if any, receives the
// channel's completion and error events.
func (c *Controller) Request(ch Channel, cb Callback) error {
	if int(ch) >= c.cfg.Channels {
		return fmt.Errorf("edma: invalid channel %d", ch)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reserved&(0b1<<ch) != 0 {
		return errReserved
	}
	c.reserved |= 0b1 << ch
	c.callbacks[ch] = cb
	c.clean(ch)
	return nil
}

// Free stops ch and releases it.
func (c *Controller) Free(ch Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reserved&(0b1<<ch) == 0 {
		return
	}
	c.stop(ch)
	c.reserved &^= 0b1 << ch
	c.callbacks[ch] = nil
}

// AllocLink reserves a PaRAM set for linking.
func (c *Controller) AllocLink() (Slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.cfg.Slots - c.cfg.Channels
	for i, w := range c.links {
		free := ^w
		if free == 0 {
			continue
		}
		idx := i*64 + bits.TrailingZeros64(free)
		if idx >= n {
			break
		}
		c.links[i] |= 0b1 << (idx % 64)
		slot := Slot(c.cfg.Channels + idx)
		c.writeParams(slot, Param{Link: NullLink})
		return slot, nil
	}
	return 0, errNoLink
}

// FreeLink releases a slot returned by AllocLink.
func (c *Controller) FreeLink(s Slot) {
	idx := int(s) - c.cfg.Channels
	if idx < 0 || int(s) >= c.cfg.Slots {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.links[idx/64] &^= 0b1 << (idx % 64)
}

// SetParams writes a PaRAM set.
func (c *Controller) SetParams(s Slot, p Param) {
	if int(s) >= c.cfg.Slots {
		panic("edma: invalid slot")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeParams(s, p)
}

// Params reads a PaRAM set.
func (c *Controller) Params(s Slot) Param {
	if int(s) >= c.cfg.Slots {
		panic("edma: invalid slot")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var w [8]uint32
	base := paramBase + uint32(s)*paramSize
	for i := range w {
		w[i] = c.bus.Load32(base + uint32(i)*4)
	}
	return unpack(w)
}

func (c *Controller) writeParams(s Slot, p Param) {
	base := paramBase + uint32(s)*paramSize
	for i, v := range p.Pack() {
		c.bus.Store32(base+uint32(i)*4, v)
	}
}

// Start enables hardware events for ch; the peripheral's requests then
// drive the transfer.
func (c *Controller) Start(ch Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, bit := channelReg(ch, regEESR, regEESRH)
	c.bus.Store32(reg, bit)
}

// Stop disables events for ch and clears its pending, secondary and
// missed event state.
func (c *Controller) Stop(ch Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stop(ch)
}

func (c *Controller) stop(ch Channel) {
	reg, bit := channelReg(ch, regEECR, regEECRH)
	c.bus.Store32(reg, bit)
	reg, _ = channelReg(ch, regECR, regECRH)
	c.bus.Store32(reg, bit)
	reg, _ = channelReg(ch, regSECR, regSECRH)
	c.bus.Store32(reg, bit)
	reg, _ = channelReg(ch, regEMCR, regEMCRH)
	c.bus.Store32(reg, bit)
}

// Clean clears all event and error state of ch.
func (c *Controller) Clean(ch Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clean(ch)
}

func (c *Controller) clean(ch Channel) {
	reg, bit := channelReg(ch, regECR, regECRH)
	c.bus.Store32(reg, bit)
	reg, _ = channelReg(ch, regEMCR, regEMCRH)
	c.bus.Store32(reg, bit)
	reg, _ = channelReg(ch, regSECR, regSECRH)
	c.bus.Store32(reg, bit)
	c.bus.Store32(regCCERRCLR, ccerrClear)
}

// HandleError services the error interrupt: every channel with a missed
// event is cleared and its callback called with StatusMissed.
func (c *Controller) HandleError() {
	c.dispatch(regEMR, regEMRH, regEMCR, regEMCRH, StatusMissed)
}

// HandleCompletion services the transfer completion interrupt. Channels
// complete under the transfer completion code equal to their number.
func (c *Controller) HandleCompletion() {
	c.dispatch(regIPR, regIPRH, regICR, regICRH, StatusComplete)
}

func (c *Controller) dispatch(lo, hi, clrLo, clrHi uint32, status Status) {
	type event struct {
		ch Channel
		cb Callback
	}
	var events []event
	c.mu.Lock()
	pending := uint64(c.bus.Load32(lo)) | uint64(c.bus.Load32(hi))<<32
	if pending != 0 {
		c.bus.Store32(clrLo, uint32(pending))
		c.bus.Store32(clrHi, uint32(pending>>32))
	}
	for pending != 0 {
		ch := Channel(bits.TrailingZeros64(pending))
		pending &^= 0b1 << ch
		if cb := c.callbacks[ch]; cb != nil {
			events = append(events, event{ch, cb})
		}
	}
	c.mu.Unlock()
	// Callbacks may call back into the controller.
	for _, e := range events {
		e.cb(e.ch, status)
	}
}
