// Package davinci implements the command and data engine of the
// MMC/SD host controller found on TI DaVinci SoCs.
//
// A [Host] turns [mmc.Request] values into controller register writes,
// moves data through the controller FIFO either by EDMA3 or by programmed
// I/O, and completes requests from its interrupt handler. The host is
// driven by calling [Host.HandleInterrupt] for every controller interrupt,
// directly or through [Host.Serve].
package davinci

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mmchost.dev/driver/edma"
	"mmchost.dev/mmc"
	"mmchost.dev/poll"
	"mmchost.dev/regbus"
	"periph.io/x/conn/v3/physic"
)

// DMA is the channel controller moving data between memory and the
// controller FIFO. It is implemented by [edma.Controller].
type DMA interface {
	Request(ch edma.Channel, cb edma.Callback) error
	Free(ch edma.Channel)
	AllocLink() (edma.Slot, error)
	FreeLink(s edma.Slot)
	SetParams(s edma.Slot, p edma.Param)
	Start(ch edma.Channel)
	Stop(ch edma.Channel)
	Clean(ch edma.Channel)
}

// Mapper makes scatter-gather segments visible to the DMA controller by
// filling in their bus addresses.
type Mapper interface {
	Map(segs []mmc.Segment, dir mmc.Direction) error
	Unmap(segs []mmc.Segment, dir mmc.Direction)
}

// IRQ is a source of controller interrupts.
type IRQ interface {
	// Wait blocks until the interrupt fires or ctx is done.
	Wait(ctx context.Context) error
	// Ack re-enables the interrupt after it has been handled.
	Ack() error
}

// Options configures a Host.
type Options struct {
	Name string
	// FIFOThreshold is the FIFO service granularity in bytes, 16 or 32.
	FIFOThreshold int
	UseDMA        bool
	// RxChannel and TxChannel are the DMA channels triggered by the
	// controller's receive and transmit FIFO events.
	RxChannel, TxChannel edma.Channel
	// PhysBase is the bus address of the controller registers, used
	// for the DMA FIFO ports.
	PhysBase uint32
	// Wires is the number of data lines, 1 or 4. Zero means 4.
	Wires int
	// MaxSegments bounds the number of segments a DMA transfer chains.
	MaxSegments int
	// HighSpeed enables 50 MHz operation.
	HighSpeed bool
	// Debug enables debug level diagnostics.
	Debug bool

	Clock  mmc.Clock
	DMA    DMA
	Mapper Mapper
	Slot   mmc.Slot

	Now   func() time.Time
	Sleep func(time.Duration)
}

// DefaultOptions returns the options of a DM644x controller instance.
func DefaultOptions() Options {
	return Options{
		Name:          "davinci_mmc.0",
		FIFOThreshold: 32,
		UseDMA:        true,
		RxChannel:     26,
		TxChannel:     27,
		PhysBase:      0x01e1_0000,
		Wires:         4,
		MaxSegments:   16,
	}
}

const (
	// busyTimeout bounds the wait for a busy card before a request.
	busyTimeout = 900 * time.Millisecond
	// initTimeout bounds the wait for the power-up initialization clocks.
	initTimeout = time.Second
	// settle is the delay after clock and reset changes.
	settle = 10 * time.Microsecond
)

// Host is a DaVinci MMC/SD host controller.
//
// Host is safe for concurrent use. Request, SetIOS and HandleInterrupt
// serialize on an internal lock and request completions run after it is
// released.
type Host struct {
	bus       regbus.Bus
	name      string
	debug     bool
	threshold int
	wires     int
	highSpeed bool
	maxSegs   int
	rate      physic.Frequency
	clk       mmc.Clock
	slot      mmc.Slot
	wait      poll.Clock
	sleep     func(time.Duration)

	dma        DMA
	mapper     Mapper
	useDMA     bool
	rxChannel  edma.Channel
	txChannel  edma.Channel
	txTemplate edma.Param
	rxTemplate edma.Param
	links      []edma.Slot

	mu   sync.Mutex
	mrq  *mmc.Request
	cmd  *mmc.Command
	data *mmc.Data
	dir  mmc.Direction
	// doDMA is set while the data phase runs on DMA.
	doDMA bool
	// PIO cursor.
	sgIdx     int
	seg       []byte
	bytesLeft int
	busMode   mmc.BusMode
	ios       mmc.IOS
	// completed is the request to complete once mu is released.
	completed *mmc.Request
}

// New attaches a host to the controller registers behind bus. The
// controller is reset and left with its clock enabled. DMA is used when
// requested and available; a failure to acquire DMA resources leaves the
// host in PIO mode.
func New(bus regbus.Bus, opts Options) (*Host, error) {
	switch opts.FIFOThreshold {
	case 0:
		opts.FIFOThreshold = 32
	case 16, 32:
	default:
		panic("davinci: invalid FIFO threshold")
	}
	if opts.Clock == nil {
		return nil, errors.New("davinci: no clock")
	}
	if opts.Name == "" {
		opts.Name = "davinci_mmc"
	}
	if opts.MaxSegments <= 0 {
		opts.MaxSegments = 16
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	h := &Host{
		bus:       bus,
		name:      opts.Name,
		debug:     opts.Debug,
		threshold: opts.FIFOThreshold,
		wires:     opts.Wires,
		highSpeed: opts.HighSpeed,
		maxSegs:   opts.MaxSegments,
		clk:       opts.Clock,
		slot:      opts.Slot,
		wait:      poll.Clock{Now: opts.Now, Sleep: sleep},
		sleep:     sleep,
		mapper:    opts.Mapper,
		rxChannel: opts.RxChannel,
		txChannel: opts.TxChannel,
	}
	if h.mapper == nil {
		h.mapper = PhysMapper{}
	}
	if err := h.clk.Enable(); err != nil {
		return nil, fmt.Errorf("davinci: %w", err)
	}
	h.rate = h.clk.Rate()
	if h.rate <= 0 {
		h.clk.Disable()
		return nil, errors.New("davinci: clock rate unknown")
	}
	h.reset()
	if opts.UseDMA && opts.DMA != nil {
		if err := h.acquireDMA(opts.DMA, opts.PhysBase); err != nil {
			h.warnf("DMA unavailable, using PIO: %v", err)
		}
	}
	mode, width := "PIO", 4
	if h.useDMA {
		mode = "DMA"
	}
	if h.wires == 1 {
		width = 1
	}
	h.infof("using %s, %d-bit mode", mode, width)
	return h, nil
}

// reset puts the controller in a known state.
func (h *Host) reset() {
	regbus.Set(h.bus, regCTL, ctlDatRst|ctlCmdRst)
	h.sleep(settle)
	h.bus.Store32(regCLK, 0)
	h.bus.Store32(regCLK, clkEnable)
	h.bus.Store32(regTOR, maxTimeout)
	h.bus.Store32(regTOD, maxTimeout)
	regbus.Clear(h.bus, regCTL, ctlDatRst|ctlCmdRst)
	h.sleep(settle)
}

func (h *Host) acquireDMA(dma DMA, phys uint32) error {
	if err := dma.Request(h.txChannel, h.dmaCallback); err != nil {
		return fmt.Errorf("tx channel %d: %w", h.txChannel, err)
	}
	if err := dma.Request(h.rxChannel, h.dmaCallback); err != nil {
		dma.Free(h.txChannel)
		return fmt.Errorf("rx channel %d: %w", h.rxChannel, err)
	}
	for len(h.links) < h.maxSegs-1 {
		s, err := dma.AllocLink()
		if err != nil {
			break
		}
		h.links = append(h.links, s)
	}
	h.txTemplate = dmaTemplate(mmc.DirWrite, h.txChannel, phys, h.threshold)
	h.rxTemplate = dmaTemplate(mmc.DirRead, h.rxChannel, phys, h.threshold)
	h.dma = dma
	h.useDMA = true
	return nil
}

func (h *Host) releaseDMA() {
	if !h.useDMA {
		return
	}
	for _, s := range h.links {
		h.dma.FreeLink(s)
	}
	h.links = nil
	h.dma.Free(h.txChannel)
	h.dma.Free(h.rxChannel)
	h.useDMA = false
}

// Close masks the controller interrupts, releases the DMA resources and
// gates the controller clock.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bus.Store32(regIM, 0)
	h.releaseDMA()
	return h.clk.Disable()
}

// Name returns the controller instance name.
func (h *Host) Name() string {
	return h.name
}

// UsingDMA reports whether data phases may run on DMA.
func (h *Host) UsingDMA() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.useDMA
}

// Caps reports the host limits.
func (h *Host) Caps() mmc.Caps {
	c := mmc.Caps{
		FMin:        312500 * physic.Hertz,
		FMax:        25 * physic.MegaHertz,
		Flags:       mmc.CapNeedsPoll,
		OCR:         mmc.VDD32_33 | mmc.VDD33_34,
		MaxSegs:     h.maxSegs,
		MaxSegSize:  65535 * h.threshold,
		MaxBlkSize:  4095,
		MaxBlkCount: 65535,
	}
	c.MaxReqSize = c.MaxBlkSize * c.MaxBlkCount
	if h.wires == 0 || h.wires == 4 {
		c.Flags |= mmc.Cap4BitData
	}
	if h.highSpeed {
		c.FMax = 50 * physic.MegaHertz
		c.Flags |= mmc.CapMMCHighSpeed | mmc.CapSDHighSpeed
	}
	return c
}

// CardDetect reports whether the slot holds a card.
func (h *Host) CardDetect() (bool, error) {
	if h.slot == nil {
		return false, mmc.ErrNotSupported
	}
	return h.slot.CardDetect()
}

// ReadOnly reports whether the card in the slot is write protected.
func (h *Host) ReadOnly() (bool, error) {
	if h.slot == nil {
		return false, mmc.ErrNotSupported
	}
	return h.slot.ReadOnly()
}

// Serve handles interrupts from irq until ctx is done or irq fails.
func (h *Host) Serve(ctx context.Context, irq IRQ) error {
	for {
		if err := irq.Wait(ctx); err != nil {
			return err
		}
		h.HandleInterrupt()
		if err := irq.Ack(); err != nil {
			return err
		}
	}
}

// Request starts req. Req.Done is called exactly once when the request
// completes, possibly before Request returns. Starting a request while
// another is in flight panics.
func (h *Host) Request(req *mmc.Request) {
	if req.Cmd == nil {
		panic("davinci: request without command")
	}
	h.mu.Lock()
	if h.mrq != nil {
		h.mu.Unlock()
		panic("davinci: request while another is in flight")
	}
	if req.Data != nil {
		n := 0
		for _, s := range req.Data.Segments {
			n += len(s.Buf)
		}
		if n < req.Data.Len() {
			h.mu.Unlock()
			panic("davinci: scatter-gather list shorter than data phase")
		}
	}
	idle := h.wait.Until(busyTimeout, func() bool {
		return h.bus.Load32(regST1)&st1Busy == 0
	})
	if !idle {
		h.errorf("card still busy after %v, CMD%d not issued", busyTimeout, req.Cmd.Opcode)
		req.Cmd.Err = fmt.Errorf("%w: card busy", mmc.ErrTimeout)
		h.mu.Unlock()
		complete(req)
		return
	}
	h.mrq = req
	h.doDMA = false
	h.prepareData(req)
	h.startCommand(req.Cmd)
	h.mu.Unlock()
}

func (h *Host) startCommand(cmd *mmc.Command) {
	h.debugf("CMD%d, arg 0x%08x, %s response", cmd.Opcode, cmd.Arg, cmd.Resp)
	h.cmd = cmd

	var reg uint32
	switch cmd.Resp {
	case mmc.RespR1b:
		reg |= cmdBusyExp
		fallthrough
	case mmc.RespR1:
		reg |= cmdRspR1456
	case mmc.RespR2:
		reg |= cmdRspR2
	case mmc.RespR3:
		reg |= cmdRspR3
	default:
		reg |= cmdRspNone
	}
	reg |= uint32(cmd.Opcode) & cmdIndexMask
	// The card needs 80 initialization clocks before CMD0.
	if cmd.Opcode == 0 {
		reg |= cmdInitClock
	}
	if h.doDMA {
		reg |= cmdDMATrigger
	}
	if h.data != nil {
		reg |= cmdData
		if h.data.Stream {
			reg |= cmdStream
		}
	}
	if h.dir == mmc.DirWrite {
		reg |= cmdDataWrite
	}
	if h.busMode == mmc.PushPull {
		reg |= cmdPPLen
	}

	h.bus.Store32(regTOR, maxTimeout)

	im := st0CmdDone | st0CmdCRC | st0CmdTimeout
	switch h.dir {
	case mmc.DirWrite:
		im |= st0DataDone | st0CRCWrite
		if !h.doDMA {
			im |= st0TxReady
		}
	case mmc.DirRead:
		im |= st0DataDone | st0CRCRead | st0ReadTimeout
		if !h.doDMA {
			im |= st0RxReady
		}
	}
	// Fill the FIFO before the transfer starts, otherwise the first
	// transmit ready event is never raised.
	if !h.doDMA && h.dir == mmc.DirWrite {
		h.pioService(h.threshold)
	}

	h.bus.Store32(regARGHL, cmd.Arg)
	h.bus.Store32(regCMD, reg)
	h.bus.Store32(regIM, uint32(im))
}

// HandleInterrupt services a controller interrupt.
func (h *Host) HandleInterrupt() {
	h.mu.Lock()
	if h.cmd == nil && h.data == nil {
		st := h.bus.Load32(regST0)
		h.debugf("spurious interrupt, status 0x%04x", st)
		h.bus.Store32(regIM, 0)
		h.mu.Unlock()
		return
	}
	for {
		st := status(h.bus.Load32(regST0))
		if st == 0 {
			break
		}
		h.handleStatus(st)
		if h.cmd == nil && h.data == nil {
			break
		}
	}
	done := h.completed
	h.completed = nil
	h.mu.Unlock()
	complete(done)
}

// event collects the outcome of the status rules.
type event struct {
	endCommand  bool
	endTransfer bool
}

// rule applies action when any of bits is present in the status.
type rule struct {
	bits   status
	action func(h *Host, st status, ev *event)
}

// rules are evaluated in order.
var rules = []rule{
	{st0DataDone, (*Host).onDataDone},
	{st0ReadTimeout, (*Host).onReadTimeout},
	{st0CRCWrite | st0CRCRead, (*Host).onDataCRC},
	{st0CmdTimeout, (*Host).onCmdTimeout},
	{st0CmdCRC, (*Host).onCmdCRC},
	{st0CmdDone, (*Host).onCmdDone},
}

func (h *Host) handleStatus(st status) {
	data := h.data
	qstatus := st
	// Service the FIFO as long as it asks for it. The status is
	// re-read after each service so no event is lost.
	for h.bytesLeft > 0 && st&(st0TxReady|st0RxReady) != 0 {
		h.pioService(h.threshold)
		st = status(h.bus.Load32(regST0))
		if st == 0 {
			break
		}
		qstatus |= st
	}
	var ev event
	for _, r := range rules {
		if qstatus&r.bits != 0 {
			r.action(h, qstatus, &ev)
		}
	}
	if ev.endCommand {
		h.cmdDone(h.cmd)
	}
	if ev.endTransfer && data != nil && h.data == data {
		h.xferDone(data)
	}
}

func (h *Host) onDataDone(st status, ev *event) {
	data := h.data
	if data == nil {
		h.warnf("data done without data phase")
		return
	}
	// The tail of a read never raises a receive ready event.
	for !h.doDMA && h.bytesLeft > 0 {
		h.pioTransfer(h.bytesLeft)
	}
	ev.endTransfer = true
	data.BytesXfered += data.Len()
}

func (h *Host) onReadTimeout(st status, ev *event) {
	if h.data == nil {
		return
	}
	h.debugf("read data timeout, status 0x%04x", uint32(st))
	setDataErr(h.data, mmc.ErrTimeout)
	ev.endTransfer = true
}

func (h *Host) onDataCRC(st status, ev *event) {
	// Data CRC errors leave the command state machine stuck.
	ctl := h.bus.Load32(regCTL)
	h.bus.Store32(regCTL, ctl|ctlCmdRst)
	h.sleep(settle)
	h.bus.Store32(regCTL, ctl&^ctlCmdRst)

	data := h.data
	if data == nil {
		return
	}
	err := mmc.ErrCRC
	if st&st0CRCWrite != 0 {
		// The controller reports busy timeouts after a write as
		// write CRC errors.
		if drsp := h.bus.Load8(regDRSP); drsp == drspBusyTimeout {
			err = mmc.ErrTimeout
		}
	}
	h.debugf("data %s %v, status 0x%04x", h.dir, err, uint32(st))
	setDataErr(data, err)
	ev.endTransfer = true
}

// setDataErr records err unless the data phase already failed.
func setDataErr(data *mmc.Data, err error) {
	if data.Err == nil {
		data.Err = err
	}
}

func (h *Host) onCmdTimeout(st status, ev *event) {
	if h.cmd == nil {
		return
	}
	h.debugf("CMD%d timeout, status 0x%04x", h.cmd.Opcode, uint32(st))
	h.cmd.Err = mmc.ErrTimeout
	if h.data != nil {
		ev.endTransfer = true
	} else {
		ev.endCommand = true
	}
}

func (h *Host) onCmdCRC(st status, ev *event) {
	if h.cmd == nil {
		return
	}
	// Command CRC checks are unreliable at high speed.
	if h.ios.Clock <= highSpeedClock {
		h.debugf("CMD%d CRC error", h.cmd.Opcode)
		h.cmd.Err = mmc.ErrCRC
	}
	ev.endCommand = true
}

func (h *Host) onCmdDone(st status, ev *event) {
	ev.endCommand = true
}

func (h *Host) cmdDone(cmd *mmc.Command) {
	h.cmd = nil
	if cmd == nil {
		h.warnf("command done without command")
		return
	}
	if cmd.Resp.Present() {
		if cmd.Resp.Long() {
			cmd.Response[3] = h.bus.Load32(regRSP01)
			cmd.Response[2] = h.bus.Load32(regRSP23)
			cmd.Response[1] = h.bus.Load32(regRSP45)
			cmd.Response[0] = h.bus.Load32(regRSP67)
		} else {
			cmd.Response[0] = h.bus.Load32(regRSP67)
		}
	}
	if h.data == nil || cmd.Err != nil {
		if errors.Is(cmd.Err, mmc.ErrTimeout) {
			h.mrq.Cmd.Retries = 0
		}
		h.finish()
	}
}

func (h *Host) xferDone(data *mmc.Data) {
	dir := h.dir
	h.data = nil
	h.dir = mmc.DirNone
	if h.doDMA {
		h.abortDMA(dir)
		h.mapper.Unmap(data.Segments, dir)
		h.doDMA = false
	}
	stop := h.mrq.Stop
	if stop == nil || (h.cmd != nil && h.cmd.Err != nil) {
		h.finish()
		return
	}
	h.startCommand(stop)
}

// finish clears the request state and masks the controller interrupts.
// The request is completed once the lock is released.
func (h *Host) finish() {
	if h.data != nil && h.doDMA {
		h.abortDMA(h.dir)
		h.mapper.Unmap(h.data.Segments, h.dir)
	}
	h.doDMA = false
	h.data = nil
	h.dir = mmc.DirNone
	h.cmd = nil
	h.seg = nil
	h.bytesLeft = 0
	h.completed = h.mrq
	h.mrq = nil
	h.bus.Store32(regIM, 0)
}

func complete(req *mmc.Request) {
	if req != nil && req.Done != nil {
		req.Done(req)
	}
}

// Idle reports whether no request is in flight.
func (h *Host) Idle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mrq == nil && h.cmd == nil && h.data == nil
}
