package davinci

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"mmchost.dev/driver/edma"
	"mmchost.dev/mmc"
	"periph.io/x/conn/v3/physic"
)

// SimOptions configures a Simulator.
type SimOptions struct {
	// Rate is the controller functional clock. Zero means 100 MHz.
	Rate physic.Frequency
	// Blocks is the card capacity in 512 byte blocks. Zero means 2048.
	Blocks   int
	NoCard   bool
	ReadOnly bool
}

// FaultKind selects a failure injected by a Simulator.
type FaultKind int

const (
	FaultNone FaultKind = iota
	// FaultResponseNoise corrupts a bit of the command response.
	FaultResponseNoise
	// FaultCmdTimeout makes the card ignore the command.
	FaultCmdTimeout
	// FaultReadTimeout makes the card not send read data.
	FaultReadTimeout
	// FaultReadCRC reports a CRC error on the read data.
	FaultReadCRC
	// FaultWriteCRC reports a write CRC error with DRSP as data
	// response.
	FaultWriteCRC
	// FaultDMA makes the DMA transfer miss its events.
	FaultDMA
)

// Fault is a failure injected into the next command with the given
// opcode.
type Fault struct {
	Kind   FaultKind
	Opcode uint8
	DRSP   uint8
}

// SimCommand is a command the simulated controller issued.
type SimCommand struct {
	Opcode uint8
	Arg    uint32
	// Reg is the command register value.
	Reg uint32
}

// SimStats counts simulator activity.
type SimStats struct {
	Commands []SimCommand
	// FIFOReads and FIFOWrites count CPU data port accesses.
	FIFOReads, FIFOWrites int
	FIFOBytes             int
	// FIFOServices counts threshold sized FIFO chunks exchanged with
	// the card under PIO.
	FIFOServices int
	DMABytes     int
	// DMASets counts PaRAM sets the DMA engine consumed.
	DMASets    int
	DMAStops   int
	CmdResets  int
	InitClocks int
	Underflows int
	Overflows  int
	Maps       int
	Unmaps     int
}

// Simulator models a DaVinci MMC/SD controller with an SD card attached,
// its EDMA channels and the memory they reach. It implements
// [regbus.Bus] for the controller registers, [DMA], [Mapper], [IRQ],
// [mmc.Clock] and [mmc.Slot].
//
// Commands execute when the command register is written: responses,
// and data moved by DMA, are available immediately and reported through
// the status register.
type Simulator struct {
	mu     sync.Mutex
	opts   SimOptions
	regs   [RegSize / 4]uint32
	events status
	fifo   []byte
	card   *simCard
	xfer   *simXfer
	busy   int
	faults []Fault
	clock  bool
	stats  SimStats
	irq    chan struct{}

	reserved  map[edma.Channel]edma.Callback
	enabled   map[edma.Channel]bool
	params    map[edma.Slot]edma.Param
	links     map[edma.Slot]bool
	dmaErrors []edma.Channel
	regions   []simRegion
	nextAddr  uint64
}

type simXfer struct {
	write bool
	dma   bool
	total int
	moved int
	fault Fault
	// src is the read data not yet in the FIFO.
	src []byte
	// dst collects written data.
	dst    []byte
	accept bool
	offset int
}

type simRegion struct {
	addr uint64
	buf  []byte
}

const (
	simLinkBase = 64
	simSlots    = 128
	simMemBase  = 0x8000_0000
)

func NewSimulator(opts SimOptions) *Simulator {
	if opts.Rate == 0 {
		opts.Rate = 100 * physic.MegaHertz
	}
	if opts.Blocks == 0 {
		opts.Blocks = 2048
	}
	return &Simulator{
		opts:     opts,
		card:     newSimCard(opts.Blocks, opts.ReadOnly),
		irq:      make(chan struct{}, 1),
		reserved: make(map[edma.Channel]edma.Callback),
		enabled:  make(map[edma.Channel]bool),
		params:   make(map[edma.Slot]edma.Param),
		links:    make(map[edma.Slot]bool),
		nextAddr: simMemBase,
	}
}

// Inject queues a fault.
func (s *Simulator) Inject(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, f)
}

// SetBusy makes the card hold the bus busy for the next n status reads,
// or for ever if n is negative.
func (s *Simulator) SetBusy(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = n
}

// SetCard inserts or removes the card.
func (s *Simulator) SetCard(present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.NoCard = !present
}

// CardData returns the card contents.
func (s *Simulator) CardData() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.card.mem
}

func (s *Simulator) Stats() SimStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Commands = append([]SimCommand(nil), s.stats.Commands...)
	return st
}

// Asserted reports whether the controller interrupt is asserted.
func (s *Simulator) Asserted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.asserted()
}

func (s *Simulator) asserted() bool {
	return (s.events|s.levels())&status(s.regs[regIM/4]) != 0
}

// notify signals Wait if the interrupt is asserted.
func (s *Simulator) notify() {
	if s.asserted() {
		select {
		case s.irq <- struct{}{}:
		default:
		}
	}
}

func (s *Simulator) threshold() int {
	if s.regs[regFIFOCTL/4]&fifoLevel != 0 {
		return 32
	}
	return 16
}

// levels returns the FIFO status bits, which follow the FIFO state rather
// than latching.
func (s *Simulator) levels() status {
	var st status
	if x := s.xfer; x != nil && x.write && !x.dma && len(s.fifo) == 0 && x.moved < x.total {
		st |= st0TxReady
	}
	if s.regs[regFIFOCTL/4]&fifoDirWr == 0 && len(s.fifo) >= s.threshold() {
		st |= st0RxReady
	}
	return st
}

func (s *Simulator) Load8(off uint32) uint8 {
	return uint8(s.load(off, 1))
}

func (s *Simulator) Load16(off uint32) uint16 {
	return uint16(s.load(off, 2))
}

func (s *Simulator) Load32(off uint32) uint32 {
	return s.load(off, 4)
}

func (s *Simulator) Store8(off uint32, v uint8) {
	s.store(off, 1, uint32(v))
}

func (s *Simulator) Store16(off uint32, v uint16) {
	s.store(off, 2, uint32(v))
}

func (s *Simulator) Store32(off uint32, v uint32) {
	s.store(off, 4, v)
}

func checkAccess(off uint32, width int) {
	if off%uint32(width) != 0 || off+uint32(width) > RegSize {
		panic(fmt.Sprintf("davinci: invalid %d-bit register access at %#x", width*8, off))
	}
}

func (s *Simulator) load(off uint32, width int) uint32 {
	checkAccess(off, width)
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.notify()
	var v uint32
	switch reg := off &^ 3; reg {
	case regST0:
		v = uint32(s.events | s.levels())
		s.events = 0
	case regST1:
		if s.busy != 0 {
			v |= st1Busy
			if s.busy > 0 {
				s.busy--
			}
		}
	case regDRR:
		s.stats.FIFOReads++
		var b [4]byte
		n := copy(b[:width], s.fifo)
		s.fifo = s.fifo[n:]
		if n < width {
			s.stats.Underflows++
		}
		s.stats.FIFOBytes += n
		s.pump()
		return binary.LittleEndian.Uint32(b[:])
	default:
		v = s.regs[reg/4]
	}
	shift := 8 * (off & 3)
	return v >> shift & (1<<(8*width) - 1)
}

func (s *Simulator) store(off uint32, width int, v uint32) {
	checkAccess(off, width)
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.notify()
	reg := off &^ 3
	if reg == regDXR {
		s.stats.FIFOWrites++
		s.stats.FIFOBytes += width
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		s.fifo = append(s.fifo, b[:width]...)
		if len(s.fifo) > 2*s.threshold() {
			s.stats.Overflows++
		}
		s.pump()
		return
	}
	if width < 4 {
		shift := 8 * (off & 3)
		mask := uint32(1<<(8*width)-1) << shift
		v = s.regs[reg/4]&^mask | v<<shift&mask
	}
	old := s.regs[reg/4]
	s.regs[reg/4] = v
	switch reg {
	case regCTL:
		if v&ctlCmdRst != 0 && old&ctlCmdRst == 0 {
			s.stats.CmdResets++
		}
		if v&ctlDatRst != 0 {
			s.fifo = nil
			s.xfer = nil
		}
	case regCLK:
		s.clock = v&clkEnable != 0
	case regFIFOCTL:
		if v&fifoReset != 0 {
			s.fifo = nil
		}
	case regCMD:
		s.command(v)
	}
}

func (s *Simulator) takeFault(op uint8) Fault {
	for i, f := range s.faults {
		if f.Opcode == op {
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
			return f
		}
	}
	return Fault{}
}

// command executes the command register value v.
func (s *Simulator) command(v uint32) {
	op := uint8(v & cmdIndexMask)
	arg := s.regs[regARGHL/4]
	s.stats.Commands = append(s.stats.Commands, SimCommand{Opcode: op, Arg: arg, Reg: v})
	if v&cmdInitClock != 0 {
		s.stats.InitClocks++
	}
	// The initialization sequence alone needs no card.
	if v == cmdInitClock {
		s.card.command(0, 0, 0)
		s.events |= st0CmdDone
		return
	}
	f := s.takeFault(op)
	fmtBits := v & cmdRspFmtMask
	if s.opts.NoCard || f.Kind == FaultCmdTimeout {
		if fmtBits == cmdRspNone {
			s.events |= st0CmdDone
		} else {
			s.events |= st0CmdTimeout
		}
		return
	}
	n := 0
	if v&cmdData != 0 {
		n = int(s.regs[regBLEN/4]) * int(s.regs[regNBLK/4])
	}
	r := s.card.command(op, arg, n)
	s.regs[regCIDX/4] = uint32(op)
	if fmtBits != cmdRspNone {
		if r.silent {
			s.events |= st0CmdTimeout
			return
		}
		frame := r.frame(op, fmtBits != cmdRspR3)
		if f.Kind == FaultResponseNoise {
			frame[2] ^= 0x10
		}
		s.latch(frame)
		if fmtBits != cmdRspR3 && !frameOK(frame) {
			s.events |= st0CmdCRC
		} else {
			s.events |= st0CmdDone
		}
	} else {
		s.events |= st0CmdDone
	}
	if v&cmdData != 0 {
		s.startXfer(v, r, f, n)
	}
}

// latch stores a response frame in the response registers.
func (s *Simulator) latch(frame []byte) {
	if len(frame) == 17 {
		p := frame[1:]
		s.regs[regRSP67/4] = binary.BigEndian.Uint32(p[0:])
		s.regs[regRSP45/4] = binary.BigEndian.Uint32(p[4:])
		s.regs[regRSP23/4] = binary.BigEndian.Uint32(p[8:])
		s.regs[regRSP01/4] = binary.BigEndian.Uint32(p[12:])
		return
	}
	s.regs[regRSP67/4] = binary.BigEndian.Uint32(frame[1:5])
}

func (s *Simulator) startXfer(v uint32, r cardReply, f Fault, n int) {
	x := &simXfer{
		write: v&cmdDataWrite != 0,
		dma:   v&cmdDMATrigger != 0,
		total: n,
		fault: f,
	}
	if !x.write {
		if r.read == nil || f.Kind == FaultReadTimeout {
			s.events |= st0ReadTimeout
			return
		}
		x.src = r.read
		x.total = len(r.read)
	} else {
		x.accept = r.write
		x.offset = r.offset
		x.dst = make([]byte, 0, n)
	}
	s.xfer = x
	if x.dma {
		s.runDMA()
	} else {
		s.pump()
	}
}

// pump moves PIO data between the FIFO and the card.
func (s *Simulator) pump() {
	x := s.xfer
	if x == nil || x.dma {
		return
	}
	th := s.threshold()
	if x.write {
		for {
			chunk := min(th, x.total-x.moved)
			if chunk == 0 || len(s.fifo) < chunk {
				break
			}
			x.dst = append(x.dst, s.fifo[:chunk]...)
			s.fifo = s.fifo[chunk:]
			x.moved += chunk
			s.stats.FIFOServices++
		}
		if x.moved == x.total {
			s.endWrite(x)
		}
		return
	}
	for len(x.src) > 0 && len(s.fifo) < 2*th {
		k := min(len(x.src), 2*th-len(s.fifo), th)
		s.fifo = append(s.fifo, x.src[:k]...)
		x.src = x.src[k:]
		x.moved += k
		s.stats.FIFOServices++
	}
	if len(x.src) == 0 && len(s.fifo) < th {
		s.endRead(x)
	}
}

func (s *Simulator) endRead(x *simXfer) {
	s.xfer = nil
	if x.fault.Kind == FaultReadCRC {
		s.events |= st0CRCRead
		return
	}
	s.events |= st0DataDone
}

func (s *Simulator) endWrite(x *simXfer) {
	s.xfer = nil
	switch {
	case x.fault.Kind == FaultWriteCRC:
		s.regs[regDRSP/4] = uint32(x.fault.DRSP)
		s.events |= st0CRCWrite
	case !x.accept:
		s.regs[regDRSP/4] = dataErrorToken
		s.events |= st0CRCWrite
	default:
		s.card.store(x.offset, x.dst)
		s.events |= st0DataDone
	}
}

// runDMA runs the enabled DMA channel along its PaRAM chain.
func (s *Simulator) runDMA() {
	x := s.xfer
	var ch edma.Channel
	found := false
	for c, on := range s.enabled {
		if on {
			ch, found = c, true
		}
	}
	if !found {
		// The events go unserviced and the transfer stalls.
		return
	}
	if x.fault.Kind == FaultDMA {
		s.dmaErrors = append(s.dmaErrors, ch)
		return
	}
	p := s.params[edma.SlotOf(ch)]
	for x.moved < x.total {
		addr := p.Dst
		if x.write {
			addr = p.Src
		}
		n := min(p.Bytes(), x.total-x.moved)
		buf, ok := s.resolve(uint64(addr), n)
		if n == 0 || !ok {
			break
		}
		if x.write {
			x.dst = append(x.dst, buf...)
		} else {
			copy(buf, x.src[:n])
			x.src = x.src[n:]
		}
		x.moved += n
		s.stats.DMASets++
		s.stats.DMABytes += n
		slot, ok := edma.LinkSlot(p.Link)
		if !ok {
			break
		}
		p = s.params[slot]
	}
	if x.moved < x.total {
		s.dmaErrors = append(s.dmaErrors, ch)
		return
	}
	if x.write {
		s.endWrite(x)
	} else {
		s.endRead(x)
	}
}

func (s *Simulator) resolve(addr uint64, n int) ([]byte, bool) {
	for _, r := range s.regions {
		if addr >= r.addr && addr+uint64(n) <= r.addr+uint64(len(r.buf)) {
			off := addr - r.addr
			return r.buf[off : off+uint64(n)], true
		}
	}
	return nil, false
}

// RaiseDMAErrors reports the pending DMA errors to the channel callbacks.
// The stalled data phase then expires: reads with a data timeout and
// writes with a busy timeout.
func (s *Simulator) RaiseDMAErrors() {
	s.mu.Lock()
	chs := s.dmaErrors
	s.dmaErrors = nil
	var cbs []edma.Callback
	for _, ch := range chs {
		cbs = append(cbs, s.reserved[ch])
	}
	s.mu.Unlock()
	for i, cb := range cbs {
		if cb != nil {
			cb(chs[i], edma.StatusMissed)
		}
	}
	if len(chs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.notify()
	x := s.xfer
	if x == nil {
		return
	}
	s.xfer = nil
	if x.write {
		s.regs[regDRSP/4] = drspBusyTimeout
		s.events |= st0CRCWrite
	} else {
		s.events |= st0ReadTimeout
	}
}

var errSimReserved = errors.New("davinci: simulated channel busy")

func (s *Simulator) Request(ch edma.Channel, cb edma.Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reserved[ch]; ok {
		return errSimReserved
	}
	s.reserved[ch] = cb
	return nil
}

func (s *Simulator) Free(ch edma.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, ch)
	delete(s.enabled, ch)
}

func (s *Simulator) AllocLink() (edma.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sl := edma.Slot(simLinkBase); sl < simSlots; sl++ {
		if !s.links[sl] {
			s.links[sl] = true
			s.params[sl] = edma.Param{Link: edma.NullLink}
			return sl, nil
		}
	}
	return 0, errors.New("davinci: no simulated link slot")
}

func (s *Simulator) FreeLink(sl edma.Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, sl)
}

func (s *Simulator) SetParams(sl edma.Slot, p edma.Param) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params[sl] = p
}

// Params returns the PaRAM set of a slot.
func (s *Simulator) Params(sl edma.Slot) edma.Param {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params[sl]
}

func (s *Simulator) Start(ch edma.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled[ch] = true
}

func (s *Simulator) Stop(ch edma.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled[ch] = false
	s.stats.DMAStops++
}

func (s *Simulator) Clean(ch edma.Channel) {}

// Map assigns simulated bus addresses to segments without one.
func (s *Simulator) Map(segs []mmc.Segment, dir mmc.Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range segs {
		if segs[i].Addr == 0 {
			segs[i].Addr = s.nextAddr
			s.nextAddr += uint64(len(segs[i].Buf)+4095) &^ 4095
		}
		s.regions = append(s.regions, simRegion{segs[i].Addr, segs[i].Buf})
	}
	s.stats.Maps++
	return nil
}

func (s *Simulator) Unmap(segs []mmc.Segment, dir mmc.Direction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range segs {
		for i, r := range s.regions {
			if r.addr == seg.Addr {
				s.regions = append(s.regions[:i], s.regions[i+1:]...)
				break
			}
		}
	}
	s.stats.Unmaps++
}

// Wait blocks until the controller interrupt is asserted.
func (s *Simulator) Wait(ctx context.Context) error {
	select {
	case <-s.irq:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Simulator) Ack() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Simulator) Enable() error {
	return nil
}

func (s *Simulator) Disable() error {
	return nil
}

func (s *Simulator) Rate() physic.Frequency {
	return s.opts.Rate
}

func (s *Simulator) CardDetect() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.opts.NoCard, nil
}

func (s *Simulator) ReadOnly() (bool, error) {
	return s.opts.ReadOnly, nil
}
