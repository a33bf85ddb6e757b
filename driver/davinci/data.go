package davinci

import (
	"errors"
	"fmt"

	"mmchost.dev/driver/edma"
	"mmchost.dev/mmc"
)

var (
	errUnaligned   = errors.New("segment length not a multiple of the FIFO threshold")
	errTooManySegs = errors.New("too many segments")
)

// PhysMapper maps segments that already carry 32-bit bus addresses, such
// as buffers allocated from physically contiguous memory.
type PhysMapper struct{}

func (PhysMapper) Map(segs []mmc.Segment, dir mmc.Direction) error {
	for i, s := range segs {
		if len(s.Buf) == 0 {
			continue
		}
		if s.Addr == 0 {
			return fmt.Errorf("segment %d: no bus address", i)
		}
		if s.Addr+uint64(len(s.Buf)) > 1<<32 {
			return fmt.Errorf("segment %d: bus address %#x out of range", i, s.Addr)
		}
	}
	return nil
}

func (PhysMapper) Unmap(segs []mmc.Segment, dir mmc.Direction) {}

// dmaTemplate returns the PaRAM set of a transfer in direction dir, moving
// one FIFO threshold per controller event. Transfers fill in the memory
// address, the frame count and the link.
func dmaTemplate(dir mmc.Direction, ch edma.Channel, phys uint32, threshold int) edma.Param {
	const acnt = 4
	bcnt := threshold / acnt
	p := edma.Param{
		Opt:     edma.ABSync | edma.FWID(edma.W8Bit) | edma.TCC(uint8(ch)),
		ACnt:    acnt,
		BCnt:    uint16(bcnt),
		Link:    edma.NullLink,
		BCntRld: 0,
	}
	if dir == mmc.DirWrite {
		p.Dst = phys + regDXR
		p.SrcBIdx = acnt
		p.SrcCIdx = acnt * int16(bcnt)
	} else {
		p.Src = phys + regDRR
		p.DstBIdx = acnt
		p.DstCIdx = acnt * int16(bcnt)
	}
	// Completion is signalled by the controller, not the channel.
	p.Opt &^= edma.TCIntEn | edma.ITCIntEn | edma.TCChEn | edma.ITCChEn
	return p
}

// prepareData programs the data phase of req and selects DMA or PIO for
// it.
func (h *Host) prepareData(req *mmc.Request) {
	data := req.Data
	h.data = data
	h.seg = nil
	h.bytesLeft = 0
	if data == nil {
		h.dir = mmc.DirNone
		h.bus.Store32(regBLEN, 0)
		h.bus.Store32(regNBLK, 0)
		return
	}
	mode := "block"
	if data.Stream {
		mode = "stream"
	}
	h.dir = mmc.DirRead
	if data.Dir == mmc.DirWrite {
		h.dir = mmc.DirWrite
	}
	h.debugf("%s %s, %d blocks of %d bytes", mode, h.dir, data.Blocks, data.BlockSize)
	timeout := uint64(data.TimeoutClks) + uint64(data.TimeoutNS/500)
	if timeout > maxTimeout {
		timeout = maxTimeout
	}
	h.debugf("data timeout %d clocks (%d ns + %d clocks)", timeout, data.TimeoutNS, data.TimeoutClks)
	h.bus.Store32(regTOD, uint32(timeout))
	h.bus.Store32(regNBLK, uint32(data.Blocks))
	h.bus.Store32(regBLEN, uint32(data.BlockSize))

	fifo := uint32(fifoDirRd)
	if h.dir == mmc.DirWrite {
		fifo = fifoDirWr
	}
	if h.threshold == 32 {
		fifo |= fifoLevel
	}
	h.bus.Store32(regFIFOCTL, fifo|fifoReset)
	h.bus.Store32(regFIFOCTL, fifo)

	h.sgIdx = 0
	h.bytesLeft = data.Len()
	if h.useDMA && h.bytesLeft > 0 && h.bytesLeft%h.threshold == 0 {
		err := h.startDMA(data)
		if err == nil {
			h.bytesLeft = 0
			return
		}
		h.debugf("using PIO: %v", err)
	}
	h.sgToBuf()
}

// startDMA maps the data segments and starts a chained DMA transfer over
// them.
func (h *Host) startDMA(data *mmc.Data) error {
	segs := data.Segments
	mask := h.threshold - 1
	for _, s := range segs {
		if len(s.Buf)&mask != 0 {
			return errUnaligned
		}
	}
	chain := h.chain(segs)
	for _, s := range chain {
		if len(s.Buf)/h.threshold > 0xffff {
			return errTooManySegs
		}
	}
	if len(chain) > 1+len(h.links) {
		return errTooManySegs
	}
	if err := h.mapper.Map(segs, h.dir); err != nil {
		return err
	}
	h.doDMA = true
	// Mapping fills in the bus addresses.
	h.sendDMA(h.chain(segs))
	return nil
}

// chain returns the segments a DMA transfer moves data through, each
// truncated to its share of the data phase. Empty segments and segments
// past the end of the data phase have no PaRAM set.
func (h *Host) chain(segs []mmc.Segment) []mmc.Segment {
	var chain []mmc.Segment
	left := h.bytesLeft
	for _, s := range segs {
		if left <= 0 {
			break
		}
		n := min(len(s.Buf), left)
		if n == 0 {
			continue
		}
		chain = append(chain, mmc.Segment{Buf: s.Buf[:n], Addr: s.Addr})
		left -= n
	}
	return chain
}

// sendDMA programs one PaRAM set per segment, each linking to the next,
// and starts the channel.
func (h *Host) sendDMA(segs []mmc.Segment) {
	ch, tmpl := h.rxChannel, h.rxTemplate
	if h.dir == mmc.DirWrite {
		ch, tmpl = h.txChannel, h.txTemplate
	}
	slots := append([]edma.Slot{edma.SlotOf(ch)}, h.links...)
	for i, s := range segs {
		p := tmpl
		if h.dir == mmc.DirWrite {
			p.Src = uint32(s.Addr)
		} else {
			p.Dst = uint32(s.Addr)
		}
		p.CCnt = uint16(len(s.Buf) / h.threshold)
		if i+1 < len(segs) {
			p.Link = edma.LinkAddr(slots[i+1])
		}
		h.dma.SetParams(slots[i], p)
	}
	h.dma.Start(ch)
}

func (h *Host) abortDMA(dir mmc.Direction) {
	ch := h.rxChannel
	if dir == mmc.DirWrite {
		ch = h.txChannel
	}
	h.dma.Stop(ch)
	h.dma.Clean(ch)
}

// dmaCallback receives DMA channel events.
func (h *Host) dmaCallback(ch edma.Channel, st edma.Status) {
	if st == edma.StatusComplete {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.data == nil || !h.doDMA {
		return
	}
	h.warnf("DMA %s error on channel %d: %v", h.dir, ch, st)
	h.abortDMA(h.dir)
	h.data.Err = mmc.ErrDMA
}
