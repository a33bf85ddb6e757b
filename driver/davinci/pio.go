package davinci

import (
	"encoding/binary"

	"mmchost.dev/mmc"
)

// sgToBuf points the PIO cursor at the current segment, clamped to the
// bytes outstanding.
func (h *Host) sgToBuf() {
	segs := h.data.Segments
	if h.sgIdx >= len(segs) {
		if h.bytesLeft > 0 {
			panic("davinci: scatter-gather list exhausted with data outstanding")
		}
		h.seg = nil
		return
	}
	h.seg = segs[h.sgIdx].Buf
	if len(h.seg) > h.bytesLeft {
		h.seg = h.seg[:h.bytesLeft]
	}
}

// pioTransfer moves up to n bytes of the current segment through the
// FIFO and returns the number of bytes moved.
func (h *Host) pioTransfer(n int) int {
	for len(h.seg) == 0 {
		h.sgIdx++
		h.sgToBuf()
	}
	n = min(n, len(h.seg))
	p := h.seg[:n]
	h.seg = h.seg[n:]
	h.bytesLeft -= n
	if h.dir == mmc.DirWrite {
		h.writeFIFO(p)
	} else {
		h.readFIFO(p)
	}
	return n
}

// pioService moves one FIFO event worth of n bytes, crossing segment
// boundaries.
func (h *Host) pioService(n int) {
	n = min(n, h.bytesLeft)
	for n > 0 {
		n -= h.pioTransfer(n)
	}
}

func (h *Host) writeFIFO(p []byte) {
	for len(p) >= 4 {
		h.bus.Store32(regDXR, binary.LittleEndian.Uint32(p))
		p = p[4:]
	}
	if len(p) >= 2 {
		h.bus.Store16(regDXR, binary.LittleEndian.Uint16(p))
		p = p[2:]
	}
	if len(p) > 0 {
		h.bus.Store8(regDXR, p[0])
	}
}

func (h *Host) readFIFO(p []byte) {
	for len(p) >= 4 {
		binary.LittleEndian.PutUint32(p, h.bus.Load32(regDRR))
		p = p[4:]
	}
	if len(p) >= 2 {
		binary.LittleEndian.PutUint16(p, h.bus.Load16(regDRR))
		p = p[2:]
	}
	if len(p) > 0 {
		p[0] = h.bus.Load8(regDRR)
	}
}
