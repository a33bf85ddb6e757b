package edma

// Param is a PaRAM set: one transfer of CCNT frames of BCNT arrays of
// ACNT bytes each.
type Param struct {
	Opt              uint32
	Src              uint32
	ACnt, BCnt       uint16
	Dst              uint32
	SrcBIdx, DstBIdx int16
	Link, BCntRld    uint16
	SrcCIdx, DstCIdx int16
	CCnt             uint16
}

// OPT fields.
const (
	// Source and destination address modes: set for constant
	// addressing (FIFO), clear for incrementing.
	SAM = 0b1 << 0
	DAM = 0b1 << 1
	// ABSync transfers a whole frame per event.
	ABSync = 0b1 << 2
	Static = 0b1 << 3

	fwidShift = 8
	fwidMask  = 0b111 << fwidShift
	TCCMode   = 0b1 << 11
	tccShift  = 12
	tccMask   = 0b11_1111 << tccShift

	TCIntEn  = 0b1 << 20
	ITCIntEn = 0b1 << 21
	TCChEn   = 0b1 << 22
	ITCChEn  = 0b1 << 23
)

// FIFO widths for constant addressing modes.
const (
	W8Bit   = 0
	W16Bit  = 1
	W32Bit  = 2
	W64Bit  = 3
	W128Bit = 4
	W256Bit = 5
)

// NullLink terminates a link chain.
const NullLink = 0xffff

// LinkAddr returns the link field value that loads slot s.
func LinkAddr(s Slot) uint16 {
	return uint16(paramBase + uint32(s)*paramSize)
}

// LinkSlot is the inverse of LinkAddr.
func LinkSlot(link uint16) (Slot, bool) {
	if link == NullLink || link < paramBase || (link-paramBase)%paramSize != 0 {
		return 0, false
	}
	return Slot((link - paramBase) / paramSize), true
}

// FWID returns the OPT bits for a FIFO width.
func FWID(w uint32) uint32 {
	return w << fwidShift & fwidMask
}

// TCC returns the OPT bits for a transfer completion code.
func TCC(code uint8) uint32 {
	return uint32(code) << tccShift & tccMask
}

// Bytes returns the number of bytes the set transfers.
func (p Param) Bytes() int {
	return int(p.ACnt) * int(p.BCnt) * int(p.CCnt)
}

// Pack returns the set in its register layout.
func (p Param) Pack() [8]uint32 {
	return [8]uint32{
		p.Opt,
		p.Src,
		uint32(p.BCnt)<<16 | uint32(p.ACnt),
		p.Dst,
		uint32(uint16(p.DstBIdx))<<16 | uint32(uint16(p.SrcBIdx)),
		uint32(p.BCntRld)<<16 | uint32(p.Link),
		uint32(uint16(p.DstCIdx))<<16 | uint32(uint16(p.SrcCIdx)),
		uint32(p.CCnt),
	}
}

func unpack(w [8]uint32) Param {
	return Param{
		Opt:     w[0],
		Src:     w[1],
		ACnt:    uint16(w[2]),
		BCnt:    uint16(w[2] >> 16),
		Dst:     w[3],
		SrcBIdx: int16(w[4]),
		DstBIdx: int16(w[4] >> 16),
		Link:    uint16(w[5]),
		BCntRld: uint16(w[5] >> 16),
		SrcCIdx: int16(w[6]),
		DstCIdx: int16(w[6] >> 16),
		CCnt:    uint16(w[7]),
	}
}
