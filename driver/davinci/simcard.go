package davinci

import (
	"encoding/binary"

	"github.com/sigurn/crc8"
)

// crc7 is the command and response CRC of the MMC/SD bus, computed left
// aligned in a byte.
var crc7 = crc8.MakeTable(crc8.Params{Poly: 0x12, Init: 0x00, RefIn: false, RefOut: false, XorOut: 0x00, Check: 0xEA, Name: "CRC-7/MMC"})

// CRC7 returns the 7 bit CRC of b.
func CRC7(b []byte) uint8 {
	return crc8.Checksum(b, crc7) >> 1
}

// SimBlockSize is the block size of the simulated card.
const SimBlockSize = 512

type cardState uint8

const (
	cardIdle cardState = iota
	cardReady
	cardIdent
	cardStby
	cardTran
	cardData
	cardRcv
	cardPrg
	cardDis
)

// Card status bits.
const (
	csOutOfRange   = 0b1 << 31
	csAddressError = 0b1 << 30
	csWPViolation  = 0b1 << 26
	csIllegalCmd   = 0b1 << 22
	csReadyForData = 0b1 << 8
	csAppCmd       = 0b1 << 5
	csStateShift   = 9
)

const (
	ocrBusy     = 0b1 << 31
	ocrCCS      = 0b1 << 30
	ocrVoltages = 0x00ff_8000

	cardDefaultRCA = 0xb368
	// dataErrorToken is the data response of a rejected write.
	dataErrorToken = 0x0d
	// scrSD2Bus1And4 is the first SCR word of an SD 2.0 card supporting
	// 1 and 4 bit buses.
	scrSD2Bus1And4 = 0x0235_0000
)

// simCard models an SD high capacity card in the command layer: enough of
// the identification, selection and block transfer protocol to run a
// host against.
type simCard struct {
	state    cardState
	rca      uint16
	app      bool
	width4   bool
	blockLen int
	readOnly bool
	mem      []byte
}

// cardReply is the card's answer to a command.
type cardReply struct {
	// silent is set when the card does not respond.
	silent bool
	long   bool
	// short is the 32 bit payload of a 48 bit response.
	short uint32
	// reg is the 128 bit register of a long response, CRC included.
	reg [16]byte
	// read is the data the card sends, nil when it sends none.
	read []byte
	// write is set when the card accepts data at offset.
	write  bool
	offset int
}

func newSimCard(blocks int, readOnly bool) *simCard {
	return &simCard{
		readOnly: readOnly,
		blockLen: SimBlockSize,
		mem:      make([]byte, blocks*SimBlockSize),
	}
}

func (c *simCard) status() uint32 {
	st := uint32(c.state)<<csStateShift | csReadyForData
	if c.app {
		st |= csAppCmd
	}
	return st
}

// command executes a command. N is the length of the data phase the host
// announced.
func (c *simCard) command(op uint8, arg uint32, n int) cardReply {
	app := c.app
	c.app = false
	if app {
		if r, ok := c.appCommand(op, arg, n); ok {
			return r
		}
	}
	r1 := func() cardReply { return cardReply{short: c.status()} }
	switch op {
	case 0: // GO_IDLE_STATE
		*c = simCard{readOnly: c.readOnly, blockLen: SimBlockSize, mem: c.mem}
		return cardReply{silent: true}
	case 2: // ALL_SEND_CID
		if c.state != cardReady {
			return cardReply{silent: true}
		}
		c.state = cardIdent
		return cardReply{long: true, reg: c.cid()}
	case 3: // SEND_RELATIVE_ADDR
		c.rca = cardDefaultRCA
		c.state = cardStby
		st := c.status()
		// R6 carries a compressed status.
		cst := st&0x1fff | (st>>19&0b1)<<13 | (st>>22&0b1)<<14 | (st>>23&0b1)<<15
		return cardReply{short: uint32(c.rca)<<16 | cst}
	case 7: // SELECT_CARD
		if uint16(arg>>16) != c.rca {
			if c.state == cardTran {
				c.state = cardStby
			}
			return cardReply{silent: true}
		}
		r := r1()
		c.state = cardTran
		return r
	case 8: // SEND_IF_COND
		return cardReply{short: arg & 0xfff}
	case 9: // SEND_CSD
		if uint16(arg>>16) != c.rca {
			return cardReply{silent: true}
		}
		return cardReply{long: true, reg: c.csd()}
	case 12: // STOP_TRANSMISSION
		r := r1()
		if c.state == cardData || c.state == cardRcv {
			c.state = cardTran
		}
		return r
	case 13: // SEND_STATUS
		return r1()
	case 16: // SET_BLOCKLEN
		c.blockLen = int(arg)
		return r1()
	case 17, 18: // READ_SINGLE_BLOCK, READ_MULTIPLE_BLOCK
		off := int(arg) * SimBlockSize
		if off+n > len(c.mem) {
			return cardReply{short: c.status() | csOutOfRange}
		}
		r := r1()
		if op == 18 {
			c.state = cardData
		}
		r.read = append([]byte(nil), c.mem[off:off+n]...)
		return r
	case 24, 25: // WRITE_BLOCK, WRITE_MULTIPLE_BLOCK
		off := int(arg) * SimBlockSize
		r := r1()
		switch {
		case off+n > len(c.mem):
			r.short |= csOutOfRange
		case c.readOnly:
			r.short |= csWPViolation
		default:
			r.write = true
			r.offset = off
			if op == 25 {
				c.state = cardRcv
			}
		}
		return r
	case 55: // APP_CMD
		c.app = true
		return r1()
	}
	return cardReply{silent: true}
}

func (c *simCard) appCommand(op uint8, arg uint32, n int) (cardReply, bool) {
	switch op {
	case 6: // SET_BUS_WIDTH
		c.width4 = arg&0b11 == 0b10
		return cardReply{short: c.status() | csAppCmd}, true
	case 41: // SD_SEND_OP_COND
		ocr := uint32(ocrVoltages | ocrCCS)
		if arg&ocrVoltages != 0 && c.state == cardIdle {
			c.state = cardReady
		}
		if c.state != cardIdle {
			ocr |= ocrBusy
		}
		return cardReply{short: ocr}, true
	case 51: // SEND_SCR
		scr := make([]byte, 8)
		binary.BigEndian.PutUint32(scr, scrSD2Bus1And4)
		r := cardReply{short: c.status() | csAppCmd}
		r.read = scr[:min(n, len(scr))]
		return r, true
	}
	return cardReply{}, false
}

func (c *simCard) store(off int, p []byte) {
	copy(c.mem[off:], p)
	if c.state == cardRcv {
		return
	}
	c.state = cardTran
}

// setBits stores v in the width bits of reg starting at bit lo, bit 0
// being the least significant bit of the last byte.
func setBits(reg *[16]byte, lo, width int, v uint64) {
	for i := 0; i < width; i++ {
		bit := lo + i
		idx := 15 - bit/8
		mask := byte(1) << (bit % 8)
		if v>>i&1 != 0 {
			reg[idx] |= mask
		} else {
			reg[idx] &^= mask
		}
	}
}

func sealRegister(reg *[16]byte) {
	reg[15] = CRC7(reg[:15])<<1 | 1
}

func (c *simCard) cid() [16]byte {
	var reg [16]byte
	setBits(&reg, 120, 8, 0x03)            // MID
	setBits(&reg, 104, 16, 0x5344)         // OID "SD"
	copy(reg[3:8], "SIM01")                // PNM
	setBits(&reg, 56, 8, 0x10)             // PRV 1.0
	setBits(&reg, 24, 32, 0x0badcafe)      // PSN
	setBits(&reg, 8, 12, (2024-2000)<<4|6) // MDT
	sealRegister(&reg)
	return reg
}

func (c *simCard) csd() [16]byte {
	var reg [16]byte
	// C_SIZE counts 512 KiB units.
	var size uint64
	if n := uint64(len(c.mem)) / (512 * 1024); n > 0 {
		size = n - 1
	}
	setBits(&reg, 126, 2, 1)                  // CSD_STRUCTURE 2.0
	setBits(&reg, 112, 8, 0x0e)               // TAAC
	setBits(&reg, 96, 8, 0x32)                // TRAN_SPEED 25 MHz
	setBits(&reg, 84, 12, 0x5b5)              // CCC
	setBits(&reg, 80, 4, 9)                   // READ_BL_LEN
	setBits(&reg, 48, 22, size)               // C_SIZE
	setBits(&reg, 46, 1, 1)                   // ERASE_BLK_EN
	setBits(&reg, 39, 7, 0x7f)                // SECTOR_SIZE
	setBits(&reg, 22, 4, 9)                   // WRITE_BL_LEN
	setBits(&reg, 12, 1, boolBit(c.readOnly)) // PERM_WRITE_PROTECT
	sealRegister(&reg)
	return reg
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// frame returns the response to command op as it appears on the
// command line, start bit first.
func (r cardReply) frame(op uint8, crc bool) []byte {
	if r.long {
		f := make([]byte, 17)
		f[0] = 0x3f
		copy(f[1:], r.reg[:])
		return f
	}
	f := make([]byte, 6)
	f[0] = op & cmdIndexMask
	if !crc {
		f[0] = 0x3f
	}
	binary.BigEndian.PutUint32(f[1:5], r.short)
	f[5] = 0xff
	if crc {
		f[5] = CRC7(f[:5])<<1 | 1
	}
	return f
}

// frameOK checks the CRC of a response frame.
func frameOK(f []byte) bool {
	if len(f) == 17 {
		return CRC7(f[1:16]) == f[16]>>1
	}
	return CRC7(f[:5]) == f[5]>>1
}
