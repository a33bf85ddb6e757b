package davinci

// Register offsets.
const (
	regCTL     = 0x00 // Control
	regCLK     = 0x04 // Memory clock control
	regST0     = 0x08 // Status 0
	regST1     = 0x0c // Status 1
	regIM      = 0x10 // Interrupt mask
	regTOR     = 0x14 // Response time-out
	regTOD     = 0x18 // Data read time-out
	regBLEN    = 0x1c // Block length
	regNBLK    = 0x20 // Number of blocks
	regNBLC    = 0x24 // Number of blocks counter
	regDRR     = 0x28 // Data receive
	regDXR     = 0x2c // Data transmit
	regCMD     = 0x30 // Command
	regARGHL   = 0x34 // Argument
	regRSP01   = 0x38 // Response 0 and 1
	regRSP23   = 0x3c // Response 2 and 3
	regRSP45   = 0x40 // Response 4 and 5
	regRSP67   = 0x44 // Response 6 and 7
	regDRSP    = 0x48 // Data response
	regETOK    = 0x4c
	regCIDX    = 0x50 // Command index
	regCKC     = 0x54
	regTORC    = 0x58
	regTODC    = 0x5c
	regBLNC    = 0x60
	regSDIOCTL = 0x64
	regSDIOST0 = 0x68
	regSDIOEN  = 0x6c
	regSDIOST  = 0x70
	regFIFOCTL = 0x74 // FIFO control

	// RegSize is the size of the register window.
	RegSize = 0x78
)

// CTL.
const (
	ctlDatRst      = 0b1 << 0
	ctlCmdRst      = 0b1 << 1
	ctlWidth4Bit   = 0b1 << 2
	ctlDatEgRising = 0b01 << 6
	ctlDatEgBoth   = 0b11 << 6
	ctlPermDRBE    = 0b1 << 9
	ctlPermDXBE    = 0b1 << 10
)

// CLK.
const (
	clkEnable = 0b1 << 8
	clkRTMask = 0xff
)

// status is a value of ST0 or IM.
type status uint32

const (
	st0DataDone    status = 0b1 << 0  // DATDNE
	st0BusyDone    status = 0b1 << 1  // BSYDNE
	st0CmdDone     status = 0b1 << 2  // RSPDNE
	st0ReadTimeout status = 0b1 << 3  // TOUTRD
	st0CmdTimeout  status = 0b1 << 4  // TOUTRS
	st0CRCWrite    status = 0b1 << 5  // CRCWR
	st0CRCRead     status = 0b1 << 6  // CRCRD
	st0CmdCRC      status = 0b1 << 7  // CRCRS
	st0TxReady     status = 0b1 << 9  // DXRDY, FIFO empty
	st0RxReady     status = 0b1 << 10 // DRRDY, data in FIFO
	st0DAT3Edge    status = 0b1 << 11 // DATED
	st0TransDone   status = 0b1 << 12 // TRNDNE
)

// ST1.
const (
	st1Busy = 0b1 << 0
)

// CMD.
const (
	cmdIndexMask  = 0x3f
	cmdPPLen      = 0b1 << 7
	cmdBusyExp    = 0b1 << 8
	cmdRspFmtMask = 0b11 << 9
	cmdRspNone    = 0b00 << 9
	cmdRspR1456   = 0b01 << 9
	cmdRspR2      = 0b10 << 9
	cmdRspR3      = 0b11 << 9
	cmdDataWrite  = 0b1 << 11 // DTRW
	cmdStream     = 0b1 << 12 // STRMTP
	cmdData       = 0b1 << 13 // WDATX
	cmdInitClock  = 0b1 << 14 // INITCK
	cmdDataClear  = 0b1 << 15 // DCLR
	cmdDMATrigger = 0b1 << 16 // DMATRIG
)

// FIFOCTL.
const (
	fifoReset   = 0b1 << 0
	fifoDirWr   = 0b1 << 1
	fifoDirRd   = 0b0 << 1
	fifoLevel   = 0b1 << 2 // 0: 128 bits, 1: 256 bits
	fifoAccWd4  = 0b00 << 3
	fifoAccWd3  = 0b01 << 3
	fifoAccWd2  = 0b10 << 3
	fifoAccWd1  = 0b11 << 3
	fifoAccMask = 0b11 << 3
)

const (
	// maxTimeout is the largest value of TOR and TOD.
	maxTimeout = 0xffff
	// drspBusyTimeout is the DRSP value the controller latches when a
	// write CRC error status actually reports a busy timeout.
	drspBusyTimeout = 0x9f
)
