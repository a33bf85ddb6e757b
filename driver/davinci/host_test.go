package davinci

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"mmchost.dev/driver/edma"
	"mmchost.dev/mmc"
	"mmchost.dev/poll"
	"mmchost.dev/regbus"
	"periph.io/x/conn/v3/physic"
)

type testHost struct {
	*Host
	sim   *Simulator
	trace *regbus.Trace
	clock *poll.Fake
}

func newTestHost(t *testing.T, sim *Simulator, configure func(o *Options)) *testHost {
	t.Helper()
	fake := &poll.Fake{T: time.Unix(0, 0)}
	c := fake.Clock()
	opts := DefaultOptions()
	opts.Clock = sim
	opts.DMA = sim
	opts.Mapper = sim
	opts.Slot = sim
	opts.Now = c.Now
	opts.Sleep = c.Sleep
	if configure != nil {
		configure(&opts)
	}
	tr := regbus.NewTrace(sim)
	h, err := New(tr, opts)
	if err != nil {
		t.Fatal(err)
	}
	return &testHost{Host: h, sim: sim, trace: tr, clock: fake}
}

func pio(o *Options) {
	o.UseDMA = false
}

// service handles interrupts until the controller deasserts its line.
func (h *testHost) service(t *testing.T) {
	t.Helper()
	for i := 0; h.sim.Asserted(); i++ {
		if i == 100 {
			t.Fatal("interrupt not cleared")
		}
		h.HandleInterrupt()
	}
}

// do runs req to completion.
func (h *testHost) do(t *testing.T, req *mmc.Request) {
	t.Helper()
	calls := 0
	req.Done = func(r *mmc.Request) {
		if r != req {
			t.Errorf("completed %p, want %p", r, req)
		}
		calls++
	}
	h.Request(req)
	h.service(t)
	if calls != 1 {
		t.Fatalf("CMD%d completed %d times, want 1", req.Cmd.Opcode, calls)
	}
	if !h.Idle() {
		t.Fatalf("CMD%d: host not idle after completion", req.Cmd.Opcode)
	}
}

func (h *testHost) issue(t *testing.T, op uint8, arg uint32, resp mmc.ResponseType) *mmc.Command {
	t.Helper()
	c := &mmc.Command{Opcode: op, Arg: arg, Resp: resp}
	h.do(t, &mmc.Request{Cmd: c})
	return c
}

func (h *testHost) setIOS(t *testing.T, ios mmc.IOS) {
	t.Helper()
	if err := h.SetIOS(ios); err != nil {
		t.Fatal(err)
	}
}

func readReq(op uint8, arg uint32, blockSize, blocks int, segs []mmc.Segment) *mmc.Request {
	return &mmc.Request{
		Cmd: &mmc.Command{Opcode: op, Arg: arg, Resp: mmc.RespR1},
		Data: &mmc.Data{
			Dir:         mmc.DirRead,
			BlockSize:   blockSize,
			Blocks:      blocks,
			Segments:    segs,
			TimeoutNS:   100_000_000,
			TimeoutClks: 0,
		},
	}
}

func writeReq(op uint8, arg uint32, blockSize, blocks int, segs []mmc.Segment) *mmc.Request {
	r := readReq(op, arg, blockSize, blocks, segs)
	r.Data.Dir = mmc.DirWrite
	return r
}

func stopCmd() *mmc.Command {
	return &mmc.Command{Opcode: 12, Resp: mmc.RespR1b}
}

func fill(p []byte, seed byte) {
	for i := range p {
		p[i] = seed + byte(i*7)
	}
}

func TestIdentify(t *testing.T) {
	h := newTestHost(t, NewSimulator(SimOptions{}), nil)
	h.setIOS(t, mmc.IOS{Clock: 400 * physic.KiloHertz, Mode: mmc.OpenDrain, Power: mmc.PowerUp, VDD: 21})
	h.issue(t, 0, 0, mmc.RespNone)
	if c := h.issue(t, 8, 0x1aa, mmc.RespR1); c.Err != nil || c.Response[0] != 0x1aa {
		t.Fatalf("CMD8: %v, response %#x", c.Err, c.Response[0])
	}
	var ocr uint32
	for i := 0; i < 10 && ocr&ocrBusy == 0; i++ {
		h.issue(t, 55, 0, mmc.RespR1)
		c := h.issue(t, 41, mmc.VDD32_33|mmc.VDD33_34|ocrCCS, mmc.RespR3)
		if c.Err != nil {
			t.Fatalf("ACMD41: %v", c.Err)
		}
		ocr = c.Response[0]
	}
	if ocr&ocrBusy == 0 || ocr&ocrCCS == 0 {
		t.Fatalf("OCR %#x: card not ready", ocr)
	}
	cid := h.issue(t, 2, 0, mmc.RespR2)
	if cid.Err != nil {
		t.Fatalf("CMD2: %v", cid.Err)
	}
	if mid := cid.Response[0] >> 24; mid != 0x03 {
		t.Errorf("CID manufacturer %#x, want 0x03", mid)
	}
	if crc := cid.Response[3] & 0xff; crc&1 != 1 {
		t.Errorf("CID CRC byte %#x has no end bit", crc)
	}
	r6 := h.issue(t, 3, 0, mmc.RespR1)
	rca := r6.Response[0] >> 16
	if rca != cardDefaultRCA {
		t.Errorf("RCA %#x, want %#x", rca, cardDefaultRCA)
	}
	csd := h.issue(t, 9, rca<<16, mmc.RespR2)
	if structure := csd.Response[0] >> 30; structure != 1 {
		t.Errorf("CSD structure %d, want 1", structure)
	}
	h.issue(t, 7, rca<<16, mmc.RespR1b)
	h.setIOS(t, mmc.IOS{Clock: 25 * physic.MegaHertz, Mode: mmc.PushPull, Power: mmc.PowerOn, Width: mmc.BusWidth4, VDD: 21})
	if st := h.issue(t, 13, rca<<16, mmc.RespR1); st.Response[0]>>csStateShift&0xf != uint32(cardTran) {
		t.Errorf("card state %d, want transfer", st.Response[0]>>csStateShift&0xf)
	}
	cmds := h.sim.Stats().Commands
	if c := cmds[1]; c.Reg&cmdInitClock == 0 {
		t.Errorf("CMD0 issued without initialization clocks: %#x", c.Reg)
	}
	if c := cmds[len(cmds)-1]; c.Reg&cmdPPLen == 0 {
		t.Errorf("push-pull command issued without PPLEN: %#x", c.Reg)
	}
}

func TestPIOWrite(t *testing.T) {
	h := newTestHost(t, NewSimulator(SimOptions{}), pio)
	buf := make([]byte, 64)
	fill(buf, 1)
	req := writeReq(24, 3, 64, 1, []mmc.Segment{{Buf: buf}})
	h.trace.Reset()
	h.do(t, req)

	if err := req.Err(); err != nil {
		t.Fatal(err)
	}
	if n := req.Data.BytesXfered; n != 64 {
		t.Errorf("transferred %d bytes, want 64", n)
	}
	// One threshold is loaded before the command starts the
	// transfer.
	preload := 0
	for _, a := range h.trace.Stores() {
		if a.Off == regCMD {
			break
		}
		if a.Off == regDXR {
			preload += int(a.Width) / 8
		}
	}
	if preload != 32 {
		t.Errorf("pre-loaded %d bytes, want 32", preload)
	}
	st := h.sim.Stats()
	if st.FIFOServices != 2 {
		t.Errorf("%d FIFO services, want 2", st.FIFOServices)
	}
	if st.FIFOBytes != 64 {
		t.Errorf("%d bytes through the FIFO, want 64", st.FIFOBytes)
	}
	if got := h.sim.CardData()[3*SimBlockSize:][:64]; !bytes.Equal(got, buf) {
		t.Errorf("card holds %x, want %x", got, buf)
	}
}

func TestPIOReadMultiBlock(t *testing.T) {
	h := newTestHost(t, NewSimulator(SimOptions{}), pio)
	want := h.sim.CardData()[10*SimBlockSize:][:2*SimBlockSize]
	fill(want, 3)
	segs, _ := segments(100, 412, 300, 212)
	req := readReq(18, 10, SimBlockSize, 2, segs)
	req.Stop = stopCmd()
	h.do(t, req)
	if err := req.Err(); err != nil {
		t.Fatal(err)
	}
	var got []byte
	for _, s := range segs {
		got = append(got, s.Buf...)
	}
	if !bytes.Equal(got, want) {
		t.Error("read data mismatch")
	}
	if n := req.Data.BytesXfered; n != 2*SimBlockSize {
		t.Errorf("transferred %d bytes, want %d", n, 2*SimBlockSize)
	}
	cmds := h.sim.Stats().Commands
	if last := cmds[len(cmds)-1]; last.Opcode != 12 || last.Reg&cmdBusyExp == 0 {
		t.Errorf("last command %+v, want CMD12 expecting busy", last)
	}
}

func TestPIOReadTail(t *testing.T) {
	h := newTestHost(t, NewSimulator(SimOptions{}), nil)
	h.issue(t, 55, 0, mmc.RespR1)
	scr := make([]byte, 8)
	req := readReq(51, 0, 8, 1, []mmc.Segment{{Buf: scr}})
	h.do(t, req)
	if err := req.Err(); err != nil {
		t.Fatal(err)
	}
	if want := []byte{0x02, 0x35, 0, 0, 0, 0, 0, 0}; !bytes.Equal(scr, want) {
		t.Errorf("SCR %x, want %x", scr, want)
	}
	if st := h.sim.Stats(); st.DMABytes != 0 {
		t.Errorf("%d bytes by DMA, want PIO", st.DMABytes)
	}
}

func TestDMARead(t *testing.T) {
	h := newTestHost(t, NewSimulator(SimOptions{}), nil)
	if !h.UsingDMA() {
		t.Fatal("DMA not acquired")
	}
	want := h.sim.CardData()[:128]
	fill(want, 9)
	segs, _ := segments(64, 64)
	req := readReq(18, 0, 64, 2, segs)
	req.Stop = stopCmd()
	h.do(t, req)
	if err := req.Err(); err != nil {
		t.Fatal(err)
	}
	if n := req.Data.BytesXfered; n != 128 {
		t.Errorf("transferred %d bytes, want 128", n)
	}
	if got := append(append([]byte(nil), segs[0].Buf...), segs[1].Buf...); !bytes.Equal(got, want) {
		t.Error("read data mismatch")
	}
	first := h.sim.Params(edma.SlotOf(26))
	if first.CCnt != 2 || first.Link != edma.LinkAddr(simLinkBase) {
		t.Errorf("first set %+v, want 2 frames linked to slot %d", first, simLinkBase)
	}
	if first.Src != DefaultOptions().PhysBase+regDRR || first.Dst != uint32(segs[0].Addr) {
		t.Errorf("first set moves %#x to %#x", first.Src, first.Dst)
	}
	second := h.sim.Params(simLinkBase)
	if second.CCnt != 2 || second.Link != edma.NullLink || second.Dst != uint32(segs[1].Addr) {
		t.Errorf("second set %+v", second)
	}
	st := h.sim.Stats()
	if st.FIFOReads != 0 || st.FIFOWrites != 0 {
		t.Errorf("%d FIFO reads, %d writes by PIO, want none", st.FIFOReads, st.FIFOWrites)
	}
	if st.DMASets != 2 || st.DMABytes != 128 {
		t.Errorf("DMA consumed %d sets and %d bytes, want 2 and 128", st.DMASets, st.DMABytes)
	}
	if st.Maps != 1 || st.Unmaps != 1 {
		t.Errorf("%d maps, %d unmaps, want 1 each", st.Maps, st.Unmaps)
	}
	if cmds := st.Commands; cmds[0].Reg&cmdDMATrigger == 0 {
		t.Errorf("data command %#x without DMA trigger", cmds[0].Reg)
	}
}

func TestDMAWrite(t *testing.T) {
	h := newTestHost(t, NewSimulator(SimOptions{}), func(o *Options) {
		o.FIFOThreshold = 16
	})
	segs, all := segments(512, 512, 512)
	req := writeReq(25, 7, SimBlockSize, 3, segs)
	req.Stop = stopCmd()
	h.do(t, req)
	if err := req.Err(); err != nil {
		t.Fatal(err)
	}
	if got := h.sim.CardData()[7*SimBlockSize:][:len(all)]; !bytes.Equal(got, all) {
		t.Error("written data mismatch")
	}
	if p := h.sim.Params(edma.SlotOf(27)); p.CCnt != 512/16 || p.BCnt != 4 || p.SrcBIdx != 4 || p.SrcCIdx != 16 {
		t.Errorf("transmit set %+v", p)
	}
	if st := h.sim.Stats(); st.FIFOWrites != 0 || st.DMABytes != len(all) {
		t.Errorf("%d FIFO writes, %d DMA bytes", st.FIFOWrites, st.DMABytes)
	}
}

func TestSelectStrategy(t *testing.T) {
	tests := []struct {
		name string
		lens []int
		// total defaults to the sum of lens.
		total int
		dma   bool
		opts  func(o *Options)
	}{
		{name: "aligned", lens: []int{64, 64}, dma: true},
		{name: "single", lens: []int{96}, dma: true},
		{name: "leading empty segment", lens: []int{0, 64}, dma: true},
		{name: "empty segments", lens: []int{32, 0, 32, 0}, dma: true},
		{name: "misaligned segment", lens: []int{48, 16}},
		{name: "misaligned total", lens: []int{64}, total: 40},
		{name: "short tail", lens: []int{64, 64}, total: 96, dma: true},
		{name: "too many segments", lens: []int{32, 32, 32}, opts: func(o *Options) { o.MaxSegments = 2 }},
		{name: "unmapped", lens: []int{32, 32}, opts: func(o *Options) { o.Mapper = nil }},
		{name: "disabled", lens: []int{32}, opts: pio},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := newTestHost(t, NewSimulator(SimOptions{}), test.opts)
			total := test.total
			if total == 0 {
				for _, n := range test.lens {
					total += n
				}
			}
			want := h.sim.CardData()[:total]
			fill(want, 5)
			segs, _ := segments(test.lens...)
			req := readReq(17, 0, total, 1, segs)
			h.do(t, req)
			if err := req.Err(); err != nil {
				t.Fatal(err)
			}
			var got []byte
			for _, s := range segs {
				got = append(got, s.Buf...)
			}
			if !bytes.Equal(got[:total], want) {
				t.Error("read data mismatch")
			}
			st := h.sim.Stats()
			if dma := st.DMABytes > 0; dma != test.dma {
				t.Errorf("DMA used: %v, want %v", dma, test.dma)
			}
			if test.dma && st.FIFOReads != 0 {
				t.Errorf("%d PIO reads during DMA transfer", st.FIFOReads)
			}
			if !test.dma && st.FIFOBytes != total {
				t.Errorf("%d bytes by PIO, want %d", st.FIFOBytes, total)
			}
		})
	}
}

func TestCmdCRC(t *testing.T) {
	tests := []struct {
		clock physic.Frequency
		want  error
	}{
		{25 * physic.MegaHertz, mmc.ErrCRC},
		{50 * physic.MegaHertz, nil},
	}
	for _, test := range tests {
		h := newTestHost(t, NewSimulator(SimOptions{}), func(o *Options) { o.HighSpeed = true })
		h.setIOS(t, mmc.IOS{Clock: test.clock, Mode: mmc.PushPull, Power: mmc.PowerOn})
		h.sim.Inject(Fault{Kind: FaultResponseNoise, Opcode: 13})
		c := h.issue(t, 13, 0, mmc.RespR1)
		if !errors.Is(c.Err, test.want) || (test.want == nil && c.Err != nil) {
			t.Errorf("%v: got %v, want %v", test.clock, c.Err, test.want)
		}
	}
}

func TestCmdCRCIgnoredForR3(t *testing.T) {
	h := newTestHost(t, NewSimulator(SimOptions{}), nil)
	h.issue(t, 55, 0, mmc.RespR1)
	h.sim.Inject(Fault{Kind: FaultResponseNoise, Opcode: 41})
	if c := h.issue(t, 41, mmc.VDD32_33, mmc.RespR3); c.Err != nil {
		t.Errorf("R3 response failed: %v", c.Err)
	}
}

func TestCmdTimeout(t *testing.T) {
	h := newTestHost(t, NewSimulator(SimOptions{NoCard: true}), nil)
	c := &mmc.Command{Opcode: 13, Resp: mmc.RespR1, Retries: 3}
	h.do(t, &mmc.Request{Cmd: c})
	if !errors.Is(c.Err, mmc.ErrTimeout) {
		t.Errorf("got %v, want timeout", c.Err)
	}
	if c.Retries != 0 {
		t.Errorf("%d retries left after timeout", c.Retries)
	}
}

func TestCmdTimeoutWithData(t *testing.T) {
	h := newTestHost(t, NewSimulator(SimOptions{}), nil)
	h.sim.Inject(Fault{Kind: FaultCmdTimeout, Opcode: 18})
	segs, _ := segments(512)
	req := readReq(18, 0, SimBlockSize, 1, segs)
	req.Stop = stopCmd()
	h.do(t, req)
	if !errors.Is(req.Cmd.Err, mmc.ErrTimeout) {
		t.Errorf("got %v, want timeout", req.Cmd.Err)
	}
	st := h.sim.Stats()
	if st.Unmaps != 1 || st.DMAStops == 0 {
		t.Errorf("DMA not torn down: %d unmaps, %d stops", st.Unmaps, st.DMAStops)
	}
	for _, c := range st.Commands {
		if c.Opcode == 12 {
			t.Error("stop issued after failed command")
		}
	}
}

func TestDataErrors(t *testing.T) {
	tests := []struct {
		name  string
		fault Fault
		write bool
		want  error
	}{
		{"read timeout", Fault{Kind: FaultReadTimeout, Opcode: 17}, false, mmc.ErrTimeout},
		{"read crc", Fault{Kind: FaultReadCRC, Opcode: 17}, false, mmc.ErrCRC},
		{"write crc", Fault{Kind: FaultWriteCRC, Opcode: 24, DRSP: 0x0b}, true, mmc.ErrCRC},
		{"write busy timeout", Fault{Kind: FaultWriteCRC, Opcode: 24, DRSP: drspBusyTimeout}, true, mmc.ErrTimeout},
	}
	for _, test := range tests {
		for _, useDMA := range []bool{false, true} {
			h := newTestHost(t, NewSimulator(SimOptions{}), func(o *Options) { o.UseDMA = useDMA })
			h.sim.Inject(test.fault)
			resets := h.sim.Stats().CmdResets
			segs, _ := segments(512)
			var req *mmc.Request
			if test.write {
				req = writeReq(24, 0, SimBlockSize, 1, segs)
			} else {
				req = readReq(17, 0, SimBlockSize, 1, segs)
			}
			h.do(t, req)
			if req.Cmd.Err != nil {
				t.Errorf("%s: command failed: %v", test.name, req.Cmd.Err)
			}
			if !errors.Is(req.Data.Err, test.want) {
				t.Errorf("%s (DMA %v): got %v, want %v", test.name, useDMA, req.Data.Err, test.want)
			}
			crc := test.fault.Kind == FaultReadCRC || test.fault.Kind == FaultWriteCRC
			if n := h.sim.Stats().CmdResets - resets; crc && n != 1 {
				t.Errorf("%s: %d command resets, want 1", test.name, n)
			}
		}
	}
}

func TestWriteProtected(t *testing.T) {
	h := newTestHost(t, NewSimulator(SimOptions{ReadOnly: true}), pio)
	segs, _ := segments(512)
	req := writeReq(24, 0, SimBlockSize, 1, segs)
	h.do(t, req)
	if !errors.Is(req.Data.Err, mmc.ErrCRC) {
		t.Errorf("got %v, want CRC error", req.Data.Err)
	}
	if req.Cmd.Response[0]&csWPViolation == 0 {
		t.Errorf("status %#x without write protect violation", req.Cmd.Response[0])
	}
	if ro, err := h.ReadOnly(); err != nil || !ro {
		t.Errorf("ReadOnly() = %v, %v", ro, err)
	}
}

func TestStopAfterDataError(t *testing.T) {
	h := newTestHost(t, NewSimulator(SimOptions{}), nil)
	h.sim.Inject(Fault{Kind: FaultWriteCRC, Opcode: 25, DRSP: 0x0b})
	segs, _ := segments(1024)
	req := writeReq(25, 0, SimBlockSize, 2, segs)
	req.Stop = stopCmd()
	h.do(t, req)
	if !errors.Is(req.Data.Err, mmc.ErrCRC) {
		t.Errorf("got %v, want CRC error", req.Data.Err)
	}
	cmds := h.sim.Stats().Commands
	if last := cmds[len(cmds)-1]; last.Opcode != 12 {
		t.Errorf("last command CMD%d, want CMD12", last.Opcode)
	}
	if req.Stop.Err != nil {
		t.Errorf("stop failed: %v", req.Stop.Err)
	}
}

func TestDMAError(t *testing.T) {
	tests := []struct {
		op  uint8
		req func(op uint8, arg uint32, blockSize, blocks int, segs []mmc.Segment) *mmc.Request
	}{
		{17, readReq},
		{24, writeReq},
	}
	for _, test := range tests {
		h := newTestHost(t, NewSimulator(SimOptions{}), nil)
		h.sim.Inject(Fault{Kind: FaultDMA, Opcode: test.op})
		segs, _ := segments(512)
		req := test.req(test.op, 0, SimBlockSize, 1, segs)
		calls := 0
		req.Done = func(*mmc.Request) { calls++ }
		h.Request(req)
		h.service(t)
		if calls != 0 {
			t.Fatalf("CMD%d: request completed before the data phase", test.op)
		}
		stops := h.sim.Stats().DMAStops
		h.sim.RaiseDMAErrors()
		if !errors.Is(req.Data.Err, mmc.ErrDMA) {
			t.Errorf("CMD%d: got %v, want DMA error", test.op, req.Data.Err)
		}
		if h.sim.Stats().DMAStops == stops {
			t.Errorf("CMD%d: channel not stopped on error", test.op)
		}
		// The data phase then expires, which must not mask the DMA
		// error.
		h.service(t)
		if calls != 1 {
			t.Fatalf("CMD%d: completed %d times, want 1", test.op, calls)
		}
		if !errors.Is(req.Data.Err, mmc.ErrDMA) {
			t.Errorf("CMD%d: completed with %v, want DMA error", test.op, req.Data.Err)
		}
		if !h.Idle() {
			t.Errorf("CMD%d: host not idle", test.op)
		}
	}
}

func TestDMAEmptySegment(t *testing.T) {
	h := newTestHost(t, NewSimulator(SimOptions{}), nil)
	want := h.sim.CardData()[:64]
	fill(want, 9)
	segs, _ := segments(0, 64, 0)
	req := readReq(17, 0, 64, 1, segs)
	h.do(t, req)
	if err := req.Err(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(segs[1].Buf, want) {
		t.Errorf("read %x, want %x", segs[1].Buf, want)
	}
	p := h.sim.Params(edma.SlotOf(26))
	if p.CCnt != 2 || p.Link != edma.NullLink {
		t.Errorf("PaRAM set CCNT %d link %#x, want a single set of 2 frames", p.CCnt, p.Link)
	}
	if st := h.sim.Stats(); st.FIFOReads != 0 || st.DMABytes != 64 {
		t.Errorf("%d FIFO reads, %d DMA bytes", st.FIFOReads, st.DMABytes)
	}
}

func TestBusyPrecheck(t *testing.T) {
	h := newTestHost(t, NewSimulator(SimOptions{}), nil)
	h.sim.SetBusy(-1)
	h.trace.Reset()
	start := h.clock.T
	c := &mmc.Command{Opcode: 13, Resp: mmc.RespR1}
	calls := 0
	h.Request(&mmc.Request{Cmd: c, Done: func(*mmc.Request) { calls++ }})
	if calls != 1 {
		t.Fatalf("completed %d times, want 1", calls)
	}
	if !errors.Is(c.Err, mmc.ErrTimeout) {
		t.Errorf("got %v, want timeout", c.Err)
	}
	if d := h.clock.T.Sub(start); d < busyTimeout || d > busyTimeout+time.Millisecond {
		t.Errorf("waited %v, want %v", d, busyTimeout)
	}
	for _, a := range h.trace.Accesses() {
		if a.Op != regbus.OpLoad || a.Off != regST1 {
			t.Fatalf("unexpected access %v", a)
		}
	}
	if !h.Idle() {
		t.Error("host not idle")
	}
}

func TestBusyWait(t *testing.T) {
	h := newTestHost(t, NewSimulator(SimOptions{}), nil)
	h.sim.SetBusy(5)
	if c := h.issue(t, 13, 0, mmc.RespR1); c.Err != nil {
		t.Errorf("command after busy: %v", c.Err)
	}
}

func TestSpuriousInterrupt(t *testing.T) {
	h := newTestHost(t, NewSimulator(SimOptions{}), nil)
	h.trace.Reset()
	h.HandleInterrupt()
	want := []regbus.Access{
		{Op: regbus.OpLoad, Width: 32, Off: regST0},
		{Op: regbus.OpStore, Width: 32, Off: regIM, Val: 0},
	}
	got := h.trace.Accesses()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("access %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCompletesOnce(t *testing.T) {
	h := newTestHost(t, NewSimulator(SimOptions{}), pio)
	segs, _ := segments(64)
	req := writeReq(24, 0, 64, 1, segs)
	calls := 0
	req.Done = func(*mmc.Request) { calls++ }
	h.Request(req)
	for i := 0; i < 5; i++ {
		h.HandleInterrupt()
	}
	if calls != 1 {
		t.Errorf("completed %d times, want 1", calls)
	}
	if im := h.sim.Load32(regIM); im != 0 {
		t.Errorf("interrupts %#x unmasked after completion", im)
	}
}

func TestSecondRequest(t *testing.T) {
	h := newTestHost(t, NewSimulator(SimOptions{}), nil)
	h.Request(&mmc.Request{Cmd: &mmc.Command{Opcode: 13, Resp: mmc.RespR1}})
	defer func() {
		if recover() == nil {
			t.Error("second request in flight did not panic")
		}
	}()
	h.Request(&mmc.Request{Cmd: &mmc.Command{Opcode: 13, Resp: mmc.RespR1}})
}

func TestServe(t *testing.T) {
	h := newTestHost(t, NewSimulator(SimOptions{}), nil)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- h.Serve(ctx, h.sim)
	}()
	for i := 0; i < 3; i++ {
		done := make(chan *mmc.Request, 1)
		segs, _ := segments(512)
		req := readReq(17, uint32(i), SimBlockSize, 1, segs)
		req.Done = func(r *mmc.Request) { done <- r }
		h.Request(req)
		select {
		case r := <-done:
			if err := r.Err(); err != nil {
				t.Fatal(err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("request not completed")
		}
	}
	cancel()
	if err := <-served; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v", err)
	}
}

func TestDMAUnavailable(t *testing.T) {
	sim := NewSimulator(SimOptions{})
	if err := sim.Request(27, nil); err != nil {
		t.Fatal(err)
	}
	h := newTestHost(t, sim, nil)
	if h.UsingDMA() {
		t.Error("DMA in use with a busy channel")
	}
	if _, ok := sim.reserved[26]; ok {
		t.Error("receive channel held after failed attach")
	}
	segs, _ := segments(512)
	req := readReq(17, 0, SimBlockSize, 1, segs)
	h.do(t, req)
	if err := req.Err(); err != nil {
		t.Fatal(err)
	}
}

func TestClose(t *testing.T) {
	sim := NewSimulator(SimOptions{})
	h := newTestHost(t, sim, nil)
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if len(sim.reserved) != 0 || len(sim.links) != 0 {
		t.Errorf("%d channels, %d links held after close", len(sim.reserved), len(sim.links))
	}
}

func TestCaps(t *testing.T) {
	h := newTestHost(t, NewSimulator(SimOptions{}), nil)
	c := h.Caps()
	if c.FMin != 312500*physic.Hertz || c.FMax != 25*physic.MegaHertz {
		t.Errorf("clock range %v-%v", c.FMin, c.FMax)
	}
	if c.Flags&mmc.Cap4BitData == 0 || c.Flags&mmc.CapSDHighSpeed != 0 {
		t.Errorf("flags %#x", c.Flags)
	}
	if c.MaxSegSize != 65535*32 || c.MaxBlkSize != 4095 || c.MaxBlkCount != 65535 {
		t.Errorf("limits %+v", c)
	}
	hs := newTestHost(t, NewSimulator(SimOptions{}), func(o *Options) {
		o.HighSpeed = true
		o.Wires = 1
	})
	c = hs.Caps()
	if c.FMax != 50*physic.MegaHertz || c.Flags&mmc.Cap4BitData != 0 || c.Flags&mmc.CapMMCHighSpeed == 0 {
		t.Errorf("high speed caps %+v", c)
	}
	if cd, err := h.CardDetect(); err != nil || !cd {
		t.Errorf("CardDetect() = %v, %v", cd, err)
	}
}

func TestInvalidThreshold(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("invalid threshold accepted")
		}
	}()
	sim := NewSimulator(SimOptions{})
	opts := DefaultOptions()
	opts.Clock = sim
	opts.FIFOThreshold = 24
	New(sim, opts)
}
