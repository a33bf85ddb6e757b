package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/buildkite/shellwords"
	"mmchost.dev/driver/davinci"
	"mmchost.dev/mmc"
	"periph.io/x/conn/v3/physic"
)

// allocator provides data buffers for transfers.
type allocator interface {
	alloc(n int) (mmc.Segment, io.Closer, error)
}

type heapAllocator struct{}

func (heapAllocator) alloc(n int) (mmc.Segment, io.Closer, error) {
	return mmc.Segment{Buf: make([]byte, n)}, nil, nil
}

const (
	blockSize      = 512
	requestTimeout = 5 * time.Second
	pollInterval   = 100 * time.Microsecond
)

// shell runs commands against an attached controller.
type shell struct {
	t   *target
	out io.Writer
	ios mmc.IOS
	rca uint32
	// blockAddr is set for cards addressed in blocks rather than bytes.
	blockAddr bool
}

type command struct {
	usage string
	run   func(s *shell, ctx context.Context, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"ios":   {"ios [clock=f] [mode=od|pp] [width=1|4] [power=off|up|on] [vdd=n]", (*shell).cmdIOS},
		"init":  {"init", (*shell).cmdInit},
		"cmd":   {"cmd opcode [arg] [none|r1|r1b|r2|r3]", (*shell).cmdCmd},
		"read":  {"read block [count]", (*shell).cmdRead},
		"write": {"write block [count] [fill]", (*shell).cmdWrite},
		"cd":    {"cd", (*shell).cmdCD},
		"ro":    {"ro", (*shell).cmdRO},
		"caps":  {"caps", (*shell).cmdCaps},
		"trace": {"trace [file]", (*shell).cmdTrace},
		"fault": {"fault kind opcode", (*shell).cmdFault},
		"help":  {"help", (*shell).cmdHelp},
	}
}

func newShell(t *target, out io.Writer) *shell {
	return &shell{t: t, out: out}
}

// run executes commands read from sc until it is exhausted or a quit
// command. Command errors are reported and do not stop the shell.
func (s *shell) run(ctx context.Context, sc *bufio.Scanner) error {
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		args, err := shellwords.Split(sc.Text())
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
			continue
		}
		if len(args) == 0 || strings.HasPrefix(args[0], "#") {
			continue
		}
		if args[0] == "quit" {
			return nil
		}
		c, ok := commands[args[0]]
		if !ok {
			fmt.Fprintf(s.out, "%s: unknown command\n", args[0])
			continue
		}
		if err := c.run(s, ctx, args[1:]); err != nil {
			fmt.Fprintf(s.out, "%s: %v\n", args[0], err)
		}
	}
	return sc.Err()
}

// do runs req to completion.
func (s *shell) do(ctx context.Context, req *mmc.Request) error {
	done := make(chan struct{})
	req.Done = func(*mmc.Request) { close(done) }
	s.t.host.Request(req)
	timeout := time.NewTimer(requestTimeout)
	defer timeout.Stop()
	var poll <-chan time.Time
	if s.t.irq == nil {
		tick := time.NewTicker(pollInterval)
		defer tick.Stop()
		poll = tick.C
	}
	for {
		select {
		case <-done:
			return req.Err()
		case <-poll:
			s.t.host.HandleInterrupt()
		case <-timeout.C:
			return fmt.Errorf("CMD%d: no completion after %v", req.Cmd.Opcode, requestTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *shell) issue(ctx context.Context, op uint8, arg uint32, resp mmc.ResponseType) (*mmc.Command, error) {
	c := &mmc.Command{Opcode: op, Arg: arg, Resp: resp}
	err := s.do(ctx, &mmc.Request{Cmd: c})
	return c, err
}

func (s *shell) setIOS(ios mmc.IOS) error {
	if err := s.t.host.SetIOS(ios); err != nil {
		return err
	}
	s.ios = ios
	return nil
}

func (s *shell) cmdIOS(ctx context.Context, args []string) error {
	ios := s.ios
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("%q: expected key=value", arg)
		}
		switch k {
		case "clock":
			if err := ios.Clock.Set(v); err != nil {
				return err
			}
		case "mode":
			switch v {
			case "od":
				ios.Mode = mmc.OpenDrain
			case "pp":
				ios.Mode = mmc.PushPull
			default:
				return fmt.Errorf("unknown bus mode %q", v)
			}
		case "width":
			switch v {
			case "1":
				ios.Width = mmc.BusWidth1
			case "4":
				ios.Width = mmc.BusWidth4
			default:
				return fmt.Errorf("unsupported bus width %q", v)
			}
		case "power":
			switch v {
			case "off":
				ios.Power = mmc.PowerOff
			case "up":
				ios.Power = mmc.PowerUp
			case "on":
				ios.Power = mmc.PowerOn
			default:
				return fmt.Errorf("unknown power mode %q", v)
			}
		case "vdd":
			n, err := strconv.ParseUint(v, 0, 8)
			if err != nil {
				return err
			}
			ios.VDD = uint8(n)
		default:
			return fmt.Errorf("unknown setting %q", k)
		}
	}
	if err := s.setIOS(ios); err != nil {
		return err
	}
	fmt.Fprintln(s.out, ios)
	return nil
}

// SD card register constants used by the identification sequence.
const (
	ocrBusy     = 1 << 31
	ocrCCS      = 1 << 30
	ifCondCheck = 0x1aa
	sdBusWidth4 = 2
)

// cmdInit powers the bus up and identifies the card: reset, interface
// condition, operating conditions, CID, relative address and selection,
// then switches to a 4 bit bus at full speed.
func (s *shell) cmdInit(ctx context.Context, args []string) error {
	caps := s.t.host.Caps()
	vdd := uint8(21)
	err := s.setIOS(mmc.IOS{Clock: 400 * physic.KiloHertz, Mode: mmc.OpenDrain, Power: mmc.PowerUp, VDD: vdd})
	if err != nil {
		return err
	}
	if _, err := s.issue(ctx, 0, 0, mmc.RespNone); err != nil {
		return fmt.Errorf("CMD0: %w", err)
	}
	ocrArg := caps.OCR
	if c, err := s.issue(ctx, 8, ifCondCheck, mmc.RespR1); err == nil && c.Response[0]&0xfff == ifCondCheck {
		ocrArg |= ocrCCS
	}
	var ocr uint32
	for i := 0; ocr&ocrBusy == 0; i++ {
		if i == 100 {
			return errors.New("card did not leave the busy state")
		}
		if _, err := s.issue(ctx, 55, 0, mmc.RespR1); err != nil {
			return fmt.Errorf("CMD55: %w", err)
		}
		c, err := s.issue(ctx, 41, ocrArg, mmc.RespR3)
		if err != nil {
			return fmt.Errorf("ACMD41: %w", err)
		}
		ocr = c.Response[0]
	}
	s.blockAddr = ocr&ocrCCS != 0
	cid, err := s.issue(ctx, 2, 0, mmc.RespR2)
	if err != nil {
		return fmt.Errorf("CMD2: %w", err)
	}
	c, err := s.issue(ctx, 3, 0, mmc.RespR1)
	if err != nil {
		return fmt.Errorf("CMD3: %w", err)
	}
	s.rca = c.Response[0] &^ 0xffff
	if err := s.setIOS(mmc.IOS{Clock: caps.FMax, Mode: mmc.PushPull, Power: mmc.PowerOn, VDD: vdd}); err != nil {
		return err
	}
	if _, err := s.issue(ctx, 7, s.rca, mmc.RespR1b); err != nil {
		return fmt.Errorf("CMD7: %w", err)
	}
	if caps.Flags&mmc.Cap4BitData != 0 {
		if _, err := s.issue(ctx, 55, s.rca, mmc.RespR1); err != nil {
			return fmt.Errorf("CMD55: %w", err)
		}
		if _, err := s.issue(ctx, 6, sdBusWidth4, mmc.RespR1); err != nil {
			return fmt.Errorf("ACMD6: %w", err)
		}
		ios := s.ios
		ios.Width = mmc.BusWidth4
		if err := s.setIOS(ios); err != nil {
			return err
		}
	}
	fmt.Fprintf(s.out, "card %08x rca %04x ocr %08x high capacity %v\n", cid.Response, s.rca>>16, ocr, s.blockAddr)
	return nil
}

func parseResp(v string) (mmc.ResponseType, error) {
	switch strings.ToLower(v) {
	case "none":
		return mmc.RespNone, nil
	case "r1", "r5", "r6", "r7":
		return mmc.RespR1, nil
	case "r1b":
		return mmc.RespR1b, nil
	case "r2":
		return mmc.RespR2, nil
	case "r3", "r4":
		return mmc.RespR3, nil
	}
	return 0, fmt.Errorf("unknown response type %q", v)
}

func (s *shell) cmdCmd(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return errors.New("usage: " + commands["cmd"].usage)
	}
	op, err := strconv.ParseUint(args[0], 0, 6)
	if err != nil {
		return err
	}
	var arg uint64
	if len(args) > 1 {
		arg, err = strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return err
		}
	}
	resp := mmc.RespR1
	if len(args) > 2 {
		if resp, err = parseResp(args[2]); err != nil {
			return err
		}
	}
	c, err := s.issue(ctx, uint8(op), uint32(arg), resp)
	if err != nil {
		return err
	}
	if resp.Long() {
		fmt.Fprintf(s.out, "%08x %08x %08x %08x\n", c.Response[0], c.Response[1], c.Response[2], c.Response[3])
	} else if resp.Present() {
		fmt.Fprintf(s.out, "%08x\n", c.Response[0])
	}
	return nil
}

// blockArgs parses the block address and count of a transfer command.
func (s *shell) blockArgs(args []string, name string) (addr uint32, count int, err error) {
	if len(args) < 1 {
		return 0, 0, errors.New("usage: " + commands[name].usage)
	}
	block, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return 0, 0, err
	}
	count = 1
	if len(args) > 1 {
		n, err := strconv.ParseUint(args[1], 0, 16)
		if err != nil {
			return 0, 0, err
		}
		if n == 0 {
			return 0, 0, errors.New("zero block count")
		}
		count = int(n)
	}
	addr = uint32(block)
	if !s.blockAddr {
		addr *= blockSize
	}
	return addr, count, nil
}

// transfer runs a single or multiple block transfer over a freshly
// allocated buffer.
func (s *shell) transfer(ctx context.Context, dir mmc.Direction, addr uint32, count int, fill func([]byte)) ([]byte, error) {
	seg, closer, err := s.t.alloc.alloc(count * blockSize)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		defer closer.Close()
	}
	if fill != nil {
		fill(seg.Buf)
	}
	op := uint8(17)
	if dir == mmc.DirWrite {
		op = 24
	}
	req := &mmc.Request{
		Cmd: &mmc.Command{Opcode: op, Arg: addr, Resp: mmc.RespR1},
		Data: &mmc.Data{
			Dir:       dir,
			BlockSize: blockSize,
			Blocks:    count,
			Segments:  []mmc.Segment{seg},
			TimeoutNS: 100_000_000,
		},
	}
	if count > 1 {
		req.Cmd.Opcode++
		req.Stop = &mmc.Command{Opcode: 12, Resp: mmc.RespR1b}
	}
	if err := s.do(ctx, req); err != nil {
		return nil, err
	}
	return append([]byte(nil), seg.Buf...), nil
}

func (s *shell) cmdRead(ctx context.Context, args []string) error {
	addr, count, err := s.blockArgs(args, "read")
	if err != nil {
		return err
	}
	buf, err := s.transfer(ctx, mmc.DirRead, addr, count, nil)
	if err != nil {
		return err
	}
	_, err = io.WriteString(s.out, hex.Dump(buf))
	return err
}

func (s *shell) cmdWrite(ctx context.Context, args []string) error {
	addr, count, err := s.blockArgs(args, "write")
	if err != nil {
		return err
	}
	var seed uint64
	if len(args) > 2 {
		if seed, err = strconv.ParseUint(args[2], 0, 8); err != nil {
			return err
		}
	}
	fill := func(p []byte) {
		for i := range p {
			p[i] = byte(seed) + byte(i)
		}
	}
	if _, err := s.transfer(ctx, mmc.DirWrite, addr, count, fill); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "wrote %d blocks\n", count)
	return nil
}

func (s *shell) cmdCD(ctx context.Context, args []string) error {
	present, err := s.t.host.CardDetect()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "card present: %v\n", present)
	return nil
}

func (s *shell) cmdRO(ctx context.Context, args []string) error {
	ro, err := s.t.host.ReadOnly()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "read-only: %v\n", ro)
	return nil
}

func (s *shell) cmdCaps(ctx context.Context, args []string) error {
	c := s.t.host.Caps()
	fmt.Fprintf(s.out, "clock %v-%v flags %#x ocr %#x\n", c.FMin, c.FMax, c.Flags, c.OCR)
	fmt.Fprintf(s.out, "segments %d of %d bytes, blocks %d of %d bytes, request %d bytes\n",
		c.MaxSegs, c.MaxSegSize, c.MaxBlkCount, c.MaxBlkSize, c.MaxReqSize)
	fmt.Fprintf(s.out, "dma %v\n", s.t.host.UsingDMA())
	return nil
}

func (s *shell) cmdTrace(ctx context.Context, args []string) error {
	if s.t.trace == nil {
		return errors.New("tracing not enabled, use -trace")
	}
	if len(args) == 0 {
		for _, a := range s.t.trace.Accesses() {
			fmt.Fprintln(s.out, a)
		}
		return nil
	}
	return s.writeTrace(args[0])
}

func (s *shell) writeTrace(name string) error {
	if s.t.trace == nil {
		return nil
	}
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := s.t.trace.WriteCBOR(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

var faultKinds = map[string]davinci.FaultKind{
	"noise":        davinci.FaultResponseNoise,
	"cmd-timeout":  davinci.FaultCmdTimeout,
	"read-timeout": davinci.FaultReadTimeout,
	"read-crc":     davinci.FaultReadCRC,
	"write-crc":    davinci.FaultWriteCRC,
	"dma":          davinci.FaultDMA,
}

// cmdFault queues a fault in the simulated controller for the next command
// with the given opcode.
func (s *shell) cmdFault(ctx context.Context, args []string) error {
	if s.t.sim == nil {
		return errors.New("faults need the simulator, use -sim")
	}
	if len(args) != 2 {
		return errors.New("usage: " + commands["fault"].usage)
	}
	kind, ok := faultKinds[args[0]]
	if !ok {
		return fmt.Errorf("unknown fault %q", args[0])
	}
	op, err := strconv.ParseUint(args[1], 0, 6)
	if err != nil {
		return err
	}
	s.t.sim.Inject(davinci.Fault{Kind: kind, Opcode: uint8(op)})
	return nil
}

func (s *shell) cmdHelp(ctx context.Context, args []string) error {
	for _, name := range []string{"ios", "init", "cmd", "read", "write", "cd", "ro", "caps", "trace", "fault"} {
		fmt.Fprintf(s.out, "  %s\n", commands[name].usage)
	}
	fmt.Fprintln(s.out, "  quit")
	return nil
}
