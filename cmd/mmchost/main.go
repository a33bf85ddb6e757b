// command mmchost attaches the DaVinci MMC/SD host controller driver to a
// simulated controller, the real hardware or a serial register bridge, and
// drives it from a command shell.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mmchost.dev/board"
	"mmchost.dev/driver/davinci"
	"mmchost.dev/regbus"
	"periph.io/x/conn/v3/physic"
)

var (
	simulate   = flag.Bool("sim", false, "attach to a simulated controller and card")
	base       = flag.Uint("base", uint(board.DM644x.Base), "controller register base address")
	uioDev     = flag.String("uio", "/dev/uio0", "UIO device delivering the controller interrupt")
	serialDev  = flag.String("serial", "", "serial register bridge device")
	baud       = flag.Int("baud", 115200, "serial register bridge baud rate")
	edmaBase   = flag.Uint("edma-base", uint(board.DM644x.EDMABase), "EDMA3 channel controller base address")
	useDMA     = flag.Bool("dma", true, "use DMA for aligned transfers")
	threshold  = flag.Int("threshold", 32, "FIFO threshold in bytes, 16 or 32")
	traceFile  = flag.String("trace", "", "record register accesses to file as CBOR")
	blocks     = flag.Int("blocks", 2048, "simulated card size in blocks")
	debug      = flag.Bool("debug", false, "enable debug diagnostics")
	edmaUIO    = flag.String("edma-uio", "", "UIO device delivering the EDMA3 error interrupt")
	edmaCCUIO  = flag.String("edma-cc-uio", "", "UIO device delivering the EDMA3 transfer completion interrupt")
	cdPin      = flag.String("cd", "", "card-detect GPIO name")
	wpPin      = flag.String("wp", "", "write-protect GPIO name")
	scriptFile = flag.String("f", "", "read commands from file instead of standard input")
)

var clockRate = 99 * physic.MegaHertz

func init() {
	flag.Var(&clockRate, "clock", "controller functional clock rate")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mmchost: %v\n", err)
		os.Exit(2)
	}
}

// target is an attached controller.
type target struct {
	host  *davinci.Host
	irq   davinci.IRQ
	sim   *davinci.Simulator
	trace *regbus.Trace
	alloc allocator
	// serve runs auxiliary interrupt loops, such as the EDMA error
	// interrupt.
	serve []func(ctx context.Context) error
	close []io.Closer
}

func run() error {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := davinci.DefaultOptions()
	opts.FIFOThreshold = *threshold
	opts.UseDMA = *useDMA
	opts.PhysBase = uint32(*base)
	opts.Debug = *debug
	var t *target
	var err error
	switch {
	case *simulate:
		t, err = attachSim(opts)
	case *serialDev != "":
		t, err = attachSerial(opts)
	default:
		t, err = attachHardware(opts)
	}
	if err != nil {
		return err
	}
	defer func() {
		t.host.Close()
		for i := len(t.close) - 1; i >= 0; i-- {
			t.close[i].Close()
		}
	}()
	if t.irq != nil {
		go func() {
			if err := t.host.Serve(ctx, t.irq); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("mmchost: interrupt: %v", err)
			}
		}()
	}
	for _, serve := range t.serve {
		serve := serve
		go func() {
			if err := serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("mmchost: interrupt: %v", err)
			}
		}()
	}
	in := io.Reader(os.Stdin)
	if *scriptFile != "" {
		f, err := os.Open(*scriptFile)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	sh := newShell(t, os.Stdout)
	if err := sh.run(ctx, bufio.NewScanner(in)); err != nil {
		return err
	}
	if *traceFile != "" {
		return sh.writeTrace(*traceFile)
	}
	return nil
}

func attachSim(opts davinci.Options) (*target, error) {
	sim := davinci.NewSimulator(davinci.SimOptions{Rate: clockRate, Blocks: *blocks})
	opts.Clock = sim
	opts.DMA = sim
	opts.Mapper = sim
	opts.Slot = sim
	t := &target{sim: sim, irq: sim, alloc: heapAllocator{}}
	// The simulated channel controller reports missed events on its own
	// schedule, like the EDMA3 error interrupt.
	t.serve = append(t.serve, func(ctx context.Context) error {
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick.C:
				sim.RaiseDMAErrors()
			}
		}
	})
	bus := regbus.Bus(sim)
	if *traceFile != "" {
		t.trace = regbus.NewTrace(sim)
		bus = t.trace
	}
	h, err := davinci.New(bus, opts)
	if err != nil {
		return nil, err
	}
	t.host = h
	return t, nil
}

// attachSerial drives a controller through a register bridge. The bridge
// has no interrupt line or DMA so the host runs in PIO mode and the shell
// polls for interrupts.
func attachSerial(opts davinci.Options) (*target, error) {
	s, closer, err := regbus.OpenSerial(*serialDev, *baud, uint32(*base))
	if err != nil {
		return nil, err
	}
	t := &target{alloc: heapAllocator{}, close: []io.Closer{closer}}
	bus := regbus.Bus(s)
	if *traceFile != "" {
		t.trace = regbus.NewTrace(s)
		bus = t.trace
	}
	opts.UseDMA = false
	opts.Clock = fixedClock(clockRate)
	h, err := davinci.New(bus, opts)
	if err != nil {
		closer.Close()
		return nil, err
	}
	if err := s.Err(); err != nil {
		closer.Close()
		return nil, fmt.Errorf("serial bridge: %w", err)
	}
	t.host = h
	return t, nil
}

// fixedClock is a functional clock that is always running.
type fixedClock physic.Frequency

func (c fixedClock) Enable() error          { return nil }
func (c fixedClock) Disable() error         { return nil }
func (c fixedClock) Rate() physic.Frequency { return physic.Frequency(c) }

// edmaService returns an interrupt loop calling handle, one of the EDMA3
// channel controller's interrupt handlers, for every interrupt from irq.
func edmaService(irq davinci.IRQ, handle func()) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for {
			if err := irq.Wait(ctx); err != nil {
				return err
			}
			handle()
			if err := irq.Ack(); err != nil {
				return err
			}
		}
	}
}
