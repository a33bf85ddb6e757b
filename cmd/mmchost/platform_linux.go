//go:build linux

package main

import (
	"fmt"
	"io"
	"log"

	"mmchost.dev/board"
	"mmchost.dev/driver/davinci"
	"mmchost.dev/driver/edma"
	"mmchost.dev/driver/uio"
	"mmchost.dev/mmc"
	"mmchost.dev/regbus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/pmem"
)

func attachHardware(opts davinci.Options) (*target, error) {
	if _, err := host.Init(); err != nil {
		return nil, err
	}
	t := &target{alloc: pmemAllocator{}}
	closeAll := func() {
		for i := len(t.close) - 1; i >= 0; i-- {
			t.close[i].Close()
		}
	}
	regs, err := pmem.Map(uint64(*base), int(board.DM644x.Size))
	if err != nil {
		return nil, fmt.Errorf("map controller: %w", err)
	}
	t.close = append(t.close, regs)
	bus := regbus.Bus(regbus.NewMem(regs.Bytes()))
	if *traceFile != "" {
		t.trace = regbus.NewTrace(bus)
		bus = t.trace
	}
	irq, err := uio.Open(*uioDev)
	if err != nil {
		closeAll()
		return nil, err
	}
	t.irq = irq
	t.close = append(t.close, irq)
	if opts.UseDMA {
		ctrl, err := attachEDMA(t)
		if err != nil {
			closeAll()
			return nil, err
		}
		opts.DMA = ctrl
	}
	slot, err := openSlot()
	if err != nil {
		closeAll()
		return nil, err
	}
	opts.Slot = slot
	opts.Clock = fixedClock(clockRate)
	h, err := davinci.New(bus, opts)
	if err != nil {
		closeAll()
		return nil, err
	}
	t.host = h
	if slot.CD != nil {
		ch := make(chan bool)
		if err := slot.Watch(ch); err != nil {
			log.Printf("mmchost: %v", err)
		} else {
			go func() {
				for present := range ch {
					log.Printf("mmchost: card inserted: %v", present)
				}
			}()
		}
	}
	return t, nil
}

func attachEDMA(t *target) (*edma.Controller, error) {
	regs, err := pmem.Map(uint64(*edmaBase), int(board.DM644x.EDMASize))
	if err != nil {
		return nil, fmt.Errorf("map edma: %w", err)
	}
	t.close = append(t.close, regs)
	ctrl := edma.New(regbus.NewMem(regs.Bytes()), edma.DM644x)
	handlers := []struct {
		dev    string
		handle func()
	}{
		{*edmaUIO, ctrl.HandleError},
		{*edmaCCUIO, ctrl.HandleCompletion},
	}
	for _, h := range handlers {
		if h.dev == "" {
			continue
		}
		irq, err := uio.Open(h.dev)
		if err != nil {
			return nil, err
		}
		t.close = append(t.close, irq)
		t.serve = append(t.serve, edmaService(irq, h.handle))
	}
	return ctrl, nil
}

func openSlot() (*board.Slot, error) {
	slot := &board.Slot{CDActiveLow: true}
	pins := []struct {
		name string
		pin  *gpio.PinIn
	}{
		{*cdPin, &slot.CD},
		{*wpPin, &slot.WP},
	}
	for _, p := range pins {
		if p.name == "" {
			continue
		}
		pin := gpioreg.ByName(p.name)
		if pin == nil {
			return nil, fmt.Errorf("unknown GPIO %q", p.name)
		}
		if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("%s: %w", p.name, err)
		}
		*p.pin = pin
	}
	return slot, nil
}

// pmemAllocator allocates physically contiguous buffers the DMA controller
// can reach.
type pmemAllocator struct{}

func (pmemAllocator) alloc(n int) (mmc.Segment, io.Closer, error) {
	const page = 4096
	m, err := pmem.Alloc((n + page - 1) &^ (page - 1))
	if err != nil {
		return mmc.Segment{}, nil, fmt.Errorf("allocate dma buffer: %w", err)
	}
	return mmc.Segment{Buf: m.Bytes()[:n], Addr: m.PhysAddr()}, m, nil
}
