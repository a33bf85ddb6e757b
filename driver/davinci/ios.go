package davinci

import (
	"fmt"

	"mmchost.dev/mmc"
	"mmchost.dev/regbus"
)

// SetIOS configures the bus width, clock and power state. It must not be
// called while a request is in flight.
func (h *Host) SetIOS(ios mmc.IOS) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.debugf("%s", ios)

	if ios.Width == mmc.BusWidth4 {
		h.debugf("enabling 4 bit mode")
		regbus.Set(h.bus, regCTL, ctlWidth4Bit)
	} else {
		h.debugf("disabling 4 bit mode")
		regbus.Clear(h.bus, regCTL, ctlWidth4Bit)
	}

	if ios.Mode == mmc.OpenDrain {
		d := Divider(h.rate, initClock)
		h.bus.Store32(regCLK, h.bus.Load32(regCLK)&^clkRTMask|d)
	} else {
		d := Divider(h.rate, ios.Clock)
		h.debugf("clock divider %d, %s", d, DividedRate(h.rate, d))
		regbus.Clear(h.bus, regCLK, clkEnable)
		h.sleep(settle)
		clk := h.bus.Load32(regCLK)&^clkRTMask | d
		h.bus.Store32(regCLK, clk)
		h.bus.Store32(regCLK, clk|clkEnable)
		h.sleep(settle)
	}
	h.busMode = ios.Mode
	h.ios = ios

	if ios.Power == mmc.PowerUp {
		// Send the 80 initialization clocks.
		h.bus.Store32(regARGHL, 0)
		h.bus.Store32(regCMD, cmdInitClock)
		done := h.wait.Until(initTimeout, func() bool {
			return status(h.bus.Load32(regST0))&st0CmdDone != 0
		})
		if !done {
			h.warnf("timeout waiting for initialization clocks")
			return fmt.Errorf("davinci: %w: initialization clocks", mmc.ErrTimeout)
		}
	}
	return nil
}
