package davinci

import (
	"periph.io/x/conn/v3/physic"
)

// MaxDivider is the largest value of the CLKRT field.
const MaxDivider = clkRTMask

const (
	// initClock is the open-drain identification frequency.
	initClock = 200 * physic.KiloHertz
	// highSpeedClock is the rate above which command CRC errors are
	// not reported.
	highSpeedClock = 25 * physic.MegaHertz
)

// Divider returns the CLKRT value for which the memory clock, ref/(2(d+1)),
// is the highest rate not exceeding req. Requests outside the divider's
// range are clamped to 0 or MaxDivider.
func Divider(ref, req physic.Frequency) uint32 {
	if req <= 0 {
		return MaxDivider
	}
	r, q := uint64(ref), uint64(req)
	if r <= 2*q {
		return 0
	}
	// Smallest n = d+1 with r/(2n) <= q.
	n := (r + 2*q - 1) / (2 * q)
	if n-1 > MaxDivider {
		return MaxDivider
	}
	return uint32(n - 1)
}

// DividedRate returns the memory clock rate for the divider d.
func DividedRate(ref physic.Frequency, d uint32) physic.Frequency {
	return ref / physic.Frequency(2*(uint64(d)+1))
}
