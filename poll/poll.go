// Package poll waits for hardware conditions with a bounded deadline.
package poll

import (
	"time"

	"github.com/jpillora/backoff"
)

// Clock is the time source of a poll. The zero value uses the system
// clock.
type Clock struct {
	Now   func() time.Time
	Sleep func(time.Duration)
}

func (c Clock) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Clock) sleep(d time.Duration) {
	if c.Sleep != nil {
		c.Sleep(d)
		return
	}
	time.Sleep(d)
}

const (
	minInterval = time.Microsecond
	maxInterval = time.Millisecond
)

// Until evaluates cond until it holds or timeout has passed, and reports
// whether it held. Cond is evaluated at least once.
func (c Clock) Until(timeout time.Duration, cond func() bool) bool {
	b := &backoff.Backoff{
		Min:    minInterval,
		Max:    maxInterval,
		Factor: 2,
	}
	deadline := c.now().Add(timeout)
	for {
		if cond() {
			return true
		}
		now := c.now()
		if !now.Before(deadline) {
			return false
		}
		d := b.Duration()
		if rem := deadline.Sub(now); d > rem {
			d = rem
		}
		c.sleep(d)
	}
}

// Until is Clock.Until on the system clock.
func Until(timeout time.Duration, cond func() bool) bool {
	return Clock{}.Until(timeout, cond)
}

// Fake is a manually advanced clock for tests. Sleeping advances it.
type Fake struct {
	T time.Time
}

func (f *Fake) Clock() Clock {
	return Clock{
		Now:   func() time.Time { return f.T },
		Sleep: func(d time.Duration) { f.T = f.T.Add(d) },
	}
}
