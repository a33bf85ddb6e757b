package board

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Slot reports the state of the card socket from its card-detect and
// write-protect switches. Either pin may be nil.
type Slot struct {
	CD gpio.PinIn
	WP gpio.PinIn
	// CDActiveLow is set when the card-detect switch pulls low on insertion.
	CDActiveLow bool
	// WPActiveHigh is set when the write-protect switch reads high for a
	// protected card.
	WPActiveHigh bool
}

const debounceTimeout = 10 * time.Millisecond

// CardDetect reports whether a card is inserted. Without a card-detect pin
// a card is assumed present.
func (s *Slot) CardDetect() (bool, error) {
	if s.CD == nil {
		return true, nil
	}
	return s.inserted(s.CD.Read()), nil
}

// ReadOnly reports whether the inserted card is write protected.
func (s *Slot) ReadOnly() (bool, error) {
	if s.WP == nil {
		return false, nil
	}
	return (s.WP.Read() == gpio.High) == s.WPActiveHigh, nil
}

func (s *Slot) inserted(l gpio.Level) bool {
	return (l == gpio.Low) == s.CDActiveLow
}

// Watch configures the card-detect pin for edge detection and sends the
// debounced insertion state to ch whenever it changes. The initial state
// is sent first.
func (s *Slot) Watch(ch chan<- bool) error {
	if s.CD == nil {
		return fmt.Errorf("board: no card-detect pin")
	}
	pull := gpio.PullUp
	if !s.CDActiveLow {
		pull = gpio.PullDown
	}
	if err := s.CD.In(pull, gpio.BothEdges); err != nil {
		return fmt.Errorf("board: card detect: %w", err)
	}
	go func() {
		present := s.inserted(s.CD.Read())
		ch <- present
		newPresent := present
		for {
			// Wait forever for an edge, except while a change is
			// settling.
			timeout := debounceTimeout
			if newPresent == present {
				timeout = -1
			}
			if s.CD.WaitForEdge(timeout) {
				newPresent = s.inserted(s.CD.Read())
			} else if newPresent != present {
				present = newPresent
				ch <- present
			}
		}
	}()
	return nil
}
