// Package uio delivers device interrupts to user space through the Linux
// userspace I/O framework.
//
// A UIO device node reads as the 32-bit count of interrupts since the
// device was opened, blocking until the next one. Writing 1 re-enables
// the interrupt, which the kernel masks when it fires.
package uio

import (
	"errors"
	"time"
)

// ErrNotSupported is returned on platforms without UIO.
var ErrNotSupported = errors.New("uio: not supported")

// pollInterval bounds how long Wait blocks without checking its context.
const pollInterval = 100 * time.Millisecond
