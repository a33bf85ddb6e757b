//go:build linux

package uio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Device is an open UIO device node.
type Device struct {
	fd    int
	count uint32
}

// Open opens the UIO device node at path, such as /dev/uio0, and enables
// its interrupt.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("uio: %s: %w", path, err)
	}
	d := newDevice(fd)
	if err := d.Ack(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return d, nil
}

func newDevice(fd int) *Device {
	return &Device{fd: fd}
}

// Wait blocks until the interrupt fires or ctx is done.
func (d *Device) Wait(ctx context.Context) error {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, int(pollInterval.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("uio: poll: %w", err)
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
			return fmt.Errorf("uio: %w", os.ErrClosed)
		}
		var buf [4]byte
		if _, err := unix.Read(d.fd, buf[:]); err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return fmt.Errorf("uio: read: %w", err)
		}
		d.count = binary.NativeEndian.Uint32(buf[:])
		return nil
	}
}

// Count returns the interrupt count reported by the last Wait.
func (d *Device) Count() uint32 {
	return d.count
}

// Ack re-enables the interrupt.
func (d *Device) Ack() error {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], 1)
	if _, err := unix.Write(d.fd, buf[:]); err != nil {
		return fmt.Errorf("uio: unmask: %w", err)
	}
	return nil
}

// Map maps the device memory region with the given index.
func (d *Device) Map(index, size int) ([]byte, error) {
	b, err := unix.Mmap(d.fd, int64(index*os.Getpagesize()), size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("uio: map %d: %w", index, err)
	}
	return b, nil
}

func (d *Device) Close() error {
	return unix.Close(d.fd)
}
