//go:build !linux

package uio

import "context"

type Device struct{}

func Open(path string) (*Device, error) {
	return nil, ErrNotSupported
}

func (d *Device) Wait(ctx context.Context) error { return ErrNotSupported }
func (d *Device) Count() uint32                  { return 0 }
func (d *Device) Ack() error                     { return ErrNotSupported }
func (d *Device) Close() error                   { return nil }

func (d *Device) Map(index, size int) ([]byte, error) {
	return nil, ErrNotSupported
}
