//go:build !linux

package main

import (
	"errors"

	"mmchost.dev/driver/davinci"
)

func attachHardware(opts davinci.Options) (*target, error) {
	return nil, errors.New("hardware access is only supported on linux; use -sim or -serial")
}
