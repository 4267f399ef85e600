//go:build !linux

package watchdog

import (
	"errors"
	"time"
)

// Device is only available on Linux.
type Device struct{}

var ErrTimeoutRejected = errors.New("watchdog timeout rejected")

func OpenDevice(path string, timeout time.Duration) (*Device, error) {
	return nil, errors.New("watchdog device not supported on this platform")
}

func (d *Device) Feed() error      { return nil }
func (d *Device) Disengage() error { return nil }
func (d *Device) Engage() error    { return nil }
func (d *Device) Close() error     { return nil }
