//go:build !linux

package platform

import (
	"errors"
	"time"
)

func syncDisks() {}

func rebootSystem() error {
	return errors.New("reboot not supported on this platform")
}

func setSystemTime(time.Time) error {
	return errors.New("setting the system clock is not supported on this platform")
}
