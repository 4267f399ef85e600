//go:build linux

package platform

import (
	"time"

	"golang.org/x/sys/unix"
)

func syncDisks() { unix.Sync() }

func rebootSystem() error {
	return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
}

func setSystemTime(t time.Time) error {
	tv := unix.NsecToTimeval(t.UnixNano())
	return unix.Settimeofday(&tv)
}
