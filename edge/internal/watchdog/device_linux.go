//go:build linux

package watchdog

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Device drives a Linux watchdog character device such as /dev/watchdog.
// Disengage performs the magic close ('V'), which stops the timer on drivers
// built without nowayout. Engage reopens the device and re-arms the timeout.
// While engaged, a Feed that finds the device closed retries the open and
// reports the failure, so a lost watchdog never goes quiet.
type Device struct {
	mu      sync.Mutex
	path    string
	timeout time.Duration
	f       *os.File
	engaged bool
}

// ErrTimeoutRejected means the driver refused the requested timeout. The
// device is still open and running on its default timeout.
var ErrTimeoutRejected = errors.New("watchdog timeout rejected")

// OpenDevice opens path and programs timeout. The timer is running when this
// returns a non-nil Device, including alongside ErrTimeoutRejected.
func OpenDevice(path string, timeout time.Duration) (*Device, error) {
	d := &Device{path: path, timeout: timeout, engaged: true}
	if err := d.open(); err != nil {
		if d.f != nil {
			return d, err
		}
		return nil, err
	}
	return d, nil
}

func (d *Device) open() error {
	f, err := os.OpenFile(d.path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open watchdog %s: %w", d.path, err)
	}
	secs := int(d.timeout / time.Second)
	if secs > 0 {
		if err := unix.IoctlSetPointerInt(int(f.Fd()), unix.WDIOC_SETTIMEOUT, secs); err != nil {
			d.f = f
			return fmt.Errorf("%w: %ds: %v", ErrTimeoutRejected, secs, err)
		}
	}
	d.f = f
	return nil
}

func (d *Device) Feed() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		if !d.engaged {
			return nil
		}
		if err := d.open(); err != nil && d.f == nil {
			return err
		}
	}
	if _, err := d.f.Write([]byte{0}); err != nil {
		return fmt.Errorf("feed watchdog: %w", err)
	}
	return nil
}

func (d *Device) Disengage() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.engaged = false
	if d.f == nil {
		return nil
	}
	_, werr := d.f.Write([]byte("V"))
	cerr := d.f.Close()
	d.f = nil
	if werr != nil {
		return fmt.Errorf("magic close: %w", werr)
	}
	return cerr
}

func (d *Device) Engage() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.engaged = true
	if d.f != nil {
		return nil
	}
	return d.open()
}

// Close performs the magic close so a clean shutdown does not reset the board.
func (d *Device) Close() error {
	return d.Disengage()
}
