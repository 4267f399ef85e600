// Package trigger detects the operator long-press without blocking the agent
// loop: the press start is recorded once and compared on every tick.
package trigger

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultHold is how long the button must be held to enter the config portal.
const DefaultHold = 10 * time.Second

// Input reports the current level of the operator button.
type Input interface {
	Pressed() (bool, error)
}

// LongPress is a timer-based debounce for a held input. It is not safe for
// concurrent use; the agent loop is its only caller.
type LongPress struct {
	hold    time.Duration
	start   time.Time
	holding bool
	fired   bool
}

func NewLongPress(hold time.Duration) *LongPress {
	if hold <= 0 {
		hold = DefaultHold
	}
	return &LongPress{hold: hold}
}

// Update feeds one sample taken at now. It returns true exactly once per
// continuous press, on the first sample at which the press has lasted hold.
// Releasing the input resets the detector.
func (l *LongPress) Update(now time.Time, pressed bool) bool {
	if !pressed {
		l.holding = false
		l.fired = false
		return false
	}
	if !l.holding {
		l.holding = true
		l.start = now
	}
	if l.fired || now.Sub(l.start) < l.hold {
		return false
	}
	l.fired = true
	return true
}

// HeldFor reports how long the current press has lasted, zero when released.
func (l *LongPress) HeldFor(now time.Time) time.Duration {
	if !l.holding {
		return 0
	}
	return now.Sub(l.start)
}

// None is an Input that is never pressed.
type None struct{}

func (None) Pressed() (bool, error) { return false, nil }

// SysfsGPIO reads a GPIO value file exported through sysfs, e.g.
// /sys/class/gpio/gpio0/value. Boot buttons are usually wired active-low.
type SysfsGPIO struct {
	path      string
	activeLow bool
}

// NewSysfsGPIO builds an input for an exported line number under root
// (normally /sys/class/gpio).
func NewSysfsGPIO(root string, line int, activeLow bool) *SysfsGPIO {
	return &SysfsGPIO{
		path:      filepath.Join(root, fmt.Sprintf("gpio%d", line), "value"),
		activeLow: activeLow,
	}
}

func (g *SysfsGPIO) Pressed() (bool, error) {
	b, err := os.ReadFile(g.path)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", g.path, err)
	}
	high := bytes.Equal(bytes.TrimSpace(b), []byte("1"))
	return high != g.activeLow, nil
}
