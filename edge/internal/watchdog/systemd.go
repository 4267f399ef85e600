package watchdog

import (
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Systemd pets the service manager watchdog (WatchdogSec= in the unit).
// systemd has no way to pause the watchdog, so Disengage stretches
// WATCHDOG_USEC to the suspend budget and Engage restores the original value.
type Systemd struct {
	mu       sync.Mutex
	interval time.Duration
	suspend  time.Duration
	notify   func(state string) (bool, error)
}

// NewSystemd returns a Systemd supervisor if the unit has a watchdog
// configured, and ok=false otherwise. suspend bounds how long a Disengage may
// last before systemd kills the service anyway.
func NewSystemd(suspend time.Duration) (s *Systemd, ok bool, err error) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return nil, false, fmt.Errorf("systemd watchdog: %w", err)
	}
	if interval == 0 {
		return nil, false, nil
	}
	return &Systemd{
		interval: interval,
		suspend:  suspend,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}, true, nil
}

// Interval is the configured WatchdogSec.
func (s *Systemd) Interval() time.Duration { return s.interval }

func (s *Systemd) Feed() error {
	return s.send(daemon.SdNotifyWatchdog)
}

func (s *Systemd) Disengage() error {
	return s.send(fmt.Sprintf("WATCHDOG_USEC=%d", s.suspend.Microseconds()))
}

func (s *Systemd) Engage() error {
	if err := s.send(fmt.Sprintf("WATCHDOG_USEC=%d", s.interval.Microseconds())); err != nil {
		return err
	}
	return s.send(daemon.SdNotifyWatchdog)
}

func (s *Systemd) send(state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.notify(state); err != nil {
		return fmt.Errorf("sd_notify %q: %w", state, err)
	}
	return nil
}

// NotifyReady tells systemd that boot finished. It is a no-op outside systemd.
func NotifyReady() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	return err
}

// NotifyStopping tells systemd the agent is about to exit or reboot.
func NotifyStopping() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	return err
}
