// Package watchdog implements the supervisors that reset the device when the
// agent loop stops acknowledging them.
//
// A Supervisor starts engaged. Feed must be called at least once per loop
// iteration. Disengage suspends supervision for a bounded blocking section
// (the OTA transfer) and Engage restores it; callers must pair them.
package watchdog

import (
	"errors"
	"sync"
	"time"
)

// Supervisor is a reset timer that must be acknowledged periodically.
type Supervisor interface {
	Feed() error
	Disengage() error
	Engage() error
}

// Nop is a Supervisor that does nothing. Used when no watchdog is configured.
type Nop struct{}

func (Nop) Feed() error      { return nil }
func (Nop) Disengage() error { return nil }
func (Nop) Engage() error    { return nil }

// Multi fans every call out to several supervisors, e.g. the hardware device
// and the systemd service watchdog. All members are called even when one
// fails; the errors are joined.
type Multi []Supervisor

func (m Multi) Feed() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Feed())
	}
	return errors.Join(errs...)
}

func (m Multi) Disengage() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Disengage())
	}
	return errors.Join(errs...)
}

func (m Multi) Engage() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Engage())
	}
	return errors.Join(errs...)
}

// Soft is an in-process watchdog for hosts without a hardware timer. When it
// is engaged and not fed within Timeout, Expire runs once on its own
// goroutine.
type Soft struct {
	mu      sync.Mutex
	timeout time.Duration
	expire  func()
	timer   *time.Timer
	engaged bool
	expired bool
}

// NewSoft returns an engaged soft watchdog.
func NewSoft(timeout time.Duration, expire func()) *Soft {
	s := &Soft{timeout: timeout, expire: expire}
	s.mu.Lock()
	s.arm()
	s.mu.Unlock()
	return s
}

// arm must be called with mu held.
func (s *Soft) arm() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.engaged = true
	s.timer = time.AfterFunc(s.timeout, s.fire)
}

func (s *Soft) fire() {
	s.mu.Lock()
	if !s.engaged || s.expired {
		s.mu.Unlock()
		return
	}
	s.expired = true
	fn := s.expire
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Soft) Feed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.engaged {
		return nil
	}
	s.timer.Reset(s.timeout)
	return nil
}

func (s *Soft) Disengage() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engaged = false
	if s.timer != nil {
		s.timer.Stop()
	}
	return nil
}

func (s *Soft) Engage() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arm()
	return nil
}

// Engaged reports whether the watchdog is currently supervising.
func (s *Soft) Engaged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engaged
}

// Stop disarms the timer permanently, for clean shutdown.
func (s *Soft) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engaged = false
	if s.timer != nil {
		s.timer.Stop()
	}
}
