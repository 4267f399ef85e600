package platform

import (
	"sync/atomic"
	"time"
)

// Clock is the agent's wall clock. Set synchronises it to server time: when
// setSystem is true the kernel clock is stepped, otherwise (or if that fails)
// an in-process offset is kept.
type Clock struct {
	offset    atomic.Int64 // nanoseconds added to time.Now
	setSystem bool
	now       func() time.Time
	step      func(time.Time) error
}

func NewClock(setSystem bool) *Clock {
	return &Clock{setSystem: setSystem, now: time.Now, step: setSystemTime}
}

func (c *Clock) Now() time.Time {
	return c.now().Add(time.Duration(c.offset.Load()))
}

// Set makes Now report t. A failure to step the system clock falls back to
// the offset and is returned so the caller can log it.
func (c *Clock) Set(t time.Time) error {
	if !c.setSystem {
		c.offset.Store(int64(t.Sub(c.now())))
		return nil
	}
	if err := c.step(t); err != nil {
		c.offset.Store(int64(t.Sub(c.now())))
		return err
	}
	c.offset.Store(0)
	return nil
}

// Offset is the current correction applied to the host clock.
func (c *Clock) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}
