// Package platform carries the host-facing side effects of the agent: restart,
// wall clock, device identity and provisioning.
package platform

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Restart modes.
const (
	RestartExit   = "exit"   // exit non-zero and let the service manager restart us
	RestartReboot = "reboot" // reboot the board
)

// Restarter records a restart request from the agent and carries it out once
// the loop has unwound. Request is idempotent; only the first reason sticks.
type Restarter struct {
	mode   string
	logger *slog.Logger

	mu     sync.Mutex
	reason string
	count  int

	flush  func()
	reboot func() error
	exit   func(code int)
}

// NewRestarter returns a Restarter for mode (RestartExit or RestartReboot).
func NewRestarter(mode string, logger *slog.Logger) (*Restarter, error) {
	switch mode {
	case RestartExit, RestartReboot:
	default:
		return nil, fmt.Errorf("unknown restart mode %q", mode)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Restarter{
		mode:   mode,
		logger: logger,
		flush:  syncDisks,
		reboot: rebootSystem,
		exit:   os.Exit,
	}, nil
}

// RequestRestart records reason. It does not terminate anything.
func (r *Restarter) RequestRestart(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	if r.reason == "" {
		r.reason = reason
	}
	r.logger.Warn("restart requested", "reason", reason, "mode", r.mode)
}

// Requested reports whether a restart was requested and why.
func (r *Restarter) Requested() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason, r.count > 0
}

// Execute flushes filesystems and performs the restart. In exit mode it calls
// os.Exit(75) (EX_TEMPFAIL) so Restart=on-failure units come back up.
func (r *Restarter) Execute() error {
	reason, ok := r.Requested()
	if !ok {
		return fmt.Errorf("no restart requested")
	}
	r.flush()
	r.logger.Warn("restarting", "reason", reason, "mode", r.mode)
	if r.mode == RestartReboot {
		err := r.reboot()
		if err == nil {
			return nil
		}
		r.logger.Error("reboot failed, exiting instead", "error", err)
	}
	r.exit(75)
	return nil
}
