// Package agent is the device control loop: boot and provisioning, the
// telemetry cycle, remote reconfiguration, firmware update checks and the
// operator long-press, all driven from one cooperative loop that feeds the
// watchdog on every iteration.
//
// Each Step performs at most one unit of work and every network call in it
// carries a timeout, so an iteration always finishes well inside the watchdog
// timeout. The firmware transfer is the one exception and is bracketed by the
// updater itself.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alimk/edge-agent/edge/internal/events"
	"github.com/alimk/edge-agent/edge/internal/ota"
	"github.com/alimk/edge-agent/edge/internal/platform"
	"github.com/alimk/edge-agent/edge/internal/sensor"
	"github.com/alimk/edge-agent/edge/internal/telemetry"
	"github.com/alimk/edge-agent/edge/internal/trigger"
	"github.com/alimk/edge-agent/edge/internal/watchdog"
	"github.com/alimk/edge-agent/pkg/models"
)

// ErrRestartRequested is returned by Step and Run once the agent has asked
// for a restart. The loop must not be stepped again.
var ErrRestartRequested = errors.New("agent: restart requested")

// Restart reasons.
const (
	RestartFailureCeiling  = "consecutive failure ceiling"
	RestartFirmwareApplied = "firmware update applied"
	RestartConfigPortal    = "config portal"
	RestartNoNetwork       = "network unavailable"
	RestartNotProvisioned  = "provisioning timeout"
)

// State is where the loop currently is.
type State int

const (
	Booting State = iota
	AwaitingProvisioning
	AwaitingNetwork
	Idle
	Sampling
	Transmitting
	ApplyingServerUpdate
	CheckingFirmware
	Updating
	ConfigPortal
	Restarting
)

var stateNames = [...]string{
	"booting", "awaiting_provisioning", "awaiting_network", "idle", "sampling",
	"transmitting", "applying_server_update", "checking_firmware", "updating",
	"config_portal", "restarting",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Restarter records a restart request. *platform.Restarter implements it.
type Restarter interface {
	RequestRestart(reason string)
}

// Clock is the synchronised wall clock used for reading timestamps.
type Clock interface {
	Now() time.Time
	Set(time.Time) error
}

// Updater checks for and installs firmware. *ota.Updater implements it.
type Updater interface {
	Check(ctx context.Context, endpoint, deviceID, version string) (models.UpdateManifest, error)
	Apply(ctx context.Context, endpoint string, m models.UpdateManifest) ota.Outcome
	Report(ctx context.Context, endpoint string, r models.UpdateStatusReport) error
}

// Provisioner supplies the server endpoint to an unprovisioned device and
// discards saved network credentials on request.
type Provisioner interface {
	Poll(ctx context.Context) (platform.Provisioning, bool, error)
	Reset(ctx context.Context) error
}

// Options wires an Agent. Config, Source, Channel, Updater and Restarter are
// required; everything else has a default.
type Options struct {
	Config      *ConfigManager
	Source      sensor.Source
	Channel     telemetry.Channel
	Updater     Updater
	Restarter   Restarter
	Supervisor  watchdog.Supervisor
	Clock       Clock
	Probe       telemetry.Probe
	Button      trigger.Input
	Provisioner Provisioner
	Events      events.Publisher
	Identity    func() string // device id for a device that has none
	Logger      *slog.Logger
	Version     string

	// Now drives scheduling. It must be monotonic; defaults to time.Now.
	Now func() time.Time

	TelemetryTimeout  time.Duration // bound on each telemetry exchange
	RateLimitCooldown time.Duration
	FailureWindow     time.Duration // failure ceiling = FailureWindow / interval
	OTAInterval       time.Duration
	OTACheckOnBoot    bool
	Yield             time.Duration // sleep between loop iterations
	LongPress         time.Duration
	NetworkWait       time.Duration
	ProvisionWait     time.Duration
	EventTimeout      time.Duration
}

func (o *Options) setDefaults() error {
	switch {
	case o.Config == nil:
		return errors.New("agent: Config is required")
	case o.Source == nil:
		return errors.New("agent: Source is required")
	case o.Channel == nil:
		return errors.New("agent: Channel is required")
	case o.Updater == nil:
		return errors.New("agent: Updater is required")
	case o.Restarter == nil:
		return errors.New("agent: Restarter is required")
	}
	if o.Supervisor == nil {
		o.Supervisor = watchdog.Nop{}
	}
	if o.Clock == nil {
		o.Clock = platform.NewClock(false)
	}
	if o.Probe == nil {
		o.Probe = telemetry.DialProbe{Timeout: 3 * time.Second}
	}
	if o.Button == nil {
		o.Button = trigger.None{}
	}
	if o.Events == nil {
		o.Events = events.Nop{}
	}
	if o.Identity == nil {
		o.Identity = platform.DeviceID
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Version == "" {
		o.Version = "dev"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	setDur := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}
	setDur(&o.TelemetryTimeout, 10*time.Second)
	setDur(&o.RateLimitCooldown, 60*time.Second)
	setDur(&o.FailureWindow, 24*time.Hour)
	setDur(&o.OTAInterval, 6*time.Hour)
	setDur(&o.Yield, 100*time.Millisecond)
	setDur(&o.LongPress, trigger.DefaultHold)
	setDur(&o.NetworkWait, 5*time.Minute)
	setDur(&o.ProvisionWait, 5*time.Minute)
	setDur(&o.EventTimeout, 2*time.Second)
	return nil
}

// Agent is the device state machine. It is not safe for concurrent use.
type Agent struct {
	opts   Options
	cfg    *ConfigManager
	log    *slog.Logger
	button *trigger.LongPress

	state         State
	waitingSince  time.Time
	failures      int
	lastCycle     time.Time
	cycled        bool
	cooldownUntil time.Time
	lastOTA       time.Time
	restart       string
}

func New(opts Options) (*Agent, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}
	return &Agent{
		opts:   opts,
		cfg:    opts.Config,
		log:    opts.Logger,
		button: trigger.NewLongPress(opts.LongPress),
		state:  Booting,
	}, nil
}

// State returns the current state.
func (a *Agent) State() State { return a.state }

// Failures returns the consecutive failure counter.
func (a *Agent) Failures() int { return a.failures }

// Config returns a copy of the current configuration.
func (a *Agent) Config() Config { return a.cfg.Current() }

// CooldownUntil is the earliest time the next telemetry attempt may start.
func (a *Agent) CooldownUntil() time.Time { return a.cooldownUntil }

// FailureCeiling is the number of consecutive failed cycles that covers the
// failure window at the current interval. It is never below one.
func (a *Agent) FailureCeiling() int {
	return failureCeiling(a.opts.FailureWindow, a.cfg.Current().ReadingInterval)
}

func failureCeiling(window, interval time.Duration) int {
	if interval <= 0 {
		return 1
	}
	n := int(window / interval)
	if n < 1 {
		return 1
	}
	return n
}

// Boot moves the agent out of Booting. It assigns a device id when none is
// configured and decides between provisioning and network wait.
func (a *Agent) Boot(ctx context.Context) {
	a.feed()
	cfg := a.cfg.Current()
	if cfg.DeviceID == "" {
		id := a.opts.Identity()
		if _, err := a.cfg.Apply(ctx, ConfigUpdate{DeviceID: &id}); err != nil {
			a.log.Error("persist device id failed", "error", err)
		}
		a.log.Info("assigned device id", "device_id", id)
	}

	cfg = a.cfg.Current()
	a.log.Info("agent booting",
		"version", a.opts.Version,
		"device_id", cfg.DeviceID,
		"server_url", cfg.ServerURL,
		"api_key", keyState(cfg.APIKey),
		"reading_interval", cfg.ReadingInterval.String(),
		"failure_ceiling", a.FailureCeiling(),
	)

	if cfg.ServerURL == "" {
		a.enter(AwaitingProvisioning)
		return
	}
	a.enter(AwaitingNetwork)
}

func (a *Agent) enter(s State) {
	if s == AwaitingProvisioning || s == AwaitingNetwork {
		a.waitingSince = a.opts.Now()
	}
	if s != a.state {
		a.log.Debug("state change", "from", a.state.String(), "to", s.String())
	}
	a.state = s
}

// Step runs one loop iteration: feed the watchdog, check the operator
// button, then do at most one unit of work for the current state.
func (a *Agent) Step(ctx context.Context) error {
	if a.restart != "" {
		return ErrRestartRequested
	}
	if a.state == Booting {
		a.Boot(ctx)
	}
	a.feed()

	if a.cfg.Dirty() {
		if err := a.cfg.Flush(ctx); err != nil {
			a.log.Warn("retrying configuration persist failed", "error", err)
		}
	}

	if a.checkButton(ctx) {
		return ErrRestartRequested
	}

	switch a.state {
	case AwaitingProvisioning:
		a.awaitProvisioning(ctx)
	case AwaitingNetwork:
		a.awaitNetwork(ctx)
	case Idle:
		now := a.opts.Now()
		switch {
		case a.cycleDue(now):
			a.RunCycle(ctx)
		case a.otaDue(now):
			a.CheckFirmware(ctx)
		}
	}

	if a.restart != "" {
		return ErrRestartRequested
	}
	return nil
}

// Run boots the agent and steps it until a restart is requested or ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if err := a.Step(ctx); err != nil {
			return err
		}
		timer.Reset(a.opts.Yield)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (a *Agent) feed() {
	if err := a.opts.Supervisor.Feed(); err != nil {
		a.log.Warn("watchdog feed failed", "error", err)
		return
	}
	watchdogFeeds.Inc()
}

func (a *Agent) requestRestart(reason string) {
	if a.restart != "" {
		return
	}
	a.restart = reason
	a.enter(Restarting)
	restartsRequested.WithLabelValues(reason).Inc()
	a.opts.Restarter.RequestRestart(reason)
}

// checkButton samples the operator input and enters the config portal on a
// completed long press.
func (a *Agent) checkButton(ctx context.Context) bool {
	pressed, err := a.opts.Button.Pressed()
	if err != nil {
		a.log.Debug("button read failed", "error", err)
		pressed = false
	}
	if !a.button.Update(a.opts.Now(), pressed) {
		return false
	}

	a.enter(ConfigPortal)
	a.log.Warn("long press detected, discarding network credentials", "held", a.opts.LongPress.String())
	if a.opts.Provisioner != nil {
		if err := a.opts.Provisioner.Reset(ctx); err != nil {
			a.log.Error("reset provisioning failed", "error", err)
		}
	}
	a.publish(ctx, models.EventRestart, map[string]string{"reason": RestartConfigPortal})
	a.requestRestart(RestartConfigPortal)
	return true
}

func (a *Agent) awaitProvisioning(ctx context.Context) {
	if a.opts.Provisioner != nil {
		p, ok, err := a.opts.Provisioner.Poll(ctx)
		if err != nil {
			a.log.Warn("provisioning poll failed", "error", err)
		}
		if ok {
			u := ConfigUpdate{ServerURL: &p.ServerURL}
			if p.DeviceID != "" {
				u.DeviceID = &p.DeviceID
			}
			if p.APIKey != "" {
				u.APIKey = &p.APIKey
			}
			if _, err := a.cfg.Apply(ctx, u); err != nil {
				a.log.Error("persist provisioning failed", "error", err)
			}
			a.log.Info("device provisioned", "server_url", p.ServerURL, "device_id", a.cfg.Current().DeviceID)
			a.enter(AwaitingNetwork)
			return
		}
	}
	if a.opts.Now().Sub(a.waitingSince) >= a.opts.ProvisionWait {
		a.log.Error("not provisioned in time", "waited", a.opts.ProvisionWait.String())
		a.requestRestart(RestartNotProvisioned)
	}
}

func (a *Agent) awaitNetwork(ctx context.Context) {
	cfg := a.cfg.Current()
	pctx, cancel := context.WithTimeout(ctx, a.opts.TelemetryTimeout)
	err := a.opts.Probe.Reachable(pctx, cfg.ServerURL)
	cancel()
	if err != nil {
		if a.opts.Now().Sub(a.waitingSince) >= a.opts.NetworkWait {
			a.log.Error("server unreachable, giving up", "server_url", cfg.ServerURL, "error", err)
			a.requestRestart(RestartNoNetwork)
			return
		}
		a.log.Debug("waiting for network", "error", err)
		return
	}

	a.log.Info("network up", "server_url", cfg.ServerURL)
	a.enter(Idle)
	// The first OTA check is one interval after boot unless asked otherwise.
	if !a.opts.OTACheckOnBoot {
		a.lastOTA = a.opts.Now()
	}
	a.publish(ctx, models.EventBoot, map[string]string{"version": a.opts.Version})
	a.reportPendingUpdate(ctx)
}

// reportPendingUpdate tells the server how the last update went, judged by
// which version actually booted.
func (a *Agent) reportPendingUpdate(ctx context.Context) {
	pending, err := a.cfg.PendingUpdate(ctx)
	if err != nil {
		a.log.Warn("read pending update failed", "error", err)
		return
	}
	if pending == "" {
		return
	}
	report := models.UpdateStatusReport{
		DeviceID: a.cfg.Current().DeviceID,
		Version:  pending,
		Status:   models.UpdateStatusSuccess,
	}
	if pending != a.opts.Version {
		report.Status = models.UpdateStatusFailed
		report.ErrorMessage = "booted previous firmware " + a.opts.Version
	}
	rctx, cancel := context.WithTimeout(ctx, a.opts.TelemetryTimeout)
	defer cancel()
	if err := a.opts.Updater.Report(rctx, a.cfg.Current().ServerURL, report); err != nil {
		a.log.Warn("update status report failed", "version", pending, "error", err)
		return
	}
	a.log.Info("update status reported", "version", pending, "status", report.Status)
	if err := a.cfg.ClearPendingUpdate(ctx); err != nil {
		a.log.Warn("clear pending update failed", "error", err)
	}
}

func (a *Agent) cycleDue(now time.Time) bool {
	if now.Before(a.cooldownUntil) {
		return false
	}
	return !a.cycled || now.Sub(a.lastCycle) >= a.cfg.Current().ReadingInterval
}

func (a *Agent) otaDue(now time.Time) bool {
	return a.lastOTA.IsZero() || now.Sub(a.lastOTA) >= a.opts.OTAInterval
}

// CheckFirmware runs one OTA check and, if an update is offered, applies it.
// A successful update always ends in a restart request.
func (a *Agent) CheckFirmware(ctx context.Context) ota.Outcome {
	a.lastOTA = a.opts.Now()
	a.enter(CheckingFirmware)
	defer func() {
		if a.state != Restarting {
			a.enter(Idle)
		}
	}()

	cfg := a.cfg.Current()
	cctx, cancel := context.WithTimeout(ctx, a.opts.TelemetryTimeout)
	m, err := a.opts.Updater.Check(cctx, cfg.ServerURL, cfg.DeviceID, a.opts.Version)
	cancel()
	if err != nil {
		a.log.Warn("firmware check failed", "reason", string(ota.ReasonManifest), "error", err)
		return ota.Outcome{Kind: ota.Failed, Reason: ota.ReasonManifest, Err: err}
	}
	if !m.UpdateAvailable || m.Version == a.opts.Version {
		a.log.Debug("firmware up to date", "version", a.opts.Version)
		return ota.Outcome{Kind: ota.NotNeeded}
	}

	a.log.Info("firmware update available", "current", a.opts.Version, "version", m.Version, "size", m.Size)
	a.enter(Updating)
	out := a.opts.Updater.Apply(ctx, cfg.ServerURL, m)

	switch out.Kind {
	case ota.Applied:
		if err := a.cfg.SetPendingUpdate(ctx, out.Version); err != nil {
			a.log.Warn("record pending update failed", "error", err)
		}
		a.publish(ctx, models.EventUpdate, map[string]string{"result": "applied", "version": out.Version})
		a.requestRestart(RestartFirmwareApplied)
	case ota.Failed:
		a.log.Error("firmware update aborted, staying on current firmware",
			"version", m.Version,
			"reason", string(out.Reason),
		)
		rctx, cancel := context.WithTimeout(ctx, a.opts.TelemetryTimeout)
		err := a.opts.Updater.Report(rctx, cfg.ServerURL, models.UpdateStatusReport{
			DeviceID:     cfg.DeviceID,
			Version:      m.Version,
			Status:       models.UpdateStatusFailed,
			ErrorMessage: string(out.Reason),
		})
		cancel()
		if err != nil {
			a.log.Warn("update status report failed", "error", err)
		}
		a.publish(ctx, models.EventUpdate, map[string]string{"result": "failed", "version": m.Version, "reason": string(out.Reason)})
	case ota.NotNeeded:
		a.log.Info("server reports no update needed", "version", m.Version)
	}
	return out
}

func (a *Agent) publish(ctx context.Context, typ string, attrs map[string]string) {
	ev := events.New(a.cfg.Current().DeviceID, typ, a.opts.Clock.Now(), attrs)
	pctx, cancel := context.WithTimeout(ctx, a.opts.EventTimeout)
	defer cancel()
	if err := a.opts.Events.Publish(pctx, ev); err != nil {
		a.log.Debug("event publish failed", "type", typ, "error", err)
	}
}

func keyState(key string) string {
	if key == "" {
		return "unset"
	}
	return "configured"
}
