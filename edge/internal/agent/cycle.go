package agent

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/alimk/edge-agent/edge/internal/sensor"
	"github.com/alimk/edge-agent/edge/internal/telemetry"
	"github.com/alimk/edge-agent/pkg/models"
)

// MaxReadingInterval bounds a server-assigned interval.
const MaxReadingInterval = 30 * 24 * time.Hour

// Result classifies one telemetry exchange.
type Result int

const (
	Success Result = iota
	TransportFailure
	Rejected
	RateLimited
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case TransportFailure:
		return "transport_failure"
	case Rejected:
		return "rejected"
	case RateLimited:
		return "rate_limited"
	}
	return "unknown"
}

// CycleOutcome is the result of one telemetry cycle. StatusCode is zero on
// transport failure.
type CycleOutcome struct {
	Result     Result
	StatusCode int
	Err        error
	Heartbeat  bool
}

// RunCycle samples, transmits once, applies the response and updates the
// failure counter. If the counter reaches the ceiling a restart is requested
// before anything else happens.
func (a *Agent) RunCycle(ctx context.Context) CycleOutcome {
	start := a.opts.Now()
	a.lastCycle = start
	a.cycled = true
	defer func() {
		if a.state != Restarting {
			a.enter(Idle)
		}
	}()

	a.enter(Sampling)
	readings, heartbeat := a.sample(ctx)

	a.enter(Transmitting)
	cfg := a.cfg.Current()
	out := a.transmit(ctx, cfg, readings)
	out.Heartbeat = heartbeat

	switch out.Result {
	case Success:
		a.failures = 0
	case RateLimited:
		a.failures++
		a.cooldownUntil = a.opts.Now().Add(a.opts.RateLimitCooldown)
	default:
		a.failures++
	}
	consecutiveFailures.Set(float64(a.failures))
	cyclesTotal.WithLabelValues(out.Result.String()).Inc()
	a.logOutcome(out, len(readings))

	if ceiling := a.FailureCeiling(); a.failures >= ceiling {
		a.log.Error("consecutive failure ceiling reached, restarting",
			"failures", a.failures,
			"ceiling", ceiling,
		)
		a.requestRestart(RestartFailureCeiling)
		return out
	}

	a.publish(ctx, models.EventCycle, map[string]string{
		"result":   out.Result.String(),
		"failures": strconv.Itoa(a.failures),
	})
	return out
}

// sample reads the source, substituting the heartbeat when nothing is
// available. Readings are stamped with the synchronised clock.
func (a *Agent) sample(ctx context.Context) ([]models.Reading, bool) {
	sctx, cancel := context.WithTimeout(ctx, a.opts.TelemetryTimeout)
	readings, err := a.opts.Source.Read(sctx)
	cancel()

	now := a.opts.Clock.Now()
	var valid []models.Reading
	if err == nil {
		sensor.Stamp(readings, now)
		for _, r := range readings {
			if verr := r.Validate(); verr != nil {
				a.log.Warn("dropping invalid reading", "sensor", r.Sensor, "error", verr)
				continue
			}
			valid = append(valid, r)
		}
	}
	if len(valid) > models.MaxReadingsPerRequest {
		valid = valid[:models.MaxReadingsPerRequest]
	}
	if len(valid) == 0 {
		a.log.Warn("no measurement available, sending heartbeat", "error", err)
		heartbeatSubstitutions.Inc()
		return []models.Reading{models.HeartbeatReading(now.Unix())}, true
	}
	return valid, false
}

func (a *Agent) transmit(ctx context.Context, cfg Config, readings []models.Reading) CycleOutcome {
	body, err := telemetry.EncodeReadings(models.ReadingsRequest{
		DeviceID:        cfg.DeviceID,
		APIKey:          cfg.APIKey,
		FirmwareVersion: a.opts.Version,
		Readings:        readings,
	})
	if err != nil {
		return CycleOutcome{Result: TransportFailure, Err: err}
	}
	target, err := telemetry.JoinURL(cfg.ServerURL, "/api/readings")
	if err != nil {
		return CycleOutcome{Result: TransportFailure, Err: err}
	}

	tctx, cancel := context.WithTimeout(ctx, a.opts.TelemetryTimeout)
	resp, err := a.opts.Channel.Post(tctx, target, body)
	cancel()
	if err != nil {
		return CycleOutcome{Result: TransportFailure, Err: err}
	}

	out := CycleOutcome{StatusCode: resp.StatusCode}
	switch resp.StatusCode {
	case http.StatusOK:
		out.Result = Success
		if resp.BodyErr != nil {
			a.log.Warn("incomplete server response, skipping side effects", "error", resp.BodyErr)
			break
		}
		a.enter(ApplyingServerUpdate)
		a.applyResponse(ctx, resp.Body)
	case http.StatusTooManyRequests:
		out.Result = RateLimited
	default:
		// 401 included: the stored key is kept so a transient server problem
		// cannot start a re-registration loop.
		out.Result = Rejected
	}
	return out
}

// applyResponse acts on an accepted response: first registration, clock
// sync and interval change. A body that does not parse is logged and
// otherwise ignored.
func (a *Agent) applyResponse(ctx context.Context, body []byte) {
	resp, err := telemetry.DecodeReadingsResponse(body)
	if err != nil {
		a.log.Warn("malformed server response, skipping side effects", "error", err)
		return
	}

	if resp.ServerTime != nil && *resp.ServerTime > 0 {
		if err := a.opts.Clock.Set(time.Unix(*resp.ServerTime, 0)); err != nil {
			a.log.Warn("clock sync fell back to offset", "error", err)
		}
	}

	cur := a.cfg.Current()
	var u ConfigUpdate
	if resp.APIKey != "" && cur.APIKey == "" {
		u.APIKey = &resp.APIKey
	}
	if resp.ReadingInterval != nil {
		secs := *resp.ReadingInterval
		switch {
		case secs <= 0:
			a.log.Warn("ignoring non-positive reading interval", "reading_interval", secs)
		case int64(secs) > int64(MaxReadingInterval/time.Second):
			a.log.Warn("ignoring oversized reading interval", "reading_interval", secs, "max", MaxReadingInterval.String())
		default:
			// Compared in milliseconds, the unit the store keeps.
			next := time.Duration(secs) * 1000 * time.Millisecond
			if next != cur.ReadingInterval {
				u.ReadingInterval = &next
			}
		}
	}

	changed, err := a.cfg.Apply(ctx, u)
	if err != nil {
		a.log.Error("persisting configuration failed, will retry", "error", err)
	}
	if !changed {
		return
	}
	attrs := map[string]string{}
	if u.APIKey != nil {
		a.log.Info("device registered, api key stored")
		attrs["api_key"] = "assigned"
	}
	if u.ReadingInterval != nil {
		a.log.Info("reading interval changed", "reading_interval", u.ReadingInterval.String())
		attrs["reading_interval"] = u.ReadingInterval.String()
	}
	a.publish(ctx, models.EventConfigChanged, attrs)
}

func (a *Agent) logOutcome(out CycleOutcome, n int) {
	attrs := []any{
		"result", out.Result.String(),
		"status", out.StatusCode,
		"readings", n,
		"heartbeat", out.Heartbeat,
		"failures", a.failures,
	}
	switch out.Result {
	case Success:
		a.log.Info("telemetry accepted", attrs...)
	case RateLimited:
		a.log.Warn("telemetry rate limited, cooling down",
			append(attrs, "cooldown", a.opts.RateLimitCooldown.String())...)
	case TransportFailure:
		a.log.Warn("telemetry transport failure", append(attrs, "error", out.Err)...)
	default:
		a.log.Warn("telemetry rejected", attrs...)
	}
}
