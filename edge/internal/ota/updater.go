// Package ota checks for, downloads, verifies and installs firmware updates
// into the inactive slot.
//
// Apply is the only agent operation allowed to block for longer than the
// watchdog timeout. It disengages the supervisor for the duration of the
// transfer and always re-engages it before returning, whatever the outcome.
package ota

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alimk/edge-agent/edge/internal/telemetry"
	"github.com/alimk/edge-agent/edge/internal/watchdog"
	"github.com/alimk/edge-agent/pkg/models"
)

var (
	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_ota_outcomes_total",
		Help: "Firmware update attempts by result and failure reason.",
	}, []string{"result", "reason"})
	bytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_ota_bytes_written_total",
		Help: "Image bytes written to the inactive slot.",
	})
	transferSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edge_ota_transfer_seconds",
		Help:    "Wall time of firmware transfers, successful or not.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
)

// Kind is the tag of an Outcome.
type Kind int

const (
	NotNeeded Kind = iota
	Applied
	Failed
)

func (k Kind) String() string {
	switch k {
	case Applied:
		return "applied"
	case Failed:
		return "failed"
	default:
		return "not_needed"
	}
}

// Outcome is the result of Apply. Reason and Err are set only when Kind is
// Failed.
type Outcome struct {
	Kind    Kind
	Version string
	Reason  Reason
	Err     error
}

// Progress is a coarse transfer checkpoint.
type Progress struct {
	Version string
	Written int64
	Total   int64
	Percent int
}

// Config wires an Updater.
type Config struct {
	Flash      Flash
	Supervisor watchdog.Supervisor
	Channel    telemetry.Channel // manifest check and status report
	Client     *http.Client      // image download
	Verifier   HeaderVerifier
	// TransferTimeout bounds the whole download/verify/install.
	TransferTimeout time.Duration
	// Progress, if set, receives a checkpoint every ProgressStep percent.
	// Sends never block; a full channel drops the checkpoint.
	Progress     chan<- Progress
	ProgressStep int
	UserAgent    string
	Logger       *slog.Logger
}

// Updater runs the update lifecycle against one server.
type Updater struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Updater {
	if cfg.Supervisor == nil {
		cfg.Supervisor = watchdog.Nop{}
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Verifier == nil {
		cfg.Verifier = AnyImage{}
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 10 * time.Minute
	}
	if cfg.ProgressStep <= 0 || cfg.ProgressStep > 100 {
		cfg.ProgressStep = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Updater{cfg: cfg, log: cfg.Logger}
}

// Check asks the server whether a newer image exists for this device.
func (u *Updater) Check(ctx context.Context, endpoint, deviceID, version string) (models.UpdateManifest, error) {
	target, err := telemetry.JoinURL(endpoint, "/api/ota/check?"+url.Values{
		"device_id": {deviceID},
		"version":   {version},
	}.Encode())
	if err != nil {
		return models.UpdateManifest{}, err
	}
	resp, err := u.cfg.Channel.Get(ctx, target)
	if err != nil {
		return models.UpdateManifest{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return models.UpdateManifest{}, fmt.Errorf("ota check: status %d", resp.StatusCode)
	}
	if resp.BodyErr != nil {
		return models.UpdateManifest{}, resp.BodyErr
	}
	return telemetry.DecodeManifest(resp.Body)
}

// Report posts the result of an update attempt. It is best effort.
func (u *Updater) Report(ctx context.Context, endpoint string, report models.UpdateStatusReport) error {
	target, err := telemetry.JoinURL(endpoint, "/api/ota/status")
	if err != nil {
		return err
	}
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}
	resp, err := u.cfg.Channel.Post(ctx, target, body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("ota status report: status %d", resp.StatusCode)
	}
	return nil
}

// Apply downloads m into the inactive slot and makes it bootable. It does not
// restart; on Applied the caller must.
func (u *Updater) Apply(ctx context.Context, endpoint string, m models.UpdateManifest) Outcome {
	if !m.UpdateAvailable {
		return Outcome{Kind: NotNeeded}
	}
	start := time.Now()
	out := u.apply(ctx, endpoint, m)
	transferSeconds.Observe(time.Since(start).Seconds())

	switch out.Kind {
	case Failed:
		outcomesTotal.WithLabelValues(out.Kind.String(), string(out.Reason)).Inc()
		u.log.Error("firmware update failed",
			"version", m.Version,
			"reason", string(out.Reason),
			"error", out.Err,
		)
	default:
		outcomesTotal.WithLabelValues(out.Kind.String(), "").Inc()
		u.log.Info("firmware update finished", "version", m.Version, "result", out.Kind.String())
	}
	return out
}

func (u *Updater) apply(ctx context.Context, endpoint string, m models.UpdateManifest) Outcome {
	failed := func(te *TransferError) Outcome {
		return Outcome{Kind: Failed, Version: m.Version, Reason: te.Reason, Err: te}
	}

	sum, err := parseChecksum(m.Checksum)
	if err != nil {
		return failed(fail(ReasonManifest, err))
	}
	target, err := telemetry.JoinURL(endpoint, m.URL)
	if err != nil {
		return failed(fail(ReasonManifest, err))
	}

	// Past this point the watchdog is off; it must come back on every path.
	if err := u.cfg.Supervisor.Disengage(); err != nil {
		u.log.Warn("watchdog disengage failed", "error", err)
	}
	defer func() {
		if err := u.cfg.Supervisor.Engage(); err != nil {
			u.log.Error("watchdog re-engage failed", "error", err)
		}
	}()

	part, err := u.cfg.Flash.NextUpdate()
	if err != nil {
		return failed(fail(ReasonNoPartition, err))
	}

	ctx, cancel := context.WithTimeout(ctx, u.cfg.TransferTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return failed(fail(ReasonManifest, err))
	}
	req.Header.Set("X-Firmware-Version", m.Version)
	if u.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", u.cfg.UserAgent)
	}
	resp, err := u.cfg.Client.Do(req)
	if err != nil {
		return failed(fail(ReasonTransferInterrupted, err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return Outcome{Kind: NotNeeded, Version: m.Version}
	case http.StatusNotFound:
		return failed(fail(ReasonNotFound, nil))
	case http.StatusForbidden:
		return failed(fail(ReasonForbidden, nil))
	default:
		return failed(fail(ReasonWrongHTTPCode, fmt.Errorf("status %d", resp.StatusCode)))
	}

	if sum.empty() {
		if h := resp.Header.Get("x-MD5"); h != "" {
			if sum, err = parseChecksum(h); err != nil {
				return failed(fail(ReasonManifest, fmt.Errorf("x-MD5 header: %w", err)))
			}
		}
	}

	compressed := m.Compression == "zstd"
	size := m.Size
	if !compressed && resp.ContentLength >= 0 {
		switch {
		case size <= 0:
			size = resp.ContentLength
		case size != resp.ContentLength:
			return failed(fail(ReasonSizeMismatch,
				fmt.Errorf("manifest says %d bytes, server sends %d", size, resp.ContentLength)))
		}
	}
	if size <= 0 {
		return failed(fail(ReasonNoSize, nil))
	}

	capacity, err := part.Capacity()
	if err != nil {
		return failed(fail(ReasonNoPartition, err))
	}
	if size > capacity {
		return failed(fail(ReasonInsufficientSpace,
			fmt.Errorf("image %d bytes, slot %s has %d", size, part.Name(), capacity)))
	}

	var body io.Reader = resp.Body
	if compressed {
		dec, err := zstd.NewReader(resp.Body, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(64<<20))
		if err != nil {
			return failed(fail(ReasonTransferInterrupted, err))
		}
		defer dec.Close()
		body = dec
	}

	w, err := part.Begin()
	if err != nil {
		return failed(fail(ReasonFlashWrite, err))
	}
	committed := false
	defer func() {
		if !committed {
			if err := w.Abort(); err != nil {
				u.log.Warn("abort partial image", "error", err)
			}
		}
	}()

	u.log.Info("firmware transfer started",
		"version", m.Version,
		"slot", part.Name(),
		"size", size,
		"compressed", compressed,
		"checksum", sum.String(),
	)

	if te := u.stream(body, w, size, sum, m.Version); te != nil {
		return failed(te)
	}

	if err := w.Commit(); err != nil {
		return failed(fail(ReasonFlashWrite, err))
	}
	committed = true
	if err := part.Validate(); err != nil {
		return failed(fail(ReasonNoPartition, err))
	}
	if err := part.SetBoot(); err != nil {
		return failed(fail(ReasonFlashWrite, err))
	}
	return Outcome{Kind: Applied, Version: m.Version}
}

// stream copies exactly size bytes from r to w, verifying the header first
// and the digest last.
func (u *Updater) stream(r io.Reader, w io.Writer, size int64, sum checksum, version string) *TransferError {
	var h interface {
		io.Writer
		Sum([]byte) []byte
	}
	if !sum.empty() {
		h = sum.newHash()
	}

	headerLen := int64(HeaderSize)
	if size < headerLen {
		headerLen = size
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return fail(ReasonSizeMismatch, err)
		}
		return fail(ReasonTransferInterrupted, err)
	}
	if err := u.cfg.Verifier.Verify(header); err != nil {
		if errors.Is(err, ErrWrongTarget) {
			return fail(ReasonWrongTarget, err)
		}
		return fail(ReasonBadHeader, err)
	}

	var written int64
	nextMark := u.cfg.ProgressStep
	emit := func(n int) {
		written += int64(n)
		bytesWritten.Add(float64(n))
		for pct := int(written * 100 / size); nextMark <= pct && nextMark <= 100; nextMark += u.cfg.ProgressStep {
			u.progress(Progress{Version: version, Written: written, Total: size, Percent: nextMark})
		}
	}

	if _, err := w.Write(header); err != nil {
		return fail(ReasonFlashWrite, err)
	}
	if h != nil {
		h.Write(header)
	}
	emit(len(header))

	buf := make([]byte, 32<<10)
	// One extra byte detects an image longer than declared.
	limited := io.LimitReader(r, size-written+1)
	for {
		n, rerr := limited.Read(buf)
		if n > 0 {
			if written+int64(n) > size {
				return fail(ReasonSizeMismatch, fmt.Errorf("image exceeds declared %d bytes", size))
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return fail(ReasonFlashWrite, err)
			}
			if h != nil {
				h.Write(buf[:n])
			}
			emit(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fail(ReasonTransferInterrupted, rerr)
		}
	}

	if written != size {
		return fail(ReasonSizeMismatch, fmt.Errorf("received %d of %d bytes", written, size))
	}
	if h != nil {
		got := h.Sum(nil)
		if !bytes.Equal(got, sum.want) {
			return fail(ReasonChecksumMismatch,
				fmt.Errorf("got %s:%s, want %s", sum.algo, hex.EncodeToString(got), sum.String()))
		}
	}
	return nil
}

func (u *Updater) progress(p Progress) {
	u.log.Info("firmware transfer progress", "version", p.Version, "percent", p.Percent, "written", p.Written)
	if u.cfg.Progress == nil {
		return
	}
	select {
	case u.cfg.Progress <- p:
	default:
	}
}
