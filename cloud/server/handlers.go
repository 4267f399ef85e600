package main

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/alimk/edge-agent/pkg/models"
)

const (
	maxBodyBytes     = 1 << 20
	maxReadingsLimit = 1000
)

// serverConfig holds the knobs the handlers need.
type serverConfig struct {
	autoApprove bool
	adminToken  string
	rateEvery   time.Duration // one submission per rateEvery per device
	rateBurst   int
	maxFirmware int64
	bcryptCost  int // 0 means bcrypt.DefaultCost
}

// deviceLimiter hands out one token bucket per device.
type deviceLimiter struct {
	mu      sync.Mutex
	every   time.Duration
	burst   int
	buckets map[string]*rate.Limiter
}

func newDeviceLimiter(every time.Duration, burst int) *deviceLimiter {
	if burst < 1 {
		burst = 1
	}
	return &deviceLimiter{every: every, burst: burst, buckets: map[string]*rate.Limiter{}}
}

// allow is always true when the limiter is disabled (every <= 0).
func (l *deviceLimiter) allow(deviceID string) bool {
	if l == nil || l.every <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.buckets[deviceID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.every), l.burst)
		l.buckets[deviceID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

type api struct {
	cfg     serverConfig
	st      *store
	limiter *deviceLimiter
	bus     publisher
}

func newAPI(cfg serverConfig, st *store, bus publisher) *api {
	if cfg.bcryptCost == 0 {
		cfg.bcryptCost = bcrypt.DefaultCost
	}
	if bus == nil {
		bus = nopPublisher{}
	}
	return &api{
		cfg:     cfg,
		st:      st,
		limiter: newDeviceLimiter(cfg.rateEvery, cfg.rateBurst),
		bus:     bus,
	}
}

// routes registers every endpoint on mux.
func (a *api) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", a.healthz)
	mux.HandleFunc("POST /api/readings", a.postReadings)
	mux.HandleFunc("GET /api/readings", a.getReadings)
	mux.HandleFunc("GET /api/ota/check", a.otaCheck)
	mux.HandleFunc("GET /api/ota/download/{version}", a.otaDownload)
	mux.HandleFunc("POST /api/ota/status", a.otaStatus)
	mux.HandleFunc("GET /api/devices/{device_id}/updates", a.deviceUpdates)
	mux.HandleFunc("POST /api/devices/events", a.postEvent)
	mux.Handle("PUT /api/firmware/{version}", a.admin(a.putFirmware))
	mux.Handle("POST /api/devices/{device_id}/approve", a.admin(a.approve))
	mux.Handle("PUT /api/devices/{device_id}/interval", a.admin(a.setInterval))
}

func newAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// admin guards operator endpoints with a bearer token when one is configured.
func (a *api) admin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.adminToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(a.cfg.adminToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "admin token required")
				return
			}
		}
		next(w, r)
	})
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	if err := a.st.ping(r.Context()); err != nil {
		dbUp.Set(0)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "db_down"})
		return
	}
	dbUp.Set(1)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func (a *api) postReadings(w http.ResponseWriter, r *http.Request) {
	var req models.ReadingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return
	}

	ctx := r.Context()
	now := nowUnix()
	dev, err := a.st.getDevice(ctx, req.DeviceID)
	if err != nil {
		logger.Error("db getDevice failed", "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "database query failed")
		return
	}

	if dev == nil {
		key := req.APIKey
		if key == "" {
			if key, err = newAPIKey(); err != nil {
				writeError(w, http.StatusInternalServerError, "key_error", "could not issue api key")
				return
			}
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(key), a.cfg.bcryptCost)
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			writeError(w, http.StatusUnprocessableEntity, "validation_failed", "api_key exceeds 72 bytes")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "key_error", "could not hash api key")
			return
		}
		dev = &device{
			DeviceID:        req.DeviceID,
			APIKeyHash:      string(hash),
			Approved:        a.cfg.autoApprove,
			FirmwareVersion: req.FirmwareVersion,
			CreatedAt:       now,
			LastSeen:        now,
		}
		if err := a.st.registerDevice(ctx, *dev); err != nil {
			logger.Error("db registerDevice failed", "error", err)
			writeError(w, http.StatusInternalServerError, "db_error", "database write failed")
			return
		}
		registrationsTotal.Inc()
		logger.Info("device registered", "device_id", dev.DeviceID, "approved", dev.Approved)

		resp := models.ReadingsResponse{
			Status:     "registered",
			Message:    "device registered",
			DeviceID:   dev.DeviceID,
			Approved:   dev.Approved,
			APIKey:     key,
			ServerTime: &now,
		}
		if dev.Approved {
			if err := a.persist(r, dev, req, now); err != nil {
				writeError(w, http.StatusInternalServerError, "db_error", "database write failed")
				return
			}
			resp.Received = len(req.Readings)
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(dev.APIKeyHash), []byte(req.APIKey)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid_api_key", "api key does not match device")
		return
	}
	if !dev.Approved {
		writeError(w, http.StatusForbidden, "not_approved", "device awaits approval")
		return
	}
	if !a.limiter.allow(dev.DeviceID) {
		rateLimitedTotal.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(a.cfg.rateEvery.Seconds())+1))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many submissions")
		return
	}
	if err := a.st.touchDevice(ctx, dev.DeviceID, req.FirmwareVersion, now); err != nil {
		logger.Warn("db touchDevice failed", "error", err)
	}
	if err := a.persist(r, dev, req, now); err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", "database write failed")
		return
	}

	resp := models.ReadingsResponse{
		Status:     "ok",
		DeviceID:   dev.DeviceID,
		Approved:   true,
		Received:   len(req.Readings),
		ServerTime: &now,
	}
	if dev.ReadingInterval > 0 {
		iv := dev.ReadingInterval
		resp.ReadingInterval = &iv
	}
	writeJSON(w, http.StatusOK, resp)
}

// persist stores an accepted submission and fans it out.
func (a *api) persist(r *http.Request, dev *device, req models.ReadingsRequest, now int64) error {
	if err := a.st.insertReadings(r.Context(), dev.DeviceID, req.Readings, now); err != nil {
		logger.Error("db insertReadings failed", "device_id", dev.DeviceID, "error", err)
		dbWriteFailTotal.Inc()
		return err
	}
	readingsStoredTotal.Add(float64(len(req.Readings)))
	lastReadingTimestamp.Set(float64(now))
	logger.Info("readings stored",
		"device_id", dev.DeviceID,
		"count", len(req.Readings),
		"firmware_version", req.FirmwareVersion,
	)
	a.bus.publish("edge.readings."+dev.DeviceID, req.Readings)
	return nil
}

// getReadings serves GET /api/readings?device_id=&sensor=&limit=&offset=.
func (a *api) getReadings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := readingFilter{
		DeviceID: q.Get("device_id"),
		Sensor:   q.Get("sensor"),
		Limit:    100,
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		switch {
		case err != nil || n < 1:
			n = 1
		case n > maxReadingsLimit:
			n = maxReadingsLimit
		}
		f.Limit = n
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be a non-negative integer")
			return
		}
		f.Offset = n
	}

	rows, err := a.st.queryReadings(r.Context(), f)
	if err != nil {
		logger.Error("db queryReadings failed", "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "database query failed")
		return
	}
	if rows == nil {
		rows = []readingRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// otaCheck offers the latest uploaded image to a device running anything
// else.
func (a *api) otaCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID, current := q.Get("device_id"), q.Get("version")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "missing_device_id", "device_id is required")
		return
	}
	latest, err := a.st.latestFirmware(r.Context())
	if err != nil {
		logger.Error("db latestFirmware failed", "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "database query failed")
		return
	}
	if latest == nil || latest.Version == current {
		writeJSON(w, http.StatusOK, models.UpdateManifest{UpdateAvailable: false})
		return
	}
	logger.Info("offering firmware", "device_id", deviceID, "current", current, "version", latest.Version)
	writeJSON(w, http.StatusOK, models.UpdateManifest{
		UpdateAvailable: true,
		Version:         latest.Version,
		URL:             "/api/ota/download/" + latest.Version,
		Size:            latest.Size,
		Checksum:        latest.MD5,
	})
}

func (a *api) otaDownload(w http.ResponseWriter, r *http.Request) {
	version := r.PathValue("version")
	data, meta, err := a.st.firmwareData(r.Context(), version)
	if err != nil {
		logger.Error("db firmwareData failed", "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "database query failed")
		return
	}
	if data == nil {
		writeError(w, http.StatusNotFound, "unknown_version", "no such firmware version")
		return
	}
	otaDownloadsTotal.Inc()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("x-MD5", meta.MD5)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *api) otaStatus(w http.ResponseWriter, r *http.Request) {
	var rep models.UpdateStatusReport
	if !decodeJSON(w, r, &rep) {
		return
	}
	if err := rep.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return
	}
	if err := a.st.recordUpdate(r.Context(), rep, nowUnix()); err != nil {
		logger.Error("db recordUpdate failed", "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "database write failed")
		return
	}
	otaReportsTotal.WithLabelValues(rep.Status).Inc()
	logger.Info("ota status reported",
		"device_id", rep.DeviceID,
		"version", rep.Version,
		"status", rep.Status,
		"reason", rep.ErrorMessage,
	)
	a.bus.publish("edge.ota.status", rep)
	writeJSON(w, http.StatusOK, map[string]string{"result": "recorded"})
}

func (a *api) deviceUpdates(w http.ResponseWriter, r *http.Request) {
	rows, err := a.st.queryUpdates(r.Context(), r.PathValue("device_id"))
	if err != nil {
		logger.Error("db queryUpdates failed", "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "database query failed")
		return
	}
	if rows == nil {
		rows = []updateRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (a *api) putFirmware(w http.ResponseWriter, r *http.Request) {
	version := r.PathValue("version")
	if strings.TrimSpace(version) == "" {
		writeError(w, http.StatusBadRequest, "missing_version", "version is required")
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.cfg.maxFirmware))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "read_failed", err.Error())
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty_image", "firmware body is empty")
		return
	}
	meta, err := a.st.putFirmware(r.Context(), version, data, nowUnix())
	if err != nil {
		logger.Error("db putFirmware failed", "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "database write failed")
		return
	}
	logger.Info("firmware uploaded", "version", meta.Version, "size", meta.Size, "checksum", meta.MD5)
	writeJSON(w, http.StatusCreated, meta)
}

func (a *api) approve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("device_id")
	ok, err := a.st.approveDevice(r.Context(), id)
	if err != nil {
		logger.Error("db approveDevice failed", "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "database write failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_device", "no such device")
		return
	}
	logger.Info("device approved", "device_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"result": "approved"})
}

type intervalRequest struct {
	ReadingInterval int `json:"reading_interval"` // seconds
}

func (a *api) setInterval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("device_id")
	var req intervalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ReadingInterval <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "reading_interval must be positive")
		return
	}
	ok, err := a.st.setInterval(r.Context(), id, req.ReadingInterval)
	if err != nil {
		logger.Error("db setInterval failed", "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "database write failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_device", "no such device")
		return
	}
	logger.Info("reading interval set", "device_id", id, "reading_interval", req.ReadingInterval)
	writeJSON(w, http.StatusOK, req)
}

func (a *api) postEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.DeviceEvent
	if !decodeJSON(w, r, &ev) {
		return
	}
	if err := ev.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return
	}
	inserted, err := a.st.insertEvent(r.Context(), ev, nowUnix())
	if err != nil {
		logger.Error("db insertEvent failed", "error", err)
		writeError(w, http.StatusInternalServerError, "db_error", "database write failed")
		return
	}
	if !inserted {
		writeJSON(w, http.StatusOK, map[string]string{"result": "duplicate"})
		return
	}
	eventsTotal.WithLabelValues(ev.Type).Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"result": "accepted"})
}
