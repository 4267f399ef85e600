package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var version = "dev"

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_server_http_requests_total",
		Help: "Total number of HTTP requests by method, route, and status code.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edge_server_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	registrationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_server_registrations_total",
		Help: "Devices registered on first contact.",
	})

	readingsStoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_server_readings_stored_total",
		Help: "Individual readings persisted.",
	})

	// lastReadingTimestamp is 0 until the first submission is stored.
	lastReadingTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edge_server_last_reading_timestamp_seconds",
		Help: "Unix timestamp (seconds) of the last stored submission. 0 if none received yet.",
	})

	rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_server_rate_limited_total",
		Help: "Submissions rejected with 429.",
	})

	otaDownloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_server_ota_downloads_total",
		Help: "Firmware images served.",
	})

	otaReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_server_ota_reports_total",
		Help: "OTA status reports by status.",
	}, []string{"status"})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_server_device_events_total",
		Help: "Device events stored, by type.",
	}, []string{"type"})

	// dbUp is 1 when the SQLite database answered the last health probe.
	dbUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edge_server_db_up",
		Help: "1 if the server SQLite database is reachable, 0 otherwise.",
	})

	dbWriteFailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_server_db_write_fail_total",
		Help: "Total number of failed readings INSERT transactions.",
	})
)

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		logger.Warn("invalid duration, using default", "key", key, "value", raw, "default", defaultVal.String())
		return defaultVal
	}
	return d
}

func getEnvInt(key string, defaultVal int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("invalid integer, using default", "key", key, "value", raw, "default", defaultVal)
		return defaultVal
	}
	return n
}

// publisher fans accepted data out to other services.
type publisher interface {
	publish(subject string, v any)
}

type nopPublisher struct{}

func (nopPublisher) publish(string, any) {}

// natsPublisher is a best-effort core NATS publisher; failures are logged
// and never affect the HTTP response.
type natsPublisher struct {
	nc *nats.Conn
}

func connectNATS(url string) (*natsPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("edge-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	return &natsPublisher{nc: nc}, nil
}

func (p *natsPublisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("NATS marshal failed", "subject", subject, "error", err)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		logger.Warn("NATS publish failed", "subject", subject, "error", err)
	}
}

func (p *natsPublisher) close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}

// responseRecorder wraps ResponseWriter to capture the written status code.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// routeLabel returns a stable Prometheus label for the request path,
// avoiding cardinality explosion from raw URLs with IDs or versions.
func routeLabel(r *http.Request) string {
	p := r.URL.Path
	switch {
	case p == "/healthz", p == "/api/readings", p == "/api/ota/check",
		p == "/api/ota/status", p == "/api/devices/events":
		return p
	case strings.HasPrefix(p, "/api/ota/download/"):
		return "/api/ota/download/{version}"
	case strings.HasPrefix(p, "/api/firmware/"):
		return "/api/firmware/{version}"
	case strings.HasPrefix(p, "/api/devices/"):
		switch {
		case strings.HasSuffix(p, "/approve"):
			return "/api/devices/{device_id}/approve"
		case strings.HasSuffix(p, "/interval"):
			return "/api/devices/{device_id}/interval"
		case strings.HasSuffix(p, "/updates"):
			return "/api/devices/{device_id}/updates"
		}
	}
	return "other"
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeLabel(r)
		rr := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rr, r)

		duration := time.Since(start)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rr.status,
			"remote", r.RemoteAddr,
			"duration_ms", duration.Milliseconds(),
		)

		status := strconv.Itoa(rr.status)
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
	})
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Probe the HTTP server and exit 0/1.")
	flag.Parse()

	if *healthcheck {
		conn, err := net.DialTimeout("tcp", "localhost:8080", 3*time.Second)
		if err != nil {
			os.Exit(1)
		}
		conn.Close()
		os.Exit(0)
	}

	addr := getEnv("LISTEN_ADDR", ":8080")
	metricsAddr := getEnv("METRICS_ADDR", ":9091")
	dbPath := getEnv("SERVER_DB_PATH", "/var/lib/edge-server/server.db")
	natsURL := getEnv("NATS_URL", "")
	cfg := serverConfig{
		autoApprove: getEnv("AUTO_APPROVE", "true") == "true",
		adminToken:  getEnv("ADMIN_TOKEN", ""),
		rateEvery:   getEnvDuration("RATE_LIMIT_EVERY", 10*time.Second),
		rateBurst:   getEnvInt("RATE_LIMIT_BURST", 3),
		maxFirmware: int64(getEnvInt("MAX_FIRMWARE_MB", 64)) << 20,
	}

	logger.Info("starting device server",
		"version", version,
		"addr", addr,
		"metrics_addr", metricsAddr,
		"db_path", dbPath,
		"auto_approve", cfg.autoApprove,
		"rate_limit_every", cfg.rateEvery.String(),
		"rate_limit_burst", cfg.rateBurst,
		"nats", natsURL != "",
	)

	// Unlike telemetry-only ingestion, registration and OTA need the
	// database, so failing to open it is fatal.
	st, err := openStore(dbPath)
	if err != nil {
		logger.Error("failed to open db", "error", err)
		os.Exit(1)
	}
	defer st.close()
	dbUp.Set(1)

	var bus publisher = nopPublisher{}
	if natsURL != "" {
		np, err := connectNATS(natsURL)
		if err != nil {
			logger.Warn("NATS unavailable, fan-out disabled", "url", natsURL, "error", err)
		} else {
			defer np.close()
			bus = np
		}
	}

	mux := http.NewServeMux()
	newAPI(cfg, st, bus).routes(mux)

	srv := &http.Server{
		Addr:         addr,
		Handler:      loggingMiddleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsSrv := startMetricsServer(metricsAddr)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
	case err := <-serverErrCh:
		logger.Error("server exited unexpectedly", "error", err)
	}

	logger.Info("shutting down device server gracefully")
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	_ = metricsSrv.Shutdown(shutCtx)
	logger.Info("device server stopped")
}
