package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alimk/edge-agent/pkg/models"
)

var version = "dev"

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

var (
	messagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_messages_received_total",
		Help: "Total MQTT event messages received by the bridge.",
	})
	messagesInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_messages_invalid_total",
		Help: "Messages that failed JSON decode, Validate(), or topic matching.",
	})
	forwardSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_forward_success_total",
		Help: "Events the server accepted or already had.",
	})
	forwardFailure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_forward_failure_total",
		Help: "Events that could not be forwarded after all retries.",
	})
	forwardRetry = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_forward_retry_total",
		Help: "Total individual retry attempts (not counting first attempt).",
	})
	forwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_forward_duration_seconds",
		Help:    "End-to-end HTTP POST latency in seconds, including all retries.",
		Buckets: prometheus.DefBuckets,
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_queue_depth",
		Help: "Current number of events waiting in the processing queue.",
	})
	queueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_queue_dropped_total",
		Help: "Total events dropped because the queue was full.",
	})
)

type config struct {
	mqttBroker      string
	mqttTopic       string
	mqttUsername    string
	mqttPassword    string
	eventsURL       string
	metricsAddr     string
	queueSize       int
	workers         int
	shutdownTimeout time.Duration
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		logger.Warn("invalid env var, using default", "key", key, "value", raw, "default", defaultVal)
		return defaultVal
	}
	return v
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logger.Warn("invalid env var, using default", "key", key, "value", raw, "default", defaultVal)
		return defaultVal
	}
	return d
}

func newConfig() config {
	return config{
		mqttBroker:      getEnv("MQTT_BROKER", "tcp://mosquitto:1883"),
		mqttTopic:       getEnv("MQTT_TOPIC", "devices/+/events"),
		mqttUsername:    getEnv("MQTT_USERNAME", ""),
		mqttPassword:    getEnv("MQTT_PASSWORD", ""),
		eventsURL:       getEnv("SERVER_EVENTS_URL", "http://server:8080/api/devices/events"),
		metricsAddr:     getEnv("METRICS_ADDR", ":9092"),
		queueSize:       getEnvInt("BRIDGE_QUEUE_SIZE", 1000),
		workers:         getEnvInt("BRIDGE_WORKERS", 8),
		shutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// message is one queued MQTT delivery. The topic is kept so the device
// segment can be checked against the payload.
type message struct {
	topic string
	data  []byte
}

// bridge owns all runtime state. Fields are set once in newBridge; only
// the dropLogAt atomic is mutated afterwards (by the MQTT handler goroutine).
type bridge struct {
	cfg       config
	transport *http.Transport
	client    *http.Client
	queue     chan message

	// dropLogAt holds the Unix nanosecond timestamp of the last drop log line.
	dropLogAt atomic.Int64
}

func newBridge(cfg config) *bridge {
	t := &http.Transport{
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
	}
	return &bridge{
		cfg:       cfg,
		transport: t,
		client: &http.Client{
			Timeout:   5 * time.Second,
			Transport: t,
		},
		queue: make(chan message, cfg.queueSize),
	}
}

// mqttHandler returns the paho MessageHandler. It runs on paho's goroutine,
// so it copies the payload and enqueues without blocking; a full queue
// drops the event.
func (b *bridge) mqttHandler() mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		messagesReceived.Inc()

		payload := msg.Payload()
		data := make([]byte, len(payload))
		copy(data, payload)

		select {
		case b.queue <- message{topic: msg.Topic(), data: data}:
			queueDepth.Inc()
		default:
			queueDropped.Inc()
			b.logDropRateLimited()
		}
	}
}

// logDropRateLimited emits at most one warning per second.
func (b *bridge) logDropRateLimited() {
	now := time.Now().UnixNano()
	last := b.dropLogAt.Load()
	if now-last >= int64(time.Second) && b.dropLogAt.CompareAndSwap(last, now) {
		logger.Warn("queue full, event dropped", "queue_size", b.cfg.queueSize, "workers", b.cfg.workers)
	}
}

// startWorkers launches cfg.workers goroutines that drain b.queue until it
// is closed. The caller waits on the returned WaitGroup during shutdown.
func (b *bridge) startWorkers(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	for range b.cfg.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range b.queue {
				queueDepth.Dec()
				b.process(ctx, m)
			}
		}()
	}
	return &wg
}

// topicDevice returns the device segment of devices/<id>/events.
func topicDevice(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "devices" || parts[2] != "events" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

var errTopicMismatch = errors.New("topic device does not match payload device_id")

// decodeEvent parses and validates one delivery.
func decodeEvent(m message) (models.DeviceEvent, error) {
	var ev models.DeviceEvent
	if err := json.Unmarshal(m.data, &ev); err != nil {
		return ev, fmt.Errorf("decode: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return ev, err
	}
	if id, ok := topicDevice(m.topic); ok && id != ev.DeviceID {
		return ev, errTopicMismatch
	}
	return ev, nil
}

// process decodes, validates, and forwards a single delivery. It is safe
// to call from multiple goroutines concurrently.
func (b *bridge) process(ctx context.Context, m message) {
	ev, err := decodeEvent(m)
	if err != nil {
		messagesInvalid.Inc()
		logger.Warn("invalid device event", "topic", m.topic, "device_id", ev.DeviceID, "error", err)
		return
	}

	// Re-encode the validated event so unknown fields are not forwarded.
	body, err := json.Marshal(ev)
	if err != nil {
		messagesInvalid.Inc()
		return
	}
	if err := b.forward(ctx, body, ev.DeviceID); err != nil {
		forwardFailure.Inc()
		logger.Error("forward failed after all retries",
			"device_id", ev.DeviceID,
			"event_id", ev.EventID,
			"type", ev.Type,
			"error", err,
		)
		return
	}
	forwardSuccess.Inc()
}

const (
	maxAttempts = 5
	baseDelay   = 200 * time.Millisecond
)

// forward POSTs one event to the server. 200 (already stored) and 202
// (stored now) both count as delivered. Network errors and 5xx are retried
// with exponential backoff; 4xx is final.
func (b *bridge) forward(ctx context.Context, payload []byte, deviceID string) error {
	start := time.Now()
	defer func() { forwardDuration.Observe(time.Since(start).Seconds()) }()
	var lastErr error

	for attempt := range maxAttempts {
		if ctx.Err() != nil {
			return fmt.Errorf("context cancelled before attempt %d: %w", attempt, ctx.Err())
		}

		if attempt > 0 {
			forwardRetry.Inc()
			// 200ms, 400ms, 800ms, 1.6s.
			delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
			logger.Info("retrying forward",
				"device_id", deviceID,
				"retry_count", attempt,
				"delay", delay.String(),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("context cancelled during backoff: %w", ctx.Err())
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.eventsURL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := b.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http do attempt %d: %w", attempt, err)
			logger.Warn("forward attempt failed", "device_id", deviceID, "attempt", attempt, "error", err)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusAccepted:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return fmt.Errorf("server rejected event: HTTP %d (non-retryable)", resp.StatusCode)
		default:
			lastErr = fmt.Errorf("server returned HTTP %d on attempt %d", resp.StatusCode, attempt)
			logger.Warn("forward attempt got unexpected status",
				"device_id", deviceID,
				"attempt", attempt,
				"status", resp.StatusCode,
			)
		}
	}
	return fmt.Errorf("all %d attempts failed, last error: %w", maxAttempts, lastErr)
}

// newMQTTClient dials the broker. The subscription is made in the
// OnConnect handler so it survives reconnects.
func newMQTTClient(cfg config, handler mqtt.MessageHandler) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.mqttBroker).
		SetClientID("edge-event-bridge").
		SetUsername(cfg.mqttUsername).
		SetPassword(cfg.mqttPassword).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			logger.Info("connected to MQTT broker", "broker", cfg.mqttBroker)
			tok := c.Subscribe(cfg.mqttTopic, 1, handler)
			if ok := tok.WaitTimeout(10 * time.Second); !ok {
				logger.Warn("subscribe timed out", "topic", cfg.mqttTopic)
				return
			}
			if err := tok.Error(); err != nil {
				logger.Error("subscribe failed", "topic", cfg.mqttTopic, "error", err)
				return
			}
			logger.Info("subscribed to MQTT topic", "topic", cfg.mqttTopic, "qos", 1)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost, will reconnect", "error", err)
		})

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if ok := tok.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("MQTT connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect: %w", err)
	}
	return client, nil
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
	healthcheck := flag.Bool("healthcheck", false, "Probe the metrics server and exit 0/1.")
	flag.Parse()

	if *healthcheck {
		conn, err := net.DialTimeout("tcp", "localhost:9092", 3*time.Second)
		if err != nil {
			os.Exit(1)
		}
		conn.Close()
		os.Exit(0)
	}

	cfg := newConfig()

	logger.Info("starting event bridge",
		"version", version,
		"broker", cfg.mqttBroker,
		"topic", cfg.mqttTopic,
		"events_url", cfg.eventsURL,
		"metrics_addr", cfg.metricsAddr,
		"queue_size", cfg.queueSize,
		"workers", cfg.workers,
	)

	metricsSrv := startMetricsServer(cfg.metricsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := newBridge(cfg)
	wg := b.startWorkers(ctx)

	mqttClient, err := newMQTTClient(cfg, b.mqttHandler())
	if err != nil {
		logger.Error("initial MQTT connect failed, shutting down", "error", err)
		close(b.queue)
		wg.Wait()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutCtx)
		return
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining queue")

	// No sends to b.queue happen after Disconnect returns.
	mqttClient.Disconnect(500)
	close(b.queue)

	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	select {
	case <-workersDone:
		logger.Info("all workers finished cleanly")
	case <-time.After(cfg.shutdownTimeout):
		logger.Warn("shutdown timeout reached before workers finished",
			"timeout", cfg.shutdownTimeout.String())
	}

	b.transport.CloseIdleConnections()

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutCtx)

	logger.Info("event bridge stopped")
}
