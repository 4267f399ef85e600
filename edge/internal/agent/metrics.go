package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_agent_cycles_total",
		Help: "Telemetry cycles by result (success, transport_failure, rejected, rate_limited).",
	}, []string{"result"})
	consecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edge_agent_consecutive_failures",
		Help: "Telemetry cycles failed in a row since the last success.",
	})
	readingInterval = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edge_agent_reading_interval_seconds",
		Help: "Current telemetry cadence.",
	})
	heartbeatSubstitutions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_heartbeat_substitutions_total",
		Help: "Cycles that sent a heartbeat because no measurement was available.",
	})
	restartsRequested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_agent_restarts_requested_total",
		Help: "Restarts requested by the agent, by reason.",
	}, []string{"reason"})
	watchdogFeeds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_watchdog_feeds_total",
		Help: "Watchdog acknowledgements sent by the agent loop.",
	})
	configPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_config_persist_failures_total",
		Help: "Configuration writes that failed and were queued for retry.",
	})
)
