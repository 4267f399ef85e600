package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alimk/edge-agent/edge/internal/agent"
	"github.com/alimk/edge-agent/edge/internal/configstore"
	"github.com/alimk/edge-agent/edge/internal/events"
	"github.com/alimk/edge-agent/edge/internal/ota"
	"github.com/alimk/edge-agent/edge/internal/platform"
	"github.com/alimk/edge-agent/edge/internal/sensor"
	"github.com/alimk/edge-agent/edge/internal/telemetry"
	"github.com/alimk/edge-agent/edge/internal/trigger"
	"github.com/alimk/edge-agent/edge/internal/watchdog"
)

var version = "dev"

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

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

// newSupervisor combines every watchdog available on this host. The soft
// watchdog is always present so a wedged loop restarts even without
// hardware support.
func newSupervisor(cfg config, restarter *platform.Restarter) (watchdog.Multi, func()) {
	var (
		sup     watchdog.Multi
		closers []func()
	)

	if cfg.watchdogDevice != "" {
		dev, err := watchdog.OpenDevice(cfg.watchdogDevice, cfg.watchdogTimeout)
		switch {
		case errors.Is(err, watchdog.ErrTimeoutRejected):
			logger.Warn("hardware watchdog kept its own timeout", "device", cfg.watchdogDevice, "error", err)
			fallthrough
		case err == nil:
			sup = append(sup, dev)
			closers = append(closers, func() { dev.Disengage() })
			logger.Info("hardware watchdog engaged", "device", cfg.watchdogDevice, "timeout", cfg.watchdogTimeout.String())
		default:
			logger.Warn("hardware watchdog unavailable", "device", cfg.watchdogDevice, "error", err)
		}
	}

	if sd, ok, err := watchdog.NewSystemd(cfg.otaTimeout + cfg.watchdogTimeout); err != nil {
		logger.Warn("systemd watchdog unavailable", "error", err)
	} else if ok {
		sup = append(sup, sd)
		logger.Info("systemd watchdog engaged", "interval", sd.Interval().String())
	}

	soft := watchdog.NewSoft(cfg.watchdogTimeout, func() {
		logger.Error("agent loop stalled, software watchdog expired", "timeout", cfg.watchdogTimeout.String())
		restarter.RequestRestart("software watchdog expired")
		if err := restarter.Execute(); err != nil {
			os.Exit(1)
		}
	})
	sup = append(sup, soft)
	closers = append(closers, soft.Stop)

	return sup, func() {
		for _, c := range closers {
			c()
		}
	}
}

func newSource(cfg config) sensor.Source {
	if cfg.simulate {
		return sensor.NewSimulated(time.Now().UnixNano())
	}
	sources := []sensor.Source{sensor.NewSystem(cfg.diskPath)}
	if dir, err := sensor.FindHwmon(cfg.hwmonRoot, cfg.hwmonName); err != nil {
		logger.Warn("hwmon sensor not found, reporting diagnostics only", "name", cfg.hwmonName, "error", err)
	} else {
		logger.Info("using hwmon sensor", "name", cfg.hwmonName, "dir", dir)
		sources = append([]sensor.Source{sensor.NewHwmon(dir)}, sources...)
	}
	return sensor.NewMulti(logger, sources...)
}

func newButton(cfg config) trigger.Input {
	if cfg.buttonGPIO < 0 {
		return trigger.None{}
	}
	return trigger.NewSysfsGPIO(cfg.gpioRoot, cfg.buttonGPIO, cfg.buttonActiveLow)
}

// logProgress drains transfer checkpoints until ctx ends.
func logProgress(ctx context.Context, ch <-chan ota.Progress) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-ch:
			logger.Info("firmware transfer progress",
				"version", p.Version,
				"percent", p.Percent,
				"written", p.Written,
				"total", p.Total,
			)
		}
	}
}

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Probe the metrics server and exit 0/1.")
	configPath := flag.String("config", "", "Optional YAML file with factory defaults.")
	flag.Parse()

	fd, err := loadFactoryDefaults(*configPath)
	if err != nil {
		logger.Error("invalid config file", "path", *configPath, "error", err)
		os.Exit(1)
	}
	cfg := newConfig(fd)

	if *healthcheck {
		conn, err := net.DialTimeout("tcp", healthcheckAddr(cfg.metricsAddr), 3*time.Second)
		if err != nil {
			os.Exit(1)
		}
		conn.Close()
		os.Exit(0)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting edge agent",
		"version", version,
		"server_url", cfg.serverURL,
		"db_path", cfg.dbPath,
		"slots_dir", cfg.slotsDir,
		"watchdog_timeout", cfg.watchdogTimeout.String(),
		"restart_mode", cfg.restartMode,
	)

	restarter, err := platform.NewRestarter(cfg.restartMode, logger)
	if err != nil {
		logger.Error("invalid restart mode", "error", err)
		os.Exit(1)
	}

	// The watchdog is engaged before anything that could hang.
	supervisor, closeWatchdog := newSupervisor(cfg, restarter)

	metricsSrv := startMetricsServer(cfg.metricsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := configstore.OpenSQLite(cfg.dbPath)
	if err != nil {
		logger.Error("open configuration store failed", "error", err)
		closeWatchdog()
		os.Exit(1)
	}
	defer store.Close()

	cm, err := agent.LoadConfig(ctx, store, agent.Config{
		ServerURL:       cfg.serverURL,
		DeviceID:        cfg.deviceID,
		APIKey:          cfg.apiKey,
		ReadingInterval: cfg.readingInterval,
	}, logger)
	if err != nil {
		logger.Error("load configuration failed", "error", err)
		closeWatchdog()
		os.Exit(1)
	}

	flash, err := ota.NewSlotFlash(cfg.slotsDir, cfg.maxImageSize)
	if err != nil {
		logger.Error("firmware slots unavailable", "dir", cfg.slotsDir, "error", err)
		closeWatchdog()
		os.Exit(1)
	}
	var verifier ota.HeaderVerifier = ota.AnyImage{}
	if cfg.otaVerifyELF {
		v, err := ota.NativeELF()
		if err != nil {
			logger.Warn("no ELF target for this architecture, image headers unchecked", "error", err)
		} else {
			verifier = v
		}
	}

	userAgent := "edge-agent/" + version
	channel := telemetry.NewHTTP(cfg.telemetryTimeout, userAgent)

	progress := make(chan ota.Progress, 16)
	go logProgress(ctx, progress)

	updater := ota.New(ota.Config{
		Flash:           flash,
		Supervisor:      supervisor,
		Channel:         channel,
		Client:          &http.Client{},
		Verifier:        verifier,
		TransferTimeout: cfg.otaTimeout,
		Progress:        progress,
		UserAgent:       userAgent,
		Logger:          logger,
	})

	var publisher events.Publisher = events.Nop{}
	if cfg.mqttBroker != "" {
		clientID := cm.Current().DeviceID
		if clientID == "" {
			clientID = platform.DeviceID()
		}
		m, err := events.NewMQTT(events.MQTTConfig{
			Broker:   cfg.mqttBroker,
			ClientID: "edge-agent-" + clientID,
			Username: cfg.mqttUsername,
			Password: cfg.mqttPassword,
			QoS:      1,
			Logger:   logger,
		})
		if err != nil {
			logger.Warn("event mirror disabled", "broker", cfg.mqttBroker, "error", err)
		} else {
			defer m.Close()
			publisher = m
		}
	}

	a, err := agent.New(agent.Options{
		Config:      cm,
		Source:      newSource(cfg),
		Channel:     channel,
		Updater:     updater,
		Restarter:   restarter,
		Supervisor:  supervisor,
		Clock:       platform.NewClock(cfg.setClock),
		Probe:       telemetry.DialProbe{Timeout: cfg.telemetryTimeout},
		Button:      newButton(cfg),
		Provisioner: platform.FileProvisioner{Path: cfg.provisionFile, CredentialsPath: cfg.credentialsFile},
		Events:      publisher,
		Logger:      logger,
		Version:     version,

		TelemetryTimeout:  cfg.telemetryTimeout,
		RateLimitCooldown: cfg.rateLimitCooldown,
		FailureWindow:     cfg.failureWindow,
		OTAInterval:       cfg.otaInterval,
		OTACheckOnBoot:    cfg.otaCheckOnBoot,
		Yield:             cfg.yield,
		LongPress:         cfg.longPress,
		NetworkWait:       cfg.networkWait,
		ProvisionWait:     cfg.provisionWait,
	})
	if err != nil {
		logger.Error("agent setup failed", "error", err)
		closeWatchdog()
		os.Exit(1)
	}

	if err := watchdog.NotifyReady(); err != nil {
		logger.Debug("sd_notify READY failed", "error", err)
	}

	err = a.Run(ctx)

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutCtx)
	_ = watchdog.NotifyStopping()

	if errors.Is(err, agent.ErrRestartRequested) {
		store.Close()
		if err := restarter.Execute(); err != nil {
			logger.Error("restart failed", "error", err)
			os.Exit(1)
		}
		return
	}

	// Orderly stop: disarm the watchdog so the board does not reset under us.
	logger.Info("shutting down edge agent", "state", a.State().String())
	closeWatchdog()
}
