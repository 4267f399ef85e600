package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alimk/edge-agent/edge/internal/platform"
)

// factoryDefaults is the optional -config file baked into the image. Every
// field is overridden by its environment variable when that is set.
type factoryDefaults struct {
	ServerURL       string `yaml:"server_url"`
	ReadingInterval string `yaml:"reading_interval"`
	DBPath          string `yaml:"db_path"`
	SlotsDir        string `yaml:"slots_dir"`
	WatchdogDevice  string `yaml:"watchdog_device"`
	WatchdogTimeout string `yaml:"watchdog_timeout"`
	ButtonGPIO      *int   `yaml:"button_gpio"`
	HwmonName       string `yaml:"hwmon_name"`
	MQTTBroker      string `yaml:"mqtt_broker"`
	RestartMode     string `yaml:"restart_mode"`
}

func loadFactoryDefaults(path string) (factoryDefaults, error) {
	var fd factoryDefaults
	if path == "" {
		return fd, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fd, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &fd); err != nil {
		return fd, fmt.Errorf("parse %s: %w", path, err)
	}
	return fd, nil
}

type config struct {
	serverURL       string
	deviceID        string
	apiKey          string
	readingInterval time.Duration
	dbPath          string
	metricsAddr     string
	logLevel        slog.Level

	telemetryTimeout  time.Duration
	rateLimitCooldown time.Duration
	failureWindow     time.Duration
	yield             time.Duration
	networkWait       time.Duration
	provisionWait     time.Duration

	otaInterval     time.Duration
	otaTimeout      time.Duration
	otaCheckOnBoot  bool
	otaVerifyELF    bool
	slotsDir        string
	maxImageSize    int64
	watchdogDevice  string
	watchdogTimeout time.Duration

	buttonGPIO      int // negative disables the button
	buttonActiveLow bool
	gpioRoot        string
	longPress       time.Duration
	provisionFile   string
	credentialsFile string

	hwmonRoot string
	hwmonName string
	diskPath  string
	simulate  bool

	restartMode string
	setClock    bool

	mqttBroker   string
	mqttUsername string
	mqttPassword string
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
	if err != nil {
		logger.Warn("invalid integer, using default", "key", key, "value", raw, "default", defaultVal)
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
		logger.Warn("invalid duration, using default", "key", key, "value", raw, "default", defaultVal.String())
		return defaultVal
	}
	return d
}

func getEnvBool(key string, defaultVal bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		logger.Warn("invalid boolean, using default", "key", key, "value", raw, "default", defaultVal)
		return defaultVal
	}
	return b
}

// fileDuration parses a duration from the defaults file, falling back to def.
func fileDuration(field, raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logger.Warn("invalid duration in config file, using default", "field", field, "value", raw)
		return def
	}
	return d
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newConfig(fd factoryDefaults) config {
	button := -1
	if fd.ButtonGPIO != nil {
		button = *fd.ButtonGPIO
	}

	cfg := config{
		serverURL:       getEnv("SERVER_URL", fd.ServerURL),
		deviceID:        getEnv("DEVICE_ID", ""),
		apiKey:          getEnv("API_KEY", ""),
		readingInterval: getEnvDuration("READING_INTERVAL", fileDuration("reading_interval", fd.ReadingInterval, 60*time.Second)),
		dbPath:          getEnv("DB_PATH", orDefault(fd.DBPath, "/var/lib/edge-agent/config.db")),
		metricsAddr:     getEnv("METRICS_ADDR", ":9090"),
		logLevel:        parseLevel(getEnv("LOG_LEVEL", "info")),

		telemetryTimeout:  getEnvDuration("TELEMETRY_TIMEOUT", 10*time.Second),
		rateLimitCooldown: getEnvDuration("RATE_LIMIT_COOLDOWN", 60*time.Second),
		failureWindow:     getEnvDuration("FAILURE_WINDOW", 24*time.Hour),
		yield:             getEnvDuration("LOOP_YIELD", 100*time.Millisecond),
		networkWait:       getEnvDuration("NETWORK_WAIT", 5*time.Minute),
		provisionWait:     getEnvDuration("PROVISION_WAIT", 5*time.Minute),

		otaInterval:     getEnvDuration("OTA_INTERVAL", 6*time.Hour),
		otaTimeout:      getEnvDuration("OTA_TIMEOUT", 10*time.Minute),
		otaCheckOnBoot:  getEnvBool("OTA_CHECK_ON_BOOT", false),
		otaVerifyELF:    getEnvBool("OTA_VERIFY_ELF", true),
		slotsDir:        getEnv("OTA_SLOTS_DIR", orDefault(fd.SlotsDir, "/var/lib/edge-agent/slots")),
		maxImageSize:    int64(getEnvInt("OTA_MAX_IMAGE_MB", 64)) << 20,
		watchdogDevice:  getEnv("WATCHDOG_DEVICE", fd.WatchdogDevice),
		watchdogTimeout: getEnvDuration("WATCHDOG_TIMEOUT", fileDuration("watchdog_timeout", fd.WatchdogTimeout, 300*time.Second)),

		buttonGPIO:      getEnvInt("BUTTON_GPIO", button),
		buttonActiveLow: getEnvBool("BUTTON_ACTIVE_LOW", true),
		gpioRoot:        getEnv("GPIO_ROOT", "/sys/class/gpio"),
		longPress:       getEnvDuration("LONG_PRESS", 10*time.Second),
		provisionFile:   getEnv("PROVISION_FILE", "/boot/edge-agent/provision.yaml"),
		credentialsFile: getEnv("CREDENTIALS_FILE", "/var/lib/edge-agent/wifi.conf"),

		hwmonRoot: getEnv("HWMON_ROOT", "/sys/class/hwmon"),
		hwmonName: getEnv("HWMON_NAME", orDefault(fd.HwmonName, "aht20")),
		diskPath:  getEnv("DISK_PATH", "/"),
		simulate:  getEnvBool("SIMULATE_SENSORS", false),

		restartMode: getEnv("RESTART_MODE", orDefault(fd.RestartMode, platform.RestartExit)),
		setClock:    getEnvBool("SET_SYSTEM_CLOCK", false),

		mqttBroker:   getEnv("MQTT_BROKER", fd.MQTTBroker),
		mqttUsername: getEnv("MQTT_USERNAME", ""),
		mqttPassword: getEnv("MQTT_PASSWORD", ""),
	}
	if cfg.maxImageSize <= 0 {
		logger.Warn("invalid OTA_MAX_IMAGE_MB, using default 64")
		cfg.maxImageSize = 64 << 20
	}
	return cfg
}

// healthcheckAddr turns a listen address into one that can be dialled locally.
func healthcheckAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}
