package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alimk/edge-agent/edge/internal/configstore"
)

// Config is the agent's durable configuration. An empty APIKey means the
// device is not registered yet.
type Config struct {
	ServerURL       string
	DeviceID        string
	APIKey          string
	ReadingInterval time.Duration
}

// Registered reports whether the server has issued an API key.
func (c Config) Registered() bool { return c.APIKey != "" }

// ConfigUpdate names the fields to change; nil fields are left alone.
type ConfigUpdate struct {
	ServerURL       *string
	DeviceID        *string
	APIKey          *string
	ReadingInterval *time.Duration
}

// ConfigManager owns Config. Every mutation goes through Apply, which adopts
// the new value and persists exactly the keys that changed. It is used only
// from the agent loop and does no locking.
type ConfigManager struct {
	store  configstore.Store
	cfg    Config
	dirty  map[string]string
	logger *slog.Logger
}

// LoadConfig reads the persisted keys over defaults. A stored interval that
// is not a positive integer is ignored with a warning.
func LoadConfig(ctx context.Context, store configstore.Store, defaults Config, logger *slog.Logger) (*ConfigManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults.ReadingInterval <= 0 {
		return nil, errors.New("default reading interval must be positive")
	}
	cfg := defaults

	for key, dst := range map[string]*string{
		configstore.KeyServerURL: &cfg.ServerURL,
		configstore.KeyDeviceID:  &cfg.DeviceID,
		configstore.KeyAPIKey:    &cfg.APIKey,
	} {
		v, ok, err := store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
		if ok {
			*dst = v
		}
	}

	raw, ok, err := store.Get(ctx, configstore.KeyReadingIntervalMS)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", configstore.KeyReadingIntervalMS, err)
	}
	if ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			logger.Warn("ignoring invalid stored reading interval", "value", raw)
		} else {
			cfg.ReadingInterval = time.Duration(ms) * time.Millisecond
		}
	}

	readingInterval.Set(cfg.ReadingInterval.Seconds())
	return &ConfigManager{store: store, cfg: cfg, dirty: map[string]string{}, logger: logger}, nil
}

// Current returns a copy of the configuration.
func (m *ConfigManager) Current() Config { return m.cfg }

// Apply adopts u and persists the keys whose values changed. changed is false,
// and nothing is written, when u matches the current configuration. If
// persisting fails the new value stays in effect and the write is retried by
// Flush; the error is returned for logging.
func (m *ConfigManager) Apply(ctx context.Context, u ConfigUpdate) (changed bool, err error) {
	next := m.cfg
	if u.ServerURL != nil {
		next.ServerURL = *u.ServerURL
	}
	if u.DeviceID != nil {
		next.DeviceID = *u.DeviceID
	}
	if u.APIKey != nil {
		next.APIKey = *u.APIKey
	}
	if u.ReadingInterval != nil {
		if *u.ReadingInterval <= 0 {
			return false, fmt.Errorf("reading interval must be positive, got %s", *u.ReadingInterval)
		}
		next.ReadingInterval = *u.ReadingInterval
	}

	writes := map[string]string{}
	if next.ServerURL != m.cfg.ServerURL {
		writes[configstore.KeyServerURL] = next.ServerURL
	}
	if next.DeviceID != m.cfg.DeviceID {
		writes[configstore.KeyDeviceID] = next.DeviceID
	}
	if next.APIKey != m.cfg.APIKey {
		writes[configstore.KeyAPIKey] = next.APIKey
	}
	if next.ReadingInterval != m.cfg.ReadingInterval {
		writes[configstore.KeyReadingIntervalMS] = strconv.FormatInt(next.ReadingInterval.Milliseconds(), 10)
	}
	if len(writes) == 0 {
		return false, nil
	}

	m.cfg = next
	readingInterval.Set(next.ReadingInterval.Seconds())
	for k, v := range writes {
		m.dirty[k] = v
	}
	return true, m.Flush(ctx)
}

// Dirty reports whether some adopted value has not been persisted yet.
func (m *ConfigManager) Dirty() bool { return len(m.dirty) > 0 }

// Flush persists pending writes. Keys that were written are cleared even if
// a later key fails.
func (m *ConfigManager) Flush(ctx context.Context) error {
	var errs []error
	for k, v := range m.dirty {
		if err := m.store.Set(ctx, k, v); err != nil {
			configPersistFailures.Inc()
			errs = append(errs, err)
			continue
		}
		delete(m.dirty, k)
	}
	return errors.Join(errs...)
}

// PendingUpdate returns the version recorded before the last update restart.
func (m *ConfigManager) PendingUpdate(ctx context.Context) (string, error) {
	v, _, err := m.store.Get(ctx, configstore.KeyPendingUpdateVersion)
	return v, err
}

func (m *ConfigManager) SetPendingUpdate(ctx context.Context, version string) error {
	return m.store.Set(ctx, configstore.KeyPendingUpdateVersion, version)
}

func (m *ConfigManager) ClearPendingUpdate(ctx context.Context) error {
	return m.store.Delete(ctx, configstore.KeyPendingUpdateVersion)
}
