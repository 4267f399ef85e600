// Package events mirrors agent lifecycle events to an MQTT broker. Publishing
// is best effort: a slow or absent broker never holds up the agent loop for
// longer than the publish wait.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/alimk/edge-agent/pkg/models"
)

// TopicPrefix is the root of every device event topic.
const TopicPrefix = "devices/"

// Topic returns the event topic for a device.
func Topic(deviceID string) string {
	return TopicPrefix + deviceID + "/events"
}

// Publisher sends device events somewhere.
type Publisher interface {
	Publish(ctx context.Context, ev models.DeviceEvent) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, models.DeviceEvent) error { return nil }

// New builds an event with a fresh id.
func New(deviceID, typ string, at time.Time, attrs map[string]string) models.DeviceEvent {
	return models.DeviceEvent{
		EventID:    uuid.NewString(),
		DeviceID:   deviceID,
		Type:       typ,
		Timestamp:  at.Unix(),
		Attributes: attrs,
	}
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Wait     time.Duration // bound on connect and on each publish
	QoS      byte
	Logger   *slog.Logger
}

// MQTT publishes JSON events to devices/<device_id>/events.
type MQTT struct {
	client mqtt.Client
	wait   time.Duration
	qos    byte
	logger *slog.Logger
}

// NewMQTT connects to the broker. The client keeps reconnecting in the
// background, so a broker that is down at boot only costs the connect wait.
func NewMQTT(cfg MQTTConfig) (*MQTT, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 2 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(_ mqtt.Client) {
			logger.Info("connected to MQTT broker", "broker", cfg.Broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost, reconnecting", "error", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if ok := token.WaitTimeout(cfg.Wait); !ok {
		// SetConnectRetry keeps trying; publishes queue until then.
		logger.Warn("MQTT connect still pending", "broker", cfg.Broker)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect failed: %w", err)
	}
	return &MQTT{client: client, wait: cfg.Wait, qos: cfg.QoS, logger: logger}, nil
}

func (m *MQTT) Publish(ctx context.Context, ev models.DeviceEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	wait := m.wait
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < wait {
			wait = d
		}
	}
	token := m.client.Publish(Topic(ev.DeviceID), m.qos, false, payload)
	if ok := token.WaitTimeout(wait); !ok {
		return fmt.Errorf("publish %s timed out", ev.Type)
	}
	return token.Error()
}

// Close disconnects, allowing 250ms for in-flight messages.
func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
