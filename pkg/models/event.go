package models

import (
	"errors"
	"strings"
)

// Device event types published by the agent.
const (
	EventBoot          = "boot"
	EventCycle         = "cycle"
	EventConfigChanged = "config_changed"
	EventUpdate        = "ota"
	EventRestart       = "restart"
)

// DeviceEvent is a lifecycle notification mirrored over MQTT and forwarded
// to the server by the bridge.
type DeviceEvent struct {
	EventID    string            `json:"event_id"`
	DeviceID   string            `json:"device_id"`
	Type       string            `json:"type"`
	Timestamp  int64             `json:"timestamp"` // unix seconds
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Validate checks that the event can be stored.
func (e DeviceEvent) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return errors.New("event_id is required")
	}
	if strings.TrimSpace(e.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if len(e.DeviceID) > 128 {
		return errors.New("device_id exceeds 128 characters")
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("type is required")
	}
	if len(e.Type) > 32 {
		return errors.New("type exceeds 32 characters")
	}
	if e.Timestamp <= 0 {
		return errors.New("timestamp is required")
	}
	if len(e.Attributes) > 32 {
		return errors.New("attributes exceeds 32 entries")
	}
	return nil
}
