package models

import (
	"errors"
	"math"
	"strings"
)

// HeartbeatSensor is the sensor name of the sentinel reading a device sends
// when no real measurement is available.
const HeartbeatSensor = "heartbeat"

// Reading is one named measurement. It is the element type of the readings
// array shared between the device agent and the server.
type Reading struct {
	Sensor    string  `json:"sensor"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Timestamp int64   `json:"timestamp"` // unix seconds
}

// HeartbeatReading returns the liveness sentinel stamped with ts.
func HeartbeatReading(ts int64) Reading {
	return Reading{
		Sensor:    HeartbeatSensor,
		Value:     1,
		Unit:      "status",
		Timestamp: ts,
	}
}

// IsHeartbeat reports whether r is the liveness sentinel.
func (r Reading) IsHeartbeat() bool {
	return r.Sensor == HeartbeatSensor
}

// Validate checks that all fields are present and well formed.
// It does not touch time.Now(); callers are responsible for skew checks.
func (r Reading) Validate() error {
	if strings.TrimSpace(r.Sensor) == "" {
		return errors.New("sensor is required")
	}
	if len(r.Sensor) > 64 {
		return errors.New("sensor exceeds 64 characters")
	}
	if strings.TrimSpace(r.Unit) == "" {
		return errors.New("unit is required")
	}
	if len(r.Unit) > 16 {
		return errors.New("unit exceeds 16 characters")
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return errors.New("value must be a finite number")
	}
	if r.Timestamp < 0 {
		return errors.New("timestamp must not be negative")
	}
	return nil
}
