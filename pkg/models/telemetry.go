package models

import (
	"errors"
	"fmt"
	"strings"
)

// MaxReadingsPerRequest bounds the readings array of one submission.
const MaxReadingsPerRequest = 64

// ReadingsRequest is the body of POST /api/readings. APIKey is empty while
// the device is unregistered.
type ReadingsRequest struct {
	DeviceID        string    `json:"device_id"`
	APIKey          string    `json:"api_key"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	Readings        []Reading `json:"readings"`
}

// Validate checks the envelope and every reading in it.
func (r ReadingsRequest) Validate() error {
	if strings.TrimSpace(r.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if len(r.DeviceID) > 128 {
		return errors.New("device_id exceeds 128 characters")
	}
	if len(r.Readings) == 0 {
		return errors.New("readings array is required")
	}
	if len(r.Readings) > MaxReadingsPerRequest {
		return fmt.Errorf("readings exceeds %d entries", MaxReadingsPerRequest)
	}
	for i, reading := range r.Readings {
		if err := reading.Validate(); err != nil {
			return fmt.Errorf("readings[%d]: %w", i, err)
		}
	}
	return nil
}

// ReadingsResponse is the body the server returns with status 200. Every
// field the device acts on is optional: APIKey is only present on first
// registration, ServerTime and ReadingInterval only when the server wants
// the device to sync or reconfigure.
type ReadingsResponse struct {
	Status          string `json:"status,omitempty"`
	Message         string `json:"message,omitempty"`
	DeviceID        string `json:"device_id,omitempty"`
	Approved        bool   `json:"approved"`
	Received        int    `json:"received,omitempty"`
	APIKey          string `json:"api_key,omitempty"`
	ServerTime      *int64 `json:"server_time,omitempty"`      // unix seconds
	ReadingInterval *int   `json:"reading_interval,omitempty"` // seconds
}
