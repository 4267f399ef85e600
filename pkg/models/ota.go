package models

import (
	"errors"
	"strings"
)

// UpdateManifest is the response of GET /api/ota/check. It is fetched fresh
// on every check and never persisted.
type UpdateManifest struct {
	UpdateAvailable bool   `json:"update_available"`
	Version         string `json:"version,omitempty"`
	URL             string `json:"url,omitempty"` // path relative to the server endpoint
	Size            int64  `json:"size"`
	Checksum        string `json:"checksum,omitempty"`
	Compression     string `json:"compression,omitempty"` // "" or "zstd"
}

// Validate only constrains manifests that announce an update.
func (m UpdateManifest) Validate() error {
	if !m.UpdateAvailable {
		return nil
	}
	if strings.TrimSpace(m.Version) == "" {
		return errors.New("version is required when an update is available")
	}
	if strings.TrimSpace(m.URL) == "" {
		return errors.New("url is required when an update is available")
	}
	if m.Size < 0 {
		return errors.New("size must not be negative")
	}
	switch m.Compression {
	case "", "zstd":
	default:
		return errors.New("compression must be empty or zstd")
	}
	return nil
}

// Update status values reported to POST /api/ota/status.
const (
	UpdateStatusSuccess = "success"
	UpdateStatusFailed  = "failed"
)

// UpdateStatusReport is the body of POST /api/ota/status.
type UpdateStatusReport struct {
	DeviceID     string `json:"device_id"`
	Version      string `json:"version"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Validate checks the required fields and the status enum.
func (r UpdateStatusReport) Validate() error {
	if strings.TrimSpace(r.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if strings.TrimSpace(r.Version) == "" {
		return errors.New("version is required")
	}
	if r.Status != UpdateStatusSuccess && r.Status != UpdateStatusFailed {
		return errors.New("status must be success or failed")
	}
	return nil
}
