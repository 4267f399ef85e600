package platform

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provisioning is what an operator supplies to bring a device into service.
type Provisioning struct {
	ServerURL string `yaml:"server_url"`
	DeviceID  string `yaml:"device_id"`
	APIKey    string `yaml:"api_key"`
}

// FileProvisioner reads provisioning from a YAML file dropped onto the device
// (USB stick, serial console, captive portal helper). Reset discards the saved
// network credentials so the board comes back up in provisioning mode.
type FileProvisioner struct {
	Path            string
	CredentialsPath string
}

// Poll returns ok=false while the file is absent or carries no server URL.
// It never blocks.
func (p FileProvisioner) Poll(_ context.Context) (Provisioning, bool, error) {
	data, err := os.ReadFile(p.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return Provisioning{}, false, nil
	}
	if err != nil {
		return Provisioning{}, false, fmt.Errorf("read %s: %w", p.Path, err)
	}
	var out Provisioning
	if err := yaml.Unmarshal(data, &out); err != nil {
		return Provisioning{}, false, fmt.Errorf("parse %s: %w", p.Path, err)
	}
	out.ServerURL = strings.TrimSpace(out.ServerURL)
	if out.ServerURL == "" {
		return Provisioning{}, false, nil
	}
	return out, true, nil
}

// Reset removes the network credentials and the provisioning file. Missing
// files are not an error.
func (p FileProvisioner) Reset(_ context.Context) error {
	var errs []error
	for _, path := range []string{p.CredentialsPath, p.Path} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
