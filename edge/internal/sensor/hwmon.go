package sensor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/alimk/edge-agent/pkg/models"
)

// Hwmon reads a Linux hwmon device, e.g. the aht10 driver for an AHT20
// exposed at /sys/class/hwmon/hwmonN. Values are in millidegrees Celsius and
// milli-percent relative humidity.
type Hwmon struct {
	dir string
}

func NewHwmon(dir string) *Hwmon {
	return &Hwmon{dir: dir}
}

// FindHwmon returns the first hwmon directory under root whose name file
// matches name.
func FindHwmon(root, name string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", root, err)
	}
	for _, e := range entries {
		dir := filepath.Join(root, e.Name())
		b, err := os.ReadFile(filepath.Join(dir, "name"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(b)) == name {
			return dir, nil
		}
	}
	return "", fmt.Errorf("hwmon %q not found under %s", name, root)
}

var hwmonChannels = []struct {
	file   string
	sensor string
	unit   string
}{
	{"temp1_input", "temperature", "C"},
	{"humidity1_input", "humidity", "%"},
}

func (h *Hwmon) Read(ctx context.Context) ([]models.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.Reading
	for _, ch := range hwmonChannels {
		b, err := os.ReadFile(filepath.Join(h.dir, ch.file))
		if err != nil {
			continue
		}
		milli, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", ch.file, err)
		}
		out = append(out, models.Reading{
			Sensor: ch.sensor,
			Value:  float64(milli) / 1000,
			Unit:   ch.unit,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no hwmon inputs in %s", ErrUnavailable, h.dir)
	}
	return out, nil
}
