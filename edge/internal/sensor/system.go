package sensor

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/alimk/edge-agent/pkg/models"
)

// System reports board diagnostics: SoC temperature, CPU, memory, load and
// root filesystem usage.
type System struct {
	diskPath string
}

func NewSystem(diskPath string) *System {
	if diskPath == "" {
		diskPath = "/"
	}
	return &System{diskPath: diskPath}
}

func (s *System) Read(ctx context.Context) ([]models.Reading, error) {
	var out []models.Reading

	if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil {
		if t, ok := socTemperature(temps); ok {
			out = append(out, models.Reading{Sensor: "cpu_temperature", Value: t, Unit: "C"})
		}
	}
	if perc, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(perc) > 0 {
		out = append(out, models.Reading{Sensor: "cpu_usage", Value: round2(perc[0]), Unit: "%"})
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		out = append(out, models.Reading{Sensor: "memory_usage", Value: round2(vm.UsedPercent), Unit: "%"})
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		out = append(out, models.Reading{Sensor: "load1", Value: round2(avg.Load1), Unit: "load"})
	}
	if du, err := disk.UsageWithContext(ctx, s.diskPath); err == nil && du != nil {
		out = append(out, models.Reading{Sensor: "disk_usage", Value: round2(du.UsedPercent), Unit: "%"})
	}

	if len(out) == 0 {
		return nil, ErrUnavailable
	}
	return out, nil
}

// socTemperature prefers the SoC thermal zone and falls back to the first
// plausible reading.
func socTemperature(temps []host.TemperatureStat) (float64, bool) {
	var fallback float64
	found := false
	for _, t := range temps {
		if t.Temperature <= 0 || t.Temperature > 150 {
			continue
		}
		key := strings.ToLower(t.SensorKey)
		if strings.Contains(key, "cpu") || strings.Contains(key, "soc") || strings.Contains(key, "coretemp") {
			return round2(t.Temperature), true
		}
		if !found {
			fallback, found = round2(t.Temperature), true
		}
	}
	return fallback, found
}
