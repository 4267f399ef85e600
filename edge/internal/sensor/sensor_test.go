package sensor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/alimk/edge-agent/pkg/models"
)

type stubSource struct {
	readings []models.Reading
	err      error
}

func (s stubSource) Read(context.Context) ([]models.Reading, error) { return s.readings, s.err }

func TestMulti(t *testing.T) {
	t.Parallel()

	temp := models.Reading{Sensor: "temperature", Value: 21, Unit: "C"}
	hum := models.Reading{Sensor: "humidity", Value: 50, Unit: "%"}
	broken := stubSource{err: errors.New("i2c nack")}

	tests := []struct {
		name      string
		sources   []Source
		wantCount int
		wantErr   bool
	}{
		{name: "all succeed", sources: []Source{stubSource{readings: []models.Reading{temp}}, stubSource{readings: []models.Reading{hum}}}, wantCount: 2},
		{name: "partial", sources: []Source{broken, stubSource{readings: []models.Reading{hum}}}, wantCount: 1},
		{name: "all fail", sources: []Source{broken, broken}, wantErr: true},
		{name: "empty sets", sources: []Source{stubSource{}}, wantErr: true},
		{name: "no sources", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rs, err := NewMulti(nil, tc.sources...).Read(context.Background())
			if tc.wantErr {
				if !errors.Is(err, ErrUnavailable) {
					t.Fatalf("want ErrUnavailable, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(rs) != tc.wantCount {
				t.Errorf("got %d readings, want %d", len(rs), tc.wantCount)
			}
		})
	}
}

func TestHwmon(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir := filepath.Join(root, "hwmon2")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"name":            "aht10\n",
		"temp1_input":     "23450\n",
		"humidity1_input": "48200\n",
	}
	for name, v := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(v), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	found, err := FindHwmon(root, "aht10")
	if err != nil {
		t.Fatalf("FindHwmon: %v", err)
	}
	if found != dir {
		t.Fatalf("FindHwmon = %q, want %q", found, dir)
	}

	rs, err := NewHwmon(found).Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(rs) != 2 {
		t.Fatalf("got %d readings", len(rs))
	}
	if rs[0].Sensor != "temperature" || rs[0].Value != 23.45 || rs[0].Unit != "C" {
		t.Errorf("temperature = %+v", rs[0])
	}
	if rs[1].Sensor != "humidity" || rs[1].Value != 48.2 {
		t.Errorf("humidity = %+v", rs[1])
	}
}

func TestHwmonMissing(t *testing.T) {
	t.Parallel()

	_, err := NewHwmon(t.TempDir()).Read(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("want ErrUnavailable, got %v", err)
	}
	if _, err := FindHwmon(t.TempDir(), "aht10"); err == nil {
		t.Error("want error for missing hwmon")
	}
}

func TestSimulatedValidates(t *testing.T) {
	t.Parallel()

	rs, err := NewSimulated(1).Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	Stamp(rs, time.Unix(1_700_000_000, 0))
	for _, r := range rs {
		if err := r.Validate(); err != nil {
			t.Errorf("%s: %v", r.Sensor, err)
		}
		if r.Timestamp != 1_700_000_000 {
			t.Errorf("%s not stamped", r.Sensor)
		}
	}
}

func TestStampKeepsExisting(t *testing.T) {
	t.Parallel()

	rs := []models.Reading{{Sensor: "a", Unit: "u", Timestamp: 5}, {Sensor: "b", Unit: "u"}}
	Stamp(rs, time.Unix(9, 0))
	if rs[0].Timestamp != 5 || rs[1].Timestamp != 9 {
		t.Errorf("got %d %d", rs[0].Timestamp, rs[1].Timestamp)
	}
}

func TestSocTemperature(t *testing.T) {
	t.Parallel()

	temps := []host.TemperatureStat{
		{SensorKey: "nvme_composite", Temperature: 38},
		{SensorKey: "cpu_thermal", Temperature: 51.236},
	}
	if v, ok := socTemperature(temps); !ok || v != 51.24 {
		t.Errorf("got %v %v, want 51.24", v, ok)
	}
	if v, ok := socTemperature(temps[:1]); !ok || v != 38 {
		t.Errorf("fallback got %v %v", v, ok)
	}
	if _, ok := socTemperature([]host.TemperatureStat{{SensorKey: "x", Temperature: 0}}); ok {
		t.Error("zero reading accepted")
	}
}
