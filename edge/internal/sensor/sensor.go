// Package sensor holds the measurement sources the agent samples each cycle.
// Sources leave Reading.Timestamp at zero; the agent stamps readings with its
// synchronised clock.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/alimk/edge-agent/pkg/models"
)

// ErrUnavailable means no measurement could be taken this cycle.
var ErrUnavailable = errors.New("sensor: measurement unavailable")

// Source reads the current measurement set, or fails.
type Source interface {
	Read(ctx context.Context) ([]models.Reading, error)
}

// Multi combines several sources. A partial set is returned when at least one
// member succeeds; when all fail (or return nothing) it reports ErrUnavailable.
type Multi struct {
	sources []Source
	logger  *slog.Logger
}

func NewMulti(logger *slog.Logger, sources ...Source) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{sources: sources, logger: logger}
}

func (m *Multi) Read(ctx context.Context) ([]models.Reading, error) {
	var out []models.Reading
	var errs []error
	for _, s := range m.sources {
		rs, err := s.Read(ctx)
		if err != nil {
			m.logger.Debug("sensor read failed", "source", fmt.Sprintf("%T", s), "error", err)
			errs = append(errs, err)
			continue
		}
		out = append(out, rs...)
	}
	if len(out) == 0 {
		if len(errs) == 0 {
			return nil, ErrUnavailable
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
	}
	return out, nil
}

// Simulated produces plausible environmental readings for development boards
// without a sensor attached.
type Simulated struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulated(seed int64) *Simulated {
	return &Simulated{rng: rand.New(rand.NewSource(seed))}
}

func (s *Simulated) Read(_ context.Context) ([]models.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []models.Reading{
		{Sensor: "temperature", Value: round2(20.0 + s.rng.Float64()*15.0), Unit: "C"}, // 20–35 °C
		{Sensor: "humidity", Value: round2(40.0 + s.rng.Float64()*40.0), Unit: "%"},    // 40–80 %
		{Sensor: "pressure", Value: round2(1000.0 + s.rng.Float64()*30.0), Unit: "hPa"},
	}, nil
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// Stamp sets every zero timestamp in rs to now.
func Stamp(rs []models.Reading, now time.Time) {
	ts := now.Unix()
	for i := range rs {
		if rs[i].Timestamp == 0 {
			rs[i].Timestamp = ts
		}
	}
}
