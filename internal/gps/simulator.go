package gps

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"anchorwatch/internal/config"
)

// SimulatedSource produces a deterministic random walk around a start point
// with an optional steady drift. It stands in for a receiver on the bench.
type SimulatedSource struct {
	interval time.Duration
	drift    float64
	heading  float64
	jitter   float64
	accuracy float64
	now      func() time.Time

	mu      sync.Mutex
	rng     *rand.Rand
	lat     float64
	lon     float64
	originX float64
	originY float64
}

// NewSimulatedSource builds a simulator from the gps.simulated config
func NewSimulatedSource(cfg config.SimulatedConfig) *SimulatedSource {
	interval := cfg.Interval.Duration
	if interval <= 0 {
		interval = time.Second
	}
	return &SimulatedSource{
		interval: interval,
		drift:    cfg.DriftMps,
		heading:  cfg.HeadingDeg,
		jitter:   cfg.JitterMeters,
		accuracy: cfg.Accuracy,
		now:      time.Now,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		lat:      cfg.Latitude,
		lon:      cfg.Longitude,
	}
}

// SetDrift changes the drift speed and heading, e.g. to simulate a dragging anchor
func (s *SimulatedSource) SetDrift(mps, headingDeg float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drift = mps
	s.heading = headingDeg
}

// step advances the simulation by dt and returns the new fix
func (s *SimulatedSource) step(dt time.Duration) Fix {
	s.mu.Lock()
	defer s.mu.Unlock()

	secs := dt.Seconds()
	rad := s.heading * math.Pi / 180
	s.originX += s.drift * secs * math.Sin(rad)
	s.originY += s.drift * secs * math.Cos(rad)

	jx := s.rng.NormFloat64() * s.jitter
	jy := s.rng.NormFloat64() * s.jitter
	return s.fixAt(s.originX+jx, s.originY+jy)
}

func (s *SimulatedSource) fixAt(x, y float64) Fix {
	lat := s.lat + y/110540.0
	lon := s.lon + x/(111320.0*math.Cos(s.lat*math.Pi/180))
	return Fix{Latitude: lat, Longitude: lon, Accuracy: s.accuracy, Time: s.now()}
}

// CurrentFix returns the present simulated position
func (s *SimulatedSource) CurrentFix(ctx context.Context) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}
	return s.step(0), nil
}

// Updates emits a fix every interval until ctx is done
func (s *SimulatedSource) Updates(ctx context.Context) (<-chan Fix, <-chan error, error) {
	fixes := make(chan Fix)
	errs := make(chan error)

	go func() {
		defer close(fixes)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case fixes <- s.step(s.interval):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return fixes, errs, nil
}
