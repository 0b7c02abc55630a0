package gps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"anchorwatch/internal/models"
	"anchorwatch/pkg/logger"
	"anchorwatch/pkg/utils"
)

// Sampler normalises fixes from a Source into models.Position values
type Sampler struct {
	source Source
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSampler creates a sampler over source. A nil clock uses time.Now.
func NewSampler(source Source, clock func() time.Time) *Sampler {
	if clock == nil {
		clock = time.Now
	}
	return &Sampler{source: source, now: clock}
}

// Normalize validates a raw fix and converts it to a Position
func (s *Sampler) Normalize(fix Fix) (models.Position, error) {
	switch {
	case !utils.IsFinite(fix.Latitude) || !utils.IsFinite(fix.Longitude):
		return models.Position{}, fmt.Errorf("%w: coordinates are not finite", ErrNoFix)
	case fix.Latitude < -90 || fix.Latitude > 90:
		return models.Position{}, fmt.Errorf("%w: latitude %f out of range", ErrNoFix, fix.Latitude)
	case fix.Longitude < -180 || fix.Longitude > 180:
		return models.Position{}, fmt.Errorf("%w: longitude %f out of range", ErrNoFix, fix.Longitude)
	case !utils.IsFinite(fix.Accuracy) || fix.Accuracy < 0:
		return models.Position{}, fmt.Errorf("%w: accuracy %f invalid", ErrNoFix, fix.Accuracy)
	}

	ts := fix.Time
	if ts.IsZero() {
		ts = s.now()
	}
	return models.Position{
		Latitude:       fix.Latitude,
		Longitude:      fix.Longitude,
		AccuracyMeters: fix.Accuracy,
		TimestampMs:    ts.UnixMilli(),
	}, nil
}

// AcquireFix requests one high-accuracy fix, waiting at most timeout
func (s *Sampler) AcquireFix(ctx context.Context, timeout time.Duration) (models.Position, error) {
	fixCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fix, err := s.source.CurrentFix(fixCtx)
	if err != nil {
		switch {
		case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrNoFix),
			errors.Is(err, ErrFixTimeout), errors.Is(err, ErrSourceClosed):
			return models.Position{}, err
		case ctx.Err() != nil:
			return models.Position{}, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return models.Position{}, fmt.Errorf("%w after %s", ErrFixTimeout, timeout)
		}
		return models.Position{}, fmt.Errorf("%w: %v", ErrNoFix, err)
	}
	return s.Normalize(fix)
}

// Start subscribes to continuous updates. Valid samples go to onSample in
// arrival order; faults and rejected fixes go to onError. A running
// subscription is replaced.
func (s *Sampler) Start(ctx context.Context, onSample func(models.Position), onError func(error)) error {
	s.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	fixes, errs, err := s.source.Updates(runCtx)
	if err != nil {
		cancel()
		return err
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.run(runCtx, fixes, errs, onSample, onError, done)
	return nil
}

func (s *Sampler) run(ctx context.Context, fixes <-chan Fix, errs <-chan error, onSample func(models.Position), onError func(error), done chan struct{}) {
	defer close(done)

	report := func(err error) {
		if ctx.Err() != nil {
			return
		}
		if onError != nil {
			onError(err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			report(err)
		case fix, ok := <-fixes:
			if !ok {
				report(ErrSourceClosed)
				return
			}
			pos, err := s.Normalize(fix)
			if err != nil {
				logger.Debugf("gps: rejected fix: %v", err)
				report(err)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			onSample(pos)
		}
	}
}

// Stop cancels the subscription. No callback runs after Stop returns. Stop
// must not be called from inside a callback.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether a subscription is active
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}
