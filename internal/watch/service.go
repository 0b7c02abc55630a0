package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"anchorwatch/internal/geofence"
	"anchorwatch/internal/gps"
	"anchorwatch/internal/models"
	"anchorwatch/pkg/logger"
	"anchorwatch/pkg/utils"
)

// ErrClosed is returned by operations on a closed service
var ErrClosed = errors.New("watch service closed")

// AnchorRequest carries the ground-tackle parameters for SetAnchor
type AnchorRequest struct {
	RodeLength         float64         `json:"rodeLength"`
	WaterDepth         float64         `json:"waterDepth"`
	RodeType           models.RodeType `json:"rodeType"`
	SafetyMarginMeters float64         `json:"safetyMarginMeters"`
}

// Options tunes a Service
type Options struct {
	FixTimeout    time.Duration
	FlushInterval time.Duration
	HistorySize   int
	Clock         func() time.Time
	// OnSamplerError is called for every position fault during a watch
	OnSamplerError func(error)
}

func (o *Options) setDefaults() {
	if o.FixTimeout <= 0 {
		o.FixTimeout = 10 * time.Second
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 30 * time.Second
	}
	if o.HistorySize <= 0 {
		o.HistorySize = DefaultHistorySize
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

type subscriber struct {
	id int
	fn func(models.Snapshot)
}

// Service runs the anchor watch. Lifecycle operations (SetAnchor, StopWatch,
// RestoreWatchState, Close) are serialised by lifecycleMu; every event that
// touches the machine is serialised by eventMu. Readers use stateMu.
type Service struct {
	sampler     *gps.Sampler
	persistence *Persistence
	opts        Options

	lifecycleMu sync.Mutex
	eventMu     sync.Mutex
	machine     *Machine
	generation  uint64

	stateMu  sync.RWMutex
	snapshot models.Snapshot

	subsMu sync.Mutex
	subs   []subscriber
	nextID int

	ctx         context.Context
	cancel      context.CancelFunc
	closed      bool
	flushCancel context.CancelFunc
	flushDone   chan struct{}
}

// NewService creates an idle watch service
func NewService(sampler *gps.Sampler, persistence *Persistence, opts Options) *Service {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		sampler:     sampler,
		persistence: persistence,
		opts:        opts,
		machine:     NewMachine(opts.HistorySize),
		snapshot:    models.IdleSnapshot(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start binds the service to ctx. Position updates and the flush timer stop
// when ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
}

// Close stops sampling and the flush timer. An active watch is flushed one
// last time and stays persisted so the next start resumes it.
func (s *Service) Close() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	s.sampler.Stop()
	s.stopFlush()

	s.eventMu.Lock()
	s.generation++
	s.flushLocked()
	s.eventMu.Unlock()

	s.cancel()
	logger.Info("Watch service stopped")
}

// Snapshot returns the current snapshot
func (s *Service) Snapshot() models.Snapshot {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.snapshot
}

// Subscribe registers fn for every snapshot. Notifications are synchronous
// and in order; fn may read Snapshot but must not call the mutating methods.
func (s *Service) Subscribe(fn func(models.Snapshot)) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscriber{id: id, fn: fn})

	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// commit publishes snap. Callers hold eventMu.
func (s *Service) commit(snap models.Snapshot) {
	s.stateMu.Lock()
	s.snapshot = snap
	s.stateMu.Unlock()

	s.subsMu.Lock()
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.subsMu.Unlock()

	for _, sub := range subs {
		sub.fn(snap)
	}
}

// SetAnchor validates req, acquires a fix and starts watching around it.
// A nil error means the watch is running.
func (s *Service) SetAnchor(ctx context.Context, req AnchorRequest) error {
	cfg, err := geofence.NewConfig(req.RodeLength, req.WaterDepth, req.RodeType, req.SafetyMarginMeters)
	if err != nil {
		return err
	}

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.Snapshot().State.Active() {
		return ErrAlreadyWatching
	}

	fix, err := s.sampler.AcquireFix(ctx, s.opts.FixTimeout)
	if err != nil {
		logger.Warnf("Anchor not set: %v", err)
		return fmt.Errorf("acquire anchor fix: %w", err)
	}

	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	snap, _, err := s.machine.SetAnchor(cfg, fix, s.opts.Clock())
	if err != nil {
		return err
	}

	s.generation++
	gen := s.generation
	if err := s.sampler.Start(s.ctx, s.sampleHandler(gen), s.errorHandler(gen)); err != nil {
		s.machine.Stop()
		return fmt.Errorf("start position updates: %w", err)
	}
	logger.Infof("Anchor set at %.6f,%.6f: swing radius %.1fm (%s, rode %.1fm, depth %.1fm, margin %.1fm)",
		fix.Latitude, fix.Longitude, snap.SwingRadius, cfg.RodeType, cfg.RodeLength, cfg.WaterDepth, cfg.SafetyMarginMeters)

	s.commit(snap)
	s.flushLocked()
	s.startFlush(gen)
	return nil
}

// StopWatch ends the watch and clears the saved state. Samples still in
// flight are dropped.
func (s *Service) StopWatch(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.sampler.Stop()
	s.stopFlush()

	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	s.generation++

	wasActive := s.machine.State().Active()
	snap, _ := s.machine.Stop()
	if wasActive {
		logger.Info("Anchor watch stopped")
		s.commit(snap)
	}
	if err := s.persistence.Clear(ctx); err != nil {
		logger.Error("watch: failed to clear saved state", err)
		return err
	}
	return nil
}

// AcknowledgeAlarm silences an active alarm. It does nothing in any other
// state.
func (s *Service) AcknowledgeAlarm() {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	snap, changed := s.machine.Acknowledge()
	if !changed {
		return
	}
	logger.Info("Anchor alarm acknowledged")
	s.commit(snap)
}

// RestoreWatchState resumes a watch saved before a restart. It reports
// whether a watch was resumed; nothing changes when it was not.
func (s *Service) RestoreWatchState(ctx context.Context) bool {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.closed || s.Snapshot().State.Active() {
		return false
	}

	rec, ok := s.persistence.Load(ctx)
	if !ok || !rec.State.Active() {
		return false
	}

	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	snap, err := s.machine.Restore(rec)
	if err != nil {
		logger.Warnf("watch: saved state not restored: %v", err)
		return false
	}
	s.generation++
	gen := s.generation
	if err := s.sampler.Start(s.ctx, s.sampleHandler(gen), s.errorHandler(gen)); err != nil {
		// keep the anchor; the UI shows no vessel until updates resume
		logger.Error("watch: position updates unavailable after restore", err)
	}

	logger.Infof("Anchor watch restored (%s) at %.6f,%.6f, started %s (%s ago)",
		rec.State, rec.AnchorPosition.Latitude, rec.AnchorPosition.Longitude,
		utils.FormatTimestamp(rec.WatchStartedAt),
		utils.FormatDuration(utils.Since(rec.WatchStartedAt, s.opts.Clock())))
	s.commit(snap)
	s.startFlush(gen)
	return true
}

func (s *Service) sampleHandler(gen uint64) func(models.Position) {
	return func(p models.Position) {
		s.eventMu.Lock()
		defer s.eventMu.Unlock()
		if gen != s.generation {
			return
		}

		snap, tr := s.machine.Sample(p)
		if tr.Changed() {
			switch tr.To {
			case models.StateAlarm:
				logger.Warnf("ANCHOR ALARM: %.1fm from anchor, swing radius %.1fm", snap.DistanceFromAnchor, snap.SwingRadius)
			case models.StateWatching:
				logger.Infof("Vessel back inside swing radius (%.1fm of %.1fm)", snap.DistanceFromAnchor, snap.SwingRadius)
			}
		}
		s.commit(snap)
		if tr.Changed() || tr.MaxGrew {
			s.flushLocked()
		}
	}
}

func (s *Service) errorHandler(gen uint64) func(error) {
	return func(err error) {
		s.eventMu.Lock()
		current := gen == s.generation
		s.eventMu.Unlock()
		if !current {
			return
		}
		logger.Warnf("watch: position update failed: %v", err)
		if s.opts.OnSamplerError != nil {
			s.opts.OnSamplerError(err)
		}
	}
}

// flushLocked saves the current record. Callers hold eventMu.
func (s *Service) flushLocked() {
	rec, ok := s.machine.Record(s.opts.Clock())
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.persistence.Save(ctx, rec); err != nil {
		logger.Error("watch: failed to save state", err)
	}
}

func (s *Service) startFlush(gen uint64) {
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.flushCancel = cancel
	s.flushDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.eventMu.Lock()
				if gen == s.generation {
					s.flushLocked()
				}
				s.eventMu.Unlock()
			}
		}
	}()
}

// stopFlush cancels the flush timer. Callers hold lifecycleMu but not eventMu.
func (s *Service) stopFlush() {
	if s.flushCancel == nil {
		return
	}
	s.flushCancel()
	<-s.flushDone
	s.flushCancel, s.flushDone = nil, nil
}
