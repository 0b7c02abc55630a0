// Package broadcast forwards the vessel's watch status to the sync session
// on a fixed cadence.
package broadcast

import (
	"context"
	"sync"
	"time"

	"anchorwatch/internal/models"
	"anchorwatch/pkg/logger"
)

// SnapshotSource provides the current watch snapshot
type SnapshotSource interface {
	Snapshot() models.Snapshot
}

// Session is the sync side the broadcaster writes to
type Session interface {
	State() models.SyncState
	OnStateChange(fn func(models.SyncState)) func()
	BroadcastPosition(ctx context.Context, b models.PositionBroadcast) error
}

// Options tunes a Broadcaster
type Options struct {
	Interval time.Duration
	// OnSend is called after every attempt with its result
	OnSend func(error)
}

// Broadcaster sends the snapshot as soon as the vessel is connected and then
// every Interval, while a watch is active
type Broadcaster struct {
	watch   SnapshotSource
	session Session
	opts    Options

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	code        string
	unsubscribe func()
}

// New creates a stopped broadcaster
func New(watch SnapshotSource, session Session, opts Options) *Broadcaster {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	return &Broadcaster{watch: watch, session: session, opts: opts}
}

// FromSnapshot builds the wire payload for snap. It reports false when no
// watch is active or no vessel position is known yet.
func FromSnapshot(snap models.Snapshot) (models.PositionBroadcast, bool) {
	if !snap.State.Active() || snap.AnchorPosition == nil || snap.VesselPosition == nil || snap.Config == nil {
		return models.PositionBroadcast{}, false
	}
	return models.PositionBroadcast{
		Vessel:      *snap.VesselPosition,
		Anchor:      *snap.AnchorPosition,
		Distance:    snap.DistanceFromAnchor,
		SwingRadius: snap.SwingRadius,
		IsAlarm:     snap.State == models.StateAlarm,
		Config:      *snap.Config,
		Timestamp:   snap.VesselPosition.TimestampMs,
	}, true
}

// Start follows the session state and runs the ticker while this device is
// a connected vessel
func (b *Broadcaster) Start() {
	b.mu.Lock()
	if b.unsubscribe != nil {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	unsubscribe := b.session.OnStateChange(b.follow)
	b.mu.Lock()
	b.unsubscribe = unsubscribe
	b.mu.Unlock()
	b.follow(b.session.State())
}

// Stop cancels the ticker and stops following the session
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	b.halt()
}

// Running reports whether the ticker is active
func (b *Broadcaster) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancel != nil
}

func (b *Broadcaster) follow(st models.SyncState) {
	if st.Role != models.RoleVessel || !st.Connected {
		b.halt()
		return
	}

	b.mu.Lock()
	if b.cancel != nil && b.code == st.SessionCode {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.halt()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.mu.Lock()
	b.cancel, b.done, b.code = cancel, done, st.SessionCode
	b.mu.Unlock()

	logger.Infof("broadcast: sending status to session %s every %s", st.SessionCode, b.opts.Interval)
	go b.loop(ctx, done)
}

func (b *Broadcaster) halt() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done, b.code = nil, nil, ""
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	logger.Debug("broadcast: stopped")
}

func (b *Broadcaster) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()

	b.send(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.send(ctx)
		}
	}
}

func (b *Broadcaster) send(ctx context.Context) {
	payload, ok := FromSnapshot(b.watch.Snapshot())
	if !ok {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, b.opts.Interval)
	defer cancel()

	err := b.session.BroadcastPosition(sendCtx, payload)
	if err != nil && ctx.Err() == nil {
		logger.Warnf("broadcast: send failed: %v", err)
	}
	if b.opts.OnSend != nil && ctx.Err() == nil {
		b.opts.OnSend(err)
	}
}
