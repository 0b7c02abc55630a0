// Package syncsvc shares the vessel's watch status with a shore device over a
// relay channel. It knows nothing about geofences; it relays whatever the
// caller hands it.
package syncsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"sync"
	"time"

	"anchorwatch/internal/models"
	"anchorwatch/internal/relay"
	"anchorwatch/internal/storage"
	"anchorwatch/pkg/logger"
)

var (
	ErrInvalidCode        = errors.New("sync: session code must be exactly 6 digits")
	ErrChannelUnavailable = errors.New("sync: relay channel unavailable")
	ErrNotVessel          = errors.New("sync: only the vessel broadcasts")
	ErrNotConnected       = errors.New("sync: not connected to a session")
	ErrClosed             = errors.New("sync: service closed")
)

var codePattern = regexp.MustCompile(`^[0-9]{6}$`)

// ValidCode reports whether code is a well formed session code
func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}

// NewCode returns a random 6 digit session code
func NewCode() string {
	return fmt.Sprintf("%06d", rand.IntN(1000000))
}

func topicFor(code string) string {
	return "session:" + code
}

// Envelope types
const (
	envelopePosition = "position"
	envelopePresence = "presence"
	envelopeLeave    = "leave"
)

// envelope wraps everything sent on a session topic
type envelope struct {
	Type   string          `json:"type"`
	From   string          `json:"from"`
	Role   models.Role     `json:"role"`
	SentAt int64           `json:"sentAt"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Options tunes a Service
type Options struct {
	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration
	Clock             func() time.Time
	NewCode           func() string
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.PeerTimeout <= 0 {
		o.PeerTimeout = 3 * o.HeartbeatInterval
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.NewCode == nil {
		o.NewCode = NewCode
	}
}

// Service owns the sharing session. Lifecycle operations are serialised by
// lifecycleMu; events from the relay and the heartbeat by eventMu. Readers
// use stateMu.
type Service struct {
	relay    relay.Relay
	store    storage.Store
	opts     Options
	deviceID string

	lifecycleMu sync.Mutex
	closed      bool
	sub         relay.Subscription
	runCancel   context.CancelFunc
	runDone     chan struct{}

	eventMu    sync.Mutex
	generation uint64
	lastSeen   time.Time

	// sendMu orders position broadcasts before the leave envelope
	sendMu sync.RWMutex

	stateMu sync.RWMutex
	state   models.SyncState
	last    *models.PositionBroadcast

	stateSubs     observers[models.SyncState]
	broadcastSubs observers[models.PositionBroadcast]
}

// NewService creates a service with no session. The device id is loaded
// from store, or created on first use.
func NewService(r relay.Relay, store storage.Store, opts Options) *Service {
	opts.setDefaults()
	id := loadDeviceID(store)
	return &Service{
		relay:    r,
		store:    store,
		opts:     opts,
		deviceID: id,
		state:    models.SyncState{Role: models.RoleNone, DeviceID: id},
	}
}

// DeviceID returns the id this device uses on the relay
func (s *Service) DeviceID() string { return s.deviceID }

// State returns the current sync state
func (s *Service) State() models.SyncState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// LastBroadcast returns the most recent broadcast received from the vessel
func (s *Service) LastBroadcast() (models.PositionBroadcast, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.last == nil {
		return models.PositionBroadcast{}, false
	}
	return *s.last, true
}

// OnStateChange registers fn for connection and presence changes. Callbacks
// run synchronously and in order; they may read State and call
// BroadcastPosition but must not start or end sessions.
func (s *Service) OnStateChange(fn func(models.SyncState)) func() {
	return s.stateSubs.add(fn)
}

// OnBroadcast registers fn for every broadcast received from the vessel
func (s *Service) OnBroadcast(fn func(models.PositionBroadcast)) func() {
	return s.broadcastSubs.add(fn)
}

// setState publishes st. Callers hold eventMu.
func (s *Service) setState(st models.SyncState) {
	s.stateMu.Lock()
	changed := s.state != st
	s.state = st
	s.stateMu.Unlock()
	if changed {
		s.stateSubs.notify(st)
	}
}

// CreateSession opens a new session as the vessel and returns its code. A
// session already in progress is left first.
func (s *Service) CreateSession(ctx context.Context) (string, error) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	s.endLocked(ctx, true)

	code := s.opts.NewCode()
	if err := s.openLocked(ctx, code, models.RoleVessel); err != nil {
		return "", err
	}
	logger.Infof("sync: created session %s", code)
	return code, nil
}

// JoinSession joins the session named by code as the shore device. A
// malformed code is rejected before the relay is touched.
func (s *Service) JoinSession(ctx context.Context, code string) error {
	if !ValidCode(code) {
		return ErrInvalidCode
	}

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.endLocked(ctx, true)

	if err := s.openLocked(ctx, code, models.RoleShore); err != nil {
		return err
	}
	logger.Infof("sync: joined session %s", code)
	return nil
}

// openLocked subscribes to code's topic, persists the session and starts the
// session loop. Callers hold lifecycleMu.
func (s *Service) openLocked(ctx context.Context, code string, role models.Role) error {
	sub, err := s.relay.Subscribe(ctx, topicFor(code))
	if err != nil {
		logger.Warnf("sync: session %s unavailable: %v", code, err)
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}

	rec := sessionRecord{Code: code, Role: role, DeviceID: s.deviceID, SavedAt: s.opts.Clock().UnixMilli()}
	if err := saveSession(ctx, s.store, rec); err != nil {
		logger.Error("sync: session will not survive a restart", err)
	}

	s.eventMu.Lock()
	s.generation++
	gen := s.generation
	s.lastSeen = time.Time{}
	s.stateMu.Lock()
	s.last = nil
	s.stateMu.Unlock()
	s.setState(models.SyncState{
		Connected:   true,
		SessionCode: code,
		Role:        role,
		DeviceID:    s.deviceID,
	})
	s.eventMu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.sub = sub
	s.runCancel = cancel
	s.runDone = done
	go s.run(runCtx, sub, gen, code, role, done)

	s.sendEnvelope(ctx, code, role, envelopePresence, nil)
	return nil
}

// LeaveSession ends the session: the peer is told, the subscription and
// heartbeat are cancelled and the saved session is cleared.
func (s *Service) LeaveSession(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.endLocked(ctx, true)
}

// endLocked tears the current session down. forget clears the saved session
// and resets the role; otherwise the session is kept for RestoreSession.
// Callers hold lifecycleMu.
func (s *Service) endLocked(ctx context.Context, forget bool) error {
	st := s.State()
	if s.sub != nil {
		s.disconnect()
		s.stopLoopLocked()
		s.sendEnvelope(ctx, st.SessionCode, st.Role, envelopeLeave, nil)
		s.stopRunLocked()
	}

	var err error
	if forget {
		if err = s.store.Delete(ctx, sessionKey); err != nil {
			logger.Error("sync: failed to clear saved session", err)
		}
	}

	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	s.generation++
	if !forget {
		return err
	}
	if st.SessionCode != "" {
		logger.Infof("sync: left session %s", st.SessionCode)
	}
	s.stateMu.Lock()
	s.last = nil
	s.stateMu.Unlock()
	s.setState(models.SyncState{Role: models.RoleNone, DeviceID: s.deviceID})
	return err
}

// disconnect drops the session's events and reports it disconnected. Once
// it returns no position broadcast is in flight and BroadcastPosition
// fails with ErrNotConnected.
func (s *Service) disconnect() {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	s.generation++
	s.lastSeen = time.Time{}

	s.sendMu.Lock()
	s.stateMu.Lock()
	changed := s.state.Connected || s.state.PeerConnected
	s.state.Connected = false
	s.state.PeerConnected = false
	st := s.state
	s.stateMu.Unlock()
	s.sendMu.Unlock()

	if changed {
		s.stateSubs.notify(st)
	}
}

// stopLoopLocked cancels the session loop and waits for it, which stops the
// heartbeat. Callers hold lifecycleMu but not eventMu.
func (s *Service) stopLoopLocked() {
	if s.runCancel != nil {
		s.runCancel()
		<-s.runDone
	}
	s.runCancel, s.runDone = nil, nil
}

// stopRunLocked cancels the session loop and closes the subscription.
// Callers hold lifecycleMu but not eventMu.
func (s *Service) stopRunLocked() {
	s.stopLoopLocked()
	if s.sub != nil {
		s.sub.Close()
	}
	s.sub = nil
}

// RestoreSession resubscribes to the session saved before a restart. It
// reports whether a session was resumed.
func (s *Service) RestoreSession(ctx context.Context) bool {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.closed || s.State().Connected {
		return false
	}

	rec, ok := loadSession(ctx, s.store)
	if !ok {
		return false
	}
	if rec.DeviceID != "" && rec.DeviceID != s.deviceID {
		logger.Warnf("sync: saved session belongs to device %s", rec.DeviceID)
	}
	if s.sub != nil {
		s.stopRunLocked()
	}
	if err := s.openLocked(ctx, rec.Code, rec.Role); err != nil {
		return false
	}
	logger.Infof("sync: restored session %s as %s", rec.Code, rec.Role)
	return true
}

// Close ends the session loop but keeps the saved session, so the next start
// can restore it
func (s *Service) Close() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.endLocked(ctx, false)

	s.eventMu.Lock()
	st := s.State()
	st.Connected = false
	st.PeerConnected = false
	s.setState(st)
	s.eventMu.Unlock()
	logger.Info("Sync service stopped")
	return nil
}

// BroadcastPosition sends b to the shore device. Only the vessel broadcasts,
// and only while connected. No throttling is applied.
func (s *Service) BroadcastPosition(ctx context.Context, b models.PositionBroadcast) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	st := s.State()
	if st.Role != models.RoleVessel {
		return ErrNotVessel
	}
	if !st.Connected {
		return ErrNotConnected
	}

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	if err := s.publish(ctx, st.SessionCode, st.Role, envelopePosition, data); err != nil {
		return fmt.Errorf("broadcast position: %w", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, code string, role models.Role, kind string, data json.RawMessage) error {
	payload, err := json.Marshal(envelope{
		Type:   kind,
		From:   s.deviceID,
		Role:   role,
		SentAt: s.opts.Clock().UnixMilli(),
		Data:   data,
	})
	if err != nil {
		return err
	}
	return s.relay.Publish(ctx, topicFor(code), payload)
}

// sendEnvelope publishes a control envelope and only logs failures
func (s *Service) sendEnvelope(ctx context.Context, code string, role models.Role, kind string, data json.RawMessage) {
	if err := s.publish(ctx, code, role, kind, data); err != nil {
		logger.Debugf("sync: %s envelope not sent: %v", kind, err)
	}
}

// run consumes relay events and drives the presence heartbeat for one
// session
func (s *Service) run(ctx context.Context, sub relay.Subscription, gen uint64, code string, role models.Role, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				s.handleDrop(gen, code)
				return
			}
			s.handleEvent(ctx, gen, code, role, ev)
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(ctx, s.opts.HeartbeatInterval)
			s.sendEnvelope(hctx, code, role, envelopePresence, nil)
			cancel()
			s.checkPeer(gen)
		}
	}
}

func (s *Service) handleEvent(ctx context.Context, gen uint64, code string, role models.Role, ev relay.Event) {
	switch ev.Kind {
	case relay.KindJoin:
		if ev.Members > 1 {
			s.peerSeen(gen)
			// let the newcomer see us without waiting for the next heartbeat
			s.sendEnvelope(ctx, code, role, envelopePresence, nil)
		}
		return
	case relay.KindLeave:
		if ev.Members <= 1 {
			s.peerGone(gen, "left the channel")
		}
		return
	}

	var env envelope
	if err := json.Unmarshal(ev.Payload, &env); err != nil {
		logger.Debugf("sync: ignoring malformed envelope: %v", err)
		return
	}
	if env.From == s.deviceID {
		return
	}

	switch env.Type {
	case envelopeLeave:
		s.peerGone(gen, "left the session")
	case envelopePresence:
		s.peerSeen(gen)
	case envelopePosition:
		s.peerSeen(gen)
		if role != models.RoleShore {
			return
		}
		var b models.PositionBroadcast
		if err := json.Unmarshal(env.Data, &b); err != nil {
			logger.Debugf("sync: ignoring malformed broadcast: %v", err)
			return
		}
		s.receive(gen, b)
	default:
		logger.Debugf("sync: ignoring envelope type %q", env.Type)
	}
}

func (s *Service) receive(gen uint64, b models.PositionBroadcast) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	if gen != s.generation {
		return
	}
	s.stateMu.Lock()
	s.last = &b
	s.state.LastBroadcastAt = s.opts.Clock().UnixMilli()
	s.stateMu.Unlock()
	s.broadcastSubs.notify(b)
}

func (s *Service) peerSeen(gen uint64) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	if gen != s.generation {
		return
	}
	s.lastSeen = s.opts.Clock()
	st := s.State()
	if !st.PeerConnected {
		logger.Infof("sync: peer connected to session %s", st.SessionCode)
		st.PeerConnected = true
		s.setState(st)
	}
}

func (s *Service) peerGone(gen uint64, reason string) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	if gen != s.generation {
		return
	}
	s.lastSeen = time.Time{}
	st := s.State()
	if st.PeerConnected {
		logger.Infof("sync: peer %s", reason)
		st.PeerConnected = false
		s.setState(st)
	}
}

// checkPeer expires a peer that has been silent for longer than PeerTimeout
func (s *Service) checkPeer(gen uint64) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	if gen != s.generation || s.lastSeen.IsZero() {
		return
	}
	if s.opts.Clock().Sub(s.lastSeen) <= s.opts.PeerTimeout {
		return
	}
	s.lastSeen = time.Time{}
	st := s.State()
	if st.PeerConnected {
		logger.Warnf("sync: no word from peer for %s", s.opts.PeerTimeout)
		st.PeerConnected = false
		s.setState(st)
	}
}

// handleDrop reacts to the relay closing the subscription. The saved session
// is kept; reconnecting is up to the caller.
func (s *Service) handleDrop(gen uint64, code string) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	if gen != s.generation {
		return
	}
	s.generation++
	s.lastSeen = time.Time{}
	logger.Warnf("sync: connection to session %s lost", code)
	st := s.State()
	st.Connected = false
	st.PeerConnected = false
	s.setState(st)
}
