package watch

import (
	"errors"
	"fmt"
	"time"

	"anchorwatch/internal/geofence"
	"anchorwatch/internal/models"
)

// ErrAlreadyWatching is returned when an anchor is set while a watch is active
var ErrAlreadyWatching = errors.New("anchor watch already active")

// Transition describes the effect of one event on the machine
type Transition struct {
	From models.WatchState
	To   models.WatchState
	// MaxGrew is set when maxDistanceRecorded increased
	MaxGrew bool
}

// Changed reports whether the state changed
func (t Transition) Changed() bool { return t.From != t.To }

// Machine is the idle/watching/alarm state machine. It is not safe for
// concurrent use; the Service serialises access.
type Machine struct {
	state       models.WatchState
	config      *models.AnchorWatchConfig
	anchor      *models.Position
	vessel      *models.Position
	radius      float64
	distance    float64
	bearing     float64
	accuracy    float64
	maxDistance float64
	startedAt   int64
	ack         bool
	history     *History
}

// NewMachine creates an idle machine
func NewMachine(historySize int) *Machine {
	return &Machine{state: models.StateIdle, history: NewHistory(historySize)}
}

// State returns the current state
func (m *Machine) State() models.WatchState { return m.state }

// SetAnchor drops the anchor at fix and starts watching
func (m *Machine) SetAnchor(cfg models.AnchorWatchConfig, fix models.Position, now time.Time) (models.Snapshot, Transition, error) {
	if m.state.Active() {
		return m.Snapshot(), Transition{From: m.state, To: m.state}, ErrAlreadyWatching
	}
	if err := geofence.Validate(cfg); err != nil {
		return m.Snapshot(), Transition{From: m.state, To: m.state}, err
	}

	from := m.state
	anchor := fix
	vessel := fix
	m.state = models.StateWatching
	m.config = &cfg
	m.anchor = &anchor
	m.vessel = &vessel
	m.radius = geofence.SwingRadius(cfg)
	m.distance = 0
	m.bearing = 0
	m.accuracy = fix.AccuracyMeters
	m.maxDistance = 0
	m.startedAt = now.UnixMilli()
	m.ack = false
	m.history.Reset()
	m.history.Push(fix)

	return m.Snapshot(), Transition{From: from, To: m.state}, nil
}

// Sample applies one position. Samples are ignored while idle.
func (m *Machine) Sample(p models.Position) (models.Snapshot, Transition) {
	from := m.state
	if !m.state.Active() {
		return m.Snapshot(), Transition{From: from, To: from}
	}

	vessel := p
	m.vessel = &vessel
	m.distance = geofence.Distance(*m.anchor, p)
	m.bearing = geofence.BearingToAnchor(*m.anchor, p)
	m.accuracy = p.AccuracyMeters
	m.history.Push(p)

	grew := false
	if m.distance > m.maxDistance {
		m.maxDistance = m.distance
		grew = true
	}

	if m.distance <= m.radius {
		if m.state == models.StateAlarm {
			m.ack = false
		}
		m.state = models.StateWatching
	} else {
		m.state = models.StateAlarm
	}

	return m.Snapshot(), Transition{From: from, To: m.state, MaxGrew: grew}
}

// Acknowledge silences the alarm without leaving the alarm state. It reports
// whether anything changed.
func (m *Machine) Acknowledge() (models.Snapshot, bool) {
	if m.state != models.StateAlarm || m.ack {
		return m.Snapshot(), false
	}
	m.ack = true
	return m.Snapshot(), true
}

// Stop ends the watch and clears everything it recorded
func (m *Machine) Stop() (models.Snapshot, Transition) {
	from := m.state
	m.state = models.StateIdle
	m.config = nil
	m.anchor = nil
	m.vessel = nil
	m.radius, m.distance, m.bearing, m.accuracy, m.maxDistance = 0, 0, 0, 0, 0
	m.startedAt = 0
	m.ack = false
	m.history.Reset()
	return m.Snapshot(), Transition{From: from, To: m.state}
}

// Restore rebuilds an active watch from a persisted record. The history
// starts empty.
func (m *Machine) Restore(rec Record) (models.Snapshot, error) {
	if m.state.Active() {
		return m.Snapshot(), ErrAlreadyWatching
	}
	if !rec.State.Active() {
		return m.Snapshot(), fmt.Errorf("cannot restore a %q watch", rec.State)
	}
	if err := geofence.Validate(rec.Config); err != nil {
		return m.Snapshot(), err
	}

	cfg := rec.Config
	anchor := rec.AnchorPosition
	m.state = rec.State
	m.config = &cfg
	m.anchor = &anchor
	m.vessel = nil
	m.radius = geofence.SwingRadius(cfg)
	m.distance, m.bearing, m.accuracy = 0, 0, 0
	m.maxDistance = rec.MaxDistanceRecorded
	m.startedAt = rec.WatchStartedAt
	m.ack = false
	m.history.Reset()
	return m.Snapshot(), nil
}

// Record returns the persistable subset of the state
func (m *Machine) Record(now time.Time) (Record, bool) {
	if !m.state.Active() {
		return Record{}, false
	}
	return Record{
		Config:              *m.config,
		AnchorPosition:      *m.anchor,
		State:               m.state,
		WatchStartedAt:      m.startedAt,
		MaxDistanceRecorded: m.maxDistance,
		SavedAt:             now.UnixMilli(),
		Version:             recordVersion,
	}, true
}

// Snapshot returns a fresh immutable view of the state
func (m *Machine) Snapshot() models.Snapshot {
	snap := models.Snapshot{
		State:               m.state,
		DistanceFromAnchor:  m.distance,
		SwingRadius:         m.radius,
		BearingToAnchor:     m.bearing,
		GPSAccuracy:         m.accuracy,
		MaxDistanceRecorded: m.maxDistance,
		PositionHistory:     m.history.Items(),
		WatchStartedAt:      m.startedAt,
		AlarmAcknowledged:   m.ack,
	}
	if m.anchor != nil {
		a := *m.anchor
		snap.AnchorPosition = &a
	}
	if m.vessel != nil {
		v := *m.vessel
		snap.VesselPosition = &v
		snap.CardinalToAnchor = geofence.Cardinal(m.bearing)
	}
	if m.config != nil {
		c := *m.config
		snap.Config = &c
	}
	return snap
}
