package watch

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchorwatch/internal/geofence"
	"anchorwatch/internal/models"
)

var (
	t0     = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	anchor = models.Position{Latitude: 10, Longitude: 20, AccuracyMeters: 3, TimestampMs: t0.UnixMilli()}
)

// east returns a position meters east of the anchor
func east(meters float64, ts int64) models.Position {
	dLon := meters / (111320 * math.Cos(anchor.Latitude*math.Pi/180))
	return models.Position{Latitude: anchor.Latitude, Longitude: anchor.Longitude + dLon, AccuracyMeters: 4, TimestampMs: ts}
}

func chainConfig(t *testing.T) models.AnchorWatchConfig {
	t.Helper()
	cfg, err := geofence.NewConfig(40, 8, models.RodeChain, 10)
	require.NoError(t, err)
	return cfg
}

func TestMachineSetAnchor(t *testing.T) {
	m := NewMachine(10)
	snap, tr, err := m.SetAnchor(chainConfig(t), anchor, t0)
	require.NoError(t, err)

	assert.Equal(t, Transition{From: models.StateIdle, To: models.StateWatching}, tr)
	assert.Equal(t, models.StateWatching, snap.State)
	assert.Equal(t, t0.UnixMilli(), snap.WatchStartedAt)
	assert.InDelta(t, 43.31, snap.SwingRadius, 0.01)
	if diff := cmp.Diff(snap.PositionHistory, []models.Position{anchor}); diff != "" {
		t.Errorf("history mismatch (-got +want):\n%s", diff)
	}

	_, _, err = m.SetAnchor(chainConfig(t), anchor, t0)
	assert.ErrorIs(t, err, ErrAlreadyWatching)
}

func TestMachineRejectsInvalidConfig(t *testing.T) {
	m := NewMachine(10)
	_, _, err := m.SetAnchor(models.AnchorWatchConfig{RodeLength: 3, WaterDepth: 8, RodeType: models.RodeChain}, anchor, t0)
	assert.ErrorIs(t, err, geofence.ErrInvalidConfig)
	assert.Equal(t, models.StateIdle, m.State())
}

func TestMachineDragScenario(t *testing.T) {
	m := NewMachine(10)
	_, _, err := m.SetAnchor(chainConfig(t), anchor, t0)
	require.NoError(t, err)

	snap, tr := m.Sample(east(20, 1))
	assert.False(t, tr.Changed())
	assert.True(t, tr.MaxGrew)
	assert.Equal(t, models.StateWatching, snap.State)

	snap, tr = m.Sample(east(120, 2))
	assert.Equal(t, Transition{From: models.StateWatching, To: models.StateAlarm, MaxGrew: true}, tr)
	assert.InDelta(t, 120, snap.DistanceFromAnchor, 1e-6)
	assert.InDelta(t, 270, snap.BearingToAnchor, 1e-6)
	assert.Equal(t, "W", snap.CardinalToAnchor)
	assert.Equal(t, 4.0, snap.GPSAccuracy)
	assert.Len(t, snap.PositionHistory, 3)

	// coming back does not lower the recorded maximum
	snap, tr = m.Sample(east(5, 3))
	assert.Equal(t, models.StateWatching, tr.To)
	assert.False(t, tr.MaxGrew)
	assert.InDelta(t, 120, snap.MaxDistanceRecorded, 1e-6)
}

func TestMachineBoundaryIsInclusive(t *testing.T) {
	p := east(30, 1)
	d := geofence.Distance(anchor, p)
	// rode equal to depth leaves only the margin, so radius == d exactly
	cfg := models.AnchorWatchConfig{RodeLength: 8, WaterDepth: 8, RodeType: models.RodeChain, SafetyMarginMeters: d}

	m := NewMachine(10)
	_, _, err := m.SetAnchor(cfg, anchor, t0)
	require.NoError(t, err)

	snap, _ := m.Sample(p)
	assert.Equal(t, snap.SwingRadius, snap.DistanceFromAnchor)
	assert.Equal(t, models.StateWatching, snap.State)

	snap, _ = m.Sample(east(30.5, 2))
	assert.Equal(t, models.StateAlarm, snap.State)
}

func TestMachineAcknowledge(t *testing.T) {
	m := NewMachine(10)
	_, changed := m.Acknowledge()
	assert.False(t, changed, "idle")

	_, _, err := m.SetAnchor(chainConfig(t), anchor, t0)
	require.NoError(t, err)
	_, changed = m.Acknowledge()
	assert.False(t, changed, "watching")

	m.Sample(east(200, 1))
	snap, changed := m.Acknowledge()
	assert.True(t, changed)
	assert.True(t, snap.AlarmAcknowledged)
	assert.Equal(t, models.StateAlarm, snap.State)

	again, changed := m.Acknowledge()
	assert.False(t, changed)
	if diff := cmp.Diff(again, snap); diff != "" {
		t.Errorf("second acknowledge changed the snapshot (-got +want):\n%s", diff)
	}

	// still dragging: stays acknowledged
	snap, _ = m.Sample(east(210, 2))
	assert.True(t, snap.AlarmAcknowledged)

	// back inside clears the acknowledgement
	snap, _ = m.Sample(east(10, 3))
	assert.Equal(t, models.StateWatching, snap.State)
	assert.False(t, snap.AlarmAcknowledged)

	snap, _ = m.Sample(east(200, 4))
	assert.False(t, snap.AlarmAcknowledged)
}

func TestMachineStopClears(t *testing.T) {
	m := NewMachine(10)
	_, _, err := m.SetAnchor(chainConfig(t), anchor, t0)
	require.NoError(t, err)
	m.Sample(east(10, 1))

	snap, tr := m.Stop()
	assert.Equal(t, models.StateIdle, tr.To)
	if diff := cmp.Diff(snap, models.IdleSnapshot()); diff != "" {
		t.Errorf("stopped snapshot mismatch (-got +want):\n%s", diff)
	}

	snap, tr = m.Sample(east(500, 2))
	assert.False(t, tr.Changed())
	assert.Equal(t, models.StateIdle, snap.State)
}

func TestMachineRestore(t *testing.T) {
	m := NewMachine(10)
	_, _, err := m.SetAnchor(chainConfig(t), anchor, t0)
	require.NoError(t, err)
	m.Sample(east(80, 1))
	before := m.Snapshot()
	rec, ok := m.Record(t0.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, models.StateAlarm, rec.State)

	restored := NewMachine(10)
	snap, err := restored.Restore(rec)
	require.NoError(t, err)
	assert.Equal(t, before.State, snap.State)
	assert.Equal(t, before.Config, snap.Config)
	assert.Equal(t, before.AnchorPosition, snap.AnchorPosition)
	assert.Equal(t, before.MaxDistanceRecorded, snap.MaxDistanceRecorded)
	assert.Equal(t, before.WatchStartedAt, snap.WatchStartedAt)
	assert.Equal(t, before.SwingRadius, snap.SwingRadius)
	assert.Empty(t, snap.PositionHistory)
	assert.Nil(t, snap.VesselPosition)

	_, err = restored.Restore(rec)
	assert.ErrorIs(t, err, ErrAlreadyWatching)

	_, err = NewMachine(10).Restore(Record{State: models.StateIdle})
	assert.Error(t, err)
}

func TestSnapshotsAreIndependent(t *testing.T) {
	m := NewMachine(10)
	first, _, err := m.SetAnchor(chainConfig(t), anchor, t0)
	require.NoError(t, err)
	first.AnchorPosition.Latitude = 0
	first.Config.RodeLength = 1
	first.PositionHistory[0].Latitude = 0

	second := m.Snapshot()
	assert.Equal(t, 10.0, second.AnchorPosition.Latitude)
	assert.Equal(t, 40.0, second.Config.RodeLength)
	assert.Equal(t, 10.0, second.PositionHistory[0].Latitude)
}
