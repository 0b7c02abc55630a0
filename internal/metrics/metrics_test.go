package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchorwatch/internal/models"
)

func watchSnapshot(state models.WatchState, distance float64, ts int64) models.Snapshot {
	snap := models.IdleSnapshot()
	snap.State = state
	snap.DistanceFromAnchor = distance
	snap.SwingRadius = 43.31
	snap.GPSAccuracy = 4
	snap.MaxDistanceRecorded = distance
	vessel := models.Position{Latitude: 10, Longitude: 20, AccuracyMeters: 4, TimestampMs: ts}
	snap.VesselPosition = &vessel
	return snap
}

func TestObserveSnapshot(t *testing.T) {
	m := New()

	m.ObserveSnapshot(watchSnapshot(models.StateWatching, 10, 1))
	m.ObserveSnapshot(watchSnapshot(models.StateAlarm, 50, 2))
	m.ObserveSnapshot(watchSnapshot(models.StateAlarm, 55, 3))
	// acknowledgement republishes the same sample
	m.ObserveSnapshot(watchSnapshot(models.StateAlarm, 55, 3))

	assert.Equal(t, 55.0, testutil.ToFloat64(m.distance))
	assert.Equal(t, 43.31, testutil.ToFloat64(m.swingRadius))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.watchState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alarms))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.samples))

	m.ObserveSnapshot(watchSnapshot(models.StateWatching, 20, 4))
	m.ObserveSnapshot(watchSnapshot(models.StateAlarm, 60, 5))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.alarms))

	m.ObserveSnapshot(models.IdleSnapshot())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.watchState))
}

func TestSyncAndBroadcastCounters(t *testing.T) {
	m := New()

	m.ObserveSyncState(models.SyncState{Connected: true, PeerConnected: true, Role: models.RoleVessel})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncPeerConnected))
	m.ObserveSyncState(models.SyncState{Role: models.RoleVessel, PeerConnected: true})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.syncPeerConnected))

	m.BroadcastSent(nil)
	m.BroadcastSent(nil)
	m.BroadcastSent(errors.New("relay down"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.broadcastsSent.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.broadcastsSent.WithLabelValues("error")))

	m.BroadcastReceived(models.PositionBroadcast{})
	m.SamplerError(errors.New("no fix"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.broadcastsReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.samplerErrors))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveSnapshot(watchSnapshot(models.StateWatching, 12.5, 1))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "anchorwatch_distance_meters 12.5")
	assert.Contains(t, string(body), "anchorwatch_watch_state 1")
	assert.Contains(t, string(body), "go_goroutines")
}
