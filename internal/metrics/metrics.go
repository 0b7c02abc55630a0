// Package metrics exposes the watch and sync state as Prometheus metrics
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"anchorwatch/internal/models"
)

const namespace = "anchorwatch"

// Metrics holds the collectors of one process. Each instance has its own
// registry.
type Metrics struct {
	registry *prometheus.Registry

	distance    prometheus.Gauge
	swingRadius prometheus.Gauge
	accuracy    prometheus.Gauge
	maxDistance prometheus.Gauge
	watchState  prometheus.Gauge

	syncConnected     prometheus.Gauge
	syncPeerConnected prometheus.Gauge

	samples            prometheus.Counter
	alarms             prometheus.Counter
	samplerErrors      prometheus.Counter
	broadcastsSent     *prometheus.CounterVec
	broadcastsReceived prometheus.Counter

	// touched by ObserveSnapshot only, which the watch calls serially
	lastState  models.WatchState
	lastSample int64
}

// New registers every collector on a fresh registry
func New() *Metrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}

	m := &Metrics{
		registry:    prometheus.NewRegistry(),
		distance:    gauge("distance_meters", "Distance from the vessel to the anchor."),
		swingRadius: gauge("swing_radius_meters", "Radius of the current swing circle."),
		accuracy:    gauge("gps_accuracy_meters", "Estimated horizontal accuracy of the last fix."),
		maxDistance: gauge("max_distance_meters", "Largest distance from the anchor during this watch."),
		watchState:  gauge("watch_state", "Watch state: 0 idle, 1 watching, 2 alarm."),

		syncConnected:     gauge("sync_connected", "1 while connected to a sharing session."),
		syncPeerConnected: gauge("sync_peer_connected", "1 while the other device is present."),

		samples:       counter("samples_total", "Position samples processed during a watch."),
		alarms:        counter("alarms_total", "Times the watch entered alarm."),
		samplerErrors: counter("sampler_errors_total", "Position update failures during a watch."),
		broadcastsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_sent_total",
			Help:      "Position broadcasts sent to the shore device.",
		}, []string{"result"}),
		broadcastsReceived: counter("broadcasts_received_total", "Position broadcasts received from the vessel."),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.distance, m.swingRadius, m.accuracy, m.maxDistance, m.watchState,
		m.syncConnected, m.syncPeerConnected,
		m.samples, m.alarms, m.samplerErrors, m.broadcastsSent, m.broadcastsReceived,
	)
	return m
}

// Registry returns the registry the collectors live in
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func stateValue(s models.WatchState) float64 {
	switch s {
	case models.StateWatching:
		return 1
	case models.StateAlarm:
		return 2
	}
	return 0
}

// ObserveSnapshot updates the watch metrics. It is called for every snapshot
// in order, so it counts a sample whenever the vessel timestamp moves.
func (m *Metrics) ObserveSnapshot(snap models.Snapshot) {
	prev := m.lastState
	m.lastState = snap.State
	m.watchState.Set(stateValue(snap.State))
	m.swingRadius.Set(snap.SwingRadius)
	m.distance.Set(snap.DistanceFromAnchor)
	m.accuracy.Set(snap.GPSAccuracy)
	m.maxDistance.Set(snap.MaxDistanceRecorded)

	if snap.State == models.StateAlarm && prev != models.StateAlarm {
		m.alarms.Inc()
	}
	if snap.State.Active() && snap.VesselPosition != nil && snap.VesselPosition.TimestampMs != m.lastSample {
		m.lastSample = snap.VesselPosition.TimestampMs
		m.samples.Inc()
	}
	if !snap.State.Active() {
		m.lastSample = 0
	}
}

// ObserveSyncState updates the sync gauges
func (m *Metrics) ObserveSyncState(st models.SyncState) {
	m.syncConnected.Set(boolValue(st.Connected))
	m.syncPeerConnected.Set(boolValue(st.PeerConnected && st.Connected))
}

// SamplerError counts a position update failure
func (m *Metrics) SamplerError(error) { m.samplerErrors.Inc() }

// BroadcastSent counts a send attempt by result
func (m *Metrics) BroadcastSent(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.broadcastsSent.WithLabelValues(result).Inc()
}

// BroadcastReceived counts a broadcast from the vessel
func (m *Metrics) BroadcastReceived(models.PositionBroadcast) { m.broadcastsReceived.Inc() }

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
