package models

// Position is a normalised location fix
type Position struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AccuracyMeters float64 `json:"accuracyMeters"`
	TimestampMs    int64   `json:"timestampMs"`
}

// RodeType is the kind of ground tackle between boat and anchor
type RodeType string

const (
	RodeChain RodeType = "chain"
	RodeRope  RodeType = "rope"
	RodeMixed RodeType = "mixed"
)

// AnchorWatchConfig holds the ground-tackle parameters of one watch.
// Lengths are in meters.
type AnchorWatchConfig struct {
	RodeLength         float64  `json:"rodeLength"`
	WaterDepth         float64  `json:"waterDepth"`
	RodeType           RodeType `json:"rodeType"`
	SafetyMarginMeters float64  `json:"safetyMarginMeters"`
	ScopeRatio         float64  `json:"scopeRatio"`
}

// WatchState is the anchor watch state
type WatchState string

const (
	StateIdle     WatchState = "idle"
	StateWatching WatchState = "watching"
	StateAlarm    WatchState = "alarm"
)

// Active reports whether the watch is running (watching or alarm)
func (s WatchState) Active() bool {
	return s == StateWatching || s == StateAlarm
}

// Valid reports whether s is a known state
func (s WatchState) Valid() bool {
	return s == StateIdle || s.Active()
}

// Snapshot is the point-in-time view published to subscribers. Values handed
// out are never mutated afterwards.
type Snapshot struct {
	State               WatchState         `json:"state"`
	AnchorPosition      *Position          `json:"anchorPosition,omitempty"`
	VesselPosition      *Position          `json:"vesselPosition,omitempty"`
	Config              *AnchorWatchConfig `json:"config,omitempty"`
	DistanceFromAnchor  float64            `json:"distanceFromAnchor"`
	SwingRadius         float64            `json:"swingRadius"`
	BearingToAnchor     float64            `json:"bearingToAnchor"`
	CardinalToAnchor    string             `json:"cardinalToAnchor,omitempty"`
	GPSAccuracy         float64            `json:"gpsAccuracy"`
	MaxDistanceRecorded float64            `json:"maxDistanceRecorded"`
	PositionHistory     []Position         `json:"positionHistory"`
	WatchStartedAt      int64              `json:"watchStartedAt"`
	AlarmAcknowledged   bool               `json:"alarmAcknowledged"`
}

// IdleSnapshot is the snapshot of a stopped watch
func IdleSnapshot() Snapshot {
	return Snapshot{State: StateIdle, PositionHistory: []Position{}}
}
