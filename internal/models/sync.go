package models

// Role is the part a device plays in a sharing session
type Role string

const (
	RoleNone   Role = "none"
	RoleVessel Role = "vessel"
	RoleShore  Role = "shore"
)

// SyncState describes the sharing session as seen by this device
type SyncState struct {
	Connected       bool   `json:"connected"`
	PeerConnected   bool   `json:"peerConnected"`
	SessionCode     string `json:"sessionCode,omitempty"`
	Role            Role   `json:"role"`
	DeviceID        string `json:"deviceId,omitempty"`
	LastBroadcastAt int64  `json:"lastBroadcastAt,omitempty"`
}

// PositionBroadcast is the vessel-to-shore status payload
type PositionBroadcast struct {
	Vessel      Position          `json:"vessel"`
	Anchor      Position          `json:"anchor"`
	Distance    float64           `json:"distance"`
	SwingRadius float64           `json:"swingRadius"`
	IsAlarm     bool              `json:"isAlarm"`
	Config      AnchorWatchConfig `json:"config"`
	Timestamp   int64             `json:"timestamp"`
}
