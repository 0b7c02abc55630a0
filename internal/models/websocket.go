package models

import (
	"encoding/json"
	"time"
)

// UITopic is the hub topic UI clients are subscribed to
const UITopic = "ui"

// Relay frame types
const (
	FrameMessage = "message"
	FrameJoin    = "join"
	FrameLeave   = "leave"
)

// WebSocketMessage is the base of every message pushed to UI clients
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// SnapshotMessage carries a watch snapshot
type SnapshotMessage struct {
	WebSocketMessage
	Snapshot Snapshot `json:"snapshot"`
}

// SyncStateMessage carries a sync state change
type SyncStateMessage struct {
	WebSocketMessage
	Sync SyncState `json:"sync"`
}

// BroadcastMessage carries a position broadcast received from the vessel
type BroadcastMessage struct {
	WebSocketMessage
	Broadcast PositionBroadcast `json:"broadcast"`
}

// RelayFrame is exchanged between relay clients and the hub on a session
// topic. Join and leave frames carry the member count after the change.
type RelayFrame struct {
	Type     string          `json:"type"`
	Topic    string          `json:"topic,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
	Members  int             `json:"members,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ClientCommand is a command received from a UI client, tagged with its sender
type ClientCommand struct {
	Command  string      `json:"command"`
	Params   interface{} `json:"params,omitempty"`
	ClientID string      `json:"clientId"`
	ID       string      `json:"id,omitempty"`
}

// CommandMessage is a command sent by a client
type CommandMessage struct {
	Type   string      `json:"type"`
	Params interface{} `json:"params,omitempty"`
	ID     string      `json:"id,omitempty"`
}

// PingMessage is a keepalive ping
type PingMessage struct {
	WebSocketMessage
	Time int64 `json:"time"`
}

// PongMessage answers a ping
type PongMessage struct {
	WebSocketMessage
	Time       int64 `json:"time"`
	ServerTime int64 `json:"serverTime"`
}
