package websocket

import (
	"encoding/json"
	"time"

	"anchorwatch/internal/models"
)

// NewSnapshotMessage wraps a watch snapshot
func NewSnapshotMessage(snap models.Snapshot) *models.SnapshotMessage {
	return &models.SnapshotMessage{
		WebSocketMessage: models.WebSocketMessage{
			Type:      "snapshot",
			Timestamp: time.Now(),
		},
		Snapshot: snap,
	}
}

// NewSyncStateMessage wraps a sync state
func NewSyncStateMessage(state models.SyncState) *models.SyncStateMessage {
	return &models.SyncStateMessage{
		WebSocketMessage: models.WebSocketMessage{
			Type:      "sync",
			Timestamp: time.Now(),
		},
		Sync: state,
	}
}

// NewBroadcastMessage wraps a received position broadcast
func NewBroadcastMessage(b models.PositionBroadcast) *models.BroadcastMessage {
	return &models.BroadcastMessage{
		WebSocketMessage: models.WebSocketMessage{
			Type:      "broadcast",
			Timestamp: time.Now(),
		},
		Broadcast: b,
	}
}

// NewErrorMessage creates an error message
func NewErrorMessage(message string, errorCode string) models.WebSocketMessage {
	return models.WebSocketMessage{
		Type:      "error",
		Timestamp: time.Now(),
		Error:     message,
		Data: map[string]string{
			"code": errorCode,
		},
	}
}

// SerializeMessage encodes a message as JSON
func SerializeMessage(message interface{}) ([]byte, error) {
	return json.Marshal(message)
}

// ParseClientCommand decodes a command from a UI client
func ParseClientCommand(data []byte) (models.CommandMessage, error) {
	var command models.CommandMessage
	err := json.Unmarshal(data, &command)
	return command, err
}

// CreatePongResponse answers a client ping
func CreatePongResponse(pingTime int64) *models.PongMessage {
	return &models.PongMessage{
		WebSocketMessage: models.WebSocketMessage{
			Type:      "pong",
			Timestamp: time.Now(),
		},
		Time:       pingTime,
		ServerTime: time.Now().UnixMilli(),
	}
}
