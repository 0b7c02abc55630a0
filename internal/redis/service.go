package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"anchorwatch/internal/models"
	"anchorwatch/pkg/logger"
)

// Mirror copies every watch snapshot into Redis so dashboards on the same
// network can follow the watch without the HTTP API. It keeps the latest
// snapshot and a trimmed track of vessel positions.
type Mirror struct {
	client    *Client
	trackSize int64
	lastTrack int64
}

// NewMirror creates a mirror keeping at most trackSize track points
func NewMirror(client *Client, trackSize int) *Mirror {
	if trackSize <= 0 {
		trackSize = 500
	}
	return &Mirror{client: client, trackSize: int64(trackSize)}
}

// WriteSnapshot stores snap in a single pipeline. Runs on the watch service's
// notification path, so it never blocks for longer than timeout.
func (m *Mirror) WriteSnapshot(snap models.Snapshot, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	pipe := m.client.Pipeline()
	pipe.Set(ctx, m.client.FormatKey("watch:snapshot"), data, 0)
	pipe.Set(ctx, m.client.FormatKey("watch:state"), string(snap.State), 0)

	trackKey := m.client.FormatKey("watch:track")
	switch {
	case !snap.State.Active():
		pipe.Del(ctx, trackKey)
		m.lastTrack = 0
	case snap.VesselPosition != nil && snap.VesselPosition.TimestampMs != m.lastTrack:
		point, err := json.Marshal(snap.VesselPosition)
		if err != nil {
			return fmt.Errorf("marshal track point: %w", err)
		}
		pipe.ZAdd(ctx, trackKey, &redis.Z{
			Score:  float64(snap.VesselPosition.TimestampMs),
			Member: point,
		})
		pipe.ZRemRangeByRank(ctx, trackKey, 0, -m.trackSize-1)
		m.lastTrack = snap.VesselPosition.TimestampMs
	}

	if _, err := pipe.Exec(ctx); err != nil {
		m.client.track(err)
		return fmt.Errorf("mirror snapshot: %w", err)
	}
	return nil
}

// Track returns the mirrored vessel positions, oldest first
func (m *Mirror) Track(ctx context.Context) ([]models.Position, error) {
	members, err := m.client.client.ZRange(ctx, m.client.FormatKey("watch:track"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read track: %w", err)
	}

	track := make([]models.Position, 0, len(members))
	for _, member := range members {
		var p models.Position
		if err := json.Unmarshal([]byte(member), &p); err != nil {
			logger.Warnf("redis mirror: skipping bad track point: %v", err)
			continue
		}
		track = append(track, p)
	}
	return track, nil
}

// Handler returns a snapshot subscriber that logs and swallows mirror errors
func (m *Mirror) Handler() func(models.Snapshot) {
	return func(snap models.Snapshot) {
		if err := m.WriteSnapshot(snap, 2*time.Second); err != nil {
			logger.Errorf("redis mirror: %v", err)
		}
	}
}
