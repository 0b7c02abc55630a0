package syncsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"anchorwatch/internal/models"
	"anchorwatch/internal/storage"
	"anchorwatch/pkg/logger"
)

const (
	sessionKey    = "sync:session"
	deviceKey     = "sync:device"
	recordVersion = 1
)

// sessionRecord is the session slice that survives a restart. The role is
// stored once, when the session is created or joined.
type sessionRecord struct {
	Code     string      `json:"code"`
	Role     models.Role `json:"role"`
	DeviceID string      `json:"deviceId"`
	SavedAt  int64       `json:"savedAt"`
	Version  int         `json:"version"`
}

func saveSession(ctx context.Context, store storage.Store, rec sessionRecord) error {
	rec.Version = recordVersion
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	if err := store.Set(ctx, sessionKey, data); err != nil {
		return fmt.Errorf("save session record: %w", err)
	}
	return nil
}

// loadSession returns the saved session. Unreadable records count as absent.
func loadSession(ctx context.Context, store storage.Store) (sessionRecord, bool) {
	data, err := store.Get(ctx, sessionKey)
	if errors.Is(err, storage.ErrNotFound) {
		return sessionRecord{}, false
	}
	if err != nil {
		logger.Error("sync: failed to read saved session", err)
		return sessionRecord{}, false
	}

	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		logger.Warnf("sync: ignoring corrupt saved session: %v", err)
		return sessionRecord{}, false
	}
	switch {
	case rec.Version != recordVersion:
		logger.Warnf("sync: ignoring saved session with version %d", rec.Version)
		return sessionRecord{}, false
	case !ValidCode(rec.Code):
		logger.Warnf("sync: ignoring saved session with code %q", rec.Code)
		return sessionRecord{}, false
	case rec.Role != models.RoleVessel && rec.Role != models.RoleShore:
		logger.Warnf("sync: ignoring saved session with role %q", rec.Role)
		return sessionRecord{}, false
	}
	return rec, true
}

// loadDeviceID returns the id this device uses on the relay, creating and
// saving one on first use
func loadDeviceID(store storage.Store) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := store.Get(ctx, deviceKey)
	if err == nil {
		if id, perr := uuid.ParseBytes(data); perr == nil {
			return id.String()
		}
		logger.Warnf("sync: replacing malformed device id %q", data)
	} else if !errors.Is(err, storage.ErrNotFound) {
		logger.Error("sync: failed to read device id", err)
	}

	id := uuid.New().String()
	if err := store.Set(ctx, deviceKey, []byte(id)); err != nil {
		logger.Error("sync: failed to save device id", err)
	}
	return id
}
