package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"anchorwatch/internal/geofence"
	"anchorwatch/internal/models"
	"anchorwatch/internal/storage"
	"anchorwatch/pkg/logger"
)

const (
	// stateKey is the storage key of the watch record
	stateKey      = "watch:state"
	recordVersion = 1
)

// Record is the part of a watch that survives a restart. History is left out.
type Record struct {
	Config              models.AnchorWatchConfig `json:"config"`
	AnchorPosition      models.Position          `json:"anchorPosition"`
	State               models.WatchState        `json:"state"`
	WatchStartedAt      int64                    `json:"watchStartedAt"`
	MaxDistanceRecorded float64                  `json:"maxDistanceRecorded"`
	SavedAt             int64                    `json:"savedAt"`
	Version             int                      `json:"version"`
}

// Persistence stores the watch record in a storage.Store
type Persistence struct {
	store storage.Store
}

// NewPersistence wraps store
func NewPersistence(store storage.Store) *Persistence {
	return &Persistence{store: store}
}

// Save writes rec
func (p *Persistence) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal watch record: %w", err)
	}
	if err := p.store.Set(ctx, stateKey, data); err != nil {
		return fmt.Errorf("save watch record: %w", err)
	}
	return nil
}

// Load returns the saved record. Missing, unreadable or inconsistent records
// are reported as absent.
func (p *Persistence) Load(ctx context.Context) (Record, bool) {
	data, err := p.store.Get(ctx, stateKey)
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, false
	}
	if err != nil {
		logger.Error("watch: failed to read saved state", err)
		return Record{}, false
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		logger.Warnf("watch: ignoring corrupt saved state: %v", err)
		return Record{}, false
	}
	if rec.Version != recordVersion {
		logger.Warnf("watch: ignoring saved state with version %d", rec.Version)
		return Record{}, false
	}
	if !rec.State.Valid() {
		logger.Warnf("watch: ignoring saved state with unknown state %q", rec.State)
		return Record{}, false
	}
	if rec.State.Active() {
		if err := geofence.Validate(rec.Config); err != nil {
			logger.Warnf("watch: ignoring saved state: %v", err)
			return Record{}, false
		}
	}
	return rec, true
}

// Clear removes the saved record
func (p *Persistence) Clear(ctx context.Context) error {
	if err := p.store.Delete(ctx, stateKey); err != nil {
		return fmt.Errorf("clear watch record: %w", err)
	}
	return nil
}
