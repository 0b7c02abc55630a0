package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"anchorwatch/internal/geofence"
	"anchorwatch/internal/gps"
	"anchorwatch/internal/models"
	"anchorwatch/internal/syncsvc"
	"anchorwatch/internal/watch"
	"anchorwatch/pkg/logger"
	"anchorwatch/pkg/utils"
)

const maxBodyBytes = 64 << 10

// WatchController is the watch service as seen by the API
type WatchController interface {
	Snapshot() models.Snapshot
	SetAnchor(ctx context.Context, req watch.AnchorRequest) error
	StopWatch(ctx context.Context) error
	AcknowledgeAlarm()
}

// SyncController is the sync service as seen by the API
type SyncController interface {
	State() models.SyncState
	CreateSession(ctx context.Context) (string, error)
	JoinSession(ctx context.Context, code string) error
	LeaveSession(ctx context.Context) error
	LastBroadcast() (models.PositionBroadcast, bool)
}

// TrackSource returns a longer vessel track than the snapshot history
type TrackSource interface {
	Track(ctx context.Context) ([]models.Position, error)
}

// Handler holds the API handlers. sync and track may be nil.
type Handler struct {
	watch WatchController
	sync  SyncController
	track TrackSource
	start time.Time
}

// NewHandler creates the API handlers
func NewHandler(w WatchController, s SyncController, track TrackSource) *Handler {
	return &Handler{watch: w, sync: s, track: track, start: time.Now()}
}

func (h *Handler) allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		h.respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func (h *Handler) syncAvailable(w http.ResponseWriter) bool {
	if h.sync == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, "sharing is disabled")
		return false
	}
	return true
}

// GetStatus returns a short summary of both services
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodGet) {
		return
	}

	snap := h.watch.Snapshot()
	response := map[string]interface{}{
		"state":             snap.State,
		"alarmAcknowledged": snap.AlarmAcknowledged,
		"uptimeSeconds":     int64(time.Since(h.start).Seconds()),
		"timestamp":         time.Now().UnixMilli(),
	}
	if snap.State.Active() {
		response["distance"] = snap.DistanceFromAnchor
		response["swingRadius"] = snap.SwingRadius
		response["watchDuration"] = utils.FormatDuration(utils.Since(snap.WatchStartedAt, time.Now()))
	}
	if h.sync != nil {
		response["sync"] = h.sync.State()
	}

	h.respondWithJSON(w, http.StatusOK, response)
}

// GetWatch returns the current snapshot
func (h *Handler) GetWatch(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodGet) {
		return
	}
	h.respondWithJSON(w, http.StatusOK, h.watch.Snapshot())
}

// SetAnchor drops the anchor at the current position. Lengths are in meters,
// or in feet with ?units=ft.
func (h *Handler) SetAnchor(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodPost) {
		return
	}

	var req watch.AnchorRequest
	if err := decodeBody(r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RodeType == "" {
		req.RodeType = models.RodeChain
	}
	switch r.URL.Query().Get("units") {
	case "", "m":
	case "ft":
		req.RodeLength = utils.FeetToMeters(req.RodeLength)
		req.WaterDepth = utils.FeetToMeters(req.WaterDepth)
		req.SafetyMarginMeters = utils.FeetToMeters(req.SafetyMarginMeters)
	default:
		h.respondWithError(w, http.StatusBadRequest, "units must be m or ft")
		return
	}

	err := h.watch.SetAnchor(r.Context(), req)
	var cfgErr *geofence.ConfigError
	switch {
	case err == nil:
		h.respondWithJSON(w, http.StatusOK, h.watch.Snapshot())
	case errors.As(err, &cfgErr):
		h.respondWithJSON(w, http.StatusBadRequest, map[string]string{
			"error": cfgErr.Error(),
			"field": cfgErr.Field,
		})
	case errors.Is(err, geofence.ErrInvalidConfig):
		h.respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, watch.ErrAlreadyWatching):
		h.respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, gps.ErrPermissionDenied), errors.Is(err, gps.ErrFixTimeout),
		errors.Is(err, gps.ErrNoFix), errors.Is(err, gps.ErrSourceClosed):
		h.respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": err.Error(),
			"code":  gpsErrorCode(err),
		})
	case errors.Is(err, watch.ErrClosed):
		h.respondWithError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Error("API: set anchor failed", err)
		h.respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}

func gpsErrorCode(err error) string {
	switch {
	case errors.Is(err, gps.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, gps.ErrFixTimeout):
		return "timeout"
	case errors.Is(err, gps.ErrSourceClosed):
		return "source_closed"
	}
	return "no_fix"
}

// StopWatch ends the watch
func (h *Handler) StopWatch(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodPost) {
		return
	}
	if err := h.watch.StopWatch(r.Context()); err != nil {
		// the watch is stopped even when the saved state could not be cleared
		logger.Error("API: stop watch", err)
	}
	h.respondWithJSON(w, http.StatusOK, h.watch.Snapshot())
}

// AcknowledgeAlarm silences an active alarm
func (h *Handler) AcknowledgeAlarm(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodPost) {
		return
	}
	h.watch.AcknowledgeAlarm()
	h.respondWithJSON(w, http.StatusOK, h.watch.Snapshot())
}

// GetTrack returns the vessel track, from the mirror when it is reachable
// and from the in-memory history otherwise
func (h *Handler) GetTrack(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodGet) {
		return
	}

	var track []models.Position
	if h.track != nil {
		mirrored, err := h.track.Track(r.Context())
		if err == nil && len(mirrored) > 0 {
			track = mirrored
		} else if err != nil {
			logger.Debugf("API: track mirror unavailable: %v", err)
		}
	}
	if track == nil {
		track = h.watch.Snapshot().PositionHistory
	}
	if track == nil {
		track = []models.Position{}
	}

	h.respondWithJSON(w, http.StatusOK, track)
}

// GetSync returns the sync state
func (h *Handler) GetSync(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodGet) || !h.syncAvailable(w) {
		return
	}
	h.respondWithJSON(w, http.StatusOK, h.sync.State())
}

// CreateSession opens a session as the vessel
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodPost) || !h.syncAvailable(w) {
		return
	}
	code, err := h.sync.CreateSession(r.Context())
	if err != nil {
		h.respondWithSyncError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"code":  code,
		"state": h.sync.State(),
	})
}

// JoinSession joins a session as the shore device
func (h *Handler) JoinSession(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodPost) || !h.syncAvailable(w) {
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.sync.JoinSession(r.Context(), req.Code); err != nil {
		h.respondWithSyncError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, h.sync.State())
}

// LeaveSession ends the session
func (h *Handler) LeaveSession(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodPost) || !h.syncAvailable(w) {
		return
	}
	if err := h.sync.LeaveSession(r.Context()); err != nil {
		logger.Error("API: leave session", err)
	}
	h.respondWithJSON(w, http.StatusOK, h.sync.State())
}

// GetLastBroadcast returns the last status received from the vessel
func (h *Handler) GetLastBroadcast(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodGet) || !h.syncAvailable(w) {
		return
	}
	b, ok := h.sync.LastBroadcast()
	if !ok {
		h.respondWithError(w, http.StatusNotFound, "no broadcast received")
		return
	}
	h.respondWithJSON(w, http.StatusOK, b)
}

// GetSessionQR renders the session code as a PNG QR code
func (h *Handler) GetSessionQR(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodGet) || !h.syncAvailable(w) {
		return
	}
	code := h.sync.State().SessionCode
	if code == "" {
		h.respondWithError(w, http.StatusNotFound, "no session")
		return
	}

	size := 256
	if s := r.URL.Query().Get("size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 64 || n > 1024 {
			h.respondWithError(w, http.StatusBadRequest, "size must be between 64 and 1024")
			return
		}
		size = n
	}

	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		logger.Error("API: render QR code", err)
		h.respondWithError(w, http.StatusInternalServerError, "could not render QR code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (h *Handler) respondWithSyncError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, syncsvc.ErrInvalidCode):
		h.respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, syncsvc.ErrChannelUnavailable):
		h.respondWithError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, syncsvc.ErrClosed):
		h.respondWithError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Error("API: sync request failed", err)
		h.respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, map[string]string{"error": message})
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Errorf("Failed to encode JSON response: %v", err)
	}
}
