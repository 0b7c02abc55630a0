package server

import (
	"encoding/json"
	"net/http"
	"time"

	"anchorwatch/internal/api"
	"anchorwatch/internal/websocket"
	"anchorwatch/pkg/logger"
	"anchorwatch/pkg/utils"
)

// setupRoutes registers every endpoint on the router
func (s *Server) setupRoutes() {
	wsHandler := websocket.NewHandler(s.wsHub, s.config.Server.AllowedOrigins)

	var syncController api.SyncController
	if s.syncService != nil {
		syncController = s.syncService
	}
	var track api.TrackSource
	if s.mirror != nil {
		track = s.mirror
	}
	apiRouter := api.NewRouter(api.NewHandler(s.watchService, syncController, track), "/api", s.config.Server.AllowedOrigins)
	apiRouter.Setup()

	s.router.HandleFunc("/health", s.healthHandler)
	s.router.HandleFunc("/info", s.infoHandler)
	s.router.Handle("/metrics", s.metrics.Handler())

	s.router.HandleFunc("/ws", wsHandler.HandleWebSocket)
	s.router.HandleFunc("/ws/health", wsHandler.GetHealthHandler())
	s.router.HandleFunc("/relay", wsHandler.HandleRelay)

	s.router.Handle("/api/", apiRouter.Handler())

	fs := http.FileServer(http.Dir("./static"))
	s.router.Handle("/", fs)
}

// healthHandler reports the state of each component
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	gpsStatus := "ok"
	switch {
	case s.simulator != nil:
		gpsStatus = "simulated"
	case s.nmea != nil && !s.nmea.IsConnected():
		gpsStatus = "offline"
	}

	redisStatus := "disabled"
	if s.redisClient != nil {
		redisStatus = "ok"
		if !s.redisClient.IsConnected() {
			redisStatus = "offline"
		}
	}

	syncStatus := "disabled"
	if s.syncService != nil {
		syncStatus = "idle"
		if s.syncService.State().Connected {
			syncStatus = "connected"
		}
	}

	discoveryStatus := "disabled"
	if s.discovery != nil {
		discoveryStatus = "ok"
		if !s.discovery.IsRunning() {
			discoveryStatus = "offline"
		}
	}

	response := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now(),
		"services": map[string]string{
			"gps":       gpsStatus,
			"watch":     string(s.watchService.Snapshot().State),
			"storage":   s.config.Storage.Backend,
			"redis":     redisStatus,
			"sync":      syncStatus,
			"websocket": "ok",
			"discovery": discoveryStatus,
		},
	}

	if gpsStatus == "offline" || redisStatus == "offline" {
		response["status"] = "degraded"
	}

	writeJSON(w, response)
}

// infoHandler describes this instance
func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	info := s.GetServerInfo()

	response := map[string]interface{}{
		"name":        "anchorwatch",
		"version":     info.Version,
		"ip":          info.IP,
		"port":        info.Port,
		"websocket":   info.WebSocketURL,
		"relay":       info.RelayURL,
		"api":         info.APIURL,
		"startTime":   info.StartTime,
		"uptime":      utils.FormatDuration(time.Since(info.StartTime)),
		"connections": info.Connections,
		"backends": map[string]interface{}{
			"gps":     s.config.GPS.Source,
			"storage": s.config.Storage.Backend,
			"relay":   s.config.Relay.Backend,
		},
	}
	if s.syncService != nil {
		response["deviceId"] = s.syncService.DeviceID()
	}
	if s.discovery != nil {
		response["mdns"] = map[string]interface{}{
			"running":      s.discovery.IsRunning(),
			"instanceName": s.discovery.GetInstanceName(),
		}
	}

	writeJSON(w, response)
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Errorf("Failed to encode JSON response: %v", err)
	}
}
