package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"anchorwatch/internal/models"
	"anchorwatch/pkg/logger"
)

// Handler upgrades HTTP requests to hub clients
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	origins  []string
}

// NewHandler creates a handler accepting the given origins. "*" or an empty
// list accepts any origin.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	h := &Handler{hub: hub, origins: allowedOrigins}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// ServeHTTP serves the UI stream
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleWebSocket(w, r)
}

// HandleWebSocket connects a UI client
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.connect(w, r, models.UITopic)
}

// HandleRelay connects a relay member to the topic named by ?topic=
func (h *Handler) HandleRelay(w http.ResponseWriter, r *http.Request) {
	topic := strings.TrimSpace(r.URL.Query().Get("topic"))
	if topic == "" || topic == models.UITopic {
		http.Error(w, "invalid topic", http.StatusBadRequest)
		return
	}
	h.connect(w, r, topic)
}

func (h *Handler) connect(w http.ResponseWriter, r *http.Request, topic string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	userAgent := r.UserAgent()
	ipAddress := getIPAddress(r)
	logger.Debugf("New WebSocket connection from %s (%s) for %s", ipAddress, userAgent, topic)

	client := newClient(h.hub, conn, topic, userAgent, ipAddress)
	select {
	case h.hub.register <- client:
	case <-h.hub.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	logger.Warnf("WebSocket origin %s rejected", origin)
	return false
}

func getIPAddress(r *http.Request) string {
	ipAddress := r.Header.Get("X-Real-IP")
	if ipAddress == "" {
		ipAddress = r.Header.Get("X-Forwarded-For")
	}
	if ipAddress == "" {
		ipAddress = r.RemoteAddr
	}
	return ipAddress
}

// GetHealthHandler reports hub health
func (h *Handler) GetHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		status := struct {
			Status    string    `json:"status"`
			Clients   int       `json:"clients"`
			UIClients int       `json:"uiClients"`
			Timestamp time.Time `json:"timestamp"`
		}{
			Status:    "ok",
			Clients:   h.hub.ClientCount(),
			UIClients: h.hub.TopicMembers(models.UITopic),
			Timestamp: time.Now(),
		}

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(status)
	}
}
