package websocket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"anchorwatch/internal/models"
	"anchorwatch/pkg/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Ping period, must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512 * 1024

	sendBufferSize = 256
)

// Client is a single WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	id    string
	topic string

	userAgent   string
	ipAddress   string
	connectedAt time.Time
}

func newClient(hub *Hub, conn *websocket.Conn, topic, userAgent, ipAddress string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		id:          uuid.New().String(),
		topic:       topic,
		userAgent:   userAgent,
		ipAddress:   ipAddress,
		connectedAt: time.Now(),
	}
}

// readPump moves messages from the connection to the hub
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				logger.Errorf("WebSocket read error from %s: %v", c.id, err)
			}
			break
		}

		if c.topic == models.UITopic {
			c.processCommand(message)
		} else {
			c.processRelayFrame(message)
		}
	}
}

// writePump moves messages from the hub to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processRelayFrame forwards a member's message to the rest of its topic
func (c *Client) processRelayFrame(message []byte) {
	var frame models.RelayFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		logger.Warnf("Invalid relay frame from %s: %v", c.id, err)
		return
	}
	if frame.Type != models.FrameMessage {
		return
	}

	frame.Topic = c.topic
	frame.ClientID = c.id
	data, err := SerializeMessage(frame)
	if err != nil {
		return
	}
	select {
	case c.hub.broadcast <- topicMessage{topic: c.topic, data: data, from: c}:
	case <-c.hub.ctx.Done():
	}
}

// processCommand handles a command from a UI client
func (c *Client) processCommand(message []byte) {
	cmd, err := ParseClientCommand(message)
	if err != nil {
		logger.Warnf("Failed to decode message from client %s: %v", c.id, err)
		c.hub.sendError(c, "invalid_format", "invalid message format")
		return
	}

	switch cmd.Type {
	case "ping":
		c.handlePing(cmd)
	default:
		select {
		case c.hub.commands <- models.ClientCommand{
			Command:  cmd.Type,
			Params:   cmd.Params,
			ClientID: c.id,
			ID:       cmd.ID,
		}:
		case <-c.hub.ctx.Done():
		}
	}
}

func (c *Client) handlePing(cmd models.CommandMessage) {
	var pingTime int64
	if params, ok := cmd.Params.(map[string]interface{}); ok {
		if timeVal, ok := params["time"].(float64); ok {
			pingTime = int64(timeVal)
		}
	}

	if data, err := SerializeMessage(CreatePongResponse(pingTime)); err == nil {
		c.hub.sendTo(c, data)
	}
}
