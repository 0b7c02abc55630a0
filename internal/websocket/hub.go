package websocket

import (
	"context"
	"sync"
	"time"

	"anchorwatch/internal/models"
	"anchorwatch/pkg/logger"
)

type topicMessage struct {
	topic string
	data  []byte
	// from is skipped when fanning out; nil delivers to every member
	from *Client
}

type directMessage struct {
	client *Client
	data   []byte
}

// CommandHandler processes a command sent by a UI client
type CommandHandler func(cmd models.ClientCommand) (interface{}, error)

// Hub manages every WebSocket connection. Clients are grouped by topic: UI
// clients share models.UITopic, relay members share their session topic.
type Hub struct {
	clients map[*Client]bool
	topics  map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan topicMessage
	direct     chan directMessage
	commands   chan models.ClientCommand

	mu sync.RWMutex

	handlersMu     sync.RWMutex
	commandHandler CommandHandler
	initialData    func() []interface{}

	stats struct {
		totalMessages      int64
		totalClients       int64
		messagesPerSecond  float64
		lastStatsReset     time.Time
		messagesSinceReset int64
	}
	statsLock sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub; call Run to start it
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		clients:    make(map[*Client]bool),
		topics:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan topicMessage, 256),
		direct:     make(chan directMessage, 64),
		commands:   make(chan models.ClientCommand, 100),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.stats.lastStatsReset = time.Now()
	return h
}

// SetCommandHandler sets the handler for UI client commands
func (h *Hub) SetCommandHandler(handler CommandHandler) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	h.commandHandler = handler
}

// SetInitialData sets the messages sent to every new UI client
func (h *Hub) SetInitialData(fn func() []interface{}) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	h.initialData = fn
}

// Run is the hub loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)
	logger.Info("WebSocket hub started")

	statsTicker := time.NewTicker(30 * time.Second)
	defer statsTicker.Stop()

	pingTicker := time.NewTicker(5 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			logger.Info("WebSocket hub stopping")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.statsLock.Lock()
			h.stats.totalMessages++
			h.stats.messagesSinceReset++
			h.statsLock.Unlock()
			h.deliver(msg)

		case msg := <-h.direct:
			h.mu.RLock()
			_, ok := h.clients[msg.client]
			h.mu.RUnlock()
			if ok {
				h.trySend([]*Client{msg.client}, msg.data)
			}

		case cmd := <-h.commands:
			go h.handleClientCommand(cmd)

		case <-statsTicker.C:
			h.statsLock.Lock()
			elapsed := time.Since(h.stats.lastStatsReset).Seconds()
			if elapsed > 0 {
				h.stats.messagesPerSecond = float64(h.stats.messagesSinceReset) / elapsed
			}
			h.stats.messagesSinceReset = 0
			h.stats.lastStatsReset = time.Now()
			mps := h.stats.messagesPerSecond
			total := h.stats.totalMessages
			h.statsLock.Unlock()

			h.mu.RLock()
			clientCount := len(h.clients)
			topicCount := len(h.topics)
			h.mu.RUnlock()

			logger.Debugf("WebSocket stats: %d clients in %d topics, %.2f msgs/s, %d total",
				clientCount, topicCount, mps, total)

		case <-pingTicker.C:
			h.sendPingToUIClients()
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	members, ok := h.topics[client.topic]
	if !ok {
		members = make(map[*Client]bool)
		h.topics[client.topic] = members
	}
	members[client] = true
	count := len(members)
	h.mu.Unlock()

	h.statsLock.Lock()
	h.stats.totalClients++
	h.statsLock.Unlock()

	logger.Infof("WebSocket client %s joined %s (%d members)", client.id, client.topic, count)

	if client.topic == models.UITopic {
		go h.sendInitialDataToClient(client)
		return
	}
	h.announce(client, models.FrameJoin, count)
}

// removeClient runs on the hub goroutine only
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.send)
	members := h.topics[client.topic]
	delete(members, client)
	count := len(members)
	if count == 0 {
		delete(h.topics, client.topic)
	}
	h.mu.Unlock()

	logger.Infof("WebSocket client %s left %s (%d members)", client.id, client.topic, count)

	if client.topic != models.UITopic && count > 0 {
		h.announce(client, models.FrameLeave, count)
	}
}

// announce tells every member of client's topic about a join or leave
func (h *Hub) announce(client *Client, kind string, members int) {
	frame := models.RelayFrame{
		Type:     kind,
		Topic:    client.topic,
		ClientID: client.id,
		Members:  members,
	}
	data, err := SerializeMessage(frame)
	if err != nil {
		logger.Error("Failed to serialize presence frame", err)
		return
	}
	h.deliver(topicMessage{topic: client.topic, data: data})
}

// deliver fans a message out to a topic. Clients whose buffer is full are
// dropped.
func (h *Hub) deliver(msg topicMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.topics[msg.topic]))
	for client := range h.topics[msg.topic] {
		if client != msg.from {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	h.trySend(targets, msg.data)
}

func (h *Hub) trySend(targets []*Client, data []byte) {
	var deadClients []*Client
	for _, client := range targets {
		select {
		case client.send <- data:
		default:
			deadClients = append(deadClients, client)
		}
	}
	for _, client := range deadClients {
		logger.Warnf("WebSocket client %s is not keeping up, disconnecting", client.id)
		h.removeClient(client)
	}
}

// Publish queues data for every member of topic
func (h *Hub) Publish(topic string, data []byte) {
	select {
	case h.broadcast <- topicMessage{topic: topic, data: data}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) publishUI(message interface{}, kind string) {
	data, err := SerializeMessage(message)
	if err != nil {
		logger.Errorf("Failed to serialize %s message: %v", kind, err)
		return
	}
	h.Publish(models.UITopic, data)
}

// BroadcastSnapshot sends a watch snapshot to UI clients
func (h *Hub) BroadcastSnapshot(snap models.Snapshot) {
	h.publishUI(NewSnapshotMessage(snap), "snapshot")
}

// BroadcastSyncState sends a sync state change to UI clients
func (h *Hub) BroadcastSyncState(state models.SyncState) {
	h.publishUI(NewSyncStateMessage(state), "sync")
}

// BroadcastPosition sends a position broadcast received from the vessel to UI clients
func (h *Hub) BroadcastPosition(b models.PositionBroadcast) {
	h.publishUI(NewBroadcastMessage(b), "broadcast")
}

// sendTo queues data for a single client
func (h *Hub) sendTo(client *Client, data []byte) {
	select {
	case h.direct <- directMessage{client: client, data: data}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) handleClientCommand(cmd models.ClientCommand) {
	client := h.getClientByID(cmd.ClientID)
	if client == nil {
		return
	}

	h.handlersMu.RLock()
	handler := h.commandHandler
	h.handlersMu.RUnlock()

	if handler == nil {
		h.sendError(client, "unknown_command", "command not supported: "+cmd.Command)
		return
	}

	result, err := handler(cmd)
	if err != nil {
		logger.Warnf("Command %s from client %s failed: %v", cmd.Command, cmd.ClientID, err)
		h.sendError(client, "command_failed", err.Error())
		return
	}
	if result == nil {
		return
	}
	if data, err := SerializeMessage(result); err == nil {
		h.sendTo(client, data)
	}
}

func (h *Hub) sendError(client *Client, code, message string) {
	if data, err := SerializeMessage(NewErrorMessage(message, code)); err == nil {
		h.sendTo(client, data)
	}
}

func (h *Hub) sendInitialDataToClient(client *Client) {
	welcome := models.WebSocketMessage{
		Type:      "welcome",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"message":  "Connected to anchorwatch",
			"clientId": client.id,
		},
	}
	if data, err := SerializeMessage(welcome); err == nil {
		h.sendTo(client, data)
	}

	h.handlersMu.RLock()
	initial := h.initialData
	h.handlersMu.RUnlock()
	if initial == nil {
		return
	}
	for _, msg := range initial() {
		if data, err := SerializeMessage(msg); err == nil {
			h.sendTo(client, data)
		}
	}
}

// Shutdown stops the hub and closes every client
func (h *Hub) Shutdown() {
	h.cancel()
	<-h.done
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.topics = make(map[string]map[*Client]bool)
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TopicMembers returns the number of clients in topic
func (h *Hub) TopicMembers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) getClientByID(clientID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.id == clientID {
			return client
		}
	}
	return nil
}

func (h *Hub) sendPingToUIClients() {
	ping := models.PingMessage{
		WebSocketMessage: models.WebSocketMessage{
			Type:      "ping",
			Timestamp: time.Now(),
		},
		Time: time.Now().UnixMilli(),
	}
	if data, err := SerializeMessage(ping); err == nil {
		h.deliver(topicMessage{topic: models.UITopic, data: data})
	}
}
