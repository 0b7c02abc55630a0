package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"anchorwatch/internal/models"
	"anchorwatch/pkg/logger"
)

const writeWait = 10 * time.Second

// WebSocketRelay is a client of the relay hub served at <url>/relay. Each
// topic gets its own connection; the hub reports joins and leaves.
type WebSocketRelay struct {
	base   string
	dialer *websocket.Dialer

	mu     sync.Mutex
	subs   map[string]*wsSubscription
	closed bool
}

type wsSubscription struct {
	relay  *WebSocketRelay
	topic  string
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}
	once   sync.Once

	writeMu sync.Mutex
}

// NewWebSocketRelay creates a relay for the hub at base, e.g. ws://boat.local:8080
func NewWebSocketRelay(base string) *WebSocketRelay {
	return &WebSocketRelay{
		base: strings.TrimSuffix(base, "/"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		subs: make(map[string]*wsSubscription),
	}
}

func (r *WebSocketRelay) topicURL(topic string) (string, error) {
	u, err := url.Parse(r.base)
	if err != nil {
		return "", fmt.Errorf("relay: bad url %q: %w", r.base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relay: unsupported url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/relay"
	q := u.Query()
	q.Set("topic", topic)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe connects to the hub for topic
func (r *WebSocketRelay) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := r.subs[topic]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("relay: already subscribed to %s", topic)
	}
	r.mu.Unlock()

	target, err := r.topicURL(topic)
	if err != nil {
		return nil, err
	}
	conn, _, err := r.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: connect %s: %w", r.base, err)
	}

	sub := &wsSubscription{
		relay:  r,
		topic:  topic,
		conn:   conn,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	r.subs[topic] = sub
	r.mu.Unlock()

	go sub.readLoop()
	return sub, nil
}

// Publish sends payload, which must be JSON, to the other members of topic
func (r *WebSocketRelay) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	sub, ok := r.subs[topic]
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return ErrNotSubscribed
	}
	if !json.Valid(payload) {
		return errors.New("relay: payload is not JSON")
	}
	return sub.write(ctx, models.RelayFrame{Type: models.FrameMessage, Payload: payload})
}

// Close ends every subscription
func (r *WebSocketRelay) Close() error {
	r.mu.Lock()
	r.closed = true
	subs := make([]*wsSubscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func (s *wsSubscription) write(ctx context.Context, frame models.RelayFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("relay: publish %s: %w", s.topic, err)
	}
	return nil
}

func (s *wsSubscription) readLoop() {
	defer func() {
		s.relay.forget(s)
		close(s.events)
	}()

	for {
		var frame models.RelayFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			select {
			case <-s.done:
			default:
				logger.Warnf("relay: connection for %s lost: %v", s.topic, err)
			}
			return
		}

		var ev Event
		switch frame.Type {
		case models.FrameMessage:
			ev = Event{Kind: KindMessage, Payload: []byte(frame.Payload)}
		case models.FrameJoin:
			ev = Event{Kind: KindJoin, Members: frame.Members}
		case models.FrameLeave:
			ev = Event{Kind: KindLeave, Members: frame.Members}
		default:
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (r *WebSocketRelay) forget(s *wsSubscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[s.topic] == s {
		delete(r.subs, s.topic)
	}
}

func (s *wsSubscription) Events() <-chan Event { return s.events }

func (s *wsSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		s.conn.Close()
		s.relay.forget(s)
	})
	return nil
}
