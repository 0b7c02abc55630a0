// Package relay carries opaque payloads between the devices of a sharing
// session. A topic is a session; every member of a topic receives what the
// others publish.
package relay

import (
	"context"
	"errors"
	"fmt"

	"anchorwatch/internal/config"
	"anchorwatch/internal/redis"
	"anchorwatch/pkg/logger"
)

var (
	// ErrClosed is returned by a closed relay
	ErrClosed = errors.New("relay: closed")
	// ErrNotSubscribed is returned when publishing on a topic the relay has no
	// connection for
	ErrNotSubscribed = errors.New("relay: not subscribed to topic")
)

// Kind says what an Event carries
type Kind string

const (
	KindMessage Kind = "message"
	KindJoin    Kind = "join"
	KindLeave   Kind = "leave"
)

// Event is delivered to a subscription. Join and leave events carry the
// number of members on the topic after the change.
type Event struct {
	Kind    Kind
	Payload []byte
	Members int
}

// Subscription is membership of one topic. Events is closed when the
// subscription ends, either through Close or because the channel dropped.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Relay is a topic based message channel. The context passed to Subscribe
// bounds the subscribe call only; the subscription lives until closed.
type Relay interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Discoverer finds the URL of a relay hub on the local network
type Discoverer func(ctx context.Context) (string, error)

// Open returns the relay selected by cfg.Backend. client is used by the redis
// backend; discover is used by the websocket backend when cfg.URL is empty.
func Open(ctx context.Context, cfg config.RelayConfig, client *redis.Client, discover Discoverer) (Relay, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryRelay(), nil
	case "redis":
		if client == nil {
			return nil, errors.New("relay: redis backend needs a redis client")
		}
		return NewRedisRelay(client), nil
	case "websocket":
		url := cfg.URL
		if url == "" {
			if discover == nil {
				return nil, errors.New("relay: websocket backend needs a url")
			}
			dctx, cancel := context.WithTimeout(ctx, cfg.DiscoveryTimeout.Duration)
			defer cancel()
			found, err := discover(dctx)
			if err != nil {
				return nil, fmt.Errorf("relay: discover hub: %w", err)
			}
			logger.Infof("relay: discovered hub at %s", found)
			url = found
		}
		return NewWebSocketRelay(url), nil
	}
	return nil, fmt.Errorf("relay: unknown backend %q", cfg.Backend)
}
