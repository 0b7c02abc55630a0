package relay

import (
	"context"
	"fmt"
	"sync"

	goredis "github.com/go-redis/redis/v8"

	"anchorwatch/internal/redis"
	"anchorwatch/pkg/logger"
)

// RedisRelay carries topics over Redis pub/sub. Redis does not push
// membership changes; a new subscription gets one join event carrying the
// channel's subscriber count, then message events only.
type RedisRelay struct {
	client *redis.Client

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

type redisSubscription struct {
	relay  *RedisRelay
	topic  string
	pubsub *goredis.PubSub
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// NewRedisRelay creates a relay over client. The client is not closed by the
// relay.
func NewRedisRelay(client *redis.Client) *RedisRelay {
	return &RedisRelay{client: client, subs: make(map[*redisSubscription]struct{})}
}

func channelName(topic string) string {
	return "relay:" + topic
}

// Subscribe listens on the topic's channel
func (r *RedisRelay) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	pubsub, err := r.client.Subscribe(ctx, channelName(topic))
	if err != nil {
		return nil, err
	}

	sub := &redisSubscription{
		relay:  r,
		topic:  topic,
		pubsub: pubsub,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		pubsub.Close()
		return nil, ErrClosed
	}
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	if n, err := r.client.NumSub(ctx, channelName(topic)); err != nil {
		logger.Debugf("relay: member count for %s unavailable: %v", topic, err)
	} else {
		sub.events <- Event{Kind: KindJoin, Members: int(n)}
	}

	go sub.forward(pubsub.Channel())
	return sub, nil
}

// Publish sends payload on the topic's channel
func (r *RedisRelay) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := r.client.Publish(ctx, channelName(topic), payload); err != nil {
		return fmt.Errorf("relay: publish %s: %w", topic, err)
	}
	return nil
}

// Close ends every subscription
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	r.closed = true
	subs := make([]*redisSubscription, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func (s *redisSubscription) forward(ch <-chan *goredis.Message) {
	defer close(s.events)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				logger.Warnf("relay: redis channel for %s closed", s.topic)
				return
			}
			select {
			case s.events <- Event{Kind: KindMessage, Payload: []byte(msg.Payload)}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Events() <-chan Event { return s.events }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()

		s.relay.mu.Lock()
		delete(s.relay.subs, s)
		s.relay.mu.Unlock()
	})
	return err
}
