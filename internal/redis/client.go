package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"anchorwatch/internal/config"
	"anchorwatch/pkg/logger"
)

// ErrNil is returned by Get when the key does not exist
var ErrNil = redis.Nil

// Client wraps the Redis connection shared by the storage, relay and mirror
// components. Every key and channel is namespaced with the configured prefix.
type Client struct {
	client    *redis.Client
	prefix    string
	addr      string
	mutex     sync.RWMutex
	connected bool
}

// NewClient creates a client for the redis config section. It does not dial.
func NewClient(cfg config.RedisConfig) *Client {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "anchorwatch"
	}

	return &Client{
		client: redisClient,
		prefix: prefix,
		addr:   addr,
	}
}

// Connect pings the server
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := c.client.Ping(ctx).Result(); err != nil {
		c.setConnected(false)
		return fmt.Errorf("connect to redis at %s: %w", c.addr, err)
	}

	c.setConnected(true)
	logger.Infof("Connected to Redis at %s", c.addr)
	return nil
}

func (c *Client) setConnected(v bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.connected = v
}

// IsConnected reports whether the last ping or command succeeded
func (c *Client) IsConnected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.connected
}

// Close closes the connection pool
func (c *Client) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close redis connection: %w", err)
	}
	c.setConnected(false)
	logger.Info("Redis connection closed")
	return nil
}

// Prefix returns the key prefix
func (c *Client) Prefix() string {
	return c.prefix
}

// FormatKey namespaces key with the configured prefix
func (c *Client) FormatKey(key string) string {
	return fmt.Sprintf("%s:%s", c.prefix, key)
}

// track records connectivity from the outcome of a command
func (c *Client) track(err error) error {
	if err != nil && !errors.Is(err, redis.Nil) {
		c.setConnected(false)
		return err
	}
	c.setConnected(true)
	return err
}

// Get returns the value stored under key or ErrNil
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Get(ctx, c.FormatKey(key)).Bytes()
	return b, c.track(err)
}

// Set stores value under key with an optional expiration
func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.track(c.client.Set(ctx, c.FormatKey(key), value, expiration).Err())
}

// Del removes keys
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	fullKeys := make([]string, len(keys))
	for i, key := range keys {
		fullKeys[i] = c.FormatKey(key)
	}
	n, err := c.client.Del(ctx, fullKeys...).Result()
	return n, c.track(err)
}

// Pipeline starts a command pipeline
func (c *Client) Pipeline() redis.Pipeliner {
	return c.client.Pipeline()
}

// Publish sends payload on the namespaced channel
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.track(c.client.Publish(ctx, c.FormatKey(channel), payload).Err())
}

// Subscribe opens a pub/sub subscription on the namespaced channel and waits
// for the server to confirm it
func (c *Client) Subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	pubsub := c.client.Subscribe(ctx, c.FormatKey(channel))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, c.track(fmt.Errorf("subscribe %s: %w", channel, err))
	}
	c.setConnected(true)
	return pubsub, nil
}

// NumSub returns the number of subscribers to the namespaced channel
func (c *Client) NumSub(ctx context.Context, channel string) (int64, error) {
	full := c.FormatKey(channel)
	counts, err := c.client.PubSubNumSub(ctx, full).Result()
	if err != nil {
		return 0, c.track(err)
	}
	return counts[full], nil
}
