// Package storage provides the small key to blob stores the services persist
// their state in.
package storage

import (
	"context"
	"errors"
	"fmt"

	"anchorwatch/internal/config"
	"anchorwatch/internal/redis"
)

// ErrNotFound is returned by Get when the key has never been set or was deleted
var ErrNotFound = errors.New("storage: key not found")

// Store is a durable key to blob map
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open returns the backend selected by cfg.Backend. The redis client is only
// used by the redis backend and may be nil otherwise.
func Open(cfg config.StorageConfig, client *redis.Client) (Store, error) {
	switch cfg.Backend {
	case "file":
		return NewFileStore(cfg.Path)
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "redis":
		if client == nil {
			return nil, errors.New("storage: redis backend needs a redis client")
		}
		return NewRedisStore(client), nil
	case "memory":
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
}
