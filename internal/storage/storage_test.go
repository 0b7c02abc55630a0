package storage

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchorwatch/internal/config"
	"anchorwatch/internal/redis"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	c := redis.NewClient(config.RedisConfig{Host: host, Port: port, Prefix: "aw"})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	file, err := NewFileStore(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "db", "aw.db"))
	require.NoError(t, err)
	return map[string]Store{
		"file":   file,
		"sqlite": sqlite,
		"redis":  NewRedisStore(newRedisClient(t)),
		"memory": NewMemoryStore(),
	}
}

func TestStoreContract(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			_, err := store.Get(ctx, "watch:state")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Set(ctx, "watch:state", []byte(`{"v":1}`)))
			require.NoError(t, store.Set(ctx, "watch:state", []byte(`{"v":2}`)))
			got, err := store.Get(ctx, "watch:state")
			require.NoError(t, err)
			assert.Equal(t, `{"v":2}`, string(got))

			require.NoError(t, store.Set(ctx, "sync:session", []byte("s")))
			require.NoError(t, store.Delete(ctx, "watch:state"))
			_, err = store.Get(ctx, "watch:state")
			assert.ErrorIs(t, err, ErrNotFound)

			// deleting twice is fine
			require.NoError(t, store.Delete(ctx, "watch:state"))

			got, err = store.Get(ctx, "sync:session")
			require.NoError(t, err)
			assert.Equal(t, "s", string(got))
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Set(ctx, "watch:state", []byte("persisted")))

	s2, err := NewFileStore(dir)
	require.NoError(t, err)
	got, err := s2.Get(ctx, "watch:state")
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(got))

	_, err = os.Stat(filepath.Join(dir, "watch_state.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aw.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s1.Set(ctx, "k", []byte("v")))
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestOpen(t *testing.T) {
	s, err := Open(config.StorageConfig{Backend: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open(config.StorageConfig{Backend: "redis"}, nil)
	assert.Error(t, err)

	_, err = Open(config.StorageConfig{Backend: "tape"}, nil)
	assert.Error(t, err)

	s, err = Open(config.StorageConfig{Backend: "file", Path: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
}

func TestMemoryStoreFailWrites(t *testing.T) {
	s := NewMemoryStore()
	s.SetFailWrites(assert.AnError)
	assert.ErrorIs(t, s.Set(context.Background(), "k", nil), assert.AnError)
}
