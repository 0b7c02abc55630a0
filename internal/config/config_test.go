package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Watch.FixTimeout.Duration)
	assert.Equal(t, 500, cfg.Watch.HistorySize)
	assert.Equal(t, 15*time.Second, cfg.Sync.PeerTimeout.Duration)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"port": 9090},
		"watch": {"fixTimeout": "4s", "flushInterval": 1000000000, "historySize": 50},
		"storage": {"backend": "sqlite", "path": "/tmp/aw.db"},
		"alarm": {"command": ["aplay", "alarm.wav"]}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 4*time.Second, cfg.Watch.FixTimeout.Duration)
	assert.Equal(t, time.Second, cfg.Watch.FlushInterval.Duration)
	assert.Equal(t, 50, cfg.Watch.HistorySize)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, []string{"aplay", "alarm.wav"}, cfg.Alarm.Command)
	// untouched sections keep their defaults
	assert.Equal(t, "simulated", cfg.GPS.Source)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t, `{"watch": {"fixTimeout": "soon"}}`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "invalid duration")
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ANCHORWATCH_PORT", "7000")
	t.Setenv("ANCHORWATCH_STORAGE_BACKEND", "memory")
	t.Setenv("ANCHORWATCH_REDIS_PORT", "not-a-number")
	t.Setenv("ANCHORWATCH_SYNC_ENABLED", "false")

	cfg, err := Load(writeConfig(t, `{}`))
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.False(t, cfg.Sync.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"gps source", func(c *Config) { c.GPS.Source = "sextant" }, "gps.source"},
		{"serial device", func(c *Config) { c.GPS.Source = "nmea"; c.GPS.Device = "" }, "gps.device"},
		{"tcp address", func(c *Config) { c.GPS.Source = "nmea"; c.GPS.Transport = "tcp"; c.GPS.Address = "" }, "gps.address"},
		{"history", func(c *Config) { c.Watch.HistorySize = 0 }, "watch.historySize"},
		{"storage", func(c *Config) { c.Storage.Backend = "floppy" }, "storage.backend"},
		{"storage path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"relay", func(c *Config) { c.Relay.Backend = "pigeon" }, "relay.backend"},
		{"peer timeout", func(c *Config) { c.Sync.PeerTimeout = d(time.Second) }, "sync.peerTimeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
