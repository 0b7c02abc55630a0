package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the complete application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	GPS       GPSConfig       `json:"gps"`
	Watch     WatchConfig     `json:"watch"`
	Storage   StorageConfig   `json:"storage"`
	Redis     RedisConfig     `json:"redis"`
	Sync      SyncConfig      `json:"sync"`
	Relay     RelayConfig     `json:"relay"`
	Alarm     AlarmConfig     `json:"alarm"`
	Discovery DiscoveryConfig `json:"discovery"`
	Log       LogConfig       `json:"log"`
}

// Duration is a time.Duration that reads "30s" style strings from JSON.
// Plain numbers are taken as nanoseconds.
type Duration struct {
	time.Duration
}

// UnmarshalJSON accepts a duration string or a number
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// MarshalJSON writes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// ServerConfig holds the HTTP/WebSocket server settings
type ServerConfig struct {
	Port            int      `json:"port"`
	ReadTimeout     Duration `json:"readTimeout"`
	WriteTimeout    Duration `json:"writeTimeout"`
	ShutdownTimeout Duration `json:"shutdownTimeout"`
	AllowedOrigins  []string `json:"allowedOrigins"`
}

// GPSConfig selects and configures the position source
type GPSConfig struct {
	// Source is "nmea" or "simulated"
	Source string `json:"source"`
	// Transport is "serial" or "tcp" for the nmea source
	Transport            string          `json:"transport"`
	Device               string          `json:"device"`
	BaudRate             int             `json:"baudRate"`
	Address              string          `json:"address"`
	UERE                 float64         `json:"uere"`
	MaxConsecutiveErrors int             `json:"maxConsecutiveErrors"`
	ReconnectDelay       Duration        `json:"reconnectDelay"`
	Simulated            SimulatedConfig `json:"simulated"`
}

// SimulatedConfig drives the simulated position source
type SimulatedConfig struct {
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	DriftMps     float64  `json:"driftMps"`
	HeadingDeg   float64  `json:"headingDeg"`
	JitterMeters float64  `json:"jitterMeters"`
	Accuracy     float64  `json:"accuracy"`
	Interval     Duration `json:"interval"`
	Seed         int64    `json:"seed"`
}

// WatchConfig tunes the anchor watch
type WatchConfig struct {
	FixTimeout    Duration `json:"fixTimeout"`
	FlushInterval Duration `json:"flushInterval"`
	HistorySize   int      `json:"historySize"`
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	// Backend is "file", "sqlite", "redis" or "memory"
	Backend string `json:"backend"`
	Path    string `json:"path"`
}

// RedisConfig holds the Redis connection used by the redis storage and relay backends
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// SyncConfig tunes vessel to shore sharing
type SyncConfig struct {
	Enabled           bool     `json:"enabled"`
	HeartbeatInterval Duration `json:"heartbeatInterval"`
	PeerTimeout       Duration `json:"peerTimeout"`
	BroadcastInterval Duration `json:"broadcastInterval"`
}

// RelayConfig selects the relay channel backend
type RelayConfig struct {
	// Backend is "memory", "redis" or "websocket"
	Backend          string   `json:"backend"`
	URL              string   `json:"url"`
	DiscoveryTimeout Duration `json:"discoveryTimeout"`
}

// AlarmConfig configures the alarm notifier
type AlarmConfig struct {
	RepeatInterval Duration `json:"repeatInterval"`
	Command        []string `json:"command"`
}

// DiscoveryConfig configures mDNS advertisement
type DiscoveryConfig struct {
	Enabled  bool   `json:"enabled"`
	Instance string `json:"instance"`
	Domain   string `json:"domain"`
}

// LogConfig configures the logger
type LogConfig struct {
	Level string `json:"level"`
	Dir   string `json:"dir"`
}

// Load reads the configuration from path, or from config.json in the working
// directory when path is empty, on top of the defaults. Environment overrides
// are applied last.
func Load(path string) (*Config, error) {
	config := getDefaultConfig()

	explicit := path != ""
	if !explicit {
		path = "config.json"
	}

	if _, err := os.Stat(path); err == nil {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer file.Close()

		decoder := json.NewDecoder(file)
		if err := decoder.Decode(&config); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	applyEnvironmentOverrides(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyEnvironmentOverrides replaces settings with ANCHORWATCH_* variables
func applyEnvironmentOverrides(config *Config) {
	config.Server.Port = getEnvInt("ANCHORWATCH_PORT", config.Server.Port)

	config.GPS.Source = getEnv("ANCHORWATCH_GPS_SOURCE", config.GPS.Source)
	config.GPS.Transport = getEnv("ANCHORWATCH_GPS_TRANSPORT", config.GPS.Transport)
	config.GPS.Device = getEnv("ANCHORWATCH_GPS_DEVICE", config.GPS.Device)
	config.GPS.BaudRate = getEnvInt("ANCHORWATCH_GPS_BAUD", config.GPS.BaudRate)
	config.GPS.Address = getEnv("ANCHORWATCH_GPS_ADDRESS", config.GPS.Address)

	config.Storage.Backend = getEnv("ANCHORWATCH_STORAGE_BACKEND", config.Storage.Backend)
	config.Storage.Path = getEnv("ANCHORWATCH_STORAGE_PATH", config.Storage.Path)

	config.Redis.Host = getEnv("ANCHORWATCH_REDIS_HOST", config.Redis.Host)
	config.Redis.Port = getEnvInt("ANCHORWATCH_REDIS_PORT", config.Redis.Port)
	config.Redis.Password = getEnv("ANCHORWATCH_REDIS_PASSWORD", config.Redis.Password)
	config.Redis.DB = getEnvInt("ANCHORWATCH_REDIS_DB", config.Redis.DB)

	config.Relay.Backend = getEnv("ANCHORWATCH_RELAY_BACKEND", config.Relay.Backend)
	config.Relay.URL = getEnv("ANCHORWATCH_RELAY_URL", config.Relay.URL)

	config.Log.Level = getEnv("ANCHORWATCH_LOG_LEVEL", config.Log.Level)
	config.Log.Dir = getEnv("ANCHORWATCH_LOG_DIR", config.Log.Dir)

	if v, ok := os.LookupEnv("ANCHORWATCH_SYNC_ENABLED"); ok {
		config.Sync.Enabled = parseBool(v, config.Sync.Enabled)
	}
	if v, ok := os.LookupEnv("ANCHORWATCH_DISCOVERY_ENABLED"); ok {
		config.Discovery.Enabled = parseBool(v, config.Discovery.Enabled)
	}
}

// Validate rejects settings the services cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	switch c.GPS.Source {
	case "nmea":
		switch c.GPS.Transport {
		case "serial":
			if c.GPS.Device == "" {
				errs = append(errs, errors.New("gps.device is required for the serial transport"))
			}
		case "tcp":
			if c.GPS.Address == "" {
				errs = append(errs, errors.New("gps.address is required for the tcp transport"))
			}
		default:
			errs = append(errs, fmt.Errorf("gps.transport %q must be serial or tcp", c.GPS.Transport))
		}
	case "simulated":
		if c.GPS.Simulated.Interval.Duration <= 0 {
			errs = append(errs, errors.New("gps.simulated.interval must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("gps.source %q must be nmea or simulated", c.GPS.Source))
	}

	if c.Watch.FixTimeout.Duration <= 0 {
		errs = append(errs, errors.New("watch.fixTimeout must be positive"))
	}
	if c.Watch.FlushInterval.Duration <= 0 {
		errs = append(errs, errors.New("watch.flushInterval must be positive"))
	}
	if c.Watch.HistorySize <= 0 {
		errs = append(errs, errors.New("watch.historySize must be positive"))
	}

	switch c.Storage.Backend {
	case "file", "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend))
		}
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q must be file, sqlite, redis or memory", c.Storage.Backend))
	}

	switch c.Relay.Backend {
	case "memory", "redis", "websocket":
	default:
		errs = append(errs, fmt.Errorf("relay.backend %q must be memory, redis or websocket", c.Relay.Backend))
	}

	if c.Sync.Enabled {
		if c.Sync.HeartbeatInterval.Duration <= 0 || c.Sync.BroadcastInterval.Duration <= 0 {
			errs = append(errs, errors.New("sync intervals must be positive"))
		}
		if c.Sync.PeerTimeout.Duration <= c.Sync.HeartbeatInterval.Duration {
			errs = append(errs, errors.New("sync.peerTimeout must be longer than sync.heartbeatInterval"))
		}
	}

	if c.Alarm.RepeatInterval.Duration < 0 {
		errs = append(errs, errors.New("alarm.repeatInterval must not be negative"))
	}

	return errors.Join(errs...)
}

// RedisAddr returns host:port of the Redis server
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func parseBool(value string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return b
}
