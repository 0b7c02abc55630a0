package config

import "time"

func d(v time.Duration) Duration { return Duration{v} }

// getDefaultConfig returns the configuration used when no file is present
func getDefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     d(30 * time.Second),
			WriteTimeout:    d(30 * time.Second),
			ShutdownTimeout: d(10 * time.Second),
			AllowedOrigins:  []string{"*"},
		},
		GPS: GPSConfig{
			Source:               "simulated",
			Transport:            "serial",
			Device:               "/dev/ttyUSB0",
			BaudRate:             4800,
			Address:              "192.168.1.1:10110",
			UERE:                 5,
			MaxConsecutiveErrors: 5,
			ReconnectDelay:       d(2 * time.Second),
			Simulated: SimulatedConfig{
				Latitude:     10.0,
				Longitude:    20.0,
				DriftMps:     0,
				HeadingDeg:   90,
				JitterMeters: 2,
				Accuracy:     4,
				Interval:     d(time.Second),
				Seed:         1,
			},
		},
		Watch: WatchConfig{
			FixTimeout:    d(10 * time.Second),
			FlushInterval: d(30 * time.Second),
			HistorySize:   500,
		},
		Storage: StorageConfig{
			Backend: "file",
			Path:    "data",
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			Password: "",
			DB:       0,
			Prefix:   "anchorwatch",
		},
		Sync: SyncConfig{
			Enabled:           true,
			HeartbeatInterval: d(5 * time.Second),
			PeerTimeout:       d(15 * time.Second),
			BroadcastInterval: d(5 * time.Second),
		},
		Relay: RelayConfig{
			Backend:          "memory",
			DiscoveryTimeout: d(3 * time.Second),
		},
		Alarm: AlarmConfig{
			RepeatInterval: d(30 * time.Second),
		},
		Discovery: DiscoveryConfig{
			Enabled:  true,
			Instance: "anchorwatch",
			Domain:   "local.",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Default returns a copy of the default configuration
func Default() *Config {
	c := getDefaultConfig()
	return &c
}
