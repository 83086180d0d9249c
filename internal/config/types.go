package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "2s", "1m"); empty means the default.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Transport TransportConfig `json:"transport"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Sync      SyncConfig      `json:"sync"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Debug     DebugConfig     `json:"debug"`
}

// ServerConfig points at the notification endpoint used by the websocket
// transport.
type ServerConfig struct {
	URL              string `json:"url"`
	HandshakeTimeout string `json:"handshake_timeout,omitempty"`
	WriteTimeout     string `json:"write_timeout,omitempty"`
	PingInterval     string `json:"ping_interval,omitempty"`
	// TokenInQuery also sends the token as ?token= on the upgrade request.
	TokenInQuery bool `json:"token_in_query,omitempty"`
}

// TransportConfig selects the transport.
//
// Example:
//
//	"transport": { "kind": "redis", "redis": { "addr": "127.0.0.1:6379" } }
type TransportConfig struct {
	Kind  string      `json:"kind"` // websocket (default) | redis
	Redis RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// ReconnectConfig controls the retry budget of a connect cycle.
//
// Defaults: max_retries 3, retry_delay "2s", on_drop false.
type ReconnectConfig struct {
	MaxRetries int    `json:"max_retries,omitempty"`
	RetryDelay string `json:"retry_delay,omitempty"`
	OnDrop     bool   `json:"on_drop,omitempty"`
}

// SyncConfig controls the best-effort outbound worker.
//
// Defaults: rate_per_sec 10, timeout "5s", queue_size 64.
type SyncConfig struct {
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
}

// StorageConfig selects the key-value store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./taskpulse.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ScheduleConfig holds optional cron jobs.
type ScheduleConfig struct {
	// Resume is a cron spec (5 fields or a descriptor like "@every 5m").
	// On each tick the app reconnects if the channel is disconnected.
	Resume   string `json:"resume,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// DebugConfig enables the health and pprof HTTP endpoint.
//
// Example:
//
//	"debug": { "enabled": true, "addr": "127.0.0.1:6060" }
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{URL: "ws://localhost:8001/ws/notifications"},
		Transport: TransportConfig{Kind: "websocket"},
		Storage:   StorageConfig{Driver: "file", Path: "./taskpulse_store.json"},
		Logging:   LoggingConfig{Level: "info", Console: true},
	}
}
