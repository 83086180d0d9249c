package app

import (
	"fmt"
	"strings"
	"time"

	"taskpulse/internal/channel"
	"taskpulse/internal/config"
	"taskpulse/internal/observability/debug"
	"taskpulse/internal/storage"
	"taskpulse/internal/transport"
	logx "taskpulse/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapChannelConfig(cfg *config.Config) (channel.Config, error) {
	delay, err := config.ParseDurationOrDefault("reconnect.retry_delay", cfg.Reconnect.RetryDelay, channel.DefaultRetryDelay)
	if err != nil {
		return channel.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("sync.timeout", cfg.Sync.Timeout, channel.DefaultSyncTimeout)
	if err != nil {
		return channel.Config{}, err
	}
	return channel.Config{
		MaxRetries:      cfg.Reconnect.MaxRetries,
		RetryDelay:      delay,
		ReconnectOnDrop: cfg.Reconnect.OnDrop,
		Sync: channel.SyncConfig{
			RatePerSec: cfg.Sync.RatePerSec,
			Timeout:    timeout,
			QueueSize:  cfg.Sync.QueueSize,
		},
	}, nil
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	return debug.Config{
		Addr:          strings.TrimSpace(cfg.Debug.Addr),
		Token:         cfg.Debug.Token,
		AllowInsecure: cfg.Debug.AllowInsecure,
		ReadTimeout:   10 * time.Second,
		// pprof profile and trace stream for up to 30s by default.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  time.Minute,
	}
}

// dialer is a transport plus the cleanup it needs at shutdown.
type dialer struct {
	transport.Dialer
	kind  string
	close func() error
}

func mapDialer(cfg *config.Config, log logx.Logger) (dialer, error) {
	switch kind := strings.ToLower(strings.TrimSpace(cfg.Transport.Kind)); kind {
	case "", "websocket", "ws":
		hs, err := config.ParseDurationOrDefault("server.handshake_timeout", cfg.Server.HandshakeTimeout, 10*time.Second)
		if err != nil {
			return dialer{}, err
		}
		wt, err := config.ParseDurationOrDefault("server.write_timeout", cfg.Server.WriteTimeout, 5*time.Second)
		if err != nil {
			return dialer{}, err
		}
		ping, err := config.ParseDurationField("server.ping_interval", cfg.Server.PingInterval)
		if err != nil {
			return dialer{}, err
		}
		ws := transport.NewWebSocket(transport.WebSocketConfig{
			URL:              strings.TrimSpace(cfg.Server.URL),
			HandshakeTimeout: hs,
			WriteTimeout:     wt,
			PingInterval:     ping,
			TokenInQuery:     cfg.Server.TokenInQuery,
		}, log)
		return dialer{Dialer: ws, kind: "websocket", close: func() error { return nil }}, nil
	case "redis":
		rc := cfg.Transport.Redis
		rd := transport.NewRedis(transport.RedisConfig{
			Addr:     rc.Addr,
			Username: rc.Username,
			Password: rc.Password,
			DB:       rc.DB,
			Prefix:   rc.Prefix,
		}, log)
		return dialer{Dialer: rd, kind: "redis", close: rd.Close}, nil
	default:
		return dialer{}, fmt.Errorf("unknown transport.kind: %s", cfg.Transport.Kind)
	}
}
