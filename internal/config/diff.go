package config

import (
	"strings"

	logx "taskpulse/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs along
// with safe log fields. Secrets are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs, logx.String("server.url", strings.TrimSpace(newCfg.Server.URL)))
	}
	if oldCfg.Transport.Kind != newCfg.Transport.Kind ||
		oldCfg.Transport.Redis.Addr != newCfg.Transport.Redis.Addr ||
		oldCfg.Transport.Redis.DB != newCfg.Transport.Redis.DB ||
		oldCfg.Transport.Redis.Prefix != newCfg.Transport.Redis.Prefix ||
		oldCfg.Transport.Redis.Username != newCfg.Transport.Redis.Username ||
		oldCfg.Transport.Redis.Password != newCfg.Transport.Redis.Password {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.kind", newCfg.Transport.Kind),
			logx.Bool("transport.redis.password_set", newCfg.Transport.Redis.Password != ""),
		)
	}
	if oldCfg.Reconnect != newCfg.Reconnect {
		changed = append(changed, "reconnect")
		attrs = append(attrs,
			logx.Int("reconnect.max_retries", newCfg.Reconnect.MaxRetries),
			logx.String("reconnect.retry_delay", newCfg.Reconnect.RetryDelay),
			logx.Bool("reconnect.on_drop", newCfg.Reconnect.OnDrop),
		)
	}
	if oldCfg.Sync != newCfg.Sync {
		changed = append(changed, "sync")
		attrs = append(attrs, logx.Int("sync.rate_per_sec", newCfg.Sync.RatePerSec))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs, logx.String("schedule.resume", newCfg.Schedule.Resume))
	}
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}
	return changed, attrs
}

// RequiresRestart reports sections that only take effect on a fresh start.
// Logging and schedule apply live.
func RequiresRestart(sections []string) bool {
	for _, s := range sections {
		if s != "logging" && s != "schedule" {
			return true
		}
	}
	return false
}
