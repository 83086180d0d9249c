package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"taskpulse/internal/observability/debug"
)

// CronParser accepts the standard 5-field syntax plus descriptors.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate rejects configs the app could not start with. It is installed as
// the Watch validator so a bad edit never replaces a working config.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch kind := strings.ToLower(strings.TrimSpace(cfg.Transport.Kind)); kind {
	case "", "websocket", "ws":
		u := strings.TrimSpace(cfg.Server.URL)
		if u == "" {
			errs = append(errs, errors.New("server.url is required for the websocket transport"))
		} else if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			errs = append(errs, fmt.Errorf("server.url: want ws:// or wss://, got %q", u))
		}
	case "redis":
		if strings.TrimSpace(cfg.Transport.Redis.Addr) == "" {
			errs = append(errs, errors.New("transport.redis.addr is required for the redis transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.kind: unknown transport %q", kind))
	}

	for _, f := range durationFields(cfg) {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Reconnect.MaxRetries < 0 {
		errs = append(errs, errors.New("reconnect.max_retries must be >= 0"))
	}
	if cfg.Sync.RatePerSec < 0 || cfg.Sync.QueueSize < 0 {
		errs = append(errs, errors.New("sync.rate_per_sec and sync.queue_size must be >= 0"))
	}

	if spec := strings.TrimSpace(cfg.Schedule.Resume); spec != "" {
		if _, err := CronParser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("schedule.resume: %w", err))
		}
	}
	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
		}
	}
	if d := cfg.Debug; d.Enabled {
		if err := debug.CheckBind(d.Addr, d.Token, d.AllowInsecure); err != nil {
			errs = append(errs, fmt.Errorf("debug: %w", err))
		}
	}
	return errors.Join(errs...)
}
