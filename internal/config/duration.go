package config

import (
	"fmt"
	"strings"
	"time"
)

// durationField names one duration-valued config key.
type durationField struct {
	path string
	raw  string
}

// durationFields lists every duration string in cfg in a stable order so
// validation errors come out the same way each time.
func durationFields(cfg *Config) []durationField {
	return []durationField{
		{"server.handshake_timeout", cfg.Server.HandshakeTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.ping_interval", cfg.Server.PingInterval},
		{"reconnect.retry_delay", cfg.Reconnect.RetryDelay},
		{"sync.timeout", cfg.Sync.Timeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	}
}

// ParseDurationField parses raw as a Go duration. Blank means zero; negative
// values are rejected. path only labels the error.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for a
// blank or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
