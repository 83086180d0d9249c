package channel

import (
	"time"

	"github.com/google/uuid"

	"taskpulse/internal/credential"
	"taskpulse/internal/eventbus"
	"taskpulse/internal/storage"
	"taskpulse/internal/transport"
	logx "taskpulse/pkg/logx"
)

const (
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 2 * time.Second
	DefaultSyncRate    = 10
	DefaultSyncTimeout = 5 * time.Second
	DefaultSyncQueue   = 64
)

// Config holds the tunables.
type Config struct {
	// MaxRetries is the number of failed attempts that ends a connect cycle.
	MaxRetries int
	// RetryDelay is the base of the linear backoff: retry n waits RetryDelay*n.
	RetryDelay time.Duration
	// ReconnectOnDrop starts a fresh cycle after an unexpected drop.
	ReconnectOnDrop bool

	Sync SyncConfig
}

// SyncConfig configures the best-effort outbound worker.
type SyncConfig struct {
	RatePerSec int
	Timeout    time.Duration
	QueueSize  int
}

// Deps are the collaborators of a Channel. Dialer and Credentials are required.
type Deps struct {
	Dialer      transport.Dialer
	Credentials credential.Source
	// Store holds the persisted log. nil keeps the log in memory only.
	Store storage.Store
	Log   logx.Logger
	Bus   eventbus.Bus
	Clock Clock
	// NewID names sentinels and pushes that arrive without an id.
	NewID func() string
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Sync.RatePerSec <= 0 {
		c.Sync.RatePerSec = DefaultSyncRate
	}
	if c.Sync.Timeout <= 0 {
		c.Sync.Timeout = DefaultSyncTimeout
	}
	if c.Sync.QueueSize <= 0 {
		c.Sync.QueueSize = DefaultSyncQueue
	}
	return c
}

func (d Deps) withDefaults() Deps {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Clock == nil {
		d.Clock = RealClock()
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	return d
}
