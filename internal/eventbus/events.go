package eventbus

// Channel lifecycle.
const (
	ChannelConnecting     = "channel.connecting"
	ChannelConnected      = "channel.connected"
	ChannelRetryScheduled = "channel.retry_scheduled"
	ChannelExhausted      = "channel.exhausted"
	ChannelDropped        = "channel.dropped"
	ChannelDisconnected   = "channel.disconnected"
)

// Best-effort sync.
const (
	SyncSent    = "sync.sent"
	SyncFailed  = "sync.failed"
	SyncDropped = "sync.dropped"
)

// Config.
const ConfigReloaded = "config.reloaded"

// Attempt is the payload of connecting, retry_scheduled and exhausted events.
type Attempt struct {
	Attempt int    `json:"attempt"`
	Delay   string `json:"delay,omitempty"`
	Err     string `json:"err,omitempty"`
}

// Sync is the payload of sync.* events.
type Sync struct {
	Kind string `json:"kind"`
	Err  string `json:"err,omitempty"`
}
