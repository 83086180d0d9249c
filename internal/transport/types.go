package transport

import (
	"context"
	"encoding/json"
	"fmt"
)

// Inbound event kinds.
const (
	KindNotification         = "notification"
	KindNotificationsCleared = "notifications_cleared"
)

// Outbound event kinds.
const (
	KindMarkAsRead         = "mark_as_read"
	KindMarkAllAsRead      = "mark_all_as_read"
	KindClearNotifications = "clear_notifications"
)

// Event is an inbound server push. Data is the raw payload; it is empty for
// notifications_cleared.
type Event struct {
	Kind string
	Data json.RawMessage
}

// Outbound is a best-effort event sent to the server.
type Outbound struct {
	Kind string
	Data any
}

// MarkAsRead builds the outbound event for a single read flag.
func MarkAsRead(id string) Outbound {
	return Outbound{Kind: KindMarkAsRead, Data: markAsReadPayload{NotificationID: id}}
}

type markAsReadPayload struct {
	NotificationID string `json:"notificationId"`
}

// Dialer opens authenticated connections. Dial must honor ctx cancellation.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn is one live connection.
type Conn interface {
	// Events yields inbound events and is closed when the connection ends.
	Events() <-chan Event
	// Err reports why Events was closed; nil after a local Close.
	Err() error
	Emit(ctx context.Context, out Outbound) error
	Close() error
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, token string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, token string) (Conn, error) { return f(ctx, token) }

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeOutbound renders an outbound event as a wire envelope.
func EncodeOutbound(out Outbound) ([]byte, error) {
	env := envelope{Event: out.Kind}
	if out.Data != nil {
		b, err := json.Marshal(out.Data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", out.Kind, err)
		}
		env.Data = b
	}
	return json.Marshal(env)
}

// DecodeEvent parses a wire envelope. Unknown kinds are returned as-is; the
// caller decides whether to skip them.
func DecodeEvent(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Event{}, err
	}
	if env.Event == "" {
		return Event{}, fmt.Errorf("envelope without event name")
	}
	return Event{Kind: env.Event, Data: env.Data}, nil
}

// Known reports whether kind is an inbound kind the channel handles.
func Known(kind string) bool {
	return kind == KindNotification || kind == KindNotificationsCleared
}
