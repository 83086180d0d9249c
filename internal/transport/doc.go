// Package transport connects the notification channel to the server.
//
// A Dialer performs the authenticated handshake and returns a Conn. A Conn
// delivers inbound events on a channel that is closed when the connection
// ends, and accepts fire-and-forget outbound events.
//
// Both implementations speak the same JSON envelope:
//
//	{"event": "notification", "data": {...}}
//	{"event": "notifications_cleared"}
//	{"event": "mark_as_read", "data": {"notificationId": "..."}}
//
// Implementations:
//   - websocket: a WebSocket endpoint authenticated with a bearer header
//   - redis: Redis pub/sub channels scoped by the token subject
package transport
