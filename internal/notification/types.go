package notification

import (
	"encoding/json"
	"time"
)

// Type is the notification kind as sent by the server.
type Type string

const (
	TypeTaskAssigned   Type = "TASK_ASSIGNED"
	TypeTaskUpdated    Type = "TASK_UPDATED"
	TypeProjectUpdated Type = "PROJECT_UPDATED"
	TypeMention        Type = "MENTION"
	TypeDeadline       Type = "DEADLINE"
	TypeTeamUpdate     Type = "TEAM_UPDATE"
	TypeComment        Type = "COMMENT"

	// TypeConnectionError is synthesized locally to signal subscribers.
	// It is never stored in the log.
	TypeConnectionError Type = "CONNECTION_ERROR"
)

// Valid reports whether t is one of the known kinds.
func (t Type) Valid() bool {
	switch t {
	case TypeTaskAssigned, TypeTaskUpdated, TypeProjectUpdated, TypeMention,
		TypeDeadline, TypeTeamUpdate, TypeComment, TypeConnectionError:
		return true
	}
	return false
}

// Label is a short human label used by the CLI.
func (t Type) Label() string {
	switch t {
	case TypeTaskAssigned:
		return "assigned"
	case TypeTaskUpdated:
		return "task"
	case TypeProjectUpdated:
		return "project"
	case TypeMention:
		return "mention"
	case TypeDeadline:
		return "deadline"
	case TypeTeamUpdate:
		return "team"
	case TypeComment:
		return "comment"
	case TypeConnectionError:
		return "error"
	default:
		return "notice"
	}
}

// Notification is one entry of the log. Timestamp is kept as the RFC 3339
// string received from the server so it round-trips unchanged.
type Notification struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Message   string          `json:"message"`
	Timestamp string          `json:"timestamp,omitempty"`
	Read      bool            `json:"read"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Time parses Timestamp; the zero time is returned when it is missing or malformed.
func (n Notification) Time() time.Time {
	ts, err := time.Parse(time.RFC3339Nano, n.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// IsSentinel reports whether n is a locally synthesized connection error.
func (n *Notification) IsSentinel() bool {
	return n != nil && n.Type == TypeConnectionError
}

// ConnectionError builds the sentinel delivered when the retry budget runs out.
func ConnectionError(id, message string) *Notification {
	return &Notification{ID: id, Type: TypeConnectionError, Message: message}
}
