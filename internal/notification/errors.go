package notification

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth means no usable credential was available; no dial was attempted.
	ErrAuth = errors.New("no authentication token found")
	// ErrRetryBudgetExhausted is returned by Connect after the last allowed attempt failed.
	ErrRetryBudgetExhausted = errors.New("failed to connect to notification service")
	// ErrDisconnected is returned to Connect callers whose attempt was cancelled by Disconnect.
	ErrDisconnected = errors.New("notification channel disconnected")
	// ErrClosed is returned once the channel has been shut down.
	ErrClosed = errors.New("notification channel closed")
)

// TransportError is a handshake or network failure. It triggers the retry policy.
type TransportError struct {
	Op     string
	Status int // HTTP status of a rejected handshake, 0 when unknown
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExhaustedError carries the last transport failure of a cycle.
// errors.Is(err, ErrRetryBudgetExhausted) holds for it.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrRetryBudgetExhausted, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrRetryBudgetExhausted, e.Last} }

// PersistenceReadError reports an unreadable snapshot. It is never fatal:
// the log falls back to empty.
type PersistenceReadError struct {
	Key string
	Err error
}

func (e *PersistenceReadError) Error() string {
	return fmt.Sprintf("read snapshot %q: %v", e.Key, e.Err)
}

func (e *PersistenceReadError) Unwrap() error { return e.Err }
