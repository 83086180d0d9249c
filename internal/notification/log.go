package notification

import (
	"context"
	"encoding/json"

	"taskpulse/internal/storage"
)

const (
	// MaxEntries caps the log; the oldest entry is evicted past it.
	MaxEntries = 50
	// StorageKey is where the snapshot lives in the key-value store.
	StorageKey = "notifications"
)

// Log is the newest-first notification list. It is not safe for concurrent
// use; the channel guards it.
type Log struct {
	items []Notification
}

// NewLog builds a log from items already in newest-first order, truncated to the cap.
func NewLog(items []Notification) *Log {
	if len(items) > MaxEntries {
		items = items[:MaxEntries]
	}
	cp := make([]Notification, 0, len(items))
	for _, n := range items {
		if n.Type == TypeConnectionError {
			continue
		}
		cp = append(cp, n)
	}
	return &Log{items: cp}
}

func (l *Log) Len() int { return len(l.items) }

// Prepend inserts n at index 0 and evicts past the cap. It reports whether an
// entry was evicted. Sentinels are refused.
func (l *Log) Prepend(n Notification) (evicted bool) {
	if n.Type == TypeConnectionError {
		return false
	}
	l.items = append(l.items, Notification{})
	copy(l.items[1:], l.items)
	l.items[0] = n
	if len(l.items) > MaxEntries {
		clear(l.items[MaxEntries:])
		l.items = l.items[:MaxEntries]
		return true
	}
	return false
}

// MarkRead flags every entry with the given id. Ids are not unique on the
// wire (the server derives them from task and actor), so all matches change.
func (l *Log) MarkRead(id string) int {
	n := 0
	for i := range l.items {
		if l.items[i].ID == id && !l.items[i].Read {
			l.items[i].Read = true
			n++
		}
	}
	return n
}

func (l *Log) MarkAllRead() int {
	n := 0
	for i := range l.items {
		if !l.items[i].Read {
			l.items[i].Read = true
			n++
		}
	}
	return n
}

func (l *Log) Clear() { l.items = nil }

// Items returns a copy, newest first.
func (l *Log) Items() []Notification {
	out := make([]Notification, len(l.items))
	copy(out, l.items)
	return out
}

func (l *Log) Unread() int {
	n := 0
	for _, it := range l.items {
		if !it.Read {
			n++
		}
	}
	return n
}

// LoadLog reads the snapshot. Missing snapshots give an empty log and a nil
// error; unreadable or corrupt ones give an empty log and a *PersistenceReadError.
func LoadLog(ctx context.Context, st storage.Store) (*Log, error) {
	if st == nil {
		return NewLog(nil), nil
	}
	b, ok, err := st.Get(ctx, StorageKey)
	if err != nil {
		return NewLog(nil), &PersistenceReadError{Key: StorageKey, Err: err}
	}
	if !ok || len(b) == 0 {
		return NewLog(nil), nil
	}
	var items []Notification
	if err := json.Unmarshal(b, &items); err != nil {
		return NewLog(nil), &PersistenceReadError{Key: StorageKey, Err: err}
	}
	return NewLog(items), nil
}

// SaveLog writes the full log (at most MaxEntries) as a JSON array.
func SaveLog(ctx context.Context, st storage.Store, l *Log) error {
	if st == nil {
		return nil
	}
	items := l.items
	if items == nil {
		items = []Notification{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return st.Put(ctx, StorageKey, b)
}
