package notification

import (
	"sort"
	"sync"
)

// Listener receives a new notification, nil for "the log changed, re-read
// it", or a CONNECTION_ERROR sentinel.
type Listener func(n *Notification)

// Registry is an arena of listener slots keyed by stable ids. Listeners may
// unsubscribe themselves or others while a broadcast is running; removed
// slots are skipped for the rest of that broadcast.
type Registry struct {
	mu    sync.Mutex
	seq   uint64
	slots map[uint64]Listener

	// OnPanic is called when a listener panics. The broadcast continues.
	OnPanic func(id uint64, v any)
}

func NewRegistry() *Registry {
	return &Registry{slots: map[uint64]Listener{}}
}

// Add registers fn and returns an idempotent remove func.
func (r *Registry) Add(fn Listener) (remove func()) {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	r.seq++
	id := r.seq
	r.slots[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.slots, id)
			r.mu.Unlock()
		})
	}
}

// Clear drops every listener.
func (r *Registry) Clear() {
	r.mu.Lock()
	clear(r.slots)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Broadcast calls every listener registered at the time of the call once.
func (r *Registry) Broadcast(n *Notification) {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.slots))
	for id := range r.slots {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	// Registration order keeps delivery stable for logs and tests.
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		r.mu.Lock()
		fn, ok := r.slots[id]
		r.mu.Unlock()
		if !ok {
			continue
		}
		r.call(id, fn, n)
	}
}

func (r *Registry) call(id uint64, fn Listener, n *Notification) {
	defer func() {
		if v := recover(); v != nil && r.OnPanic != nil {
			r.OnPanic(id, v)
		}
	}()
	fn(n)
}
