package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskpulse/internal/credential"
	"taskpulse/internal/eventbus"
	"taskpulse/internal/notification"
	"taskpulse/internal/storage"
	"taskpulse/internal/transport"
)

var errRefused = errors.New("connection refused")

type fakeConn struct {
	events  chan transport.Event
	emitted chan transport.Outbound

	mu      sync.Mutex
	err     error
	emitErr error
	closed  bool
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events:  make(chan transport.Event, 16),
		emitted: make(chan transport.Outbound, 16),
	}
}

func (c *fakeConn) Events() <-chan transport.Event { return c.events }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Emit(_ context.Context, out transport.Outbound) error {
	c.mu.Lock()
	err := c.emitErr
	c.mu.Unlock()
	c.emitted <- out
	return err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.events) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// drop simulates the server going away.
func (c *fakeConn) drop(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.once.Do(func() { close(c.events) })
}

type dialResult struct {
	conn *fakeConn
	err  error
}

type fakeDialer struct {
	// gate, when set, holds every Dial until closed.
	gate chan struct{}
	// ignoreCtx makes a gated Dial succeed even after cancellation.
	ignoreCtx bool
	dialed    chan struct{}

	mu      sync.Mutex
	calls   int
	tokens  []string
	results []dialResult
}

func newFakeDialer(results ...dialResult) *fakeDialer {
	return &fakeDialer{dialed: make(chan struct{}, 32), results: results}
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (transport.Conn, error) {
	d.mu.Lock()
	idx := d.calls
	d.calls++
	d.tokens = append(d.tokens, token)
	var r dialResult
	if idx < len(d.results) {
		r = d.results[idx]
	} else {
		r = dialResult{err: errRefused}
	}
	d.mu.Unlock()
	d.dialed <- struct{}{}

	if d.gate != nil {
		if d.ignoreCtx {
			<-d.gate
		} else {
			select {
			case <-d.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if errors.Is(r.err, notification.ErrAuth) {
		return nil, r.err
	}
	if r.err != nil {
		return nil, &notification.TransportError{Op: "handshake", Err: r.err}
	}
	return r.conn, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) waitDialed(t *testing.T) {
	t.Helper()
	select {
	case <-d.dialed:
	case <-time.After(2 * time.Second):
		t.Fatal("dialer was never called")
	}
}

type fakeTimer struct{ c chan time.Time }

func (t *fakeTimer) C() <-chan time.Time { return t.c }
func (t *fakeTimer) Stop() bool          { return true }

// fakeClock records retry delays. With auto set, timers fire immediately;
// otherwise they are handed to the test on timers.
type fakeClock struct {
	auto   bool
	now    time.Time
	timers chan *fakeTimer

	mu     sync.Mutex
	delays []time.Duration
}

func newFakeClock(auto bool) *fakeClock {
	return &fakeClock{
		auto:   auto,
		now:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		timers: make(chan *fakeTimer, 8),
	}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	t := &fakeTimer{c: make(chan time.Time, 1)}
	if c.auto {
		t.c <- c.now.Add(d)
	} else {
		c.timers <- t
	}
	return t
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

type recorder struct {
	mu  sync.Mutex
	got []*notification.Notification
}

func (r *recorder) fn(n *notification.Notification) {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
}

func (r *recorder) all() []*notification.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*notification.Notification(nil), r.got...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type harness struct {
	ch     *Channel
	dialer *fakeDialer
	clock  *fakeClock
	store  storage.Store
	bus    eventbus.Bus
}

func newHarness(t *testing.T, cfg Config, dialer *fakeDialer, clock *fakeClock) *harness {
	t.Helper()
	h := &harness{dialer: dialer, clock: clock, store: storage.NewMemory(), bus: eventbus.New()}
	ch, err := New(context.Background(), cfg, Deps{
		Dialer:      dialer,
		Credentials: credential.Static("tok"),
		Store:       h.store,
		Bus:         h.bus,
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	h.ch = ch
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
