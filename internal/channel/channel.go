// Package channel implements the notification channel: one logical
// subscription to the server push stream that survives individual
// connections, mirrors a capped log to local storage and fans changes out to
// subscribers.
//
// Local mutations are applied, persisted and broadcast synchronously. The
// matching server event is sent afterwards by a best-effort worker and only
// when a connection is live; its outcome never changes the local log.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"taskpulse/internal/eventbus"
	"taskpulse/internal/notification"
	"taskpulse/internal/transport"
	logx "taskpulse/pkg/logx"
)

// State is the connection state of the channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

const persistTimeout = 5 * time.Second

// Channel is safe for concurrent use.
//
// Subscriber callbacks run on the goroutine that made the change. They may
// call the read methods, Subscribe and unsubscribe functions, but must not
// call AddNotification, MarkAsRead, MarkAllAsRead or ClearNotifications
// synchronously.
type Channel struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	listeners *notification.Registry
	sync      *syncer

	// commit serializes mutate, persist and notify.
	commit sync.Mutex

	mu      sync.Mutex
	entries *notification.Log
	state   State
	attempt *attempt
	conn    transport.Conn
	connSeq uint64
	attSeq  uint64
	closed  bool
}

// attempt is one connect cycle shared by every Connect caller.
type attempt struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func (a *attempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// New loads the persisted log and starts the sync worker. An unreadable
// snapshot is logged and replaced by an empty log.
func New(ctx context.Context, cfg Config, deps Deps) (*Channel, error) {
	if deps.Dialer == nil {
		return nil, errors.New("channel: dialer is required")
	}
	if deps.Credentials == nil {
		return nil, errors.New("channel: credential source is required")
	}
	cfg = cfg.withDefaults()
	deps = deps.withDefaults()
	log := deps.Log.With(logx.String("comp", "channel"))

	entries, err := notification.LoadLog(ctx, deps.Store)
	if err != nil {
		var pe *notification.PersistenceReadError
		if !errors.As(err, &pe) {
			return nil, err
		}
		log.Warn("persisted notifications unreadable, starting empty", logx.Err(err))
	}

	c := &Channel{
		cfg:       cfg,
		deps:      deps,
		log:       log,
		listeners: notification.NewRegistry(),
		entries:   entries,
	}
	c.listeners.OnPanic = func(id uint64, v any) {
		c.log.Error("subscriber panicked", logx.Any("subscriber", id), logx.Any("panic", v))
	}
	c.sync = newSyncer(cfg.Sync, c.liveConn, deps.Log, deps.Bus)
	c.sync.start()
	log.Debug("channel ready", logx.Int("entries", entries.Len()), logx.Int("max_retries", cfg.MaxRetries), logx.Duration("retry_delay", cfg.RetryDelay))
	return c, nil
}

// State reports the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect returns nil once a connection is live. Concurrent callers share one
// attempt. ctx bounds only this caller's wait; the shared attempt keeps going
// until it succeeds, exhausts its retries or Disconnect is called.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return notification.ErrClosed
	}
	if c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	a := c.attempt
	c.mu.Unlock()

	if a == nil {
		token, err := c.deps.Credentials.Token(ctx)
		if err != nil {
			return authError(err)
		}
		c.mu.Lock()
		switch {
		case c.closed:
			c.mu.Unlock()
			return notification.ErrClosed
		case c.state == Connected:
			c.mu.Unlock()
			return nil
		case c.attempt != nil:
			a = c.attempt
		default:
			a = c.beginLocked()
			go c.run(a, token)
		}
		c.mu.Unlock()
	}

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) beginLocked() *attempt {
	c.attSeq++
	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{id: c.attSeq, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	c.attempt = a
	c.state = Connecting
	return a
}

// run is the retry loop of one cycle. Every result is applied only while a is
// still the current attempt.
func (c *Channel) run(a *attempt, token string) {
	failures := 0
	for {
		c.publish(eventbus.ChannelConnecting, eventbus.Attempt{Attempt: failures + 1})
		conn, err := c.deps.Dialer.Dial(a.ctx, token)
		if a.ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err == nil {
			c.established(a, conn)
			return
		}
		if errors.Is(err, notification.ErrAuth) {
			c.log.Warn("credential rejected by transport", logx.Err(err))
			c.abandon(a, err)
			return
		}

		failures++
		c.log.Warn("connect attempt failed", logx.Int("attempt", failures), logx.Err(err))
		if failures >= c.cfg.MaxRetries {
			c.exhausted(a, failures, err)
			return
		}

		delay := c.cfg.RetryDelay * time.Duration(failures)
		c.publish(eventbus.ChannelRetryScheduled, eventbus.Attempt{Attempt: failures, Delay: delay.String(), Err: err.Error()})
		t := c.deps.Clock.NewTimer(delay)
		select {
		case <-a.ctx.Done():
			t.Stop()
			return
		case <-t.C():
		}
		if a.ctx.Err() != nil {
			return
		}

		// Pick up a token refreshed while we were waiting.
		token, err = c.deps.Credentials.Token(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			c.abandon(a, authError(err))
			return
		}
	}
}

func (c *Channel) established(a *attempt, conn transport.Conn) {
	c.mu.Lock()
	if c.attempt != a {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.connSeq++
	seq := c.connSeq
	c.conn = conn
	c.state = Connected
	c.attempt = nil
	c.mu.Unlock()

	a.cancel()
	a.finish(nil)
	c.log.Info("connected to notification service")
	c.publish(eventbus.ChannelConnected, nil)
	go c.read(conn, seq)
}

func (c *Channel) exhausted(a *attempt, attempts int, last error) {
	c.mu.Lock()
	if c.attempt != a {
		c.mu.Unlock()
		return
	}
	c.attempt = nil
	c.state = Disconnected
	c.mu.Unlock()
	a.cancel()

	err := &notification.ExhaustedError{Attempts: attempts, Last: last}
	c.log.Error("giving up on notification service", logx.Int("attempts", attempts), logx.Err(last))
	c.publish(eventbus.ChannelExhausted, eventbus.Attempt{Attempt: attempts, Err: last.Error()})

	sentinel := notification.ConnectionError(c.deps.NewID(), "Failed to connect to notification service")
	c.commit.Lock()
	c.listeners.Broadcast(sentinel)
	c.commit.Unlock()
	a.finish(err)
}

// abandon ends a cycle without broadcasting.
func (c *Channel) abandon(a *attempt, err error) {
	c.mu.Lock()
	if c.attempt != a {
		c.mu.Unlock()
		return
	}
	c.attempt = nil
	c.state = Disconnected
	c.mu.Unlock()
	a.cancel()
	a.finish(err)
}

// read pumps inbound events of one connection until it ends.
func (c *Channel) read(conn transport.Conn, seq uint64) {
	for ev := range conn.Events() {
		if !c.current(seq) {
			continue
		}
		c.handle(ev)
	}
	c.dropped(conn, seq)
}

func (c *Channel) current(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.connSeq == seq
}

func (c *Channel) handle(ev transport.Event) {
	switch ev.Kind {
	case transport.KindNotification:
		var n notification.Notification
		if err := json.Unmarshal(ev.Data, &n); err != nil {
			c.log.Warn("dropping malformed notification", logx.Err(err))
			return
		}
		c.AddNotification(n)
	case transport.KindNotificationsCleared:
		c.mutate(func(l *notification.Log) { l.Clear() }, nil)
	}
}

func (c *Channel) dropped(conn transport.Conn, seq uint64) {
	c.mu.Lock()
	if c.conn == nil || c.connSeq != seq {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = Disconnected
	c.attempt = nil
	reconnect := c.cfg.ReconnectOnDrop && !c.closed
	c.mu.Unlock()

	err := conn.Err()
	_ = conn.Close()
	c.log.Warn("notification connection dropped", logx.Err(err), logx.Bool("reconnect", reconnect))
	data := eventbus.Attempt{}
	if err != nil {
		data.Err = err.Error()
	}
	c.publish(eventbus.ChannelDropped, data)

	if reconnect {
		go func() {
			if err := c.Connect(context.Background()); err != nil {
				c.log.Warn("reconnect after drop failed", logx.Err(err))
			}
		}()
	}
}

// Disconnect tears down the connection, cancels any pending retry and drops
// every subscriber. Callers waiting in Connect get ErrDisconnected. The
// persisted log is left alone.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	a := c.attempt
	conn := c.conn
	was := c.state
	c.attempt = nil
	c.conn = nil
	c.connSeq++
	c.state = Disconnected
	c.mu.Unlock()

	if a != nil {
		a.cancel()
		a.finish(notification.ErrDisconnected)
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.listeners.Clear()
	if was != Disconnected {
		c.log.Info("disconnected from notification service")
		c.publish(eventbus.ChannelDisconnected, nil)
	}
}

// Close disconnects and stops the sync worker. The channel cannot be
// reconnected afterwards.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Disconnect()
	c.sync.stop()
	return nil
}

// Flush waits for outbound events queued so far to be sent or dropped.
// Short-lived callers use it before Close.
func (c *Channel) Flush(ctx context.Context) error {
	return c.sync.flush(ctx)
}

// Subscribe registers fn for every later change. fn receives the new
// notification, nil after a bulk change, or a CONNECTION_ERROR sentinel.
func (c *Channel) Subscribe(fn func(*notification.Notification)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return c.listeners.Add(fn)
}

// AddNotification records a pushed notification: it stamps a missing
// timestamp or id, prepends it, persists the log and notifies subscribers
// with the stored copy. CONNECTION_ERROR entries are refused.
func (c *Channel) AddNotification(n notification.Notification) {
	if n.IsSentinel() {
		c.log.Debug("refusing to store connection error notification")
		return
	}
	if n.Timestamp == "" {
		n.Timestamp = c.deps.Clock.Now().UTC().Format(time.RFC3339Nano)
	}
	if n.ID == "" {
		n.ID = c.deps.NewID()
	}
	if !n.Type.Valid() {
		c.log.Debug("unknown notification type", logx.String("type", string(n.Type)))
	}
	stored := n
	c.mutate(func(l *notification.Log) {
		if l.Prepend(n) {
			c.log.Debug("notification log full, evicted oldest")
		}
	}, &stored)
}

// MarkAsRead flags every entry with id as read.
func (c *Channel) MarkAsRead(id string) {
	c.mutateAndSync(func(l *notification.Log) { l.MarkRead(id) }, transport.MarkAsRead(id))
}

func (c *Channel) MarkAllAsRead() {
	c.mutateAndSync(func(l *notification.Log) { l.MarkAllRead() }, transport.Outbound{Kind: transport.KindMarkAllAsRead})
}

func (c *Channel) ClearNotifications() {
	c.mutateAndSync(func(l *notification.Log) { l.Clear() }, transport.Outbound{Kind: transport.KindClearNotifications})
}

// GetNotifications returns a copy of the log, newest first.
func (c *Channel) GetNotifications() []notification.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Items()
}

func (c *Channel) GetUnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Unread()
}

func (c *Channel) mutateAndSync(fn func(*notification.Log), out transport.Outbound) {
	if c.mutate(fn, nil) {
		c.sync.enqueue(out)
	}
}

// mutate applies fn, persists the result and broadcasts payload. It reports
// whether a connection was live when the change was applied.
func (c *Channel) mutate(fn func(*notification.Log), payload *notification.Notification) (live bool) {
	c.commit.Lock()
	defer c.commit.Unlock()

	c.mu.Lock()
	fn(c.entries)
	snapshot := notification.NewLog(c.entries.Items())
	live = c.state == Connected && c.conn != nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	if err := notification.SaveLog(ctx, c.deps.Store, snapshot); err != nil {
		c.log.Error("persist notifications failed", logx.Err(err))
	}
	cancel()

	c.listeners.Broadcast(payload)
	return live
}

func (c *Channel) liveConn() transport.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return nil
	}
	return c.conn
}

func (c *Channel) publish(typ string, data any) {
	c.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func authError(err error) error {
	if errors.Is(err, notification.ErrAuth) {
		return err
	}
	return fmt.Errorf("%w: %v", notification.ErrAuth, err)
}
