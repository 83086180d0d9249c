package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"taskpulse/internal/credential"
	"taskpulse/internal/notification"
	logx "taskpulse/pkg/logx"
)

const DefaultRedisPrefix = "taskpulse:notifications"

// RedisConfig configures the Redis pub/sub transport.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	// Prefix scopes channel names: inbound on <prefix>:<subject>, outbound on
	// <prefix>:<subject>:commands.
	Prefix string
}

// RedisDialer subscribes to the per-user notification channel.
type RedisDialer struct {
	rc     *redis.Client
	owns   bool
	prefix string
	log    logx.Logger
}

func NewRedis(cfg RedisConfig, log logx.Logger) *RedisDialer {
	routeRedisLogs(log)
	rc := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	d := NewRedisWithClient(rc, cfg.Prefix, log)
	d.owns = true
	return d
}

// NewRedisWithClient uses an existing client; Close leaves it open.
func NewRedisWithClient(rc *redis.Client, prefix string, log logx.Logger) *RedisDialer {
	if log.IsZero() {
		log = logx.Nop()
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisDialer{rc: rc, prefix: prefix, log: log.With(logx.String("comp", "transport.redis"))}
}

// InboundChannel is the pub/sub channel carrying pushes for subject.
func (d *RedisDialer) InboundChannel(subject string) string { return d.prefix + ":" + subject }

// CommandChannel is where outbound events for subject are published.
func (d *RedisDialer) CommandChannel(subject string) string {
	return d.prefix + ":" + subject + ":commands"
}

func (d *RedisDialer) Dial(ctx context.Context, token string) (Conn, error) {
	subject, err := credential.Subject(token)
	if err != nil {
		// Not retried by the channel.
		return nil, fmt.Errorf("%w: %v", notification.ErrAuth, err)
	}
	if err := d.rc.Ping(ctx).Err(); err != nil {
		return nil, &notification.TransportError{Op: "ping", Err: err}
	}

	ps := d.rc.Subscribe(ctx, d.InboundChannel(subject))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, &notification.TransportError{Op: "subscribe", Err: err}
	}

	c := &redisConn{
		rc:      d.rc,
		ps:      ps,
		command: d.CommandChannel(subject),
		log:     d.log.With(logx.String("subject", subject)),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	d.log.Debug("subscribed", logx.String("channel", d.InboundChannel(subject)))
	return c, nil
}

// Close releases the client when the dialer created it.
func (d *RedisDialer) Close() error {
	if d.owns {
		return d.rc.Close()
	}
	return nil
}

type redisConn struct {
	rc      *redis.Client
	ps      *redis.PubSub
	command string
	log     logx.Logger

	events chan Event
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	err    error
	closed bool
}

func (c *redisConn) Events() <-chan Event { return c.events }

func (c *redisConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *redisConn) Emit(ctx context.Context, out Outbound) error {
	b, err := EncodeOutbound(out)
	if err != nil {
		return err
	}
	if err := c.rc.Publish(ctx, c.command, b).Err(); err != nil {
		return &notification.TransportError{Op: "emit " + out.Kind, Err: err}
	}
	return nil
}

func (c *redisConn) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		err = c.ps.Close()
	})
	return err
}

// readLoop receives until the subscription connection fails or is closed.
// ps.Channel() is not used: it reconnects silently and never closes, so a
// dead server would look like a quiet one.
func (c *redisConn) readLoop() {
	defer close(c.events)
	ctx := context.Background()
	for {
		msg, err := c.ps.ReceiveMessage(ctx)
		if err != nil {
			c.mu.Lock()
			if !c.closed {
				c.err = &notification.TransportError{Op: "read", Err: err}
			}
			c.mu.Unlock()
			return
		}
		ev, err := DecodeEvent([]byte(msg.Payload))
		if err != nil {
			c.log.Warn("dropping malformed message", logx.Err(err), logx.String("channel", msg.Channel))
			continue
		}
		if !Known(ev.Kind) {
			c.log.Debug("ignoring unknown event", logx.String("event", ev.Kind))
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// redisLog forwards go-redis internal logging to the most recently
// configured logx.Logger. go-redis keeps a single process-wide logger.
var (
	redisLog     atomic.Pointer[logx.Logger]
	redisLogOnce sync.Once
)

type redisLogger struct{}

func (redisLogger) Printf(_ context.Context, format string, v ...any) {
	if l := redisLog.Load(); l != nil {
		l.Warn(strings.TrimSpace(fmt.Sprintf(format, v...)))
	}
}

func routeRedisLogs(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := log.With(logx.String("comp", "go-redis"))
	redisLog.Store(&l)
	redisLogOnce.Do(func() { redis.SetLogger(redisLogger{}) })
}
