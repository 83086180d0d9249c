package transport

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taskpulse/internal/notification"
	logx "taskpulse/pkg/logx"
)

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval enables keepalive pings; a connection that misses two
	// pongs in a row is treated as dropped. 0 disables pings.
	PingInterval time.Duration
	// TokenInQuery also sends the token as ?token=, for proxies that strip
	// Authorization on upgrade.
	TokenInQuery bool
}

// WebSocketDialer dials the notification endpoint over WebSocket.
type WebSocketDialer struct {
	cfg    WebSocketConfig
	log    logx.Logger
	dialer *websocket.Dialer
}

func NewWebSocket(cfg WebSocketConfig, log logx.Logger) *WebSocketDialer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &WebSocketDialer{
		cfg: cfg,
		log: log.With(logx.String("comp", "transport.ws")),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	target := d.cfg.URL
	if d.cfg.TokenInQuery {
		u, err := url.Parse(target)
		if err != nil {
			return nil, &notification.TransportError{Op: "handshake", Err: err}
		}
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)

	ws, resp, err := d.dialer.DialContext(ctx, target, h)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		return nil, &notification.TransportError{Op: "handshake", Status: status, Err: err}
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c := &wsConn{
		ws:     ws,
		cfg:    d.cfg,
		log:    d.log,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	if d.cfg.PingInterval > 0 {
		wait := 2 * d.cfg.PingInterval
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wait))
		})
		go c.pingLoop()
	}
	go c.readLoop()
	d.log.Debug("connected", logx.String("url", redactURL(target)))
	return c, nil
}

type wsConn struct {
	ws  *websocket.Conn
	cfg WebSocketConfig
	log logx.Logger

	events chan Event
	done   chan struct{}

	writeMu sync.Mutex

	mu     sync.Mutex
	err    error
	closed bool
	once   sync.Once
}

func (c *wsConn) Events() <-chan Event { return c.events }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Emit(ctx context.Context, out Outbound) error {
	b, err := EncodeOutbound(out)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return &notification.TransportError{Op: "emit " + out.Kind, Err: err}
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if !c.closed {
				c.err = &notification.TransportError{Op: "read", Err: err}
			}
			c.mu.Unlock()
			_ = c.ws.Close()
			return
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", logx.Err(err), logx.Int("bytes", len(data)))
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

func (c *wsConn) pingLoop() {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.log.Debug("ping failed", logx.Err(err))
				}
				return
			}
		}
	}
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return strings.TrimSpace(u.String())
}
