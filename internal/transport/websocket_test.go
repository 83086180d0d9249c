package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"taskpulse/internal/notification"
	logx "taskpulse/pkg/logx"
)

type wsServer struct {
	srv      *httptest.Server
	auth     chan string
	received chan []byte
	conns    chan *websocket.Conn
}

func newWSServer(t *testing.T, status int) *wsServer {
	t.Helper()
	s := &wsServer{
		auth:     make(chan string, 4),
		received: make(chan []byte, 16),
		conns:    make(chan *websocket.Conn, 4),
	}
	up := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.auth <- r.Header.Get("Authorization")
		if status != 0 {
			http.Error(w, "denied", status)
			return
		}
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- c
		for {
			_, b, err := c.ReadMessage()
			if err != nil {
				return
			}
			s.received <- b
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") }

func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted a connection")
		return nil
	}
}

func nextEvent(t *testing.T, c Conn) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatalf("events closed early: %v", c.Err())
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func waitClosed(t *testing.T, c Conn) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel never closed")
		}
	}
}

func TestWebSocketHandshakeAndInbound(t *testing.T) {
	t.Parallel()
	s := newWSServer(t, 0)
	d := NewWebSocket(WebSocketConfig{URL: s.url()}, logx.Nop())

	c, err := d.Dial(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	if got := <-s.auth; got != "Bearer tok-1" {
		t.Fatalf("Authorization = %q", got)
	}

	sc := s.accept(t)
	frames := []string{
		`not json`,
		`{"event":"something_else","data":{}}`,
		`{"event":"notification","data":{"id":"n1","type":"MENTION","message":"hi","read":false}}`,
		`{"event":"notifications_cleared"}`,
	}
	for _, f := range frames {
		if err := sc.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("server write: %v", err)
		}
	}

	ev := nextEvent(t, c)
	if ev.Kind != KindNotification {
		t.Fatalf("first kind = %q, want notification", ev.Kind)
	}
	var n notification.Notification
	if err := json.Unmarshal(ev.Data, &n); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if n.ID != "n1" || n.Type != notification.TypeMention {
		t.Fatalf("payload = %+v", n)
	}
	if ev := nextEvent(t, c); ev.Kind != KindNotificationsCleared {
		t.Fatalf("second kind = %q, want notifications_cleared", ev.Kind)
	}
}

func TestWebSocketEmitEnvelope(t *testing.T) {
	t.Parallel()
	s := newWSServer(t, 0)
	c, err := NewWebSocket(WebSocketConfig{URL: s.url()}, logx.Nop()).Dial(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	s.accept(t)

	if err := c.Emit(context.Background(), MarkAsRead("n7")); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	select {
	case b := <-s.received:
		if string(b) != `{"event":"mark_as_read","data":{"notificationId":"n7"}}` {
			t.Fatalf("wire = %s", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the event")
	}

	if err := c.Emit(context.Background(), Outbound{Kind: KindMarkAllAsRead}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	select {
	case b := <-s.received:
		if string(b) != `{"event":"mark_all_as_read"}` {
			t.Fatalf("wire = %s", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the event")
	}
}

func TestWebSocketRejectedHandshake(t *testing.T) {
	t.Parallel()
	s := newWSServer(t, http.StatusUnauthorized)
	_, err := NewWebSocket(WebSocketConfig{URL: s.url()}, logx.Nop()).Dial(context.Background(), "bad")
	var te *notification.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if te.Status != http.StatusUnauthorized || te.Op != "handshake" {
		t.Fatalf("TransportError = %+v", te)
	}
}

func TestWebSocketServerDrop(t *testing.T) {
	t.Parallel()
	s := newWSServer(t, 0)
	c, err := NewWebSocket(WebSocketConfig{URL: s.url()}, logx.Nop()).Dial(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	_ = s.accept(t).Close()

	waitClosed(t, c)
	if c.Err() == nil {
		t.Fatal("Err() = nil after server drop")
	}
}

func TestWebSocketLocalClose(t *testing.T) {
	t.Parallel()
	s := newWSServer(t, 0)
	c, err := NewWebSocket(WebSocketConfig{URL: s.url()}, logx.Nop()).Dial(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	s.accept(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitClosed(t, c)
	if c.Err() != nil {
		t.Fatalf("Err() = %v after local close, want nil", c.Err())
	}
	_ = c.Close()
}

func TestRedactURL(t *testing.T) {
	t.Parallel()
	got := redactURL("wss://example.com/ws?token=secret&x=1")
	if strings.Contains(got, "secret") {
		t.Fatalf("token leaked: %s", got)
	}
}
