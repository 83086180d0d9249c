package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"taskpulse/internal/notification"
	logx "taskpulse/pkg/logx"
)

func subjectToken(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func newRedisDialer(t *testing.T) (*miniredis.Miniredis, *redis.Client, *RedisDialer) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return mr, rc, NewRedisWithClient(rc, "", logx.Nop())
}

func TestRedisChannelNames(t *testing.T) {
	t.Parallel()
	d := NewRedisWithClient(nil, "app:notif:", logx.Nop())
	if got := d.InboundChannel("u1"); got != "app:notif:u1" {
		t.Fatalf("InboundChannel = %q", got)
	}
	if got := d.CommandChannel("u1"); got != "app:notif:u1:commands" {
		t.Fatalf("CommandChannel = %q", got)
	}
	if got := NewRedisWithClient(nil, "", logx.Nop()).InboundChannel("u"); got != DefaultRedisPrefix+":u" {
		t.Fatalf("default prefix channel = %q", got)
	}
}

func TestRedisInbound(t *testing.T) {
	t.Parallel()
	mr, _, d := newRedisDialer(t)
	c, err := d.Dial(context.Background(), subjectToken(t, "user1"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	ch := d.InboundChannel("user1")
	mr.Publish(ch, `garbage`)
	mr.Publish(ch, `{"event":"notification","data":{"id":"n1","type":"COMMENT","message":"m","read":false}}`)
	mr.Publish(ch, `{"event":"notifications_cleared"}`)

	if ev := nextEvent(t, c); ev.Kind != KindNotification {
		t.Fatalf("first kind = %q", ev.Kind)
	}
	if ev := nextEvent(t, c); ev.Kind != KindNotificationsCleared {
		t.Fatalf("second kind = %q", ev.Kind)
	}
}

func TestRedisEmitPublishesCommand(t *testing.T) {
	t.Parallel()
	_, rc, d := newRedisDialer(t)
	ctx := context.Background()

	watch := rc.Subscribe(ctx, d.CommandChannel("user2"))
	defer watch.Close()
	if _, err := watch.Receive(ctx); err != nil {
		t.Fatalf("watch subscribe: %v", err)
	}

	c, err := d.Dial(ctx, subjectToken(t, "user2"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Emit(ctx, Outbound{Kind: KindClearNotifications}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	select {
	case msg := <-watch.Channel():
		if msg.Payload != `{"event":"clear_notifications"}` {
			t.Fatalf("payload = %s", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command never published")
	}
}

func TestRedisDialFailures(t *testing.T) {
	t.Parallel()
	mr, _, d := newRedisDialer(t)

	_, err := d.Dial(context.Background(), "opaque-token")
	if !errors.Is(err, notification.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth for a token without a subject", err)
	}
	var te *notification.TransportError
	if errors.As(err, &te) {
		t.Fatalf("err = %v, unusable token must not be retryable", err)
	}

	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = d.Dial(ctx, subjectToken(t, "user3"))
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError when redis is down", err)
	}
}

func TestRedisLocalClose(t *testing.T) {
	t.Parallel()
	_, _, d := newRedisDialer(t)
	c, err := d.Dial(context.Background(), subjectToken(t, "user4"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitClosed(t, c)
	if c.Err() != nil {
		t.Fatalf("Err() = %v after local close", c.Err())
	}
}

func TestRedisUserIDClaim(t *testing.T) {
	t.Parallel()
	mr, _, d := newRedisDialer(t)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": 7,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	c, err := d.Dial(context.Background(), tok)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	mr.Publish(d.InboundChannel("7"), `{"event":"notifications_cleared"}`)
	if ev := nextEvent(t, c); ev.Kind != KindNotificationsCleared {
		t.Fatalf("kind = %q", ev.Kind)
	}
}

func TestRedisServerGone(t *testing.T) {
	t.Parallel()
	mr, _, d := newRedisDialer(t)
	c, err := d.Dial(context.Background(), subjectToken(t, "user5"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	mr.Close()
	waitClosed(t, c)
	var te *notification.TransportError
	if err := c.Err(); !errors.As(err, &te) || te.Op != "read" {
		t.Fatalf("Err() = %v, want read TransportError", err)
	}
}

// Not parallel: go-redis has one process-wide logger.
func TestRedisInternalLogsGoThroughLogx(t *testing.T) {
	var buf bytes.Buffer
	routeRedisLogs(logx.New(zerolog.New(&buf)))
	defer routeRedisLogs(logx.Nop())

	redisLogger{}.Printf(context.Background(), "discarding bad PubSub connection: %v", io.EOF)
	out := buf.String()
	if !strings.Contains(out, "discarding bad PubSub connection: EOF") || !strings.Contains(out, `"comp":"go-redis"`) {
		t.Fatalf("log output = %s", out)
	}
}
