package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"

	"taskpulse/internal/channel"
	"taskpulse/internal/config"
	"taskpulse/internal/credential"
	"taskpulse/internal/notification"
	"taskpulse/internal/transport"
	logx "taskpulse/pkg/logx"
)

func redisConfig(addr string) *config.Config {
	cfg := config.Default()
	cfg.Transport = config.TransportConfig{Kind: "redis", Redis: config.RedisConfig{Addr: addr}}
	cfg.Storage = config.StorageConfig{Driver: "memory"}
	cfg.Logging = config.LoggingConfig{Level: "error", Console: true}
	cfg.Reconnect = config.ReconnectConfig{MaxRetries: 1, RetryDelay: "10ms"}
	return cfg
}

func userToken(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

type notifyRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *notifyRecorder) notify(state string) (bool, error) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	return true, nil
}

func (r *notifyRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAppEndToEndOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := NewFromConfig(redisConfig(mr.Addr()))
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	var rec notifyRecorder
	a.notify = rec.notify

	ctx := context.Background()
	if err := credential.SetToken(ctx, a.Store(), userToken(t, "user7")); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "connected", func() bool { return a.Channel().State() == channel.Connected })

	mr.Publish(transport.DefaultRedisPrefix+":user7", `{"event":"notification","data":{"id":"n1","type":"TASK_ASSIGNED","message":"Review the roadmap","read":false}}`)
	eventually(t, "notification stored", func() bool { return len(a.Channel().GetNotifications()) == 1 })
	if got := a.Channel().GetNotifications()[0]; got.ID != "n1" || got.Timestamp == "" {
		t.Fatalf("stored %+v", got)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopCommandEnd); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	states := rec.all()
	if len(states) != 2 || states[0] != "READY=1" || states[1] != "STOPPING=1" {
		t.Fatalf("sd_notify states = %v", states)
	}
	if err := a.Channel().Connect(ctx); !errors.Is(err, notification.ErrClosed) {
		t.Fatalf("Connect after Stop = %v, want ErrClosed", err)
	}
}

func TestResumeReconnects(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := NewFromConfig(redisConfig(mr.Addr()))
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	a.notify = func(string) (bool, error) { return false, nil }
	ctx := context.Background()
	defer a.Stop(ctx, StopCommandEnd)

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// No token yet: the first connect fails fast and leaves the channel down.
	time.Sleep(50 * time.Millisecond)
	if a.Channel().State() != channel.Disconnected {
		t.Fatalf("state = %v, want disconnected without a token", a.Channel().State())
	}

	if err := credential.SetToken(ctx, a.Store(), userToken(t, "user8")); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	a.resume(ctx)
	if a.Channel().State() != channel.Connected {
		t.Fatalf("state = %v after resume", a.Channel().State())
	}
}

func TestRedisLossDisconnectsChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := NewFromConfig(redisConfig(mr.Addr()))
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	a.notify = func(string) (bool, error) { return false, nil }
	ctx := context.Background()
	defer a.Stop(ctx, StopCommandEnd)

	if err := credential.SetToken(ctx, a.Store(), userToken(t, "user10")); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "connected", func() bool { return a.Channel().State() == channel.Connected })

	mr.Close()
	eventually(t, "disconnected after redis loss", func() bool { return a.Channel().State() == channel.Disconnected })
	if st := a.status().(Status); st.State != "disconnected" {
		t.Fatalf("status = %+v", st)
	}
}

func TestDebugServerReportsStatus(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := redisConfig(mr.Addr())
	cfg.Debug = config.DebugConfig{Enabled: true, Addr: "127.0.0.1:0"}
	a, err := NewFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	a.notify = func(string) (bool, error) { return false, nil }
	ctx := context.Background()
	defer a.Stop(ctx, StopCommandEnd)

	if err := credential.SetToken(ctx, a.Store(), userToken(t, "user9")); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "connected", func() bool { return a.Channel().State() == channel.Connected })
	eventually(t, "debug listening", func() bool { return a.dbg.Addr() != "" })
	a.Channel().AddNotification(notification.Notification{ID: "d1", Message: "hello"})

	resp, err := http.Get("http://" + a.dbg.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != "connected" || st.Notifications != 1 || st.Unread != 1 || st.Transport != "redis" {
		t.Fatalf("status = %+v", st)
	}
	if st.Goroutines.Active == 0 {
		t.Fatalf("expected running goroutines, got %+v", st.Goroutines)
	}
}

func TestSchedule(t *testing.T) {
	t.Parallel()
	a, err := NewFromConfig(redisConfig("127.0.0.1:1"))
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	a.notify = func(string) (bool, error) { return false, nil }
	defer a.Stop(context.Background(), StopCommandEnd)

	if err := a.schedule(config.ScheduleConfig{Resume: "@every 1h", Timezone: "UTC"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if a.cron == nil || len(a.cron.Entries()) != 1 {
		t.Fatal("resume job not registered")
	}
	if err := a.schedule(config.ScheduleConfig{Resume: "not a cron"}); err == nil {
		t.Fatal("expected error for invalid spec")
	}
	if err := a.schedule(config.ScheduleConfig{}); err != nil || a.cron != nil {
		t.Fatalf("empty spec should disable the job: %v", err)
	}
}

func TestMappings(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Storage = config.StorageConfig{Driver: "sqlite"}
	if _, err := mapStorageConfig(cfg); err == nil {
		t.Fatal("sqlite without path should fail")
	}
	cfg.Storage = config.StorageConfig{Driver: "SQLite", Path: "x.db", BusyTimeout: "3s"}
	sc, err := mapStorageConfig(cfg)
	if err != nil || sc.Driver != "sqlite" || sc.BusyTimeout != 3*time.Second {
		t.Fatalf("storage = %+v, %v", sc, err)
	}

	cc, err := mapChannelConfig(config.Default())
	if err != nil {
		t.Fatalf("mapChannelConfig: %v", err)
	}
	if cc.RetryDelay != channel.DefaultRetryDelay || cc.Sync.Timeout != channel.DefaultSyncTimeout {
		t.Fatalf("channel config = %+v", cc)
	}

	cfg = config.Default()
	cfg.Transport.Kind = "smoke-signals"
	if _, err := mapDialer(cfg, logx.Nop()); err == nil {
		t.Fatal("unknown transport should fail")
	}
	d, err := mapDialer(config.Default(), logx.Nop())
	if err != nil || d.kind != "websocket" {
		t.Fatalf("dialer = %q, %v", d.kind, err)
	}
}
