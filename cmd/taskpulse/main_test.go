package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"taskpulse/internal/app"
	"taskpulse/internal/config"
	"taskpulse/internal/notification"
)

func offlineApp(t *testing.T) *app.App {
	t.Helper()
	cfg := config.Default()
	cfg.Storage = config.StorageConfig{Driver: "memory"}
	cfg.Logging = config.LoggingConfig{Level: "error", Console: true}
	a, err := app.NewFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop(context.Background(), app.StopCommandEnd) })
	return a
}

func TestCommandsOffline(t *testing.T) {
	a := offlineApp(t)
	ch := a.Channel()
	ch.AddNotification(notification.Notification{ID: "n1", Type: notification.TypeMention, Message: "@you"})
	ch.AddNotification(notification.Notification{ID: "n2", Type: notification.TypeDeadline, Message: "due"})

	var out bytes.Buffer
	if err := command(a, "unread", nil, 10*time.Millisecond, &out); err != nil || strings.TrimSpace(out.String()) != "2" {
		t.Fatalf("unread = %q, %v", out.String(), err)
	}

	// No token is stored, so the change stays local without a dial.
	if err := command(a, "mark-read", []string{"n1"}, 10*time.Millisecond, &out); err != nil {
		t.Fatalf("mark-read: %v", err)
	}
	if ch.GetUnreadCount() != 1 {
		t.Fatalf("unread after mark-read = %d", ch.GetUnreadCount())
	}

	out.Reset()
	if err := command(a, "list", nil, 0, &out); err != nil {
		t.Fatalf("list: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "* n2") || !strings.HasPrefix(lines[1], "  n1") {
		t.Fatalf("list output:\n%s", out.String())
	}

	if err := command(a, "clear", nil, 10*time.Millisecond, &out); err != nil || len(ch.GetNotifications()) != 0 {
		t.Fatalf("clear: %v, %d left", err, len(ch.GetNotifications()))
	}
}

func TestCommandErrors(t *testing.T) {
	a := offlineApp(t)
	var out bytes.Buffer
	for _, tc := range []struct {
		cmd  string
		args []string
	}{
		{"mark-read", nil},
		{"set-token", nil},
		{"launch-rockets", nil},
	} {
		if err := command(a, tc.cmd, tc.args, 0, &out); err == nil {
			t.Fatalf("%s: expected error", tc.cmd)
		}
	}
	if err := command(a, "set-token", []string{"opaque"}, 0, &out); err != nil {
		t.Fatalf("set-token: %v", err)
	}
}
