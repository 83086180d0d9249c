package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskpulse/internal/app"
	"taskpulse/internal/credential"
	"taskpulse/internal/notification"
	logx "taskpulse/pkg/logx"
)

const usage = `usage: taskpulse [-config path] <command> [args]

commands:
  run                 connect and log notifications until interrupted (default)
  list                print the stored notifications, newest first
  unread              print the unread count
  mark-read <id>      mark one notification as read
  mark-all-read       mark every notification as read
  clear               remove every notification
  set-token <token>   store the bearer token used to connect
`

func main() {
	var (
		cfgPath string
		syncFor time.Duration
	)
	flag.StringVar(&cfgPath, "config", "", "path to config (yaml or json); empty uses defaults")
	flag.DurationVar(&syncFor, "sync-timeout", 5*time.Second, "how long mutating commands try to reach the server")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	args := flag.Args()
	cmd := "run"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if cmd == "run" {
		os.Exit(run(a))
	}
	err = command(a, cmd, args, syncFor, os.Stdout)
	_ = a.Stop(context.Background(), app.StopCommandEnd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
}

func run(a *app.App) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		return 1
	}

	reason := app.StopSIGINT
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	return 0
}

func command(a *app.App, cmd string, args []string, syncFor time.Duration, out io.Writer) error {
	ch := a.Channel()
	switch cmd {
	case "list":
		for _, n := range ch.GetNotifications() {
			mark := " "
			if !n.Read {
				mark = "*"
			}
			fmt.Fprintf(out, "%s %-36s %-9s %s  %s\n", mark, n.ID, n.Type.Label(), n.Timestamp, n.Message)
		}
		return nil
	case "unread":
		fmt.Fprintln(out, ch.GetUnreadCount())
		return nil
	case "set-token":
		if len(args) != 1 {
			return errors.New("set-token needs exactly one argument")
		}
		return credential.SetToken(context.Background(), a.Store(), args[0])
	case "mark-read":
		if len(args) != 1 {
			return errors.New("mark-read needs a notification id")
		}
		return mutate(a, syncFor, func() { ch.MarkAsRead(args[0]) })
	case "mark-all-read":
		return mutate(a, syncFor, ch.MarkAllAsRead)
	case "clear":
		return mutate(a, syncFor, ch.ClearNotifications)
	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
}

// mutate applies a local change and, when the server is reachable within
// syncFor, waits for the matching event to go out. The local change stands
// either way.
func mutate(a *app.App, syncFor time.Duration, fn func()) error {
	ch := a.Channel()
	ctx, cancel := context.WithTimeout(context.Background(), syncFor)
	defer cancel()

	if err := ch.Connect(ctx); err != nil {
		if !errors.Is(err, notification.ErrAuth) {
			a.Logger().Warn("server unreachable, change kept locally", logx.Err(err))
		}
		fn()
		return nil
	}
	fn()
	if err := ch.Flush(ctx); err != nil {
		a.Logger().Warn("server sync incomplete, change kept locally", logx.Err(err))
	}
	return nil
}
