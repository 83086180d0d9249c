// Package app wires config, logging, storage, credentials and a transport
// into one notification channel and runs its background loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"taskpulse/internal/channel"
	"taskpulse/internal/config"
	"taskpulse/internal/credential"
	"taskpulse/internal/eventbus"
	"taskpulse/internal/notification"
	"taskpulse/internal/observability/debug"
	"taskpulse/internal/runtime/supervisor"
	"taskpulse/internal/storage"
	logx "taskpulse/pkg/logx"
)

const resumeTimeout = time.Minute

type App struct {
	// cfgm is nil when the app runs on an in-memory config.
	cfgm *config.ConfigManager

	cfgMu sync.Mutex
	cfg   *config.Config

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	store  storage.Store
	dialer dialer
	ch     *channel.Channel
	sup    *supervisor.Supervisor

	cronMu sync.Mutex
	cron   *cron.Cron

	// notify reports service state to systemd; a no-op outside a unit.
	notify func(state string) (bool, error)

	// dbg is nil unless debug.enabled.
	dbg *debug.Server

	unsub    func()
	stopOnce sync.Once
}

// New loads the config at cfgPath. An empty path runs on config.Default()
// without hot reload.
func New(cfgPath string) (*App, error) {
	if strings.TrimSpace(cfgPath) == "" {
		return NewFromConfig(config.Default())
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(config.Validate)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfg, cfgm)
}

// NewFromConfig builds an app from an already decoded config.
func NewFromConfig(cfg *config.Config) (*App, error) {
	if err := config.Validate(context.Background(), cfg); err != nil {
		return nil, err
	}
	return build(cfg, nil)
}

func build(cfg *config.Config, cfgm *config.ConfigManager) (*App, error) {
	logSvc, root := logx.NewService(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	d, err := mapDialer(cfg, root)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	chCfg, err := mapChannelConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = d.close()
		return nil, err
	}
	ch, err := channel.New(context.Background(), chCfg, channel.Deps{
		Dialer:      d,
		Credentials: credential.NewStoreSource(store),
		Store:       store,
		Log:         root,
		Bus:         bus,
	})
	if err != nil {
		_ = store.Close()
		_ = d.close()
		return nil, err
	}

	log.Debug("app built", logx.String("transport", d.kind), logx.String("storage", sc.Driver))
	a := &App{
		cfgm:   cfgm,
		cfg:    cfg,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		dialer: d,
		ch:     ch,
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
	if cfg.Debug.Enabled {
		a.dbg = debug.New(mapDebugConfig(cfg), a.status, root.With(logx.String("comp", "debug")))
	}
	return a, nil
}

func (a *App) Channel() *channel.Channel { return a.ch }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) config() *config.Config {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	return a.cfg
}

// Start launches the background loops and the first connect. A failed first
// connect is logged, not returned: the scheduled resume or a later call can
// still bring the channel up.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))
	a.unsub = a.ch.Subscribe(a.onNotification)

	events, unsubEvents := a.bus.Subscribe(64)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsubEvents()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		sub := a.cfgm.Subscribe(4)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			for {
				select {
				case <-c.Done():
					return nil
				case next, ok := <-sub:
					if !ok {
						return nil
					}
					a.applyConfig(next)
				}
			}
		})
		a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	if err := a.schedule(a.config().Schedule); err != nil {
		return err
	}

	if a.dbg != nil {
		a.sup.GoRestart("debug.serve", a.dbg.Serve,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			supervisor.WithMaxRestarts(5),
		)
	}

	a.sup.Go("channel.connect", func(c context.Context) error {
		if err := a.ch.Connect(c); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("initial connect failed", logx.Err(err))
		}
		return nil
	})

	if ok, err := a.notify(daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify READY failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify READY sent")
	}
	a.log.Info("app started", logx.String("transport", a.dialer.kind))
	return nil
}

// Status is the /healthz report.
type Status struct {
	State         string              `json:"state"`
	Notifications int                 `json:"notifications"`
	Unread        int                 `json:"unread"`
	Transport     string              `json:"transport"`
	Goroutines    supervisor.Counters `json:"goroutines"`
}

func (a *App) status() any {
	st := Status{
		State:         a.ch.State().String(),
		Notifications: len(a.ch.GetNotifications()),
		Unread:        a.ch.GetUnreadCount(),
		Transport:     a.dialer.kind,
	}
	if a.sup != nil {
		st.Goroutines = a.sup.Counters()
	}
	return st
}

func (a *App) onNotification(n *notification.Notification) {
	switch {
	case n == nil:
		a.log.Debug("notifications changed", logx.Int("unread", a.ch.GetUnreadCount()))
	case n.IsSentinel():
		a.log.Warn("notification service unavailable", logx.String("message", n.Message))
	default:
		a.log.Info("notification",
			logx.String("id", n.ID),
			logx.String("type", n.Type.Label()),
			logx.String("message", n.Message),
		)
	}
}

func (a *App) applyConfig(next *config.Config) {
	if next == nil {
		return
	}
	a.cfgMu.Lock()
	prev := a.cfg
	a.cfg = next
	a.cfgMu.Unlock()

	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(next))
		case "schedule":
			if err := a.schedule(next.Schedule); err != nil {
				a.log.Warn("invalid schedule; resume disabled", logx.Err(err))
			}
		}
	}
	if config.RequiresRestart(sections) {
		a.log.Warn("config change requires restart to take effect", logx.String("changed", strings.Join(sections, ",")))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// schedule replaces the resume cron job. An empty spec disables it.
func (a *App) schedule(sc config.ScheduleConfig) error {
	a.cronMu.Lock()
	defer a.cronMu.Unlock()
	if a.cron != nil {
		a.cron.Stop()
		a.cron = nil
	}
	spec := strings.TrimSpace(sc.Resume)
	if spec == "" {
		return nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("schedule.timezone: %w", err)
		}
		loc = l
	}
	c := cron.New(cron.WithParser(config.CronParser), cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, func() { a.resume(a.runContext()) }); err != nil {
		return fmt.Errorf("schedule.resume: %w", err)
	}
	c.Start()
	a.cron = c
	a.log.Debug("resume scheduled", logx.String("spec", spec), logx.String("tz", loc.String()))
	return nil
}

func (a *App) runContext() context.Context {
	if a.sup == nil {
		return context.Background()
	}
	return a.sup.Context()
}

// resume reconnects a disconnected channel, typically after the retry budget
// ran out.
func (a *App) resume(ctx context.Context) {
	if ctx.Err() != nil || a.ch.State() != channel.Disconnected {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, resumeTimeout)
	defer cancel()
	a.log.Info("resuming notification channel")
	if err := a.ch.Connect(ctx); err != nil {
		a.log.Warn("resume failed", logx.Err(err))
	}
}

// Stop shuts everything down in dependency order. It is safe to call on an
// app that was never started.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var errs []error
	a.stopOnce.Do(func() {
		if _, err := a.notify(daemon.SdNotifyStopping); err != nil {
			a.log.Debug("sd_notify STOPPING failed", logx.Err(err))
		}
		a.log.Info("stopping", logx.String("reason", string(reason)))

		a.cronMu.Lock()
		if a.cron != nil {
			a.cron.Stop()
			a.cron = nil
		}
		a.cronMu.Unlock()

		if a.sup != nil {
			a.sup.Cancel()
		}
		if a.unsub != nil {
			a.unsub()
		}
		errs = append(errs, a.ch.Close())
		if a.sup != nil {
			if err := a.sup.Wait(ctx); err != nil {
				a.log.Warn("background loops did not stop cleanly", logx.Err(err))
			}
		}
		errs = append(errs, a.dialer.close(), a.store.Close())
		a.log.Info("stopped")
		errs = append(errs, a.logs.Close())
	})
	return errors.Join(errs...)
}
