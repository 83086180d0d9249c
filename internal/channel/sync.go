package channel

import (
	"context"
	"runtime/debug"
	"sync"

	"golang.org/x/time/rate"

	"taskpulse/internal/eventbus"
	"taskpulse/internal/notification"
	"taskpulse/internal/transport"
	logx "taskpulse/pkg/logx"
)

// syncer drains outbound events on a single worker. Sends are fire-and-forget:
// failures are logged and published, never returned to the caller that
// triggered them.
type syncer struct {
	cfg     SyncConfig
	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter
	queue   chan job
	// conn returns the live connection or nil.
	conn func() transport.Conn

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// stopped is closed by stop; the worker never runs again after it.
	stopped  chan struct{}
	stopOnce sync.Once
}

// job is an outbound event, or a flush marker when done is set.
type job struct {
	out  transport.Outbound
	done chan struct{}
}

func newSyncer(cfg SyncConfig, conn func() transport.Conn, log logx.Logger, bus eventbus.Bus) *syncer {
	return &syncer{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "channel.sync")),
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:   make(chan job, cfg.QueueSize),
		conn:    conn,
		stopped: make(chan struct{}),
	}
}

func (s *syncer) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || s.isStopped() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in sync worker", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		s.worker(ctx)
	}()
}

func (s *syncer) isStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

// stop cancels the worker and waits for it. Queued events are discarded and
// later enqueue and flush calls are refused.
func (s *syncer) stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

func (s *syncer) enqueue(out transport.Outbound) {
	if s.isStopped() {
		s.log.Debug("sync stopped, dropping event", logx.String("event", out.Kind))
		s.bus.Publish(eventbus.Event{Type: eventbus.SyncDropped, Data: eventbus.Sync{Kind: out.Kind, Err: "closed"}})
		return
	}
	select {
	case s.queue <- job{out: out}:
	default:
		s.log.Warn("sync queue full, dropping event", logx.String("event", out.Kind))
		s.bus.Publish(eventbus.Event{Type: eventbus.SyncDropped, Data: eventbus.Sync{Kind: out.Kind, Err: "queue full"}})
	}
}

// flush waits until every event queued before the call has been handled.
// It returns notification.ErrClosed once the worker has been stopped.
func (s *syncer) flush(ctx context.Context) error {
	if s.isStopped() {
		return notification.ErrClosed
	}
	done := make(chan struct{})
	select {
	case s.queue <- job{done: done}:
	case <-s.stopped:
		return notification.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return notification.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *syncer) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			if j.done != nil {
				close(j.done)
				continue
			}
			s.send(ctx, j.out)
		}
	}
}

func (s *syncer) send(ctx context.Context, out transport.Outbound) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	conn := s.conn()
	if conn == nil {
		s.log.Debug("not connected, dropping event", logx.String("event", out.Kind))
		s.bus.Publish(eventbus.Event{Type: eventbus.SyncDropped, Data: eventbus.Sync{Kind: out.Kind, Err: "not connected"}})
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	if err := conn.Emit(sendCtx, out); err != nil {
		s.log.Warn("sync send failed", logx.String("event", out.Kind), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.SyncFailed, Data: eventbus.Sync{Kind: out.Kind, Err: err.Error()}})
		return
	}
	s.log.Debug("sync sent", logx.String("event", out.Kind))
	s.bus.Publish(eventbus.Event{Type: eventbus.SyncSent, Data: eventbus.Sync{Kind: out.Kind}})
}
