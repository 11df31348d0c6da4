package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"orderbot/internal/dispatch"
	"orderbot/internal/eventbus"
	rtsup "orderbot/internal/runtime/supervisor"
	kit "orderbot/internal/transport"
	logx "orderbot/pkg/logx"
)

var ErrQueueFull = errors.New("notifier queue full")

const sendTimeout = 10 * time.Second

type watch struct {
	to    kit.ChatTarget
	added time.Time
}

type job struct {
	order dispatch.Order
	to    kit.ChatTarget
}

// Service is safe for concurrent use.
type Service struct {
	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	watches map[int64]watch
	queue   chan job
	sup     *rtsup.Supervisor
	unsub   func()

	now func() time.Time

	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "notifier")),
		sender:  sender,
		bus:     bus,
		watches: map[int64]watch{},
		now:     time.Now,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates rate and retry settings. QueueSize takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	burst := max(1, int(cfg.RatePerSec))
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
		return
	}
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(burst)
}

// Supervisor returns the internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Watch asks for a message to to once orderID completes.
// It is a no-op while the notifier is disabled.
func (s *Service) Watch(orderID int64, to kit.ChatTarget) {
	if to.IsZero() {
		return
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return
	}
	s.watches[orderID] = watch{to: to, added: now}
	s.pruneLocked(now)
}

// pruneLocked drops watches older than WatchTTL. Orders lost on a restart
// never complete, so their watches would otherwise stay forever.
func (s *Service) pruneLocked(now time.Time) {
	for id, w := range s.watches {
		if now.Sub(w.added) > s.cfg.WatchTTL {
			delete(s.watches, id)
		}
	}
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	n := len(s.watches)
	s.mu.Unlock()
	return Stats{Watching: n, Sent: s.sent.Load(), Dropped: s.dropped.Load(), Failed: s.failed.Load()}
}

// Start subscribes to order completions and runs the sender. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled || s.sender == nil || s.bus == nil {
		s.mu.Unlock()
		return
	}
	ch, unsub := s.bus.Subscribe(s.cfg.QueueSize, dispatch.EventOrderCompleted)
	q := make(chan job, s.cfg.QueueSize)
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.queue, s.sup, s.unsub = q, sup, unsub
	s.mu.Unlock()

	sup.Go0("notifier.match", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if oe, ok := ev.Data.(dispatch.OrderEvent); ok {
					s.completed(oe.Order, q)
				}
			}
		}
	})
	sup.GoRestart0("notifier.send", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case j := <-q:
				s.send(c, j)
			}
		}
	}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second), rtsup.WithStopOnCleanExit(true))
	s.log.Info("notifier started")
}

// Stop ends intake; queued messages that were not sent by the ctx deadline are lost.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.sup, s.unsub, s.queue = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	unsub()
	sup.Cancel()
	return sup.Wait(ctx)
}

func (s *Service) completed(o dispatch.Order, q chan<- job) {
	s.mu.Lock()
	w, ok := s.watches[o.ID]
	delete(s.watches, o.ID)
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case q <- job{order: o, to: w.to}:
	default:
		s.dropped.Add(1)
		s.publish(EventDropped, o.ID, w.to, ErrQueueFull)
		s.log.Warn("order ready message dropped", logx.OrderID(o.ID), logx.Err(ErrQueueFull))
	}
}

// Message is the chat text for a completed order.
func Message(o dispatch.Order) string {
	text := fmt.Sprintf("✅ Order #%d (%s) is ready!", o.ID, o.Class)
	if d := o.Turnaround(); d > 0 {
		text += fmt.Sprintf("\nTurnaround: %s", d.Truncate(time.Second))
	}
	return text
}

func (s *Service) send(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	text := Message(j.order)
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err := s.sender.SendText(cctx, j.to, text, &kit.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.publish(EventSent, j.order.ID, j.to, nil)
			return
		}
		lastErr = err
		s.log.Debug("order ready send failed", logx.OrderID(j.order.ID), logx.Int("attempt", attempt), logx.Err(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.failed.Add(1)
	s.publish(EventFailed, j.order.ID, j.to, lastErr)
	s.log.Warn("order ready message failed", logx.OrderID(j.order.ID), logx.Int64("chat_id", j.to.ChatID), logx.Err(lastErr))
}

func (s *Service) publish(typ string, orderID int64, to kit.ChatTarget, err error) {
	if s.bus == nil {
		return
	}
	now := s.now()
	ev := NotificationEvent{OrderID: orderID, ChatID: to.ChatID, ThreadID: to.ThreadID, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// retryDelay is base * 2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
