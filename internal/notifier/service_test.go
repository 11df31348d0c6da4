package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"orderbot/internal/dispatch"
	"orderbot/internal/eventbus"
	kit "orderbot/internal/transport"
	logx "orderbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int // fail this many sends first
	calls int
	ch    chan string
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.fails
	f.mu.Unlock()
	if fail {
		return kit.MessageRef{}, errors.New("telegram down")
	}
	f.ch <- text
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func completed(id int64, class dispatch.Class) eventbus.Event {
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return eventbus.Event{
		Type: dispatch.EventOrderCompleted,
		Time: t0,
		Data: dispatch.OrderEvent{Order: dispatch.Order{ID: id, Class: class, CreatedAt: t0, CompletedAt: t0.Add(12 * time.Second)}, BotID: 1},
	}
}

func startService(t *testing.T, cfg Config, snd kit.Sender) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := New(cfg, snd, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, bus
}

func TestMessage(t *testing.T) {
	t.Parallel()
	got := Message(completed(7, dispatch.ClassVIP).Data.(dispatch.OrderEvent).Order)
	if want := "✅ Order #7 (VIP) is ready!\nTurnaround: 12s"; got != want {
		t.Fatalf("Message() = %q, want %q", got, want)
	}
	if got := Message(dispatch.Order{ID: 1, Class: dispatch.ClassNormal}); strings.Contains(got, "Turnaround") {
		t.Fatalf("Message(pending) = %q, want no turnaround", got)
	}
}

func TestWatchedOrderIsAnnounced(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{ch: make(chan string, 4)}
	s, bus := startService(t, Config{Enabled: true, RatePerSec: 100}, snd)
	sent, unsub := bus.Subscribe(4, EventSent)
	defer unsub()

	s.Watch(7, kit.ChatTarget{ChatID: 100})
	bus.Publish(completed(3, dispatch.ClassNormal)) // not watched
	bus.Publish(completed(7, dispatch.ClassVIP))

	select {
	case got := <-snd.ch:
		if !strings.HasPrefix(got, "✅ Order #7 (VIP) is ready!") {
			t.Fatalf("sent = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message within 2s")
	}
	select {
	case ev := <-sent:
		if ne := ev.Data.(NotificationEvent); ne.OrderID != 7 || ne.ChatID != 100 {
			t.Fatalf("event = %+v", ne)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notifier.sent event")
	}

	st := s.Stats()
	if st.Sent != 1 || st.Watching != 0 {
		t.Fatalf("stats = %+v, want sent=1 watching=0", st)
	}
	select {
	case extra := <-snd.ch:
		t.Fatalf("unexpected message %q", extra)
	default:
	}
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{fails: 2, ch: make(chan string, 1)}
	s, bus := startService(t, Config{Enabled: true, RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, snd)

	s.Watch(1, kit.ChatTarget{ChatID: 5})
	bus.Publish(completed(1, dispatch.ClassNormal))
	select {
	case <-snd.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no message after retries")
	}
	snd.mu.Lock()
	calls := snd.calls
	snd.mu.Unlock()
	if calls != 3 {
		t.Fatalf("send calls = %d, want 3", calls)
	}
}

func TestRetriesExhausted(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{fails: 100, ch: make(chan string, 1)}
	s, bus := startService(t, Config{Enabled: true, RatePerSec: 100, RetryMax: -1}, snd)
	failed, unsub := bus.Subscribe(1, EventFailed)
	defer unsub()

	s.Watch(1, kit.ChatTarget{ChatID: 5})
	bus.Publish(completed(1, dispatch.ClassNormal))
	select {
	case ev := <-failed:
		if ne := ev.Data.(NotificationEvent); ne.Error != "telegram down" {
			t.Fatalf("event = %+v", ne)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notifier.failed event")
	}
	if s.Stats().Failed != 1 {
		t.Fatalf("failed = %d, want 1", s.Stats().Failed)
	}
}

func TestWatchDisabledAndExpiry(t *testing.T) {
	t.Parallel()
	off := New(Config{}, &fakeSender{}, logx.Nop(), eventbus.New())
	off.Watch(1, kit.ChatTarget{ChatID: 1})
	if off.Stats().Watching != 0 {
		t.Fatal("disabled notifier kept a watch")
	}

	s := New(Config{Enabled: true, WatchTTL: time.Hour}, &fakeSender{}, logx.Nop(), eventbus.New())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.Watch(1, kit.ChatTarget{ChatID: 1})
	s.Watch(2, kit.ChatTarget{}) // no chat
	now = now.Add(2 * time.Hour)
	s.Watch(3, kit.ChatTarget{ChatID: 1})
	if got := s.Stats().Watching; got != 1 {
		t.Fatalf("watching = %d, want 1", got)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("retryDelay(%d) = %v, want (0, 1s]", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("retryDelay(1) = %v, want 70ms..130ms", d)
	}
}
