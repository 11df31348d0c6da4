package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutByPrefix(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	orders, unsubOrders := b.Subscribe(4, "order.")
	defer unsubOrders()

	b.Publish(Event{Type: "order.created", Data: 1})
	b.Publish(Event{Type: "bot.added", Data: 2})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber got %d events, want 2", got)
	}
	if got := len(orders); got != 1 {
		t.Fatalf("order subscriber got %d events, want 1", got)
	}
	e := <-orders
	if e.Type != "order.created" {
		t.Fatalf("Type = %q, want order.created", e.Type)
	}
	if e.Time.IsZero() {
		t.Fatal("expected Publish to stamp Time")
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: "x", Time: time.Unix(int64(i), 0)})
	}
	if got := b.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "x"})
}
