package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"orderbot/internal/dispatch"
	"orderbot/internal/eventbus"
	"orderbot/internal/shift"
	logx "orderbot/pkg/logx"
)

func TestCollectorCountsAndGauges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := New(prometheus.NewRegistry())
	bus := eventbus.New()
	clock := dispatch.NewManualClock(time.Time{})
	d := dispatch.New(dispatch.Config{ProcessTime: 10 * time.Second}, logx.Nop(), bus, dispatch.WithClock(clock))
	d.Start(ctx)
	defer func() { _ = d.Stop(ctx) }()

	c := NewCollector(m, bus, d, logx.Nop())
	events, unsub := bus.Subscribe(64)
	defer unsub()

	for _, class := range []dispatch.Class{dispatch.ClassNormal, dispatch.ClassVIP, dispatch.ClassNormal} {
		if _, err := d.Enqueue(ctx, class); err != nil {
			t.Fatalf("Enqueue error: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := d.AddBot(ctx); err != nil {
			t.Fatalf("AddBot error: %v", err)
		}
	}
	// t=10s: bot 1 finishes the VIP and takes order 3, bot 2 finishes order 1.
	clock.Advance(10 * time.Second)
	// Removing bot 2 (idle) then bot 1 (busy) sends order 3 back to the queue.
	for i := 0; i < 2; i++ {
		if _, _, err := d.RemoveBot(ctx); err != nil {
			t.Fatalf("RemoveBot error: %v", err)
		}
	}

	for len(events) > 0 {
		c.Observe(<-events)
	}
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"created NORMAL", testutil.ToFloat64(m.OrdersCreated.WithLabelValues("NORMAL")), 2},
		{"created VIP", testutil.ToFloat64(m.OrdersCreated.WithLabelValues("VIP")), 1},
		{"completed VIP", testutil.ToFloat64(m.OrdersCompleted.WithLabelValues("VIP")), 1},
		{"completed NORMAL", testutil.ToFloat64(m.OrdersCompleted.WithLabelValues("NORMAL")), 1},
		{"preempted", testutil.ToFloat64(m.OrdersPreempted), 1},
		{"pending NORMAL", testutil.ToFloat64(m.QueuePending.WithLabelValues("NORMAL")), 1},
		{"pending VIP", testutil.ToFloat64(m.QueuePending.WithLabelValues("VIP")), 0},
		{"in flight", testutil.ToFloat64(m.OrdersInFlight), 0},
		{"bots busy", testutil.ToFloat64(m.Bots.WithLabelValues("BUSY")), 0},
		{"bots idle", testutil.ToFloat64(m.Bots.WithLabelValues("IDLE")), 0},
	}
	for _, ck := range checks {
		if ck.got != ck.want {
			t.Fatalf("%s = %v, want %v", ck.name, ck.got, ck.want)
		}
	}
	if n := testutil.CollectAndCount(m.Turnaround); n != 2 {
		t.Fatalf("turnaround series = %d, want 2", n)
	}
}

func TestCollectorShiftAndDrops(t *testing.T) {
	t.Parallel()
	m := New(prometheus.NewRegistry())
	bus := eventbus.New()
	_, unsub := bus.Subscribe(1)
	defer unsub()
	bus.Publish(eventbus.Event{Type: "x"})
	bus.Publish(eventbus.Event{Type: "y"})
	bus.Publish(eventbus.Event{Type: "z"})

	c := NewCollector(m, bus, nil, logx.Nop())
	c.Observe(eventbus.Event{Type: shift.EventShiftApplied, Data: shift.Result{Shift: "night"}})
	c.Observe(eventbus.Event{Type: shift.EventShiftApplied, Data: shift.Result{Shift: "night", Err: "stopped"}})
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	if got := testutil.ToFloat64(m.EventsDropped); got != 2 {
		t.Fatalf("events dropped = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ShiftsApplied.WithLabelValues("night", "ok")); got != 1 {
		t.Fatalf("shift ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ShiftsApplied.WithLabelValues("night", "error")); got != 1 {
		t.Fatalf("shift error = %v, want 1", got)
	}
}

func TestCollectorStartStop(t *testing.T) {
	t.Parallel()
	m := New(prometheus.NewRegistry())
	bus := eventbus.New()
	c := NewCollector(m, bus, nil, logx.Nop())
	c.Start(context.Background())
	bus.Publish(eventbus.Event{Type: dispatch.EventOrderCreated, Data: dispatch.OrderEvent{Order: dispatch.Order{ID: 1, Class: dispatch.ClassVIP}}})

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.OrdersCreated.WithLabelValues("VIP")) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("collector did not observe the event")
		}
		time.Sleep(10 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
}
