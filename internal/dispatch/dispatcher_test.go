package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"orderbot/internal/eventbus"
	logx "orderbot/pkg/logx"
)

const testProcessTime = 10 * time.Second

func newTestDispatcher(t *testing.T) (*Dispatcher, *ManualClock, eventbus.Bus) {
	t.Helper()
	clock := NewManualClock(time.Time{})
	bus := eventbus.New()
	d := New(Config{ProcessTime: testProcessTime}, logx.Nop(), bus, WithClock(clock))
	d.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d, clock, bus
}

func enqueue(t *testing.T, d *Dispatcher, classes ...Class) []Order {
	t.Helper()
	out := make([]Order, 0, len(classes))
	for _, c := range classes {
		o, err := d.Enqueue(context.Background(), c)
		if err != nil {
			t.Fatalf("Enqueue(%s) error: %v", c, err)
		}
		out = append(out, o)
	}
	return out
}

func addBots(t *testing.T, d *Dispatcher, n int) []Bot {
	t.Helper()
	out := make([]Bot, 0, n)
	for i := 0; i < n; i++ {
		b, err := d.AddBot(context.Background())
		if err != nil {
			t.Fatalf("AddBot error: %v", err)
		}
		out = append(out, b)
	}
	return out
}

func removeBot(t *testing.T, d *Dispatcher) (int, bool) {
	t.Helper()
	id, ok, err := d.RemoveBot(context.Background())
	if err != nil {
		t.Fatalf("RemoveBot error: %v", err)
	}
	return id, ok
}

func snapshot(t *testing.T, d *Dispatcher) Snapshot {
	t.Helper()
	s, err := d.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot error: %v", err)
	}
	return s
}

// checkInvariants asserts the properties that must hold between operations.
func checkInvariants(t *testing.T, s Snapshot, total int) {
	t.Helper()
	if got := len(s.Pending) + len(s.Completed); got != total {
		t.Fatalf("pending(%d) + completed(%d) = %d, want %d", len(s.Pending), len(s.Completed), got, total)
	}

	seen := map[int64]bool{}
	for _, p := range s.Pending {
		if seen[p.ID] {
			t.Fatalf("order %d duplicated", p.ID)
		}
		seen[p.ID] = true
	}
	for _, o := range s.Completed {
		if seen[o.ID] {
			t.Fatalf("order %d both pending and completed (or duplicated)", o.ID)
		}
		seen[o.ID] = true
		if !o.CompletedAt.After(o.CreatedAt) {
			t.Fatalf("order %d completed_at %v not after created_at %v", o.ID, o.CompletedAt, o.CreatedAt)
		}
	}

	// VIP block first, then NORMAL.
	normalSeen := false
	for _, p := range s.Pending {
		if p.Class == ClassNormal {
			normalSeen = true
		} else if normalSeen {
			t.Fatalf("VIP order %d queued behind a NORMAL order", p.ID)
		}
	}

	held := map[int64]int{}
	for _, b := range s.Bots {
		if b.State != BotBusy {
			continue
		}
		if other, dup := held[b.OrderID]; dup {
			t.Fatalf("order %d held by bots %d and %d", b.OrderID, other, b.ID)
		}
		held[b.OrderID] = b.ID
	}
	for _, p := range s.Pending {
		if p.BotID != held[p.ID] {
			t.Fatalf("order %d bot_id = %d, holder = %d", p.ID, p.BotID, held[p.ID])
		}
		delete(held, p.ID)
	}
	if len(held) != 0 {
		t.Fatalf("busy bots hold orders missing from the queue: %v", held)
	}

	if s.IdleBots() > 0 && len(s.Unassigned()) > 0 {
		t.Fatalf("%d idle bots with %d unassigned orders", s.IdleBots(), len(s.Unassigned()))
	}
}

func pendingIDs(s Snapshot) []int64 {
	ids := make([]int64, 0, len(s.Pending))
	for _, p := range s.Pending {
		ids = append(ids, p.ID)
	}
	return ids
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestQueueOrderVIPFirst(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		classes []Class
		want    []int64
	}{
		{name: "normal normal vip", classes: []Class{ClassNormal, ClassNormal, ClassVIP}, want: []int64{3, 1, 2}},
		{name: "vip behind earlier vip", classes: []Class{ClassNormal, ClassVIP, ClassNormal, ClassVIP}, want: []int64{2, 4, 1, 3}},
		{name: "vip only", classes: []Class{ClassVIP, ClassVIP}, want: []int64{1, 2}},
		{name: "normal only", classes: []Class{ClassNormal, ClassNormal}, want: []int64{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, _, _ := newTestDispatcher(t)
			enqueue(t, d, tt.classes...)
			s := snapshot(t, d)
			if got := pendingIDs(s); !equalIDs(got, tt.want) {
				t.Fatalf("pending = %v, want %v", got, tt.want)
			}
			checkInvariants(t, s, len(tt.classes))
		})
	}
}

func TestSingleOrderCompletesAfterProcessTime(t *testing.T) {
	t.Parallel()
	d, clock, _ := newTestDispatcher(t)
	enqueue(t, d, ClassNormal)
	bots := addBots(t, d, 1)
	if bots[0].State != BotBusy || bots[0].OrderID != 1 {
		t.Fatalf("new bot = %+v, want busy with order 1", bots[0])
	}

	clock.Advance(testProcessTime - time.Millisecond)
	if s := snapshot(t, d); len(s.Completed) != 0 {
		t.Fatalf("completed early: %+v", s.Completed)
	}

	clock.Advance(time.Millisecond)
	s := snapshot(t, d)
	if len(s.Completed) != 1 || len(s.Pending) != 0 {
		t.Fatalf("completed = %d, pending = %d, want 1, 0", len(s.Completed), len(s.Pending))
	}
	if got := s.Completed[0].Turnaround(); got != testProcessTime {
		t.Fatalf("turnaround = %v, want %v", got, testProcessTime)
	}
	if s.Bots[0].State != BotIdle {
		t.Fatalf("bot state = %s, want IDLE", s.Bots[0].State)
	}
	checkInvariants(t, s, 1)
}

func TestRemoveBusyBotCancelsCompletion(t *testing.T) {
	t.Parallel()
	d, clock, bus := newTestDispatcher(t)
	events, unsub := bus.Subscribe(64, "order.")
	defer unsub()

	enqueue(t, d, ClassNormal)
	addBots(t, d, 1)
	if id, ok := removeBot(t, d); !ok || id != 1 {
		t.Fatalf("RemoveBot = (%d, %v), want (1, true)", id, ok)
	}
	if n := clock.Pending(); n != 0 {
		t.Fatalf("armed timers = %d, want 0", n)
	}

	clock.Advance(2 * testProcessTime)
	s := snapshot(t, d)
	if len(s.Completed) != 0 || len(s.Pending) != 1 {
		t.Fatalf("completed = %d, pending = %d, want 0, 1", len(s.Completed), len(s.Pending))
	}
	if s.Pending[0].InFlight() {
		t.Fatal("released order still marked in flight")
	}
	if s.Stats.Preempted != 1 {
		t.Fatalf("preempted = %d, want 1", s.Stats.Preempted)
	}
	checkInvariants(t, s, 1)

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	want := []string{EventOrderCreated, EventOrderAssigned, EventOrderPreempted}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

func TestTwoBotsTakeVIPFirst(t *testing.T) {
	t.Parallel()
	d, clock, _ := newTestDispatcher(t)
	enqueue(t, d, ClassNormal, ClassVIP, ClassNormal)
	bots := addBots(t, d, 2)
	if bots[0].OrderID != 2 {
		t.Fatalf("bot 1 took order %d, want VIP order 2", bots[0].OrderID)
	}
	if bots[1].OrderID != 1 {
		t.Fatalf("bot 2 took order %d, want 1", bots[1].OrderID)
	}
	s := snapshot(t, d)
	if s.IdleBots() != 0 {
		t.Fatalf("idle bots = %d, want 0", s.IdleBots())
	}

	clock.Advance(testProcessTime)
	s = snapshot(t, d)
	if len(s.Completed) != 2 || len(s.Pending) != 1 {
		t.Fatalf("completed = %d, pending = %d, want 2, 1", len(s.Completed), len(s.Pending))
	}
	// The freed bot 1 picks up order 3 straight away.
	if !s.Pending[0].InFlight() || s.Pending[0].BotID != 1 {
		t.Fatalf("remaining order = %+v, want in flight on bot 1", s.Pending[0])
	}
	checkInvariants(t, s, 3)
}

func TestThreeBotsPreferVIP(t *testing.T) {
	t.Parallel()
	d, clock, _ := newTestDispatcher(t)
	enqueue(t, d, ClassNormal, ClassNormal, ClassVIP, ClassNormal)
	addBots(t, d, 3)
	clock.Advance(testProcessTime)

	s := snapshot(t, d)
	if len(s.Completed) != 3 || len(s.Pending) != 1 {
		t.Fatalf("completed = %d, pending = %d, want 3, 1", len(s.Completed), len(s.Pending))
	}
	if s.Completed[0].Class != ClassVIP {
		t.Fatalf("first completed = %+v, want the VIP order", s.Completed[0])
	}
	if s.Pending[0].ID != 4 {
		t.Fatalf("remaining order = %d, want 4", s.Pending[0].ID)
	}
	checkInvariants(t, s, 4)
}

func TestBotIDsReuseMaxPlusOne(t *testing.T) {
	t.Parallel()
	d, _, _ := newTestDispatcher(t)
	addBots(t, d, 2)
	if id, _ := removeBot(t, d); id != 2 {
		t.Fatalf("removed %d, want 2", id)
	}
	if b := addBots(t, d, 1)[0]; b.ID != 2 {
		t.Fatalf("re-added id = %d, want 2", b.ID)
	}
	removeBot(t, d)
	removeBot(t, d)
	if b := addBots(t, d, 1)[0]; b.ID != 1 {
		t.Fatalf("id after emptying pool = %d, want 1", b.ID)
	}
}

func TestRemoveBotOnEmptyPool(t *testing.T) {
	t.Parallel()
	d, _, _ := newTestDispatcher(t)
	if id, ok := removeBot(t, d); ok || id != 0 {
		t.Fatalf("RemoveBot = (%d, %v), want (0, false)", id, ok)
	}
}

func TestReaddedBotGetsFreshCompletion(t *testing.T) {
	t.Parallel()
	d, clock, _ := newTestDispatcher(t)
	enqueue(t, d, ClassNormal)
	addBots(t, d, 1)
	clock.Advance(testProcessTime / 2)

	removeBot(t, d)
	b := addBots(t, d, 1)[0]
	if b.ID != 1 || b.OrderID != 1 {
		t.Fatalf("re-added bot = %+v, want id 1 holding order 1", b)
	}

	// The cancelled completion would have fired here.
	clock.Advance(testProcessTime / 2)
	if s := snapshot(t, d); len(s.Completed) != 0 {
		t.Fatalf("completed = %d, want 0 (stale completion fired)", len(s.Completed))
	}

	clock.Advance(testProcessTime / 2)
	s := snapshot(t, d)
	if len(s.Completed) != 1 {
		t.Fatalf("completed = %d, want 1", len(s.Completed))
	}
	checkInvariants(t, s, 1)
}

func TestOneBotDrainsQueueInOrder(t *testing.T) {
	t.Parallel()
	d, clock, _ := newTestDispatcher(t)
	enqueue(t, d, ClassNormal, ClassNormal, ClassVIP)
	addBots(t, d, 1)
	clock.Advance(3 * testProcessTime)

	s := snapshot(t, d)
	var got []int64
	for _, o := range s.Completed {
		got = append(got, o.ID)
	}
	if want := []int64{3, 1, 2}; !equalIDs(got, want) {
		t.Fatalf("completion order = %v, want %v", got, want)
	}
	for i := 1; i < len(s.Completed); i++ {
		if !s.Completed[i].CompletedAt.After(s.Completed[i-1].CompletedAt) {
			t.Fatalf("completion times not increasing: %+v", s.Completed)
		}
	}
	checkInvariants(t, s, 3)
}

func TestStopReleasesAndRestartReassigns(t *testing.T) {
	t.Parallel()
	d, clock, _ := newTestDispatcher(t)
	enqueue(t, d, ClassNormal)
	addBots(t, d, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if _, err := d.Enqueue(context.Background(), ClassVIP); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after Stop = %v, want ErrStopped", err)
	}
	if _, err := d.Snapshot(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Snapshot after Stop = %v, want ErrStopped", err)
	}
	if n := clock.Pending(); n != 0 {
		t.Fatalf("armed timers after Stop = %d, want 0", n)
	}

	d.Start(context.Background())
	s := snapshot(t, d)
	if s.Bots[0].State != BotBusy {
		t.Fatalf("bot after restart = %+v, want busy again", s.Bots[0])
	}
	clock.Advance(testProcessTime)
	s = snapshot(t, d)
	if len(s.Completed) != 1 {
		t.Fatalf("completed = %d, want 1", len(s.Completed))
	}
	checkInvariants(t, s, 1)
}

func TestEnqueueRejectsUnknownClass(t *testing.T) {
	t.Parallel()
	d, _, _ := newTestDispatcher(t)
	if _, err := d.Enqueue(context.Background(), Class("GOLD")); !errors.Is(err, ErrInvalidClass) {
		t.Fatalf("Enqueue(GOLD) = %v, want ErrInvalidClass", err)
	}
	if s := snapshot(t, d); s.Stats.Enqueued != 0 {
		t.Fatalf("enqueued = %d, want 0", s.Stats.Enqueued)
	}
}

func TestActorIsRecorded(t *testing.T) {
	t.Parallel()
	d, _, bus := newTestDispatcher(t)
	events, unsub := bus.Subscribe(8, "bot.")
	defer unsub()

	ctx := WithActor(context.Background(), "telegram:42")
	o, err := d.Enqueue(ctx, ClassVIP)
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if o.Source != "telegram:42" {
		t.Fatalf("Source = %q, want telegram:42", o.Source)
	}
	if _, err := d.AddBot(ctx); err != nil {
		t.Fatalf("AddBot error: %v", err)
	}
	e := <-events
	be, ok := e.Data.(BotEvent)
	if e.Type != EventBotAdded || !ok || be.Actor != "telegram:42" || be.Bots != 1 {
		t.Fatalf("event = %+v, want bot.added by telegram:42", e)
	}
}

func TestParseClass(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Class
		ok   bool
	}{
		{in: "vip", want: ClassVIP, ok: true},
		{in: " Normal ", want: ClassNormal, ok: true},
		{in: "gold"},
	}
	for _, tt := range tests {
		got, err := ParseClass(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Fatalf("ParseClass(%q) = (%q, %v), want %q ok=%v", tt.in, got, err, tt.want, tt.ok)
		}
	}
}

func botToken(t *testing.T, d *Dispatcher, id int) uint64 {
	t.Helper()
	var tok uint64
	if err := d.do(context.Background(), func() {
		if b := d.st.bot(id); b != nil {
			tok = b.token
		}
	}); err != nil {
		t.Fatalf("read token: %v", err)
	}
	return tok
}

// A completion already in flight when its bot is removed must not land,
// even on a new bot that reuses the id and holds the same order.
func TestStaleCompletionAfterIDReuse(t *testing.T) {
	t.Parallel()
	d, clock, _ := newTestDispatcher(t)
	enqueue(t, d, ClassNormal)
	addBots(t, d, 1)
	old := botToken(t, d, 1)
	if old == 0 {
		t.Fatal("bot 1 has no token after assignment")
	}

	if id, ok := removeBot(t, d); !ok || id != 1 {
		t.Fatalf("RemoveBot = %d, %v; want 1, true", id, ok)
	}
	d.fire(1, old) // no bot 1 at all
	addBots(t, d, 1)
	if cur := botToken(t, d, 1); cur == old || cur == 0 {
		t.Fatalf("reused bot token = %d, want fresh token != %d", cur, old)
	}
	d.fire(1, old)

	s, err := d.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot error: %v", err)
	}
	if len(s.Completed) != 0 {
		t.Fatalf("completed = %+v, want none after stale fire", s.Completed)
	}
	if len(s.Pending) != 1 || s.Pending[0].BotID != 1 {
		t.Fatalf("pending = %+v, want order 1 in flight on bot 1", s.Pending)
	}

	clock.Advance(testProcessTime)
	s, _ = d.Snapshot(context.Background())
	if len(s.Completed) != 1 || len(s.Pending) != 0 {
		t.Fatalf("after full process time: completed=%d pending=%d, want 1/0", len(s.Completed), len(s.Pending))
	}
}
