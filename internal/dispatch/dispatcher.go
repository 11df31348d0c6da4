package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"orderbot/internal/eventbus"
	rtsup "orderbot/internal/runtime/supervisor"
	logx "orderbot/pkg/logx"
)

const DefaultProcessTime = 10 * time.Second

type Config struct {
	// ProcessTime is how long a bot works on any order.
	ProcessTime time.Duration
}

type Option func(*Dispatcher)

// WithClock replaces the real clock (tests use ManualClock).
func WithClock(c Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// Dispatcher owns the order queue and the bot pool.
//
// All state lives on one loop goroutine. Public calls and completion timers
// are sent to the loop as commands, so they never interleave. A call returns
// as soon as the loop has applied it.
type Dispatcher struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	clock  Clock
	tracer trace.Tracer

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	ops     chan func()
	done    chan struct{}

	st state
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Dispatcher {
	if cfg.ProcessTime <= 0 {
		cfg.ProcessTime = DefaultProcessTime
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		clock:  RealClock(),
		tracer: otel.Tracer("orderbot/dispatch"),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) ProcessTime() time.Duration { return d.cfg.ProcessTime }

func (d *Dispatcher) Running() bool {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	return d.running
}

// Supervisor returns the loop supervisor (nil if not started).
func (d *Dispatcher) Supervisor() *rtsup.Supervisor {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	return d.sup
}

// Start launches the loop. Calling Start on a running dispatcher is a no-op.
//
// Orders released by a previous Stop are assigned again right away.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.running {
		return
	}
	ops := make(chan func())
	done := make(chan struct{})
	d.ops, d.done = ops, done
	d.running = true
	d.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(d.log.With(logx.String("comp", "dispatch.loop"))),
		rtsup.WithCancelOnError(false),
	)
	d.sup.Go("dispatch.loop", func(c context.Context) error {
		defer close(done)
		return d.loop(c, ops)
	})
	d.log.Info("dispatcher started", logx.Duration("process_time", d.cfg.ProcessTime))
}

// Stop ends the loop and cancels every pending completion. Orders held by
// bots stay queued and the bots go idle.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.runMu.Lock()
	if !d.running {
		d.runMu.Unlock()
		return nil
	}
	d.running = false
	sup := d.sup
	d.sup = nil
	d.runMu.Unlock()

	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		return err
	}
	d.log.Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher) loop(ctx context.Context, ops <-chan func()) error {
	defer d.release()
	d.assign()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-ops:
			fn()
		}
	}
}

// do runs fn on the loop and waits until it has been applied.
func (d *Dispatcher) do(ctx context.Context, fn func()) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.runMu.Lock()
	running, ops, done := d.running, d.ops, d.done
	d.runMu.Unlock()
	if !running {
		return ErrStopped
	}

	applied := make(chan struct{})
	select {
	case ops <- func() {
		defer close(applied)
		fn()
	}:
	case <-done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-applied
	return nil
}

// Enqueue adds an order and hands it to an idle bot if there is one.
func (d *Dispatcher) Enqueue(ctx context.Context, class Class) (Order, error) {
	if class != ClassVIP && class != ClassNormal {
		return Order{}, fmt.Errorf("enqueue %q: %w", class, ErrInvalidClass)
	}
	ctx, span := d.tracer.Start(ctx, "dispatch.Enqueue",
		trace.WithAttributes(attribute.String("order.class", string(class))))
	defer span.End()

	actor := ActorFrom(ctx)
	var out Order
	err := d.do(ctx, func() {
		d.st.lastOrderID++
		o := &Order{ID: d.st.lastOrderID, Class: class, Source: actor, CreatedAt: d.clock.Now()}
		d.st.insert(o)
		out = *o
		d.emitOrder(EventOrderCreated, out, 0)
		d.assign()
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Order{}, err
	}
	span.SetAttributes(attribute.Int64("order.id", out.ID))
	d.log.Debug("order queued", logx.OrderID(out.ID), logx.Class(string(class)), logx.String("source", actor))
	return out, nil
}

// AddBot adds an idle bot with id max+1 (1 when the pool is empty).
// The returned view already reflects any order it picked up.
func (d *Dispatcher) AddBot(ctx context.Context) (Bot, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.AddBot")
	defer span.End()

	actor := ActorFrom(ctx)
	var out Bot
	var total int
	err := d.do(ctx, func() {
		b := &bot{id: d.st.nextBotID()}
		d.st.bots = append(d.st.bots, b)
		total = len(d.st.bots)
		d.emitBot(EventBotAdded, b.view(), actor, 0)
		d.assign()
		out = b.view()
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Bot{}, err
	}
	span.SetAttributes(attribute.Int("bot.id", out.ID))
	d.log.Info("bot added", logx.BotID(out.ID), logx.Int("bots", total), logx.String("actor", actor))
	return out, nil
}

// RemoveBot removes the bot with the largest id. A busy bot's completion is
// cancelled and its order goes back to the queue unassigned. removed is false
// when there was no bot.
func (d *Dispatcher) RemoveBot(ctx context.Context) (id int, removed bool, err error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.RemoveBot")
	defer span.End()

	actor := ActorFrom(ctx)
	var released int64
	var total int
	err = d.do(ctx, func() {
		b := d.st.popNewest()
		if b == nil {
			return
		}
		id, removed = b.id, true
		if b.order != nil {
			released = b.order.ID
			o := *b.order
			d.cancel(b)
			d.st.preempted++
			d.emitOrder(EventOrderPreempted, o, id)
		}
		total = len(d.st.bots)
		d.emitBot(EventBotRemoved, Bot{ID: id, State: BotIdle}, actor, released)
		d.assign()
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, false, err
	}
	span.SetAttributes(attribute.Bool("bot.removed", removed), attribute.Int("bot.id", id))
	if !removed {
		d.log.Debug("remove bot: pool empty")
		return 0, false, nil
	}
	d.log.Info("bot removed", logx.BotID(id), logx.Int64("released_order", released), logx.Int("bots", total), logx.String("actor", actor))
	return id, true, nil
}

// Snapshot copies the current state.
func (d *Dispatcher) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if err := d.do(ctx, func() { snap = d.snapshot() }); err != nil {
		return Snapshot{}, err
	}
	snap.Running = true
	return snap, nil
}

func (d *Dispatcher) snapshot() Snapshot {
	holders := d.st.holders()
	s := Snapshot{
		Pending:   make([]PendingOrder, 0, len(d.st.queue)),
		Completed: append([]Order(nil), d.st.completed...),
		Bots:      make([]Bot, 0, len(d.st.bots)),
		Stats: Stats{
			Enqueued:    d.st.lastOrderID,
			Completed:   len(d.st.completed),
			Preempted:   d.st.preempted,
			ProcessTime: d.cfg.ProcessTime,
		},
	}
	for _, o := range d.st.queue {
		s.Pending = append(s.Pending, PendingOrder{Order: *o, BotID: holders[o.ID]})
	}
	for _, b := range d.st.bots {
		s.Bots = append(s.Bots, b.view())
	}
	return s
}

// assign starts a completion for every pairing rebalance finds.
func (d *Dispatcher) assign() {
	for _, a := range rebalance(d.st.queue, d.st.bots) {
		d.st.lastToken++
		tok := d.st.lastToken
		b := a.bot
		b.order = a.order
		b.token = tok
		b.since = d.clock.Now()
		id := b.id
		b.timer = d.clock.AfterFunc(d.cfg.ProcessTime, func() { d.fire(id, tok) })
		d.emitOrder(EventOrderAssigned, *a.order, id)
		d.log.Trace("order assigned", logx.OrderID(a.order.ID), logx.BotID(id))
	}
}

// fire runs on the timer goroutine.
func (d *Dispatcher) fire(botID int, token uint64) {
	_ = d.do(context.Background(), func() { d.complete(botID, token) })
}

func (d *Dispatcher) complete(botID int, token uint64) {
	b := d.st.bot(botID)
	if b == nil || b.order == nil || b.token != token {
		// Cancelled by RemoveBot or Stop before the command got here.
		d.log.Trace("stale completion dropped", logx.BotID(botID), logx.Uint64("token", token))
		return
	}
	o := d.st.take(b.order.ID)
	b.order, b.timer, b.token = nil, nil, 0
	if o == nil {
		d.log.Error("in-flight order missing from queue", logx.BotID(botID))
		d.assign()
		return
	}

	now := d.clock.Now()
	if !now.After(o.CreatedAt) {
		now = o.CreatedAt.Add(time.Nanosecond)
	}
	o.CompletedAt = now
	d.st.completed = append(d.st.completed, *o)
	d.emitOrder(EventOrderCompleted, *o, botID)
	d.log.Debug("order completed", logx.OrderID(o.ID), logx.BotID(botID), logx.Duration("turnaround", o.Turnaround()))
	d.assign()
}

// cancel invalidates b's completion before the timer is stopped so a callback
// already waiting on the loop is dropped by complete.
func (d *Dispatcher) cancel(b *bot) {
	b.token = 0
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = nil
	b.order = nil
}

// release runs when the loop exits.
func (d *Dispatcher) release() {
	n := 0
	for _, b := range d.st.bots {
		if b.order != nil {
			d.cancel(b)
			n++
		}
	}
	if n > 0 {
		d.log.Info("in-flight orders released", logx.Int("count", n))
	}
}

func (d *Dispatcher) inFlight() int {
	n := 0
	for _, b := range d.st.bots {
		if b.order != nil {
			n++
		}
	}
	return n
}

func (d *Dispatcher) emitOrder(typ string, o Order, botID int) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{
		Type: typ,
		Time: d.clock.Now(),
		Data: OrderEvent{Order: o, BotID: botID, Pending: len(d.st.queue), InFlight: d.inFlight()},
	})
}

func (d *Dispatcher) emitBot(typ string, b Bot, actor string, released int64) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{
		Type: typ,
		Time: d.clock.Now(),
		Data: BotEvent{Bot: b, Actor: actor, Released: released, Bots: len(d.st.bots)},
	})
}
