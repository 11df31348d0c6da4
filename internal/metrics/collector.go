package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"orderbot/internal/dispatch"
	"orderbot/internal/eventbus"
	rtsup "orderbot/internal/runtime/supervisor"
	"orderbot/internal/shift"
	logx "orderbot/pkg/logx"
)

// DefaultRefresh is how often gauges are re-read from a dispatcher snapshot
// after activity.
const DefaultRefresh = time.Second

type Snapshotter interface {
	Snapshot(ctx context.Context) (dispatch.Snapshot, error)
}

// Collector turns bus events into counter updates and keeps the gauges in
// step with the dispatcher.
type Collector struct {
	m        *Metrics
	bus      eventbus.Bus
	src      Snapshotter
	log      logx.Logger
	interval time.Duration

	dirty atomic.Bool

	mu          sync.Mutex
	lastDropped uint64
	sup         *rtsup.Supervisor
	unsub       func()
}

func NewCollector(m *Metrics, bus eventbus.Bus, src Snapshotter, log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Collector{m: m, bus: bus, src: src, log: log.With(logx.String("comp", "metrics")), interval: DefaultRefresh}
	c.dirty.Store(true)
	return c
}

// Observe applies one event to the counters.
func (c *Collector) Observe(ev eventbus.Event) {
	c.dirty.Store(true)
	switch data := ev.Data.(type) {
	case dispatch.OrderEvent:
		class := string(data.Order.Class)
		switch ev.Type {
		case dispatch.EventOrderCreated:
			c.m.OrdersCreated.WithLabelValues(class).Inc()
		case dispatch.EventOrderCompleted:
			c.m.OrdersCompleted.WithLabelValues(class).Inc()
			c.m.Turnaround.WithLabelValues(class).Observe(data.Order.Turnaround().Seconds())
		case dispatch.EventOrderPreempted:
			c.m.OrdersPreempted.Inc()
		}
		c.m.OrdersInFlight.Set(float64(data.InFlight))
	case shift.Result:
		result := "ok"
		if data.Err != "" {
			result = "error"
		}
		c.m.ShiftsApplied.WithLabelValues(data.Shift, result).Inc()
	}
}

// Refresh re-reads gauges from a snapshot and folds in bus drops.
func (c *Collector) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.bus != nil {
		d := c.bus.Dropped()
		if d > c.lastDropped {
			c.m.EventsDropped.Add(float64(d - c.lastDropped))
			c.lastDropped = d
		}
	}
	c.mu.Unlock()

	if c.src == nil {
		return nil
	}
	c.dirty.Store(false)
	snap, err := c.src.Snapshot(ctx)
	if err != nil {
		c.dirty.Store(true)
		return err
	}

	pending := map[dispatch.Class]int{dispatch.ClassVIP: 0, dispatch.ClassNormal: 0}
	inFlight := 0
	for _, p := range snap.Pending {
		pending[p.Class]++
		if p.InFlight() {
			inFlight++
		}
	}
	for class, n := range pending {
		c.m.QueuePending.WithLabelValues(string(class)).Set(float64(n))
	}
	c.m.OrdersInFlight.Set(float64(inFlight))
	idle := snap.IdleBots()
	c.m.Bots.WithLabelValues(string(dispatch.BotIdle)).Set(float64(idle))
	c.m.Bots.WithLabelValues(string(dispatch.BotBusy)).Set(float64(len(snap.Bots) - idle))
	return nil
}

// Start consumes the bus until Stop or ctx cancellation.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup != nil || c.bus == nil {
		return
	}
	ch, unsub := c.bus.Subscribe(1024, "order.", "bot.", shift.EventShiftApplied)
	c.unsub = unsub
	c.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(c.log))
	c.sup.Go0("metrics.collect", func(ctx context.Context) {
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				c.Observe(ev)
			case <-t.C:
				if !c.dirty.Load() {
					continue
				}
				rctx, cancel := context.WithTimeout(ctx, c.interval)
				if err := c.Refresh(rctx); err != nil && ctx.Err() == nil {
					c.log.Debug("metrics refresh failed", logx.Err(err))
				}
				cancel()
			}
		}
	})
}

func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	sup, unsub := c.sup, c.unsub
	c.sup, c.unsub = nil, nil
	c.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	err := sup.Wait(ctx)
	unsub()
	return err
}
