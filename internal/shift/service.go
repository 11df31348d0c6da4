// Package shift resizes the bot pool on a schedule.
//
// Each entry names a target pool size; when its schedule fires the service
// adds or removes bots until the dispatcher holds exactly that many.
// Removals follow the dispatcher's rule (newest bot first), so a shrinking
// shift may return in-flight orders to the queue.
package shift

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"orderbot/internal/dispatch"
	"orderbot/internal/eventbus"
	logx "orderbot/pkg/logx"
)

// EventShiftApplied is published after every scheduled resize; Data is a Result.
const EventShiftApplied = "shift.applied"

// Pool is the part of the dispatcher a shift needs.
type Pool interface {
	Snapshot(ctx context.Context) (dispatch.Snapshot, error)
	AddBot(ctx context.Context) (dispatch.Bot, error)
	RemoveBot(ctx context.Context) (int, bool, error)
}

type Entry struct {
	Name     string
	Schedule string
	Bots     int
}

type Config struct {
	Timezone string
	Entries  []Entry
}

// Status is a registered entry and its next activation.
type Status struct {
	Entry
	Next time.Time
	Prev time.Time
}

// Result reports one resize.
type Result struct {
	Shift   string
	Target  int
	Added   int
	Removed int
	Err     string `json:"err,omitempty"`
}

type Service struct {
	log  logx.Logger
	pool Pool
	bus  eventbus.Bus

	mu  sync.Mutex
	cfg Config
	loc *time.Location
	c   *cron.Cron
	ids map[cron.EntryID]Entry

	// Separate from mu: Apply holds mu while waiting for running jobs.
	runMu   sync.Mutex
	ctx     context.Context
	onApply func(Result, error)
}

// New builds a stopped service. bus may be nil.
func New(cfg Config, pool Pool, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg,
		pool: pool,
		bus:  bus,
		log:  log.With(logx.String("comp", "shift")),
		ids:  map[cron.EntryID]Entry{},
	}
}

// OnResize installs a hook called after every scheduled resize.
func (s *Service) OnResize(fn func(Result, error)) {
	s.runMu.Lock()
	s.onApply = fn
	s.runMu.Unlock()
}

// Start registers the configured entries and starts triggering.
// Calling Start on a running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.runMu.Lock()
	s.ctx = ctx
	s.runMu.Unlock()
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	ids := make(map[cron.EntryID]Entry, len(s.cfg.Entries))
	for _, e := range s.cfg.Entries {
		sched, err := ParseSchedule(e.Schedule)
		if err != nil {
			return fmt.Errorf("shift %q: %w", e.Name, err)
		}
		id := c.Schedule(sched, cron.FuncJob(func() { s.fire(e) }))
		ids[id] = e
	}
	s.loc, s.c, s.ids = loc, c, ids
	c.Start()
	s.log.Info("shifts started", logx.Int("entries", len(ids)), logx.String("tz", loc.String()))
	return nil
}

// Apply swaps the configured entries. A running service re-registers them.
func (s *Service) Apply(cfg Config) error {
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}
	for _, e := range cfg.Entries {
		if _, err := ParseSchedule(e.Schedule); err != nil {
			return fmt.Errorf("shift %q: %w", e.Name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.c == nil {
		return nil
	}
	<-s.c.Stop().Done()
	s.c = nil
	return s.startLocked()
}

// Stop halts triggering and waits for a running resize to finish.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries lists registered shifts ordered by next activation.
func (s *Service) Entries() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	var out []Status
	for _, ce := range s.c.Entries() {
		e, ok := s.ids[ce.ID]
		if !ok {
			continue
		}
		out = append(out, Status{Entry: e, Next: ce.Next, Prev: ce.Prev})
	}
	return out
}

func (s *Service) fire(e Entry) {
	s.runMu.Lock()
	ctx, hook := s.ctx, s.onApply
	s.runMu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = dispatch.WithActor(ctx, "shift:"+e.Name)

	res, err := ScaleTo(ctx, s.pool, e.Bots)
	res.Shift = e.Name
	if err != nil {
		res.Err = err.Error()
		s.log.Warn("shift resize failed", logx.String("shift", e.Name), logx.Int("target", e.Bots), logx.Err(err))
	} else {
		s.log.Info("shift applied",
			logx.String("shift", e.Name),
			logx.Int("target", e.Bots),
			logx.Int("added", res.Added),
			logx.Int("removed", res.Removed),
		)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventShiftApplied, Time: time.Now(), Data: res})
	}
	if hook != nil {
		hook(res, err)
	}
}

// ScaleTo adds or removes bots until the pool holds n.
func ScaleTo(ctx context.Context, pool Pool, n int) (Result, error) {
	res := Result{Target: n}
	if n < 0 {
		return res, fmt.Errorf("target must be >= 0, got %d", n)
	}
	snap, err := pool.Snapshot(ctx)
	if err != nil {
		return res, err
	}
	for have := len(snap.Bots); have < n; have++ {
		if _, err := pool.AddBot(ctx); err != nil {
			return res, err
		}
		res.Added++
	}
	for have := len(snap.Bots); have > n; have-- {
		_, ok, err := pool.RemoveBot(ctx)
		if err != nil {
			return res, err
		}
		if !ok {
			break
		}
		res.Removed++
	}
	return res, nil
}

var errBadTimezone = errors.New("invalid timezone")

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", errBadTimezone, name, err)
	}
	return loc, nil
}

// cronLogger routes cron's internal messages to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
