package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	httpapi "orderbot/internal/api/http"
	"orderbot/internal/config"
	"orderbot/internal/dispatch"
	"orderbot/internal/eventbus"
	"orderbot/internal/metrics"
	"orderbot/internal/notifier"
	rtsup "orderbot/internal/runtime/supervisor"
	"orderbot/internal/server"
	"orderbot/internal/services/journal"
	"orderbot/internal/shift"
	"orderbot/internal/storage"
	"orderbot/internal/tracing"
	kit "orderbot/internal/transport"
	telegram "orderbot/internal/transport/telegram/adapter"
	"orderbot/internal/transport/telegram/router"
	logx "orderbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	journal *journal.Service

	disp    *dispatch.Dispatcher
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	coll    *metrics.Collector

	tracerShutdown func(context.Context) error

	notif  *notifier.Service
	shifts *shift.Service
	api    *httpapi.Handler
	http   *server.Service

	adapter *telegram.Adapter // nil when telegram is disabled
	router  *router.Router
	updates chan kit.Update
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.Nop())
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg), nil)
	cfgm.SetLogger(log)
	a := &App{
		cfgm:    cfgm,
		logs:    logSvc,
		log:     log.With(logx.String("comp", "app")),
		bus:     eventbus.New(),
		updates: make(chan kit.Update, 256),
	}
	if err := a.build(cfg, log); err != nil {
		_ = a.closeEarly()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	var err error
	if a.tracerShutdown, err = tracing.Init(mapTracing(cfg)); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, log); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if a.store != nil {
		a.journal = journal.New(a.store, a.bus, log, "")
		a.log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("instance", a.journal.Instance()))
	}

	dc, err := mapDispatch(cfg)
	if err != nil {
		return err
	}
	a.disp = dispatch.New(dc, log.With(logx.String("comp", "dispatch")), a.bus)

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.reg)
	a.coll = metrics.NewCollector(a.metrics, a.bus, a.disp, log)

	if cfg.Telegram.Enabled {
		tc, err := mapTelegram(cfg)
		if err != nil {
			return err
		}
		if a.adapter, err = telegram.New(tc, log.With(logx.String("comp", "telegram"))); err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.logs.SetSender(a.adapter)
		a.notif = notifier.New(mapNotifier(cfg), a.adapter, log, a.bus)
		a.router = router.New(log, a.adapter, router.Options{Owners: cfg.Telegram.OwnerUserIDs})
		a.router.Register(router.OrderCommands(a.disp, a.notif)...)
	}

	a.shifts = shift.New(mapShifts(cfg), a.disp, log, a.bus)

	deps := httpapi.Deps{
		Dispatcher: a.disp,
		Health:     a.Health,
		Metrics:    a.metrics,
		Log:        log,
	}
	if a.store != nil {
		deps.History = a.store
	}
	a.api = httpapi.New(mapHTTPAPI(cfg), deps)
	srvCfg, err := mapServer(cfg)
	if err != nil {
		return err
	}
	a.http = server.New(srvCfg, a.api, httpapi.Wrap, a.reg, log)
	return nil
}

// closeEarly releases what build opened before failing.
func (a *App) closeEarly() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.tracerShutdown != nil {
		errs = append(errs, a.tracerShutdown(context.Background()))
	}
	errs = append(errs, a.logs.Close())
	return errors.Join(errs...)
}

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

// HTTPAddr is the bound API address ("" when the server is off).
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Health merges the app supervisor with the dispatcher loop for /healthz.
func (a *App) Health() rtsup.Snapshot {
	snap := a.sup.Snapshot()
	ds := a.disp.Supervisor().Snapshot()
	snap.Goroutines = append(snap.Goroutines, ds.Goroutines...)
	if snap.FirstError == "" {
		snap.FirstError = ds.FirstError
	}
	return snap
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if a.journal != nil {
		a.journal.Start(run)
	}
	a.coll.Start(run)
	a.disp.Start(run)
	if err := a.shifts.Start(run); err != nil {
		return fmt.Errorf("shifts: %w", err)
	}
	a.http.Start(run)

	if a.adapter != nil {
		a.notif.Start(run)
		if err := a.adapter.Start(run, a.updates); err != nil {
			return err
		}
		a.sup.Go("telegram.router", func(c context.Context) error {
			return a.router.Run(c, a.updates)
		})
		a.sup.Go0("telegram.menu", func(c context.Context) {
			if err := a.router.SyncMenu(c); err != nil {
				a.log.Warn("menu update failed", logx.Err(err))
			}
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyReload(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Duration("process_time", a.disp.ProcessTime()),
		logx.Bool("telegram", a.adapter != nil),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

// applyReload pushes a validated config to the live components. Settings
// that are fixed for the process lifetime are only logged.
func (a *App) applyReload(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if dc, err := mapDispatch(next); err == nil && dc.ProcessTime != a.disp.ProcessTime() {
		a.log.Warn("dispatch.process_time changed; restart required", logx.Duration("current", a.disp.ProcessTime()), logx.Duration("configured", dc.ProcessTime))
	}
	for _, s := range sections {
		switch s {
		case "storage", "tracing":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		case "telegram":
			if prev.Telegram.Enabled != next.Telegram.Enabled || prev.Telegram.Token != next.Telegram.Token {
				a.log.Warn("telegram token/enabled changed; restart required for changes to take effect")
			}
		}
	}

	a.logs.Apply(mapLogging(next))
	if a.router != nil {
		a.router.SetOwners(next.Telegram.OwnerUserIDs)
	}
	if a.notif != nil {
		wasOn := a.notif.Enabled()
		nc := mapNotifier(next)
		a.notif.Apply(nc)
		switch {
		case wasOn && !nc.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_ = a.notif.Stop(stopCtx)
			cancel()
			a.log.Info("notifier disabled via config")
		case !wasOn && nc.Enabled:
			a.notif.Start(ctx)
			a.log.Info("notifier enabled via config")
		}
	}
	if err := a.shifts.Apply(mapShifts(next)); err != nil {
		a.log.Warn("invalid shifts config; keeping previous", logx.Err(err))
	}

	a.api.Apply(mapHTTPAPI(next))
	if sc, err := mapServer(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.http.Reconfigure(rctx, sc); err != nil {
			a.log.Warn("http reconfigure failed", logx.Err(err))
		}
		cancel()
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down intake first, storage last, each step bounded.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("shifts", time.Second, a.shifts.Stop)
	step("http", 3*time.Second, a.http.Stop)
	if a.adapter != nil {
		step("telegram", 2*time.Second, a.adapter.Stop)
		step("notifier", time.Second, a.notif.Stop)
	}
	step("dispatch", 2*time.Second, a.disp.Stop)
	step("metrics", time.Second, a.coll.Stop)
	if a.journal != nil {
		step("journal", 2*time.Second, a.journal.Stop)
	}
	if a.store != nil {
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}
	step("tracing", 2*time.Second, a.tracerShutdown)
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
