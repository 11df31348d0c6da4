// Package server runs the HTTP listener that hosts the API, /metrics and
// the optional pprof endpoints. It restarts the listener when the address
// or timeouts change on reload.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "orderbot/internal/runtime/supervisor"
	logx "orderbot/pkg/logx"
)

const (
	DefaultAddr        = "127.0.0.1:8080"
	DefaultMetricsPath = "/metrics"
)

// Config controls the listener.
//
// Security:
//   - Prefer binding to localhost (default).
//   - pprof on a non-loopback address is mounted only when Token is set.
type Config struct {
	Enabled bool
	Addr    string
	Token   string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Metrics     bool
	MetricsPath string
	Pprof       bool
}

// Mounter adds routes to the server mux.
type Mounter interface {
	Register(mux *http.ServeMux)
}

type Service struct {
	log      logx.Logger
	api      Mounter
	wrap     func(http.Handler) http.Handler
	gatherer prometheus.Gatherer

	mu   sync.Mutex
	cfg  Config
	base context.Context // from Start; restarts run under it
	sup  *rtsup.Supervisor
	srv  *http.Server
	addr string
	// ready is closed once the current listener is bound.
	ready chan struct{}
}

// New builds a stopped server. wrap (optional) decorates the whole mux,
// e.g. with request ids; gatherer backs /metrics.
func New(cfg Config, api Mounter, wrap func(http.Handler) http.Handler, gatherer prometheus.Gatherer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Service{cfg: cfg, api: api, wrap: wrap, gatherer: gatherer, log: log.With(logx.String("comp", "http"))}
}

// Supervisor returns the server's supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr is the bound address once the listener is up ("" otherwise).
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Ready returns a channel closed when the current listener is bound.
func (s *Service) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready == nil {
		s.ready = make(chan struct{})
	}
	return s.ready
}

// Reconfigure applies cfg and starts, stops or restarts the listener.
// ctx bounds only the shutdown; a new listener runs under the context
// given to Start.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	base := s.base
	s.cfg = cfg
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}

	switch {
	case !cfg.Enabled:
		if running {
			return s.Stop(ctx)
		}
		return nil
	case !running:
		s.Start(base)
		return nil
	case needsRestart(prev, cfg):
		if err := s.Stop(ctx); err != nil {
			return err
		}
		s.Start(base)
	}
	return nil
}

func needsRestart(a, b Config) bool {
	return normalizeAddr(a.Addr) != normalizeAddr(b.Addr) ||
		a.Token != b.Token ||
		a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout ||
		a.Metrics != b.Metrics || a.MetricsPath != b.MetricsPath || a.Pprof != b.Pprof
}

// Start is idempotent and a no-op while disabled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = ctx
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	if s.ready == nil {
		s.ready = make(chan struct{})
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the listener down gracefully within ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv, s.addr, s.ready = nil, nil, "", nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	// Cancel first so serveOnce sees a closed server as a clean exit.
	sup.Cancel()
	var err error
	if srv != nil {
		if err = srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
		}
	}
	if werr := sup.Wait(ctx); err == nil {
		err = werr
	}
	s.log.Info("http server stopped")
	return err
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := normalizeAddr(cfg.Addr)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("http listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}

	srv := &http.Server{
		Handler:           s.handler(cfg, addr),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.srv, s.addr = srv, ln.Addr().String()
	if s.ready == nil {
		s.ready = make(chan struct{})
	}
	close(s.ready)
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(cctx)
	})
	defer stop()

	s.log.Info("http server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("metrics", cfg.Metrics),
		logx.Bool("pprof", cfg.Pprof),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	owned := s.srv == srv
	if owned {
		s.srv, s.addr = nil, ""
		s.ready = make(chan struct{})
	}
	s.mu.Unlock()

	if ctx.Err() != nil || (!owned && errors.Is(err, http.ErrServerClosed)) {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func (s *Service) handler(cfg Config, addr string) http.Handler {
	mux := http.NewServeMux()
	if s.api != nil {
		s.api.Register(mux)
	}
	if cfg.Metrics {
		path := strings.TrimSpace(cfg.MetricsPath)
		if path == "" {
			path = DefaultMetricsPath
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if cfg.Pprof {
		if cfg.Token == "" && !isLoopbackAddr(addr) {
			s.log.Warn("pprof not mounted: non-loopback addr requires http.token", logx.String("addr", addr))
		} else {
			auth := func(h http.HandlerFunc) http.Handler { return withToken(cfg.Token, h) }
			mux.Handle("/debug/pprof/", auth(hpprof.Index))
			mux.Handle("/debug/pprof/cmdline", auth(hpprof.Cmdline))
			mux.Handle("/debug/pprof/profile", auth(hpprof.Profile))
			mux.Handle("/debug/pprof/symbol", auth(hpprof.Symbol))
			mux.Handle("/debug/pprof/trace", auth(hpprof.Trace))
		}
	}
	var h http.Handler = mux
	if s.wrap != nil {
		h = s.wrap(h)
	}
	return h
}

func withToken(token string, h http.HandlerFunc) http.Handler {
	if token == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	})
}

func normalizeAddr(addr string) string {
	if a := strings.TrimSpace(addr); a != "" {
		return a
	}
	return DefaultAddr
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || strings.TrimSpace(h) == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
