// Package httpapi is the REST surface of the dispatcher.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"orderbot/internal/dispatch"
	"orderbot/internal/metrics"
	rtsup "orderbot/internal/runtime/supervisor"
	"orderbot/internal/storage"
	logx "orderbot/pkg/logx"
)

// Actor recorded on orders and bot events created over HTTP.
const Actor = "http"

type Dispatcher interface {
	Enqueue(ctx context.Context, class dispatch.Class) (dispatch.Order, error)
	AddBot(ctx context.Context) (dispatch.Bot, error)
	RemoveBot(ctx context.Context) (int, bool, error)
	Snapshot(ctx context.Context) (dispatch.Snapshot, error)
	Running() bool
}

type History interface {
	RecentOrders(ctx context.Context, limit int) ([]storage.OrderRecord, error)
}

// Config holds the reloadable settings.
type Config struct {
	Token            string
	IntakeRatePerSec float64
	IntakeBurst      int
}

// Deps are the collaborators; only Dispatcher is required.
type Deps struct {
	Dispatcher Dispatcher
	History    History
	Health     func() rtsup.Snapshot
	Metrics    *metrics.Metrics
	Log        logx.Logger
}

type Handler struct {
	d       Dispatcher
	history History
	health  func() rtsup.Snapshot
	metrics *metrics.Metrics
	log     logx.Logger

	validate *validator.Validate
	tracer   trace.Tracer

	token   atomic.Pointer[string]
	limiter atomic.Pointer[rate.Limiter]
}

func New(cfg Config, deps Deps) *Handler {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{
		d:        deps.Dispatcher,
		history:  deps.History,
		health:   deps.Health,
		metrics:  deps.Metrics,
		log:      log.With(logx.String("comp", "httpapi")),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		tracer:   otel.Tracer("orderbot/httpapi"),
	}
	h.Apply(cfg)
	return h
}

// Apply swaps token and intake limits without restarting the server.
func (h *Handler) Apply(cfg Config) {
	tok := strings.TrimSpace(cfg.Token)
	h.token.Store(&tok)
	if cfg.IntakeRatePerSec <= 0 {
		h.limiter.Store(nil)
		return
	}
	burst := cfg.IntakeBurst
	if burst <= 0 {
		burst = max(1, int(cfg.IntakeRatePerSec))
	}
	h.limiter.Store(rate.NewLimiter(rate.Limit(cfg.IntakeRatePerSec), burst))
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	routes := []struct {
		pattern string
		fn      http.HandlerFunc
	}{
		{"POST /orders", h.requireToken(h.limitIntake(h.createOrder))},
		{"GET /orders", h.listOrders},
		{"GET /orders/history", h.orderHistory},
		{"POST /bots", h.requireToken(h.addBot)},
		{"DELETE /bots", h.requireToken(h.removeBot)},
		{"GET /bots", h.listBots},
		{"GET /state", h.state},
		{"GET /healthz", h.healthz},
	}
	for _, rt := range routes {
		mux.Handle(rt.pattern, h.instrument(rt.pattern, rt.fn))
	}
}

// Handler returns a standalone mux with the API and request ids.
func (h *Handler) Handler() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return Wrap(mux)
}

// Wrap adds the request-id middleware to an API mux.
func Wrap(next http.Handler) http.Handler { return withRequestID(next) }

func (h *Handler) actx(r *http.Request) context.Context {
	return dispatch.WithActor(r.Context(), Actor)
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	req.Class = strings.ToUpper(strings.TrimSpace(req.Class))
	if err := h.validate.Struct(req); err != nil {
		h.writeValidation(w, r, err)
		return
	}

	o, err := h.d.Enqueue(h.actx(r), dispatch.Class(req.Class))
	if err != nil {
		h.writeDispatchError(w, r, err)
		return
	}
	w.Header().Set("Location", "/orders")
	writeJSON(w, http.StatusCreated, o)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	snap, err := h.d.Snapshot(r.Context())
	if err != nil {
		h.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OrdersResponse{Pending: nonNil(snap.Pending), Completed: nonNil(snap.Completed)})
}

func (h *Handler) orderHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, r, http.StatusNotFound, "order history is disabled")
		return
	}
	var q HistoryQuery
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "limit must be an integer")
			return
		}
		q.Limit = n
	}
	if err := h.validate.Struct(q); err != nil {
		h.writeValidation(w, r, err)
		return
	}
	recs, err := h.history.RecentOrders(r.Context(), q.Limit)
	if err != nil {
		h.log.Warn("history read failed", logx.Err(err))
		h.writeError(w, r, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Orders: nonNil(recs)})
}

func (h *Handler) addBot(w http.ResponseWriter, r *http.Request) {
	b, err := h.d.AddBot(h.actx(r))
	if err != nil {
		h.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (h *Handler) removeBot(w http.ResponseWriter, r *http.Request) {
	id, ok, err := h.d.RemoveBot(h.actx(r))
	if err != nil {
		h.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RemoveBotResponse{ID: id, Removed: ok})
}

func (h *Handler) listBots(w http.ResponseWriter, r *http.Request) {
	snap, err := h.d.Snapshot(r.Context())
	if err != nil {
		h.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BotsResponse{Bots: nonNil(snap.Bots), Idle: snap.IdleBots()})
}

func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	snap, err := h.d.Snapshot(r.Context())
	if err != nil {
		h.writeDispatchError(w, r, err)
		return
	}
	snap.Pending, snap.Completed, snap.Bots = nonNil(snap.Pending), nonNil(snap.Completed), nonNil(snap.Bots)
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Running: h.d.Running()}
	if h.health != nil {
		resp.Supervisor = h.health()
	}
	code := http.StatusOK
	switch {
	case !resp.Running:
		resp.Status, code = "stopped", http.StatusServiceUnavailable
	case resp.Supervisor.FirstError != "":
		resp.Status = "degraded"
	}
	writeJSON(w, code, resp)
}

func (h *Handler) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dispatch.ErrInvalidClass):
		h.writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		h.log.Error("dispatch call failed", logx.Err(err))
		h.writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeValidation(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, "Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag")
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:     "validation failed",
		Details:   details,
		RequestID: RequestID(r.Context()),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg, RequestID: RequestID(r.Context())})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
