package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	logx "orderbot/pkg/logx"
)

const HeaderRequestID = "X-Request-ID"

type requestIDKey struct{}

// RequestID returns the id assigned by the request-id middleware.
func RequestID(ctx context.Context) string {
	s, _ := ctx.Value(requestIDKey{}).(string)
	return s
}

// statusWriter captures the response code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// withRequestID reuses a sane inbound X-Request-ID or mints a UUID.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// instrument wraps one route with a span, the request counter and an
// access log line. route is the mux pattern and keeps label cardinality
// bounded.
func (h *Handler) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	method, path, _ := strings.Cut(route, " ")
	if path == "" {
		method, path = "", route
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", path),
			attribute.String("http.request_id", RequestID(r.Context())),
		))
		defer span.End()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", sw.status))
		if sw.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
		if h.metrics != nil {
			if method == "" {
				method = r.Method
			}
			h.metrics.HTTPRequests.WithLabelValues(path, method, strconv.Itoa(sw.status)).Inc()
		}
		h.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("route", path),
			logx.Int("status", sw.status),
			logx.String("request_id", RequestID(r.Context())),
		)
	}
}

// requireToken enforces the bearer token on mutating routes when one is
// configured.
func (h *Handler) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		want := h.token.Load()
		if want == nil || *want == "" {
			next(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(*want)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="orderbot"`)
			h.writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// limitIntake applies the order intake limiter.
func (h *Handler) limitIntake(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if lim := h.limiter.Load(); lim != nil && !lim.Allow() {
			w.Header().Set("Retry-After", "1")
			h.writeError(w, r, http.StatusTooManyRequests, "order intake rate exceeded")
			return
		}
		next(w, r)
	}
}
