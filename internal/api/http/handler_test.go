package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"orderbot/internal/dispatch"
	"orderbot/internal/eventbus"
	"orderbot/internal/metrics"
	rtsup "orderbot/internal/runtime/supervisor"
	"orderbot/internal/storage"
	logx "orderbot/pkg/logx"
)

type fixture struct {
	d     *dispatch.Dispatcher
	clock *dispatch.ManualClock
	h     *Handler
	srv   http.Handler
	m     *metrics.Metrics
}

func newFixture(t *testing.T, cfg Config, history History) *fixture {
	t.Helper()
	clock := dispatch.NewManualClock(time.Time{})
	d := dispatch.New(dispatch.Config{ProcessTime: 10 * time.Second}, logx.Nop(), eventbus.New(), dispatch.WithClock(clock))
	d.Start(context.Background())
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	m := metrics.New(prometheus.NewRegistry())
	h := New(cfg, Deps{
		Dispatcher: d,
		History:    history,
		Health:     func() rtsup.Snapshot { return d.Supervisor().Snapshot() },
		Metrics:    m,
	})
	return &fixture{d: d, clock: clock, h: h, srv: h.Handler(), m: m}
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestCreateOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)

	tests := []struct {
		body  string
		code  int
		class dispatch.Class
	}{
		{`{"class":"NORMAL"}`, http.StatusCreated, dispatch.ClassNormal},
		{`{"class":"vip"}`, http.StatusCreated, dispatch.ClassVIP},
		{`{"class":"gold"}`, http.StatusBadRequest, ""},
		{`{}`, http.StatusBadRequest, ""},
		{`{"class":"VIP","x":1}`, http.StatusBadRequest, ""},
		{`not json`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		rec := f.do(t, http.MethodPost, "/orders", tt.body)
		if rec.Code != tt.code {
			t.Fatalf("POST /orders %s = %d, want %d (%s)", tt.body, rec.Code, tt.code, rec.Body.String())
		}
		if tt.code != http.StatusCreated {
			if e := decode[ErrorResponse](t, rec); e.Error == "" || e.RequestID == "" {
				t.Fatalf("error body = %+v", e)
			}
			continue
		}
		o := decode[dispatch.Order](t, rec)
		if o.Class != tt.class || o.Source != Actor || o.ID == 0 {
			t.Fatalf("order = %+v, want class %s from %s", o, tt.class, Actor)
		}
	}

	rec := f.do(t, http.MethodGet, "/orders", "")
	got := decode[OrdersResponse](t, rec)
	if len(got.Pending) != 2 || got.Pending[0].Class != dispatch.ClassVIP || got.Completed == nil {
		t.Fatalf("GET /orders = %+v, want VIP first of 2 pending", got)
	}
	if n := testutil.ToFloat64(f.m.HTTPRequests.WithLabelValues("/orders", "POST", "201")); n != 2 {
		t.Fatalf("http_requests_total{POST /orders 201} = %v, want 2", n)
	}
}

func TestBotsLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	f.do(t, http.MethodPost, "/orders", `{"class":"NORMAL"}`)

	rec := f.do(t, http.MethodPost, "/bots", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /bots = %d", rec.Code)
	}
	if b := decode[dispatch.Bot](t, rec); b.ID != 1 || b.State != dispatch.BotBusy || b.OrderID != 1 {
		t.Fatalf("bot = %+v, want bot 1 busy with order 1", b)
	}

	bots := decode[BotsResponse](t, f.do(t, http.MethodGet, "/bots", ""))
	if len(bots.Bots) != 1 || bots.Idle != 0 {
		t.Fatalf("GET /bots = %+v", bots)
	}

	rm := decode[RemoveBotResponse](t, f.do(t, http.MethodDelete, "/bots", ""))
	if !rm.Removed || rm.ID != 1 {
		t.Fatalf("DELETE /bots = %+v", rm)
	}
	rm = decode[RemoveBotResponse](t, f.do(t, http.MethodDelete, "/bots", ""))
	if rm.Removed {
		t.Fatalf("DELETE /bots on empty pool = %+v", rm)
	}

	st := decode[dispatch.Snapshot](t, f.do(t, http.MethodGet, "/state", ""))
	if !st.Running || len(st.Pending) != 1 || st.Pending[0].InFlight() || st.Stats.Preempted != 1 {
		t.Fatalf("GET /state = %+v", st)
	}
}

func TestCompletionVisible(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	f.do(t, http.MethodPost, "/bots", "")
	f.do(t, http.MethodPost, "/orders", `{"class":"VIP"}`)
	f.clock.Advance(10 * time.Second)

	got := decode[OrdersResponse](t, f.do(t, http.MethodGet, "/orders", ""))
	if len(got.Pending) != 0 || len(got.Completed) != 1 || got.Completed[0].Turnaround() != 10*time.Second {
		t.Fatalf("GET /orders = %+v", got)
	}
}

func TestTokenGuardsMutations(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Token: "s3cret"}, nil)

	if rec := f.do(t, http.MethodPost, "/bots", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("POST /bots without token = %d, want 401", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/bots", "", "Authorization", "Bearer nope"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("POST /bots with wrong token = %d, want 401", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/bots", "", "Authorization", "Bearer s3cret"); rec.Code != http.StatusCreated {
		t.Fatalf("POST /bots with token = %d, want 201", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/bots", ""); rec.Code != http.StatusOK {
		t.Fatalf("GET /bots = %d, want 200 without token", rec.Code)
	}

	f.h.Apply(Config{})
	if rec := f.do(t, http.MethodDelete, "/bots", ""); rec.Code != http.StatusOK {
		t.Fatalf("DELETE /bots after clearing token = %d, want 200", rec.Code)
	}
}

func TestIntakeLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{IntakeRatePerSec: 0.001, IntakeBurst: 2}, nil)
	for i := 0; i < 2; i++ {
		if rec := f.do(t, http.MethodPost, "/orders", `{"class":"NORMAL"}`); rec.Code != http.StatusCreated {
			t.Fatalf("order %d = %d, want 201", i, rec.Code)
		}
	}
	rec := f.do(t, http.MethodPost, "/orders", `{"class":"NORMAL"}`)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("third order = %d, want 429 with Retry-After", rec.Code)
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()
	if rec := newFixture(t, Config{}, nil).do(t, http.MethodGet, "/orders/history", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("history without storage = %d, want 404", rec.Code)
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "h.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open error: %v", err)
	}
	defer st.Close()
	for i := int64(1); i <= 3; i++ {
		_ = st.AppendOrder(context.Background(), storage.OrderRecord{OrderID: i, Class: "NORMAL"})
	}
	f := newFixture(t, Config{}, st)

	got := decode[HistoryResponse](t, f.do(t, http.MethodGet, "/orders/history?limit=2", ""))
	if len(got.Orders) != 2 || got.Orders[0].OrderID != 3 {
		t.Fatalf("history = %+v, want newest 2", got)
	}
	for _, q := range []string{"limit=abc", "limit=-1", "limit=5000"} {
		if rec := f.do(t, http.MethodGet, "/orders/history?"+q, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("history?%s = %d, want 400", q, rec.Code)
		}
	}
}

func TestStoppedDispatcher(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	if rec := f.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", rec.Code)
	}
	if err := f.d.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if rec := f.do(t, http.MethodPost, "/orders", `{"class":"VIP"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("POST /orders while stopped = %d, want 503", rec.Code)
	}
	rec := f.do(t, http.MethodGet, "/healthz", "")
	if h := decode[HealthResponse](t, rec); rec.Code != http.StatusServiceUnavailable || h.Status != "stopped" {
		t.Fatalf("healthz while stopped = %d %+v", rec.Code, h)
	}
}

func TestRequestIDPropagates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	rec := f.do(t, http.MethodGet, "/state", "", HeaderRequestID, "abc-123")
	if got := rec.Header().Get(HeaderRequestID); got != "abc-123" {
		t.Fatalf("X-Request-ID = %q, want abc-123", got)
	}
	if got := f.do(t, http.MethodGet, "/state", "").Header().Get(HeaderRequestID); len(got) != 36 {
		t.Fatalf("generated X-Request-ID = %q, want a UUID", got)
	}
}
