package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyarb/internal/compounding"
	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/orchestrator"
	"github.com/alanyoungcy/polyarb/internal/server/handler"
)

var t0 = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

type fakeEngine struct {
	orders  []domain.Order
	records map[string][]domain.OrderStateRecord
	audit   []domain.AuditEntry
}

func (f *fakeEngine) Ledger() domain.CapitalLedger {
	return domain.CapitalLedger{
		InitialCapital: decimal.NewFromInt(1000),
		TotalCapital:   decimal.NewFromInt(1100),
		Allocated:      map[string]decimal.Decimal{"yes_no_arb": decimal.NewFromInt(200)},
	}
}

func (f *fakeEngine) Orders() []domain.Order { return f.orders }

func (f *fakeEngine) InFlight() int {
	n := 0
	for _, o := range f.orders {
		if !o.State.IsTerminal() {
			n++
		}
	}
	return n
}

func (f *fakeEngine) Stalled() []string { return []string{"o-stuck"} }

func (f *fakeEngine) LastCycle() (orchestrator.CycleReport, int64) {
	return orchestrator.CycleReport{Started: t0, Intents: 3, Submitted: 1}, 42
}

func (f *fakeEngine) Allocations() []compounding.Allocation {
	return []compounding.Allocation{{StrategyID: "yes_no_arb", Fraction: 0.25}}
}

func (f *fakeEngine) Stats() map[string]domain.StrategyStats {
	return map[string]domain.StrategyStats{"yes_no_arb": {StrategyID: "yes_no_arb", Trades: 4, Wins: 3}}
}

func (f *fakeEngine) Performance() compounding.Performance { return compounding.Performance{} }

func (f *fakeEngine) ReadOrder(_ context.Context, id string) ([]domain.OrderStateRecord, error) {
	if id == "broken" {
		return nil, errors.New("disk on fire")
	}
	return f.records[id], nil
}

func (f *fakeEngine) Settle(_ context.Context, id string, proceeds float64) (domain.Order, error) {
	for i, o := range f.orders {
		if o.ID != id {
			continue
		}
		if !o.State.IsTerminal() {
			return o, fmt.Errorf("settle %s: %w", id, domain.ErrInvalidTransition)
		}
		o.Settled = true
		o.RealizedPnL = proceeds - o.FilledSize*o.AvgFillPrice
		f.orders[i] = o
		return o, nil
	}
	return domain.Order{}, fmt.Errorf("settle %s: %w", id, domain.ErrNotFound)
}

func (f *fakeEngine) Log(context.Context, string, map[string]any) error { return nil }

func (f *fakeEngine) List(_ context.Context, since time.Time, limit int) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for _, e := range f.audit {
		if !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newTestServer(t *testing.T, cfg Config, checks map[string]handler.HealthCheck) (*fakeEngine, http.Handler) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	order := domain.Order{ID: "o1", StrategyID: "yes_no_arb", State: domain.OrderCreated, CreatedAt: t0}
	acked := order
	acked.State = domain.OrderSubmitting
	eng := &fakeEngine{
		orders: []domain.Order{
			order,
			{ID: "o2", StrategyID: "spread", State: domain.OrderFilled, FilledSize: 100, AvgFillPrice: 0.6, CreatedAt: t0.Add(time.Second)},
		},
		records: map[string][]domain.OrderStateRecord{
			"o1": {
				{Seq: 1, Kind: domain.RecordTransition, OrderID: "o1", Order: order, RecordedAt: t0},
				{Seq: 2, Kind: domain.RecordTransition, OrderID: "o1", Order: acked, RecordedAt: t0.Add(time.Second)},
			},
		},
		audit: []domain.AuditEntry{
			{ID: 2, Event: domain.AuditDayRolled, CreatedAt: time.Now().UTC()},
			{ID: 1, Event: domain.AuditEngineStarted, CreatedAt: time.Now().UTC().Add(-48 * time.Hour)},
		},
	}

	srv := NewServer(cfg, Handlers{
		Health: handler.NewHealthHandler(checks, logger),
		Status: handler.NewStatusHandler(handler.StatusDeps{
			Mode:        "dry_run",
			Capital:     eng,
			Orders:      eng,
			Cycles:      eng,
			Compounding: eng,
			Feeds:       func(context.Context) map[string]any { return map[string]any{"book": map[string]any{"connected": true}} },
		}),
		Orders:  handler.NewOrderHandler(eng, eng, eng, logger),
		Audit:   handler.NewAuditHandler(eng, logger),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { io.WriteString(w, "polyarb_up 1\n") }),
	}, nil, logger)
	return eng, srv.Handler()
}

func get(t *testing.T, h http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthReportsFailingCheck(t *testing.T) {
	_, h := newTestServer(t, Config{}, map[string]handler.HealthCheck{
		"ledger": func(context.Context) error { return nil },
		"redis":  func(context.Context) error { return errors.New("connection refused") },
	})

	rec := get(t, h, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["ledger"])
	assert.Equal(t, "connection refused", checks["redis"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAuthProtectsAPIButNotHealth(t *testing.T) {
	_, h := newTestServer(t, Config{APIKey: "secret"}, nil)

	assert.Equal(t, http.StatusOK, get(t, h, "/api/health", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/status", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/status", map[string]string{"X-API-Key": "wrong"}).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/status", map[string]string{"Authorization": "Bearer secret"}).Code)
}

func TestStatus(t *testing.T) {
	_, h := newTestServer(t, Config{}, nil)

	rec := get(t, h, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "dry_run", body["mode"])
	assert.EqualValues(t, 42, body["cycles"])
	assert.EqualValues(t, 1, body["orders_in_flight"])
	assert.Equal(t, []any{"o-stuck"}, body["orders_stalled"])
	capital := body["capital"].(map[string]any)
	assert.Equal(t, "200", capital["allocated"])
	assert.Equal(t, "900", capital["free"])
	assert.Contains(t, body, "feeds")
	assert.Len(t, body["allocations"], 1)
}

func TestListOrders(t *testing.T) {
	_, h := newTestServer(t, Config{}, nil)

	body := decode(t, get(t, h, "/api/orders", nil))
	orders := body["orders"].([]any)
	require.Len(t, orders, 2)
	assert.Equal(t, "o2", orders[0].(map[string]any)["id"], "newest first")

	body = decode(t, get(t, h, "/api/orders?state=open", nil))
	assert.EqualValues(t, 1, body["count"])
}

func TestGetOrderReplaysJournal(t *testing.T) {
	_, h := newTestServer(t, Config{}, nil)

	rec := get(t, h, "/api/orders/o1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, string(domain.OrderSubmitting), body["order"].(map[string]any)["state"])
	assert.Len(t, body["records"], 2)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/orders/nope", nil).Code)
	assert.Equal(t, http.StatusInternalServerError, get(t, h, "/api/orders/broken", nil).Code)
}

func TestAudit(t *testing.T) {
	_, h := newTestServer(t, Config{}, nil)

	body := decode(t, get(t, h, "/api/audit", nil))
	assert.Len(t, body["entries"], 1)

	since := time.Now().UTC().Add(-72 * time.Hour).Format(time.RFC3339)
	body = decode(t, get(t, h, "/api/audit?since="+since, nil))
	assert.Len(t, body["entries"], 2)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/audit?since=yesterday", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	_, h := newTestServer(t, Config{CORSOrigins: []string{"https://dash.example"}}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	req.Header.Set("Origin", "https://dash.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = get(t, h, "/api/status", map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimitPerClient(t *testing.T) {
	_, h := newTestServer(t, Config{RateLimit: 0.001, RateBurst: 2, TrustProxy: true}, nil)

	a := map[string]string{"X-Forwarded-For": "10.0.0.1"}
	b := map[string]string{"X-Forwarded-For": "10.0.0.2, 172.16.0.1"}
	assert.Equal(t, http.StatusOK, get(t, h, "/api/status", a).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/status", a).Code)
	limited := get(t, h, "/api/status", a)
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1000", limited.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, get(t, h, "/api/status", b).Code)
}

func TestRateLimitIgnoresForwardedForByDefault(t *testing.T) {
	_, h := newTestServer(t, Config{RateLimit: 1, RateBurst: 1}, nil)

	// httptest requests share one RemoteAddr; spoofed headers do not help.
	assert.Equal(t, http.StatusOK, get(t, h, "/api/status", map[string]string{"X-Forwarded-For": "10.0.0.1"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(t, h, "/api/status", map[string]string{"X-Forwarded-For": "10.0.0.2"}).Code)
}

func TestSettleOrder(t *testing.T) {
	eng, h := newTestServer(t, Config{APIKey: "secret"}, nil)

	post := func(path, body, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, post("/api/orders/o2/settle", `{"proceeds": 100}`, "").Code)
	assert.Equal(t, http.StatusBadRequest, post("/api/orders/o2/settle", `{}`, "secret").Code)
	assert.Equal(t, http.StatusBadRequest, post("/api/orders/o2/settle", `{"proceeds": -1}`, "secret").Code)
	assert.Equal(t, http.StatusNotFound, post("/api/orders/nope/settle", `{"proceeds": 1}`, "secret").Code)
	assert.Equal(t, http.StatusConflict, post("/api/orders/o1/settle", `{"proceeds": 1}`, "secret").Code)

	rec := post("/api/orders/o2/settle", `{"proceeds": 100}`, "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, eng.orders[1].Settled)
	assert.InDelta(t, 40, eng.orders[1].RealizedPnL, 1e-9)
}

func TestSettleNeedsWriteKey(t *testing.T) {
	_, h := newTestServer(t, Config{APIKey: "dashboard", SettleKey: "operator"}, nil)

	settle := func(key string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/orders/o2/settle", strings.NewReader(`{"proceeds": 100}`))
		req.Header.Set("Authorization", "Bearer "+key)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusForbidden, settle("dashboard"))
	assert.Equal(t, http.StatusUnauthorized, settle("guess"))
	assert.Equal(t, http.StatusOK, settle("operator"))

	// Both keys read.
	assert.Equal(t, http.StatusOK, get(t, h, "/api/status", map[string]string{"X-API-Key": "dashboard"}).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/status", map[string]string{"X-API-Key": "operator"}).Code)

	// Only the websocket path takes the key from the query string.
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/status?token=dashboard", nil).Code)
}
