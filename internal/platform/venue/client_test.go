package venue

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

func newTestClient(t *testing.T, h http.Handler, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	if cfg.RatePerSecond == 0 {
		cfg.RatePerSecond = 1000
		cfg.Burst = 1000
	}
	return NewClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSubmitSendsClientKeyAndSigns(t *testing.T) {
	var got apiOrderRequest
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("X-API-KEY"))
		assert.NotEmpty(t, r.Header.Get("X-API-SIGNATURE"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"v-9","client_key":"ord-1","status":"live","size_matched":"0","avg_price":0,"remaining":"100"}`))
	})
	c := newTestClient(t, h, Config{Credentials: Credentials{Key: "key-1", Secret: "c2VjcmV0"}})

	st, err := c.Submit(context.Background(), domain.OrderRequest{
		IdempotencyKey: "ord-1",
		VenueMarketID:  "m1",
		Side:           domain.SideBuyBoth,
		Outcomes:       []string{"YES", "NO"},
		Quantity:       100,
		LimitPrice:     0.95,
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", got.ClientKey)
	assert.Equal(t, "0.95", got.LimitPrice)
	assert.Equal(t, []string{"YES", "NO"}, got.Outcomes)
	assert.Equal(t, domain.OrderAcknowledged, st.State)
	assert.Equal(t, "v-9", st.VenueOrderID)
	assert.Equal(t, 100.0, st.Remaining)
}

func TestQueryByKeyCancelByVenueID(t *testing.T) {
	var calls atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "/orders", r.URL.Path)
			assert.Equal(t, "ord 1", r.URL.Query().Get("client_key"))
			_, _ = w.Write([]byte(`{"id":"v-9","client_key":"ord 1","status":"partial","size_matched":"40","avg_price":0.5,"remaining":"60"}`))
		case http.MethodDelete:
			assert.Equal(t, "/orders/v-9", r.URL.Path)
			_, _ = w.Write([]byte(`{"id":"v-9","client_key":"ord 1","status":"cancelled","size_matched":"40","avg_price":0.5,"remaining":"0"}`))
		}
	})
	c := newTestClient(t, h, Config{})
	ctx := context.Background()

	st, err := c.Query(ctx, "ord 1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPartiallyFilled, st.State)

	st, err = c.Cancel(ctx, st.VenueOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, st.State)
	assert.Equal(t, 40.0, st.FilledSize)

	_, err = c.Cancel(ctx, "")
	require.ErrorIs(t, err, domain.ErrVenueRejection)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOrderWithoutVenueIDIsDataIntegrity(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"client_key":"k","status":"live"}`))
	}), Config{})
	_, err := c.Query(context.Background(), "k")
	require.ErrorIs(t, err, domain.ErrDataIntegrity)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"not found", http.StatusNotFound, domain.ErrNotFound},
		{"rejected", http.StatusUnprocessableEntity, domain.ErrVenueRejection},
		{"unauthorized", http.StatusUnauthorized, domain.ErrConfiguration},
		{"rate limited", http.StatusTooManyRequests, domain.ErrTransientNetwork},
		{"server error", http.StatusBadGateway, domain.ErrTransientNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tc.status)
			}), Config{})
			_, err := c.Query(context.Background(), "ord-1")
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestUnknownStatusIsDataIntegrity(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"v","client_key":"k","status":"teleported"}`))
	}), Config{})
	_, err := c.Query(context.Background(), "k")
	require.ErrorIs(t, err, domain.ErrDataIntegrity)
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}), Config{BreakerFailures: 2, BreakerCooldown: time.Minute})

	for i := 0; i < 4; i++ {
		_, err := c.Query(context.Background(), "k")
		require.ErrorIs(t, err, domain.ErrTransientNetwork)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestRejectionsDoNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "insufficient balance", http.StatusBadRequest)
	}), Config{BreakerFailures: 2})

	for i := 0; i < 4; i++ {
		_, err := c.Cancel(context.Background(), "k")
		require.ErrorIs(t, err, domain.ErrVenueRejection)
	}
	assert.Equal(t, int32(4), calls.Load())
}

func TestMarketsSkipsInactive(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("active"))
		_, _ = w.Write([]byte(`{"markets":[
			{"id":"btc-100k","question":"BTC above 100k?","outcomes":["YES","NO"],"instrument":"BTCUSDT","direction":"up","resolves_at":"2026-12-31T00:00:00Z","active":true},
			{"id":"old","outcomes":["YES","NO"],"active":false}
		]}`))
	}), Config{})

	markets, err := c.Markets(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, "BTCUSDT", markets[0].Instrument)
	assert.Equal(t, domain.ImpulseDirection("up"), markets[0].Direction)
	assert.Equal(t, 2026, markets[0].ResolvesAt.Year())
}

func TestBookSnapshot(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets/m1/book", r.URL.Path)
		_, _ = w.Write([]byte(`{"market":"m1","seq":42,"timestamp":1767225600000,"outcomes":{
			"YES":{"bids":[["0.44","100"]],"asks":[["0.46","50"]]},
			"NO":{"bids":[],"asks":[[0.55,80]]}
		}}`))
	}), Config{})

	u, err := c.BookSnapshot(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.BookUpdateSnapshot, u.Kind)
	assert.Equal(t, uint64(42), u.Sequence)
	require.Len(t, u.Levels, 3)
	assert.Equal(t, domain.LevelChange{Outcome: "NO", Side: domain.BookSideAsk, Price: 0.55, Size: 80}, u.Levels[0])
	assert.Equal(t, domain.LevelChange{Outcome: "YES", Side: domain.BookSideBid, Price: 0.44, Size: 100}, u.Levels[1])
}

func TestCredentialsHeadersDeterministic(t *testing.T) {
	c := Credentials{Key: "k", Secret: "c2VjcmV0", Passphrase: "p"}
	at := time.Unix(1_700_000_000, 0)
	a := c.Headers(http.MethodGet, "/orders/x", "", at)
	b := c.Headers(http.MethodGet, "/orders/x", "", at)
	assert.Equal(t, a, b)
	assert.Equal(t, "1700000000", a["X-API-TIMESTAMP"])
	assert.NotEqual(t, a["X-API-SIGNATURE"], c.Headers(http.MethodDelete, "/orders/x", "", at)["X-API-SIGNATURE"])
	assert.Equal(t, "Credentials{key=****, secret=c2Vj****}", c.String())
}
