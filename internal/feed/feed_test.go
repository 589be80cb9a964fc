package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wsServer upgrades every connection and hands it to serve.
func wsServer(t *testing.T, serve func(*websocket.Conn)) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type tickRecorder struct {
	mu      sync.Mutex
	ticks   []domain.PriceTick
	impulse *domain.Impulse
}

func (r *tickRecorder) IngestTick(tick domain.PriceTick) (*domain.Impulse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, tick)
	return r.impulse, nil
}

func (r *tickRecorder) SetTick(_ context.Context, tick domain.PriceTick) error {
	return nil
}

func (r *tickRecorder) got() []domain.PriceTick {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.PriceTick(nil), r.ticks...)
}

func TestBackoffDoublesAndResets(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 5 * time.Second}
	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())
	assert.Equal(t, 5*time.Second, b.Next())
	assert.Equal(t, 5*time.Second, b.Next())
	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestTickFeedStreamURL(t *testing.T) {
	f := NewTickFeed(TickFeedConfig{URL: "wss://x/stream", Instruments: []string{"BTCUSDT", "ETHUSDT"}, BookTicker: true}, nil, nil, nil, discardLogger())
	assert.Equal(t, "wss://x/stream?streams=btcusdt@bookTicker/ethusdt@bookTicker", f.StreamURL())
}

func TestTickFeedParse(t *testing.T) {
	f := NewTickFeed(TickFeedConfig{Source: "binance"}, nil, nil, nil, discardLogger())
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }

	tick, ok, err := f.parse([]byte(`{"stream":"btcusdt@trade","data":{"s":"BTCUSDT","p":"65000.50","T":1767225600000}}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 65000.5, tick.Price)
	assert.Equal(t, "binance", tick.Source)
	assert.True(t, tick.Timestamp.Equal(time.UnixMilli(1767225600000)))

	tick, ok, err = f.parse([]byte(`{"stream":"ethusdt@bookTicker","data":{"s":"ETHUSDT","b":"3000","a":"3002"}}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3001.0, tick.Price)
	assert.True(t, tick.Timestamp.Equal(now))

	_, ok, err = f.parse([]byte(`{"result":null,"id":1}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = f.parse([]byte(`{"stream":"btcusdt@trade","data":{"s":"BTCUSDT","p":"abc"}}`))
	require.Error(t, err)
}

func TestTickFeedStreamsIntoSinkAndRaisesImpulses(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"btcusdt@trade","data":{"s":"BTCUSDT","p":"100","T":1767225600000}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"btcusdt@trade","data":{"s":"BTCUSDT","p":"101","T":1767225601000}}`))
		_, _, _ = conn.ReadMessage()
	})

	rec := &tickRecorder{impulse: &domain.Impulse{Instrument: "BTCUSDT", Direction: domain.ImpulseUp}}
	var (
		mu       sync.Mutex
		impulses []domain.Impulse
	)
	f := NewTickFeed(TickFeedConfig{URL: url, Source: "binance", Instruments: []string{"BTCUSDT"}},
		rec, rec, func(_ context.Context, imp domain.Impulse) {
			mu.Lock()
			impulses = append(impulses, imp)
			mu.Unlock()
		}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool { return len(rec.got()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 101.0, rec.got()[1].Price)
	assert.Equal(t, int64(2), f.Ticks())
	mu.Lock()
	assert.Len(t, impulses, 2)
	mu.Unlock()
}

type bookRecorder struct {
	mu      sync.Mutex
	updates []domain.BookUpdate
	resyncs chan domain.ResyncRequest
}

func newBookRecorder() *bookRecorder {
	return &bookRecorder{resyncs: make(chan domain.ResyncRequest, 4)}
}

func (r *bookRecorder) IngestBook(u domain.BookUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	if u.VenueMarketID == "unknown" {
		return domain.ErrNotFound
	}
	return nil
}

func (r *bookRecorder) Resyncs() <-chan domain.ResyncRequest { return r.resyncs }

func (r *bookRecorder) got() []domain.BookUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.BookUpdate(nil), r.updates...)
}

func (r *bookRecorder) count(kind domain.BookUpdateKind) int {
	n := 0
	for _, u := range r.got() {
		if u.Kind == kind {
			n++
		}
	}
	return n
}

type flakyFetcher struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyFetcher) BookSnapshot(_ context.Context, marketID string) (domain.BookUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return domain.BookUpdate{}, errors.New("venue unavailable")
	}
	return domain.BookUpdate{VenueMarketID: marketID, Kind: domain.BookUpdateSnapshot, Sequence: 10}, nil
}

func TestBookFeedSubscribesSnapshotsAndStreams(t *testing.T) {
	subscribed := make(chan subscribeMsg, 1)
	url := wsServer(t, func(conn *websocket.Conn) {
		var sub subscribeMsg
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"diff","market":"m1","seq":11,"ts":1767225600000,"levels":[{"outcome":"YES","side":"ask","price":0.45,"size":10}]}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`))
		_, _, _ = conn.ReadMessage()
	})

	sink := newBookRecorder()
	f := NewBookFeed(BookFeedConfig{URL: url, Markets: []string{"m1", "m2"}}, sink, &flakyFetcher{}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	sub := <-subscribed
	assert.Equal(t, []string{"m1", "m2"}, sub.Markets)
	require.Eventually(t, func() bool {
		return sink.count(domain.BookUpdateSnapshot) == 2 && sink.count(domain.BookUpdateDiff) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	updates, _, resynced, _ := f.Stats()
	assert.Equal(t, int64(1), updates)
	assert.Equal(t, int64(2), resynced)
}

func TestBookFeedRetriesFailedResync(t *testing.T) {
	sink := newBookRecorder()
	fetcher := &flakyFetcher{failures: 3}
	f := NewBookFeed(BookFeedConfig{RetryDelay: 20 * time.Millisecond}, sink, fetcher, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	sink.resyncs <- domain.ResyncRequest{VenueMarketID: "m1", LastSequence: 5, GotSequence: 7}
	require.Eventually(t, func() bool { return sink.count(domain.BookUpdateSnapshot) == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	fetcher.mu.Lock()
	assert.Equal(t, 4, fetcher.calls)
	fetcher.mu.Unlock()
}
