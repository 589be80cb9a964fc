package market

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

var base = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	a := New(Config{
		Impulse: ImpulseConfig{Window: time.Minute, Threshold: 0.02, Decay: 15 * time.Minute},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.SetClock(func() time.Time { return base })
	a.Register(domain.MarketMeta{
		VenueMarketID: "btc-100k",
		Question:      "BTC above 100k?",
		Outcomes:      []string{domain.OutcomeYes, domain.OutcomeNo},
		Instrument:    "BTCUSDT",
		Direction:     domain.ImpulseUp,
	})
	return a
}

func snapshotUpdate(seq uint64) domain.BookUpdate {
	return domain.BookUpdate{
		VenueMarketID: "btc-100k",
		Kind:          domain.BookUpdateSnapshot,
		Sequence:      seq,
		Timestamp:     base,
		Levels: []domain.LevelChange{
			{Outcome: "YES", Side: domain.BookSideBid, Price: 0.38, Size: 500},
			{Outcome: "YES", Side: domain.BookSideAsk, Price: 0.40, Size: 500},
			{Outcome: "NO", Side: domain.BookSideBid, Price: 0.53, Size: 500},
			{Outcome: "NO", Side: domain.BookSideAsk, Price: 0.55, Size: 500},
		},
	}
}

func diff(seq uint64, levels ...domain.LevelChange) domain.BookUpdate {
	return domain.BookUpdate{
		VenueMarketID: "btc-100k",
		Kind:          domain.BookUpdateDiff,
		Sequence:      seq,
		Timestamp:     base,
		Levels:        levels,
	}
}

func TestIngestBookPublishesSnapshot(t *testing.T) {
	a := newTestAggregator(t)
	_, ok := a.Snapshot("btc-100k")
	assert.False(t, ok, "no snapshot before the first book")

	require.NoError(t, a.IngestBook(snapshotUpdate(1)))
	snap, ok := a.Snapshot("btc-100k")
	require.True(t, ok)
	assert.Equal(t, "BTC above 100k?", snap.Question)
	assert.Equal(t, base, snap.AsOf)
	sum, ok := snap.CombinedAsk("YES", "NO")
	require.True(t, ok)
	assert.InDelta(t, 0.95, sum, 1e-9)
}

func TestSnapshotIsACopy(t *testing.T) {
	a := newTestAggregator(t)
	require.NoError(t, a.IngestBook(snapshotUpdate(1)))

	snap, _ := a.Snapshot("btc-100k")
	snap.Outcomes[0].AskPrice = 0.01

	again, _ := a.Snapshot("btc-100k")
	assert.InDelta(t, 0.40, again.Outcomes[0].AskPrice, 1e-9)
}

func TestSequenceGapRequestsResyncOnce(t *testing.T) {
	a := newTestAggregator(t)
	require.NoError(t, a.IngestBook(snapshotUpdate(5)))
	before, _ := a.Snapshot("btc-100k")

	err := a.IngestBook(diff(7, domain.LevelChange{Outcome: "YES", Side: domain.BookSideAsk, Price: 0.41, Size: 10}))
	require.ErrorIs(t, err, domain.ErrDataIntegrity)

	after, _ := a.Snapshot("btc-100k")
	assert.Equal(t, before, after, "rejected diff must not mutate the book")
	assert.True(t, a.AwaitingResync("btc-100k"))

	select {
	case req := <-a.Resyncs():
		assert.Equal(t, "btc-100k", req.VenueMarketID)
		assert.Equal(t, uint64(5), req.LastSequence)
		assert.Equal(t, uint64(7), req.GotSequence)
	default:
		t.Fatal("expected a resync request")
	}

	// Further diffs while suspended are refused without a second request.
	err = a.IngestBook(diff(8))
	require.ErrorIs(t, err, domain.ErrDataIntegrity)
	select {
	case req := <-a.Resyncs():
		t.Fatalf("unexpected duplicate resync %+v", req)
	default:
	}
	assert.Empty(t, a.Snapshots(), "suspended markets are not offered to strategies")

	// A fresh snapshot restores the market.
	require.NoError(t, a.IngestBook(snapshotUpdate(20)))
	assert.False(t, a.AwaitingResync("btc-100k"))
	require.NoError(t, a.IngestBook(diff(21, domain.LevelChange{Outcome: "YES", Side: domain.BookSideAsk, Price: 0.39, Size: 10})))
	snap, _ := a.Snapshot("btc-100k")
	assert.Equal(t, uint64(21), snap.Sequence)
	assert.Len(t, a.Snapshots(), 1)
}

func TestDuplicateDiffIgnored(t *testing.T) {
	a := newTestAggregator(t)
	require.NoError(t, a.IngestBook(snapshotUpdate(5)))
	require.NoError(t, a.IngestBook(diff(6, domain.LevelChange{Outcome: "YES", Side: domain.BookSideAsk, Price: 0.41, Size: 10})))
	require.NoError(t, a.IngestBook(diff(6, domain.LevelChange{Outcome: "YES", Side: domain.BookSideAsk, Price: 0.45, Size: 10})))

	yes, _ := mustSnapshot(t, a).Outcome("YES")
	assert.InDelta(t, 0.40, yes.AskPrice, 1e-9)
	assert.False(t, a.AwaitingResync("btc-100k"))
}

func TestCrossingDiffRejected(t *testing.T) {
	a := newTestAggregator(t)
	require.NoError(t, a.IngestBook(snapshotUpdate(1)))
	err := a.IngestBook(diff(2, domain.LevelChange{Outcome: "NO", Side: domain.BookSideBid, Price: 0.60, Size: 10}))
	require.ErrorIs(t, err, domain.ErrDataIntegrity)
	assert.True(t, mustSnapshot(t, a).Consistent())
}

func TestUnknownMarket(t *testing.T) {
	a := newTestAggregator(t)
	u := snapshotUpdate(1)
	u.VenueMarketID = "nope"
	assert.ErrorIs(t, a.IngestBook(u), domain.ErrNotFound)
}

func TestImpulseAttachedToLinkedMarket(t *testing.T) {
	a := newTestAggregator(t)
	require.NoError(t, a.IngestBook(snapshotUpdate(1)))

	_, err := a.IngestTick(domain.PriceTick{Source: "binance", Instrument: "BTCUSDT", Price: 100000, Timestamp: base.Add(-2 * time.Minute)})
	require.NoError(t, err)
	imp, err := a.IngestTick(domain.PriceTick{Source: "binance", Instrument: "BTCUSDT", Price: 102500, Timestamp: base.Add(-10 * time.Second)})
	require.NoError(t, err)
	require.NotNil(t, imp)
	assert.Equal(t, domain.ImpulseUp, imp.Direction)
	assert.InDelta(t, 0.025, imp.ChangePct, 1e-9)

	snap := mustSnapshot(t, a)
	require.NotNil(t, snap.Impulse)
	assert.Equal(t, imp.ID, snap.Impulse.ID)
}

func TestConcurrentReadersDuringIngest(t *testing.T) {
	a := newTestAggregator(t)
	require.NoError(t, a.IngestBook(snapshotUpdate(1)))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for seq := uint64(2); seq < 500; seq++ {
			price := 0.30 + float64(seq%5)*0.01
			_ = a.IngestBook(diff(seq, domain.LevelChange{Outcome: "YES", Side: domain.BookSideBid, Price: price, Size: 5}))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			for _, s := range a.Snapshots() {
				if !s.Consistent() {
					t.Error("inconsistent snapshot observed")
					return
				}
			}
		}
	}()
	wg.Wait()
}

func mustSnapshot(t *testing.T, a *Aggregator) domain.MarketSnapshot {
	t.Helper()
	snap, ok := a.Snapshot("btc-100k")
	require.True(t, ok)
	return snap
}
