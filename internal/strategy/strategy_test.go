package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

var now = time.Date(2026, 7, 1, 15, 0, 0, 0, time.UTC)

func binary(yesBid, yesAsk, noBid, noAsk float64) domain.MarketSnapshot {
	return domain.MarketSnapshot{
		VenueMarketID: "m1",
		AsOf:          now,
		Outcomes: []domain.OutcomeQuote{
			{Label: domain.OutcomeYes, BidPrice: yesBid, AskPrice: yesAsk, BidDepth: 1000, AskDepth: 1000},
			{Label: domain.OutcomeNo, BidPrice: noBid, AskPrice: noAsk, BidDepth: 1000, AskDepth: 1000},
		},
	}
}

func TestYesNoBuyBoth(t *testing.T) {
	cfg := DefaultYesNoConfig()
	s := NewYesNoArb(cfg)

	intents := s.Evaluate(binary(0.38, 0.40, 0.53, 0.55), 20_000)
	require.Len(t, intents, 1)
	in := intents[0]
	assert.Equal(t, domain.SideBuyBoth, in.Side)
	assert.Equal(t, []string{"YES", "NO"}, in.Basket)
	assert.InDelta(t, 0.05, in.ExpectedEdge, 1e-9)
	assert.InDelta(t, 10_000, in.Size, 1e-9)
	assert.InDelta(t, 0.95, in.LimitPrice, 1e-9)
	assert.Equal(t, IDYesNo, in.StrategyID)
	assert.Equal(t, now, in.CreatedAt)
	assert.NoError(t, in.Validate())
}

func TestYesNoSizeCappedByCapital(t *testing.T) {
	s := NewYesNoArb(DefaultYesNoConfig())
	intents := s.Evaluate(binary(0.38, 0.40, 0.53, 0.55), 3_000)
	require.Len(t, intents, 1)
	assert.InDelta(t, 3_000, intents[0].Size, 1e-9)

	assert.Empty(t, NewYesNoArb(DefaultYesNoConfig()).Evaluate(binary(0.38, 0.40, 0.53, 0.55), 0))
}

func TestYesNoSellBoth(t *testing.T) {
	s := NewYesNoArb(DefaultYesNoConfig())
	intents := s.Evaluate(binary(0.52, 0.54, 0.50, 0.52), 20_000)
	require.Len(t, intents, 1)
	assert.Equal(t, domain.SideSellBoth, intents[0].Side)
	assert.InDelta(t, 0.02, intents[0].ExpectedEdge, 1e-9)
}

func TestYesNoNoOpportunity(t *testing.T) {
	s := NewYesNoArb(DefaultYesNoConfig())
	assert.Empty(t, s.Evaluate(binary(0.49, 0.50, 0.49, 0.50), 20_000))
	// 0.996 leaves a 0.004 edge, below the 0.005 minimum.
	assert.Empty(t, s.Evaluate(binary(0.45, 0.498, 0.45, 0.498), 20_000))
}

func TestYesNoCooldown(t *testing.T) {
	s := NewYesNoArb(DefaultYesNoConfig())
	snap := binary(0.38, 0.40, 0.53, 0.55)
	require.Len(t, s.Evaluate(snap, 20_000), 1)
	assert.Empty(t, s.Evaluate(snap, 20_000))

	snap.AsOf = now.Add(3 * time.Second)
	assert.Len(t, s.Evaluate(snap, 20_000), 1)
}

func latencySnap(asOf time.Time, imp *domain.Impulse, yesBid, yesAsk float64) domain.MarketSnapshot {
	snap := binary(yesBid, yesAsk, 1-yesAsk-0.01, 1-yesBid-0.01)
	snap.AsOf = asOf
	snap.Instrument = "BTCUSDT"
	snap.Direction = domain.ImpulseUp
	snap.Impulse = imp
	return snap
}

func upImpulse(at time.Time) *domain.Impulse {
	return &domain.Impulse{
		ID:         "imp-1",
		Instrument: "BTCUSDT",
		Direction:  domain.ImpulseUp,
		ChangePct:  0.025,
		Confidence: 1,
		DetectedAt: at,
		ExpiresAt:  at.Add(time.Hour),
	}
}

func TestLatencyFiresInsideWindow(t *testing.T) {
	s := NewLatencyArb(DefaultLatencyConfig())
	imp := upImpulse(now)

	intents := s.Evaluate(latencySnap(now.Add(100*time.Second), imp, 0.40, 0.42), 50_000)
	require.Len(t, intents, 1)
	in := intents[0]
	assert.Equal(t, domain.SideBuy, in.Side)
	assert.Equal(t, domain.OutcomeYes, in.Outcome)
	assert.InDelta(t, 35_000, in.Size, 1e-9)
	assert.InDelta(t, 0.42, in.LimitPrice, 1e-9)
	// Expected move 0.025*5, nothing captured yet.
	assert.InDelta(t, 0.125, in.ExpectedEdge, 1e-9)
}

func TestLatencyNeverFiresAfterWindow(t *testing.T) {
	s := NewLatencyArb(DefaultLatencyConfig())
	imp := upImpulse(now)
	// The flag may still be attached; the lag window alone decides.
	assert.Empty(t, s.Evaluate(latencySnap(now.Add(1000*time.Second), imp, 0.40, 0.42), 50_000))
	assert.Empty(t, s.Evaluate(latencySnap(now.Add(900*time.Second), imp, 0.40, 0.42), 50_000))
}

func TestLatencyStopsOnceVenueCaughtUp(t *testing.T) {
	cfg := DefaultLatencyConfig()
	cfg.Cooldown = 0
	s := NewLatencyArb(cfg)
	imp := upImpulse(now)

	require.Len(t, s.Evaluate(latencySnap(now.Add(10*time.Second), imp, 0.40, 0.42), 50_000), 1)
	// Mid moved 0.41 -> 0.48: 0.07 captured of 0.125, beyond half.
	assert.Empty(t, s.Evaluate(latencySnap(now.Add(20*time.Second), imp, 0.47, 0.49), 50_000))
}

func TestLatencyBuysNoAgainstMarketDirection(t *testing.T) {
	s := NewLatencyArb(DefaultLatencyConfig())
	imp := upImpulse(now)
	imp.Direction = domain.ImpulseDown
	intents := s.Evaluate(latencySnap(now.Add(time.Second), imp, 0.40, 0.42), 50_000)
	require.Len(t, intents, 1)
	assert.Equal(t, domain.OutcomeNo, intents[0].Outcome)
}

func TestLatencyRequiresConfidence(t *testing.T) {
	s := NewLatencyArb(DefaultLatencyConfig())
	imp := upImpulse(now)
	imp.Confidence = 0.25
	assert.Empty(t, s.Evaluate(latencySnap(now.Add(time.Second), imp, 0.40, 0.42), 50_000))
	assert.Empty(t, s.Evaluate(latencySnap(now.Add(time.Second), nil, 0.40, 0.42), 50_000))
}

func TestNearResolved(t *testing.T) {
	s := NewNearResolved(DefaultNearResolvedConfig())
	snap := binary(0.96, 0.97, 0.02, 0.04)
	snap.ResolvesAt = now.Add(2 * time.Hour)

	intents := s.Evaluate(snap, 10_000)
	require.Len(t, intents, 1)
	in := intents[0]
	assert.Equal(t, domain.OutcomeYes, in.Outcome)
	assert.InDelta(t, 0.03, in.ExpectedEdge, 1e-9)
	// 20% of capital scaled by (0.97-0.90)/0.10.
	assert.InDelta(t, 1_400, in.Size, 1e-6)
}

func TestNearResolvedFilters(t *testing.T) {
	cases := map[string]func(*domain.MarketSnapshot){
		"below band":     func(s *domain.MarketSnapshot) { s.Outcomes[0].AskPrice = 0.93 },
		"above band":     func(s *domain.MarketSnapshot) { s.Outcomes[0].AskPrice = 0.995 },
		"too far out":    func(s *domain.MarketSnapshot) { s.ResolvesAt = now.Add(48 * time.Hour) },
		"already closed": func(s *domain.MarketSnapshot) { s.ResolvesAt = now.Add(-time.Minute) },
		"no resolution":  func(s *domain.MarketSnapshot) { s.ResolvesAt = time.Time{} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			snap := binary(0.96, 0.97, 0.02, 0.04)
			snap.ResolvesAt = now.Add(2 * time.Hour)
			mutate(&snap)
			assert.Empty(t, NewNearResolved(DefaultNearResolvedConfig()).Evaluate(snap, 10_000))
		})
	}
}

func TestSpreadTradingQuotesBothSides(t *testing.T) {
	s := NewSpreadTrading(DefaultSpreadConfig())
	snap := binary(0.40, 0.46, 0.53, 0.54)

	intents := s.Evaluate(snap, 10_000)
	require.Len(t, intents, 2)
	buy, sell := intents[0], intents[1]
	assert.Equal(t, domain.SideBuy, buy.Side)
	assert.Equal(t, domain.OutcomeYes, buy.Outcome)
	assert.InDelta(t, 0.401, buy.LimitPrice, 1e-9)
	assert.InDelta(t, 100, buy.Quantity(), 1e-6)
	assert.Equal(t, domain.SideSell, sell.Side)
	assert.InDelta(t, 0.459, sell.LimitPrice, 1e-9)
	assert.InDelta(t, 100, sell.Quantity(), 1e-6)
	assert.InDelta(t, 0.058, buy.ExpectedEdge, 1e-9)
}

func TestSpreadTradingInventoryBound(t *testing.T) {
	cfg := DefaultSpreadConfig()
	cfg.Cooldown = 0
	s := NewSpreadTrading(cfg)
	s.OnFill(Fill{VenueMarketID: "m1", Outcome: "YES", Side: domain.SideBuy, Quantity: 300})
	assert.InDelta(t, 300, s.Inventory("m1", "YES"), 1e-9)

	intents := s.Evaluate(binary(0.40, 0.46, 0.53, 0.54), 10_000)
	require.Len(t, intents, 1, "a further buy would push inventory past the bound")
	assert.Equal(t, domain.SideSell, intents[0].Side)
}

func TestRangeCoverageGreedyBasket(t *testing.T) {
	s := NewRangeCoverage(DefaultRangeConfig())
	snap := domain.MarketSnapshot{
		VenueMarketID: "range",
		AsOf:          now,
		Outcomes: []domain.OutcomeQuote{
			{Label: "<90k", AskPrice: 0.05},
			{Label: "90-95k", AskPrice: 0.20},
			{Label: "95-100k", AskPrice: 0.40},
			{Label: "100-105k", AskPrice: 0.30},
			{Label: ">105k", AskPrice: 0.15},
		},
	}
	intents := s.Evaluate(snap, 10_000)
	require.Len(t, intents, 1)
	in := intents[0]
	assert.Equal(t, domain.SideBuyBasket, in.Side)
	assert.Equal(t, []string{"95-100k", "100-105k", "90-95k"}, in.Basket)
	assert.InDelta(t, 0.90, in.LimitPrice, 1e-9)
	assert.InDelta(t, 0.10, in.ExpectedEdge, 1e-9)
	assert.InDelta(t, 5_000, in.Size, 1e-9)
}

func TestRangeCoverageTiesAndMinimum(t *testing.T) {
	s := NewRangeCoverage(DefaultRangeConfig())
	snap := domain.MarketSnapshot{
		VenueMarketID: "range",
		AsOf:          now,
		Outcomes: []domain.OutcomeQuote{
			{Label: "c", AskPrice: 0.30},
			{Label: "a", AskPrice: 0.30},
			{Label: "b", AskPrice: 0.30},
			{Label: "d", AskPrice: 0.10},
		},
	}
	intents := s.Evaluate(snap, 10_000)
	require.Len(t, intents, 1)
	assert.Equal(t, []string{"a", "b", "c"}, intents[0].Basket)

	expensive := NewRangeCoverage(DefaultRangeConfig())
	snap.Outcomes[0].AskPrice = 0.60
	snap.Outcomes[1].AskPrice = 0.50
	assert.Empty(t, expensive.Evaluate(snap, 10_000), "fewer than three outcomes fit")
}

func TestRangeCoverageTargetProfit(t *testing.T) {
	cfg := DefaultRangeConfig()
	cfg.TargetProfitPct = 0.25
	s := NewRangeCoverage(cfg)
	snap := domain.MarketSnapshot{
		VenueMarketID: "range",
		AsOf:          now,
		Outcomes: []domain.OutcomeQuote{
			{Label: "a", AskPrice: 0.40},
			{Label: "b", AskPrice: 0.30},
			{Label: "c", AskPrice: 0.20},
		},
	}
	// Cost 0.90 yields 11%, short of 25%.
	assert.Empty(t, s.Evaluate(snap, 10_000))
}

func TestBuildAndRouteFills(t *testing.T) {
	settings := DefaultSettings()
	settings.Range.Enabled = false
	r := Build(settings)
	assert.Equal(t, []string{IDLatency, IDNearResolved, IDSpread, IDYesNo}, r.List())

	_, err := r.Get(IDRange)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	prev := domain.Order{StrategyID: IDSpread, VenueMarketID: "m1",
		Intent: domain.TradeIntent{Side: domain.SideBuy, Outcome: "YES"}}
	cur := prev
	cur.FilledSize = 40
	cur.AvgFillPrice = 0.41
	r.OrderUpdated(prev, cur)

	s, err := r.Get(IDSpread)
	require.NoError(t, err)
	assert.InDelta(t, 40, s.(*SpreadTrading).Inventory("m1", "YES"), 1e-9)

	r.RecordIntents(IDYesNo, 2, now)
	for _, info := range r.ListInfo() {
		if info.ID == IDYesNo {
			assert.Equal(t, int64(2), info.IntentsEmitted)
			require.NotNil(t, info.LastIntent)
		}
	}
}
