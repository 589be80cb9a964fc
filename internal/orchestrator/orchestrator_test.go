package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyarb/internal/compounding"
	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/executor"
	"github.com/alanyoungcy/polyarb/internal/ledger"
	"github.com/alanyoungcy/polyarb/internal/risk"
	"github.com/alanyoungcy/polyarb/internal/strategy"
)

var now = time.Date(2026, 5, 6, 12, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type staticMarkets []domain.MarketSnapshot

func (m staticMarkets) Snapshots() []domain.MarketSnapshot { return m }

// Snapshot lets the simulated venue fill against the same books.
func (m staticMarkets) Snapshot(id string) (domain.MarketSnapshot, bool) {
	for _, s := range m {
		if s.VenueMarketID == id {
			return s, true
		}
	}
	return domain.MarketSnapshot{}, false
}

type scripted struct {
	id      string
	intents func(snap domain.MarketSnapshot, available float64) []domain.TradeIntent
}

func (s scripted) ID() string { return s.id }

func (s scripted) Evaluate(snap domain.MarketSnapshot, available float64) []domain.TradeIntent {
	return s.intents(snap, available)
}

type strategies struct {
	list []strategy.Strategy

	mu       sync.Mutex
	recorded map[string]int
}

func (s *strategies) All() []strategy.Strategy { return s.list }

func (s *strategies) RecordIntents(id string, n int, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorded == nil {
		s.recorded = map[string]int{}
	}
	s.recorded[id] += n
}

type fakeExecutor struct {
	mu        sync.Mutex
	submitted []domain.TradeIntent
	refuse    error
	shutdowns int
}

func (f *fakeExecutor) Submit(_ context.Context, in domain.TradeIntent, alloc domain.Allocation) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse != nil {
		return domain.Order{}, f.refuse
	}
	f.submitted = append(f.submitted, in)
	return domain.Order{ID: "o-" + in.ID, IntentID: in.ID, ReservationID: alloc.ReservationID}, nil
}

func (f *fakeExecutor) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

func (f *fakeExecutor) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.submitted))
	for _, in := range f.submitted {
		out = append(out, in.ID)
	}
	return out
}

type sink struct {
	mu     sync.Mutex
	events []domain.Notification
}

func (s *sink) Deliver(_ context.Context, ev domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *sink) count(kind domain.NotificationKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type compounder struct {
	runs int
}

func (c *compounder) Due(time.Time) bool { return true }

func (c *compounder) Run(context.Context, time.Time) ([]compounding.Allocation, error) {
	c.runs++
	return nil, nil
}

func (c *compounder) PositionCap() float64 { return 2_500 }

func market(id string) domain.MarketSnapshot {
	return domain.MarketSnapshot{
		VenueMarketID: id,
		Sequence:      1,
		AsOf:          now,
		Outcomes: []domain.OutcomeQuote{
			{Label: domain.OutcomeYes, BidPrice: 0.44, AskPrice: 0.45, BidDepth: 10_000, AskDepth: 10_000},
			{Label: domain.OutcomeNo, BidPrice: 0.49, AskPrice: 0.50, BidDepth: 10_000, AskDepth: 10_000},
		},
	}
}

func intent(id, strategyID, marketID string, size, edge float64, at time.Time) domain.TradeIntent {
	return domain.TradeIntent{
		ID:            id,
		StrategyID:    strategyID,
		VenueMarketID: marketID,
		Side:          domain.SideBuyBoth,
		Size:          size,
		LimitPrice:    0.95,
		ExpectedEdge:  edge,
		CreatedAt:     at,
	}
}

func newRisk(total int64) *risk.Manager {
	return risk.NewManager(risk.Config{InitialCapital: decimal.NewFromInt(total)}, nil, discard())
}

func TestRankOrdersByEdgeThenTimeThenID(t *testing.T) {
	in := []domain.TradeIntent{
		intent("c", "s", "m", 1, 0.02, now),
		intent("b", "s", "m", 1, 0.05, now.Add(time.Second)),
		intent("a", "s", "m", 1, 0.05, now.Add(time.Second)),
		intent("d", "s", "m", 1, 0.05, now),
	}
	Rank(in)

	var ids []string
	for _, x := range in {
		ids = append(ids, x.ID)
	}
	assert.Equal(t, []string{"d", "a", "b", "c"}, ids)
}

func TestCycleAllocatesBestEdgeFirst(t *testing.T) {
	strats := &strategies{list: []strategy.Strategy{
		scripted{id: "low", intents: func(snap domain.MarketSnapshot, _ float64) []domain.TradeIntent {
			return []domain.TradeIntent{intent("low-"+snap.VenueMarketID, "low", snap.VenueMarketID, 4_000, 0.01, now)}
		}},
		scripted{id: "high", intents: func(snap domain.MarketSnapshot, _ float64) []domain.TradeIntent {
			return []domain.TradeIntent{intent("high-"+snap.VenueMarketID, "high", snap.VenueMarketID, 4_000, 0.04, now)}
		}},
	}}
	exec := &fakeExecutor{}
	o := New(Config{}, staticMarkets{market("m1"), market("m2")}, strats, newRisk(10_000), exec, nil, nil, discard())

	report, err := o.RunCycle(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Snapshots)
	assert.Equal(t, 4, report.Intents)
	assert.Equal(t, 2, report.Submitted)
	assert.Equal(t, 2, report.Rejected["capital"])
	assert.Equal(t, []string{"high-m1", "high-m2"}, exec.ids())
	assert.Equal(t, 2, strats.recorded["high"])
	assert.Equal(t, 2, strats.recorded["low"])
}

func TestStrategySeesCappedCapital(t *testing.T) {
	var seen float64
	var mu sync.Mutex
	strats := &strategies{list: []strategy.Strategy{
		scripted{id: "s", intents: func(_ domain.MarketSnapshot, available float64) []domain.TradeIntent {
			mu.Lock()
			seen = available
			mu.Unlock()
			return nil
		}},
	}}
	comp := &compounder{}
	o := New(Config{}, staticMarkets{market("m1")}, strats, newRisk(10_000), &fakeExecutor{}, comp, nil, discard())

	report, err := o.RunCycle(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2_500.0, seen)
	assert.True(t, report.Compounded)
	assert.Equal(t, 1, comp.runs)
}

func TestPanickingStrategyDoesNotSinkTheCycle(t *testing.T) {
	strats := &strategies{list: []strategy.Strategy{
		scripted{id: "bad", intents: func(domain.MarketSnapshot, float64) []domain.TradeIntent {
			panic("boom")
		}},
		scripted{id: "good", intents: func(snap domain.MarketSnapshot, _ float64) []domain.TradeIntent {
			return []domain.TradeIntent{intent("good-1", "good", snap.VenueMarketID, 100, 0.03, now)}
		}},
	}}
	exec := &fakeExecutor{}
	o := New(Config{Workers: 1}, staticMarkets{market("m1")}, strats, newRisk(1_000), exec, nil, nil, discard())

	report, err := o.RunCycle(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Submitted)
	assert.Equal(t, []string{"good-1"}, exec.ids())
}

type lossCapital struct {
	*risk.Manager
}

func (lossCapital) RequestAllocation(context.Context, domain.TradeIntent) (domain.Allocation, error) {
	return domain.Allocation{}, fmt.Errorf("risk: %w", domain.ErrDailyLossLimit)
}

func TestDailyLossNotifiedOncePerDay(t *testing.T) {
	strats := &strategies{list: []strategy.Strategy{
		scripted{id: "s", intents: func(snap domain.MarketSnapshot, _ float64) []domain.TradeIntent {
			return []domain.TradeIntent{intent("i-"+snap.VenueMarketID, "s", snap.VenueMarketID, 100, 0.03, now)}
		}},
	}}
	notes := &sink{}
	o := New(Config{}, staticMarkets{market("m1"), market("m2")}, strats, lossCapital{newRisk(1_000)}, &fakeExecutor{}, nil, notes, discard())

	for i := 0; i < 3; i++ {
		report, err := o.RunCycle(context.Background(), now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 2, report.Rejected["daily_loss"])
	}
	assert.Equal(t, 1, notes.count(domain.NotifyDailyLossBreach))
}

func TestRefusedSubmitReleasesCapital(t *testing.T) {
	strats := &strategies{list: []strategy.Strategy{
		scripted{id: "s", intents: func(snap domain.MarketSnapshot, _ float64) []domain.TradeIntent {
			return []domain.TradeIntent{intent("i-"+snap.VenueMarketID, "s", snap.VenueMarketID, 400, 0.03, now)}
		}},
	}}
	capital := newRisk(1_000)
	exec := &fakeExecutor{refuse: fmt.Errorf("executor: %w", domain.ErrShuttingDown)}
	o := New(Config{}, staticMarkets{market("m1"), market("m2")}, strats, capital, exec, nil, nil, discard())

	report, err := o.RunCycle(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Approved)
	assert.Zero(t, report.Submitted)
	assert.True(t, capital.Ledger().AllocatedTotal().IsZero())
}

func TestRunShutsDownOnCancel(t *testing.T) {
	exec := &fakeExecutor{}
	o := New(Config{ScanInterval: time.Millisecond}, staticMarkets{}, &strategies{}, newRisk(1_000), exec, nil, nil, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, n := o.LastCycle()
		return n >= 2
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 1, exec.shutdowns)
}

// The full path: strategy intent, capital reservation, simulated fill, and the
// filled notional kept as a position.
func TestCycleFillsThroughSimulatedVenue(t *testing.T) {
	markets := staticMarkets{market("m1")}
	strats := &strategies{list: []strategy.Strategy{
		scripted{id: strategy.IDYesNo, intents: func(snap domain.MarketSnapshot, _ float64) []domain.TradeIntent {
			return []domain.TradeIntent{intent("yes-no-1", strategy.IDYesNo, snap.VenueMarketID, 950, 0.05, snap.AsOf)}
		}},
	}}
	capital := newRisk(10_000)
	journal := ledger.NewJournal(ledger.NewMemoryStore(), ledger.Options{}, discard())
	exec := executor.New(executor.Config{PollInterval: time.Millisecond}, executor.NewSimulatedVenue(markets), journal, capital, discard())
	o := New(Config{}, markets, strats, capital, exec, nil, nil, discard())

	report, err := o.RunCycle(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, report.Submitted)

	ord, ok := exec.OrderForIntent("yes-no-1")
	require.True(t, ok)
	ord, err = exec.Await(context.Background(), ord.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, ord.State)
	assert.InDelta(t, 1_000, ord.FilledSize, 1e-6)

	held, _ := capital.Ledger().Allocated[strategy.IDYesNo].Float64()
	assert.InDelta(t, 950, held, 1e-6)

	// A second cycle re-emits the same intent id; no second order appears and
	// the duplicate reservation is handed back.
	report, err = o.RunCycle(context.Background(), now.Add(time.Second))
	require.NoError(t, err)
	assert.Zero(t, report.Submitted)
	assert.Len(t, exec.Orders(), 1)
	held, _ = capital.Ledger().Allocated[strategy.IDYesNo].Float64()
	assert.InDelta(t, 950, held, 1e-6)
	require.NoError(t, exec.Shutdown(context.Background()))
}
