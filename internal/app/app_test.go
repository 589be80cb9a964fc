package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyarb/internal/config"
	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/strategy"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// loadConfig writes body to a temp file and loads it over the defaults.
func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "polyarb.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

const offlineConfig = `
[engine]
mode = "dry_run"
scan_interval = "10ms"
shutdown_timeout = "2s"

[venue]
discover_markets = false

[feeds.tick]
enabled = false

[feeds.book]
enabled = false

[ledger]
backend = "memory"

[server]
enabled = false

[strategies.latency_arb]
enabled = false
[strategies.near_resolved]
enabled = false
[strategies.spread_trading]
enabled = false
[strategies.range_coverage]
enabled = false

[[market.markets]]
id = "btc-100k"
question = "BTC above 100k?"
outcomes = ["YES", "NO"]
instrument = "BTCUSDT"
direction = "up"
`

func TestMergeMarketsOverlaysDefinitions(t *testing.T) {
	discovered := []domain.MarketMeta{
		{VenueMarketID: "m1", Question: "venue question", Outcomes: []string{"YES", "NO"}},
		{VenueMarketID: "m2", Question: "untouched"},
	}
	defs := []config.MarketDef{
		{ID: "m1", Instrument: "ETHUSDT", Direction: "down", ResolvesAt: "2026-12-31T00:00:00Z"},
		{ID: "m3", Question: "hand registered", Outcomes: []string{"A", "B", "C"}},
	}

	got, err := mergeMarkets(discovered, defs)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "venue question", got[0].Question)
	assert.Equal(t, "ETHUSDT", got[0].Instrument)
	assert.Equal(t, domain.ImpulseDown, got[0].Direction)
	assert.Equal(t, 2026, got[0].ResolvesAt.Year())
	assert.Equal(t, "untouched", got[1].Question)
	assert.Equal(t, "m3", got[2].VenueMarketID)
	assert.Equal(t, []string{"A", "B", "C"}, got[2].Outcomes)

	// The discovered slice is not modified.
	assert.Empty(t, discovered[0].Instrument)
}

func TestMergeMarketsRejectsBadTime(t *testing.T) {
	_, err := mergeMarkets(nil, []config.MarketDef{{ID: "m", ResolvesAt: "tomorrow"}})
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestRiskConfigCeilingsAndTimezone(t *testing.T) {
	commons := map[string]strategy.Common{
		strategy.IDYesNo:  {Enabled: true, MaxAllocation: 2_500},
		strategy.IDSpread: {Enabled: true},
		strategy.IDRange:  {Enabled: false, MaxAllocation: 1_000},
	}
	cfg := config.Defaults()
	cfg.Capital.DayTimezone = "America/New_York"

	rc, err := riskConfig(cfg.Capital, commons)
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", rc.DayLocation.String())
	assert.True(t, rc.InitialCapital.Equal(decimal.NewFromInt(10_000)))
	require.Len(t, rc.Ceilings, 1)
	assert.True(t, rc.Ceilings[strategy.IDYesNo].Equal(decimal.NewFromInt(2_500)))

	cfg.Capital.DayTimezone = "Mars/Olympus"
	_, err = riskConfig(cfg.Capital, commons)
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestCompoundingConfigDefaultsToScanInterval(t *testing.T) {
	cfg := config.Defaults()
	settings := strategySettings(cfg.Strategies)
	settings.Range.Enabled = false

	cc := compoundingConfig(cfg.Compounding, 3*time.Second, settings.Commons())
	assert.Equal(t, 3*time.Second, cc.Interval)
	assert.Len(t, cc.Budgets, 4)
	assert.NotContains(t, cc.Budgets, strategy.IDRange)
	assert.InDelta(t, 0.5, cc.KellyFraction, 1e-9)
}

func TestStrategySettingsCarryTuning(t *testing.T) {
	cfg := config.Defaults()
	cfg.Strategies.YesNo.MinSpread = 0.03
	cfg.Strategies.Spread.Enabled = false

	s := strategySettings(cfg.Strategies)
	assert.InDelta(t, 0.03, s.YesNo.MinSpread, 1e-9)
	assert.False(t, s.Spread.Enabled)
	assert.Equal(t, 24*time.Hour, s.NearResolved.MaxTimeToResolution)
	assert.Len(t, strategy.Build(s).List(), 4)
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (r *recordingAudit) Log(_ context.Context, event string, detail map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, domain.AuditEntry{Event: event, Detail: detail})
	return nil
}

func (r *recordingAudit) List(context.Context, time.Time, int) ([]domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AuditEntry(nil), r.entries...), nil
}

func (r *recordingAudit) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Event
	}
	return out
}

func TestAuditObserverRecordsBreachOncePerDay(t *testing.T) {
	log := &recordingAudit{}
	obs := newAuditObserver(log, discard())
	clock := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	obs.now = func() time.Time { return clock }

	intent := domain.TradeIntent{StrategyID: strategy.IDYesNo}
	obs.AllocationDecided(intent, domain.ErrDailyLossLimit)
	obs.AllocationDecided(intent, domain.ErrDailyLossLimit)
	obs.AllocationDecided(intent, domain.ErrCapitalExhausted)
	obs.AllocationDecided(intent, nil)
	clock = clock.Add(24 * time.Hour)
	obs.AllocationDecided(intent, domain.ErrDailyLossLimit)
	obs.InvariantViolated(errors.New("allocated exceeds total"))
	obs.DayRolled(domain.CapitalLedger{TotalCapital: decimal.NewFromInt(9_900), DailyLoss: decimal.NewFromInt(100)})
	obs.Wait()

	assert.ElementsMatch(t, []string{
		domain.AuditDailyLossBreached,
		domain.AuditDailyLossBreached,
		domain.AuditInvariantViolated,
		domain.AuditDayRolled,
	}, log.events())
}

func TestEngineDryRunTradesMispricedPair(t *testing.T) {
	cfg := loadConfig(t, offlineConfig)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, cleanup, err := Wire(ctx, cfg, discard())
	require.NoError(t, err)
	defer cleanup()
	deps.AuditLog = &recordingAudit{}

	engine, err := NewEngine(ctx, cfg, deps, discard())
	require.NoError(t, err)

	// YES + NO asks sum to 0.95: a riskless pair for yes/no arbitrage.
	require.NoError(t, engine.aggregator.IngestBook(domain.BookUpdate{
		VenueMarketID: "btc-100k",
		Kind:          domain.BookUpdateSnapshot,
		Sequence:      1,
		Timestamp:     time.Now(),
		Levels: []domain.LevelChange{
			{Outcome: "YES", Side: domain.BookSideBid, Price: 0.43, Size: 5_000},
			{Outcome: "YES", Side: domain.BookSideAsk, Price: 0.45, Size: 5_000},
			{Outcome: "NO", Side: domain.BookSideBid, Price: 0.48, Size: 5_000},
			{Outcome: "NO", Side: domain.BookSideAsk, Price: 0.50, Size: 5_000},
		},
	}))

	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx, nil) }()

	require.Eventually(t, func() bool {
		return len(engine.Executor().Orders()) > 0
	}, 5*time.Second, 10*time.Millisecond)

	order := engine.Executor().Orders()[0]
	assert.Equal(t, strategy.IDYesNo, order.StrategyID)
	assert.Equal(t, "btc-100k", order.VenueMarketID)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}

	_, cycles := engine.Loop().LastCycle()
	assert.Positive(t, cycles)

	recs, err := engine.journal.ReadOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, recs)
}

func TestEngineLiveModeNeedsVenue(t *testing.T) {
	cfg := loadConfig(t, offlineConfig)
	cfg.Engine.Mode = config.ModeLive

	deps, cleanup, err := Wire(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	_, err = NewEngine(context.Background(), cfg, deps, discard())
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestWireRejectsUnknownLedgerBackend(t *testing.T) {
	cfg := config.Defaults()
	cfg.Ledger.Backend = "floppy"
	_, _, err := Wire(context.Background(), &cfg, discard())
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestWireSQLiteBackend(t *testing.T) {
	cfg := config.Defaults()
	cfg.Ledger.SQLitePath = filepath.Join(t.TempDir(), "ledger.db")

	deps, cleanup, err := Wire(context.Background(), &cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.LedgerStore)
	assert.NotNil(t, deps.Checkpointer)
	assert.NotNil(t, deps.AuditLog)
	assert.Nil(t, deps.SignalBus)
	require.Contains(t, deps.Health, "sqlite")
	assert.NoError(t, deps.Health["sqlite"](context.Background()))
}

type stubSettler struct{ err error }

func (s stubSettler) Settle(_ context.Context, id string, proceeds float64) (domain.Order, error) {
	if s.err != nil {
		return domain.Order{}, s.err
	}
	return domain.Order{ID: id, StrategyID: strategy.IDRange, Settled: true, RealizedPnL: proceeds - 90}, nil
}

func TestAuditedSettlerRecordsSuccessOnly(t *testing.T) {
	log := &recordingAudit{}
	obs := newAuditObserver(log, discard())

	s := auditedSettler{next: stubSettler{}, audit: obs}
	o, err := s.Settle(context.Background(), "o1", 100)
	require.NoError(t, err)
	assert.InDelta(t, 10, o.RealizedPnL, 1e-9)

	s.next = stubSettler{err: domain.ErrInvalidTransition}
	_, err = s.Settle(context.Background(), "o2", 100)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	obs.Wait()

	require.Equal(t, []string{domain.AuditOrderSettled}, log.events())
	assert.Equal(t, "o1", log.entries[0].Detail["order_id"])
}
