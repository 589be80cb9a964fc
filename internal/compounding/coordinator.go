// Package compounding reinvests realized profit. On each run it rebases total
// capital to initial capital plus realized pnl and re-splits it across the
// strategies by fractional Kelly sizing of their track records.
package compounding

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Budget is one strategy's share of the capital split.
type Budget struct {
	Weight float64
	// MaxAllocation caps the strategy's ceiling. Zero means uncapped.
	MaxAllocation float64
}

// Config tunes the coordinator.
type Config struct {
	Interval time.Duration
	// KellyFraction scales the full Kelly fraction down; 0.5 is half-Kelly.
	KellyFraction float64
	// MinFraction floors each strategy's fraction so an unlucky start does
	// not starve it of capital for good.
	MinFraction float64
	// MaxPositionPct caps a single intent at this share of total capital.
	MaxPositionPct float64
	Budgets        map[string]Budget
	// HistoryLimit bounds the capital history kept in memory.
	HistoryLimit int
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Interval:       time.Second,
		KellyFraction:  0.5,
		MinFraction:    0.01,
		MaxPositionPct: 0.10,
		HistoryLimit:   1000,
	}
}

// Capital is the part of the capital manager the coordinator drives.
type Capital interface {
	Ledger() domain.CapitalLedger
	Rebase(total decimal.Decimal) error
	SetCeilings(ceilings map[string]decimal.Decimal)
}

// RecordReader reads settlement records from the order ledger.
type RecordReader interface {
	ReadSettlements(ctx context.Context, afterSeq int64) ([]domain.OrderStateRecord, error)
}

// Allocation is a strategy's computed share after a run.
type Allocation struct {
	StrategyID string          `json:"strategy_id"`
	WinRate    float64         `json:"win_rate"`
	Payoff     float64         `json:"payoff"`
	Fraction   float64         `json:"fraction"`
	Score      float64         `json:"score"`
	Ceiling    decimal.Decimal `json:"ceiling"`
}

// Coordinator recomputes strategy ceilings from realized performance.
type Coordinator struct {
	cfg     Config
	capital Capital
	records RecordReader
	logger  *slog.Logger

	// runMu serializes runs; the cursor and settled set belong to them.
	runMu   sync.Mutex
	cursor  int64
	settled map[string]bool

	mu      sync.Mutex
	lastRun time.Time
	last    []Allocation
	stats   map[string]domain.StrategyStats
	history *History
}

// New creates a Coordinator.
func New(cfg Config, capital Capital, records RecordReader, logger *slog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.KellyFraction <= 0 {
		cfg.KellyFraction = def.KellyFraction
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	return &Coordinator{
		cfg:     cfg,
		capital: capital,
		records: records,
		logger:  logger.With(slog.String("component", "compounding")),
		settled: make(map[string]bool),
		stats:   make(map[string]domain.StrategyStats),
		history: NewHistory(cfg.HistoryLimit),
	}
}

// Due reports whether a run is owed at now.
func (c *Coordinator) Due(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun.IsZero() || !now.Before(c.lastRun.Add(c.cfg.Interval))
}

// Run rebases total capital and sets new per-strategy ceilings. Reservations
// already made are untouched. Only settlements recorded since the previous
// run are read.
func (c *Coordinator) Run(ctx context.Context, now time.Time) ([]Allocation, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	recs, err := c.records.ReadSettlements(ctx, c.cursor)
	if err != nil {
		return nil, fmt.Errorf("compounding: read ledger: %w", err)
	}
	stats := c.Stats()
	for _, r := range recs {
		if r.Seq > c.cursor {
			c.cursor = r.Seq
		}
		if r.Kind != domain.RecordSettlement || c.settled[r.OrderID] {
			continue
		}
		c.settled[r.OrderID] = true
		st := stats[r.Order.StrategyID]
		st.StrategyID = r.Order.StrategyID
		st.Record(r.Order.RealizedPnL)
		stats[r.Order.StrategyID] = st
	}

	ledger := c.capital.Ledger()
	total := ledger.InitialCapital.Add(ledger.RealizedPnL)
	if err := c.capital.Rebase(total); err != nil {
		// The invariant breach is already reported by the capital manager;
		// ceilings are still worth updating.
		c.logger.WarnContext(ctx, "rebase left capital over-allocated",
			slog.String("total", total.StringFixed(2)),
			slog.String("error", err.Error()),
		)
	}

	allocs := c.split(total, stats)
	ceilings := make(map[string]decimal.Decimal, len(allocs))
	for _, a := range allocs {
		ceilings[a.StrategyID] = a.Ceiling
	}
	if len(ceilings) > 0 {
		c.capital.SetCeilings(ceilings)
	}

	c.mu.Lock()
	c.lastRun = now
	c.last = allocs
	c.stats = stats
	c.history.Record(now, total, ledger.RealizedPnL)
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "ceilings updated",
		slog.String("total", total.StringFixed(2)),
		slog.Int("strategies", len(allocs)),
	)
	return allocs, nil
}

// split divides total across the budgeted strategies by weighted Kelly score.
func (c *Coordinator) split(total decimal.Decimal, stats map[string]domain.StrategyStats) []Allocation {
	ids := make([]string, 0, len(c.cfg.Budgets))
	for id := range c.cfg.Budgets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	allocs := make([]Allocation, 0, len(ids))
	var sum float64
	for _, id := range ids {
		st := stats[id]
		p := SmoothedWinRate(st)
		b := PayoffRatio(st)
		f := math.Max(Kelly(p, b)*c.cfg.KellyFraction, c.cfg.MinFraction)
		f = math.Min(f, 1)
		score := c.cfg.Budgets[id].Weight * f
		if score < 0 {
			score = 0
		}
		sum += score
		allocs = append(allocs, Allocation{StrategyID: id, WinRate: p, Payoff: b, Fraction: f, Score: score})
	}
	if sum <= 0 {
		return nil
	}

	for i := range allocs {
		share := decimal.NewFromFloat(allocs[i].Score / sum)
		ceiling := total.Mul(share).Round(2)
		if limit := c.cfg.Budgets[allocs[i].StrategyID].MaxAllocation; limit > 0 {
			ceiling = decimal.Min(ceiling, decimal.NewFromFloat(limit))
		}
		if ceiling.IsNegative() {
			ceiling = decimal.Zero
		}
		allocs[i].Ceiling = ceiling
	}
	return allocs
}

// PositionCap is the largest notional a single intent may ask for.
func (c *Coordinator) PositionCap() float64 {
	if c.cfg.MaxPositionPct <= 0 {
		return math.Inf(1)
	}
	total, _ := c.capital.Ledger().TotalCapital.Float64()
	return math.Max(total*c.cfg.MaxPositionPct, 0)
}

// Allocations returns the result of the last run.
func (c *Coordinator) Allocations() []Allocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Allocation, len(c.last))
	copy(out, c.last)
	return out
}

// Stats returns the per-strategy stats seen by the last run.
func (c *Coordinator) Stats() map[string]domain.StrategyStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]domain.StrategyStats, len(c.stats))
	for k, v := range c.stats {
		out[k] = v
	}
	return out
}

// Performance summarizes capital growth since start.
func (c *Coordinator) Performance() Performance {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.history.Performance()
	for _, st := range c.stats {
		p.Trades += st.Trades
		p.Wins += st.Wins
	}
	if p.Trades > 0 {
		p.WinRate = float64(p.Wins) / float64(p.Trades)
	}
	return p
}

// History returns a copy of the recorded capital points.
func (c *Coordinator) History() []CapitalPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Points()
}

// SmoothedWinRate is (wins+1)/(trades+2), so a strategy with no history
// starts at even odds.
func SmoothedWinRate(st domain.StrategyStats) float64 {
	return float64(st.Wins+1) / float64(st.Trades+2)
}

// PayoffRatio is average win over average loss, or 1 while either is unknown.
func PayoffRatio(st domain.StrategyStats) float64 {
	win, loss := st.AvgWin(), st.AvgLoss()
	if win <= 0 || loss <= 0 {
		return 1
	}
	return win / loss
}

// Kelly returns the full Kelly fraction (p*b - q)/b, or 0 for b <= 0.
func Kelly(p, b float64) float64 {
	if b <= 0 {
		return 0
	}
	return (p*b - (1 - p)) / b
}
