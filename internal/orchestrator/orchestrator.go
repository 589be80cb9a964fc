// Package orchestrator runs the scan cycle: snapshot every market, let every
// strategy evaluate every snapshot, rank the intents and push them through the
// capital manager into the execution engine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyarb/internal/compounding"
	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/strategy"
)

// Markets supplies the snapshots a cycle evaluates.
type Markets interface {
	Snapshots() []domain.MarketSnapshot
}

// Strategies lists the enabled strategies.
type Strategies interface {
	All() []strategy.Strategy
	RecordIntents(id string, n int, at time.Time)
}

// Capital is the capital manager as seen by the cycle.
type Capital interface {
	RequestAllocation(ctx context.Context, intent domain.TradeIntent) (domain.Allocation, error)
	Available(strategyID string) float64
	Release(resID string) error
	Ledger() domain.CapitalLedger
	Flush(ctx context.Context) error
}

// Executor accepts approved intents.
type Executor interface {
	Submit(ctx context.Context, intent domain.TradeIntent, alloc domain.Allocation) (domain.Order, error)
	Shutdown(ctx context.Context) error
}

// Compounder re-splits capital between strategies.
type Compounder interface {
	Due(now time.Time) bool
	Run(ctx context.Context, now time.Time) ([]compounding.Allocation, error)
	PositionCap() float64
}

// Observer receives cycle reports. Implementations must not block.
type Observer interface {
	CycleCompleted(r CycleReport)
}

// Observers fans a report out to several observers in order.
type Observers []Observer

func (obs Observers) CycleCompleted(r CycleReport) {
	for _, o := range obs {
		o.CycleCompleted(r)
	}
}

// Config tunes the loop.
type Config struct {
	ScanInterval    time.Duration
	ShutdownTimeout time.Duration
	// Workers bounds concurrent strategy evaluations. Zero means one per
	// strategy.
	Workers int
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	Started    time.Time      `json:"started"`
	Duration   time.Duration  `json:"duration_ns"`
	Snapshots  int            `json:"snapshots"`
	Intents    int            `json:"intents"`
	Approved   int            `json:"approved"`
	Submitted  int            `json:"submitted"`
	Rejected   map[string]int `json:"rejected,omitempty"`
	Compounded bool           `json:"compounded"`
}

// Orchestrator drives the scan cycle.
type Orchestrator struct {
	cfg        Config
	markets    Markets
	strategies Strategies
	capital    Capital
	executor   Executor
	compounder Compounder
	notifier   domain.NotificationSink
	observer   Observer
	logger     *slog.Logger
	now        func() time.Time

	mu           sync.Mutex
	stopping     bool
	lossNoticeAt time.Time
	last         CycleReport
	cycles       int64
}

// New creates an Orchestrator. compounder and notifier may be nil.
func New(
	cfg Config,
	markets Markets,
	strategies Strategies,
	capital Capital,
	executor Executor,
	compounder Compounder,
	notifier domain.NotificationSink,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Orchestrator{
		cfg:        cfg,
		markets:    markets,
		strategies: strategies,
		capital:    capital,
		executor:   executor,
		compounder: compounder,
		notifier:   notifier,
		logger:     logger.With(slog.String("component", "orchestrator")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetObserver installs the cycle observer. Call before Run.
func (o *Orchestrator) SetObserver(obs Observer) { o.observer = obs }

// SetClock replaces the time source.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// Run executes a cycle every scan interval until ctx is done, then shuts the
// execution engine down and writes the final capital checkpoint.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator starting",
		slog.Duration("scan_interval", o.cfg.ScanInterval),
		slog.Int("strategies", len(o.strategies.All())),
	)

	ticker := time.NewTicker(o.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return o.shutdown(ctx)
		case <-ticker.C:
			if _, err := o.RunCycle(ctx, o.now()); err != nil && ctx.Err() == nil {
				o.logger.Error("cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (o *Orchestrator) shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.stopping = true
	o.mu.Unlock()
	o.logger.Info("orchestrator stopping", slog.Duration("timeout", o.cfg.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := o.executor.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := o.capital.Flush(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: flush capital: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		o.logger.Error("shutdown incomplete", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("orchestrator stopped cleanly")
	return nil
}

// RunCycle runs one scan at now.
func (o *Orchestrator) RunCycle(ctx context.Context, now time.Time) (CycleReport, error) {
	began := time.Now()
	report := CycleReport{Started: now, Rejected: make(map[string]int)}

	snaps := o.markets.Snapshots()
	report.Snapshots = len(snaps)

	intents, err := o.evaluate(ctx, snaps, now)
	if err != nil {
		return report, err
	}
	report.Intents = len(intents)
	Rank(intents)

	for _, in := range intents {
		if ctx.Err() != nil || o.isStopping() {
			break
		}
		alloc, err := o.capital.RequestAllocation(ctx, in)
		if err != nil {
			report.Rejected[rejectReason(err)]++
			o.rejected(ctx, in, err)
			continue
		}
		report.Approved++

		order, err := o.executor.Submit(ctx, in, alloc)
		if err != nil {
			if errors.Is(err, domain.ErrShuttingDown) {
				_ = o.capital.Release(alloc.ReservationID)
				break
			}
			o.logger.WarnContext(ctx, "submit failed",
				slog.String("intent", in.ID),
				slog.String("strategy", in.StrategyID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if order.ReservationID != alloc.ReservationID {
			// The intent was already consumed; the order it produced holds
			// its own reservation.
			_ = o.capital.Release(alloc.ReservationID)
			continue
		}
		report.Submitted++
		o.deliver(ctx, domain.Notification{
			Kind:  domain.NotifyArbitrageFound,
			Title: in.StrategyID,
			Message: fmt.Sprintf("%s %s %s size=%.2f limit=%.4f edge=%.4f order=%s",
				in.VenueMarketID, in.Side, in.Outcome, in.Size, in.LimitPrice, in.ExpectedEdge, order.ID),
			At: now,
		})
	}

	if o.compounder != nil && o.compounder.Due(now) && ctx.Err() == nil {
		if _, err := o.compounder.Run(ctx, now); err != nil {
			o.logger.WarnContext(ctx, "compounding failed", slog.String("error", err.Error()))
		} else {
			report.Compounded = true
		}
	}

	report.Duration = time.Since(began)
	o.mu.Lock()
	o.last = report
	o.cycles++
	o.mu.Unlock()
	if o.observer != nil {
		o.observer.CycleCompleted(report)
	}
	if report.Intents > 0 {
		o.logger.DebugContext(ctx, "cycle complete",
			slog.Int("snapshots", report.Snapshots),
			slog.Int("intents", report.Intents),
			slog.Int("submitted", report.Submitted),
			slog.Duration("took", report.Duration),
		)
	}
	return report, nil
}

// evaluate runs every strategy over every snapshot concurrently. A strategy
// that panics loses its intents for the cycle; the others are unaffected.
func (o *Orchestrator) evaluate(ctx context.Context, snaps []domain.MarketSnapshot, now time.Time) ([]domain.TradeIntent, error) {
	strategies := o.strategies.All()
	if len(strategies) == 0 || len(snaps) == 0 {
		return nil, nil
	}

	positionCap := math.Inf(1)
	if o.compounder != nil {
		positionCap = o.compounder.PositionCap()
	}

	results := make([][]domain.TradeIntent, len(strategies))
	g, gctx := errgroup.WithContext(ctx)
	if o.cfg.Workers > 0 {
		g.SetLimit(o.cfg.Workers)
	}
	for i, s := range strategies {
		available := math.Min(o.capital.Available(s.ID()), positionCap)
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("strategy panicked",
						slog.String("strategy", s.ID()),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())),
					)
					results[i] = nil
				}
			}()
			var out []domain.TradeIntent
			for _, snap := range snaps {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				out = append(out, s.Evaluate(snap, available)...)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("orchestrator: evaluate: %w", err)
	}

	var all []domain.TradeIntent
	for i, s := range strategies {
		if n := len(results[i]); n > 0 {
			o.strategies.RecordIntents(s.ID(), n, now)
		}
		all = append(all, results[i]...)
	}
	return all, nil
}

// Rank orders intents by descending edge, then earliest creation, then id.
func Rank(intents []domain.TradeIntent) {
	sort.SliceStable(intents, func(i, j int) bool {
		a, b := intents[i], intents[j]
		if a.ExpectedEdge != b.ExpectedEdge {
			return a.ExpectedEdge > b.ExpectedEdge
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (o *Orchestrator) rejected(ctx context.Context, in domain.TradeIntent, err error) {
	if !errors.Is(err, domain.ErrDailyLossLimit) {
		o.logger.DebugContext(ctx, "intent rejected",
			slog.String("intent", in.ID),
			slog.String("strategy", in.StrategyID),
			slog.String("error", err.Error()),
		)
		return
	}

	// One notice per trading day.
	day := o.capital.Ledger().DayBoundary
	o.mu.Lock()
	first := !o.lossNoticeAt.Equal(day)
	o.lossNoticeAt = day
	o.mu.Unlock()
	if !first {
		return
	}
	ledger := o.capital.Ledger()
	o.logger.WarnContext(ctx, "daily loss limit reached, trading halted until day rolls",
		slog.String("daily_loss", ledger.DailyLoss.StringFixed(2)),
		slog.Time("resumes_at", day),
	)
	o.deliver(ctx, domain.Notification{
		Kind:    domain.NotifyDailyLossBreach,
		Title:   "Daily loss limit reached",
		Message: fmt.Sprintf("Daily loss %s; new trades blocked until %s", ledger.DailyLoss.StringFixed(2), day.Format(time.RFC3339)),
		At:      o.now(),
	})
}

func (o *Orchestrator) deliver(ctx context.Context, ev domain.Notification) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Deliver(ctx, ev); err != nil {
		o.logger.DebugContext(ctx, "notification dropped",
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) isStopping() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopping
}

// LastCycle returns the most recent report and the number of cycles run.
func (o *Orchestrator) LastCycle() (CycleReport, int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last, o.cycles
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrDailyLossLimit):
		return "daily_loss"
	case errors.Is(err, domain.ErrStrategyLimit):
		return "strategy_limit"
	case errors.Is(err, domain.ErrCapitalExhausted):
		return "capital"
	default:
		return "other"
	}
}
