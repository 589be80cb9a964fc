// Package risk is the capital manager: the single point where intents are
// checked against capital, per-strategy ceilings and the daily loss limit, and
// where capital is reserved, converted into positions and released.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Config holds the manager's limits.
type Config struct {
	InitialCapital decimal.Decimal
	// MaxDailyLoss rejects new allocations once the day's realized losses
	// reach it. Zero disables the check.
	MaxDailyLoss decimal.Decimal
	// ReservationTTL releases reservations never bound to an order.
	ReservationTTL time.Duration
	SweepInterval  time.Duration
	// DayLocation decides where the trading day starts. Defaults to UTC.
	DayLocation *time.Location
	// Ceilings are the initial per-strategy allocation caps. A strategy
	// without one is bounded by free capital only.
	Ceilings map[string]decimal.Decimal
}

// Observer receives capital events. Implementations must not block.
type Observer interface {
	AllocationDecided(intent domain.TradeIntent, err error)
	LedgerChanged(ledger domain.CapitalLedger)
	InvariantViolated(err error)
	// DayRolled receives the ledger as it stood at the end of the day.
	DayRolled(prev domain.CapitalLedger)
}

type nopObserver struct{}

func (nopObserver) AllocationDecided(domain.TradeIntent, error) {}
func (nopObserver) LedgerChanged(domain.CapitalLedger) {}
func (nopObserver) InvariantViolated(error) {}
func (nopObserver) DayRolled(domain.CapitalLedger) {}

// Observers fans events out to several observers in order.
type Observers []Observer

func (obs Observers) AllocationDecided(intent domain.TradeIntent, err error) {
	for _, o := range obs {
		o.AllocationDecided(intent, err)
	}
}

func (obs Observers) LedgerChanged(ledger domain.CapitalLedger) {
	for _, o := range obs {
		o.LedgerChanged(ledger)
	}
}

func (obs Observers) InvariantViolated(err error) {
	for _, o := range obs {
		o.InvariantViolated(err)
	}
}

func (obs Observers) DayRolled(prev domain.CapitalLedger) {
	for _, o := range obs {
		o.DayRolled(prev)
	}
}

// Manager owns the capital ledger. Every check-and-reserve runs under one
// mutex, so two concurrent requests can never both pass against the same free
// capital.
type Manager struct {
	cfg        Config
	checkpoint *checkpointer
	observer   Observer
	logger     *slog.Logger
	now        func() time.Time

	mu           sync.Mutex
	ledger       domain.CapitalLedger
	reservations map[string]*domain.Reservation
}

// NewManager creates a Manager holding the initial capital. store may be nil,
// in which case nothing is checkpointed.
func NewManager(cfg Config, store domain.CapitalCheckpointer, logger *slog.Logger) *Manager {
	if cfg.DayLocation == nil {
		cfg.DayLocation = time.UTC
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	m := &Manager{
		cfg:          cfg,
		observer:     nopObserver{},
		logger:       logger.With(slog.String("component", "risk")),
		now:          time.Now,
		reservations: make(map[string]*domain.Reservation),
	}
	m.checkpoint = newCheckpointer(store, m.logger)
	m.ledger = domain.CapitalLedger{
		InitialCapital: cfg.InitialCapital,
		TotalCapital:   cfg.InitialCapital,
		RealizedPnL:    decimal.Zero,
		DailyLoss:      decimal.Zero,
		Allocated:      make(map[string]decimal.Decimal),
		Ceilings:       make(map[string]decimal.Decimal, len(cfg.Ceilings)),
	}
	for k, v := range cfg.Ceilings {
		m.ledger.Ceilings[k] = v
	}
	m.ledger.DayBoundary = m.nextBoundary(m.now())
	return m
}

// SetObserver installs an event observer.
func (m *Manager) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	m.observer = o
}

// SetClock overrides the manager's clock.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	m.ledger.DayBoundary = m.nextBoundary(now())
}

// nextBoundary returns the start of the trading day after t.
func (m *Manager) nextBoundary(t time.Time) time.Time {
	local := t.In(m.cfg.DayLocation)
	y, mo, d := local.Date()
	return time.Date(y, mo, d+1, 0, 0, 0, 0, m.cfg.DayLocation)
}

// RequestAllocation checks an intent and, when it passes, reserves its size.
// Checks run in order: daily loss, strategy ceiling, free capital.
func (m *Manager) RequestAllocation(ctx context.Context, intent domain.TradeIntent) (domain.Allocation, error) {
	if err := intent.Validate(); err != nil {
		return domain.Allocation{}, fmt.Errorf("risk: allocate: %w", err)
	}
	size := decimal.NewFromFloat(intent.Size)

	m.mu.Lock()
	rolled := m.rollDayLocked()
	alloc, err := m.reserveLocked(intent, size)
	var invErr error
	if err == nil {
		invErr = m.afterMutationLocked()
	}
	m.mu.Unlock()

	m.emitRoll(rolled)
	m.observer.AllocationDecided(intent, err)
	if err != nil {
		m.logger.DebugContext(ctx, "allocation rejected",
			slog.String("strategy", intent.StrategyID),
			slog.String("intent", intent.ID),
			slog.String("size", size.StringFixed(2)),
			slog.String("error", err.Error()),
		)
		return domain.Allocation{}, err
	}
	if invErr != nil {
		return alloc, invErr
	}
	return alloc, nil
}

// reserveLocked runs the checks and creates the reservation. The caller must
// hold m.mu.
func (m *Manager) reserveLocked(intent domain.TradeIntent, size decimal.Decimal) (domain.Allocation, error) {
	l := &m.ledger
	if m.cfg.MaxDailyLoss.IsPositive() && l.DailyLoss.GreaterThanOrEqual(m.cfg.MaxDailyLoss) {
		return domain.Allocation{}, fmt.Errorf("risk: allocate %s: %w: daily loss %s of %s",
			intent.ID, domain.ErrDailyLossLimit, l.DailyLoss.StringFixed(2), m.cfg.MaxDailyLoss.StringFixed(2))
	}
	used := l.Allocated[intent.StrategyID]
	if ceiling, ok := l.Ceilings[intent.StrategyID]; ok && used.Add(size).GreaterThan(ceiling) {
		return domain.Allocation{}, fmt.Errorf("risk: allocate %s: %w: %s has %s of %s, wants %s",
			intent.ID, domain.ErrStrategyLimit, intent.StrategyID, used.StringFixed(2), ceiling.StringFixed(2), size.StringFixed(2))
	}
	if free := l.Free(); free.LessThan(size) {
		return domain.Allocation{}, fmt.Errorf("risk: allocate %s: %w: free %s, wants %s",
			intent.ID, domain.ErrCapitalExhausted, free.StringFixed(2), size.StringFixed(2))
	}

	now := m.now()
	res := &domain.Reservation{
		ID:         uuid.NewString(),
		StrategyID: intent.StrategyID,
		IntentID:   intent.ID,
		Amount:     size,
		Position:   decimal.Zero,
		ExpiresAt:  now.Add(m.cfg.ReservationTTL),
	}
	m.reservations[res.ID] = res
	l.Allocated[intent.StrategyID] = used.Add(size)
	return domain.Allocation{
		ReservationID: res.ID,
		StrategyID:    res.StrategyID,
		Amount:        size,
		ExpiresAt:     res.ExpiresAt,
	}, nil
}

// Available returns what a strategy may still commit: free capital, further
// bounded by the strategy's ceiling headroom.
func (m *Manager) Available(strategyID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	avail := m.ledger.Free()
	if ceiling, ok := m.ledger.Ceilings[strategyID]; ok {
		avail = decimal.Min(avail, ceiling.Sub(m.ledger.Allocated[strategyID]))
	}
	if avail.IsNegative() {
		return 0
	}
	f, _ := avail.Float64()
	return f
}

// DailyLossBreached reports whether the daily loss limit currently blocks
// allocations.
func (m *Manager) DailyLossBreached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.MaxDailyLoss.IsPositive() && m.ledger.DailyLoss.GreaterThanOrEqual(m.cfg.MaxDailyLoss)
}

// BindOrder pairs a reservation with the order spending it. Paired
// reservations no longer expire.
func (m *Manager) BindOrder(resID, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[resID]
	if !ok {
		return fmt.Errorf("risk: bind %s: %w", resID, domain.ErrNotFound)
	}
	res.OrderID = orderID
	res.Paired = true
	return m.afterMutationLocked()
}

// Reinstate recreates the paired reservation of a recovered order whose
// reservation the checkpoint no longer holds. The venue may already be
// spending that capital, so no limit is checked; going over total capital is
// reported as an invariant violation instead. An existing reservation is only
// bound.
func (m *Manager) Reinstate(resID, orderID, strategyID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if res, ok := m.reservations[resID]; ok {
		res.OrderID = orderID
		res.Paired = true
		return m.afterMutationLocked()
	}
	if resID == "" || !amount.IsPositive() {
		return fmt.Errorf("risk: reinstate %q: %w: amount %s", resID, domain.ErrDataIntegrity, amount.StringFixed(2))
	}
	m.reservations[resID] = &domain.Reservation{
		ID:         resID,
		StrategyID: strategyID,
		OrderID:    orderID,
		Amount:     amount,
		Position:   decimal.Zero,
		ExpiresAt:  m.now().Add(m.cfg.ReservationTTL),
		Paired:     true,
	}
	m.ledger.Allocated[strategyID] = m.ledger.Allocated[strategyID].Add(amount)
	m.logger.Warn("reservation reinstated",
		slog.String("reservation", resID),
		slog.String("order", orderID),
		slog.String("strategy", strategyID),
		slog.String("amount", amount.StringFixed(2)),
	)
	return m.afterMutationLocked()
}

// ConvertFill records that filled of the reservation is now a position.
func (m *Manager) ConvertFill(resID string, filled decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[resID]
	if !ok {
		return fmt.Errorf("risk: convert %s: %w", resID, domain.ErrNotFound)
	}
	res.Position = decimal.Min(decimal.Max(filled, decimal.Zero), res.Amount)
	return m.afterMutationLocked()
}

// Complete settles the reservation of an order that reached a terminal state:
// the filled part stays allocated as a position, the remainder is released.
// With nothing filled the reservation is removed.
func (m *Manager) Complete(resID string, filled decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[resID]
	if !ok {
		return fmt.Errorf("risk: complete %s: %w", resID, domain.ErrNotFound)
	}
	keep := decimal.Min(decimal.Max(filled, decimal.Zero), res.Amount)
	if keep.IsZero() {
		m.releaseLocked(res)
		return m.afterMutationLocked()
	}
	m.ledger.Allocated[res.StrategyID] = m.ledger.Allocated[res.StrategyID].Sub(res.Amount.Sub(keep))
	res.Amount = keep
	res.Position = keep
	res.Paired = true
	return m.afterMutationLocked()
}

// Release returns a reservation's whole amount to free capital.
func (m *Manager) Release(resID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[resID]
	if !ok {
		return fmt.Errorf("risk: release %s: %w", resID, domain.ErrNotFound)
	}
	m.releaseLocked(res)
	return m.afterMutationLocked()
}

// releaseLocked drops a reservation. The caller must hold m.mu.
func (m *Manager) releaseLocked(res *domain.Reservation) {
	m.ledger.Allocated[res.StrategyID] = m.ledger.Allocated[res.StrategyID].Sub(res.Amount)
	if m.ledger.Allocated[res.StrategyID].IsZero() {
		delete(m.ledger.Allocated, res.StrategyID)
	}
	delete(m.reservations, res.ID)
}

// ClosePosition releases a position and books its realized pnl. Losses feed the
// daily loss accumulator.
func (m *Manager) ClosePosition(resID string, pnl decimal.Decimal) error {
	m.mu.Lock()
	rolled := m.rollDayLocked()
	res, ok := m.reservations[resID]
	if !ok {
		m.mu.Unlock()
		m.emitRoll(rolled)
		return fmt.Errorf("risk: close %s: %w", resID, domain.ErrNotFound)
	}
	m.releaseLocked(res)
	m.ledger.RealizedPnL = m.ledger.RealizedPnL.Add(pnl)
	m.ledger.TotalCapital = m.ledger.TotalCapital.Add(pnl)
	if pnl.IsNegative() {
		m.ledger.DailyLoss = m.ledger.DailyLoss.Add(pnl.Neg())
	}
	err := m.afterMutationLocked()
	m.mu.Unlock()

	m.emitRoll(rolled)
	return err
}

// SweepExpired releases every unpaired reservation past its TTL and rolls the
// trading day when its boundary has passed.
func (m *Manager) SweepExpired(now time.Time) []domain.Reservation {
	m.mu.Lock()
	rolled := m.rollDayLocked()
	var released []domain.Reservation
	for _, res := range m.reservations {
		if res.Paired || res.Position.IsPositive() || now.Before(res.ExpiresAt) {
			continue
		}
		released = append(released, *res)
		m.releaseLocked(res)
	}
	if len(released) > 0 {
		_ = m.afterMutationLocked()
	}
	m.mu.Unlock()

	m.emitRoll(rolled)
	for _, r := range released {
		m.logger.Warn("reservation expired",
			slog.String("reservation", r.ID),
			slog.String("strategy", r.StrategyID),
			slog.String("amount", r.Amount.StringFixed(2)),
		)
	}
	return released
}

// Run sweeps expired reservations and writes checkpoints until ctx is done.
// The final checkpoint is written by Flush.
func (m *Manager) Run(ctx context.Context) error {
	go m.checkpoint.run(ctx)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.SweepExpired(m.now())
		}
	}
}

// Flush writes the latest checkpoint synchronously.
func (m *Manager) Flush(ctx context.Context) error {
	return m.checkpoint.flush(ctx)
}

// SetCeilings replaces the per-strategy caps. Reservations are untouched; a
// strategy already above its new cap simply cannot allocate more.
func (m *Manager) SetCeilings(ceilings map[string]decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger.Ceilings = make(map[string]decimal.Decimal, len(ceilings))
	for k, v := range ceilings {
		m.ledger.Ceilings[k] = v
	}
	_ = m.afterMutationLocked()
}

// Rebase sets the total capital, normally to initial capital plus realized pnl.
func (m *Manager) Rebase(total decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger.TotalCapital = total
	return m.afterMutationLocked()
}

// Ledger returns a copy of the current capital ledger.
func (m *Manager) Ledger() domain.CapitalLedger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Restore replaces the in-memory state with the last checkpoint. It returns
// domain.ErrNotFound when no checkpoint exists.
func (m *Manager) Restore(ctx context.Context) error {
	l, err := m.checkpoint.load(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ledger = l
	if m.ledger.Allocated == nil {
		m.ledger.Allocated = make(map[string]decimal.Decimal)
	}
	if m.ledger.Ceilings == nil {
		m.ledger.Ceilings = make(map[string]decimal.Decimal)
	}
	m.reservations = make(map[string]*domain.Reservation, len(l.Reservations))
	for i := range l.Reservations {
		r := l.Reservations[i]
		m.reservations[r.ID] = &r
	}
	m.ledger.Reservations = nil
	m.logger.InfoContext(ctx, "capital ledger restored",
		slog.String("total", l.TotalCapital.StringFixed(2)),
		slog.Int("reservations", len(l.Reservations)),
	)
	return m.checkInvariantLocked()
}

// Reservation returns a copy of one reservation.
func (m *Manager) Reservation(resID string) (domain.Reservation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[resID]
	if !ok {
		return domain.Reservation{}, false
	}
	return *res, true
}

// rollDayLocked resets the daily loss once the boundary has passed. It returns
// the closing ledger of the previous day, if the day rolled. The caller must
// hold m.mu.
func (m *Manager) rollDayLocked() *domain.CapitalLedger {
	now := m.now()
	if now.Before(m.ledger.DayBoundary) {
		return nil
	}
	prev := m.snapshotLocked()
	m.ledger.DailyLoss = decimal.Zero
	m.ledger.DayBoundary = m.nextBoundary(now)
	m.checkpoint.submit(m.snapshotLocked())
	return &prev
}

func (m *Manager) emitRoll(prev *domain.CapitalLedger) {
	if prev == nil {
		return
	}
	m.logger.Info("trading day rolled",
		slog.String("daily_loss", prev.DailyLoss.StringFixed(2)),
		slog.String("realized_pnl", prev.RealizedPnL.StringFixed(2)),
	)
	m.observer.DayRolled(*prev)
}

// afterMutationLocked checks the invariant, publishes the ledger and queues a
// checkpoint. The caller must hold m.mu.
func (m *Manager) afterMutationLocked() error {
	err := m.checkInvariantLocked()
	snap := m.snapshotLocked()
	snap.UpdatedAt = m.now()
	m.checkpoint.submit(snap)
	m.observer.LedgerChanged(snap)
	return err
}

// checkInvariantLocked asserts that allocations are non-negative, match the
// reservations behind them, and never exceed total capital.
func (m *Manager) checkInvariantLocked() error {
	perStrategy := make(map[string]decimal.Decimal)
	for _, r := range m.reservations {
		perStrategy[r.StrategyID] = perStrategy[r.StrategyID].Add(r.Amount)
	}
	var problems []string
	for s, v := range m.ledger.Allocated {
		if v.IsNegative() {
			problems = append(problems, fmt.Sprintf("%s allocated %s", s, v.StringFixed(2)))
		}
		if !v.Equal(perStrategy[s]) {
			problems = append(problems, fmt.Sprintf("%s allocated %s but reserved %s", s, v.StringFixed(2), perStrategy[s].StringFixed(2)))
		}
	}
	for s, v := range perStrategy {
		if _, ok := m.ledger.Allocated[s]; !ok && !v.IsZero() {
			problems = append(problems, fmt.Sprintf("%s reserved %s without allocation", s, v.StringFixed(2)))
		}
	}
	if sum := m.ledger.AllocatedTotal(); sum.GreaterThan(m.ledger.TotalCapital) {
		problems = append(problems, fmt.Sprintf("allocated %s exceeds total %s", sum.StringFixed(2), m.ledger.TotalCapital.StringFixed(2)))
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	err := fmt.Errorf("risk: %w: %v", domain.ErrCapitalInvariant, problems)
	m.logger.Error("capital invariant violated", slog.String("error", err.Error()))
	m.observer.InvariantViolated(err)
	return err
}

// snapshotLocked deep-copies the ledger. The caller must hold m.mu.
func (m *Manager) snapshotLocked() domain.CapitalLedger {
	out := m.ledger
	out.Allocated = make(map[string]decimal.Decimal, len(m.ledger.Allocated))
	for k, v := range m.ledger.Allocated {
		out.Allocated[k] = v
	}
	out.Ceilings = make(map[string]decimal.Decimal, len(m.ledger.Ceilings))
	for k, v := range m.ledger.Ceilings {
		out.Ceilings[k] = v
	}
	out.Reservations = make([]domain.Reservation, 0, len(m.reservations))
	for _, r := range m.reservations {
		out.Reservations = append(out.Reservations, *r)
	}
	sort.Slice(out.Reservations, func(i, j int) bool { return out.Reservations[i].ID < out.Reservations[j].ID })
	return out
}
