// Package executor turns approved intents into venue orders and drives each
// one through its lifecycle. Every state change is written to the ledger
// before it becomes visible in memory.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Config tunes the engine's retry and polling behaviour.
type Config struct {
	// CallTimeout bounds every venue call.
	CallTimeout time.Duration
	// MaxAttempts bounds submission attempts, the first one included.
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	PollInterval time.Duration
	// FillTimeout is how long an acknowledged order may rest before it is
	// cancelled.
	FillTimeout time.Duration
	DedupTTL    time.Duration
	// MaxPollFailures ends polling after that many failed venue calls in a
	// row. The order is then stalled and driven again every RedriveInterval.
	MaxPollFailures int
	RedriveInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CallTimeout:  2 * time.Second,
		MaxAttempts:  5,
		BackoffBase:  200 * time.Millisecond,
		BackoffMax:   5 * time.Second,
		PollInterval: 500 * time.Millisecond,
		FillTimeout:  30 * time.Second,
		DedupTTL:     10 * time.Minute,

		MaxPollFailures: 10,
		RedriveInterval: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.FillTimeout <= 0 {
		c.FillTimeout = d.FillTimeout
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = d.DedupTTL
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = d.MaxPollFailures
	}
	if c.RedriveInterval <= 0 {
		c.RedriveInterval = d.RedriveInterval
	}
	return c
}

// CapitalManager is the part of the risk manager the engine settles against.
type CapitalManager interface {
	BindOrder(resID, orderID string) error
	Reinstate(resID, orderID, strategyID string, amount decimal.Decimal) error
	ConvertFill(resID string, filled decimal.Decimal) error
	Complete(resID string, filled decimal.Decimal) error
	Release(resID string) error
	ClosePosition(resID string, pnl decimal.Decimal) error
}

// Observer is told about every committed order change, after the ledger has
// it. Calls for one order are sequential. Implementations must not block.
type Observer interface {
	OrderUpdated(prev, cur domain.Order)
}

// slot is the in-memory home of one order.
type slot struct {
	order domain.Order
	// done is closed when the order's goroutine exits.
	done chan struct{}
}

// Executor is the execution engine.
type Executor struct {
	cfg     Config
	venue   domain.VenueOrderAPI
	ledger  domain.Ledger
	capital CapitalManager
	dedup   *Dedup
	logger  *slog.Logger
	now     func() time.Time

	observers []Observer

	// submitMu serializes Submit so a duplicate intent always finds the
	// first order.
	submitMu sync.Mutex
	settleMu sync.Mutex

	mu     sync.Mutex
	orders map[string]*slot
	// stalled maps orders waiting to be driven again to when they stalled.
	stalled map[string]time.Time
	closed  bool

	wg      sync.WaitGroup
	runCtx  context.Context
	stopRun context.CancelFunc
}

// New creates an Executor.
func New(cfg Config, venue domain.VenueOrderAPI, ledger domain.Ledger, capital CapitalManager, logger *slog.Logger) *Executor {
	cfg = cfg.withDefaults()
	runCtx, stop := context.WithCancel(context.Background())
	return &Executor{
		cfg:     cfg,
		venue:   venue,
		ledger:  ledger,
		capital: capital,
		dedup:   NewDedup(cfg.DedupTTL),
		logger:  logger.With(slog.String("component", "executor")),
		now:     time.Now,
		orders:  make(map[string]*slot),
		stalled: make(map[string]time.Time),
		runCtx:  runCtx,
		stopRun: stop,
	}
}

// AddObserver registers an order observer. Must be called before Submit.
func (e *Executor) AddObserver(o Observer) {
	e.observers = append(e.observers, o)
}

// SetClock overrides the clock used for timestamps and fill timeouts.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// Submit creates an order for an approved intent and starts driving it. The
// engine owns the reservation from here on: it is released if the order
// cannot be created. Submitting the same intent again returns the existing
// order.
func (e *Executor) Submit(ctx context.Context, intent domain.TradeIntent, alloc domain.Allocation) (domain.Order, error) {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	if existing, ok := e.dedup.Lookup(intent.ID); ok {
		if o, ok := e.Order(existing); ok {
			return o, nil
		}
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return domain.Order{}, fmt.Errorf("executor: submit %s: %w", intent.ID, domain.ErrShuttingDown)
	}
	if err := intent.Validate(); err != nil {
		e.release(alloc.ReservationID)
		return domain.Order{}, fmt.Errorf("executor: submit: %w", err)
	}

	now := e.now()
	o := domain.Order{
		// The idempotency key exists before any network attempt.
		ID:            uuid.NewString(),
		IntentID:      intent.ID,
		StrategyID:    intent.StrategyID,
		ReservationID: alloc.ReservationID,
		VenueMarketID: intent.VenueMarketID,
		Intent:        intent,
		State:         domain.OrderCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := e.record(domain.NewTransitionRecord(o, now)); err != nil {
		e.release(alloc.ReservationID)
		return domain.Order{}, fmt.Errorf("executor: submit %s: %w", intent.ID, err)
	}
	e.dedup.Claim(intent.ID, o.ID, now)

	s := &slot{order: o, done: make(chan struct{})}
	e.mu.Lock()
	e.orders[o.ID] = s
	e.mu.Unlock()
	e.notify(domain.Order{}, o)

	if err := e.capital.BindOrder(alloc.ReservationID, o.ID); err != nil {
		// The reservation is gone (swept or never existed); nothing may be
		// spent against it.
		e.logger.WarnContext(ctx, "reservation lost before submit",
			slog.String("order", o.ID),
			slog.String("reservation", alloc.ReservationID),
			slog.String("error", err.Error()),
		)
		o.LastError = err.Error()
		if next, cerr := e.commit(o, domain.OrderRejected); cerr == nil {
			o = next
		}
		close(s.done)
		return o, fmt.Errorf("executor: submit %s: %w", intent.ID, err)
	}

	e.wg.Add(1)
	go e.drive(s, o, false)

	e.logger.InfoContext(ctx, "order created",
		slog.String("order", o.ID),
		slog.String("intent", intent.ID),
		slog.String("strategy", intent.StrategyID),
		slog.String("market", intent.VenueMarketID),
		slog.String("side", string(intent.Side)),
		slog.Float64("size", intent.Size),
		slog.Float64("limit", intent.LimitPrice),
	)
	return o, nil
}

// drive runs one order to a terminal state. unknown is set when an earlier
// attempt may have reached the venue. While the ledger or the venue keeps
// failing the order is stalled: it is driven again every RedriveInterval
// from its last committed state, looked up at the venue by key first.
func (e *Executor) drive(s *slot, o domain.Order, unknown bool) {
	defer e.wg.Done()
	defer close(s.done)
	defer e.unstall(o.ID)
	ctx := e.runCtx

	for {
		next, err := e.step(ctx, o, unknown)
		if err == nil {
			e.finish(next)
			return
		}
		if ctx.Err() == nil {
			e.stall(next, err)
			t := time.NewTimer(e.cfg.RedriveInterval)
			select {
			case <-t.C:
				e.mu.Lock()
				o = s.order
				e.mu.Unlock()
				unknown = true
				continue
			case <-ctx.Done():
				t.Stop()
			}
		}
		e.logger.Warn("order left open for recovery",
			slog.String("order", o.ID),
			slog.String("state", string(next.State)),
		)
		return
	}
}

// step submits o if it has not reached the venue yet and polls it until it
// is terminal.
func (e *Executor) step(ctx context.Context, o domain.Order, unknown bool) (domain.Order, error) {
	var err error
	switch o.State {
	case domain.OrderCreated, domain.OrderSubmitting:
		o, err = e.submit(ctx, o, unknown || o.State == domain.OrderSubmitting)
	}
	if err == nil && !o.State.IsTerminal() {
		o, err = e.await(ctx, o)
	}
	return o, err
}

func (e *Executor) stall(o domain.Order, err error) {
	e.mu.Lock()
	since, ok := e.stalled[o.ID]
	if !ok {
		since = e.now()
		e.stalled[o.ID] = since
	}
	e.mu.Unlock()
	e.logger.Error("order stalled",
		slog.String("order", o.ID),
		slog.String("state", string(o.State)),
		slog.Duration("stalled_for", e.now().Sub(since)),
		slog.String("error", err.Error()),
	)
}

func (e *Executor) unstall(orderID string) {
	e.mu.Lock()
	delete(e.stalled, orderID)
	e.mu.Unlock()
}

// Stalled returns the ids of orders waiting to be driven again, sorted.
func (e *Executor) Stalled() []string {
	e.mu.Lock()
	out := make([]string, 0, len(e.stalled))
	for id := range e.stalled {
		out = append(out, id)
	}
	e.mu.Unlock()
	sort.Strings(out)
	return out
}

// finish settles capital for a terminal order: fills stay as positions and
// everything else returns to free capital.
func (e *Executor) finish(o domain.Order) {
	var err error
	switch o.State {
	case domain.OrderFilled, domain.OrderCancelled:
		err = e.capital.Complete(o.ReservationID, decimal.NewFromFloat(o.FilledNotional()))
	case domain.OrderRejected:
		err = e.capital.Release(o.ReservationID)
	}
	if err != nil {
		e.logger.Warn("capital settlement failed",
			slog.String("order", o.ID),
			slog.String("reservation", o.ReservationID),
			slog.String("error", err.Error()),
		)
	}
	e.logger.Info("order finished",
		slog.String("order", o.ID),
		slog.String("state", string(o.State)),
		slog.Float64("filled", o.FilledSize),
		slog.Float64("avg_price", o.AvgFillPrice),
		slog.Int("attempts", o.Attempts),
	)
}

// commit moves o to the given state, records it and then publishes it. o may
// carry updated fill or attempt figures; re-recording the same state is
// allowed where the lifecycle permits it.
func (e *Executor) commit(o domain.Order, to domain.OrderState) (domain.Order, error) {
	e.mu.Lock()
	s, ok := e.orders[o.ID]
	var prev domain.Order
	if ok {
		prev = s.order
	}
	e.mu.Unlock()

	next, err := o.Transition(to, e.now())
	if err != nil {
		return prev, err
	}
	if _, err := e.record(domain.NewTransitionRecord(next, next.UpdatedAt)); err != nil {
		return prev, err
	}

	e.mu.Lock()
	if ok {
		s.order = next
	}
	e.mu.Unlock()
	e.notify(prev, next)
	return next, nil
}

// ledgerPolicy retries failed ledger appends with the venue backoff. A record
// the ledger refuses as malformed is not retried.
func (e *Executor) ledgerPolicy() retrypolicy.RetryPolicy[domain.OrderStateRecord] {
	return retrypolicy.NewBuilder[domain.OrderStateRecord]().
		AbortOnErrors(domain.ErrDataIntegrity).
		WithBackoff(e.cfg.BackoffBase, e.cfg.BackoffMax).
		WithJitterFactor(0.5).
		WithMaxAttempts(e.cfg.MaxAttempts).
		ReturnLastFailure().
		Build()
}

// record appends rec to the ledger, retrying on failure. The calls are
// detached from the run context so a shutdown never leaves a venue-visible
// step unrecorded. A retry first checks whether the failed call landed, so an
// append whose answer was lost is not written twice.
func (e *Executor) record(rec domain.OrderStateRecord) (domain.OrderStateRecord, error) {
	base := context.WithoutCancel(e.runCtx)
	return failsafe.With[domain.OrderStateRecord](e.ledgerPolicy()).
		GetWithExecution(func(exec failsafe.Execution[domain.OrderStateRecord]) (domain.OrderStateRecord, error) {
			ctx, cancel := context.WithTimeout(base, e.cfg.CallTimeout)
			defer cancel()
			if exec.Attempts() > 1 {
				if last, ok := e.landed(ctx, rec); ok {
					return last, nil
				}
				attrs := []any{
					slog.String("order", rec.OrderID),
					slog.String("state", string(rec.Order.State)),
					slog.Int("attempt", exec.Attempts()),
				}
				if lastErr := exec.LastError(); lastErr != nil {
					attrs = append(attrs, slog.String("error", lastErr.Error()))
				}
				e.logger.Warn("ledger append retried", attrs...)
			}
			return e.append(ctx, rec)
		})
}

// landed reports whether rec is already the order's latest ledger record.
func (e *Executor) landed(ctx context.Context, rec domain.OrderStateRecord) (domain.OrderStateRecord, bool) {
	recs, err := e.ledger.ReadOrder(ctx, rec.OrderID)
	if err != nil || len(recs) == 0 {
		return domain.OrderStateRecord{}, false
	}
	last := recs[len(recs)-1]
	same := last.Kind == rec.Kind &&
		last.Order.State == rec.Order.State &&
		last.Order.Attempts == rec.Order.Attempts &&
		last.Order.Settled == rec.Order.Settled &&
		last.Order.UpdatedAt.Equal(rec.Order.UpdatedAt)
	return last, same
}

func (e *Executor) append(ctx context.Context, rec domain.OrderStateRecord) (domain.OrderStateRecord, error) {
	out, err := e.ledger.Append(ctx, rec)
	if err != nil {
		return out, fmt.Errorf("executor: ledger append %s %s: %w", rec.OrderID, rec.Order.State, err)
	}
	return out, nil
}

func (e *Executor) notify(prev, cur domain.Order) {
	for _, o := range e.observers {
		o.OrderUpdated(prev, cur)
	}
}

func (e *Executor) release(resID string) {
	if resID == "" {
		return
	}
	if err := e.capital.Release(resID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		e.logger.Warn("release failed", slog.String("reservation", resID), slog.String("error", err.Error()))
	}
}

// Order returns the current state of an order known to this process.
func (e *Executor) Order(id string) (domain.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return s.order, true
}

// OrderForIntent returns the order created for an intent.
func (e *Executor) OrderForIntent(intentID string) (domain.Order, bool) {
	id, ok := e.dedup.Lookup(intentID)
	if !ok {
		return domain.Order{}, false
	}
	return e.Order(id)
}

// Orders returns every order in memory, oldest first.
func (e *Executor) Orders() []domain.Order {
	e.mu.Lock()
	out := make([]domain.Order, 0, len(e.orders))
	for _, s := range e.orders {
		out = append(out, s.order)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// InFlight counts orders that have not reached a terminal state.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.orders {
		if !s.order.State.IsTerminal() {
			n++
		}
	}
	return n
}

// Await blocks until the order's goroutine exits or ctx is done, and returns
// the order as it then stands.
func (e *Executor) Await(ctx context.Context, orderID string) (domain.Order, error) {
	e.mu.Lock()
	s, ok := e.orders[orderID]
	e.mu.Unlock()
	if !ok {
		return domain.Order{}, fmt.Errorf("executor: await %s: %w", orderID, domain.ErrNotFound)
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return domain.Order{}, ctx.Err()
	}
	o, _ := e.Order(orderID)
	return o, nil
}

// Cleanup forgets settled orders and finished orders without fills once they
// are older than the dedup ttl.
func (e *Executor) Cleanup(now time.Time) int {
	e.mu.Lock()
	for id, s := range e.orders {
		o := s.order
		if !o.State.IsTerminal() || now.Sub(o.UpdatedAt) < e.cfg.DedupTTL {
			continue
		}
		if o.Settled || o.FilledSize == 0 {
			delete(e.orders, id)
		}
	}
	e.mu.Unlock()

	return e.dedup.Cleanup(now, func(orderID string) bool {
		o, ok := e.Order(orderID)
		return !ok || o.State.IsTerminal()
	})
}

// Shutdown stops accepting orders and waits for in-flight ones until ctx is
// done. Orders still open then are abandoned to Recover. The ledger is flushed
// either way.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("executor: shutdown: %d orders still open: %w", e.InFlight(), ctx.Err())
		e.stopRun()
		<-done
	}
	e.stopRun()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.ledger.Flush(flushCtx); err != nil {
		return errors.Join(waitErr, fmt.Errorf("executor: shutdown: %w", err))
	}
	return waitErr
}
