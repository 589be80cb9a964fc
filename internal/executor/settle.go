package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// ResolutionProceeds is what a filled order returns once its market resolves
// with the given winning outcome.
func ResolutionProceeds(o domain.Order, winner string) float64 {
	in := o.Intent
	switch in.Side {
	case domain.SideBuy:
		if in.Outcome == winner {
			return o.FilledSize
		}
		return 0
	case domain.SideSell:
		// Short the outcome against collateral: paid out in full unless it wins.
		if in.Outcome == winner {
			return 0
		}
		return o.FilledSize
	case domain.SideBuyBoth:
		return o.FilledSize
	case domain.SideSellBoth:
		// The set was minted and sold; the sale is all that comes back.
		return o.FilledSize * o.AvgFillPrice
	case domain.SideBuyBasket:
		for _, label := range in.Basket {
			if label == winner {
				return o.FilledSize
			}
		}
		return 0
	}
	return 0
}

// Settle closes the position of a finished order. proceeds is the total the
// position returned; realized pnl is proceeds minus the capital the fills
// consumed. The settlement is recorded before capital is released.
func (e *Executor) Settle(ctx context.Context, orderID string, proceeds float64) (domain.Order, error) {
	e.settleMu.Lock()
	defer e.settleMu.Unlock()

	o, err := e.lookup(ctx, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("executor: settle %s: %w", orderID, err)
	}
	switch {
	case !o.State.IsTerminal():
		return o, fmt.Errorf("executor: settle %s: %w: order is %s", orderID, domain.ErrInvalidTransition, o.State)
	case o.Settled:
		return o, nil
	case o.FilledSize <= 0:
		return o, fmt.Errorf("executor: settle %s: %w: nothing filled", orderID, domain.ErrInvalidTransition)
	}

	prev := o
	cost := decimal.NewFromFloat(o.FilledNotional())
	pnl := decimal.NewFromFloat(proceeds).Sub(cost)
	o.Settled = true
	o.RealizedPnL, _ = pnl.Round(6).Float64()
	o.UpdatedAt = e.now()
	if _, err := e.record(domain.NewSettlementRecord(o, o.UpdatedAt)); err != nil {
		return prev, fmt.Errorf("executor: settle %s: %w", orderID, err)
	}

	e.mu.Lock()
	if s, ok := e.orders[o.ID]; ok {
		s.order = o
	}
	e.mu.Unlock()

	if err := e.capital.ClosePosition(o.ReservationID, pnl); err != nil {
		e.logger.Warn("close position failed",
			slog.String("order", o.ID),
			slog.String("reservation", o.ReservationID),
			slog.String("error", err.Error()),
		)
	}
	e.notify(prev, o)
	e.logger.InfoContext(ctx, "position closed",
		slog.String("order", o.ID),
		slog.String("strategy", o.StrategyID),
		slog.String("pnl", pnl.StringFixed(4)),
	)
	return o, nil
}

// lookup finds an order in memory or rebuilds it from the ledger.
func (e *Executor) lookup(ctx context.Context, orderID string) (domain.Order, error) {
	if o, ok := e.Order(orderID); ok {
		return o, nil
	}
	recs, err := e.ledger.ReadOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return domain.ReplayOrder(recs)
}

// Recover resumes every order the ledger shows as open. Orders that were
// being submitted are looked up by key before any new submission.
func (e *Executor) Recover(ctx context.Context) (int, error) {
	open, err := e.ledger.ReadOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("executor: recover: %w", err)
	}

	n := 0
	for _, latest := range open {
		recs, err := e.ledger.ReadOrder(ctx, latest.OrderID)
		if err != nil {
			return n, fmt.Errorf("executor: recover %s: %w", latest.OrderID, err)
		}
		o, err := domain.ReplayOrder(recs)
		if err != nil {
			e.logger.ErrorContext(ctx, "order history inconsistent, skipped",
				slog.String("order", latest.OrderID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if o.State.IsTerminal() {
			continue
		}

		e.mu.Lock()
		if _, known := e.orders[o.ID]; known {
			e.mu.Unlock()
			continue
		}
		s := &slot{order: o, done: make(chan struct{})}
		e.orders[o.ID] = s
		e.mu.Unlock()
		e.dedup.Claim(o.IntentID, o.ID, e.now())
		if err := e.capital.BindOrder(o.ReservationID, o.ID); err != nil {
			// The checkpoint lost the reservation while the venue may still be
			// spending it; hold the intent's size again.
			amount := decimal.NewFromFloat(o.Intent.Size)
			if rerr := e.capital.Reinstate(o.ReservationID, o.ID, o.StrategyID, amount); rerr != nil {
				e.logger.ErrorContext(ctx, "reinstating reservation of recovered order failed",
					slog.String("order", o.ID),
					slog.String("reservation", o.ReservationID),
					slog.String("error", rerr.Error()),
				)
			}
		}

		e.wg.Add(1)
		go e.drive(s, o, true)
		n++
		e.logger.InfoContext(ctx, "order resumed",
			slog.String("order", o.ID),
			slog.String("state", string(o.State)),
			slog.Int("attempts", o.Attempts),
		)
	}
	return n, nil
}
