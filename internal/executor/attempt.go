package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// retryPolicy retries transient failures with exponential backoff capped at
// BackoffMax; a jitter factor of 0.5 spreads each delay over [0.5d, 1.5d].
func (e *Executor) retryPolicy() retrypolicy.RetryPolicy[domain.VenueOrderStatus] {
	return retrypolicy.NewBuilder[domain.VenueOrderStatus]().
		HandleIf(func(_ domain.VenueOrderStatus, err error) bool {
			return errors.Is(err, domain.ErrTransientNetwork)
		}).
		WithBackoff(e.cfg.BackoffBase, e.cfg.BackoffMax).
		WithJitterFactor(0.5).
		WithMaxAttempts(e.cfg.MaxAttempts).
		ReturnLastFailure().
		Build()
}

// submit sends the order until the venue acknowledges or rejects it, or the
// attempts run out. Each attempt is recorded before it is made.
func (e *Executor) submit(ctx context.Context, o domain.Order, unknown bool) (domain.Order, error) {
	req := domain.OrderRequest{
		IdempotencyKey: o.ID,
		VenueMarketID:  o.VenueMarketID,
		Side:           o.Intent.Side,
		Outcomes:       o.Intent.Legs(),
		Quantity:       o.Intent.Quantity(),
		LimitPrice:     o.Intent.LimitPrice,
	}

	var ledgerErr error
	st, err := failsafe.With[domain.VenueOrderStatus](e.retryPolicy()).
		WithContext(ctx).
		Get(func() (domain.VenueOrderStatus, error) {
			o.Attempts++
			next, cerr := e.commit(o, domain.OrderSubmitting)
			if cerr != nil {
				ledgerErr = cerr
				return domain.VenueOrderStatus{}, cerr
			}
			o = next
			st, err := e.attempt(ctx, req, &unknown)
			if err != nil {
				o.LastError = err.Error()
				e.logger.Warn("submit attempt failed",
					slog.String("order", o.ID),
					slog.Int("attempt", o.Attempts),
					slog.Bool("unknown", unknown),
					slog.String("error", err.Error()),
				)
			}
			return st, err
		})

	switch {
	case ledgerErr != nil:
		return o, ledgerErr
	case err == nil:
		return e.accept(o, st)
	case ctx.Err() != nil:
		return o, ctx.Err()
	case errors.Is(err, domain.ErrVenueRejection):
		o.LastError = err.Error()
		return e.commit(o, domain.OrderRejected)
	}

	// Attempts exhausted. One last lookup keeps a live venue order from being
	// abandoned with its capital released.
	if unknown {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		st, qerr := e.venue.Query(callCtx, o.ID)
		cancel()
		if qerr == nil {
			return e.accept(o, st)
		}
	}
	o.LastError = err.Error()
	return e.commit(o, domain.OrderRejected)
}

// attempt makes one venue call. After a call whose outcome is unknown the
// venue is asked for the key first, and an existing order is adopted instead
// of being submitted again.
func (e *Executor) attempt(ctx context.Context, req domain.OrderRequest, unknown *bool) (domain.VenueOrderStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	if *unknown {
		st, err := e.venue.Query(callCtx, req.IdempotencyKey)
		switch {
		case err == nil:
			return st, nil
		case !errors.Is(err, domain.ErrNotFound):
			return st, classify(ctx, callCtx, err)
		}
	}

	st, err := e.venue.Submit(callCtx, req)
	if err != nil {
		err = classify(ctx, callCtx, err)
		if errors.Is(err, domain.ErrTransientNetwork) {
			*unknown = true
		}
		return st, err
	}
	return st, nil
}

// classify maps a venue call failure onto the taxonomy. Timeouts and
// unclassified failures count as transient: the order may or may not exist.
func classify(ctx, callCtx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, domain.ErrVenueRejection), errors.Is(err, domain.ErrTransientNetwork):
		return err
	case errors.Is(callCtx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: call timed out: %v", domain.ErrTransientNetwork, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err)
	}
}

// accept moves a submitted order to acknowledged and applies whatever the venue
// already reports for it.
func (e *Executor) accept(o domain.Order, st domain.VenueOrderStatus) (domain.Order, error) {
	if st.State == domain.OrderRejected {
		o.LastError = "venue rejected: " + st.Reason
		return e.commit(o, domain.OrderRejected)
	}
	o.VenueOrderID = st.VenueOrderID
	o.LastError = ""
	o, err := e.commit(o, domain.OrderAcknowledged)
	if err != nil {
		return o, err
	}
	return e.apply(o, st)
}

// await polls an acknowledged order until it is terminal. Past the fill
// timeout the order is cancelled; the venue's answer decides the final state.
// After MaxPollFailures failed calls in a row it gives up and returns the
// last error.
func (e *Executor) await(ctx context.Context, o domain.Order) (domain.Order, error) {
	deadline := o.UpdatedAt.Add(e.cfg.FillTimeout)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	cancelSent := false
	failures := 0
	for !o.State.IsTerminal() {
		select {
		case <-ctx.Done():
			return o, ctx.Err()
		case <-ticker.C:
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		var (
			st  domain.VenueOrderStatus
			err error
		)
		if !cancelSent && !e.now().Before(deadline) {
			st, err = e.venue.Cancel(callCtx, o.VenueOrderID)
			if err == nil {
				cancelSent = true
				e.logger.Info("fill timeout, cancel sent",
					slog.String("order", o.ID),
					slog.String("venue_order", o.VenueOrderID),
					slog.Float64("filled", o.FilledSize),
				)
			}
		} else {
			st, err = e.venue.Query(callCtx, o.ID)
		}
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return o, ctx.Err()
			}
			failures++
			e.logger.Warn("order poll failed",
				slog.String("order", o.ID),
				slog.Int("failures", failures),
				slog.String("error", err.Error()),
			)
			if failures >= e.cfg.MaxPollFailures {
				return o, fmt.Errorf("executor: poll %s: %d calls failed in a row: %w", o.ID, failures, err)
			}
			continue
		}
		failures = 0

		next, err := e.apply(o, st)
		if err != nil {
			return o, err
		}
		o = next
	}
	return o, nil
}

// apply brings o in line with the venue's status. Fills only ever grow.
func (e *Executor) apply(o domain.Order, st domain.VenueOrderStatus) (domain.Order, error) {
	filled := o.FilledSize
	avg := o.AvgFillPrice
	if st.FilledSize > filled {
		filled, avg = st.FilledSize, st.AvgFillPrice
	}
	fillChanged := filled != o.FilledSize

	target := o.State
	switch st.State {
	case domain.OrderFilled, domain.OrderCancelled:
		target = st.State
	case domain.OrderRejected:
		target = domain.OrderRejected
		if filled > 0 {
			// Fills stand, so the order ends cancelled with them kept.
			target = domain.OrderCancelled
		}
	default:
		if filled > 0 {
			target = domain.OrderPartiallyFilled
		}
	}
	if target == o.State && (!fillChanged || target != domain.OrderPartiallyFilled) {
		return o, nil
	}

	o.FilledSize, o.AvgFillPrice = filled, avg
	if st.Reason != "" {
		o.LastError = st.Reason
	}
	next, err := e.commit(o, target)
	if err != nil {
		return o, err
	}
	if fillChanged && !next.State.IsTerminal() {
		if err := e.capital.ConvertFill(next.ReservationID, decimal.NewFromFloat(next.FilledNotional())); err != nil {
			e.logger.Warn("fill conversion failed",
				slog.String("order", next.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return next, nil
}
