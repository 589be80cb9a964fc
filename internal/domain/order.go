package domain

import (
	"fmt"
	"time"
)

// OrderState tracks the order lifecycle.
type OrderState string

const (
	OrderCreated         OrderState = "created"
	OrderSubmitting      OrderState = "submitting"
	OrderAcknowledged    OrderState = "acknowledged"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCancelled       OrderState = "cancelled"
	OrderRejected        OrderState = "rejected"
)

// IsTerminal reports whether no further transition is allowed.
func (s OrderState) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// orderTransitions lists, per state, the states it may move to. A state
// listed as its own successor may be re-recorded with new fill figures or
// attempt counts without changing.
var orderTransitions = map[OrderState][]OrderState{
	OrderCreated:         {OrderSubmitting, OrderRejected},
	OrderSubmitting:      {OrderSubmitting, OrderAcknowledged, OrderRejected},
	OrderAcknowledged:    {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderRejected},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func (s OrderState) CanTransition(to OrderState) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is one venue order derived from an approved intent. Only the
// execution engine mutates it.
type Order struct {
	// ID is the idempotency key sent to the venue.
	ID            string      `json:"id"`
	IntentID      string      `json:"intent_id"`
	StrategyID    string      `json:"strategy_id"`
	ReservationID string      `json:"reservation_id"`
	VenueMarketID string      `json:"venue_market_id"`
	Intent        TradeIntent `json:"intent"`
	VenueOrderID  string      `json:"venue_order_id,omitempty"`
	State         OrderState  `json:"state"`
	FilledSize    float64     `json:"filled_size"`
	AvgFillPrice  float64     `json:"avg_fill_price"`
	Attempts      int         `json:"attempts"`
	LastError     string      `json:"last_error,omitempty"`
	Settled       bool        `json:"settled"`
	RealizedPnL   float64     `json:"realized_pnl"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// FilledNotional is the capital consumed by fills so far.
func (o Order) FilledNotional() float64 {
	if o.FilledSize <= 0 {
		return 0
	}
	unit := o.Intent
	unit.LimitPrice = o.AvgFillPrice
	unit.Size = 1
	// Quantity of a 1-unit notional is 1/unitCost; invert it.
	perUnit := unit.Quantity()
	if perUnit <= 0 {
		return 0
	}
	return o.FilledSize / perUnit
}

// Transition returns a copy of o moved to the given state. It refuses illegal
// steps and any change to a terminal order.
func (o Order) Transition(to OrderState, at time.Time) (Order, error) {
	if o.State.IsTerminal() {
		return o, fmt.Errorf("order %s: %w: %s is terminal", o.ID, ErrInvalidTransition, o.State)
	}
	if !o.State.CanTransition(to) {
		return o, fmt.Errorf("order %s: %w: %s -> %s", o.ID, ErrInvalidTransition, o.State, to)
	}
	o.State = to
	o.UpdatedAt = at
	return o, nil
}

// VenueOrderStatus is the venue's view of an order.
type VenueOrderStatus struct {
	VenueOrderID string
	ClientKey    string
	State        OrderState
	FilledSize   float64
	AvgFillPrice float64
	// Remaining is the open quantity; zero with a fill means done.
	Remaining float64
	Reason    string
}

// OrderRequest is what the engine sends to the venue.
type OrderRequest struct {
	IdempotencyKey string
	VenueMarketID  string
	Side           IntentSide
	Outcomes       []string
	Quantity       float64
	LimitPrice     float64
}
