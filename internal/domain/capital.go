package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reservation is capital set aside for one approved intent. Position is the
// part already converted by fills; it no longer expires.
type Reservation struct {
	ID         string          `json:"id"`
	StrategyID string          `json:"strategy_id"`
	IntentID   string          `json:"intent_id"`
	OrderID    string          `json:"order_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Position   decimal.Decimal `json:"position"`
	ExpiresAt  time.Time       `json:"expires_at"`
	// Paired is set once an order is bound to the reservation. Paired
	// reservations are exempt from the TTL sweep.
	Paired bool `json:"paired"`
}

// Allocation is an approved capital reservation returned to the caller.
type Allocation struct {
	ReservationID string
	StrategyID    string
	Amount        decimal.Decimal
	ExpiresAt     time.Time
}

// CapitalLedger is the capital manager's state, as checkpointed.
type CapitalLedger struct {
	InitialCapital decimal.Decimal            `json:"initial_capital"`
	TotalCapital   decimal.Decimal            `json:"total_capital"`
	RealizedPnL    decimal.Decimal            `json:"realized_pnl"`
	DailyLoss      decimal.Decimal            `json:"daily_loss"`
	DayBoundary    time.Time                  `json:"day_boundary"`
	Allocated      map[string]decimal.Decimal `json:"allocated"`
	Ceilings       map[string]decimal.Decimal `json:"ceilings"`
	Reservations   []Reservation              `json:"reservations"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// AllocatedTotal sums the per-strategy allocations.
func (l CapitalLedger) AllocatedTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, v := range l.Allocated {
		sum = sum.Add(v)
	}
	return sum
}

// Free returns total minus allocated.
func (l CapitalLedger) Free() decimal.Decimal {
	return l.TotalCapital.Sub(l.AllocatedTotal())
}
