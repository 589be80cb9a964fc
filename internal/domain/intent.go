package domain

import (
	"fmt"
	"time"
)

// IntentSide is the action a strategy asks for.
type IntentSide string

const (
	SideBuy  IntentSide = "buy"
	SideSell IntentSide = "sell"
	// SideBuyBoth buys one share of every outcome of a binary market.
	SideBuyBoth IntentSide = "buy_both"
	// SideSellBoth mints a complete set and sells every outcome.
	SideSellBoth IntentSide = "sell_both"
	// SideBuyBasket buys one share of each outcome listed in Basket.
	SideBuyBasket IntentSide = "buy_basket"
)

// TradeIntent is a strategy's proposal. It is immutable once created and is
// consumed exactly once by the capital manager.
type TradeIntent struct {
	ID            string     `json:"id"`
	StrategyID    string     `json:"strategy_id"`
	VenueMarketID string     `json:"venue_market_id"`
	Side          IntentSide `json:"side"`
	Outcome       string     `json:"outcome,omitempty"`
	Basket        []string   `json:"basket,omitempty"`
	// Size is the capital notional requested, in quote currency.
	Size float64 `json:"size"`
	// LimitPrice is the per-share price; for baskets it is the combined price
	// of one share of every leg.
	LimitPrice   float64   `json:"limit_price"`
	ExpectedEdge float64   `json:"expected_edge"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Quantity returns the number of shares (or complete sets) Size buys at
// LimitPrice.
func (t TradeIntent) Quantity() float64 {
	if t.LimitPrice <= 0 {
		return 0
	}
	return t.Size / t.unitCost()
}

// unitCost is the capital tied up per share or set.
func (t TradeIntent) unitCost() float64 {
	switch t.Side {
	case SideSell:
		// Selling an outcome we do not hold is collateralised by its complement.
		return 1 - t.LimitPrice
	case SideSellBoth:
		// Minting a complete set costs one unit of collateral.
		return 1
	default:
		return t.LimitPrice
	}
}

// Legs returns the outcome labels the intent trades.
func (t TradeIntent) Legs() []string {
	if len(t.Basket) > 0 {
		out := make([]string, len(t.Basket))
		copy(out, t.Basket)
		return out
	}
	if t.Outcome != "" {
		return []string{t.Outcome}
	}
	return nil
}

// Validate checks the fields every consumer relies on.
func (t TradeIntent) Validate() error {
	switch {
	case t.ID == "":
		return fmt.Errorf("intent: missing id")
	case t.StrategyID == "":
		return fmt.Errorf("intent %s: missing strategy id", t.ID)
	case t.VenueMarketID == "":
		return fmt.Errorf("intent %s: missing market", t.ID)
	case t.Size <= 0:
		return fmt.Errorf("intent %s: size must be positive", t.ID)
	case t.LimitPrice <= 0:
		return fmt.Errorf("intent %s: limit price must be positive", t.ID)
	case t.unitCost() <= 0:
		return fmt.Errorf("intent %s: limit price %.4f leaves no collateral", t.ID, t.LimitPrice)
	}
	return nil
}
