// Package strategy holds the opportunity detectors. Each strategy turns a
// market snapshot and the capital it may use into zero or more trade intents;
// none of them talks to the venue or mutates shared state outside its own.
package strategy

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Strategy ids.
const (
	IDLatency      = "latency_arb"
	IDNearResolved = "near_resolved"
	IDYesNo        = "yes_no_arb"
	IDSpread       = "spread_trading"
	IDRange        = "range_coverage"
)

// minNotional is the smallest intent worth sending.
const minNotional = 1.0

// Strategy defines the contract for opportunity detectors.
type Strategy interface {
	ID() string
	// Evaluate returns the intents snap supports given capitalAvailable, the
	// capital this strategy may still commit. Evaluate must be safe for
	// concurrent use and must treat snap.AsOf as the current time.
	Evaluate(snap domain.MarketSnapshot, capitalAvailable float64) []domain.TradeIntent
}

// Fill is a fill attributed to a strategy.
type Fill struct {
	StrategyID    string
	VenueMarketID string
	Outcome       string
	Side          domain.IntentSide
	Quantity      float64
	Price         float64
	At            time.Time
}

// FillObserver is implemented by strategies whose decisions depend on their
// own fills.
type FillObserver interface {
	OnFill(f Fill)
}

// Common holds the knobs every strategy shares.
type Common struct {
	Enabled     bool
	Weight      float64
	MaxPosition float64
	// MaxAllocation caps the capital the strategy may hold at once. Zero
	// leaves it bounded by its compounding share only.
	MaxAllocation float64
	Cooldown      time.Duration
}

// newIntent stamps the fields every intent carries.
func newIntent(strategyID string, snap domain.MarketSnapshot) domain.TradeIntent {
	return domain.TradeIntent{
		ID:            uuid.NewString(),
		StrategyID:    strategyID,
		VenueMarketID: snap.VenueMarketID,
		CreatedAt:     snap.AsOf,
	}
}

// sizeFor caps a requested notional by the strategy maximum and the capital
// available. It returns 0 when the result is too small to trade.
func sizeFor(want, maxPosition, capital float64) float64 {
	size := want
	if maxPosition > 0 {
		size = math.Min(size, maxPosition)
	}
	size = math.Min(size, capital)
	if size < minNotional || math.IsNaN(size) {
		return 0
	}
	return size
}

// binaryLabels returns the YES and NO labels of a two-outcome market.
func binaryLabels(snap domain.MarketSnapshot) (yes, no string, ok bool) {
	if len(snap.Outcomes) != 2 {
		return "", "", false
	}
	if _, found := snap.Outcome(domain.OutcomeYes); found {
		if _, found := snap.Outcome(domain.OutcomeNo); found {
			return domain.OutcomeYes, domain.OutcomeNo, true
		}
	}
	return snap.Outcomes[0].Label, snap.Outcomes[1].Label, true
}
