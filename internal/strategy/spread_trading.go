package strategy

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// SpreadConfig tunes SpreadTrading.
type SpreadConfig struct {
	Common
	MinSpread float64
	// Improve is how far inside the touch each quote is placed.
	Improve float64
	// OrderSize is the share count of each quote.
	OrderSize             float64
	MaxInventoryImbalance float64
}

// DefaultSpreadConfig returns the stock tuning.
func DefaultSpreadConfig() SpreadConfig {
	return SpreadConfig{
		Common:                Common{Enabled: true, Weight: 1, MaxPosition: 5_000, Cooldown: 30 * time.Second},
		MinSpread:             0.02,
		Improve:               0.001,
		OrderSize:             100,
		MaxInventoryImbalance: 0.3,
	}
}

// inventoryLimit is the position, in shares, that counts as fully imbalanced.
func (c SpreadConfig) inventoryLimit() float64 { return c.OrderSize * 10 }

// SpreadTrading quotes inside wide spreads on both sides and tracks the net
// inventory its fills leave behind.
type SpreadTrading struct {
	cfg      SpreadConfig
	cooldown *cooldown

	mu        sync.Mutex
	inventory map[string]float64 // market/outcome -> net shares
}

// NewSpreadTrading creates a spread trading strategy.
func NewSpreadTrading(cfg SpreadConfig) *SpreadTrading {
	return &SpreadTrading{
		cfg:       cfg,
		cooldown:  newCooldown(cfg.Cooldown),
		inventory: make(map[string]float64),
	}
}

// ID returns the strategy identifier.
func (s *SpreadTrading) ID() string { return IDSpread }

// Evaluate quotes every outcome whose spread is wide enough.
func (s *SpreadTrading) Evaluate(snap domain.MarketSnapshot, capital float64) []domain.TradeIntent {
	var out []domain.TradeIntent
	for _, q := range snap.Outcomes {
		if !q.HasBid() || !q.HasAsk() || q.Spread() < s.cfg.MinSpread {
			continue
		}
		ourBid := q.BidPrice + s.cfg.Improve
		ourAsk := q.AskPrice - s.cfg.Improve
		ourSpread := ourAsk - ourBid
		if ourSpread < s.cfg.MinSpread*q.Mid() {
			continue
		}
		if !s.cooldown.tryFire(snap.VenueMarketID+"/"+q.Label, snap.AsOf) {
			continue
		}

		inv := s.Inventory(snap.VenueMarketID, q.Label)
		limit := s.cfg.inventoryLimit()
		reason := fmt.Sprintf("%s spread=%.4f quote %.4f/%.4f inventory=%.0f", q.Label, q.Spread(), ourBid, ourAsk, inv)

		if math.Abs(inv+s.cfg.OrderSize)/limit <= s.cfg.MaxInventoryImbalance {
			if size := sizeFor(s.cfg.OrderSize*ourBid, s.cfg.MaxPosition, capital); size > 0 {
				in := newIntent(IDSpread, snap)
				in.Side = domain.SideBuy
				in.Outcome = q.Label
				in.Size = size
				in.LimitPrice = ourBid
				in.ExpectedEdge = ourSpread
				in.Reason = reason
				out = append(out, in)
				capital -= size
			}
		}
		if math.Abs(inv-s.cfg.OrderSize)/limit <= s.cfg.MaxInventoryImbalance {
			if size := sizeFor(s.cfg.OrderSize*(1-ourAsk), s.cfg.MaxPosition, capital); size > 0 {
				in := newIntent(IDSpread, snap)
				in.Side = domain.SideSell
				in.Outcome = q.Label
				in.Size = size
				in.LimitPrice = ourAsk
				in.ExpectedEdge = ourSpread
				in.Reason = reason
				out = append(out, in)
				capital -= size
			}
		}
	}
	return out
}

// OnFill updates the net inventory of the filled outcome.
func (s *SpreadTrading) OnFill(f Fill) {
	if f.Quantity == 0 {
		return
	}
	key := f.VenueMarketID + "/" + f.Outcome
	s.mu.Lock()
	defer s.mu.Unlock()
	switch f.Side {
	case domain.SideBuy:
		s.inventory[key] += f.Quantity
	case domain.SideSell:
		s.inventory[key] -= f.Quantity
	}
}

// Inventory returns the net shares held in one outcome.
func (s *SpreadTrading) Inventory(marketID, outcome string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inventory[marketID+"/"+outcome]
}
