package strategy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// RangeConfig tunes RangeCoverage.
type RangeConfig struct {
	Common
	MaxTotalCost float64
	MinOutcomes  int
	// TargetProfitPct, when positive, is the minimum (1-cost)/cost required.
	TargetProfitPct float64
}

// DefaultRangeConfig returns the stock tuning.
func DefaultRangeConfig() RangeConfig {
	return RangeConfig{
		Common:       Common{Enabled: true, Weight: 1, MaxPosition: 5_000, Cooldown: time.Minute},
		MaxTotalCost: 0.98,
		MinOutcomes:  3,
	}
}

// RangeCoverage buys a basket of the likeliest outcomes of a multi-outcome
// market when the basket costs less than its payout.
type RangeCoverage struct {
	cfg      RangeConfig
	cooldown *cooldown
}

// NewRangeCoverage creates a range coverage strategy.
func NewRangeCoverage(cfg RangeConfig) *RangeCoverage {
	return &RangeCoverage{cfg: cfg, cooldown: newCooldown(cfg.Cooldown)}
}

// ID returns the strategy identifier.
func (r *RangeCoverage) ID() string { return IDRange }

// Evaluate builds the greedy basket: outcomes by descending ask, ties in label
// order, added while the running cost stays within MaxTotalCost.
func (r *RangeCoverage) Evaluate(snap domain.MarketSnapshot, capital float64) []domain.TradeIntent {
	if len(snap.Outcomes) < r.cfg.MinOutcomes {
		return nil
	}
	quotes := make([]domain.OutcomeQuote, 0, len(snap.Outcomes))
	for _, q := range snap.Outcomes {
		if q.HasAsk() {
			quotes = append(quotes, q)
		}
	}
	sort.SliceStable(quotes, func(i, j int) bool {
		if quotes[i].AskPrice != quotes[j].AskPrice {
			return quotes[i].AskPrice > quotes[j].AskPrice
		}
		return quotes[i].Label < quotes[j].Label
	})

	var basket []string
	var cost float64
	for _, q := range quotes {
		if cost+q.AskPrice > r.cfg.MaxTotalCost {
			break
		}
		cost += q.AskPrice
		basket = append(basket, q.Label)
	}
	if len(basket) < r.cfg.MinOutcomes || cost <= 0 {
		return nil
	}
	profitPct := (1 - cost) / cost
	if r.cfg.TargetProfitPct > 0 && profitPct < r.cfg.TargetProfitPct {
		return nil
	}
	size := sizeFor(r.cfg.MaxPosition, r.cfg.MaxPosition, capital)
	if size == 0 {
		return nil
	}
	if !r.cooldown.tryFire(snap.VenueMarketID, snap.AsOf) {
		return nil
	}

	in := newIntent(IDRange, snap)
	in.Side = domain.SideBuyBasket
	in.Basket = basket
	in.Size = size
	in.LimitPrice = cost
	in.ExpectedEdge = 1 - cost
	in.Reason = fmt.Sprintf("cover %d outcomes [%s] @ %.4f profit=%.2f%%",
		len(basket), strings.Join(basket, ","), cost, profitPct*100)
	return []domain.TradeIntent{in}
}
