package strategy

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// YesNoConfig tunes YesNoArb.
type YesNoConfig struct {
	Common
	// MinSpread is the minimum deviation of the pair from 1.
	MinSpread float64
}

// DefaultYesNoConfig returns the stock tuning.
func DefaultYesNoConfig() YesNoConfig {
	return YesNoConfig{
		Common:    Common{Enabled: true, Weight: 1, MaxPosition: 10_000, Cooldown: 2 * time.Second},
		MinSpread: 0.005,
	}
}

// YesNoArb detects binary Dutch books: buy both outcomes when
// ask_yes+ask_no < 1-spread, or mint and sell both when bid_yes+bid_no > 1+spread.
type YesNoArb struct {
	cfg      YesNoConfig
	cooldown *cooldown
}

// NewYesNoArb creates a yes/no arbitrage strategy.
func NewYesNoArb(cfg YesNoConfig) *YesNoArb {
	return &YesNoArb{cfg: cfg, cooldown: newCooldown(cfg.Cooldown)}
}

// ID returns the strategy identifier.
func (y *YesNoArb) ID() string { return IDYesNo }

// Evaluate checks the pair's combined ask and bid.
func (y *YesNoArb) Evaluate(snap domain.MarketSnapshot, capital float64) []domain.TradeIntent {
	yes, no, ok := binaryLabels(snap)
	if !ok {
		return nil
	}
	size := sizeFor(y.cfg.MaxPosition, y.cfg.MaxPosition, capital)
	if size == 0 {
		return nil
	}

	if sumAsk, ok := snap.CombinedAsk(yes, no); ok {
		if edge := 1 - sumAsk; edge >= y.cfg.MinSpread {
			if !y.cooldown.tryFire(snap.VenueMarketID+"/buy", snap.AsOf) {
				return nil
			}
			in := newIntent(IDYesNo, snap)
			in.Side = domain.SideBuyBoth
			in.Basket = []string{yes, no}
			in.Size = size
			in.LimitPrice = sumAsk
			in.ExpectedEdge = edge
			in.Reason = fmt.Sprintf("buy pair sum_ask=%.4f edge=%.4f", sumAsk, edge)
			return []domain.TradeIntent{in}
		}
	}

	if sumBid, ok := snap.CombinedBid(yes, no); ok {
		if edge := sumBid - 1; edge >= y.cfg.MinSpread {
			if !y.cooldown.tryFire(snap.VenueMarketID+"/sell", snap.AsOf) {
				return nil
			}
			in := newIntent(IDYesNo, snap)
			in.Side = domain.SideSellBoth
			in.Basket = []string{yes, no}
			in.Size = size
			in.LimitPrice = sumBid
			in.ExpectedEdge = edge
			in.Reason = fmt.Sprintf("mint and sell pair sum_bid=%.4f edge=%.4f", sumBid, edge)
			return []domain.TradeIntent{in}
		}
	}
	return nil
}
