package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// NearResolvedConfig tunes NearResolved.
type NearResolvedConfig struct {
	Common
	MinProbability      float64
	MaxProbability      float64
	MinYield            float64
	MaxTimeToResolution time.Duration
	// MaxPerMarketPct caps one snipe as a share of available capital.
	MaxPerMarketPct float64
	MinPosition     float64
}

// DefaultNearResolvedConfig returns the stock tuning.
func DefaultNearResolvedConfig() NearResolvedConfig {
	return NearResolvedConfig{
		Common:              Common{Enabled: true, Weight: 1, MaxPosition: 10_000, Cooldown: time.Minute},
		MinProbability:      0.95,
		MaxProbability:      0.99,
		MinYield:            0.001,
		MaxTimeToResolution: 24 * time.Hour,
		MaxPerMarketPct:     0.20,
		MinPosition:         10,
	}
}

// NearResolved buys outcomes priced close to certainty shortly before
// resolution and holds them to payout.
type NearResolved struct {
	cfg      NearResolvedConfig
	cooldown *cooldown
}

// NewNearResolved creates a near-resolved sniping strategy.
func NewNearResolved(cfg NearResolvedConfig) *NearResolved {
	return &NearResolved{cfg: cfg, cooldown: newCooldown(cfg.Cooldown)}
}

// ID returns the strategy identifier.
func (n *NearResolved) ID() string { return IDNearResolved }

// Evaluate looks for one outcome whose ask sits in the configured band.
func (n *NearResolved) Evaluate(snap domain.MarketSnapshot, capital float64) []domain.TradeIntent {
	if snap.ResolvesAt.IsZero() {
		return nil
	}
	left := snap.ResolvesAt.Sub(snap.AsOf)
	if left <= 0 || left > n.cfg.MaxTimeToResolution {
		return nil
	}

	var best domain.OutcomeQuote
	for _, q := range snap.Outcomes {
		if !q.HasAsk() || q.AskPrice < n.cfg.MinProbability || q.AskPrice > n.cfg.MaxProbability {
			continue
		}
		if (1-q.AskPrice)/q.AskPrice < n.cfg.MinYield {
			continue
		}
		// The cheapest qualifying outcome carries the most yield.
		if best.Label == "" || q.AskPrice < best.AskPrice {
			best = q
		}
	}
	if best.Label == "" {
		return nil
	}

	// Larger positions the closer the price is to certainty.
	confidence := math.Min(1, math.Max(0, (best.AskPrice-0.90)/0.10))
	want := capital * n.cfg.MaxPerMarketPct * confidence
	if want < n.cfg.MinPosition {
		return nil
	}
	size := sizeFor(want, n.cfg.MaxPosition, capital)
	if size == 0 {
		return nil
	}
	if !n.cooldown.tryFire(snap.VenueMarketID+"/"+best.Label, snap.AsOf) {
		return nil
	}

	yield := (1 - best.AskPrice) / best.AskPrice
	in := newIntent(IDNearResolved, snap)
	in.Side = domain.SideBuy
	in.Outcome = best.Label
	in.Size = size
	in.LimitPrice = best.AskPrice
	in.ExpectedEdge = 1 - best.AskPrice
	in.Reason = fmt.Sprintf("%s @ %.4f yield=%.4f resolves in %s", best.Label, best.AskPrice, yield, left.Round(time.Minute))
	return []domain.TradeIntent{in}
}
