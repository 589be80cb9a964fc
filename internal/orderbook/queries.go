package orderbook

import (
	"math"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// CombinedAsk sums the best asks of the given outcomes. ok is false when any
// of them has no ask.
func (b *Book) CombinedAsk(outcomes ...string) (float64, bool) {
	if len(outcomes) == 0 {
		return 0, false
	}
	var sum float64
	for _, o := range outcomes {
		q, ok := b.TopOfBook(o)
		if !ok || !q.HasAsk() {
			return 0, false
		}
		sum += q.AskPrice
	}
	return sum, true
}

// CombinedBid sums the best bids of the given outcomes.
func (b *Book) CombinedBid(outcomes ...string) (float64, bool) {
	if len(outcomes) == 0 {
		return 0, false
	}
	var sum float64
	for _, o := range outcomes {
		q, ok := b.TopOfBook(o)
		if !ok || !q.HasBid() {
			return 0, false
		}
		sum += q.BidPrice
	}
	return sum, true
}

// PairQuote is the combined top of book of a binary market.
type PairQuote struct {
	AskSum float64
	BidSum float64
	HasAsk bool
	HasBid bool
}

// YesNoCombined returns the combined ask and bid of the two outcomes.
func (b *Book) YesNoCombined(yes, no string) PairQuote {
	var pq PairQuote
	pq.AskSum, pq.HasAsk = b.CombinedAsk(yes, no)
	pq.BidSum, pq.HasBid = b.CombinedBid(yes, no)
	return pq
}

// Spread returns ask minus bid of an outcome, 0 when a side is missing.
func (b *Book) Spread(outcome string) float64 {
	q, _ := b.TopOfBook(outcome)
	return q.Spread()
}

// SpreadPct returns the spread relative to the mid.
func (b *Book) SpreadPct(outcome string) float64 {
	q, _ := b.TopOfBook(outcome)
	mid := q.Mid()
	if mid == 0 {
		return 0
	}
	return q.Spread() / mid
}

// Mid returns the midpoint of an outcome.
func (b *Book) Mid(outcome string) float64 {
	q, _ := b.TopOfBook(outcome)
	return q.Mid()
}

// Depth sums the size of the best n levels of one side; n <= 0 means all.
func (b *Book) Depth(outcome string, side domain.BookSide, n int) float64 {
	levels := b.Levels(outcome, side)
	if n > 0 && n < len(levels) {
		levels = levels[:n]
	}
	var sum float64
	for _, l := range levels {
		sum += l.Size
	}
	return sum
}

// Imbalance is (bidDepth-askDepth)/(bidDepth+askDepth) over the best n levels,
// in [-1,1].
func (b *Book) Imbalance(outcome string, n int) float64 {
	bid := b.Depth(outcome, domain.BookSideBid, n)
	ask := b.Depth(outcome, domain.BookSideAsk, n)
	if bid+ask == 0 {
		return 0
	}
	return (bid - ask) / (bid + ask)
}

// Impact describes walking a ladder with a marketable order.
type Impact struct {
	AvgPrice   float64
	WorstPrice float64
	Filled     float64
	// ImpactPct is |avg - best| / best.
	ImpactPct float64
}

// PriceImpact walks the opposite ladder for qty shares. A buy consumes asks, a
// sell consumes bids. Filled is less than qty when the ladder runs out.
func (b *Book) PriceImpact(outcome string, side domain.IntentSide, qty float64) Impact {
	levels := b.takeLevels(outcome, side)
	if len(levels) == 0 || qty <= 0 {
		return Impact{}
	}
	remaining := qty
	var cost float64
	var worst float64
	for _, l := range levels {
		if remaining <= 0 {
			break
		}
		take := math.Min(remaining, l.Size)
		cost += take * l.Price
		remaining -= take
		worst = l.Price
	}
	filled := qty - remaining
	if filled <= 0 {
		return Impact{AvgPrice: levels[0].Price, WorstPrice: levels[0].Price}
	}
	avg := cost / filled
	return Impact{
		AvgPrice:   avg,
		WorstPrice: worst,
		Filled:     filled,
		ImpactPct:  math.Abs(avg-levels[0].Price) / levels[0].Price,
	}
}

// VWAP returns the volume-weighted price and share count obtained by spending
// notional against the opposite ladder.
func (b *Book) VWAP(outcome string, side domain.IntentSide, notional float64) (price, qty float64) {
	levels := b.takeLevels(outcome, side)
	remaining := notional
	var spent float64
	for _, l := range levels {
		if remaining <= 0 {
			break
		}
		levelCost := l.Price * l.Size
		if levelCost <= remaining {
			spent += levelCost
			qty += l.Size
			remaining -= levelCost
			continue
		}
		part := remaining / l.Price
		spent += remaining
		qty += part
		remaining = 0
	}
	if qty == 0 {
		return 0, 0
	}
	return spent / qty, qty
}

func (b *Book) takeLevels(outcome string, side domain.IntentSide) []domain.PriceLevel {
	if side == domain.SideSell {
		return b.Levels(outcome, domain.BookSideBid)
	}
	return b.Levels(outcome, domain.BookSideAsk)
}
