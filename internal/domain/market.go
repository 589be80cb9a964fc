package domain

import "time"

// Outcome labels used by binary markets.
const (
	OutcomeYes = "YES"
	OutcomeNo  = "NO"
)

// MarketMeta is the static description of a venue market the engine follows.
type MarketMeta struct {
	VenueMarketID string
	Question      string
	Outcomes      []string
	// Instrument links the market to an external price series, e.g. "BTCUSDT".
	Instrument string
	// Direction is the instrument move that makes the first outcome more likely
	// ("up" for "BTC above X" markets, "down" for "below X").
	Direction  ImpulseDirection
	ResolvesAt time.Time
}

// OutcomeQuote is the top of book of one outcome.
type OutcomeQuote struct {
	Label    string  `json:"label"`
	BidPrice float64 `json:"bid_price"`
	AskPrice float64 `json:"ask_price"`
	BidDepth float64 `json:"bid_depth"`
	AskDepth float64 `json:"ask_depth"`
}

// HasBid reports whether a bid is present.
func (q OutcomeQuote) HasBid() bool { return q.BidPrice > 0 }

// HasAsk reports whether an ask is present.
func (q OutcomeQuote) HasAsk() bool { return q.AskPrice > 0 }

// Spread returns ask minus bid, or 0 when either side is missing.
func (q OutcomeQuote) Spread() float64 {
	if !q.HasBid() || !q.HasAsk() {
		return 0
	}
	return q.AskPrice - q.BidPrice
}

// Mid returns the midpoint, falling back to whichever side is present.
func (q OutcomeQuote) Mid() float64 {
	switch {
	case q.HasBid() && q.HasAsk():
		return (q.BidPrice + q.AskPrice) / 2
	case q.HasAsk():
		return q.AskPrice
	default:
		return q.BidPrice
	}
}

// MarketSnapshot is an immutable copy of one market's state. The aggregator
// produces it; every other component only reads it.
type MarketSnapshot struct {
	VenueMarketID string           `json:"venue_market_id"`
	Question      string           `json:"question,omitempty"`
	Outcomes      []OutcomeQuote   `json:"outcomes"`
	Sequence      uint64           `json:"sequence"`
	LastUpdated   time.Time        `json:"last_updated"`
	AsOf          time.Time        `json:"as_of"`
	ResolvesAt    time.Time        `json:"resolves_at,omitempty"`
	Instrument    string           `json:"instrument,omitempty"`
	Direction     ImpulseDirection `json:"direction,omitempty"`
	Impulse       *Impulse         `json:"impulse,omitempty"`
}

// Clone returns a deep copy.
func (s MarketSnapshot) Clone() MarketSnapshot {
	out := s
	if s.Outcomes != nil {
		out.Outcomes = make([]OutcomeQuote, len(s.Outcomes))
		copy(out.Outcomes, s.Outcomes)
	}
	if s.Impulse != nil {
		imp := *s.Impulse
		out.Impulse = &imp
	}
	return out
}

// Outcome returns the quote for label.
func (s MarketSnapshot) Outcome(label string) (OutcomeQuote, bool) {
	for _, o := range s.Outcomes {
		if o.Label == label {
			return o, true
		}
	}
	return OutcomeQuote{}, false
}

// CombinedAsk sums the best asks of the given outcomes. ok is false when any of
// them has no ask.
func (s MarketSnapshot) CombinedAsk(labels ...string) (sum float64, ok bool) {
	for _, l := range labels {
		q, found := s.Outcome(l)
		if !found || !q.HasAsk() {
			return 0, false
		}
		sum += q.AskPrice
	}
	return sum, len(labels) > 0
}

// CombinedBid sums the best bids of the given outcomes.
func (s MarketSnapshot) CombinedBid(labels ...string) (sum float64, ok bool) {
	for _, l := range labels {
		q, found := s.Outcome(l)
		if !found || !q.HasBid() {
			return 0, false
		}
		sum += q.BidPrice
	}
	return sum, len(labels) > 0
}

// Consistent reports whether every outcome satisfies bid <= ask and carries
// prices inside (0,1).
func (s MarketSnapshot) Consistent() bool {
	for _, o := range s.Outcomes {
		if o.HasBid() && (o.BidPrice >= 1) {
			return false
		}
		if o.HasAsk() && (o.AskPrice >= 1) {
			return false
		}
		if o.HasBid() && o.HasAsk() && o.BidPrice > o.AskPrice {
			return false
		}
	}
	return true
}
