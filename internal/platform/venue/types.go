package venue

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// flexFloat unmarshals from a JSON number or a numeric string; the venue
// sends sizes and prices both ways.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse %q: %w", s, err)
	}
	*f = flexFloat(n)
	return nil
}

// apiOrderRequest is the body of POST /orders.
type apiOrderRequest struct {
	ClientKey   string   `json:"client_key"`
	MarketID    string   `json:"market_id"`
	Side        string   `json:"side"`
	Outcomes    []string `json:"outcomes"`
	Quantity    string   `json:"quantity"`
	LimitPrice  string   `json:"limit_price"`
	TimeInForce string   `json:"time_in_force"`
}

func newAPIOrderRequest(req domain.OrderRequest) apiOrderRequest {
	return apiOrderRequest{
		ClientKey:   req.IdempotencyKey,
		MarketID:    req.VenueMarketID,
		Side:        string(req.Side),
		Outcomes:    req.Outcomes,
		Quantity:    strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		LimitPrice:  strconv.FormatFloat(req.LimitPrice, 'f', -1, 64),
		TimeInForce: "GTC",
	}
}

// apiOrder is the venue's order representation.
type apiOrder struct {
	ID          string    `json:"id"`
	ClientKey   string    `json:"client_key"`
	Status      string    `json:"status"`
	SizeMatched flexFloat `json:"size_matched"`
	AvgPrice    flexFloat `json:"avg_price"`
	Remaining   flexFloat `json:"remaining"`
	Reason      string    `json:"reason,omitempty"`
}

// toDomain maps the venue status vocabulary onto order states.
func (o apiOrder) toDomain() (domain.VenueOrderStatus, error) {
	if o.ID == "" {
		return domain.VenueOrderStatus{}, fmt.Errorf("%w: order %q without venue id", domain.ErrDataIntegrity, o.ClientKey)
	}
	st := domain.VenueOrderStatus{
		VenueOrderID: o.ID,
		ClientKey:    o.ClientKey,
		FilledSize:   float64(o.SizeMatched),
		AvgFillPrice: float64(o.AvgPrice),
		Remaining:    float64(o.Remaining),
		Reason:       o.Reason,
	}
	switch strings.ToLower(o.Status) {
	case "live", "open", "pending", "accepted":
		st.State = domain.OrderAcknowledged
	case "partially_filled", "partial":
		st.State = domain.OrderPartiallyFilled
	case "matched", "filled":
		st.State = domain.OrderFilled
	case "cancelled", "canceled", "expired":
		st.State = domain.OrderCancelled
	case "rejected", "unmatched":
		st.State = domain.OrderRejected
	default:
		return st, fmt.Errorf("%w: unknown order status %q", domain.ErrDataIntegrity, o.Status)
	}
	return st, nil
}

// apiMarket is one entry of GET /markets.
type apiMarket struct {
	ID         string   `json:"id"`
	Question   string   `json:"question"`
	Outcomes   []string `json:"outcomes"`
	Instrument string   `json:"instrument,omitempty"`
	Direction  string   `json:"direction,omitempty"`
	ResolvesAt string   `json:"resolves_at,omitempty"`
	Active     bool     `json:"active"`
}

func (m apiMarket) toDomain() domain.MarketMeta {
	meta := domain.MarketMeta{
		VenueMarketID: m.ID,
		Question:      m.Question,
		Outcomes:      m.Outcomes,
		Instrument:    m.Instrument,
		Direction:     domain.ImpulseDirection(m.Direction),
	}
	if m.ResolvesAt != "" {
		if t, err := time.Parse(time.RFC3339, m.ResolvesAt); err == nil {
			meta.ResolvesAt = t
		}
	}
	return meta
}

// apiLevel is a [price, size] pair.
type apiLevel [2]flexFloat

// apiBook is GET /markets/{id}/book: one bid and ask ladder per outcome.
type apiBook struct {
	MarketID  string `json:"market"`
	Sequence  uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"` // unix millis
	Outcomes  map[string]struct {
		Bids []apiLevel `json:"bids"`
		Asks []apiLevel `json:"asks"`
	} `json:"outcomes"`
}

// toSnapshot converts the book into a snapshot update. Outcomes are emitted
// in label order so the result is deterministic.
func (b apiBook) toSnapshot() domain.BookUpdate {
	labels := make([]string, 0, len(b.Outcomes))
	for label := range b.Outcomes {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	u := domain.BookUpdate{
		VenueMarketID: b.MarketID,
		Kind:          domain.BookUpdateSnapshot,
		Sequence:      b.Sequence,
		Timestamp:     time.UnixMilli(b.Timestamp).UTC(),
	}
	for _, label := range labels {
		ladders := b.Outcomes[label]
		for _, l := range ladders.Bids {
			u.Levels = append(u.Levels, domain.LevelChange{Outcome: label, Side: domain.BookSideBid, Price: float64(l[0]), Size: float64(l[1])})
		}
		for _, l := range ladders.Asks {
			u.Levels = append(u.Levels, domain.LevelChange{Outcome: label, Side: domain.BookSideAsk, Price: float64(l[0]), Size: float64(l[1])})
		}
	}
	return u
}
