// Package orderbook keeps per-outcome bid and ask ladders for one venue market
// and answers the pure queries strategies need.
package orderbook

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// ErrStale is returned for a diff whose sequence was already applied.
var ErrStale = errors.New("orderbook: stale update")

// priceScale quantizes prices so equal levels share a key.
const priceScale = 1e6

type priceKey int64

func keyOf(p float64) priceKey { return priceKey(math.Round(p * priceScale)) }

func (k priceKey) price() float64 { return float64(k) / priceScale }

// ladder maps quantized price to size. A ladder is never mutated after it is
// installed in a Book; updates build a new one.
type ladder map[priceKey]float64

func (l ladder) clone() ladder {
	out := make(ladder, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// outcomeBook holds the two ladders of one outcome.
type outcomeBook struct {
	bids ladder
	asks ladder
}

func (o outcomeBook) bestBid() (priceKey, float64, bool) {
	var best priceKey
	found := false
	for k := range o.bids {
		if !found || k > best {
			best, found = k, true
		}
	}
	return best, o.bids[best], found
}

func (o outcomeBook) bestAsk() (priceKey, float64, bool) {
	var best priceKey
	found := false
	for k := range o.asks {
		if !found || k < best {
			best, found = k, true
		}
	}
	return best, o.asks[best], found
}

func (o outcomeBook) crossed() bool {
	b, _, okb := o.bestBid()
	a, _, oka := o.bestAsk()
	return okb && oka && b > a
}

// Book is the ladder state of one market. It is not safe for concurrent use;
// the aggregator serializes writers and publishes snapshots to readers.
type Book struct {
	marketID    string
	labels      []string
	outcomes    map[string]outcomeBook
	sequence    uint64
	hasSnapshot bool
	updatedAt   time.Time
}

// New creates an empty book with the given outcome labels, in display order.
func New(marketID string, labels []string) *Book {
	b := &Book{
		marketID: marketID,
		labels:   append([]string(nil), labels...),
		outcomes: make(map[string]outcomeBook, len(labels)),
	}
	for _, l := range labels {
		b.outcomes[l] = outcomeBook{bids: ladder{}, asks: ladder{}}
	}
	return b
}

// MarketID returns the venue market id.
func (b *Book) MarketID() string { return b.marketID }

// Sequence returns the last applied sequence number.
func (b *Book) Sequence() uint64 { return b.sequence }

// HasSnapshot reports whether a full snapshot has been applied.
func (b *Book) HasSnapshot() bool { return b.hasSnapshot }

// UpdatedAt returns the timestamp of the last applied update.
func (b *Book) UpdatedAt() time.Time { return b.updatedAt }

// Labels returns the outcome labels in display order.
func (b *Book) Labels() []string { return append([]string(nil), b.labels...) }

func checkLevel(c domain.LevelChange) error {
	if c.Size < 0 || math.IsNaN(c.Size) {
		return fmt.Errorf("orderbook: %w: negative size %.6f at %s %s %.6f",
			domain.ErrDataIntegrity, c.Size, c.Outcome, c.Side, c.Price)
	}
	if c.Price <= 0 || c.Price >= 1 || math.IsNaN(c.Price) {
		return fmt.Errorf("orderbook: %w: price %.6f outside (0,1) for %s",
			domain.ErrDataIntegrity, c.Price, c.Outcome)
	}
	if c.Side != domain.BookSideBid && c.Side != domain.BookSideAsk {
		return fmt.Errorf("orderbook: %w: unknown side %q", domain.ErrDataIntegrity, c.Side)
	}
	return nil
}

// ApplySnapshot replaces every ladder with the snapshot's levels. Outcomes the
// snapshot names that the book does not know yet are appended. On error the
// book is left unchanged.
func (b *Book) ApplySnapshot(u domain.BookUpdate) error {
	next := make(map[string]outcomeBook, len(b.labels))
	labels := append([]string(nil), b.labels...)
	for _, l := range labels {
		next[l] = outcomeBook{bids: ladder{}, asks: ladder{}}
	}
	for _, c := range u.Levels {
		if err := checkLevel(c); err != nil {
			return err
		}
		ob, ok := next[c.Outcome]
		if !ok {
			ob = outcomeBook{bids: ladder{}, asks: ladder{}}
			labels = append(labels, c.Outcome)
		}
		if c.Size > 0 {
			if c.Side == domain.BookSideBid {
				ob.bids[keyOf(c.Price)] = c.Size
			} else {
				ob.asks[keyOf(c.Price)] = c.Size
			}
		}
		next[c.Outcome] = ob
	}
	for label, ob := range next {
		if ob.crossed() {
			return fmt.Errorf("orderbook: snapshot %s: %w: crossed book on %s",
				b.marketID, domain.ErrDataIntegrity, label)
		}
	}
	b.labels = labels
	b.outcomes = next
	b.sequence = u.Sequence
	b.hasSnapshot = true
	b.updatedAt = u.Timestamp
	return nil
}

// ApplyDiff applies an incremental update. The diff must carry the immediate
// successor of the last applied sequence; a duplicate returns ErrStale and a
// gap returns domain.ErrDataIntegrity. Validation happens on copies of the
// touched outcomes, so a rejected diff never mutates the book.
func (b *Book) ApplyDiff(u domain.BookUpdate) error {
	if !b.hasSnapshot {
		return fmt.Errorf("orderbook: diff %s: %w: no snapshot applied", b.marketID, domain.ErrDataIntegrity)
	}
	if u.Sequence <= b.sequence {
		return ErrStale
	}
	if u.Sequence != b.sequence+1 {
		return fmt.Errorf("orderbook: diff %s: %w: sequence gap %d -> %d",
			b.marketID, domain.ErrDataIntegrity, b.sequence, u.Sequence)
	}

	touched := make(map[string]outcomeBook)
	for _, c := range u.Levels {
		if err := checkLevel(c); err != nil {
			return err
		}
		ob, ok := touched[c.Outcome]
		if !ok {
			cur, known := b.outcomes[c.Outcome]
			if !known {
				return fmt.Errorf("orderbook: diff %s: %w: unknown outcome %q",
					b.marketID, domain.ErrDataIntegrity, c.Outcome)
			}
			ob = outcomeBook{bids: cur.bids.clone(), asks: cur.asks.clone()}
			touched[c.Outcome] = ob
		}
		side := ob.asks
		if c.Side == domain.BookSideBid {
			side = ob.bids
		}
		if c.Size == 0 {
			delete(side, keyOf(c.Price))
		} else {
			side[keyOf(c.Price)] = c.Size
		}
	}
	for label, ob := range touched {
		if ob.crossed() {
			return fmt.Errorf("orderbook: diff %s: %w: update would cross %s",
				b.marketID, domain.ErrDataIntegrity, label)
		}
	}

	for label, ob := range touched {
		b.outcomes[label] = ob
	}
	b.sequence = u.Sequence
	b.updatedAt = u.Timestamp
	return nil
}

// TopOfBook returns the best bid and ask of an outcome with the size resting at
// each.
func (b *Book) TopOfBook(outcome string) (domain.OutcomeQuote, bool) {
	ob, ok := b.outcomes[outcome]
	if !ok {
		return domain.OutcomeQuote{}, false
	}
	q := domain.OutcomeQuote{Label: outcome}
	if k, size, ok := ob.bestBid(); ok {
		q.BidPrice, q.BidDepth = k.price(), size
	}
	if k, size, ok := ob.bestAsk(); ok {
		q.AskPrice, q.AskDepth = k.price(), size
	}
	return q, true
}

// Levels returns an outcome's ladder best-first.
func (b *Book) Levels(outcome string, side domain.BookSide) []domain.PriceLevel {
	ob, ok := b.outcomes[outcome]
	if !ok {
		return nil
	}
	src := ob.asks
	if side == domain.BookSideBid {
		src = ob.bids
	}
	keys := make([]priceKey, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	if side == domain.BookSideBid {
		sort.Slice(keys, func(i, j int) bool { return keys[i] > keys[j] })
	} else {
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	}
	out := make([]domain.PriceLevel, len(keys))
	for i, k := range keys {
		out[i] = domain.PriceLevel{Price: k.price(), Size: src[k]}
	}
	return out
}

// Snapshot builds the immutable market view published to strategies.
func (b *Book) Snapshot(meta domain.MarketMeta, asOf time.Time) domain.MarketSnapshot {
	snap := domain.MarketSnapshot{
		VenueMarketID: b.marketID,
		Question:      meta.Question,
		Outcomes:      make([]domain.OutcomeQuote, 0, len(b.labels)),
		Sequence:      b.sequence,
		LastUpdated:   b.updatedAt,
		AsOf:          asOf,
		ResolvesAt:    meta.ResolvesAt,
		Instrument:    meta.Instrument,
		Direction:     meta.Direction,
	}
	for _, l := range b.labels {
		q, _ := b.TopOfBook(l)
		snap.Outcomes = append(snap.Outcomes, q)
	}
	return snap
}
