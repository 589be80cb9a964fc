package domain

import (
	"fmt"
	"sort"
	"time"
)

// RecordKind distinguishes ledger entries.
type RecordKind string

const (
	RecordTransition RecordKind = "transition"
	RecordSettlement RecordKind = "settlement"
)

// OrderStateRecord is one append-only ledger entry. Each carries the full
// order as it stood after the event, so the last record of an order is enough
// to rebuild it.
type OrderStateRecord struct {
	// Seq is assigned by the ledger and increases per order.
	Seq        int64      `json:"seq"`
	Kind       RecordKind `json:"kind"`
	OrderID    string     `json:"order_id"`
	Order      Order      `json:"order"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// NewTransitionRecord builds the record that must be durable before o is
// committed in memory.
func NewTransitionRecord(o Order, at time.Time) OrderStateRecord {
	return OrderStateRecord{Kind: RecordTransition, OrderID: o.ID, Order: o, RecordedAt: at}
}

// NewSettlementRecord builds the record written when a position closes.
func NewSettlementRecord(o Order, at time.Time) OrderStateRecord {
	return OrderStateRecord{Kind: RecordSettlement, OrderID: o.ID, Order: o, RecordedAt: at}
}

// ReplayOrder rebuilds an order from its records. Records must all belong to
// the same order; they are applied in Seq order and every step is checked
// against the lifecycle.
func ReplayOrder(records []OrderStateRecord) (Order, error) {
	if len(records) == 0 {
		return Order{}, fmt.Errorf("replay: %w: no records", ErrNotFound)
	}
	sorted := make([]OrderStateRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	id := sorted[0].OrderID
	var cur Order
	for i, rec := range sorted {
		if rec.OrderID != id {
			return Order{}, fmt.Errorf("replay %s: %w: record for %s", id, ErrDataIntegrity, rec.OrderID)
		}
		next := rec.Order
		if i == 0 {
			if next.State != OrderCreated {
				return Order{}, fmt.Errorf("replay %s: %w: first record is %s", id, ErrDataIntegrity, next.State)
			}
			cur = next
			continue
		}
		switch rec.Kind {
		case RecordSettlement:
			if !cur.State.IsTerminal() {
				return Order{}, fmt.Errorf("replay %s: %w: settlement before terminal state", id, ErrDataIntegrity)
			}
			if next.State != cur.State {
				return Order{}, fmt.Errorf("replay %s: %w: settlement changed state", id, ErrDataIntegrity)
			}
		default:
			if next.State != cur.State && !cur.State.CanTransition(next.State) {
				return Order{}, fmt.Errorf("replay %s: %w: %s -> %s", id, ErrInvalidTransition, cur.State, next.State)
			}
			if next.State == cur.State && cur.State.IsTerminal() {
				return Order{}, fmt.Errorf("replay %s: %w: update after %s", id, ErrInvalidTransition, cur.State)
			}
		}
		cur = next
	}
	return cur, nil
}

// GroupByOrder splits a record stream by order id, preserving order.
func GroupByOrder(records []OrderStateRecord) map[string][]OrderStateRecord {
	out := make(map[string][]OrderStateRecord)
	for _, r := range records {
		out[r.OrderID] = append(out[r.OrderID], r)
	}
	return out
}
