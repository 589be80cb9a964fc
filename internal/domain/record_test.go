package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func records(o Order, states ...OrderState) []OrderStateRecord {
	at := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	out := make([]OrderStateRecord, len(states))
	for i, s := range states {
		o.State = s
		r := NewTransitionRecord(o, at.Add(time.Duration(i)*time.Second))
		r.Seq = int64(i + 1)
		out[i] = r
	}
	return out
}

func TestReplayOrderFollowsLifecycle(t *testing.T) {
	o := Order{ID: "o1", StrategyID: "yes_no_arb"}
	recs := records(o, OrderCreated, OrderSubmitting, OrderAcknowledged, OrderFilled)

	settled := recs[3].Order
	settled.Settled = true
	settled.RealizedPnL = 12.5
	s := NewSettlementRecord(settled, recs[3].RecordedAt)
	s.Seq = 5
	recs = append(recs, s)

	// Out-of-order input is sorted by Seq.
	recs[1], recs[2] = recs[2], recs[1]

	got, err := ReplayOrder(recs)
	require.NoError(t, err)
	assert.Equal(t, OrderFilled, got.State)
	assert.True(t, got.Settled)
	assert.InDelta(t, 12.5, got.RealizedPnL, 1e-9)
}

func TestReplayOrderRejectsBadStreams(t *testing.T) {
	o := Order{ID: "o1"}

	_, err := ReplayOrder(nil)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = ReplayOrder(records(o, OrderSubmitting))
	require.ErrorIs(t, err, ErrDataIntegrity)

	_, err = ReplayOrder(records(o, OrderCreated, OrderFilled))
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = ReplayOrder(records(o, OrderCreated, OrderRejected, OrderRejected))
	require.ErrorIs(t, err, ErrInvalidTransition)

	mixed := records(o, OrderCreated, OrderSubmitting)
	mixed[1].OrderID = "o2"
	_, err = ReplayOrder(mixed)
	require.ErrorIs(t, err, ErrDataIntegrity)

	early := records(o, OrderCreated, OrderSubmitting)
	early[1].Kind = RecordSettlement
	_, err = ReplayOrder(early)
	require.ErrorIs(t, err, ErrDataIntegrity)
}

func TestGroupByOrderKeepsRecordOrder(t *testing.T) {
	a := records(Order{ID: "a"}, OrderCreated, OrderSubmitting)
	b := records(Order{ID: "b"}, OrderCreated)
	groups := GroupByOrder([]OrderStateRecord{a[0], b[0], a[1]})

	require.Len(t, groups, 2)
	assert.Equal(t, []OrderStateRecord{a[0], a[1]}, groups["a"])
	assert.Len(t, groups["b"], 1)
}

func TestAggregateStatsCountsSettlementsOnce(t *testing.T) {
	win := Order{ID: "w", StrategyID: "spread_trading", State: OrderFilled, RealizedPnL: 30}
	loss := Order{ID: "l", StrategyID: "spread_trading", State: OrderFilled, RealizedPnL: -10}
	flat := Order{ID: "f", StrategyID: "near_resolved", State: OrderCancelled}
	at := time.Now()

	stats := AggregateStats([]OrderStateRecord{
		NewTransitionRecord(win, at),
		NewSettlementRecord(win, at),
		NewSettlementRecord(win, at),
		NewSettlementRecord(loss, at),
		NewSettlementRecord(flat, at),
	})

	spread := stats["spread_trading"]
	assert.Equal(t, 2, spread.Trades)
	assert.Equal(t, 1, spread.Wins)
	assert.Equal(t, 1, spread.Losses)
	assert.InDelta(t, 20, spread.PnL, 1e-9)
	assert.InDelta(t, 0.5, spread.WinRate(), 1e-9)
	assert.InDelta(t, 30, spread.AvgWin(), 1e-9)
	assert.InDelta(t, 10, spread.AvgLoss(), 1e-9)

	sorted := SortedStats(stats)
	require.Len(t, sorted, 2)
	assert.Equal(t, "near_resolved", sorted[0].StrategyID)
	assert.Equal(t, 1, sorted[0].Trades)
	assert.Zero(t, sorted[0].Wins)
}

func TestOrderTransition(t *testing.T) {
	at := time.Now()
	o := Order{ID: "o", State: OrderCreated}

	o, err := o.Transition(OrderSubmitting, at)
	require.NoError(t, err)
	assert.Equal(t, at, o.UpdatedAt)

	_, err = o.Transition(OrderFilled, at)
	require.ErrorIs(t, err, ErrInvalidTransition)

	o.State = OrderCancelled
	_, err = o.Transition(OrderCancelled, at)
	require.ErrorIs(t, err, ErrInvalidTransition)
}
