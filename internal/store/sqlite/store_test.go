package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

var t0 = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "polyarb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(orderID string, state domain.OrderState, at time.Time) domain.OrderStateRecord {
	o := domain.Order{ID: orderID, StrategyID: "yes_no_arb", State: state, UpdatedAt: at}
	return domain.NewTransitionRecord(o, at)
}

func TestInsertAssignsIncreasingSeq(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a, err := s.Insert(ctx, record("o1", domain.OrderCreated, t0))
	require.NoError(t, err)
	b, err := s.Insert(ctx, record("o1", domain.OrderSubmitting, t0.Add(time.Second)))
	require.NoError(t, err)
	assert.Greater(t, b, a)

	recs, err := s.ListOrder(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, domain.OrderSubmitting, recs[1].Order.State)
	assert.True(t, recs[1].RecordedAt.Equal(t0.Add(time.Second)))
	assert.Equal(t, domain.RecordTransition, recs[0].Kind)
}

func TestListLatestOpenSkipsTerminal(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for _, r := range []domain.OrderStateRecord{
		record("done", domain.OrderCreated, t0),
		record("open", domain.OrderCreated, t0),
		record("done", domain.OrderFilled, t0.Add(time.Second)),
		record("open", domain.OrderAcknowledged, t0.Add(2*time.Second)),
	} {
		_, err := s.Insert(ctx, r)
		require.NoError(t, err)
	}

	open, err := s.ListLatestOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "open", open[0].OrderID)
	assert.Equal(t, domain.OrderAcknowledged, open[0].Order.State)
}

func TestListSettlementsAfterCursor(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	settled := func(orderID string, pnl float64) domain.OrderStateRecord {
		o := domain.Order{ID: orderID, StrategyID: "yes_no_arb", State: domain.OrderFilled, Settled: true, RealizedPnL: pnl}
		return domain.NewSettlementRecord(o, t0)
	}
	var seqs []int64
	for _, r := range []domain.OrderStateRecord{
		record("a", domain.OrderFilled, t0),
		settled("a", 5),
		record("b", domain.OrderFilled, t0),
		settled("b", -2),
	} {
		seq, err := s.Insert(ctx, r)
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}

	all, err := s.ListSettlements(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, domain.RecordSettlement, all[0].Kind)
	assert.InDelta(t, 5, all[0].Order.RealizedPnL, 1e-9)

	rest, err := s.ListSettlements(ctx, seqs[1])
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "b", rest[0].OrderID)
}

func TestListSince(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Insert(ctx, record("o", domain.OrderCreated, t0.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}
	recs, err := s.List(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestCapitalCheckpointRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, err := s.Load(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)

	l := domain.CapitalLedger{
		InitialCapital: decimal.NewFromInt(10_000),
		TotalCapital:   decimal.NewFromInt(10_250),
		RealizedPnL:    decimal.NewFromInt(250),
		Allocated:      map[string]decimal.Decimal{"near_resolved": decimal.NewFromInt(1_200)},
	}
	require.NoError(t, s.Save(ctx, l))
	l.TotalCapital = decimal.NewFromInt(10_300)
	require.NoError(t, s.Save(ctx, l))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, got.TotalCapital.Equal(decimal.NewFromInt(10_300)))
	assert.True(t, got.Allocated["near_resolved"].Equal(decimal.NewFromInt(1_200)))
}

func TestCorruptCheckpointDetected(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, domain.CapitalLedger{TotalCapital: decimal.NewFromInt(1)}))

	_, err := s.db.ExecContext(ctx, `UPDATE capital_checkpoint SET data = '{"total_capital":"999"}' WHERE id = 1`)
	require.NoError(t, err)

	_, err = s.Load(ctx)
	require.ErrorIs(t, err, domain.ErrDataIntegrity)
}

func TestAuditLog(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	clock := t0
	s.now = func() time.Time { return clock }

	audit := s.Audit()

	require.NoError(t, audit.Log(ctx, domain.AuditDayRolled, map[string]any{"daily_loss": "12.50"}))
	clock = clock.Add(time.Minute)
	require.NoError(t, audit.Log(ctx, domain.AuditEngineStopped, nil))

	entries, err := audit.List(ctx, t0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.AuditEngineStopped, entries[0].Event)
	assert.Equal(t, "12.50", entries[1].Detail["daily_loss"])

	limited, err := audit.List(ctx, t0, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
