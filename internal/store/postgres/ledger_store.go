package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// LedgerStore implements domain.LedgerStore over the order_records table.
// The order travels as JSONB; kind, state and strategy are copied into
// columns for filtering.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Insert appends a record and returns its sequence number.
func (s *LedgerStore) Insert(ctx context.Context, rec domain.OrderStateRecord) (int64, error) {
	payload, err := json.Marshal(rec.Order)
	if err != nil {
		return 0, fmt.Errorf("postgres: marshal order %s: %w", rec.OrderID, err)
	}

	const query = `
		INSERT INTO order_records (order_id, kind, state, strategy_id, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq`

	var seq int64
	err = s.pool.QueryRow(ctx, query,
		rec.OrderID, string(rec.Kind), string(rec.Order.State), rec.Order.StrategyID, payload, rec.RecordedAt,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert record for %s: %w", rec.OrderID, err)
	}
	return seq, nil
}

// List returns every record at or after since, in sequence order.
func (s *LedgerStore) List(ctx context.Context, since time.Time) ([]domain.OrderStateRecord, error) {
	const query = `
		SELECT seq, kind, order_id, payload, recorded_at
		FROM order_records
		WHERE recorded_at >= $1
		ORDER BY seq`

	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: list records: %w", err)
	}
	return collectRecords(rows)
}

// ListOrder returns one order's records in sequence order.
func (s *LedgerStore) ListOrder(ctx context.Context, orderID string) ([]domain.OrderStateRecord, error) {
	const query = `
		SELECT seq, kind, order_id, payload, recorded_at
		FROM order_records
		WHERE order_id = $1
		ORDER BY seq`

	rows, err := s.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list records of %s: %w", orderID, err)
	}
	return collectRecords(rows)
}

// ListSettlements returns settlement records past afterSeq in sequence order.
func (s *LedgerStore) ListSettlements(ctx context.Context, afterSeq int64) ([]domain.OrderStateRecord, error) {
	const query = `
		SELECT seq, kind, order_id, payload, recorded_at
		FROM order_records
		WHERE kind = $1 AND seq > $2
		ORDER BY seq`

	rows, err := s.pool.Query(ctx, query, string(domain.RecordSettlement), afterSeq)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlements after %d: %w", afterSeq, err)
	}
	return collectRecords(rows)
}

// ListLatestOpen returns the newest record of every order still open.
func (s *LedgerStore) ListLatestOpen(ctx context.Context) ([]domain.OrderStateRecord, error) {
	const query = `
		SELECT seq, kind, order_id, payload, recorded_at
		FROM (
			SELECT DISTINCT ON (order_id) seq, kind, order_id, state, payload, recorded_at
			FROM order_records
			ORDER BY order_id, seq DESC
		) latest
		WHERE state <> ALL($1)
		ORDER BY seq`

	rows, err := s.pool.Query(ctx, query, terminalStates())
	if err != nil {
		return nil, fmt.Errorf("postgres: list open orders: %w", err)
	}
	return collectRecords(rows)
}

func terminalStates() []string {
	return []string{
		string(domain.OrderFilled),
		string(domain.OrderCancelled),
		string(domain.OrderRejected),
	}
}

func collectRecords(rows pgx.Rows) ([]domain.OrderStateRecord, error) {
	defer rows.Close()

	var out []domain.OrderStateRecord
	for rows.Next() {
		var (
			rec     domain.OrderStateRecord
			kind    string
			payload []byte
		)
		if err := rows.Scan(&rec.Seq, &kind, &rec.OrderID, &payload, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan record: %w", err)
		}
		rec.Kind = domain.RecordKind(kind)
		if err := json.Unmarshal(payload, &rec.Order); err != nil {
			return nil, fmt.Errorf("postgres: decode record %d: %w: %v", rec.Seq, domain.ErrDataIntegrity, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate records: %w", err)
	}
	return out, nil
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
