// Package sqlite is the single-file backend for dry runs and local replays:
// the order ledger, the capital checkpoint and the audit log in one SQLite
// database.
package sqlite

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS order_records (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id    TEXT    NOT NULL,
	kind        TEXT    NOT NULL,
	state       TEXT    NOT NULL,
	strategy_id TEXT    NOT NULL,
	payload     TEXT    NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_records_order ON order_records (order_id, seq);
CREATE INDEX IF NOT EXISTS idx_order_records_recorded ON order_records (recorded_at);
CREATE INDEX IF NOT EXISTS idx_order_records_kind ON order_records (kind, seq);

CREATE TABLE IF NOT EXISTS capital_checkpoint (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	data       TEXT    NOT NULL,
	checksum   BLOB    NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event      TEXT    NOT NULL,
	detail     TEXT,
	created_at INTEGER NOT NULL
);
`

// Store holds the database handle. It implements domain.LedgerStore and
// domain.CapitalCheckpointer; Audit exposes the audit log of the same file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One writer; SQLite serializes them anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Insert(ctx context.Context, rec domain.OrderStateRecord) (int64, error) {
	payload, err := json.Marshal(rec.Order)
	if err != nil {
		return 0, fmt.Errorf("sqlite: marshal order %s: %w", rec.OrderID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO order_records (order_id, kind, state, strategy_id, payload, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.OrderID, string(rec.Kind), string(rec.Order.State), rec.Order.StrategyID, string(payload), rec.RecordedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert record for %s: %w", rec.OrderID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert record for %s: %w", rec.OrderID, err)
	}
	return seq, nil
}

func (s *Store) List(ctx context.Context, since time.Time) ([]domain.OrderStateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, order_id, payload, recorded_at FROM order_records WHERE recorded_at >= ? ORDER BY seq`,
		since.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list records: %w", err)
	}
	return collectRecords(rows)
}

func (s *Store) ListOrder(ctx context.Context, orderID string) ([]domain.OrderStateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, order_id, payload, recorded_at FROM order_records WHERE order_id = ? ORDER BY seq`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list records of %s: %w", orderID, err)
	}
	return collectRecords(rows)
}

func (s *Store) ListSettlements(ctx context.Context, afterSeq int64) ([]domain.OrderStateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, order_id, payload, recorded_at FROM order_records WHERE kind = ? AND seq > ? ORDER BY seq`,
		string(domain.RecordSettlement), afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list settlements after %d: %w", afterSeq, err)
	}
	return collectRecords(rows)
}

func (s *Store) ListLatestOpen(ctx context.Context) ([]domain.OrderStateRecord, error) {
	const query = `
		SELECT r.seq, r.kind, r.order_id, r.payload, r.recorded_at
		FROM order_records r
		JOIN (SELECT order_id, MAX(seq) AS seq FROM order_records GROUP BY order_id) latest
			ON r.seq = latest.seq
		WHERE r.state NOT IN (?, ?, ?)
		ORDER BY r.seq`
	rows, err := s.db.QueryContext(ctx, query,
		string(domain.OrderFilled), string(domain.OrderCancelled), string(domain.OrderRejected),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list open orders: %w", err)
	}
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]domain.OrderStateRecord, error) {
	defer rows.Close()

	var out []domain.OrderStateRecord
	for rows.Next() {
		var (
			rec     domain.OrderStateRecord
			kind    string
			payload string
			at      int64
		)
		if err := rows.Scan(&rec.Seq, &kind, &rec.OrderID, &payload, &at); err != nil {
			return nil, fmt.Errorf("sqlite: scan record: %w", err)
		}
		rec.Kind = domain.RecordKind(kind)
		rec.RecordedAt = time.Unix(0, at).UTC()
		if err := json.Unmarshal([]byte(payload), &rec.Order); err != nil {
			return nil, fmt.Errorf("sqlite: decode record %d: %w: %v", rec.Seq, domain.ErrDataIntegrity, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate records: %w", err)
	}
	return out, nil
}

// Save replaces the capital checkpoint. A checksum is stored with it and
// verified on Load.
func (s *Store) Save(ctx context.Context, ledger domain.CapitalLedger) error {
	data, err := json.Marshal(ledger)
	if err != nil {
		return fmt.Errorf("sqlite: marshal capital ledger: %w", err)
	}
	sum := sha256.Sum256(data)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin checkpoint: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO capital_checkpoint (id, data, checksum, updated_at) VALUES (1, ?, ?, ?)`,
		string(data), sum[:], s.now().UnixNano(),
	); err != nil {
		return fmt.Errorf("sqlite: save capital checkpoint: %w", err)
	}
	return tx.Commit()
}

// Load returns the capital checkpoint, or domain.ErrNotFound before the first
// Save. A checksum mismatch is reported as domain.ErrDataIntegrity.
func (s *Store) Load(ctx context.Context) (domain.CapitalLedger, error) {
	var (
		data     string
		checksum []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT data, checksum FROM capital_checkpoint WHERE id = 1`).Scan(&data, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CapitalLedger{}, fmt.Errorf("sqlite: capital checkpoint: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.CapitalLedger{}, fmt.Errorf("sqlite: load capital checkpoint: %w", err)
	}

	sum := sha256.Sum256([]byte(data))
	if !bytes.Equal(sum[:], checksum) {
		return domain.CapitalLedger{}, fmt.Errorf("sqlite: capital checkpoint: %w: checksum mismatch", domain.ErrDataIntegrity)
	}
	var ledger domain.CapitalLedger
	if err := json.Unmarshal([]byte(data), &ledger); err != nil {
		return domain.CapitalLedger{}, fmt.Errorf("sqlite: decode capital checkpoint: %w: %v", domain.ErrDataIntegrity, err)
	}
	return ledger, nil
}

// Audit is the audit log table of a Store.
type Audit struct {
	s *Store
}

// Audit returns the audit log view of the database.
func (s *Store) Audit() *Audit {
	return &Audit{s: s}
}

// Log appends an audit entry.
func (a *Audit) Log(ctx context.Context, event string, detail map[string]any) error {
	var encoded sql.NullString
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("sqlite: marshal audit detail: %w", err)
		}
		encoded = sql.NullString{String: string(b), Valid: true}
	}
	if _, err := a.s.db.ExecContext(ctx,
		`INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, encoded, a.s.now().UnixNano(),
	); err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns audit entries at or after since, newest first.
func (a *Audit) List(ctx context.Context, since time.Time, limit int) ([]domain.AuditEntry, error) {
	query := `SELECT id, event, detail, created_at FROM audit_log WHERE created_at >= ? ORDER BY created_at DESC, id DESC`
	args := []any{since.UnixNano()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := a.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e      domain.AuditEntry
			detail sql.NullString
			at     int64
		)
		if err := rows.Scan(&e.ID, &e.Event, &detail, &at); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		e.CreatedAt = time.Unix(0, at).UTC()
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var (
	_ domain.LedgerStore         = (*Store)(nil)
	_ domain.CapitalCheckpointer = (*Store)(nil)
	_ domain.AuditLog            = (*Audit)(nil)
)
