package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// CapitalStore implements domain.CapitalCheckpointer as a single-row upsert.
type CapitalStore struct {
	pool *pgxpool.Pool
}

// NewCapitalStore creates a CapitalStore backed by the given connection pool.
func NewCapitalStore(pool *pgxpool.Pool) *CapitalStore {
	return &CapitalStore{pool: pool}
}

// Save replaces the checkpoint.
func (s *CapitalStore) Save(ctx context.Context, ledger domain.CapitalLedger) error {
	data, err := json.Marshal(ledger)
	if err != nil {
		return fmt.Errorf("postgres: marshal capital ledger: %w", err)
	}

	const query = `
		INSERT INTO capital_checkpoint (id, ledger, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET
			ledger     = EXCLUDED.ledger,
			updated_at = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, query, data); err != nil {
		return fmt.Errorf("postgres: save capital checkpoint: %w", err)
	}
	return nil
}

// Load returns the checkpoint, or domain.ErrNotFound before the first Save.
func (s *CapitalStore) Load(ctx context.Context) (domain.CapitalLedger, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT ledger FROM capital_checkpoint WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CapitalLedger{}, fmt.Errorf("postgres: capital checkpoint: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.CapitalLedger{}, fmt.Errorf("postgres: load capital checkpoint: %w", err)
	}

	var ledger domain.CapitalLedger
	if err := json.Unmarshal(data, &ledger); err != nil {
		return domain.CapitalLedger{}, fmt.Errorf("postgres: decode capital checkpoint: %w: %v", domain.ErrDataIntegrity, err)
	}
	return ledger, nil
}

var _ domain.CapitalCheckpointer = (*CapitalStore)(nil)
