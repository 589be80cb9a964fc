package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// MemoryStore is an in-process domain.LedgerStore for tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	seq     int64
	records []domain.OrderStateRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Insert(_ context.Context, rec domain.OrderStateRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	rec.Seq = s.seq
	s.records = append(s.records, rec)
	return s.seq, nil
}

func (s *MemoryStore) List(_ context.Context, since time.Time) ([]domain.OrderStateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderStateRecord
	for _, r := range s.records {
		if !r.RecordedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListOrder(_ context.Context, orderID string) ([]domain.OrderStateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderStateRecord
	for _, r := range s.records {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListSettlements(_ context.Context, afterSeq int64) ([]domain.OrderStateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderStateRecord
	for _, r := range s.records {
		if r.Kind == domain.RecordSettlement && r.Seq > afterSeq {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListLatestOpen returns the newest record of every order whose latest state
// is not terminal, ordered by sequence.
func (s *MemoryStore) ListLatestOpen(_ context.Context) ([]domain.OrderStateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := make(map[string]domain.OrderStateRecord)
	for _, r := range s.records {
		if prev, ok := latest[r.OrderID]; !ok || r.Seq > prev.Seq {
			latest[r.OrderID] = r
		}
	}
	var out []domain.OrderStateRecord
	for _, r := range latest {
		if !r.Order.State.IsTerminal() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

var _ domain.LedgerStore = (*MemoryStore)(nil)
