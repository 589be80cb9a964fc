package strategy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// StrategyInfo holds runtime info for a registered strategy (for status APIs).
type StrategyInfo struct {
	ID             string     `json:"id"`
	IntentsEmitted int64      `json:"intents_emitted"`
	LastIntent     *time.Time `json:"last_intent,omitempty"`
	FillsObserved  int64      `json:"fills_observed"`
}

// Registry manages the enabled strategies by id. It is safe for concurrent use.
type Registry struct {
	strategies map[string]Strategy
	info       map[string]*StrategyInfo
	mu         sync.RWMutex
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
		info:       make(map[string]*StrategyInfo),
	}
}

// Register adds a strategy under its id, replacing any previous one.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.ID()] = s
	r.info[s.ID()] = &StrategyInfo{ID: s.ID()}
}

// Get retrieves a strategy by id.
func (r *Registry) Get(id string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[id]
	if !ok {
		return nil, fmt.Errorf("strategy %q: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

// List returns the ids of all registered strategies in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.strategies))
	for id := range r.strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns the registered strategies ordered by id.
func (r *Registry) All() []Strategy {
	ids := r.List()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Strategy, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.strategies[id])
	}
	return out
}

// RecordIntents counts intents a strategy emitted in one cycle.
func (r *Registry) RecordIntents(id string, n int, at time.Time) {
	if n == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.info[id]; ok {
		info.IntentsEmitted += int64(n)
		t := at
		info.LastIntent = &t
	}
}

// ListInfo returns runtime info for all registered strategies.
func (r *Registry) ListInfo() []StrategyInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.info))
	for id := range r.info {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	infos := make([]StrategyInfo, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, *r.info[id])
	}
	return infos
}

// OrderUpdated routes fill progress of an order to its strategy when that
// strategy observes fills.
func (r *Registry) OrderUpdated(prev, cur domain.Order) {
	delta := cur.FilledSize - prev.FilledSize
	if delta <= 0 {
		return
	}
	r.mu.Lock()
	s, ok := r.strategies[cur.StrategyID]
	if info := r.info[cur.StrategyID]; info != nil {
		info.FillsObserved++
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	obs, ok := s.(FillObserver)
	if !ok {
		return
	}
	obs.OnFill(Fill{
		StrategyID:    cur.StrategyID,
		VenueMarketID: cur.VenueMarketID,
		Outcome:       cur.Intent.Outcome,
		Side:          cur.Intent.Side,
		Quantity:      delta,
		Price:         cur.AvgFillPrice,
		At:            cur.UpdatedAt,
	})
}
