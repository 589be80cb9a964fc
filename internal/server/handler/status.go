package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/alanyoungcy/polyarb/internal/compounding"
	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/orchestrator"
)

// CapitalView exposes the capital ledger.
type CapitalView interface {
	Ledger() domain.CapitalLedger
}

// OrderView exposes the executor's in-memory orders.
type OrderView interface {
	Orders() []domain.Order
	InFlight() int
	// Stalled lists orders the engine cannot currently drive.
	Stalled() []string
}

// CycleView exposes the latest scan cycle.
type CycleView interface {
	LastCycle() (orchestrator.CycleReport, int64)
}

// CompoundingView exposes the compounding coordinator's last run.
type CompoundingView interface {
	Allocations() []compounding.Allocation
	Stats() map[string]domain.StrategyStats
	Performance() compounding.Performance
}

// StatusDeps groups what the status endpoint reads. Feeds may be nil.
type StatusDeps struct {
	Mode        string
	Capital     CapitalView
	Orders      OrderView
	Cycles      CycleView
	Compounding CompoundingView
	Feeds       func(context.Context) map[string]any
}

// StatusHandler serves the engine status for the dashboard.
type StatusHandler struct {
	deps    StatusDeps
	started time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(deps StatusDeps) *StatusHandler {
	return &StatusHandler{deps: deps, started: time.Now().UTC()}
}

// GetStatus responds with capital, strategy performance, the last cycle and
// feed health.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	last, cycles := h.deps.Cycles.LastCycle()
	ledger := h.deps.Capital.Ledger()

	body := map[string]any{
		"mode":           h.deps.Mode,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"capital": map[string]any{
			"ledger":    ledger,
			"allocated": ledger.AllocatedTotal(),
			"free":      ledger.Free(),
		},
		"orders_in_flight": h.deps.Orders.InFlight(),
		"orders_stalled":   h.deps.Orders.Stalled(),
		"cycles":           cycles,
		"last_cycle":       last,
		"allocations":      h.deps.Compounding.Allocations(),
		"strategy_stats":   h.deps.Compounding.Stats(),
		"performance":      h.deps.Compounding.Performance(),
	}
	if h.deps.Feeds != nil {
		body["feeds"] = h.deps.Feeds(r.Context())
	}
	writeJSON(w, http.StatusOK, body)
}
