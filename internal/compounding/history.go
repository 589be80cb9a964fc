package compounding

import (
	"time"

	"github.com/shopspring/decimal"
)

// CapitalPoint is total capital as of one compounding run.
type CapitalPoint struct {
	At          time.Time       `json:"at"`
	Capital     decimal.Decimal `json:"capital"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// Performance is the growth summary reported on status and in the daily
// summary.
type Performance struct {
	Initial     decimal.Decimal `json:"initial"`
	Current     decimal.Decimal `json:"current"`
	Peak        decimal.Decimal `json:"peak"`
	TotalReturn float64         `json:"total_return"`
	Drawdown    float64         `json:"drawdown"`
	MaxDrawdown float64         `json:"max_drawdown"`
	Trades      int             `json:"trades"`
	Wins        int             `json:"wins"`
	WinRate     float64         `json:"win_rate"`
}

// History keeps a bounded series of capital points with running peak and
// drawdown.
type History struct {
	limit       int
	points      []CapitalPoint
	initial     decimal.Decimal
	peak        decimal.Decimal
	maxDrawdown float64
}

// NewHistory creates a History holding at most limit points.
func NewHistory(limit int) *History {
	return &History{limit: limit}
}

// Record appends a point. The first point fixes the initial capital.
func (h *History) Record(at time.Time, capital, realized decimal.Decimal) {
	if len(h.points) == 0 && h.initial.IsZero() {
		h.initial = capital.Sub(realized)
		h.peak = capital
	}
	if capital.GreaterThan(h.peak) {
		h.peak = capital
	}
	if dd := drawdown(h.peak, capital); dd > h.maxDrawdown {
		h.maxDrawdown = dd
	}

	h.points = append(h.points, CapitalPoint{At: at, Capital: capital, RealizedPnL: realized})
	if len(h.points) > h.limit {
		h.points = h.points[len(h.points)-h.limit:]
	}
}

// Points returns a copy of the series, oldest first.
func (h *History) Points() []CapitalPoint {
	out := make([]CapitalPoint, len(h.points))
	copy(out, h.points)
	return out
}

// Performance summarizes the series. Trade counts are left to the caller.
func (h *History) Performance() Performance {
	p := Performance{
		Initial:     h.initial,
		Peak:        h.peak,
		MaxDrawdown: h.maxDrawdown,
	}
	if len(h.points) == 0 {
		return p
	}
	p.Current = h.points[len(h.points)-1].Capital
	p.Drawdown = drawdown(h.peak, p.Current)
	if h.initial.IsPositive() {
		p.TotalReturn, _ = p.Current.Sub(h.initial).Div(h.initial).Float64()
	}
	return p
}

func drawdown(peak, current decimal.Decimal) float64 {
	if !peak.IsPositive() {
		return 0
	}
	dd, _ := peak.Sub(current).Div(peak).Float64()
	if dd < 0 {
		return 0
	}
	return dd
}
