package domain

import "sort"

// StrategyStats is the performance summary of one strategy, derived from
// settlement records.
type StrategyStats struct {
	StrategyID string  `json:"strategy_id"`
	Trades     int     `json:"trades"`
	Wins       int     `json:"wins"`
	Losses     int     `json:"losses"`
	PnL        float64 `json:"pnl"`
	GrossWin   float64 `json:"gross_win"`
	GrossLoss  float64 `json:"gross_loss"`
}

// WinRate returns wins/trades, or 0 with no trades.
func (s StrategyStats) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades)
}

// AvgWin returns the mean profit of winning trades.
func (s StrategyStats) AvgWin() float64 {
	if s.Wins == 0 {
		return 0
	}
	return s.GrossWin / float64(s.Wins)
}

// AvgLoss returns the mean absolute loss of losing trades.
func (s StrategyStats) AvgLoss() float64 {
	if s.Losses == 0 {
		return 0
	}
	return s.GrossLoss / float64(s.Losses)
}

// Record folds one closed trade into the stats.
func (s *StrategyStats) Record(pnl float64) {
	s.Trades++
	s.PnL += pnl
	switch {
	case pnl > 0:
		s.Wins++
		s.GrossWin += pnl
	case pnl < 0:
		s.Losses++
		s.GrossLoss += -pnl
	}
}

// AggregateStats derives per-strategy stats from settlement records. Other
// record kinds are ignored; a settlement seen twice for the same order counts
// once.
func AggregateStats(records []OrderStateRecord) map[string]StrategyStats {
	out := make(map[string]StrategyStats)
	seen := make(map[string]bool)
	for _, r := range records {
		if r.Kind != RecordSettlement || seen[r.OrderID] {
			continue
		}
		seen[r.OrderID] = true
		st := out[r.Order.StrategyID]
		st.StrategyID = r.Order.StrategyID
		st.Record(r.Order.RealizedPnL)
		out[r.Order.StrategyID] = st
	}
	return out
}

// SortedStats returns the stats ordered by strategy id.
func SortedStats(m map[string]StrategyStats) []StrategyStats {
	out := make([]StrategyStats, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out
}
