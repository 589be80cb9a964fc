package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// TradeExecuted describes an order that has stopped filling.
func TradeExecuted(o domain.Order, at time.Time) domain.Notification {
	return domain.Notification{
		Kind:  domain.NotifyTradeExecuted,
		Title: fmt.Sprintf("%s filled on %s", o.StrategyID, o.VenueMarketID),
		Message: fmt.Sprintf("%s %s qty=%.2f avg=%.4f notional=%.2f order=%s",
			o.Intent.Side, strings.Join(o.Intent.Legs(), "+"), o.FilledSize, o.AvgFillPrice, o.FilledNotional(), o.ID),
		At: at,
	}
}

// PositionClosed describes a settled order.
func PositionClosed(o domain.Order, at time.Time) domain.Notification {
	return domain.Notification{
		Kind:    domain.NotifyPositionClosed,
		Title:   fmt.Sprintf("%s closed %s", o.StrategyID, o.VenueMarketID),
		Message: fmt.Sprintf("realized pnl=%.2f order=%s", o.RealizedPnL, o.ID),
		At:      at,
	}
}

// OrderRejected describes an order the venue refused or that ran out of
// attempts.
func OrderRejected(o domain.Order, at time.Time) domain.Notification {
	return domain.Notification{
		Kind:    domain.NotifyOrderRejected,
		Title:   fmt.Sprintf("%s order rejected", o.StrategyID),
		Message: fmt.Sprintf("market=%s attempts=%d error=%s order=%s", o.VenueMarketID, o.Attempts, o.LastError, o.ID),
		At:      at,
	}
}

// CapitalInvariant reports a failed capital invariant check.
func CapitalInvariant(err error, at time.Time) domain.Notification {
	return domain.Notification{
		Kind:    domain.NotifyInvariant,
		Title:   "Capital invariant violated",
		Message: err.Error(),
		At:      at,
	}
}

// DailySummary reports the ledger as it stood at the end of a day together
// with the per-strategy track record.
func DailySummary(prev domain.CapitalLedger, stats map[string]domain.StrategyStats, at time.Time) domain.Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "capital=%s realized=%s daily_loss=%s allocated=%s",
		prev.TotalCapital.StringFixed(2), prev.RealizedPnL.StringFixed(2),
		prev.DailyLoss.StringFixed(2), prev.AllocatedTotal().StringFixed(2))

	ids := make([]string, 0, len(stats))
	for id := range stats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := stats[id]
		fmt.Fprintf(&b, "\n%s: trades=%d win_rate=%.1f%% pnl=%.2f", id, s.Trades, 100*s.WinRate(), s.PnL)
	}
	return domain.Notification{
		Kind:    domain.NotifyDailySummary,
		Title:   "Daily summary " + prev.DayBoundary.Add(-24*time.Hour).Format("2006-01-02"),
		Message: b.String(),
		At:      at,
	}
}

// OrderEvents turns order updates into notifications. It satisfies the
// executor's observer interface.
type OrderEvents struct {
	sink domain.NotificationSink
	now  func() time.Time
}

// NewOrderEvents creates an OrderEvents delivering to sink.
func NewOrderEvents(sink domain.NotificationSink) *OrderEvents {
	return &OrderEvents{sink: sink, now: time.Now}
}

func (e *OrderEvents) OrderUpdated(prev, cur domain.Order) {
	now := e.now()
	switch {
	case cur.Settled && !prev.Settled:
		_ = e.sink.Deliver(context.Background(), PositionClosed(cur, now))
	case prev.State == cur.State:
	case cur.State == domain.OrderFilled,
		cur.State == domain.OrderCancelled && cur.FilledSize > 0:
		_ = e.sink.Deliver(context.Background(), TradeExecuted(cur, now))
	case cur.State == domain.OrderRejected:
		_ = e.sink.Deliver(context.Background(), OrderRejected(cur, now))
	}
}

// CapitalEvents turns capital manager events into notifications. It
// satisfies the risk manager's observer interface.
type CapitalEvents struct {
	sink  domain.NotificationSink
	stats func() map[string]domain.StrategyStats
	now   func() time.Time
}

// NewCapitalEvents creates a CapitalEvents delivering to sink. stats, if
// set, supplies the track record for the daily summary.
func NewCapitalEvents(sink domain.NotificationSink, stats func() map[string]domain.StrategyStats) *CapitalEvents {
	return &CapitalEvents{sink: sink, stats: stats, now: time.Now}
}

func (e *CapitalEvents) AllocationDecided(domain.TradeIntent, error) {}

func (e *CapitalEvents) LedgerChanged(domain.CapitalLedger) {}

func (e *CapitalEvents) InvariantViolated(err error) {
	_ = e.sink.Deliver(context.Background(), CapitalInvariant(err, e.now()))
}

func (e *CapitalEvents) DayRolled(prev domain.CapitalLedger) {
	var stats map[string]domain.StrategyStats
	if e.stats != nil {
		stats = e.stats()
	}
	_ = e.sink.Deliver(context.Background(), DailySummary(prev, stats, e.now()))
}
