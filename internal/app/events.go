package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/orchestrator"
	"github.com/alanyoungcy/polyarb/internal/server/handler"
	"github.com/alanyoungcy/polyarb/internal/server/ws"
)

const auditTimeout = 5 * time.Second

// auditObserver records capital incidents in the audit log. Writes run off
// the caller's goroutine since capital observers must not block.
type auditObserver struct {
	log    domain.AuditLog
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
	// breachDay is the UTC day a daily loss breach was last recorded.
	breachDay string
	wg        sync.WaitGroup
}

func newAuditObserver(log domain.AuditLog, logger *slog.Logger) *auditObserver {
	return &auditObserver{log: log, logger: logger, now: time.Now}
}

func (a *auditObserver) write(event string, detail map[string]any) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()
		if err := a.log.Log(ctx, event, detail); err != nil {
			a.logger.Warn("audit write failed", slog.String("event", event), slog.String("error", err.Error()))
		}
	}()
}

// Wait blocks until pending writes are done.
func (a *auditObserver) Wait() { a.wg.Wait() }

func (a *auditObserver) AllocationDecided(intent domain.TradeIntent, err error) {
	if !errors.Is(err, domain.ErrDailyLossLimit) {
		return
	}
	day := a.now().UTC().Format(time.DateOnly)
	a.mu.Lock()
	first := a.breachDay != day
	a.breachDay = day
	a.mu.Unlock()
	if first {
		a.write(domain.AuditDailyLossBreached, map[string]any{"strategy": intent.StrategyID})
	}
}

func (a *auditObserver) LedgerChanged(domain.CapitalLedger) {}

func (a *auditObserver) InvariantViolated(err error) {
	a.write(domain.AuditInvariantViolated, map[string]any{"error": err.Error()})
}

func (a *auditObserver) DayRolled(prev domain.CapitalLedger) {
	a.write(domain.AuditDayRolled, map[string]any{
		"total_capital": prev.TotalCapital.String(),
		"realized_pnl":  prev.RealizedPnL.String(),
		"daily_loss":    prev.DailyLoss.String(),
	})
}

// eventPublisher pushes engine events to websocket clients. With a signal bus
// the event goes through redis and reaches the hub over its subscription, so
// every hub on the bus sees it; without one it is broadcast directly.
type eventPublisher struct {
	bus    domain.SignalBus
	hub    *ws.Hub
	logger *slog.Logger
}

func (p *eventPublisher) publish(ctx context.Context, channel string, v any) {
	if p.bus == nil && p.hub == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn("event encode failed", slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}
	if p.bus == nil {
		p.hub.Broadcast(channel, payload)
		return
	}
	if err := p.bus.Publish(ctx, channel, payload); err != nil {
		p.logger.Warn("event publish failed", slog.String("channel", channel), slog.String("error", err.Error()))
	}
}

// Impulse is the tick feed's impulse callback.
func (p *eventPublisher) Impulse(ctx context.Context, imp domain.Impulse) {
	p.publish(ctx, ws.ChannelImpulses, imp)
}

// CycleCompleted makes the publisher an orchestrator observer.
func (p *eventPublisher) CycleCompleted(r orchestrator.CycleReport) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.publish(ctx, ws.ChannelCycles, r)
}

// settler is the executor's settlement entry point.
type settler interface {
	Settle(ctx context.Context, orderID string, proceeds float64) (domain.Order, error)
}

// auditedSettler records every settlement made through the API, since it
// moves capital on an operator's word.
type auditedSettler struct {
	next  settler
	audit *auditObserver
}

func (s auditedSettler) Settle(ctx context.Context, orderID string, proceeds float64) (domain.Order, error) {
	o, err := s.next.Settle(ctx, orderID, proceeds)
	if err != nil {
		return o, err
	}
	s.audit.write(domain.AuditOrderSettled, map[string]any{
		"order_id":     o.ID,
		"strategy":     o.StrategyID,
		"proceeds":     proceeds,
		"realized_pnl": o.RealizedPnL,
	})
	return o, nil
}

var (
	_ orchestrator.Observer = (*eventPublisher)(nil)
	_ handler.OrderSettler  = auditedSettler{}
)
