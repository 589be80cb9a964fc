package domain

import (
	"context"
	"time"
)

// Audit events.
const (
	AuditDayRolled         = "capital.day_rolled"
	AuditInvariantViolated = "capital.invariant_violated"
	AuditDailyLossBreached = "capital.daily_loss_breached"
	AuditEngineStarted     = "engine.started"
	AuditEngineStopped     = "engine.stopped"
	AuditOrderSettled      = "order.settled"
)

// AuditEntry is one operator-facing incident kept alongside the ledger.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditLog records and lists audit entries.
type AuditLog interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, since time.Time, limit int) ([]AuditEntry, error)
}
