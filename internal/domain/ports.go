package domain

import (
	"context"
	"time"
)

// VenueOrderAPI is the venue's order boundary. Submit carries a client
// idempotency key; the venue must treat a repeated key as the same order.
type VenueOrderAPI interface {
	Submit(ctx context.Context, req OrderRequest) (VenueOrderStatus, error)
	// Query looks an order up by its client key. It returns ErrNotFound when
	// the venue never accepted it.
	Query(ctx context.Context, idempotencyKey string) (VenueOrderStatus, error)
	// Cancel cancels the open remainder of the order the venue acknowledged
	// under venueOrderID.
	Cancel(ctx context.Context, venueOrderID string) (VenueOrderStatus, error)
}

// Ledger is the durable, append-only order journal.
type Ledger interface {
	// Append assigns rec.Seq and persists it before returning.
	Append(ctx context.Context, rec OrderStateRecord) (OrderStateRecord, error)
	ReadAll(ctx context.Context) ([]OrderStateRecord, error)
	ReadOrder(ctx context.Context, orderID string) ([]OrderStateRecord, error)
	// ReadSettlements returns settlement records with a sequence above
	// afterSeq, in sequence order.
	ReadSettlements(ctx context.Context, afterSeq int64) ([]OrderStateRecord, error)
	// ReadOpen returns the latest record of every order not yet terminal.
	ReadOpen(ctx context.Context) ([]OrderStateRecord, error)
	Flush(ctx context.Context) error
}

// LedgerStore is the persistence backing a Ledger.
type LedgerStore interface {
	Insert(ctx context.Context, rec OrderStateRecord) (int64, error)
	List(ctx context.Context, since time.Time) ([]OrderStateRecord, error)
	ListOrder(ctx context.Context, orderID string) ([]OrderStateRecord, error)
	ListSettlements(ctx context.Context, afterSeq int64) ([]OrderStateRecord, error)
	ListLatestOpen(ctx context.Context) ([]OrderStateRecord, error)
}

// CapitalCheckpointer persists the capital ledger.
type CapitalCheckpointer interface {
	Save(ctx context.Context, ledger CapitalLedger) error
	// Load returns ErrNotFound when nothing was saved yet.
	Load(ctx context.Context) (CapitalLedger, error)
}

// NotificationSink delivers operator notifications. Delivery is best-effort.
type NotificationSink interface {
	Deliver(ctx context.Context, ev Notification) error
}

// NotificationKind names a notification event.
type NotificationKind string

const (
	NotifyTradeExecuted   NotificationKind = "trade_executed"
	NotifyArbitrageFound  NotificationKind = "arbitrage_found"
	NotifyPositionClosed  NotificationKind = "position_closed"
	NotifyOrderRejected   NotificationKind = "order_rejected"
	NotifyDailyLossBreach NotificationKind = "daily_loss_breached"
	NotifyInvariant       NotificationKind = "capital_invariant"
	NotifyDailySummary    NotificationKind = "daily_summary"
	NotifyError           NotificationKind = "error_alert"
)

// Notification is one operator-facing event.
type Notification struct {
	Kind    NotificationKind `json:"kind"`
	Title   string           `json:"title"`
	Message string           `json:"message"`
	At      time.Time        `json:"at"`
}
