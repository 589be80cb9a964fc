package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// OrderRecords reads one order's journal entries.
type OrderRecords interface {
	ReadOrder(ctx context.Context, orderID string) ([]domain.OrderStateRecord, error)
}

// OrderSettler closes the position of a finished order.
type OrderSettler interface {
	Settle(ctx context.Context, orderID string, proceeds float64) (domain.Order, error)
}

// OrderHandler serves the order endpoints.
type OrderHandler struct {
	orders  OrderView
	records OrderRecords
	settler OrderSettler
	logger  *slog.Logger
}

// NewOrderHandler creates an OrderHandler. settler may be nil, in which case
// CanSettle reports false and the settle route is not mounted.
func NewOrderHandler(orders OrderView, records OrderRecords, settler OrderSettler, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders:  orders,
		records: records,
		settler: settler,
		logger:  logger.With(slog.String("handler", "orders")),
	}
}

// CanSettle reports whether SettleOrder is backed by an executor.
func (h *OrderHandler) CanSettle() bool { return h.settler != nil }

// ListOrders returns the orders held in memory, newest first. With
// ?state=open only non-terminal orders are listed.
// GET /api/orders
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	openOnly := r.URL.Query().Get("state") == "open"
	limit := queryLimit(r, 100, 1000)

	all := h.orders.Orders()
	out := make([]domain.Order, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if openOnly && all[i].State.IsTerminal() {
			continue
		}
		out = append(out, all[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orders": out,
		"count":  len(out),
	})
}

// GetOrder rebuilds an order from its journal and returns it with the
// records it was built from.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	recs, err := h.records.ReadOrder(r.Context(), id)
	if err != nil {
		h.logger.Error("read order records",
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read order")
		return
	}
	if len(recs) == 0 {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}

	order, err := domain.ReplayOrder(recs)
	if err != nil {
		h.logger.Error("replay order",
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "order journal is inconsistent")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order":   order,
		"records": recs,
	})
}

type settleRequest struct {
	Proceeds *float64 `json:"proceeds"`
}

// SettleOrder records what a resolved position paid out.
// POST /api/orders/{id}/settle {"proceeds": 102.5}
func (h *OrderHandler) SettleOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req settleRequest
	if err := decodeBody(w, r, &req); err != nil || req.Proceeds == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"proceeds\": <number>}")
		return
	}
	if *req.Proceeds < 0 {
		writeError(w, http.StatusBadRequest, "proceeds must not be negative")
		return
	}

	order, err := h.settler.Settle(r.Context(), id, *req.Proceeds)
	if err != nil {
		status, known := errorStatus(err)
		if !known {
			h.logger.Error("settle order",
				slog.String("order_id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, status, "failed to settle order")
			return
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}
