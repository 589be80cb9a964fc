package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// AuditHandler lists audit entries.
type AuditHandler struct {
	log    domain.AuditLog
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(log domain.AuditLog, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{log: log, logger: logger.With(slog.String("handler", "audit"))}
}

// ListAudit returns entries newest first. since is RFC 3339 and defaults to
// the last 24 hours.
// GET /api/audit
func (h *AuditHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		since = t
	}

	entries, err := h.log.List(r.Context(), since, queryLimit(r, 100, 1000))
	if err != nil {
		h.logger.Error("list audit entries", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
