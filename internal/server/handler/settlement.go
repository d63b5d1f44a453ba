package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/campusclash/internal/domain"
	"github.com/alanyoungcy/campusclash/internal/service"
)

// SettlementService defines the settlement operations the handler needs.
type SettlementService interface {
	Settle(ctx context.Context, actorID, marketID string, winning domain.Side, resultInstant time.Time) (service.SettlementReport, error)
	Receipt(ctx context.Context, marketID string) ([]byte, error)
}

// SettlementHandler serves market resolution endpoints.
type SettlementHandler struct {
	settler SettlementService
	logger  *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler.
func NewSettlementHandler(settler SettlementService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{
		settler: settler,
		logger:  logHandler(logger, "settlement"),
	}
}

type settleRequest struct {
	WinningSide   string    `json:"winning_side"`
	ResultInstant time.Time `json:"result_instant"`
}

// Settle resolves a market. The caller must be an admin.
// POST /api/markets/{id}/settle
func (h *SettlementHandler) Settle(w http.ResponseWriter, r *http.Request) {
	actor, ok := callerID(w, r)
	if !ok {
		return
	}
	var req settleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	side, err := domain.ParseSide(req.WinningSide)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ResultInstant.IsZero() {
		writeError(w, http.StatusBadRequest, "result_instant is required")
		return
	}

	report, err := h.settler.Settle(r.Context(), actor, r.PathValue("id"), side, req.ResultInstant)
	if err != nil {
		writeServiceError(w, r, h.logger, "settle", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Receipt returns the stored settlement receipt.
// GET /api/markets/{id}/receipt
func (h *SettlementHandler) Receipt(w http.ResponseWriter, r *http.Request) {
	data, err := h.settler.Receipt(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get receipt", err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
