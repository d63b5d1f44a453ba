package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

// WagerService defines the methods the position handler needs.
type WagerService interface {
	PlaceWager(ctx context.Context, marketID, userID string, side domain.Side, quantity int64) (domain.Position, error)
	ListMarketPositions(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Position, error)
	ListUserPositions(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Position, error)
}

// PositionHandler serves wager placement and position listings.
type PositionHandler struct {
	wagers WagerService
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(wagers WagerService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		wagers: wagers,
		logger: logHandler(logger, "position"),
	}
}

type placeWagerRequest struct {
	Side     string `json:"side"`
	Quantity int64  `json:"quantity"`
}

type placeWagerResponse struct {
	PositionID string           `json:"position_id"`
	Position   positionResponse `json:"position"`
}

type listPositionsResponse struct {
	Positions []positionResponse `json:"positions"`
	Limit     int                `json:"limit"`
	Offset    int                `json:"offset"`
}

// PlaceWager stakes the caller's credits on one side of a market.
// POST /api/markets/{id}/wagers
func (h *PositionHandler) PlaceWager(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req placeWagerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	side, err := domain.ParseSide(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pos, err := h.wagers.PlaceWager(r.Context(), r.PathValue("id"), userID, side, req.Quantity)
	if err != nil {
		writeServiceError(w, r, h.logger, "place wager", err)
		return
	}
	writeJSON(w, http.StatusCreated, placeWagerResponse{
		PositionID: pos.ID,
		Position:   toPosition(pos),
	})
}

// ListMarketPositions lists every position in a market.
// GET /api/markets/{id}/positions
func (h *PositionHandler) ListMarketPositions(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	positions, err := h.wagers.ListMarketPositions(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list market positions", err)
		return
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{
		Positions: toPositions(positions),
		Limit:     opts.Limit,
		Offset:    opts.Offset,
	})
}

// ListUserPositions lists a user's wagering history.
// GET /api/users/{id}/positions
func (h *PositionHandler) ListUserPositions(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	positions, err := h.wagers.ListUserPositions(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list user positions", err)
		return
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{
		Positions: toPositions(positions),
		Limit:     opts.Limit,
		Offset:    opts.Offset,
	})
}
