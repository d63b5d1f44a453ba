package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/campusclash/internal/domain"
	"github.com/alanyoungcy/campusclash/internal/service"
)

// MarketService defines the methods that the market handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type MarketService interface {
	CreateMarket(ctx context.Context, actorID string, in service.NewMarket) (domain.Market, error)
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	ListMarkets(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error)
	GetPoolState(ctx context.Context, marketID string) (domain.PoolState, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logHandler(logger, "market"),
	}
}

type createMarketRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	OptionA     string     `json:"option_a"`
	OptionB     string     `json:"option_b"`
	StakeUnit   int64      `json:"stake_unit"`
	Deadline    *time.Time `json:"deadline"`
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []marketResponse `json:"markets"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

// CreateMarket opens a new market on behalf of the caller.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	actor, ok := callerID(w, r)
	if !ok {
		return
	}
	var req createMarketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := h.markets.CreateMarket(r.Context(), actor, service.NewMarket{
		Title:       req.Title,
		Description: req.Description,
		OptionA:     req.OptionA,
		OptionB:     req.OptionB,
		StakeUnit:   req.StakeUnit,
		Deadline:    req.Deadline,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMarket(m))
}

// ListMarkets returns markets with pagination, optionally filtered by status.
// GET /api/markets?status=OPEN&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	status, err := domain.ParseMarketStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts := parseListOpts(r)

	markets, err := h.markets.ListMarkets(r.Context(), status, opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list markets", err)
		return
	}

	out := make([]marketResponse, len(markets))
	for i, m := range markets {
		out[i] = toMarket(m)
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: out,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.GetMarket(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, toMarket(m))
}

// GetPool returns the pool split of a market.
// GET /api/markets/{id}/pool
func (h *MarketHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	ps, err := h.markets.GetPoolState(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get pool", err)
		return
	}
	writeJSON(w, http.StatusOK, toPool(ps))
}
