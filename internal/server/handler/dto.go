package handler

import (
	"time"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

type userResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Balance   int64     `json:"balance"`
	Wins      int       `json:"wins"`
	Losses    int       `json:"losses"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

func toUser(u domain.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Name:      u.Name,
		Balance:   u.Balance,
		Wins:      u.Wins,
		Losses:    u.Losses,
		IsAdmin:   u.IsAdmin,
		CreatedAt: u.CreatedAt,
	}
}

type resolutionResponse struct {
	WinningSide   domain.Side `json:"winning_side"`
	ResultInstant time.Time   `json:"result_instant"`
	ResolvedAt    time.Time   `json:"resolved_at"`
	ResolvedBy    string      `json:"resolved_by"`
	WinningPool   int64       `json:"winning_pool"`
	LosingPool    int64       `json:"losing_pool"`
	LateRefunds   int         `json:"late_refunds"`
	Residual      int64       `json:"residual"`
	Voided        bool        `json:"voided"`
}

func toResolution(r *domain.Resolution) *resolutionResponse {
	if r == nil {
		return nil
	}
	return &resolutionResponse{
		WinningSide:   r.WinningSide,
		ResultInstant: r.ResultInstant,
		ResolvedAt:    r.ResolvedAt,
		ResolvedBy:    r.ResolvedBy,
		WinningPool:   r.WinningPool,
		LosingPool:    r.LosingPool,
		LateRefunds:   r.LateRefunds,
		Residual:      r.Residual,
		Voided:        r.Voided,
	}
}

type marketResponse struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	OptionA     string              `json:"option_a"`
	OptionB     string              `json:"option_b"`
	StakeUnit   int64               `json:"stake_unit"`
	PoolA       int64               `json:"pool_a"`
	PoolB       int64               `json:"pool_b"`
	Status      domain.MarketStatus `json:"status"`
	Deadline    *time.Time          `json:"deadline,omitempty"`
	CreatedBy   string              `json:"created_by"`
	Resolution  *resolutionResponse `json:"resolution,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

func toMarket(m domain.Market) marketResponse {
	return marketResponse{
		ID:          m.ID,
		Title:       m.Title,
		Description: m.Description,
		OptionA:     m.OptionA,
		OptionB:     m.OptionB,
		StakeUnit:   m.StakeUnit,
		PoolA:       m.PoolA,
		PoolB:       m.PoolB,
		Status:      m.Status,
		Deadline:    m.Deadline,
		CreatedBy:   m.CreatedBy,
		Resolution:  toResolution(m.Resolution),
		CreatedAt:   m.CreatedAt,
	}
}

type poolResponse struct {
	MarketID string              `json:"market_id"`
	PoolA    int64               `json:"pool_a"`
	PoolB    int64               `json:"pool_b"`
	PercentA int                 `json:"percent_a"`
	PercentB int                 `json:"percent_b"`
	Status   domain.MarketStatus `json:"status"`
	Deadline *time.Time          `json:"deadline,omitempty"`
	Settled  *resolutionResponse `json:"settled,omitempty"`
}

func toPool(ps domain.PoolState) poolResponse {
	return poolResponse{
		MarketID: ps.MarketID,
		PoolA:    ps.PoolA,
		PoolB:    ps.PoolB,
		PercentA: ps.PercentA,
		PercentB: ps.PercentB,
		Status:   ps.Status,
		Deadline: ps.Deadline,
		Settled:  toResolution(ps.Settled),
	}
}

type positionResponse struct {
	ID        string                `json:"id"`
	UserID    string                `json:"user_id"`
	MarketID  string                `json:"market_id"`
	Side      domain.Side           `json:"side"`
	Amount    int64                 `json:"amount"`
	PlacedAt  time.Time             `json:"placed_at"`
	Status    domain.PositionStatus `json:"status"`
	Payout    int64                 `json:"payout"`
	SettledAt *time.Time            `json:"settled_at,omitempty"`
}

func toPosition(p domain.Position) positionResponse {
	return positionResponse{
		ID:        p.ID,
		UserID:    p.UserID,
		MarketID:  p.MarketID,
		Side:      p.Side,
		Amount:    p.Amount,
		PlacedAt:  p.PlacedAt,
		Status:    p.Status,
		Payout:    p.Payout,
		SettledAt: p.SettledAt,
	}
}

func toPositions(ps []domain.Position) []positionResponse {
	out := make([]positionResponse, len(ps))
	for i, p := range ps {
		out[i] = toPosition(p)
	}
	return out
}
