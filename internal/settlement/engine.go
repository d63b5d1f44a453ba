// Package settlement computes pari-mutuel payouts for a resolved market.
//
// Compute is pure: it takes the VALID positions of a market together with the
// declared winning side and the instant the real-world result became known,
// and returns a Plan describing every position's terminal state and the net
// balance change per user. Persisting the plan is the caller's job.
package settlement

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

// VoidPolicy decides what happens to on-time losing stakes when nobody
// backed the winning side in time.
type VoidPolicy string

const (
	// VoidRefund returns every on-time stake and marks it INVALID.
	VoidRefund VoidPolicy = "refund"
	// VoidAbsorb marks on-time losers LOST and keeps their stakes.
	VoidAbsorb VoidPolicy = "absorb"
)

// ParseVoidPolicy parses a policy name; empty selects VoidRefund.
func ParseVoidPolicy(s string) (VoidPolicy, error) {
	switch VoidPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", VoidRefund:
		return VoidRefund, nil
	case VoidAbsorb:
		return VoidAbsorb, nil
	}
	return "", fmt.Errorf("settlement: unknown void policy %q", s)
}

// Outcome is the terminal state of one position.
type Outcome struct {
	PositionID string
	UserID     string
	Side       domain.Side
	Amount     int64
	PlacedAt   time.Time
	Status     domain.PositionStatus
	Payout     int64
	Late       bool
}

// Account is the aggregated effect of a settlement on one user.
type Account struct {
	UserID string
	Credit int64
	Wins   int
	Losses int
}

// Plan is the full result of settling one market.
type Plan struct {
	MarketID      string
	WinningSide   domain.Side
	ResultInstant time.Time

	// Outcomes preserves the order of the input positions.
	Outcomes []Outcome
	// Accounts is sorted by user id, which is also the row lock order.
	Accounts []Account

	WinningPool  int64
	LosingPool   int64
	LateRefunds  int
	LateRefunded int64
	// PaidOut is the sum of payouts over WON positions.
	PaidOut int64
	// Residual is the part of the losing pool not paid to anyone.
	Residual int64
	Voided   bool
}

// Compute builds the settlement plan for marketID.
//
// Positions placed strictly after resultInstant are refunded and marked
// INVALID. Each on-time winner receives its stake plus
// floor(amount * losingPool / winningPool); on-time losers get nothing. The
// result depends only on the input set, not its order.
func Compute(marketID string, positions []domain.Position, winning domain.Side, resultInstant time.Time, policy VoidPolicy) (Plan, error) {
	if !winning.Valid() {
		return Plan{}, fmt.Errorf("settlement: %w: winning side %q", domain.ErrInvalidInput, winning)
	}
	if policy == "" {
		policy = VoidRefund
	}

	plan := Plan{
		MarketID:      marketID,
		WinningSide:   winning,
		ResultInstant: resultInstant,
		Outcomes:      make([]Outcome, len(positions)),
	}

	var onTime []int
	for i, p := range positions {
		if p.MarketID != marketID {
			return Plan{}, fmt.Errorf("settlement: %w: position %s belongs to market %s", domain.ErrInvalidInput, p.ID, p.MarketID)
		}
		if p.Status != domain.PositionStatusValid {
			return Plan{}, fmt.Errorf("settlement: position %s: %w", p.ID, domain.ErrAlreadySettled)
		}
		if p.Amount <= 0 || !p.Side.Valid() {
			return Plan{}, fmt.Errorf("settlement: %w: position %s", domain.ErrInvalidInput, p.ID)
		}

		plan.Outcomes[i] = Outcome{
			PositionID: p.ID,
			UserID:     p.UserID,
			Side:       p.Side,
			Amount:     p.Amount,
			PlacedAt:   p.PlacedAt,
		}

		if p.PlacedAt.After(resultInstant) {
			plan.Outcomes[i].Late = true
			plan.Outcomes[i].Status = domain.PositionStatusInvalid
			plan.LateRefunds++
			plan.LateRefunded += p.Amount
			continue
		}
		onTime = append(onTime, i)
		if p.Side == winning {
			plan.WinningPool += p.Amount
		} else {
			plan.LosingPool += p.Amount
		}
	}

	if plan.WinningPool == 0 {
		plan.Voided = policy == VoidRefund
		for _, i := range onTime {
			if plan.Voided {
				plan.Outcomes[i].Status = domain.PositionStatusInvalid
			} else {
				plan.Outcomes[i].Status = domain.PositionStatusLost
			}
		}
		if !plan.Voided {
			plan.Residual = plan.LosingPool
		}
	} else {
		var profits int64
		for _, i := range onTime {
			o := &plan.Outcomes[i]
			if o.Side != winning {
				o.Status = domain.PositionStatusLost
				continue
			}
			profit := proRata(o.Amount, plan.LosingPool, plan.WinningPool)
			o.Status = domain.PositionStatusWon
			o.Payout = o.Amount + profit
			profits += profit
			plan.PaidOut += o.Payout
		}
		plan.Residual = plan.LosingPool - profits
	}

	plan.Accounts = aggregate(plan.Outcomes)
	return plan, nil
}

// proRata returns floor(amount * pool / total) without intermediate
// overflow. amount <= total always holds, so the quotient fits in pool.
func proRata(amount, pool, total int64) int64 {
	hi, lo := bits.Mul64(uint64(amount), uint64(pool))
	q, _ := bits.Div64(hi, lo, uint64(total))
	return int64(q)
}

// aggregate folds outcomes into per-user balance credits. Refunded (INVALID)
// positions credit their stake back; WON positions credit their payout.
func aggregate(outcomes []Outcome) []Account {
	byUser := make(map[string]*Account)
	for _, o := range outcomes {
		acc, ok := byUser[o.UserID]
		if !ok {
			acc = &Account{UserID: o.UserID}
			byUser[o.UserID] = acc
		}
		switch o.Status {
		case domain.PositionStatusInvalid:
			acc.Credit += o.Amount
		case domain.PositionStatusWon:
			acc.Credit += o.Payout
			acc.Wins++
		case domain.PositionStatusLost:
			acc.Losses++
		}
	}

	accounts := make([]Account, 0, len(byUser))
	for _, acc := range byUser {
		accounts = append(accounts, *acc)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].UserID < accounts[j].UserID
	})
	return accounts
}

// Resolution converts the plan into the record stored on the market.
func (p Plan) Resolution(resolvedAt time.Time, resolvedBy string) domain.Resolution {
	return domain.Resolution{
		WinningSide:   p.WinningSide,
		ResultInstant: p.ResultInstant,
		ResolvedAt:    resolvedAt,
		ResolvedBy:    resolvedBy,
		WinningPool:   p.WinningPool,
		LosingPool:    p.LosingPool,
		LateRefunds:   p.LateRefunds,
		Residual:      p.Residual,
		Voided:        p.Voided,
	}
}

// TotalCredited is the sum of all balance credits in the plan.
func (p Plan) TotalCredited() int64 {
	var total int64
	for _, a := range p.Accounts {
		total += a.Credit
	}
	return total
}
