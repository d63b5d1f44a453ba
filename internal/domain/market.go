package domain

import (
	"fmt"
	"math/bits"
	"strings"
	"time"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusOpen     MarketStatus = "OPEN"
	MarketStatusClosed   MarketStatus = "CLOSED"
	MarketStatusResolved MarketStatus = "RESOLVED"
)

// ParseMarketStatus accepts a status name in any case. The empty string
// parses to the empty status, which list queries treat as "any".
func ParseMarketStatus(s string) (MarketStatus, error) {
	switch MarketStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case "":
		return "", nil
	case MarketStatusOpen:
		return MarketStatusOpen, nil
	case MarketStatusClosed:
		return MarketStatusClosed, nil
	case MarketStatusResolved:
		return MarketStatusResolved, nil
	}
	return "", fmt.Errorf("%w: unknown market status %q", ErrInvalidInput, s)
}

// Side is one of the two outcomes of a binary market.
type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

// ParseSide maps the accepted side spellings onto the two-variant enum.
// "OPTION_A" and "OPTION_B" are accepted for older clients.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A", "OPTION_A":
		return SideA, nil
	case "B", "OPTION_B":
		return SideB, nil
	}
	return "", fmt.Errorf("%w: unknown side %q", ErrInvalidInput, s)
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

// Valid reports whether s is A or B.
func (s Side) Valid() bool {
	return s == SideA || s == SideB
}

// Market is one binary question with an aggregate stake pool per side.
type Market struct {
	ID          string
	Title       string
	Description string
	OptionA     string
	OptionB     string
	StakeUnit   int64
	PoolA       int64
	PoolB       int64
	Status      MarketStatus
	Deadline    *time.Time
	CreatedBy   string
	Resolution  *Resolution
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Pool returns the running stake total on the given side.
func (m Market) Pool(side Side) int64 {
	if side == SideA {
		return m.PoolA
	}
	return m.PoolB
}

// TotalPool is poolA + poolB.
func (m Market) TotalPool() int64 {
	return m.PoolA + m.PoolB
}

// DeadlinePassed reports whether the market has a deadline strictly before now.
func (m Market) DeadlinePassed(now time.Time) bool {
	return m.Deadline != nil && m.Deadline.Before(now)
}

// AcceptsWagers reports whether a wager placed at now may be admitted.
func (m Market) AcceptsWagers(now time.Time) bool {
	return m.Status == MarketStatusOpen && !m.DeadlinePassed(now)
}

// Resolution records how a market was settled.
type Resolution struct {
	WinningSide   Side
	ResultInstant time.Time
	ResolvedAt    time.Time
	ResolvedBy    string
	// WinningPool and LosingPool are the on-time totals that took part in
	// the payout, excluding refunded late positions.
	WinningPool int64
	LosingPool  int64
	LateRefunds int
	Residual    int64
	Voided      bool
}

// PoolState is the read-only view of a market's pools.
type PoolState struct {
	MarketID string
	PoolA    int64
	PoolB    int64
	PercentA int
	PercentB int
	Status   MarketStatus
	Deadline *time.Time
	// Settled is populated once the market is RESOLVED.
	Settled *Resolution
}

// NewPoolState derives the pool view of m. Percentages are rounded to the
// nearest whole number and are 50/50 when nothing has been staked.
func NewPoolState(m Market) PoolState {
	ps := PoolState{
		MarketID: m.ID,
		PoolA:    m.PoolA,
		PoolB:    m.PoolB,
		PercentA: 50,
		PercentB: 50,
		Status:   m.Status,
		Deadline: m.Deadline,
		Settled:  m.Resolution,
	}
	if total := m.TotalPool(); total > 0 {
		ps.PercentA = roundPercent(m.PoolA, total)
		ps.PercentB = roundPercent(m.PoolB, total)
	}
	return ps
}

// roundPercent rounds part/total to the nearest whole percent, halves up.
// The intermediate 200*part+total is carried in 128 bits; the quotient never
// exceeds 100 since 0 <= part <= total.
func roundPercent(part, total int64) int {
	hi, lo := bits.Mul64(uint64(part), 200)
	lo, carry := bits.Add64(lo, uint64(total), 0)
	q, _ := bits.Div64(hi+carry, lo, 2*uint64(total))
	return int(q)
}
