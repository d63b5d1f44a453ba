package domain

import "time"

// PositionStatus tracks a wager through settlement. VALID is the only
// non-terminal state.
type PositionStatus string

const (
	PositionStatusValid   PositionStatus = "VALID"
	PositionStatusWon     PositionStatus = "WON"
	PositionStatusLost    PositionStatus = "LOST"
	PositionStatusInvalid PositionStatus = "INVALID"
)

// Terminal reports whether the status can no longer change.
func (s PositionStatus) Terminal() bool {
	return s == PositionStatusWon || s == PositionStatusLost || s == PositionStatusInvalid
}

// Position is a single wager placement. A user may hold several positions in
// the same market, all on the same side.
type Position struct {
	ID        string
	UserID    string
	MarketID  string
	Side      Side
	Amount    int64
	PlacedAt  time.Time
	Status    PositionStatus
	Payout    int64
	SettledAt *time.Time
}
