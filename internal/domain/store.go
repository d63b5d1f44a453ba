package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// UserStore persists the account fields the ledger owns.
type UserStore interface {
	Create(ctx context.Context, u User) error
	GetByID(ctx context.Context, id string) (User, error)
	// GetForUpdate reads the user and, inside a transaction, locks the row
	// until commit.
	GetForUpdate(ctx context.Context, id string) (User, error)
	// AdjustBalance adds delta to the balance. A result below zero fails
	// with ErrInsufficientFunds.
	AdjustBalance(ctx context.Context, id string, delta int64) error
	// ApplySettlement credits the balance and bumps the win/loss counters.
	ApplySettlement(ctx context.Context, id string, credit int64, wins, losses int) error
}

// MarketStore persists markets and their pool aggregates.
type MarketStore interface {
	Create(ctx context.Context, m Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	GetForUpdate(ctx context.Context, id string) (Market, error)
	// List filters by status when status is non-empty.
	List(ctx context.Context, status MarketStatus, opts ListOpts) ([]Market, error)
	AddToPool(ctx context.Context, id string, side Side, amount int64) error
	// Resolve flips the market to RESOLVED and records the resolution.
	Resolve(ctx context.Context, id string, res Resolution) error
	// CloseExpired moves OPEN markets whose deadline is before now to
	// CLOSED and returns their ids. When ids is non-empty only those
	// markets are considered.
	CloseExpired(ctx context.Context, now time.Time, ids ...string) ([]string, error)
	// ListResolvedBetween returns markets resolved in [from, to).
	ListResolvedBetween(ctx context.Context, from, to time.Time) ([]Market, error)
	// OldestResolvedAt returns the earliest resolution time, or ErrNotFound
	// when no market is resolved yet.
	OldestResolvedAt(ctx context.Context) (time.Time, error)
}

// PositionStore persists wagers.
type PositionStore interface {
	Create(ctx context.Context, p Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Position, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Position, error)
	// ListValidByMarket returns every VALID position of the market ordered by
	// placement time then id.
	ListValidByMarket(ctx context.Context, marketID string) ([]Position, error)
	// SidesHeld returns the distinct sides the user has wagered on in the market.
	SidesHeld(ctx context.Context, userID, marketID string) ([]Side, error)
	// SetOutcome moves a VALID position to a terminal status. A position that
	// is no longer VALID yields ErrAlreadySettled.
	SetOutcome(ctx context.Context, id string, status PositionStatus, payout int64, settledAt time.Time) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Stores groups the stores that share one connection or transaction.
type Stores struct {
	Users     UserStore
	Markets   MarketStore
	Positions PositionStore
	Audit     AuditStore
}

// Ledger is the transactional persistence boundary. Stores returned by
// Stores run outside any transaction; InTx hands fn stores bound to a single
// transaction that commits when fn returns nil and rolls back otherwise.
type Ledger interface {
	Stores() Stores
	InTx(ctx context.Context, fn func(Stores) error) error
	Close()
}
