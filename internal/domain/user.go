package domain

import "time"

// DefaultStartingBalance is granted to newly registered users.
const DefaultStartingBalance int64 = 1000

// User is the account view the ledger reads and mutates.
type User struct {
	ID        string
	Name      string
	Balance   int64
	Wins      int
	Losses    int
	IsAdmin   bool
	CreatedAt time.Time
}
