package domain

import "time"

// EventType names a ledger event published on the signal bus.
type EventType string

const (
	EventWagerPlaced   EventType = "wager_placed"
	EventMarketCreated EventType = "market_created"
	EventMarketSettled EventType = "market_settled"
	EventMarketsClosed EventType = "markets_closed"
)

// Bus channels and the durable event stream.
const (
	ChannelWagers      = "wagers"
	ChannelMarkets     = "markets"
	ChannelSettlements = "settlements"
	StreamLedgerEvents = "ledger:events"
)

// LedgerEvent is the payload fanned out after a committed mutation.
// Fields not relevant to Type are left zero.
type LedgerEvent struct {
	Type        EventType
	MarketID    string
	MarketIDs   []string
	UserID      string
	PositionID  string
	Side        Side
	Amount      int64
	PoolA       int64
	PoolB       int64
	WinningSide Side
	LateRefunds int
	Residual    int64
	At          time.Time
}

// Channel returns the bus channel the event belongs on.
func (e LedgerEvent) Channel() string {
	switch e.Type {
	case EventWagerPlaced:
		return ChannelWagers
	case EventMarketSettled:
		return ChannelSettlements
	default:
		return ChannelMarkets
	}
}
