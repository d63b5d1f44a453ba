package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

const defaultPoolTTL = 30 * time.Second

//go:embed scripts/pool_set.lua
var poolSetLua string

// PoolCache implements domain.PoolCache. Entries are JSON strings keyed by
// market id and dropped whenever a wager, settlement or sweep touches the
// market; the TTL only bounds staleness if an invalidation is lost.
//
// Key schema:
//
//	pool:{marketID}    - JSON encoded poolEntry
//	poolgen:{marketID} - invalidation counter (INCR)
type PoolCache struct {
	c        *Client
	ttl      time.Duration
	setIfGen *redis.Script
}

// NewPoolCache creates a PoolCache. A zero ttl selects the default.
func NewPoolCache(c *Client, ttl time.Duration) *PoolCache {
	if ttl <= 0 {
		ttl = defaultPoolTTL
	}
	return &PoolCache{c: c, ttl: ttl, setIfGen: redis.NewScript(poolSetLua)}
}

type resolutionEntry struct {
	WinningSide   string    `json:"winning_side"`
	ResultInstant time.Time `json:"result_instant"`
	ResolvedAt    time.Time `json:"resolved_at"`
	ResolvedBy    string    `json:"resolved_by"`
	WinningPool   int64     `json:"winning_pool"`
	LosingPool    int64     `json:"losing_pool"`
	LateRefunds   int       `json:"late_refunds"`
	Residual      int64     `json:"residual"`
	Voided        bool      `json:"voided"`
}

type poolEntry struct {
	MarketID string           `json:"market_id"`
	PoolA    int64            `json:"pool_a"`
	PoolB    int64            `json:"pool_b"`
	PercentA int              `json:"percent_a"`
	PercentB int              `json:"percent_b"`
	Status   string           `json:"status"`
	Deadline *time.Time       `json:"deadline,omitempty"`
	Settled  *resolutionEntry `json:"settled,omitempty"`
}

func toPoolEntry(s domain.PoolState) poolEntry {
	e := poolEntry{
		MarketID: s.MarketID,
		PoolA:    s.PoolA,
		PoolB:    s.PoolB,
		PercentA: s.PercentA,
		PercentB: s.PercentB,
		Status:   string(s.Status),
		Deadline: s.Deadline,
	}
	if r := s.Settled; r != nil {
		e.Settled = &resolutionEntry{
			WinningSide:   string(r.WinningSide),
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
	return e
}

func (e poolEntry) state() domain.PoolState {
	s := domain.PoolState{
		MarketID: e.MarketID,
		PoolA:    e.PoolA,
		PoolB:    e.PoolB,
		PercentA: e.PercentA,
		PercentB: e.PercentB,
		Status:   domain.MarketStatus(e.Status),
		Deadline: e.Deadline,
	}
	if r := e.Settled; r != nil {
		s.Settled = &domain.Resolution{
			WinningSide:   domain.Side(r.WinningSide),
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
	return s
}

// Generation returns the invalidation counter of a market; zero when it was
// never invalidated.
func (pc *PoolCache) Generation(ctx context.Context, marketID string) (int64, error) {
	gen, err := pc.c.Underlying().Get(ctx, pc.c.Key("poolgen", marketID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis: get pool generation %s: %w", marketID, err)
	}
	return gen, nil
}

// Set stores the pool state with the configured TTL, unless the market was
// invalidated after gen was read.
func (pc *PoolCache) Set(ctx context.Context, state domain.PoolState, gen int64) (bool, error) {
	data, err := json.Marshal(toPoolEntry(state))
	if err != nil {
		return false, fmt.Errorf("redis: marshal pool %s: %w", state.MarketID, err)
	}
	stored, err := pc.setIfGen.Run(
		ctx,
		pc.c.Underlying(),
		[]string{pc.c.Key("pool", state.MarketID), pc.c.Key("poolgen", state.MarketID)},
		gen, string(data), pc.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis: set pool %s: %w", state.MarketID, err)
	}
	return stored == 1, nil
}

// Get returns the cached pool state or domain.ErrNotFound.
func (pc *PoolCache) Get(ctx context.Context, marketID string) (domain.PoolState, error) {
	data, err := pc.c.Underlying().Get(ctx, pc.c.Key("pool", marketID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PoolState{}, domain.ErrNotFound
		}
		return domain.PoolState{}, fmt.Errorf("redis: get pool %s: %w", marketID, err)
	}

	var e poolEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return domain.PoolState{}, fmt.Errorf("redis: unmarshal pool %s: %w", marketID, err)
	}
	return e.state(), nil
}

// Invalidate drops the cached pool state of each market and bumps its
// generation so in-flight fills are discarded.
func (pc *PoolCache) Invalidate(ctx context.Context, marketIDs ...string) error {
	if len(marketIDs) == 0 {
		return nil
	}
	keys := make([]string, len(marketIDs))
	for i, id := range marketIDs {
		keys[i] = pc.c.Key("pool", id)
	}

	pipe := pc.c.Underlying().TxPipeline()
	for _, id := range marketIDs {
		pipe.Incr(ctx, pc.c.Key("poolgen", id))
	}
	pipe.Del(ctx, keys...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: invalidate pools: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.PoolCache = (*PoolCache)(nil)
