package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/campusclash/internal/cache/local"
	"github.com/alanyoungcy/campusclash/internal/domain"
	"github.com/alanyoungcy/campusclash/internal/settlement"
)

// memPoolCache honours the generation contract of domain.PoolCache. beforeSet
// runs once, ahead of the next Set, so a test can commit writes between the
// database read and the cache fill.
type memPoolCache struct {
	mu        sync.Mutex
	entries   map[string]domain.PoolState
	gens      map[string]int64
	beforeSet func()
}

func newMemPoolCache() *memPoolCache {
	return &memPoolCache{entries: map[string]domain.PoolState{}, gens: map[string]int64{}}
}

func (c *memPoolCache) Generation(_ context.Context, marketID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[marketID], nil
}

func (c *memPoolCache) Set(_ context.Context, state domain.PoolState, gen int64) (bool, error) {
	c.mu.Lock()
	hook := c.beforeSet
	c.beforeSet = nil
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[state.MarketID] != gen {
		return false, nil
	}
	c.entries[state.MarketID] = state
	return true, nil
}

func (c *memPoolCache) Get(_ context.Context, marketID string) (domain.PoolState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps, ok := c.entries[marketID]
	if !ok {
		return domain.PoolState{}, domain.ErrNotFound
	}
	return ps, nil
}

func (c *memPoolCache) Invalidate(_ context.Context, marketIDs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range marketIDs {
		c.gens[id]++
		delete(c.entries, id)
	}
	return nil
}

func cachedServices(h *harness, cache domain.PoolCache) (*LedgerService, *SettlementService) {
	sink := NewEventSink(h.bus, nil, quietLogger())
	ledger := NewLedgerService(h.db, cache, sink, LedgerConfig{StartingBalance: 1000, MaxQuantity: 1000}, quietLogger()).
		WithClock(h.clock.Now)
	settler := NewSettlementService(h.db, local.NewLocks(), cache, sink, nil, nil, nil,
		SettlementConfig{VoidPolicy: settlement.VoidRefund}, quietLogger()).
		WithClock(h.clock.Now)
	return ledger, settler
}

func TestGetPoolState_FillsCache(t *testing.T) {
	h := newHarness(t, settlement.VoidRefund)
	ctx := context.Background()
	cache := newMemPoolCache()
	ledger, _ := cachedServices(h, cache)
	m := h.market(t, 10, nil)

	_, err := ledger.GetPoolState(ctx, m.ID)
	require.NoError(t, err)

	cached, err := cache.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusOpen, cached.Status)

	u := h.user(t, "filler")
	_, err = ledger.PlaceWager(ctx, m.ID, u.ID, domain.SideB, 1)
	require.NoError(t, err)
	_, err = cache.Get(ctx, m.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "a wager drops the cached pools")
}

func TestGetPoolState_DiscardsFillOverlappingSettlement(t *testing.T) {
	h := newHarness(t, settlement.VoidRefund)
	ctx := context.Background()
	cache := newMemPoolCache()
	ledger, settler := cachedServices(h, cache)
	m := h.market(t, 10, nil)
	u := h.user(t, "late-reader")

	cache.beforeSet = func() {
		_, err := ledger.PlaceWager(ctx, m.ID, u.ID, domain.SideA, 3)
		require.NoError(t, err)
		_, err = settler.Settle(ctx, h.admin.ID, m.ID, domain.SideA, t0)
		require.NoError(t, err)
	}

	first, err := ledger.GetPoolState(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusOpen, first.Status)
	assert.Zero(t, first.PoolA)

	_, err = cache.Get(ctx, m.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "the snapshot taken before the settlement must not be cached")

	second, err := ledger.GetPoolState(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, second.Status)
	assert.Equal(t, int64(30), second.PoolA)
	require.NotNil(t, second.Settled)
	assert.Equal(t, domain.SideA, second.Settled.WinningSide)

	third, err := ledger.GetPoolState(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, second, third)
}
