package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/campusclash/internal/cache/local"
	"github.com/alanyoungcy/campusclash/internal/domain"
	"github.com/alanyoungcy/campusclash/internal/events"
	"github.com/alanyoungcy/campusclash/internal/settlement"
	"github.com/alanyoungcy/campusclash/internal/store/sqlite"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type harness struct {
	db      *sqlite.Client
	clock   *fakeClock
	ledger  *LedgerService
	settler *SettlementService
	bus     *local.Bus
	blobs   *memBlobs
	admin   domain.User
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, policy settlement.VoidPolicy) *harness {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(db.Close)

	clock := &fakeClock{now: t0}
	bus := local.NewBus(100)
	sink := NewEventSink(bus, nil, quietLogger())
	blobs := &memBlobs{objects: map[string][]byte{}}

	h := &harness{
		db:    db,
		clock: clock,
		bus:   bus,
		blobs: blobs,
		ledger: NewLedgerService(db, nil, sink, LedgerConfig{StartingBalance: 1000, MaxQuantity: 1000}, quietLogger()).
			WithClock(clock.Now),
		settler: NewSettlementService(db, local.NewLocks(), nil, sink, blobs, blobs, nil,
			SettlementConfig{VoidPolicy: policy}, quietLogger()).
			WithClock(clock.Now),
	}
	h.admin, err = h.ledger.RegisterUser(context.Background(), "judge", true)
	require.NoError(t, err)
	return h
}

func (h *harness) user(t *testing.T, name string) domain.User {
	t.Helper()
	u, err := h.ledger.RegisterUser(context.Background(), name, false)
	require.NoError(t, err)
	return u
}

func (h *harness) market(t *testing.T, stake int64, deadline *time.Time) domain.Market {
	t.Helper()
	m, err := h.ledger.CreateMarket(context.Background(), h.admin.ID, NewMarket{
		Title: "Who wins the derby?", StakeUnit: stake, Deadline: deadline,
	})
	require.NoError(t, err)
	return m
}

func (h *harness) balance(t *testing.T, id string) domain.User {
	t.Helper()
	u, err := h.ledger.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u
}

func TestSettle_BothOnTime(t *testing.T) {
	h := newHarness(t, settlement.VoidRefund)
	ctx := context.Background()
	m := h.market(t, 100, nil)
	u1, u2 := h.user(t, "u1"), h.user(t, "u2")

	p1, err := h.ledger.PlaceWager(ctx, m.ID, u1.ID, domain.SideA, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), p1.Amount)
	assert.Equal(t, int64(900), h.balance(t, u1.ID).Balance)

	_, err = h.ledger.PlaceWager(ctx, m.ID, u2.ID, domain.SideB, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(800), h.balance(t, u2.ID).Balance)

	ps, err := h.ledger.GetPoolState(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), ps.PoolA)
	assert.Equal(t, int64(200), ps.PoolB)
	assert.Equal(t, 33, ps.PercentA)

	h.clock.Set(t0.Add(time.Minute))
	report, err := h.settler.Settle(ctx, h.admin.ID, m.ID, domain.SideA, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, report.LateRefundCount)
	assert.Equal(t, int64(300), report.PaidOut)

	got1 := h.balance(t, u1.ID)
	assert.Equal(t, int64(1200), got1.Balance)
	assert.Equal(t, 1, got1.Wins)
	got2 := h.balance(t, u2.ID)
	assert.Equal(t, int64(800), got2.Balance)
	assert.Equal(t, 1, got2.Losses)

	positions, err := h.ledger.ListMarketPositions(ctx, m.ID, domain.ListOpts{})
	require.NoError(t, err)
	for _, p := range positions {
		if p.UserID == u1.ID {
			assert.Equal(t, domain.PositionStatusWon, p.Status)
			assert.Equal(t, int64(300), p.Payout)
		} else {
			assert.Equal(t, domain.PositionStatusLost, p.Status)
			assert.Zero(t, p.Payout)
		}
	}

	after, err := h.ledger.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, after.Status)
	require.NotNil(t, after.Resolution)
	assert.Equal(t, domain.SideA, after.Resolution.WinningSide)
}

func TestSettle_LateBetRefunded(t *testing.T) {
	h := newHarness(t, settlement.VoidRefund)
	ctx := context.Background()
	m := h.market(t, 100, nil)
	u1, u2 := h.user(t, "u1"), h.user(t, "u2")

	_, err := h.ledger.PlaceWager(ctx, m.ID, u1.ID, domain.SideA, 1)
	require.NoError(t, err)

	result := t0.Add(time.Minute)
	h.clock.Set(result.Add(time.Second))
	_, err = h.ledger.PlaceWager(ctx, m.ID, u2.ID, domain.SideB, 2)
	require.NoError(t, err)

	h.clock.Set(result.Add(time.Hour))
	report, err := h.settler.Settle(ctx, h.admin.ID, m.ID, domain.SideA, result)
	require.NoError(t, err)
	assert.Equal(t, 1, report.LateRefundCount)

	got1 := h.balance(t, u1.ID)
	assert.Equal(t, int64(1000), got1.Balance)
	assert.Equal(t, 1, got1.Wins)
	got2 := h.balance(t, u2.ID)
	assert.Equal(t, int64(1000), got2.Balance)
	assert.Zero(t, got2.Losses)

	mine, err := h.ledger.ListUserPositions(ctx, u2.ID, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, domain.PositionStatusInvalid, mine[0].Status)
	assert.Zero(t, mine[0].Payout)

	ps, err := h.ledger.GetPoolState(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), ps.PoolA+ps.PoolB)
	require.NotNil(t, ps.Settled)
	assert.Zero(t, ps.Settled.LosingPool)
}

func TestPlaceWager_NoHedging(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	m := h.market(t, 10, nil)
	u := h.user(t, "u")

	_, err := h.ledger.PlaceWager(ctx, m.ID, u.ID, domain.SideA, 1)
	require.NoError(t, err)
	_, err = h.ledger.PlaceWager(ctx, m.ID, u.ID, domain.SideA, 2)
	require.NoError(t, err)

	_, err = h.ledger.PlaceWager(ctx, m.ID, u.ID, domain.SideB, 1)
	assert.ErrorIs(t, err, domain.ErrConflictingPosition)
	assert.Equal(t, int64(970), h.balance(t, u.ID).Balance)
}

func TestPlaceWager_InsufficientFundsCarriesShortfall(t *testing.T) {
	h := newHarness(t, "")
	m := h.market(t, 300, nil)
	u := h.user(t, "u")

	_, err := h.ledger.PlaceWager(context.Background(), m.ID, u.ID, domain.SideB, 4)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	var ife *domain.InsufficientFundsError
	require.True(t, errors.As(err, &ife))
	assert.Equal(t, int64(200), ife.Shortfall())

	ps, err := h.ledger.GetPoolState(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Zero(t, ps.PoolB)
	assert.Equal(t, 50, ps.PercentA)
	assert.Equal(t, int64(1000), h.balance(t, u.ID).Balance)
}

func TestPlaceWager_RejectsBadInput(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	m := h.market(t, 10, nil)
	u := h.user(t, "u")

	_, err := h.ledger.PlaceWager(ctx, m.ID, u.ID, domain.SideA, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = h.ledger.PlaceWager(ctx, m.ID, u.ID, domain.Side("C"), 1)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = h.ledger.PlaceWager(ctx, m.ID, u.ID, domain.SideA, 1001)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = h.ledger.PlaceWager(ctx, "missing", u.ID, domain.SideA, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.ledger.PlaceWager(ctx, m.ID, "nobody", domain.SideA, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPlaceWager_PastDeadlineClosesMarket(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	deadline := t0.Add(time.Hour)
	m := h.market(t, 10, &deadline)
	u := h.user(t, "u")

	h.clock.Set(deadline.Add(time.Microsecond))
	_, err := h.ledger.PlaceWager(ctx, m.ID, u.ID, domain.SideA, 1)
	assert.ErrorIs(t, err, domain.ErrMarketClosed)

	after, err := h.db.Stores().Markets.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusClosed, after.Status)
	assert.Equal(t, int64(1000), h.balance(t, u.ID).Balance)
}

func TestPlaceWager_AfterSettlementIsClosed(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	m := h.market(t, 10, nil)
	u := h.user(t, "u")

	_, err := h.settler.Settle(ctx, h.admin.ID, m.ID, domain.SideA, t0)
	require.NoError(t, err)
	_, err = h.ledger.PlaceWager(ctx, m.ID, u.ID, domain.SideA, 1)
	assert.ErrorIs(t, err, domain.ErrMarketClosed)
}

func TestSweepDeadlines_Idempotent(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	soon := t0.Add(time.Minute)
	later := t0.Add(time.Hour)
	expiring := h.market(t, 10, &soon)
	h.market(t, 10, &later)
	h.market(t, 10, nil)

	h.clock.Set(t0.Add(10 * time.Minute))
	sweeper := NewDeadlineSweeper(h.ledger, local.NewLocks(), time.Minute, quietLogger())

	closed, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{expiring.ID}, closed)

	before, err := h.ledger.ListMarkets(ctx, "", domain.ListOpts{})
	require.NoError(t, err)

	closed, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, closed)

	again, err := h.ledger.ListMarkets(ctx, "", domain.ListOpts{})
	require.NoError(t, err)
	assert.Equal(t, before, again)

	open, err := h.ledger.ListMarkets(ctx, domain.MarketStatusOpen, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestSweepDeadlines_SkipsWhenLockHeld(t *testing.T) {
	h := newHarness(t, "")
	soon := t0.Add(time.Minute)
	h.market(t, 10, &soon)
	h.clock.Set(t0.Add(time.Hour))

	locks := local.NewLocks()
	unlock, err := locks.Acquire(context.Background(), sweepLockKey, time.Minute)
	require.NoError(t, err)
	defer unlock()

	closed, err := NewDeadlineSweeper(h.ledger, locks, time.Minute, quietLogger()).Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, closed)
}

func TestGetMarket_ClosesExpiredOnRead(t *testing.T) {
	h := newHarness(t, "")
	deadline := t0.Add(time.Minute)
	m := h.market(t, 10, &deadline)
	h.clock.Set(t0.Add(2 * time.Minute))

	ps, err := h.ledger.GetPoolState(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusClosed, ps.Status)
}

func TestSettle_Authorization(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	m := h.market(t, 10, nil)
	u := h.user(t, "u")

	_, err := h.settler.Settle(ctx, u.ID, m.ID, domain.SideA, t0)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = h.settler.Settle(ctx, "ghost", m.ID, domain.SideA, t0)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = h.settler.Settle(ctx, h.admin.ID, "missing", domain.SideA, t0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSettle_AlreadySettled(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	m := h.market(t, 10, nil)
	u := h.user(t, "u")
	_, err := h.ledger.PlaceWager(ctx, m.ID, u.ID, domain.SideA, 3)
	require.NoError(t, err)

	_, err = h.settler.Settle(ctx, h.admin.ID, m.ID, domain.SideA, t0)
	require.NoError(t, err)
	_, err = h.settler.Settle(ctx, h.admin.ID, m.ID, domain.SideB, t0)
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)

	got := h.balance(t, u.ID)
	assert.Equal(t, int64(1000), got.Balance)
	assert.Equal(t, 1, got.Wins)
}

func TestSettle_LockHeldIsTransactionFailure(t *testing.T) {
	h := newHarness(t, "")
	m := h.market(t, 10, nil)

	locks := local.NewLocks()
	unlock, err := locks.Acquire(context.Background(), "settle:"+m.ID, time.Minute)
	require.NoError(t, err)
	defer unlock()

	s := NewSettlementService(h.db, locks, nil, nil, nil, nil, nil, SettlementConfig{}, quietLogger())
	_, err = s.Settle(context.Background(), h.admin.ID, m.ID, domain.SideA, t0)
	assert.ErrorIs(t, err, domain.ErrTransactionFailed)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestSettle_VoidPolicies(t *testing.T) {
	for _, tc := range []struct {
		policy  settlement.VoidPolicy
		balance int64
		status  domain.PositionStatus
	}{
		{settlement.VoidRefund, 1000, domain.PositionStatusInvalid},
		{settlement.VoidAbsorb, 950, domain.PositionStatusLost},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			h := newHarness(t, tc.policy)
			ctx := context.Background()
			m := h.market(t, 50, nil)
			u := h.user(t, "u")
			_, err := h.ledger.PlaceWager(ctx, m.ID, u.ID, domain.SideB, 1)
			require.NoError(t, err)

			report, err := h.settler.Settle(ctx, h.admin.ID, m.ID, domain.SideA, t0)
			require.NoError(t, err)
			assert.Equal(t, tc.policy == settlement.VoidRefund, report.Voided)
			assert.Equal(t, tc.balance, h.balance(t, u.ID).Balance)
			require.Len(t, report.Positions, 1)
			assert.Equal(t, tc.status, report.Positions[0].Status)
		})
	}
}

func TestSettle_ConservesCredits(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	m := h.market(t, 7, nil)

	var users []domain.User
	for i, side := range []domain.Side{domain.SideA, domain.SideA, domain.SideA, domain.SideB, domain.SideB} {
		u := h.user(t, string(rune('a'+i)))
		users = append(users, u)
		h.clock.Set(t0.Add(time.Duration(i) * time.Minute))
		_, err := h.ledger.PlaceWager(ctx, m.ID, u.ID, side, int64(i+1))
		require.NoError(t, err)
	}

	total := func() int64 {
		var sum int64
		for _, u := range users {
			sum += h.balance(t, u.ID).Balance
		}
		ps, err := h.ledger.GetPoolState(ctx, m.ID)
		require.NoError(t, err)
		return sum + ps.PoolA + ps.PoolB
	}
	assert.Equal(t, int64(5000), total())

	result := t0.Add(3*time.Minute + 30*time.Second)
	report, err := h.settler.Settle(ctx, h.admin.ID, m.ID, domain.SideB, result)
	require.NoError(t, err)
	assert.Equal(t, 1, report.LateRefundCount)

	var credited int64
	for _, u := range users {
		credited += h.balance(t, u.ID).Balance
	}
	pools := report.WinningPool + report.LosingPool + report.LateRefunded
	assert.Equal(t, int64(5000)-pools+report.PaidOut+report.LateRefunded, credited)
	assert.LessOrEqual(t, report.PaidOut, report.WinningPool+report.LosingPool)
	assert.GreaterOrEqual(t, report.Residual, int64(0))
}

func TestSettle_StoresReceiptAndEmitsEvent(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	m := h.market(t, 10, nil)

	report, err := h.settler.Settle(ctx, h.admin.ID, m.ID, domain.SideB, t0)
	require.NoError(t, err)

	receipt, err := h.settler.Receipt(ctx, m.ID)
	require.NoError(t, err)
	assert.Contains(t, string(receipt), `"market_id":"`+report.MarketID+`"`)

	msgs, err := h.bus.StreamRead(ctx, domain.StreamLedgerEvents, "0", 10)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	last, err := events.Decode(msgs[len(msgs)-1].Payload)
	require.NoError(t, err)
	assert.Equal(t, domain.EventMarketSettled, last.Type)
	assert.Equal(t, domain.SideB, last.WinningSide)
}

func TestWithdrawAndAdjust(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	u := h.user(t, "u")

	got, err := h.ledger.Withdraw(ctx, u.ID, 400)
	require.NoError(t, err)
	assert.Equal(t, int64(600), got.Balance)

	_, err = h.ledger.Withdraw(ctx, u.ID, 700)
	var ife *domain.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, int64(100), ife.Shortfall())

	_, err = h.ledger.AdjustBalance(ctx, u.ID, u.ID, 50, "self")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	got, err = h.ledger.AdjustBalance(ctx, h.admin.ID, u.ID, 50, "prize")
	require.NoError(t, err)
	assert.Equal(t, int64(650), got.Balance)

	_, err = h.ledger.AdjustBalance(ctx, h.admin.ID, u.ID, -651, "oops")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, int64(650), h.balance(t, u.ID).Balance)

	entries, err := h.db.Stores().Audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	var kinds []string
	for _, e := range entries {
		kinds = append(kinds, e.Event)
	}
	assert.Contains(t, kinds, "withdrawal")
	assert.Contains(t, kinds, "balance_adjusted")
}

func TestCreateMarket_Validation(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	past := t0.Add(-time.Minute)

	_, err := h.ledger.CreateMarket(ctx, h.admin.ID, NewMarket{Title: "", StakeUnit: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = h.ledger.CreateMarket(ctx, h.admin.ID, NewMarket{Title: "x", StakeUnit: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = h.ledger.CreateMarket(ctx, h.admin.ID, NewMarket{Title: "x", StakeUnit: 1, Deadline: &past})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = h.ledger.CreateMarket(ctx, "ghost", NewMarket{Title: "x", StakeUnit: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	m, err := h.ledger.CreateMarket(ctx, h.admin.ID, NewMarket{Title: "x", StakeUnit: 5})
	require.NoError(t, err)
	assert.Equal(t, "Option A", m.OptionA)
	assert.Equal(t, domain.MarketStatusOpen, m.Status)
}

func TestPlaceWager_ConcurrentWagersConserve(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	m := h.market(t, 10, nil)

	var users []domain.User
	for i := 0; i < 8; i++ {
		users = append(users, h.user(t, string(rune('a'+i))))
	}

	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		go func(i int, u domain.User) {
			defer wg.Done()
			side := domain.SideA
			if i%2 == 1 {
				side = domain.SideB
			}
			for j := 0; j < 5; j++ {
				_, err := h.ledger.PlaceWager(ctx, m.ID, u.ID, side, 2)
				assert.NoError(t, err)
			}
		}(i, u)
	}
	wg.Wait()

	ps, err := h.ledger.GetPoolState(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8*5*20), ps.PoolA+ps.PoolB)

	positions, err := h.ledger.ListMarketPositions(ctx, m.ID, domain.ListOpts{})
	require.NoError(t, err)
	var sum int64
	for _, p := range positions {
		sum += p.Amount
	}
	assert.Equal(t, ps.PoolA+ps.PoolB, sum)
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(context.Context, string) ([]domain.BlobInfo, error) { return nil, nil }
