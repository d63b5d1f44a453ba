package settlement

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func pos(id, user string, side domain.Side, amount int64, placedAt time.Time) domain.Position {
	return domain.Position{
		ID:       id,
		UserID:   user,
		MarketID: "m1",
		Side:     side,
		Amount:   amount,
		PlacedAt: placedAt,
		Status:   domain.PositionStatusValid,
	}
}

func accountFor(t *testing.T, plan Plan, user string) Account {
	t.Helper()
	for _, a := range plan.Accounts {
		if a.UserID == user {
			return a
		}
	}
	t.Fatalf("no account for %s", user)
	return Account{}
}

func TestCompute_OnTimeWinnerTakesLosingPool(t *testing.T) {
	positions := []domain.Position{
		pos("p1", "u1", domain.SideA, 100, t0.Add(-2*time.Minute)),
		pos("p2", "u2", domain.SideB, 200, t0.Add(-time.Minute)),
	}

	plan, err := Compute("m1", positions, domain.SideA, t0, VoidRefund)
	require.NoError(t, err)

	assert.Equal(t, domain.PositionStatusWon, plan.Outcomes[0].Status)
	assert.Equal(t, int64(300), plan.Outcomes[0].Payout)
	assert.Equal(t, domain.PositionStatusLost, plan.Outcomes[1].Status)
	assert.Equal(t, int64(0), plan.Outcomes[1].Payout)

	u1 := accountFor(t, plan, "u1")
	assert.Equal(t, int64(300), u1.Credit)
	assert.Equal(t, 1, u1.Wins)
	u2 := accountFor(t, plan, "u2")
	assert.Equal(t, int64(0), u2.Credit)
	assert.Equal(t, 1, u2.Losses)

	assert.Equal(t, 0, plan.LateRefunds)
	assert.Equal(t, int64(0), plan.Residual)
	assert.False(t, plan.Voided)
}

func TestCompute_LateLoserRefundedWinnerGetsStakeOnly(t *testing.T) {
	positions := []domain.Position{
		pos("p1", "u1", domain.SideA, 100, t0.Add(-time.Minute)),
		pos("p2", "u2", domain.SideB, 200, t0.Add(time.Minute)),
	}

	plan, err := Compute("m1", positions, domain.SideA, t0, VoidRefund)
	require.NoError(t, err)

	assert.Equal(t, 1, plan.LateRefunds)
	assert.Equal(t, int64(200), plan.LateRefunded)
	assert.Equal(t, int64(0), plan.LosingPool)

	late := plan.Outcomes[1]
	assert.True(t, late.Late)
	assert.Equal(t, domain.PositionStatusInvalid, late.Status)
	assert.Equal(t, int64(0), late.Payout)
	assert.Equal(t, int64(200), accountFor(t, plan, "u2").Credit)

	assert.Equal(t, int64(100), plan.Outcomes[0].Payout)
	assert.Equal(t, int64(100), accountFor(t, plan, "u1").Credit)
}

func TestCompute_PlacedExactlyAtResultInstantIsOnTime(t *testing.T) {
	positions := []domain.Position{
		pos("p1", "u1", domain.SideA, 50, t0),
		pos("p2", "u2", domain.SideB, 50, t0),
	}

	plan, err := Compute("m1", positions, domain.SideA, t0, VoidRefund)
	require.NoError(t, err)
	assert.Equal(t, 0, plan.LateRefunds)
	assert.Equal(t, int64(100), plan.Outcomes[0].Payout)
}

func TestCompute_FloorResidualIsKept(t *testing.T) {
	positions := []domain.Position{
		pos("p1", "u1", domain.SideA, 10, t0.Add(-3*time.Minute)),
		pos("p2", "u2", domain.SideA, 10, t0.Add(-2*time.Minute)),
		pos("p3", "u3", domain.SideA, 10, t0.Add(-time.Minute)),
		pos("p4", "u4", domain.SideB, 100, t0.Add(-time.Minute)),
	}

	plan, err := Compute("m1", positions, domain.SideA, t0, VoidRefund)
	require.NoError(t, err)

	for _, o := range plan.Outcomes[:3] {
		assert.Equal(t, int64(10+33), o.Payout)
	}
	assert.Equal(t, int64(1), plan.Residual)
	assert.Equal(t, int64(129), plan.PaidOut)
	assert.LessOrEqual(t, plan.PaidOut, plan.WinningPool+plan.LosingPool)
}

func TestCompute_NoOnTimeWinnersRefundPolicyVoids(t *testing.T) {
	positions := []domain.Position{
		pos("p1", "u1", domain.SideA, 100, t0.Add(time.Minute)),
		pos("p2", "u2", domain.SideB, 300, t0.Add(-time.Minute)),
	}

	plan, err := Compute("m1", positions, domain.SideA, t0, VoidRefund)
	require.NoError(t, err)

	assert.True(t, plan.Voided)
	assert.Equal(t, domain.PositionStatusInvalid, plan.Outcomes[0].Status)
	assert.Equal(t, domain.PositionStatusInvalid, plan.Outcomes[1].Status)
	assert.Equal(t, int64(100), accountFor(t, plan, "u1").Credit)
	assert.Equal(t, int64(300), accountFor(t, plan, "u2").Credit)
	assert.Equal(t, 0, accountFor(t, plan, "u2").Losses)
	assert.Equal(t, int64(0), plan.Residual)
}

func TestCompute_NoOnTimeWinnersAbsorbPolicyKeepsLosingPool(t *testing.T) {
	positions := []domain.Position{
		pos("p1", "u2", domain.SideB, 300, t0.Add(-time.Minute)),
	}

	plan, err := Compute("m1", positions, domain.SideA, t0, VoidAbsorb)
	require.NoError(t, err)

	assert.False(t, plan.Voided)
	assert.Equal(t, domain.PositionStatusLost, plan.Outcomes[0].Status)
	assert.Equal(t, int64(0), accountFor(t, plan, "u2").Credit)
	assert.Equal(t, 1, accountFor(t, plan, "u2").Losses)
	assert.Equal(t, int64(300), plan.Residual)
}

func TestCompute_EmptyMarket(t *testing.T) {
	plan, err := Compute("m1", nil, domain.SideB, t0, VoidRefund)
	require.NoError(t, err)
	assert.Empty(t, plan.Accounts)
	assert.Equal(t, int64(0), plan.TotalCredited())
}

func TestCompute_RejectsSettledPosition(t *testing.T) {
	p := pos("p1", "u1", domain.SideA, 100, t0)
	p.Status = domain.PositionStatusWon

	_, err := Compute("m1", []domain.Position{p}, domain.SideA, t0, VoidRefund)
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)
}

func TestCompute_RejectsUnknownSide(t *testing.T) {
	_, err := Compute("m1", nil, domain.Side("C"), t0, VoidRefund)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCompute_LargeStakesDoNotOverflow(t *testing.T) {
	const big = int64(1) << 61
	positions := []domain.Position{
		pos("p1", "u1", domain.SideA, big, t0),
		pos("p2", "u2", domain.SideB, big-1, t0),
	}

	plan, err := Compute("m1", positions, domain.SideA, t0, VoidRefund)
	require.NoError(t, err)
	assert.Equal(t, big+big-1, plan.Outcomes[0].Payout)
}

func TestCompute_ConservationAndOrderIndependence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		var positions []domain.Position
		for i := 0; i < 1+rng.Intn(30); i++ {
			side := domain.SideA
			if rng.Intn(2) == 1 {
				side = domain.SideB
			}
			placed := t0.Add(time.Duration(rng.Intn(120)-90) * time.Minute)
			positions = append(positions, pos(
				fmt.Sprintf("p%d", i),
				fmt.Sprintf("u%d", rng.Intn(8)),
				side,
				int64(10*(1+rng.Intn(20))),
				placed,
			))
		}

		plan, err := Compute("m1", positions, domain.SideA, t0, VoidRefund)
		require.NoError(t, err)

		var staked, winners int64
		for _, p := range positions {
			staked += p.Amount
		}
		for _, o := range plan.Outcomes {
			if o.Late {
				assert.Equal(t, domain.PositionStatusInvalid, o.Status)
				assert.Zero(t, o.Payout)
			}
			if o.Status == domain.PositionStatusWon {
				winners++
			}
		}

		assert.Equal(t, staked, plan.TotalCredited()+plan.Residual)
		if plan.WinningPool > 0 {
			assert.LessOrEqual(t, plan.PaidOut, plan.WinningPool+plan.LosingPool)
			assert.GreaterOrEqual(t, plan.Residual, int64(0))
			assert.LessOrEqual(t, plan.Residual, max(winners-1, 0))
		}

		shuffled := append([]domain.Position(nil), positions...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		again, err := Compute("m1", shuffled, domain.SideA, t0, VoidRefund)
		require.NoError(t, err)
		assert.Equal(t, plan.Accounts, again.Accounts)
		assert.Equal(t, plan.Residual, again.Residual)
	}
}

func TestParseVoidPolicy(t *testing.T) {
	p, err := ParseVoidPolicy("")
	require.NoError(t, err)
	assert.Equal(t, VoidRefund, p)

	p, err = ParseVoidPolicy(" Absorb ")
	require.NoError(t, err)
	assert.Equal(t, VoidAbsorb, p)

	_, err = ParseVoidPolicy("burn")
	assert.Error(t, err)
}
