package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

// LedgerConfig holds the tunables of the wagering ledger.
type LedgerConfig struct {
	StartingBalance int64
	// MaxQuantity caps the stake units of a single wager; 0 means no cap.
	MaxQuantity int64
}

// NewMarket is the input to CreateMarket.
type NewMarket struct {
	Title       string
	Description string
	OptionA     string
	OptionB     string
	StakeUnit   int64
	Deadline    *time.Time
}

// LedgerService owns wager placement, pool reads, deadline closing and the
// account operations that move credits outside of settlement.
type LedgerService struct {
	ledger domain.Ledger
	cache  domain.PoolCache
	events *EventSink
	cfg    LedgerConfig
	now    Clock
	logger *slog.Logger
}

// NewLedgerService creates a LedgerService. cache and events may be nil.
func NewLedgerService(
	ledger domain.Ledger,
	cache domain.PoolCache,
	events *EventSink,
	cfg LedgerConfig,
	logger *slog.Logger,
) *LedgerService {
	if cfg.StartingBalance <= 0 {
		cfg.StartingBalance = domain.DefaultStartingBalance
	}
	return &LedgerService{
		ledger: ledger,
		cache:  cache,
		events: events,
		cfg:    cfg,
		now:    SystemClock,
		logger: logger.With(slog.String("component", "ledger_service")),
	}
}

// WithClock replaces the service clock.
func (s *LedgerService) WithClock(c Clock) *LedgerService {
	s.now = c
	return s
}

// RegisterUser creates an account funded with the starting balance.
func (s *LedgerService) RegisterUser(ctx context.Context, name string, isAdmin bool) (domain.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.User{}, fmt.Errorf("ledger_service: register user: %w: name is required", domain.ErrInvalidInput)
	}

	u := domain.User{
		ID:        uuid.NewString(),
		Name:      name,
		Balance:   s.cfg.StartingBalance,
		IsAdmin:   isAdmin,
		CreatedAt: s.now(),
	}
	if err := s.ledger.Stores().Users.Create(ctx, u); err != nil {
		return domain.User{}, fmt.Errorf("ledger_service: register user: %w", err)
	}

	s.logger.InfoContext(ctx, "ledger_service: user registered",
		slog.String("user_id", u.ID),
		slog.Bool("admin", isAdmin),
	)
	return u, nil
}

// GetUser returns the account view of a user.
func (s *LedgerService) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := s.ledger.Stores().Users.GetByID(ctx, id)
	if err != nil {
		return domain.User{}, fmt.Errorf("ledger_service: get user %q: %w", id, err)
	}
	return u, nil
}

// CreateMarket opens a new market with empty pools.
func (s *LedgerService) CreateMarket(ctx context.Context, actorID string, in NewMarket) (domain.Market, error) {
	now := s.now()
	in.Title = strings.TrimSpace(in.Title)
	switch {
	case in.Title == "":
		return domain.Market{}, fmt.Errorf("ledger_service: create market: %w: title is required", domain.ErrInvalidInput)
	case in.StakeUnit <= 0:
		return domain.Market{}, fmt.Errorf("ledger_service: create market: %w: stake unit must be positive, got %d", domain.ErrInvalidInput, in.StakeUnit)
	case in.Deadline != nil && !in.Deadline.After(now):
		return domain.Market{}, fmt.Errorf("ledger_service: create market: %w: deadline is in the past", domain.ErrInvalidInput)
	}
	if in.OptionA == "" {
		in.OptionA = "Option A"
	}
	if in.OptionB == "" {
		in.OptionB = "Option B"
	}

	m := domain.Market{
		ID:          uuid.NewString(),
		Title:       in.Title,
		Description: in.Description,
		OptionA:     in.OptionA,
		OptionB:     in.OptionB,
		StakeUnit:   in.StakeUnit,
		Status:      domain.MarketStatusOpen,
		CreatedBy:   actorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.Deadline != nil {
		d := in.Deadline.UTC().Truncate(time.Microsecond)
		m.Deadline = &d
	}

	err := s.ledger.InTx(ctx, func(tx domain.Stores) error {
		if _, err := tx.Users.GetByID(ctx, actorID); err != nil {
			return fmt.Errorf("creator: %w", err)
		}
		if err := tx.Markets.Create(ctx, m); err != nil {
			return err
		}
		return tx.Audit.Log(ctx, string(domain.EventMarketCreated), map[string]any{
			"market_id":  m.ID,
			"created_by": actorID,
			"stake_unit": m.StakeUnit,
		})
	})
	if err != nil {
		return domain.Market{}, txFailure("ledger_service: create market", err)
	}

	s.events.Emit(ctx, domain.LedgerEvent{
		Type:     domain.EventMarketCreated,
		MarketID: m.ID,
		UserID:   actorID,
		At:       now,
	})
	s.logger.InfoContext(ctx, "ledger_service: market created",
		slog.String("market_id", m.ID),
		slog.Int64("stake_unit", m.StakeUnit),
	)
	return m, nil
}

// GetMarket returns a market, closing it first if its deadline has passed.
func (s *LedgerService) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	m, err := s.ledger.Stores().Markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("ledger_service: get market %q: %w", id, err)
	}
	s.closeIfExpired(ctx, &m)
	return m, nil
}

// ListMarkets lists markets, optionally filtered by status. Expired OPEN
// markets in the page are closed before being returned.
func (s *LedgerService) ListMarkets(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	markets, err := s.ledger.Stores().Markets.List(ctx, status, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger_service: list markets: %w", err)
	}

	now := s.now()
	var expired []string
	for _, m := range markets {
		if m.Status == domain.MarketStatusOpen && m.DeadlinePassed(now) {
			expired = append(expired, m.ID)
		}
	}
	if len(expired) == 0 {
		return markets, nil
	}

	closed, err := s.closeExpired(ctx, now, expired...)
	if err != nil {
		s.logger.WarnContext(ctx, "ledger_service: opportunistic close failed",
			slog.String("error", err.Error()),
		)
		return markets, nil
	}
	out := markets[:0]
	for _, m := range markets {
		if slices.Contains(closed, m.ID) {
			m.Status = domain.MarketStatusClosed
			if status == domain.MarketStatusOpen {
				continue
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// PlaceWager stakes quantity units of the market's stake on side for the
// user. The position insert, the balance debit and the pool credit commit
// together or not at all.
func (s *LedgerService) PlaceWager(ctx context.Context, marketID, userID string, side domain.Side, quantity int64) (domain.Position, error) {
	if !side.Valid() {
		return domain.Position{}, fmt.Errorf("ledger_service: place wager: %w: side %q", domain.ErrInvalidInput, side)
	}
	if quantity <= 0 {
		return domain.Position{}, fmt.Errorf("ledger_service: place wager: %w: quantity must be positive, got %d", domain.ErrInvalidInput, quantity)
	}
	if s.cfg.MaxQuantity > 0 && quantity > s.cfg.MaxQuantity {
		return domain.Position{}, fmt.Errorf("ledger_service: place wager: %w: quantity %d exceeds limit %d", domain.ErrInvalidInput, quantity, s.cfg.MaxQuantity)
	}

	now := s.now()
	var (
		pos     domain.Position
		market  domain.Market
		expired bool
	)
	err := s.ledger.InTx(ctx, func(tx domain.Stores) error {
		m, err := tx.Markets.GetForUpdate(ctx, marketID)
		if err != nil {
			return fmt.Errorf("market %q: %w", marketID, err)
		}
		if !m.AcceptsWagers(now) {
			expired = m.Status == domain.MarketStatusOpen
			return fmt.Errorf("market %q is %s: %w", marketID, m.Status, domain.ErrMarketClosed)
		}
		if quantity > math.MaxInt64/m.StakeUnit {
			return fmt.Errorf("%w: quantity %d overflows stake unit %d", domain.ErrInvalidInput, quantity, m.StakeUnit)
		}
		cost := quantity * m.StakeUnit

		u, err := tx.Users.GetForUpdate(ctx, userID)
		if err != nil {
			return fmt.Errorf("user %q: %w", userID, err)
		}
		held, err := tx.Positions.SidesHeld(ctx, userID, marketID)
		if err != nil {
			return err
		}
		if slices.Contains(held, side.Opposite()) {
			return fmt.Errorf("user %q holds side %s: %w", userID, side.Opposite(), domain.ErrConflictingPosition)
		}
		if u.Balance < cost {
			return &domain.InsufficientFundsError{Need: cost, Have: u.Balance}
		}

		pos = domain.Position{
			ID:       uuid.NewString(),
			UserID:   userID,
			MarketID: marketID,
			Side:     side,
			Amount:   cost,
			PlacedAt: now,
			Status:   domain.PositionStatusValid,
		}
		if err := tx.Positions.Create(ctx, pos); err != nil {
			return err
		}
		if err := tx.Users.AdjustBalance(ctx, userID, -cost); err != nil {
			return err
		}
		if err := tx.Markets.AddToPool(ctx, marketID, side, cost); err != nil {
			return err
		}
		if side == domain.SideA {
			m.PoolA += cost
		} else {
			m.PoolB += cost
		}
		market = m

		return tx.Audit.Log(ctx, string(domain.EventWagerPlaced), map[string]any{
			"position_id": pos.ID,
			"market_id":   marketID,
			"user_id":     userID,
			"side":        string(side),
			"amount":      cost,
		})
	})
	if err != nil {
		if expired {
			if _, cerr := s.closeExpired(ctx, now, marketID); cerr != nil {
				s.logger.WarnContext(ctx, "ledger_service: opportunistic close failed",
					slog.String("market_id", marketID),
					slog.String("error", cerr.Error()),
				)
			}
		}
		return domain.Position{}, txFailure("ledger_service: place wager", err)
	}

	s.invalidate(ctx, marketID)
	s.events.Emit(ctx, domain.LedgerEvent{
		Type:       domain.EventWagerPlaced,
		MarketID:   marketID,
		UserID:     userID,
		PositionID: pos.ID,
		Side:       side,
		Amount:     pos.Amount,
		PoolA:      market.PoolA,
		PoolB:      market.PoolB,
		At:         now,
	})
	s.logger.InfoContext(ctx, "ledger_service: wager placed",
		slog.String("market_id", marketID),
		slog.String("user_id", userID),
		slog.String("side", string(side)),
		slog.Int64("amount", pos.Amount),
	)
	return pos, nil
}

// GetPoolState returns the pool view of a market, served from the cache when
// the cached entry is still current. A fill is only stored if no wager,
// settlement or sweep invalidated the market since the generation was read.
func (s *LedgerService) GetPoolState(ctx context.Context, marketID string) (domain.PoolState, error) {
	var (
		gen       int64
		cacheable bool
	)
	if s.cache != nil {
		ps, err := s.cache.Get(ctx, marketID)
		if err == nil && !(ps.Status == domain.MarketStatusOpen && ps.Deadline != nil && ps.Deadline.Before(s.now())) {
			return ps, nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "ledger_service: pool cache get failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
		}

		gen, err = s.cache.Generation(ctx, marketID)
		if err != nil {
			s.logger.WarnContext(ctx, "ledger_service: pool cache generation failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
		} else {
			cacheable = true
		}
	}

	m, err := s.GetMarket(ctx, marketID)
	if err != nil {
		return domain.PoolState{}, err
	}
	ps := domain.NewPoolState(m)

	if cacheable {
		stored, err := s.cache.Set(ctx, ps, gen)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "ledger_service: pool cache set failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
		case !stored:
			s.logger.DebugContext(ctx, "ledger_service: pool cache fill discarded",
				slog.String("market_id", marketID),
				slog.Int64("generation", gen),
			)
		}
	}
	return ps, nil
}

// ListMarketPositions lists the positions of a market.
func (s *LedgerService) ListMarketPositions(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Position, error) {
	st := s.ledger.Stores()
	if _, err := st.Markets.GetByID(ctx, marketID); err != nil {
		return nil, fmt.Errorf("ledger_service: list market positions %q: %w", marketID, err)
	}
	positions, err := st.Positions.ListByMarket(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger_service: list market positions %q: %w", marketID, err)
	}
	return positions, nil
}

// ListUserPositions lists a user's wagering history, newest first.
func (s *LedgerService) ListUserPositions(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Position, error) {
	st := s.ledger.Stores()
	if _, err := st.Users.GetByID(ctx, userID); err != nil {
		return nil, fmt.Errorf("ledger_service: list user positions %q: %w", userID, err)
	}
	positions, err := st.Positions.ListByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger_service: list user positions %q: %w", userID, err)
	}
	return positions, nil
}

// Withdraw debits amount from the user's balance. Paying it out is handled
// elsewhere.
func (s *LedgerService) Withdraw(ctx context.Context, userID string, amount int64) (domain.User, error) {
	if amount <= 0 {
		return domain.User{}, fmt.Errorf("ledger_service: withdraw: %w: amount must be positive, got %d", domain.ErrInvalidInput, amount)
	}

	var u domain.User
	err := s.ledger.InTx(ctx, func(tx domain.Stores) error {
		var err error
		u, err = tx.Users.GetForUpdate(ctx, userID)
		if err != nil {
			return fmt.Errorf("user %q: %w", userID, err)
		}
		if u.Balance < amount {
			return &domain.InsufficientFundsError{Need: amount, Have: u.Balance}
		}
		if err := tx.Users.AdjustBalance(ctx, userID, -amount); err != nil {
			return err
		}
		u.Balance -= amount
		return tx.Audit.Log(ctx, "withdrawal", map[string]any{
			"user_id": userID,
			"amount":  amount,
		})
	})
	if err != nil {
		return domain.User{}, txFailure("ledger_service: withdraw", err)
	}

	s.logger.InfoContext(ctx, "ledger_service: withdrawal",
		slog.String("user_id", userID),
		slog.Int64("amount", amount),
	)
	return u, nil
}

// AdjustBalance lets an admin credit or debit a user. A debit below zero is
// rejected with the shortfall.
func (s *LedgerService) AdjustBalance(ctx context.Context, actorID, userID string, delta int64, reason string) (domain.User, error) {
	if delta == 0 {
		return domain.User{}, fmt.Errorf("ledger_service: adjust balance: %w: delta must be non-zero", domain.ErrInvalidInput)
	}

	var u domain.User
	err := s.ledger.InTx(ctx, func(tx domain.Stores) error {
		if err := requireAdmin(ctx, tx.Users, actorID); err != nil {
			return err
		}
		var err error
		u, err = tx.Users.GetForUpdate(ctx, userID)
		if err != nil {
			return fmt.Errorf("user %q: %w", userID, err)
		}
		if u.Balance+delta < 0 {
			return &domain.InsufficientFundsError{Need: -delta, Have: u.Balance}
		}
		if err := tx.Users.AdjustBalance(ctx, userID, delta); err != nil {
			return err
		}
		u.Balance += delta
		return tx.Audit.Log(ctx, "balance_adjusted", map[string]any{
			"user_id":  userID,
			"actor_id": actorID,
			"delta":    delta,
			"reason":   reason,
		})
	})
	if err != nil {
		return domain.User{}, txFailure("ledger_service: adjust balance", err)
	}

	s.logger.InfoContext(ctx, "ledger_service: balance adjusted",
		slog.String("user_id", userID),
		slog.String("actor_id", actorID),
		slog.Int64("delta", delta),
	)
	return u, nil
}

// SweepDeadlines closes every OPEN market whose deadline has passed and
// returns the ids it closed. Running it twice closes nothing the second time.
func (s *LedgerService) SweepDeadlines(ctx context.Context) ([]string, error) {
	closed, err := s.closeExpired(ctx, s.now())
	if err != nil {
		return nil, err
	}
	if len(closed) > 0 {
		s.logger.InfoContext(ctx, "ledger_service: deadlines swept",
			slog.Int("closed", len(closed)),
		)
	}
	return closed, nil
}

func (s *LedgerService) closeIfExpired(ctx context.Context, m *domain.Market) {
	now := s.now()
	if m.Status != domain.MarketStatusOpen || !m.DeadlinePassed(now) {
		return
	}
	closed, err := s.closeExpired(ctx, now, m.ID)
	if err != nil {
		s.logger.WarnContext(ctx, "ledger_service: opportunistic close failed",
			slog.String("market_id", m.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if slices.Contains(closed, m.ID) {
		m.Status = domain.MarketStatusClosed
		m.UpdatedAt = now
	}
}

// closeExpired flips expired OPEN markets to CLOSED in one transaction,
// then invalidates their cached pools and announces them.
func (s *LedgerService) closeExpired(ctx context.Context, now time.Time, ids ...string) ([]string, error) {
	var closed []string
	err := s.ledger.InTx(ctx, func(tx domain.Stores) error {
		var err error
		closed, err = tx.Markets.CloseExpired(ctx, now, ids...)
		if err != nil || len(closed) == 0 {
			return err
		}
		return tx.Audit.Log(ctx, string(domain.EventMarketsClosed), map[string]any{
			"market_ids": closed,
		})
	})
	if err != nil {
		return nil, txFailure("ledger_service: close expired", err)
	}
	if len(closed) == 0 {
		return nil, nil
	}

	s.invalidate(ctx, closed...)
	s.events.Emit(ctx, domain.LedgerEvent{
		Type:      domain.EventMarketsClosed,
		MarketIDs: closed,
		At:        now,
	})
	return closed, nil
}

func (s *LedgerService) invalidate(ctx context.Context, ids ...string) {
	if s.cache == nil || len(ids) == 0 {
		return
	}
	if err := s.cache.Invalidate(ctx, ids...); err != nil {
		s.logger.WarnContext(ctx, "ledger_service: pool cache invalidate failed",
			slog.Any("market_ids", ids),
			slog.String("error", err.Error()),
		)
	}
}

// requireAdmin fails with ErrUnauthorized unless actorID is an existing
// admin.
func requireAdmin(ctx context.Context, users domain.UserStore, actorID string) error {
	actor, err := users.GetByID(ctx, actorID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("actor %q: %w", actorID, domain.ErrUnauthorized)
	}
	if err != nil {
		return err
	}
	if !actor.IsAdmin {
		return fmt.Errorf("actor %q is not an admin: %w", actorID, domain.ErrUnauthorized)
	}
	return nil
}
