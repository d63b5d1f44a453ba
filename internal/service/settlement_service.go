package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alanyoungcy/campusclash/internal/domain"
	"github.com/alanyoungcy/campusclash/internal/settlement"
)

// SettlementConfig holds the settlement tunables.
type SettlementConfig struct {
	VoidPolicy settlement.VoidPolicy
	// LockTTL bounds how long a crashed settler can hold a market.
	LockTTL time.Duration
}

// ReportLine is the outcome of one position in a SettlementReport.
type ReportLine struct {
	PositionID string                `json:"position_id"`
	UserID     string                `json:"user_id"`
	Side       domain.Side           `json:"side"`
	Amount     int64                 `json:"amount"`
	PlacedAt   time.Time             `json:"placed_at"`
	Status     domain.PositionStatus `json:"status"`
	Payout     int64                 `json:"payout"`
	Late       bool                  `json:"late"`
}

// SettlementReport summarizes a completed settlement. It is returned to the
// caller and stored as the market's receipt.
type SettlementReport struct {
	MarketID        string       `json:"market_id"`
	WinningSide     domain.Side  `json:"winning_side"`
	ResultInstant   time.Time    `json:"result_instant"`
	ResolvedAt      time.Time    `json:"resolved_at"`
	ResolvedBy      string       `json:"resolved_by"`
	LateRefundCount int          `json:"late_refund_count"`
	LateRefunded    int64        `json:"late_refunded"`
	WinningPool     int64        `json:"winning_pool"`
	LosingPool      int64        `json:"losing_pool"`
	PaidOut         int64        `json:"paid_out"`
	Residual        int64        `json:"residual"`
	Voided          bool         `json:"voided"`
	Positions       []ReportLine `json:"positions"`
}

// ReceiptPathFunc maps a market id to its receipt object key.
type ReceiptPathFunc func(marketID string) string

// SettlementService resolves markets and pays out winners.
type SettlementService struct {
	ledger      domain.Ledger
	locks       domain.LockManager
	cache       domain.PoolCache
	events      *EventSink
	receipts    domain.BlobWriter
	reader      domain.BlobReader
	receiptPath ReceiptPathFunc
	cfg         SettlementConfig
	now         Clock
	logger      *slog.Logger
}

// NewSettlementService creates a SettlementService. locks, cache, events,
// receipts and reader may each be nil.
func NewSettlementService(
	ledger domain.Ledger,
	locks domain.LockManager,
	cache domain.PoolCache,
	events *EventSink,
	receipts domain.BlobWriter,
	reader domain.BlobReader,
	receiptPath ReceiptPathFunc,
	cfg SettlementConfig,
	logger *slog.Logger,
) *SettlementService {
	if cfg.VoidPolicy == "" {
		cfg.VoidPolicy = settlement.VoidRefund
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if receiptPath == nil {
		receiptPath = func(id string) string { return "settlements/" + id + ".json" }
	}
	return &SettlementService{
		ledger:      ledger,
		locks:       locks,
		cache:       cache,
		events:      events,
		receipts:    receipts,
		reader:      reader,
		receiptPath: receiptPath,
		cfg:         cfg,
		now:         SystemClock,
		logger:      logger.With(slog.String("component", "settlement_service")),
	}
}

// WithClock replaces the service clock.
func (s *SettlementService) WithClock(c Clock) *SettlementService {
	s.now = c
	return s
}

// Settle resolves marketID in favour of winning. Positions placed after
// resultInstant are refunded; on-time winners share the on-time losing pool
// in proportion to their stakes. The whole settlement is one transaction.
func (s *SettlementService) Settle(ctx context.Context, actorID, marketID string, winning domain.Side, resultInstant time.Time) (SettlementReport, error) {
	if !winning.Valid() {
		return SettlementReport{}, fmt.Errorf("settlement_service: settle: %w: winning side %q", domain.ErrInvalidInput, winning)
	}
	if resultInstant.IsZero() {
		return SettlementReport{}, fmt.Errorf("settlement_service: settle: %w: result instant is required", domain.ErrInvalidInput)
	}
	resultInstant = resultInstant.UTC().Truncate(time.Microsecond)

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "settle:"+marketID, s.cfg.LockTTL)
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			return SettlementReport{}, fmt.Errorf("settlement_service: settle %q: %w", marketID, errors.Join(domain.ErrTransactionFailed, err))
		case err != nil:
			// The market row lock still serializes settlement.
			s.logger.WarnContext(ctx, "settlement_service: lock acquire failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
		default:
			defer unlock()
		}
	}

	now := s.now()
	var (
		plan   settlement.Plan
		market domain.Market
	)
	err := s.ledger.InTx(ctx, func(tx domain.Stores) error {
		if err := requireAdmin(ctx, tx.Users, actorID); err != nil {
			return err
		}
		m, err := tx.Markets.GetForUpdate(ctx, marketID)
		if err != nil {
			return fmt.Errorf("market %q: %w", marketID, err)
		}
		if m.Status == domain.MarketStatusResolved {
			return fmt.Errorf("market %q: %w", marketID, domain.ErrAlreadySettled)
		}
		market = m

		positions, err := tx.Positions.ListValidByMarket(ctx, marketID)
		if err != nil {
			return err
		}
		plan, err = settlement.Compute(marketID, positions, winning, resultInstant, s.cfg.VoidPolicy)
		if err != nil {
			return err
		}

		for _, o := range plan.Outcomes {
			if err := tx.Positions.SetOutcome(ctx, o.PositionID, o.Status, o.Payout, now); err != nil {
				return fmt.Errorf("position %q: %w", o.PositionID, err)
			}
		}
		// Accounts are sorted by user id, the row lock order.
		for _, a := range plan.Accounts {
			if err := tx.Users.ApplySettlement(ctx, a.UserID, a.Credit, a.Wins, a.Losses); err != nil {
				return fmt.Errorf("user %q: %w", a.UserID, err)
			}
		}
		if err := tx.Markets.Resolve(ctx, marketID, plan.Resolution(now, actorID)); err != nil {
			return err
		}
		return tx.Audit.Log(ctx, string(domain.EventMarketSettled), map[string]any{
			"market_id":      marketID,
			"winning_side":   string(winning),
			"result_instant": resultInstant.Format(time.RFC3339Nano),
			"resolved_by":    actorID,
			"late_refunds":   plan.LateRefunds,
			"paid_out":       plan.PaidOut,
			"residual":       plan.Residual,
			"voided":         plan.Voided,
		})
	})
	if err != nil {
		return SettlementReport{}, txFailure(fmt.Sprintf("settlement_service: settle %q", marketID), err)
	}

	report := newReport(plan, now, actorID)

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, marketID); err != nil {
			s.logger.WarnContext(ctx, "settlement_service: pool cache invalidate failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.events.Emit(ctx, domain.LedgerEvent{
		Type:        domain.EventMarketSettled,
		MarketID:    marketID,
		WinningSide: winning,
		PoolA:       market.PoolA,
		PoolB:       market.PoolB,
		LateRefunds: plan.LateRefunds,
		Residual:    plan.Residual,
		At:          now,
	})
	s.storeReceipt(ctx, report)

	s.logger.InfoContext(ctx, "settlement_service: market settled",
		slog.String("market_id", marketID),
		slog.String("winning_side", string(winning)),
		slog.Int("positions", len(plan.Outcomes)),
		slog.Int("late_refunds", plan.LateRefunds),
		slog.Int64("paid_out", plan.PaidOut),
		slog.Int64("residual", plan.Residual),
		slog.Bool("voided", plan.Voided),
	)
	return report, nil
}

// Receipt returns the stored JSON receipt of a settled market.
func (s *SettlementService) Receipt(ctx context.Context, marketID string) ([]byte, error) {
	if s.reader == nil {
		return nil, fmt.Errorf("settlement_service: receipt %q: blob storage disabled: %w", marketID, domain.ErrNotFound)
	}
	rc, err := s.reader.Get(ctx, s.receiptPath(marketID))
	if err != nil {
		return nil, fmt.Errorf("settlement_service: receipt %q: %w", marketID, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("settlement_service: receipt %q: read: %w", marketID, err)
	}
	return data, nil
}

func (s *SettlementService) storeReceipt(ctx context.Context, report SettlementReport) {
	if s.receipts == nil {
		return
	}
	data, err := json.Marshal(report)
	if err != nil {
		s.logger.WarnContext(ctx, "settlement_service: receipt encode failed",
			slog.String("market_id", report.MarketID),
			slog.String("error", err.Error()),
		)
		return
	}
	path := s.receiptPath(report.MarketID)
	if err := s.receipts.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: receipt upload failed",
			slog.String("market_id", report.MarketID),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

func newReport(plan settlement.Plan, resolvedAt time.Time, resolvedBy string) SettlementReport {
	r := SettlementReport{
		MarketID:        plan.MarketID,
		WinningSide:     plan.WinningSide,
		ResultInstant:   plan.ResultInstant,
		ResolvedAt:      resolvedAt,
		ResolvedBy:      resolvedBy,
		LateRefundCount: plan.LateRefunds,
		LateRefunded:    plan.LateRefunded,
		WinningPool:     plan.WinningPool,
		LosingPool:      plan.LosingPool,
		PaidOut:         plan.PaidOut,
		Residual:        plan.Residual,
		Voided:          plan.Voided,
		Positions:       make([]ReportLine, len(plan.Outcomes)),
	}
	for i, o := range plan.Outcomes {
		r.Positions[i] = ReportLine{
			PositionID: o.PositionID,
			UserID:     o.UserID,
			Side:       o.Side,
			Amount:     o.Amount,
			PlacedAt:   o.PlacedAt,
			Status:     o.Status,
			Payout:     o.Payout,
			Late:       o.Late,
		}
	}
	return r
}
