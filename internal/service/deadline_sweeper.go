package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

const sweepLockKey = "sweep:deadlines"

// DeadlineSweeper periodically closes markets whose deadline has passed.
// With a shared lock manager only one replica sweeps per tick.
type DeadlineSweeper struct {
	ledger   *LedgerService
	locks    domain.LockManager
	interval time.Duration
	logger   *slog.Logger
}

// NewDeadlineSweeper creates a DeadlineSweeper. locks may be nil.
func NewDeadlineSweeper(ledger *LedgerService, locks domain.LockManager, interval time.Duration, logger *slog.Logger) *DeadlineSweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &DeadlineSweeper{
		ledger:   ledger,
		locks:    locks,
		interval: interval,
		logger:   logger.With(slog.String("component", "deadline_sweeper")),
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (d *DeadlineSweeper) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "deadline sweeper started", slog.Duration("interval", d.interval))

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
			d.logger.ErrorContext(ctx, "deadline sweep failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass and returns the ids it closed. It returns nothing when
// another process holds the sweep lock.
func (d *DeadlineSweeper) Sweep(ctx context.Context) ([]string, error) {
	if d.locks != nil {
		unlock, err := d.locks.Acquire(ctx, sweepLockKey, d.interval)
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			d.logger.DebugContext(ctx, "deadline sweep skipped, lock held elsewhere")
			return nil, nil
		case err != nil:
			d.logger.WarnContext(ctx, "deadline sweeper lock failed", slog.String("error", err.Error()))
		default:
			defer unlock()
		}
	}
	return d.ledger.SweepDeadlines(ctx)
}
