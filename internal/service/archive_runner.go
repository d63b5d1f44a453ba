package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

// ArchiveRunner periodically copies the positions of settled markets to
// cold storage once their month of resolution is older than the retention
// window.
type ArchiveRunner struct {
	archiver  domain.Archiver
	interval  time.Duration
	retention time.Duration
	now       Clock
	logger    *slog.Logger
}

// NewArchiveRunner creates an ArchiveRunner.
func NewArchiveRunner(archiver domain.Archiver, interval, retention time.Duration, logger *slog.Logger) *ArchiveRunner {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if retention < 0 {
		retention = 0
	}
	return &ArchiveRunner{
		archiver:  archiver,
		interval:  interval,
		retention: retention,
		now:       SystemClock,
		logger:    logger.With(slog.String("component", "archive_runner")),
	}
}

// WithClock replaces the runner clock.
func (a *ArchiveRunner) WithClock(c Clock) *ArchiveRunner {
	a.now = c
	return a
}

// Run archives once immediately and then on every tick until ctx is done.
func (a *ArchiveRunner) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "archive runner started",
		slog.Duration("interval", a.interval),
		slog.Duration("retention", a.retention),
	)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		if _, err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
			a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce archives every calendar month that ended before the retention
// cutoff and has no archive object yet, starting from the month of the
// oldest resolution. Markets resolved in a finished month before the cutoff
// cannot change any more, so an existing object is final. The month holding
// the cutoff is archived on a later pass, once it has ended.
func (a *ArchiveRunner) RunOnce(ctx context.Context) (int64, error) {
	cutoff := a.now().Add(-a.retention).UTC()
	end := monthStart(cutoff)

	oldest, err := a.archiver.OldestResolution(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("archive_runner: %w", err)
	}
	done, err := a.archiver.ArchivedMonths(ctx)
	if err != nil {
		return 0, fmt.Errorf("archive_runner: %w", err)
	}

	var total int64
	for m := monthStart(oldest); m.Before(end); m = m.AddDate(0, 1, 0) {
		if done[m] {
			continue
		}
		n, err := a.archiver.ArchivePositions(ctx, m, m.AddDate(0, 1, 0))
		if err != nil {
			return total, fmt.Errorf("archive_runner: month %s: %w", m.Format("2006-01"), err)
		}
		total += n
	}

	if total > 0 {
		a.logger.InfoContext(ctx, "archive_runner: positions archived",
			slog.Int64("count", total),
			slog.Time("cutoff", cutoff),
		)
	}
	return total, nil
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
