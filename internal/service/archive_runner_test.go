package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

func month(y int, m time.Month) time.Time {
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

type windowRecorder struct {
	oldest   time.Time
	archived map[time.Time]bool
	failOn   time.Time
	windows  [][2]time.Time
}

func (w *windowRecorder) ArchivePositions(_ context.Context, from, to time.Time) (int64, error) {
	if from.Equal(w.failOn) {
		return 0, errors.New("upload failed")
	}
	w.windows = append(w.windows, [2]time.Time{from, to})
	return 2, nil
}

func (w *windowRecorder) ArchivedMonths(context.Context) (map[time.Time]bool, error) {
	return w.archived, nil
}

func (w *windowRecorder) OldestResolution(context.Context) (time.Time, error) {
	if w.oldest.IsZero() {
		return time.Time{}, domain.ErrNotFound
	}
	return w.oldest, nil
}

func TestArchiveRunner_BackfillsMissingMonths(t *testing.T) {
	rec := &windowRecorder{
		oldest:   time.Date(2025, 11, 15, 8, 0, 0, 0, time.UTC),
		archived: map[time.Time]bool{month(2025, 12): true, month(2026, 2): true},
	}
	now := time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)
	r := NewArchiveRunner(rec, time.Hour, 7*24*time.Hour, quietLogger()).
		WithClock(func() time.Time { return now })

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)

	assert.Equal(t, [][2]time.Time{
		{month(2025, 11), month(2025, 12)},
		{month(2026, 1), month(2026, 2)},
		{month(2026, 3), month(2026, 4)},
		{month(2026, 4), month(2026, 5)},
	}, rec.windows, "May holds the cutoff and waits for a later pass")
}

func TestArchiveRunner_CutoffOnMonthBoundary(t *testing.T) {
	rec := &windowRecorder{oldest: time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC)}
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	r := NewArchiveRunner(rec, time.Hour, 0, quietLogger()).
		WithClock(func() time.Time { return now })

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][2]time.Time{{month(2026, 5), month(2026, 6)}}, rec.windows)
}

func TestArchiveRunner_NothingResolved(t *testing.T) {
	rec := &windowRecorder{}
	r := NewArchiveRunner(rec, time.Hour, 0, quietLogger())

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, rec.windows)
}

func TestArchiveRunner_StopsAtFailedMonth(t *testing.T) {
	rec := &windowRecorder{
		oldest: time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC),
		failOn: month(2026, 2),
	}
	now := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	r := NewArchiveRunner(rec, time.Hour, 0, quietLogger()).
		WithClock(func() time.Time { return now })

	n, err := r.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2026-02")
	assert.Equal(t, int64(2), n)
	assert.Len(t, rec.windows, 1)
}
