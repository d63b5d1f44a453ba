package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/campusclash/internal/config"
	"github.com/alanyoungcy/campusclash/internal/domain"
	"github.com/alanyoungcy/campusclash/internal/notify"
)

func TestWire_LocalFallbacks(t *testing.T) {
	cfg := config.Defaults()
	cfg.Database.SQLitePath = ":memory:"

	deps, cleanup, err := Wire(context.Background(), &cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer cleanup()

	assert.Nil(t, deps.PoolCache)
	assert.Nil(t, deps.Archiver)
	assert.NotNil(t, deps.LockManager)
	assert.NotNil(t, deps.SignalBus)
	assert.NotNil(t, deps.RateLimiter)
	require.Contains(t, deps.Checks, "database")
	assert.NoError(t, deps.Checks["database"](context.Background()))

	svcs := NewServices(&cfg, deps, slog.New(slog.NewTextHandler(io.Discard, nil)))
	admin, err := svcs.Ledger.RegisterUser(context.Background(), "dean", true)
	require.NoError(t, err)

	_, err = svcs.Settler.Settle(context.Background(), admin.ID, "missing", domain.SideA, admin.CreatedAt)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOpenLedger_UnknownDriver(t *testing.T) {
	_, _, err := OpenLedger(context.Background(), config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

type recordingSender struct {
	got []notify.Announcement
}

func (r *recordingSender) Send(_ context.Context, a notify.Announcement) error {
	r.got = append(r.got, a)
	return nil
}

func (r *recordingSender) Name() string { return "recording" }

func TestApp_AnnounceIgnoresEventFilter(t *testing.T) {
	cfg := config.Defaults()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := &recordingSender{}

	a := New(&cfg, logger)
	a.announce(context.Background(), notify.NewNotifier([]notify.Sender{rec}, cfg.Notify.Events, logger), "started")

	require.Len(t, rec.got, 1)
	assert.Equal(t, "lifecycle", rec.got[0].Event)
	assert.Equal(t, "campusclash started", rec.got[0].Title)
	assert.Contains(t, rec.got[0].Message, "full mode")

	// Without senders nothing is attempted.
	a.announce(context.Background(), notify.NewNotifier(nil, nil, logger), "stopped")
	assert.Len(t, rec.got, 1)
}
