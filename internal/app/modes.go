package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/campusclash/internal/blob/s3"
	"github.com/alanyoungcy/campusclash/internal/config"
	"github.com/alanyoungcy/campusclash/internal/server"
	"github.com/alanyoungcy/campusclash/internal/server/handler"
	"github.com/alanyoungcy/campusclash/internal/server/ws"
	"github.com/alanyoungcy/campusclash/internal/service"
	"github.com/alanyoungcy/campusclash/internal/settlement"
)

// Services holds the ledger services built on top of the wired dependencies.
type Services struct {
	Ledger  *service.LedgerService
	Settler *service.SettlementService
}

// NewServices constructs the ledger and settlement services. An invalid void
// policy was already rejected by config validation, so it falls back to the
// default here.
func NewServices(cfg *config.Config, deps *Dependencies, logger *slog.Logger) Services {
	sink := service.NewEventSink(deps.SignalBus, deps.Notifier, logger)

	policy, err := settlement.ParseVoidPolicy(cfg.Settlement.VoidPolicy)
	if err != nil {
		policy = settlement.VoidRefund
	}

	return Services{
		Ledger: service.NewLedgerService(deps.Ledger, deps.PoolCache, sink, service.LedgerConfig{
			StartingBalance: cfg.Ledger.StartingBalance,
			MaxQuantity:     cfg.Ledger.MaxQuantity,
		}, logger),
		Settler: service.NewSettlementService(
			deps.Ledger, deps.LockManager, deps.PoolCache, sink,
			deps.BlobWriter, deps.BlobReader, s3blob.ReceiptPath,
			service.SettlementConfig{
				VoidPolicy: policy,
				LockTTL:    cfg.Settlement.LockTTL.Duration,
			}, logger),
	}
}

// ServerMode runs the HTTP API and live feed only. Deadlines are still
// enforced lazily on every read and wager.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, NewServices(a.cfg, deps, a.logger))
	return g.Wait()
}

// SweepMode runs the deadline sweeper only.
func (a *App) SweepMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sweep mode",
		slog.Duration("interval", a.cfg.Sweeper.Interval.Duration),
	)

	svcs := NewServices(a.cfg, deps, a.logger)
	sweeper := service.NewDeadlineSweeper(svcs.Ledger, deps.LockManager, a.cfg.Sweeper.Interval.Duration, a.logger)
	return sweeper.Run(ctx)
}

// ArchiveMode runs the position archiver only.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode",
		slog.Duration("interval", a.cfg.Archive.Interval.Duration),
		slog.Int("retention_days", a.cfg.Archive.RetentionDays),
	)
	return a.newArchiveRunner(deps).Run(ctx)
}

// FullMode runs the HTTP server (when enabled), the deadline sweeper and the
// archiver (when enabled) in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	svcs := NewServices(a.cfg, deps, a.logger)

	sweeper := service.NewDeadlineSweeper(svcs.Ledger, deps.LockManager, a.cfg.Sweeper.Interval.Duration, a.logger)
	g.Go(func() error {
		return sweeper.Run(ctx)
	})

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		runner := a.newArchiveRunner(deps)
		g.Go(func() error {
			return runner.Run(ctx)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svcs)
	}

	return g.Wait()
}

func (a *App) newArchiveRunner(deps *Dependencies) *service.ArchiveRunner {
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
	return service.NewArchiveRunner(deps.Archiver, a.cfg.Archive.Interval.Duration, retention, a.logger)
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs Services) {
	checks := make(map[string]handler.Check, len(deps.Checks))
	for name, c := range deps.Checks {
		checks[name] = handler.Check(c)
	}

	hub := ws.NewHub(deps.SignalBus, a.cfg.Server.CORSOrigins, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:           a.cfg.Server.Port,
		CORSOrigins:    a.cfg.Server.CORSOrigins,
		APIKeyHash:     a.cfg.Server.APIKeyHash,
		IdentityHeader: a.cfg.Server.IdentityHeader,
		WagerRateLimit: a.cfg.Server.WagerRateLimit,
	}, server.Handlers{
		Health:     handler.NewHealthHandler(checks, a.logger),
		Users:      handler.NewUserHandler(svcs.Ledger, a.logger),
		Markets:    handler.NewMarketHandler(svcs.Ledger, a.logger),
		Positions:  handler.NewPositionHandler(svcs.Ledger, a.logger),
		Settlement: handler.NewSettlementHandler(svcs.Settler, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	if a.cfg.Server.APIKeyHash == "" {
		a.logger.WarnContext(ctx, "server.api_key_hash is empty; API key checks are disabled")
	}

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
