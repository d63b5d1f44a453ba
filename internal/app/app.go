// Package app provides the top-level application lifecycle management for the
// campusclash ledger. It wires together all dependencies (store, caches, blob
// storage, services and notifications) and starts the appropriate goroutines
// based on the configured operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/campusclash/internal/config"
	"github.com/alanyoungcy/campusclash/internal/notify"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding goroutines, and blocks until the
// context is cancelled. On return it runs all registered cleanup functions.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
		slog.String("database", a.cfg.Database.Driver),
		slog.Bool("redis", a.cfg.RedisEnabled()),
		slog.Bool("s3", a.cfg.S3.Enabled),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	if a.cfg.Notify.Lifecycle {
		a.announce(ctx, deps.Notifier, "started")
		defer a.announce(context.WithoutCancel(ctx), deps.Notifier, "stopped")
	}

	switch strings.ToLower(a.cfg.Mode) {
	case "server":
		return a.ServerMode(ctx, deps)
	case "sweep":
		return a.SweepMode(ctx, deps)
	case "archive":
		return a.ArchiveMode(ctx, deps)
	case "full":
		return a.FullMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// announce posts a lifecycle message to every sender, bypassing the event
// filter. Failures are only logged.
func (a *App) announce(ctx context.Context, n *notify.Notifier, state string) {
	if !n.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := n.NotifyAll(ctx, notify.Announcement{
		Event:   "lifecycle",
		Title:   "campusclash " + state,
		Message: fmt.Sprintf("Ledger %s in %s mode.", state, a.cfg.Mode),
		Fields: []notify.Field{
			{Name: "Database", Value: a.cfg.Database.Driver},
			{Name: "Redis", Value: fmt.Sprint(a.cfg.RedisEnabled())},
		},
		At: time.Now().UTC(),
	})
	if err != nil {
		a.logger.WarnContext(ctx, "lifecycle announcement failed",
			slog.String("state", state),
			slog.String("error", err.Error()),
		)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
