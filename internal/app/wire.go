package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/campusclash/internal/blob/s3"
	"github.com/alanyoungcy/campusclash/internal/cache/local"
	"github.com/alanyoungcy/campusclash/internal/cache/redis"
	"github.com/alanyoungcy/campusclash/internal/config"
	"github.com/alanyoungcy/campusclash/internal/domain"
	"github.com/alanyoungcy/campusclash/internal/notify"
	"github.com/alanyoungcy/campusclash/internal/store/postgres"
	"github.com/alanyoungcy/campusclash/internal/store/sqlite"
)

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	Ledger domain.Ledger

	// Caches and coordination. PoolCache is nil when Redis is disabled.
	PoolCache   domain.PoolCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage; nil unless s3.enabled.
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	Notifier *notify.Notifier

	// Checks are reported by GET /api/health, keyed by dependency name.
	Checks map[string]Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]Check)}

	// --- Ledger store ---
	ledger, check, err := OpenLedger(ctx, cfg.Database)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %w", err)
	}
	closers = append(closers, ledger.Close)
	deps.Ledger = ledger
	deps.Checks["database"] = check

	// --- Redis, or in-process fallbacks ---
	if cfg.RedisEnabled() {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PoolCache = redis.NewPoolCache(redisClient, cfg.Redis.PoolCacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		logger.Info("wire: redis disabled, using in-process limiter, locks and bus")
		deps.RateLimiter = local.NewLimiter(0)
		deps.LockManager = local.NewLocks()
		deps.SignalBus = local.NewBus(int(cfg.Redis.StreamMaxLen))
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.BlobReader, ledger.Stores())
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// OpenLedger opens the configured store and returns it with a liveness check.
// Postgres migrations run when database.run_migrations is set; the SQLite
// schema is always applied on open.
func OpenLedger(ctx context.Context, cfg config.DatabaseConfig) (domain.Ledger, Check, error) {
	switch strings.ToLower(cfg.Driver) {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.DSN,
			Host:     cfg.Host,
			Port:     cfg.Port,
			Database: cfg.Database,
			User:     cfg.User,
			Password: cfg.Password,
			SSLMode:  cfg.SSLMode,
			MaxConns: cfg.PoolMaxConns,
			MinConns: cfg.PoolMinConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if cfg.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				pgClient.Close()
				return nil, nil, fmt.Errorf("postgres migrations: %w", err)
			}
		}
		return pgClient, func(ctx context.Context) error { return pgClient.Pool().Ping(ctx) }, nil

	case "sqlite":
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return db, func(ctx context.Context) error { return db.DB().PingContext(ctx) }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
