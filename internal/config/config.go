// Package config defines the top-level configuration for the campusclash
// ledger and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/campusclash/internal/settlement"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CAMPUS_* environment variables.
type Config struct {
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Settlement SettlementConfig `toml:"settlement"`
	Sweeper    SweeperConfig    `toml:"sweeper"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// DatabaseConfig selects the ledger store. Driver "postgres" uses the DSN or
// the host/port fields; "sqlite" opens SQLitePath.
type DatabaseConfig struct {
	Driver        string `toml:"driver"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
	SQLitePath    string `toml:"sqlite_path"`
}

// RedisConfig holds Redis connection parameters. An empty Addr disables Redis
// and the process falls back to in-memory caches, locks and bus.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix"`
	PoolCacheTTL duration `toml:"pool_cache_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for settlement
// receipts and the position archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// LedgerConfig holds account and wager limits.
type LedgerConfig struct {
	StartingBalance int64 `toml:"starting_balance"`
	MaxQuantity     int64 `toml:"max_quantity"`
}

// SettlementConfig controls market resolution.
type SettlementConfig struct {
	// VoidPolicy is "refund" or "absorb"; it applies when no on-time position
	// backed the winning side.
	VoidPolicy string   `toml:"void_policy"`
	LockTTL    duration `toml:"lock_ttl"`
}

// SweeperConfig controls the deadline sweeper.
type SweeperConfig struct {
	Interval duration `toml:"interval"`
}

// ArchiveConfig controls the monthly export of settled positions to S3.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKeyHash is the bcrypt hash of the shared API key. Empty disables
	// key checks, which is only sensible behind an authenticating proxy.
	APIKeyHash     string `toml:"api_key_hash"`
	IdentityHeader string `toml:"identity_header"`
	// WagerRateLimit is wagers per caller per minute; 0 disables throttling.
	WagerRateLimit int `toml:"wager_rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	// Lifecycle announces process start and stop on every sender,
	// regardless of Events.
	Lifecycle bool `toml:"lifecycle"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:        "sqlite",
			Host:          "localhost",
			Port:          5432,
			Database:      "campusclash",
			User:          "campusclash",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
			SQLitePath:    "campusclash.db",
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MaxRetries:   3,
			KeyPrefix:    "campusclash",
			PoolCacheTTL: duration{30 * time.Second},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Region:         "us-east-1",
			UseSSL:         true,
			ForcePathStyle: true,
		},
		Ledger: LedgerConfig{
			StartingBalance: 1000,
			MaxQuantity:     1000,
		},
		Settlement: SettlementConfig{
			VoidPolicy: string(settlement.VoidRefund),
			LockTTL:    duration{30 * time.Second},
		},
		Sweeper: SweeperConfig{
			Interval: duration{30 * time.Second},
		},
		Archive: ArchiveConfig{
			Interval:      duration{24 * time.Hour},
			RetentionDays: 90,
		},
		Server: ServerConfig{
			Enabled:        true,
			Port:           8080,
			CORSOrigins:    []string{"http://localhost:3000"},
			IdentityHeader: "X-User-ID",
			WagerRateLimit: 30,
		},
		Notify: NotifyConfig{
			Events: []string{"market_settled", "markets_closed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"sweep":   true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RedisEnabled reports whether a Redis address is configured.
func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, sweep, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Database
	switch strings.ToLower(c.Database.Driver) {
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			if c.Database.Host == "" {
				errs = append(errs, "database: host must not be empty (or set database.dsn)")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
			}
			if c.Database.Database == "" {
				errs = append(errs, "database: database must not be empty")
			}
		}
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns < 0 {
			errs = append(errs, "database: pool_min_conns must be >= 0")
		}
		if c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
		}
	case "sqlite":
		if strings.TrimSpace(c.Database.SQLitePath) == "" {
			errs = append(errs, "database: sqlite_path must not be empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("database: unknown driver %q (valid: postgres, sqlite)", c.Database.Driver))
	}

	// Redis is optional.
	if c.RedisEnabled() {
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.StreamMaxLen < 1 {
			errs = append(errs, "redis: stream_max_len must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty when enabled")
	}

	// Ledger
	if c.Ledger.StartingBalance < 0 {
		errs = append(errs, "ledger: starting_balance must be >= 0")
	}
	if c.Ledger.MaxQuantity < 0 {
		errs = append(errs, "ledger: max_quantity must be >= 0")
	}

	// Settlement
	if _, err := settlement.ParseVoidPolicy(c.Settlement.VoidPolicy); err != nil {
		errs = append(errs, "settlement: "+err.Error())
	}
	if c.Settlement.LockTTL.Duration <= 0 {
		errs = append(errs, "settlement: lock_ttl must be > 0")
	}

	// Background jobs
	if (mode == "sweep" || mode == "full") && c.Sweeper.Interval.Duration <= 0 {
		errs = append(errs, "sweeper: interval must be > 0")
	}
	archiving := mode == "archive" || (mode == "full" && c.Archive.Enabled)
	if archiving {
		if !c.S3.Enabled {
			errs = append(errs, "archive: s3 must be enabled to archive positions")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled || mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.WagerRateLimit < 0 {
			errs = append(errs, "server: wager_rate_limit must be >= 0")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
