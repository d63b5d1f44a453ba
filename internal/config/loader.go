package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CAMPUS_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known CAMPUS_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.Driver, "CAMPUS_DATABASE_DRIVER")
	setStr(&cfg.Database.DSN, "CAMPUS_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "CAMPUS_DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "CAMPUS_DATABASE_HOST")
	setInt(&cfg.Database.Port, "CAMPUS_DATABASE_PORT")
	setStr(&cfg.Database.Database, "CAMPUS_DATABASE_DATABASE")
	setStr(&cfg.Database.User, "CAMPUS_DATABASE_USER")
	setStr(&cfg.Database.Password, "CAMPUS_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "CAMPUS_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "CAMPUS_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "CAMPUS_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "CAMPUS_DATABASE_RUN_MIGRATIONS")
	setStr(&cfg.Database.SQLitePath, "CAMPUS_DATABASE_SQLITE_PATH")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "CAMPUS_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CAMPUS_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CAMPUS_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CAMPUS_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "CAMPUS_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "CAMPUS_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "CAMPUS_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.PoolCacheTTL, "CAMPUS_REDIS_POOL_CACHE_TTL")
	setInt64(&cfg.Redis.StreamMaxLen, "CAMPUS_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "CAMPUS_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "CAMPUS_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CAMPUS_S3_REGION")
	setStr(&cfg.S3.Bucket, "CAMPUS_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CAMPUS_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CAMPUS_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "CAMPUS_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "CAMPUS_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "CAMPUS_S3_PREFIX")

	// ── Ledger ──
	setInt64(&cfg.Ledger.StartingBalance, "CAMPUS_LEDGER_STARTING_BALANCE")
	setInt64(&cfg.Ledger.MaxQuantity, "CAMPUS_LEDGER_MAX_QUANTITY")

	// ── Settlement ──
	setStr(&cfg.Settlement.VoidPolicy, "CAMPUS_SETTLEMENT_VOID_POLICY")
	setDuration(&cfg.Settlement.LockTTL, "CAMPUS_SETTLEMENT_LOCK_TTL")

	// ── Jobs ──
	setDuration(&cfg.Sweeper.Interval, "CAMPUS_SWEEPER_INTERVAL")
	setBool(&cfg.Archive.Enabled, "CAMPUS_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "CAMPUS_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "CAMPUS_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "CAMPUS_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "CAMPUS_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "CAMPUS_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKeyHash, "CAMPUS_SERVER_API_KEY_HASH")
	setStr(&cfg.Server.IdentityHeader, "CAMPUS_SERVER_IDENTITY_HEADER")
	setInt(&cfg.Server.WagerRateLimit, "CAMPUS_SERVER_WAGER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CAMPUS_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CAMPUS_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CAMPUS_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CAMPUS_NOTIFY_EVENTS")
	setBool(&cfg.Notify.Lifecycle, "CAMPUS_NOTIFY_LIFECYCLE")

	// ── Top-level ──
	setStr(&cfg.Mode, "CAMPUS_MODE")
	setStr(&cfg.LogLevel, "CAMPUS_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
