package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_Validate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.RedisEnabled())
	assert.Equal(t, "refund", cfg.Settlement.VoidPolicy)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Database.Driver = "mysql"
	cfg.Settlement.VoidPolicy = "keep"
	cfg.Server.Port = 0
	cfg.Notify.TelegramToken = "tok"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "trade"`)
	assert.Contains(t, msg, `unknown driver "mysql"`)
	assert.Contains(t, msg, "settlement:")
	assert.Contains(t, msg, "server: port must be 1-65535")
	assert.Contains(t, msg, "telegram_token and telegram_chat_id")
}

func TestValidate_ArchiveNeedsS3(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "archive"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive: s3 must be enabled")

	cfg.S3.Enabled = true
	cfg.S3.Bucket = "clash"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Postgres(t *testing.T) {
	cfg := Defaults()
	cfg.Database.Driver = "postgres"
	cfg.Database.Host = ""
	cfg.Database.PoolMinConns = 20
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database: host must not be empty")
	assert.Contains(t, err.Error(), "pool_min_conns must not exceed")

	cfg.Database.DSN = "postgres://u@db/clash"
	cfg.Database.PoolMinConns = 1
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "campus.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "server"

[ledger]
starting_balance = 500

[sweeper]
interval = "5s"

[redis]
addr = "localhost:6379"
`), 0o600))

	t.Setenv("CAMPUS_LEDGER_MAX_QUANTITY", "25")
	t.Setenv("CAMPUS_SERVER_CORS_ORIGINS", "https://a.edu, ,https://b.edu")
	t.Setenv("CAMPUS_SETTLEMENT_LOCK_TTL", "1m")
	t.Setenv("CAMPUS_SERVER_PORT", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, int64(500), cfg.Ledger.StartingBalance)
	assert.Equal(t, int64(25), cfg.Ledger.MaxQuantity)
	assert.Equal(t, 5*time.Second, cfg.Sweeper.Interval.Duration)
	assert.Equal(t, time.Minute, cfg.Settlement.LockTTL.Duration)
	assert.Equal(t, []string{"https://a.edu", "https://b.edu"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.RedisEnabled())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Database.Password = "pw"
	cfg.S3.SecretKey = "s3"
	cfg.Server.APIKeyHash = "$2a$10$abc"
	cfg.Notify.Events = []string{"market_settled"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Database.Password)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Equal(t, "***", out.Server.APIKeyHash)
	assert.Empty(t, out.S3.AccessKey)

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "market_settled", cfg.Notify.Events[0])
	assert.Equal(t, "pw", cfg.Database.Password)
}
