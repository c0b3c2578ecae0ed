package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmgr818/credit-ledger/internal/apperr"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, 24*time.Hour, cfg.GraceWindow)
	assert.Equal(t, 5, cfg.WebhookMaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.WebhookMinBackoff)
	assert.Equal(t, 50, cfg.JobBatchSize)
	assert.True(t, cfg.CronEnabled)
	assert.Equal(t, "*/5 * * * *", cfg.CronSpecs["webhook-retry"])
	assert.Len(t, cfg.CronSpecs, 5)
	assert.Equal(t, "host=localhost port=5432 user=postgres password=postgres dbname=credits sslmode=disable", cfg.DSN())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9000")
	t.Setenv("CREDIT_GRACE_WINDOW", "36h")
	t.Setenv("WEBHOOK_MAX_RETRIES", "7")
	t.Setenv("CRON_ENABLED", "false")
	t.Setenv("CRON_SYNC_DUE_DATES", "")
	t.Setenv("CORS_ORIGINS", "https://app.example.com, https://admin.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ServerAddr)
	assert.Equal(t, 36*time.Hour, cfg.GraceWindow)
	assert.Equal(t, 7, cfg.WebhookMaxRetries)
	assert.False(t, cfg.CronEnabled)
	assert.Empty(t, cfg.CronSpecs["sync-due-dates"])
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORSOrigins)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credits.yaml")
	require.NoError(t, os.WriteFile(path, []byte("DB_NAME: ledger\nJOB_BATCH_SIZE: 20\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("JOB_BATCH_SIZE", "30")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ledger", cfg.DBName)
	assert.Equal(t, 30, cfg.JobBatchSize, "environment wins over the file")
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.True(t, apperr.Validation.Has(err))
	assert.Contains(t, err.Error(), "WEBHOOK_TOKEN")
	assert.Contains(t, err.Error(), "CRON_SECRET")

	cfg.WebhookToken = "whsec"
	cfg.CronSecret = "cron"
	cfg.GatewayAPIKey = "key"
	assert.NoError(t, cfg.Validate())
}
