// Package config loads service settings from the environment and an
// optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/taskmgr818/credit-ledger/internal/apperr"
)

// Config holds all application-level settings.
type Config struct {
	// Server
	ServerAddr  string
	CORSOrigins []string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// PostgreSQL
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Shared secrets
	WebhookToken string // expected in the asaas-access-token header
	CronSecret   string // bearer token of the cron endpoints

	// Payment gateway
	GatewayBaseURL    string
	GatewayAPIKey     string
	GatewayTimeout    time.Duration
	GatewayMaxRetries int

	// Credits
	GraceWindow time.Duration
	PlansFile   string // YAML catalog seeded at startup, optional

	// Webhook retry queue
	WebhookMaxRetries int
	WebhookMinBackoff time.Duration

	// Jobs
	JobBatchSize int
	JobLockTTL   time.Duration
	CronEnabled  bool
	CronSpecs    map[string]string // job name → five-field spec, empty disables

	// Logging
	LogLevel  string
	LogFormat string
}

// cronKeys maps job names onto their spec keys.
var cronKeys = map[string]string{
	"webhook-retry":           "CRON_WEBHOOK_RETRY",
	"expire-purchased":        "CRON_EXPIRE_PURCHASED",
	"expire-yearly":           "CRON_EXPIRE_YEARLY",
	"payment-inconsistencies": "CRON_PAYMENT_INCONSISTENCIES",
	"sync-due-dates":          "CRON_SYNC_DUE_DATES",
}

func defaults(v *viper.Viper) {
	v.SetDefault("SERVER_ADDR", ":8080")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "credits")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("WEBHOOK_TOKEN", "")
	v.SetDefault("CRON_SECRET", "")
	v.SetDefault("GATEWAY_BASE_URL", "https://api.asaas.com/v3")
	v.SetDefault("GATEWAY_API_KEY", "")
	v.SetDefault("GATEWAY_TIMEOUT", 10*time.Second)
	v.SetDefault("GATEWAY_MAX_RETRIES", 3)
	v.SetDefault("CREDIT_GRACE_WINDOW", 24*time.Hour)
	v.SetDefault("PLANS_FILE", "")
	v.SetDefault("WEBHOOK_MAX_RETRIES", 5)
	v.SetDefault("WEBHOOK_MIN_BACKOFF", 5*time.Minute)
	v.SetDefault("JOB_BATCH_SIZE", 50)
	v.SetDefault("JOB_LOCK_TTL", 10*time.Minute)
	v.SetDefault("CRON_ENABLED", true)
	v.SetDefault("CRON_WEBHOOK_RETRY", "*/5 * * * *")
	v.SetDefault("CRON_EXPIRE_PURCHASED", "15 0 * * *")
	v.SetDefault("CRON_EXPIRE_YEARLY", "30 0 * * *")
	v.SetDefault("CRON_PAYMENT_INCONSISTENCIES", "0 */6 * * *")
	v.SetDefault("CRON_SYNC_DUE_DATES", "45 1 * * *")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

// Load reads configuration from environment variables with sensible
// defaults. A file named by CONFIG_FILE, when set, is read first and
// environment variables override it.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	defaults(v)
	v.AutomaticEnv()
	v.AllowEmptyEnv(true) // an empty cron spec disables that job

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := &Config{
		ServerAddr:        v.GetString("SERVER_ADDR"),
		CORSOrigins:       splitList(v.GetString("CORS_ORIGINS")),
		RedisAddr:         v.GetString("REDIS_ADDR"),
		RedisPassword:     v.GetString("REDIS_PASSWORD"),
		RedisDB:           v.GetInt("REDIS_DB"),
		DBHost:            v.GetString("DB_HOST"),
		DBPort:            v.GetString("DB_PORT"),
		DBUser:            v.GetString("DB_USER"),
		DBPassword:        v.GetString("DB_PASSWORD"),
		DBName:            v.GetString("DB_NAME"),
		DBSSLMode:         v.GetString("DB_SSLMODE"),
		WebhookToken:      v.GetString("WEBHOOK_TOKEN"),
		CronSecret:        v.GetString("CRON_SECRET"),
		GatewayBaseURL:    v.GetString("GATEWAY_BASE_URL"),
		GatewayAPIKey:     v.GetString("GATEWAY_API_KEY"),
		GatewayTimeout:    v.GetDuration("GATEWAY_TIMEOUT"),
		GatewayMaxRetries: v.GetInt("GATEWAY_MAX_RETRIES"),
		GraceWindow:       v.GetDuration("CREDIT_GRACE_WINDOW"),
		PlansFile:         v.GetString("PLANS_FILE"),
		WebhookMaxRetries: v.GetInt("WEBHOOK_MAX_RETRIES"),
		WebhookMinBackoff: v.GetDuration("WEBHOOK_MIN_BACKOFF"),
		JobBatchSize:      v.GetInt("JOB_BATCH_SIZE"),
		JobLockTTL:        v.GetDuration("JOB_LOCK_TTL"),
		CronEnabled:       v.GetBool("CRON_ENABLED"),
		CronSpecs:         make(map[string]string, len(cronKeys)),
		LogLevel:          v.GetString("LOG_LEVEL"),
		LogFormat:         v.GetString("LOG_FORMAT"),
	}
	for job, key := range cronKeys {
		cfg.CronSpecs[job] = strings.TrimSpace(v.GetString(key))
	}
	return cfg, nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// Validate checks the settings the HTTP server cannot run without.
func (c *Config) Validate() error {
	var missing []string
	if c.WebhookToken == "" {
		missing = append(missing, "WEBHOOK_TOKEN")
	}
	if c.CronSecret == "" {
		missing = append(missing, "CRON_SECRET")
	}
	if c.GatewayAPIKey == "" {
		missing = append(missing, "GATEWAY_API_KEY")
	}
	if len(missing) > 0 {
		return apperr.Validation.New("missing required settings: %s", strings.Join(missing, ", "))
	}
	if c.GraceWindow < 0 {
		return apperr.Validation.New("CREDIT_GRACE_WINDOW must not be negative")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
