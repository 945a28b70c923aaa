// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool

	// Payment provider
	StripeSecretKey     string
	StripeWebhookSecret string
	Currency            string
	GatewayTimeout      time.Duration

	// Notifications
	AMQPURL        string // RabbitMQ URL (optional, logs notifications if not set)
	NotifyExchange string
	OpsRecipient   string

	// Dunning
	GracePeriod        time.Duration
	DunningMaxAttempts int

	// Schedules (cron syntax)
	CreditResetSchedule string
	ReconcileSchedule   string

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret    string
	RateLimitRPM   int // admin API requests per client per minute
	RateLimitBurst int
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultCurrency            = "usd"
	DefaultGatewayTimeout      = 10 * time.Second
	DefaultNotifyExchange      = "billing.notifications"
	DefaultOpsRecipient        = "ops:billing"
	DefaultGracePeriod         = 7 * 24 * time.Hour
	DefaultDunningMaxAttempts  = 3
	DefaultCreditResetSchedule = "0 0 1 * *"
	DefaultReconcileSchedule   = "@every 5m"
	DefaultRateLimitRPM        = 120
	DefaultRateLimitBurst      = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AutoMigrate:         getEnvBool("AUTO_MIGRATE", true),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		Currency:            getEnv("CURRENCY", DefaultCurrency),
		GatewayTimeout:      getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		AMQPURL:             os.Getenv("AMQP_URL"),
		NotifyExchange:      getEnv("NOTIFY_EXCHANGE", DefaultNotifyExchange),
		OpsRecipient:        getEnv("OPS_RECIPIENT", DefaultOpsRecipient),
		GracePeriod:         getEnvDuration("GRACE_PERIOD", DefaultGracePeriod),
		DunningMaxAttempts:  int(getEnvInt64("DUNNING_MAX_ATTEMPTS", DefaultDunningMaxAttempts)),
		CreditResetSchedule: getEnv("CREDIT_RESET_SCHEDULE", DefaultCreditResetSchedule),
		ReconcileSchedule:   getEnv("RECONCILE_SCHEDULE", DefaultReconcileSchedule),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:      int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.GracePeriod <= 0 {
		return fmt.Errorf("GRACE_PERIOD must be positive")
	}
	if c.DunningMaxAttempts < 2 {
		return fmt.Errorf("DUNNING_MAX_ATTEMPTS must be at least 2")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}

	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
