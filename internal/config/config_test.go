package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultGracePeriod, cfg.GracePeriod)
	assert.Equal(t, DefaultDunningMaxAttempts, cfg.DunningMaxAttempts)
	assert.Equal(t, DefaultGatewayTimeout, cfg.GatewayTimeout)
	assert.Equal(t, DefaultOpsRecipient, cfg.OpsRecipient)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, DefaultRateLimitRPM, cfg.RateLimitRPM)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "GRACE_PERIOD", "72h")
	setEnv(t, "DUNNING_MAX_ATTEMPTS", "4")
	setEnv(t, "GATEWAY_TIMEOUT", "3s")
	setEnv(t, "AUTO_MIGRATE", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 72*time.Hour, cfg.GracePeriod)
	assert.Equal(t, 4, cfg.DunningMaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.GatewayTimeout)
	assert.False(t, cfg.AutoMigrate)
}

func TestLoad_ProductionRequiresSecrets(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "STRIPE_SECRET_KEY", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:                "development",
			GracePeriod:        DefaultGracePeriod,
			DunningMaxAttempts: 3,
			GatewayTimeout:     time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "zero grace period", mutate: func(c *Config) { c.GracePeriod = 0 }, wantErr: "GRACE_PERIOD"},
		{name: "single attempt", mutate: func(c *Config) { c.DunningMaxAttempts = 1 }, wantErr: "DUNNING_MAX_ATTEMPTS"},
		{name: "zero gateway timeout", mutate: func(c *Config) { c.GatewayTimeout = 0 }, wantErr: "GATEWAY_TIMEOUT"},
		{
			name: "production without database",
			mutate: func(c *Config) {
				c.Env = "production"
				c.StripeSecretKey = "sk_live_x"
				c.StripeWebhookSecret = "whsec_x"
				c.AdminSecret = "admin"
			},
			wantErr: "DATABASE_URL",
		},
		{
			name: "production complete",
			mutate: func(c *Config) {
				c.Env = "production"
				c.StripeSecretKey = "sk_live_x"
				c.StripeWebhookSecret = "whsec_x"
				c.AdminSecret = "admin"
				c.DatabaseURL = "postgres://localhost/billing"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvHelpers(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")
	setEnv(t, "TEST_DURATION", "90s")
	setEnv(t, "TEST_BOOL", "true")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_INVALID", time.Second))
	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.False(t, getEnvBool("NONEXISTENT_VAR", false))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}
