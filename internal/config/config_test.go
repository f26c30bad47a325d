package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultBatchMaxSize, cfg.BatchMaxSize)
	assert.Equal(t, DefaultSchedulerCheckInterval, cfg.SchedulerCheckInterval)
	assert.Equal(t, DefaultSchedulerMaxFailures, cfg.SchedulerMaxFailures)
	assert.Equal(t, DefaultMinBalance, cfg.DefaultMinBalance)
	assert.Equal(t, int64(0), cfg.FeeRateBps)
	assert.Empty(t, cfg.FeeSinkAccount, "an unset fee sink means fees burn")
}

func TestLoad_FeeSinkAndRateFromEnv(t *testing.T) {
	setEnv(t, "FEE_RATE_BPS", "50")
	setEnv(t, "FEE_SINK_ACCOUNT", "acct_platform")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(50), cfg.FeeRateBps)
	assert.Equal(t, "acct_platform", cfg.FeeSinkAccount)
}

func validBaseConfig() Config {
	return Config{
		Port:               DefaultPort,
		RateLimitRPM:       DefaultRateLimit,
		DBStatementTimeout: DefaultDBStatementTimeout,
		BatchMaxSize:       DefaultBatchMaxSize,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}, wantErr: ""},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Port = "not-a-number" },
			wantErr: "PORT must be",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Port = "70000" },
			wantErr: "PORT must be",
		},
		{
			name:    "rate limit too low",
			mutate:  func(c *Config) { c.RateLimitRPM = 0 },
			wantErr: "RATE_LIMIT_RPM must be",
		},
		{
			name:    "statement timeout too low",
			mutate:  func(c *Config) { c.DBStatementTimeout = 10 },
			wantErr: "POSTGRES_STATEMENT_TIMEOUT must be",
		},
		{
			name: "write timeout below request timeout",
			mutate: func(c *Config) {
				c.RequestTimeout = 30 * DefaultHTTPWriteTimeout
				c.HTTPWriteTimeout = DefaultHTTPWriteTimeout
			},
			wantErr: "HTTP_WRITE_TIMEOUT",
		},
		{
			name:    "fee rate out of range",
			mutate:  func(c *Config) { c.FeeRateBps = 20000 },
			wantErr: "FEE_RATE_BPS must be",
		},
		{
			name:    "batch max size too low",
			mutate:  func(c *Config) { c.BatchMaxSize = 0 },
			wantErr: "BATCH_MAX_SIZE must be",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validBaseConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
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

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // falls back on parse error
}
