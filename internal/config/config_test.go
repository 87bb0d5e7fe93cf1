package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
app:
  mode: live
bus:
  type: redis
  redis:
    addr: ${TEST_REDIS_ADDR}
    password: ${TEST_REDIS_PASSWORD}
channels:
  requests: venue:requests
  responses: venue:responses
trading:
  accounts: [ACC-1]
  rate_limit: 2
  rate_burst: 1
  instruments:
    - symbol: F.US.MGC
      multiplier: "10"
      tick_size: "0.1"
      contracts:
        - id: CON.F.US.MGC.Z25
          active: true
          expiration: 2025-12-29
timing:
  sltp_backoff_ms: 250
store:
  type: sqlite
  path: /tmp/orders.db
`

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:     "expand single env var",
			input:    "addr: ${TEST_ADDR}",
			envVars:  map[string]string{"TEST_ADDR": "redis:6379"},
			expected: "addr: redis:6379",
		},
		{
			name:     "missing env var returns empty string",
			input:    "password: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "password: ",
		},
		{
			name:     "mixed static and env vars",
			input:    "db: 1\naddr: ${TEST_ADDR}",
			envVars:  map[string]string{"TEST_ADDR": "localhost:6380"},
			expected: "db: 1\naddr: localhost:6380",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.expected, expandEnvVars(tt.input))
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("TEST_REDIS_PASSWORD", "supersecretpassword")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6379", cfg.Bus.Redis.Addr)
	assert.Equal(t, "venue:requests", cfg.Channels.Requests)
	assert.Equal(t, "execution:events", cfg.Channels.Events, "default kept")
	assert.Equal(t, "execution:commands", cfg.Channels.Commands, "default kept")
	assert.Equal(t, []string{"ACC-1"}, cfg.Trading.Accounts)
	assert.Equal(t, 250*time.Millisecond, cfg.Timing.SLTPBackoff())
	assert.Equal(t, 15*time.Second, cfg.Timing.SLTPTimeout())
	assert.Equal(t, 3, cfg.Timing.SLTPMaxRetries)
	assert.False(t, cfg.Simulate())

	instruments, err := cfg.Instruments()
	require.NoError(t, err)
	require.Len(t, instruments, 1)
	assert.Equal(t, "F.US.MGC", instruments[0].Symbol)
	assert.Equal(t, "10", instruments[0].Multiplier.String())
	require.Len(t, instruments[0].Contracts, 1)
	assert.Equal(t, 2025, instruments[0].Contracts[0].Expiration.Year())

	assert.NotContains(t, cfg.String(), "supersecretpassword")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Trading.Instruments = []InstrumentConfig{{Symbol: "F.US.MGC", Multiplier: "10"}}
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"bad mode", func(c *Config) { c.App.Mode = "paper" }, "app.mode"},
		{"memory bus in live mode", func(c *Config) { c.Bus.Type = "memory" }, "bus.type"},
		{"same request and response channel", func(c *Config) { c.Channels.Responses = c.Channels.Requests }, "channels.responses"},
		{"zero timeout", func(c *Config) { c.Timing.TradeTimeoutMs = 0 }, "timing.trade_timeout_ms"},
		{"too many retries", func(c *Config) { c.Timing.SLTPMaxRetries = 11 }, "timing.sltp_max_retries"},
		{"no instruments", func(c *Config) { c.Trading.Instruments = nil }, "trading.instruments"},
		{"bad multiplier", func(c *Config) { c.Trading.Instruments[0].Multiplier = "ten" }, "multiplier"},
		{"foreign contract", func(c *Config) {
			c.Trading.Instruments[0].Contracts = []ContractConfig{{ID: "CON.F.US.EP.Z25"}}
		}, "contracts[0].id"},
		{"sqlite without path", func(c *Config) { c.Store.Type = "sqlite" }, "store.path"},
		{"bad log level", func(c *Config) { c.System.LogLevel = "TRACE" }, "system.log_level"},
		{"forwarder without channels", func(c *Config) { c.Forwarder.Enabled = true }, "forwarder"},
		{"pool too large", func(c *Config) { c.Concurrency.BroadcastPoolSize = 500 }, "concurrency.broadcast_pool_size"},
		{"no command channel", func(c *Config) { c.Channels.Commands = "" }, "channels.commands"},
		{"commands on venue request channel", func(c *Config) { c.Channels.Commands = c.Channels.Requests }, "channels.commands"},
		{"no command workers", func(c *Config) { c.Concurrency.CommandWorkers = 0 }, "concurrency.command_workers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestSimulateMode(t *testing.T) {
	cfg, err := Parse([]byte(`
app:
  mode: simulate
bus:
  type: memory
trading:
  instruments:
    - symbol: F.US.MGC
`))
	require.NoError(t, err)
	assert.True(t, cfg.Simulate())
}
