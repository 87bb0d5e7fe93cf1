// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"execution_core/internal/core"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig         `yaml:"app"`
	Bus         BusConfig         `yaml:"bus"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Timing      TimingConfig      `yaml:"timing"`
	Trading     TradingConfig     `yaml:"trading"`
	MarketData  MarketDataConfig  `yaml:"market_data"`
	Forwarder   ForwarderConfig   `yaml:"forwarder"`
	Store       StoreConfig       `yaml:"store"`
	System      SystemConfig      `yaml:"system"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name string `yaml:"name"`
	// Mode is "live" (external venue adapter) or "simulate" (in-process mock venue)
	Mode string `yaml:"mode" validate:"oneof=live simulate"`
}

// BusConfig selects and configures the pub/sub broker
type BusConfig struct {
	Type  string      `yaml:"type" validate:"oneof=redis memory"`
	Redis RedisConfig `yaml:"redis"`
	// BufferSize is the per-subscription delivery queue
	BufferSize int `yaml:"buffer_size" validate:"min=1"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Addr             string `yaml:"addr"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	DialTimeoutMs    int    `yaml:"dial_timeout_ms"`
	ConfirmTimeoutMs int    `yaml:"confirm_timeout_ms"`
	BreakerFailures  int    `yaml:"breaker_failures"`
	BreakerDelayMs   int    `yaml:"breaker_delay_ms"`
}

// ChannelsConfig names the logical bus channels
type ChannelsConfig struct {
	Requests       string `yaml:"requests" validate:"required"`
	Responses      string `yaml:"responses" validate:"required"`
	ResponsePrefix string `yaml:"response_prefix"`
	Events         string `yaml:"events" validate:"required"`
	MarketData     string `yaml:"market_data"`
	Status         string `yaml:"status" validate:"required"`
	// Commands carries trading and query requests from UI/CLI callers
	Commands string `yaml:"commands" validate:"required"`
}

// TimingConfig contains timing-related settings
type TimingConfig struct {
	QueryTimeoutMs    int `yaml:"query_timeout_ms" validate:"min=1"`
	SLTPTimeoutMs     int `yaml:"sltp_timeout_ms" validate:"min=1"`
	TradeTimeoutMs    int `yaml:"trade_timeout_ms" validate:"min=1"`
	SLTPBackoffMs     int `yaml:"sltp_backoff_ms" validate:"min=1"`
	SLTPMaxRetries    int `yaml:"sltp_max_retries" validate:"min=1,max=10"`
	ReconcileInterval int `yaml:"reconcile_interval" validate:"min=1,max=3600"`
	HeartbeatInterval int `yaml:"heartbeat_interval" validate:"min=1,max=3600"`
	StaleAfter        int `yaml:"stale_after" validate:"min=1"`
	StatusInterval    int `yaml:"status_interval" validate:"min=1"`
}

// TradingConfig contains trading parameters
type TradingConfig struct {
	// Accounts restricts trading and reconciliation; empty means every venue account
	Accounts    []string           `yaml:"accounts"`
	Instruments []InstrumentConfig `yaml:"instruments"`
	RateLimit   float64            `yaml:"rate_limit" validate:"min=0"`
	RateBurst   int                `yaml:"rate_burst" validate:"min=1"`
}

// InstrumentConfig seeds the instrument registry
type InstrumentConfig struct {
	Symbol     string           `yaml:"symbol" validate:"required"`
	Multiplier string           `yaml:"multiplier"`
	TickSize   string           `yaml:"tick_size"`
	Contracts  []ContractConfig `yaml:"contracts"`
}

// ContractConfig describes one configured contract
type ContractConfig struct {
	ID         string `yaml:"id" validate:"required"`
	Active     bool   `yaml:"active"`
	Expiration string `yaml:"expiration"` // YYYY-MM-DD
}

// MarketDataConfig configures the optional websocket price feed
type MarketDataConfig struct {
	WebsocketURL   string   `yaml:"websocket_url"`
	Subscribe      string   `yaml:"subscribe"`
	Track          []string `yaml:"track"`
	ReconnectDelay int      `yaml:"reconnect_delay" validate:"min=1,max=300"`
}

// ForwarderConfig configures the request forwarder
type ForwarderConfig struct {
	Enabled             bool     `yaml:"enabled"`
	InboundChannel      string   `yaml:"inbound_channel"`
	DownstreamRequests  string   `yaml:"downstream_requests"`
	DownstreamResponses string   `yaml:"downstream_responses"`
	TTLMs               int      `yaml:"ttl_ms"`
	Allowed             []string `yaml:"allowed"`
}

// StoreConfig selects the order store
type StoreConfig struct {
	Type string `yaml:"type" validate:"oneof=memory sqlite"`
	Path string `yaml:"path"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	LogJSON  bool   `yaml:"log_json"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	BroadcastPoolSize   int `yaml:"broadcast_pool_size" validate:"min=1,max=100"`
	BroadcastPoolBuffer int `yaml:"broadcast_pool_buffer" validate:"min=1,max=10000"`
	CommandWorkers      int `yaml:"command_workers" validate:"min=1,max=100"`
	CommandBuffer       int `yaml:"command_buffer" validate:"min=1,max=10000"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion.
// Unset fields take DefaultConfig values.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML content
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	for _, check := range []func() error{
		c.validateAppConfig,
		c.validateBusConfig,
		c.validateChannelsConfig,
		c.validateTimingConfig,
		c.validateTradingConfig,
		c.validateForwarderConfig,
		c.validateStoreConfig,
		c.validateSystemConfig,
		c.validateConcurrencyConfig,
	} {
		if err := check(); err != nil {
			errors = append(errors, err.Error())
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	if !contains([]string{"live", "simulate"}, c.App.Mode) {
		return ValidationError{Field: "app.mode", Value: c.App.Mode, Message: "must be one of: live, simulate"}
	}
	return nil
}

func (c *Config) validateBusConfig() error {
	if !contains([]string{"redis", "memory"}, c.Bus.Type) {
		return ValidationError{Field: "bus.type", Value: c.Bus.Type, Message: "must be one of: redis, memory"}
	}
	if c.Bus.Type == "memory" && c.App.Mode == "live" {
		return ValidationError{Field: "bus.type", Value: c.Bus.Type, Message: "live mode needs a shared broker; use redis"}
	}
	if c.Bus.Type == "redis" && c.Bus.Redis.Addr == "" {
		return ValidationError{Field: "bus.redis.addr", Message: "redis address is required"}
	}
	if c.Bus.BufferSize < 1 {
		return ValidationError{Field: "bus.buffer_size", Value: c.Bus.BufferSize, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateChannelsConfig() error {
	required := map[string]string{
		"channels.requests":  c.Channels.Requests,
		"channels.responses": c.Channels.Responses,
		"channels.events":    c.Channels.Events,
		"channels.status":    c.Channels.Status,
		"channels.commands":  c.Channels.Commands,
	}
	for field, v := range required {
		if v == "" {
			return ValidationError{Field: field, Message: "channel name is required"}
		}
	}
	if c.Channels.Requests == c.Channels.Responses {
		return ValidationError{Field: "channels.responses", Value: c.Channels.Responses, Message: "must differ from channels.requests"}
	}
	if c.Channels.Commands == c.Channels.Requests || c.Channels.Commands == c.Channels.Responses {
		return ValidationError{Field: "channels.commands", Value: c.Channels.Commands, Message: "must differ from the venue request and response channels"}
	}
	return nil
}

func (c *Config) validateTimingConfig() error {
	positive := []struct {
		field string
		value int
	}{
		{"timing.query_timeout_ms", c.Timing.QueryTimeoutMs},
		{"timing.sltp_timeout_ms", c.Timing.SLTPTimeoutMs},
		{"timing.trade_timeout_ms", c.Timing.TradeTimeoutMs},
		{"timing.sltp_backoff_ms", c.Timing.SLTPBackoffMs},
		{"timing.sltp_max_retries", c.Timing.SLTPMaxRetries},
		{"timing.reconcile_interval", c.Timing.ReconcileInterval},
		{"timing.heartbeat_interval", c.Timing.HeartbeatInterval},
		{"timing.stale_after", c.Timing.StaleAfter},
		{"timing.status_interval", c.Timing.StatusInterval},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return ValidationError{Field: p.field, Value: p.value, Message: "must be positive"}
		}
	}
	if c.Timing.SLTPMaxRetries > 10 {
		return ValidationError{Field: "timing.sltp_max_retries", Value: c.Timing.SLTPMaxRetries, Message: "must be at most 10"}
	}
	return nil
}

func (c *Config) validateTradingConfig() error {
	if len(c.Trading.Instruments) == 0 {
		return ValidationError{Field: "trading.instruments", Message: "at least one instrument must be configured"}
	}
	if c.Trading.RateLimit <= 0 {
		return ValidationError{Field: "trading.rate_limit", Value: c.Trading.RateLimit, Message: "must be positive"}
	}
	if c.Trading.RateBurst < 1 {
		return ValidationError{Field: "trading.rate_burst", Value: c.Trading.RateBurst, Message: "must be at least 1"}
	}
	_, err := c.Instruments()
	return err
}

func (c *Config) validateForwarderConfig() error {
	if !c.Forwarder.Enabled {
		return nil
	}
	if c.Forwarder.InboundChannel == "" || c.Forwarder.DownstreamRequests == "" || c.Forwarder.DownstreamResponses == "" {
		return ValidationError{Field: "forwarder", Message: "inbound_channel, downstream_requests and downstream_responses are required when enabled"}
	}
	if c.Forwarder.InboundChannel == c.Forwarder.DownstreamRequests {
		return ValidationError{Field: "forwarder.downstream_requests", Value: c.Forwarder.DownstreamRequests, Message: "must differ from inbound_channel"}
	}
	return nil
}

func (c *Config) validateStoreConfig() error {
	switch c.Store.Type {
	case "memory":
		return nil
	case "sqlite":
		if c.Store.Path == "" {
			return ValidationError{Field: "store.path", Message: "sqlite store needs a path"}
		}
		return nil
	default:
		return ValidationError{Field: "store.type", Value: c.Store.Type, Message: "must be one of: memory, sqlite"}
	}
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateConcurrencyConfig() error {
	if c.Concurrency.BroadcastPoolSize < 1 || c.Concurrency.BroadcastPoolSize > 100 {
		return ValidationError{Field: "concurrency.broadcast_pool_size", Value: c.Concurrency.BroadcastPoolSize, Message: "must be between 1 and 100"}
	}
	if c.Concurrency.BroadcastPoolBuffer < 1 || c.Concurrency.BroadcastPoolBuffer > 10000 {
		return ValidationError{Field: "concurrency.broadcast_pool_buffer", Value: c.Concurrency.BroadcastPoolBuffer, Message: "must be between 1 and 10000"}
	}
	if c.Concurrency.CommandWorkers < 1 || c.Concurrency.CommandWorkers > 100 {
		return ValidationError{Field: "concurrency.command_workers", Value: c.Concurrency.CommandWorkers, Message: "must be between 1 and 100"}
	}
	if c.Concurrency.CommandBuffer < 1 || c.Concurrency.CommandBuffer > 10000 {
		return ValidationError{Field: "concurrency.command_buffer", Value: c.Concurrency.CommandBuffer, Message: "must be between 1 and 10000"}
	}
	return nil
}

// Instruments converts the configured instruments into registry seeds
func (c *Config) Instruments() ([]core.Instrument, error) {
	out := make([]core.Instrument, 0, len(c.Trading.Instruments))
	for i, ic := range c.Trading.Instruments {
		field := fmt.Sprintf("trading.instruments[%d]", i)
		if ic.Symbol == "" {
			return nil, ValidationError{Field: field + ".symbol", Message: "symbol is required"}
		}
		inst := core.Instrument{Symbol: core.InstrumentKey(ic.Symbol)}

		var err error
		if inst.Multiplier, err = parseDecimal(ic.Multiplier); err != nil || inst.Multiplier.IsNegative() {
			return nil, ValidationError{Field: field + ".multiplier", Value: ic.Multiplier, Message: "must be a non-negative number"}
		}
		if inst.TickSize, err = parseDecimal(ic.TickSize); err != nil || inst.TickSize.IsNegative() {
			return nil, ValidationError{Field: field + ".tick_size", Value: ic.TickSize, Message: "must be a non-negative number"}
		}

		for j, cc := range ic.Contracts {
			cfield := fmt.Sprintf("%s.contracts[%d]", field, j)
			if cc.ID == "" {
				return nil, ValidationError{Field: cfield + ".id", Message: "contract id is required"}
			}
			if base := core.InstrumentKey(cc.ID); base != cc.ID && base != inst.Symbol {
				return nil, ValidationError{Field: cfield + ".id", Value: cc.ID, Message: "contract belongs to " + base}
			}
			contract := core.Contract{ID: cc.ID, Instrument: inst.Symbol, Active: cc.Active}
			if cc.Expiration != "" {
				exp, err := time.Parse("2006-01-02", cc.Expiration)
				if err != nil {
					return nil, ValidationError{Field: cfield + ".expiration", Value: cc.Expiration, Message: "must be YYYY-MM-DD"}
				}
				contract.Expiration = exp
			}
			inst.Contracts = append(inst.Contracts, contract)
		}
		out = append(out, inst)
	}
	return out, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// Simulate reports whether the in-process mock venue should be started
func (c *Config) Simulate() bool {
	return c.App.Mode == "simulate"
}

// Duration helpers

func (t TimingConfig) QueryTimeout() time.Duration {
	return time.Duration(t.QueryTimeoutMs) * time.Millisecond
}

func (t TimingConfig) SLTPTimeout() time.Duration {
	return time.Duration(t.SLTPTimeoutMs) * time.Millisecond
}

func (t TimingConfig) TradeTimeout() time.Duration {
	return time.Duration(t.TradeTimeoutMs) * time.Millisecond
}

func (t TimingConfig) SLTPBackoff() time.Duration {
	return time.Duration(t.SLTPBackoffMs) * time.Millisecond
}

func (t TimingConfig) ReconcileEvery() time.Duration {
	return time.Duration(t.ReconcileInterval) * time.Second
}

func (t TimingConfig) HeartbeatEvery() time.Duration {
	return time.Duration(t.HeartbeatInterval) * time.Second
}

func (t TimingConfig) StaleAfterDuration() time.Duration {
	return time.Duration(t.StaleAfter) * time.Second
}

func (t TimingConfig) StatusEvery() time.Duration {
	return time.Duration(t.StatusInterval) * time.Second
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Bus.Redis.Password = maskString(configCopy.Bus.Redis.Password)

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns the defaults every loaded file is layered on
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name: "execution_core",
			Mode: "live",
		},
		Bus: BusConfig{
			Type:       "redis",
			BufferSize: 1024,
			Redis: RedisConfig{
				Addr:             "localhost:6379",
				DialTimeoutMs:    5000,
				ConfirmTimeoutMs: 2000,
				BreakerFailures:  5,
				BreakerDelayMs:   10000,
			},
		},
		Channels: ChannelsConfig{
			Requests:       "execution:requests",
			Responses:      "execution:responses",
			ResponsePrefix: "execution:response",
			Events:         "execution:events",
			MarketData:     "market:data",
			Status:         "execution:status",
			Commands:       "execution:commands",
		},
		Timing: TimingConfig{
			QueryTimeoutMs:    10000,
			SLTPTimeoutMs:     15000,
			TradeTimeoutMs:    30000,
			SLTPBackoffMs:     1000,
			SLTPMaxRetries:    3,
			ReconcileInterval: 60,
			HeartbeatInterval: 30,
			StaleAfter:        60,
			StatusInterval:    5,
		},
		Trading: TradingConfig{
			RateLimit: 5,
			RateBurst: 1,
		},
		MarketData: MarketDataConfig{
			ReconnectDelay: 5,
		},
		Forwarder: ForwarderConfig{
			TTLMs: 35000,
		},
		Store: StoreConfig{
			Type: "memory",
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		Concurrency: ConcurrencyConfig{
			BroadcastPoolSize:   4,
			BroadcastPoolBuffer: 1000,
			CommandWorkers:      4,
			CommandBuffer:       100,
		},
	}
}
