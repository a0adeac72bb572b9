// Package config provides configuration management for the trading service.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultTickInterval is used when monitor.tick_interval is unset.
	defaultTickInterval = "10s"
	// defaultRateLimitDelay is used when queue.rate_limit_delay is unset.
	defaultRateLimitDelay = "100ms"
	// defaultSnapshotThrottle is used when monitor.snapshot_throttle is unset.
	defaultSnapshotThrottle = "60s"
	// defaultRetentionDays bounds the position snapshot time series.
	defaultRetentionDays = 30
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Storage     StorageConfig     `yaml:"storage"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Queue       QueueConfig       `yaml:"queue"`
	Breakers    BreakerConfig     `yaml:"breakers"`
	Server      ServerConfig      `yaml:"server"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider  string `yaml:"provider"` // alpaca | paper
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// StorageConfig defines database settings. A postgres:// DSN selects
// Postgres; any other value is a SQLite file path.
type StorageConfig struct {
	DSN string `yaml:"dsn"`
}

// MonitorConfig defines the evaluation loop cadence and retention.
type MonitorConfig struct {
	TickInterval     string `yaml:"tick_interval"`
	SnapshotThrottle string `yaml:"snapshot_throttle"`
	RetentionDays    int    `yaml:"retention_days"`
}

// QueueConfig defines order queue pacing and retry settings.
type QueueConfig struct {
	RateLimitDelay string `yaml:"rate_limit_delay"`
	MaxRetries     int    `yaml:"max_retries"`
	RetryDelay     string `yaml:"retry_delay"`
}

// BreakerConfig defines circuit breaker thresholds per dependency class.
type BreakerConfig struct {
	TradingFailures    int    `yaml:"trading_failures"`
	TradingCooldown    string `yaml:"trading_cooldown"`
	MarketDataFailures int    `yaml:"market_data_failures"`
	MarketDataCooldown string `yaml:"market_data_cooldown"`
}

// ServerConfig defines the operational HTTP API settings.
type ServerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent,
// filling defaults for unset optional fields.
func (c *Config) Validate() error {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Broker.Provider == "" {
		c.Broker.Provider = "paper"
	}
	if c.Broker.Provider != "alpaca" && c.Broker.Provider != "paper" {
		return fmt.Errorf("broker.provider must be 'alpaca' or 'paper'")
	}
	if c.Broker.Provider == "alpaca" {
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required for alpaca")
		}
		if c.Broker.APISecret == "" {
			return fmt.Errorf("broker.api_secret is required for alpaca")
		}
	}
	if c.Environment.Mode == "live" && c.Broker.Provider == "paper" {
		return fmt.Errorf("broker.provider 'paper' cannot run in live mode")
	}

	if c.Storage.DSN == "" {
		c.Storage.DSN = "data/tradewarden.db"
	}

	if c.Monitor.TickInterval == "" {
		c.Monitor.TickInterval = defaultTickInterval
	}
	if _, err := time.ParseDuration(c.Monitor.TickInterval); err != nil {
		return fmt.Errorf("monitor.tick_interval invalid: %w", err)
	}
	if c.Monitor.SnapshotThrottle == "" {
		c.Monitor.SnapshotThrottle = defaultSnapshotThrottle
	}
	if _, err := time.ParseDuration(c.Monitor.SnapshotThrottle); err != nil {
		return fmt.Errorf("monitor.snapshot_throttle invalid: %w", err)
	}
	if c.Monitor.RetentionDays <= 0 {
		c.Monitor.RetentionDays = defaultRetentionDays
	}

	if c.Queue.RateLimitDelay == "" {
		c.Queue.RateLimitDelay = defaultRateLimitDelay
	}
	if _, err := time.ParseDuration(c.Queue.RateLimitDelay); err != nil {
		return fmt.Errorf("queue.rate_limit_delay invalid: %w", err)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be >= 0")
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.RetryDelay == "" {
		c.Queue.RetryDelay = "1s"
	}
	if _, err := time.ParseDuration(c.Queue.RetryDelay); err != nil {
		return fmt.Errorf("queue.retry_delay invalid: %w", err)
	}

	if c.Breakers.TradingFailures <= 0 {
		c.Breakers.TradingFailures = 5
	}
	if c.Breakers.TradingCooldown == "" {
		c.Breakers.TradingCooldown = "30s"
	}
	if _, err := time.ParseDuration(c.Breakers.TradingCooldown); err != nil {
		return fmt.Errorf("breakers.trading_cooldown invalid: %w", err)
	}
	if c.Breakers.MarketDataFailures <= 0 {
		c.Breakers.MarketDataFailures = 3
	}
	if c.Breakers.MarketDataCooldown == "" {
		c.Breakers.MarketDataCooldown = "15s"
	}
	if _, err := time.ParseDuration(c.Breakers.MarketDataCooldown); err != nil {
		return fmt.Errorf("breakers.market_data_cooldown invalid: %w", err)
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			return fmt.Errorf("server.port must be a valid TCP port")
		}
		if c.Server.AuthToken == "" {
			return fmt.Errorf("server.auth_token is required when server.enabled")
		}
	}

	return nil
}

// IsPaperTrading returns true when running against a paper account.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// GetTickInterval returns the parsed monitor tick interval.
func (c *Config) GetTickInterval() time.Duration {
	d, err := time.ParseDuration(c.Monitor.TickInterval)
	if err != nil {
		d, _ = time.ParseDuration(defaultTickInterval)
	}
	return d
}

// GetSnapshotThrottle returns the parsed per-symbol snapshot throttle.
func (c *Config) GetSnapshotThrottle() time.Duration {
	d, err := time.ParseDuration(c.Monitor.SnapshotThrottle)
	if err != nil {
		d, _ = time.ParseDuration(defaultSnapshotThrottle)
	}
	return d
}

// GetRateLimitDelay returns the parsed queue pacing delay.
func (c *Config) GetRateLimitDelay() time.Duration {
	d, err := time.ParseDuration(c.Queue.RateLimitDelay)
	if err != nil {
		d, _ = time.ParseDuration(defaultRateLimitDelay)
	}
	return d
}

// GetRetryDelay returns the parsed queue retry backoff unit.
func (c *Config) GetRetryDelay() time.Duration {
	d, err := time.ParseDuration(c.Queue.RetryDelay)
	if err != nil {
		d = time.Second
	}
	return d
}

// GetSnapshotRetention returns the snapshot retention window.
func (c *Config) GetSnapshotRetention() time.Duration {
	return time.Duration(c.Monitor.RetentionDays) * 24 * time.Hour
}

// GetTradingCooldown returns the trading breaker cooldown.
func (c *Config) GetTradingCooldown() time.Duration {
	d, err := time.ParseDuration(c.Breakers.TradingCooldown)
	if err != nil {
		d = 30 * time.Second
	}
	return d
}

// GetMarketDataCooldown returns the market data breaker cooldown.
func (c *Config) GetMarketDataCooldown() time.Duration {
	d, err := time.ParseDuration(c.Breakers.MarketDataCooldown)
	if err != nil {
		d = 15 * time.Second
	}
	return d
}
