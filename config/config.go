// Package config manages application configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/5TFG4/Weaver-sub000/internal/clock"
)

// DatabaseConfig points the durable stores at Postgres.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	PoolSize     int    `yaml:"pool_size"`
	PoolOverflow int    `yaml:"pool_overflow"`
	Echo         bool   `yaml:"echo"`
}

// EventConfig tunes the event log.
type EventConfig struct {
	BatchSize       int `yaml:"batch_size"`
	PollIntervalMS  int `yaml:"poll_interval_ms"`
	RetentionDays   int `yaml:"retention_days"`
	MaxPayloadBytes int `yaml:"max_payload_bytes"`
}

// TradingConfig tunes the live execution service.
type TradingConfig struct {
	DefaultTimeframe    string `yaml:"default_timeframe"`
	MaxConcurrentOrders int    `yaml:"max_concurrent_orders"`
	OrderTimeoutSeconds int    `yaml:"order_timeout_seconds"`
	RateLimitPerMinute  int    `yaml:"rate_limit_per_minute"`
	// SimPrices seeds the simulated venue's starting prices per symbol.
	SimPrices map[string]string `yaml:"sim_prices"`
	// QuoteStreamURL, when set, streams top-of-book updates into the venue.
	QuoteStreamURL string `yaml:"quote_stream_url"`
}

// AlpacaCredentials holds one venue environment's API access.
type AlpacaCredentials struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// AlpacaConfig holds the live and paper venue environments.
type AlpacaConfig struct {
	Live  AlpacaCredentials `yaml:"live"`
	Paper AlpacaCredentials `yaml:"paper"`
}

// TelemetryConfig configures the OTLP metrics exporter. An empty endpoint
// leaves metrics on the noop provider.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// Config is the unified Weaver configuration sourced from YAML.
type Config struct {
	Environment string          `yaml:"environment"`
	Debug       bool            `yaml:"debug"`
	Database    DatabaseConfig  `yaml:"database"`
	Event       EventConfig     `yaml:"event"`
	Trading     TradingConfig   `yaml:"trading"`
	Alpaca      AlpacaConfig    `yaml:"alpaca"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	// StrategyDir holds JavaScript strategy modules. Empty disables loading.
	StrategyDir string `yaml:"strategy_dir"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		Environment: "development",
		Database: DatabaseConfig{
			PoolSize:     5,
			PoolOverflow: 5,
		},
		Event: EventConfig{
			BatchSize:       128,
			PollIntervalMS:  500,
			RetentionDays:   30,
			MaxPayloadBytes: 1 << 20,
		},
		Trading: TradingConfig{
			DefaultTimeframe:    "1h",
			MaxConcurrentOrders: 16,
			OrderTimeoutSeconds: 60,
			RateLimitPerMinute:  200,
			SimPrices: map[string]string{
				"BTC/USD": "50000",
				"ETH/USD": "3000",
			},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "weaver",
		},
	}
}

// Load reads, overlays, and validates a Config from the YAML file at path.
// Secrets may arrive from the environment instead of the file.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(filepath.Clean(strings.TrimSpace(path)))
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnv()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides file values with WEAVER_* environment variables so
// secrets stay out of the config file.
func (c *Config) applyEnv() {
	overlay(&c.Database.URL, "WEAVER_DATABASE_URL")
	overlay(&c.Alpaca.Live.APIKey, "WEAVER_ALPACA_LIVE_API_KEY")
	overlay(&c.Alpaca.Live.APISecret, "WEAVER_ALPACA_LIVE_API_SECRET")
	overlay(&c.Alpaca.Paper.APIKey, "WEAVER_ALPACA_PAPER_API_KEY")
	overlay(&c.Alpaca.Paper.APISecret, "WEAVER_ALPACA_PAPER_API_SECRET")
	overlay(&c.Telemetry.OTLPEndpoint, "WEAVER_OTLP_ENDPOINT")
}

func overlay(target *string, key string) {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func (c *Config) normalise() {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	c.Database.URL = strings.TrimSpace(c.Database.URL)
	c.Trading.DefaultTimeframe = strings.TrimSpace(c.Trading.DefaultTimeframe)
	c.Trading.QuoteStreamURL = strings.TrimSpace(c.Trading.QuoteStreamURL)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.StrategyDir = strings.TrimSpace(c.StrategyDir)
}

// Validate performs semantic validation on the configuration.
func (c Config) Validate() error {
	switch c.Environment {
	case "development", "production", "test":
	default:
		return fmt.Errorf("environment must be one of development, production, test")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database url required")
	}
	if c.Database.PoolSize <= 0 {
		return fmt.Errorf("database pool_size must be > 0")
	}
	if c.Database.PoolOverflow < 0 {
		return fmt.Errorf("database pool_overflow must be >= 0")
	}

	if c.Event.BatchSize <= 0 {
		return fmt.Errorf("event batch_size must be > 0")
	}
	if c.Event.PollIntervalMS <= 0 {
		return fmt.Errorf("event poll_interval_ms must be > 0")
	}
	if c.Event.RetentionDays < 0 {
		return fmt.Errorf("event retention_days must be >= 0")
	}
	if c.Event.MaxPayloadBytes <= 0 {
		return fmt.Errorf("event max_payload_bytes must be > 0")
	}

	if _, err := clock.ParseTimeframe(c.Trading.DefaultTimeframe); err != nil {
		return fmt.Errorf("trading default_timeframe: %w", err)
	}
	if c.Trading.MaxConcurrentOrders <= 0 {
		return fmt.Errorf("trading max_concurrent_orders must be > 0")
	}
	if c.Trading.OrderTimeoutSeconds <= 0 {
		return fmt.Errorf("trading order_timeout_seconds must be > 0")
	}
	if c.Trading.RateLimitPerMinute <= 0 {
		return fmt.Errorf("trading rate_limit_per_minute must be > 0")
	}
	for symbol, price := range c.Trading.SimPrices {
		if _, err := decimal.NewFromString(price); err != nil {
			return fmt.Errorf("trading sim_prices[%s]: %w", symbol, err)
		}
	}

	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry service_name required")
	}
	return nil
}
