// Package config loads the tradesim YAML configuration and applies
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the tradesim engine.
type Config struct {
	Server      Server       `yaml:"server"`
	Storage     Storage      `yaml:"storage"`
	Logging     Logging      `yaml:"logging"`
	Market      Market       `yaml:"market"`
	Trading     Trading      `yaml:"trading"`
	Instruments []Instrument `yaml:"instruments"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration wraps time.Duration so YAML values like "250ms" parse.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Market controls the synthetic price stream.
type Market struct {
	TickInterval   Duration `yaml:"tick_interval"`   // wall-clock gap between ticks
	CandleInterval Duration `yaml:"candle_interval"` // base candle bucket width
	SpreadTicks    int      `yaml:"spread_ticks"`    // bid/ask offset in ticks from the tick price
	SessionClose   string   `yaml:"session_close"`   // "HH:MM" local time; day orders expire here
	Seed           int64    `yaml:"seed"`            // 0 means time-seeded
	HistoryLimit   int      `yaml:"history_limit"`   // frozen candles kept in memory per symbol
}

// Trading defines account provisioning and throttling parameters.
type Trading struct {
	StartingBalance  float64 `yaml:"starting_balance"`
	SubmitsPerMinute int     `yaml:"submits_per_minute"`
}

// Instrument configures one tradable contract.
type Instrument struct {
	Symbol            string  `yaml:"symbol"`
	TickSize          float64 `yaml:"tick_size"`
	Multiplier        float64 `yaml:"multiplier"`
	MarginPerContract float64 `yaml:"margin_per_contract"`
	StartPrice        float64 `yaml:"start_price"`
	Volatility        float64 `yaml:"volatility"` // max per-tick move as a multiple of tick size
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns a runnable configuration with illustrative index and
// commodity futures. Deployments are expected to supply their own file.
func Default() *Config {
	return &Config{
		Server:  Server{Host: "0.0.0.0", Port: 8090},
		Storage: Storage{DataDir: "data", SQLitePath: "data/tradesim.db"},
		Logging: Logging{Level: "info", Format: "json"},
		Market: Market{
			TickInterval:   Duration(250 * time.Millisecond),
			CandleInterval: Duration(time.Minute),
			SpreadTicks:    1,
			SessionClose:   "17:00",
			HistoryLimit:   1440,
		},
		Trading: Trading{StartingBalance: 100000, SubmitsPerMinute: 600},
		Instruments: []Instrument{
			{Symbol: "ES", TickSize: 0.25, Multiplier: 50, MarginPerContract: 12000, StartPrice: 4500, Volatility: 4},
			{Symbol: "CL", TickSize: 0.01, Multiplier: 1000, MarginPerContract: 6000, StartPrice: 78, Volatility: 5},
			{Symbol: "GC", TickSize: 0.10, Multiplier: 100, MarginPerContract: 9000, StartPrice: 2050, Volatility: 3},
			{Symbol: "YM", TickSize: 1, Multiplier: 5, MarginPerContract: 9500, StartPrice: 38000, Volatility: 6},
		},
	}
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Market.TickInterval <= 0 {
		return fmt.Errorf("market.tick_interval must be positive")
	}
	if c.Market.CandleInterval < c.Market.TickInterval {
		return fmt.Errorf("market.candle_interval must be at least market.tick_interval")
	}
	if c.Market.SpreadTicks < 0 {
		return fmt.Errorf("market.spread_ticks must not be negative")
	}
	if _, err := time.Parse("15:04", c.Market.SessionClose); err != nil {
		return fmt.Errorf("market.session_close: %w", err)
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("at least one instrument is required")
	}
	seen := make(map[string]bool)
	for _, in := range c.Instruments {
		if in.Symbol == "" {
			return fmt.Errorf("instrument symbol must not be empty")
		}
		if seen[in.Symbol] {
			return fmt.Errorf("duplicate instrument %q", in.Symbol)
		}
		seen[in.Symbol] = true
		if in.TickSize <= 0 {
			return fmt.Errorf("instrument %s: tick_size must be positive", in.Symbol)
		}
		if in.Multiplier <= 0 {
			return fmt.Errorf("instrument %s: multiplier must be positive", in.Symbol)
		}
		if in.MarginPerContract < 0 {
			return fmt.Errorf("instrument %s: margin_per_contract must not be negative", in.Symbol)
		}
		if in.StartPrice <= 0 {
			return fmt.Errorf("instrument %s: start_price must be positive", in.Symbol)
		}
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("MARKET_SEED"); v != "" {
		if s, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Market.Seed = s
		}
	}
}
