// Package config handles application configuration for perpquant.
// It supports YAML config files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	Data      DataConfig      `mapstructure:"data"      yaml:"data"`
	Backtest  BacktestConfig  `mapstructure:"backtest"  yaml:"backtest"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"  yaml:"pipeline"`
	Exchanges ExchangesConfig `mapstructure:"exchanges" yaml:"exchanges"`
	Logging   LoggingConfig   `mapstructure:"logging"   yaml:"logging"`
}

// DataConfig holds the on-disk layout roots.
type DataConfig struct {
	Dir            string `mapstructure:"dir"             yaml:"dir"`
	ExperimentsDir string `mapstructure:"experiments_dir" yaml:"experiments_dir"`
	UniverseDir    string `mapstructure:"universe_dir"    yaml:"universe_dir"`
}

// BacktestConfig holds the default cost model for single runs. CLI flags
// and YAML configs override these per run.
type BacktestConfig struct {
	InitialCash           float64 `mapstructure:"initial_cash"            yaml:"initial_cash"`
	FeeRate               float64 `mapstructure:"fee_rate"                yaml:"fee_rate"`
	Leverage              float64 `mapstructure:"leverage"                yaml:"leverage"`
	MaintenanceMarginRate float64 `mapstructure:"maintenance_margin_rate" yaml:"maintenance_margin_rate"`
	SlippagePct           float64 `mapstructure:"slippage_pct"            yaml:"slippage_pct"`
	RiskFreeRate          float64 `mapstructure:"risk_free_rate"          yaml:"risk_free_rate"`
}

// PipelineConfig holds data-loading settings.
type PipelineConfig struct {
	MaxWorkers  int `mapstructure:"max_workers"   yaml:"max_workers"`
	CacheTTLSec int `mapstructure:"cache_ttl_sec" yaml:"cache_ttl_sec"`
}

// ExchangeConfig holds one venue's credentials and rate budget. Keys are
// optional; every series the core loads comes from public endpoints.
type ExchangeConfig struct {
	APIKey        string `mapstructure:"api_key"         yaml:"api_key"`
	APISecret     string `mapstructure:"api_secret"      yaml:"api_secret"`
	RateLimit     int    `mapstructure:"rate_limit"      yaml:"rate_limit"`
	RateWindowSec int    `mapstructure:"rate_window_sec" yaml:"rate_window_sec"`
}

// ExchangesConfig holds per-venue settings.
type ExchangesConfig struct {
	Binance ExchangeConfig `mapstructure:"binance" yaml:"binance"`
	Bybit   ExchangeConfig `mapstructure:"bybit"   yaml:"bybit"`
	OKX     ExchangeConfig `mapstructure:"okx"     yaml:"okx"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `mapstructure:"format" yaml:"format"` // "console" or "json"
}

// Load reads the configuration from file and environment variables.
// Config file search order:
//  1. ./config/config.yaml (project root)
//  2. ~/.perpquant/config.yaml (home directory)
//  3. /etc/perpquant/config.yaml (system)
//
// Environment variables override config file values.
// Format: PERPQUANT_<SECTION>_<KEY>, e.g., PERPQUANT_DATA_DIR
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(filepath.Join(homeDir(), ".perpquant"))
	v.AddConfigPath("/etc/perpquant")

	v.SetEnvPrefix("PERPQUANT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file not existing is fine; defaults + env vars stand.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&cfg)
	return &cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("PERPQUANT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&cfg)
	return &cfg, nil
}

// setDefaults sets sensible defaults for all config values.
func setDefaults(v *viper.Viper) {
	// Data layout defaults
	v.SetDefault("data.dir", "data")
	v.SetDefault("data.experiments_dir", "experiments")
	v.SetDefault("data.universe_dir", "universe")

	// Backtest cost-model defaults (Binance USDT-perp retail)
	v.SetDefault("backtest.initial_cash", 10000.0)
	v.SetDefault("backtest.fee_rate", 0.0004)
	v.SetDefault("backtest.leverage", 1.0)
	v.SetDefault("backtest.maintenance_margin_rate", 0.005)
	v.SetDefault("backtest.slippage_pct", 0.0)
	v.SetDefault("backtest.risk_free_rate", 0.0)

	// Pipeline defaults
	v.SetDefault("pipeline.max_workers", 4)
	v.SetDefault("pipeline.cache_ttl_sec", 300)

	// Per-venue rate budgets (request weight per window)
	v.SetDefault("exchanges.binance.rate_limit", 1100)
	v.SetDefault("exchanges.binance.rate_window_sec", 60)
	v.SetDefault("exchanges.bybit.rate_limit", 108)
	v.SetDefault("exchanges.bybit.rate_window_sec", 60)
	v.SetDefault("exchanges.okx.rate_limit", 18)
	v.SetDefault("exchanges.okx.rate_window_sec", 2)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// overrideFromEnv explicitly reads sensitive or conventional keys from
// their venue-standard environment variables.
func overrideFromEnv(cfg *Config) {
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.Data.Dir = dir
	}
	if key := os.Getenv("BINANCE_API_KEY"); key != "" {
		cfg.Exchanges.Binance.APIKey = key
	}
	if key := os.Getenv("BINANCE_API_SECRET"); key != "" {
		cfg.Exchanges.Binance.APISecret = key
	}
	if key := os.Getenv("BYBIT_API_KEY"); key != "" {
		cfg.Exchanges.Bybit.APIKey = key
	}
	if key := os.Getenv("BYBIT_API_SECRET"); key != "" {
		cfg.Exchanges.Bybit.APISecret = key
	}
	if key := os.Getenv("OKX_API_KEY"); key != "" {
		cfg.Exchanges.OKX.APIKey = key
	}
	if key := os.Getenv("OKX_API_SECRET"); key != "" {
		cfg.Exchanges.OKX.APISecret = key
	}
}

// homeDir returns the user's home directory.
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
