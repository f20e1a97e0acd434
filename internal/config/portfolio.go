package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openperp/perpquant/pkg/models"
)

// ErrConfig reports a malformed or inconsistent user config file.
type ErrConfig struct {
	File   string
	Detail string
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("config %s: %s", e.File, e.Detail)
}

// PortfolioRun is one backtest inside a portfolio batch.
type PortfolioRun struct {
	Strategy  string         `yaml:"strategy"`
	Symbol    string         `yaml:"symbol"`
	Timeframe string         `yaml:"timeframe"`
	Start     time.Time      `yaml:"start"`
	End       time.Time      `yaml:"end"`
	Params    map[string]any `yaml:"params"`
}

// PortfolioConfig is the YAML shape of a batch backtest. Cost-model fields
// apply to every run.
type PortfolioConfig struct {
	InitialCash float64        `yaml:"initial_cash"`
	FeeRate     float64        `yaml:"fee_rate"`
	Leverage    float64        `yaml:"leverage"`
	Runs        []PortfolioRun `yaml:"runs"`
}

// LoadPortfolio reads and validates a portfolio YAML file.
func LoadPortfolio(path string) (*PortfolioConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read portfolio config: %w", err)
	}

	var cfg PortfolioConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ErrConfig{File: path, Detail: err.Error()}
	}

	if len(cfg.Runs) == 0 {
		return nil, &ErrConfig{File: path, Detail: "no runs defined"}
	}
	if cfg.InitialCash < 0 || cfg.FeeRate < 0 || cfg.Leverage < 0 {
		return nil, &ErrConfig{File: path, Detail: "initial_cash, fee_rate, and leverage must be non-negative"}
	}
	for i, run := range cfg.Runs {
		if run.Strategy == "" {
			return nil, &ErrConfig{File: path, Detail: fmt.Sprintf("run %d: strategy is required", i)}
		}
		if !strings.Contains(run.Symbol, "/") {
			return nil, &ErrConfig{File: path, Detail: fmt.Sprintf("run %d: symbol must be BASE/QUOTE, got %q", i, run.Symbol)}
		}
		if _, err := models.ParseTimeframe(run.Timeframe); err != nil {
			return nil, &ErrConfig{File: path, Detail: fmt.Sprintf("run %d: %v", i, err)}
		}
		if !run.Start.IsZero() && !run.End.IsZero() && run.End.Before(run.Start) {
			return nil, &ErrConfig{File: path, Detail: fmt.Sprintf("run %d: end before start", i)}
		}
	}
	return &cfg, nil
}

// LoadExperiment reads and validates an experiment sweep YAML file. The
// experiment name defaults to the file's base name.
func LoadExperiment(path string) (*models.ExperimentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read experiment config: %w", err)
	}

	var cfg models.ExperimentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ErrConfig{File: path, Detail: err.Error()}
	}

	// A bare integer decodes into TimeoutPerRun as nanoseconds, which is
	// never what a YAML author means; timeout_sec is the supported spelling.
	var aux struct {
		TimeoutSec int `yaml:"timeout_sec"`
	}
	if err := yaml.Unmarshal(data, &aux); err == nil && aux.TimeoutSec > 0 {
		cfg.TimeoutPerRun = time.Duration(aux.TimeoutSec) * time.Second
	}

	if cfg.Name == "" {
		cfg.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if cfg.StrategyID == "" {
		return nil, &ErrConfig{File: path, Detail: "strategy is required"}
	}
	if len(cfg.Symbols) == 0 {
		return nil, &ErrConfig{File: path, Detail: "at least one symbol is required"}
	}
	if len(cfg.ParamGrid) == 0 {
		return nil, &ErrConfig{File: path, Detail: "param_grid is empty"}
	}
	if cfg.Timeframe != "" {
		if _, err := models.ParseTimeframe(string(cfg.Timeframe)); err != nil {
			return nil, &ErrConfig{File: path, Detail: err.Error()}
		}
	}
	switch cfg.Mode {
	case "", models.GridCartesian, models.GridRandom, models.GridBayesian:
	default:
		return nil, &ErrConfig{File: path, Detail: fmt.Sprintf("unknown mode %q", cfg.Mode)}
	}
	return &cfg, nil
}
