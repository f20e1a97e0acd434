package models

import "time"

// GridMode selects how the parameter grid is expanded.
type GridMode string

const (
	GridCartesian GridMode = "grid"
	GridRandom    GridMode = "random"
	GridBayesian  GridMode = "bayesian" // falls back to seeded random sampling
)

// GridDimension specifies the candidate values of one parameter. Exactly one
// of Values, Range, or LogRange is set.
type GridDimension struct {
	Values   []any      `json:"values,omitempty"    yaml:"values,omitempty"`
	Range    *RangeSpec `json:"range,omitempty"     yaml:"range,omitempty"`
	LogRange *RangeSpec `json:"log_range,omitempty" yaml:"log_range,omitempty"`
}

// RangeSpec is a numeric start/stop/step sweep, inclusive of start and of
// stop when it lands on a step. For LogRange, Step is the number of
// log-spaced samples between start and stop.
type RangeSpec struct {
	Start float64 `json:"start" yaml:"start"`
	Stop  float64 `json:"stop"  yaml:"stop"`
	Step  float64 `json:"step"  yaml:"step"`
}

// ExperimentConfig describes one parameter sweep.
type ExperimentConfig struct {
	Name            string                   `json:"name"              yaml:"name"`
	StrategyID      string                   `json:"strategy"          yaml:"strategy"`
	Symbols         []string                 `json:"symbols"           yaml:"symbols"`
	Exchange        string                   `json:"exchange"          yaml:"exchange"`
	Timeframe       Timeframe                `json:"timeframe"         yaml:"timeframe"`
	Start           time.Time                `json:"start"             yaml:"start"`
	End             time.Time                `json:"end"               yaml:"end"`
	BaseParams      map[string]any           `json:"base_params"       yaml:"base_params"`
	ParamGrid       map[string]GridDimension `json:"param_grid"        yaml:"param_grid"`
	Mode            GridMode                 `json:"mode"              yaml:"mode"`
	Seed            int64                    `json:"seed"              yaml:"seed"`
	OptimizeMetric  string                   `json:"optimization_metric" yaml:"optimization_metric"`
	Minimize        bool                     `json:"minimize"          yaml:"minimize"`
	MaxCombinations int                      `json:"max_combinations"  yaml:"max_combinations"`
	ParallelWorkers int                      `json:"parallel_workers"  yaml:"parallel_workers"`
	TimeoutPerRun   time.Duration            `json:"timeout_per_run"   yaml:"timeout_per_run"`
	FailFast        bool                     `json:"fail_fast"         yaml:"fail_fast"`
	Patience        int                      `json:"patience"          yaml:"patience"` // early stop for sampled modes; 0 = off
	OutputDir       string                   `json:"output_dir"        yaml:"output_dir"`
	InitialCash     float64                  `json:"initial_cash"      yaml:"initial_cash"`
	FeeRate         float64                  `json:"fee_rate"          yaml:"fee_rate"`
	Leverage        float64                  `json:"leverage"          yaml:"leverage"`
}

// RunStatus is the lifecycle state of one experiment task.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ExperimentRun is one (symbol, parameter-combination) task and its outcome.
type ExperimentRun struct {
	TaskID    string    `json:"task_id"`
	Symbol    string    `json:"symbol"`
	ComboID   string    `json:"combo_id"` // stable Params.Key()
	Status    RunStatus `json:"status"`
	Params    Params    `json:"params"`
	Metrics   *Metrics  `json:"metrics,omitempty"`
	Error     string    `json:"error,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms"`
}

// CompletionStats summarizes an experiment's task outcomes.
type CompletionStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"` // resumed from checkpoint
}

// ExperimentResult aggregates all runs of one experiment.
type ExperimentResult struct {
	Config  ExperimentConfig `json:"config"`
	Runs    []ExperimentRun  `json:"runs"`
	Best    *ExperimentRun   `json:"best,omitempty"`
	Stats   CompletionStats  `json:"stats"`
	Elapsed time.Duration    `json:"elapsed"`
}
