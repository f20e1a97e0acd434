package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openperp/perpquant/internal/exchange"
	"github.com/openperp/perpquant/pkg/models"
)

const (
	checkpointFile  = "checkpoint.json"
	runsFile        = "runs.jsonl"
	checkpointEvery = 10
	maxTaskRetries  = 2
	retryBackoff    = 500 * time.Millisecond
)

// BacktestFn executes one backtest for a symbol and parameter bundle. The
// runner treats it as a black box; the CLI wires pipeline plus engine into
// one.
type BacktestFn func(ctx context.Context, symbol string, params models.Params) (*models.BacktestResult, error)

// Runner executes a parameter sweep with a bounded worker pool,
// checkpointing completed tasks and streaming run records to disk.
type Runner struct {
	cfg models.ExperimentConfig
	log zerolog.Logger
}

func NewRunner(cfg models.ExperimentConfig, log zerolog.Logger) (*Runner, error) {
	if cfg.StrategyID == "" {
		return nil, fmt.Errorf("experiment: strategy is required")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("experiment: at least one symbol is required")
	}
	if cfg.OptimizeMetric == "" {
		cfg.OptimizeMetric = "sharpe_ratio"
	}
	if cfg.ParallelWorkers <= 0 {
		cfg.ParallelWorkers = 4
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "experiments/" + cfg.Name
	}
	if cfg.Mode == models.GridBayesian {
		log.Warn().Msg("bayesian mode runs as seeded random sampling")
	}
	return &Runner{cfg: cfg, log: log.With().Str("component", "experiment").Str("name", cfg.Name).Logger()}, nil
}

// task is one (symbol, combination) unit of work.
type task struct {
	id     string
	symbol string
	combo  models.Params
}

// checkpoint is the persisted set of finished tasks. Keys are
// "symbol|comboKey".
type checkpoint struct {
	Completed []string `json:"completed"`
}

// Run expands the grid and executes every pending task. If a checkpoint
// from an earlier invocation exists in the output directory, the finished
// tasks are skipped, which makes Run double as resume.
func (r *Runner) Run(ctx context.Context, fn BacktestFn) (*models.ExperimentResult, error) {
	started := time.Now()

	combos, err := ExpandGrid(r.cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("experiment: create output dir: %w", err)
	}

	done, err := r.loadCheckpoint()
	if err != nil {
		return nil, err
	}

	var tasks []task
	skipped := 0
	for _, symbol := range r.cfg.Symbols {
		for _, combo := range combos {
			if done[taskKey(symbol, combo.Key())] {
				skipped++
				continue
			}
			tasks = append(tasks, task{id: uuid.NewString(), symbol: symbol, combo: combo})
		}
	}
	r.log.Info().
		Int("combinations", len(combos)).
		Int("tasks", len(tasks)).
		Int("skipped", skipped).
		Msg("sweep expanded")

	sink, err := os.OpenFile(filepath.Join(r.cfg.OutputDir, runsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("experiment: open runs file: %w", err)
	}
	defer sink.Close()

	state := &sweepState{
		done:     done,
		sink:     json.NewEncoder(sink),
		minimize: r.cfg.Minimize,
		metric:   r.cfg.OptimizeMetric,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g := &errgroup.Group{}
	g.SetLimit(r.cfg.ParallelWorkers)
	sampled := r.cfg.Mode == models.GridRandom || r.cfg.Mode == models.GridBayesian

	for _, t := range tasks {
		if runCtx.Err() != nil {
			break
		}
		if sampled && r.cfg.Patience > 0 && state.sinceBest() >= r.cfg.Patience {
			r.log.Info().Int("patience", r.cfg.Patience).Msg("early stop, no new best")
			break
		}

		t := t
		g.Go(func() error {
			run := r.execute(runCtx, t, fn)
			count := state.record(run, t)
			if count%checkpointEvery == 0 {
				if err := r.writeCheckpoint(state); err != nil {
					r.log.Error().Err(err).Msg("checkpoint write failed")
				}
			}
			if run.Status == models.RunFailed && r.cfg.FailFast {
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := r.writeCheckpoint(state); err != nil {
		r.log.Error().Err(err).Msg("final checkpoint write failed")
	}

	runs, best, failed := state.snapshot()
	result := &models.ExperimentResult{
		Config: r.cfg,
		Runs:   runs,
		Best:   best,
		Stats: models.CompletionStats{
			Total:     len(tasks) + skipped,
			Completed: len(runs) - failed,
			Failed:    failed,
			Skipped:   skipped,
		},
		Elapsed: time.Since(started),
	}
	r.log.Info().
		Int("completed", result.Stats.Completed).
		Int("failed", result.Stats.Failed).
		Dur("elapsed", result.Elapsed).
		Msg("sweep finished")
	return result, ctx.Err()
}

// execute runs one task with the per-run timeout and the transient retry
// policy. Deterministic failures are recorded on the first attempt.
func (r *Runner) execute(ctx context.Context, t task, fn BacktestFn) models.ExperimentRun {
	run := models.ExperimentRun{
		TaskID:  t.id,
		Symbol:  t.symbol,
		ComboID: t.combo.Key(),
		Params:  t.combo,
		Status:  models.RunRunning,
	}
	started := time.Now()

	var lastErr error
	for attempt := 0; attempt <= maxTaskRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				run.Status = models.RunFailed
				run.Error = ctx.Err().Error()
				run.ElapsedMS = time.Since(started).Milliseconds()
				return run
			case <-time.After(backoff):
			}
		}

		taskCtx := ctx
		var cancel context.CancelFunc
		if r.cfg.TimeoutPerRun > 0 {
			taskCtx, cancel = context.WithTimeout(ctx, r.cfg.TimeoutPerRun)
		}
		res, err := fn(taskCtx, t.symbol, t.combo)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			run.Status = models.RunCompleted
			run.Metrics = &res.Metrics
			run.ElapsedMS = time.Since(started).Milliseconds()
			return run
		}
		lastErr = err
		if !exchange.IsTransient(err) || errors.Is(err, context.Canceled) {
			break
		}
		r.log.Warn().Err(err).Str("symbol", t.symbol).Int("attempt", attempt+1).Msg("transient failure, retrying")
	}

	run.Status = models.RunFailed
	run.Error = lastErr.Error()
	run.ElapsedMS = time.Since(started).Milliseconds()
	return run
}

// ════════════════════════════════════════════════════════════════════
// Shared sweep state
// ════════════════════════════════════════════════════════════════════

type sweepState struct {
	mu        sync.Mutex
	done      map[string]bool
	sink      *json.Encoder
	runs      []models.ExperimentRun
	best      *models.ExperimentRun
	bestValue float64
	noBest    int
	failed    int
	metric    string
	minimize  bool
}

// record stores one finished run, streams it to the results file, and
// returns how many runs have finished so far.
func (s *sweepState) record(run models.ExperimentRun, t task) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs = append(s.runs, run)
	// A failed stream write is tolerable; the in-memory result still
	// carries the run.
	_ = s.sink.Encode(run)

	if run.Status == models.RunFailed {
		s.failed++
		s.noBest++
		return len(s.runs)
	}

	s.done[taskKey(t.symbol, run.ComboID)] = true
	s.noBest++
	if run.Metrics != nil {
		if v, ok := run.Metrics.Metric(s.metric); ok && !math.IsNaN(v) {
			better := s.best == nil || (s.minimize && v < s.bestValue) || (!s.minimize && v > s.bestValue)
			if better {
				captured := run
				s.best = &captured
				s.bestValue = v
				s.noBest = 0
			}
		}
	}
	return len(s.runs)
}

func (s *sweepState) sinceBest() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noBest
}

func (s *sweepState) snapshot() ([]models.ExperimentRun, *models.ExperimentRun, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.best, s.failed
}

func (s *sweepState) completedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.done))
	for k := range s.done {
		keys = append(keys, k)
	}
	return keys
}

// ════════════════════════════════════════════════════════════════════
// Checkpointing
// ════════════════════════════════════════════════════════════════════

func taskKey(symbol, comboID string) string { return symbol + "|" + comboID }

func (r *Runner) checkpointPath() string {
	return filepath.Join(r.cfg.OutputDir, checkpointFile)
}

func (r *Runner) loadCheckpoint() (map[string]bool, error) {
	done := make(map[string]bool)
	data, err := os.ReadFile(r.checkpointPath())
	if errors.Is(err, os.ErrNotExist) {
		return done, nil
	}
	if err != nil {
		return nil, fmt.Errorf("experiment: read checkpoint: %w", err)
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("experiment: parse checkpoint: %w", err)
	}
	for _, k := range cp.Completed {
		done[k] = true
	}
	return done, nil
}

// writeCheckpoint persists atomically so a crash mid-write never corrupts
// an existing checkpoint.
func (r *Runner) writeCheckpoint(state *sweepState) error {
	cp := checkpoint{Completed: state.completedKeys()}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(r.cfg.OutputDir, ".checkpoint-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), r.checkpointPath())
}
