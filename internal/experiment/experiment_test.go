package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openperp/perpquant/internal/exchange"
	"github.com/openperp/perpquant/pkg/models"
)

func intRange(start, stop, step float64) models.GridDimension {
	return models.GridDimension{Range: &models.RangeSpec{Start: start, Stop: stop, Step: step}}
}

func sweepConfig(t *testing.T, mode models.GridMode) models.ExperimentConfig {
	t.Helper()
	return models.ExperimentConfig{
		Name:           "test-sweep",
		StrategyID:     "sma_cross",
		Symbols:        []string{"BTC/USDT"},
		Exchange:       "binance",
		Timeframe:      models.TF1h,
		ParamGrid: map[string]models.GridDimension{
			"fast": intRange(5, 10, 5),
			"slow": intRange(20, 30, 10),
		},
		Mode:            mode,
		Seed:            42,
		OptimizeMetric:  "sharpe_ratio",
		ParallelWorkers: 2,
		OutputDir:       t.TempDir(),
	}
}

// fakeBacktest scores a run directly from its parameters, so sweeps are
// exactly reproducible.
func fakeBacktest(ctx context.Context, symbol string, params models.Params) (*models.BacktestResult, error) {
	sharpe := float64(params.Int("fast", 0)) - 0.1*float64(params.Int("slow", 0))
	return &models.BacktestResult{
		Symbol:  symbol,
		Metrics: models.Metrics{SharpeRatio: sharpe, TotalReturn: sharpe / 10, NumTrades: 3},
	}, nil
}

// ════════════════════════════════════════════════════════════════════
// Grid expansion
// ════════════════════════════════════════════════════════════════════

func TestExpandGridCartesian(t *testing.T) {
	combos, err := ExpandGrid(sweepConfig(t, models.GridCartesian))
	if err != nil {
		t.Fatal(err)
	}
	if len(combos) != 4 {
		t.Fatalf("combos = %d, want 4", len(combos))
	}

	seen := make(map[string]bool)
	for _, c := range combos {
		seen[c.Key()] = true
	}
	for _, want := range []string{
		"fast=5,slow=20", "fast=5,slow=30", "fast=10,slow=20", "fast=10,slow=30",
	} {
		if !seen[want] {
			t.Errorf("missing combination %q", want)
		}
	}
}

func TestExpandGridMergesBaseParams(t *testing.T) {
	cfg := sweepConfig(t, models.GridCartesian)
	cfg.BaseParams = map[string]any{"fast": 99, "extra": "x"}
	combos, err := ExpandGrid(cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range combos {
		if c["extra"] != "x" {
			t.Fatalf("base param not merged: %v", c)
		}
		if c.Int("fast", 0) == 99 {
			t.Fatal("grid value must override base param")
		}
	}
}

func TestExpandGridExplicitAndLogValues(t *testing.T) {
	cfg := models.ExperimentConfig{
		ParamGrid: map[string]models.GridDimension{
			"mode":      {Values: []any{"a", "b"}},
			"threshold": {LogRange: &models.RangeSpec{Start: 0.001, Stop: 0.1, Step: 3}},
		},
	}
	combos, err := ExpandGrid(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(combos) != 6 {
		t.Fatalf("combos = %d, want 6", len(combos))
	}

	thresholds := make(map[float64]bool)
	for _, c := range combos {
		thresholds[c.Float("threshold", 0)] = true
	}
	for _, want := range []float64{0.001, 0.01, 0.1} {
		found := false
		for got := range thresholds {
			if math.Abs(got-want) < 1e-12 {
				found = true
			}
		}
		if !found {
			t.Errorf("log sample %g missing from %v", want, thresholds)
		}
	}
}

func TestExpandGridCapsAndSamples(t *testing.T) {
	cfg := sweepConfig(t, models.GridCartesian)
	cfg.MaxCombinations = 2
	combos, err := ExpandGrid(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(combos) != 2 {
		t.Errorf("capped combos = %d, want 2", len(combos))
	}

	cfg = sweepConfig(t, models.GridRandom)
	cfg.MaxCombinations = 3
	a, err := ExpandGrid(cfg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ExpandGrid(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 3 {
		t.Fatalf("sampled combos = %d, want 3", len(a))
	}
	for i := range a {
		if a[i].Key() != b[i].Key() {
			t.Fatal("same seed must sample the same combinations in order")
		}
	}
}

func TestExpandGridRejectsBadDimensions(t *testing.T) {
	bad := []models.GridDimension{
		{},
		{Range: &models.RangeSpec{Start: 1, Stop: 10, Step: 0}},
		{Range: &models.RangeSpec{Start: 10, Stop: 1, Step: 1}},
		{LogRange: &models.RangeSpec{Start: 0, Stop: 10, Step: 3}},
	}
	for i, dim := range bad {
		cfg := models.ExperimentConfig{ParamGrid: map[string]models.GridDimension{"p": dim}}
		if _, err := ExpandGrid(cfg); err == nil {
			t.Errorf("dimension %d should be rejected", i)
		}
	}
}

// ════════════════════════════════════════════════════════════════════
// Runner
// ════════════════════════════════════════════════════════════════════

func TestRunnerSweepAndBest(t *testing.T) {
	cfg := sweepConfig(t, models.GridCartesian)
	r, err := NewRunner(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	result, err := r.Run(context.Background(), fakeBacktest)
	if err != nil {
		t.Fatal(err)
	}
	if result.Stats.Completed != 4 || result.Stats.Failed != 0 {
		t.Fatalf("stats = %+v", result.Stats)
	}
	if result.Best == nil {
		t.Fatal("no best run")
	}
	// fast=10, slow=20 scores 10 − 2 = 8, the maximum.
	if result.Best.ComboID != "fast=10,slow=20" {
		t.Errorf("best = %s", result.Best.ComboID)
	}

	// Every run was streamed to the results file.
	data, err := os.ReadFile(filepath.Join(cfg.OutputDir, runsFile))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Count(strings.TrimSpace(string(data)), "\n") + 1
	if lines != 4 {
		t.Errorf("streamed runs = %d, want 4", lines)
	}
}

func TestRunnerMinimize(t *testing.T) {
	cfg := sweepConfig(t, models.GridCartesian)
	cfg.Minimize = true
	r, err := NewRunner(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	result, err := r.Run(context.Background(), fakeBacktest)
	if err != nil {
		t.Fatal(err)
	}
	// fast=5, slow=30 scores 5 − 3 = 2, the minimum.
	if result.Best == nil || result.Best.ComboID != "fast=5,slow=30" {
		t.Errorf("best = %+v", result.Best)
	}
}

func TestRunnerResumeSkipsCompleted(t *testing.T) {
	cfg := sweepConfig(t, models.GridCartesian)
	r, err := NewRunner(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(context.Background(), fakeBacktest); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int64
	counting := func(ctx context.Context, symbol string, params models.Params) (*models.BacktestResult, error) {
		calls.Add(1)
		return fakeBacktest(ctx, symbol, params)
	}

	r2, err := NewRunner(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	result, err := r2.Run(context.Background(), counting)
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 {
		t.Errorf("resumed sweep re-ran %d tasks", calls.Load())
	}
	if result.Stats.Skipped != 4 {
		t.Errorf("skipped = %d, want 4", result.Stats.Skipped)
	}
}

func TestRunnerRetriesTransient(t *testing.T) {
	cfg := sweepConfig(t, models.GridCartesian)
	cfg.ParamGrid = map[string]models.GridDimension{"fast": {Values: []any{5}}}
	r, err := NewRunner(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	failures := 2
	flaky := func(ctx context.Context, symbol string, params models.Params) (*models.BacktestResult, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return nil, &exchange.ErrRateLimited{Exchange: "binance"}
		}
		return fakeBacktest(ctx, symbol, params)
	}

	result, err := r.Run(context.Background(), flaky)
	if err != nil {
		t.Fatal(err)
	}
	if result.Stats.Completed != 1 || result.Stats.Failed != 0 {
		t.Fatalf("stats = %+v, want completion after retries", result.Stats)
	}
}

func TestRunnerDeterministicErrorNotRetried(t *testing.T) {
	cfg := sweepConfig(t, models.GridCartesian)
	cfg.ParamGrid = map[string]models.GridDimension{"fast": {Values: []any{5}}}
	r, err := NewRunner(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int64
	broken := func(ctx context.Context, symbol string, params models.Params) (*models.BacktestResult, error) {
		calls.Add(1)
		return nil, errors.New("bad parameters")
	}

	result, err := r.Run(context.Background(), broken)
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("deterministic failure called %d times, want 1", calls.Load())
	}
	if result.Stats.Failed != 1 {
		t.Errorf("stats = %+v", result.Stats)
	}
	if result.Runs[0].Error == "" {
		t.Error("failed run must carry the error string")
	}
}

func TestRunnerDeterministicAcrossExecutions(t *testing.T) {
	runSweep := func(dir string) *models.ExperimentResult {
		cfg := sweepConfig(t, models.GridCartesian)
		cfg.OutputDir = dir
		r, err := NewRunner(cfg, zerolog.Nop())
		if err != nil {
			t.Fatal(err)
		}
		res, err := r.Run(context.Background(), fakeBacktest)
		if err != nil {
			t.Fatal(err)
		}
		return res
	}

	a := runSweep(t.TempDir())
	b := runSweep(t.TempDir())

	byCombo := func(res *models.ExperimentResult) map[string]float64 {
		out := make(map[string]float64)
		for _, r := range res.Runs {
			out[r.ComboID] = r.Metrics.SharpeRatio
		}
		return out
	}
	ma, mb := byCombo(a), byCombo(b)
	if len(ma) != len(mb) {
		t.Fatalf("run counts differ: %d vs %d", len(ma), len(mb))
	}
	for k, v := range ma {
		if mb[k] != v {
			t.Errorf("combo %s: %v vs %v", k, v, mb[k])
		}
	}
	if a.Best.ComboID != b.Best.ComboID {
		t.Errorf("best differs: %s vs %s", a.Best.ComboID, b.Best.ComboID)
	}
}

func TestRunnerTimeoutPerRun(t *testing.T) {
	cfg := sweepConfig(t, models.GridCartesian)
	cfg.ParamGrid = map[string]models.GridDimension{"fast": {Values: []any{5}}}
	cfg.TimeoutPerRun = 10 * time.Millisecond
	r, err := NewRunner(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	slow := func(ctx context.Context, symbol string, params models.Params) (*models.BacktestResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return fakeBacktest(ctx, symbol, params)
		}
	}
	result, err := r.Run(context.Background(), slow)
	if err != nil {
		t.Fatal(err)
	}
	if result.Stats.Failed != 1 {
		t.Fatalf("stats = %+v, want timeout failure", result.Stats)
	}
}

// ════════════════════════════════════════════════════════════════════
// Analyzer
// ════════════════════════════════════════════════════════════════════

func completedRun(combo string, params models.Params, sharpe float64) models.ExperimentRun {
	return models.ExperimentRun{
		Symbol:  "BTC/USDT",
		ComboID: combo,
		Status:  models.RunCompleted,
		Params:  params,
		Metrics: &models.Metrics{SharpeRatio: sharpe, TotalReturn: sharpe / 10},
	}
}

func analyzerRuns() []models.ExperimentRun {
	var runs []models.ExperimentRun
	for _, fast := range []int{5, 10, 15, 20} {
		sharpe := float64(fast) / 10
		runs = append(runs, completedRun(
			fmt.Sprintf("fast=%d,noise=1", fast),
			models.Params{"fast": fast, "noise": 1},
			sharpe,
		))
	}
	runs = append(runs, models.ExperimentRun{Status: models.RunFailed, Error: "boom"})
	return runs
}

func TestTopOrdersAndSkipsFailed(t *testing.T) {
	top := Top(analyzerRuns(), 2, "sharpe_ratio", false)
	if len(top) != 2 {
		t.Fatalf("top = %d, want 2", len(top))
	}
	if top[0].Metrics.SharpeRatio != 2 || top[1].Metrics.SharpeRatio != 1.5 {
		t.Errorf("order wrong: %v, %v", top[0].Metrics.SharpeRatio, top[1].Metrics.SharpeRatio)
	}

	bottom := Top(analyzerRuns(), 1, "sharpe_ratio", true)
	if bottom[0].Metrics.SharpeRatio != 0.5 {
		t.Errorf("minimize top = %v", bottom[0].Metrics.SharpeRatio)
	}
}

func TestFilterPredicates(t *testing.T) {
	runs := analyzerRuns()
	out := Filter(runs, Predicate{MetricMin: map[string]float64{"sharpe_ratio": 1.0}})
	if len(out) != 3 {
		t.Errorf("min filter = %d, want 3", len(out))
	}
	out = Filter(runs, Predicate{
		MetricMax:   map[string]float64{"sharpe_ratio": 1.0},
		ParamEquals: map[string]any{"fast": 5},
	})
	if len(out) != 1 || out[0].Params.Int("fast", 0) != 5 {
		t.Errorf("combined filter = %+v", out)
	}
}

func TestParameterImportance(t *testing.T) {
	imp := ParameterImportance(analyzerRuns(), "sharpe_ratio")
	if imp["fast"] < 0.9 {
		t.Errorf("driving parameter importance = %v, want near 1", imp["fast"])
	}
	if _, ok := imp["noise"]; ok {
		// A constant parameter has no defined correlation.
		t.Error("constant parameter must be excluded")
	}

	// Deterministic across calls.
	again := ParameterImportance(analyzerRuns(), "sharpe_ratio")
	if imp["fast"] != again["fast"] {
		t.Error("importance must be reproducible")
	}
}

func TestCorrelationMatrixShape(t *testing.T) {
	m := CorrelationMatrix(analyzerRuns(), []string{"sharpe_ratio", "total_return"})
	if m["fast"]["sharpe_ratio"] < 0.99 {
		t.Errorf("fast vs sharpe = %v, want 1", m["fast"]["sharpe_ratio"])
	}
	if m["sharpe_ratio"]["sharpe_ratio"] != 1 {
		t.Error("diagonal must be 1")
	}
}

func TestReportFormats(t *testing.T) {
	result := &models.ExperimentResult{
		Config: models.ExperimentConfig{
			Name: "demo", StrategyID: "sma_cross",
			Symbols: []string{"BTC/USDT"}, OptimizeMetric: "sharpe_ratio",
		},
		Runs: analyzerRuns(),
	}
	best := result.Runs[3]
	result.Best = &best

	md, err := Report(result, ReportMarkdown)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"# Experiment: demo", "## Best run", "## Top runs", "## Parameter importance"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q", want)
		}
	}

	js, err := Report(result, ReportJSON)
	if err != nil {
		t.Fatal(err)
	}
	var decoded models.ExperimentResult
	if err := json.Unmarshal([]byte(js), &decoded); err != nil {
		t.Fatalf("json report does not parse: %v", err)
	}

	htmlOut, err := Report(result, ReportHTML)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(htmlOut, "<html>") {
		t.Error("html report missing markup")
	}

	if _, err := Report(result, "yaml"); err == nil {
		t.Error("unknown format must fail")
	}
}
