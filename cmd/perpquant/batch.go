package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/openperp/perpquant/internal/backtest"
	"github.com/openperp/perpquant/internal/config"
	"github.com/openperp/perpquant/internal/experiment"
	"github.com/openperp/perpquant/internal/symbols"
	"github.com/openperp/perpquant/pkg/models"
)

// --- Portfolio Command ---

var portfolioCmd = &cobra.Command{
	Use:   "portfolio",
	Short: "Run a batch of backtests from a YAML config",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config-file")
		pc, err := config.LoadPortfolio(path)
		if err != nil {
			return userErr("%v", err)
		}

		pl, err := buildPipeline()
		if err != nil {
			return err
		}

		failed := 0
		for i, run := range pc.Runs {
			res, err := runPortfolioEntry(cmd.Context(), pl, pc, run)
			if err != nil {
				failed++
				fmt.Printf("[%d/%d] %s %s: FAILED: %v\n", i+1, len(pc.Runs), run.Strategy, run.Symbol, err)
				continue
			}
			fmt.Printf("[%d/%d] %s %s: return %.2f%%, sharpe %.3f, trades %d\n",
				i+1, len(pc.Runs), run.Strategy, run.Symbol,
				res.Metrics.TotalReturn*100, res.Metrics.SharpeRatio, res.Metrics.NumTrades)
		}

		if failed == len(pc.Runs) {
			return runtimeErr(fmt.Errorf("all %d runs failed", failed))
		}
		if failed > 0 {
			return &exitErr{code: exitPartial, err: fmt.Errorf("%d of %d runs failed", failed, len(pc.Runs))}
		}
		return nil
	},
}

func init() {
	portfolioCmd.Flags().StringP("config-file", "c", "", "portfolio YAML file")
	portfolioCmd.MarkFlagRequired("config-file")
}

func runPortfolioEntry(ctx context.Context, pl pipelineLoader, pc *config.PortfolioConfig, run config.PortfolioRun) (*models.BacktestResult, error) {
	ctor, err := backtest.Default().Get(run.Strategy)
	if err != nil {
		return nil, err
	}
	tf, err := models.ParseTimeframe(run.Timeframe)
	if err != nil {
		return nil, err
	}

	start, end := run.Start, run.End
	if end.IsZero() {
		end = time.Now().UTC().Truncate(time.Hour)
	}
	if start.IsZero() {
		start = end.AddDate(0, 0, -90)
	}

	strat := ctor()
	data, err := pl.Load(ctx, strat.DataRequirements(), run.Symbol, "binance", tf, start, end)
	if err != nil {
		return nil, err
	}

	engCfg := backtest.Config{
		InitialCash:           pick(pc.InitialCash, cfg.Backtest.InitialCash),
		FeeRate:               pc.FeeRate,
		Leverage:              pick(pc.Leverage, cfg.Backtest.Leverage),
		MaintenanceMarginRate: cfg.Backtest.MaintenanceMarginRate,
		SlippagePct:           cfg.Backtest.SlippagePct,
		RiskFreeRate:          cfg.Backtest.RiskFreeRate,
	}
	eng, err := backtest.NewEngine(engCfg, log)
	if err != nil {
		return nil, err
	}
	return eng.Run(strat, data, run.Params)
}

// pipelineLoader is the slice of the pipeline the batch commands use.
type pipelineLoader interface {
	Load(ctx context.Context, reqs []models.DataRequirement, symbol, exchangeName string, tf models.Timeframe, start, end time.Time) (*models.Dataset, error)
}

func pick(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}

// --- Experiment Commands ---

var experimentCmd = &cobra.Command{
	Use:   "experiment",
	Short: "Parameter sweep lifecycle",
}

var experimentRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run (or resume) a parameter sweep from a YAML config",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config-file")
		expCfg, err := config.LoadExperiment(path)
		if err != nil {
			return userErr("%v", err)
		}
		if _, err := backtest.Default().Get(expCfg.StrategyID); err != nil {
			return userErr("%v", err)
		}
		if expCfg.OutputDir == "" {
			expCfg.OutputDir = filepath.Join(cfg.Data.ExperimentsDir, expCfg.Name)
		}

		pl, err := buildPipeline()
		if err != nil {
			return err
		}
		runner, err := experiment.NewRunner(*expCfg, log)
		if err != nil {
			return userErr("%v", err)
		}

		result, err := runner.Run(cmd.Context(), sweepBacktestFn(pl, expCfg))
		if err != nil {
			return runtimeErr(err)
		}

		report, err := experiment.Report(result, experiment.ReportMarkdown)
		if err != nil {
			return runtimeErr(err)
		}
		reportPath := filepath.Join(expCfg.OutputDir, "report.md")
		if err := os.WriteFile(reportPath, []byte(report), 0o644); err != nil {
			return runtimeErr(err)
		}

		fmt.Printf("%d completed, %d failed, %d skipped in %s\n",
			result.Stats.Completed, result.Stats.Failed, result.Stats.Skipped, result.Elapsed.Round(time.Second))
		if result.Best != nil {
			v, _ := result.Best.Metrics.Metric(expCfg.OptimizeMetric)
			fmt.Printf("best: %s %s (%s = %.6f)\n", result.Best.Symbol, result.Best.ComboID, expCfg.OptimizeMetric, v)
		}
		fmt.Println("report:", reportPath)

		if result.Stats.Failed > 0 {
			return &exitErr{code: exitPartial, err: fmt.Errorf("%d sweep task(s) failed", result.Stats.Failed)}
		}
		return nil
	},
}

// sweepBacktestFn builds the per-task backtest the runner executes: load the
// symbol's dataset, then run the sweep's strategy with the combination.
func sweepBacktestFn(pl pipelineLoader, expCfg *models.ExperimentConfig) experiment.BacktestFn {
	return func(ctx context.Context, symbol string, params models.Params) (*models.BacktestResult, error) {
		ctor, err := backtest.Default().Get(expCfg.StrategyID)
		if err != nil {
			return nil, err
		}
		strat := ctor()

		exchangeName := expCfg.Exchange
		if exchangeName == "" {
			exchangeName = "binance"
		}
		tf := expCfg.Timeframe
		if tf == "" {
			tf = models.TF1h
		}
		start, end := expCfg.Start, expCfg.End
		if end.IsZero() {
			end = time.Now().UTC().Truncate(time.Hour)
		}
		if start.IsZero() {
			start = end.AddDate(0, 0, -90)
		}

		data, err := pl.Load(ctx, strat.DataRequirements(), symbol, exchangeName, tf, start, end)
		if err != nil {
			return nil, err
		}

		engCfg := backtest.Config{
			InitialCash:           pick(expCfg.InitialCash, cfg.Backtest.InitialCash),
			FeeRate:               expCfg.FeeRate,
			Leverage:              pick(expCfg.Leverage, cfg.Backtest.Leverage),
			MaintenanceMarginRate: cfg.Backtest.MaintenanceMarginRate,
			SlippagePct:           cfg.Backtest.SlippagePct,
			RiskFreeRate:          cfg.Backtest.RiskFreeRate,
		}
		eng, err := backtest.NewEngine(engCfg, log)
		if err != nil {
			return nil, err
		}
		return eng.Run(strat, data, params)
	}
}

var experimentAnalyzeCmd = &cobra.Command{
	Use:   "analyze <name>",
	Short: "Re-analyze a finished sweep's streamed results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		dir := filepath.Join(cfg.Data.ExperimentsDir, name)
		runs, err := readRuns(filepath.Join(dir, "runs.jsonl"))
		if err != nil {
			return runtimeErr(err)
		}
		if len(runs) == 0 {
			return userErr("experiment %q has no recorded runs", name)
		}

		metric, _ := cmd.Flags().GetString("metric")
		minimize, _ := cmd.Flags().GetBool("minimize")
		format, _ := cmd.Flags().GetString("format")

		result := &models.ExperimentResult{
			Config: models.ExperimentConfig{Name: name, OptimizeMetric: metric, Minimize: minimize},
			Runs:   runs,
		}
		if top := experiment.Top(runs, 1, metric, minimize); len(top) > 0 {
			result.Best = &top[0]
		}
		for _, r := range runs {
			if r.Status == models.RunCompleted {
				result.Stats.Completed++
			} else if r.Status == models.RunFailed {
				result.Stats.Failed++
			}
			result.Stats.Total++
		}

		report, err := experiment.Report(result, experiment.ReportFormat(format))
		if err != nil {
			return userErr("%v", err)
		}
		fmt.Println(report)
		return nil
	},
}

// readRuns loads the append-only results stream a sweep produced.
func readRuns(path string) ([]models.ExperimentRun, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var runs []models.ExperimentRun
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var run models.ExperimentRun
		if err := json.Unmarshal(line, &run); err != nil {
			return nil, fmt.Errorf("corrupt run record: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, scanner.Err()
}

func init() {
	experimentRunCmd.Flags().StringP("config-file", "c", "", "experiment YAML file")
	experimentRunCmd.MarkFlagRequired("config-file")

	experimentAnalyzeCmd.Flags().String("metric", "sharpe_ratio", "ranking metric")
	experimentAnalyzeCmd.Flags().Bool("minimize", false, "rank ascending")
	experimentAnalyzeCmd.Flags().String("format", "markdown", "report format (markdown, json, html)")

	experimentCmd.AddCommand(experimentRunCmd)
	experimentCmd.AddCommand(experimentAnalyzeCmd)
}

// --- Universe Commands ---

var universeCmd = &cobra.Command{
	Use:   "universe",
	Short: "Symbol universe helpers",
}

var universeShowCmd = &cobra.Command{
	Use:   "show <symbol>",
	Short: "Show a symbol's native format on every supported exchange",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formats, err := symbols.AllFormats(args[0])
		if err != nil {
			return userErr("%v", err)
		}
		for _, name := range symbols.Exchanges() {
			fmt.Printf("%-8s %s\n", name, formats[name])
		}
		return nil
	},
}

var universeExportCmd = &cobra.Command{
	Use:   "export <symbol> [symbol ...]",
	Short: "Export symbol mappings as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := make(map[string]map[string]string, len(args))
		for _, symbol := range args {
			formats, err := symbols.AllFormats(symbol)
			if err != nil {
				return userErr("%v", err)
			}
			out[symbol] = formats
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return runtimeErr(err)
		}

		path, _ := cmd.Flags().GetString("output")
		if path == "" {
			fmt.Println(string(data))
			return nil
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return runtimeErr(err)
		}
		fmt.Println("wrote", path)
		return nil
	},
}

func init() {
	universeExportCmd.Flags().StringP("output", "o", "", "write to file instead of stdout")
	universeCmd.AddCommand(universeShowCmd)
	universeCmd.AddCommand(universeExportCmd)
}
