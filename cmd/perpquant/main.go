// perpquant is the CLI for perpetual-futures backtesting and parameter
// research.
//
// Main CLI entrypoint using cobra command framework.
package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openperp/perpquant/internal/backtest"
	"github.com/openperp/perpquant/internal/config"
	"github.com/openperp/perpquant/internal/exchange"
	"github.com/openperp/perpquant/internal/infra"
	"github.com/openperp/perpquant/internal/pipeline"
	"github.com/openperp/perpquant/internal/quality"
	"github.com/openperp/perpquant/internal/storage"
	"github.com/openperp/perpquant/pkg/models"
)

// Build-time variables (set via -ldflags).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Global config and logger, set by the root PersistentPreRunE.
var (
	cfg *config.Config
	log zerolog.Logger
)

// Exit codes: 0 success, 1 user error, 2 runtime error, 3 partial failure.
const (
	exitUser    = 1
	exitRuntime = 2
	exitPartial = 3
)

// exitErr carries a process exit code up to main.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func userErr(format string, args ...any) error {
	return &exitErr{code: exitUser, err: fmt.Errorf(format, args...)}
}

func runtimeErr(err error) error {
	return &exitErr{code: exitRuntime, err: err}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ee *exitErr
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitUser)
	}
}

var rootCmd = &cobra.Command{
	Use:   "perpquant",
	Short: "perpquant: crypto perpetual-futures backtesting",
	Long: `perpquant backtests perpetual-futures strategies over multi-exchange
historical data (OHLCV, funding, open interest, basis, liquidations) under a
realistic execution model, and sweeps strategy parameters in parallel.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		configFile, _ := cmd.Flags().GetString("config")
		if configFile != "" {
			cfg, err = config.LoadFromFile(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return userErr("failed to load config: %v", err)
		}

		level := cfg.Logging.Level
		if override, _ := cmd.Flags().GetString("log-level"); override != "" {
			level = override
		}
		log = newLogger(level, cfg.Logging.Format)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./config/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(portfolioCmd)
	rootCmd.AddCommand(experimentCmd)
	rootCmd.AddCommand(universeCmd)
	rootCmd.AddCommand(verifyCmd)
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if format == "json" {
		return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// buildPipeline wires storage, quality control, and the exchange connectors.
func buildPipeline() (*pipeline.Pipeline, error) {
	store, err := storage.NewStore(cfg.Data.Dir, log)
	if err != nil {
		return nil, runtimeErr(err)
	}
	limiters := infra.NewLimiterSet()
	for name, ex := range map[string]config.ExchangeConfig{
		"binance": cfg.Exchanges.Binance,
		"bybit":   cfg.Exchanges.Bybit,
		"okx":     cfg.Exchanges.OKX,
	} {
		if ex.RateLimit > 0 && ex.RateWindowSec > 0 {
			limiters.Configure(name, ex.RateLimit, time.Duration(ex.RateWindowSec)*time.Second)
		}
	}

	opts := exchange.Options{
		BinanceAPIKey:    cfg.Exchanges.Binance.APIKey,
		BinanceAPISecret: cfg.Exchanges.Binance.APISecret,
		Limiters:         limiters,
		CacheTTL:         time.Duration(cfg.Pipeline.CacheTTLSec) * time.Second,
		Log:              log,
	}
	connectors := make(map[string]exchange.Connector, len(exchange.Names()))
	for _, name := range exchange.Names() {
		c, err := exchange.New(name, opts)
		if err != nil {
			return nil, runtimeErr(err)
		}
		connectors[name] = c
	}
	p := pipeline.New(store, quality.NewController(log), connectors, log)
	p.SetMaxWorkers(cfg.Pipeline.MaxWorkers)
	return p, nil
}

// --- Version Command ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("perpquant %s\n", version)
		fmt.Printf("  commit:  %s\n", commit)
		fmt.Printf("  built:   %s\n", date)
	},
}

// --- List Command ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered strategies",
	RunE: func(cmd *cobra.Command, args []string) error {
		detailed, _ := cmd.Flags().GetBool("detailed")
		for _, s := range backtest.Default().List() {
			meta := s.Metadata()
			if !detailed {
				fmt.Printf("%-16s %s\n", s.ID(), meta.Description)
				continue
			}
			fmt.Printf("%s\n", s.ID())
			fmt.Printf("  name:     %s\n", meta.Name)
			fmt.Printf("  category: %s\n", meta.Category)
			fmt.Printf("  about:    %s\n", meta.Description)
			fmt.Printf("  params:   %s\n", strings.Join(paramNames(s), ", "))
		}
		return nil
	},
}

func init() {
	listCmd.Flags().Bool("detailed", false, "include metadata and parameters")
}

func paramNames(s backtest.Strategy) []string {
	names := make([]string, 0, len(s.Parameters()))
	for name := range s.Parameters() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// --- Info Command ---

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show a strategy's metadata and parameter schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("strategy")
		ctor, err := backtest.Default().Get(id)
		if err != nil {
			return userErr("%v", err)
		}
		s := ctor()
		meta := s.Metadata()

		fmt.Printf("%s: %s\n", s.ID(), meta.Name)
		fmt.Printf("  category: %s\n", meta.Category)
		fmt.Printf("  about:    %s\n", meta.Description)
		fmt.Println("  parameters:")
		specs := s.Parameters()
		for _, name := range paramNames(s) {
			spec := specs[name]
			line := fmt.Sprintf("    %-12s %-6s default=%v", name, spec.Kind, spec.Default)
			if spec.Min != nil && spec.Max != nil {
				line += fmt.Sprintf("  range=[%g,%g]", *spec.Min, *spec.Max)
			}
			if spec.Description != "" {
				line += "  " + spec.Description
			}
			fmt.Println(line)
		}
		fmt.Println("  data requirements:")
		for _, req := range s.DataRequirements() {
			optional := ""
			if !req.Required {
				optional = " (optional)"
			}
			fmt.Printf("    %s%s\n", req.Kind, optional)
		}
		return nil
	},
}

func init() {
	infoCmd.Flags().StringP("strategy", "s", "", "strategy ID")
	infoCmd.MarkFlagRequired("strategy")
}

// --- Run Command ---

var runCmd = &cobra.Command{
	Use:   "run [param=value ...]",
	Short: "Run a single backtest",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("strategy")
		symbol, _ := cmd.Flags().GetString("symbol")
		tfStr, _ := cmd.Flags().GetString("timeframe")
		exchangeName, _ := cmd.Flags().GetString("exchange")

		ctor, err := backtest.Default().Get(id)
		if err != nil {
			return userErr("%v", err)
		}
		tf, err := models.ParseTimeframe(tfStr)
		if err != nil {
			return userErr("%v", err)
		}
		if !strings.Contains(symbol, "/") {
			return userErr("symbol must be BASE/QUOTE, got %q", symbol)
		}
		params, err := parseParamArgs(args)
		if err != nil {
			return err
		}
		start, end, err := window(cmd)
		if err != nil {
			return err
		}

		strat := ctor()
		pl, err := buildPipeline()
		if err != nil {
			return err
		}
		data, err := pl.Load(cmd.Context(), strat.DataRequirements(), symbol, exchangeName, tf, start, end)
		if err != nil {
			return runtimeErr(err)
		}

		engCfg, err := engineConfig(cmd)
		if err != nil {
			return err
		}
		eng, err := backtest.NewEngine(engCfg, log)
		if err != nil {
			return userErr("%v", err)
		}
		res, err := eng.Run(strat, data, params)
		if err != nil {
			var invalid *models.ErrInvalidParameter
			if errors.As(err, &invalid) {
				return userErr("%v", err)
			}
			return runtimeErr(err)
		}
		printResult(res)
		return nil
	},
}

func init() {
	runCmd.Flags().StringP("strategy", "s", "", "strategy ID")
	runCmd.Flags().StringP("symbol", "m", "", "canonical symbol, e.g. BTC/USDT")
	runCmd.Flags().StringP("timeframe", "t", "1h", "bar timeframe")
	runCmd.Flags().String("exchange", "binance", "source exchange")
	runCmd.Flags().String("start", "", "window start (YYYY-MM-DD)")
	runCmd.Flags().String("end", "", "window end (YYYY-MM-DD)")
	runCmd.Flags().Float64("cash", 0, "initial cash (default from config)")
	runCmd.Flags().Float64("fee", -1, "fee rate (default from config)")
	runCmd.Flags().Float64("leverage", 0, "leverage (default from config)")
	runCmd.Flags().Float64("sl", 0, "stop-loss fraction applied to every entry")
	runCmd.Flags().Float64("tp", 0, "take-profit fraction applied to every entry")
	runCmd.MarkFlagRequired("strategy")
	runCmd.MarkFlagRequired("symbol")
}

// window resolves the --start/--end flags, defaulting to the trailing 90
// days ending now.
func window(cmd *cobra.Command) (time.Time, time.Time, error) {
	startStr, _ := cmd.Flags().GetString("start")
	endStr, _ := cmd.Flags().GetString("end")

	end := time.Now().UTC().Truncate(time.Hour)
	if endStr != "" {
		var err error
		end, err = time.Parse("2006-01-02", endStr)
		if err != nil {
			return time.Time{}, time.Time{}, userErr("bad --end: %v", err)
		}
	}
	start := end.AddDate(0, 0, -90)
	if startStr != "" {
		var err error
		start, err = time.Parse("2006-01-02", startStr)
		if err != nil {
			return time.Time{}, time.Time{}, userErr("bad --start: %v", err)
		}
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, userErr("start %s is not before end %s", start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	return start, end, nil
}

func engineConfig(cmd *cobra.Command) (backtest.Config, error) {
	engCfg := backtest.Config{
		InitialCash:           cfg.Backtest.InitialCash,
		FeeRate:               cfg.Backtest.FeeRate,
		Leverage:              cfg.Backtest.Leverage,
		MaintenanceMarginRate: cfg.Backtest.MaintenanceMarginRate,
		SlippagePct:           cfg.Backtest.SlippagePct,
		RiskFreeRate:          cfg.Backtest.RiskFreeRate,
	}
	if v, _ := cmd.Flags().GetFloat64("cash"); v > 0 {
		engCfg.InitialCash = v
	}
	if v, _ := cmd.Flags().GetFloat64("fee"); v >= 0 {
		engCfg.FeeRate = v
	}
	if v, _ := cmd.Flags().GetFloat64("leverage"); v > 0 {
		engCfg.Leverage = v
	}
	if v, _ := cmd.Flags().GetFloat64("sl"); v > 0 {
		engCfg.StopLossPct = v
	}
	if v, _ := cmd.Flags().GetFloat64("tp"); v > 0 {
		engCfg.TakeProfitPct = v
	}
	return engCfg, nil
}

// parseParamArgs turns trailing k=v arguments into raw parameter values.
// Values parse as int, then float, then bool, then string.
func parseParamArgs(args []string) (map[string]any, error) {
	params := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, userErr("parameter arguments must be name=value, got %q", arg)
		}
		switch {
		case intLike(v):
			n, _ := strconv.Atoi(v)
			params[k] = n
		case floatLike(v):
			f, _ := strconv.ParseFloat(v, 64)
			params[k] = f
		case v == "true" || v == "false":
			params[k] = v == "true"
		default:
			params[k] = v
		}
	}
	return params, nil
}

func intLike(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

func floatLike(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func printResult(res *models.BacktestResult) {
	m := res.Metrics
	fmt.Printf("%s on %s (%s)\n", res.StrategyID, res.Symbol, res.Timeframe)
	fmt.Printf("  params:        %s\n", res.Params.Key())
	fmt.Printf("  final equity:  %.2f (from %.2f)\n", res.FinalEquity, res.InitialCash)
	fmt.Printf("  total return:  %.2f%%\n", m.TotalReturn*100)
	fmt.Printf("  annualized:    %.2f%%\n", m.AnnualizedReturn*100)
	fmt.Printf("  sharpe:        %.3f\n", m.SharpeRatio)
	fmt.Printf("  max drawdown:  %.2f%%\n", m.MaxDrawdown*100)
	fmt.Printf("  trades:        %d (win rate %.1f%%)\n", m.NumTrades, m.WinRate*100)
	if len(res.Liquidations) > 0 {
		fmt.Printf("  liquidations:  %d\n", len(res.Liquidations))
	}
}

// --- Verify Command ---

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run the built-in self-tests",
	RunE: func(cmd *cobra.Command, args []string) error {
		failures := runSelfTests()
		if failures > 0 {
			return runtimeErr(fmt.Errorf("%d self-test(s) failed", failures))
		}
		fmt.Println("all self-tests passed")
		return nil
	},
}

func runSelfTests() int {
	failures := 0
	for _, tc := range selfTests() {
		if err := tc.run(); err != nil {
			failures++
			fmt.Printf("FAIL %s: %v\n", tc.name, err)
			continue
		}
		fmt.Printf("ok   %s\n", tc.name)
	}
	return failures
}
