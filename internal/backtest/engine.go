package backtest

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/openperp/perpquant/internal/broker"
	"github.com/openperp/perpquant/internal/execution"
	"github.com/openperp/perpquant/pkg/models"
)

// Config fixes the engine's cost model and the optional engine-level stops
// applied to every opened position.
type Config struct {
	InitialCash           float64
	FeeRate               float64
	Leverage              float64
	MaintenanceMarginRate float64

	// SlippagePct adversely adjusts SL/TP fills. Zero means fills happen
	// exactly at the trigger price.
	SlippagePct float64

	// StopLossPct / TakeProfitPct attach stops to positions the strategy
	// opened without any. Zero disables a side.
	StopLossPct   float64
	TakeProfitPct float64

	RiskFreeRate float64 // annual, for Sharpe/Sortino

	// Execution layers maker/taker fees, slippage models, and funding
	// accrual over the broker's flat cost model. Off unless Enabled is set.
	Execution execution.Config
}

// DefaultConfig returns the standard engine parameters.
func DefaultConfig() Config {
	return Config{
		InitialCash:           10000,
		FeeRate:               0.0004,
		Leverage:              1,
		MaintenanceMarginRate: 0.005,
	}
}

func (c Config) validate() error {
	if c.InitialCash <= 0 {
		return fmt.Errorf("engine: initial cash must be positive, got %g", c.InitialCash)
	}
	if c.Leverage < 1 {
		return fmt.Errorf("engine: leverage must be >= 1, got %g", c.Leverage)
	}
	if c.FeeRate < 0 || c.SlippagePct < 0 {
		return fmt.Errorf("engine: fee and slippage rates must be non-negative")
	}
	return nil
}

// Engine executes one strategy over one dataset. An Engine is cheap to
// construct; build a fresh one per run.
type Engine struct {
	cfg  Config
	exec *execution.Model
	log  zerolog.Logger
}

func NewEngine(cfg Config, log zerolog.Logger) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	exec, err := execution.NewModel(cfg.Execution)
	if err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, exec: exec, log: log.With().Str("component", "engine").Logger()}, nil
}

// Run backtests the strategy over the dataset. Raw parameters are validated
// against the strategy's schema; defaults fill missing keys.
func (e *Engine) Run(strat Strategy, data *models.Dataset, raw map[string]any) (*models.BacktestResult, error) {
	params, err := models.ValidateParams(raw, strat.Parameters())
	if err != nil {
		return nil, err
	}
	if v, ok := strat.(ParamValidator); ok {
		if err := v.ValidateParams(params); err != nil {
			return nil, err
		}
	}

	feeRate := e.cfg.FeeRate
	if e.exec.Enabled() {
		// The overlay owns fee selection; strategy entries and exits are
		// market orders and pay the taker rate.
		feeRate = e.exec.FeeRate(execution.Market)
	}
	b := broker.NewSimBroker(broker.Config{
		InitialCash:           e.cfg.InitialCash,
		FeeRate:               feeRate,
		Leverage:              e.cfg.Leverage,
		MaintenanceMarginRate: e.cfg.MaintenanceMarginRate,
	})

	bars := data.OHLCV
	if len(bars) == 0 {
		// Degenerate run: a single equity sample at the initial cash.
		b.MarkToMarket(0, time.Time{})
	}

	switch s := strat.(type) {
	case Vectorized:
		signals, err := s.ComputeSignals(data, params)
		if err != nil {
			return nil, fmt.Errorf("compute signals: %w", err)
		}
		if len(signals) != len(bars) {
			return nil, fmt.Errorf("signal vector length %d does not match %d bars", len(signals), len(bars))
		}
		err = e.loop(b, bars, data.Perp.Funding, func(i int) error { return e.driveSignal(b, bars, signals, i) })
		if err != nil {
			return nil, err
		}

	case Imperative:
		ctx := &Context{Broker: b, Data: data, Params: params}
		if err := s.Init(ctx); err != nil {
			return nil, fmt.Errorf("strategy init: %w", err)
		}
		err = e.loop(b, bars, data.Perp.Funding, func(i int) error {
			ctx.Index, ctx.Bar = i, bars[i]
			return s.OnBar(ctx)
		})
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("strategy %q implements neither OnBar nor ComputeSignals", strat.ID())
	}

	// Anything still open closes on the final bar.
	if len(bars) > 0 && b.Position() != nil {
		last := bars[len(bars)-1]
		if err := b.Close(last.Close, last.Timestamp, "end_of_data"); err != nil {
			return nil, err
		}
	}

	metrics := ComputeMetrics(b, data.Timeframe, e.cfg.RiskFreeRate)
	finalEquity := e.cfg.InitialCash
	if curve := b.EquityCurve(); len(curve) > 0 {
		finalEquity = curve[len(curve)-1].Equity
	}

	e.log.Debug().
		Str("strategy", strat.ID()).
		Str("symbol", data.Symbol).
		Int("bars", len(bars)).
		Int("trades", len(b.Trades())).
		Float64("final_equity", finalEquity).
		Msg("run complete")

	return &models.BacktestResult{
		StrategyID:   strat.ID(),
		Symbol:       data.Symbol,
		Timeframe:    data.Timeframe,
		Params:       params,
		InitialCash:  e.cfg.InitialCash,
		FinalCash:    b.Cash(),
		FinalEquity:  finalEquity,
		EquityCurve:  b.EquityCurve(),
		Trades:       b.Trades(),
		Liquidations: b.Liquidations(),
		Metrics:      metrics,
	}, nil
}

// loop walks the bars in order, applying the fixed per-bar sequence:
// funding settlement, liquidation check, SL/TP arbitration, strategy
// dispatch, mark to market.
func (e *Engine) loop(b *broker.SimBroker, bars []models.Bar, funding []models.FundingPoint, dispatch func(i int) error) error {
	for i, bar := range bars {
		b.SetBarIndex(i)

		if pos := b.Position(); pos != nil {
			b.ObserveBar(bar.Low, bar.High)

			if i > 0 {
				e.exec.SettleFunding(b, funding, bars[i-1].Timestamp, bar.Timestamp, bar.Close)
				e.exec.RefreshLiquidation(b)
			}

			// A breached liquidation price preempts everything else on
			// the bar, including the strategy.
			if liqBreached(pos, bar) {
				if err := b.Liquidate(bar.Timestamp); err != nil {
					return err
				}
				b.MarkToMarket(bar.Close, bar.Timestamp)
				continue
			}

			if price, reason, hit := e.stopHit(pos, bar); hit {
				if err := b.Close(price, bar.Timestamp, reason); err != nil {
					return err
				}
			}
		}

		if err := dispatch(i); err != nil {
			return err
		}

		e.applyConfiguredStops(b)
		b.MarkToMarket(bar.Close, bar.Timestamp)
	}
	return nil
}

func liqBreached(pos *models.Position, bar models.Bar) bool {
	if pos.LiqPrice <= 0 {
		return false
	}
	if pos.Direction == models.Long {
		return bar.Low <= pos.LiqPrice
	}
	return bar.High >= pos.LiqPrice
}

// stopHit arbitrates SL against TP within one bar. When both sides of the
// range trigger, the stop-loss fill is taken.
func (e *Engine) stopHit(pos *models.Position, bar models.Bar) (price float64, reason string, hit bool) {
	long := pos.Direction == models.Long
	sl, tp := pos.StopLoss, pos.TakeProfit

	slHit := sl > 0 && (long && bar.Low <= sl || !long && bar.High >= sl)
	tpHit := tp > 0 && (long && bar.High >= tp || !long && bar.Low <= tp)

	switch {
	case slHit:
		return e.slip(sl, long), "stop_loss", true
	case tpHit:
		return e.slip(tp, long), "take_profit", true
	}
	return 0, "", false
}

// slip moves a fill price against the position by the configured rate.
// Closing a long fills lower; closing a short fills higher.
func (e *Engine) slip(price float64, long bool) float64 {
	if e.cfg.SlippagePct == 0 {
		return price
	}
	if long {
		return price * (1 - e.cfg.SlippagePct)
	}
	return price * (1 + e.cfg.SlippagePct)
}

// driveSignal converts signal-level transitions into broker calls.
func (e *Engine) driveSignal(b *broker.SimBroker, bars []models.Bar, signals []int, i int) error {
	bar := bars[i]
	want := signals[i]

	have := 0
	if pos := b.Position(); pos != nil {
		have = int(pos.Direction.Sign())
	}
	if want == have {
		return nil
	}

	if have != 0 {
		// The closing order trades against the position's direction.
		exitDir := models.Short
		if have < 0 {
			exitDir = models.Long
		}
		price := e.marketFill(b, bars, i, exitDir)
		if err := b.Close(price, bar.Timestamp, "signal"); err != nil {
			return err
		}
	}
	switch want {
	case 1:
		return ignoreInsufficient(b.BuyAll(e.marketFill(b, bars, i, models.Long), bar.Timestamp))
	case -1:
		return ignoreInsufficient(b.ShortAll(e.marketFill(b, bars, i, models.Short), bar.Timestamp))
	}
	return nil
}

// marketFill prices a market order at the bar close through the execution
// overlay. With the overlay disabled the close stands.
func (e *Engine) marketFill(b *broker.SimBroker, bars []models.Bar, i int, side models.Direction) float64 {
	bar := bars[i]
	if !e.exec.Enabled() {
		return bar.Close
	}
	size := b.Cash() * e.cfg.Leverage / bar.Close
	if pos := b.Position(); pos != nil {
		size = pos.Size
	}
	res := e.exec.Apply(execution.Order{
		Side:  side,
		Type:  execution.Market,
		Size:  size,
		Price: bar.Close,
	}, bar, recentVol(bars, i))
	return res.FillPrice
}

// volLookback is the trailing window for the volatility slippage model.
const volLookback = 20

// recentVol is the sample standard deviation of close-to-close returns over
// the trailing window ending at bar i.
func recentVol(bars []models.Bar, i int) float64 {
	start := i - volLookback
	if start < 0 {
		start = 0
	}
	var returns []float64
	for j := start + 1; j <= i; j++ {
		if bars[j-1].Close > 0 {
			returns = append(returns, bars[j].Close/bars[j-1].Close-1)
		}
	}
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	ss := 0.0
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss / float64(len(returns)-1))
}

// ignoreInsufficient keeps a run alive when the account cannot afford an
// entry; the signal simply goes unfilled.
func ignoreInsufficient(err error) error {
	if errors.Is(err, broker.ErrInsufficientFunds) {
		return nil
	}
	return err
}

// applyConfiguredStops attaches the engine-level SL/TP to a freshly opened
// position that carries none of its own.
func (e *Engine) applyConfiguredStops(b *broker.SimBroker) {
	pos := b.Position()
	if pos == nil || pos.StopLoss != 0 || pos.TakeProfit != 0 {
		return
	}
	if e.cfg.StopLossPct == 0 && e.cfg.TakeProfitPct == 0 {
		return
	}

	var sl, tp float64
	if pos.Direction == models.Long {
		if e.cfg.StopLossPct > 0 {
			sl = pos.EntryPrice * (1 - e.cfg.StopLossPct)
		}
		if e.cfg.TakeProfitPct > 0 {
			tp = pos.EntryPrice * (1 + e.cfg.TakeProfitPct)
		}
	} else {
		if e.cfg.StopLossPct > 0 {
			sl = pos.EntryPrice * (1 + e.cfg.StopLossPct)
		}
		if e.cfg.TakeProfitPct > 0 {
			tp = pos.EntryPrice * (1 - e.cfg.TakeProfitPct)
		}
	}
	b.SetStops(sl, tp)
}
