package main

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/openperp/perpquant/internal/backtest"
	"github.com/openperp/perpquant/pkg/models"
)

// selfTest is one golden scenario the verify command replays against the
// engine with synthetic data.
type selfTest struct {
	name string
	run  func() error
}

var verifyStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func verifyBars(closes []float64) []models.Bar {
	bars := make([]models.Bar, len(closes))
	for i, c := range closes {
		bars[i] = models.Bar{
			Timestamp: verifyStart.Add(time.Duration(i) * time.Hour),
			Open:      c, High: c + 0.5, Low: c - 0.5, Close: c, Volume: 100,
		}
	}
	return bars
}

func verifyDataset(bars []models.Bar) *models.Dataset {
	return &models.Dataset{Symbol: "BTC/USDT", Exchange: "binance", Timeframe: models.TF1h, OHLCV: bars}
}

func verifyEngine(engCfg backtest.Config) (*backtest.Engine, error) {
	return backtest.NewEngine(engCfg, zerolog.Nop())
}

// scriptedEntry buys one unit on the first bar and attaches the given stops.
type scriptedEntry struct {
	sl, tp float64
	all    bool
}

func (s *scriptedEntry) ID() string                        { return "verify_entry" }
func (s *scriptedEntry) Metadata() models.StrategyMetadata { return models.StrategyMetadata{} }
func (s *scriptedEntry) Parameters() map[string]models.ParameterSpec {
	return map[string]models.ParameterSpec{}
}
func (s *scriptedEntry) DataRequirements() []models.DataRequirement {
	return []models.DataRequirement{{Kind: models.KindOHLCV, Required: true}}
}
func (s *scriptedEntry) Init(ctx *backtest.Context) error { return nil }
func (s *scriptedEntry) OnBar(ctx *backtest.Context) error {
	if ctx.Index != 0 {
		return nil
	}
	if s.all {
		if err := ctx.Broker.BuyAll(ctx.Bar.Close, ctx.Bar.Timestamp); err != nil {
			return err
		}
	} else if err := ctx.Broker.Buy(1, ctx.Bar.Close, ctx.Bar.Timestamp, "verify"); err != nil {
		return err
	}
	if s.sl > 0 || s.tp > 0 {
		ctx.Broker.SetStops(s.sl, s.tp)
	}
	return nil
}

func selfTests() []selfTest {
	return []selfTest{
		{name: "sma crossover round trip", run: verifySMACross},
		{name: "stop-loss fills at trigger", run: verifyStopLoss},
		{name: "stop-loss beats take-profit in one bar", run: verifyStopArbitration},
		{name: "liquidation preempts the bar", run: verifyLiquidation},
	}
}

func verifySMACross() error {
	bars := verifyBars([]float64{10, 11, 12, 13, 14, 13, 12, 11, 10, 11})
	eng, err := verifyEngine(backtest.Config{InitialCash: 1000, Leverage: 1, MaintenanceMarginRate: 0.005})
	if err != nil {
		return err
	}
	res, err := eng.Run(&backtest.SMACross{}, verifyDataset(bars), map[string]any{"fast": 2, "slow": 3})
	if err != nil {
		return err
	}
	if res.Metrics.NumTrades != 1 {
		return fmt.Errorf("trades = %d, want 1", res.Metrics.NumTrades)
	}
	if res.Trades[0].PnL < 0 {
		return fmt.Errorf("pnl = %g, want non-negative", res.Trades[0].PnL)
	}
	return nil
}

func verifyStopLoss() error {
	bars := verifyBars([]float64{100, 100})
	bars[1].Low, bars[1].High = 94, 101

	eng, err := verifyEngine(backtest.Config{InitialCash: 1000, Leverage: 1, MaintenanceMarginRate: 0.005})
	if err != nil {
		return err
	}
	res, err := eng.Run(&scriptedEntry{sl: 95}, verifyDataset(bars), nil)
	if err != nil {
		return err
	}
	if len(res.Trades) != 1 || res.Trades[0].ExitReason != "stop_loss" {
		return fmt.Errorf("trades = %+v, want one stop_loss exit", res.Trades)
	}
	if res.Trades[0].ExitPrice != 95 {
		return fmt.Errorf("exit = %g, want 95", res.Trades[0].ExitPrice)
	}
	if math.Abs(res.Trades[0].PnLPct - -0.05) > 1e-9 {
		return fmt.Errorf("pnl pct = %g, want -0.05", res.Trades[0].PnLPct)
	}
	return nil
}

func verifyStopArbitration() error {
	bars := verifyBars([]float64{100, 100})
	bars[1].Low, bars[1].High = 94, 111

	eng, err := verifyEngine(backtest.Config{InitialCash: 1000, Leverage: 1, MaintenanceMarginRate: 0.005})
	if err != nil {
		return err
	}
	res, err := eng.Run(&scriptedEntry{sl: 95, tp: 110}, verifyDataset(bars), nil)
	if err != nil {
		return err
	}
	if len(res.Trades) != 1 || res.Trades[0].ExitReason != "stop_loss" {
		return fmt.Errorf("trades = %+v, want the stop to win", res.Trades)
	}
	return nil
}

func verifyLiquidation() error {
	bars := verifyBars([]float64{100, 100})
	bars[1].Low = 88

	eng, err := verifyEngine(backtest.Config{InitialCash: 1000, Leverage: 10, MaintenanceMarginRate: 0.005})
	if err != nil {
		return err
	}
	res, err := eng.Run(&scriptedEntry{all: true}, verifyDataset(bars), nil)
	if err != nil {
		return err
	}
	if len(res.Trades) != 1 || !res.Trades[0].IsLiquidation {
		return fmt.Errorf("trades = %+v, want one liquidation", res.Trades)
	}
	if len(res.Liquidations) != 1 {
		return fmt.Errorf("liquidation events = %d, want 1", len(res.Liquidations))
	}
	return nil
}
