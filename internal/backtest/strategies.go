package backtest

import (
	"fmt"

	"github.com/openperp/perpquant/internal/analysis/technical"
	"github.com/openperp/perpquant/internal/risk"
	"github.com/openperp/perpquant/pkg/models"
)

func init() {
	mustRegister(func() Strategy { return &SMACross{} })
	mustRegister(func() Strategy { return &RSIReversion{} })
	mustRegister(func() Strategy { return &FundingCarry{} })
	mustRegister(func() Strategy { return &SRBreakout{} })
}

func f64(v float64) *float64 { return &v }

// ════════════════════════════════════════════════════════════════════
// SMACross: long while the fast SMA is above the slow SMA
// ════════════════════════════════════════════════════════════════════

type SMACross struct{}

func (s *SMACross) ID() string { return "sma_cross" }

func (s *SMACross) Metadata() models.StrategyMetadata {
	return models.StrategyMetadata{
		Name:        "SMA Crossover",
		Version:     "1.0",
		Category:    "trend",
		Description: "Holds a long while the fast simple moving average is above the slow one.",
		Tags:        []string{"moving-average", "long-only"},
	}
}

func (s *SMACross) Parameters() map[string]models.ParameterSpec {
	return map[string]models.ParameterSpec{
		"fast": {Kind: models.ParamInt, Default: 10, Min: f64(2), Max: f64(500), Description: "fast SMA period"},
		"slow": {Kind: models.ParamInt, Default: 30, Min: f64(3), Max: f64(1000), Description: "slow SMA period"},
	}
}

func (s *SMACross) ValidateParams(params models.Params) error {
	if params.Int("fast", 0) >= params.Int("slow", 0) {
		return &models.ErrInvalidParameter{Name: "fast", Detail: "fast period must be below slow period"}
	}
	return nil
}

func (s *SMACross) DataRequirements() []models.DataRequirement {
	return []models.DataRequirement{
		{Kind: models.KindOHLCV, Required: true, Lookback: 1000},
	}
}

func (s *SMACross) ComputeSignals(data *models.Dataset, params models.Params) ([]int, error) {
	closes := technical.Closes(data.OHLCV)
	fast := technical.SMA(closes, params.Int("fast", 10))
	slow := technical.SMA(closes, params.Int("slow", 30))

	signals := make([]int, len(closes))
	if fast == nil || slow == nil {
		return signals, nil
	}
	warm := params.Int("slow", 30) - 1
	for i := warm; i < len(closes); i++ {
		if fast[i] > slow[i] {
			signals[i] = 1
		}
	}
	return signals, nil
}

// ════════════════════════════════════════════════════════════════════
// RSIReversion: buy oversold dips, sell once momentum recovers
// ════════════════════════════════════════════════════════════════════

type RSIReversion struct{}

func (s *RSIReversion) ID() string { return "rsi_reversion" }

func (s *RSIReversion) Metadata() models.StrategyMetadata {
	return models.StrategyMetadata{
		Name:        "RSI Mean Reversion",
		Version:     "1.0",
		Category:    "mean_reversion",
		Description: "Enters long when RSI drops below the oversold bound and exits above the overbought bound.",
		Tags:        []string{"rsi", "long-only"},
	}
}

func (s *RSIReversion) Parameters() map[string]models.ParameterSpec {
	return map[string]models.ParameterSpec{
		"period":     {Kind: models.ParamInt, Default: 14, Min: f64(2), Max: f64(200), Description: "RSI period"},
		"oversold":   {Kind: models.ParamFloat, Default: 30.0, Min: f64(1), Max: f64(99), Description: "entry bound"},
		"overbought": {Kind: models.ParamFloat, Default: 70.0, Min: f64(1), Max: f64(99), Description: "exit bound"},
	}
}

func (s *RSIReversion) ValidateParams(params models.Params) error {
	if params.Float("oversold", 0) >= params.Float("overbought", 100) {
		return &models.ErrInvalidParameter{Name: "oversold", Detail: "oversold bound must be below overbought bound"}
	}
	return nil
}

func (s *RSIReversion) DataRequirements() []models.DataRequirement {
	return []models.DataRequirement{
		{Kind: models.KindOHLCV, Required: true, Lookback: 500},
	}
}

func (s *RSIReversion) Init(ctx *Context) error {
	closes := technical.Closes(ctx.Data.OHLCV)
	ctx.Set("rsi", technical.RSI(closes, ctx.Params.Int("period", 14)))
	return nil
}

func (s *RSIReversion) OnBar(ctx *Context) error {
	rsi := ctx.Floats("rsi")
	period := ctx.Params.Int("period", 14)
	if rsi == nil || ctx.Index < period {
		return nil
	}

	pos := ctx.Broker.Position()
	switch {
	case pos == nil && rsi[ctx.Index] < ctx.Params.Float("oversold", 30):
		return ignoreInsufficient(ctx.Broker.BuyAll(ctx.Bar.Close, ctx.Bar.Timestamp))
	case pos != nil && pos.Direction == models.Long && rsi[ctx.Index] > ctx.Params.Float("overbought", 70):
		return ctx.Broker.Close(ctx.Bar.Close, ctx.Bar.Timestamp, "signal")
	}
	return nil
}

// ════════════════════════════════════════════════════════════════════
// FundingCarry: fade extreme funding rates
// ════════════════════════════════════════════════════════════════════

// FundingCarry shorts when longs pay heavily for leverage and goes long
// when shorts do, collecting the funding transfer while positioning
// against the crowd.
type FundingCarry struct{}

func (s *FundingCarry) ID() string { return "funding_carry" }

func (s *FundingCarry) Metadata() models.StrategyMetadata {
	return models.StrategyMetadata{
		Name:        "Funding Rate Carry",
		Version:     "1.0",
		Category:    "carry",
		Description: "Takes the position that collects funding whenever the rate is beyond a threshold.",
		Tags:        []string{"funding", "perp"},
	}
}

func (s *FundingCarry) Parameters() map[string]models.ParameterSpec {
	return map[string]models.ParameterSpec{
		"threshold": {Kind: models.ParamFloat, Default: 0.0005, Min: f64(0), Max: f64(0.01), Description: "absolute funding rate that triggers a position"},
	}
}

func (s *FundingCarry) DataRequirements() []models.DataRequirement {
	return []models.DataRequirement{
		{Kind: models.KindOHLCV, Required: true, Lookback: 500},
		{Kind: models.KindFundingRate, Required: true, Lookback: 500},
	}
}

func (s *FundingCarry) ComputeSignals(data *models.Dataset, params models.Params) ([]int, error) {
	funding := data.Perp.Funding
	if len(funding) == 0 {
		return nil, fmt.Errorf("funding_carry: dataset carries no funding series")
	}
	threshold := params.Float("threshold", 0.0005)

	signals := make([]int, len(data.OHLCV))
	j := -1 // index of the latest funding point at or before the bar
	for i, bar := range data.OHLCV {
		for j+1 < len(funding) && !funding[j+1].Timestamp.After(bar.Timestamp) {
			j++
		}
		if j < 0 {
			continue
		}
		switch rate := funding[j].Rate; {
		case rate > threshold:
			signals[i] = -1 // shorts collect
		case rate < -threshold:
			signals[i] = 1 // longs collect
		}
	}
	return signals, nil
}

// ════════════════════════════════════════════════════════════════════
// SRBreakout: trade closes through detected support/resistance
// ════════════════════════════════════════════════════════════════════

type SRBreakout struct{}

func (s *SRBreakout) ID() string { return "sr_breakout" }

func (s *SRBreakout) Metadata() models.StrategyMetadata {
	return models.StrategyMetadata{
		Name:        "Support/Resistance Breakout",
		Version:     "1.0",
		Category:    "breakout",
		Description: "Opens with the move when price closes through a detected level; the broken level becomes the stop.",
		Tags:        []string{"support-resistance", "breakout"},
	}
}

func (s *SRBreakout) Parameters() map[string]models.ParameterSpec {
	return map[string]models.ParameterSpec{
		"lookback": {Kind: models.ParamInt, Default: 50, Min: f64(10), Max: f64(1000), Description: "bars of history scanned for levels"},
		"window":   {Kind: models.ParamInt, Default: 5, Min: f64(2), Max: f64(50), Description: "extremum dominance window"},
	}
}

func (s *SRBreakout) DataRequirements() []models.DataRequirement {
	return []models.DataRequirement{
		{Kind: models.KindOHLCV, Required: true, Lookback: 1000},
		{Kind: models.KindOpenInterest, Required: false, Lookback: 1000},
		{Kind: models.KindFundingRate, Required: false, Lookback: 1000},
	}
}

func (s *SRBreakout) Init(ctx *Context) error {
	cfg := risk.DefaultDetectorConfig()
	cfg.Window = ctx.Params.Int("window", 5)
	ctx.Set("detector", risk.NewDetector(cfg))
	return nil
}

func (s *SRBreakout) OnBar(ctx *Context) error {
	detAny, _ := ctx.Get("detector")
	det, ok := detAny.(*risk.Detector)
	if !ok {
		return fmt.Errorf("sr_breakout: detector missing from context")
	}

	i := ctx.Index
	close := ctx.Bar.Close

	// Breakouts are judged against the levels known before this bar.
	prevRes, _ := ctx.Get("prev_res")
	prevSup, _ := ctx.Get("prev_sup")

	if ctx.Broker.Position() == nil {
		if res, ok := prevRes.(float64); ok && res > 0 && close > res {
			if err := ignoreInsufficient(ctx.Broker.BuyAll(close, ctx.Bar.Timestamp)); err != nil {
				return err
			}
			// The broken resistance now acts as support under the trade.
			ctx.Broker.SetStops(res, 0)
		} else if sup, ok := prevSup.(float64); ok && sup > 0 && close < sup {
			if err := ignoreInsufficient(ctx.Broker.ShortAll(close, ctx.Bar.Timestamp)); err != nil {
				return err
			}
			ctx.Broker.SetStops(sup, 0)
		}
	}

	start := i + 1 - ctx.Params.Int("lookback", 50)
	if start < 0 {
		start = 0
	}
	sub := models.Dataset{
		Symbol:    ctx.Data.Symbol,
		Timeframe: ctx.Data.Timeframe,
		OHLCV:     ctx.Data.OHLCV[start : i+1],
		Perp:      ctx.Data.Perp,
	}
	levels := det.Detect(&sub)

	if res := risk.NearestResistance(close, levels); res != nil {
		ctx.Set("prev_res", res.Price)
	}
	if sup := risk.NearestSupport(close, levels); sup != nil {
		ctx.Set("prev_sup", sup.Price)
	}
	return nil
}
