package risk

import (
	"fmt"
	"math"

	"github.com/openperp/perpquant/pkg/models"
)

// SizerConfig bounds every sizing method.
type SizerConfig struct {
	MaxPositionPct float64 // cap on notional as a fraction of equity, pre-leverage
	MaxLeverage    float64
	KellyFraction  float64 // multiplier applied to the raw kelly fraction
}

// DefaultSizerConfig allows full-equity positions at 1x with quarter-kelly.
func DefaultSizerConfig() SizerConfig {
	return SizerConfig{
		MaxPositionPct: 1.0,
		MaxLeverage:    1,
		KellyFraction:  0.25,
	}
}

func (c SizerConfig) validate() SizerConfig {
	if c.MaxPositionPct <= 0 {
		c.MaxPositionPct = 1.0
	}
	if c.MaxLeverage < 1 {
		c.MaxLeverage = 1
	}
	if c.KellyFraction <= 0 {
		c.KellyFraction = 0.25
	}
	return c
}

// SizeInput carries the per-order facts a sizing method needs. Fields not
// used by the selected method are ignored.
type SizeInput struct {
	Balance  float64
	Entry    float64
	StopLoss float64 // 0 means no stop attached
	Method   models.SizingMethod

	Amount       float64 // fixed_amount: quote-currency notional
	RiskPct      float64 // fixed_risk: fraction of balance at risk
	WinRate      float64 // kelly
	WinLossRatio float64 // kelly: avg_win / avg_loss
	TargetVol    float64 // volatility_adjusted
	CurrentVol   float64 // volatility_adjusted
	EquityPct    float64 // equity_percentage and the vol-adjusted base
}

// Sizer converts account state and method parameters into a position size.
type Sizer struct {
	cfg SizerConfig
}

func NewSizer(cfg SizerConfig) *Sizer {
	return &Sizer{cfg: cfg.validate()}
}

// Size computes the position for the input, clamped so the notional never
// exceeds max_position_pct of equity times max_leverage.
func (s *Sizer) Size(in SizeInput) (models.PositionSize, error) {
	if in.Balance <= 0 || in.Entry <= 0 {
		return models.PositionSize{}, fmt.Errorf("size: balance and entry must be positive (balance=%g entry=%g)", in.Balance, in.Entry)
	}

	var notional float64
	switch in.Method {
	case models.SizeFixedAmount:
		notional = in.Amount

	case models.SizeFixedRisk:
		dist := math.Abs(in.Entry - in.StopLoss)
		if in.StopLoss <= 0 || dist == 0 {
			return models.PositionSize{}, fmt.Errorf("size: fixed_risk needs a stop away from entry (entry=%g sl=%g)", in.Entry, in.StopLoss)
		}
		riskPct := in.RiskPct
		if riskPct <= 0 {
			riskPct = 0.01
		}
		notional = in.Balance * riskPct / dist * in.Entry

	case models.SizeKelly:
		notional = in.Balance * s.kellyFraction(in.WinRate, in.WinLossRatio)

	case models.SizeVolAdjusted:
		base := in.EquityPct
		if base <= 0 {
			base = 1.0
		}
		scale := 1.0
		if in.CurrentVol > 0 && in.TargetVol > 0 {
			scale = in.TargetVol / in.CurrentVol
		}
		notional = in.Balance * base * scale

	case models.SizeEquityPct:
		if in.EquityPct <= 0 {
			return models.PositionSize{}, fmt.Errorf("size: equity_percentage needs a positive fraction")
		}
		notional = in.Balance * in.EquityPct

	default:
		return models.PositionSize{}, fmt.Errorf("size: unknown method %q", in.Method)
	}

	out := models.PositionSize{Method: in.Method}
	maxNotional := in.Balance * s.cfg.MaxPositionPct * s.cfg.MaxLeverage
	if notional > maxNotional {
		notional = maxNotional
		out.Clamped = true
	}
	if notional < 0 {
		notional = 0
		out.Clamped = true
	}

	out.Notional = notional
	out.Size = notional / in.Entry
	if in.StopLoss > 0 {
		out.RiskAmount, out.RiskPct = PositionRisk(out.Size, in.Entry, in.StopLoss, in.Balance)
	}
	return out, nil
}

// kellyFraction returns the capped kelly bet fraction, never negative.
func (s *Sizer) kellyFraction(winRate, winLossRatio float64) float64 {
	if winLossRatio <= 0 || winRate <= 0 {
		return 0
	}
	f := winRate - (1-winRate)/winLossRatio
	if f <= 0 {
		return 0
	}
	f *= s.cfg.KellyFraction
	return math.Min(f, s.cfg.MaxPositionPct)
}
