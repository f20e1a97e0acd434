package risk

import (
	"math"

	"github.com/openperp/perpquant/internal/analysis/technical"
	"github.com/openperp/perpquant/pkg/models"
)

// StopType selects how the stop-loss price is derived.
type StopType string

const (
	StopFixed    StopType = "fixed"
	StopATR      StopType = "atr"
	StopSupport  StopType = "support"
	StopTrailing StopType = "trailing"
)

// TakeProfitType selects how the take-profit price is derived.
type TakeProfitType string

const (
	TPFixed      TakeProfitType = "fixed"
	TPResistance TakeProfitType = "resistance"
	TPRiskReward TakeProfitType = "risk_reward"
	TPTrailing   TakeProfitType = "trailing"
)

// StopConfig tunes the dynamic stop manager.
type StopConfig struct {
	Type     StopType
	FixedPct float64 // fixed stop distance from entry

	ATRPeriod     int
	ATRMultiplier float64

	TrailingActivationPct float64 // profit needed before the trail arms
	TrailingDistancePct   float64 // distance the trail keeps from price

	TPType       TakeProfitType
	TPFixedPct   float64
	RiskReward   float64 // TP distance as a multiple of the SL distance
}

// DefaultStopConfig returns a fixed 2% stop with a 2:1 risk/reward target.
func DefaultStopConfig() StopConfig {
	return StopConfig{
		Type:                  StopFixed,
		FixedPct:              0.02,
		ATRPeriod:             14,
		ATRMultiplier:         2,
		TrailingActivationPct: 0.01,
		TrailingDistancePct:   0.01,
		TPType:                TPRiskReward,
		TPFixedPct:            0.04,
		RiskReward:            2,
	}
}

func (c StopConfig) validate() StopConfig {
	if c.Type == "" {
		c.Type = StopFixed
	}
	if c.TPType == "" {
		c.TPType = TPRiskReward
	}
	if c.FixedPct <= 0 {
		c.FixedPct = 0.02
	}
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = 14
	}
	if c.ATRMultiplier <= 0 {
		c.ATRMultiplier = 2
	}
	if c.TrailingDistancePct <= 0 {
		c.TrailingDistancePct = 0.01
	}
	if c.TPFixedPct <= 0 {
		c.TPFixedPct = 0.04
	}
	if c.RiskReward <= 0 {
		c.RiskReward = 2
	}
	return c
}

// StopManager computes per-bar SL/TP updates for an open position. One
// manager belongs to one run; it holds no cross-position state.
type StopManager struct {
	cfg StopConfig
}

func NewStopManager(cfg StopConfig) *StopManager {
	return &StopManager{cfg: cfg.validate()}
}

// Update recomputes SL/TP for the position against bar i and reports
// whether the bar's range crossed either one. Trailing stops only ratchet
// in the position's favour; a crossed SL always wins over a crossed TP.
func (m *StopManager) Update(pos *models.Position, bars []models.Bar, i int, levels []models.SRLevel) models.StopUpdate {
	var upd models.StopUpdate
	if pos == nil || !pos.IsOpen() || i < 0 || i >= len(bars) {
		return upd
	}
	bar := bars[i]

	sl := m.stopLoss(pos, bars, i, levels)
	if sl > 0 && sl != pos.StopLoss {
		upd.StopLoss = &sl
	} else {
		sl = pos.StopLoss
	}

	tp := m.takeProfit(pos, sl, levels)
	if tp > 0 && tp != pos.TakeProfit {
		upd.TakeProfit = &tp
	} else {
		tp = pos.TakeProfit
	}

	long := pos.Direction == models.Long
	switch {
	case sl > 0 && (long && bar.Low <= sl || !long && bar.High >= sl):
		upd.ShouldExit = true
		upd.ExitReason = "stop_loss"
	case tp > 0 && (long && bar.High >= tp || !long && bar.Low <= tp):
		upd.ShouldExit = true
		upd.ExitReason = "take_profit"
	}
	return upd
}

func (m *StopManager) stopLoss(pos *models.Position, bars []models.Bar, i int, levels []models.SRLevel) float64 {
	long := pos.Direction == models.Long
	entry := pos.EntryPrice

	switch m.cfg.Type {
	case StopATR:
		atr := technical.ATR(bars[:i+1], m.cfg.ATRPeriod)
		if atr == nil {
			return fixedStop(entry, m.cfg.FixedPct, long)
		}
		dist := m.cfg.ATRMultiplier * atr[i]
		if long {
			return entry - dist
		}
		return entry + dist

	case StopSupport:
		if long {
			if s := NearestSupport(entry, levels); s != nil {
				return s.Price
			}
		} else {
			if r := NearestResistance(entry, levels); r != nil {
				return r.Price
			}
		}
		return fixedStop(entry, m.cfg.FixedPct, long)

	case StopTrailing:
		return m.trail(pos, bars[i].Close)

	default:
		return fixedStop(entry, m.cfg.FixedPct, long)
	}
}

// trail arms once unrealized profit reaches the activation threshold, then
// follows the close at the trailing distance, never giving ground back.
func (m *StopManager) trail(pos *models.Position, close float64) float64 {
	long := pos.Direction == models.Long
	profit := pos.Direction.Sign() * (close - pos.EntryPrice) / pos.EntryPrice
	if profit < m.cfg.TrailingActivationPct {
		return pos.StopLoss
	}

	var candidate float64
	if long {
		candidate = close * (1 - m.cfg.TrailingDistancePct)
		return math.Max(candidate, pos.StopLoss)
	}
	candidate = close * (1 + m.cfg.TrailingDistancePct)
	if pos.StopLoss == 0 {
		return candidate
	}
	return math.Min(candidate, pos.StopLoss)
}

func (m *StopManager) takeProfit(pos *models.Position, sl float64, levels []models.SRLevel) float64 {
	long := pos.Direction == models.Long
	entry := pos.EntryPrice

	switch m.cfg.TPType {
	case TPResistance:
		if long {
			if r := NearestResistance(entry, levels); r != nil {
				return r.Price
			}
		} else {
			if s := NearestSupport(entry, levels); s != nil {
				return s.Price
			}
		}
		return fixedTP(entry, m.cfg.TPFixedPct, long)

	case TPRiskReward:
		if sl <= 0 {
			return fixedTP(entry, m.cfg.TPFixedPct, long)
		}
		dist := m.cfg.RiskReward * math.Abs(entry-sl)
		if long {
			return entry + dist
		}
		return entry - dist

	case TPTrailing:
		// The trailing exit lives on the stop side; a moving target on the
		// profit side would cancel the trail.
		target := fixedTP(pos.BestPrice, m.cfg.TPFixedPct, long)
		if pos.TakeProfit == 0 {
			return target
		}
		if long {
			return math.Max(target, pos.TakeProfit)
		}
		return math.Min(target, pos.TakeProfit)

	default:
		return fixedTP(entry, m.cfg.TPFixedPct, long)
	}
}

func fixedStop(entry, pct float64, long bool) float64 {
	if long {
		return entry * (1 - pct)
	}
	return entry * (1 + pct)
}

func fixedTP(entry, pct float64, long bool) float64 {
	if long {
		return entry * (1 + pct)
	}
	return entry * (1 - pct)
}
