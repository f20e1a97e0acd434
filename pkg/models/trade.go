package models

import (
	"math"
	"time"
)

var inf = math.Inf(1)

// Direction represents the side of a position or trade.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	Flat  Direction = "flat"
)

// Sign returns +1 for long, -1 for short, 0 for flat.
func (d Direction) Sign() float64 {
	switch d {
	case Long:
		return 1
	case Short:
		return -1
	}
	return 0
}

// Trade is one completed round trip recorded by the broker at close time.
type Trade struct {
	EntryTime     time.Time `json:"entry_time"`
	ExitTime      time.Time `json:"exit_time"`
	Direction     Direction `json:"direction"`
	EntryPrice    float64   `json:"entry_price"`
	ExitPrice     float64   `json:"exit_price"`
	Size          float64   `json:"size"`     // base-asset quantity
	Leverage      float64   `json:"leverage"`
	Fee           float64   `json:"fee"`      // total fees, open + close
	PnL           float64   `json:"pnl"`      // absolute, net of fees
	PnLPct        float64   `json:"pnl_pct"`  // relative to entry margin
	EntryReason   string    `json:"entry_reason"`
	ExitReason    string    `json:"exit_reason"`
	HoldingBars   int       `json:"holding_bars"`
	MAEPct        float64   `json:"mae_pct"` // maximum adverse excursion
	MFEPct        float64   `json:"mfe_pct"` // maximum favourable excursion
	EquityAfter   float64   `json:"equity_after"`
	IsLiquidation bool      `json:"is_liquidation"`
}

// Position is the broker's single open position. Direction == Flat iff
// Size == 0.
type Position struct {
	Direction  Direction `json:"direction"`
	EntryPrice float64   `json:"entry_price"`
	Size       float64   `json:"size"`
	Leverage   float64   `json:"leverage"`
	EntryTime  time.Time `json:"entry_time"`
	EntryBar   int       `json:"entry_bar"`
	StopLoss   float64   `json:"stop_loss,omitempty"`   // 0 = unset
	TakeProfit float64   `json:"take_profit,omitempty"` // 0 = unset
	LiqPrice   float64   `json:"liq_price,omitempty"`
	EntryReason string   `json:"entry_reason,omitempty"`

	// Intrabar extremes since entry, for MAE/MFE accounting.
	WorstPrice float64 `json:"-"`
	BestPrice  float64 `json:"-"`
}

// IsOpen reports whether the position holds any size.
func (p *Position) IsOpen() bool {
	return p != nil && p.Size > 0 && p.Direction != Flat
}

// UnrealizedPnL returns the mark-to-market profit at the given price.
func (p *Position) UnrealizedPnL(price float64) float64 {
	if !p.IsOpen() {
		return 0
	}
	if p.Direction == Long {
		return p.Size * (price - p.EntryPrice)
	}
	return p.Size * (p.EntryPrice - price)
}

// EquityPoint is one mark-to-market sample on the equity curve.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// LiquidationEvent records a forced position closure.
type LiquidationEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Direction Direction `json:"direction"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Loss      float64   `json:"loss"`
}

// Metrics holds the performance statistics of one backtest.
// Division-guarded fields use NaN (undefined) or +Inf as documented.
type Metrics struct {
	TotalReturn       float64 `json:"total_return"`       // fraction of initial cash
	AnnualizedReturn  float64 `json:"annualized_return"`
	MaxDrawdown       float64 `json:"max_drawdown"`        // fraction, peak-to-trough
	MaxDrawdownBars   int     `json:"max_drawdown_bars"`   // longest underwater stretch
	Volatility        float64 `json:"volatility"`          // per-bar stddev of returns
	AnnualizedVol     float64 `json:"annualized_volatility"`
	SharpeRatio       float64 `json:"sharpe_ratio"`
	SortinoRatio      float64 `json:"sortino_ratio"`
	CalmarRatio       float64 `json:"calmar_ratio"`
	VaR95             float64 `json:"var_95"`
	VaR99             float64 `json:"var_99"`
	CVaR95            float64 `json:"cvar_95"`
	CVaR99            float64 `json:"cvar_99"`
	NumTrades         int     `json:"num_trades"`
	WinRate           float64 `json:"win_rate"` // fraction in [0,1], NaN if no trades
	AvgWin            float64 `json:"avg_win"`
	AvgLoss           float64 `json:"avg_loss"` // reported as a positive magnitude
	WinLossRatio      float64 `json:"win_loss_ratio"`
	ProfitFactor      float64 `json:"profit_factor"` // NaN if no trades, +Inf if no losses
	Expectancy        float64 `json:"expectancy"`
	MaxConsecWins     int     `json:"max_consecutive_wins"`
	MaxConsecLosses   int     `json:"max_consecutive_losses"`
	NumLiquidations   int     `json:"num_liquidations"`
	FeesPaid          float64 `json:"fees_paid"`
	FundingPaid       float64 `json:"funding_paid"`
}

// Metric returns a named metric value for experiment ranking.
func (m *Metrics) Metric(name string) (float64, bool) {
	switch name {
	case "total_return":
		return m.TotalReturn, true
	case "annualized_return":
		return m.AnnualizedReturn, true
	case "max_drawdown":
		return m.MaxDrawdown, true
	case "sharpe_ratio":
		return m.SharpeRatio, true
	case "sortino_ratio":
		return m.SortinoRatio, true
	case "calmar_ratio":
		return m.CalmarRatio, true
	case "profit_factor":
		return m.ProfitFactor, true
	case "win_rate":
		return m.WinRate, true
	case "expectancy":
		return m.Expectancy, true
	case "num_trades":
		return float64(m.NumTrades), true
	}
	return 0, false
}

// BacktestResult bundles everything one run produces.
type BacktestResult struct {
	StrategyID  string             `json:"strategy_id"`
	Symbol      string             `json:"symbol"`
	Timeframe   Timeframe          `json:"timeframe"`
	Params      Params             `json:"params,omitempty"`
	InitialCash float64            `json:"initial_cash"`
	FinalCash   float64            `json:"final_cash"`
	FinalEquity float64            `json:"final_equity"`
	EquityCurve []EquityPoint      `json:"equity_curve"`
	Trades      []Trade            `json:"trades"`
	Liquidations []LiquidationEvent `json:"liquidations,omitempty"`
	Metrics     Metrics            `json:"metrics"`
}

// StrategyMetadata describes a registered strategy.
type StrategyMetadata struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Category     string   `json:"category"` // "trend", "mean_reversion", "carry", ...
	Description  string   `json:"description"`
	Author       string   `json:"author,omitempty"`
	CreatedDate  string   `json:"created_date,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}
