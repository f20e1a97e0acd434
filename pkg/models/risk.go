package models

// SRLevelType classifies a support/resistance level.
type SRLevelType string

const (
	LevelSupport    SRLevelType = "support"
	LevelResistance SRLevelType = "resistance"
	LevelBoth       SRLevelType = "both"
)

// SRLevel is one detected support/resistance price level.
type SRLevel struct {
	Price        float64     `json:"price"`
	Type         SRLevelType `json:"type"`
	Strength     float64     `json:"strength"` // [0,1]
	Touches      int         `json:"touches"`
	VolumeScore  float64     `json:"volume_score,omitempty"`
	OIScore      float64     `json:"oi_score,omitempty"`
	FundingScore float64     `json:"funding_score,omitempty"`
}

// StopUpdate is the dynamic stop manager's per-bar verdict for an open
// position. Nil pointers mean "leave unchanged".
type StopUpdate struct {
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
	ShouldExit bool     `json:"should_exit"`
	ExitReason string   `json:"exit_reason,omitempty"`
}

// RiskMetrics is the portfolio-level risk bundle computed from one or more
// return series.
type RiskMetrics struct {
	Volatility       float64              `json:"volatility"`
	AnnualizedVol    float64              `json:"annualized_volatility"`
	SharpeRatio      float64              `json:"sharpe_ratio"`
	SortinoRatio     float64              `json:"sortino_ratio"`
	MaxDrawdown      float64              `json:"max_drawdown"`
	VaR95            float64              `json:"var_95"`
	CVaR95           float64              `json:"cvar_95"`
	Beta             float64              `json:"beta,omitempty"`
	InformationRatio float64              `json:"information_ratio,omitempty"`
	Correlations     map[string]map[string]float64 `json:"correlations,omitempty"`
}

// SizingMethod selects the position-sizing formula.
type SizingMethod string

const (
	SizeFixedAmount   SizingMethod = "fixed_amount"
	SizeFixedRisk     SizingMethod = "fixed_risk"
	SizeKelly         SizingMethod = "kelly"
	SizeVolAdjusted   SizingMethod = "volatility_adjusted"
	SizeEquityPct     SizingMethod = "equity_percentage"
)

// PositionSize is the sizer's output.
type PositionSize struct {
	Size       float64      `json:"size"`        // base-asset quantity
	Notional   float64      `json:"notional"`    // size * entry
	RiskAmount float64      `json:"risk_amount"` // loss if stopped out
	RiskPct    float64      `json:"risk_pct"`    // of account balance
	Method     SizingMethod `json:"method"`
	Clamped    bool         `json:"clamped"` // hit max position / leverage cap
}
