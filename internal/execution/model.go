// Package execution is the optional realistic-cost overlay for backtests:
// maker/taker fee tiers, slippage models, funding accrual at the 8h
// boundaries, and liquidation-price refresh. When disabled every method is
// a no-op and the broker's flat fee rate stands alone.
package execution

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/openperp/perpquant/internal/broker"
	"github.com/openperp/perpquant/pkg/models"
)

// OrderType distinguishes orders for fee and slippage purposes. Market
// orders pay the taker rate and slip; limit orders pay the maker rate and
// fill at their price.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// SlippageModel names the price-impact model applied to market orders.
type SlippageModel string

const (
	SlipFixed        SlippageModel = "fixed"
	SlipAdaptive     SlippageModel = "adaptive"
	SlipVolumeTiered SlippageModel = "volume_weighted"
	SlipVolatility   SlippageModel = "volatility_adjusted"
)

// fundingInterval is the settlement cadence of perpetual contracts on the
// supported venues.
const fundingInterval = 8 * time.Hour

// vipDiscount maps a VIP tier to its fee multiplier, tier 0 first.
var vipDiscount = []float64{1.0, 0.9, 0.8, 0.7, 0.6, 0.5, 0.45, 0.4, 0.35, 0.3}

// VolumeTier sets the slippage for orders whose notional reaches Notional.
// Tiers are matched highest-first.
type VolumeTier struct {
	Notional float64 `json:"notional" yaml:"notional"`
	Bps      float64 `json:"bps"      yaml:"bps"`
}

// Config selects and parameterizes the overlay.
type Config struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	MakerFeeRate float64 `json:"maker_fee_rate" yaml:"maker_fee_rate"`
	TakerFeeRate float64 `json:"taker_fee_rate" yaml:"taker_fee_rate"`
	VIPTier      int     `json:"vip_tier"       yaml:"vip_tier"`

	Slippage     SlippageModel `json:"slippage_model" yaml:"slippage_model"`
	SlippageBps  float64       `json:"slippage_bps"   yaml:"slippage_bps"`
	ImpactRefPct float64       `json:"impact_ref_pct" yaml:"impact_ref_pct"` // adaptive: participation that doubles the base bps
	VolumeTiers  []VolumeTier  `json:"volume_tiers"   yaml:"volume_tiers"`
	VolBaseline  float64       `json:"vol_baseline"   yaml:"vol_baseline"` // volatility_adjusted reference vol

	AccrueFunding bool `json:"accrue_funding" yaml:"accrue_funding"`
}

// DefaultConfig returns Binance USDT-perp retail defaults with the overlay
// switched off.
func DefaultConfig() Config {
	return Config{
		MakerFeeRate: 0.0002,
		TakerFeeRate: 0.0004,
		Slippage:     SlipFixed,
		SlippageBps:  2,
		ImpactRefPct: 0.1,
		VolBaseline:  0.02,
	}
}

func (c Config) validate() (Config, error) {
	if c.MakerFeeRate < 0 || c.TakerFeeRate < 0 {
		return c, fmt.Errorf("execution: fee rates must be non-negative")
	}
	if c.VIPTier < 0 || c.VIPTier >= len(vipDiscount) {
		return c, fmt.Errorf("execution: vip tier must be in [0,%d]", len(vipDiscount)-1)
	}
	switch c.Slippage {
	case "", SlipFixed, SlipAdaptive, SlipVolumeTiered, SlipVolatility:
	default:
		return c, fmt.Errorf("execution: unknown slippage model %q", c.Slippage)
	}
	if c.SlippageBps < 0 {
		return c, fmt.Errorf("execution: slippage bps must be non-negative")
	}
	if c.ImpactRefPct <= 0 {
		c.ImpactRefPct = 0.1
	}
	if c.VolBaseline <= 0 {
		c.VolBaseline = 0.02
	}
	return c, nil
}

// Order is the nominal instruction a strategy produced, before costs.
type Order struct {
	Side  models.Direction
	Type  OrderType
	Size  float64
	Price float64
}

// Notional is the quote value of the order at its nominal price.
func (o Order) Notional() float64 { return o.Size * o.Price }

// Result is the order after the overlay has been applied.
type Result struct {
	FillPrice   float64
	FeeRate     float64
	Fee         float64 // on the filled notional
	SlippagePct float64 // signed fraction moved against the order
}

// Model applies the configured cost overlay to orders and positions.
type Model struct {
	cfg Config
}

func NewModel(cfg Config) (*Model, error) {
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	if cfg.Slippage == SlipVolumeTiered {
		sort.Slice(cfg.VolumeTiers, func(i, j int) bool {
			return cfg.VolumeTiers[i].Notional < cfg.VolumeTiers[j].Notional
		})
	}
	return &Model{cfg: cfg}, nil
}

// Enabled reports whether the overlay does anything at all.
func (m *Model) Enabled() bool { return m.cfg.Enabled }

// Apply prices one order: adverse slippage on the fill, then the fee on the
// filled notional. The bar supplies volume for impact models; currentVol is
// the recent per-bar return volatility for the volatility model.
func (m *Model) Apply(o Order, bar models.Bar, currentVol float64) Result {
	if !m.cfg.Enabled {
		return Result{FillPrice: o.Price}
	}

	slip := 0.0
	if o.Type != Limit {
		slip = m.slippagePct(o, bar, currentVol)
	}
	fill := o.Price
	if o.Side == models.Long {
		fill *= 1 + slip
	} else {
		fill *= 1 - slip
	}

	rate := m.FeeRate(o.Type)
	return Result{
		FillPrice:   fill,
		FeeRate:     rate,
		Fee:         o.Size * fill * rate,
		SlippagePct: slip,
	}
}

// FeeRate returns the per-notional fee for the order type at the configured
// VIP tier.
func (m *Model) FeeRate(t OrderType) float64 {
	if !m.cfg.Enabled {
		return 0
	}
	rate := m.cfg.TakerFeeRate
	if t == Limit {
		rate = m.cfg.MakerFeeRate
	}
	return rate * vipDiscount[m.cfg.VIPTier]
}

func (m *Model) slippagePct(o Order, bar models.Bar, currentVol float64) float64 {
	base := m.cfg.SlippageBps / 10000
	switch m.cfg.Slippage {
	case SlipAdaptive:
		// Impact grows with the order's share of the bar's volume. An order
		// taking ImpactRefPct of the bar doubles the base cost.
		if bar.Volume <= 0 {
			return base
		}
		participation := o.Size / bar.Volume
		return base * (1 + participation/m.cfg.ImpactRefPct)

	case SlipVolumeTiered:
		notional := o.Notional()
		bps := m.cfg.SlippageBps
		for _, tier := range m.cfg.VolumeTiers {
			if notional >= tier.Notional {
				bps = tier.Bps
			}
		}
		return bps / 10000

	case SlipVolatility:
		if currentVol <= 0 {
			return base
		}
		return base * currentVol / m.cfg.VolBaseline
	}
	return base
}

// ════════════════════════════════════════════════════════════════════
// Funding accrual
// ════════════════════════════════════════════════════════════════════

// SettleFunding applies funding payments for every 8h boundary crossed in
// (from, to] while the broker holds a position. The payment per boundary is
// notional times the prevailing rate, paid by longs when the rate is
// positive. Returns the total amount charged to the account.
func (m *Model) SettleFunding(b *broker.SimBroker, funding []models.FundingPoint, from, to time.Time, markPrice float64) float64 {
	if !m.cfg.Enabled || !m.cfg.AccrueFunding || len(funding) == 0 {
		return 0
	}
	pos := b.Position()
	if pos == nil {
		return 0
	}

	total := 0.0
	for boundary := nextBoundary(from); !boundary.After(to); boundary = boundary.Add(fundingInterval) {
		rate, ok := rateAt(funding, boundary)
		if !ok {
			continue
		}
		payment := pos.Size * markPrice * rate * pos.Direction.Sign()
		b.ApplyFunding(payment)
		total += payment
	}
	return total
}

// RefreshLiquidation recomputes the broker's stored liquidation price. The
// engine calls it after any position mutation when the overlay is active.
func (m *Model) RefreshLiquidation(b *broker.SimBroker) {
	if m.cfg.Enabled {
		b.RefreshLiquidationPrice()
	}
}

// nextBoundary returns the first funding settlement strictly after t.
// Settlements land on 00:00, 08:00, and 16:00 UTC.
func nextBoundary(t time.Time) time.Time {
	b := t.UTC().Truncate(fundingInterval)
	for !b.After(t) {
		b = b.Add(fundingInterval)
	}
	return b
}

// rateAt returns the most recent funding rate at or before t.
func rateAt(funding []models.FundingPoint, t time.Time) (float64, bool) {
	idx := sort.Search(len(funding), func(i int) bool {
		return funding[i].Timestamp.After(t)
	})
	if idx == 0 {
		return 0, false
	}
	rate := funding[idx-1].Rate
	if math.IsNaN(rate) {
		return 0, false
	}
	return rate, true
}
