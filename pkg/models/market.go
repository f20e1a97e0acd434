// Package models defines the core data structures used throughout perpquant.
package models

import (
	"fmt"
	"time"
)

// Bar represents a single OHLCV candlestick on a fixed timeframe.
// Timestamps are UTC instants at the bar's open.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Valid reports whether the bar satisfies the OHLC invariants:
// low ≤ min(open,close) ≤ max(open,close) ≤ high, low > 0, volume ≥ 0.
func (b Bar) Valid() bool {
	if b.Low <= 0 || b.Volume < 0 {
		return false
	}
	lo, hi := b.Open, b.Close
	if lo > hi {
		lo, hi = hi, lo
	}
	return b.Low <= lo && hi <= b.High
}

// Timeframe represents the bar interval of an OHLCV series.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

// Timeframes lists all supported timeframes in ascending interval order.
func Timeframes() []Timeframe {
	return []Timeframe{TF1m, TF5m, TF15m, TF1h, TF4h, TF1d}
}

// Duration returns the nominal bar interval, or 0 for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF1m:
		return time.Minute
	case TF5m:
		return 5 * time.Minute
	case TF15m:
		return 15 * time.Minute
	case TF1h:
		return time.Hour
	case TF4h:
		return 4 * time.Hour
	case TF1d:
		return 24 * time.Hour
	}
	return 0
}

// BarsPerYear returns the number of bars in a 365-day year for this timeframe.
func (tf Timeframe) BarsPerYear() float64 {
	d := tf.Duration()
	if d <= 0 {
		return 0
	}
	return (365 * 24 * time.Hour).Seconds() / d.Seconds()
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	for _, tf := range Timeframes() {
		if string(tf) == s {
			return tf, nil
		}
	}
	return "", fmt.Errorf("unknown timeframe %q (supported: 1m 5m 15m 1h 4h 1d)", s)
}

// SeriesKind identifies the type of a time series the pipeline can serve.
type SeriesKind string

const (
	KindOHLCV          SeriesKind = "ohlcv"
	KindFundingRate    SeriesKind = "funding_rate"
	KindOpenInterest   SeriesKind = "open_interest"
	KindBasis          SeriesKind = "basis"
	KindLiquidations   SeriesKind = "liquidations"
	KindLongShortRatio SeriesKind = "long_short_ratio"
)

// FundingPoint is one funding-rate observation (8h cadence on most venues).
// Rate is a signed fraction (e.g. 0.0001 = 1bp per interval).
type FundingPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Rate      float64   `json:"rate"`
}

// OIPoint is one open-interest observation, in contracts or quote notional
// as reported by the venue.
type OIPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// BasisPoint is one basis observation: perp price minus spot price, with the
// same difference expressed as a fraction of spot.
type BasisPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Basis     float64   `json:"basis"`
	BasisPct  float64   `json:"basis_pct"`
}

// LiquidationPoint aggregates forced-closure volume in one interval.
type LiquidationPoint struct {
	Timestamp  time.Time `json:"timestamp"`
	BuyVolume  float64   `json:"buy_volume"`  // shorts liquidated
	SellVolume float64   `json:"sell_volume"` // longs liquidated
}

// LSRPoint is one long/short ratio observation. LongPct and ShortPct are
// each in [0,1] and sum to a positive total.
type LSRPoint struct {
	Timestamp time.Time `json:"timestamp"`
	LongPct   float64   `json:"long_pct"`
	ShortPct  float64   `json:"short_pct"`
}

// Ratio returns long/short, or +Inf when ShortPct is zero and LongPct is not.
func (p LSRPoint) Ratio() float64 {
	if p.ShortPct == 0 {
		if p.LongPct == 0 {
			return 0
		}
		return inf
	}
	return p.LongPct / p.ShortPct
}

// Series is a typed time-indexed sequence with its provenance. Exactly one
// of the data slices is populated, matching Kind.
type Series struct {
	Kind     SeriesKind `json:"kind"`
	Symbol   string     `json:"symbol"`   // canonical BASE/QUOTE
	Exchange string     `json:"exchange"` // "binance", "bybit", "okx", "composite"
	Cadence  string     `json:"cadence"`  // timeframe for OHLCV, native cadence otherwise (e.g. "8h")
	Start    time.Time  `json:"start"`
	End      time.Time  `json:"end"`

	Bars         []Bar              `json:"bars,omitempty"`
	Funding      []FundingPoint     `json:"funding,omitempty"`
	OpenInterest []OIPoint          `json:"open_interest,omitempty"`
	Basis        []BasisPoint       `json:"basis,omitempty"`
	Liquidations []LiquidationPoint `json:"liquidations,omitempty"`
	LongShort    []LSRPoint         `json:"long_short,omitempty"`
}

// Len returns the number of points in whichever slice matches Kind.
func (s *Series) Len() int {
	switch s.Kind {
	case KindOHLCV:
		return len(s.Bars)
	case KindFundingRate:
		return len(s.Funding)
	case KindOpenInterest:
		return len(s.OpenInterest)
	case KindBasis:
		return len(s.Basis)
	case KindLiquidations:
		return len(s.Liquidations)
	case KindLongShortRatio:
		return len(s.LongShort)
	}
	return 0
}

// Timestamps returns the timestamp column of the series.
func (s *Series) Timestamps() []time.Time {
	out := make([]time.Time, 0, s.Len())
	switch s.Kind {
	case KindOHLCV:
		for _, p := range s.Bars {
			out = append(out, p.Timestamp)
		}
	case KindFundingRate:
		for _, p := range s.Funding {
			out = append(out, p.Timestamp)
		}
	case KindOpenInterest:
		for _, p := range s.OpenInterest {
			out = append(out, p.Timestamp)
		}
	case KindBasis:
		for _, p := range s.Basis {
			out = append(out, p.Timestamp)
		}
	case KindLiquidations:
		for _, p := range s.Liquidations {
			out = append(out, p.Timestamp)
		}
	case KindLongShortRatio:
		for _, p := range s.LongShort {
			out = append(out, p.Timestamp)
		}
	}
	return out
}

// DataRequirement declares one series a strategy needs.
type DataRequirement struct {
	Kind     SeriesKind `json:"kind"`
	Timefr   Timeframe  `json:"timeframe,omitempty"` // OHLCV only; other kinds use native cadence
	Lookback int        `json:"lookback_periods"`
	Required bool       `json:"required"`
}

// Dataset is the materialized bundle the pipeline hands to the engine:
// one series per requested kind. OHLCV is always present for a runnable
// backtest; perpetual series are optional.
type Dataset struct {
	Symbol    string     `json:"symbol"`
	Exchange  string     `json:"exchange"`
	Timeframe Timeframe  `json:"timeframe"`
	OHLCV     []Bar      `json:"ohlcv"`
	Perp      PerpSeries `json:"perp"`
}

// PerpSeries bundles the perpetual-contract series of a dataset.
type PerpSeries struct {
	Funding      []FundingPoint     `json:"funding,omitempty"`
	OpenInterest []OIPoint          `json:"open_interest,omitempty"`
	Basis        []BasisPoint       `json:"basis,omitempty"`
	Liquidations []LiquidationPoint `json:"liquidations,omitempty"`
	LongShort    []LSRPoint         `json:"long_short,omitempty"`
}

// Has reports whether the dataset carries a non-empty series of the kind.
func (d *Dataset) Has(kind SeriesKind) bool {
	switch kind {
	case KindOHLCV:
		return len(d.OHLCV) > 0
	case KindFundingRate:
		return len(d.Perp.Funding) > 0
	case KindOpenInterest:
		return len(d.Perp.OpenInterest) > 0
	case KindBasis:
		return len(d.Perp.Basis) > 0
	case KindLiquidations:
		return len(d.Perp.Liquidations) > 0
	case KindLongShortRatio:
		return len(d.Perp.LongShort) > 0
	}
	return false
}

// Attach stores a loaded series in the dataset slot matching its kind.
func (d *Dataset) Attach(s *Series) {
	switch s.Kind {
	case KindOHLCV:
		d.OHLCV = s.Bars
	case KindFundingRate:
		d.Perp.Funding = s.Funding
	case KindOpenInterest:
		d.Perp.OpenInterest = s.OpenInterest
	case KindBasis:
		d.Perp.Basis = s.Basis
	case KindLiquidations:
		d.Perp.Liquidations = s.Liquidations
	case KindLongShortRatio:
		d.Perp.LongShort = s.LongShort
	}
}
