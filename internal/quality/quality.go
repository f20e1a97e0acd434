// Package quality validates and repairs time series before they reach the
// engine. Check produces a finding report; Clean applies the conservative
// repairs that never fabricate data across more than a single missing bar.
package quality

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/openperp/perpquant/pkg/models"
)

// Severity ranks a finding. A report passes iff it has no critical finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Finding is one rule violation.
type Finding struct {
	Severity Severity  `json:"severity"`
	RuleID   string    `json:"rule_id"`
	Message  string    `json:"message"`
	Start    time.Time `json:"start,omitempty"`
	End      time.Time `json:"end,omitempty"`
}

// Report aggregates the findings for one series.
type Report struct {
	Kind     models.SeriesKind `json:"kind"`
	Findings []Finding         `json:"findings"`
	Passed   bool              `json:"passed"`
}

// Criticals returns only the critical findings.
func (r *Report) Criticals() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == SeverityCritical {
			out = append(out, f)
		}
	}
	return out
}

func (r *Report) add(sev Severity, rule, msg string, at ...time.Time) {
	f := Finding{Severity: sev, RuleID: rule, Message: msg}
	if len(at) > 0 {
		f.Start = at[0]
	}
	if len(at) > 1 {
		f.End = at[1]
	}
	r.Findings = append(r.Findings, f)
}

// Controller runs the per-kind validators.
type Controller struct {
	log zerolog.Logger
}

func NewController(log zerolog.Logger) *Controller {
	return &Controller{log: log.With().Str("component", "quality").Logger()}
}

// Check validates a series against the rules of its kind.
func (c *Controller) Check(series *models.Series) *Report {
	r := &Report{Kind: series.Kind}
	switch series.Kind {
	case models.KindOHLCV:
		c.checkOHLCV(series, r)
	case models.KindFundingRate:
		c.checkFunding(series, r)
	case models.KindOpenInterest:
		c.checkOpenInterest(series, r)
	case models.KindBasis:
		c.checkBasis(series, r)
	case models.KindLiquidations:
		c.checkLiquidations(series, r)
	case models.KindLongShortRatio:
		c.checkLongShort(series, r)
	default:
		r.add(SeverityCritical, "unknown_kind", fmt.Sprintf("no validator for kind %q", series.Kind))
	}

	r.Passed = len(r.Criticals()) == 0
	for _, f := range r.Findings {
		c.log.Debug().
			Str("severity", string(f.Severity)).
			Str("rule", f.RuleID).
			Str("symbol", series.Symbol).
			Msg(f.Message)
	}
	return r
}

// ════════════════════════════════════════════════════════════════════
// Per-Kind Validators
// ════════════════════════════════════════════════════════════════════

func (c *Controller) checkOHLCV(series *models.Series, r *Report) {
	bars := series.Bars
	if len(bars) == 0 {
		r.add(SeverityCritical, "ohlcv_empty", "series has no bars")
		return
	}

	seen := make(map[int64]bool, len(bars))
	closes := make([]float64, 0, len(bars))
	zeroVolume := 0
	for _, b := range bars {
		ms := b.Timestamp.UnixMilli()
		if seen[ms] {
			r.add(SeverityCritical, "ohlcv_duplicate_ts", "duplicate timestamp", b.Timestamp)
		}
		seen[ms] = true

		if hasNaN(b.Open, b.High, b.Low, b.Close, b.Volume) {
			r.add(SeverityCritical, "ohlcv_null", "non-finite field", b.Timestamp)
			continue
		}
		if !b.Valid() {
			r.add(SeverityCritical, "ohlcv_invariant",
				fmt.Sprintf("OHLC invariant violated (o=%g h=%g l=%g c=%g)", b.Open, b.High, b.Low, b.Close),
				b.Timestamp)
		}
		if b.Volume == 0 {
			zeroVolume++
		}
		closes = append(closes, b.Close)
	}
	if zeroVolume > 0 {
		r.add(SeverityInfo, "ohlcv_zero_volume", fmt.Sprintf("%d zero-volume bars", zeroVolume))
	}

	// IQR outliers on closes.
	lo, hi := iqrBounds(closes)
	outliers := 0
	for _, v := range closes {
		if v < lo || v > hi {
			outliers++
		}
	}
	if outliers > 0 {
		r.add(SeverityWarning, "ohlcv_price_outlier",
			fmt.Sprintf("%d closes outside IQR bounds [%g, %g]", outliers, lo, hi))
	}

	// Gaps against the declared timeframe.
	if tf, err := models.ParseTimeframe(series.Cadence); err == nil {
		step := tf.Duration()
		for i := 1; i < len(bars); i++ {
			d := bars[i].Timestamp.Sub(bars[i-1].Timestamp)
			if d > step {
				missed := int(d/step) - 1
				r.add(SeverityWarning, "ohlcv_gap",
					fmt.Sprintf("%d missing bars", missed),
					bars[i-1].Timestamp, bars[i].Timestamp)
			}
		}
	}
}

func (c *Controller) checkFunding(series *models.Series, r *Report) {
	pts := series.Funding
	if len(pts) == 0 {
		r.add(SeverityWarning, "funding_empty", "series has no points")
		return
	}
	cadence := 8 * time.Hour
	for i, p := range pts {
		if hasNaN(p.Rate) {
			r.add(SeverityCritical, "funding_null", "non-finite rate", p.Timestamp)
		}
		if math.Abs(p.Rate) > 0.01 {
			r.add(SeverityWarning, "funding_implausible",
				fmt.Sprintf("|rate| %g exceeds 1%%", p.Rate), p.Timestamp)
		}
		if i > 0 {
			if d := p.Timestamp.Sub(pts[i-1].Timestamp); d > cadence {
				r.add(SeverityWarning, "funding_gap",
					fmt.Sprintf("gap of %s exceeds one interval", d),
					pts[i-1].Timestamp, p.Timestamp)
			}
		}
	}
}

func (c *Controller) checkOpenInterest(series *models.Series, r *Report) {
	pts := series.OpenInterest
	vals := make([]float64, 0, len(pts))
	for _, p := range pts {
		if hasNaN(p.Value) || p.Value < 0 {
			r.add(SeverityCritical, "oi_negative", fmt.Sprintf("value %g", p.Value), p.Timestamp)
			continue
		}
		vals = append(vals, p.Value)
	}
	m, sd := meanStddev(vals)
	if sd > 0 {
		outliers := 0
		for _, v := range vals {
			if math.Abs(v-m)/sd > 3 {
				outliers++
			}
		}
		if outliers > 0 {
			r.add(SeverityWarning, "oi_outlier", fmt.Sprintf("%d |z|>3 values", outliers))
		}
	}
}

func (c *Controller) checkBasis(series *models.Series, r *Report) {
	for _, p := range series.Basis {
		if hasNaN(p.Basis, p.BasisPct) {
			r.add(SeverityCritical, "basis_null", "non-finite basis", p.Timestamp)
		}
	}
}

func (c *Controller) checkLiquidations(series *models.Series, r *Report) {
	// Sparse coverage is normal; only sign and finiteness matter.
	for _, p := range series.Liquidations {
		if hasNaN(p.BuyVolume, p.SellVolume) || p.BuyVolume < 0 || p.SellVolume < 0 {
			r.add(SeverityCritical, "liq_negative", "negative or non-finite volume", p.Timestamp)
		}
	}
}

func (c *Controller) checkLongShort(series *models.Series, r *Report) {
	for _, p := range series.LongShort {
		if hasNaN(p.LongPct, p.ShortPct) ||
			p.LongPct < 0 || p.LongPct > 1 ||
			p.ShortPct < 0 || p.ShortPct > 1 ||
			p.LongPct+p.ShortPct <= 0 {
			r.add(SeverityCritical, "lsr_bounds",
				fmt.Sprintf("long=%g short=%g outside bounds", p.LongPct, p.ShortPct), p.Timestamp)
		}
	}
}

// ════════════════════════════════════════════════════════════════════
// Repair
// ════════════════════════════════════════════════════════════════════

// Clean repairs an OHLCV series in place-order: deduplicate timestamps
// (first occurrence wins), drop rows violating the OHLC invariant, clip IQR
// price outliers to the bounds, forward-fill single-bar gaps with a
// flat zero-volume bar. Larger gaps are left alone. Non-OHLCV kinds are
// only deduplicated. autoFix=false returns the input untouched.
func (c *Controller) Clean(series *models.Series, autoFix bool) *models.Series {
	if !autoFix {
		return series
	}
	if series.Kind != models.KindOHLCV {
		return dedupSeries(series)
	}

	out := *series
	bars := make([]models.Bar, 0, len(series.Bars))
	seen := make(map[int64]bool, len(series.Bars))
	dropped := 0
	for _, b := range series.Bars {
		ms := b.Timestamp.UnixMilli()
		if seen[ms] {
			continue
		}
		seen[ms] = true
		if hasNaN(b.Open, b.High, b.Low, b.Close, b.Volume) || !b.Valid() {
			dropped++
			continue
		}
		bars = append(bars, b)
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })

	// Clip price outliers to the IQR bounds of the closes.
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	lo, hi := iqrBounds(closes)
	clipped := 0
	clip := func(v float64) float64 {
		switch {
		case v < lo:
			clipped++
			return lo
		case v > hi:
			clipped++
			return hi
		}
		return v
	}
	for i := range bars {
		bars[i].Open = clip(bars[i].Open)
		bars[i].High = clip(bars[i].High)
		bars[i].Low = clip(bars[i].Low)
		bars[i].Close = clip(bars[i].Close)
	}

	// Forward-fill single-bar gaps with a flat bar at the previous close.
	filled := 0
	if tf, err := models.ParseTimeframe(series.Cadence); err == nil && tf.Duration() > 0 {
		step := tf.Duration()
		withFill := make([]models.Bar, 0, len(bars))
		for i, b := range bars {
			if i > 0 && b.Timestamp.Sub(bars[i-1].Timestamp) == 2*step {
				prev := bars[i-1]
				withFill = append(withFill, models.Bar{
					Timestamp: prev.Timestamp.Add(step),
					Open:      prev.Close, High: prev.Close, Low: prev.Close, Close: prev.Close,
				})
				filled++
			}
			withFill = append(withFill, b)
		}
		bars = withFill
	}

	if dropped+clipped+filled > 0 {
		c.log.Info().
			Str("symbol", series.Symbol).
			Int("dropped", dropped).
			Int("clipped", clipped).
			Int("filled", filled).
			Msg("cleaned series")
	}
	out.Bars = bars
	return &out
}

func dedupSeries(series *models.Series) *models.Series {
	out := *series
	switch series.Kind {
	case models.KindFundingRate:
		out.Funding = dedupBy(series.Funding, func(p models.FundingPoint) time.Time { return p.Timestamp })
	case models.KindOpenInterest:
		out.OpenInterest = dedupBy(series.OpenInterest, func(p models.OIPoint) time.Time { return p.Timestamp })
	case models.KindBasis:
		out.Basis = dedupBy(series.Basis, func(p models.BasisPoint) time.Time { return p.Timestamp })
	case models.KindLiquidations:
		out.Liquidations = dedupBy(series.Liquidations, func(p models.LiquidationPoint) time.Time { return p.Timestamp })
	case models.KindLongShortRatio:
		out.LongShort = dedupBy(series.LongShort, func(p models.LSRPoint) time.Time { return p.Timestamp })
	}
	return &out
}

func dedupBy[T any](pts []T, ts func(T) time.Time) []T {
	seen := make(map[int64]bool, len(pts))
	out := make([]T, 0, len(pts))
	for _, p := range pts {
		ms := ts(p).UnixMilli()
		if seen[ms] {
			continue
		}
		seen[ms] = true
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return ts(out[i]).Before(ts(out[j])) })
	return out
}

// ════════════════════════════════════════════════════════════════════
// Statistics Helpers
// ════════════════════════════════════════════════════════════════════

func hasNaN(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

func meanStddev(vals []float64) (mean, stddev float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	if len(vals) < 2 {
		return mean, 0
	}
	var ss float64
	for _, v := range vals {
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(vals)-1))
}

// iqrBounds returns the Tukey fences [q1 − 1.5·IQR, q3 + 1.5·IQR].
func iqrBounds(vals []float64) (lo, hi float64) {
	if len(vals) < 4 {
		return math.Inf(-1), math.Inf(1)
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	iqr := q3 - q1
	return q1 - 1.5*iqr, q3 + 1.5*iqr
}

// quantile interpolates linearly on a sorted slice.
func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
