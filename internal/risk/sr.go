// Package risk implements the four risk services a backtest run can draw
// on: support/resistance detection, dynamic stop management, portfolio risk
// calculation, and position sizing. All services are pure computations over
// in-memory series; none of them performs I/O.
package risk

import (
	"math"
	"sort"
	"time"

	"github.com/openperp/perpquant/pkg/models"
)

// DetectorConfig tunes the support/resistance detector.
type DetectorConfig struct {
	Window         int     // bars on each side an extremum must dominate
	PriceTolerance float64 // relative width for clustering extrema
	MaxLevels      int     // strongest levels kept
}

// DefaultDetectorConfig returns the standard detector settings.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Window:         5,
		PriceTolerance: 0.002,
		MaxLevels:      10,
	}
}

func (c DetectorConfig) validate() DetectorConfig {
	if c.Window <= 0 {
		c.Window = 5
	}
	if c.PriceTolerance <= 0 {
		c.PriceTolerance = 0.002
	}
	if c.MaxLevels <= 0 {
		c.MaxLevels = 10
	}
	return c
}

// Detector finds support/resistance levels by clustering local extrema.
type Detector struct {
	cfg DetectorConfig
}

func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{cfg: cfg.validate()}
}

// extremum is one local peak or trough before clustering.
type extremum struct {
	index  int
	ts     time.Time
	price  float64
	isHigh bool
	volume float64
	bounce float64 // relative reversal magnitude after the extremum
}

// Detect returns the detected levels sorted by strength, strongest first.
// When the dataset carries volume, open interest, or funding series they
// contribute an uplift of at most 50% on top of the base strength.
func (d *Detector) Detect(data *models.Dataset) []models.SRLevel {
	bars := data.OHLCV
	w := d.cfg.Window
	n := len(bars)
	if n < 2*w+1 {
		return nil
	}

	extrema := d.findExtrema(bars)
	if len(extrema) == 0 {
		return nil
	}

	sort.Slice(extrema, func(i, j int) bool { return extrema[i].price < extrema[j].price })
	clusters := d.cluster(extrema)

	avgVolume := 0.0
	for _, b := range bars {
		avgVolume += b.Volume
	}
	avgVolume /= float64(n)

	levels := make([]models.SRLevel, 0, len(clusters))
	for _, cl := range clusters {
		levels = append(levels, d.score(cl, n, avgVolume, data))
	}

	sort.Slice(levels, func(i, j int) bool { return levels[i].Strength > levels[j].Strength })
	if len(levels) > d.cfg.MaxLevels {
		levels = levels[:d.cfg.MaxLevels]
	}
	return levels
}

// findExtrema collects bars whose high (or low) dominates the surrounding
// window, recording the bounce each extremum produced.
func (d *Detector) findExtrema(bars []models.Bar) []extremum {
	w := d.cfg.Window
	n := len(bars)
	var out []extremum

	for i := w; i < n-w; i++ {
		isHigh, isLow := true, true
		for j := i - w; j <= i+w; j++ {
			if j == i {
				continue
			}
			if bars[j].High >= bars[i].High {
				isHigh = false
			}
			if bars[j].Low <= bars[i].Low {
				isLow = false
			}
		}
		if isHigh {
			out = append(out, extremum{
				index: i, ts: bars[i].Timestamp, price: bars[i].High,
				isHigh: true, volume: bars[i].Volume,
				bounce: bounceAfterHigh(bars, i, w),
			})
		}
		if isLow {
			out = append(out, extremum{
				index: i, ts: bars[i].Timestamp, price: bars[i].Low,
				isHigh: false, volume: bars[i].Volume,
				bounce: bounceAfterLow(bars, i, w),
			})
		}
	}
	return out
}

func bounceAfterHigh(bars []models.Bar, i, w int) float64 {
	lowest := bars[i].High
	for j := i + 1; j <= i+w && j < len(bars); j++ {
		if bars[j].Low < lowest {
			lowest = bars[j].Low
		}
	}
	if bars[i].High <= 0 {
		return 0
	}
	return (bars[i].High - lowest) / bars[i].High
}

func bounceAfterLow(bars []models.Bar, i, w int) float64 {
	highest := bars[i].Low
	for j := i + 1; j <= i+w && j < len(bars); j++ {
		if bars[j].High > highest {
			highest = bars[j].High
		}
	}
	if bars[i].Low <= 0 {
		return 0
	}
	return (highest - bars[i].Low) / bars[i].Low
}

// cluster groups price-sorted extrema whose distance from the running
// cluster mean stays within the tolerance.
func (d *Detector) cluster(sorted []extremum) [][]extremum {
	var clusters [][]extremum
	current := []extremum{sorted[0]}
	sum := sorted[0].price

	for _, e := range sorted[1:] {
		mean := sum / float64(len(current))
		if mean > 0 && (e.price-mean)/mean < d.cfg.PriceTolerance {
			current = append(current, e)
			sum += e.price
			continue
		}
		clusters = append(clusters, current)
		current = []extremum{e}
		sum = e.price
	}
	return append(clusters, current)
}

// score turns one cluster into a level. Base strength weighs touches 40%,
// recency 30%, and bounce magnitude 30%; series-derived scores add an
// uplift capped at 50%.
func (d *Detector) score(cl []extremum, nBars int, avgVolume float64, data *models.Dataset) models.SRLevel {
	var priceSum, bounceSum, volSum float64
	lastIndex := 0
	highs := 0
	for _, e := range cl {
		priceSum += e.price
		bounceSum += e.bounce
		volSum += e.volume
		if e.index > lastIndex {
			lastIndex = e.index
		}
		if e.isHigh {
			highs++
		}
	}
	count := float64(len(cl))

	level := models.SRLevel{
		Price:   priceSum / count,
		Touches: len(cl),
	}
	switch {
	case highs == len(cl):
		level.Type = models.LevelResistance
	case highs == 0:
		level.Type = models.LevelSupport
	default:
		level.Type = models.LevelBoth
	}

	touchScore := math.Min(count/5, 1)
	recency := 1 - float64(nBars-1-lastIndex)/float64(nBars)
	bounceScore := math.Min((bounceSum/count)/0.05, 1)
	base := 0.4*touchScore + 0.3*recency + 0.3*bounceScore

	if avgVolume > 0 {
		level.VolumeScore = clamp01((volSum / count) / (2 * avgVolume))
	}
	level.OIScore = oiScore(cl, data.Perp.OpenInterest)
	level.FundingScore = fundingScore(cl, data.Perp.Funding)

	uplift := 0.25*level.VolumeScore + 0.15*level.OIScore + 0.10*level.FundingScore
	level.Strength = clamp01(base * (1 + uplift))
	return level
}

// oiScore measures how unusual open interest was around the touches.
func oiScore(cl []extremum, oi []models.OIPoint) float64 {
	if len(oi) < 4 {
		return 0
	}
	var mean, ss float64
	for _, p := range oi {
		mean += p.Value
	}
	mean /= float64(len(oi))
	for _, p := range oi {
		d := p.Value - mean
		ss += d * d
	}
	stddev := math.Sqrt(ss / float64(len(oi)-1))
	if stddev == 0 {
		return 0
	}

	var zSum float64
	for _, e := range cl {
		p := nearestOI(oi, e.ts)
		zSum += math.Abs(p.Value-mean) / stddev
	}
	return clamp01(zSum / float64(len(cl)) / 3)
}

// fundingScore measures funding-rate extremity around the touches; a rate
// of 0.05% per interval already counts as fully extreme.
func fundingScore(cl []extremum, funding []models.FundingPoint) float64 {
	if len(funding) == 0 {
		return 0
	}
	var sum float64
	for _, e := range cl {
		p := nearestFunding(funding, e.ts)
		sum += clamp01(math.Abs(p.Rate) / 0.0005)
	}
	return sum / float64(len(cl))
}

func nearestOI(points []models.OIPoint, ts time.Time) models.OIPoint {
	best := points[0]
	for _, p := range points[1:] {
		if absDuration(p.Timestamp.Sub(ts)) < absDuration(best.Timestamp.Sub(ts)) {
			best = p
		}
	}
	return best
}

func nearestFunding(points []models.FundingPoint, ts time.Time) models.FundingPoint {
	best := points[0]
	for _, p := range points[1:] {
		if absDuration(p.Timestamp.Sub(ts)) < absDuration(best.Timestamp.Sub(ts)) {
			best = p
		}
	}
	return best
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// NearestSupport returns the strongest-priced support below the price, or
// nil when none exists.
func NearestSupport(price float64, levels []models.SRLevel) *models.SRLevel {
	var best *models.SRLevel
	for i := range levels {
		l := &levels[i]
		if l.Type == models.LevelResistance || l.Price >= price {
			continue
		}
		if best == nil || l.Price > best.Price {
			best = l
		}
	}
	return best
}

// NearestResistance returns the closest resistance above the price, or nil
// when none exists.
func NearestResistance(price float64, levels []models.SRLevel) *models.SRLevel {
	var best *models.SRLevel
	for i := range levels {
		l := &levels[i]
		if l.Type == models.LevelSupport || l.Price <= price {
			continue
		}
		if best == nil || l.Price < best.Price {
			best = l
		}
	}
	return best
}
