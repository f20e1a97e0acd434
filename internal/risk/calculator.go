package risk

import (
	"math"
	"sort"

	"github.com/openperp/perpquant/internal/analysis/technical"
	"github.com/openperp/perpquant/pkg/models"
)

// Calculator derives portfolio-level risk figures from return series.
type Calculator struct {
	periodsPerYear float64
	riskFree       float64 // annual risk-free rate
}

// NewCalculator builds a calculator for series sampled at the timeframe.
func NewCalculator(tf models.Timeframe, riskFree float64) *Calculator {
	ppy := tf.BarsPerYear()
	if ppy <= 0 {
		ppy = 365
	}
	return &Calculator{periodsPerYear: ppy, riskFree: riskFree}
}

// Compute produces the RiskMetrics bundle for one return series. Division
// guards yield NaN rather than panicking.
func (c *Calculator) Compute(returns []float64) models.RiskMetrics {
	var rm models.RiskMetrics
	rm.Volatility = technical.Stddev(returns)
	rm.AnnualizedVol = rm.Volatility * math.Sqrt(c.periodsPerYear)
	rm.SharpeRatio = c.sharpe(returns)
	rm.SortinoRatio = c.sortino(returns)
	rm.MaxDrawdown = maxDrawdownFromReturns(returns)
	rm.VaR95 = Quantile(returns, 0.05)
	rm.CVaR95 = tailMean(returns, rm.VaR95)
	return rm
}

// CompareSeries fills the pairwise correlation matrix across named return
// series. Keys are symmetric; the diagonal is 1.
func (c *Calculator) CompareSeries(series map[string][]float64) map[string]map[string]float64 {
	names := make([]string, 0, len(series))
	for name := range series {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]map[string]float64, len(names))
	for _, a := range names {
		out[a] = make(map[string]float64, len(names))
		for _, b := range names {
			if a == b {
				out[a][b] = 1
				continue
			}
			out[a][b] = Correlation(series[a], series[b])
		}
	}
	return out
}

func (c *Calculator) sharpe(returns []float64) float64 {
	sd := technical.Stddev(returns)
	if sd == 0 || len(returns) == 0 {
		return math.NaN()
	}
	excess := technical.Mean(returns) - c.riskFree/c.periodsPerYear
	return excess / sd * math.Sqrt(c.periodsPerYear)
}

func (c *Calculator) sortino(returns []float64) float64 {
	if len(returns) == 0 {
		return math.NaN()
	}
	rf := c.riskFree / c.periodsPerYear
	var ss float64
	n := 0
	for _, r := range returns {
		if d := r - rf; d < 0 {
			ss += d * d
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	downside := math.Sqrt(ss / float64(len(returns)))
	if downside == 0 {
		return math.NaN()
	}
	excess := technical.Mean(returns) - rf
	return excess / downside * math.Sqrt(c.periodsPerYear)
}

// maxDrawdownFromReturns rebuilds a unit equity path and measures its
// deepest peak-to-trough loss as a positive fraction.
func maxDrawdownFromReturns(returns []float64) float64 {
	equity, peak, maxDD := 1.0, 1.0, 0.0
	for _, r := range returns {
		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// Correlation returns the Pearson correlation of the overlapping prefix of
// two series, NaN when either side is degenerate.
func Correlation(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return math.NaN()
	}
	a, b = a[:n], b[:n]
	ma, mb := technical.Mean(a), technical.Mean(b)

	var cov, va, vb float64
	for i := 0; i < n; i++ {
		da, db := a[i]-ma, b[i]-mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va == 0 || vb == 0 {
		return math.NaN()
	}
	return cov / math.Sqrt(va*vb)
}

// Beta regresses a return series against a benchmark.
func Beta(returns, benchmark []float64) float64 {
	n := len(returns)
	if len(benchmark) < n {
		n = len(benchmark)
	}
	if n < 2 {
		return math.NaN()
	}
	returns, benchmark = returns[:n], benchmark[:n]
	mr, mb := technical.Mean(returns), technical.Mean(benchmark)

	var cov, vb float64
	for i := 0; i < n; i++ {
		cov += (returns[i] - mr) * (benchmark[i] - mb)
		vb += (benchmark[i] - mb) * (benchmark[i] - mb)
	}
	if vb == 0 {
		return math.NaN()
	}
	return cov / vb
}

// InformationRatio measures annualized active return per unit of tracking
// error against a benchmark.
func (c *Calculator) InformationRatio(returns, benchmark []float64) float64 {
	n := len(returns)
	if len(benchmark) < n {
		n = len(benchmark)
	}
	if n < 2 {
		return math.NaN()
	}
	active := make([]float64, n)
	for i := 0; i < n; i++ {
		active[i] = returns[i] - benchmark[i]
	}
	te := technical.Stddev(active)
	if te == 0 {
		return math.NaN()
	}
	return technical.Mean(active) / te * math.Sqrt(c.periodsPerYear)
}

// PositionRisk returns the loss a stop-out would realize and that loss as a
// fraction of the account balance. A zero stop means undefined risk, NaN.
func PositionRisk(size, entry, stopLoss, balance float64) (amount, pct float64) {
	if stopLoss <= 0 {
		return math.NaN(), math.NaN()
	}
	amount = size * math.Abs(entry-stopLoss)
	if balance <= 0 {
		return amount, math.NaN()
	}
	return amount, amount / balance
}

// Quantile returns the q-th quantile of the values by linear interpolation.
func Quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// tailMean averages the values at or below the threshold.
func tailMean(values []float64, threshold float64) float64 {
	if math.IsNaN(threshold) {
		return math.NaN()
	}
	var sum float64
	n := 0
	for _, v := range values {
		if v <= threshold {
			sum += v
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}
