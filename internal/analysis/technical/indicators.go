// Package technical implements the indicators the built-in strategies and
// the risk subsystem consume. All slice-returning functions align output to
// the input index; entries before the warm-up period are zero.
package technical

import (
	"math"

	"github.com/openperp/perpquant/pkg/models"
)

// Closes extracts the close column.
func Closes(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Highs extracts the high column.
func Highs(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.High
	}
	return out
}

// Lows extracts the low column.
func Lows(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Low
	}
	return out
}

// SMA calculates the Simple Moving Average for the given period.
func SMA(data []float64, period int) []float64 {
	n := len(data)
	if n < period || period <= 0 {
		return nil
	}

	result := make([]float64, n)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	result[period-1] = sum / float64(period)

	for i := period; i < n; i++ {
		sum += data[i] - data[i-period]
		result[i] = sum / float64(period)
	}

	return result
}

// EMA calculates the Exponential Moving Average for the given period.
func EMA(data []float64, period int) []float64 {
	n := len(data)
	if n < period || period <= 0 {
		return nil
	}

	result := make([]float64, n)
	// Seed with the SMA of the first period.
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	result[period-1] = sum / float64(period)

	k := 2.0 / float64(period+1)
	for i := period; i < n; i++ {
		result[i] = data[i]*k + result[i-1]*(1-k)
	}

	return result
}

// RSI calculates the Relative Strength Index with Wilder's smoothing.
// Returns values 0-100 from index period onward.
func RSI(closes []float64, period int) []float64 {
	if period <= 0 {
		period = 14
	}
	n := len(closes)
	if n < period+1 {
		return nil
	}

	rsi := make([]float64, n)
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss += -change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	set := func(i int) {
		if avgLoss == 0 {
			rsi[i] = 100
			return
		}
		rs := avgGain / avgLoss
		rsi[i] = 100 - (100 / (1 + rs))
	}
	set(period)

	for i := period + 1; i < n; i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		set(i)
	}

	return rsi
}

// TrueRange returns the per-bar true range. The first entry is high-low.
func TrueRange(bars []models.Bar) []float64 {
	n := len(bars)
	if n == 0 {
		return nil
	}
	tr := make([]float64, n)
	tr[0] = bars[0].High - bars[0].Low
	for i := 1; i < n; i++ {
		hl := bars[i].High - bars[i].Low
		hc := math.Abs(bars[i].High - bars[i-1].Close)
		lc := math.Abs(bars[i].Low - bars[i-1].Close)
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	return tr
}

// ATR calculates the Average True Range with Wilder's smoothing.
func ATR(bars []models.Bar, period int) []float64 {
	if period <= 0 {
		period = 14
	}
	tr := TrueRange(bars)
	n := len(tr)
	if n < period {
		return nil
	}

	atr := make([]float64, n)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += tr[i]
	}
	atr[period-1] = sum / float64(period)
	for i := period; i < n; i++ {
		atr[i] = (atr[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	return atr
}

// Mean returns the arithmetic mean, 0 for an empty slice.
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

// Stddev returns the sample standard deviation, 0 below two points.
func Stddev(data []float64) float64 {
	n := len(data)
	if n < 2 {
		return 0
	}
	m := Mean(data)
	var ss float64
	for _, v := range data {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

// Returns converts a price or equity series into simple per-step returns.
func Returns(data []float64) []float64 {
	if len(data) < 2 {
		return nil
	}
	out := make([]float64, 0, len(data)-1)
	for i := 1; i < len(data); i++ {
		if data[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, data[i]/data[i-1]-1)
	}
	return out
}

// CrossAbove reports whether series a crossed above series b at index i.
func CrossAbove(a, b []float64, i int) bool {
	if i < 1 || i >= len(a) || i >= len(b) {
		return false
	}
	return a[i-1] <= b[i-1] && a[i] > b[i]
}

// CrossBelow reports whether series a crossed below series b at index i.
func CrossBelow(a, b []float64, i int) bool {
	if i < 1 || i >= len(a) || i >= len(b) {
		return false
	}
	return a[i-1] >= b[i-1] && a[i] < b[i]
}
