package backtest

import (
	"math"

	"github.com/openperp/perpquant/internal/analysis/technical"
	"github.com/openperp/perpquant/internal/broker"
	"github.com/openperp/perpquant/internal/risk"
	"github.com/openperp/perpquant/pkg/models"
)

// ComputeMetrics scores a finished run. Every division is guarded: empty
// inputs produce NaN (or the documented +Inf), never a panic.
func ComputeMetrics(b *broker.SimBroker, tf models.Timeframe, riskFree float64) models.Metrics {
	m := models.Metrics{
		FeesPaid:    b.FeesPaid(),
		FundingPaid: b.FundingPaid(),
	}

	curve := b.EquityCurve()
	equities := make([]float64, len(curve))
	for i, p := range curve {
		equities[i] = p.Equity
	}
	returns := technical.Returns(equities)
	barsPerYear := tf.BarsPerYear()
	if barsPerYear <= 0 {
		barsPerYear = 365
	}

	// ════════════════════════════════════════════════════════════════
	// Equity-curve statistics
	// ════════════════════════════════════════════════════════════════

	initial := b.InitialCash()
	final := initial
	if len(equities) > 0 {
		final = equities[len(equities)-1]
	}
	m.TotalReturn = final/initial - 1
	m.AnnualizedReturn = annualize(m.TotalReturn, len(returns), barsPerYear)
	m.MaxDrawdown, m.MaxDrawdownBars = maxDrawdown(equities)

	m.Volatility = technical.Stddev(returns)
	m.AnnualizedVol = m.Volatility * math.Sqrt(barsPerYear)

	rfPerBar := riskFree / barsPerYear
	m.SharpeRatio = sharpe(returns, rfPerBar, barsPerYear)
	m.SortinoRatio = sortino(returns, rfPerBar, barsPerYear)
	if m.MaxDrawdown > 0 {
		m.CalmarRatio = m.AnnualizedReturn / m.MaxDrawdown
	} else {
		m.CalmarRatio = math.NaN()
	}

	m.VaR95 = risk.Quantile(returns, 0.05)
	m.VaR99 = risk.Quantile(returns, 0.01)
	m.CVaR95 = cvar(returns, m.VaR95)
	m.CVaR99 = cvar(returns, m.VaR99)

	// ════════════════════════════════════════════════════════════════
	// Trade statistics
	// ════════════════════════════════════════════════════════════════

	trades := b.Trades()
	m.NumTrades = len(trades)
	m.NumLiquidations = len(b.Liquidations())
	fillTradeStats(&m, trades)

	return m
}

func annualize(totalReturn float64, nBars int, barsPerYear float64) float64 {
	if nBars == 0 {
		return math.NaN()
	}
	growth := 1 + totalReturn
	if growth <= 0 {
		// A wiped-out account has no meaningful compound rate.
		return -1
	}
	return math.Pow(growth, barsPerYear/float64(nBars)) - 1
}

// maxDrawdown returns the deepest peak-to-trough loss as a positive
// fraction, and the longest underwater stretch in bars.
func maxDrawdown(equities []float64) (float64, int) {
	if len(equities) == 0 {
		return 0, 0
	}
	peak := equities[0]
	maxDD := 0.0
	longest, underwater := 0, 0

	for _, eq := range equities {
		if eq >= peak {
			peak = eq
			underwater = 0
			continue
		}
		underwater++
		if underwater > longest {
			longest = underwater
		}
		if peak > 0 {
			if dd := (peak - eq) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD, longest
}

func sharpe(returns []float64, rfPerBar, barsPerYear float64) float64 {
	sd := technical.Stddev(returns)
	if sd == 0 || len(returns) == 0 {
		return math.NaN()
	}
	return (technical.Mean(returns) - rfPerBar) / sd * math.Sqrt(barsPerYear)
}

func sortino(returns []float64, rfPerBar, barsPerYear float64) float64 {
	if len(returns) == 0 {
		return math.NaN()
	}
	var ss float64
	for _, r := range returns {
		if d := r - rfPerBar; d < 0 {
			ss += d * d
		}
	}
	downside := math.Sqrt(ss / float64(len(returns)))
	if downside == 0 {
		return math.NaN()
	}
	return (technical.Mean(returns) - rfPerBar) / downside * math.Sqrt(barsPerYear)
}

func cvar(returns []float64, threshold float64) float64 {
	if math.IsNaN(threshold) {
		return math.NaN()
	}
	var sum float64
	n := 0
	for _, r := range returns {
		if r <= threshold {
			sum += r
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

func fillTradeStats(m *models.Metrics, trades []models.Trade) {
	if len(trades) == 0 {
		nan := math.NaN()
		m.WinRate, m.AvgWin, m.AvgLoss = nan, nan, nan
		m.WinLossRatio, m.ProfitFactor, m.Expectancy = nan, nan, nan
		return
	}

	var winSum, lossSum float64
	var wins, losses int
	var consecWins, consecLosses int
	for _, tr := range trades {
		if tr.PnL > 0 {
			wins++
			winSum += tr.PnL
			consecWins++
			consecLosses = 0
		} else {
			losses++
			lossSum += -tr.PnL
			consecLosses++
			consecWins = 0
		}
		if consecWins > m.MaxConsecWins {
			m.MaxConsecWins = consecWins
		}
		if consecLosses > m.MaxConsecLosses {
			m.MaxConsecLosses = consecLosses
		}
	}

	m.WinRate = float64(wins) / float64(len(trades))
	if wins > 0 {
		m.AvgWin = winSum / float64(wins)
	}
	if losses > 0 {
		m.AvgLoss = lossSum / float64(losses)
	}

	switch {
	case lossSum == 0 && winSum > 0:
		m.ProfitFactor = math.Inf(1)
	case lossSum == 0:
		m.ProfitFactor = math.NaN()
	default:
		m.ProfitFactor = winSum / lossSum
	}

	switch {
	case m.AvgLoss == 0 && m.AvgWin > 0:
		m.WinLossRatio = math.Inf(1)
	case m.AvgLoss == 0:
		m.WinLossRatio = math.NaN()
	default:
		m.WinLossRatio = m.AvgWin / m.AvgLoss
	}

	m.Expectancy = m.WinRate*m.AvgWin - (1-m.WinRate)*m.AvgLoss
}
