package risk

import (
	"math"
	"testing"
	"time"

	"github.com/openperp/perpquant/pkg/models"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func approx(t *testing.T, got, want, tol float64, label string) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %.10f, want %.10f", label, got, want)
	}
}

// flatBars builds a flat series with one trough and one peak standing out.
func flatBars() []models.Bar {
	bars := make([]models.Bar, 16)
	for i := range bars {
		bars[i] = models.Bar{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      100, High: 101, Low: 99, Close: 100, Volume: 100,
		}
	}
	bars[5].Low = 95
	bars[10].High = 105
	return bars
}

func TestDetectorFindsSupportAndResistance(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.Window = 2
	d := NewDetector(cfg)

	levels := d.Detect(&models.Dataset{OHLCV: flatBars()})
	if len(levels) != 2 {
		t.Fatalf("levels = %d, want 2: %+v", len(levels), levels)
	}

	sup := NearestSupport(100, levels)
	res := NearestResistance(100, levels)
	if sup == nil || sup.Price != 95 || sup.Type != models.LevelSupport {
		t.Errorf("support = %+v, want price 95", sup)
	}
	if res == nil || res.Price != 105 || res.Type != models.LevelResistance {
		t.Errorf("resistance = %+v, want price 105", res)
	}
	for _, l := range levels {
		if l.Strength <= 0 || l.Strength > 1 {
			t.Errorf("strength out of range: %+v", l)
		}
		if l.Touches != 1 {
			t.Errorf("touches = %d, want 1", l.Touches)
		}
	}
}

func TestDetectorTooFewBars(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	if got := d.Detect(&models.Dataset{OHLCV: flatBars()[:5]}); got != nil {
		t.Errorf("expected nil for short series, got %+v", got)
	}
}

func TestNearestIgnoresWrongSide(t *testing.T) {
	levels := []models.SRLevel{
		{Price: 95, Type: models.LevelSupport},
		{Price: 105, Type: models.LevelResistance},
	}
	if NearestSupport(90, levels) != nil {
		t.Error("no support exists below 90")
	}
	if NearestResistance(110, levels) != nil {
		t.Error("no resistance exists above 110")
	}
}

func TestFixedStopArbitrationStopWins(t *testing.T) {
	m := NewStopManager(StopConfig{Type: StopFixed, FixedPct: 0.02, TPType: TPRiskReward, RiskReward: 2})
	pos := &models.Position{Direction: models.Long, EntryPrice: 100, Size: 1}

	// Range wide enough to cross both the 98 stop and the 104 target.
	bars := []models.Bar{{Timestamp: t0, Open: 100, High: 105, Low: 97, Close: 100, Volume: 1}}
	upd := m.Update(pos, bars, 0, nil)

	if upd.StopLoss == nil || math.Abs(*upd.StopLoss-98) > 1e-9 {
		t.Fatalf("stop = %v, want 98", upd.StopLoss)
	}
	if upd.TakeProfit == nil || math.Abs(*upd.TakeProfit-104) > 1e-9 {
		t.Fatalf("tp = %v, want 104", upd.TakeProfit)
	}
	if !upd.ShouldExit || upd.ExitReason != "stop_loss" {
		t.Errorf("update = %+v, want stop_loss exit", upd)
	}
}

func TestTrailingStopRatchets(t *testing.T) {
	m := NewStopManager(StopConfig{
		Type:                  StopTrailing,
		TrailingActivationPct: 0.01,
		TrailingDistancePct:   0.01,
		TPType:                TPFixed,
		TPFixedPct:            1, // far away, irrelevant here
	})
	pos := &models.Position{Direction: models.Long, EntryPrice: 100, Size: 1}

	bars := []models.Bar{
		{Timestamp: t0, Open: 100, High: 100.5, Low: 99.8, Close: 100.2, Volume: 1},
		{Timestamp: t0.Add(time.Hour), Open: 100, High: 102.5, Low: 100, Close: 102, Volume: 1},
		{Timestamp: t0.Add(2 * time.Hour), Open: 102, High: 102, Low: 100.99, Close: 101, Volume: 1},
	}

	// Below activation: no stop yet.
	if upd := m.Update(pos, bars, 0, nil); upd.StopLoss != nil {
		t.Errorf("stop set before activation: %v", *upd.StopLoss)
	}

	// Activated at close 102: trail to 102·0.99.
	upd := m.Update(pos, bars, 1, nil)
	if upd.StopLoss == nil || math.Abs(*upd.StopLoss-100.98) > 1e-9 {
		t.Fatalf("trail = %v, want 100.98", upd.StopLoss)
	}
	pos.StopLoss = *upd.StopLoss

	// Price eases back: the trail must not retreat.
	upd = m.Update(pos, bars, 2, nil)
	if upd.StopLoss != nil {
		t.Errorf("trail moved backwards to %v", *upd.StopLoss)
	}
}

func TestSupportStopUsesLevel(t *testing.T) {
	m := NewStopManager(StopConfig{Type: StopSupport, TPType: TPResistance})
	pos := &models.Position{Direction: models.Long, EntryPrice: 100, Size: 1}
	levels := []models.SRLevel{
		{Price: 96.5, Type: models.LevelSupport},
		{Price: 103, Type: models.LevelResistance},
	}
	bars := []models.Bar{{Timestamp: t0, Open: 100, High: 100.5, Low: 99.5, Close: 100, Volume: 1}}

	upd := m.Update(pos, bars, 0, levels)
	if upd.StopLoss == nil || *upd.StopLoss != 96.5 {
		t.Errorf("stop = %v, want support 96.5", upd.StopLoss)
	}
	if upd.TakeProfit == nil || *upd.TakeProfit != 103 {
		t.Errorf("tp = %v, want resistance 103", upd.TakeProfit)
	}
	if upd.ShouldExit {
		t.Error("no exit inside the range")
	}
}

func TestCorrelationAndBeta(t *testing.T) {
	up := []float64{0.01, 0.02, -0.01, 0.03}
	double := []float64{0.02, 0.04, -0.02, 0.06}
	down := []float64{-0.01, -0.02, 0.01, -0.03}

	approx(t, Correlation(up, double), 1, 1e-9, "perfect correlation")
	approx(t, Correlation(up, down), -1, 1e-9, "perfect anticorrelation")
	approx(t, Beta(double, up), 2, 1e-9, "beta")

	if !math.IsNaN(Correlation(up, []float64{0.01})) {
		t.Error("correlation of one point must be NaN")
	}
}

func TestComputeBundle(t *testing.T) {
	c := NewCalculator(models.TF1d, 0)
	returns := []float64{-0.05, -0.02, 0, 0.01, 0.03}
	rm := c.Compute(returns)

	approx(t, rm.VaR95, -0.044, 1e-9, "VaR95")
	approx(t, rm.CVaR95, -0.05, 1e-9, "CVaR95")
	if rm.MaxDrawdown <= 0 {
		t.Errorf("max drawdown = %v, want > 0", rm.MaxDrawdown)
	}

	// Constant equity: volatility zero, sharpe undefined.
	flat := c.Compute([]float64{0, 0, 0, 0})
	if !math.IsNaN(flat.SharpeRatio) {
		t.Errorf("sharpe of flat returns = %v, want NaN", flat.SharpeRatio)
	}
}

func TestCompareSeriesMatrix(t *testing.T) {
	c := NewCalculator(models.TF1h, 0)
	m := c.CompareSeries(map[string][]float64{
		"a": {0.01, 0.02, -0.01},
		"b": {0.02, 0.04, -0.02},
	})
	approx(t, m["a"]["a"], 1, 1e-12, "diagonal")
	approx(t, m["a"]["b"], 1, 1e-9, "a-b")
	approx(t, m["b"]["a"], 1, 1e-9, "b-a symmetric")
}

func TestPositionRisk(t *testing.T) {
	amount, pct := PositionRisk(2, 100, 95, 1000)
	approx(t, amount, 10, 1e-9, "risk amount")
	approx(t, pct, 0.01, 1e-9, "risk pct")

	amount, _ = PositionRisk(2, 100, 0, 1000)
	if !math.IsNaN(amount) {
		t.Error("risk without a stop must be NaN")
	}
}

func TestSizerFixedRisk(t *testing.T) {
	s := NewSizer(SizerConfig{MaxPositionPct: 1, MaxLeverage: 10})
	out, err := s.Size(SizeInput{
		Balance: 10000, Entry: 100, StopLoss: 95,
		Method: models.SizeFixedRisk, RiskPct: 0.01,
	})
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	// 10000·0.01 / 5 = 20 units.
	approx(t, out.Size, 20, 1e-9, "size")
	approx(t, out.RiskAmount, 100, 1e-9, "risk amount")
	approx(t, out.RiskPct, 0.01, 1e-9, "risk pct")
	if out.Clamped {
		t.Error("should not be clamped")
	}
}

func TestSizerFixedRiskClamped(t *testing.T) {
	s := NewSizer(SizerConfig{MaxPositionPct: 0.5, MaxLeverage: 1})
	out, err := s.Size(SizeInput{
		Balance: 10000, Entry: 100, StopLoss: 99.9,
		Method: models.SizeFixedRisk, RiskPct: 0.05,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Clamped {
		t.Error("tight stop with big risk must clamp")
	}
	approx(t, out.Notional, 5000, 1e-9, "clamped notional")
}

func TestSizerKelly(t *testing.T) {
	s := NewSizer(SizerConfig{MaxPositionPct: 1, MaxLeverage: 1, KellyFraction: 0.25})
	out, err := s.Size(SizeInput{
		Balance: 10000, Entry: 100,
		Method: models.SizeKelly, WinRate: 0.6, WinLossRatio: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	// f = 0.6 − 0.4/2 = 0.4, quartered to 0.1.
	approx(t, out.Notional, 1000, 1e-9, "kelly notional")

	// Negative edge bets nothing.
	out, err = s.Size(SizeInput{
		Balance: 10000, Entry: 100,
		Method: models.SizeKelly, WinRate: 0.3, WinLossRatio: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Size != 0 {
		t.Errorf("negative-edge kelly size = %v, want 0", out.Size)
	}
}

func TestSizerEquityPctAndErrors(t *testing.T) {
	s := NewSizer(DefaultSizerConfig())
	out, err := s.Size(SizeInput{
		Balance: 10000, Entry: 200,
		Method: models.SizeEquityPct, EquityPct: 0.1,
	})
	if err != nil {
		t.Fatal(err)
	}
	approx(t, out.Size, 5, 1e-9, "equity pct size")

	if _, err := s.Size(SizeInput{Balance: 10000, Entry: 100, Method: models.SizeFixedRisk}); err == nil {
		t.Error("fixed_risk without a stop must fail")
	}
	if _, err := s.Size(SizeInput{Balance: 10000, Entry: 100, Method: "martingale"}); err == nil {
		t.Error("unknown method must fail")
	}
}

func TestSizerVolAdjusted(t *testing.T) {
	s := NewSizer(SizerConfig{MaxPositionPct: 1, MaxLeverage: 1})
	out, err := s.Size(SizeInput{
		Balance: 10000, Entry: 100,
		Method: models.SizeVolAdjusted, EquityPct: 0.5, TargetVol: 0.1, CurrentVol: 0.2,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Half the base allocation when current vol doubles the target.
	approx(t, out.Notional, 2500, 1e-9, "vol-adjusted notional")
}
