package quality

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openperp/perpquant/pkg/models"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func hourlyBars(n int) []models.Bar {
	bars := make([]models.Bar, n)
	for i := range bars {
		base := 42000 + float64(i%10)*5
		bars[i] = models.Bar{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      base, High: base + 20, Low: base - 20, Close: base + 10,
			Volume: 100,
		}
	}
	return bars
}

func ohlcvSeries(bars []models.Bar) *models.Series {
	return &models.Series{
		Kind: models.KindOHLCV, Symbol: "BTC/USDT", Exchange: "binance",
		Cadence: "1h", Bars: bars,
	}
}

func TestCheckCleanOHLCVPasses(t *testing.T) {
	c := NewController(zerolog.Nop())
	r := c.Check(ohlcvSeries(hourlyBars(48)))
	if !r.Passed {
		t.Fatalf("clean series failed QC: %+v", r.Findings)
	}
}

func TestCheckDuplicateTimestampCritical(t *testing.T) {
	c := NewController(zerolog.Nop())
	bars := hourlyBars(10)
	bars[5].Timestamp = bars[4].Timestamp
	r := c.Check(ohlcvSeries(bars))
	if r.Passed {
		t.Fatal("duplicate timestamp must fail QC")
	}
	found := false
	for _, f := range r.Criticals() {
		if f.RuleID == "ohlcv_duplicate_ts" {
			found = true
		}
	}
	if !found {
		t.Errorf("criticals = %+v", r.Criticals())
	}
}

func TestCheckInvariantViolationCritical(t *testing.T) {
	c := NewController(zerolog.Nop())
	bars := hourlyBars(10)
	bars[3].High = bars[3].Low - 1
	r := c.Check(ohlcvSeries(bars))
	if r.Passed {
		t.Fatal("inverted OHLC must fail QC")
	}
}

func TestCheckGapWarning(t *testing.T) {
	c := NewController(zerolog.Nop())
	bars := hourlyBars(10)
	// Remove two bars: a 3h jump between index 4 and what was 7.
	bars = append(bars[:5], bars[7:]...)
	r := c.Check(ohlcvSeries(bars))
	if !r.Passed {
		t.Fatalf("gaps are warnings, not criticals: %+v", r.Criticals())
	}
	found := false
	for _, f := range r.Findings {
		if f.RuleID == "ohlcv_gap" && f.Severity == SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Errorf("findings = %+v", r.Findings)
	}
}

func TestCheckFundingRules(t *testing.T) {
	c := NewController(zerolog.Nop())
	s := &models.Series{
		Kind: models.KindFundingRate, Symbol: "BTC/USDT", Cadence: "8h",
		Funding: []models.FundingPoint{
			{Timestamp: t0, Rate: 0.0001},
			{Timestamp: t0.Add(8 * time.Hour), Rate: 0.05}, // implausibly large
			{Timestamp: t0.Add(32 * time.Hour), Rate: 0.0001},
		},
	}
	r := c.Check(s)
	if !r.Passed {
		t.Fatalf("warnings only, should pass: %+v", r.Criticals())
	}
	var rules []string
	for _, f := range r.Findings {
		rules = append(rules, f.RuleID)
	}
	want := map[string]bool{"funding_implausible": false, "funding_gap": false}
	for _, id := range rules {
		if _, ok := want[id]; ok {
			want[id] = true
		}
	}
	for id, got := range want {
		if !got {
			t.Errorf("missing finding %s in %v", id, rules)
		}
	}

	s.Funding[0].Rate = math.NaN()
	if c.Check(s).Passed {
		t.Error("NaN rate must fail QC")
	}
}

func TestCheckLongShortBounds(t *testing.T) {
	c := NewController(zerolog.Nop())
	s := &models.Series{
		Kind:      models.KindLongShortRatio,
		LongShort: []models.LSRPoint{{Timestamp: t0, LongPct: 1.4, ShortPct: -0.4}},
	}
	if c.Check(s).Passed {
		t.Error("out-of-bounds ratio must fail QC")
	}
}

func TestCleanDedupesAndDrops(t *testing.T) {
	c := NewController(zerolog.Nop())
	bars := hourlyBars(10)
	bars[2].Timestamp = bars[1].Timestamp // duplicate
	bars[6].Low = -5                      // invariant violation

	// The dropped duplicate and the dropped invalid row each leave a
	// single-bar hole, which the fill step closes again.
	out := c.Clean(ohlcvSeries(bars), true)
	if len(out.Bars) != 10 {
		t.Fatalf("bars after clean = %d, want 10", len(out.Bars))
	}
	if r := c.Check(out); !r.Passed {
		t.Fatalf("cleaned series still critical: %+v", r.Criticals())
	}
}

func TestCleanFillsSingleGap(t *testing.T) {
	c := NewController(zerolog.Nop())
	bars := hourlyBars(10)
	bars = append(bars[:4], bars[5:]...) // drop exactly one bar

	out := c.Clean(ohlcvSeries(bars), true)
	if len(out.Bars) != 10 {
		t.Fatalf("bars after fill = %d, want 10", len(out.Bars))
	}
	fill := out.Bars[4]
	if fill.Open != fill.Close || fill.Volume != 0 {
		t.Errorf("fill bar = %+v, want flat zero-volume", fill)
	}
	if !fill.Timestamp.Equal(t0.Add(4 * time.Hour)) {
		t.Errorf("fill timestamp = %v", fill.Timestamp)
	}
}

func TestCleanLeavesLargeGaps(t *testing.T) {
	c := NewController(zerolog.Nop())
	bars := hourlyBars(10)
	bars = append(bars[:3], bars[6:]...) // 3-bar jump

	out := c.Clean(ohlcvSeries(bars), true)
	if len(out.Bars) != 7 {
		t.Errorf("bars = %d, want 7 (multi-bar gaps are never filled)", len(out.Bars))
	}
}

func TestCleanNoAutoFix(t *testing.T) {
	c := NewController(zerolog.Nop())
	bars := hourlyBars(5)
	bars[1].Timestamp = bars[0].Timestamp
	s := ohlcvSeries(bars)
	out := c.Clean(s, false)
	if len(out.Bars) != 5 {
		t.Error("autoFix=false must not modify the series")
	}
}

func TestIQRBounds(t *testing.T) {
	vals := []float64{10, 11, 12, 13, 14, 15, 16, 100}
	lo, hi := iqrBounds(vals)
	if 100 < hi {
		t.Errorf("100 should be above the upper fence %g", hi)
	}
	if 12 < lo || 14 > hi {
		t.Errorf("central values must be inside [%g, %g]", lo, hi)
	}
}
