package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openperp/perpquant/pkg/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func sampleQuery() Query {
	return Query{
		Exchange: "binance",
		Symbol:   "BTC/USDT",
		Kind:     models.KindOHLCV,
		Cadence:  "1h",
		Start:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:      time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

func sampleSeries(q Query, n int) *models.Series {
	s := &models.Series{
		Kind: q.Kind, Symbol: q.Symbol, Exchange: q.Exchange,
		Cadence: q.Cadence, Start: q.Start, End: q.End,
	}
	for i := 0; i < n; i++ {
		base := 42000 + float64(i)*10
		s.Bars = append(s.Bars, models.Bar{
			Timestamp: q.Start.Add(time.Duration(i) * time.Hour),
			Open:      base, High: base + 50, Low: base - 50, Close: base + 25,
			Volume: 100 + float64(i),
		})
	}
	return s
}

func TestFingerprintStable(t *testing.T) {
	q := sampleQuery()
	if q.Fingerprint() != q.Fingerprint() {
		t.Error("fingerprint not deterministic")
	}
	// Case differences in exchange and symbol must not change the address.
	q2 := q
	q2.Exchange, q2.Symbol = "BINANCE", "btc/usdt"
	if q.Fingerprint() != q2.Fingerprint() {
		t.Error("fingerprint should normalize case")
	}
	q3 := q
	q3.End = q3.End.Add(time.Hour)
	if q.Fingerprint() == q3.Fingerprint() {
		t.Error("different range must yield a different fingerprint")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := testStore(t)
	q := sampleQuery()
	in := sampleSeries(q, 24)

	if s.HasComplete(q) {
		t.Error("HasComplete true before save")
	}
	if err := s.Save(in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !s.HasComplete(q) {
		t.Error("HasComplete false after save")
	}

	out, err := s.Load(q)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(out.Bars) != len(in.Bars) {
		t.Fatalf("loaded %d bars, want %d", len(out.Bars), len(in.Bars))
	}
	for i := range in.Bars {
		if !out.Bars[i].Timestamp.Equal(in.Bars[i].Timestamp) || out.Bars[i].Close != in.Bars[i].Close {
			t.Errorf("bar %d = %+v, want %+v", i, out.Bars[i], in.Bars[i])
		}
	}
}

func TestSaveLoadPerpKinds(t *testing.T) {
	s := testStore(t)
	q := sampleQuery()
	q.Kind = models.KindFundingRate
	q.Cadence = "8h"

	in := &models.Series{
		Kind: q.Kind, Symbol: q.Symbol, Exchange: q.Exchange,
		Cadence: q.Cadence, Start: q.Start, End: q.End,
		Funding: []models.FundingPoint{
			{Timestamp: q.Start, Rate: 0.0001},
			{Timestamp: q.Start.Add(8 * time.Hour), Rate: -0.00025},
		},
	}
	if err := s.Save(in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	out, err := s.Load(q)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(out.Funding) != 2 || out.Funding[1].Rate != -0.00025 {
		t.Errorf("funding = %+v", out.Funding)
	}
}

func TestLoadMissing(t *testing.T) {
	s := testStore(t)
	_, err := s.Load(sampleQuery())
	if _, ok := err.(*ErrNotFound); !ok {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLegacyFlatRead(t *testing.T) {
	s := testStore(t)
	q := sampleQuery()

	// Legacy exports: flat uncompressed CSV with RFC 3339 timestamps and
	// a header row.
	legacy := filepath.Join(s.Root(), "BTCUSDT_1h.csv")
	content := "timestamp,open,high,low,close,volume\n" +
		"2024-01-01T00:00:00Z,42000,42100,41900,42050,100\n" +
		"2024-01-01T01:00:00Z,42050,42200,42000,42150,110\n"
	if err := os.WriteFile(legacy, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if !s.HasComplete(q) {
		t.Error("HasComplete should accept the legacy flat form")
	}
	out, err := s.Load(q)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(out.Bars) != 2 || out.Bars[1].Close != 42150 {
		t.Errorf("bars = %+v", out.Bars)
	}
	if out.Bars[0].Timestamp != time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) {
		t.Errorf("timestamp = %v", out.Bars[0].Timestamp)
	}
}

func TestAtomicWriteLeavesNoTemp(t *testing.T) {
	s := testStore(t)
	q := sampleQuery()
	if err := s.Save(sampleSeries(q, 3)); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Dir(filepath.Join(s.Root(), "binance", "BTCUSDT", "x"))
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name()[0] == '.' {
			t.Errorf("stale temp file %s", e.Name())
		}
	}
}
