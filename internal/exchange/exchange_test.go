package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"

	"github.com/openperp/perpquant/internal/infra"
	"github.com/openperp/perpquant/pkg/models"
)

func testGate(t *testing.T) (*gate, *[]time.Duration) {
	t.Helper()
	g := newGate("bybit", infra.NewLimiterSet(), zerolog.Nop())
	var sleeps []time.Duration
	g.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return g, &sleeps
}

func TestGateRetriesTransient(t *testing.T) {
	g, sleeps := testGate(t)
	calls := 0
	err := g.call(context.Background(), "op", 1, func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(*sleeps) != 2 || (*sleeps)[0] != time.Second || (*sleeps)[1] != 2*time.Second {
		t.Errorf("backoffs = %v, want [1s 2s]", *sleeps)
	}
}

func TestGateRateLimitedWaits(t *testing.T) {
	g, sleeps := testGate(t)
	err := g.call(context.Background(), "op", 1, func() error {
		return &httpStatusError{status: http.StatusTooManyRequests, body: "slow down"}
	})
	var limited *ErrRateLimited
	if !errors.As(err, &limited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	for i, d := range *sleeps {
		if d != rateLimitedWait {
			t.Errorf("sleep %d = %v, want %v", i, d, rateLimitedWait)
		}
	}
}

func TestGateNotFoundShortCircuits(t *testing.T) {
	g, _ := testGate(t)
	calls := 0
	err := g.call(context.Background(), "BTC/USDT", 1, func() error {
		calls++
		return &httpStatusError{status: http.StatusNotFound, body: "no such symbol"}
	})
	var notFound *ErrSymbolNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want ErrSymbolNotFound", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (deterministic errors must not retry)", calls)
	}
}

func TestGateClientErrorNoRetry(t *testing.T) {
	g, _ := testGate(t)
	calls := 0
	err := g.call(context.Background(), "op", 1, func() error {
		calls++
		return &httpStatusError{status: http.StatusBadRequest, body: "bad interval"}
	})
	var api *ErrExchangeAPI
	if !errors.As(err, &api) || api.Status != http.StatusBadRequest {
		t.Fatalf("err = %v, want ErrExchangeAPI with status 400", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&ErrExchangeAPI{Exchange: "bybit", Op: "kline", Err: errors.New("reset")}, true},
		{&ErrRateLimited{Exchange: "okx"}, true},
		{&ErrSymbolNotFound{Symbol: "XXX/USDT", Exchange: "binance"}, false},
		{&ErrExchangeNotSupported{Exchange: "okx", Op: "liquidations"}, false},
		{&ErrDataFormat{Exchange: "bybit", Detail: "garbage"}, false},
		{errors.New("something else"), false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

// ════════════════════════════════════════════════════════════════════
// Bybit
// ════════════════════════════════════════════════════════════════════

func newTestBybit(t *testing.T, handler http.Handler) *BybitConnector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewBybitConnector(infra.NewLimiterSet(), zerolog.Nop())
	c.baseURL = srv.URL
	c.gate.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestBybitOHLCV(t *testing.T) {
	c := newTestBybit(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/kline" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("interval"); got != "60" {
			t.Errorf("interval = %s, want 60", got)
		}
		// Newest first, as the venue serves them.
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			["1704070800000","42250","42400","42100","42300","120.5","5090000"],
			["1704067200000","42100","42300","42000","42250","100.2","4210000"]
		]}}`))
	}))

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)
	bars, err := c.GetOHLCV(context.Background(), "BTC/USDT", models.TF1h, start, end)
	if err != nil {
		t.Fatalf("GetOHLCV: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("bars = %d, want 2", len(bars))
	}
	if !bars[0].Timestamp.Before(bars[1].Timestamp) {
		t.Error("bars not ascending")
	}
	if bars[0].Open != 42100 || bars[1].Close != 42300 {
		t.Errorf("bar values wrong: %+v", bars)
	}
}

func TestBybitFundingRate(t *testing.T) {
	c := newTestBybit(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"BTCUSDT","fundingRate":"0.0001","fundingRateTimestamp":"1704096000000"},
			{"symbol":"BTCUSDT","fundingRate":"-0.0002","fundingRateTimestamp":"1704067200000"}
		]}}`))
	}))

	pts, err := c.GetFundingRate(context.Background(), "BTC/USDT", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetFundingRate: %v", err)
	}
	if len(pts) != 2 {
		t.Fatalf("points = %d, want 2", len(pts))
	}
	if pts[0].Rate != -0.0002 || pts[1].Rate != 0.0001 {
		t.Errorf("rates = %v, want ascending by time", pts)
	}
}

func TestBybitSymbolNotFound(t *testing.T) {
	calls := int32(0)
	c := newTestBybit(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"retCode":10001,"retMsg":"Not supported symbols","result":{}}`))
	}))

	_, err := c.GetOHLCV(context.Background(), "XXX/USDT", models.TF1h, time.Time{}, time.Time{})
	var notFound *ErrSymbolNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want ErrSymbolNotFound", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBybitMarkPriceCached(t *testing.T) {
	calls := int32(0)
	c := newTestBybit(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{"markPrice":"42250.5"}]}}`))
	}))

	for i := 0; i < 3; i++ {
		mark, err := c.GetMarkPrice(context.Background(), "BTC/USDT")
		if err != nil {
			t.Fatalf("GetMarkPrice: %v", err)
		}
		if mark != 42250.5 {
			t.Errorf("mark = %v, want 42250.5", mark)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("HTTP calls = %d, want 1 (repeat lookups served from cache)", got)
	}

	// A fresh TTL window forces a refetch.
	c.gate.configureCache(time.Millisecond)
	if _, err := c.GetMarkPrice(context.Background(), "BTC/USDT"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := c.GetMarkPrice(context.Background(), "BTC/USDT"); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("HTTP calls = %d, want 3 after expiry", got)
	}
}

func TestBybitMarkPriceErrorNotCached(t *testing.T) {
	calls := int32(0)
	c := newTestBybit(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]}}`))
			return
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{"markPrice":"100"}]}}`))
	}))

	var notFound *ErrSymbolNotFound
	if _, err := c.GetMarkPrice(context.Background(), "BTC/USDT"); !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want ErrSymbolNotFound", err)
	}
	mark, err := c.GetMarkPrice(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if mark != 100 {
		t.Errorf("mark = %v, want 100", mark)
	}
}

func TestBybitLiquidationsNotSupported(t *testing.T) {
	c := NewBybitConnector(infra.NewLimiterSet(), zerolog.Nop())
	_, err := c.GetLiquidations(context.Background(), "BTC/USDT", time.Time{}, time.Time{})
	var notSupported *ErrExchangeNotSupported
	if !errors.As(err, &notSupported) {
		t.Fatalf("err = %v, want ErrExchangeNotSupported", err)
	}
}

// ════════════════════════════════════════════════════════════════════
// OKX
// ════════════════════════════════════════════════════════════════════

func newTestOKX(t *testing.T, handler http.Handler) *OKXConnector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewOKXConnector(infra.NewLimiterSet(), zerolog.Nop())
	c.baseURL = srv.URL
	c.gate.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestOKXOHLCV(t *testing.T) {
	c := newTestOKX(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("instId"); got != "BTC-USDT-SWAP" {
			t.Errorf("instId = %s", got)
		}
		if got := r.URL.Query().Get("bar"); got != "1H" {
			t.Errorf("bar = %s, want 1H", got)
		}
		w.Write([]byte(`{"code":"0","msg":"","data":[
			["1704070800000","42250","42400","42100","42300","500","21000000"],
			["1704067200000","42100","42300","42000","42250","400","16800000"]
		]}`))
	}))

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars, err := c.GetOHLCV(context.Background(), "BTC/USDT", models.TF1h, start, start.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("GetOHLCV: %v", err)
	}
	if len(bars) != 2 || !bars[0].Timestamp.Before(bars[1].Timestamp) {
		t.Fatalf("bars = %+v, want 2 ascending", bars)
	}
}

func TestOKXLongShortRatioDecomposition(t *testing.T) {
	c := newTestOKX(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("ccy"); got != "BTC" {
			t.Errorf("ccy = %s, want BTC", got)
		}
		w.Write([]byte(`{"code":"0","msg":"","data":[["1704067200000","1.5"]]}`))
	}))

	pts, err := c.GetLongShortRatio(context.Background(), "BTC/USDT", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetLongShortRatio: %v", err)
	}
	if len(pts) != 1 {
		t.Fatalf("points = %d, want 1", len(pts))
	}
	if diff := pts[0].LongPct - 0.6; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("LongPct = %v, want 0.6", pts[0].LongPct)
	}
	if diff := pts[0].Ratio() - 1.5; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Ratio = %v, want 1.5", pts[0].Ratio())
	}
}

func TestOKXInstrumentNotFound(t *testing.T) {
	c := newTestOKX(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"51001","msg":"Instrument ID does not exist","data":[]}`))
	}))
	_, err := c.GetMarkPrice(context.Background(), "XXX/USDT")
	var notFound *ErrSymbolNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want ErrSymbolNotFound", err)
	}
}

// ════════════════════════════════════════════════════════════════════
// Binance conversion helpers
// ════════════════════════════════════════════════════════════════════

func TestBinanceKlineToBar(t *testing.T) {
	bar, err := binanceKlineToBar(&futures.Kline{
		OpenTime: 1704067200000,
		Open:     "42100.5",
		High:     "42300",
		Low:      "42000",
		Close:    "42250",
		Volume:   "100.25",
	})
	if err != nil {
		t.Fatal(err)
	}
	if bar.Timestamp != time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) {
		t.Errorf("timestamp = %v", bar.Timestamp)
	}
	if bar.Open != 42100.5 || bar.Volume != 100.25 {
		t.Errorf("bar = %+v", bar)
	}

	if _, err := binanceKlineToBar(&futures.Kline{Open: "not-a-number"}); err == nil {
		t.Error("expected parse error")
	}
}

func TestRegistryNew(t *testing.T) {
	for _, name := range Names() {
		c, err := New(name, Options{Log: zerolog.Nop()})
		if err != nil {
			t.Fatalf("New(%s): %v", name, err)
		}
		if c.Name() != name {
			t.Errorf("Name() = %s, want %s", c.Name(), name)
		}
	}
	if _, err := New("kraken", Options{}); err == nil {
		t.Error("expected error for unknown exchange")
	}
}

func TestSortDedupLiqMerges(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	pts := sortDedupLiq([]models.LiquidationPoint{
		{Timestamp: ts.Add(time.Hour), BuyVolume: 5},
		{Timestamp: ts, BuyVolume: 1, SellVolume: 2},
		{Timestamp: ts, BuyVolume: 3, SellVolume: 4},
	})
	if len(pts) != 2 {
		t.Fatalf("points = %d, want 2", len(pts))
	}
	if pts[0].BuyVolume != 4 || pts[0].SellVolume != 6 {
		t.Errorf("merged point = %+v", pts[0])
	}
}
