package exchange

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"

	"github.com/openperp/perpquant/internal/infra"
	"github.com/openperp/perpquant/internal/symbols"
	"github.com/openperp/perpquant/pkg/models"
)

// ════════════════════════════════════════════════════════════════════
// Binance USDⓈ-M Futures Connector
// ════════════════════════════════════════════════════════════════════

const (
	binanceKlineLimit  = 1500
	binanceSeriesLimit = 500
)

// BinanceConnector serves perpetual market data from Binance USDⓈ-M
// futures through the official REST client. Credentials are optional for
// the public market-data endpoints used here.
type BinanceConnector struct {
	client *futures.Client
	gate   *gate
}

// NewBinanceConnector builds a connector sharing the process-wide limiter
// set. apiKey and secret may be empty.
func NewBinanceConnector(apiKey, secret string, limiters *infra.LimiterSet, log zerolog.Logger) *BinanceConnector {
	return &BinanceConnector{
		client: futures.NewClient(apiKey, secret),
		gate:   newGate("binance", limiters, log),
	}
}

func (c *BinanceConnector) Name() string { return "binance" }

func (c *BinanceConnector) native(symbol string) (string, error) {
	native, err := symbols.ToExchange(symbol, "binance")
	if err != nil {
		return "", &ErrSymbolNotFound{Symbol: symbol, Exchange: "binance"}
	}
	return native, nil
}

// classify maps client errors onto the connector taxonomy so the retry
// loop can tell deterministic failures from transient ones.
func (c *BinanceConnector) classify(err error, symbol string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Invalid symbol") || strings.Contains(msg, "code=-1121"):
		return &ErrSymbolNotFound{Symbol: symbol, Exchange: "binance"}
	case strings.Contains(msg, "code=-1003") || strings.Contains(msg, "Too many requests"):
		return &httpStatusError{status: 429, body: msg}
	default:
		return err
	}
}

func (c *BinanceConnector) GetOHLCV(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time) ([]models.Bar, error) {
	native, err := c.native(symbol)
	if err != nil {
		return nil, err
	}

	var bars []models.Bar
	cursor := start
	for {
		var page []*futures.Kline
		err := c.gate.call(ctx, "klines", 5, func() error {
			svc := c.client.NewKlinesService().
				Symbol(native).
				Interval(string(tf)).
				Limit(binanceKlineLimit)
			if !cursor.IsZero() {
				svc = svc.StartTime(cursor.UnixMilli())
			}
			if !end.IsZero() {
				svc = svc.EndTime(end.UnixMilli())
			}
			res, reqErr := svc.Do(ctx)
			if reqErr != nil {
				return c.classify(reqErr, symbol)
			}
			page = res
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, k := range page {
			bar, convErr := binanceKlineToBar(k)
			if convErr != nil {
				return nil, &ErrDataFormat{Exchange: "binance", Detail: convErr.Error()}
			}
			if withinRange(bar.Timestamp, start, end) {
				bars = append(bars, bar)
			}
		}
		last := time.UnixMilli(page[len(page)-1].OpenTime).UTC()
		next := last.Add(tf.Duration())
		if len(page) < binanceKlineLimit || (!end.IsZero() && next.After(end)) || !next.After(cursor) {
			break
		}
		cursor = next
	}
	return sortDedupBars(bars), nil
}

func binanceKlineToBar(k *futures.Kline) (models.Bar, error) {
	vals := make([]float64, 5)
	for i, raw := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return models.Bar{}, fmt.Errorf("kline field %d: %w", i, err)
		}
		vals[i] = v
	}
	return models.Bar{
		Timestamp: time.UnixMilli(k.OpenTime).UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

func (c *BinanceConnector) GetFundingRate(ctx context.Context, symbol string, start, end time.Time) ([]models.FundingPoint, error) {
	native, err := c.native(symbol)
	if err != nil {
		return nil, err
	}

	var pts []models.FundingPoint
	cursor := start
	for {
		var page []*futures.FundingRate
		err := c.gate.call(ctx, "funding", 1, func() error {
			svc := c.client.NewFundingRateService().Symbol(native).Limit(1000)
			if !cursor.IsZero() {
				svc = svc.StartTime(cursor.UnixMilli())
			}
			if !end.IsZero() {
				svc = svc.EndTime(end.UnixMilli())
			}
			res, reqErr := svc.Do(ctx)
			if reqErr != nil {
				return c.classify(reqErr, symbol)
			}
			page = res
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, f := range page {
			rate, convErr := strconv.ParseFloat(f.FundingRate, 64)
			if convErr != nil {
				return nil, &ErrDataFormat{Exchange: "binance", Detail: "funding rate: " + convErr.Error()}
			}
			ts := time.UnixMilli(f.FundingTime).UTC()
			if withinRange(ts, start, end) {
				pts = append(pts, models.FundingPoint{Timestamp: ts, Rate: rate})
			}
		}
		next := time.UnixMilli(page[len(page)-1].FundingTime).UTC().Add(time.Millisecond)
		if len(page) < 1000 || (!end.IsZero() && next.After(end)) || !next.After(cursor) {
			break
		}
		cursor = next
	}
	return sortDedupFunding(pts), nil
}

func (c *BinanceConnector) GetOpenInterest(ctx context.Context, symbol string, start, end time.Time) ([]models.OIPoint, error) {
	native, err := c.native(symbol)
	if err != nil {
		return nil, err
	}

	var pts []models.OIPoint
	cursor := start
	for {
		var page []*futures.OpenInterestStatistic
		err := c.gate.call(ctx, "open_interest", 1, func() error {
			svc := c.client.NewOpenInterestStatisticsService().
				Symbol(native).
				Period("1h").
				Limit(binanceSeriesLimit)
			if !cursor.IsZero() {
				svc = svc.StartTime(cursor.UnixMilli())
			}
			if !end.IsZero() {
				svc = svc.EndTime(end.UnixMilli())
			}
			res, reqErr := svc.Do(ctx)
			if reqErr != nil {
				return c.classify(reqErr, symbol)
			}
			page = res
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, o := range page {
			oi, convErr := strconv.ParseFloat(o.SumOpenInterest, 64)
			if convErr != nil {
				return nil, &ErrDataFormat{Exchange: "binance", Detail: "open interest statistic not numeric"}
			}
			ts := time.UnixMilli(o.Timestamp).UTC()
			if withinRange(ts, start, end) {
				pts = append(pts, models.OIPoint{Timestamp: ts, Value: oi})
			}
		}
		next := time.UnixMilli(page[len(page)-1].Timestamp).UTC().Add(time.Millisecond)
		if len(page) < binanceSeriesLimit || (!end.IsZero() && next.After(end)) || !next.After(cursor) {
			break
		}
		cursor = next
	}
	return sortDedupOI(pts), nil
}

func (c *BinanceConnector) GetLongShortRatio(ctx context.Context, symbol string, start, end time.Time) ([]models.LSRPoint, error) {
	native, err := c.native(symbol)
	if err != nil {
		return nil, err
	}

	var pts []models.LSRPoint
	err = c.gate.call(ctx, "long_short_ratio", 1, func() error {
		svc := c.client.NewLongShortRatioService().
			Symbol(native).
			Period("1h").
			Limit(binanceSeriesLimit)
		if !start.IsZero() {
			svc = svc.StartTime(start.UnixMilli())
		}
		if !end.IsZero() {
			svc = svc.EndTime(end.UnixMilli())
		}
		res, reqErr := svc.Do(ctx)
		if reqErr != nil {
			return c.classify(reqErr, symbol)
		}
		for _, r := range res {
			long, err1 := strconv.ParseFloat(r.LongAccount, 64)
			short, err2 := strconv.ParseFloat(r.ShortAccount, 64)
			if err1 != nil || err2 != nil {
				return &ErrDataFormat{Exchange: "binance", Detail: "long/short ratio not numeric"}
			}
			ts := time.UnixMilli(r.Timestamp).UTC()
			if withinRange(ts, start, end) {
				pts = append(pts, models.LSRPoint{Timestamp: ts, LongPct: long, ShortPct: short})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sortDedupLSR(pts), nil
}

// GetBasis derives the basis series from premium-index klines. The kline
// values are already the fractional premium (mark vs index), so the close is
// used directly as basis_pct; the quote-terms basis needs the spot leg and
// is filled in downstream when OHLCV is available.
func (c *BinanceConnector) GetBasis(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time) ([]models.BasisPoint, error) {
	native, err := c.native(symbol)
	if err != nil {
		return nil, err
	}

	var pts []models.BasisPoint
	err = c.gate.call(ctx, "basis", 5, func() error {
		svc := c.client.NewPremiumIndexKlinesService().
			Symbol(native).
			Interval(string(tf)).
			Limit(binanceKlineLimit)
		if !start.IsZero() {
			svc = svc.StartTime(start.UnixMilli())
		}
		if !end.IsZero() {
			svc = svc.EndTime(end.UnixMilli())
		}
		res, reqErr := svc.Do(ctx)
		if reqErr != nil {
			return c.classify(reqErr, symbol)
		}
		for _, k := range res {
			pct, convErr := strconv.ParseFloat(k.Close, 64)
			if convErr != nil {
				return &ErrDataFormat{Exchange: "binance", Detail: "premium kline: " + convErr.Error()}
			}
			ts := time.UnixMilli(k.OpenTime).UTC()
			if withinRange(ts, start, end) {
				pts = append(pts, models.BasisPoint{Timestamp: ts, BasisPct: pct})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].Timestamp.Before(pts[j].Timestamp) })
	return pts, nil
}

// GetLiquidations is not served: Binance retired the historical forced-order
// endpoint for public keys.
func (c *BinanceConnector) GetLiquidations(ctx context.Context, symbol string, start, end time.Time) ([]models.LiquidationPoint, error) {
	return nil, &ErrExchangeNotSupported{Exchange: "binance", Op: "liquidations"}
}

func (c *BinanceConnector) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	native, err := c.native(symbol)
	if err != nil {
		return 0, err
	}

	return c.gate.cachedFloat("mark:"+native, func() (float64, error) {
		var mark float64
		err := c.gate.call(ctx, "mark_price", 1, func() error {
			res, reqErr := c.client.NewPremiumIndexService().Symbol(native).Do(ctx)
			if reqErr != nil {
				return c.classify(reqErr, symbol)
			}
			if len(res) == 0 {
				return &ErrSymbolNotFound{Symbol: symbol, Exchange: "binance"}
			}
			m, convErr := strconv.ParseFloat(res[0].MarkPrice, 64)
			if convErr != nil {
				return &ErrDataFormat{Exchange: "binance", Detail: "mark price: " + convErr.Error()}
			}
			mark = m
			return nil
		})
		if err != nil {
			return 0, err
		}
		return mark, nil
	})
}
