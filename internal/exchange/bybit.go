package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openperp/perpquant/internal/infra"
	"github.com/openperp/perpquant/internal/symbols"
	"github.com/openperp/perpquant/pkg/models"
)

// ════════════════════════════════════════════════════════════════════
// Bybit v5 Linear Perpetuals Connector
// ════════════════════════════════════════════════════════════════════

const bybitBaseURL = "https://api.bybit.com"

// bybitIntervals maps platform timeframes onto Bybit kline interval codes.
var bybitIntervals = map[models.Timeframe]string{
	models.TF1m:  "1",
	models.TF5m:  "5",
	models.TF15m: "15",
	models.TF1h:  "60",
	models.TF4h:  "240",
	models.TF1d:  "D",
}

// BybitConnector serves linear perpetual market data through the public
// Bybit v5 REST API.
type BybitConnector struct {
	baseURL string
	gate    *gate
}

func NewBybitConnector(limiters *infra.LimiterSet, log zerolog.Logger) *BybitConnector {
	return &BybitConnector{
		baseURL: bybitBaseURL,
		gate:    newGate("bybit", limiters, log),
	}
}

func (c *BybitConnector) Name() string { return "bybit" }

func (c *BybitConnector) native(symbol string) (string, error) {
	native, err := symbols.ToExchange(symbol, "bybit")
	if err != nil {
		return "", &ErrSymbolNotFound{Symbol: symbol, Exchange: "bybit"}
	}
	return native, nil
}

// bybitEnvelope is the common v5 response wrapper.
type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// fetch performs one GET against a v5 endpoint behind the gate, unwraps the
// envelope, and decodes result into out.
func (c *BybitConnector) fetch(ctx context.Context, op, path string, query url.Values, out any) error {
	return c.gate.call(ctx, op, 1, func() error {
		u := c.baseURL + path + "?" + query.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := c.gate.httpc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return &httpStatusError{status: resp.StatusCode, body: truncate(string(body), 200)}
		}

		var env bybitEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return &ErrDataFormat{Exchange: "bybit", Detail: "envelope: " + err.Error()}
		}
		if env.RetCode != 0 {
			switch {
			case env.RetCode == 10006:
				return &httpStatusError{status: http.StatusTooManyRequests, body: env.RetMsg}
			case strings.Contains(strings.ToLower(env.RetMsg), "symbol"):
				return &ErrSymbolNotFound{Symbol: query.Get("symbol"), Exchange: "bybit"}
			default:
				return fmt.Errorf("retCode %d: %s", env.RetCode, env.RetMsg)
			}
		}
		if err := json.Unmarshal(env.Result, out); err != nil {
			return &ErrDataFormat{Exchange: "bybit", Detail: op + " result: " + err.Error()}
		}
		return nil
	})
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func (c *BybitConnector) GetOHLCV(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time) ([]models.Bar, error) {
	native, err := c.native(symbol)
	if err != nil {
		return nil, err
	}
	interval, ok := bybitIntervals[tf]
	if !ok {
		return nil, &ErrExchangeNotSupported{Exchange: "bybit", Op: "timeframe " + string(tf)}
	}

	var bars []models.Bar
	cursor := end
	for {
		q := url.Values{}
		q.Set("category", "linear")
		q.Set("symbol", native)
		q.Set("interval", interval)
		q.Set("limit", "1000")
		if !start.IsZero() {
			q.Set("start", strconv.FormatInt(start.UnixMilli(), 10))
		}
		if !cursor.IsZero() {
			q.Set("end", strconv.FormatInt(cursor.UnixMilli(), 10))
		}

		var result struct {
			List [][]string `json:"list"`
		}
		if err := c.fetch(ctx, "kline", "/v5/market/kline", q, &result); err != nil {
			return nil, err
		}
		if len(result.List) == 0 {
			break
		}

		// Bybit returns rows newest first.
		var oldest time.Time
		for _, row := range result.List {
			if len(row) < 6 {
				return nil, &ErrDataFormat{Exchange: "bybit", Detail: "kline row too short"}
			}
			ms, err := strconv.ParseInt(row[0], 10, 64)
			if err != nil {
				return nil, &ErrDataFormat{Exchange: "bybit", Detail: "kline timestamp: " + err.Error()}
			}
			vals := make([]float64, 5)
			for i := 0; i < 5; i++ {
				v, err := strconv.ParseFloat(row[i+1], 64)
				if err != nil {
					return nil, &ErrDataFormat{Exchange: "bybit", Detail: "kline field: " + err.Error()}
				}
				vals[i] = v
			}
			ts := time.UnixMilli(ms).UTC()
			if oldest.IsZero() || ts.Before(oldest) {
				oldest = ts
			}
			if withinRange(ts, start, end) {
				bars = append(bars, models.Bar{
					Timestamp: ts,
					Open:      vals[0],
					High:      vals[1],
					Low:       vals[2],
					Close:     vals[3],
					Volume:    vals[4],
				})
			}
		}
		next := oldest.Add(-time.Millisecond)
		if len(result.List) < 1000 || (!start.IsZero() && !next.After(start)) || (!cursor.IsZero() && !next.Before(cursor)) {
			break
		}
		cursor = next
	}
	return sortDedupBars(bars), nil
}

func (c *BybitConnector) GetFundingRate(ctx context.Context, symbol string, start, end time.Time) ([]models.FundingPoint, error) {
	native, err := c.native(symbol)
	if err != nil {
		return nil, err
	}

	var pts []models.FundingPoint
	cursor := end
	for {
		q := url.Values{}
		q.Set("category", "linear")
		q.Set("symbol", native)
		q.Set("limit", "200")
		if !start.IsZero() {
			q.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
		}
		if !cursor.IsZero() {
			q.Set("endTime", strconv.FormatInt(cursor.UnixMilli(), 10))
		}

		var result struct {
			List []struct {
				FundingRate          string `json:"fundingRate"`
				FundingRateTimestamp string `json:"fundingRateTimestamp"`
			} `json:"list"`
		}
		if err := c.fetch(ctx, "funding", "/v5/market/funding/history", q, &result); err != nil {
			return nil, err
		}
		if len(result.List) == 0 {
			break
		}

		var oldest time.Time
		for _, row := range result.List {
			ms, err1 := strconv.ParseInt(row.FundingRateTimestamp, 10, 64)
			rate, err2 := strconv.ParseFloat(row.FundingRate, 64)
			if err1 != nil || err2 != nil {
				return nil, &ErrDataFormat{Exchange: "bybit", Detail: "funding row not numeric"}
			}
			ts := time.UnixMilli(ms).UTC()
			if oldest.IsZero() || ts.Before(oldest) {
				oldest = ts
			}
			if withinRange(ts, start, end) {
				pts = append(pts, models.FundingPoint{Timestamp: ts, Rate: rate})
			}
		}
		next := oldest.Add(-time.Millisecond)
		if len(result.List) < 200 || (!start.IsZero() && !next.After(start)) || (!cursor.IsZero() && !next.Before(cursor)) {
			break
		}
		cursor = next
	}
	return sortDedupFunding(pts), nil
}

func (c *BybitConnector) GetOpenInterest(ctx context.Context, symbol string, start, end time.Time) ([]models.OIPoint, error) {
	native, err := c.native(symbol)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("category", "linear")
	q.Set("symbol", native)
	q.Set("intervalTime", "1h")
	q.Set("limit", "200")
	if !start.IsZero() {
		q.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		q.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}

	var result struct {
		List []struct {
			OpenInterest string `json:"openInterest"`
			Timestamp    string `json:"timestamp"`
		} `json:"list"`
	}
	if err := c.fetch(ctx, "open_interest", "/v5/market/open-interest", q, &result); err != nil {
		return nil, err
	}

	pts := make([]models.OIPoint, 0, len(result.List))
	for _, row := range result.List {
		ms, err1 := strconv.ParseInt(row.Timestamp, 10, 64)
		oi, err2 := strconv.ParseFloat(row.OpenInterest, 64)
		if err1 != nil || err2 != nil {
			return nil, &ErrDataFormat{Exchange: "bybit", Detail: "open interest row not numeric"}
		}
		ts := time.UnixMilli(ms).UTC()
		if withinRange(ts, start, end) {
			pts = append(pts, models.OIPoint{Timestamp: ts, Value: oi})
		}
	}
	return sortDedupOI(pts), nil
}

func (c *BybitConnector) GetLongShortRatio(ctx context.Context, symbol string, start, end time.Time) ([]models.LSRPoint, error) {
	native, err := c.native(symbol)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("category", "linear")
	q.Set("symbol", native)
	q.Set("period", "1h")
	q.Set("limit", "500")
	if !start.IsZero() {
		q.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		q.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}

	var result struct {
		List []struct {
			BuyRatio  string `json:"buyRatio"`
			SellRatio string `json:"sellRatio"`
			Timestamp string `json:"timestamp"`
		} `json:"list"`
	}
	if err := c.fetch(ctx, "long_short_ratio", "/v5/market/account-ratio", q, &result); err != nil {
		return nil, err
	}

	pts := make([]models.LSRPoint, 0, len(result.List))
	for _, row := range result.List {
		ms, err1 := strconv.ParseInt(row.Timestamp, 10, 64)
		long, err2 := strconv.ParseFloat(row.BuyRatio, 64)
		short, err3 := strconv.ParseFloat(row.SellRatio, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, &ErrDataFormat{Exchange: "bybit", Detail: "account ratio row not numeric"}
		}
		ts := time.UnixMilli(ms).UTC()
		if withinRange(ts, start, end) {
			pts = append(pts, models.LSRPoint{Timestamp: ts, LongPct: long, ShortPct: short})
		}
	}
	return sortDedupLSR(pts), nil
}

// GetBasis is not served: Bybit exposes no historical premium-index series
// over public REST.
func (c *BybitConnector) GetBasis(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time) ([]models.BasisPoint, error) {
	return nil, &ErrExchangeNotSupported{Exchange: "bybit", Op: "basis"}
}

// GetLiquidations is not served: Bybit only streams forced closures over
// websocket and offers no historical REST endpoint.
func (c *BybitConnector) GetLiquidations(ctx context.Context, symbol string, start, end time.Time) ([]models.LiquidationPoint, error) {
	return nil, &ErrExchangeNotSupported{Exchange: "bybit", Op: "liquidations"}
}

func (c *BybitConnector) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	native, err := c.native(symbol)
	if err != nil {
		return 0, err
	}

	return c.gate.cachedFloat("mark:"+native, func() (float64, error) {
		q := url.Values{}
		q.Set("category", "linear")
		q.Set("symbol", native)

		var result struct {
			List []struct {
				MarkPrice string `json:"markPrice"`
			} `json:"list"`
		}
		if err := c.fetch(ctx, "mark_price", "/v5/market/tickers", q, &result); err != nil {
			return 0, err
		}
		if len(result.List) == 0 {
			return 0, &ErrSymbolNotFound{Symbol: symbol, Exchange: "bybit"}
		}
		mark, err := strconv.ParseFloat(result.List[0].MarkPrice, 64)
		if err != nil {
			return 0, &ErrDataFormat{Exchange: "bybit", Detail: "mark price: " + err.Error()}
		}
		return mark, nil
	})
}
