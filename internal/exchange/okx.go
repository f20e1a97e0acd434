package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/openperp/perpquant/internal/infra"
	"github.com/openperp/perpquant/internal/symbols"
	"github.com/openperp/perpquant/pkg/models"
)

// ════════════════════════════════════════════════════════════════════
// OKX v5 Swap Connector
// ════════════════════════════════════════════════════════════════════

const okxBaseURL = "https://www.okx.com"

// okxBars maps platform timeframes onto OKX bar codes. Intraday codes are
// lowercase, hour and day codes uppercase.
var okxBars = map[models.Timeframe]string{
	models.TF1m:  "1m",
	models.TF5m:  "5m",
	models.TF15m: "15m",
	models.TF1h:  "1H",
	models.TF4h:  "4H",
	models.TF1d:  "1D",
}

// OKXConnector serves perpetual swap market data through the public OKX v5
// REST API. Trader-position statistics come from the rubik endpoints, which
// are keyed by base currency rather than instrument.
type OKXConnector struct {
	baseURL string
	gate    *gate
}

func NewOKXConnector(limiters *infra.LimiterSet, log zerolog.Logger) *OKXConnector {
	return &OKXConnector{
		baseURL: okxBaseURL,
		gate:    newGate("okx", limiters, log),
	}
}

func (c *OKXConnector) Name() string { return "okx" }

func (c *OKXConnector) native(symbol string) (string, error) {
	native, err := symbols.ToExchange(symbol, "okx")
	if err != nil {
		return "", &ErrSymbolNotFound{Symbol: symbol, Exchange: "okx"}
	}
	return native, nil
}

// okxEnvelope is the common v5 response wrapper. Codes are strings.
type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *OKXConnector) fetch(ctx context.Context, op, path string, query url.Values, out any) error {
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

		var env okxEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return &ErrDataFormat{Exchange: "okx", Detail: "envelope: " + err.Error()}
		}
		switch env.Code {
		case "0":
		case "51001": // instrument does not exist
			return &ErrSymbolNotFound{Symbol: query.Get("instId"), Exchange: "okx"}
		case "50011": // requests too frequent
			return &httpStatusError{status: http.StatusTooManyRequests, body: env.Msg}
		default:
			return fmt.Errorf("code %s: %s", env.Code, env.Msg)
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &ErrDataFormat{Exchange: "okx", Detail: op + " data: " + err.Error()}
		}
		return nil
	})
}

func (c *OKXConnector) GetOHLCV(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time) ([]models.Bar, error) {
	native, err := c.native(symbol)
	if err != nil {
		return nil, err
	}
	bar, ok := okxBars[tf]
	if !ok {
		return nil, &ErrExchangeNotSupported{Exchange: "okx", Op: "timeframe " + string(tf)}
	}

	var bars []models.Bar
	after := end // "after" pages toward older records
	for {
		q := url.Values{}
		q.Set("instId", native)
		q.Set("bar", bar)
		q.Set("limit", "100")
		if !after.IsZero() {
			q.Set("after", strconv.FormatInt(after.UnixMilli(), 10))
		}

		var rows [][]string
		if err := c.fetch(ctx, "candles", "/api/v5/market/history-candles", q, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}

		// Rows come newest first.
		var oldest time.Time
		for _, row := range rows {
			if len(row) < 6 {
				return nil, &ErrDataFormat{Exchange: "okx", Detail: "candle row too short"}
			}
			ms, err := strconv.ParseInt(row[0], 10, 64)
			if err != nil {
				return nil, &ErrDataFormat{Exchange: "okx", Detail: "candle timestamp: " + err.Error()}
			}
			vals := make([]float64, 5)
			for i := 0; i < 5; i++ {
				v, err := strconv.ParseFloat(row[i+1], 64)
				if err != nil {
					return nil, &ErrDataFormat{Exchange: "okx", Detail: "candle field: " + err.Error()}
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
		if len(rows) < 100 || (!start.IsZero() && !oldest.After(start)) || (!after.IsZero() && !oldest.Before(after)) {
			break
		}
		after = oldest
	}
	return sortDedupBars(bars), nil
}

func (c *OKXConnector) GetFundingRate(ctx context.Context, symbol string, start, end time.Time) ([]models.FundingPoint, error) {
	native, err := c.native(symbol)
	if err != nil {
		return nil, err
	}

	var pts []models.FundingPoint
	after := end
	for {
		q := url.Values{}
		q.Set("instId", native)
		q.Set("limit", "100")
		if !after.IsZero() {
			q.Set("after", strconv.FormatInt(after.UnixMilli(), 10))
		}

		var rows []struct {
			FundingRate string `json:"fundingRate"`
			FundingTime string `json:"fundingTime"`
		}
		if err := c.fetch(ctx, "funding", "/api/v5/public/funding-rate-history", q, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}

		var oldest time.Time
		for _, row := range rows {
			ms, err1 := strconv.ParseInt(row.FundingTime, 10, 64)
			rate, err2 := strconv.ParseFloat(row.FundingRate, 64)
			if err1 != nil || err2 != nil {
				return nil, &ErrDataFormat{Exchange: "okx", Detail: "funding row not numeric"}
			}
			ts := time.UnixMilli(ms).UTC()
			if oldest.IsZero() || ts.Before(oldest) {
				oldest = ts
			}
			if withinRange(ts, start, end) {
				pts = append(pts, models.FundingPoint{Timestamp: ts, Rate: rate})
			}
		}
		if len(rows) < 100 || (!start.IsZero() && !oldest.After(start)) || (!after.IsZero() && !oldest.Before(after)) {
			break
		}
		after = oldest
	}
	return sortDedupFunding(pts), nil
}

func (c *OKXConnector) GetOpenInterest(ctx context.Context, symbol string, start, end time.Time) ([]models.OIPoint, error) {
	base, _, err := symbols.Split(symbol)
	if err != nil {
		return nil, &ErrSymbolNotFound{Symbol: symbol, Exchange: "okx"}
	}

	q := url.Values{}
	q.Set("ccy", base)
	q.Set("period", "1H")
	if !start.IsZero() {
		q.Set("begin", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		q.Set("end", strconv.FormatInt(end.UnixMilli(), 10))
	}

	// Rubik rows are [ts, openInterestUSD, volumeUSD].
	var rows [][]string
	if err := c.fetch(ctx, "open_interest", "/api/v5/rubik/stat/contracts/open-interest-volume", q, &rows); err != nil {
		return nil, err
	}

	pts := make([]models.OIPoint, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, &ErrDataFormat{Exchange: "okx", Detail: "open interest row too short"}
		}
		ms, err1 := strconv.ParseInt(row[0], 10, 64)
		notional, err2 := strconv.ParseFloat(row[1], 64)
		if err1 != nil || err2 != nil {
			return nil, &ErrDataFormat{Exchange: "okx", Detail: "open interest row not numeric"}
		}
		ts := time.UnixMilli(ms).UTC()
		if withinRange(ts, start, end) {
			pts = append(pts, models.OIPoint{Timestamp: ts, Value: notional})
		}
	}
	return sortDedupOI(pts), nil
}

func (c *OKXConnector) GetLongShortRatio(ctx context.Context, symbol string, start, end time.Time) ([]models.LSRPoint, error) {
	base, _, err := symbols.Split(symbol)
	if err != nil {
		return nil, &ErrSymbolNotFound{Symbol: symbol, Exchange: "okx"}
	}

	q := url.Values{}
	q.Set("ccy", base)
	q.Set("period", "1H")
	if !start.IsZero() {
		q.Set("begin", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		q.Set("end", strconv.FormatInt(end.UnixMilli(), 10))
	}

	// Rubik rows are [ts, longShortRatio]; the ratio is decomposed into
	// percentage shares so all venues report the same shape.
	var rows [][]string
	if err := c.fetch(ctx, "long_short_ratio", "/api/v5/rubik/stat/contracts/long-short-account-ratio", q, &rows); err != nil {
		return nil, err
	}

	pts := make([]models.LSRPoint, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, &ErrDataFormat{Exchange: "okx", Detail: "long/short row too short"}
		}
		ms, err1 := strconv.ParseInt(row[0], 10, 64)
		ratio, err2 := strconv.ParseFloat(row[1], 64)
		if err1 != nil || err2 != nil || ratio < 0 {
			return nil, &ErrDataFormat{Exchange: "okx", Detail: "long/short row not numeric"}
		}
		ts := time.UnixMilli(ms).UTC()
		if withinRange(ts, start, end) {
			pts = append(pts, models.LSRPoint{
				Timestamp: ts,
				LongPct:   ratio / (1 + ratio),
				ShortPct:  1 / (1 + ratio),
			})
		}
	}
	return sortDedupLSR(pts), nil
}

// GetBasis is not served: OKX exposes only the current premium, not its
// history.
func (c *OKXConnector) GetBasis(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time) ([]models.BasisPoint, error) {
	return nil, &ErrExchangeNotSupported{Exchange: "okx", Op: "basis"}
}

// GetLiquidations is not served: OKX removed the public liquidation-order
// history from the v5 API.
func (c *OKXConnector) GetLiquidations(ctx context.Context, symbol string, start, end time.Time) ([]models.LiquidationPoint, error) {
	return nil, &ErrExchangeNotSupported{Exchange: "okx", Op: "liquidations"}
}

func (c *OKXConnector) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	native, err := c.native(symbol)
	if err != nil {
		return 0, err
	}

	return c.gate.cachedFloat("mark:"+native, func() (float64, error) {
		q := url.Values{}
		q.Set("instType", "SWAP")
		q.Set("instId", native)

		var rows []struct {
			MarkPx string `json:"markPx"`
		}
		if err := c.fetch(ctx, "mark_price", "/api/v5/public/mark-price", q, &rows); err != nil {
			return 0, err
		}
		if len(rows) == 0 {
			return 0, &ErrSymbolNotFound{Symbol: symbol, Exchange: "okx"}
		}
		mark, err := strconv.ParseFloat(rows[0].MarkPx, 64)
		if err != nil {
			return 0, &ErrDataFormat{Exchange: "okx", Detail: "mark price: " + err.Error()}
		}
		return mark, nil
	})
}
