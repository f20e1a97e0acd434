// Package exchange implements the REST connectors that feed the data
// pipeline: one Connector per venue, each hiding pagination, rate limiting,
// retries, and symbol translation behind a uniform capability set.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/openperp/perpquant/internal/infra"
	"github.com/openperp/perpquant/pkg/models"
)

// ════════════════════════════════════════════════════════════════════
// Connector Contract
// ════════════════════════════════════════════════════════════════════

// Connector is the abstract capability set of one exchange. Implementations
// accept canonical BASE/QUOTE symbols and return series sorted ascending by
// UTC timestamp with duplicates removed. Methods a venue does not serve
// return *ErrExchangeNotSupported.
type Connector interface {
	// Name returns the exchange identifier ("binance", "bybit", "okx").
	Name() string

	// GetOHLCV returns candlesticks covering [start, end].
	GetOHLCV(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time) ([]models.Bar, error)

	// GetFundingRate returns historical funding observations (8h cadence).
	GetFundingRate(ctx context.Context, symbol string, start, end time.Time) ([]models.FundingPoint, error)

	// GetOpenInterest returns historical open-interest observations.
	GetOpenInterest(ctx context.Context, symbol string, start, end time.Time) ([]models.OIPoint, error)

	// GetLongShortRatio returns account long/short ratio observations.
	GetLongShortRatio(ctx context.Context, symbol string, start, end time.Time) ([]models.LSRPoint, error)

	// GetBasis returns the perp-versus-index premium as a signed fraction.
	GetBasis(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time) ([]models.BasisPoint, error)

	// GetLiquidations returns forced-closure volume per interval.
	GetLiquidations(ctx context.Context, symbol string, start, end time.Time) ([]models.LiquidationPoint, error)

	// GetMarkPrice returns the current mark price.
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
}

// ════════════════════════════════════════════════════════════════════
// Error Taxonomy
// ════════════════════════════════════════════════════════════════════

// ErrExchangeNotSupported reports an operation the venue does not serve.
type ErrExchangeNotSupported struct {
	Exchange string
	Op       string
}

func (e *ErrExchangeNotSupported) Error() string {
	return fmt.Sprintf("exchange %q does not support %s", e.Exchange, e.Op)
}

// ErrSymbolNotFound reports an unknown or delisted symbol. Never retried.
type ErrSymbolNotFound struct {
	Symbol   string
	Exchange string
}

func (e *ErrSymbolNotFound) Error() string {
	return fmt.Sprintf("symbol %q not found on %s", e.Symbol, e.Exchange)
}

// ErrExchangeAPI reports a transport or protocol failure after retries.
type ErrExchangeAPI struct {
	Exchange string
	Op       string
	Status   int // HTTP status when applicable, 0 otherwise
	Err      error
}

func (e *ErrExchangeAPI) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: HTTP %d: %v", e.Exchange, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Exchange, e.Op, e.Err)
}

func (e *ErrExchangeAPI) Unwrap() error { return e.Err }

// ErrDataFormat reports an unparseable venue response. Never retried.
type ErrDataFormat struct {
	Exchange string
	Detail   string
}

func (e *ErrDataFormat) Error() string {
	return fmt.Sprintf("%s returned malformed data: %s", e.Exchange, e.Detail)
}

// ErrRateLimited is surfaced only once in-connector waits are exhausted.
type ErrRateLimited struct {
	Exchange string
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("%s rate limit exceeded after retries", e.Exchange)
}

// IsTransient reports whether an error is worth retrying at a higher layer
// (experiment runner, pipeline). Symbol, format, and capability errors are
// deterministic and excluded.
func IsTransient(err error) bool {
	var (
		notSupported *ErrExchangeNotSupported
		notFound     *ErrSymbolNotFound
		badFormat    *ErrDataFormat
	)
	if errors.As(err, &notSupported) || errors.As(err, &notFound) || errors.As(err, &badFormat) {
		return false
	}
	var api *ErrExchangeAPI
	var limited *ErrRateLimited
	return errors.As(err, &api) || errors.As(err, &limited) || errors.Is(err, context.DeadlineExceeded)
}

// ════════════════════════════════════════════════════════════════════
// Shared Transport Plumbing
// ════════════════════════════════════════════════════════════════════

const (
	maxAttempts      = 3
	backoffBase      = time.Second
	rateLimitedWait  = 60 * time.Second
	defaultHTTPLimit = 20 * time.Second
	defaultCacheTTL  = 5 * time.Minute
)

// gate bundles the per-connector admission plumbing: the exchange's
// sliding-window limiter, a circuit breaker, a TTL cache for point lookups
// (mark price), and the HTTP client.
type gate struct {
	exchange string
	limiter  *infra.RateLimiter
	breaker  *gobreaker.CircuitBreaker
	cache    *infra.Cache
	httpc    *http.Client
	log      zerolog.Logger

	// sleep is swappable so tests do not wait out real backoffs.
	sleep func(ctx context.Context, d time.Duration) error
}

func newGate(exchange string, limiters *infra.LimiterSet, log zerolog.Logger) *gate {
	return &gate{
		exchange: exchange,
		limiter:  limiters.For(exchange),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    exchange,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		cache: infra.NewCache(defaultCacheTTL),
		httpc: &http.Client{Timeout: defaultHTTPLimit},
		log:   log.With().Str("exchange", exchange).Logger(),
		sleep: sleepCtx,
	}
}

// configureCache replaces the lookup cache with one using the given TTL.
// Zero or negative keeps the default.
func (g *gate) configureCache(ttl time.Duration) {
	if ttl > 0 {
		g.cache = infra.NewCache(ttl)
	}
}

// cachedFloat serves a float-valued lookup from the gate's cache, falling
// through to fetch and caching the result on success. Errors are never
// cached.
func (g *gate) cachedFloat(key string, fetch func() (float64, error)) (float64, error) {
	if v, ok := g.cache.Get(key); ok {
		return v.(float64), nil
	}
	v, err := fetch()
	if err != nil {
		return 0, err
	}
	g.cache.Set(key, v)
	return v, nil
}

// httpStatusError carries a status code through the retry loop.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.body)
}

// call runs fn behind the rate limiter, the circuit breaker, and the retry
// policy: transient and 5xx errors back off exponentially (factor 2, up to
// maxAttempts), HTTP 429 waits a full minute, and 404/unknown-symbol
// short-circuits.
func (g *gate) call(ctx context.Context, op string, weight int, fn func() error) error {
	var lastErr error
	sawRateLimit := false

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoffBase << (attempt - 1)
			if sawRateLimit {
				wait = rateLimitedWait
				sawRateLimit = false
			}
			if err := g.sleep(ctx, wait); err != nil {
				return err
			}
		}
		if err := g.limiter.Acquire(ctx, weight); err != nil {
			return err
		}

		_, err := g.breaker.Execute(func() (any, error) { return nil, fn() })
		if err == nil {
			return nil
		}

		var notFound *ErrSymbolNotFound
		var notSupported *ErrExchangeNotSupported
		var badFormat *ErrDataFormat
		if errors.As(err, &notFound) || errors.As(err, &notSupported) || errors.As(err, &badFormat) {
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var status *httpStatusError
		if errors.As(err, &status) {
			switch {
			case status.status == http.StatusTooManyRequests:
				sawRateLimit = true
				lastErr = &ErrRateLimited{Exchange: g.exchange}
			case status.status == http.StatusNotFound:
				return &ErrSymbolNotFound{Exchange: g.exchange, Symbol: op}
			case status.status >= 500:
				lastErr = &ErrExchangeAPI{Exchange: g.exchange, Op: op, Status: status.status, Err: err}
			default:
				// 4xx other than 404/429 will not improve with retries.
				return &ErrExchangeAPI{Exchange: g.exchange, Op: op, Status: status.status, Err: err}
			}
		} else {
			lastErr = &ErrExchangeAPI{Exchange: g.exchange, Op: op, Err: err}
		}

		g.log.Debug().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("request failed, retrying")
	}
	if lastErr == nil {
		lastErr = &ErrExchangeAPI{Exchange: g.exchange, Op: op, Err: errors.New("retries exhausted")}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ════════════════════════════════════════════════════════════════════
// Series Normalization Helpers
// ════════════════════════════════════════════════════════════════════

// sortDedupBars sorts ascending by timestamp and removes duplicates,
// keeping the last occurrence.
func sortDedupBars(bars []models.Bar) []models.Bar {
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	out := bars[:0]
	for _, b := range bars {
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(b.Timestamp) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}

func sortDedupFunding(pts []models.FundingPoint) []models.FundingPoint {
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].Timestamp.Before(pts[j].Timestamp) })
	out := pts[:0]
	for _, p := range pts {
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(p.Timestamp) {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	return out
}

func sortDedupOI(pts []models.OIPoint) []models.OIPoint {
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].Timestamp.Before(pts[j].Timestamp) })
	out := pts[:0]
	for _, p := range pts {
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(p.Timestamp) {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	return out
}

func sortDedupLSR(pts []models.LSRPoint) []models.LSRPoint {
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].Timestamp.Before(pts[j].Timestamp) })
	out := pts[:0]
	for _, p := range pts {
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(p.Timestamp) {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	return out
}

func sortDedupLiq(pts []models.LiquidationPoint) []models.LiquidationPoint {
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].Timestamp.Before(pts[j].Timestamp) })
	out := pts[:0]
	for _, p := range pts {
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(p.Timestamp) {
			out[n-1].BuyVolume += p.BuyVolume
			out[n-1].SellVolume += p.SellVolume
			continue
		}
		out = append(out, p)
	}
	return out
}

// clampRange trims points outside [start, end]; zero bounds are open.
func withinRange(ts time.Time, start, end time.Time) bool {
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	if !end.IsZero() && ts.After(end) {
		return false
	}
	return true
}
