// Package pipeline assembles datasets for the engine: it serves each
// declared data requirement storage-first, falls back to the exchange
// connector, runs quality control, and persists what it fetched. A separate
// operation merges one series kind across several exchanges.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openperp/perpquant/internal/exchange"
	"github.com/openperp/perpquant/internal/quality"
	"github.com/openperp/perpquant/internal/storage"
	"github.com/openperp/perpquant/pkg/models"
)

// ErrDataQuality reports critical QC findings on a required series.
type ErrDataQuality struct {
	Symbol   string
	Kind     models.SeriesKind
	Findings []quality.Finding
}

func (e *ErrDataQuality) Error() string {
	return fmt.Sprintf("%s %s series failed quality control (%d critical findings)",
		e.Symbol, e.Kind, len(e.Findings))
}

// AggMethod selects how aggregate combines per-exchange values.
type AggMethod string

const (
	AggWeightedMean AggMethod = "weighted_mean"
	AggMedian       AggMethod = "median"
	AggSum          AggMethod = "sum"
)

// Pipeline wires storage, quality control, and connectors together.
type Pipeline struct {
	store      *storage.Store
	qc         *quality.Controller
	connectors map[string]exchange.Connector
	maxWorkers int
	autoFix    bool
	log        zerolog.Logger
}

// New builds a pipeline over the given connectors. maxWorkers bounds the
// aggregation fan-out (default 3).
func New(store *storage.Store, qc *quality.Controller, connectors map[string]exchange.Connector, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:      store,
		qc:         qc,
		connectors: connectors,
		maxWorkers: 3,
		autoFix:    true,
		log:        log.With().Str("component", "pipeline").Logger(),
	}
}

// SetMaxWorkers overrides the aggregation fan-out bound.
func (p *Pipeline) SetMaxWorkers(n int) {
	if n > 0 {
		p.maxWorkers = n
	}
}

// cadenceFor returns the storage cadence of a series kind. OHLCV follows the
// requested timeframe; perp series use their native cadences.
func cadenceFor(kind models.SeriesKind, tf models.Timeframe, req models.DataRequirement) string {
	switch kind {
	case models.KindOHLCV, models.KindBasis:
		if req.Timefr != "" {
			return string(req.Timefr)
		}
		return string(tf)
	case models.KindFundingRate:
		return "8h"
	default:
		return "1h"
	}
}

// Load materializes every declared requirement into a Dataset. Required
// series propagate fetch and QC failures; optional series missing from the
// venue are omitted silently.
func (p *Pipeline) Load(ctx context.Context, reqs []models.DataRequirement, symbol, exchangeName string, tf models.Timeframe, start, end time.Time) (*models.Dataset, error) {
	conn, ok := p.connectors[exchangeName]
	if !ok {
		return nil, &exchange.ErrExchangeNotSupported{Exchange: exchangeName, Op: "connector"}
	}

	ds := &models.Dataset{Symbol: symbol, Exchange: exchangeName, Timeframe: tf}
	for _, req := range reqs {
		series, err := p.loadOne(ctx, conn, req, symbol, tf, start, end)
		if err != nil {
			if !req.Required && isOmittable(err) {
				p.log.Debug().
					Str("symbol", symbol).
					Str("kind", string(req.Kind)).
					Err(err).
					Msg("optional series omitted")
				continue
			}
			return nil, err
		}
		ds.Attach(series)
	}
	return ds, nil
}

func isOmittable(err error) bool {
	var notFound *exchange.ErrSymbolNotFound
	var notSupported *exchange.ErrExchangeNotSupported
	return errors.As(err, &notFound) || errors.As(err, &notSupported)
}

func (p *Pipeline) loadOne(ctx context.Context, conn exchange.Connector, req models.DataRequirement, symbol string, tf models.Timeframe, start, end time.Time) (*models.Series, error) {
	q := storage.Query{
		Exchange: conn.Name(),
		Symbol:   symbol,
		Kind:     req.Kind,
		Cadence:  cadenceFor(req.Kind, tf, req),
		Start:    start,
		End:      end,
	}
	if p.store.HasComplete(q) {
		series, err := p.store.Load(q)
		if err == nil {
			return series, nil
		}
		p.log.Warn().Err(err).Str("kind", string(q.Kind)).Msg("cached series unreadable, refetching")
	}

	series, err := p.fetch(ctx, conn, q, tf)
	if err != nil {
		return nil, err
	}

	report := p.qc.Check(series)
	if !report.Passed {
		if req.Required {
			return nil, &ErrDataQuality{Symbol: symbol, Kind: req.Kind, Findings: report.Criticals()}
		}
		series = p.qc.Clean(series, p.autoFix)
	} else if p.autoFix {
		series = p.qc.Clean(series, true)
	}

	if err := p.store.Save(series); err != nil {
		p.log.Warn().Err(err).Str("kind", string(q.Kind)).Msg("could not persist series")
	}
	return series, nil
}

func (p *Pipeline) fetch(ctx context.Context, conn exchange.Connector, q storage.Query, tf models.Timeframe) (*models.Series, error) {
	series := &models.Series{
		Kind:     q.Kind,
		Symbol:   q.Symbol,
		Exchange: q.Exchange,
		Cadence:  q.Cadence,
		Start:    q.Start,
		End:      q.End,
	}
	var err error
	switch q.Kind {
	case models.KindOHLCV:
		series.Bars, err = conn.GetOHLCV(ctx, q.Symbol, tf, q.Start, q.End)
	case models.KindFundingRate:
		series.Funding, err = conn.GetFundingRate(ctx, q.Symbol, q.Start, q.End)
	case models.KindOpenInterest:
		series.OpenInterest, err = conn.GetOpenInterest(ctx, q.Symbol, q.Start, q.End)
	case models.KindBasis:
		series.Basis, err = conn.GetBasis(ctx, q.Symbol, tf, q.Start, q.End)
	case models.KindLiquidations:
		series.Liquidations, err = conn.GetLiquidations(ctx, q.Symbol, q.Start, q.End)
	case models.KindLongShortRatio:
		series.LongShort, err = conn.GetLongShortRatio(ctx, q.Symbol, q.Start, q.End)
	default:
		err = fmt.Errorf("unknown series kind %q", q.Kind)
	}
	if err != nil {
		return nil, err
	}
	return series, nil
}

// ════════════════════════════════════════════════════════════════════
// Multi-Exchange Aggregation
// ════════════════════════════════════════════════════════════════════

// Aggregate merges one series kind across exchanges onto a common timestamp
// grid (outer join). Values more than three cross-exchange standard
// deviations from the per-timestamp mean are flagged in the log but kept.
func (p *Pipeline) Aggregate(ctx context.Context, kind models.SeriesKind, symbol string, exchanges []string, tf models.Timeframe, start, end time.Time, method AggMethod) (*models.Series, error) {
	if len(exchanges) == 0 {
		return nil, errors.New("aggregate needs at least one exchange")
	}

	req := models.DataRequirement{Kind: kind, Required: true}
	perExchange := make([]*models.Series, len(exchanges))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxWorkers)
	var mu sync.Mutex
	for i, name := range exchanges {
		i, name := i, name
		g.Go(func() error {
			conn, ok := p.connectors[name]
			if !ok {
				return &exchange.ErrExchangeNotSupported{Exchange: name, Op: "connector"}
			}
			series, err := p.loadOne(gctx, conn, req, symbol, tf, start, end)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			mu.Lock()
			perExchange[i] = series
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return p.combine(kind, symbol, exchanges, perExchange, tf, start, end, method)
}

// columns extracts the numeric columns of a series keyed by unix-milli
// timestamp, plus an optional weight column (reported volume).
func columns(s *models.Series) (vals map[int64][]float64, weights map[int64]float64, width int) {
	vals = make(map[int64][]float64, s.Len())
	weights = make(map[int64]float64, s.Len())
	switch s.Kind {
	case models.KindOHLCV:
		width = 5
		for _, b := range s.Bars {
			ms := b.Timestamp.UnixMilli()
			vals[ms] = []float64{b.Open, b.High, b.Low, b.Close, b.Volume}
			weights[ms] = b.Volume
		}
	case models.KindFundingRate:
		width = 1
		for _, p := range s.Funding {
			vals[p.Timestamp.UnixMilli()] = []float64{p.Rate}
		}
	case models.KindOpenInterest:
		width = 1
		for _, p := range s.OpenInterest {
			vals[p.Timestamp.UnixMilli()] = []float64{p.Value}
		}
	case models.KindBasis:
		width = 2
		for _, p := range s.Basis {
			vals[p.Timestamp.UnixMilli()] = []float64{p.Basis, p.BasisPct}
		}
	case models.KindLiquidations:
		width = 2
		for _, p := range s.Liquidations {
			vals[p.Timestamp.UnixMilli()] = []float64{p.BuyVolume, p.SellVolume}
		}
	case models.KindLongShortRatio:
		width = 2
		for _, p := range s.LongShort {
			vals[p.Timestamp.UnixMilli()] = []float64{p.LongPct, p.ShortPct}
		}
	}
	return vals, weights, width
}

func (p *Pipeline) combine(kind models.SeriesKind, symbol string, names []string, perExchange []*models.Series, tf models.Timeframe, start, end time.Time, method AggMethod) (*models.Series, error) {
	type source struct {
		name    string
		vals    map[int64][]float64
		weights map[int64]float64
	}
	var width int
	sources := make([]source, len(perExchange))
	grid := make(map[int64]bool)
	for i, s := range perExchange {
		v, w, wd := columns(s)
		width = wd
		sources[i] = source{name: names[i], vals: v, weights: w}
		for ms := range v {
			grid[ms] = true
		}
	}
	if width == 0 {
		return nil, fmt.Errorf("unknown series kind %q", kind)
	}

	stamps := make([]int64, 0, len(grid))
	for ms := range grid {
		stamps = append(stamps, ms)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })

	out := &models.Series{
		Kind:     kind,
		Symbol:   symbol,
		Exchange: "composite:" + strings.Join(names, "+"),
		Cadence:  cadenceFor(kind, tf, models.DataRequirement{Kind: kind}),
		Start:    start,
		End:      end,
	}

	flagged := 0
	for _, ms := range stamps {
		var present []source
		for _, src := range sources {
			if _, ok := src.vals[ms]; ok {
				present = append(present, src)
			}
		}

		// Cross-exchange dispersion check on the primary column.
		primary := make([]float64, len(present))
		for i, src := range present {
			primary[i] = src.vals[ms][primaryColumn(kind)]
		}
		if z := maxAbsZ(primary); z > 3 {
			flagged++
		}

		row := make([]float64, width)
		for col := 0; col < width; col++ {
			colVals := make([]float64, len(present))
			colWeights := make([]float64, len(present))
			for i, src := range present {
				colVals[i] = src.vals[ms][col]
				colWeights[i] = src.weights[ms]
			}
			row[col] = combineValues(colVals, colWeights, method)
		}
		appendCombined(out, time.UnixMilli(ms).UTC(), row)
	}

	if flagged > 0 {
		p.log.Warn().
			Str("symbol", symbol).
			Str("kind", string(kind)).
			Int("timestamps", flagged).
			Msg("cross-exchange outliers included in aggregate")
	}
	return out, nil
}

// primaryColumn picks the column used for the dispersion check.
func primaryColumn(kind models.SeriesKind) int {
	if kind == models.KindOHLCV {
		return 3 // close
	}
	return 0
}

func maxAbsZ(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	var mean float64
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	var ss float64
	for _, v := range vals {
		d := v - mean
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(len(vals)-1))
	if sd == 0 {
		return 0
	}
	var maxZ float64
	for _, v := range vals {
		if z := math.Abs(v-mean) / sd; z > maxZ {
			maxZ = z
		}
	}
	return maxZ
}

func combineValues(vals, weights []float64, method AggMethod) float64 {
	if len(vals) == 0 {
		return 0
	}
	switch method {
	case AggSum:
		var sum float64
		for _, v := range vals {
			sum += v
		}
		return sum
	case AggMedian:
		sorted := append([]float64(nil), vals...)
		sort.Float64s(sorted)
		n := len(sorted)
		if n%2 == 1 {
			return sorted[n/2]
		}
		return (sorted[n/2-1] + sorted[n/2]) / 2
	default: // weighted_mean
		var totalW float64
		for _, w := range weights {
			totalW += w
		}
		if totalW <= 0 {
			// No reported volume: equal weights.
			var sum float64
			for _, v := range vals {
				sum += v
			}
			return sum / float64(len(vals))
		}
		var sum float64
		for i, v := range vals {
			sum += v * weights[i] / totalW
		}
		return sum
	}
}

func appendCombined(s *models.Series, ts time.Time, row []float64) {
	switch s.Kind {
	case models.KindOHLCV:
		s.Bars = append(s.Bars, models.Bar{
			Timestamp: ts, Open: row[0], High: row[1], Low: row[2], Close: row[3], Volume: row[4],
		})
	case models.KindFundingRate:
		s.Funding = append(s.Funding, models.FundingPoint{Timestamp: ts, Rate: row[0]})
	case models.KindOpenInterest:
		s.OpenInterest = append(s.OpenInterest, models.OIPoint{Timestamp: ts, Value: row[0]})
	case models.KindBasis:
		s.Basis = append(s.Basis, models.BasisPoint{Timestamp: ts, Basis: row[0], BasisPct: row[1]})
	case models.KindLiquidations:
		s.Liquidations = append(s.Liquidations, models.LiquidationPoint{Timestamp: ts, BuyVolume: row[0], SellVolume: row[1]})
	case models.KindLongShortRatio:
		s.LongShort = append(s.LongShort, models.LSRPoint{Timestamp: ts, LongPct: row[0], ShortPct: row[1]})
	}
}
