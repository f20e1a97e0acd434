// Package storage is the on-disk series cache. Files are addressed by a
// fingerprint of the query (exchange, symbol, kind, cadence, range), written
// gzip-compressed under a nested per-exchange layout, and read back in either
// the nested form or the legacy flat CSV form older tooling produced.
package storage

import (
	"compress/gzip"
	"crypto/sha1"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openperp/perpquant/pkg/models"
)

// minCompleteSize is the cheap completeness floor: a valid gzip header plus
// at least a CSV header row.
const minCompleteSize = 48

// Query identifies one stored series.
type Query struct {
	Exchange string
	Symbol   string // canonical BASE/QUOTE
	Kind     models.SeriesKind
	Cadence  string // timeframe for OHLCV, native cadence otherwise
	Start    time.Time
	End      time.Time
}

// Fingerprint returns the content address of the query: a SHA-1 over its
// normalized fields. Identical queries always map to the same file.
func (q Query) Fingerprint() string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d|%d",
		strings.ToLower(q.Exchange), strings.ToUpper(q.Symbol),
		q.Kind, q.Cadence, q.Start.UnixMilli(), q.End.UnixMilli())
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ErrNotFound reports a cache miss.
type ErrNotFound struct {
	Query Query
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("no cached %s series for %s on %s", e.Query.Kind, e.Query.Symbol, e.Query.Exchange)
}

// Store is a process-wide series cache rooted at one directory. Writes are
// atomic per file (temp then rename), so concurrent readers never observe a
// partial series.
type Store struct {
	root string
	log  zerolog.Logger
}

// NewStore creates the root directory if needed.
func NewStore(root string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage root: %w", err)
	}
	return &Store{root: root, log: log.With().Str("component", "storage").Logger()}, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

// nestedPath is the preferred on-disk location for a query.
func (s *Store) nestedPath(q Query) string {
	symbol := strings.ReplaceAll(strings.ToUpper(q.Symbol), "/", "")
	name := fmt.Sprintf("%s_%s_%s.csv.gz", q.Kind, q.Cadence, q.Fingerprint())
	return filepath.Join(s.root, strings.ToLower(q.Exchange), symbol, name)
}

// legacyPath is the flat layout older exports used: <root>/<SYMBOL_TF>.csv,
// OHLCV only.
func (s *Store) legacyPath(q Query) string {
	symbol := strings.ReplaceAll(strings.ToUpper(q.Symbol), "/", "")
	return filepath.Join(s.root, fmt.Sprintf("%s_%s.csv", symbol, q.Cadence))
}

// HasComplete reports whether a satisfying file is present and plausibly
// whole. It checks existence and size only; integrity belongs to the
// quality controller.
func (s *Store) HasComplete(q Query) bool {
	if fi, err := os.Stat(s.nestedPath(q)); err == nil && fi.Size() >= minCompleteSize {
		return true
	}
	if q.Kind == models.KindOHLCV {
		if fi, err := os.Stat(s.legacyPath(q)); err == nil && fi.Size() >= minCompleteSize {
			return true
		}
	}
	return false
}

// Save writes the series to the nested layout. The file is staged under a
// temp name in the final directory and renamed into place.
func (s *Store) Save(series *models.Series) error {
	q := Query{
		Exchange: series.Exchange,
		Symbol:   series.Symbol,
		Kind:     series.Kind,
		Cadence:  series.Cadence,
		Start:    series.Start,
		End:      series.End,
	}
	path := s.nestedPath(q)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("series dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".series-*")
	if err != nil {
		return fmt.Errorf("series temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	gz := gzip.NewWriter(tmp)
	w := csv.NewWriter(gz)
	if err := writeRows(w, series); err != nil {
		tmp.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("write series: %w", err)
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("compress series: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close series: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publish series: %w", err)
	}

	s.log.Debug().Str("path", path).Int("rows", series.Len()).Msg("saved series")
	return nil
}

// Load reads a stored series back. The nested layout is tried first, then
// the legacy flat form for OHLCV.
func (s *Store) Load(q Query) (*models.Series, error) {
	if f, err := os.Open(s.nestedPath(q)); err == nil {
		defer f.Close()
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("read series %s: %w", s.nestedPath(q), err)
		}
		defer gz.Close()
		return readRows(csv.NewReader(gz), q)
	}

	if q.Kind == models.KindOHLCV {
		if f, err := os.Open(s.legacyPath(q)); err == nil {
			defer f.Close()
			return readRows(csv.NewReader(f), q)
		}
	}
	return nil, &ErrNotFound{Query: q}
}

// ════════════════════════════════════════════════════════════════════
// CSV Encoding
// ════════════════════════════════════════════════════════════════════

var headers = map[models.SeriesKind][]string{
	models.KindOHLCV:          {"timestamp", "open", "high", "low", "close", "volume"},
	models.KindFundingRate:    {"timestamp", "rate"},
	models.KindOpenInterest:   {"timestamp", "value"},
	models.KindBasis:          {"timestamp", "basis", "basis_pct"},
	models.KindLiquidations:   {"timestamp", "buy_volume", "sell_volume"},
	models.KindLongShortRatio: {"timestamp", "long_pct", "short_pct"},
}

func writeRows(w *csv.Writer, series *models.Series) error {
	header, ok := headers[series.Kind]
	if !ok {
		return fmt.Errorf("unknown series kind %q", series.Kind)
	}
	if err := w.Write(header); err != nil {
		return err
	}

	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	ts := func(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

	switch series.Kind {
	case models.KindOHLCV:
		for _, b := range series.Bars {
			if err := w.Write([]string{ts(b.Timestamp), f(b.Open), f(b.High), f(b.Low), f(b.Close), f(b.Volume)}); err != nil {
				return err
			}
		}
	case models.KindFundingRate:
		for _, p := range series.Funding {
			if err := w.Write([]string{ts(p.Timestamp), f(p.Rate)}); err != nil {
				return err
			}
		}
	case models.KindOpenInterest:
		for _, p := range series.OpenInterest {
			if err := w.Write([]string{ts(p.Timestamp), f(p.Value)}); err != nil {
				return err
			}
		}
	case models.KindBasis:
		for _, p := range series.Basis {
			if err := w.Write([]string{ts(p.Timestamp), f(p.Basis), f(p.BasisPct)}); err != nil {
				return err
			}
		}
	case models.KindLiquidations:
		for _, p := range series.Liquidations {
			if err := w.Write([]string{ts(p.Timestamp), f(p.BuyVolume), f(p.SellVolume)}); err != nil {
				return err
			}
		}
	case models.KindLongShortRatio:
		for _, p := range series.LongShort {
			if err := w.Write([]string{ts(p.Timestamp), f(p.LongPct), f(p.ShortPct)}); err != nil {
				return err
			}
		}
	}
	return nil
}

func readRows(r *csv.Reader, q Query) (*models.Series, error) {
	header, ok := headers[q.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown series kind %q", q.Kind)
	}
	r.FieldsPerRecord = len(header)

	first, err := r.Read()
	if err == io.EOF {
		return newSeries(q), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read series header: %w", err)
	}
	series := newSeries(q)
	// A header row is optional in legacy files.
	if first[0] != "timestamp" {
		if err := appendRow(series, first); err != nil {
			return nil, err
		}
	}

	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read series row: %w", err)
		}
		if err := appendRow(series, row); err != nil {
			return nil, err
		}
	}
	return series, nil
}

func newSeries(q Query) *models.Series {
	return &models.Series{
		Kind:     q.Kind,
		Symbol:   q.Symbol,
		Exchange: q.Exchange,
		Cadence:  q.Cadence,
		Start:    q.Start,
		End:      q.End,
	}
}

// parseTime accepts unix milliseconds or RFC 3339, covering both our own
// files and legacy exports.
func parseTime(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func appendRow(series *models.Series, row []string) error {
	t, err := parseTime(row[0])
	if err != nil {
		return err
	}
	vals := make([]float64, len(row)-1)
	for i, raw := range row[1:] {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("field %q: %w", raw, err)
		}
		vals[i] = v
	}

	switch series.Kind {
	case models.KindOHLCV:
		series.Bars = append(series.Bars, models.Bar{
			Timestamp: t, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4],
		})
	case models.KindFundingRate:
		series.Funding = append(series.Funding, models.FundingPoint{Timestamp: t, Rate: vals[0]})
	case models.KindOpenInterest:
		series.OpenInterest = append(series.OpenInterest, models.OIPoint{Timestamp: t, Value: vals[0]})
	case models.KindBasis:
		series.Basis = append(series.Basis, models.BasisPoint{Timestamp: t, Basis: vals[0], BasisPct: vals[1]})
	case models.KindLiquidations:
		series.Liquidations = append(series.Liquidations, models.LiquidationPoint{Timestamp: t, BuyVolume: vals[0], SellVolume: vals[1]})
	case models.KindLongShortRatio:
		series.LongShort = append(series.LongShort, models.LSRPoint{Timestamp: t, LongPct: vals[0], ShortPct: vals[1]})
	}
	return nil
}
