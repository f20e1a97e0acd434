package experiment

import (
	"encoding/json"
	"fmt"
	"html"
	"math"
	"sort"
	"strings"

	"github.com/openperp/perpquant/internal/risk"
	"github.com/openperp/perpquant/pkg/models"
)

// ReportFormat selects the rendering of an experiment summary.
type ReportFormat string

const (
	ReportMarkdown ReportFormat = "markdown"
	ReportJSON     ReportFormat = "json"
	ReportHTML     ReportFormat = "html"
)

// Top returns the k best completed runs by the metric. Runs whose metric
// is missing or NaN are excluded. Ties break on ComboID so the order is
// reproducible.
func Top(runs []models.ExperimentRun, k int, metric string, minimize bool) []models.ExperimentRun {
	var ranked []models.ExperimentRun
	for _, r := range runs {
		if r.Status != models.RunCompleted || r.Metrics == nil {
			continue
		}
		if v, ok := r.Metrics.Metric(metric); ok && !math.IsNaN(v) {
			ranked = append(ranked, r)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, _ := ranked[i].Metrics.Metric(metric)
		b, _ := ranked[j].Metrics.Metric(metric)
		if a != b {
			if minimize {
				return a < b
			}
			return a > b
		}
		return ranked[i].ComboID < ranked[j].ComboID
	})
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

// Predicate filters runs by metric ranges and parameter equality.
type Predicate struct {
	MetricMin   map[string]float64
	MetricMax   map[string]float64
	ParamEquals map[string]any
}

// Filter returns the completed runs matching every clause of the predicate.
func Filter(runs []models.ExperimentRun, p Predicate) []models.ExperimentRun {
	var out []models.ExperimentRun
	for _, r := range runs {
		if r.Status != models.RunCompleted || r.Metrics == nil {
			continue
		}
		if matches(r, p) {
			out = append(out, r)
		}
	}
	return out
}

func matches(r models.ExperimentRun, p Predicate) bool {
	for name, min := range p.MetricMin {
		v, ok := r.Metrics.Metric(name)
		if !ok || math.IsNaN(v) || v < min {
			return false
		}
	}
	for name, max := range p.MetricMax {
		v, ok := r.Metrics.Metric(name)
		if !ok || math.IsNaN(v) || v > max {
			return false
		}
	}
	for name, want := range p.ParamEquals {
		if fmt.Sprint(r.Params[name]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// ParameterImportance scores how strongly each swept numeric parameter
// moves the metric, as absolute Pearson correlations normalized to sum 1.
// The computation is deterministic for a given run set.
func ParameterImportance(runs []models.ExperimentRun, metric string) map[string]float64 {
	cols, target := numericColumns(runs, metric)

	raw := make(map[string]float64, len(cols))
	total := 0.0
	for name, values := range cols {
		c := risk.Correlation(values, target)
		if math.IsNaN(c) {
			continue
		}
		raw[name] = math.Abs(c)
		total += math.Abs(c)
	}
	if total == 0 {
		return raw
	}
	for name := range raw {
		raw[name] /= total
	}
	return raw
}

// CorrelationMatrix computes pairwise correlations across the swept
// numeric parameters and the requested metrics.
func CorrelationMatrix(runs []models.ExperimentRun, metrics []string) map[string]map[string]float64 {
	series := make(map[string][]float64)
	for _, metric := range metrics {
		cols, target := numericColumns(runs, metric)
		series[metric] = target
		for name, values := range cols {
			series[name] = values
		}
	}

	names := make([]string, 0, len(series))
	for name := range series {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]map[string]float64, len(names))
	for _, a := range names {
		out[a] = make(map[string]float64, len(names))
		for _, b := range names {
			if a == b {
				out[a][b] = 1
				continue
			}
			out[a][b] = risk.Correlation(series[a], series[b])
		}
	}
	return out
}

// numericColumns extracts aligned numeric parameter columns and the metric
// column from the completed runs that carry the metric.
func numericColumns(runs []models.ExperimentRun, metric string) (map[string][]float64, []float64) {
	cols := make(map[string][]float64)
	var target []float64

	for _, r := range runs {
		if r.Status != models.RunCompleted || r.Metrics == nil {
			continue
		}
		v, ok := r.Metrics.Metric(metric)
		if !ok || math.IsNaN(v) {
			continue
		}
		target = append(target, v)
		for name, raw := range r.Params {
			if f, ok := asFloat(raw); ok {
				cols[name] = append(cols[name], f)
			}
		}
	}

	// Drop ragged columns: a parameter absent or non-numeric in some runs
	// cannot be correlated against the full target.
	for name, values := range cols {
		if len(values) != len(target) {
			delete(cols, name)
		}
	}
	return cols, target
}

func asFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// ════════════════════════════════════════════════════════════════════
// Reports
// ════════════════════════════════════════════════════════════════════

// Report renders a human-readable experiment summary.
func Report(result *models.ExperimentResult, format ReportFormat) (string, error) {
	switch format {
	case ReportJSON:
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return "", err
		}
		return string(data), nil
	case ReportMarkdown, "":
		return markdownReport(result), nil
	case ReportHTML:
		return htmlReport(result), nil
	}
	return "", fmt.Errorf("report: unknown format %q", format)
}

func markdownReport(result *models.ExperimentResult) string {
	var b strings.Builder
	cfg := result.Config

	fmt.Fprintf(&b, "# Experiment: %s\n\n", cfg.Name)
	fmt.Fprintf(&b, "- Strategy: `%s`\n", cfg.StrategyID)
	fmt.Fprintf(&b, "- Symbols: %s\n", strings.Join(cfg.Symbols, ", "))
	fmt.Fprintf(&b, "- Metric: %s (%s)\n", cfg.OptimizeMetric, direction(cfg.Minimize))
	fmt.Fprintf(&b, "- Tasks: %d total, %d completed, %d failed, %d skipped\n",
		result.Stats.Total, result.Stats.Completed, result.Stats.Failed, result.Stats.Skipped)
	fmt.Fprintf(&b, "- Elapsed: %s\n\n", result.Elapsed.Round(1e6))

	if result.Best != nil {
		v, _ := result.Best.Metrics.Metric(cfg.OptimizeMetric)
		fmt.Fprintf(&b, "## Best run\n\n")
		fmt.Fprintf(&b, "- Symbol: %s\n", result.Best.Symbol)
		fmt.Fprintf(&b, "- Params: `%s`\n", result.Best.ComboID)
		fmt.Fprintf(&b, "- %s: %.6f\n\n", cfg.OptimizeMetric, v)
	}

	top := Top(result.Runs, 10, cfg.OptimizeMetric, cfg.Minimize)
	if len(top) > 0 {
		fmt.Fprintf(&b, "## Top runs\n\n")
		fmt.Fprintf(&b, "| # | symbol | params | %s | total return | max drawdown | trades |\n", cfg.OptimizeMetric)
		b.WriteString("|---|--------|--------|---|---|---|---|\n")
		for i, r := range top {
			v, _ := r.Metrics.Metric(cfg.OptimizeMetric)
			fmt.Fprintf(&b, "| %d | %s | `%s` | %.4f | %.2f%% | %.2f%% | %d |\n",
				i+1, r.Symbol, r.ComboID, v,
				r.Metrics.TotalReturn*100, r.Metrics.MaxDrawdown*100, r.Metrics.NumTrades)
		}
		b.WriteString("\n")
	}

	importance := ParameterImportance(result.Runs, cfg.OptimizeMetric)
	if len(importance) > 0 {
		fmt.Fprintf(&b, "## Parameter importance\n\n")
		names := make([]string, 0, len(importance))
		for name := range importance {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			if importance[names[i]] != importance[names[j]] {
				return importance[names[i]] > importance[names[j]]
			}
			return names[i] < names[j]
		})
		for _, name := range names {
			fmt.Fprintf(&b, "- %s: %.3f\n", name, importance[name])
		}
	}
	return b.String()
}

func htmlReport(result *models.ExperimentResult) string {
	md := markdownReport(result)
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\">")
	fmt.Fprintf(&b, "<title>Experiment: %s</title>", html.EscapeString(result.Config.Name))
	b.WriteString("</head><body><pre>\n")
	b.WriteString(html.EscapeString(md))
	b.WriteString("</pre></body></html>\n")
	return b.String()
}

func direction(minimize bool) string {
	if minimize {
		return "minimize"
	}
	return "maximize"
}
