// Package experiment expands parameter grids into tasks, runs them through
// a bounded worker pool with checkpointing, and analyzes the results.
package experiment

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/openperp/perpquant/pkg/models"
)

// defaultMaxCombinations caps expansion when the config leaves it unset.
const defaultMaxCombinations = 1000

// ExpandGrid turns the configured parameter grid into concrete parameter
// bundles. Dimension order is the sorted parameter names, so expansion is
// deterministic; sampled modes are deterministic given the seed.
func ExpandGrid(cfg models.ExperimentConfig) ([]models.Params, error) {
	names := make([]string, 0, len(cfg.ParamGrid))
	for name := range cfg.ParamGrid {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([][]any, len(names))
	for i, name := range names {
		vs, err := dimensionValues(name, cfg.ParamGrid[name])
		if err != nil {
			return nil, err
		}
		values[i] = vs
	}

	limit := cfg.MaxCombinations
	if limit <= 0 {
		limit = defaultMaxCombinations
	}

	var combos []models.Params
	switch cfg.Mode {
	case models.GridRandom, models.GridBayesian:
		combos = sampleCombos(names, values, limit, cfg.Seed)
	default:
		combos = cartesian(names, values)
		if len(combos) > limit {
			combos = combos[:limit]
		}
	}

	// Base parameters fill in everything the grid does not sweep.
	for i, combo := range combos {
		merged := make(models.Params, len(cfg.BaseParams)+len(combo))
		for k, v := range cfg.BaseParams {
			merged[k] = v
		}
		for k, v := range combo {
			merged[k] = v
		}
		combos[i] = merged
	}
	return combos, nil
}

func dimensionValues(name string, dim models.GridDimension) ([]any, error) {
	switch {
	case len(dim.Values) > 0:
		return dim.Values, nil

	case dim.Range != nil:
		r := *dim.Range
		if r.Step <= 0 {
			return nil, fmt.Errorf("grid %q: range step must be positive", name)
		}
		if r.Stop < r.Start {
			return nil, fmt.Errorf("grid %q: range stop below start", name)
		}
		integral := isWhole(r.Start) && isWhole(r.Stop) && isWhole(r.Step)
		var out []any
		// Half-step tolerance keeps float accumulation from dropping the
		// final value.
		for v := r.Start; v <= r.Stop+r.Step/2; v += r.Step {
			if integral {
				out = append(out, int(math.Round(v)))
			} else {
				out = append(out, v)
			}
		}
		return out, nil

	case dim.LogRange != nil:
		r := *dim.LogRange
		n := int(r.Step)
		if n < 2 {
			return nil, fmt.Errorf("grid %q: log range needs at least 2 samples", name)
		}
		if r.Start <= 0 || r.Stop <= r.Start {
			return nil, fmt.Errorf("grid %q: log range needs 0 < start < stop", name)
		}
		out := make([]any, n)
		logStart, logStop := math.Log(r.Start), math.Log(r.Stop)
		for i := 0; i < n; i++ {
			out[i] = math.Exp(logStart + float64(i)*(logStop-logStart)/float64(n-1))
		}
		return out, nil
	}
	return nil, fmt.Errorf("grid %q: empty dimension", name)
}

func isWhole(v float64) bool { return v == math.Trunc(v) }

func cartesian(names []string, values [][]any) []models.Params {
	if len(names) == 0 {
		return []models.Params{{}}
	}
	total := 1
	for _, vs := range values {
		total *= len(vs)
	}

	out := make([]models.Params, 0, total)
	idx := make([]int, len(names))
	for {
		combo := make(models.Params, len(names))
		for i, name := range names {
			combo[name] = values[i][idx[i]]
		}
		out = append(out, combo)

		// Odometer increment, rightmost dimension fastest.
		pos := len(idx) - 1
		for pos >= 0 {
			idx[pos]++
			if idx[pos] < len(values[pos]) {
				break
			}
			idx[pos] = 0
			pos--
		}
		if pos < 0 {
			return out
		}
	}
}

// sampleCombos draws distinct combinations with a seeded generator. It
// gives up growing the set after repeated duplicate draws, which bounds
// the loop when the grid is smaller than the requested count.
func sampleCombos(names []string, values [][]any, count int, seed int64) []models.Params {
	rng := rand.New(rand.NewSource(seed))
	seen := make(map[string]bool, count)
	out := make([]models.Params, 0, count)

	misses := 0
	for len(out) < count && misses < count*20+100 {
		combo := make(models.Params, len(names))
		for i, name := range names {
			combo[name] = values[i][rng.Intn(len(values[i]))]
		}
		key := combo.Key()
		if seen[key] {
			misses++
			continue
		}
		seen[key] = true
		out = append(out, combo)
	}
	return out
}
