// Package backtest runs a strategy over a materialized dataset through the
// simulated broker and scores the result. The per-bar loop is strictly
// sequential; one Engine run shares no state with any other run.
package backtest

import (
	"github.com/openperp/perpquant/internal/broker"
	"github.com/openperp/perpquant/pkg/models"
)

// Strategy is the contract every registered strategy satisfies. A strategy
// additionally implements exactly one of Imperative or Vectorized; the
// engine detects the shape at run time.
type Strategy interface {
	ID() string
	Metadata() models.StrategyMetadata

	// Parameters declares the tunable schema. The engine validates and
	// defaults raw parameters against it before the run starts.
	Parameters() map[string]models.ParameterSpec

	// DataRequirements lists the series the pipeline must materialize.
	// The first element is always OHLCV.
	DataRequirements() []models.DataRequirement
}

// Imperative strategies drive the broker directly, one bar at a time.
type Imperative interface {
	Strategy

	// Init runs once before the first bar; strategies precompute
	// indicators here. Indicator values at index i may only depend on
	// data up to and including i.
	Init(ctx *Context) error

	// OnBar is called for every bar in order with ctx.Index and ctx.Bar
	// set. Broker rejections such as broker.ErrInsufficientFunds are the
	// strategy's to observe; returning an error aborts the run.
	OnBar(ctx *Context) error
}

// Vectorized strategies emit a full signal vector up front. Levels are
// -1 (short), 0 (flat), and 1 (long); the engine turns level transitions
// into broker calls. A signal at index i may only depend on data[:i+1].
type Vectorized interface {
	Strategy
	ComputeSignals(data *models.Dataset, params models.Params) ([]int, error)
}

// ParamValidator is an optional extension for cross-parameter constraints
// that a single ParameterSpec cannot express, e.g. fast < slow.
type ParamValidator interface {
	ValidateParams(params models.Params) error
}

// Context is the engine state handed to an imperative strategy. Broker,
// Data, and Params are fixed for the run; Index and Bar advance per bar.
type Context struct {
	Broker *broker.SimBroker
	Data   *models.Dataset
	Params models.Params
	Index  int
	Bar    models.Bar

	state map[string]any
}

// Set stores a value in the run-scoped scratch space.
func (c *Context) Set(key string, value any) {
	if c.state == nil {
		c.state = make(map[string]any)
	}
	c.state[key] = value
}

// Get reads a value from the scratch space.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.state[key]
	return v, ok
}

// Floats reads a precomputed []float64 from the scratch space, nil when
// absent or mistyped.
func (c *Context) Floats(key string) []float64 {
	if v, ok := c.state[key].([]float64); ok {
		return v
	}
	return nil
}
