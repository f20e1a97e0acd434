package models

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// ParamKind is the scalar type of a strategy parameter.
type ParamKind string

const (
	ParamInt    ParamKind = "int"
	ParamFloat  ParamKind = "float"
	ParamString ParamKind = "str"
	ParamBool   ParamKind = "bool"
)

// ParameterSpec declares one strategy parameter: its type, default, bounds,
// and optional choice set. Min/Max apply to int and float kinds; Choices to
// string kinds.
type ParameterSpec struct {
	Kind        ParamKind `json:"type"`
	Default     any       `json:"default"`
	Description string    `json:"description"`
	Min         *float64  `json:"min,omitempty"`
	Max         *float64  `json:"max,omitempty"`
	Choices     []string  `json:"choices,omitempty"`
}

// ErrInvalidParameter reports a parameter failing spec validation.
type ErrInvalidParameter struct {
	Name   string
	Detail string
}

func (e *ErrInvalidParameter) Error() string {
	return fmt.Sprintf("invalid parameter %q: %s", e.Name, e.Detail)
}

// Coerce validates a raw value against the spec and converts it to the
// spec's canonical Go type (int64, float64, string, or bool).
func (ps ParameterSpec) Coerce(name string, raw any) (any, error) {
	switch ps.Kind {
	case ParamInt:
		v, ok := toInt(raw)
		if !ok {
			return nil, &ErrInvalidParameter{Name: name, Detail: fmt.Sprintf("expected int, got %T", raw)}
		}
		if ps.Min != nil && float64(v) < *ps.Min {
			return nil, &ErrInvalidParameter{Name: name, Detail: fmt.Sprintf("%d below minimum %g", v, *ps.Min)}
		}
		if ps.Max != nil && float64(v) > *ps.Max {
			return nil, &ErrInvalidParameter{Name: name, Detail: fmt.Sprintf("%d above maximum %g", v, *ps.Max)}
		}
		return v, nil
	case ParamFloat:
		v, ok := toFloat(raw)
		if !ok {
			return nil, &ErrInvalidParameter{Name: name, Detail: fmt.Sprintf("expected float, got %T", raw)}
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &ErrInvalidParameter{Name: name, Detail: "value must be finite"}
		}
		if ps.Min != nil && v < *ps.Min {
			return nil, &ErrInvalidParameter{Name: name, Detail: fmt.Sprintf("%g below minimum %g", v, *ps.Min)}
		}
		if ps.Max != nil && v > *ps.Max {
			return nil, &ErrInvalidParameter{Name: name, Detail: fmt.Sprintf("%g above maximum %g", v, *ps.Max)}
		}
		return v, nil
	case ParamString:
		s, ok := raw.(string)
		if !ok {
			return nil, &ErrInvalidParameter{Name: name, Detail: fmt.Sprintf("expected string, got %T", raw)}
		}
		if len(ps.Choices) > 0 {
			for _, c := range ps.Choices {
				if c == s {
					return s, nil
				}
			}
			return nil, &ErrInvalidParameter{Name: name, Detail: fmt.Sprintf("%q not in choices %v", s, ps.Choices)}
		}
		return s, nil
	case ParamBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, &ErrInvalidParameter{Name: name, Detail: fmt.Sprintf("expected bool, got %q", v)}
			}
			return b, nil
		}
		return nil, &ErrInvalidParameter{Name: name, Detail: fmt.Sprintf("expected bool, got %T", raw)}
	}
	return nil, &ErrInvalidParameter{Name: name, Detail: fmt.Sprintf("unknown parameter kind %q", ps.Kind)}
}

// Params is a validated parameter bundle. Values hold the canonical types
// produced by ParameterSpec.Coerce.
type Params map[string]any

// ValidateParams coerces raw values against a schema, filling defaults for
// missing keys and rejecting unknown keys.
func ValidateParams(raw map[string]any, schema map[string]ParameterSpec) (Params, error) {
	out := make(Params, len(schema))
	for name := range raw {
		if _, ok := schema[name]; !ok {
			return nil, &ErrInvalidParameter{Name: name, Detail: "unknown parameter"}
		}
	}
	for name, spec := range schema {
		v, ok := raw[name]
		if !ok {
			v = spec.Default
		}
		coerced, err := spec.Coerce(name, v)
		if err != nil {
			return nil, err
		}
		out[name] = coerced
	}
	return out, nil
}

// Int reads an integer parameter; returns def if absent or mistyped.
func (p Params) Int(name string, def int) int {
	if v, ok := toInt(p[name]); ok {
		return int(v)
	}
	return def
}

// Float reads a float parameter; returns def if absent or mistyped.
func (p Params) Float(name string, def float64) float64 {
	if v, ok := toFloat(p[name]); ok {
		return v
	}
	return def
}

// String reads a string parameter; returns def if absent or mistyped.
func (p Params) String(name, def string) string {
	if s, ok := p[name].(string); ok {
		return s
	}
	return def
}

// Bool reads a bool parameter; returns def if absent or mistyped.
func (p Params) Bool(name string, def bool) bool {
	if b, ok := p[name].(bool); ok {
		return b
	}
	return def
}

// Key returns a stable identifier for the parameter combination, used by
// experiment checkpoints. Keys are sorted so two equal bundles always
// produce the same string.
func (p Params) Key() string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	key := ""
	for i, k := range names {
		if i > 0 {
			key += ","
		}
		key += k + "=" + fmt.Sprint(p[k])
	}
	return key
}

// Clone returns a shallow copy of the bundle.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func toInt(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v == math.Trunc(v) {
			return int64(v), true
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
