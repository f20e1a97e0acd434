package backtest

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor builds a fresh strategy instance. Instances hold per-run
// state, so the registry hands out constructors rather than singletons.
type Constructor func() Strategy

// Registry maps strategy IDs to constructors. It is populated at process
// init and read-only afterwards.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register adds a constructor under the strategy's ID. Registering the
// same ID twice is a programming error.
func (r *Registry) Register(ctor Constructor) error {
	probe := ctor()
	id := probe.ID()
	if id == "" {
		return fmt.Errorf("registry: strategy ID cannot be empty")
	}
	if _, isImp := probe.(Imperative); !isImp {
		if _, isVec := probe.(Vectorized); !isVec {
			return fmt.Errorf("registry: strategy %q implements neither OnBar nor ComputeSignals", id)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ctors[id]; exists {
		return fmt.Errorf("registry: strategy %q already registered", id)
	}
	r.ctors[id] = ctor
	return nil
}

// Get returns the constructor for the ID.
func (r *Registry) Get(id string) (Constructor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.ctors[id]
	if !ok {
		return nil, fmt.Errorf("registry: unknown strategy %q", id)
	}
	return ctor, nil
}

// List returns all registered strategies sorted by ID.
func (r *Registry) List() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.ctors))
	for id := range r.ctors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Strategy, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.ctors[id]())
	}
	return out
}

// defaultRegistry carries the built-in strategies; see strategies.go.
var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

func mustRegister(ctor Constructor) {
	if err := defaultRegistry.Register(ctor); err != nil {
		panic(err)
	}
}
