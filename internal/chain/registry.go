package chain

import (
	"fmt"
	"sort"
)

// Registry maps chain identifiers to adapters. It is built once at startup
// from configuration; dispatch-time lookups of unknown chains fail with
// ErrUnsupportedChain.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters. Duplicate chain
// identifiers are a configuration error.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		if _, dup := m[a.Chain()]; dup {
			return nil, fmt.Errorf("duplicate adapter for chain %q", a.Chain())
		}
		m[a.Chain()] = a
	}
	return &Registry{adapters: m}, nil
}

// Get returns the adapter for a chain identifier.
func (r *Registry) Get(chainName string) (Adapter, error) {
	a, ok := r.adapters[chainName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, chainName)
	}
	return a, nil
}

// Chains lists registered chain identifiers in stable order.
func (r *Registry) Chains() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
