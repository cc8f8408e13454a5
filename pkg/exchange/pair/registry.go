package pair

import (
	"fmt"
	"sync"
)

// Registry manages trading pairs in a thread-safe manner
// Supports registration, lookup, and status updates
type Registry struct {
	mu    sync.RWMutex
	pairs map[string]*Pair // symbol -> pair
}

// NewRegistry creates an empty pair registry
func NewRegistry() *Registry {
	return &Registry{
		pairs: make(map[string]*Pair),
	}
}

// Register adds a new pair to the registry
// Returns error if a pair with the same symbol already exists
func (r *Registry) Register(p *Pair) error {
	if p == nil {
		return fmt.Errorf("cannot register nil pair")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pairs[p.Symbol]; exists {
		return fmt.Errorf("pair %s already registered", p.Symbol)
	}

	r.pairs[p.Symbol] = p
	return nil
}

// Get retrieves a pair by symbol
func (r *Registry) Get(symbol string) (*Pair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.pairs[symbol]
	if !exists {
		return nil, fmt.Errorf("pair %s not found", symbol)
	}

	return p, nil
}

// List returns all registered pairs
// Returns a copy of the slice to avoid concurrent modification
func (r *Registry) List() []*Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pairs := make([]*Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		pairs = append(pairs, p)
	}

	return pairs
}

// ListActive returns only pairs with Active status
func (r *Registry) ListActive() []*Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pairs := make([]*Pair, 0)
	for _, p := range r.pairs {
		if p.Status == Active {
			pairs = append(pairs, p)
		}
	}

	return pairs
}

// UpdateStatus changes the trading status of a pair
// Used for emergency suspension and resumption
func (r *Registry) UpdateStatus(symbol string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.pairs[symbol]
	if !exists {
		return fmt.Errorf("pair %s not found", symbol)
	}

	p.Status = status
	return nil
}

// Exists checks if a pair is registered
func (r *Registry) Exists(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.pairs[symbol]
	return exists
}

// Count returns the total number of registered pairs
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pairs)
}
