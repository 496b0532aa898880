package carrier

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry manages registered carrier integrations.
type Registry struct {
	carriers map[string]Carrier
	disabled map[string]bool
	mu       sync.RWMutex
}

// NewRegistry creates a new carrier registry.
func NewRegistry() *Registry {
	return &Registry{
		carriers: make(map[string]Carrier),
		disabled: make(map[string]bool),
	}
}

// Register adds a carrier to the registry.
func (r *Registry) Register(c Carrier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.carriers[c.Name()] = c
}

// MarkDisabled records a carrier the operator has switched off.
// Lookups for it report ErrCarrierDisabled instead of not-found, so
// callers can tell a disabled integration from a typo.
func (r *Registry) MarkDisabled(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[name] = true
}

// Get returns a carrier by name.
func (r *Registry) Get(name string) (Carrier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.carriers[name]; ok {
		return c, nil
	}
	if r.disabled[name] {
		return nil, fmt.Errorf("%w: %s", ErrCarrierDisabled, name)
	}
	return nil, fmt.Errorf("%w: %s", ErrCarrierNotFound, name)
}

// Webhook returns a carrier's webhook handler by name. Carriers that do
// not push events are reported the same as unregistered ones.
func (r *Registry) Webhook(name string) (WebhookHandler, error) {
	c, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	h, ok := c.(WebhookHandler)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no webhook support", ErrCarrierNotFound, name)
	}
	return h, nil
}

// All returns all registered carriers.
func (r *Registry) All() []Carrier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Carrier, 0, len(r.carriers))
	for _, c := range r.carriers {
		result = append(result, c)
	}
	return result
}

// Names returns the names of all registered carriers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.carriers))
	for name := range r.carriers {
		names = append(names, name)
	}
	return names
}

// Count returns the number of registered carriers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.carriers)
}

// QuoteAll fetches quotes from all registered carriers in parallel.
// Individual carrier failures are collected, not fatal, so one carrier
// outage never hides quotes from the others.
func (r *Registry) QuoteAll(ctx context.Context, req *QuoteRequest) (map[string]*QuoteResult, []error) {
	carriers := r.All()
	if len(carriers) == 0 {
		return nil, []error{ErrCarrierNotFound}
	}

	results := make(map[string]*QuoteResult, len(carriers))
	errs := make([]error, 0)
	mu := &sync.Mutex{}

	g, ctx := errgroup.WithContext(ctx)

	for _, c := range carriers {
		c := c
		g.Go(func() error {
			res, err := c.Quote(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
				return nil
			}
			results[c.Name()] = res
			return nil
		})
	}

	g.Wait()
	return results, errs
}
