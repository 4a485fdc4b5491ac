package circuitbreaker

import (
	"sort"
	"time"
)

// Registry holds one breaker per mount prefix. The set of breakers is fixed
// when the registry is built, so lookups need no locking.
type Registry struct {
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a closed breaker for every name. Duplicate names share
// one breaker.
func NewRegistry(names []string, threshold int, timeout time.Duration, onChange StateChangeFunc) *Registry {
	breakers := make(map[string]*CircuitBreaker, len(names))
	for _, name := range names {
		if _, ok := breakers[name]; !ok {
			breakers[name] = NewCircuitBreaker(name, threshold, timeout, onChange)
		}
	}
	return &Registry{breakers: breakers}
}

// Get returns the breaker for name. ok is false for names the registry was
// not built with.
func (r *Registry) Get(name string) (cb *CircuitBreaker, ok bool) {
	cb, ok = r.breakers[name]
	return cb, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns the current state of every breaker.
func (r *Registry) Stats() map[string]State {
	stats := make(map[string]State, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.State()
	}
	return stats
}
