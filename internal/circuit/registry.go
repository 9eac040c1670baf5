package circuit

import (
	"sync"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

// Registry hands out a stable Breaker per (route_id, backend_url) pair,
// creating one lazily on first use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

func key(routeID, backendKey string) string {
	return routeID + "|" + backendKey
}

// Get returns the Breaker for (routeID, backendKey), creating it with
// policy if this is the first request for that pair. The policy supplied
// on a later call after the breaker already exists is ignored: the breaker
// keeps its original policy until Prune drops that pair.
func (r *Registry) Get(routeID, backendKey string, policy model.CircuitBreakerPolicy) *Breaker {
	k := key(routeID, backendKey)

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[k]; ok {
		return b
	}
	b := New(policy)
	r.breakers[k] = b
	return b
}

// States returns a snapshot of every known breaker's state, keyed by
// "route_id|backend_url", for /health/detailed reporting.
func (r *Registry) States() map[string]model.CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]model.CircuitState, len(r.breakers))
	for k, b := range r.breakers {
		out[k] = b.State()
	}
	return out
}

// Prune drops breakers for (route_id, backend_url) pairs no longer present
// in live, keeping the registry from growing unbounded across many
// route-set updates that drop backends.
func (r *Registry) Prune(live map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.breakers {
		if !live[k] {
			delete(r.breakers, k)
		}
	}
}
