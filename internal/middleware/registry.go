package middleware

import (
	"fmt"
	"sort"
	"sync"

	"github.com/l8e-harbor/l8e-harbor/internal/authn"
)

// Registry is the factory table spec.md §9 calls for: "a factory table
// name -> (config_schema, build(config) -> middleware)", grounded on
// zalando-skipper's skipper.MiddlewareRegistry (Add/Get/Remove by name).
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names returns the registered middleware names, for config.Validate's
// knownMiddleware parameter.
func (r *Registry) Names() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.factories))
	for name := range r.factories {
		out[name] = true
	}
	return out
}

// Sorted returns the registered names in sorted order, for diagnostics.
func (r *Registry) Sorted() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs an Instance of the named middleware with the given
// config. Unknown names cause route rejection at apply time (spec.md
// §4.3); the caller is expected to have already validated the name via
// Names() during config.Validate, so Build treats an unknown name as a
// programming error rather than a user-facing one.
func (r *Registry) Build(name string, config map[string]any) (Instance, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("middleware: unknown middleware %q", name)
	}
	return f(config)
}

// Default returns a Registry with the seven built-in middlewares named in
// spec.md §4.3 registered. auth is wired to the given Authenticator;
// pass nil to register auth with no backing authenticator (any route using
// it will then reject every authenticated request, which is the safe
// failure mode for a misconfigured deployment).
func Default(authenticator authn.Authenticator) *Registry {
	r := NewRegistry()
	r.Register("auth", newAuthFactory(authenticator))
	r.Register("cors", newCORSFactory())
	r.Register("header-rewrite", newHeaderRewriteFactory())
	r.Register("rate-limit", newRateLimitFactory())
	r.Register("logging", newLoggingFactory())
	r.Register("tracing", newTracingFactory())
	r.Register("security-headers", newSecurityHeadersFactory())
	return r
}
