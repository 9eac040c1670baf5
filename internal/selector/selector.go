// Package selector implements the Backend Selector (spec §4.4): choosing
// one healthy backend from a route's backend list per upstream attempt,
// weighted-random by default with sticky-session and retry-exclusion
// support.
package selector

import (
	"errors"
	"hash/fnv"
	"math/rand/v2"
	"net/http"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

// ErrNoHealthyBackend is returned when no backend is eligible for
// selection (spec §4.4 "Fails with NoHealthyBackend when no backend is
// eligible").
var ErrNoHealthyBackend = errors.New("selector: no healthy backend")

// HealthProvider reports the last known health of a backend, keyed by
// Backend.Key(). The *health.Prober type satisfies this interface; a
// missing entry (ok == false) means "never probed or no health_check
// configured", which the selector treats as healthy per spec §4.4 ("UNKNOWN
// is treated as healthy until the first probe completes").
type HealthProvider interface {
	State(key string) (model.BackendState, bool)
}

// Selector picks backends for a route's outbound attempts.
type Selector struct {
	health HealthProvider
}

// New builds a Selector backed by the given HealthProvider. A nil provider
// treats every backend as healthy (useful for routes/tests with no active
// health checks at all).
func New(health HealthProvider) *Selector {
	return &Selector{health: health}
}

// Select picks one backend from route.Backends for the current attempt.
// excluded carries backend keys to skip (spec §4.4 point 4: "On retry, the
// previously attempted backend is excluded if any other healthy backend
// exists"); it may be nil on a first attempt.
func (s *Selector) Select(route *model.Route, req *http.Request, excluded map[string]bool) (model.Backend, error) {
	eligible := s.eligibleBackends(route.Backends, excluded)
	if len(eligible) == 0 {
		// Retry exclusion must not strand a request when the excluded
		// backend is the only healthy one left.
		eligible = s.eligibleBackends(route.Backends, nil)
	}
	if len(eligible) == 0 {
		return model.Backend{}, ErrNoHealthyBackend
	}

	if route.StickySession {
		if cookie, err := req.Cookie(route.CookieName()); err == nil && cookie.Value != "" {
			if b, ok := s.stickyPick(route.Backends, cookie.Value, excluded); ok {
				return b, nil
			}
		}
	}

	return weightedRandomPick(eligible), nil
}

func (s *Selector) eligibleBackends(backends []model.Backend, excluded map[string]bool) []model.Backend {
	out := make([]model.Backend, 0, len(backends))
	for _, b := range backends {
		key := b.Key()
		if excluded[key] {
			continue
		}
		if !s.isHealthy(key) {
			continue
		}
		out = append(out, b)
	}
	return out
}

func (s *Selector) isHealthy(key string) bool {
	if s.health == nil {
		return true
	}
	st, ok := s.health.State(key)
	if !ok {
		return true
	}
	return st.Health != model.HealthDown
}

// stickyPick resolves the deterministic hash(cookie) mod total_weight
// backend. It falls back to the weighted-random path (returning ok=false)
// when the resolved backend is excluded or unhealthy.
func (s *Selector) stickyPick(backends []model.Backend, cookieValue string, excluded map[string]bool) (model.Backend, bool) {
	totalWeight := 0
	for _, b := range backends {
		totalWeight += effectiveWeight(b)
	}
	if totalWeight == 0 {
		return model.Backend{}, false
	}

	target := int(stickyHash(cookieValue) % uint32(totalWeight))
	cum := 0
	for _, b := range backends {
		cum += effectiveWeight(b)
		if target < cum {
			key := b.Key()
			if excluded[key] || !s.isHealthy(key) {
				return model.Backend{}, false
			}
			return b, true
		}
	}
	return model.Backend{}, false
}

func stickyHash(value string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(value))
	return h.Sum32()
}

func effectiveWeight(b model.Backend) int {
	if b.Weight <= 0 {
		return 1
	}
	return b.Weight
}

func weightedRandomPick(backends []model.Backend) model.Backend {
	totalWeight := 0
	for _, b := range backends {
		totalWeight += effectiveWeight(b)
	}
	if totalWeight <= 0 {
		return backends[0]
	}

	target := rand.N(totalWeight)
	cum := 0
	for _, b := range backends {
		cum += effectiveWeight(b)
		if target < cum {
			return b
		}
	}
	return backends[len(backends)-1]
}
