package config

import (
	"fmt"
	"regexp"

	"github.com/hashicorp/go-multierror"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

// ErrInvalidRouteSet wraps the accumulated validation failures for a
// candidate route set rejected at apply time (spec.md §4.1).
type ErrInvalidRouteSet struct {
	Err *multierror.Error
}

func (e *ErrInvalidRouteSet) Error() string {
	return fmt.Sprintf("invalid route set: %s", e.Err.Error())
}

func (e *ErrInvalidRouteSet) Unwrap() error { return e.Err.ErrorOrNil() }

var idPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Validate checks a candidate route set as a whole (spec.md §4.1): every
// route must satisfy its own field invariants, every regex matcher must
// compile, and every middleware name must be known to the running
// middleware registry. It does not reject same-(path,priority) collisions
// among routes — those are resolved deterministically at match time by the
// Router's id tie-break, per spec.md's explicit invariant.
//
// knownMiddleware should be the set of names the middleware factory
// registry recognizes; config intentionally does not import the
// middleware package to avoid a dependency cycle (validate.go; registry
// lives in internal/middleware).
func Validate(routes []model.Route, knownMiddleware map[string]bool) ([]model.Route, error) {
	var errs *multierror.Error
	seen := make(map[string]bool, len(routes))

	out := make([]model.Route, len(routes))
	copy(out, routes)

	for i := range out {
		r := &out[i]
		if !idPattern.MatchString(r.ID) {
			errs = multierror.Append(errs, fmt.Errorf("route %q: id must match %s", r.ID, idPattern.String()))
		}
		if seen[r.ID] {
			errs = multierror.Append(errs, fmt.Errorf("route %q: duplicate id", r.ID))
		}
		seen[r.ID] = true

		if len(r.Path) == 0 || r.Path[0] != '/' {
			errs = multierror.Append(errs, fmt.Errorf("route %q: path must start with '/'", r.ID))
		}
		if len(r.Backends) == 0 {
			errs = multierror.Append(errs, fmt.Errorf("route %q: backends must be non-empty", r.ID))
		}
		for j, b := range r.Backends {
			if b.Weight < 1 || b.Weight > 1000 {
				errs = multierror.Append(errs, fmt.Errorf("route %q: backends[%d]: weight %d out of range [1,1000]", r.ID, j, b.Weight))
			}
		}
		if r.RetryPolicy.MaxRetries < 0 || r.RetryPolicy.MaxRetries > 10 {
			errs = multierror.Append(errs, fmt.Errorf("route %q: retry_policy.max_retries out of range [0,10]", r.ID))
		}
		if r.RetryPolicy.BackoffMultiplier < 1.0 {
			errs = multierror.Append(errs, fmt.Errorf("route %q: retry_policy.backoff_multiplier must be >= 1.0", r.ID))
		}
		if r.CircuitBreaker.Enabled {
			if r.CircuitBreaker.FailureThresholdPct < 1 || r.CircuitBreaker.FailureThresholdPct > 100 {
				errs = multierror.Append(errs, fmt.Errorf("route %q: circuit_breaker.failure_threshold_percent out of range [1,100]", r.ID))
			}
			if r.CircuitBreaker.MinimumRequests < 1 {
				errs = multierror.Append(errs, fmt.Errorf("route %q: circuit_breaker.minimum_requests must be >= 1", r.ID))
			}
		}

		for j := range r.Matchers {
			m := &r.Matchers[j]
			if m.Op == model.MatcherOpRegex {
				pattern := anchor(m.Value)
				re, err := regexp.Compile(pattern)
				if err != nil {
					errs = multierror.Append(errs, fmt.Errorf("route %q: matchers[%d]: invalid regex %q: %w", r.ID, j, m.Value, err))
					continue
				}
				m.SetCompiledRegexp(re)
			}
		}

		for j, mw := range r.Middleware {
			if !knownMiddleware[mw.Name] {
				errs = multierror.Append(errs, fmt.Errorf("route %q: middleware[%d]: unknown middleware %q", r.ID, j, mw.Name))
			}
		}
	}

	if errs.ErrorOrNil() != nil {
		return nil, &ErrInvalidRouteSet{Err: errs}
	}
	return out, nil
}

// anchor implicitly anchors a regex pattern at both ends unless it already
// contains anchors, per spec.md §4.2.
func anchor(pattern string) string {
	hasStart := len(pattern) > 0 && pattern[0] == '^'
	hasEnd := len(pattern) > 0 && pattern[len(pattern)-1] == '$'
	switch {
	case hasStart && hasEnd:
		return pattern
	case hasStart:
		return pattern + "$"
	case hasEnd:
		return "^" + pattern
	default:
		return "^" + pattern + "$"
	}
}
