// Package model holds the data types shared across the l8e-harbor data
// plane: Route, Backend, the policy structs attached to a Route, and the
// runtime state that lives alongside them but is never persisted.
package model

import (
	"net/url"
	"regexp"
	"time"
)

// MatcherSource is where a Matcher looks for its value.
type MatcherSource string

const (
	MatcherSourceHeader MatcherSource = "header"
	MatcherSourceQuery  MatcherSource = "query"
)

// MatcherOp is the comparison a Matcher applies to the value it finds.
type MatcherOp string

const (
	MatcherOpEquals   MatcherOp = "equals"
	MatcherOpContains MatcherOp = "contains"
	MatcherOpRegex    MatcherOp = "regex"
	MatcherOpPrefix   MatcherOp = "prefix"
	MatcherOpSuffix   MatcherOp = "suffix"
	MatcherOpExists   MatcherOp = "exists"
)

// Matcher is one predicate in a Route's matchers list. All matchers on a
// Route must hold for the route to be eligible.
type Matcher struct {
	Source MatcherSource
	Key    string
	Value  string
	Op     MatcherOp

	// re is the compiled regexp when Op == MatcherOpRegex, set by
	// config.Validate. Nil otherwise.
	re *regexp.Regexp
}

// CompiledRegexp returns the matcher's compiled pattern. Only meaningful
// when Op == MatcherOpRegex.
func (m *Matcher) CompiledRegexp() *regexp.Regexp { return m.re }

// SetCompiledRegexp is used by config.Validate to attach the compiled pattern
// once, at snapshot-build time, per spec ("compiled once per snapshot").
func (m *Matcher) SetCompiledRegexp(re *regexp.Regexp) { m.re = re }

// MiddlewareRef is one entry in a Route's ordered middleware chain.
type MiddlewareRef struct {
	Name   string
	Config map[string]any
}

// RetryOn is a class of failure the retry engine treats as retryable.
type RetryOn string

const (
	RetryOn5xx             RetryOn = "5xx"
	RetryOnGatewayError    RetryOn = "gateway-error"
	RetryOnTimeout         RetryOn = "timeout"
	RetryOnConnectionError RetryOn = "connection_error"
	RetryOnReset           RetryOn = "reset"
)

// RetryPolicy controls the retry engine for a Route (spec.md §3, §4.7).
type RetryPolicy struct {
	MaxRetries        int // 0-10
	BackoffMs         int
	BackoffMultiplier float64 // >= 1.0
	MaxBackoffMs      int
	RetryOn           map[RetryOn]bool

	// AllowUnsafeRetry is the route's explicit opt-in for retrying POST/PATCH
	// requests that did not supply an Idempotency-Key header (spec.md §4.7
	// "or the route explicitly opts in").
	AllowUnsafeRetry bool
}

// DefaultRetryPolicy mirrors the original implementation's defaults
// (original_source/app/models/schemas.py RetryPolicy).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        0,
		BackoffMs:         100,
		BackoffMultiplier: 1.0,
		MaxBackoffMs:      10_000,
		RetryOn:           map[RetryOn]bool{},
	}
}

// CircuitBreakerPolicy controls the per-(route,backend) circuit breaker
// (spec.md §3, §4.6).
type CircuitBreakerPolicy struct {
	Enabled               bool
	FailureThresholdPct   int // 1-100
	MinimumRequests       int // >= 1
	WindowMs              int
	OpenTimeoutMs         int
	HalfOpenMaxProbes     int
}

// DefaultCircuitBreakerPolicy mirrors original_source's CircuitBreakerSpec
// defaults.
func DefaultCircuitBreakerPolicy() CircuitBreakerPolicy {
	return CircuitBreakerPolicy{
		Enabled:             false,
		FailureThresholdPct: 50,
		MinimumRequests:     20,
		WindowMs:            60_000,
		OpenTimeoutMs:       30_000,
		HalfOpenMaxProbes:   1,
	}
}

// HealthCheck configures a Backend's active probe (spec.md §3, §4.5).
type HealthCheck struct {
	Path               string
	IntervalMs         int
	TimeoutMs          int
	HealthyThreshold   int
	UnhealthyThreshold int
	ExpectedStatus     map[int]bool
	Headers            map[string]string
}

// BackendTLS carries upstream transport options for an HTTPS backend.
type BackendTLS struct {
	Verify     bool
	CACert     string // secret name, resolved via the secret provider
	ClientCert string // secret name, resolved via the secret provider
}

// Backend is one upstream destination within a Route's backend list.
type Backend struct {
	URL    *url.URL
	Weight int // 1-1000, default 100

	HealthCheck *HealthCheck // nil => permanently healthy
	TLS         *BackendTLS
}

// Key identifies a Backend for side-table lookups (health state, circuit
// state, connection pools) keyed by URL rather than by a pointer, so
// runtime state survives a route-set Apply that rebuilds Backend values
// with the same URL (spec.md §3 "Cyclic references" design note).
func (b *Backend) Key() string {
	if b == nil || b.URL == nil {
		return ""
	}
	return b.URL.String()
}

// Route is the unit of dispatch (spec.md §3).
type Route struct {
	ID       string
	Path     string
	Methods  map[string]bool // empty => any method
	Priority int
	// StripPrefix removes the matched Path from the upstream request path.
	StripPrefix bool
	AddPrefix   string
	TimeoutMs   int

	StickySession bool
	SessionCookie string // cookie name; defaults to "l8e_session" when empty

	Matchers []Matcher
	Backends []Backend

	RetryPolicy     RetryPolicy
	CircuitBreaker  CircuitBreakerPolicy
	Middleware      []MiddlewareRef

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AllowsMethod reports whether the route accepts the given HTTP method.
func (r *Route) AllowsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	return r.Methods[method]
}

// CookieName returns the session cookie name to use for sticky routing.
func (r *Route) CookieName() string {
	if r.SessionCookie != "" {
		return r.SessionCookie
	}
	return "l8e_session"
}
