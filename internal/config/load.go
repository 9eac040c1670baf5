package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

const (
	apiVersion = "harbor.l8e/v1"
	kindRoute  = "Route"
)

// ParseRoutes decodes a YAML stream of one or more canonical Route
// documents (spec.md §6). It does not validate cross-route invariants;
// call Validate on the result before publishing a Snapshot.
func ParseRoutes(r io.Reader) ([]model.Route, error) {
	dec := yaml.NewDecoder(r)
	var routes []model.Route
	for {
		var doc rawDocument
		err := dec.Decode(&doc)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode route document: %w", err)
		}
		if doc.Kind == "" && doc.Spec.ID == "" {
			continue // blank document between "---" separators
		}
		route, err := fromRawDocument(doc)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// ParseRoutesBytes is a convenience wrapper around ParseRoutes.
func ParseRoutesBytes(b []byte) ([]model.Route, error) {
	return ParseRoutes(bytes.NewReader(b))
}

func fromRawDocument(doc rawDocument) (model.Route, error) {
	if doc.APIVersion != "" && doc.APIVersion != apiVersion {
		return model.Route{}, fmt.Errorf("route %q: unsupported apiVersion %q", doc.Spec.ID, doc.APIVersion)
	}
	if doc.Kind != "" && doc.Kind != kindRoute {
		return model.Route{}, fmt.Errorf("route %q: unsupported kind %q", doc.Spec.ID, doc.Kind)
	}

	s := doc.Spec
	id := strings.TrimSpace(s.ID)
	if id == "" {
		id = strings.TrimSpace(doc.Metadata.Name)
	}

	route := model.Route{
		ID:            id,
		Path:          strings.TrimSpace(s.Path),
		Priority:      s.Priority,
		StripPrefix:   s.StripPrefix,
		AddPrefix:     s.AddPrefix,
		TimeoutMs:     s.TimeoutMs,
		StickySession: s.StickySession,
		SessionCookie: s.SessionCookie,
	}

	if len(s.Methods) > 0 {
		route.Methods = make(map[string]bool, len(s.Methods))
		for _, m := range s.Methods {
			route.Methods[strings.ToUpper(strings.TrimSpace(m))] = true
		}
	}

	backends := make([]model.Backend, 0, len(s.Backends))
	for i, rb := range s.Backends {
		b, err := fromRawBackend(rb)
		if err != nil {
			return model.Route{}, fmt.Errorf("route %q: backends[%d]: %w", id, i, err)
		}
		backends = append(backends, b)
	}
	route.Backends = backends

	route.RetryPolicy = fromRawRetryPolicy(s.RetryPolicy)
	route.CircuitBreaker = fromRawCircuitBreaker(s.CircuitBreaker)

	for _, rm := range s.Middleware {
		route.Middleware = append(route.Middleware, model.MiddlewareRef{
			Name:   strings.TrimSpace(rm.Name),
			Config: rm.Config,
		})
	}

	for i, rm := range s.Matchers {
		m, err := fromRawMatcher(rm)
		if err != nil {
			return model.Route{}, fmt.Errorf("route %q: matchers[%d]: %w", id, i, err)
		}
		route.Matchers = append(route.Matchers, m)
	}

	return route, nil
}

func fromRawBackend(rb rawBackend) (model.Backend, error) {
	u, err := url.Parse(strings.TrimSpace(rb.URL))
	if err != nil {
		return model.Backend{}, fmt.Errorf("parse url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return model.Backend{}, fmt.Errorf("url %q must be an absolute http(s) URL with a host", rb.URL)
	}
	weight := rb.Weight
	if weight == 0 {
		weight = 100
	}
	b := model.Backend{URL: u, Weight: weight}

	if rb.HealthCheck != nil {
		hc := &model.HealthCheck{
			Path:               rb.HealthCheck.Path,
			IntervalMs:         rb.HealthCheck.IntervalMs,
			TimeoutMs:          rb.HealthCheck.TimeoutMs,
			HealthyThreshold:   rb.HealthCheck.HealthyThreshold,
			UnhealthyThreshold: rb.HealthCheck.UnhealthyThreshold,
			Headers:            rb.HealthCheck.Headers,
		}
		if len(rb.HealthCheck.ExpectedStatus) > 0 {
			hc.ExpectedStatus = make(map[int]bool, len(rb.HealthCheck.ExpectedStatus))
			for _, code := range rb.HealthCheck.ExpectedStatus {
				hc.ExpectedStatus[code] = true
			}
		} else {
			hc.ExpectedStatus = map[int]bool{200: true}
		}
		b.HealthCheck = hc
	}

	if rb.TLS != nil {
		tlsCfg := &model.BackendTLS{
			CACert:     rb.TLS.CACert,
			ClientCert: rb.TLS.ClientCert,
		}
		if rb.TLS.Verify != nil {
			tlsCfg.Verify = *rb.TLS.Verify
		} else {
			tlsCfg.Verify = true
		}
		b.TLS = tlsCfg
	}

	return b, nil
}

func fromRawRetryPolicy(rp *rawRetryPolicy) model.RetryPolicy {
	p := model.DefaultRetryPolicy()
	if rp == nil {
		return p
	}
	p.MaxRetries = rp.MaxRetries
	if rp.BackoffMs > 0 {
		p.BackoffMs = rp.BackoffMs
	}
	if rp.BackoffMultiplier > 0 {
		p.BackoffMultiplier = rp.BackoffMultiplier
	}
	if rp.MaxBackoffMs > 0 {
		p.MaxBackoffMs = rp.MaxBackoffMs
	}
	for _, ro := range rp.RetryOn {
		p.RetryOn[model.RetryOn(strings.TrimSpace(ro))] = true
	}
	p.AllowUnsafeRetry = rp.AllowUnsafeRetry
	return p
}

func fromRawCircuitBreaker(cb *rawCircuitBreaker) model.CircuitBreakerPolicy {
	p := model.DefaultCircuitBreakerPolicy()
	if cb == nil {
		return p
	}
	p.Enabled = cb.Enabled
	if cb.FailureThresholdPercent > 0 {
		p.FailureThresholdPct = cb.FailureThresholdPercent
	}
	if cb.MinimumRequests > 0 {
		p.MinimumRequests = cb.MinimumRequests
	}
	if cb.WindowMs > 0 {
		p.WindowMs = cb.WindowMs
	}
	if cb.OpenTimeoutMs > 0 {
		p.OpenTimeoutMs = cb.OpenTimeoutMs
	}
	if cb.HalfOpenMaxProbes > 0 {
		p.HalfOpenMaxProbes = cb.HalfOpenMaxProbes
	}
	return p
}

func fromRawMatcher(rm rawMatcher) (model.Matcher, error) {
	m := model.Matcher{
		Source: model.MatcherSource(strings.TrimSpace(rm.Source)),
		Key:    rm.Key,
		Value:  rm.Value,
		Op:     model.MatcherOp(strings.TrimSpace(rm.Op)),
	}
	switch m.Source {
	case model.MatcherSourceHeader, model.MatcherSourceQuery:
	default:
		return model.Matcher{}, fmt.Errorf("unknown matcher source %q", rm.Source)
	}
	switch m.Op {
	case model.MatcherOpEquals, model.MatcherOpContains, model.MatcherOpRegex,
		model.MatcherOpPrefix, model.MatcherOpSuffix, model.MatcherOpExists:
	default:
		return model.Matcher{}, fmt.Errorf("unknown matcher op %q", rm.Op)
	}
	return m, nil
}

// ToYAML serializes a Route into its canonical form (spec.md §6). Round
// tripping a Route through ToYAML then ParseRoutes yields an equal Route
// modulo map ordering.
func ToYAML(route model.Route) ([]byte, error) {
	doc := rawDocument{APIVersion: apiVersion, Kind: kindRoute}
	doc.Metadata.Name = route.ID
	doc.Spec = toRawSpec(route)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("encode route %q: %w", route.ID, err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func toRawSpec(r model.Route) rawSpec {
	s := rawSpec{
		ID:            r.ID,
		Path:          r.Path,
		Priority:      r.Priority,
		StripPrefix:   r.StripPrefix,
		AddPrefix:     r.AddPrefix,
		TimeoutMs:     r.TimeoutMs,
		StickySession: r.StickySession,
		SessionCookie: r.SessionCookie,
	}
	if len(r.Methods) > 0 {
		for m := range r.Methods {
			s.Methods = append(s.Methods, m)
		}
	}
	for _, b := range r.Backends {
		rb := rawBackend{URL: b.URL.String(), Weight: b.Weight}
		if b.HealthCheck != nil {
			hc := &rawHealthCheck{
				Path:               b.HealthCheck.Path,
				IntervalMs:         b.HealthCheck.IntervalMs,
				TimeoutMs:          b.HealthCheck.TimeoutMs,
				HealthyThreshold:   b.HealthCheck.HealthyThreshold,
				UnhealthyThreshold: b.HealthCheck.UnhealthyThreshold,
				Headers:            b.HealthCheck.Headers,
			}
			for code := range b.HealthCheck.ExpectedStatus {
				hc.ExpectedStatus = append(hc.ExpectedStatus, code)
			}
			rb.HealthCheck = hc
		}
		if b.TLS != nil {
			v := b.TLS.Verify
			rb.TLS = &rawTLS{Verify: &v, CACert: b.TLS.CACert, ClientCert: b.TLS.ClientCert}
		}
		s.Backends = append(s.Backends, rb)
	}

	s.RetryPolicy = &rawRetryPolicy{
		MaxRetries:        r.RetryPolicy.MaxRetries,
		BackoffMs:         r.RetryPolicy.BackoffMs,
		BackoffMultiplier: r.RetryPolicy.BackoffMultiplier,
		MaxBackoffMs:      r.RetryPolicy.MaxBackoffMs,
		AllowUnsafeRetry:  r.RetryPolicy.AllowUnsafeRetry,
	}
	for ro := range r.RetryPolicy.RetryOn {
		s.RetryPolicy.RetryOn = append(s.RetryPolicy.RetryOn, string(ro))
	}

	s.CircuitBreaker = &rawCircuitBreaker{
		Enabled:                 r.CircuitBreaker.Enabled,
		FailureThresholdPercent: r.CircuitBreaker.FailureThresholdPct,
		MinimumRequests:         r.CircuitBreaker.MinimumRequests,
		WindowMs:                r.CircuitBreaker.WindowMs,
		OpenTimeoutMs:           r.CircuitBreaker.OpenTimeoutMs,
		HalfOpenMaxProbes:       r.CircuitBreaker.HalfOpenMaxProbes,
	}

	for _, mw := range r.Middleware {
		s.Middleware = append(s.Middleware, rawMiddleware{Name: mw.Name, Config: mw.Config})
	}
	for _, m := range r.Matchers {
		s.Matchers = append(s.Matchers, rawMatcher{
			Source: string(m.Source), Key: m.Key, Value: m.Value, Op: string(m.Op),
		})
	}
	return s
}
