package config

// rawDocument mirrors the canonical YAML form from spec.md §6:
//
//	apiVersion: harbor.l8e/v1
//	kind: Route
//	metadata: { name: <id> }
//	spec: { ... }
type rawDocument struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Metadata   struct {
		Name string `yaml:"name"`
	} `yaml:"metadata"`
	Spec rawSpec `yaml:"spec"`
}

type rawSpec struct {
	ID            string   `yaml:"id"`
	Description   string   `yaml:"description,omitempty"`
	Path          string   `yaml:"path"`
	Methods       []string `yaml:"methods,omitempty"`
	Priority      int      `yaml:"priority"`
	StripPrefix   bool     `yaml:"strip_prefix"`
	AddPrefix     string   `yaml:"add_prefix,omitempty"`
	TimeoutMs     int      `yaml:"timeout_ms"`
	StickySession bool     `yaml:"sticky_session,omitempty"`
	SessionCookie string   `yaml:"session_cookie,omitempty"`

	Backends []rawBackend `yaml:"backends"`

	RetryPolicy    *rawRetryPolicy    `yaml:"retry_policy,omitempty"`
	CircuitBreaker *rawCircuitBreaker `yaml:"circuit_breaker,omitempty"`

	Middleware []rawMiddleware `yaml:"middleware,omitempty"`
	Matchers   []rawMatcher    `yaml:"matchers,omitempty"`
}

type rawBackend struct {
	URL         string          `yaml:"url"`
	Weight      int             `yaml:"weight,omitempty"`
	HealthCheck *rawHealthCheck `yaml:"health_check,omitempty"`
	TLS         *rawTLS         `yaml:"tls,omitempty"`
}

type rawHealthCheck struct {
	Path               string            `yaml:"path"`
	IntervalMs         int               `yaml:"interval_ms"`
	TimeoutMs          int               `yaml:"timeout_ms"`
	HealthyThreshold   int               `yaml:"healthy_threshold"`
	UnhealthyThreshold int               `yaml:"unhealthy_threshold"`
	ExpectedStatus     []int             `yaml:"expected_status"`
	Headers            map[string]string `yaml:"headers,omitempty"`
}

type rawTLS struct {
	Verify     *bool  `yaml:"verify,omitempty"`
	CACert     string `yaml:"ca_cert,omitempty"`
	ClientCert string `yaml:"client_cert,omitempty"`
}

type rawRetryPolicy struct {
	MaxRetries        int      `yaml:"max_retries"`
	BackoffMs         int      `yaml:"backoff_ms"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	MaxBackoffMs      int      `yaml:"max_backoff_ms"`
	RetryOn           []string `yaml:"retry_on,omitempty"`
	AllowUnsafeRetry  bool     `yaml:"allow_unsafe_retry,omitempty"`
}

type rawCircuitBreaker struct {
	Enabled                 bool `yaml:"enabled"`
	FailureThresholdPercent int  `yaml:"failure_threshold_percent"`
	MinimumRequests         int  `yaml:"minimum_requests"`
	WindowMs                int  `yaml:"window_ms"`
	OpenTimeoutMs           int  `yaml:"open_timeout_ms"`
	HalfOpenMaxProbes       int  `yaml:"half_open_max_probes"`
}

type rawMiddleware struct {
	Name   string         `yaml:"name"`
	Config map[string]any `yaml:"config,omitempty"`
}

type rawMatcher struct {
	Source string `yaml:"source"`
	Key    string `yaml:"key"`
	Value  string `yaml:"value,omitempty"`
	Op     string `yaml:"op"`
}
