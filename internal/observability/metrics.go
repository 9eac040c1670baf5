package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the gateway's metrics registry, exposing exactly the stable
// metric names spec.md §6 names. It wraps its own *prometheus.Registry
// rather than using the global DefaultRegisterer, so a process embedding
// the gateway as a library can run more than one instance without metric
// collisions. Scrape HTTP exposition is out of scope (spec.md §1): callers
// that want a /metrics endpoint wire prometheus/promhttp against Registry()
// themselves.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal        *prometheus.CounterVec
	authAttemptsTotal    *prometheus.CounterVec
	rateLimitEventsTotal *prometheus.CounterVec
	circuitEventsTotal   *prometheus.CounterVec

	requestDuration *prometheus.HistogramVec
	requestSize     *prometheus.HistogramVec
	responseSize    *prometheus.HistogramVec

	backendUp      *prometheus.GaugeVec
	circuitState   *prometheus.GaugeVec
	routesTotal    prometheus.Gauge
	activeConns    prometheus.Gauge
}

// NewMetrics builds and registers every metric named in spec.md §6.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "l8e_proxy_requests_total",
				Help: "Total number of proxied requests.",
			},
			[]string{"route", "backend", "status"},
		),
		authAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "l8e_auth_attempts_total",
				Help: "Total authentication attempts handled by the auth middleware.",
			},
			[]string{"route", "outcome"},
		),
		rateLimitEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "l8e_rate_limit_events_total",
				Help: "Total rate-limit admit/reject decisions.",
			},
			[]string{"route", "outcome"},
		),
		circuitEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "l8e_circuit_breaker_events_total",
				Help: "Total circuit breaker state transitions.",
			},
			[]string{"route", "backend", "transition"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "l8e_proxy_request_duration_seconds",
				Help:    "End-to-end proxied request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "status"},
		),
		requestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "l8e_proxy_request_size_bytes",
				Help:    "Size of the inbound request body in bytes.",
				Buckets: prometheus.ExponentialBuckets(64, 4, 10),
			},
			[]string{"route"},
		),
		responseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "l8e_proxy_response_size_bytes",
				Help:    "Size of the upstream response body in bytes.",
				Buckets: prometheus.ExponentialBuckets(64, 4, 10),
			},
			[]string{"route"},
		),

		backendUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "l8e_backend_up",
				Help: "1 if the backend's health state is UP, else 0.",
			},
			[]string{"route", "backend"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "l8e_circuit_breaker_state",
				Help: "Circuit breaker state: 0=closed, 1=half-open, 2=open.",
			},
			[]string{"route", "backend"},
		),
		routesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "l8e_routes_total",
			Help: "Number of routes in the current snapshot.",
		}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "l8e_proxy_active_connections",
			Help: "In-flight proxied requests.",
		}),
	}

	reg.MustRegister(
		m.requestsTotal, m.authAttemptsTotal, m.rateLimitEventsTotal, m.circuitEventsTotal,
		m.requestDuration, m.requestSize, m.responseSize,
		m.backendUp, m.circuitState, m.routesTotal, m.activeConns,
	)
	return m
}

// Registry returns the underlying prometheus registry for exposition.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRequest records one completed proxied request's outcome, duration,
// and body sizes.
func (m *Metrics) ObserveRequest(route, backend, status string, duration time.Duration, reqBytes, respBytes int64) {
	m.requestsTotal.WithLabelValues(route, backend, status).Inc()
	m.requestDuration.WithLabelValues(route, status).Observe(duration.Seconds())
	if reqBytes > 0 {
		m.requestSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes > 0 {
		m.responseSize.WithLabelValues(route).Observe(float64(respBytes))
	}
}

// ObserveAuthAttempt records one auth middleware decision.
func (m *Metrics) ObserveAuthAttempt(route, outcome string) {
	m.authAttemptsTotal.WithLabelValues(route, outcome).Inc()
}

// ObserveRateLimitEvent records one rate-limit middleware decision.
func (m *Metrics) ObserveRateLimitEvent(route, outcome string) {
	m.rateLimitEventsTotal.WithLabelValues(route, outcome).Inc()
}

// ObserveCircuitTransition records a circuit breaker state transition, named
// by its destination state ("open", "half_open", "closed").
func (m *Metrics) ObserveCircuitTransition(route, backend, transition string) {
	m.circuitEventsTotal.WithLabelValues(route, backend, transition).Inc()
}

// SetBackendUp reflects a backend's current health into the gauge.
func (m *Metrics) SetBackendUp(route, backend string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	m.backendUp.WithLabelValues(route, backend).Set(v)
}

// CircuitStateValue maps the circuit package's state names to the gauge
// values spec.md §6 fixes: 0=closed, 1=half-open, 2=open.
func CircuitStateValue(state string) float64 {
	switch state {
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return 0
	}
}

// SetCircuitState reflects a breaker's current state into the gauge.
func (m *Metrics) SetCircuitState(route, backend string, value float64) {
	m.circuitState.WithLabelValues(route, backend).Set(value)
}

// SetRoutesTotal reflects the current snapshot's route count.
func (m *Metrics) SetRoutesTotal(n int) { m.routesTotal.Set(float64(n)) }

// IncActiveConnections and DecActiveConnections track in-flight requests for
// the active-connections gauge.
func (m *Metrics) IncActiveConnections() { m.activeConns.Inc() }
func (m *Metrics) DecActiveConnections() { m.activeConns.Dec() }
