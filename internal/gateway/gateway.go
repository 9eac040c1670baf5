// Package gateway implements the orchestration layer spec.md §2's control
// flow names: ingress listener -> Router -> Middleware pipeline (pre) ->
// Retry loop { Backend Selector -> Circuit Breaker -> HTTP Forwarder } ->
// Middleware pipeline (post) -> response. Gateway is the "everything ->
// Middleware Pipeline (as a host)" leaf of spec.md §2's dependency graph:
// it owns no policy of its own, only wires the components together and
// reacts to Route Store snapshots.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/l8e-harbor/l8e-harbor/internal/circuit"
	"github.com/l8e-harbor/l8e-harbor/internal/forward"
	"github.com/l8e-harbor/l8e-harbor/internal/health"
	"github.com/l8e-harbor/l8e-harbor/internal/middleware"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
	"github.com/l8e-harbor/l8e-harbor/internal/observability"
	"github.com/l8e-harbor/l8e-harbor/internal/retry"
	"github.com/l8e-harbor/l8e-harbor/internal/router"
	"github.com/l8e-harbor/l8e-harbor/internal/selector"
	"github.com/l8e-harbor/l8e-harbor/internal/store"
)

// snapshotState is everything derived from one Route Store snapshot: the
// match table and a built Pipeline per route, so ServeHTTP never builds a
// Pipeline on the request path (spec.md §4.1 "readers never observe a
// partially updated snapshot" extends to the pipelines built from it).
type snapshotState struct {
	version   model.Version
	table     *router.Table
	pipelines map[string]*middleware.Pipeline
	routes    int
}

// Gateway hosts the Middleware Pipeline and wires Router, Backend
// Selector, Circuit Breaker, Retry Engine, and HTTP Forwarder together per
// request, per spec.md §2's dependency order.
type Gateway struct {
	mu    sync.RWMutex
	state *snapshotState
	ready bool

	mwRegistry *middleware.Registry
	prober     *health.Prober
	breakers   *circuit.Registry
	retryEng   *retry.Engine
	forwarder  *forward.Forwarder
	metrics    *observability.Metrics
	events     *observability.Events
	log        zerolog.Logger

	inFlight chan struct{}
}

// New wires a Gateway from its collaborators. metrics may be nil (metrics
// disabled); every other argument is required.
func New(
	mwRegistry *middleware.Registry,
	prober *health.Prober,
	breakers *circuit.Registry,
	fwd *forward.Forwarder,
	metrics *observability.Metrics,
	events *observability.Events,
	maxInFlight int,
	log zerolog.Logger,
) *Gateway {
	sel := selector.New(prober)
	if maxInFlight <= 0 {
		maxInFlight = 10_000
	}
	return &Gateway{
		mwRegistry: mwRegistry,
		prober:     prober,
		breakers:   breakers,
		retryEng:   retry.New(sel, breakers, fwd, log),
		forwarder:  fwd,
		metrics:    metrics,
		events:     events,
		log:        log,
		inFlight:   make(chan struct{}, maxInFlight),
	}
}

var _ http.Handler = (*Gateway)(nil)

// Run subscribes to st.Watch and rebuilds the Gateway's routing state on
// every emitted snapshot, until ctx is done. It restarts itself with
// bounded exponential backoff if the watch channel closes unexpectedly or
// a rebuild panics (spec.md §7 "Background tasks... restart themselves
// with bounded exponential backoff on panic"), grounded on the teacher
// pack's pomerium-ingress-controller/internal/stress/traffic.go retry loop
// shape.
func (g *Gateway) Run(ctx context.Context, st store.Store) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		if err := g.watchOnce(ctx, st); err != nil {
			g.events.SnapshotRejected("watch", err)
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (g *Gateway) watchOnce(ctx context.Context, st store.Store) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gateway: watch loop panic: %v", r)
		}
	}()

	ch, werr := st.Watch(ctx)
	if werr != nil {
		return werr
	}
	for snap := range ch {
		g.applySnapshot(snap)
	}
	return nil
}

func (g *Gateway) applySnapshot(snap model.Snapshot) {
	pipelines := make(map[string]*middleware.Pipeline, len(snap.Routes))
	routable := make([]model.Route, 0, len(snap.Routes))
	var backends []model.Backend
	for i := range snap.Routes {
		r := &snap.Routes[i]
		p, err := middleware.Build(g.mwRegistry, r.Middleware)
		if err != nil {
			// Routes are validated against the known middleware set before
			// reaching the store, so a build failure here means the running
			// registry and the validator that accepted this route disagree.
			// Exclude the route from the match table entirely rather than
			// leave it routable with no pipeline to run.
			g.log.Error().Str("route", r.ID).Err(err).Msg("skipping route: pipeline build failed")
			continue
		}
		pipelines[r.ID] = p
		routable = append(routable, *r)
		backends = append(backends, r.Backends...)
	}

	g.prober.Sync(backends)

	g.mu.Lock()
	g.state = &snapshotState{
		version:   snap.Version,
		table:     router.New(routable),
		pipelines: pipelines,
		routes:    len(routable),
	}
	g.ready = true
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.SetRoutesTotal(len(routable))
	}
	g.events.SnapshotApplied("store", snap.Version.Sequence, len(routable))
}

func (g *Gateway) snapshot() (*snapshotState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state, g.ready
}

// ServeHTTP implements spec.md §2's control flow for one inbound request.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case g.inFlight <- struct{}{}:
		defer func() { <-g.inFlight }()
	default:
		requestID := requestIDFor(r)
		writeError(w, requestID, http.StatusServiceUnavailable, "Overloaded")
		return
	}

	if g.metrics != nil {
		g.metrics.IncActiveConnections()
		defer g.metrics.DecActiveConnections()
	}

	start := time.Now()
	requestID := requestIDFor(r)
	r.Header.Set("X-Request-Id", requestID)

	reqLogger := g.log.With().Str("request_id", requestID).Logger()
	ctx := reqLogger.WithContext(r.Context())
	r = r.WithContext(ctx)

	state, ready := g.snapshot()
	if !ready {
		writeError(w, requestID, http.StatusServiceUnavailable, "NotReady")
		return
	}

	route := state.table.Match(router.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header,
		Query:  r.URL.Query(),
	})
	if route == nil {
		writeError(w, requestID, http.StatusNotFound, "NoRouteMatched")
		g.events.Access(observability.AccessLog{
			RequestID: requestID, Method: r.Method, Path: r.URL.Path,
			Status: http.StatusNotFound, Duration: time.Since(start), RemoteAddr: r.RemoteAddr,
		})
		return
	}

	pipeline := state.pipelines[route.ID]
	g.serveRoute(w, r, route, pipeline, requestID, start)
}

func (g *Gateway) serveRoute(w http.ResponseWriter, r *http.Request, route *model.Route, pipeline *middleware.Pipeline, requestID string, start time.Time) {
	ctx := r.Context()
	if d := requestBudget(r, route); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	ctx, outcome := pipeline.RunPreRequest(ctx, r)
	if outcome.Failed {
		resp := pipeline.RunOnError(ctx, r, outcome, outcome.Err)
		g.finish(w, r, route, requestID, start, resp, 0, outcome.Err)
		return
	}
	if outcome.ShortCircuited {
		resp, err := pipeline.RunPostResponse(ctx, r, outcome, outcome.Response)
		if err != nil {
			resp = pipeline.RunOnError(ctx, r, outcome, err)
		}
		g.finish(w, r, route, requestID, start, resp, 0, nil)
		return
	}

	clientIP := clientIPFor(r)
	upstreamResp, result := g.retryEng.Execute(ctx, route, r, clientIP)
	retries := result.Attempts - 1
	if retries < 0 {
		retries = 0
	}

	backendKey := result.Backend.Key()
	if upstreamResp == nil {
		err := result.Err
		if err == nil {
			err = retry.ErrNoAttemptMade
		}
		resp := pipeline.RunOnError(ctx, r, outcome, err)
		if resp == nil {
			status, name := classifyRetryErr(err)
			resp = errorResponse(status, name, requestID)
		}
		g.finish(w, r, route, requestID, start, resp, retries, err)
		g.recordBackendOutcome(route, backendKey)
		return
	}

	mwResp := &middleware.Response{StatusCode: upstreamResp.StatusCode, Header: upstreamResp.Header, Body: upstreamResp.Body}
	final, err := pipeline.RunPostResponse(ctx, r, outcome, mwResp)
	if err != nil {
		final = pipeline.RunOnError(ctx, r, outcome, err)
	}
	g.finish(w, r, route, requestID, start, final, retries, nil)
	g.recordBackendOutcome(route, backendKey)
}

// recordBackendOutcome reflects the post-attempt circuit/health gauges;
// called after the response is already on the wire so it never delays the
// client.
func (g *Gateway) recordBackendOutcome(route *model.Route, backendKey string) {
	if g.metrics == nil || backendKey == "" {
		return
	}
	st, ok := g.prober.State(backendKey)
	g.metrics.SetBackendUp(route.ID, backendKey, !ok || st.Health != model.HealthDown)

	cs := g.breakers.Get(route.ID, backendKey, route.CircuitBreaker).State()
	g.metrics.SetCircuitState(route.ID, backendKey, observability.CircuitStateValue(cs.State.String()))
}

// finish writes resp to the client (or a 500 if resp is nil, per spec.md
// §7 "Internal faults... returned as 500"), then logs the access entry and
// records request metrics.
func (g *Gateway) finish(w http.ResponseWriter, r *http.Request, route *model.Route, requestID string, start time.Time, resp *middleware.Response, retries int, cause error) {
	if resp == nil {
		writeError(w, requestID, http.StatusInternalServerError, "InternalError")
		resp = &middleware.Response{StatusCode: http.StatusInternalServerError}
	} else {
		writeResponse(w, resp, requestID)
	}

	duration := time.Since(start)
	g.events.Access(observability.AccessLog{
		RequestID:  requestID,
		Route:      route.ID,
		Method:     r.Method,
		Path:       r.URL.Path,
		Status:     resp.StatusCode,
		Duration:   duration,
		Retries:    retries,
		RemoteAddr: r.RemoteAddr,
		Err:        cause,
	})

	if g.metrics != nil {
		g.metrics.ObserveRequest(route.ID, "", fmt.Sprintf("%d", resp.StatusCode), duration, r.ContentLength, 0)
	}
}

func writeResponse(w http.ResponseWriter, resp *middleware.Response, requestID string) {
	h := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	if h.Get("X-Request-Id") == "" {
		h.Set("X-Request-Id", requestID)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(w, resp.Body)
	}
}

func errorResponse(status int, name, requestID string) *middleware.Response {
	return middleware.NewResponse(status, []byte(fmt.Sprintf(`{"error":%q,"request_id":%q}`, name, requestID)))
}

// requestIDFor returns the client-supplied X-Request-Id, or mints one
// (spec.md §4.8 "propagate if present, otherwise generate an opaque
// token").
func requestIDFor(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

// clientIPFor extracts the client IP from RemoteAddr, falling back to the
// raw value if it is not a host:port pair.
func clientIPFor(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestBudget resolves the total request timeout (spec.md §5): a client
// may set X-Request-Timeout-Ms; otherwise it is
// max_retries * upper-bound backoff + (max_retries+1) * timeout_ms.
func requestBudget(r *http.Request, route *model.Route) time.Duration {
	if v := r.Header.Get("X-Request-Timeout-Ms"); v != "" {
		if ms, err := parsePositiveMillis(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}

	policy := route.RetryPolicy
	attempts := policy.MaxRetries + 1
	perAttempt := time.Duration(route.TimeoutMs) * time.Millisecond
	backoffUpper := time.Duration(policy.MaxBackoffMs) * time.Millisecond
	return time.Duration(policy.MaxRetries)*backoffUpper + time.Duration(attempts)*perAttempt
}

func parsePositiveMillis(s string) (int64, error) {
	var ms int64
	_, err := fmt.Sscanf(s, "%d", &ms)
	if err != nil {
		return 0, err
	}
	if ms <= 0 {
		return 0, fmt.Errorf("non-positive duration")
	}
	return ms, nil
}
