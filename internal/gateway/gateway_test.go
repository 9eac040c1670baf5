package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/rs/zerolog"

	"github.com/l8e-harbor/l8e-harbor/internal/circuit"
	"github.com/l8e-harbor/l8e-harbor/internal/forward"
	"github.com/l8e-harbor/l8e-harbor/internal/health"
	"github.com/l8e-harbor/l8e-harbor/internal/middleware"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
	"github.com/l8e-harbor/l8e-harbor/internal/observability"
	"github.com/l8e-harbor/l8e-harbor/internal/secret"
)

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatalf("parse url %q: %v", s, err)
	}
	return u
}

func newTestGateway(t *testing.T, maxInFlight int) *Gateway {
	t.Helper()
	mwRegistry := middleware.NewRegistry()
	prober := health.NewProber(nil, zerolog.Nop())
	t.Cleanup(prober.Close)
	breakers := circuit.NewRegistry()
	fwd := forward.NewForwarder(forward.NewDefaultRegistry(), secret.NewMemory(), zerolog.Nop())
	events := observability.NewEvents(zerolog.Nop())
	return New(mwRegistry, prober, breakers, fwd, nil, events, maxInFlight, zerolog.Nop())
}

func baseRoute(id string, backend *url.URL) model.Route {
	return model.Route{
		ID:             id,
		Path:           "/",
		Priority:       100,
		TimeoutMs:      1000,
		Backends:       []model.Backend{{URL: backend, Weight: 100}},
		RetryPolicy:    model.DefaultRetryPolicy(),
		CircuitBreaker: model.DefaultCircuitBreakerPolicy(),
	}
}

func TestServeHTTP_NotReadyBeforeFirstSnapshot(t *testing.T) {
	gw := newTestGateway(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
	assertErrorName(t, rr.Body.Bytes(), "NotReady")
}

func TestServeHTTP_NoRouteMatched(t *testing.T) {
	gw := newTestGateway(t, 0)
	gw.applySnapshot(model.Snapshot{Version: model.NewVersion(model.Version{}), Routes: nil})

	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusNotFound)
	}
	assertErrorName(t, rr.Body.Bytes(), "NoRouteMatched")
}

func TestServeHTTP_ProxiesToBackend(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Up", "ok")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer up.Close()

	gw := newTestGateway(t, 0)
	route := baseRoute("r1", mustURL(t, up.URL))
	gw.applySnapshot(model.Snapshot{Version: model.NewVersion(model.Version{}), Routes: []model.Route{route}})

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d, body=%s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if rr.Header().Get("X-Up") != "ok" {
		t.Fatalf("upstream header not forwarded")
	}
	if rr.Body.String() != "hello" {
		t.Fatalf("body: got %q, want %q", rr.Body.String(), "hello")
	}
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatalf("missing X-Request-Id on response")
	}
}

func TestServeHTTP_NoHealthyBackendReturns503(t *testing.T) {
	gw := newTestGateway(t, 0)
	route := model.Route{
		ID:             "r1",
		Path:           "/",
		Priority:       100,
		TimeoutMs:      1000,
		Backends:       nil, // no backends at all
		RetryPolicy:    model.DefaultRetryPolicy(),
		CircuitBreaker: model.DefaultCircuitBreakerPolicy(),
	}
	gw.applySnapshot(model.Snapshot{Version: model.NewVersion(model.Version{}), Routes: []model.Route{route}})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want %d, body=%s", rr.Code, http.StatusServiceUnavailable, rr.Body.String())
	}
	assertErrorName(t, rr.Body.Bytes(), "NoHealthyBackend")
}

func TestServeHTTP_OverloadRejectsWithoutConsumingSlot(t *testing.T) {
	gw := newTestGateway(t, 1)
	gw.inFlight <- struct{}{} // occupy the single slot

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
	assertErrorName(t, rr.Body.Bytes(), "Overloaded")
	if got := len(gw.inFlight); got != 1 {
		t.Fatalf("in-flight slots: got %d, want 1 (only the test's own)", got)
	}
}

func TestLivenessAlwaysOK(t *testing.T) {
	gw := newTestGateway(t, 0)
	rr := httptest.NewRecorder()
	gw.Liveness(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestReadiness_BeforeAndAfterSnapshot(t *testing.T) {
	gw := newTestGateway(t, 0)

	rr := httptest.NewRecorder()
	gw.Readiness(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status before snapshot: got %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}

	gw.applySnapshot(model.Snapshot{Version: model.NewVersion(model.Version{}), Routes: nil})

	rr = httptest.NewRecorder()
	gw.Readiness(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status after snapshot: got %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestDetailed_ReportsRouteCount(t *testing.T) {
	gw := newTestGateway(t, 0)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer up.Close()

	gw.applySnapshot(model.Snapshot{
		Version: model.NewVersion(model.Version{}),
		Routes:  []model.Route{baseRoute("r1", mustURL(t, up.URL))},
	})

	rr := httptest.NewRecorder()
	gw.Detailed(rr, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusOK)
	}

	var report detailedReport
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("unmarshal detailed report: %v", err)
	}
	if report.RouteCount != 1 {
		t.Fatalf("route count: got %d, want 1", report.RouteCount)
	}
	if !report.Ready {
		t.Fatalf("want ready=true")
	}
}

func assertErrorName(t *testing.T, body []byte, want string) {
	t.Helper()
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		t.Fatalf("unmarshal error body: %v\nraw: %s", err, body)
	}
	if eb.Error != want {
		t.Fatalf("error name: got %q, want %q", eb.Error, want)
	}
}
