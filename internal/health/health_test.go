package health

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

func TestApplyProbeResult_TransitionsUpAfterThreshold(t *testing.T) {
	st := model.BackendState{Health: model.HealthUnknown}
	st = applyProbeResult(st, true, 3, 2)
	if st.Health != model.HealthUnknown {
		t.Fatalf("after 1/3 successes want UNKNOWN, got %s", st.Health)
	}
	st = applyProbeResult(st, true, 3, 2)
	if st.Health != model.HealthUnknown {
		t.Fatalf("after 2/3 successes want UNKNOWN, got %s", st.Health)
	}
	st = applyProbeResult(st, true, 3, 2)
	if st.Health != model.HealthUp {
		t.Fatalf("after 3/3 successes want UP, got %s", st.Health)
	}
}

func TestApplyProbeResult_TransitionsDownAfterThreshold(t *testing.T) {
	st := model.BackendState{Health: model.HealthUp, ConsecutiveSuccess: 5}
	st = applyProbeResult(st, false, 3, 2)
	if st.Health != model.HealthUp {
		t.Fatalf("after 1/2 failures want UP still, got %s", st.Health)
	}
	if st.ConsecutiveSuccess != 0 {
		t.Fatalf("failure must reset consecutive_success, got %d", st.ConsecutiveSuccess)
	}
	st = applyProbeResult(st, false, 3, 2)
	if st.Health != model.HealthDown {
		t.Fatalf("after 2/2 failures want DOWN, got %s", st.Health)
	}
}

func TestApplyProbeResult_SuccessResetsFailureCounter(t *testing.T) {
	st := model.BackendState{ConsecutiveFailure: 1}
	st = applyProbeResult(st, true, 1, 2)
	if st.ConsecutiveFailure != 0 {
		t.Fatalf("want consecutive_failure reset to 0, got %d", st.ConsecutiveFailure)
	}
}

type fakeDoer struct {
	mu     sync.Mutex
	status int
	err    error
	calls  int
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{StatusCode: f.status, Body: http.NoBody}, nil
}

func testBackend(t *testing.T, raw string, healthy, unhealthy int) model.Backend {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	return model.Backend{
		URL:    u,
		Weight: 100,
		HealthCheck: &model.HealthCheck{
			Path:               "/healthz",
			IntervalMs:         5,
			TimeoutMs:          50,
			HealthyThreshold:   healthy,
			UnhealthyThreshold: unhealthy,
			ExpectedStatus:     map[int]bool{200: true},
		},
	}
}

func waitForProbes(t *testing.T, ch chan model.BackendState, n int) model.BackendState {
	t.Helper()
	var last model.BackendState
	for i := 0; i < n; i++ {
		select {
		case last = <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for probe %d/%d", i+1, n)
		}
	}
	return last
}

func TestProber_SyncStartsTaskAndReachesUp(t *testing.T) {
	doer := &fakeDoer{status: 200}
	p := NewProber(doer, zerolog.Nop())
	ch := make(chan model.BackendState, 16)
	p.onProbe = func(_ string, st model.BackendState) { ch <- st }
	defer p.Close()

	b := testBackend(t, "http://upstream-a:8080", 2, 2)
	p.Sync([]model.Backend{b})

	st := waitForProbes(t, ch, 2)
	if st.Health != model.HealthUp {
		t.Fatalf("want UP after 2 successful probes, got %s", st.Health)
	}

	got, ok := p.State(b.Key())
	if !ok {
		t.Fatal("want tracked state for backend")
	}
	if got.Health != model.HealthUp {
		t.Fatalf("State() want UP, got %s", got.Health)
	}
}

func TestProber_SyncCancelsRemovedBackend(t *testing.T) {
	doer := &fakeDoer{status: 200}
	p := NewProber(doer, zerolog.Nop())
	defer p.Close()

	b := testBackend(t, "http://upstream-b:8080", 1, 1)
	p.Sync([]model.Backend{b})

	if _, ok := p.State(b.Key()); !ok {
		t.Fatal("want backend tracked after Sync")
	}

	p.Sync(nil)

	if _, ok := p.State(b.Key()); ok {
		t.Fatal("want backend state discarded after removal")
	}
}

func TestProber_BackendWithoutHealthCheckIsNeverTracked(t *testing.T) {
	doer := &fakeDoer{status: 200}
	p := NewProber(doer, zerolog.Nop())
	defer p.Close()

	u, _ := url.Parse("http://upstream-c:8080")
	p.Sync([]model.Backend{{URL: u, Weight: 100}})

	if _, ok := p.State(u.String()); ok {
		t.Fatal("backend without health_check must not be probed")
	}
}

func TestProber_FailedRequestCountsAsFailure(t *testing.T) {
	doer := &fakeDoer{err: context.DeadlineExceeded}
	p := NewProber(doer, zerolog.Nop())
	ch := make(chan model.BackendState, 16)
	p.onProbe = func(_ string, st model.BackendState) { ch <- st }
	defer p.Close()

	b := testBackend(t, "http://upstream-d:8080", 1, 2)
	p.Sync([]model.Backend{b})

	st := waitForProbes(t, ch, 2)
	if st.Health != model.HealthDown {
		t.Fatalf("want DOWN after 2 failed probes, got %s", st.Health)
	}
}
