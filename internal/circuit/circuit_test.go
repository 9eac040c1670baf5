package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

func testPolicy() model.CircuitBreakerPolicy {
	return model.CircuitBreakerPolicy{
		Enabled:             true,
		FailureThresholdPct: 50,
		MinimumRequests:     4,
		WindowMs:            1, // tiny so tests don't need to sleep long
		OpenTimeoutMs:       1,
		HalfOpenMaxProbes:   1,
	}
}

func TestBreaker_DisabledAlwaysAllows(t *testing.T) {
	b := New(model.CircuitBreakerPolicy{Enabled: false})
	for i := 0; i < 5; i++ {
		report, ok := b.Allow()
		if !ok {
			t.Fatalf("disabled breaker must always allow")
		}
		report(false)
	}
}

func TestBreaker_OpensAfterFailureThresholdOverWindow(t *testing.T) {
	policy := testPolicy()
	policy.WindowMs = 1000 // generous trailing window; these reports land well inside it
	b := New(policy)

	report, ok := b.Allow()
	if !ok {
		t.Fatal("first request should be allowed")
	}
	report(false)
	report2, _ := b.Allow()
	report2(false)
	report3, _ := b.Allow()
	report3(false)
	report4, ok4 := b.Allow()
	if !ok4 {
		t.Fatal("want the fourth request admitted; the breaker only opens once its outcome is reported")
	}

	// The failing outcome that crosses the threshold (4 failures out of
	// minimum_requests=4, failure rate 100% >= 50%) opens the breaker
	// synchronously, on this report call - no elapsed-window wait needed.
	report4(false)

	if got := b.State().State; got != model.CircuitOpen {
		t.Fatalf("want CircuitOpen immediately after the threshold-crossing report, got %s", got)
	}
	if _, ok := b.Allow(); ok {
		t.Fatal("want breaker OPEN and rejecting after threshold breach")
	}
}

// TestBreaker_OpensOnBurstWithinWindow is spec.md §8 scenario 4: a burst of
// failures arriving well inside window_ms (not after it elapses) must open
// the breaker immediately once minimum_requests is reached.
func TestBreaker_OpensOnBurstWithinWindow(t *testing.T) {
	policy := model.CircuitBreakerPolicy{
		Enabled:             true,
		FailureThresholdPct: 50,
		MinimumRequests:     10,
		WindowMs:            1000,
		OpenTimeoutMs:       500,
		HalfOpenMaxProbes:   1,
	}
	b := New(policy)

	for i := 0; i < 10; i++ {
		report, ok := b.Allow()
		if !ok {
			t.Fatalf("request %d: want admitted while breaker is still CLOSED", i)
		}
		report(false)
	}

	if got := b.State().State; got != model.CircuitOpen {
		t.Fatalf("want CircuitOpen after 10 failures inside window_ms, got %s", got)
	}
	if _, ok := b.Allow(); ok {
		t.Fatal("want the 11th request rejected with the breaker already OPEN, without waiting for window_ms to elapse")
	}
}

func TestBreaker_StaysClosedBelowMinimumRequests(t *testing.T) {
	policy := testPolicy()
	policy.MinimumRequests = 100
	b := New(policy)

	report, _ := b.Allow()
	report(false)

	if _, ok := b.Allow(); !ok {
		t.Fatal("want still allowed below minimum_requests regardless of failure rate")
	}
}

// TestBreaker_WindowSlidesPastStaleFailures verifies old failures fall out
// of the trailing window_ms rather than persisting until some tumble point:
// a burst that cleared the window a long time ago must not still count
// against a request admitted now.
func TestBreaker_WindowSlidesPastStaleFailures(t *testing.T) {
	policy := testPolicy()
	policy.WindowMs = 1 // 1ms trailing window
	policy.MinimumRequests = 3
	b := New(policy)

	report1, _ := b.Allow()
	report1(false)
	report2, _ := b.Allow()
	report2(false)

	time.Sleep(5 * time.Millisecond) // both failures age out of the 1ms window

	report3, ok := b.Allow()
	if !ok {
		t.Fatal("want admitted; stale failures must not count toward minimum_requests")
	}
	report3(false)

	if got := b.State().State; got != model.CircuitClosed {
		t.Fatalf("want CircuitClosed; only 1 failure is within the trailing window, got %s", got)
	}
}

func TestBreaker_HalfOpenAfterOpenTimeoutThenClosesOnSuccess(t *testing.T) {
	policy := testPolicy()
	b := New(policy)
	b.mu.Lock()                                // toOpenLocked assumes caller holds lock
	b.toOpenLocked(time.Now().Add(-time.Hour)) // force OPEN with an expired timeout
	b.mu.Unlock()

	report, ok := b.Allow()
	if !ok {
		t.Fatal("want HALF_OPEN probe admitted once open_timeout_ms has elapsed")
	}
	if got := b.State().State; got != model.CircuitHalfOpen {
		t.Fatalf("want CircuitHalfOpen, got %s", got)
	}
	report(true)

	if got := b.State().State; got != model.CircuitClosed {
		t.Fatalf("want CircuitClosed after half-open probe succeeds, got %s", got)
	}
}

func TestBreaker_HalfOpenReturnsToOpenOnFailure(t *testing.T) {
	policy := testPolicy()
	b := New(policy)
	b.mu.Lock()
	b.toOpenLocked(time.Now().Add(-time.Hour))
	b.mu.Unlock()

	report, ok := b.Allow()
	if !ok {
		t.Fatal("want half-open probe admitted")
	}
	report(false)

	if got := b.State().State; got != model.CircuitOpen {
		t.Fatalf("want back to CircuitOpen after failed probe, got %s", got)
	}
}

func TestBreaker_HalfOpenLimitsConcurrentProbes(t *testing.T) {
	policy := testPolicy()
	policy.HalfOpenMaxProbes = 1
	b := New(policy)
	b.mu.Lock()
	b.toOpenLocked(time.Now().Add(-time.Hour))
	b.mu.Unlock()

	_, ok1 := b.Allow()
	_, ok2 := b.Allow()
	if !ok1 {
		t.Fatal("want first half-open probe admitted")
	}
	if ok2 {
		t.Fatal("want second concurrent half-open probe rejected (max_probes=1)")
	}
}

func TestClassifyOutcome(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		err     error
		success bool
	}{
		{"2xx success", 200, nil, true},
		{"4xx is success", 404, nil, true},
		{"408 is failure", 408, nil, false},
		{"5xx is failure", 503, nil, false},
		{"transport error is failure", 0, errors.New("dial tcp: connection refused"), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ClassifyOutcome(c.status, c.err); got != c.success {
				t.Fatalf("ClassifyOutcome(%d, %v) = %v, want %v", c.status, c.err, got, c.success)
			}
		})
	}
}

func TestRegistry_ReturnsSameBreakerForSameKey(t *testing.T) {
	r := NewRegistry()
	b1 := r.Get("route-a", "http://backend-1", testPolicy())
	b2 := r.Get("route-a", "http://backend-1", model.CircuitBreakerPolicy{})
	if b1 != b2 {
		t.Fatal("want the same breaker instance for the same (route, backend) key")
	}
}

func TestRegistry_DistinctKeysGetDistinctBreakers(t *testing.T) {
	r := NewRegistry()
	b1 := r.Get("route-a", "http://backend-1", testPolicy())
	b2 := r.Get("route-a", "http://backend-2", testPolicy())
	if b1 == b2 {
		t.Fatal("want distinct breakers for distinct backends")
	}
}

func TestRegistry_PruneDropsStaleEntries(t *testing.T) {
	r := NewRegistry()
	r.Get("route-a", "http://backend-1", testPolicy())
	r.Prune(map[string]bool{})
	if len(r.States()) != 0 {
		t.Fatal("want pruned registry to have no remaining breakers")
	}
}
