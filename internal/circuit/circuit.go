// Package circuit implements the per-(route, backend) circuit breaker
// (spec §4.6): a sliding-window CLOSED/OPEN/HALF_OPEN state machine driven
// by real traffic outcomes only.
package circuit

import (
	"errors"
	"sync"
	"time"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

// circuitEvent is one real-traffic outcome recorded while CLOSED, kept
// only long enough to fall out of the trailing window_ms.
type circuitEvent struct {
	at      time.Time
	failure bool
}

// Breaker guards one (route, backend) pair. Use Registry to obtain one
// scoped to a key rather than constructing directly, so every caller
// shares the same instance for that pair.
type Breaker struct {
	mu     sync.Mutex
	policy model.CircuitBreakerPolicy
	state  model.CircuitState
	events []circuitEvent

	halfOpenCompleted int
}

// New builds a Breaker for the given policy, starting CLOSED with a fresh
// window.
func New(policy model.CircuitBreakerPolicy) *Breaker {
	return &Breaker{
		policy: policy,
		state: model.CircuitState{
			State:           model.CircuitClosed,
			WindowStartedAt: time.Now(),
		},
	}
}

// ErrOpen is the sentinel the retry engine maps to a CircuitOpen failure
// when Allow denies an attempt (spec §4.6 "reject immediately").
var ErrOpen = errors.New("circuit: open")

// Report is returned by Allow to record the outcome of the admitted
// request. Every call records an outcome, so calling it a second time
// counts the same request twice.
type Report func(success bool)

var noopReport Report = func(bool) {}

// Allow reports whether a request may proceed. When admitted, the
// returned Report must be called exactly once with the outcome. When not
// admitted, the bool is false and callers should treat the attempt as an
// immediate CircuitOpen failure (spec §4.6 "reject immediately").
func (b *Breaker) Allow() (Report, bool) {
	if !b.policy.Enabled {
		return noopReport, true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	// A CLOSED breaker's window is evaluated continuously (see
	// evaluateWindowLocked), so an admission decision may itself observe
	// the threshold being crossed by outcomes recorded before this call.
	// Re-read the state below rather than assuming it is still CLOSED.
	b.evaluateWindowLocked(now)

	switch b.state.State {
	case model.CircuitOpen:
		timeout := time.Duration(b.policy.OpenTimeoutMs) * time.Millisecond
		if now.Before(b.state.OpenedAt.Add(timeout)) {
			return nil, false
		}
		b.toHalfOpenLocked()
		fallthrough
	case model.CircuitHalfOpen:
		if b.state.HalfOpenOutstanding >= b.policy.HalfOpenMaxProbes {
			return nil, false
		}
		b.state.HalfOpenOutstanding++
		return b.reportHalfOpen, true
	default: // model.CircuitClosed
		return b.reportClosed, true
	}
}

// State returns a snapshot of the breaker's current state for reporting.
func (b *Breaker) State() model.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) reportClosed(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.State != model.CircuitClosed {
		return
	}
	now := time.Now()
	b.events = append(b.events, circuitEvent{at: now, failure: !success})
	// Evaluate synchronously on the outcome that just landed, per spec.md
	// §8 scenario 4 (a burst of failures opens the breaker immediately,
	// not only once a later request happens to call Allow again).
	b.evaluateWindowLocked(now)
}

func (b *Breaker) reportHalfOpen(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.State != model.CircuitHalfOpen {
		return
	}

	b.state.HalfOpenOutstanding--
	if !success {
		b.toOpenLocked(time.Now())
		return
	}

	b.halfOpenCompleted++
	if b.halfOpenCompleted >= b.policy.HalfOpenMaxProbes {
		b.toClosedLocked(time.Now())
	}
}

// evaluateWindowLocked maintains a genuinely sliding window over the last
// window_ms of real-traffic outcomes: it prunes events older than the
// trailing window on every call (admission or report, whichever comes
// first) and opens the breaker as soon as minimum_requests have landed
// within that window at or above failure_threshold_percent. Unlike a
// tumbling window, the open decision is never gated on a full window_ms
// having elapsed since some fixed start — a burst of failures well inside
// one window opens the breaker on the failure that crosses the threshold,
// per spec.md §8 scenario 4.
func (b *Breaker) evaluateWindowLocked(now time.Time) {
	if b.state.State != model.CircuitClosed {
		return
	}

	window := time.Duration(b.policy.WindowMs) * time.Millisecond
	cutoff := now.Add(-window)
	n := 0
	for _, e := range b.events {
		if e.at.After(cutoff) {
			b.events[n] = e
			n++
		}
	}
	b.events = b.events[:n]

	successes, failures := 0, 0
	for _, e := range b.events {
		if e.failure {
			failures++
		} else {
			successes++
		}
	}
	b.state.WindowSuccesses = successes
	b.state.WindowFailures = failures

	total := successes + failures
	if total < b.policy.MinimumRequests {
		return
	}
	failPct := float64(failures) / float64(total) * 100
	if failPct >= float64(b.policy.FailureThresholdPct) {
		b.toOpenLocked(now)
	}
}

func (b *Breaker) toOpenLocked(now time.Time) {
	b.state.State = model.CircuitOpen
	b.state.OpenedAt = now
	b.state.WindowSuccesses = 0
	b.state.WindowFailures = 0
	b.state.HalfOpenOutstanding = 0
	b.halfOpenCompleted = 0
	b.events = nil
}

func (b *Breaker) toHalfOpenLocked() {
	b.state.State = model.CircuitHalfOpen
	b.state.HalfOpenOutstanding = 0
	b.halfOpenCompleted = 0
}

func (b *Breaker) toClosedLocked(now time.Time) {
	b.state.State = model.CircuitClosed
	b.state.WindowStartedAt = now
	b.state.WindowSuccesses = 0
	b.state.WindowFailures = 0
	b.state.HalfOpenOutstanding = 0
	b.halfOpenCompleted = 0
	b.events = nil
}

// ClassifyOutcome reports whether an upstream attempt counts as a failure
// for circuit-breaker accounting (spec §4.6): 5xx responses, connection
// errors, TCP resets, and per-attempt timeouts are failures; everything
// else, including all 4xx responses except 408, counts as success since
// those represent client errors rather than backend faults.
func ClassifyOutcome(statusCode int, err error) (success bool) {
	if err != nil {
		return false
	}
	if statusCode >= 500 {
		return false
	}
	if statusCode == 408 {
		return false
	}
	return true
}
