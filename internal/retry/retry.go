// Package retry implements the Retry Engine component of spec.md §4.7: the
// loop that surrounds Backend Selector -> Circuit Breaker -> HTTP Forwarder
// for one inbound request, re-attempting on a retryable failure under
// exponential backoff with jitter, bounded by the idempotency guard and
// the route's retry_policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/l8e-harbor/l8e-harbor/internal/circuit"
	"github.com/l8e-harbor/l8e-harbor/internal/forward"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

// Selector is the subset of *selector.Selector the engine needs.
type Selector interface {
	Select(route *model.Route, req *http.Request, excluded map[string]bool) (model.Backend, error)
}

// Breakers is the subset of *circuit.Registry the engine needs.
type Breakers interface {
	Get(routeID, backendKey string, policy model.CircuitBreakerPolicy) *circuit.Breaker
}

// Forwarder is the subset of *forward.Forwarder the engine needs. A real
// Forwarder talks to the network, so tests substitute a fake to exercise
// retry/backoff behavior deterministically.
type Forwarder interface {
	Forward(ctx context.Context, route *model.Route, backend model.Backend, req *http.Request, clientIP string, idleTimeout time.Duration) (*http.Response, *forward.Error)
}

// Result carries the bookkeeping the gateway needs for access logging and
// metrics once Execute returns, alongside the response/error.
type Result struct {
	Attempts int
	Backend  model.Backend
	Err      error
}

// Engine runs the retry loop for one request against one matched route.
type Engine struct {
	selector Selector
	breakers Breakers
	forward  Forwarder
	log      zerolog.Logger
}

// New builds an Engine from its three collaborators, per spec.md §2's
// dependency order ("Backend Selector + Circuit Breaker + Retry Engine ->
// HTTP Forwarder").
func New(sel Selector, breakers Breakers, fwd Forwarder, log zerolog.Logger) *Engine {
	return &Engine{selector: sel, breakers: breakers, forward: fwd, log: log}
}

// ErrNoAttemptMade is returned if maxAttempts resolves to zero, which
// should not happen for a validated route (max_retries is clamped to
// [0,10] at apply time) but is guarded against rather than panicking.
var ErrNoAttemptMade = errors.New("retry: no attempt made")

// Execute runs the (select -> circuit gate -> forward) sequence up to
// route.RetryPolicy.MaxRetries+1 times, sleeping between attempts per
// spec.md §4.7 step 5. req must have GetBody set if the caller wants a
// request body replayed across attempts (attempt 0 always uses req.Body
// directly; later attempts call req.GetBody, and if it is unset they reuse
// req unchanged, whose Body attempt 0 has already read). clientIP is
// forwarded to the Forwarder unchanged on every attempt.
func (e *Engine) Execute(ctx context.Context, route *model.Route, req *http.Request, clientIP string) (*http.Response, Result) {
	policy := route.RetryPolicy
	maxAttempts := policy.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if !retriesAllowed(req.Method, policy, req.Header.Get("Idempotency-Key") != "") {
		maxAttempts = 1
	}

	bo := newBackOff(policy)
	timeout := time.Duration(route.TimeoutMs) * time.Millisecond
	excluded := make(map[string]bool, len(route.Backends))

	var lastErr error
	var lastBackend model.Backend

	for attempt := 0; attempt < maxAttempts; attempt++ {
		backend, selErr := e.selector.Select(route, req, excluded)
		if selErr != nil {
			return nil, Result{Attempts: attempt, Err: selErr, Backend: lastBackend}
		}
		lastBackend = backend

		breaker := e.breakers.Get(route.ID, backend.Key(), route.CircuitBreaker)
		report, allowed := breaker.Allow()
		if !allowed {
			lastErr = circuit.ErrOpen
			excluded[backend.Key()] = true
			if !e.shouldRetry(policy, model.RetryOnGatewayError, attempt, maxAttempts) {
				return nil, Result{Attempts: attempt + 1, Err: circuit.ErrOpen, Backend: backend}
			}
			e.sleepBeforeRetry(ctx, bo, route.ID, backend.Key(), attempt)
			continue
		}

		attemptReq := cloneForAttempt(req, attempt, ctx)
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, ferr := e.forward.Forward(attemptCtx, route, backend, attemptReq, clientIP, timeout)
		cancel()

		if ferr != nil {
			if ferr.Kind != forward.KindCanceled {
				report(false)
			}
			lastErr = ferr
			if !e.shouldRetryForward(policy, ferr, attempt, maxAttempts) {
				return nil, Result{Attempts: attempt + 1, Err: ferr, Backend: backend}
			}
			excluded[backend.Key()] = true
			e.sleepBeforeRetry(ctx, bo, route.ID, backend.Key(), attempt)
			continue
		}

		success := circuit.ClassifyOutcome(resp.StatusCode, nil)
		report(success)

		if resp.StatusCode >= 500 {
			if !e.shouldRetry(policy, model.RetryOn5xx, attempt, maxAttempts) {
				return resp, Result{Attempts: attempt + 1, Backend: backend}
			}
			_ = resp.Body.Close()
			excluded[backend.Key()] = true
			e.sleepBeforeRetry(ctx, bo, route.ID, backend.Key(), attempt)
			continue
		}

		return resp, Result{Attempts: attempt + 1, Backend: backend}
	}

	if lastErr == nil {
		lastErr = ErrNoAttemptMade
	}
	return nil, Result{Attempts: maxAttempts, Err: lastErr, Backend: lastBackend}
}

// shouldRetry reports whether the policy names reason as retryable and
// attempts remain after this one.
func (e *Engine) shouldRetry(policy model.RetryPolicy, reason model.RetryOn, attempt, maxAttempts int) bool {
	if attempt >= maxAttempts-1 {
		return false
	}
	return policy.RetryOn[reason]
}

// shouldRetryForward reports whether a forward.Error is retryable under
// policy. TlsError and Canceled have no retry_on entry in spec.md §3: a
// canceled attempt (client disconnect) must never be retried (spec.md §8
// boundary behavior), and a TLS failure is treated the same way since
// retrying the same backend with the same bad certificate wastes an
// attempt. A connection_error is additionally eligible under the "reset"
// retry_on entry, since spec.md §4.6's classifier groups "connection
// error, TCP reset" together and the forwarder does not distinguish them
// at the net.Error level.
func (e *Engine) shouldRetryForward(policy model.RetryPolicy, ferr *forward.Error, attempt, maxAttempts int) bool {
	if attempt >= maxAttempts-1 {
		return false
	}
	switch ferr.Kind {
	case forward.KindTimeout:
		return policy.RetryOn[model.RetryOnTimeout]
	case forward.KindConnectionError:
		return policy.RetryOn[model.RetryOnConnectionError] || policy.RetryOn[model.RetryOnReset]
	default:
		return false
	}
}

// retriesAllowed implements spec.md §4.7's idempotency guard: POST/PATCH
// are retried only with an Idempotency-Key or the route's explicit opt-in;
// every other method is retried per the policy's retry_on set alone.
func retriesAllowed(method string, policy model.RetryPolicy, hasIdempotencyKey bool) bool {
	switch method {
	case http.MethodPost, http.MethodPatch:
		return hasIdempotencyKey || policy.AllowUnsafeRetry
	default:
		return true
	}
}

// cloneForAttempt returns req unchanged for the first attempt (so a
// single-attempt request is never buffered) and a body-refreshed clone for
// subsequent attempts, using req.GetBody if the caller supplied one.
func cloneForAttempt(req *http.Request, attempt int, ctx context.Context) *http.Request {
	if attempt == 0 || req.GetBody == nil {
		return req
	}
	body, err := req.GetBody()
	if err != nil {
		return req
	}
	clone := req.Clone(ctx)
	clone.Body = body
	return clone
}

// newBackOff builds a cenkalti/backoff ExponentialBackOff whose
// NextBackOff sequence is exactly spec.md §4.7 step 5's formula:
// min(backoff_ms * multiplier^n, max_backoff_ms), jittered by the
// library's RandomizationFactor, set to 0.1 to match spec.md §3's "at
// least ±10%" jitter floor exactly rather than the library's default 0.5.
func newBackOff(policy model.RetryPolicy) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(policy.BackoffMs) * time.Millisecond
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = 100 * time.Millisecond
	}
	bo.Multiplier = policy.BackoffMultiplier
	if bo.Multiplier < 1 {
		bo.Multiplier = 1
	}
	bo.MaxInterval = time.Duration(policy.MaxBackoffMs) * time.Millisecond
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = 10_000 * time.Millisecond
	}
	bo.MaxElapsedTime = 0 // attempt count bounds the loop, not elapsed time
	bo.RandomizationFactor = 0.1
	bo.Reset()
	return bo
}

// sleepBeforeRetry sleeps for the engine's next jittered backoff interval,
// honoring ctx cancellation, and logs the decision per spec.md §9's
// next_retry_in_ms open question: the field is only ever logged here,
// after the retry decision has already been made.
func (e *Engine) sleepBeforeRetry(ctx context.Context, bo *backoff.ExponentialBackOff, routeID, backendKey string, attempt int) {
	d := bo.NextBackOff()
	e.log.Debug().
		Str("route", routeID).
		Str("backend", backendKey).
		Int("retry_count", attempt+1).
		Dur("next_retry_in_ms", d).
		Msg(fmt.Sprintf("retrying attempt %d", attempt+1))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
