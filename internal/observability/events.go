package observability

import (
	"time"

	"github.com/rs/zerolog"
)

// AccessLog is one completed proxied request, logged by the gateway's
// ServeHTTP after the middleware pipeline and retry engine have both run.
// This is distinct from the "logging" middleware (internal/middleware),
// which a route opts into per spec.md §4.3; AccessLog always fires,
// mirroring the teacher's AccessLog struct in internal/handler/gateway.go
// generalized with the fields the original's proxy.py request log line
// carries (request id, retry count, matched route/backend) that the
// teacher's single-upstream gateway had no need for.
type AccessLog struct {
	RequestID  string
	Route      string
	Backend    string
	Method     string
	Path       string
	Status     int
	Duration   time.Duration
	Retries    int
	RemoteAddr string
	Err        error
}

// Events emits structured gateway lifecycle events via zerolog. Unlike the
// metrics registry, Events carries no state beyond the one logger it is
// built with; its methods take no logger of their own.
type Events struct {
	log zerolog.Logger
}

// NewEvents builds an Events sink around the process-wide base logger.
// Every event is written through that logger; request-scoped values reach
// an event only through its arguments (for example AccessLog.RequestID).
func NewEvents(log zerolog.Logger) *Events {
	return &Events{log: log}
}

// Access logs one completed request.
func (e *Events) Access(entry AccessLog) {
	ev := e.log.Info()
	if entry.Status >= 500 || entry.Err != nil {
		ev = e.log.Warn()
	}
	ev.
		Str("request_id", entry.RequestID).
		Str("route", entry.Route).
		Str("backend", entry.Backend).
		Str("method", entry.Method).
		Str("path", entry.Path).
		Int("status", entry.Status).
		Dur("duration", entry.Duration).
		Int("retry_count", entry.Retries).
		Str("remote_addr", entry.RemoteAddr)
	if entry.Err != nil {
		ev = ev.AnErr("error", entry.Err)
	}
	ev.Msg("request")
}

// SnapshotApplied logs a successful Route Store Apply (spec.md §4.1).
func (e *Events) SnapshotApplied(source string, sequence uint64, routeCount int) {
	e.log.Info().
		Str("source", source).
		Uint64("version", sequence).
		Int("routes", routeCount).
		Msg("route snapshot applied")
}

// SnapshotRejected logs a failure to take up a new route snapshot; the
// gateway calls it when its Route Store watch fails or panics. The prior
// snapshot remains active (spec.md §4.1).
func (e *Events) SnapshotRejected(source string, err error) {
	e.log.Error().Str("source", source).Err(err).Msg("route snapshot rejected, prior snapshot remains active")
}

// HealthTransition logs a backend's health state machine transition
// (spec.md §4.5).
func (e *Events) HealthTransition(route, backend, from, to string) {
	e.log.Info().
		Str("route", route).
		Str("backend", backend).
		Str("from", from).
		Str("to", to).
		Msg("backend health transition")
}

// CircuitTransition logs a circuit breaker state transition (spec.md §4.6).
func (e *Events) CircuitTransition(route, backend, from, to string) {
	e.log.Warn().
		Str("route", route).
		Str("backend", backend).
		Str("from", from).
		Str("to", to).
		Msg("circuit breaker transition")
}
