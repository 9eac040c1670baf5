// Package observability implements the Observability hooks component of
// spec.md §5/§6: a structured event emitter (github.com/rs/zerolog), a
// metrics registry (github.com/prometheus/client_golang) exposing the
// stable metric names spec.md §6 names, and trace-context propagation.
package observability

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// SpanContext is the minimal W3C traceparent triple this gateway
// propagates: a 16-byte trace id, an 8-byte parent/span id, and sampling
// flags (spec.md §4.8 "W3C traceparent or X-Trace-Id/X-Span-Id pair").
type SpanContext struct {
	TraceID string // 32 hex chars
	SpanID  string // 16 hex chars
	Sampled bool
}

// String renders the span context as a W3C traceparent header value.
func (s SpanContext) String() string {
	flags := "00"
	if s.Sampled {
		flags = "01"
	}
	return fmt.Sprintf("00-%s-%s-%s", s.TraceID, s.SpanID, flags)
}

// ParseTraceparent parses a W3C traceparent header value. It also accepts
// the X-Trace-Id/X-Span-Id fallback pair via ParseTraceHeaders.
func ParseTraceparent(header string) (SpanContext, bool) {
	parts := strings.Split(strings.TrimSpace(header), "-")
	if len(parts) != 4 {
		return SpanContext{}, false
	}
	version, traceID, parentID, flags := parts[0], parts[1], parts[2], parts[3]
	if version != "00" || len(traceID) != 32 || len(parentID) != 16 || len(flags) != 2 {
		return SpanContext{}, false
	}
	if traceID == strings.Repeat("0", 32) || parentID == strings.Repeat("0", 16) {
		return SpanContext{}, false
	}
	return SpanContext{TraceID: traceID, SpanID: parentID, Sampled: flags != "00"}, true
}

// ParseTraceHeaders accepts either a W3C traceparent or the simpler
// X-Trace-Id/X-Span-Id header pair, returning the parsed context and
// whether a trace id was found at all.
func ParseTraceHeaders(traceparent, xTraceID, xSpanID string) (SpanContext, bool) {
	if traceparent != "" {
		if sc, ok := ParseTraceparent(traceparent); ok {
			return sc, true
		}
	}
	if xTraceID != "" {
		traceID := padHex(xTraceID, 32)
		spanID := xSpanID
		if spanID == "" {
			spanID = newHexID(8)
		} else {
			spanID = padHex(spanID, 16)
		}
		return SpanContext{TraceID: traceID, SpanID: spanID, Sampled: true}, true
	}
	return SpanContext{}, false
}

// NewSpan derives a fresh child span from an existing trace, or starts a
// brand-new trace if parent has no TraceID (spec.md §4.8 "a fresh span is
// generated if the tracing middleware is active").
func NewSpan(parent SpanContext) SpanContext {
	traceID := parent.TraceID
	if traceID == "" {
		traceID = newHexID(16)
	}
	return SpanContext{TraceID: traceID, SpanID: newHexID(8), Sampled: parent.Sampled || parent.TraceID == ""}
}

func newHexID(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read on a real OS practically never fails; degrade to
		// an all-ones id rather than propagate an error from a span
		// constructor whose callers do not expect one.
		for i := range b {
			b[i] = 0xFF
		}
	}
	return hex.EncodeToString(b)
}

func padHex(s string, length int) string {
	if len(s) >= length {
		return s[:length]
	}
	return s + strings.Repeat("0", length-len(s))
}

type spanContextKey struct{}

// ContextWithSpan attaches a SpanContext to ctx.
func ContextWithSpan(ctx context.Context, sc SpanContext) context.Context {
	return context.WithValue(ctx, spanContextKey{}, sc)
}

// SpanFromContext retrieves the SpanContext attached to ctx, if any.
func SpanFromContext(ctx context.Context) (SpanContext, bool) {
	sc, ok := ctx.Value(spanContextKey{}).(SpanContext)
	return sc, ok
}
