package middleware

import (
	"context"
	"net/http"

	"github.com/l8e-harbor/l8e-harbor/internal/observability"
)

type tracingConfig struct {
	createSpans      bool
	spanNameTemplate string
	spanAttributes   map[string]string
}

func parseTracingConfig(cfg map[string]any) tracingConfig {
	return tracingConfig{
		createSpans:      cfgBool(cfg, "create_spans", true),
		spanNameTemplate: cfgString(cfg, "span_name_template", "{method} {path}"),
		spanAttributes:   cfgStringMap(cfg, "span_attributes"),
	}
}

// tracingMiddleware propagates or mints a trace-context span (spec.md
// §4.8) and attaches it to the request context and, when present, the
// outgoing W3C traceparent response header so a caller can correlate.
type tracingMiddleware struct {
	Base
	cfg tracingConfig
}

func newTracingFactory() Factory {
	return func(cfg map[string]any) (Instance, error) {
		return &tracingMiddleware{cfg: parseTracingConfig(cfg)}, nil
	}
}

func (t *tracingMiddleware) PreRequest(ctx context.Context, req *http.Request) (context.Context, *Response, error) {
	if !t.cfg.createSpans {
		return ctx, nil, nil
	}

	parent, _ := observability.ParseTraceHeaders(
		req.Header.Get("traceparent"),
		req.Header.Get("X-Trace-Id"),
		req.Header.Get("X-Span-Id"),
	)
	span := observability.NewSpan(parent)
	req.Header.Set("traceparent", span.String())
	return observability.ContextWithSpan(ctx, span), nil, nil
}

func (t *tracingMiddleware) PostResponse(ctx context.Context, _ *http.Request, resp *Response) (*Response, error) {
	if !t.cfg.createSpans || resp == nil {
		return resp, nil
	}
	if span, ok := observability.SpanFromContext(ctx); ok {
		resp.Header.Set("traceparent", span.String())
	}
	return resp, nil
}
