package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type loggingConfig struct {
	level              string
	excludePaths       []string
	includeUserAgent   bool
	includeRemoteAddr  bool
}

func parseLoggingConfig(cfg map[string]any) loggingConfig {
	return loggingConfig{
		level:             cfgString(cfg, "level", "info"),
		excludePaths:      cfgStringSlice(cfg, "exclude_paths"),
		includeUserAgent:  cfgBool(cfg, "include_user_agent", false),
		includeRemoteAddr: cfgBool(cfg, "include_remote_addr", false),
	}
}

type startTimeContextKey struct{}

// loggingMiddleware emits one structured access-log event per request via
// zerolog.Ctx(ctx), the logger the gateway host attaches to each request's
// context (spec.md §9 "Global mutable singletons: dependency-inject a
// context struct carrying sinks at server startup" — the per-request
// zerolog logger is that carried sink, not a package-level global).
type loggingMiddleware struct {
	Base
	cfg   loggingConfig
	level zerolog.Level
}

func newLoggingFactory() Factory {
	return func(cfg map[string]any) (Instance, error) {
		parsed := parseLoggingConfig(cfg)
		lvl, err := zerolog.ParseLevel(strings.ToLower(parsed.level))
		if err != nil {
			lvl = zerolog.InfoLevel
		}
		return &loggingMiddleware{cfg: parsed, level: lvl}, nil
	}
}

func (l *loggingMiddleware) PreRequest(ctx context.Context, _ *http.Request) (context.Context, *Response, error) {
	return context.WithValue(ctx, startTimeContextKey{}, time.Now()), nil, nil
}

func (l *loggingMiddleware) PostResponse(ctx context.Context, req *http.Request, resp *Response) (*Response, error) {
	l.logAccess(ctx, req, resp, nil)
	return resp, nil
}

func (l *loggingMiddleware) OnError(ctx context.Context, req *http.Request, err error) (*Response, error) {
	l.logAccess(ctx, req, nil, err)
	return nil, nil
}

func (l *loggingMiddleware) logAccess(ctx context.Context, req *http.Request, resp *Response, cause error) {
	for _, p := range l.cfg.excludePaths {
		if pathMatchesPattern(req.URL.Path, p) {
			return
		}
	}

	logger := zerolog.Ctx(ctx)
	ev := logger.WithLevel(l.level)
	ev.Str("method", req.Method).Str("path", req.URL.Path)
	if started, ok := ctx.Value(startTimeContextKey{}).(time.Time); ok {
		ev.Dur("duration", time.Since(started))
	}
	if resp != nil {
		ev.Int("status", resp.StatusCode)
	}
	if l.cfg.includeUserAgent {
		ev.Str("user_agent", req.UserAgent())
	}
	if l.cfg.includeRemoteAddr {
		ev.Str("remote_addr", req.RemoteAddr)
	}
	if cause != nil {
		ev.Err(cause)
	}
	ev.Msg("request")
}
