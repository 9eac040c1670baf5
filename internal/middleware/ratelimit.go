package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// limiterSet holds one token-bucket limiter per key, created lazily; allow
// updates an existing limiter in place when called with a different limit
// or burst. A route-set reload rebuilds each route's pipeline, so it starts
// with fresh limiters rather than reconfiguring the old ones.
// Adapted nearly verbatim from the teacher's internal/ratelimit/ratelimit.go
// Limiter, generalized from a single global Limiter to one embedded per
// rate-limit middleware instance (each route+config gets its own key
// space) and its requests_per_minute config converted to rate.Limit
// (events/sec).
type limiterSet struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

func newLimiterSet() *limiterSet {
	return &limiterSet{limiters: make(map[string]*rate.Limiter)}
}

func (s *limiterSet) allow(key string, limit rate.Limit, burst int) bool {
	s.mu.RLock()
	lim, ok := s.limiters[key]
	s.mu.RUnlock()

	if !ok {
		s.mu.Lock()
		lim, ok = s.limiters[key]
		if !ok {
			lim = rate.NewLimiter(limit, burst)
			s.limiters[key] = lim
		}
		s.mu.Unlock()
	}

	if lim.Limit() != limit {
		lim.SetLimit(limit)
	}
	if lim.Burst() != burst {
		lim.SetBurst(burst)
	}

	return lim.Allow()
}

type rateLimitConfig struct {
	requestsPerMinute float64
	burstSize         int
	keyBy             string // "ip" | "user" | "header:NAME"
	whitelist         []string
}

func parseRateLimitConfig(cfg map[string]any) rateLimitConfig {
	return rateLimitConfig{
		requestsPerMinute: cfgFloat(cfg, "requests_per_minute", 600),
		burstSize:         cfgInt(cfg, "burst_size", 10),
		keyBy:             cfgString(cfg, "key_by", "ip"),
		whitelist:         cfgStringSlice(cfg, "whitelist"),
	}
}

type rateLimitMiddleware struct {
	Base
	cfg      rateLimitConfig
	limiters *limiterSet
}

func newRateLimitFactory() Factory {
	return func(cfg map[string]any) (Instance, error) {
		return &rateLimitMiddleware{cfg: parseRateLimitConfig(cfg), limiters: newLimiterSet()}, nil
	}
}

func (r *rateLimitMiddleware) PreRequest(ctx context.Context, req *http.Request) (context.Context, *Response, error) {
	key := r.keyFor(ctx, req)
	for _, w := range r.cfg.whitelist {
		if w == key {
			return ctx, nil, nil
		}
	}

	limit := rate.Limit(r.cfg.requestsPerMinute / 60)
	if !r.limiters.allow(key, limit, r.cfg.burstSize) {
		resp := NewResponse(http.StatusTooManyRequests, []byte(`{"error":"rate limited"}`))
		return ctx, resp, nil
	}
	return ctx, nil, nil
}

func (r *rateLimitMiddleware) keyFor(ctx context.Context, req *http.Request) string {
	switch {
	case r.cfg.keyBy == "user":
		if id, ok := IdentityFromContext(ctx); ok && id.Subject != "" {
			return id.Subject
		}
		return clientIP(req)
	case strings.HasPrefix(r.cfg.keyBy, "header:"):
		name := strings.TrimPrefix(r.cfg.keyBy, "header:")
		if v := req.Header.Get(name); v != "" {
			return v
		}
		return clientIP(req)
	default: // "ip" and any unrecognized value
		return clientIP(req)
	}
}

func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
