package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
)

type corsConfig struct {
	allowOrigins     []string
	allowMethods     []string
	allowHeaders     []string
	exposeHeaders    []string
	allowCredentials bool
	maxAge           int
}

func parseCORSConfig(cfg map[string]any) corsConfig {
	return corsConfig{
		allowOrigins:     cfgStringSlice(cfg, "allow_origins"),
		allowMethods:     cfgStringSlice(cfg, "allow_methods"),
		allowHeaders:     cfgStringSlice(cfg, "allow_headers"),
		exposeHeaders:    cfgStringSlice(cfg, "expose_headers"),
		allowCredentials: cfgBool(cfg, "allow_credentials", false),
		maxAge:           cfgInt(cfg, "max_age", 0),
	}
}

type corsMiddleware struct {
	Base
	cfg corsConfig
}

func newCORSFactory() Factory {
	return func(cfg map[string]any) (Instance, error) {
		return &corsMiddleware{cfg: parseCORSConfig(cfg)}, nil
	}
}

func (c *corsMiddleware) PreRequest(ctx context.Context, req *http.Request) (context.Context, *Response, error) {
	origin := req.Header.Get("Origin")
	if origin == "" || !c.originAllowed(origin) {
		return ctx, nil, nil
	}

	if req.Method == http.MethodOptions && req.Header.Get("Access-Control-Request-Method") != "" {
		resp := NewResponse(http.StatusNoContent, nil)
		c.setCORSHeaders(resp.Header, origin)
		if len(c.cfg.allowMethods) > 0 {
			resp.Header.Set("Access-Control-Allow-Methods", strings.Join(c.cfg.allowMethods, ", "))
		}
		if len(c.cfg.allowHeaders) > 0 {
			resp.Header.Set("Access-Control-Allow-Headers", strings.Join(c.cfg.allowHeaders, ", "))
		}
		if c.cfg.maxAge > 0 {
			resp.Header.Set("Access-Control-Max-Age", strconv.Itoa(c.cfg.maxAge))
		}
		return ctx, resp, nil
	}

	return ctx, nil, nil
}

func (c *corsMiddleware) PostResponse(_ context.Context, req *http.Request, resp *Response) (*Response, error) {
	origin := req.Header.Get("Origin")
	if origin == "" || !c.originAllowed(origin) || resp == nil {
		return resp, nil
	}
	c.setCORSHeaders(resp.Header, origin)
	if len(c.cfg.exposeHeaders) > 0 {
		resp.Header.Set("Access-Control-Expose-Headers", strings.Join(c.cfg.exposeHeaders, ", "))
	}
	return resp, nil
}

func (c *corsMiddleware) setCORSHeaders(h http.Header, origin string) {
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
	if c.cfg.allowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}

func (c *corsMiddleware) originAllowed(origin string) bool {
	if len(c.cfg.allowOrigins) == 0 {
		return false
	}
	for _, o := range c.cfg.allowOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
