package middleware

import (
	"context"
	"net/http"
)

type headerRewriteConfig struct {
	set    map[string]string
	add    map[string]string
	remove []string
}

func parseHeaderRewriteConfig(cfg map[string]any) headerRewriteConfig {
	return headerRewriteConfig{
		set:    cfgStringMap(cfg, "set"),
		add:    cfgStringMap(cfg, "add"),
		remove: cfgStringSlice(cfg, "remove"),
	}
}

type headerRewriteMiddleware struct {
	Base
	cfg headerRewriteConfig
}

func newHeaderRewriteFactory() Factory {
	return func(cfg map[string]any) (Instance, error) {
		return &headerRewriteMiddleware{cfg: parseHeaderRewriteConfig(cfg)}, nil
	}
}

// PreRequest rewrites the upstream-bound request's headers (grounded on
// original_source/app/core/proxy.py's header_modifications: set replaces,
// add appends, remove is case-insensitive via http.Header's canonical
// keying).
func (h *headerRewriteMiddleware) PreRequest(ctx context.Context, req *http.Request) (context.Context, *Response, error) {
	for name, value := range h.cfg.set {
		req.Header.Set(name, value)
	}
	for name, value := range h.cfg.add {
		req.Header.Add(name, value)
	}
	for _, name := range h.cfg.remove {
		req.Header.Del(name)
	}
	return ctx, nil, nil
}
