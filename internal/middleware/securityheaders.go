package middleware

import (
	"context"
	"net/http"
)

type securityHeadersConfig struct {
	headers       map[string]string
	removeHeaders []string
}

func parseSecurityHeadersConfig(cfg map[string]any) securityHeadersConfig {
	return securityHeadersConfig{
		headers:       cfgStringMap(cfg, "headers"),
		removeHeaders: cfgStringSlice(cfg, "remove_headers"),
	}
}

type securityHeadersMiddleware struct {
	Base
	cfg securityHeadersConfig
}

func newSecurityHeadersFactory() Factory {
	return func(cfg map[string]any) (Instance, error) {
		return &securityHeadersMiddleware{cfg: parseSecurityHeadersConfig(cfg)}, nil
	}
}

func (s *securityHeadersMiddleware) PostResponse(_ context.Context, _ *http.Request, resp *Response) (*Response, error) {
	if resp == nil {
		return resp, nil
	}
	for name, value := range s.cfg.headers {
		resp.Header.Set(name, value)
	}
	for _, name := range s.cfg.removeHeaders {
		resp.Header.Del(name)
	}
	return resp, nil
}
