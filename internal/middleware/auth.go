package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/l8e-harbor/l8e-harbor/internal/authn"
)

type identityContextKey struct{}

// IdentityFromContext returns the Identity the auth middleware attached to
// ctx, if any.
func IdentityFromContext(ctx context.Context) (authn.Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(authn.Identity)
	return id, ok
}

type authConfig struct {
	requireAuth         bool
	requireRole         []string
	allowAnonymousPaths []string
	pathRoles           map[string][]string
}

func parseAuthConfig(cfg map[string]any) authConfig {
	return authConfig{
		requireAuth:         cfgBool(cfg, "require_auth", true),
		requireRole:         cfgStringSlice(cfg, "require_role"),
		allowAnonymousPaths: cfgStringSlice(cfg, "allow_anonymous_paths"),
		pathRoles:           cfgStringToStringSliceMap(cfg, "path_roles"),
	}
}

type authMiddleware struct {
	Base
	cfg  authConfig
	auth authn.Authenticator
}

func newAuthFactory(authenticator authn.Authenticator) Factory {
	return func(cfg map[string]any) (Instance, error) {
		return &authMiddleware{cfg: parseAuthConfig(cfg), auth: authenticator}, nil
	}
}

func (a *authMiddleware) PreRequest(ctx context.Context, req *http.Request) (context.Context, *Response, error) {
	for _, p := range a.cfg.allowAnonymousPaths {
		if pathMatchesPattern(req.URL.Path, p) {
			return ctx, nil, nil
		}
	}

	if a.auth == nil {
		if a.cfg.requireAuth {
			return ctx, unauthenticatedResponse(), nil
		}
		return ctx, nil, nil
	}

	id, err := a.auth.Authenticate(req.Header, req.Cookies())
	if err != nil {
		if a.cfg.requireAuth {
			return ctx, unauthenticatedResponse(), nil
		}
		return ctx, nil, nil
	}

	required := a.cfg.requireRole
	for pattern, roles := range a.cfg.pathRoles {
		if pathMatchesPattern(req.URL.Path, pattern) {
			required = roles
			break
		}
	}
	if len(required) > 0 && !hasAnyRole(id, required) {
		return ctx, forbiddenResponse(), nil
	}

	ctx = context.WithValue(ctx, identityContextKey{}, id)
	return ctx, nil, nil
}

func hasAnyRole(id authn.Identity, roles []string) bool {
	for _, r := range roles {
		if id.HasRole(r) {
			return true
		}
	}
	return false
}

// pathMatchesPattern treats a trailing "*" as a prefix wildcard and
// otherwise requires an exact match; good enough for allow-list style
// path sets without pulling in a full glob/regex engine for this one use.
func pathMatchesPattern(path, pattern string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
	}
	return path == pattern
}

func unauthenticatedResponse() *Response {
	return NewResponse(http.StatusUnauthorized, []byte(`{"error":"unauthenticated"}`))
}

func forbiddenResponse() *Response {
	return NewResponse(http.StatusForbidden, []byte(`{"error":"forbidden"}`))
}
