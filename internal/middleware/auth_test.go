package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/l8e-harbor/l8e-harbor/internal/authn"
)

func TestAuth_RejectsWithoutToken(t *testing.T) {
	f := newAuthFactory(authn.StaticTokenAuthenticator{Tokens: map[string]authn.Identity{}})
	inst, _ := f(nil)
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	_, resp, err := inst.PreRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("PreRequest: %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %+v", resp)
	}
}

func TestAuth_AllowsAnonymousPath(t *testing.T) {
	f := newAuthFactory(authn.StaticTokenAuthenticator{})
	inst, _ := f(map[string]any{"allow_anonymous_paths": []any{"/public/*"}})
	req := httptest.NewRequest(http.MethodGet, "/public/assets/logo.png", nil)
	_, resp, err := inst.PreRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("PreRequest: %v", err)
	}
	if resp != nil {
		t.Fatalf("anonymous path should not be challenged, got %+v", resp)
	}
}

func TestAuth_RejectsMissingRole(t *testing.T) {
	auth := authn.StaticTokenAuthenticator{Tokens: map[string]authn.Identity{
		"tok": {Subject: "u1", Roles: []string{"viewer"}},
	}}
	f := newAuthFactory(auth)
	inst, _ := f(map[string]any{"require_role": []any{"admin"}})
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer tok")
	_, resp, err := inst.PreRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("PreRequest: %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("want 403, got %+v", resp)
	}
}

func TestAuth_AttachesIdentityOnSuccess(t *testing.T) {
	auth := authn.StaticTokenAuthenticator{Tokens: map[string]authn.Identity{
		"tok": {Subject: "u1", Roles: []string{"admin"}},
	}}
	f := newAuthFactory(auth)
	inst, _ := f(map[string]any{"require_role": []any{"admin"}})
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer tok")
	ctx, resp, err := inst.PreRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("PreRequest: %v", err)
	}
	if resp != nil {
		t.Fatalf("want Continue, got %+v", resp)
	}
	id, ok := IdentityFromContext(ctx)
	if !ok || id.Subject != "u1" {
		t.Fatalf("want identity attached to context, got %+v ok=%v", id, ok)
	}
}
