package forward

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

func TestForward_StripPrefixAndAddPrefix(t *testing.T) {
	var observedPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		observedPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	route := &model.Route{ID: "echo", Path: "/e", StripPrefix: true, AddPrefix: "/v1", TimeoutMs: 2000}
	backend := model.Backend{URL: mustURL(t, upstream.URL), Weight: 100}

	f := NewForwarder(NewDefaultRegistry(), nil, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/e/x", nil)

	resp, ferr := f.Forward(req.Context(), route, backend, req, "1.2.3.4", 2*time.Second)
	if ferr != nil {
		t.Fatalf("Forward: %v", ferr)
	}
	defer resp.Body.Close()

	if observedPath != "/v1/x" {
		t.Errorf("observed path = %q, want /v1/x", observedPath)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestForward_NoStripPrefix(t *testing.T) {
	var observedPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		observedPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	route := &model.Route{ID: "echo", Path: "/e", TimeoutMs: 2000}
	backend := model.Backend{URL: mustURL(t, upstream.URL), Weight: 100}

	f := NewForwarder(NewDefaultRegistry(), nil, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/e/x", nil)

	resp, ferr := f.Forward(req.Context(), route, backend, req, "", 2*time.Second)
	if ferr != nil {
		t.Fatalf("Forward: %v", ferr)
	}
	resp.Body.Close()

	if observedPath != "/e/x" {
		t.Errorf("observed path = %q, want /e/x", observedPath)
	}
}

func TestForward_HopByHopHeadersDropped(t *testing.T) {
	var gotConnection, gotKeepAlive string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotConnection = r.Header.Get("Connection")
		gotKeepAlive = r.Header.Get("Keep-Alive")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	route := &model.Route{ID: "echo", Path: "/", TimeoutMs: 2000}
	backend := model.Backend{URL: mustURL(t, upstream.URL), Weight: 100}

	f := NewForwarder(NewDefaultRegistry(), nil, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Keep-Alive", "timeout=5")

	resp, ferr := f.Forward(req.Context(), route, backend, req, "", 2*time.Second)
	if ferr != nil {
		t.Fatalf("Forward: %v", ferr)
	}
	resp.Body.Close()

	if gotConnection != "" {
		t.Errorf("Connection header leaked upstream: %q", gotConnection)
	}
	if gotKeepAlive != "" {
		t.Errorf("Keep-Alive header leaked upstream: %q", gotKeepAlive)
	}
}

func TestForward_ForwardingHeaders(t *testing.T) {
	var xff, xproto, xhost, xrid string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		xff = r.Header.Get("X-Forwarded-For")
		xproto = r.Header.Get("X-Forwarded-Proto")
		xhost = r.Header.Get("X-Forwarded-Host")
		xrid = r.Header.Get("X-Request-Id")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	route := &model.Route{ID: "echo", Path: "/", TimeoutMs: 2000}
	backend := model.Backend{URL: mustURL(t, upstream.URL), Weight: 100}

	f := NewForwarder(NewDefaultRegistry(), nil, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Host = "gw.example.com"

	resp, ferr := f.Forward(req.Context(), route, backend, req, "9.9.9.9", 2*time.Second)
	if ferr != nil {
		t.Fatalf("Forward: %v", ferr)
	}
	resp.Body.Close()

	if xff != "9.9.9.9" {
		t.Errorf("X-Forwarded-For = %q, want 9.9.9.9", xff)
	}
	if xproto != "http" {
		t.Errorf("X-Forwarded-Proto = %q, want http", xproto)
	}
	if xhost != "gw.example.com" {
		t.Errorf("X-Forwarded-Host = %q, want gw.example.com", xhost)
	}
	if xrid == "" {
		t.Error("X-Request-Id was not generated")
	}
}

func TestForward_PreservesExistingXFFChain(t *testing.T) {
	var xff string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		xff = r.Header.Get("X-Forwarded-For")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	route := &model.Route{ID: "echo", Path: "/", TimeoutMs: 2000}
	backend := model.Backend{URL: mustURL(t, upstream.URL), Weight: 100}

	f := NewForwarder(NewDefaultRegistry(), nil, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Forwarded-For", "1.1.1.1")

	resp, ferr := f.Forward(req.Context(), route, backend, req, "2.2.2.2", 2*time.Second)
	if ferr != nil {
		t.Fatalf("Forward: %v", ferr)
	}
	resp.Body.Close()

	if xff != "1.1.1.1, 2.2.2.2" {
		t.Errorf("X-Forwarded-For = %q, want appended chain", xff)
	}
}

func TestForward_ConnectionErrorClassified(t *testing.T) {
	route := &model.Route{ID: "echo", Path: "/", TimeoutMs: 500}
	backend := model.Backend{URL: mustURL(t, "http://127.0.0.1:1"), Weight: 100}

	f := NewForwarder(NewDefaultRegistry(), nil, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/x", nil)

	_, ferr := f.Forward(req.Context(), route, backend, req, "", 500*time.Millisecond)
	if ferr == nil {
		t.Fatal("expected a forward error dialing a closed port")
	}
	if ferr.Kind != KindConnectionError {
		t.Errorf("Kind = %v, want ConnectionError", ferr.Kind)
	}
}

func TestForward_IdleTimeoutClosesStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("first-chunk"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte("second-chunk"))
	}))
	defer upstream.Close()

	route := &model.Route{ID: "echo", Path: "/", TimeoutMs: 5000}
	backend := model.Backend{URL: mustURL(t, upstream.URL), Weight: 100}

	f := NewForwarder(NewDefaultRegistry(), nil, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/x", nil)

	resp, ferr := f.Forward(req.Context(), route, backend, req, "", 50*time.Millisecond)
	if ferr != nil {
		t.Fatalf("Forward: %v", ferr)
	}
	defer resp.Body.Close()

	buf := make([]byte, 64)
	n, _ := resp.Body.Read(buf)
	if string(buf[:n]) != "first-chunk" {
		t.Fatalf("first read = %q, want first-chunk", string(buf[:n]))
	}

	_, err := resp.Body.Read(buf)
	if err == nil {
		t.Fatal("expected idle timeout to close the body before the second chunk")
	}
}

var _ io.ReadCloser = (*idleTimeoutBody)(nil)
