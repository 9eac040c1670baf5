// Package middleware implements the Middleware Pipeline component of
// spec.md §4.3: a composable, per-route ordered chain of units exposing
// pre_request/post_response/on_error, plus the factory registry spec.md
// §9 calls for ("a factory table name -> (config_schema, build)") instead
// of a decorator hierarchy.
//
// The Middleware/Filter split follows zalando-skipper's
// skipper.Middleware / skipper.Filter shape (src/skipper/skipper/skipper.go):
// a Middleware is the named factory, a built instance is what the Pipeline
// actually runs per request.
package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

// Response is the pipeline's abstraction over an HTTP response: either a
// short-circuit response manufactured by a middleware, or (once the
// upstream has been called) a view over the forwarder's streamed
// response. Most post_response middlewares only touch StatusCode/Header;
// Body is left alone so streaming is not broken by the pipeline.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// NewResponse builds a fully-buffered Response, for middlewares that
// manufacture a response body directly (auth rejections, rate-limit 429s).
func NewResponse(status int, body []byte) *Response {
	h := make(http.Header)
	return &Response{StatusCode: status, Header: h, Body: io.NopCloser(bytes.NewReader(body))}
}

// Instance is a built middleware ready to run within a Pipeline. All three
// methods are optional in effect: embedding Base and overriding only what
// is needed keeps a middleware's file focused on its one concern (spec.md
// §9 "no inheritance, no abstract base classes" — Base is composition, not
// a hierarchy).
type Instance interface {
	// PreRequest may mutate req and the returned context. Returning a
	// non-nil Response short-circuits the pipeline; returning a non-nil
	// error fails the request per spec.md §4.3's Fail semantics.
	PreRequest(ctx context.Context, req *http.Request) (context.Context, *Response, error)

	// PostResponse runs in reverse declaration order for every middleware
	// whose PreRequest returned Continue (spec.md §4.3).
	PostResponse(ctx context.Context, req *http.Request, resp *Response) (*Response, error)

	// OnError runs in reverse order; the first Instance returning a
	// non-nil Response suppresses the error.
	OnError(ctx context.Context, req *http.Request, err error) (*Response, error)
}

// Base is a no-op Instance to embed so a middleware only needs to
// implement the hook(s) it cares about.
type Base struct{}

func (Base) PreRequest(ctx context.Context, _ *http.Request) (context.Context, *Response, error) {
	return ctx, nil, nil
}

func (Base) PostResponse(_ context.Context, _ *http.Request, resp *Response) (*Response, error) {
	return resp, nil
}

func (Base) OnError(_ context.Context, _ *http.Request, _ error) (*Response, error) {
	return nil, nil
}

// Factory builds a configured Instance from a route's middleware config
// map (spec.md §6 `middleware:[{name,config}]`).
type Factory func(config map[string]any) (Instance, error)
