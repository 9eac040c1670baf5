package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

// recordingMiddleware appends its name to a shared log at each hook, so
// tests can assert both which hooks ran and in what order.
type recordingMiddleware struct {
	Base
	name          string
	log           *[]string
	shortCircuit  bool
	fail          bool
	suppressError bool
}

func (r *recordingMiddleware) PreRequest(ctx context.Context, _ *http.Request) (context.Context, *Response, error) {
	*r.log = append(*r.log, "pre:"+r.name)
	if r.fail {
		return ctx, nil, errors.New(r.name + " failed")
	}
	if r.shortCircuit {
		return ctx, NewResponse(http.StatusForbidden, nil), nil
	}
	return ctx, nil, nil
}

func (r *recordingMiddleware) PostResponse(_ context.Context, _ *http.Request, resp *Response) (*Response, error) {
	*r.log = append(*r.log, "post:"+r.name)
	return resp, nil
}

func (r *recordingMiddleware) OnError(_ context.Context, _ *http.Request, _ error) (*Response, error) {
	*r.log = append(*r.log, "error:"+r.name)
	if r.suppressError {
		return NewResponse(http.StatusOK, nil), nil
	}
	return nil, nil
}

func buildTestPipeline(instances ...Instance) *Pipeline {
	p := &Pipeline{names: make([]string, len(instances)), instances: instances}
	for i := range instances {
		p.names[i] = "test"
	}
	return p
}

func TestPipeline_RunsPreRequestInOrder(t *testing.T) {
	var log []string
	p := buildTestPipeline(
		&recordingMiddleware{name: "a", log: &log},
		&recordingMiddleware{name: "b", log: &log},
	)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, outcome := p.RunPreRequest(context.Background(), req)
	if outcome.Failed || outcome.ShortCircuited {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	want := []string{"pre:a", "pre:b"}
	assertLog(t, log, want)
}

func TestPipeline_PostResponseRunsInReverseOrder(t *testing.T) {
	var log []string
	p := buildTestPipeline(
		&recordingMiddleware{name: "a", log: &log},
		&recordingMiddleware{name: "b", log: &log},
	)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx, outcome := p.RunPreRequest(context.Background(), req)
	log = nil
	if _, err := p.RunPostResponse(ctx, req, outcome, NewResponse(http.StatusOK, nil)); err != nil {
		t.Fatalf("RunPostResponse: %v", err)
	}
	assertLog(t, log, []string{"post:b", "post:a"})
}

func TestPipeline_ShortCircuitSkipsUpstreamAndLaterPre(t *testing.T) {
	var log []string
	p := buildTestPipeline(
		&recordingMiddleware{name: "a", log: &log, shortCircuit: true},
		&recordingMiddleware{name: "b", log: &log},
	)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, outcome := p.RunPreRequest(context.Background(), req)
	if !outcome.ShortCircuited {
		t.Fatal("want ShortCircuited")
	}
	assertLog(t, log, []string{"pre:a"}) // "b" never runs
}

func TestPipeline_ShortCircuitPostResponseRunsUpToAndIncludingShortCircuiter(t *testing.T) {
	var log []string
	p := buildTestPipeline(
		&recordingMiddleware{name: "a", log: &log},
		&recordingMiddleware{name: "b", log: &log, shortCircuit: true},
		&recordingMiddleware{name: "c", log: &log},
	)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx, outcome := p.RunPreRequest(context.Background(), req)
	log = nil
	if _, err := p.RunPostResponse(ctx, req, outcome, outcome.Response); err != nil {
		t.Fatalf("RunPostResponse: %v", err)
	}
	// "c" never ran pre_request, so it must not run post_response either.
	assertLog(t, log, []string{"post:b", "post:a"})
}

func TestPipeline_OnErrorFirstResponseWins(t *testing.T) {
	var log []string
	p := buildTestPipeline(
		&recordingMiddleware{name: "a", log: &log, suppressError: true},
		&recordingMiddleware{name: "b", log: &log},
	)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, outcome := p.RunPreRequest(context.Background(), req)
	log = nil
	resp := p.RunOnError(context.Background(), req, outcome, errors.New("boom"))
	if resp == nil {
		t.Fatal("want a's suppressing response")
	}
	assertLog(t, log, []string{"error:b", "error:a"})
}

func TestPipeline_FailStopsPreRequestAtThatMiddleware(t *testing.T) {
	var log []string
	p := buildTestPipeline(
		&recordingMiddleware{name: "a", log: &log},
		&recordingMiddleware{name: "b", log: &log, fail: true},
		&recordingMiddleware{name: "c", log: &log},
	)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, outcome := p.RunPreRequest(context.Background(), req)
	if !outcome.Failed {
		t.Fatal("want Failed outcome")
	}
	assertLog(t, log, []string{"pre:a", "pre:b"}) // "c" never runs
}

func TestBuild_UnknownMiddlewareErrors(t *testing.T) {
	r := NewRegistry()
	_, err := Build(r, []model.MiddlewareRef{{Name: "does-not-exist"}})
	if err == nil {
		t.Fatal("want error building an unregistered middleware")
	}
}

func assertLog(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("log length: got %v want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("log[%d]: got %q want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}
