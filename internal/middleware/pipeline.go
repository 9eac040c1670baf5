package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

// Pipeline is the ordered chain of middleware instances built for one
// Route (spec.md §4.3). It is built once per Route per Snapshot and run
// once per request against that route.
type Pipeline struct {
	names      []string
	instances  []Instance
}

// Build constructs a Pipeline from a route's declared middleware chain, in
// declared order.
func Build(registry *Registry, refs []model.MiddlewareRef) (*Pipeline, error) {
	p := &Pipeline{
		names:     make([]string, len(refs)),
		instances: make([]Instance, len(refs)),
	}
	for i, ref := range refs {
		inst, err := registry.Build(ref.Name, ref.Config)
		if err != nil {
			return nil, fmt.Errorf("build middleware %q: %w", ref.Name, err)
		}
		p.names[i] = ref.Name
		p.instances[i] = inst
	}
	return p, nil
}

// Outcome is the result of running the pre-request pass.
type Outcome struct {
	ShortCircuited bool
	Response       *Response
	Failed         bool
	Err            error
	ran            int // number of instances whose PreRequest returned Continue or ShortCircuit, in order
}

// RunPreRequest executes pre_request in declared order (spec.md §4.3).
// On ShortCircuit, it stops and records how many middlewares ran so
// RunPostResponse/RunOnError can unwind only those, in reverse, per spec.
func (p *Pipeline) RunPreRequest(ctx context.Context, req *http.Request) (context.Context, Outcome) {
	for i, inst := range p.instances {
		var resp *Response
		var err error
		ctx, resp, err = inst.PreRequest(ctx, req)
		if err != nil {
			return ctx, Outcome{Failed: true, Err: err, ran: i}
		}
		if resp != nil {
			return ctx, Outcome{ShortCircuited: true, Response: resp, ran: i + 1}
		}
	}
	return ctx, Outcome{ran: len(p.instances)}
}

// RunPostResponse runs post_response in reverse order, only for the
// middlewares whose pre_request returned Continue, up to and including a
// short-circuiter (spec.md §4.3).
func (p *Pipeline) RunPostResponse(ctx context.Context, req *http.Request, outcome Outcome, resp *Response) (*Response, error) {
	for i := outcome.ran - 1; i >= 0; i-- {
		var err error
		resp, err = p.instances[i].PostResponse(ctx, req, resp)
		if err != nil {
			return resp, fmt.Errorf("post_response %q: %w", p.names[i], err)
		}
	}
	return resp, nil
}

// RunOnError runs on_error in reverse order over the middlewares that ran
// during pre_request; the first non-nil Response suppresses the error
// (spec.md §4.3).
func (p *Pipeline) RunOnError(ctx context.Context, req *http.Request, outcome Outcome, cause error) *Response {
	for i := outcome.ran - 1; i >= 0; i-- {
		resp, err := p.instances[i].OnError(ctx, req, cause)
		if err != nil {
			continue
		}
		if resp != nil {
			return resp
		}
	}
	return nil
}

// Len reports how many middlewares the pipeline runs.
func (p *Pipeline) Len() int { return len(p.instances) }
