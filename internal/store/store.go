// Package store implements the Route Store component of spec.md §4.1: an
// atomic, consistent view of all routes for the Router, with a watch
// channel for change notification. Three drivers are provided: an
// in-memory core (store.Memory), a YAML file-snapshot driver (File), and a
// SQLite driver (SQLite) — all three build on the same in-memory core for
// the List/Watch half of the contract and differ only in how the route set
// is persisted and reloaded.
package store

import (
	"context"
	"errors"
	"reflect"
	"sort"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

// ErrClosed is returned by Apply/List/Watch once the store has been closed.
var ErrClosed = errors.New("store: closed")

// Store is the Route Store driver interface (spec.md §4.1, §6).
type Store interface {
	// List returns the current snapshot. O(routes).
	List(ctx context.Context) (model.Snapshot, error)

	// Watch returns a channel that emits the current snapshot immediately,
	// then again on every successful Apply. Slow consumers only ever see
	// the latest snapshot (coalescing); no consumer blocks a writer. The
	// channel closes when ctx is done or the store is closed.
	Watch(ctx context.Context) (<-chan model.Snapshot, error)

	// Apply validates and publishes a new route set as a whole (management
	// surface only). At most one Apply executes at a time. Applying a
	// route set identical to the current one is a no-op: it returns the
	// existing snapshot without bumping the version (spec.md §8).
	Apply(ctx context.Context, routes []model.Route) (model.Snapshot, error)

	// Close releases resources held by the driver (file watches, db
	// handles, scheduled flush jobs). Safe to call more than once.
	Close() error
}

// Validator is the subset of internal/config the store needs to validate
// an incoming route set before publishing it, passed in by the caller to
// avoid store depending on config (and, transitively, on whatever defines
// the known middleware names).
type Validator func(routes []model.Route) ([]model.Route, error)

// sortedCopy returns a defensively-copied, id-ordered slice so Apply's
// equality check and the published Snapshot do not depend on caller-slice
// ordering or caller-retained backing arrays.
func sortedCopy(routes []model.Route) []model.Route {
	out := make([]model.Route, len(routes))
	copy(out, routes)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// sameRouteSet reports whether two already-sorted route sets are
// value-identical, ignoring the compiled-regexp pointer Matchers carry
// (two independently-validated copies of the same YAML compile to
// distinct *regexp.Regexp values that are never ==, but represent the
// same route set).
func sameRouteSet(a, b []model.Route) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameRoute(&a[i], &b[i]) {
			return false
		}
	}
	return true
}

func sameRoute(a, b *model.Route) bool {
	ac, bc := stripCompiled(*a), stripCompiled(*b)
	return reflect.DeepEqual(ac, bc)
}

func stripCompiled(r model.Route) model.Route {
	if len(r.Matchers) == 0 {
		return r
	}
	matchers := make([]model.Matcher, len(r.Matchers))
	copy(matchers, r.Matchers)
	for i := range matchers {
		matchers[i].SetCompiledRegexp(nil)
	}
	r.Matchers = matchers
	return r
}
