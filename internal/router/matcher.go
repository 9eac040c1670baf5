// Package router implements the Router (Matcher) component of spec.md
// §4.2: given an incoming request, pick the highest-priority Route whose
// path prefix, method set, and matchers all hold, tie-breaking on the
// lowest route id. Unlike the teacher's host-bucketed table
// (internal/proxy/router.go in the original), spec.md's Route has no Host
// field — dispatch is purely path + method + matcher based, so a single
// priority/id-sorted slice replaces the teacher's per-host buckets.
package router

import (
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

// Table is an immutable, priority-ordered view over one Snapshot's routes.
// A Table is built once per Snapshot and never mutated; concurrent readers
// need no locking (spec.md §4.1 "readers never observe a partially updated
// snapshot").
type Table struct {
	routes []model.Route // sorted by (priority asc, id asc)
}

// New builds a Table from a Snapshot's routes. Routes are copied into
// priority/id order once; Match never re-sorts.
func New(routes []model.Route) *Table {
	sorted := make([]model.Route, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})
	return &Table{routes: sorted}
}

// Request is the subset of an inbound request the matcher needs. It exists
// so router does not depend on any particular HTTP framework beyond
// net/http's header and query types.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Query  url.Values
}

// Match returns the winning Route for req, or nil if none match
// (spec.md §4.2 "NoRouteMatched").
func (t *Table) Match(req Request) *model.Route {
	for i := range t.routes {
		r := &t.routes[i]
		if !pathPrefixMatch(req.Path, r.Path) {
			continue
		}
		if !r.AllowsMethod(req.Method) {
			continue
		}
		if !matchersHold(r.Matchers, req.Header, req.Query) {
			continue
		}
		return r
	}
	return nil
}

// pathPrefixMatch implements prefix matching on path segment boundaries,
// grounded on the teacher's internal/proxy/router.go pathPrefixMatch: a
// prefix "/api" matches "/api" and "/api/v1" but not "/apiary".
func pathPrefixMatch(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

func matchersHold(matchers []model.Matcher, header http.Header, query url.Values) bool {
	for i := range matchers {
		if !matcherHolds(&matchers[i], header, query) {
			return false
		}
	}
	return true
}

func matcherHolds(m *model.Matcher, header http.Header, query url.Values) bool {
	value, found := lookupValue(m, header, query)
	switch m.Op {
	case model.MatcherOpExists:
		return found
	case model.MatcherOpEquals:
		return found && value == m.Value
	case model.MatcherOpContains:
		return found && strings.Contains(value, m.Value)
	case model.MatcherOpPrefix:
		return found && strings.HasPrefix(value, m.Value)
	case model.MatcherOpSuffix:
		return found && strings.HasSuffix(value, m.Value)
	case model.MatcherOpRegex:
		re := m.CompiledRegexp()
		return found && re != nil && re.MatchString(value)
	default:
		return false
	}
}

// lookupValue returns the first value found for the matcher's key, and
// whether the key was present at all (spec.md §4.2 "direct string compare
// on the first value found").
func lookupValue(m *model.Matcher, header http.Header, query url.Values) (string, bool) {
	switch m.Source {
	case model.MatcherSourceHeader:
		vals, ok := header[http.CanonicalHeaderKey(m.Key)]
		if !ok || len(vals) == 0 {
			return "", false
		}
		return vals[0], true
	case model.MatcherSourceQuery:
		vals, ok := query[m.Key]
		if !ok || len(vals) == 0 {
			return "", false
		}
		return vals[0], true
	default:
		return "", false
	}
}
