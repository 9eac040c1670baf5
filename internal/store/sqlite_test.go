package store

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

func testRouteWithBackend(t *testing.T, id string, priority int) model.Route {
	t.Helper()
	u, err := url.Parse("http://127.0.0.1:9001")
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return model.Route{
		ID:       id,
		Path:     "/" + id,
		Priority: priority,
		Backends: []model.Backend{{URL: u, Weight: 100}},
	}
}

func TestSQLite_ApplyAndList(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewSQLite(ctx, filepath.Join(dir, "routes.db"), nil, testLogger())
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer s.Close()

	if _, err := s.Apply(ctx, []model.Route{testRouteWithBackend(t, "echo", 10)}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	snap, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snap.Routes) != 1 || snap.Routes[0].ID != "echo" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "routes.db")
	ctx := context.Background()

	s1, err := NewSQLite(ctx, dbPath, nil, testLogger())
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	if _, err := s1.Apply(ctx, []model.Route{testRouteWithBackend(t, "echo", 10)}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := NewSQLite(ctx, dbPath, nil, testLogger())
	if err != nil {
		t.Fatalf("NewSQLite (reopen): %v", err)
	}
	defer s2.Close()

	snap, err := s2.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snap.Routes) != 1 || snap.Routes[0].ID != "echo" {
		t.Fatalf("want persisted route after reopen, got %+v", snap)
	}
}

func TestSQLite_ReapplyingSameSetIsNoOp(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewSQLite(ctx, filepath.Join(dir, "routes.db"), nil, testLogger())
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer s.Close()

	first, err := s.Apply(ctx, []model.Route{testRouteWithBackend(t, "echo", 10)})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	second, err := s.Apply(ctx, []model.Route{testRouteWithBackend(t, "echo", 10)})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if second.Version.Sequence != first.Version.Sequence {
		t.Fatalf("re-applying the same route set must not bump version")
	}
}

func TestSQLite_ApplyReplacesPreviousRouteSet(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewSQLite(ctx, filepath.Join(dir, "routes.db"), nil, testLogger())
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer s.Close()

	if _, err := s.Apply(ctx, []model.Route{testRouteWithBackend(t, "echo", 10)}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := s.Apply(ctx, []model.Route{testRouteWithBackend(t, "other", 5)}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	snap, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snap.Routes) != 1 || snap.Routes[0].ID != "other" {
		t.Fatalf("want only the latest route set, got %+v", snap)
	}
}
