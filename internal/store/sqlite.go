package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/l8e-harbor/l8e-harbor/internal/config"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS routes (
	id         TEXT PRIMARY KEY,
	spec       BLOB NOT NULL,
	version    INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// SQLite is the SQLite Route Store driver (spec.md §6): a single `routes`
// table keyed by id, with a BLOB column holding the serialized route spec
// (canonical YAML, reusing internal/config's codec) and an integer version
// column recording the snapshot sequence that last wrote the row. Reads
// run in WAL mode.
//
// Grounded on mercator-hq-jupiter's pkg/evidence/storage/sqlite.go: same
// driver (github.com/mattn/go-sqlite3), same WAL-mode-via-PRAGMA startup
// sequence, same schema-then-verify initialize() shape.
type SQLite struct {
	core     *Memory
	db       *sql.DB
	validate Validator
	log      zerolog.Logger
}

// NewSQLite opens (or creates) the SQLite database at path and loads any
// persisted routes as the initial snapshot.
func NewSQLite(ctx context.Context, path string, validate Validator, log zerolog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("store: sqlite driver requires a path")
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // go-sqlite3 + WAL: one writer connection avoids SQLITE_BUSY under our own lock

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	s := &SQLite{
		core:     NewMemory(validate),
		db:       db,
		validate: validate,
		log:      log.With().Str("component", "store.sqlite").Logger(),
	}

	routes, err := s.loadAll(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	if len(routes) > 0 {
		if _, err := s.core.Apply(ctx, routes); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: persisted snapshot invalid: %w", err)
		}
	}

	return s, nil
}

func (s *SQLite) List(ctx context.Context) (model.Snapshot, error) { return s.core.List(ctx) }

func (s *SQLite) Watch(ctx context.Context) (<-chan model.Snapshot, error) { return s.core.Watch(ctx) }

func (s *SQLite) Apply(ctx context.Context, routes []model.Route) (model.Snapshot, error) {
	snap, err := s.core.Apply(ctx, routes)
	if err != nil {
		return model.Snapshot{}, err
	}
	if err := s.persist(ctx, snap); err != nil {
		s.log.Error().Err(err).Msg("failed to persist route snapshot")
		return snap, fmt.Errorf("store: persist snapshot: %w", err)
	}
	return snap, nil
}

func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	return s.core.Close()
}

func (s *SQLite) loadAll(ctx context.Context) ([]model.Route, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT spec FROM routes ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("store: query routes: %w", err)
	}
	defer rows.Close()

	var routes []model.Route
	for rows.Next() {
		var spec []byte
		if err := rows.Scan(&spec); err != nil {
			return nil, fmt.Errorf("store: scan route row: %w", err)
		}
		parsed, err := config.ParseRoutesBytes(spec)
		if err != nil {
			return nil, fmt.Errorf("store: parse persisted route: %w", err)
		}
		routes = append(routes, parsed...)
	}
	return routes, rows.Err()
}

// persist replaces the table contents with the given snapshot's routes in
// a single transaction, tagging every row with the snapshot's sequence.
func (s *SQLite) persist(ctx context.Context, snap model.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM routes"); err != nil {
		return fmt.Errorf("clear routes: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO routes (id, spec, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range snap.Routes {
		r := &snap.Routes[i]
		spec, err := config.ToYAML(*r)
		if err != nil {
			return fmt.Errorf("serialize route %q: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, spec, snap.Version.Sequence, r.CreatedAt, r.UpdatedAt); err != nil {
			return fmt.Errorf("insert route %q: %w", r.ID, err)
		}
	}

	return tx.Commit()
}
