package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Migration is one forward-only schema change for a component. A
// component's migrations are applied in slice order, each in its own
// transaction, and recorded in schema_versions once committed.
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
}

// SQLiteStore owns the database handle shared by the snapshot cache.
type SQLiteStore struct {
	db *sql.DB

	mu        sync.Mutex // guards versioned and serializes Migrate
	versioned bool       // schema_versions exists
}

// pragmas are applied on open. modernc.org/sqlite takes them as statements
// rather than DSN parameters.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// New opens (or creates) the SQLite database at path. ":memory:" keeps
// everything in process memory for the lifetime of the store.
func New(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// One connection: writes are serialized anyway, and ":memory:" is
	// private to the connection that created it.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %q: %s: %w", path, p, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Tx runs fn in a transaction, committing on nil and rolling back
// otherwise.
func (s *SQLiteStore) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}
	return tx.Commit()
}

// Migrate applies component's migrations that are not yet recorded.
// Versions must be strictly ascending. A failed step is rolled back and
// stops the run; the steps before it stay applied.
func (s *SQLiteStore) Migrate(ctx context.Context, component string, migrations []Migration) error {
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			return fmt.Errorf("migrations for %s: version %d follows %d",
				component, migrations[i].Version, migrations[i-1].Version)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureVersionTableLocked(ctx); err != nil {
		return err
	}
	applied, err := s.appliedVersions(ctx, component)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if err := s.apply(ctx, component, m); err != nil {
			return fmt.Errorf("migration %s/%d (%s): %w", component, m.Version, m.Description, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ensureVersionTableLocked creates schema_versions on first use. A failure
// is not remembered, so the next Migrate tries again.
func (s *SQLiteStore) ensureVersionTableLocked(ctx context.Context) error {
	if s.versioned {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_versions (
			component   TEXT     NOT NULL,
			version     INTEGER  NOT NULL,
			description TEXT     NOT NULL,
			applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (component, version)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}
	s.versioned = true
	return nil
}

func (s *SQLiteStore) appliedVersions(ctx context.Context, component string) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT version FROM schema_versions WHERE component = ?", component)
	if err != nil {
		return nil, fmt.Errorf("list versions for %s: %w", component, err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan version for %s: %w", component, err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (s *SQLiteStore) apply(ctx context.Context, component string, m Migration) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		if err := m.Up(ctx, tx); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO schema_versions (component, version, description) VALUES (?, ?, ?)",
			component, m.Version, m.Description,
		)
		return err
	})
}
