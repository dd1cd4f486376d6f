package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS registry_entities (
	name TEXT NOT NULL,
	version TEXT NOT NULL DEFAULT '',
	payload BLOB NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (name, version)
);`

// SQLiteSource is a registry stored in a SQLite database. Several versions
// of one entity may be stored; searches return all of them.
type SQLiteSource struct {
	db   *sql.DB
	path string
}

// NewSQLiteSource opens (or creates) the database at path.
func NewSQLiteSource(path string) (*SQLiteSource, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("registry: sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("registry: create directory for %s: %w", path, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: sqlite open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: sqlite set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: sqlite create schema: %w", err)
	}
	return &SQLiteSource{db: db, path: path}, nil
}

// Search returns the entities matching q.
func (s *SQLiteSource) Search(ctx context.Context, q Query) ([]Entity, error) {
	if q.empty() {
		return nil, nil
	}
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return filterEntities(all, q), nil
}

// List returns every stored entity ordered by name and version.
func (s *SQLiteSource) List(ctx context.Context) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, errors.New("registry: sqlite source is nil")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT payload
FROM registry_entities
ORDER BY name ASC, version ASC`)
	if err != nil {
		return nil, fmt.Errorf("registry: sqlite list entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("registry: sqlite scan entity: %w", err)
		}
		var e Entity
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("registry: sqlite decode entity: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: sqlite entity rows: %w", err)
	}
	return out, nil
}

// Put inserts or replaces the entity with the same name and version.
func (s *SQLiteSource) Put(ctx context.Context, e Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("registry: sqlite source is nil")
	}
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("registry: entity name is required")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("registry: encode entity %q: %w", e.Name, err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO registry_entities (name, version, payload, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(name, version) DO UPDATE SET
	payload = excluded.payload,
	updated_at = excluded.updated_at`,
		e.Name,
		e.Version,
		payload,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("registry: sqlite upsert entity %q: %w", e.Name, err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteSource) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database path.
func (s *SQLiteSource) Path() string { return s.path }
