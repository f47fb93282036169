// Package catalog is the local database of known applications, their path
// lists and the category names chosen for each backend. It seeds new
// application entries and is shared through JSON import and export.
package catalog

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// ErrSchemaMismatch indicates a database written by another version.
var ErrSchemaMismatch = errors.New("catalog schema version mismatch")

// AppData is the shareable part of an application entry.
type AppData struct {
	Path     map[string]string `json:"path"`
	Category string            `json:"category"`
}

// Assignation is a backend category name without its validity.
type Assignation struct {
	Name string `json:"name"`
}

// Entry is one catalog record. Keys are application keys or, for entries
// with assignations only, category names.
type Entry struct {
	AppData      *AppData               `json:"appdata,omitempty"`
	Assignations map[string]Assignation `json:"assignations,omitempty"`
}

// Store manages the catalog backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// DefaultPath is catalog.db next to the settings file.
func DefaultPath(configDir string) string {
	return filepath.Join(configDir, "catalog.db")
}

// Open initializes or connects to the catalog database. ":memory:" gives a
// private in-memory catalog.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pragma: %w", err)
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Lookup returns the record stored under key.
func (s *Store) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	var (
		entry    Entry
		found    bool
		category string
		paths    string
	)

	err := s.db.QueryRowContext(ctx, "SELECT category, paths FROM apps WHERE key = ?", key).Scan(&category, &paths)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Entry{}, false, fmt.Errorf("lookup app %s: %w", key, err)
	default:
		found = true
		data := &AppData{Category: category, Path: map[string]string{}}
		if err := json.Unmarshal([]byte(paths), &data.Path); err != nil {
			return Entry{}, false, fmt.Errorf("decode paths of %s: %w", key, err)
		}
		entry.AppData = data
	}

	rows, err := s.db.QueryContext(ctx, "SELECT backend, name FROM assignations WHERE key = ? ORDER BY backend", key)
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup assignations %s: %w", key, err)
	}
	defer rows.Close()
	for rows.Next() {
		var backend, name string
		if err := rows.Scan(&backend, &name); err != nil {
			return Entry{}, false, fmt.Errorf("scan assignation: %w", err)
		}
		if entry.Assignations == nil {
			entry.Assignations = map[string]Assignation{}
		}
		entry.Assignations[backend] = Assignation{Name: name}
		found = true
	}
	if err := rows.Err(); err != nil {
		return Entry{}, false, err
	}
	return entry, found, nil
}

// Upsert merges entry into the record under key: app data is replaced when
// present, assignations are merged per backend.
func (s *Store) Upsert(ctx context.Context, key string, entry Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertTx(ctx, tx, key, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertTx(ctx context.Context, tx *sql.Tx, key string, entry Entry) error {
	if entry.AppData != nil {
		paths := entry.AppData.Path
		if paths == nil {
			paths = map[string]string{}
		}
		encoded, err := json.Marshal(paths)
		if err != nil {
			return fmt.Errorf("encode paths of %s: %w", key, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO apps (key, category, paths, updated_at) VALUES (?, ?, ?, ?)
             ON CONFLICT(key) DO UPDATE SET category = excluded.category, paths = excluded.paths, updated_at = excluded.updated_at`,
			key, entry.AppData.Category, string(encoded), time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("upsert app %s: %w", key, err)
		}
	}

	for backend, a := range entry.Assignations {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO assignations (key, backend, name) VALUES (?, ?, ?)
             ON CONFLICT(key, backend) DO UPDATE SET name = excluded.name`,
			key, backend, a.Name,
		)
		if err != nil {
			return fmt.Errorf("upsert assignation %s/%s: %w", key, backend, err)
		}
	}
	return nil
}

// Merge upserts every record in one transaction and returns how many were
// written.
func (s *Store) Merge(ctx context.Context, entries map[string]Entry) (int, error) {
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, key := range keys {
		if err := upsertTx(ctx, tx, key, entries[key]); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit merge: %w", err)
	}
	return len(keys), nil
}

// Keys lists every key with app data, sorted.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM apps ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
