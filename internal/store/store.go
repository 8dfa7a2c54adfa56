package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added entity column to commit_objects
const currentSchemaVersion = 1

// Supported database/sql driver names.
const (
	DriverCGO    = "sqlite3"
	DriverPureGo = "sqlite"
)

// DefaultBusyTimeout is used when Options.BusyTimeout is zero.
const DefaultBusyTimeout = 5 * time.Second

// Options configures how a store file is opened.
type Options struct {
	// Driver selects the SQLite driver: DriverCGO (default) or DriverPureGo.
	Driver string

	// BusyTimeout bounds how long a connection waits on a locked database.
	BusyTimeout time.Duration
}

// Store provides durable storage for one object graph.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	// mu serializes commits so two change sets never interleave.
	mu sync.Mutex
}

// Open creates or opens a SQLite database at the given path.
// Parent directories are created if needed. Applies required pragmas and
// migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts Options) (*Store, error) {
	logger := slog.Default().With("component", "store")

	driver := opts.Driver
	if driver == "" {
		driver = DriverCGO
	}
	if driver != DriverCGO && driver != DriverPureGo {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db, busy); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Debug("store opened", "path", path, "driver", driver)
	return &Store{db: db, path: path, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Remove deletes a store file together with its WAL and shared-memory files.
// Missing files are not an error.
func Remove(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// Exists reports whether a store file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// BindModel records which model the store was built for. A fresh store adopts
// the given name and digest. An existing store built for a different model
// fails with *SchemaMismatchError unless migrate is set, in which case the
// stored identity is updated and existing rows are kept.
func (s *Store) BindModel(ctx context.Context, name, digest string, migrate bool) error {
	storedName, storedDigest, err := s.Model(ctx)
	if err != nil {
		return err
	}

	if storedName == name && storedDigest == digest {
		return nil
	}

	if storedName != "" && !migrate {
		return &SchemaMismatchError{
			StoredName:   storedName,
			StoredDigest: storedDigest,
			Name:         name,
			Digest:       digest,
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bind model: %w", err)
	}
	defer tx.Rollback()

	for key, value := range map[string]string{"model_name": name, "model_digest": digest} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO metadata (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, value); err != nil {
			return fmt.Errorf("bind model: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("bind model: %w", err)
	}

	if storedName != "" {
		s.logger.Info("store migrated to new model",
			"from", storedName, "from_digest", storedDigest,
			"to", name, "to_digest", digest)
	}
	return nil
}

// Model returns the model name and digest the store is bound to.
// Both are empty for a store that has never been bound.
func (s *Store) Model(ctx context.Context) (name, digest string, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM metadata
		WHERE key IN ('model_name', 'model_digest')
	`)
	if err != nil {
		return "", "", fmt.Errorf("read model metadata: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return "", "", fmt.Errorf("scan model metadata: %w", err)
		}
		switch key {
		case "model_name":
			name = value
		case "model_digest":
			digest = value
		}
	}
	if err := rows.Err(); err != nil {
		return "", "", fmt.Errorf("iterate model metadata: %w", err)
	}
	return name, digest, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB, busy time.Duration) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	// Files created before v1 have a commit_objects table without the
	// entity column; CREATE TABLE IF NOT EXISTS would leave it that way.
	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds commit_objects.entity to databases that predate it.
func migrateToV1(db *sql.DB) error {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name = 'commit_objects'
	`).Scan(&n)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	if n == 0 {
		return nil
	}

	hasEntity, err := hasColumn(db, "commit_objects", "entity")
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	if hasEntity {
		return nil
	}

	if _, err := db.Exec(`ALTER TABLE commit_objects ADD COLUMN entity TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			typ       string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
