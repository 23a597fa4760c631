// Package store is the durable registry for published packages: a
// content-addressed, write-once table on SQLite. Publishing the same bytes
// twice is idempotent; publishing different bytes under an already-used
// (module, version) pair is a conflict, never an overwrite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Account-Link/dstack-semiproprietary-modules/bundle"
)

// ErrNotFound is returned when no package matches the lookup.
var ErrNotFound = errors.New("store: package not found")

// ErrConflict is returned when a Put would change already-published content.
var ErrConflict = errors.New("store: package already published with different content")

const schema = `
CREATE TABLE IF NOT EXISTS packages (
	cid        TEXT PRIMARY KEY,
	module_id  TEXT NOT NULL,
	version    TEXT NOT NULL,
	created_at TEXT NOT NULL,
	data       BLOB NOT NULL,
	UNIQUE (module_id, version)
);
`

// Store is a SQLite-backed package registry. Safe for concurrent use; all
// mutations run in transactions.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the registry database at path.
// Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Entry is a registry listing row.
type Entry struct {
	CID       string
	ModuleID  string
	Version   string
	CreatedAt time.Time
}

// Put publishes a package and returns its CID. Re-publishing identical bytes
// returns the same CID with no write; any attempt to place different bytes
// under an existing CID or (module, version) pair fails with ErrConflict.
func (s *Store) Put(ctx context.Context, pkg *bundle.Package) (string, error) {
	data, err := pkg.Encode()
	if err != nil {
		return "", err
	}
	id, err := pkg.CID()
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Same CID means byte-identical content: idempotent.
	var existing int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM packages WHERE cid = ?`, id).Scan(&existing)
	if err != nil {
		return "", fmt.Errorf("failed to check existing package: %w", err)
	}
	if existing > 0 {
		return id, nil
	}

	var takenCID string
	err = tx.QueryRowContext(ctx,
		`SELECT cid FROM packages WHERE module_id = ? AND version = ?`,
		pkg.Metadata.ModuleID, pkg.Metadata.Policy.Version,
	).Scan(&takenCID)
	switch {
	case err == nil:
		return "", fmt.Errorf("%w: module %s version %q already published as %s",
			ErrConflict, pkg.Metadata.ModuleID, pkg.Metadata.Policy.Version, takenCID)
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("failed to check module version: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO packages (cid, module_id, version, created_at, data) VALUES (?, ?, ?, ?, ?)`,
		id, pkg.Metadata.ModuleID, pkg.Metadata.Policy.Version,
		pkg.Metadata.CreatedAt.UTC().Format(time.RFC3339Nano), data,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert package: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return id, nil
}

// Get retrieves a package by content address.
func (s *Store) Get(ctx context.Context, id string) (*bundle.Package, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM packages WHERE cid = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query package: %w", err)
	}
	return bundle.Decode(data)
}

// GetByModule retrieves a package by module ID and version.
func (s *Store) GetByModule(ctx context.Context, moduleID, version string) (*bundle.Package, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM packages WHERE module_id = ? AND version = ?`,
		moduleID, version,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query package: %w", err)
	}
	return bundle.Decode(data)
}

// List returns all published packages, newest first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cid, module_id, version, created_at FROM packages ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.CID, &e.ModuleID, &e.Version, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
