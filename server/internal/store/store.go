// Package store persists server-side state that must survive a restart:
// the current session password and an index of Koinonia object/namespace
// snapshots written to disk (the snapshot payload itself is a flat file;
// this package only indexes where those files live so console commands
// like listObjects don't need to re-parse every header on disk to answer
// "what snapshots exist").
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrSnapshotNotFound is returned when no snapshot row exists for a kind and name.
var ErrSnapshotNotFound = errors.New("plugin snapshot not found")

// sessionRecord is the current operator-set session password, persisted so
// a restart doesn't silently reopen the room to anyone.
type sessionRecord struct {
	password  string
	createdAt int64
}

// PluginSnapshotRecord indexes one Koinonia object or namespace snapshot
// written to a flat file on disk.
type PluginSnapshotRecord struct {
	ID      uuid.UUID
	Kind    string // "object" or "namespace"
	Name    string
	Path    string
	SavedAt time.Time
}

// Store persists server state in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS session (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	password TEXT NOT NULL,
	created_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS plugin_snapshots (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	path TEXT NOT NULL,
	saved_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plugin_snapshots_kind_name ON plugin_snapshots(kind, name);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// SavePassword upserts the current session password (§6 CLI setPassword).
func (s *Store) SavePassword(ctx context.Context, password string) error {
	const q = `
INSERT INTO session (id, password, created_at_unix_ms) VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET password = excluded.password, created_at_unix_ms = excluded.created_at_unix_ms
`
	_, err := s.db.ExecContext(ctx, q, password, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save session password: %w", err)
	}
	slog.Debug("session password persisted")
	return nil
}

// LoadPassword returns the persisted session password, or "" if none has
// ever been set.
func (s *Store) LoadPassword(ctx context.Context) (string, error) {
	var rec sessionRecord
	const q = `SELECT password, created_at_unix_ms FROM session WHERE id = 1`
	err := s.db.QueryRowContext(ctx, q).Scan(&rec.password, &rec.createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load session password: %w", err)
	}
	return rec.password, nil
}

// IndexSnapshot records a Koinonia object or namespace snapshot that was
// just written to disk, so it can be enumerated without reopening the file.
func (s *Store) IndexSnapshot(ctx context.Context, rec PluginSnapshotRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if strings.TrimSpace(rec.Kind) == "" {
		return fmt.Errorf("snapshot kind is required")
	}
	if strings.TrimSpace(rec.Name) == "" {
		return fmt.Errorf("snapshot name is required")
	}
	if strings.TrimSpace(rec.Path) == "" {
		return fmt.Errorf("snapshot path is required")
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now().UTC()
	}

	const q = `
INSERT INTO plugin_snapshots (id, kind, name, path, saved_at_unix_ms) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, name = excluded.name, path = excluded.path, saved_at_unix_ms = excluded.saved_at_unix_ms
`
	_, err := s.db.ExecContext(ctx, q, rec.ID.String(), rec.Kind, rec.Name, rec.Path, rec.SavedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("index plugin snapshot: %w", err)
	}
	slog.Debug("plugin snapshot indexed", "kind", rec.Kind, "name", rec.Name, "path", rec.Path)
	return nil
}

// ListSnapshots returns every indexed snapshot of the given kind ("object"
// or "namespace"), ordered by name, for console commands like listObjects.
func (s *Store) ListSnapshots(ctx context.Context, kind string) ([]PluginSnapshotRecord, error) {
	const q = `SELECT id, kind, name, path, saved_at_unix_ms FROM plugin_snapshots WHERE kind = ? ORDER BY name`
	rows, err := s.db.QueryContext(ctx, q, kind)
	if err != nil {
		return nil, fmt.Errorf("query plugin snapshots: %w", err)
	}
	defer rows.Close()

	var out []PluginSnapshotRecord
	for rows.Next() {
		var (
			rec      PluginSnapshotRecord
			idStr    string
			savedUTC int64
		)
		if err := rows.Scan(&idStr, &rec.Kind, &rec.Name, &rec.Path, &savedUTC); err != nil {
			return nil, fmt.Errorf("scan plugin snapshot: %w", err)
		}
		rec.ID, err = uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("parse snapshot id: %w", err)
		}
		rec.SavedAt = time.UnixMilli(savedUTC).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SnapshotByName returns the most recently saved snapshot for a given kind
// and name (loadObject/loadNamespace resolve by name, not ID).
func (s *Store) SnapshotByName(ctx context.Context, kind, name string) (PluginSnapshotRecord, error) {
	const q = `
SELECT id, kind, name, path, saved_at_unix_ms
FROM plugin_snapshots
WHERE kind = ? AND name = ?
ORDER BY saved_at_unix_ms DESC
LIMIT 1
`
	var (
		rec      PluginSnapshotRecord
		idStr    string
		savedUTC int64
	)
	err := s.db.QueryRowContext(ctx, q, kind, name).Scan(&idStr, &rec.Kind, &rec.Name, &rec.Path, &savedUTC)
	if errors.Is(err, sql.ErrNoRows) {
		return PluginSnapshotRecord{}, ErrSnapshotNotFound
	}
	if err != nil {
		return PluginSnapshotRecord{}, fmt.Errorf("query plugin snapshot: %w", err)
	}
	rec.ID, err = uuid.Parse(idStr)
	if err != nil {
		return PluginSnapshotRecord{}, fmt.Errorf("parse snapshot id: %w", err)
	}
	rec.SavedAt = time.UnixMilli(savedUTC).UTC()
	return rec, nil
}

// DeleteSnapshot removes a snapshot's index row (the caller is responsible
// for removing the underlying flat file).
func (s *Store) DeleteSnapshot(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM plugin_snapshots WHERE id = ?`
	_, err := s.db.ExecContext(ctx, q, id.String())
	if err != nil {
		return fmt.Errorf("delete plugin snapshot: %w", err)
	}
	return nil
}
