package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists snapshots in a local SQLite database, the
// default backend for single-process deployments.
type SQLiteStore struct {
	db     *sql.DB
	maxAge time.Duration
}

// NewSQLiteStore migrates the schema and returns a ready store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, maxAge: DefaultMaxAge}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStore opens (creating if needed) a SQLite database file.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS snapshots (
		category TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		metadata BLOB,
		payload_hash TEXT NOT NULL,
		stored_at DATETIME NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, snap Snapshot) error {
	if err := normalize(&snap, time.Now().UTC()); err != nil {
		return err
	}
	query := `
	INSERT INTO snapshots (category, payload, metadata, payload_hash, stored_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (category) DO UPDATE SET
		payload = excluded.payload,
		metadata = excluded.metadata,
		payload_hash = excluded.payload_hash,
		stored_at = excluded.stored_at`
	_, err := s.db.ExecContext(ctx, query,
		snap.Category,
		[]byte(snap.Payload),
		[]byte(snap.Metadata),
		snap.PayloadHash,
		snap.StoredAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, category string, ignoreAge bool) (*Snapshot, error) {
	query := `
	SELECT category, payload, metadata, payload_hash, stored_at
	FROM snapshots WHERE category = ?`

	var snap Snapshot
	var storedAt string
	err := s.db.QueryRowContext(ctx, query, category).Scan(
		&snap.Category, &snap.Payload, &snap.Metadata, &snap.PayloadHash, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotMissing
	}
	if err != nil {
		return nil, err
	}

	snap.StoredAt, err = time.Parse(time.RFC3339Nano, storedAt)
	if err != nil {
		return nil, fmt.Errorf("parse stored_at for %s: %w", category, err)
	}
	if err := checkAge(&snap, s.maxAge, time.Now().UTC(), ignoreAge); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
