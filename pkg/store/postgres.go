package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists snapshots in Postgres, for deployments
// where multiple engine instances share one cache. The caller opens
// the *sql.DB (lib/pq driver) and owns its lifecycle.
type PostgresStore struct {
	db     *sql.DB
	maxAge time.Duration
}

const pgSnapshotSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	category TEXT PRIMARY KEY,
	payload JSONB NOT NULL,
	metadata JSONB,
	payload_hash TEXT NOT NULL,
	stored_at TIMESTAMPTZ NOT NULL
);`

// NewPostgresStore wraps an open connection; call Init once to
// migrate.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, maxAge: DefaultMaxAge}
}

// Init creates the snapshot table if absent.
func (p *PostgresStore) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, pgSnapshotSchema)
	return err
}

func (p *PostgresStore) Put(ctx context.Context, snap Snapshot) error {
	if err := normalize(&snap, time.Now().UTC()); err != nil {
		return err
	}
	query := `
	INSERT INTO snapshots (category, payload, metadata, payload_hash, stored_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (category) DO UPDATE SET
		payload = EXCLUDED.payload,
		metadata = EXCLUDED.metadata,
		payload_hash = EXCLUDED.payload_hash,
		stored_at = EXCLUDED.stored_at`
	_, err := p.db.ExecContext(ctx, query,
		snap.Category,
		[]byte(snap.Payload),
		nullableBytes(snap.Metadata),
		snap.PayloadHash,
		snap.StoredAt.UTC(),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, category string, ignoreAge bool) (*Snapshot, error) {
	query := `
	SELECT category, payload, metadata, payload_hash, stored_at
	FROM snapshots WHERE category = $1`

	var snap Snapshot
	var metadata sql.NullString
	err := p.db.QueryRowContext(ctx, query, category).Scan(
		&snap.Category, &snap.Payload, &metadata, &snap.PayloadHash, &snap.StoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotMissing
	}
	if err != nil {
		return nil, err
	}
	if metadata.Valid {
		snap.Metadata = []byte(metadata.String)
	}
	if err := checkAge(&snap, p.maxAge, time.Now().UTC(), ignoreAge); err != nil {
		return nil, err
	}
	return &snap, nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
