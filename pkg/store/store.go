// Package store persists the last known-good dataset per category.
// It backs two consumers: the offline-resilience path of the
// reconciliation engine (read with ignoreAge=true when every live
// source failed) and the validator's baseline-drift check.
//
// Backends: in-memory (tests), SQLite (default single-process
// deployment), Postgres and Redis (shared deployments).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/healthsignal/sentinel/pkg/dataset"
)

var (
	ErrSnapshotMissing = errors.New("snapshot missing")
	ErrSnapshotStale   = errors.New("snapshot stale")
)

// DefaultMaxAge is how old a snapshot may be and still be served by
// a freshness-checked read. Emergency reads pass ignoreAge=true and
// skip the check entirely.
const DefaultMaxAge = 24 * time.Hour

// Snapshot is the cached payload and metadata for one category.
// Last write wins; there is exactly one snapshot per category.
type Snapshot struct {
	Category    string          `json:"category"`
	Payload     json.RawMessage `json:"payload"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	PayloadHash string          `json:"payload_hash"`
	StoredAt    time.Time       `json:"stored_at"`
}

// Store is the persistence capability the engine depends on.
type Store interface {
	// Put persists a snapshot, replacing any previous one for the
	// category.
	Put(ctx context.Context, snap Snapshot) error

	// Get returns the snapshot for a category. With ignoreAge=false
	// a snapshot older than the store's max age yields
	// ErrSnapshotStale; ErrSnapshotMissing when nothing is cached.
	Get(ctx context.Context, category string, ignoreAge bool) (*Snapshot, error)
}

// normalize fills derived fields before persistence.
func normalize(snap *Snapshot, now time.Time) error {
	if snap.Category == "" {
		return errors.New("snapshot missing category")
	}
	if len(snap.Payload) == 0 {
		return errors.New("snapshot missing payload")
	}
	if snap.StoredAt.IsZero() {
		snap.StoredAt = now
	}
	if snap.PayloadHash == "" {
		hash, err := dataset.CanonicalHash(snap.Payload)
		if err != nil {
			return err
		}
		snap.PayloadHash = hash
	}
	return nil
}

func checkAge(snap *Snapshot, maxAge time.Duration, now time.Time, ignoreAge bool) error {
	if ignoreAge || maxAge <= 0 {
		return nil
	}
	if now.Sub(snap.StoredAt) > maxAge {
		return ErrSnapshotStale
	}
	return nil
}
