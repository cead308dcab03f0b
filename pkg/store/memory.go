package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory implementation, used in
// tests and in deployments that accept losing the cache on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
	maxAge    time.Duration
	now       func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]Snapshot),
		maxAge:    DefaultMaxAge,
		now:       time.Now,
	}
}

// WithMaxAge overrides the freshness window.
func (m *MemoryStore) WithMaxAge(d time.Duration) *MemoryStore {
	m.maxAge = d
	return m
}

// WithClock injects a time source for tests.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Put(_ context.Context, snap Snapshot) error {
	if err := normalize(&snap, m.now()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.Category] = snap
	return nil
}

func (m *MemoryStore) Get(_ context.Context, category string, ignoreAge bool) (*Snapshot, error) {
	m.mu.RLock()
	snap, ok := m.snapshots[category]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSnapshotMissing
	}
	if err := checkAge(&snap, m.maxAge, m.now(), ignoreAge); err != nil {
		return nil, err
	}
	return &snap, nil
}
