package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists snapshots as JSON values in Redis. Entries
// carry no TTL: a stale last-known-good dataset is exactly what the
// offline path wants; freshness is enforced at read time instead.
type RedisStore struct {
	client *redis.Client
	maxAge time.Duration
}

// NewRedisStore connects a snapshot store to Redis.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		maxAge: DefaultMaxAge,
	}
}

func snapshotKey(category string) string {
	return "sentinel:snapshot:" + category
}

func (r *RedisStore) Put(ctx context.Context, snap Snapshot) error {
	if err := normalize(&snap, time.Now().UTC()); err != nil {
		return err
	}
	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return r.client.Set(ctx, snapshotKey(snap.Category), blob, 0).Err()
}

func (r *RedisStore) Get(ctx context.Context, category string, ignoreAge bool) (*Snapshot, error) {
	blob, err := r.client.Get(ctx, snapshotKey(category)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSnapshotMissing
	}
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", category, err)
	}
	if err := checkAge(&snap, r.maxAge, time.Now().UTC(), ignoreAge); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Close releases the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
