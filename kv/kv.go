// Package kv defines the shared key-value contract beneath the cache and
// idempotency layers, with an in-memory LRU implementation and a
// RocksDB-backed one. Values are opaque bytes; keys are ordered strings
// supporting prefix scans.
package kv

import (
	"context"
	"time"
)

// Store is a flat ordered keyspace. Implementations must be safe for
// concurrent use. A zero TTL means no expiry; expired entries behave as
// absent.
type Store interface {
	// Get returns the value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores value under key, expiring after ttl if non-zero.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns up to limit keys having the prefix, in lexicographic
	// order. limit <= 0 means no bound.
	List(ctx context.Context, prefix string, limit int) ([]string, error)
	// DeleteBatch removes keys in one round trip where the backend
	// supports it. Absent keys are skipped.
	DeleteBatch(ctx context.Context, keys []string) error
	// Close releases backend resources.
	Close() error
}
