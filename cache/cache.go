// Package cache is the versioned stale-while-revalidate cache over a
// kv.Store. Entries carry the owning shard's mutation counter and two
// deadlines: freshUntil, inside which data is served as-is, and swrUntil,
// inside which stale data may be served while a refresh runs.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/workersql/workersql/kv"
)

// Status derives from an entry's deadlines relative to now.
type Status string

const (
	Fresh Status = "fresh"
	Stale Status = "stale"
	Miss  Status = "miss"
)

// Entry is one cached value. Data is the JSON payload exactly as produced
// by the owning shard. Deadlines are epoch milliseconds.
type Entry struct {
	Data       json.RawMessage `json:"data"`
	Version    uint64          `json:"version"`
	FreshUntil int64           `json:"freshUntil"`
	SwrUntil   int64           `json:"swrUntil"`
	ShardID    string          `json:"shardId"`
}

// StatusAt derives the entry status. The comparisons are strict, so an
// entry whose freshUntil equals now is stale and one whose swrUntil
// equals now is a miss; freshMs of zero therefore means never-fresh.
func (e *Entry) StatusAt(now time.Time) Status {
	var ms = now.UnixMilli()
	switch {
	case ms < e.FreshUntil:
		return Fresh
	case ms < e.SwrUntil:
		return Stale
	default:
		return Miss
	}
}

// invalidateBatchSize bounds one List/DeleteBatch round of a prefix sweep.
const invalidateBatchSize = 256

// Cache wraps a kv.Store with the entry codec and SWR bookkeeping.
type Cache struct {
	store kv.Store
}

func New(store kv.Store) *Cache {
	return &Cache{store: store}
}

// Get loads the entry under key and its derived status. A decode failure
// drops the entry and reports a miss rather than failing the read.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, Status, error) {
	var data, ok, err = c.store.Get(ctx, key)
	if err != nil {
		cacheErrors.WithLabelValues("get").Inc()
		return nil, Miss, fmt.Errorf("cache get %s: %w", key, err)
	}
	if !ok {
		cacheGets.WithLabelValues(string(Miss)).Inc()
		return nil, Miss, nil
	}

	var entry = new(Entry)
	if err = json.Unmarshal(data, entry); err != nil {
		log.WithFields(log.Fields{"key": key, "err": err}).
			Warn("dropping undecodable cache entry")
		_ = c.store.Delete(ctx, key)
		cacheGets.WithLabelValues(string(Miss)).Inc()
		return nil, Miss, nil
	}

	var status = entry.StatusAt(time.Now())
	cacheGets.WithLabelValues(string(status)).Inc()
	if status == Miss {
		return nil, Miss, nil
	}
	return entry, status, nil
}

// Put stores data under key with freshness now+freshMs and a revalidation
// window extending swrMs beyond that. The backing KV entry expires with
// the window.
func (c *Cache) Put(ctx context.Context, key string, data json.RawMessage,
	freshMs, swrMs int64, shardID string, version uint64) error {

	var now = time.Now().UnixMilli()
	var entry = Entry{
		Data:       data,
		Version:    version,
		FreshUntil: now + freshMs,
		SwrUntil:   now + freshMs + swrMs,
		ShardID:    shardID,
	}
	var encoded, err = json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry %s: %w", key, err)
	}
	if err = c.store.Put(ctx, key, encoded,
		time.Duration(freshMs+swrMs)*time.Millisecond); err != nil {
		cacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	return nil
}

// Invalidate removes one key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, key); err != nil {
		cacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("cache invalidate %s: %w", key, err)
	}
	return nil
}

// InvalidateByPattern removes every key under prefix, scanning and
// deleting in bounded batches, and returns the number removed.
func (c *Cache) InvalidateByPattern(ctx context.Context, prefix string) (int, error) {
	var total int
	for {
		var keys, err = c.store.List(ctx, prefix, invalidateBatchSize)
		if err != nil {
			cacheErrors.WithLabelValues("list").Inc()
			return total, fmt.Errorf("cache scan %q: %w", prefix, err)
		}
		if len(keys) == 0 {
			invalidatedKeys.Add(float64(total))
			return total, nil
		}
		if err = c.store.DeleteBatch(ctx, keys); err != nil {
			cacheErrors.WithLabelValues("delete").Inc()
			return total, fmt.Errorf("cache batch delete %q: %w", prefix, err)
		}
		total += len(keys)
	}
}

// Touch extends the freshness of an existing entry without changing its
// data. Absent keys are a no-op.
func (c *Cache) Touch(ctx context.Context, key string, freshMs int64) error {
	var data, ok, err = c.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("cache touch %s: %w", key, err)
	}
	if !ok {
		return nil
	}
	var entry = new(Entry)
	if err = json.Unmarshal(data, entry); err != nil {
		return fmt.Errorf("decoding cache entry %s: %w", key, err)
	}

	var now = time.Now().UnixMilli()
	entry.FreshUntil = now + freshMs
	if entry.SwrUntil < entry.FreshUntil {
		entry.SwrUntil = entry.FreshUntil
	}

	var encoded []byte
	if encoded, err = json.Marshal(entry); err != nil {
		return fmt.Errorf("encoding cache entry %s: %w", key, err)
	}
	return c.store.Put(ctx, key, encoded,
		time.Duration(entry.SwrUntil-now)*time.Millisecond)
}
