package kv

import (
	"context"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryEntries bounds the in-process store when no capacity is
// configured.
const DefaultMemoryEntries = 65536

// Memory is a process-local Store over a bounded LRU. Expiry is lazy:
// expired entries are dropped when next observed.
type Memory struct {
	lru *lru.Cache[string, memEntry]
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// NewMemory builds a Memory store holding up to |entries| keys.
func NewMemory(entries int) (*Memory, error) {
	if entries <= 0 {
		entries = DefaultMemoryEntries
	}
	var cache, err = lru.New[string, memEntry](entries)
	if err != nil {
		return nil, err
	}
	return &Memory{lru: cache}, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	var e, ok = m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if e.expired(time.Now()) {
		m.lru.Remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var e = memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.lru.Add(key, e)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}

func (m *Memory) List(_ context.Context, prefix string, limit int) ([]string, error) {
	var now = time.Now()
	var keys []string
	for _, key := range m.lru.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if e, ok := m.lru.Peek(key); ok && e.expired(now) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (m *Memory) DeleteBatch(_ context.Context, keys []string) error {
	for _, key := range keys {
		m.lru.Remove(key)
	}
	return nil
}

func (m *Memory) Close() error {
	m.lru.Purge()
	return nil
}

var _ Store = &Memory{}
