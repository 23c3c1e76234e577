package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/workersql/workersql/kv"
)

// RecordStore persists idempotency records: the byte-exact response of
// the first successful execution under a caller key. Concurrent replays
// of an in-flight key block until the first execution settles, then read
// its record instead of executing again.
type RecordStore struct {
	store kv.Store
	ttl   time.Duration

	mu       sync.Mutex
	inFlight map[string]chan struct{}
}

// RecordPrefix scopes idempotency keys in the backing store, and is what
// the janitor sweeps.
const RecordPrefix = "idem:"

func NewRecordStore(store kv.Store, ttl time.Duration) *RecordStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RecordStore{
		store:    store,
		ttl:      ttl,
		inFlight: make(map[string]chan struct{}),
	}
}

func recordKey(scope, key string) string {
	return RecordPrefix + scope + ":" + key
}

// Run executes fn at most once per (scope, key). The first caller runs
// fn and records its successful response; replays return the recorded
// bytes with replayed=true. An empty key disables idempotency.
func (r *RecordStore) Run(ctx context.Context, scope, key string, fn func() ([]byte, error)) (response []byte, replayed bool, err error) {
	if key == "" {
		response, err = fn()
		return response, false, err
	}
	var k = recordKey(scope, key)

	for {
		var recorded, ok, getErr = r.store.Get(ctx, k)
		if getErr != nil {
			return nil, false, fmt.Errorf("loading idempotency record: %w", getErr)
		}
		if ok {
			replays.Inc()
			return recorded, true, nil
		}

		r.mu.Lock()
		var ch, running = r.inFlight[k]
		if !running {
			ch = make(chan struct{})
			r.inFlight[k] = ch
		}
		r.mu.Unlock()

		if running {
			// Another request holds the key; wait it out and re-check.
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}
		break
	}

	defer func() {
		r.mu.Lock()
		var ch = r.inFlight[k]
		delete(r.inFlight, k)
		r.mu.Unlock()
		close(ch)
	}()

	response, err = fn()
	if err != nil {
		// Failures are not recorded; the caller may retry with the same key.
		return nil, false, err
	}
	if putErr := r.store.Put(ctx, k, response, r.ttl); putErr != nil {
		return nil, false, fmt.Errorf("recording idempotent response: %w", putErr)
	}
	return response, false, nil
}

// Sweep reclaims expired records. Store expiry is lazy, so probing each
// listed key with Get is what actually drops entries whose TTL passed.
func (r *RecordStore) Sweep(ctx context.Context) (int, error) {
	var keys, err = r.store.List(ctx, RecordPrefix, 0)
	if err != nil {
		return 0, fmt.Errorf("listing idempotency records: %w", err)
	}
	var swept = 0
	for _, key := range keys {
		var _, ok, getErr = r.store.Get(ctx, key)
		if getErr != nil {
			return swept, getErr
		}
		if !ok {
			swept++
		}
	}
	return swept, nil
}
