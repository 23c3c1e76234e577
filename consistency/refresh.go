package consistency

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/workersql/workersql/protocol"
)

// refresher coalesces background revalidations. Duplicate schedules of
// the same cache key while one is in flight share that flight, and a
// per-(tenant, table) counter bounds concurrency so one hot table cannot
// monopolize shard capacity.
type refresher struct {
	sf    singleflight.Group
	limit int

	mu       sync.Mutex
	inFlight map[string]int // tenant + ":" + table
}

func newRefresher(limit int) *refresher {
	return &refresher{limit: limit, inFlight: make(map[string]int)}
}

func (r *refresher) acquire(tenantID, table string) bool {
	var key = tenantID + ":" + table
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight[key] >= r.limit {
		return false
	}
	r.inFlight[key]++
	return true
}

func (r *refresher) release(tenantID, table string) {
	var key = tenantID + ":" + table
	r.mu.Lock()
	if r.inFlight[key]--; r.inFlight[key] <= 0 {
		delete(r.inFlight, key)
	}
	r.mu.Unlock()
}

// scheduleRefresh revalidates a stale entry off the request path. The
// serving goroutine never waits on the result.
func (e *Engine) scheduleRefresh(tenantID, table, key, sql string, params []protocol.Param, shardID string, freshMs int64) {
	refreshScheduled.Inc()

	var fn = func() (interface{}, error) {
		if !e.refresher.acquire(tenantID, table) {
			refreshSkipped.Inc()
			return nil, nil
		}
		defer e.refresher.release(tenantID, table)

		// The refresh outlives the request which scheduled it.
		var ctx, cancel = context.WithTimeout(context.Background(), e.cfg.RefreshTimeout)
		defer cancel()

		var resp *protocol.ExecuteResponse
		var err = e.breakers.For(shardID).Do(func() error {
			var execErr error
			resp, execErr = e.shards.Execute(ctx, shardID, protocol.ExecuteRequest{
				SQL: sql, Params: params, TenantID: tenantID,
			})
			return execErr
		})
		if err != nil {
			// The stale entry stays serveable through its window.
			refreshFailures.Inc()
			log.WithFields(log.Fields{"key": key, "shard": shardID, "err": err}).
				Debug("background refresh failed")
			return nil, err
		}
		if err = e.cache.Put(ctx, key, resp.Rows, freshMs, e.cfg.DefaultSwrMs,
			shardID, resp.Version); err != nil {
			refreshFailures.Inc()
			return nil, err
		}
		return nil, nil
	}

	go func() { <-e.refresher.sf.DoChan(key, fn) }()
}
