// Package consistency decides, per read, whether the cache or the owning
// shard serves, per the hint taxonomy: strong bypasses the cache, bounded
// serves within freshness and revalidates stale entries in the
// background, cached serves through the full stale-while-revalidate
// window. Writes always execute on the owning shard (mirroring during
// dual-write) and publish an invalidation event instead of touching the
// cache inline.
package consistency

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/workersql/workersql/breaker"
	"github.com/workersql/workersql/bus"
	"github.com/workersql/workersql/cache"
	"github.com/workersql/workersql/classify"
	"github.com/workersql/workersql/protocol"
	"github.com/workersql/workersql/routing"
	"github.com/workersql/workersql/shard"
)

// Config tunes the engine.
type Config struct {
	// DefaultFreshMs is the freshness window of populated entries absent
	// a bounded-hint override.
	DefaultFreshMs int64
	// DefaultSwrMs is the stale-while-revalidate window beyond freshness.
	DefaultSwrMs int64
	// RefreshBudget bounds concurrent background refreshes per
	// (tenant, table).
	RefreshBudget int
	// RefreshTimeout bounds one background refresh.
	RefreshTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultFreshMs: 30_000,
		DefaultSwrMs:   120_000,
		RefreshBudget:  4,
		RefreshTimeout: 10 * time.Second,
	}
}

// Engine is the gateway's consistency engine.
type Engine struct {
	cfg       Config
	cache     *cache.Cache
	shards    shard.Client
	breakers  *breaker.Set
	policy    *routing.Poller
	bus       bus.Bus
	refresher *refresher
}

func New(cfg Config, c *cache.Cache, shards shard.Client, breakers *breaker.Set, policy *routing.Poller, b bus.Bus) *Engine {
	if cfg.RefreshBudget <= 0 {
		cfg.RefreshBudget = DefaultConfig().RefreshBudget
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultConfig().RefreshTimeout
	}
	return &Engine{
		cfg:       cfg,
		cache:     c,
		shards:    shards,
		breakers:  breakers,
		policy:    policy,
		bus:       b,
		refresher: newRefresher(cfg.RefreshBudget),
	}
}

// Read serves one classified SELECT for the tenant.
func (e *Engine) Read(ctx context.Context, tenantID, sql string, stmt classify.Statement, params []protocol.Param) (*protocol.QueryResponse, error) {
	var assignment, _, err = e.policy.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var hint = stmt.Hint
	if hint == protocol.Default {
		hint = protocol.Bounded
	}
	var freshMs = e.cfg.DefaultFreshMs
	if stmt.BoundedMs > 0 {
		// The bounded directive tunes the freshness window this query's
		// entries are populated with.
		freshMs = stmt.BoundedMs
	}

	var started = time.Now()
	var key = cache.QueryKey(tenantID, stmt.Table, cache.Fingerprint(sql, params))

	if hint == protocol.Strong {
		reads.WithLabelValues("bypass").Inc()
		return e.readShard(ctx, assignment.Shard, tenantID, sql, params, key, freshMs, started)
	}

	var entry, status, cacheErr = e.cache.Get(ctx, key)
	if cacheErr != nil {
		// Cache trouble is never fatal: degrade to the shard.
		log.WithFields(log.Fields{"key": key, "err": cacheErr}).
			Warn("cache unavailable; degrading to shard read")
		reads.WithLabelValues("degraded").Inc()
		return e.readShard(ctx, assignment.Shard, tenantID, sql, params, key, freshMs, started)
	}

	switch {
	case status == cache.Fresh:
		reads.WithLabelValues("fresh").Inc()
		return cachedResponse(entry, started), nil

	case status == cache.Stale && hint == protocol.Bounded,
		status == cache.Stale && hint == protocol.Cached:
		reads.WithLabelValues("stale").Inc()
		e.scheduleRefresh(tenantID, stmt.Table, key, sql, params, assignment.Shard, freshMs)
		return cachedResponse(entry, started), nil

	default: // miss
		reads.WithLabelValues("miss").Inc()
		return e.readShard(ctx, assignment.Shard, tenantID, sql, params, key, freshMs, started)
	}
}

// Write executes one classified mutation on the owning shard, mirrors it
// during dual-write, and publishes the invalidation event.
func (e *Engine) Write(ctx context.Context, tenantID, sql string, stmt classify.Statement, params []protocol.Param) (*protocol.QueryResponse, error) {
	var assignment, _, err = e.policy.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var started = time.Now()
	var req = protocol.ExecuteRequest{SQL: sql, Params: params, TenantID: tenantID}

	var resp *protocol.ExecuteResponse
	if err = e.breakers.For(assignment.Shard).Do(func() error {
		var execErr error
		resp, execErr = e.shards.Execute(ctx, assignment.Shard, req)
		return execErr
	}); err != nil {
		return nil, err
	}

	// Mirror to split targets. A mirror failure never fails the source
	// write; tail replay compensates.
	for _, mirror := range assignment.Mirrors {
		if _, mirrorErr := e.shards.Execute(ctx, mirror, req); mirrorErr != nil {
			mirrorFailures.WithLabelValues(assignment.Shard, mirror).Inc()
			log.WithFields(log.Fields{
				"tenant": tenantID,
				"source": assignment.Shard,
				"mirror": mirror,
				"err":    mirrorErr,
			}).Warn("dual-write mirror failed")
		}
	}

	e.publishInvalidation(ctx, tenantID, stmt.Table)

	return &protocol.QueryResponse{
		Success:       true,
		RowsAffected:  resp.RowsAffected,
		InsertID:      resp.InsertID,
		ExecutionTime: msSince(started),
		Metadata: &protocol.QueryMetadata{
			ShardID: assignment.Shard,
			Version: resp.Version,
		},
	}, nil
}

// publishInvalidation emits the base key for queue-driven prefix
// invalidation. The foreground path never deletes cache keys itself.
func (e *Engine) publishInvalidation(ctx context.Context, tenantID, table string) {
	if table == "" {
		return
	}
	var err = e.bus.Publish(ctx, protocol.InvalidateEvent{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Keys:     []string{cache.BaseKey(tenantID, table)},
		Ts:       time.Now().UnixMilli(),
	})
	if err != nil {
		// Entries still expire by TTL; the loss is bounded staleness.
		publishFailures.Inc()
		log.WithFields(log.Fields{"tenant": tenantID, "table": table, "err": err}).
			Warn("failed to publish invalidation event")
	}
}

// readShard reads through the breaker and write-through populates the
// cache. Cache population is best-effort.
func (e *Engine) readShard(ctx context.Context, shardID, tenantID, sql string, params []protocol.Param, key string, freshMs int64, started time.Time) (*protocol.QueryResponse, error) {
	var resp *protocol.ExecuteResponse
	var err = e.breakers.For(shardID).Do(func() error {
		var execErr error
		resp, execErr = e.shards.Execute(ctx, shardID, protocol.ExecuteRequest{
			SQL: sql, Params: params, TenantID: tenantID,
		})
		return execErr
	})
	if err != nil {
		return nil, err
	}

	if putErr := e.cache.Put(ctx, key, resp.Rows, freshMs, e.cfg.DefaultSwrMs,
		shardID, resp.Version); putErr != nil {
		log.WithFields(log.Fields{"key": key, "err": putErr}).
			Warn("cache populate failed")
	}

	return &protocol.QueryResponse{
		Success:       true,
		Data:          resp.Rows,
		ExecutionTime: msSince(started),
		Metadata: &protocol.QueryMetadata{
			ShardID: shardID,
			Version: resp.Version,
		},
	}, nil
}

func cachedResponse(entry *cache.Entry, started time.Time) *protocol.QueryResponse {
	return &protocol.QueryResponse{
		Success:       true,
		Data:          entry.Data,
		Cached:        true,
		ExecutionTime: msSince(started),
		Metadata: &protocol.QueryMetadata{
			ShardID:   entry.ShardID,
			FromCache: true,
			Version:   entry.Version,
		},
	}
}

func msSince(started time.Time) float64 {
	return float64(time.Since(started).Microseconds()) / 1000.0
}
