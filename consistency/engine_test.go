package consistency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/workersql/workersql/breaker"
	"github.com/workersql/workersql/bus"
	"github.com/workersql/workersql/cache"
	"github.com/workersql/workersql/classify"
	"github.com/workersql/workersql/kv"
	"github.com/workersql/workersql/protocol"
	"github.com/workersql/workersql/routing"
)

// stubShards records Execute calls and answers them from a canned
// response or per-shard error.
type stubShards struct {
	mu    sync.Mutex
	calls []string // shard IDs in call order
	rows  json.RawMessage
	errs  map[string]error

	version uint64
}

func newStubShards(rows string) *stubShards {
	return &stubShards{rows: json.RawMessage(rows), errs: make(map[string]error)}
}

func (s *stubShards) Execute(_ context.Context, shardID string, req protocol.ExecuteRequest) (*protocol.ExecuteResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, shardID)
	if err := s.errs[shardID]; err != nil {
		return nil, err
	}
	s.version++
	return &protocol.ExecuteResponse{
		Rows:         s.rows,
		RowsAffected: 1,
		Version:      s.version,
	}, nil
}

func (s *stubShards) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubShards) calledShards() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

var errStubUnused = errors.New("not part of this test")

func (s *stubShards) ExecuteBatch(context.Context, string, protocol.BatchExecuteRequest) (*protocol.BatchExecuteResponse, error) {
	return nil, errStubUnused
}
func (s *stubShards) Mutation(context.Context, string, protocol.ExecuteRequest) (*protocol.ExecuteResponse, error) {
	return nil, errStubUnused
}
func (s *stubShards) DDL(context.Context, string, protocol.ExecuteRequest) (*protocol.ExecuteResponse, error) {
	return nil, errStubUnused
}
func (s *stubShards) Export(context.Context, string, protocol.ExportRequest) (*protocol.ExportResponse, error) {
	return nil, errStubUnused
}
func (s *stubShards) Import(context.Context, string, protocol.ImportRequest) (*protocol.ImportResponse, error) {
	return nil, errStubUnused
}
func (s *stubShards) Events(context.Context, string, protocol.EventsRequest) (*protocol.EventsResponse, error) {
	return nil, errStubUnused
}
func (s *stubShards) Tables(context.Context, string) ([]string, error) { return nil, errStubUnused }
func (s *stubShards) Txn(context.Context, string, protocol.TxnRequest) (*protocol.TxnResponse, error) {
	return nil, errStubUnused
}
func (s *stubShards) Status(context.Context, string) (*protocol.ActorStatus, error) {
	return nil, errStubUnused
}

// brokenStore fails every operation, standing in for an unreachable
// cache backend.
type brokenStore struct{}

var errStoreDown = errors.New("store is down")

func (brokenStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errStoreDown
}
func (brokenStore) Put(context.Context, string, []byte, time.Duration) error { return errStoreDown }
func (brokenStore) Delete(context.Context, string) error                     { return errStoreDown }
func (brokenStore) List(context.Context, string, int) ([]string, error) {
	return nil, errStoreDown
}
func (brokenStore) DeleteBatch(context.Context, []string) error { return errStoreDown }
func (brokenStore) Close() error                                { return nil }

type testEnv struct {
	engine *Engine
	shards *stubShards
	cache  *cache.Cache
	bus    *bus.Memory
}

func newTestEnv(t *testing.T, cfg Config, shards *stubShards, mirrors ...string) *testEnv {
	var store = routing.NewMemory()
	var _, err = routing.Update(context.Background(), store, "test", func(p *routing.Policy) error {
		p.SetAssignment("t1", routing.Assignment{Shard: "shard-a", Mirrors: mirrors})
		return nil
	})
	require.NoError(t, err)

	mem, err := kv.NewMemory(128)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	var c = cache.New(mem)
	var b = bus.NewMemory(16)
	var engine = New(cfg, c, shards, breaker.NewSet(breaker.DefaultConfig()),
		routing.NewPoller(store, time.Second), b)

	return &testEnv{engine: engine, shards: shards, cache: c, bus: b}
}

func mustClassify(t *testing.T, sql string) classify.Statement {
	t.Helper()
	return classify.Classify(sql)
}

func TestReadMissPopulatesThenServesFresh(t *testing.T) {
	var ctx = context.Background()
	var shards = newStubShards(`[{"id":1}]`)
	var env = newTestEnv(t, DefaultConfig(), shards)
	var sql = "SELECT * FROM users WHERE id = ?"
	var stmt = mustClassify(t, sql)
	var params = []protocol.Param{protocol.IntParam(1)}

	var resp, err = env.engine.Read(ctx, "t1", sql, stmt, params)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.False(t, resp.Cached)
	require.Equal(t, "shard-a", resp.Metadata.ShardID)
	require.Equal(t, 1, shards.callCount())

	resp, err = env.engine.Read(ctx, "t1", sql, stmt, params)
	require.NoError(t, err)
	require.True(t, resp.Cached)
	require.True(t, resp.Metadata.FromCache)
	require.JSONEq(t, `[{"id":1}]`, string(resp.Data))
	require.Equal(t, 1, shards.callCount(), "fresh serve must not touch the shard")
}

func TestReadStrongAlwaysReadsShard(t *testing.T) {
	var ctx = context.Background()
	var shards = newStubShards(`[]`)
	var env = newTestEnv(t, DefaultConfig(), shards)
	var sql = "SELECT /*+ strong */ balance FROM accounts WHERE id = ?"
	var stmt = mustClassify(t, sql)

	for i := 0; i < 3; i++ {
		var resp, err = env.engine.Read(ctx, "t1", sql, stmt, nil)
		require.NoError(t, err)
		require.False(t, resp.Cached)
	}
	require.Equal(t, 3, shards.callCount())
}

func TestReadStaleServesAndRefreshesInBackground(t *testing.T) {
	var ctx = context.Background()
	var shards = newStubShards(`[{"n":2}]`)
	var env = newTestEnv(t, DefaultConfig(), shards)
	var sql = "SELECT n FROM counters"
	var stmt = mustClassify(t, sql)

	// Plant an immediately-stale entry (freshMs zero, generous SWR).
	var key = cache.QueryKey("t1", "counters", cache.Fingerprint(sql, nil))
	require.NoError(t, env.cache.Put(ctx, key, json.RawMessage(`[{"n":1}]`),
		0, 60_000, "shard-a", 7))

	var resp, err = env.engine.Read(ctx, "t1", sql, stmt, nil)
	require.NoError(t, err)
	require.True(t, resp.Cached)
	require.JSONEq(t, `[{"n":1}]`, string(resp.Data))

	// The background refresh lands the shard's answer as a fresh entry.
	require.Eventually(t, func() bool {
		var entry, status, getErr = env.cache.Get(ctx, key)
		return getErr == nil && status == cache.Fresh &&
			string(entry.Data) == `[{"n":2}]`
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, shards.callCount())
}

func TestWriteMirrorsAndPublishesInvalidation(t *testing.T) {
	var ctx = context.Background()
	var shards = newStubShards(`[]`)
	var env = newTestEnv(t, DefaultConfig(), shards, "shard-b")
	var sql = "UPDATE users SET name = ? WHERE id = ?"
	var stmt = mustClassify(t, sql)

	var resp, err = env.engine.Write(ctx, "t1", sql, stmt, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, int64(1), resp.RowsAffected)
	require.Equal(t, []string{"shard-a", "shard-b"}, shards.calledShards())

	var msgs, consumeErr = env.bus.Consume(ctx, 1)
	require.NoError(t, consumeErr)
	require.Len(t, msgs, 1)
	require.Equal(t, "t1", msgs[0].Event.TenantID)
	require.Equal(t, []string{cache.BaseKey("t1", "users")}, msgs[0].Event.Keys)
}

func TestWriteMirrorFailureDoesNotFailWrite(t *testing.T) {
	var ctx = context.Background()
	var shards = newStubShards(`[]`)
	shards.errs["shard-b"] = errors.New("mirror is down")
	var env = newTestEnv(t, DefaultConfig(), shards, "shard-b")
	var stmt = mustClassify(t, "DELETE FROM users WHERE id = ?")

	var resp, err = env.engine.Write(ctx, "t1", "DELETE FROM users WHERE id = ?", stmt, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)
}

func TestReadDegradesWhenCacheIsDown(t *testing.T) {
	var ctx = context.Background()
	var shards = newStubShards(`[{"id":9}]`)

	var store = routing.NewMemory()
	var _, err = routing.Update(ctx, store, "test", func(p *routing.Policy) error {
		p.SetAssignment("t1", routing.Assignment{Shard: "shard-a"})
		return nil
	})
	require.NoError(t, err)

	var engine = New(DefaultConfig(), cache.New(brokenStore{}), shards,
		breaker.NewSet(breaker.DefaultConfig()),
		routing.NewPoller(store, time.Second), bus.NewMemory(16))

	var sql = "SELECT * FROM users"
	resp, err := engine.Read(ctx, "t1", sql, mustClassify(t, sql), nil)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.False(t, resp.Cached)
	require.JSONEq(t, `[{"id":9}]`, string(resp.Data))
	require.Equal(t, 1, shards.callCount())
}

func TestReadUnknownTenantFails(t *testing.T) {
	var shards = newStubShards(`[]`)
	var env = newTestEnv(t, DefaultConfig(), shards)
	var sql = "SELECT 1"

	var _, err = env.engine.Read(context.Background(), "nobody", sql,
		mustClassify(t, sql), nil)
	require.Error(t, err)
	require.Equal(t, 0, shards.callCount())
}
