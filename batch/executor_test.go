package batch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/workersql/workersql/breaker"
	"github.com/workersql/workersql/bus"
	"github.com/workersql/workersql/cache"
	"github.com/workersql/workersql/isolate"
	"github.com/workersql/workersql/kv"
	"github.com/workersql/workersql/protocol"
	"github.com/workersql/workersql/routing"
)

// stubShards counts executions and fails statements containing a marker
// substring.
type stubShards struct {
	mu         sync.Mutex
	executes   []string
	batchCalls int
	failOn     string
}

func (s *stubShards) Execute(_ context.Context, shardID string, req protocol.ExecuteRequest) (*protocol.ExecuteResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failOn != "" && strings.Contains(req.SQL, s.failOn) {
		return nil, protocol.NewError(protocol.CodeInvalidQuery, "no such table")
	}
	s.executes = append(s.executes, shardID)
	return &protocol.ExecuteResponse{RowsAffected: 1, InsertID: int64(len(s.executes))}, nil
}

func (s *stubShards) ExecuteBatch(_ context.Context, shardID string, req protocol.BatchExecuteRequest) (*protocol.BatchExecuteResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batchCalls++
	var resp = &protocol.BatchExecuteResponse{}
	for range req.Statements {
		resp.Results = append(resp.Results, protocol.ExecuteResponse{RowsAffected: 1})
	}
	return resp, nil
}

func (s *stubShards) executeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.executes)
}

var errStubUnused = errors.New("not part of this test")

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

func newTestExecutor(t *testing.T, limits Limits, shards *stubShards) (*Executor, *bus.Memory) {
	t.Helper()

	var store = routing.NewMemory()
	var _, err = routing.Update(context.Background(), store, "test", func(p *routing.Policy) error {
		p.SetAssignment("t1", routing.Assignment{Shard: "shard-a"})
		return nil
	})
	require.NoError(t, err)

	mem, err := kv.NewMemory(128)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	var b = bus.NewMemory(16)
	var executor = NewExecutor(limits, isolate.Filter{}, routing.NewPoller(store, time.Second),
		shards, breaker.NewSet(breaker.DefaultConfig()), b, NewRecordStore(mem, time.Hour))
	return executor, b
}

func mutation(sql string) protocol.BatchStatement {
	return protocol.BatchStatement{SQL: sql}
}

func TestBatchClampsRejectBeforeExecution(t *testing.T) {
	var ctx = context.Background()
	var shards = &stubShards{}
	var executor, _ = newTestExecutor(t, Limits{MaxOps: 2, MaxBytes: 1 << 20}, shards)

	var _, _, err = executor.Execute(ctx, "t1", protocol.BatchRequest{
		Batch: []protocol.BatchStatement{
			mutation("DELETE FROM users WHERE id = 1"),
			mutation("DELETE FROM users WHERE id = 2"),
			mutation("DELETE FROM users WHERE id = 3"),
		},
	}, "")
	var lerr *LimitError
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, "statement-count", lerr.ExceedBy)
	require.Equal(t, 0, shards.executeCount())

	_, _, err = executor.Execute(ctx, "t1", protocol.BatchRequest{
		Batch: []protocol.BatchStatement{
			mutation("INSERT INTO blobs (data) VALUES ('" + strings.Repeat("x", 1<<20) + "')"),
		},
	}, "")
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, "payload-size", lerr.ExceedBy)
	require.Equal(t, 0, shards.executeCount())
}

func TestBatchEmptySucceedsWithoutExecution(t *testing.T) {
	var shards = &stubShards{}
	var executor, _ = newTestExecutor(t, DefaultLimits(), shards)

	var resp, replayed, err = executor.Execute(
		context.Background(), "t1", protocol.BatchRequest{}, "idem-empty")
	require.NoError(t, err)
	require.False(t, replayed)
	require.True(t, resp.Success)
	require.Zero(t, resp.Data.TotalRowsAffected)
	require.Equal(t, 0, shards.executeCount())

	// An empty batch records nothing: the same key replays nothing.
	_, replayed, err = executor.Execute(
		context.Background(), "t1", protocol.BatchRequest{}, "idem-empty")
	require.NoError(t, err)
	require.False(t, replayed)
}

func TestBatchRejectsNonMutations(t *testing.T) {
	var shards = &stubShards{}
	var executor, _ = newTestExecutor(t, DefaultLimits(), shards)

	var _, _, err = executor.Execute(context.Background(), "t1", protocol.BatchRequest{
		Batch: []protocol.BatchStatement{
			mutation("UPDATE users SET name = 'a' WHERE id = 1"),
			mutation("SELECT * FROM users"),
		},
	}, "")
	require.Error(t, err)
	require.Equal(t, protocol.CodeInvalidQuery, protocol.CodeOf(err))
	require.Equal(t, 0, shards.executeCount())
}

func TestBatchSequentialPublishesTableUnion(t *testing.T) {
	var ctx = context.Background()
	var shards = &stubShards{}
	var executor, b = newTestExecutor(t, DefaultLimits(), shards)

	var resp, replayed, err = executor.Execute(ctx, "t1", protocol.BatchRequest{
		Batch: []protocol.BatchStatement{
			mutation("INSERT INTO users (id, name) VALUES (1, 'a')"),
			mutation("UPDATE orders SET total = 5 WHERE id = 1"),
			mutation("DELETE FROM users WHERE id = 2"),
		},
	}, "")
	require.NoError(t, err)
	require.False(t, replayed)
	require.True(t, resp.Success)
	require.Equal(t, int64(3), resp.Data.TotalRowsAffected)
	require.Len(t, resp.Data.Results, 3)
	require.Equal(t, 3, shards.executeCount())

	var msgs, consumeErr = b.Consume(ctx, 1)
	require.NoError(t, consumeErr)
	require.ElementsMatch(t, []string{
		cache.BaseKey("t1", "users"),
		cache.BaseKey("t1", "orders"),
	}, msgs[0].Event.Keys)
}

func TestBatchTransactionRunsAtomically(t *testing.T) {
	var shards = &stubShards{}
	var executor, _ = newTestExecutor(t, DefaultLimits(), shards)

	var resp, _, err = executor.Execute(context.Background(), "t1", protocol.BatchRequest{
		Batch: []protocol.BatchStatement{
			mutation("INSERT INTO users (id) VALUES (1)"),
			mutation("INSERT INTO users (id) VALUES (2)"),
		},
		Transaction: true,
	}, "")
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, 1, shards.batchCalls)
	require.Equal(t, 0, shards.executeCount())
}

func TestBatchStopOnError(t *testing.T) {
	var shards = &stubShards{failOn: "missing_table"}
	var executor, _ = newTestExecutor(t, DefaultLimits(), shards)

	var resp, _, err = executor.Execute(context.Background(), "t1", protocol.BatchRequest{
		Batch: []protocol.BatchStatement{
			mutation("DELETE FROM missing_table WHERE id = 1"),
			mutation("DELETE FROM users WHERE id = 1"),
		},
		StopOnError: true,
	}, "")
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Len(t, resp.Data.Results, 1)
	require.NotNil(t, resp.Data.Results[0].Error)
	require.Equal(t, 0, shards.executeCount(), "remaining statements must not run")
}

func TestBatchIdempotentReplayIsByteIdentical(t *testing.T) {
	var ctx = context.Background()
	var shards = &stubShards{}
	var executor, _ = newTestExecutor(t, DefaultLimits(), shards)
	var req = protocol.BatchRequest{
		Batch: []protocol.BatchStatement{
			mutation("INSERT INTO users (id, name) VALUES (1, 'a')"),
		},
	}

	var first, replayed, err = executor.Execute(ctx, "t1", req, "key-1")
	require.NoError(t, err)
	require.False(t, replayed)

	second, replayed, err := executor.Execute(ctx, "t1", req, "key-1")
	require.NoError(t, err)
	require.True(t, replayed)
	require.Equal(t, 1, shards.executeCount(), "replay must not re-execute")

	firstRaw, err := json.Marshal(first)
	require.NoError(t, err)
	secondRaw, err := json.Marshal(second)
	require.NoError(t, err)
	require.Equal(t, firstRaw, secondRaw)
}

func TestRecordStoreBlocksConcurrentReplays(t *testing.T) {
	var ctx = context.Background()
	var mem, err = kv.NewMemory(64)
	require.NoError(t, err)
	defer mem.Close()

	var records = NewRecordStore(mem, time.Hour)
	var release = make(chan struct{})
	var executions int32

	var wg sync.WaitGroup
	var results = make([][]byte, 3)
	var replays = make([]bool, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var out, replayed, runErr = records.Run(ctx, "batch:t1", "k", func() ([]byte, error) {
				executions++
				<-release
				return []byte(`{"n":1}`), nil
			})
			require.NoError(t, runErr)
			results[i], replays[i] = out, replayed
		}(i)
	}

	// Let the racers pile up on the in-flight key, then release.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), executions)
	var replayCount = 0
	for i := 0; i < 3; i++ {
		require.Equal(t, []byte(`{"n":1}`), results[i])
		if replays[i] {
			replayCount++
		}
	}
	require.Equal(t, 2, replayCount)
}
