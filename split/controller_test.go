package split_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/workersql/workersql/protocol"
	"github.com/workersql/workersql/routing"
	"github.com/workersql/workersql/shardactor"
	"github.com/workersql/workersql/split"
)

const usersDDL = "CREATE TABLE users (id INTEGER PRIMARY KEY, tenant_id TEXT, name TEXT)"

type splitEnv struct {
	source, target *shardactor.Actor
	local          *shardactor.Local
	store          routing.Store
	plans          split.PlanStore
	controller     *split.Controller
}

func newSplitEnv(t *testing.T) *splitEnv {
	t.Helper()
	var ctx = context.Background()

	var newActor = func(shardID string) *shardactor.Actor {
		var a, err = shardactor.Open(shardID,
			"sqlite://"+filepath.Join(t.TempDir(), shardID+".db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = a.Close() })
		_, err = a.Execute(ctx, protocol.ExecuteRequest{SQL: usersDDL, TenantID: "t1"})
		require.NoError(t, err)
		return a
	}
	var env = &splitEnv{
		source: newActor("shard-a"),
		target: newActor("shard-b"),
		local:  shardactor.NewLocal(),
		store:  routing.NewMemory(),
		plans:  split.NewMemoryPlans(),
	}
	env.local.Add(env.source)
	env.local.Add(env.target)

	var _, err = routing.Update(ctx, env.store, "test", func(p *routing.Policy) error {
		p.SetAssignment("t1", routing.Assignment{Shard: "shard-a"})
		p.SetAssignment("t2", routing.Assignment{Shard: "shard-a"})
		return nil
	})
	require.NoError(t, err)

	var cfg = split.DefaultConfig()
	cfg.BackfillPage = 2
	cfg.SettleInterval = 10 * time.Millisecond
	env.controller = split.NewController(cfg, env.plans, env.store, env.local)
	return env
}

func (env *splitEnv) exec(t *testing.T, a *shardactor.Actor, tenant, sql string) {
	t.Helper()
	var _, err = a.Execute(context.Background(), protocol.ExecuteRequest{
		SQL: sql, TenantID: tenant,
	})
	require.NoError(t, err)
}

func (env *splitEnv) seedRows(t *testing.T) {
	t.Helper()
	env.exec(t, env.source, "t1", "INSERT INTO users (id, tenant_id, name) VALUES (1, 't1', 'ann')")
	env.exec(t, env.source, "t1", "INSERT INTO users (id, tenant_id, name) VALUES (2, 't1', 'bob')")
	env.exec(t, env.source, "t1", "INSERT INTO users (id, tenant_id, name) VALUES (3, 't1', 'cyd')")
	env.exec(t, env.source, "t2", "INSERT INTO users (id, tenant_id, name) VALUES (4, 't2', 'dee')")
	env.exec(t, env.source, "t2", "INSERT INTO users (id, tenant_id, name) VALUES (5, 't2', 'eli')")
}

func exportAll(t *testing.T, a *shardactor.Actor, tenant string) []protocol.Row {
	t.Helper()
	var resp, err = a.Export(context.Background(), protocol.ExportRequest{
		Table: "users", TenantID: tenant, Limit: 100,
	})
	require.NoError(t, err)
	return resp.Rows
}

func resolve(t *testing.T, store routing.Store, tenant string) routing.Assignment {
	t.Helper()
	var policy, err = store.GetActive(context.Background())
	require.NoError(t, err)
	a, err := policy.Resolve(tenant)
	require.NoError(t, err)
	return a
}

func TestSplitEndToEnd(t *testing.T) {
	var ctx = context.Background()
	var env = newSplitEnv(t)
	env.seedRows(t)

	var plan, err = env.controller.Plan(ctx, "p1", "shard-a", "shard-b", []string{"t1"})
	require.NoError(t, err)
	require.Equal(t, split.Planning, plan.Phase)
	require.Equal(t, uint64(1), plan.RoutingVersionAtStart)

	plan, err = env.controller.StartDualWrite(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, split.DualWrite, plan.Phase)
	require.Equal(t, routing.Assignment{Shard: "shard-a", Mirrors: []string{"shard-b"}},
		resolve(t, env.store, "t1"))

	// Repeating the transition is a no-op.
	_, err = env.controller.StartDualWrite(ctx, "p1")
	require.NoError(t, err)

	// A dual-written row lands on both sides; keyed writes keep its later
	// tail replay idempotent.
	var during = "INSERT OR REPLACE INTO users (id, tenant_id, name) VALUES (100, 't1', 'during')"
	env.exec(t, env.source, "t1", during)
	env.exec(t, env.target, "t1", during)

	// A bounded run leaves the plan resumable; an unbounded one finishes.
	plan, done, err := env.controller.RunBackfill(ctx, "p1", split.Budget{MaxRows: 2})
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, split.DualWrite, plan.Phase)

	plan, done, err = env.controller.RunBackfill(ctx, "p1", split.Budget{})
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, split.Tailing, plan.Phase)
	require.True(t, plan.Backfill.Completed)
	require.Len(t, exportAll(t, env.target, "t1"), 4)
	require.Empty(t, exportAll(t, env.target, "t2"), "other tenants must not be copied")

	// A write whose mirror failed reaches the target via tail replay.
	env.exec(t, env.source, "t1",
		"INSERT OR REPLACE INTO users (id, tenant_id, name) VALUES (101, 't1', 'late')")

	plan, caughtUp, err := env.controller.ReplayTail(ctx, "p1")
	require.NoError(t, err)
	require.True(t, caughtUp)
	require.Equal(t, split.CutoverPending, plan.Phase)
	require.Len(t, exportAll(t, env.target, "t1"), 5)

	mismatches, err := env.controller.Verify(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, mismatches)

	plan, err = env.controller.Cutover(ctx, "p1", false)
	require.NoError(t, err)
	require.Equal(t, split.Completed, plan.Phase)
	require.Greater(t, plan.RoutingVersionCutover, plan.RoutingVersionAtStart)

	require.Equal(t, routing.Assignment{Shard: "shard-b"}, resolve(t, env.store, "t1"))
	require.Equal(t, routing.Assignment{Shard: "shard-a"}, resolve(t, env.store, "t2"))
}

func TestPlanValidation(t *testing.T) {
	var ctx = context.Background()
	var env = newSplitEnv(t)
	env.seedRows(t)

	var _, err = env.controller.Plan(ctx, "p1", "shard-a", "shard-a", []string{"t1"})
	require.Error(t, err, "source and target must differ")

	_, err = env.controller.Plan(ctx, "p1", "shard-a", "shard-b", []string{"t1"})
	require.NoError(t, err)

	_, err = env.controller.Plan(ctx, "p2", "shard-a", "shard-b", []string{"t1", "t2"})
	require.Error(t, err, "a tenant may be in at most one live plan")

	_, err = env.controller.Plan(ctx, "p1", "shard-a", "shard-b", []string{"t2"})
	require.Error(t, err, "plan IDs are unique")
}

func TestPlanRejectsNonEmptyTarget(t *testing.T) {
	var ctx = context.Background()
	var env = newSplitEnv(t)
	env.exec(t, env.target, "t1", "INSERT INTO users (id, tenant_id, name) VALUES (1, 't1', 'x')")

	var _, err = env.controller.Plan(ctx, "p1", "shard-a", "shard-b", []string{"t1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "already holds rows")
}

func TestRollbackRevertsRouting(t *testing.T) {
	var ctx = context.Background()
	var env = newSplitEnv(t)
	env.seedRows(t)

	var _, err = env.controller.Plan(ctx, "p1", "shard-a", "shard-b", []string{"t1"})
	require.NoError(t, err)
	_, err = env.controller.StartDualWrite(ctx, "p1")
	require.NoError(t, err)

	plan, err := env.controller.Rollback(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, split.RolledBack, plan.Phase)
	require.NotZero(t, plan.RollbackVersion)
	require.Equal(t, routing.Assignment{Shard: "shard-a"}, resolve(t, env.store, "t1"))

	// Terminal: no further transitions, and the tenant is free again.
	_, _, err = env.controller.RunBackfill(ctx, "p1", split.Budget{})
	require.Error(t, err)
	_, err = env.controller.Plan(ctx, "p2", "shard-a", "shard-b", []string{"t1"})
	require.NoError(t, err)
}

func TestVerifyMismatchBlocksCutover(t *testing.T) {
	var ctx = context.Background()
	var env = newSplitEnv(t)
	env.seedRows(t)

	var _, err = env.controller.Plan(ctx, "p1", "shard-a", "shard-b", []string{"t1"})
	require.NoError(t, err)
	_, err = env.controller.StartDualWrite(ctx, "p1")
	require.NoError(t, err)
	_, _, err = env.controller.RunBackfill(ctx, "p1", split.Budget{})
	require.NoError(t, err)
	_, _, err = env.controller.ReplayTail(ctx, "p1")
	require.NoError(t, err)

	// Corrupt one target row behind the controller's back.
	env.exec(t, env.target, "t1", "UPDATE users SET name = 'mangled' WHERE id = 2 AND tenant_id = 't1'")

	mismatches, err := env.controller.Verify(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	require.Equal(t, "id=2", mismatches[0].RowKey)

	_, err = env.controller.Cutover(ctx, "p1", false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cutover blocked")

	plan, err := env.controller.Cutover(ctx, "p1", true)
	require.NoError(t, err)
	require.Equal(t, split.Completed, plan.Phase)
}

func TestBackfillResumesAcrossControllers(t *testing.T) {
	var ctx = context.Background()
	var env = newSplitEnv(t)
	env.seedRows(t)

	var _, err = env.controller.Plan(ctx, "p1", "shard-a", "shard-b", []string{"t1"})
	require.NoError(t, err)
	_, err = env.controller.StartDualWrite(ctx, "p1")
	require.NoError(t, err)
	_, done, err := env.controller.RunBackfill(ctx, "p1", split.Budget{MaxRows: 2})
	require.NoError(t, err)
	require.False(t, done)

	// A fresh controller over the same stores picks up the cursors.
	var cfg = split.DefaultConfig()
	cfg.BackfillPage = 2
	cfg.SettleInterval = 10 * time.Millisecond
	var second = split.NewController(cfg, env.plans, env.store, env.local)

	plan, done, err := second.RunBackfill(ctx, "p1", split.Budget{})
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, int64(3), plan.Backfill.RowsCopied)
	require.Len(t, exportAll(t, env.target, "t1"), 3)
}
