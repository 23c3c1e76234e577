package backup_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/workersql/workersql/backup"
	"github.com/workersql/workersql/protocol"
	"github.com/workersql/workersql/shardactor"
)

func newActor(t *testing.T, shardID string) *shardactor.Actor {
	t.Helper()
	var a, err = shardactor.Open(shardID,
		"sqlite://"+filepath.Join(t.TempDir(), shardID+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.Execute(context.Background(), protocol.ExecuteRequest{
		SQL:      "CREATE TABLE users (id INTEGER PRIMARY KEY, tenant_id TEXT, name TEXT)",
		TenantID: "t1",
	})
	require.NoError(t, err)
	return a
}

func insert(t *testing.T, a *shardactor.Actor, tenant, name string, id int) {
	t.Helper()
	var _, err = a.Execute(context.Background(), protocol.ExecuteRequest{
		SQL: "INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		Params: []protocol.Param{
			protocol.IntParam(int64(id)),
			protocol.StrParam(tenant),
			protocol.StrParam(name),
		},
		TenantID: tenant,
	})
	require.NoError(t, err)
}

func TestSnapshotAndRestore(t *testing.T) {
	var ctx = context.Background()
	var source = newActor(t, "shard-a")
	var target = newActor(t, "shard-b")

	var local = shardactor.NewLocal()
	local.Add(source)
	local.Add(target)

	insert(t, source, "t1", "ann", 1)
	insert(t, source, "t1", "bob", 2)
	insert(t, source, "t2", "cyd", 3)

	var store, err = backup.OpenStore("file://" + t.TempDir())
	require.NoError(t, err)
	var manager = backup.NewManager(local, store)

	manifest, err := manager.Snapshot(ctx, "b1", "shard-a", []string{"t1", "t2"})
	require.NoError(t, err)
	require.Equal(t, int64(3), manifest.Rows)
	require.Equal(t, []string{"users"}, manifest.Tables)

	// Restore is an idempotent upsert; running it twice converges.
	for i := 0; i < 2; i++ {
		_, err = manager.Restore(ctx, "b1", "shard-b")
		require.NoError(t, err)
	}

	var rows, exportErr = target.Export(ctx, protocol.ExportRequest{
		Table: "users", TenantID: "t1", Limit: 10,
	})
	require.NoError(t, exportErr)
	require.Len(t, rows.Rows, 2)
	require.Equal(t, "ann", rows.Rows[0]["name"])

	rows, exportErr = target.Export(ctx, protocol.ExportRequest{
		Table: "users", TenantID: "t2", Limit: 10,
	})
	require.NoError(t, exportErr)
	require.Len(t, rows.Rows, 1)
}

func TestManifestListing(t *testing.T) {
	var ctx = context.Background()
	var source = newActor(t, "shard-a")
	var local = shardactor.NewLocal()
	local.Add(source)
	insert(t, source, "t1", "ann", 1)

	var store, err = backup.OpenStore("file://" + t.TempDir())
	require.NoError(t, err)
	var manager = backup.NewManager(local, store)

	_, err = manager.Snapshot(ctx, "b1", "shard-a", []string{"t1"})
	require.NoError(t, err)
	_, err = manager.Snapshot(ctx, "b2", "shard-a", []string{"t1"})
	require.NoError(t, err)

	manifests, err := manager.List(ctx)
	require.NoError(t, err)
	require.Len(t, manifests, 2)
	require.Equal(t, "b1", manifests[0].ID)
	require.Equal(t, "b2", manifests[1].ID)
}

func TestOpenStoreRejectsUnknownScheme(t *testing.T) {
	var _, err = backup.OpenStore("s3://bucket/prefix")
	require.Error(t, err)
}
