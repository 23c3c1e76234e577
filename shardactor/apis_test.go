package shardactor_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/workersql/workersql/protocol"
	"github.com/workersql/workersql/shard"
	"github.com/workersql/workersql/shardactor"
)

// startActor serves a SQLite-backed actor over httptest and returns a
// shard client bound to it, exercising the same wire path the gateway
// uses.
func startActor(t *testing.T, shardID string) shard.Client {
	var actor, err = shardactor.Open(shardID,
		"sqlite://"+filepath.Join(t.TempDir(), shardID+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { actor.Close() })

	var router = mux.NewRouter()
	shardactor.RegisterRoutes(router, actor)
	var srv = httptest.NewServer(router)
	t.Cleanup(srv.Close)

	var addrs = shard.NewAddressMap()
	addrs.Set(shardID, srv.URL)
	var client = shard.NewHTTPClient(addrs)
	client.HTTP = srv.Client()
	return client
}

func TestActorAPIEndToEnd(t *testing.T) {
	var ctx = context.Background()
	var client = startActor(t, "shard-a")

	var _, err = client.Execute(ctx, "shard-a", protocol.ExecuteRequest{
		SQL:      "CREATE TABLE users (id INTEGER PRIMARY KEY, tenant_id TEXT, name TEXT)",
		TenantID: "t1",
	})
	require.NoError(t, err)

	resp, err := client.Execute(ctx, "shard-a", protocol.ExecuteRequest{
		SQL:      "INSERT INTO users (tenant_id, name) VALUES (?, ?)",
		Params:   []protocol.Param{protocol.StrParam("t1"), protocol.StrParam("John")},
		TenantID: "t1",
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), resp.Version)

	// Tail-replay resources apply and log like any mutation.
	resp, err = client.Mutation(ctx, "shard-a", protocol.ExecuteRequest{
		SQL:      "INSERT INTO users (tenant_id, name) VALUES ('t1', 'Jane')",
		TenantID: "t1",
	})
	require.NoError(t, err)
	require.Equal(t, uint64(3), resp.Version)

	_, err = client.DDL(ctx, "shard-a", protocol.ExecuteRequest{
		SQL:      "CREATE INDEX IF NOT EXISTS users_name ON users (name)",
		TenantID: "t1",
	})
	require.NoError(t, err)

	events, err := client.Events(ctx, "shard-a", protocol.EventsRequest{AfterID: 0, Limit: 100})
	require.NoError(t, err)
	require.Len(t, events.Events, 4)
	require.Equal(t, protocol.EventDDL, events.Events[3].Type)

	tables, err := client.Tables(ctx, "shard-a")
	require.NoError(t, err)
	require.Equal(t, []string{"users"}, tables)

	status, err := client.Status(ctx, "shard-a")
	require.NoError(t, err)
	require.Equal(t, "shard-a", status.ShardID)
	require.Equal(t, uint64(4), status.Version)
	require.Equal(t, "sqlite", status.Engine)
	require.Positive(t, status.SizeBytes)

	// Export from the source, import into a second actor: the split
	// controller's backfill path.
	var target = startActor(t, "shard-b")
	_, err = target.Execute(ctx, "shard-b", protocol.ExecuteRequest{
		SQL: "CREATE TABLE users (id INTEGER PRIMARY KEY, tenant_id TEXT, name TEXT)",
	})
	require.NoError(t, err)

	page, err := client.Export(ctx, "shard-a", protocol.ExportRequest{
		Table: "users", TenantID: "t1", Limit: 100,
	})
	require.NoError(t, err)
	require.Len(t, page.Rows, 2)

	imported, err := target.Import(ctx, "shard-b", protocol.ImportRequest{
		Table: "users", Rows: page.Rows,
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), imported.RowsImported)

	check, err := target.Execute(ctx, "shard-b", protocol.ExecuteRequest{
		SQL: "SELECT name FROM users ORDER BY id",
	})
	require.NoError(t, err)
	rows, err := protocol.DecodeRows(check.Rows)
	require.NoError(t, err)
	require.Equal(t, "John", rows[0]["name"])
	require.Equal(t, "Jane", rows[1]["name"])
}

func TestActorAPIErrorEnvelope(t *testing.T) {
	var client = startActor(t, "shard-a")

	var _, err = client.Execute(context.Background(), "shard-a", protocol.ExecuteRequest{
		SQL: "SELECT * FROM missing",
	})
	require.Equal(t, protocol.CodeInvalidQuery, protocol.CodeOf(err))
}

func TestActorTxnOverWire(t *testing.T) {
	var ctx = context.Background()
	var client = startActor(t, "shard-a")

	var _, err = client.Execute(ctx, "shard-a", protocol.ExecuteRequest{
		SQL: "CREATE TABLE users (id INTEGER PRIMARY KEY, tenant_id TEXT, name TEXT)",
	})
	require.NoError(t, err)

	begin, err := client.Txn(ctx, "shard-a", protocol.TxnRequest{Operation: protocol.TxnBegin})
	require.NoError(t, err)

	_, err = client.Execute(ctx, "shard-a", protocol.ExecuteRequest{
		SQL:   "INSERT INTO users (tenant_id, name) VALUES ('t1', 'x')",
		TxnID: begin.TransactionID,
	})
	require.NoError(t, err)

	_, err = client.Txn(ctx, "shard-a", protocol.TxnRequest{
		Operation: protocol.TxnCommit, TransactionID: begin.TransactionID,
	})
	require.NoError(t, err)

	check, err := client.Execute(ctx, "shard-a", protocol.ExecuteRequest{
		SQL: "SELECT COUNT(*) AS n FROM users",
	})
	require.NoError(t, err)
	rows, err := protocol.DecodeRows(check.Rows)
	require.NoError(t, err)
	require.Equal(t, int64(1), rows[0]["n"])
}
