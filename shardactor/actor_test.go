package shardactor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/workersql/workersql/protocol"
)

func newTestActor(t *testing.T) *Actor {
	var a, err = Open("shard-a", "sqlite://"+filepath.Join(t.TempDir(), "shard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	return a
}

func mustExec(t *testing.T, a *Actor, tenant, sql string, params ...protocol.Param) *protocol.ExecuteResponse {
	var resp, err = a.Execute(context.Background(), protocol.ExecuteRequest{
		SQL: sql, Params: params, TenantID: tenant,
	})
	require.NoError(t, err)
	return resp
}

func TestMutationsAdvanceVersionMonotonically(t *testing.T) {
	var a = newTestActor(t)
	require.Equal(t, uint64(0), a.Version())

	var r1 = mustExec(t, a, "t1",
		"CREATE TABLE users (id INTEGER PRIMARY KEY, tenant_id TEXT, name TEXT)")
	var r2 = mustExec(t, a, "t1",
		"INSERT INTO users (tenant_id, name) VALUES (?, ?)",
		protocol.StrParam("t1"), protocol.StrParam("John"))
	var r3 = mustExec(t, a, "t1",
		"INSERT INTO users (tenant_id, name) VALUES (?, ?)",
		protocol.StrParam("t1"), protocol.StrParam("Jane"))

	require.Equal(t, uint64(1), r1.Version)
	require.Equal(t, uint64(2), r2.Version)
	require.Equal(t, uint64(3), r3.Version)
	require.Equal(t, uint64(3), a.Version())
	require.Equal(t, int64(2), r3.InsertID)

	// Reads report the current counter without advancing it.
	var read = mustExec(t, a, "t1", "SELECT name FROM users WHERE tenant_id = 't1' ORDER BY id")
	require.Equal(t, uint64(3), read.Version)
	require.Equal(t, uint64(3), a.Version())

	var rows, err = protocol.DecodeRows(read.Rows)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "John", rows[0]["name"])
}

func TestVersionSurvivesReopen(t *testing.T) {
	var path = "sqlite://" + filepath.Join(t.TempDir(), "shard.db")

	var a, err = Open("shard-a", path)
	require.NoError(t, err)
	mustExec(t, a, "t1", "CREATE TABLE users (id INTEGER PRIMARY KEY, tenant_id TEXT)")
	mustExec(t, a, "t1", "INSERT INTO users (tenant_id) VALUES ('t1')")
	require.NoError(t, a.Close())

	a, err = Open("shard-a", path)
	require.NoError(t, err)
	defer a.Close()
	require.Equal(t, uint64(2), a.Version())
}

func TestUnroutableStatementIsRejected(t *testing.T) {
	var a = newTestActor(t)
	var _, err = a.Execute(context.Background(), protocol.ExecuteRequest{SQL: "EXPLAIN SELECT 1"})
	require.Equal(t, protocol.CodeInvalidQuery, protocol.CodeOf(err))
}

func TestEngineErrorsClassify(t *testing.T) {
	var a = newTestActor(t)
	var _, err = a.Execute(context.Background(), protocol.ExecuteRequest{
		SQL: "SELECT * FROM missing_table",
	})
	require.Equal(t, protocol.CodeInvalidQuery, protocol.CodeOf(err))
}

func TestMutationLogAndEvents(t *testing.T) {
	var a = newTestActor(t)
	var ctx = context.Background()

	mustExec(t, a, "t1", "CREATE TABLE users (id INTEGER PRIMARY KEY, tenant_id TEXT, name TEXT)")
	mustExec(t, a, "t1", "INSERT INTO users (tenant_id, name) VALUES (?, ?)",
		protocol.StrParam("t1"), protocol.StrParam("John"))
	mustExec(t, a, "t2", "INSERT INTO users (tenant_id, name) VALUES (?, ?)",
		protocol.StrParam("t2"), protocol.StrParam("Eve"))

	var resp, err = a.Events(ctx, protocol.EventsRequest{AfterID: 0, Limit: 10})
	require.NoError(t, err)
	require.Len(t, resp.Events, 3)

	require.Equal(t, protocol.EventDDL, resp.Events[0].Type)
	require.Equal(t, protocol.EventMutation, resp.Events[1].Type)
	require.Equal(t, "t1", resp.Events[1].TenantID)
	require.Equal(t, "t2", resp.Events[2].TenantID)
	require.Equal(t, protocol.StrParam("John"), resp.Events[1].Params[1])

	// Paging strictly after an id.
	resp, err = a.Events(ctx, protocol.EventsRequest{AfterID: 2, Limit: 10})
	require.NoError(t, err)
	require.Len(t, resp.Events, 1)
	require.Equal(t, int64(3), resp.Events[0].ID)
}

func TestExportPagesAndFiltersTenant(t *testing.T) {
	var a = newTestActor(t)
	var ctx = context.Background()

	mustExec(t, a, "t1", "CREATE TABLE users (id INTEGER PRIMARY KEY, tenant_id TEXT, name TEXT)")
	for _, row := range [][2]string{{"t1", "a"}, {"t2", "x"}, {"t1", "b"}, {"t1", "c"}} {
		mustExec(t, a, row[0], "INSERT INTO users (tenant_id, name) VALUES (?, ?)",
			protocol.StrParam(row[0]), protocol.StrParam(row[1]))
	}

	var page, err = a.Export(ctx, protocol.ExportRequest{
		Table: "users", TenantID: "t1", Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, page.Rows, 2)
	require.NotEmpty(t, page.NextCursor)
	require.Equal(t, "a", page.Rows[0]["name"])
	require.Equal(t, "b", page.Rows[1]["name"])
	require.NotContains(t, page.Rows[0], "wsql_cursor")

	page, err = a.Export(ctx, protocol.ExportRequest{
		Table: "users", TenantID: "t1", Cursor: page.NextCursor, Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	require.Empty(t, page.NextCursor)
	require.Equal(t, "c", page.Rows[0]["name"])
}

func TestImportIsIdempotentByPrimaryKey(t *testing.T) {
	var a = newTestActor(t)
	var ctx = context.Background()

	mustExec(t, a, "t1", "CREATE TABLE users (id INTEGER PRIMARY KEY, tenant_id TEXT, name TEXT)")

	var rows = []protocol.Row{
		{"id": int64(1), "tenant_id": "t1", "name": "John"},
		{"id": int64(2), "tenant_id": "t1", "name": "Jane"},
	}
	var resp, err = a.Import(ctx, protocol.ImportRequest{Table: "users", Rows: rows})
	require.NoError(t, err)
	require.Equal(t, int64(2), resp.RowsImported)

	// Re-importing the same rows upserts rather than duplicating.
	rows[1]["name"] = "Janet"
	_, err = a.Import(ctx, protocol.ImportRequest{Table: "users", Rows: rows})
	require.NoError(t, err)

	var read = mustExec(t, a, "t1", "SELECT name FROM users ORDER BY id")
	decoded, err := protocol.DecodeRows(read.Rows)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	require.Equal(t, "Janet", decoded[1]["name"])
}

func TestBatchIsAtomic(t *testing.T) {
	var a = newTestActor(t)
	var ctx = context.Background()

	mustExec(t, a, "t1", "CREATE TABLE users (id INTEGER PRIMARY KEY, tenant_id TEXT, name TEXT)")

	var _, err = a.ExecuteBatch(ctx, protocol.BatchExecuteRequest{
		TenantID: "t1",
		Statements: []protocol.BatchStatement{
			{SQL: "INSERT INTO users (tenant_id, name) VALUES ('t1', 'kept?')"},
			{SQL: "INSERT INTO nonexistent (x) VALUES (1)"},
		},
	})
	require.Error(t, err)

	// The failed batch left nothing behind.
	var read = mustExec(t, a, "t1", "SELECT COUNT(*) AS n FROM users")
	rows, err := protocol.DecodeRows(read.Rows)
	require.NoError(t, err)
	require.Equal(t, int64(0), rows[0]["n"])

	resp, err := a.ExecuteBatch(ctx, protocol.BatchExecuteRequest{
		TenantID: "t1",
		Statements: []protocol.BatchStatement{
			{SQL: "INSERT INTO users (tenant_id, name) VALUES ('t1', 'a')"},
			{SQL: "INSERT INTO users (tenant_id, name) VALUES ('t1', 'b')"},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	// Reads are refused inside a mutation batch.
	_, err = a.ExecuteBatch(ctx, protocol.BatchExecuteRequest{
		Statements: []protocol.BatchStatement{{SQL: "SELECT 1"}},
	})
	require.Equal(t, protocol.CodeInvalidQuery, protocol.CodeOf(err))
}

func TestInteractiveTransactions(t *testing.T) {
	var a = newTestActor(t)
	var ctx = context.Background()

	mustExec(t, a, "t1", "CREATE TABLE users (id INTEGER PRIMARY KEY, tenant_id TEXT, name TEXT)")

	var begin, err = a.Txn(ctx, protocol.TxnRequest{Operation: protocol.TxnBegin})
	require.NoError(t, err)
	require.Equal(t, "shard-a", begin.ShardID)

	_, err = a.Execute(ctx, protocol.ExecuteRequest{
		SQL:      "INSERT INTO users (tenant_id, name) VALUES ('t1', 'txn-row')",
		TenantID: "t1",
		TxnID:    begin.TransactionID,
	})
	require.NoError(t, err)

	_, err = a.Txn(ctx, protocol.TxnRequest{
		Operation: protocol.TxnCommit, TransactionID: begin.TransactionID,
	})
	require.NoError(t, err)

	var read = mustExec(t, a, "t1", "SELECT COUNT(*) AS n FROM users")
	rows, err := protocol.DecodeRows(read.Rows)
	require.NoError(t, err)
	require.Equal(t, int64(1), rows[0]["n"])

	// Rolled-back transactions leave no rows.
	begin, err = a.Txn(ctx, protocol.TxnRequest{Operation: protocol.TxnBegin})
	require.NoError(t, err)
	_, err = a.Execute(ctx, protocol.ExecuteRequest{
		SQL:   "INSERT INTO users (tenant_id, name) VALUES ('t1', 'gone')",
		TxnID: begin.TransactionID,
	})
	require.NoError(t, err)
	_, err = a.Txn(ctx, protocol.TxnRequest{
		Operation: protocol.TxnRollback, TransactionID: begin.TransactionID,
	})
	require.NoError(t, err)

	read = mustExec(t, a, "t1", "SELECT COUNT(*) AS n FROM users")
	rows, err = protocol.DecodeRows(read.Rows)
	require.NoError(t, err)
	require.Equal(t, int64(1), rows[0]["n"])

	// Finishing twice is an error.
	_, err = a.Txn(ctx, protocol.TxnRequest{
		Operation: protocol.TxnRollback, TransactionID: begin.TransactionID,
	})
	require.Equal(t, protocol.CodeInvalidQuery, protocol.CodeOf(err))
}

func TestIdleTransactionsExpire(t *testing.T) {
	var a = newTestActor(t)
	var ctx = context.Background()

	var begin, err = a.Txn(ctx, protocol.TxnRequest{Operation: protocol.TxnBegin})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, a.ExpireIdleTxns(time.Millisecond))

	_, err = a.Txn(ctx, protocol.TxnRequest{
		Operation: protocol.TxnCommit, TransactionID: begin.TransactionID,
	})
	require.Error(t, err)
}

func TestTablesListing(t *testing.T) {
	var a = newTestActor(t)
	mustExec(t, a, "t1", "CREATE TABLE users (id INTEGER PRIMARY KEY, tenant_id TEXT)")
	mustExec(t, a, "t1", "CREATE TABLE orders (id INTEGER PRIMARY KEY, tenant_id TEXT)")

	var tables, err = a.Tables(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"orders", "users"}, tables)
}
