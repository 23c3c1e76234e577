package shardactor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/workersql/workersql/classify"
	"github.com/workersql/workersql/protocol"
)

// execer is satisfied by *sql.DB and *sql.Tx, so one mutation path serves
// both direct statements and those inside an open transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Actor is one single-writer shard. Mutations are serialized under
// writeMu and each appends a row to wsql_mutation_log; the log's
// autoincrement id is the shard's monotonic version counter.
type Actor struct {
	shardID string
	engine  *Engine
	txns    *txnRegistry

	writeMu sync.Mutex

	mu      sync.Mutex
	version uint64
}

// Open builds an Actor over the storage named by dsnStr and prepares the
// mutation log.
func Open(shardID, dsnStr string) (*Actor, error) {
	var engine, err = OpenEngine(dsnStr)
	if err != nil {
		return nil, err
	}

	var a = &Actor{
		shardID: shardID,
		engine:  engine,
		txns:    newTxnRegistry(),
	}
	if _, err = engine.DB.Exec(engine.mutationLogDDL()); err != nil {
		engine.Close()
		return nil, fmt.Errorf("creating mutation log: %w", err)
	}

	var row = engine.DB.QueryRow("SELECT COALESCE(MAX(id), 0) FROM wsql_mutation_log")
	var max int64
	if err = row.Scan(&max); err != nil {
		engine.Close()
		return nil, fmt.Errorf("loading mutation counter: %w", err)
	}
	a.version = uint64(max)

	log.WithFields(log.Fields{
		"shard":   shardID,
		"engine":  engine.Kind,
		"version": a.version,
	}).Info("opened shard actor")
	return a, nil
}

// Close rolls back open transactions and releases the engine.
func (a *Actor) Close() error {
	a.txns.closeAll()
	return a.engine.Close()
}

// ShardID returns the shard this actor serves.
func (a *Actor) ShardID() string {
	return a.shardID
}

// Version returns the current mutation counter.
func (a *Actor) Version() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

func (a *Actor) observeVersion(v uint64) {
	a.mu.Lock()
	if v > a.version {
		a.version = v
	}
	a.mu.Unlock()
}

// Execute runs one statement. Mutations are serialized and logged; reads
// run concurrently against the engine.
func (a *Actor) Execute(ctx context.Context, req protocol.ExecuteRequest) (*protocol.ExecuteResponse, error) {
	var stmt = classify.Classify(req.SQL)
	if stmt.Kind == classify.Other {
		return nil, protocol.NewError(protocol.CodeInvalidQuery,
			"statement is not routable: %.80q", req.SQL)
	}

	if req.TxnID != "" {
		var tx, err = a.txns.get(req.TxnID)
		if err != nil {
			return nil, err
		}
		defer a.txns.release(req.TxnID)

		if stmt.IsMutation {
			return a.applyMutation(ctx, tx, req, stmt)
		}
		return a.query(ctx, tx, req)
	}

	if !stmt.IsMutation {
		return a.query(ctx, a.engine.DB, req)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	var tx, err = a.engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyEngineError(err)
	}
	resp, err := a.applyMutation(ctx, tx, req, stmt)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, classifyEngineError(err)
	}
	return resp, nil
}

// ExecuteBatch runs mutations atomically: one transaction, all-or-nothing.
func (a *Actor) ExecuteBatch(ctx context.Context, req protocol.BatchExecuteRequest) (*protocol.BatchExecuteResponse, error) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	var tx, err = a.engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyEngineError(err)
	}

	var out = &protocol.BatchExecuteResponse{}
	for _, s := range req.Statements {
		var stmt = classify.Classify(s.SQL)
		if !stmt.IsMutation {
			_ = tx.Rollback()
			return nil, protocol.NewError(protocol.CodeInvalidQuery,
				"batch statement is not a mutation: %.80q", s.SQL)
		}
		var resp *protocol.ExecuteResponse
		resp, err = a.applyMutation(ctx, tx, protocol.ExecuteRequest{
			SQL:      s.SQL,
			Params:   s.Params,
			TenantID: req.TenantID,
		}, stmt)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		out.Results = append(out.Results, *resp)
		out.Version = resp.Version
	}
	if err = tx.Commit(); err != nil {
		return nil, classifyEngineError(err)
	}
	return out, nil
}

// applyMutation executes the statement and appends its mutation-log row
// within the same transaction, so the statement and its log entry commit
// or roll back together.
func (a *Actor) applyMutation(ctx context.Context, run execer, req protocol.ExecuteRequest, stmt classify.Statement) (*protocol.ExecuteResponse, error) {
	var result, err = run.ExecContext(ctx, req.SQL, paramValues(req.Params)...)
	if err != nil {
		mutations.WithLabelValues(a.shardID, "error").Inc()
		return nil, classifyEngineError(err)
	}
	var rowsAffected, _ = result.RowsAffected()
	var insertID, _ = result.LastInsertId()

	var eventType = protocol.EventMutation
	if stmt.Kind == classify.DDL {
		eventType = protocol.EventDDL
	}
	var params = req.Params
	if params == nil {
		params = []protocol.Param{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding log params: %w", err)
	}

	logged, err := run.ExecContext(ctx,
		"INSERT INTO wsql_mutation_log (ts, tenant_id, stmt, params, type) VALUES (?, ?, ?, ?, ?)",
		time.Now().UnixMilli(), req.TenantID, req.SQL, string(encoded), string(eventType))
	if err != nil {
		return nil, classifyEngineError(err)
	}
	logID, err := logged.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading mutation log id: %w", err)
	}

	a.observeVersion(uint64(logID))
	mutations.WithLabelValues(a.shardID, "ok").Inc()

	return &protocol.ExecuteResponse{
		RowsAffected: rowsAffected,
		InsertID:     insertID,
		Version:      uint64(logID),
	}, nil
}

func (a *Actor) query(ctx context.Context, run execer, req protocol.ExecuteRequest) (*protocol.ExecuteResponse, error) {
	var rows, err = run.QueryContext(ctx, req.SQL, paramValues(req.Params)...)
	if err != nil {
		return nil, classifyEngineError(err)
	}
	defer rows.Close()

	decoded, err := scanRows(rows)
	if err != nil {
		return nil, classifyEngineError(err)
	}
	raw, err := protocol.EncodeRows(decoded)
	if err != nil {
		return nil, err
	}
	return &protocol.ExecuteResponse{Rows: raw, Version: a.Version()}, nil
}

// exportBatchLimit caps one export page regardless of the request.
const exportBatchLimit = 1000

// Export pages one tenant's rows of a table in cursor order. The cursor
// is the engine's row identity (rowid or primary key), returned opaquely.
func (a *Actor) Export(ctx context.Context, req protocol.ExportRequest) (*protocol.ExportResponse, error) {
	var limit = req.Limit
	if limit <= 0 || limit > exportBatchLimit {
		limit = exportBatchLimit
	}
	var after int64
	if req.Cursor != "" {
		var parsed, err = strconv.ParseInt(req.Cursor, 10, 64)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInvalidQuery,
				"malformed export cursor %q", req.Cursor)
		}
		after = parsed
	}

	var cur = a.engine.cursorColumn()
	var query = fmt.Sprintf(
		"SELECT t.%s AS wsql_cursor, t.* FROM %s t WHERE t.tenant_id = ? AND t.%s > ? ORDER BY t.%s ASC LIMIT ?",
		cur, quoteIdent(req.Table), cur, cur)

	var rows, err = a.engine.DB.QueryContext(ctx, query, req.TenantID, after, limit)
	if err != nil {
		return nil, classifyEngineError(err)
	}
	defer rows.Close()

	decoded, err := scanRows(rows)
	if err != nil {
		return nil, classifyEngineError(err)
	}

	var resp = &protocol.ExportResponse{Rows: make([]protocol.Row, 0, len(decoded))}
	var last int64
	for _, row := range decoded {
		last = cursorOf(row)
		delete(row, "wsql_cursor")
		resp.Rows = append(resp.Rows, row)
	}
	if len(decoded) == limit {
		resp.NextCursor = strconv.FormatInt(last, 10)
	}
	exportedRows.WithLabelValues(a.shardID).Add(float64(len(resp.Rows)))
	return resp, nil
}

func cursorOf(row protocol.Row) int64 {
	switch v := row["wsql_cursor"].(type) {
	case int64:
		return v
	case string:
		var n, _ = strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// Import upserts rows keyed by primary key, so re-imports and rows
// already placed by dual-write are absorbed rather than duplicated.
func (a *Actor) Import(ctx context.Context, req protocol.ImportRequest) (*protocol.ImportResponse, error) {
	if len(req.Rows) == 0 {
		return &protocol.ImportResponse{}, nil
	}

	var cols = sortedColumns(req.Rows[0])
	var placeholders = "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	var quoted = make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	// REPLACE INTO is the upsert form both engines share.
	var query = fmt.Sprintf("REPLACE INTO %s (%s) VALUES %s",
		quoteIdent(req.Table), strings.Join(quoted, ", "), placeholders)

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	var tx, err = a.engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyEngineError(err)
	}
	var imported int64
	for _, row := range req.Rows {
		var args = make([]interface{}, len(cols))
		for i, c := range cols {
			args[i] = row[c]
		}
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return nil, classifyEngineError(err)
		}
		imported++
	}
	if err = tx.Commit(); err != nil {
		return nil, classifyEngineError(err)
	}
	importedRows.WithLabelValues(a.shardID).Add(float64(imported))
	return &protocol.ImportResponse{RowsImported: imported}, nil
}

// Events pages the mutation log strictly after req.AfterID, in id order.
func (a *Actor) Events(ctx context.Context, req protocol.EventsRequest) (*protocol.EventsResponse, error) {
	var limit = req.Limit
	if limit <= 0 || limit > exportBatchLimit {
		limit = exportBatchLimit
	}
	var rows, err = a.engine.DB.QueryContext(ctx,
		"SELECT id, ts, tenant_id, stmt, params, type FROM wsql_mutation_log WHERE id > ? ORDER BY id ASC LIMIT ?",
		req.AfterID, limit)
	if err != nil {
		return nil, classifyEngineError(err)
	}
	defer rows.Close()

	var resp = &protocol.EventsResponse{Events: []protocol.MutationEvent{}}
	for rows.Next() {
		var ev protocol.MutationEvent
		var params string
		if err = rows.Scan(&ev.ID, &ev.Ts, &ev.TenantID, &ev.SQL, &params, &ev.Type); err != nil {
			return nil, fmt.Errorf("scanning mutation event: %w", err)
		}
		if err = json.Unmarshal([]byte(params), &ev.Params); err != nil {
			return nil, fmt.Errorf("decoding params of event %d: %w", ev.ID, err)
		}
		resp.Events = append(resp.Events, ev)
	}
	return resp, rows.Err()
}

// Tables lists user tables.
func (a *Actor) Tables(ctx context.Context) ([]string, error) {
	return a.engine.tables(ctx)
}

// Txn begins, commits or rolls back an interactive transaction.
func (a *Actor) Txn(ctx context.Context, req protocol.TxnRequest) (*protocol.TxnResponse, error) {
	switch req.Operation {
	case protocol.TxnBegin:
		var id, err = a.txns.begin(ctx, a.engine.DB)
		if err != nil {
			return nil, err
		}
		return &protocol.TxnResponse{Success: true, TransactionID: id, ShardID: a.shardID}, nil
	case protocol.TxnCommit:
		if err := a.txns.finish(req.TransactionID, true); err != nil {
			return nil, err
		}
		return &protocol.TxnResponse{Success: true, TransactionID: req.TransactionID}, nil
	case protocol.TxnRollback:
		if err := a.txns.finish(req.TransactionID, false); err != nil {
			return nil, err
		}
		return &protocol.TxnResponse{Success: true, TransactionID: req.TransactionID}, nil
	default:
		return nil, protocol.NewError(protocol.CodeInvalidQuery,
			"unknown transaction operation %q", req.Operation)
	}
}

// ExpireIdleTxns rolls back transactions idle beyond the limit,
// returning how many were expired.
func (a *Actor) ExpireIdleTxns(idle time.Duration) int {
	return a.txns.expireIdle(idle)
}

// Status summarizes the actor for health surfaces. Storage size is best
// effort and reported as zero when the engine cannot answer.
func (a *Actor) Status(ctx context.Context) *protocol.ActorStatus {
	var v = a.Version()
	var size, err = a.engine.sizeBytes(ctx)
	if err != nil {
		log.WithFields(log.Fields{"shard": a.shardID, "err": err}).
			Warn("storage size probe failed")
	}
	return &protocol.ActorStatus{
		ShardID:     a.shardID,
		Version:     v,
		LastEventID: int64(v),
		Engine:      a.engine.Kind,
		SizeBytes:   size,
	}
}

func sortedColumns(row protocol.Row) []string {
	var cols = make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	// Deterministic statement text across rows and runs.
	sort.Strings(cols)
	return cols
}

// quoteIdent backtick-quotes an identifier, doubling embedded backticks.
func quoteIdent(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}
