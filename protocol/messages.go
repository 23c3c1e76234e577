package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Consistency names a read consistency mode.
type Consistency string

const (
	// Strong bypasses the cache and reads the owning shard.
	Strong Consistency = "strong"
	// Bounded serves cached data within its freshness window.
	Bounded Consistency = "bounded"
	// Cached serves cached data through the full stale-while-revalidate window.
	Cached Consistency = "cached"
	// Default defers the choice to the gateway (resolved to Bounded).
	Default Consistency = "default"
)

// Hints carries caller overrides for a single query.
type Hints struct {
	Consistency Consistency `json:"consistency,omitempty"`
	BoundedMs   int64       `json:"boundedMs,omitempty"`
}

// QueryRequest is the body of /sql, /sql/mutation and /sql/ddl. A
// non-empty TransactionID runs the statement inside a transaction
// previously opened through /transaction.
type QueryRequest struct {
	SQL           string  `json:"sql"`
	Params        []Param `json:"params,omitempty"`
	Hints         *Hints  `json:"hints,omitempty"`
	TransactionID string  `json:"transactionId,omitempty"`
}

// QueryMetadata describes where a response was produced.
type QueryMetadata struct {
	ShardID   string `json:"shardId"`
	FromCache bool   `json:"fromCache"`
	Version   uint64 `json:"version"`
}

// QueryResponse is the body of a successful or failed query. Data holds the
// JSON row array exactly as produced by the owning shard, so cached bytes
// can be spliced in without a decode pass.
type QueryResponse struct {
	Success       bool            `json:"success"`
	Data          json.RawMessage `json:"data,omitempty"`
	RowsAffected  int64           `json:"rowsAffected,omitempty"`
	InsertID      int64           `json:"insertId,omitempty"`
	Cached        bool            `json:"cached"`
	ExecutionTime float64         `json:"executionTime"`
	Metadata      *QueryMetadata  `json:"metadata,omitempty"`
	Error         *Error          `json:"error,omitempty"`
}

// BatchStatement is one mutation within a batch.
type BatchStatement struct {
	SQL    string  `json:"sql"`
	Params []Param `json:"params,omitempty"`
}

// BatchRequest is the body of /sql/batch.
type BatchRequest struct {
	Batch       []BatchStatement `json:"batch"`
	Transaction bool             `json:"transaction,omitempty"`
	StopOnError bool             `json:"stopOnError,omitempty"`
}

// BatchResult is the outcome of one statement of a batch.
type BatchResult struct {
	Success      bool   `json:"success"`
	RowsAffected int64  `json:"rowsAffected"`
	InsertID     int64  `json:"insertId,omitempty"`
	Error        *Error `json:"error,omitempty"`
}

// BatchData aggregates per-statement results.
type BatchData struct {
	TotalRowsAffected int64         `json:"totalRowsAffected"`
	Results           []BatchResult `json:"results"`
}

// BatchResponse is the body of /sql/batch responses.
type BatchResponse struct {
	Success bool      `json:"success"`
	Data    BatchData `json:"data"`
	Error   *Error    `json:"error,omitempty"`
}

// TxnOperation is a /transaction verb.
type TxnOperation string

const (
	TxnBegin    TxnOperation = "BEGIN"
	TxnCommit   TxnOperation = "COMMIT"
	TxnRollback TxnOperation = "ROLLBACK"
)

// TxnRequest is the body of /transaction.
type TxnRequest struct {
	Operation     TxnOperation `json:"operation"`
	TransactionID string       `json:"transactionId,omitempty"`
}

// TxnResponse is the body of /transaction responses.
type TxnResponse struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId,omitempty"`
	ShardID       string `json:"shardId,omitempty"`
	Error         *Error `json:"error,omitempty"`
}

// WSMessage is the envelope of every websocket frame, both directions.
type WSMessage struct {
	Type          string          `json:"type"`
	ID            string          `json:"id,omitempty"`
	SQL           string          `json:"sql,omitempty"`
	Params        []Param         `json:"params,omitempty"`
	TransactionID string          `json:"transactionId,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         *Error          `json:"error,omitempty"`
}

// Websocket frame types.
const (
	WSBegin    = "begin"
	WSQuery    = "query"
	WSCommit   = "commit"
	WSRollback = "rollback"
	WSResult   = "result"
	WSError    = "error"
)

// EventType distinguishes plain mutations from schema changes in a shard's
// mutation log.
type EventType string

const (
	EventMutation EventType = "mutation"
	EventDDL      EventType = "ddl"
)

// MutationEvent is one entry of a shard's append-only mutation log.
// IDs are per-shard monotonic; Ts is epoch milliseconds.
type MutationEvent struct {
	ID       int64     `json:"id"`
	Ts       int64     `json:"ts"`
	TenantID string    `json:"tenantId"`
	SQL      string    `json:"sql"`
	Params   []Param   `json:"params,omitempty"`
	Type     EventType `json:"type"`
}

// InvalidateEvent asks cache consumers to drop entries under each
// "{tenant}:{table}" base key. ID deduplicates redeliveries.
type InvalidateEvent struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId"`
	Keys     []string `json:"keys"`
	Ts       int64    `json:"ts"`
}

// Row is a decoded result row, column name to value.
type Row map[string]interface{}

// DecodeRows parses a JSON row array preserving integer fidelity:
// integral numbers decode as int64 rather than float64.
func DecodeRows(raw json.RawMessage) ([]Row, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var dec = json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var rows []Row
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decoding rows: %w", err)
	}
	for _, row := range rows {
		for col, v := range row {
			if n, ok := v.(json.Number); ok {
				row[col] = numberValue(n)
			}
		}
	}
	return rows, nil
}

func numberValue(n json.Number) interface{} {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// EncodeRows is the inverse of DecodeRows.
func EncodeRows(rows []Row) (json.RawMessage, error) {
	if rows == nil {
		rows = []Row{}
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encoding rows: %w", err)
	}
	return b, nil
}
