package protocol

import "encoding/json"

// Wire types of the shard actor API. The gateway's shard client and the
// actor service share these shapes; all bodies are JSON over h2c.

// ExecuteRequest runs one statement on the actor. A non-empty TxnID runs
// the statement inside that open transaction. TenantID attributes the
// resulting mutation-log entry; reads may leave it empty.
type ExecuteRequest struct {
	SQL      string  `json:"sql"`
	Params   []Param `json:"params,omitempty"`
	TenantID string  `json:"tenantId,omitempty"`
	TxnID    string  `json:"txnId,omitempty"`
}

// ExecuteResponse reports the statement outcome. Version is the actor's
// mutation counter after execution; reads return the current counter.
type ExecuteResponse struct {
	Rows         json.RawMessage `json:"rows,omitempty"`
	RowsAffected int64           `json:"rowsAffected"`
	InsertID     int64           `json:"insertId"`
	Version      uint64          `json:"version"`
}

// BatchExecuteRequest runs statements atomically on the actor.
type BatchExecuteRequest struct {
	Statements []BatchStatement `json:"statements"`
	TenantID   string           `json:"tenantId,omitempty"`
}

// BatchExecuteResponse reports per-statement outcomes of an atomic batch.
type BatchExecuteResponse struct {
	Results []ExecuteResponse `json:"results"`
	Version uint64            `json:"version"`
}

// ExportRequest pages tenant rows out of a table. Cursor is opaque to
// callers; the empty cursor starts from the beginning.
type ExportRequest struct {
	Table    string `json:"table"`
	TenantID string `json:"tenantId"`
	Cursor   string `json:"cursor,omitempty"`
	Limit    int    `json:"limit"`
}

// ExportResponse carries one page. An empty NextCursor means exhaustion.
type ExportResponse struct {
	Rows       []Row  `json:"rows"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ImportRequest upserts rows into a table, keyed by primary key, so
// replayed imports are idempotent.
type ImportRequest struct {
	Table string `json:"table"`
	Rows  []Row  `json:"rows"`
}

// ImportResponse reports rows written.
type ImportResponse struct {
	RowsImported int64 `json:"rowsImported"`
}

// EventsRequest pages the actor's mutation log strictly after AfterID.
type EventsRequest struct {
	AfterID int64 `json:"afterId"`
	Limit   int   `json:"limit"`
}

// EventsResponse carries one page of mutation events in log order.
type EventsResponse struct {
	Events []MutationEvent `json:"events"`
}

// TablesResponse lists user tables known to the actor.
type TablesResponse struct {
	Tables []string `json:"tables"`
}

// ActorStatus is the actor's health and progress summary.
type ActorStatus struct {
	ShardID     string `json:"shardId"`
	Version     uint64 `json:"version"`
	LastEventID int64  `json:"lastEventId"`
	Engine      string `json:"engine"`
	SizeBytes   int64  `json:"sizeBytes"`
}
