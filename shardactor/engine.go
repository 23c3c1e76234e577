// Package shardactor is the single-writer shard actor: a database/sql
// engine (SQLite or MySQL, selected by DSN), serialized mutations with a
// monotonic version counter, an append-only mutation log, cursor-paged
// export, idempotent import, and the HTTP API the gateway's shard client
// speaks.
package shardactor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Drivers are selected by DSN protocol and not referenced directly.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/workersql/workersql/dsn"
	"github.com/workersql/workersql/protocol"
)

// Engine kinds.
const (
	EngineSQLite = "sqlite"
	EngineMySQL  = "mysql"
)

// Engine wraps the actor's database handle with the few dialect
// differences the actor cares about.
type Engine struct {
	DB   *sql.DB
	Kind string
}

// OpenEngine opens the storage named by a DSN: mysql://… dials a MySQL
// server, sqlite://path (or a bare path) opens a SQLite file, and
// sqlite://:memory: an in-memory database.
func OpenEngine(raw string) (*Engine, error) {
	if strings.HasPrefix(raw, "mysql://") {
		var cfg, err = dsn.Parse(raw)
		if err != nil {
			return nil, err
		}
		mysqlCfg, err := cfg.MySQLConfig()
		if err != nil {
			return nil, err
		}
		db, err := sql.Open("mysql", mysqlCfg.FormatDSN())
		if err != nil {
			return nil, fmt.Errorf("opening mysql engine: %w", err)
		}
		return &Engine{DB: db, Kind: EngineMySQL}, nil
	}

	var path = strings.TrimPrefix(raw, "sqlite://")
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite engine %s: %w", path, err)
	}
	// SQLite admits one writer; a single pooled connection makes the
	// database/sql layer respect that instead of returning SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return &Engine{DB: db, Kind: EngineSQLite}, nil
}

func (e *Engine) Close() error { return e.DB.Close() }

// cursorColumn is the ordered per-row identity used by export paging.
func (e *Engine) cursorColumn() string {
	if e.Kind == EngineSQLite {
		return "rowid"
	}
	return "id"
}

// mutationLogDDL creates the actor's append-only log.
func (e *Engine) mutationLogDDL() string {
	if e.Kind == EngineMySQL {
		return `CREATE TABLE IF NOT EXISTS wsql_mutation_log (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			ts BIGINT NOT NULL,
			tenant_id VARCHAR(255) NOT NULL,
			stmt TEXT NOT NULL,
			params TEXT NOT NULL,
			type VARCHAR(16) NOT NULL
		)`
	}
	return `CREATE TABLE IF NOT EXISTS wsql_mutation_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		tenant_id TEXT NOT NULL,
		stmt TEXT NOT NULL,
		params TEXT NOT NULL,
		type TEXT NOT NULL
	)`
}

// sizeBytes reports the storage footprint, best effort.
func (e *Engine) sizeBytes(ctx context.Context) (int64, error) {
	if e.Kind == EngineMySQL {
		var n sql.NullInt64
		var err = e.DB.QueryRowContext(ctx,
			`SELECT SUM(data_length + index_length) FROM information_schema.tables
			 WHERE table_schema = DATABASE()`).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("sizing mysql schema: %w", err)
		}
		return n.Int64, nil
	}

	var pages, pageSize int64
	if err := e.DB.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err != nil {
		return 0, fmt.Errorf("reading page_count: %w", err)
	}
	if err := e.DB.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("reading page_size: %w", err)
	}
	return pages * pageSize, nil
}

// tables lists user tables, excluding the actor's own bookkeeping.
func (e *Engine) tables(ctx context.Context) ([]string, error) {
	var query string
	if e.Kind == EngineMySQL {
		query = "SHOW TABLES"
	} else {
		query = "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name"
	}
	var rows, err = e.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		switch name {
		case "wsql_mutation_log", "sqlite_sequence":
			// Bookkeeping, not tenant data.
		default:
			out = append(out, name)
		}
	}
	return out, rows.Err()
}

// classifyEngineError maps driver failures onto the wire taxonomy by
// message inspection, the only portable signal database/sql exposes.
func classifyEngineError(err error) *protocol.Error {
	var msg = strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "syntax error"),
		strings.Contains(msg, "no such table"),
		strings.Contains(msg, "no such column"),
		strings.Contains(msg, "doesn't exist"),
		strings.Contains(msg, "unknown column"),
		strings.Contains(msg, "constraint"),
		strings.Contains(msg, "duplicate"):
		return protocol.WrapError(protocol.CodeInvalidQuery, err)
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "too many connections"):
		return protocol.WrapError(protocol.CodeResourceLimit, err)
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "bad connection"):
		return protocol.WrapError(protocol.CodeConnectionError, err)
	default:
		return protocol.WrapError(protocol.CodeInternal, err)
	}
}
