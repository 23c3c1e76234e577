package shardactor

import (
	"database/sql"
	"fmt"

	"github.com/workersql/workersql/protocol"
)

// scanRows drains a result set into protocol rows. Driver []byte values
// decode as strings, which matches the JSON wire format; everything else
// passes through.
func scanRows(rows *sql.Rows) ([]protocol.Row, error) {
	var cols, err = rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading result columns: %w", err)
	}

	var out = []protocol.Row{}
	for rows.Next() {
		var values = make([]interface{}, len(cols))
		var ptrs = make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err = rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		var row = make(protocol.Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// paramValues unpacks tagged parameters for the driver.
func paramValues(params []protocol.Param) []interface{} {
	var out = make([]interface{}, len(params))
	for i, p := range params {
		out[i] = p.Value()
	}
	return out
}
