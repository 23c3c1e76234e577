// Package isolate rewrites SQL statements so that every row read or
// mutated belongs to the requesting tenant. The rewrite is string-level:
// it scans outside quoted literals and parenthesized subqueries, injects
// a tenant_id predicate into read and mutation clauses, and extends
// INSERT column and value lists.
package isolate

import (
	"fmt"
	"strings"

	"github.com/workersql/workersql/classify"
	"github.com/workersql/workersql/protocol"
)

// Tables every tenant may touch without a tenant prefix.
var systemTables = map[string]bool{
	"migrations":      true,
	"schema_versions": true,
	"system_config":   true,
}

// Filter applies tenant isolation rewrites.
type Filter struct {
	// LenientInsert passes an INSERT lacking a column list through with a
	// warning instead of rejecting it.
	LenientInsert bool
}

// Result is a rewritten statement plus non-fatal findings.
type Result struct {
	SQL      string
	Warnings []string
}

// Rewrite returns sql constrained to tenantID. The statement must already
// be classified; Other statements and empty tenants are refused.
func (f Filter) Rewrite(sql string, stmt classify.Statement, tenantID string) (Result, error) {
	if tenantID == "" {
		return Result{}, protocol.NewError(protocol.CodeAuthError, "request has no tenant context")
	}
	var tenant = escapeTenant(tenantID)

	switch stmt.Kind {
	case classify.Select:
		if stmt.Table == "" {
			// Table-less reads (SELECT 1) have nothing to isolate.
			return Result{SQL: sql}, nil
		}
		return Result{SQL: injectPredicate(sql, tenant)}, nil
	case classify.Update, classify.Delete:
		return Result{SQL: injectPredicate(sql, tenant)}, nil
	case classify.Insert:
		return f.rewriteInsert(sql, tenant)
	case classify.DDL:
		return rewriteDDL(sql, stmt, tenantID), nil
	default:
		return Result{}, protocol.NewError(protocol.CodeInvalidQuery,
			"statement cannot be routed: %s", strings.SplitN(strings.TrimSpace(sql)+" ", " ", 2)[0])
	}
}

// injectPredicate adds `tenant_id = '{tenant}'` to the statement's WHERE
// clause, creating one when absent. An existing predicate is wrapped in
// parentheses and conjoined, so OR chains cannot escape the tenant bound.
func injectPredicate(sql string, tenant string) string {
	var predicate = fmt.Sprintf("tenant_id = '%s'", tenant)

	var whereAt, _ = findTopLevel(sql, 0, "WHERE")
	if whereAt < 0 {
		// No WHERE: insert one before GROUP BY / ORDER BY / LIMIT, else at
		// the end of the statement.
		var at, _ = findTopLevel(sql, 0, "GROUP", "ORDER", "LIMIT")
		if at < 0 {
			var trimmed = strings.TrimRight(sql, " \t\n;")
			return trimmed + " WHERE " + predicate
		}
		return sql[:at] + "WHERE " + predicate + " " + sql[at:]
	}

	var clauseStart = whereAt + len("WHERE")
	var clauseEnd, _ = findTopLevel(sql, clauseStart, "GROUP", "ORDER", "LIMIT")
	if clauseEnd < 0 {
		clauseEnd = len(sql)
	}
	var clause = strings.TrimSpace(strings.TrimRight(sql[clauseStart:clauseEnd], " \t\n;"))

	// Already constrained by a prior rewrite: leave untouched. Only an
	// exact leading conjunct counts; `tenant_id = 'x' OR ...` does not.
	if clause == predicate || strings.HasPrefix(clause, predicate+" AND (") {
		return sql
	}

	var tail = sql[clauseEnd:]
	if tail != "" && !strings.HasPrefix(tail, " ") {
		tail = " " + tail
	}
	return sql[:clauseStart] + " " + predicate + " AND (" + clause + ")" + tail
}

func (f Filter) rewriteInsert(sql string, tenant string) (Result, error) {
	var valuesAt, _ = findTopLevel(sql, 0, "VALUES")

	var colsOpen = -1
	if valuesAt >= 0 {
		colsOpen = indexTopLevelParen(sql[:valuesAt])
	} else {
		colsOpen = indexTopLevelParen(sql)
	}

	if colsOpen < 0 {
		// INSERT INTO t VALUES (...) or INSERT ... SET / SELECT forms.
		if f.LenientInsert {
			return Result{
				SQL:      sql,
				Warnings: []string{"INSERT without a column list bypasses tenant assignment"},
			}, nil
		}
		return Result{}, protocol.NewError(protocol.CodeInvalidQuery,
			"INSERT requires an explicit column list")
	}

	var colsClose = matchParen(sql, colsOpen)
	if colsClose < 0 {
		return Result{}, protocol.NewError(protocol.CodeInvalidQuery,
			"INSERT column list is not terminated")
	}

	var cols = sql[colsOpen+1 : colsClose]
	if hasTenantColumn(cols) {
		return Result{SQL: sql}, nil
	}

	if valuesAt < 0 {
		// INSERT INTO t (cols) SELECT ...: cannot synthesize a tenant value
		// per row.
		return Result{}, protocol.NewError(protocol.CodeInvalidQuery,
			"INSERT ... SELECT must list tenant_id explicitly")
	}

	// Extend the column list and every value tuple.
	var b strings.Builder
	b.WriteString(sql[:colsClose])
	b.WriteString(", tenant_id")
	b.WriteString(sql[colsClose:valuesAt])

	var rest = sql[valuesAt:]
	var out, err = appendToTuples(rest, fmt.Sprintf("'%s'", tenant))
	if err != nil {
		return Result{}, err
	}
	b.WriteString(out)
	return Result{SQL: b.String()}, nil
}

// appendToTuples appends |value| inside each top-level parenthesized tuple
// of an INSERT VALUES tail.
func appendToTuples(tail string, value string) (string, error) {
	var b strings.Builder
	var depth int
	var quote byte
	var sawTuple bool

	for i := 0; i < len(tail); i++ {
		var c = tail[i]
		if quote != 0 {
			b.WriteByte(c)
			switch {
			case c == '\\' && quote == '\'':
				if i+1 < len(tail) {
					i++
					b.WriteByte(tail[i])
				}
			case c == quote:
				if quote == '\'' && i+1 < len(tail) && tail[i+1] == '\'' {
					i++
					b.WriteByte(tail[i])
				} else {
					quote = 0
				}
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '(':
			depth++
		case ')':
			if depth == 1 {
				b.WriteString(", ")
				b.WriteString(value)
				sawTuple = true
			}
			if depth > 0 {
				depth--
			}
		}
		b.WriteByte(c)
	}
	if !sawTuple {
		return "", protocol.NewError(protocol.CodeInvalidQuery, "INSERT has no value tuples")
	}
	return b.String(), nil
}

func rewriteDDL(sql string, stmt classify.Statement, tenantID string) Result {
	var res = Result{SQL: sql}
	if stmt.Table == "" || systemTables[stmt.Table] {
		return res
	}
	var prefix = strings.ToLower(tenantID) + "_"
	if !strings.HasPrefix(stmt.Table, prefix) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"table %q is not tenant-prefixed (%s*) and not a system table", stmt.Table, prefix))
	}
	return res
}

func hasTenantColumn(cols string) bool {
	for _, col := range strings.Split(cols, ",") {
		if strings.EqualFold(strings.Trim(strings.TrimSpace(col), "`\""), "tenant_id") {
			return true
		}
	}
	return false
}

func escapeTenant(tenant string) string {
	return strings.ReplaceAll(tenant, "'", "''")
}

// findTopLevel locates the first of |words| appearing at paren depth zero
// outside quoted literals, at or after |from|. Matches are whole-word and
// case-insensitive. It returns the byte offset and the matched word.
func findTopLevel(sql string, from int, words ...string) (int, string) {
	var depth int
	var quote byte

	for i := 0; i < len(sql); i++ {
		var c = sql[i]
		if quote != 0 {
			switch {
			case c == '\\' && quote == '\'':
				i++
			case c == quote:
				if quote == '\'' && i+1 < len(sql) && sql[i+1] == '\'' {
					i++
				} else {
					quote = 0
				}
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		default:
			if depth == 0 && i >= from && isWordStart(sql, i) {
				for _, w := range words {
					if matchWord(sql, i, w) {
						return i, w
					}
				}
			}
		}
	}
	return -1, ""
}

// indexTopLevelParen returns the offset of the first '(' at depth zero
// outside quotes, or -1.
func indexTopLevelParen(sql string) int {
	var quote byte
	for i := 0; i < len(sql); i++ {
		var c = sql[i]
		if quote != 0 {
			switch {
			case c == '\\' && quote == '\'':
				i++
			case c == quote:
				if quote == '\'' && i+1 < len(sql) && sql[i+1] == '\'' {
					i++
				} else {
					quote = 0
				}
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '(':
			return i
		}
	}
	return -1
}

// matchParen returns the offset of the ')' closing the '(' at |open|.
func matchParen(sql string, open int) int {
	var depth int
	var quote byte
	for i := open; i < len(sql); i++ {
		var c = sql[i]
		if quote != 0 {
			switch {
			case c == '\\' && quote == '\'':
				i++
			case c == quote:
				if quote == '\'' && i+1 < len(sql) && sql[i+1] == '\'' {
					i++
				} else {
					quote = 0
				}
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func isWordStart(sql string, i int) bool {
	if !isIdentByte(sql[i]) {
		return false
	}
	return i == 0 || !isIdentByte(sql[i-1])
}

func matchWord(sql string, i int, word string) bool {
	if i+len(word) > len(sql) {
		return false
	}
	if !strings.EqualFold(sql[i:i+len(word)], word) {
		return false
	}
	return i+len(word) == len(sql) || !isIdentByte(sql[i+len(word)])
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
