// Package classify inspects SQL statement text: its verb class, the primary
// table, whether it mutates, and any leading consistency-hint directive of
// the form `/*+ strong */`, `/*+ bounded 1500 */` or `/*+ weak */`.
package classify

import (
	"strconv"
	"strings"

	"github.com/workersql/workersql/protocol"
)

// Kind is a statement's verb class.
type Kind string

const (
	Select Kind = "SELECT"
	Insert Kind = "INSERT"
	Update Kind = "UPDATE"
	Delete Kind = "DELETE"
	DDL    Kind = "DDL"
	// Other marks statements the gateway refuses to route.
	Other Kind = "OTHER"
)

// Statement is the classification of one statement.
type Statement struct {
	Kind       Kind
	Table      string
	IsMutation bool
	Hint       protocol.Consistency
	// BoundedMs is a caller freshness override from `/*+ bounded N */`.
	BoundedMs int64
	// ReplayUnsafe marks DDL which cannot be re-applied verbatim:
	// CREATE TABLE without IF NOT EXISTS, or DROP TABLE without IF EXISTS.
	ReplayUnsafe bool
}

// IsDML reports whether the statement is a row mutation (INSERT, UPDATE,
// or DELETE), the only classes accepted in mutation batches.
func (s Statement) IsDML() bool {
	switch s.Kind {
	case Insert, Update, Delete:
		return true
	default:
		return false
	}
}

// Classify parses statement text. It never fails: unrecognized or
// unsupported statements classify as Other, and callers refuse to route
// those.
func Classify(sql string) Statement {
	var rest, hint, boundedMs = stripLeadingComments(sql)
	var stmt = Statement{Kind: Other, Hint: hint, BoundedMs: boundedMs}

	var tokens = tokenize(rest)
	if len(tokens) == 0 {
		return stmt
	}

	switch tokens[0] {
	case "SELECT":
		stmt.Kind = Select
		stmt.Table = tableAfter(tokens, "FROM")
	case "INSERT", "REPLACE":
		// REPLACE INTO is MySQL's upsert form of INSERT.
		stmt.Kind = Insert
		stmt.IsMutation = true
		stmt.Table = tableAfter(tokens, "INTO")
	case "UPDATE":
		stmt.Kind = Update
		stmt.IsMutation = true
		if len(tokens) > 1 {
			stmt.Table = cleanIdent(tokens[1])
		}
	case "DELETE":
		stmt.Kind = Delete
		stmt.IsMutation = true
		stmt.Table = tableAfter(tokens, "FROM")
	case "CREATE", "ALTER", "DROP", "TRUNCATE":
		stmt.Kind = DDL
		stmt.IsMutation = true
		stmt.Table = ddlTable(tokens)
		stmt.ReplayUnsafe = ddlReplayUnsafe(tokens)
	}
	return stmt
}

// stripLeadingComments removes leading block and line comments, returning
// the first hint directive found among them.
func stripLeadingComments(sql string) (string, protocol.Consistency, int64) {
	var hint = protocol.Default
	var boundedMs int64

	var s = strings.TrimSpace(sql)
	for {
		switch {
		case strings.HasPrefix(s, "/*"):
			var end = strings.Index(s, "*/")
			if end < 0 {
				return "", hint, boundedMs // unterminated comment
			}
			var body = s[2:end]
			if hint == protocol.Default && strings.HasPrefix(body, "+") {
				hint, boundedMs = parseDirective(body[1:])
			}
			s = strings.TrimSpace(s[end+2:])
		case strings.HasPrefix(s, "--"):
			var nl = strings.IndexByte(s, '\n')
			if nl < 0 {
				return "", hint, boundedMs
			}
			s = strings.TrimSpace(s[nl+1:])
		default:
			return s, hint, boundedMs
		}
	}
}

func parseDirective(body string) (protocol.Consistency, int64) {
	var fields = strings.Fields(strings.ToLower(body))
	if len(fields) == 0 {
		return protocol.Default, 0
	}
	switch fields[0] {
	case "strong":
		return protocol.Strong, 0
	case "weak", "cached":
		return protocol.Cached, 0
	case "bounded":
		var ms int64
		if len(fields) > 1 {
			if n, err := strconv.ParseInt(fields[1], 10, 64); err == nil && n >= 0 {
				ms = n
			}
		}
		return protocol.Bounded, ms
	default:
		// Unknown directives are ignored, not errors.
		return protocol.Default, 0
	}
}

// tokenize upper-cases and splits on whitespace, breaking tokens at '('
// so `users(name)` yields `USERS`.
func tokenize(s string) []string {
	s = strings.ReplaceAll(s, "(", " ( ")
	s = strings.ReplaceAll(s, ")", " ) ")
	s = strings.ReplaceAll(s, ",", " , ")
	s = strings.ReplaceAll(s, ";", " ")

	var fields = strings.Fields(s)
	for i, f := range fields {
		fields[i] = strings.ToUpper(f)
	}
	return fields
}

// tableAfter returns the identifier following the first occurrence of
// |marker|. Identifiers reduce to lower case; cache keys and invalidation
// bases derive from this form.
func tableAfter(tokens []string, marker string) string {
	for i, tok := range tokens {
		if tok == marker && i+1 < len(tokens) {
			return cleanIdent(tokens[i+1])
		}
	}
	return ""
}

func ddlTable(tokens []string) string {
	// CREATE TABLE [IF NOT EXISTS] t | DROP TABLE [IF EXISTS] t |
	// ALTER TABLE t | TRUNCATE [TABLE] t | CREATE [UNIQUE] INDEX i ON t
	for i, tok := range tokens {
		switch tok {
		case "TABLE":
			var j = i + 1
			if j+2 < len(tokens) && tokens[j] == "IF" && tokens[j+1] == "NOT" && tokens[j+2] == "EXISTS" {
				j += 3
			} else if j+1 < len(tokens) && tokens[j] == "IF" && tokens[j+1] == "EXISTS" {
				j += 2
			}
			if j < len(tokens) {
				return cleanIdent(tokens[j])
			}
			return ""
		case "ON":
			if i+1 < len(tokens) {
				return cleanIdent(tokens[i+1])
			}
			return ""
		}
	}
	if tokens[0] == "TRUNCATE" && len(tokens) > 1 {
		return cleanIdent(tokens[1])
	}
	return ""
}

func ddlReplayUnsafe(tokens []string) bool {
	var norm = strings.Join(tokens, " ")
	if strings.HasPrefix(norm, "CREATE TABLE ") {
		return !strings.HasPrefix(norm, "CREATE TABLE IF NOT EXISTS ")
	}
	if strings.HasPrefix(norm, "DROP TABLE ") {
		return !strings.HasPrefix(norm, "DROP TABLE IF EXISTS ")
	}
	return false
}

// cleanIdent strips quoting and anything after a dot-free identifier:
// `users`, "users", schema.users all reduce to a bare lower-case name.
func cleanIdent(tok string) string {
	tok = strings.Trim(tok, "`\"'")
	if i := strings.LastIndexByte(tok, '.'); i >= 0 {
		tok = tok[i+1:]
	}
	return strings.ToLower(tok)
}
