// Package sqlparse parses the narrow SQL dialect MoonBot emits for its
// Orders table: INSERT INTO Orders (...) VALUES (...), UPDATE Orders SET
// ... WHERE [ID]=N, DELETE FROM Orders WHERE [ID]=N. It is a purpose-built
// tokenizer, not a general SQL engine.
package sqlparse

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Op int

const (
	OpInsert Op = iota + 1
	OpUpdate
	OpDelete
)

func (op Op) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

var (
	ErrNotOrders    = errors.New("sqlparse: statement does not target Orders")
	ErrUnrecognized = errors.New("sqlparse: unrecognized statement shape")
)

// Assignment is one column/value pair in statement order. Raw keeps the
// original value token (quotes included) for lenient typed parsing later.
type Assignment struct {
	Column string
	Raw    string
}

// Statement is a tokenized Orders statement.
type Statement struct {
	Op      Op
	Columns []Assignment
	WhereID *int64

	index map[string]int
}

// Get returns the raw value for a column, case-insensitively.
func (s *Statement) Get(col string) (string, bool) {
	i, ok := s.index[strings.ToLower(col)]
	if !ok {
		return "", false
	}
	return s.Columns[i].Raw, true
}

// Has reports whether the statement carries the column at all.
func (s *Statement) Has(col string) bool {
	_, ok := s.index[strings.ToLower(col)]
	return ok
}

func (s *Statement) add(col, raw string) {
	col = strings.Trim(strings.TrimSpace(col), "[]")
	if col == "" {
		return
	}
	s.Columns = append(s.Columns, Assignment{Column: col, Raw: strings.TrimSpace(raw)})
	s.index[strings.ToLower(col)] = len(s.Columns) - 1
}

// Parse tokenizes one statement string.
func Parse(sql string) (*Statement, error) {
	trimmed := strings.TrimSpace(sql)
	trimmed = strings.TrimSuffix(trimmed, ";")
	lower := strings.ToLower(trimmed)

	switch {
	case strings.HasPrefix(lower, "insert"):
		return parseInsert(trimmed, lower)
	case strings.HasPrefix(lower, "update"):
		return parseUpdate(trimmed, lower)
	case strings.HasPrefix(lower, "delete"):
		return parseDelete(trimmed, lower)
	}
	return nil, ErrUnrecognized
}

func newStatement(op Op) *Statement {
	return &Statement{Op: op, index: make(map[string]int)}
}

func parseInsert(sql, lower string) (*Statement, error) {
	idx := strings.Index(lower, "into")
	if idx < 0 {
		return nil, ErrUnrecognized
	}
	rest := sql[idx+len("into"):]
	table, rest := nextWord(rest)
	if !strings.EqualFold(table, "orders") {
		return nil, ErrNotOrders
	}

	colsRaw, rest, err := takeParenGroup(rest)
	if err != nil {
		return nil, fmt.Errorf("sqlparse: insert columns: %w", err)
	}
	restLower := strings.ToLower(rest)
	vIdx := strings.Index(restLower, "values")
	if vIdx < 0 {
		return nil, fmt.Errorf("%w: missing VALUES", ErrUnrecognized)
	}
	valsRaw, _, err := takeParenGroup(rest[vIdx+len("values"):])
	if err != nil {
		return nil, fmt.Errorf("sqlparse: insert values: %w", err)
	}

	cols := splitTopLevel(colsRaw)
	vals := splitTopLevel(valsRaw)
	if len(cols) != len(vals) {
		return nil, fmt.Errorf("sqlparse: %d columns but %d values", len(cols), len(vals))
	}

	st := newStatement(OpInsert)
	for i := range cols {
		st.add(cols[i], vals[i])
	}
	return st, nil
}

func parseUpdate(sql, lower string) (*Statement, error) {
	rest := sql[len("update"):]
	table, rest := nextWord(rest)
	if !strings.EqualFold(table, "orders") {
		return nil, ErrNotOrders
	}

	restLower := strings.ToLower(rest)
	setIdx := strings.Index(restLower, "set")
	if setIdx < 0 {
		return nil, fmt.Errorf("%w: missing SET", ErrUnrecognized)
	}
	body := rest[setIdx+len("set"):]

	assignsPart := body
	wherePart := ""
	if wIdx := indexKeywordTopLevel(body, "where"); wIdx >= 0 {
		assignsPart = body[:wIdx]
		wherePart = body[wIdx+len("where"):]
	}

	st := newStatement(OpUpdate)
	for _, assign := range splitTopLevel(assignsPart) {
		eq := indexTopLevel(assign, '=')
		if eq < 0 {
			continue
		}
		st.add(assign[:eq], assign[eq+1:])
	}

	if wherePart != "" {
		if id, ok := parseWhereID(wherePart); ok {
			st.WhereID = &id
		}
	}
	return st, nil
}

func parseDelete(sql, lower string) (*Statement, error) {
	idx := strings.Index(lower, "from")
	if idx < 0 {
		return nil, ErrUnrecognized
	}
	rest := sql[idx+len("from"):]
	table, rest := nextWord(rest)
	if !strings.EqualFold(table, "orders") {
		return nil, ErrNotOrders
	}

	st := newStatement(OpDelete)
	restLower := strings.ToLower(rest)
	if wIdx := strings.Index(restLower, "where"); wIdx >= 0 {
		if id, ok := parseWhereID(rest[wIdx+len("where"):]); ok {
			st.WhereID = &id
		}
	}
	return st, nil
}

// parseWhereID extracts N from "[ID]=N" (brackets optional).
func parseWhereID(where string) (int64, bool) {
	eq := strings.IndexByte(where, '=')
	if eq < 0 {
		return 0, false
	}
	col := strings.Trim(strings.TrimSpace(where[:eq]), "[]")
	if !strings.EqualFold(col, "id") {
		return 0, false
	}
	val, _ := nextWord(where[eq+1:])
	id, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// nextWord pops the first whitespace-delimited word.
func nextWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r' || s[i] == '(' {
			return s[:i], s[i:]
		}
	}
	return s, ""
}

// takeParenGroup consumes the next balanced (...) group, respecting
// quoted strings, and returns its inner text plus the remainder.
func takeParenGroup(s string) (string, string, error) {
	start := strings.IndexByte(s, '(')
	if start < 0 {
		return "", "", errors.New("missing opening parenthesis")
	}
	depth := 0
	inQuote := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inQuote {
			if c == '\\' {
				i++
			} else if c == '\'' {
				inQuote = false
			}
			continue
		}
		switch c {
		case '\'':
			inQuote = true
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return s[start+1 : i], s[i+1:], nil
			}
		}
	}
	return "", "", errors.New("unbalanced parentheses")
}

// splitTopLevel splits on commas outside quotes and parentheses.
func splitTopLevel(s string) []string {
	var parts []string
	depth := 0
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inQuote {
			if c == '\\' {
				i++
			} else if c == '\'' {
				inQuote = false
			}
			continue
		}
		switch c {
		case '\'':
			inQuote = true
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				if p := strings.TrimSpace(s[start:i]); p != "" {
					parts = append(parts, p)
				}
				start = i + 1
			}
		}
	}
	if p := strings.TrimSpace(s[start:]); p != "" {
		parts = append(parts, p)
	}
	return parts
}

// indexTopLevel finds the first occurrence of c outside quotes and parens.
func indexTopLevel(s string, c byte) int {
	depth := 0
	inQuote := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inQuote {
			if ch == '\\' {
				i++
			} else if ch == '\'' {
				inQuote = false
			}
			continue
		}
		switch ch {
		case '\'':
			inQuote = true
		case '(':
			depth++
		case ')':
			depth--
		default:
			if ch == c && depth == 0 {
				return i
			}
		}
	}
	return -1
}

// indexKeywordTopLevel finds a case-insensitive keyword outside quotes.
func indexKeywordTopLevel(s, keyword string) int {
	lower := strings.ToLower(s)
	inQuote := false
	for i := 0; i+len(keyword) <= len(s); i++ {
		c := s[i]
		if inQuote {
			if c == '\\' {
				i++
			} else if c == '\'' {
				inQuote = false
			}
			continue
		}
		if c == '\'' {
			inQuote = true
			continue
		}
		if lower[i:i+len(keyword)] == keyword &&
			(i == 0 || isSpace(lower[i-1])) &&
			(i+len(keyword) == len(s) || isSpace(lower[i+len(keyword)]) || lower[i+len(keyword)] == '[') {
			return i
		}
	}
	return -1
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
