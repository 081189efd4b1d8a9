// Package executor defines the contract between the engine and the layer that
// actually talks to a database. The engine hands an executor abstract
// statements (table, column values, predicate, join graph) and consumes rows
// and affected-row counts back; SQL text generation, drivers and pooling live
// behind this interface.
package executor

import (
	"context"

	"ormcore/pkg/expr"
)

// Row is a single result row keyed by output column label.
type Row map[string]any

// Rows is a forward-only stream of result rows.
type Rows interface {
	// Next advances to the next row, reporting false at the end of the
	// stream or on error.
	Next() bool
	// Row returns the current row. Valid only after a true Next.
	Row() Row
	// Err returns the first error encountered while streaming.
	Err() error
	// Close releases the stream. Safe to call more than once.
	Close() error
}

// ColumnSel selects one output column. Alias scopes the column to a joined
// table; As relabels it in the result row (used by eager loads to keep joined
// columns out of the driving entity's namespace).
type ColumnSel struct {
	Alias  string
	Column string
	As     string
}

// Label returns the key under which the column appears in result rows.
func (c ColumnSel) Label() string {
	if c.As != "" {
		return c.As
	}
	return c.Column
}

// Join describes one joined table in a select's join graph.
type Join struct {
	Table string
	Alias string
	On    expr.Node
	// Outer selects LEFT OUTER JOIN; otherwise INNER JOIN.
	Outer bool
}

// Ordering is one ORDER BY term.
type Ordering struct {
	Alias      string
	Column     string
	Descending bool
}

// SelectStatement is an abstract read. ID correlates the statement through
// logs and metrics.
type SelectStatement struct {
	ID      string
	Table   string
	Alias   string
	Columns []ColumnSel
	Joins   []Join
	Where   expr.Node
	OrderBy []Ordering
	Limit   int
}

// InsertStatement inserts one or more rows into a table. Rows sharing a
// statement must share a column set; the flush engine batches contiguous
// same-table inserts this way. Returning names columns whose database-
// generated values the caller needs back, positionally per inserted row.
type InsertStatement struct {
	ID        string
	Table     string
	Rows      []Row
	Returning []string
}

// UpdateStatement applies Set to rows matching Where.
type UpdateStatement struct {
	ID    string
	Table string
	Set   Row
	Where expr.Node
}

// DeleteStatement removes rows matching Where.
type DeleteStatement struct {
	ID    string
	Table string
	Where expr.Node
}

// Executor accepts abstract statements and returns rows and row counts. Every
// call is a potential blocking point; implementations must preserve statement
// order on the same underlying connection.
type Executor interface {
	Select(ctx context.Context, stmt SelectStatement) (Rows, error)
	// Insert returns generated key values for each inserted row when the
	// statement requests Returning columns, in insertion order.
	Insert(ctx context.Context, stmt InsertStatement) ([]Row, error)
	// Update returns the number of rows affected so the caller can detect
	// zero-row updates for optimistic version checks.
	Update(ctx context.Context, stmt UpdateStatement) (int64, error)
	Delete(ctx context.Context, stmt DeleteStatement) (int64, error)
}

// Conn is an executor bound to a single connection with transaction control.
// A session checks a Conn out for the duration of its transaction; it must
// not be shared across concurrent flushes.
type Conn interface {
	Executor
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close() error
}

// SliceRows adapts an in-memory row slice to the Rows stream.
type SliceRows struct {
	rows []Row
	idx  int
	err  error
}

// NewSliceRows wraps rows in a stream.
func NewSliceRows(rows []Row) *SliceRows {
	return &SliceRows{rows: rows, idx: -1}
}

// Next implements Rows.
func (s *SliceRows) Next() bool {
	if s.idx+1 >= len(s.rows) {
		return false
	}
	s.idx++
	return true
}

// Row implements Rows.
func (s *SliceRows) Row() Row { return s.rows[s.idx] }

// Err implements Rows.
func (s *SliceRows) Err() error { return s.err }

// Close implements Rows.
func (s *SliceRows) Close() error { return nil }

// Collect drains a stream into a slice, closing it.
func Collect(rows Rows) ([]Row, error) {
	defer func() { _ = rows.Close() }()
	var out []Row
	for rows.Next() {
		out = append(out, rows.Row())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
