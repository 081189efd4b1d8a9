// Package execsql executes abstract statements against a database/sql
// connection, rendering SQL through sqlbuild. One Conn wraps one *sql.DB and
// carries at most one open transaction, matching the session's single-writer
// contract.
package execsql

import (
	"context"
	"database/sql"
	"fmt"

	"ormcore/internal/sqlbuild"
	"ormcore/pkg/executor"
	"ormcore/pkg/ormerr"
)

// Conn implements executor.Conn over database/sql.
type Conn struct {
	db      *sql.DB
	dialect sqlbuild.Dialect
	tx      *sql.Tx
}

// NewConn wraps an open database handle with a rendering dialect.
func NewConn(db *sql.DB, dialect sqlbuild.Dialect) *Conn {
	return &Conn{db: db, dialect: dialect}
}

// DB exposes the underlying handle for schema setup in tests.
func (c *Conn) DB() *sql.DB { return c.db }

func (c *Conn) queryer() interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
} {
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

// Begin opens the connection's transaction.
func (c *Conn) Begin(ctx context.Context) error {
	if c.tx != nil {
		return fmt.Errorf("transaction already open")
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

// Commit commits the open transaction.
func (c *Conn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Commit()
	c.tx = nil
	return err
}

// Rollback abandons the open transaction.
func (c *Conn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback()
	c.tx = nil
	return err
}

// Close releases the database handle, rolling back any open transaction.
func (c *Conn) Close() error {
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	return c.db.Close()
}

// Select renders and runs a read, materializing the full result set.
func (c *Conn) Select(ctx context.Context, stmt executor.SelectStatement) (executor.Rows, error) {
	rendered, err := c.dialect.Select(stmt)
	if err != nil {
		return nil, ormerr.StatementError{Table: stmt.Table, Kind: "select", Err: err}
	}
	rows, err := c.queryer().QueryContext(ctx, rendered.SQL, rendered.Args...)
	if err != nil {
		return nil, ormerr.StatementError{Table: stmt.Table, Kind: "select", Err: err}
	}
	out, err := collectRows(rows)
	if err != nil {
		return nil, ormerr.StatementError{Table: stmt.Table, Kind: "select", Err: err}
	}
	return executor.NewSliceRows(out), nil
}

// Insert renders and runs an insert, reading generated values back through
// RETURNING when the statement asks for them.
func (c *Conn) Insert(ctx context.Context, stmt executor.InsertStatement) ([]executor.Row, error) {
	rendered, err := c.dialect.Insert(stmt)
	if err != nil {
		return nil, ormerr.StatementError{Table: stmt.Table, Kind: "insert", Err: err}
	}
	if len(stmt.Returning) == 0 {
		if _, err := c.queryer().ExecContext(ctx, rendered.SQL, rendered.Args...); err != nil {
			return nil, ormerr.StatementError{Table: stmt.Table, Kind: "insert", Err: err}
		}
		return nil, nil
	}
	rows, err := c.queryer().QueryContext(ctx, rendered.SQL, rendered.Args...)
	if err != nil {
		return nil, ormerr.StatementError{Table: stmt.Table, Kind: "insert", Err: err}
	}
	out, err := collectRows(rows)
	if err != nil {
		return nil, ormerr.StatementError{Table: stmt.Table, Kind: "insert", Err: err}
	}
	if len(out) != len(stmt.Rows) {
		return nil, ormerr.StatementError{Table: stmt.Table, Kind: "insert",
			Err: fmt.Errorf("expected %d returned rows, got %d", len(stmt.Rows), len(out))}
	}
	return out, nil
}

// Update renders and runs an update, returning the affected-row count.
func (c *Conn) Update(ctx context.Context, stmt executor.UpdateStatement) (int64, error) {
	rendered, err := c.dialect.Update(stmt)
	if err != nil {
		return 0, ormerr.StatementError{Table: stmt.Table, Kind: "update", Err: err}
	}
	res, err := c.queryer().ExecContext(ctx, rendered.SQL, rendered.Args...)
	if err != nil {
		return 0, ormerr.StatementError{Table: stmt.Table, Kind: "update", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ormerr.StatementError{Table: stmt.Table, Kind: "update", Err: err}
	}
	return n, nil
}

// Delete renders and runs a delete, returning the affected-row count.
func (c *Conn) Delete(ctx context.Context, stmt executor.DeleteStatement) (int64, error) {
	rendered, err := c.dialect.Delete(stmt)
	if err != nil {
		return 0, ormerr.StatementError{Table: stmt.Table, Kind: "delete", Err: err}
	}
	res, err := c.queryer().ExecContext(ctx, rendered.SQL, rendered.Args...)
	if err != nil {
		return 0, ormerr.StatementError{Table: stmt.Table, Kind: "delete", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ormerr.StatementError{Table: stmt.Table, Kind: "delete", Err: err}
	}
	return n, nil
}

func collectRows(rows *sql.Rows) ([]executor.Row, error) {
	defer func() { _ = rows.Close() }()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []executor.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(executor.Row, len(cols))
		for i, col := range cols {
			row[col] = normalize(vals[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// normalize converts driver byte slices to strings so values compare cleanly
// with what the engine wrote.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
