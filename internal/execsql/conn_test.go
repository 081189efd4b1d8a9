package execsql

import (
	"context"
	"errors"
	"testing"

	"ormcore/pkg/executor"
	"ormcore/pkg/expr"
	"ormcore/pkg/ormerr"
)

func openTestConn(t *testing.T) *Conn {
	t.Helper()
	conn, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	ddl := []string{
		`CREATE TABLE users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE addresses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER REFERENCES users(id),
			city TEXT NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := conn.DB().Exec(stmt); err != nil {
			t.Fatalf("ddl: %v", err)
		}
	}
	return conn
}

func TestInsertReturningRoundTrip(t *testing.T) {
	conn := openTestConn(t)
	ctx := context.Background()

	generated, err := conn.Insert(ctx, executor.InsertStatement{
		Table: "users",
		Rows: []executor.Row{
			{"name": "ada"},
			{"name": "grace"},
		},
		Returning: []string{"id"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(generated) != 2 {
		t.Fatalf("generated = %v", generated)
	}
	if generated[0]["id"] == nil || generated[1]["id"] == nil {
		t.Fatalf("missing generated keys: %v", generated)
	}

	rows, err := conn.Select(ctx, executor.SelectStatement{
		Table:   "users",
		Columns: []executor.ColumnSel{{Column: "id"}, {Column: "name"}},
		OrderBy: []executor.Ordering{{Column: "id"}},
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	got, err := executor.Collect(rows)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0]["name"] != "ada" || got[1]["name"] != "grace" {
		t.Fatalf("rows = %v", got)
	}
}

func TestJoinedSelectWithAliases(t *testing.T) {
	conn := openTestConn(t)
	ctx := context.Background()

	if _, err := conn.Insert(ctx, executor.InsertStatement{
		Table: "users",
		Rows:  []executor.Row{{"id": int64(1), "name": "ada"}},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Insert(ctx, executor.InsertStatement{
		Table: "addresses",
		Rows: []executor.Row{
			{"id": int64(10), "user_id": int64(1), "city": "london"},
			{"id": int64(11), "user_id": nil, "city": "nowhere"},
		},
	}); err != nil {
		t.Fatal(err)
	}

	rows, err := conn.Select(ctx, executor.SelectStatement{
		Table:   "users",
		Columns: []executor.ColumnSel{{Column: "name"}, {Alias: "a", Column: "city", As: "a_city"}},
		Joins: []executor.Join{{
			Table: "addresses",
			Alias: "a",
			On:    expr.EqCols(expr.AliasedCol("a", "user_id"), expr.Col("id")),
		}},
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	got, err := executor.Collect(rows)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0]["a_city"] != "london" {
		t.Fatalf("rows = %v", got)
	}
}

func TestUpdateDeleteAffectedCounts(t *testing.T) {
	conn := openTestConn(t)
	ctx := context.Background()

	if _, err := conn.Insert(ctx, executor.InsertStatement{
		Table: "users",
		Rows: []executor.Row{
			{"id": int64(1), "name": "ada"},
			{"id": int64(2), "name": "grace"},
		},
	}); err != nil {
		t.Fatal(err)
	}

	n, err := conn.Update(ctx, executor.UpdateStatement{
		Table: "users",
		Set:   executor.Row{"name": "augusta"},
		Where: expr.Eq(expr.Col("id"), int64(1)),
	})
	if err != nil || n != 1 {
		t.Fatalf("update affected = %d, err = %v", n, err)
	}

	n, err = conn.Update(ctx, executor.UpdateStatement{
		Table: "users",
		Set:   executor.Row{"name": "nobody"},
		Where: expr.Eq(expr.Col("id"), int64(99)),
	})
	if err != nil || n != 0 {
		t.Fatalf("no-match update affected = %d, err = %v", n, err)
	}

	n, err = conn.Delete(ctx, executor.DeleteStatement{
		Table: "users",
		Where: expr.InValues(expr.Col("id"), int64(1), int64(2)),
	})
	if err != nil || n != 2 {
		t.Fatalf("delete affected = %d, err = %v", n, err)
	}
}

func TestTransactionRollback(t *testing.T) {
	conn := openTestConn(t)
	ctx := context.Background()

	if err := conn.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	if err := conn.Begin(ctx); err == nil {
		t.Fatal("nested Begin should fail")
	}
	if _, err := conn.Insert(ctx, executor.InsertStatement{
		Table: "users",
		Rows:  []executor.Row{{"id": int64(1), "name": "ada"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := conn.Rollback(ctx); err != nil {
		t.Fatal(err)
	}

	rows, err := conn.Select(ctx, executor.SelectStatement{
		Table:   "users",
		Columns: []executor.ColumnSel{{Column: "id"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := executor.Collect(rows)
	if len(got) != 0 {
		t.Fatalf("rows after rollback = %v", got)
	}
}

func TestTransactionCommit(t *testing.T) {
	conn := openTestConn(t)
	ctx := context.Background()

	if err := conn.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Insert(ctx, executor.InsertStatement{
		Table: "users",
		Rows:  []executor.Row{{"id": int64(1), "name": "ada"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := conn.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	rows, err := conn.Select(ctx, executor.SelectStatement{
		Table:   "users",
		Columns: []executor.ColumnSel{{Column: "name"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := executor.Collect(rows)
	if len(got) != 1 || got[0]["name"] != "ada" {
		t.Fatalf("rows after commit = %v", got)
	}
}

func TestStatementErrorWrapsFailure(t *testing.T) {
	conn := openTestConn(t)
	_, err := conn.Select(context.Background(), executor.SelectStatement{
		Table:   "missing_table",
		Columns: []executor.ColumnSel{{Column: "id"}},
	})
	if err == nil {
		t.Fatal("select from a missing table should fail")
	}
	var stmtErr ormerr.StatementError
	if !errors.As(err, &stmtErr) {
		t.Fatalf("err = %v", err)
	}
	if stmtErr.Table != "missing_table" || stmtErr.Kind != "select" {
		t.Fatalf("table = %q, kind = %q", stmtErr.Table, stmtErr.Kind)
	}
}
