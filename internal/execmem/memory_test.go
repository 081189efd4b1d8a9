package execmem

import (
	"context"
	"errors"
	"testing"

	"ormcore/pkg/executor"
	"ormcore/pkg/expr"
)

func seedUsers(c *Conn) {
	c.Seed("users",
		executor.Row{"id": int64(1), "name": "ada"},
		executor.Row{"id": int64(2), "name": "grace"},
		executor.Row{"id": int64(3), "name": "linus"},
	)
	c.Seed("addresses",
		executor.Row{"id": int64(10), "user_id": int64(1), "city": "london"},
		executor.Row{"id": int64(11), "user_id": int64(1), "city": "paris"},
		executor.Row{"id": int64(12), "user_id": int64(2), "city": "oslo"},
	)
}

func selectAll(t *testing.T, c *Conn, stmt executor.SelectStatement) []executor.Row {
	t.Helper()
	rows, err := c.Select(context.Background(), stmt)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	out, err := executor.Collect(rows)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	return out
}

func TestSelectWhereOrderLimit(t *testing.T) {
	c := New()
	seedUsers(c)

	stmt := executor.SelectStatement{
		Table:   "users",
		Columns: []executor.ColumnSel{{Column: "id"}, {Column: "name"}},
		Where:   expr.Comparison{Left: expr.Col("id"), Op: expr.OpGt, Right: expr.Value{V: int64(1)}},
		OrderBy: []executor.Ordering{{Column: "name", Descending: true}},
		Limit:   1,
	}
	got := selectAll(t, c, stmt)
	if len(got) != 1 || got[0]["name"] != "linus" {
		t.Fatalf("rows = %v", got)
	}
}

func TestInnerAndOuterJoin(t *testing.T) {
	c := New()
	seedUsers(c)

	join := executor.Join{
		Table: "addresses",
		Alias: "a",
		On:    expr.EqCols(expr.AliasedCol("a", "user_id"), expr.Col("id")),
	}
	cols := []executor.ColumnSel{
		{Column: "name"},
		{Alias: "a", Column: "city", As: "a_city"},
	}

	inner := selectAll(t, c, executor.SelectStatement{
		Table: "users", Columns: cols, Joins: []executor.Join{join},
	})
	if len(inner) != 3 {
		t.Fatalf("inner join rows = %d, want 3", len(inner))
	}

	join.Outer = true
	outer := selectAll(t, c, executor.SelectStatement{
		Table: "users", Columns: cols, Joins: []executor.Join{join},
		OrderBy: []executor.Ordering{{Column: "id"}},
	})
	if len(outer) != 4 {
		t.Fatalf("outer join rows = %d, want 4", len(outer))
	}
	last := outer[3]
	if last["name"] != "linus" || last["a_city"] != nil {
		t.Fatalf("outer miss row = %v", last)
	}
}

func TestNullComparisonSemantics(t *testing.T) {
	c := New()
	c.Seed("addresses",
		executor.Row{"id": int64(1), "user_id": nil},
		executor.Row{"id": int64(2), "user_id": int64(5)},
	)

	cases := []struct {
		name  string
		where expr.Node
		want  int
	}{
		{"eq against null column matches nothing", expr.Eq(expr.Col("user_id"), int64(5)), 1},
		{"ne skips null rows", expr.Comparison{Left: expr.Col("user_id"), Op: expr.OpNe, Right: expr.Value{V: int64(5)}}, 0},
		{"is null", expr.IsNull(expr.Col("user_id")), 1},
		{"in skips null rows", expr.InValues(expr.Col("user_id"), int64(5), int64(6)), 1},
		{"not is null", expr.Not{Pred: expr.IsNull(expr.Col("user_id"))}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := selectAll(t, c, executor.SelectStatement{
				Table:   "addresses",
				Columns: []executor.ColumnSel{{Column: "id"}},
				Where:   tc.where,
			})
			if len(got) != tc.want {
				t.Fatalf("rows = %v, want %d", got, tc.want)
			}
		})
	}
}

func TestLikeMatching(t *testing.T) {
	cases := []struct {
		s, pattern string
		want       bool
	}{
		{"london", "lon%", true},
		{"london", "%don", true},
		{"london", "l_ndon", true},
		{"london", "paris", false},
		{"", "%", true},
		{"abc", "a%c", true},
		{"abc", "a_", false},
	}
	for _, tc := range cases {
		if got := matchLike(tc.s, tc.pattern); got != tc.want {
			t.Fatalf("matchLike(%q, %q) = %v", tc.s, tc.pattern, tc.want)
		}
	}
}

func TestInsertAssignsAutoincrement(t *testing.T) {
	c := New()
	gen, err := c.Insert(context.Background(), executor.InsertStatement{
		Table: "users",
		Rows: []executor.Row{
			{"name": "ada"},
			{"id": int64(50), "name": "grace"},
			{"name": "linus"},
		},
		Returning: []string{"id"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(gen) != 3 {
		t.Fatalf("generated = %v", gen)
	}
	if gen[0]["id"] != int64(1) {
		t.Fatalf("first generated id = %v", gen[0]["id"])
	}
	// explicit value passes through untouched
	if gen[1]["id"] != int64(50) {
		t.Fatalf("explicit id = %v", gen[1]["id"])
	}
	if gen[2]["id"] != int64(2) {
		t.Fatalf("third generated id = %v", gen[2]["id"])
	}
	if rows := c.TableRows("users"); len(rows) != 3 {
		t.Fatalf("stored rows = %v", rows)
	}
}

func TestUpdateAndDeleteAffectedCounts(t *testing.T) {
	c := New()
	seedUsers(c)
	ctx := context.Background()

	n, err := c.Update(ctx, executor.UpdateStatement{
		Table: "addresses",
		Set:   executor.Row{"city": "berlin"},
		Where: expr.Eq(expr.Col("user_id"), int64(1)),
	})
	if err != nil || n != 2 {
		t.Fatalf("update affected = %d, err = %v", n, err)
	}
	for _, row := range c.TableRows("addresses") {
		if row["user_id"] == int64(1) && row["city"] != "berlin" {
			t.Fatalf("row not updated: %v", row)
		}
	}

	n, err = c.Delete(ctx, executor.DeleteStatement{
		Table: "addresses",
		Where: expr.Eq(expr.Col("user_id"), int64(1)),
	})
	if err != nil || n != 2 {
		t.Fatalf("delete affected = %d, err = %v", n, err)
	}
	if rows := c.TableRows("addresses"); len(rows) != 1 {
		t.Fatalf("remaining rows = %v", rows)
	}
}

func TestTransactionSnapshotRollback(t *testing.T) {
	c := New()
	seedUsers(c)
	ctx := context.Background()

	if err := c.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Begin(ctx); err == nil {
		t.Fatal("nested Begin should fail")
	}
	if _, err := c.Delete(ctx, executor.DeleteStatement{Table: "users"}); err != nil {
		t.Fatal(err)
	}
	if rows := c.TableRows("users"); len(rows) != 0 {
		t.Fatalf("rows inside tx = %v", rows)
	}
	if err := c.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
	if rows := c.TableRows("users"); len(rows) != 3 {
		t.Fatalf("rows after rollback = %v", rows)
	}
	if err := c.Rollback(ctx); err == nil {
		t.Fatal("Rollback without a transaction should fail")
	}
}

func TestTransactionCommitKeepsChanges(t *testing.T) {
	c := New()
	ctx := context.Background()
	if err := c.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Insert(ctx, executor.InsertStatement{
		Table: "users",
		Rows:  []executor.Row{{"id": int64(1), "name": "ada"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if rows := c.TableRows("users"); len(rows) != 1 {
		t.Fatalf("rows after commit = %v", rows)
	}
	if err := c.Commit(ctx); err == nil {
		t.Fatal("Commit without a transaction should fail")
	}
}

func TestStatementLog(t *testing.T) {
	c := New()
	seedUsers(c)
	ctx := context.Background()

	_, _ = c.Select(ctx, executor.SelectStatement{Table: "users", Columns: []executor.ColumnSel{{Column: "id"}}})
	_, _ = c.Insert(ctx, executor.InsertStatement{Table: "users", Rows: []executor.Row{{"id": int64(9)}}})
	_, _ = c.Update(ctx, executor.UpdateStatement{Table: "users", Set: executor.Row{"name": "x"}})
	_, _ = c.Delete(ctx, executor.DeleteStatement{Table: "users"})

	log := c.Statements()
	if len(log) != 4 {
		t.Fatalf("log = %v", log)
	}
	kinds := []string{"select", "insert", "update", "delete"}
	for i, k := range kinds {
		if log[i].Kind != k || log[i].Table != "users" {
			t.Fatalf("log[%d] = %+v", i, log[i])
		}
		if c.CountStatements(k) != 1 {
			t.Fatalf("CountStatements(%q) = %d", k, c.CountStatements(k))
		}
	}

	c.ResetStatements()
	if len(c.Statements()) != 0 {
		t.Fatal("ResetStatements should clear the log")
	}
}

func TestSeedIsDeepCopied(t *testing.T) {
	c := New()
	row := executor.Row{"id": int64(1), "name": "ada"}
	c.Seed("users", row)
	row["name"] = "mutated"
	if got := c.TableRows("users"); got[0]["name"] != "ada" {
		t.Fatalf("seeded row shares storage: %v", got[0])
	}
}

func TestUnboundParamFails(t *testing.T) {
	c := New()
	seedUsers(c)
	_, err := c.Select(context.Background(), executor.SelectStatement{
		Table:   "users",
		Columns: []executor.ColumnSel{{Column: "id"}},
		Where:   expr.EqParam(expr.Col("id"), "pk"),
	})
	if err == nil {
		t.Fatal("unbound parameter should be rejected")
	}
}

func TestFailNextFiresOnce(t *testing.T) {
	c := New()
	seedUsers(c)
	boom := errors.New("disk full")
	c.FailNext("insert", "users", boom)

	_, err := c.Insert(context.Background(), executor.InsertStatement{Table: "users", Rows: []executor.Row{{"id": int64(4), "name": "kay"}}})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if len(c.TableRows("users")) != 3 {
		t.Fatal("failed insert must not store rows")
	}

	if _, err := c.Insert(context.Background(), executor.InsertStatement{Table: "users", Rows: []executor.Row{{"id": int64(4), "name": "kay"}}}); err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if c.CountStatements("insert") != 2 {
		t.Fatalf("insert statements = %d", c.CountStatements("insert"))
	}
}
