// Package execmem is the in-memory executor: tables are row slices, joins are
// nested loops, and transactions snapshot whole-table state. It backs tests
// and small tools; the SQL executors handle real storage.
package execmem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"ormcore/pkg/executor"
	"ormcore/pkg/expr"
)

// StatementRecord is one executed statement, retained for inspection.
type StatementRecord struct {
	Kind  string
	Table string
	ID    string
}

// Conn is an in-memory executor.Conn. Safe for concurrent use, though a
// session drives it from one goroutine.
type Conn struct {
	mu       sync.Mutex
	tables   map[string][]executor.Row
	autoincr map[string]int64
	snapshot map[string][]executor.Row
	inTx     bool
	log      []StatementRecord

	failKind  string
	failTable string
	failErr   error
}

// New returns an empty in-memory connection.
func New() *Conn {
	return &Conn{
		tables:   make(map[string][]executor.Row),
		autoincr: make(map[string]int64),
	}
}

// Seed inserts rows into a table directly, bypassing the statement log. Test
// fixtures load through here.
func (c *Conn) Seed(table string, rows ...executor.Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, row := range rows {
		c.tables[table] = append(c.tables[table], cloneRow(row))
	}
}

// TableRows returns a deep copy of a table's rows.
func (c *Conn) TableRows(table string) []executor.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]executor.Row, 0, len(c.tables[table]))
	for _, row := range c.tables[table] {
		out = append(out, cloneRow(row))
	}
	return out
}

// Statements returns the executed statement log.
func (c *Conn) Statements() []StatementRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StatementRecord(nil), c.log...)
}

// ResetStatements clears the statement log.
func (c *Conn) ResetStatements() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = nil
}

// FailNext arranges for the next statement of the given kind against table to
// fail with err. The failure fires once.
func (c *Conn) FailNext(kind, table string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failKind, c.failTable, c.failErr = kind, table, err
}

func (c *Conn) takeFailure(kind, table string) error {
	if c.failErr == nil || c.failKind != kind || c.failTable != table {
		return nil
	}
	err := c.failErr
	c.failErr = nil
	return err
}

// CountStatements returns how many logged statements have the given kind.
func (c *Conn) CountStatements(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, rec := range c.log {
		if rec.Kind == kind {
			n++
		}
	}
	return n
}

// Begin implements executor.Conn by snapshotting every table.
func (c *Conn) Begin(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inTx {
		return fmt.Errorf("execmem: transaction already open")
	}
	c.snapshot = make(map[string][]executor.Row, len(c.tables))
	for name, rows := range c.tables {
		cp := make([]executor.Row, len(rows))
		for i, row := range rows {
			cp[i] = cloneRow(row)
		}
		c.snapshot[name] = cp
	}
	c.inTx = true
	return nil
}

// Commit implements executor.Conn.
func (c *Conn) Commit(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inTx {
		return fmt.Errorf("execmem: no open transaction")
	}
	c.snapshot = nil
	c.inTx = false
	return nil
}

// Rollback implements executor.Conn by restoring the snapshot.
func (c *Conn) Rollback(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inTx {
		return fmt.Errorf("execmem: no open transaction")
	}
	c.tables = c.snapshot
	c.snapshot = nil
	c.inTx = false
	return nil
}

// Close implements executor.Conn.
func (c *Conn) Close() error { return nil }

// Select implements executor.Executor with nested-loop joins.
func (c *Conn) Select(_ context.Context, stmt executor.SelectStatement) (executor.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, StatementRecord{Kind: "select", Table: stmt.Table, ID: stmt.ID})
	if err := c.takeFailure("select", stmt.Table); err != nil {
		return nil, err
	}

	envs := make([]rowEnv, 0, len(c.tables[stmt.Table]))
	for _, row := range c.tables[stmt.Table] {
		envs = append(envs, rowEnv{"": row})
	}

	for _, j := range stmt.Joins {
		var next []rowEnv
		for _, env := range envs {
			matched := false
			for _, row := range c.tables[j.Table] {
				candidate := env.with(j.Alias, row)
				ok, err := evalPred(j.On, candidate)
				if err != nil {
					return nil, err
				}
				if ok {
					matched = true
					next = append(next, candidate)
				}
			}
			if !matched && j.Outer {
				next = append(next, env.with(j.Alias, nil))
			}
		}
		envs = next
	}

	var filtered []rowEnv
	for _, env := range envs {
		ok, err := evalPred(stmt.Where, env)
		if err != nil {
			return nil, err
		}
		if ok {
			filtered = append(filtered, env)
		}
	}

	if len(stmt.OrderBy) > 0 {
		sort.SliceStable(filtered, func(i, j int) bool {
			for _, ord := range stmt.OrderBy {
				a := filtered[i].lookup(ord.Alias, ord.Column)
				b := filtered[j].lookup(ord.Alias, ord.Column)
				cmp := compareValues(a, b)
				if cmp == 0 {
					continue
				}
				if ord.Descending {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}

	out := make([]executor.Row, 0, len(filtered))
	for _, env := range filtered {
		if stmt.Limit > 0 && len(out) >= stmt.Limit {
			break
		}
		row := executor.Row{}
		for _, sel := range stmt.Columns {
			row[sel.Label()] = env.lookup(sel.Alias, sel.Column)
		}
		out = append(out, row)
	}
	return executor.NewSliceRows(out), nil
}

// Insert implements executor.Executor, assigning autoincrement values for
// requested returning columns that the rows omit.
func (c *Conn) Insert(_ context.Context, stmt executor.InsertStatement) ([]executor.Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, StatementRecord{Kind: "insert", Table: stmt.Table, ID: stmt.ID})
	if err := c.takeFailure("insert", stmt.Table); err != nil {
		return nil, err
	}

	generated := make([]executor.Row, 0, len(stmt.Rows))
	for _, row := range stmt.Rows {
		stored := cloneRow(row)
		gen := executor.Row{}
		for _, col := range stmt.Returning {
			if v, ok := stored[col]; ok && v != nil {
				gen[col] = v
				continue
			}
			c.autoincr[stmt.Table]++
			stored[col] = c.autoincr[stmt.Table]
			gen[col] = stored[col]
		}
		c.tables[stmt.Table] = append(c.tables[stmt.Table], stored)
		generated = append(generated, gen)
	}
	return generated, nil
}

// Update implements executor.Executor.
func (c *Conn) Update(_ context.Context, stmt executor.UpdateStatement) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, StatementRecord{Kind: "update", Table: stmt.Table, ID: stmt.ID})
	if err := c.takeFailure("update", stmt.Table); err != nil {
		return 0, err
	}

	var affected int64
	for _, row := range c.tables[stmt.Table] {
		ok, err := evalPred(stmt.Where, rowEnv{"": row})
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		for col, v := range stmt.Set {
			row[col] = v
		}
		affected++
	}
	return affected, nil
}

// Delete implements executor.Executor.
func (c *Conn) Delete(_ context.Context, stmt executor.DeleteStatement) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, StatementRecord{Kind: "delete", Table: stmt.Table, ID: stmt.ID})
	if err := c.takeFailure("delete", stmt.Table); err != nil {
		return 0, err
	}

	rows := c.tables[stmt.Table]
	kept := rows[:0]
	var affected int64
	for _, row := range rows {
		ok, err := evalPred(stmt.Where, rowEnv{"": row})
		if err != nil {
			return 0, err
		}
		if ok {
			affected++
			continue
		}
		kept = append(kept, row)
	}
	c.tables[stmt.Table] = kept
	return affected, nil
}

// rowEnv scopes rows by table alias during evaluation. A nil row (outer join
// miss) resolves every column to nil.
type rowEnv map[string]executor.Row

func (e rowEnv) with(alias string, row executor.Row) rowEnv {
	next := make(rowEnv, len(e)+1)
	for k, v := range e {
		next[k] = v
	}
	next[alias] = row
	return next
}

func (e rowEnv) lookup(alias, column string) any {
	row, ok := e[alias]
	if !ok || row == nil {
		return nil
	}
	return row[column]
}

// evalPred evaluates a predicate tree against one environment. A nil
// predicate is true.
func evalPred(n expr.Node, env rowEnv) (bool, error) {
	switch t := n.(type) {
	case nil:
		return true, nil
	case expr.Comparison:
		return evalComparison(t, env)
	case expr.And:
		for _, p := range t.Preds {
			ok, err := evalPred(p, env)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case expr.Or:
		for _, p := range t.Preds {
			ok, err := evalPred(p, env)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case expr.Not:
		ok, err := evalPred(t.Pred, env)
		return !ok, err
	default:
		return false, fmt.Errorf("execmem: unsupported predicate node %T", n)
	}
}

func evalComparison(cmp expr.Comparison, env rowEnv) (bool, error) {
	left := env.lookup(cmp.Left.Alias, cmp.Left.Column)
	switch cmp.Op {
	case expr.OpIsNull:
		return left == nil, nil
	case expr.OpIn:
		list, ok := cmp.Right.(expr.List)
		if !ok {
			return false, fmt.Errorf("execmem: IN requires a value list")
		}
		if left == nil {
			return false, nil
		}
		for _, v := range list.Values {
			if v != nil && compareValues(left, v) == 0 {
				return true, nil
			}
		}
		return false, nil
	}
	right, err := operandValue(cmp.Right, env)
	if err != nil {
		return false, err
	}
	// SQL three-valued logic collapses to false on NULL operands.
	if left == nil || right == nil {
		return false, nil
	}
	switch cmp.Op {
	case expr.OpEq:
		return compareValues(left, right) == 0, nil
	case expr.OpNe:
		return compareValues(left, right) != 0, nil
	case expr.OpGt:
		return compareValues(left, right) > 0, nil
	case expr.OpGte:
		return compareValues(left, right) >= 0, nil
	case expr.OpLt:
		return compareValues(left, right) < 0, nil
	case expr.OpLte:
		return compareValues(left, right) <= 0, nil
	case expr.OpLike:
		s, ok := left.(string)
		pat, ok2 := right.(string)
		if !ok || !ok2 {
			return false, nil
		}
		return matchLike(s, pat), nil
	default:
		return false, fmt.Errorf("execmem: unsupported operator %q", cmp.Op)
	}
}

func operandValue(n expr.Node, env rowEnv) (any, error) {
	switch t := n.(type) {
	case expr.Value:
		return t.V, nil
	case expr.ColumnRef:
		return env.lookup(t.Alias, t.Column), nil
	case expr.Param:
		return nil, fmt.Errorf("execmem: unbound parameter %q", t.Name)
	default:
		return nil, fmt.Errorf("execmem: unsupported operand %T", n)
	}
}

// compareValues orders two non-nil scalars, coercing numeric types. Nil sorts
// before everything.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// matchLike implements SQL LIKE with % and _ wildcards.
func matchLike(s, pattern string) bool {
	return likeMatch([]rune(s), []rune(pattern))
}

func likeMatch(s, p []rune) bool {
	if len(p) == 0 {
		return len(s) == 0
	}
	switch p[0] {
	case '%':
		for i := 0; i <= len(s); i++ {
			if likeMatch(s[i:], p[1:]) {
				return true
			}
		}
		return false
	case '_':
		return len(s) > 0 && likeMatch(s[1:], p[1:])
	default:
		return len(s) > 0 && s[0] == p[0] && likeMatch(s[1:], p[1:])
	}
}

func cloneRow(row executor.Row) executor.Row {
	cp := make(executor.Row, len(row))
	for k, v := range row {
		cp[k] = v
	}
	return cp
}
