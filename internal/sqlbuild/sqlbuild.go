// Package sqlbuild renders abstract statements to SQL text. It is the only
// place SQL strings are assembled; identifiers are always quoted and every
// value travels as a bind argument.
package sqlbuild

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"ormcore/pkg/executor"
	"ormcore/pkg/expr"
)

// Dialect captures the differences between supported databases.
type Dialect struct {
	// Positional selects $1-style placeholders; otherwise ?.
	Positional bool
}

// SQLite returns the sqlite dialect.
func SQLite() Dialect { return Dialect{} }

// Postgres returns the postgres dialect.
func Postgres() Dialect { return Dialect{Positional: true} }

// Statement is rendered SQL with its bind arguments in placeholder order.
type Statement struct {
	SQL  string
	Args []any
}

type builder struct {
	d    Dialect
	sb   strings.Builder
	args []any
	// base qualifies unaliased column references.
	base string
}

func (b *builder) write(s string) { b.sb.WriteString(s) }

func (b *builder) placeholder(v any) {
	b.args = append(b.args, v)
	if b.d.Positional {
		b.write("$" + strconv.Itoa(len(b.args)))
		return
	}
	b.write("?")
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (b *builder) column(ref expr.ColumnRef) {
	alias := ref.Alias
	if alias == "" {
		alias = b.base
	}
	if alias != "" {
		b.write(quote(alias))
		b.write(".")
	}
	b.write(quote(ref.Column))
}

// Select renders a SELECT with its join graph, ordering and limit.
func (d Dialect) Select(stmt executor.SelectStatement) (Statement, error) {
	b := &builder{d: d, base: stmt.Table}
	if stmt.Alias != "" {
		b.base = stmt.Alias
	}
	b.write("SELECT ")
	for i, sel := range stmt.Columns {
		if i > 0 {
			b.write(", ")
		}
		alias := sel.Alias
		if alias == "" {
			alias = b.base
		}
		b.write(quote(alias))
		b.write(".")
		b.write(quote(sel.Column))
		if sel.As != "" {
			b.write(" AS ")
			b.write(quote(sel.As))
		}
	}
	b.write(" FROM ")
	b.write(quote(stmt.Table))
	if stmt.Alias != "" {
		b.write(" AS ")
		b.write(quote(stmt.Alias))
	}
	for _, j := range stmt.Joins {
		if j.Outer {
			b.write(" LEFT OUTER JOIN ")
		} else {
			b.write(" INNER JOIN ")
		}
		b.write(quote(j.Table))
		if j.Alias != "" {
			b.write(" AS ")
			b.write(quote(j.Alias))
		}
		b.write(" ON ")
		if err := b.pred(j.On); err != nil {
			return Statement{}, err
		}
	}
	if stmt.Where != nil {
		b.write(" WHERE ")
		if err := b.pred(stmt.Where); err != nil {
			return Statement{}, err
		}
	}
	for i, o := range stmt.OrderBy {
		if i == 0 {
			b.write(" ORDER BY ")
		} else {
			b.write(", ")
		}
		b.column(expr.ColumnRef{Alias: o.Alias, Column: o.Column})
		if o.Descending {
			b.write(" DESC")
		}
	}
	if stmt.Limit > 0 {
		b.write(" LIMIT ")
		b.write(strconv.Itoa(stmt.Limit))
	}
	return Statement{SQL: b.sb.String(), Args: b.args}, nil
}

// Insert renders a multi-row INSERT. All rows must share the column set of
// the first; RETURNING is emitted when requested.
func (d Dialect) Insert(stmt executor.InsertStatement) (Statement, error) {
	if len(stmt.Rows) == 0 {
		return Statement{}, fmt.Errorf("insert into %s: no rows", stmt.Table)
	}
	cols := make([]string, 0, len(stmt.Rows[0]))
	for col := range stmt.Rows[0] {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	b := &builder{d: d}
	b.write("INSERT INTO ")
	b.write(quote(stmt.Table))
	b.write(" (")
	for i, col := range cols {
		if i > 0 {
			b.write(", ")
		}
		b.write(quote(col))
	}
	b.write(") VALUES ")
	for i, row := range stmt.Rows {
		if len(row) != len(cols) {
			return Statement{}, fmt.Errorf("insert into %s: row %d column set mismatch", stmt.Table, i)
		}
		if i > 0 {
			b.write(", ")
		}
		b.write("(")
		for j, col := range cols {
			if j > 0 {
				b.write(", ")
			}
			v, ok := row[col]
			if !ok {
				return Statement{}, fmt.Errorf("insert into %s: row %d missing column %s", stmt.Table, i, col)
			}
			b.placeholder(v)
		}
		b.write(")")
	}
	if len(stmt.Returning) > 0 {
		b.write(" RETURNING ")
		for i, col := range stmt.Returning {
			if i > 0 {
				b.write(", ")
			}
			b.write(quote(col))
		}
	}
	return Statement{SQL: b.sb.String(), Args: b.args}, nil
}

// Update renders an UPDATE with a deterministic SET order.
func (d Dialect) Update(stmt executor.UpdateStatement) (Statement, error) {
	cols := make([]string, 0, len(stmt.Set))
	for col := range stmt.Set {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	b := &builder{d: d, base: stmt.Table}
	b.write("UPDATE ")
	b.write(quote(stmt.Table))
	b.write(" SET ")
	for i, col := range cols {
		if i > 0 {
			b.write(", ")
		}
		b.write(quote(col))
		b.write(" = ")
		b.placeholder(stmt.Set[col])
	}
	if stmt.Where != nil {
		b.write(" WHERE ")
		// unqualified refs in UPDATE/DELETE name bare columns
		b.base = ""
		if err := b.pred(stmt.Where); err != nil {
			return Statement{}, err
		}
	}
	return Statement{SQL: b.sb.String(), Args: b.args}, nil
}

// Delete renders a DELETE.
func (d Dialect) Delete(stmt executor.DeleteStatement) (Statement, error) {
	b := &builder{d: d}
	b.write("DELETE FROM ")
	b.write(quote(stmt.Table))
	if stmt.Where != nil {
		b.write(" WHERE ")
		if err := b.pred(stmt.Where); err != nil {
			return Statement{}, err
		}
	}
	return Statement{SQL: b.sb.String(), Args: b.args}, nil
}

func (b *builder) pred(n expr.Node) error {
	switch t := n.(type) {
	case expr.Comparison:
		return b.comparison(t)
	case expr.And:
		return b.junction(t.Preds, " AND ")
	case expr.Or:
		return b.junction(t.Preds, " OR ")
	case expr.Not:
		b.write("NOT (")
		if err := b.pred(t.Pred); err != nil {
			return err
		}
		b.write(")")
		return nil
	default:
		return fmt.Errorf("unsupported predicate node %T", n)
	}
}

func (b *builder) junction(preds []expr.Node, sep string) error {
	b.write("(")
	for i, p := range preds {
		if i > 0 {
			b.write(sep)
		}
		if err := b.pred(p); err != nil {
			return err
		}
	}
	b.write(")")
	return nil
}

func (b *builder) comparison(c expr.Comparison) error {
	if c.Op == expr.OpIn {
		list, ok := c.Right.(expr.List)
		if !ok {
			return fmt.Errorf("IN requires a value list, got %T", c.Right)
		}
		if len(list.Values) == 0 {
			// empty IN matches nothing
			b.write("1 = 0")
			return nil
		}
	}
	b.column(c.Left)
	switch c.Op {
	case expr.OpIsNull:
		b.write(" IS NULL")
		return nil
	case expr.OpIn:
		list := c.Right.(expr.List)
		b.write(" IN (")
		for i, v := range list.Values {
			if i > 0 {
				b.write(", ")
			}
			b.placeholder(v)
		}
		b.write(")")
		return nil
	}
	b.write(" ")
	b.write(string(c.Op))
	b.write(" ")
	switch r := c.Right.(type) {
	case expr.Value:
		b.placeholder(r.V)
	case expr.ColumnRef:
		b.column(r)
	case expr.Param:
		return fmt.Errorf("unbound parameter %q", r.Name)
	default:
		return fmt.Errorf("unsupported right-hand node %T", c.Right)
	}
	return nil
}
