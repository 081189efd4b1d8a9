package session

import (
	"context"

	"ormcore/internal/loader"
	"ormcore/pkg/executor"
	"ormcore/pkg/expr"
	"ormcore/pkg/mapping"
)

// Query builds a read against one mapped entity. Methods chain; errors from
// construction surface on All or First.
type Query struct {
	sess *Session
	desc *mapping.EntityDescriptor
	opts loader.Options
	err  error
}

// Where restricts rows. Successive calls conjoin. Column references bind to
// the entity's primary table.
func (q *Query) Where(pred expr.Node) *Query {
	q.opts.Where = expr.AndOf(q.opts.Where, pred)
	return q
}

// OrderBy appends a sort key on a primary-table column.
func (q *Query) OrderBy(column string, descending bool) *Query {
	q.opts.OrderBy = append(q.opts.OrderBy, executor.Ordering{Column: column, Descending: descending})
	return q
}

// Limit caps the number of returned objects.
func (q *Query) Limit(n int) *Query {
	q.opts.Limit = n
	return q
}

// Joined eagerly loads a relationship path in the same statement via an
// outer join.
func (q *Query) Joined(path ...string) *Query {
	return q.eager(mapping.LoadJoined, path)
}

// SelectIn eagerly loads a relationship path with one batched follow-up
// statement per hop.
func (q *Query) SelectIn(path ...string) *Query {
	return q.eager(mapping.LoadSelectIn, path)
}

// NoLoad leaves a relationship empty for this query regardless of its
// configured strategy.
func (q *Query) NoLoad(path ...string) *Query {
	return q.eager(mapping.LoadNoLoad, path)
}

// Lazy overrides a relationship back to on-access loading for this query.
func (q *Query) Lazy(path ...string) *Query {
	return q.eager(mapping.LoadLazy, path)
}

func (q *Query) eager(strategy mapping.LoadStrategy, path []string) *Query {
	q.opts.Eager = append(q.opts.Eager, loader.EagerSpec{Path: path, Strategy: strategy})
	return q
}

// Join adds a caller-supplied join to the driving statement. Predicates and
// orderings may reference the join's alias.
func (q *Query) Join(join executor.Join) *Query {
	q.opts.Joins = append(q.opts.Joins, join)
	return q
}

// RouteTo populates a relationship from the aliased columns of a join added
// with Join, issuing no additional statement. The join's predicate must be
// equivalent to the relationship's.
func (q *Query) RouteTo(rel, alias string) *Query {
	q.opts.Routed = append(q.opts.Routed, loader.RoutedSpec{Rel: rel, Alias: alias})
	return q
}

// All runs the query. Pending changes flush first unless autoflush is off.
func (q *Query) All(ctx context.Context) ([]*Object, error) {
	if q.err != nil {
		return nil, q.err
	}
	if err := q.sess.maybeAutoflush(ctx); err != nil {
		return nil, err
	}
	insts, err := q.sess.ld.Query(ctx, q.desc, q.opts)
	if err != nil {
		return nil, err
	}
	return q.sess.wrapAll(insts), nil
}

// First returns the first matching object, or nil when nothing matches.
func (q *Query) First(ctx context.Context) (*Object, error) {
	prev := q.opts.Limit
	if prev == 0 || prev > 1 {
		q.opts.Limit = 1
	}
	out, err := q.All(ctx)
	q.opts.Limit = prev
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

// Count returns the number of matching rows. It loads matching objects; the
// in-memory executors have no aggregate pushdown.
func (q *Query) Count(ctx context.Context) (int, error) {
	out, err := q.All(ctx)
	if err != nil {
		return 0, err
	}
	return len(out), nil
}
