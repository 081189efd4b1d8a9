package loader

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"ormcore/internal/state"
	"ormcore/pkg/executor"
	"ormcore/pkg/expr"
	"ormcore/pkg/mapping"
	"ormcore/pkg/ormerr"
)

// LoadScalar resolves a to-one relationship for one instance. A many-to-one
// whose foreign key values identify a live instance resolves from the
// identity map without a statement.
func (l *Loader) LoadScalar(ctx context.Context, inst *state.Instance, b *mapping.RelationshipBinding) (*state.Instance, error) {
	if b.Collection() {
		return nil, ormerr.ConfigError{Entity: b.Owner.Name, Detail: "relationship " + b.Name + " is a collection"}
	}
	switch b.Load {
	case mapping.LoadNoLoad:
		state.PopulateScalar(inst, b, nil)
		return nil, nil
	case mapping.LoadDynamic:
		return nil, ormerr.ConfigError{Entity: b.Owner.Name, Detail: "relationship " + b.Name + " is dynamic; use a relationship query"}
	}

	values, allSet, err := l.ownerTermValues(ctx, inst, b)
	if err != nil {
		return nil, err
	}
	if !allSet {
		state.PopulateScalar(inst, b, nil)
		return nil, nil
	}

	if b.FKOnOwner {
		if target, hit := l.identityShortCircuit(b, values); hit {
			state.PopulateScalar(inst, b, target)
			return target, nil
		}
	} else if _, hasKey := inst.Key(); !hasKey {
		// A pending owner has no row, so nothing can reference it yet.
		state.PopulateScalar(inst, b, nil)
		return nil, nil
	}

	rows, err := l.relationRows(ctx, b, values, 0)
	if err != nil {
		return nil, err
	}
	l.metrics.LoaderQuery(string(mapping.LoadLazy))
	if len(rows) == 0 {
		state.PopulateScalar(inst, b, nil)
		return nil, nil
	}
	if len(rows) > 1 && b.ScalarWarn {
		l.warn.Warn(ormerr.OneToOneMultipleRows(b.Owner.Name, b.Name, len(rows)))
	}
	target, _, err := l.materialize(b.Target, rows[0], "")
	if err != nil {
		return nil, err
	}
	state.PopulateScalar(inst, b, target)
	return target, nil
}

// LoadCollection resolves a to-many relationship for one instance, replacing
// the collection's membership with the fetched rows.
func (l *Loader) LoadCollection(ctx context.Context, inst *state.Instance, b *mapping.RelationshipBinding) ([]*state.Instance, error) {
	if !b.Collection() {
		return nil, ormerr.ConfigError{Entity: b.Owner.Name, Detail: "relationship " + b.Name + " is not a collection"}
	}
	c := inst.Collection(b.Name)
	switch b.Load {
	case mapping.LoadNoLoad:
		c.MarkLoaded()
		return c.Items(), nil
	case mapping.LoadDynamic:
		return nil, ormerr.ConfigError{Entity: b.Owner.Name, Detail: "relationship " + b.Name + " is dynamic; use a relationship query"}
	}
	if _, hasKey := inst.Key(); !hasKey {
		// Pending owner: no row can reference it yet, the in-memory
		// membership is the whole truth.
		c.MarkLoaded()
		return c.Items(), nil
	}

	values, allSet, err := l.ownerTermValues(ctx, inst, b)
	if err != nil {
		return nil, err
	}
	if !allSet {
		c.SetLoaded(nil)
		return nil, nil
	}
	rows, err := l.relationRows(ctx, b, values, 0)
	if err != nil {
		return nil, err
	}
	l.metrics.LoaderQuery(string(mapping.LoadLazy))
	items := make([]*state.Instance, 0, len(rows))
	for _, row := range rows {
		target, present, err := l.materialize(b.Target, row, "")
		if err != nil {
			return nil, err
		}
		if present {
			items = append(items, target)
		}
	}
	c.SetLoaded(items)
	return items, nil
}

// RelationRows runs the relationship's query for one instance with an extra
// filter, without populating the instance. Dynamic relationships read through
// here.
func (l *Loader) RelationRows(ctx context.Context, inst *state.Instance, b *mapping.RelationshipBinding, where expr.Node, limit int) ([]*state.Instance, error) {
	values, allSet, err := l.ownerTermValues(ctx, inst, b)
	if err != nil {
		return nil, err
	}
	if !allSet {
		return nil, nil
	}
	stmt, err := l.relationSelect(b, values, limit)
	if err != nil {
		return nil, err
	}
	stmt.Where = expr.AndOf(stmt.Where, where)
	rows, err := l.selectRows(ctx, stmt)
	if err != nil {
		return nil, err
	}
	l.metrics.LoaderQuery(string(mapping.LoadDynamic))
	out := make([]*state.Instance, 0, len(rows))
	for _, row := range rows {
		target, present, err := l.materialize(b.Target, row, "")
		if err != nil {
			return nil, err
		}
		if present {
			out = append(out, target)
		}
	}
	return out, nil
}

// ownerTermValues collects the owner-side join column values of a binding,
// reloading expired foreign key attributes first. The bool is false when any
// value is nil.
func (l *Loader) ownerTermValues(ctx context.Context, inst *state.Instance, b *mapping.RelationshipBinding) (map[string]any, bool, error) {
	desc := inst.Descriptor()
	var reload []string
	for _, term := range b.Join {
		attr, ok := l.attrForColumn(desc, term.Local)
		if !ok {
			return nil, false, ormerr.ConfigError{Entity: desc.Name, Detail: fmt.Sprintf("join column %s has no mapped attribute", term.Local)}
		}
		if st := inst.AttrState(attr); st == state.Expired || st == state.Deferred {
			reload = append(reload, attr)
		}
	}
	if len(reload) > 0 {
		if _, hasKey := inst.Key(); hasKey {
			if err := l.LoadAttributes(ctx, inst, reload); err != nil {
				return nil, false, err
			}
		}
	}
	values := make(map[string]any, len(b.Join))
	allSet := true
	for _, term := range b.Join {
		attr, _ := l.attrForColumn(desc, term.Local)
		v, ok := inst.Get(attr)
		if !ok || v == nil {
			allSet = false
		}
		values[term.Local] = v
	}
	return values, allSet, nil
}

// identityShortCircuit resolves a many-to-one from the identity map when the
// remote join columns are exactly the target's primary key.
func (l *Loader) identityShortCircuit(b *mapping.RelationshipBinding, values map[string]any) (*state.Instance, bool) {
	pkCols := b.Target.PrimaryKey()
	byRemote := make(map[string]any, len(b.Join))
	for _, term := range b.Join {
		byRemote[term.Remote] = values[term.Local]
	}
	if len(byRemote) != len(pkCols) {
		return nil, false
	}
	pk := make([]any, len(pkCols))
	for i, col := range pkCols {
		v, ok := byRemote[col]
		if !ok {
			return nil, false
		}
		pk[i] = v
	}
	key := state.NewKey(b.Target.Name, pk)
	inst, ok := l.ids.Get(key)
	if !ok || l.anyExpired(inst) {
		return nil, false
	}
	return inst, true
}

// relationRows executes the relationship select for one owner's values.
func (l *Loader) relationRows(ctx context.Context, b *mapping.RelationshipBinding, values map[string]any, limit int) ([]executor.Row, error) {
	stmt, err := l.relationSelect(b, values, limit)
	if err != nil {
		return nil, err
	}
	return l.selectRows(ctx, stmt)
}

// relationSelect builds the select fetching b's target rows for one owner,
// joining through the secondary table for many-to-many bindings.
func (l *Loader) relationSelect(b *mapping.RelationshipBinding, values map[string]any, limit int) (executor.SelectStatement, error) {
	cols, joins := l.planEntity(b.Target, "", "")
	var preds []expr.Node
	if b.Secondary == "" {
		for _, term := range b.Join {
			preds = append(preds, expr.Compare(expr.Col(term.Remote), term.Operator(), values[term.Local]))
		}
	} else {
		const secAlias = "sec"
		var on []expr.Node
		for _, term := range b.SecondaryJoin {
			on = append(on, expr.EqCols(expr.AliasedCol(secAlias, term.Local), expr.Col(term.Remote)))
		}
		joins = append(joins, executor.Join{Table: b.Secondary, Alias: secAlias, On: expr.AndOf(on...)})
		for _, term := range b.Join {
			preds = append(preds, expr.Compare(expr.AliasedCol(secAlias, term.Remote), term.Operator(), values[term.Local]))
		}
	}
	if p := l.discriminatorPredicate(b.Target, ""); p != nil {
		preds = append(preds, p)
	}
	return executor.SelectStatement{
		ID:      uuid.NewString(),
		Table:   b.Target.Table(),
		Columns: cols,
		Joins:   joins,
		Where:   expr.AndOf(preds...),
		OrderBy: orderings(b.OrderBy),
		Limit:   limit,
	}, nil
}

func orderings(cols []string) []executor.Ordering {
	out := make([]executor.Ordering, 0, len(cols))
	for _, col := range cols {
		out = append(out, executor.Ordering{Column: col})
	}
	return out
}
