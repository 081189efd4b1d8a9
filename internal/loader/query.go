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

// EagerSpec overrides the load strategy for a relationship path on one query.
// A single-segment path accepts any strategy; multi-segment paths chain
// select-in loads hop by hop.
type EagerSpec struct {
	Path     []string
	Strategy mapping.LoadStrategy
}

// RoutedSpec populates a relationship from the caller's own join instead of a
// generated one. Alias names the related table's alias in that join; the
// join's predicate must be equivalent to the relationship's, or the wrong
// rows populate silently.
type RoutedSpec struct {
	Rel   string
	Alias string
}

// Options parameterize a driving entity query.
type Options struct {
	Where   expr.Node
	OrderBy []executor.Ordering
	Limit   int
	Eager   []EagerSpec
	// Joins are caller-supplied joins added to the driving statement,
	// referenced by Where, OrderBy and Routed.
	Joins  []executor.Join
	Routed []RoutedSpec
}

type joinedPlan struct {
	binding *mapping.RelationshipBinding
	alias   string
	prefix  string
	routed  bool
}

// Query loads driving entities with their mapped eager relationships. The
// per-query strategy override wins over the relationship's configured
// default; relationships left at lazy load nothing here.
func (l *Loader) Query(ctx context.Context, desc *mapping.EntityDescriptor, opts Options) ([]*state.Instance, error) {
	firstHop, chains, err := l.eagerPlan(desc, opts.Eager)
	if err != nil {
		return nil, err
	}

	cols, joins := l.planEntity(desc, "", "")
	var preds []expr.Node
	if opts.Where != nil {
		preds = append(preds, opts.Where)
	}
	if p := l.discriminatorPredicate(desc, ""); p != nil {
		preds = append(preds, p)
	}

	var joined []joinedPlan
	var selectIn []*mapping.RelationshipBinding
	var noLoad []*mapping.RelationshipBinding
	orderBy := append([]executor.Ordering(nil), opts.OrderBy...)
	for _, b := range desc.Relationships() {
		strategy, override := firstHop[b.Name]
		if !override {
			strategy = b.Load
		}
		switch strategy {
		case mapping.LoadJoined:
			alias := fmt.Sprintf("e%d", len(joined)+1)
			plan := joinedPlan{binding: b, alias: alias, prefix: alias + "__"}
			childCols, childJoins, err := l.eagerJoin(b, plan)
			if err != nil {
				return nil, err
			}
			cols = append(cols, childCols...)
			joins = append(joins, childJoins...)
			for _, col := range b.OrderBy {
				orderBy = append(orderBy, executor.Ordering{Alias: alias, Column: col})
			}
			joined = append(joined, plan)
		case mapping.LoadSelectIn:
			selectIn = append(selectIn, b)
		case mapping.LoadNoLoad:
			if override {
				noLoad = append(noLoad, b)
			}
		}
	}

	joins = append(joins, opts.Joins...)
	for _, r := range opts.Routed {
		b, ok := desc.Relationship(r.Rel)
		if !ok {
			return nil, ormerr.ConfigError{Entity: desc.Name, Detail: "unknown relationship " + r.Rel}
		}
		if r.Alias == "" {
			return nil, ormerr.ConfigError{Entity: desc.Name, Detail: "routed relationship " + r.Rel + " requires the join alias"}
		}
		plan := joinedPlan{binding: b, alias: r.Alias, prefix: r.Alias + "__", routed: true}
		childCols, _ := l.planEntity(b.Target, plan.alias, plan.prefix)
		cols = append(cols, childCols...)
		joined = append(joined, plan)
	}

	stmt := executor.SelectStatement{
		ID:      uuid.NewString(),
		Table:   desc.Table(),
		Columns: cols,
		Joins:   joins,
		Where:   expr.AndOf(preds...),
		OrderBy: orderBy,
	}
	// A row limit cannot be pushed into SQL once collection joins multiply
	// driving rows; it applies to deduplicated entities instead.
	if opts.Limit > 0 && len(joined) == 0 {
		stmt.Limit = opts.Limit
	}
	rows, err := l.selectRows(ctx, stmt)
	if err != nil {
		return nil, err
	}

	parents, err := l.assembleJoined(desc, rows, joined)
	if err != nil {
		return nil, err
	}
	for _, plan := range joined {
		if plan.routed {
			l.metrics.LoaderQuery("routed")
		} else {
			l.metrics.LoaderQuery(string(mapping.LoadJoined))
		}
	}
	if opts.Limit > 0 && len(parents) > opts.Limit {
		parents = parents[:opts.Limit]
	}

	for _, b := range noLoad {
		for _, p := range parents {
			if b.Collection() {
				p.Collection(b.Name).SetLoaded(nil)
			} else {
				state.PopulateScalar(p, b, nil)
			}
		}
	}
	for _, b := range selectIn {
		loaded, err := l.EagerSelectIn(ctx, parents, b)
		if err != nil {
			return nil, err
		}
		if err := l.runChains(ctx, b, loaded, chains[b.Name]); err != nil {
			return nil, err
		}
	}
	return parents, nil
}

// eagerPlan splits eager specs into first-hop overrides and the select-in
// chains hanging off each first hop.
func (l *Loader) eagerPlan(desc *mapping.EntityDescriptor, specs []EagerSpec) (map[string]mapping.LoadStrategy, map[string][][]string, error) {
	firstHop := make(map[string]mapping.LoadStrategy)
	chains := make(map[string][][]string)
	for _, spec := range specs {
		if len(spec.Path) == 0 {
			return nil, nil, ormerr.ConfigError{Entity: desc.Name, Detail: "eager spec requires a relationship path"}
		}
		name := spec.Path[0]
		if _, ok := desc.Relationship(name); !ok {
			return nil, nil, ormerr.ConfigError{Entity: desc.Name, Detail: "unknown relationship " + name}
		}
		if len(spec.Path) == 1 {
			firstHop[name] = spec.Strategy
			continue
		}
		if spec.Strategy != mapping.LoadSelectIn {
			return nil, nil, ormerr.ConfigError{Entity: desc.Name, Detail: "multi-hop eager paths chain select-in loads only"}
		}
		firstHop[name] = mapping.LoadSelectIn
		chains[name] = append(chains[name], spec.Path[1:])
	}
	return firstHop, chains, nil
}

// runChains applies the remaining hops of select-in chains to the instances
// loaded at the previous hop.
func (l *Loader) runChains(ctx context.Context, b *mapping.RelationshipBinding, loaded []*state.Instance, chains [][]string) error {
	for _, chain := range chains {
		level := loaded
		desc := b.Target
		for _, name := range chain {
			next, ok := desc.Relationship(name)
			if !ok {
				return ormerr.ConfigError{Entity: desc.Name, Detail: "unknown relationship " + name + " in eager path"}
			}
			var err error
			level, err = l.EagerSelectIn(ctx, level, next)
			if err != nil {
				return err
			}
			desc = next.Target
		}
	}
	return nil
}

// eagerJoin builds the join graph and prefixed columns for one joined-eager
// relationship. Nullable edges join outer so parents without related rows
// still appear.
func (l *Loader) eagerJoin(b *mapping.RelationshipBinding, plan joinedPlan) ([]executor.ColumnSel, []executor.Join, error) {
	outer := !b.NonNullable
	cols, extraJoins := l.planEntity(b.Target, plan.alias, plan.prefix)
	var joins []executor.Join
	if b.Secondary == "" {
		var on []expr.Node
		for _, term := range b.Join {
			on = append(on, expr.EqCols(expr.AliasedCol(plan.alias, term.Remote), expr.Col(term.Local)))
		}
		if p := l.discriminatorPredicate(b.Target, plan.alias); p != nil {
			on = append(on, p)
		}
		joins = append(joins, executor.Join{Table: b.Target.Table(), Alias: plan.alias, On: expr.AndOf(on...), Outer: outer})
	} else {
		secAlias := plan.alias + "s"
		var secOn []expr.Node
		for _, term := range b.Join {
			secOn = append(secOn, expr.EqCols(expr.AliasedCol(secAlias, term.Remote), expr.Col(term.Local)))
		}
		joins = append(joins, executor.Join{Table: b.Secondary, Alias: secAlias, On: expr.AndOf(secOn...), Outer: outer})
		var on []expr.Node
		for _, term := range b.SecondaryJoin {
			on = append(on, expr.EqCols(expr.AliasedCol(plan.alias, term.Remote), expr.AliasedCol(secAlias, term.Local)))
		}
		if p := l.discriminatorPredicate(b.Target, plan.alias); p != nil {
			on = append(on, p)
		}
		joins = append(joins, executor.Join{Table: b.Target.Table(), Alias: plan.alias, On: expr.AndOf(on...), Outer: outer})
	}
	return cols, append(joins, extraJoins...), nil
}

// assembleJoined materializes driving rows and their joined-eager children,
// deduplicating parents by primary key in first-seen order and children per
// parent.
func (l *Loader) assembleJoined(desc *mapping.EntityDescriptor, rows []executor.Row, joined []joinedPlan) ([]*state.Instance, error) {
	var parents []*state.Instance
	seen := make(map[state.Key]struct{})

	type acc struct {
		items []*state.Instance
		seen  map[state.Key]struct{}
		count int
	}
	accs := make([]map[state.Key]*acc, len(joined))
	for n := range joined {
		accs[n] = make(map[state.Key]*acc)
	}

	for _, row := range rows {
		parent, present, err := l.materialize(desc, row, "")
		if err != nil {
			return nil, err
		}
		if !present {
			continue
		}
		pkey, _ := parent.Key()
		if _, dup := seen[pkey]; !dup {
			seen[pkey] = struct{}{}
			parents = append(parents, parent)
		}
		for n, plan := range joined {
			a, ok := accs[n][pkey]
			if !ok {
				a = &acc{seen: make(map[state.Key]struct{})}
				accs[n][pkey] = a
			}
			child, childPresent, err := l.materialize(plan.binding.Target, row, plan.prefix)
			if err != nil {
				return nil, err
			}
			if !childPresent {
				continue
			}
			a.count++
			ckey, _ := child.Key()
			if _, dup := a.seen[ckey]; dup {
				continue
			}
			a.seen[ckey] = struct{}{}
			a.items = append(a.items, child)
		}
	}

	for n, plan := range joined {
		b := plan.binding
		for _, parent := range parents {
			pkey, _ := parent.Key()
			a := accs[n][pkey]
			if b.Collection() {
				if a == nil {
					parent.Collection(b.Name).SetLoaded(nil)
				} else {
					parent.Collection(b.Name).SetLoaded(a.items)
				}
				continue
			}
			var target *state.Instance
			if a != nil && len(a.items) > 0 {
				target = a.items[0]
				if a.count > 1 && b.ScalarWarn {
					l.warn.Warn(ormerr.OneToOneMultipleRows(b.Owner.Name, b.Name, a.count))
				}
			}
			state.PopulateScalar(parent, b, target)
		}
	}
	return parents, nil
}
