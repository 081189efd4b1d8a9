package loader

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"ormcore/internal/state"
	"ormcore/pkg/executor"
	"ormcore/pkg/expr"
	"ormcore/pkg/mapping"
	"ormcore/pkg/ormerr"
)

// groupLabel is the synthetic column carrying the grouping key of a select-in
// batch back to its owners.
const groupLabel = "__grp"

// EagerSelectIn loads one relationship for a batch of owners with chunked IN
// queries, grouping the fetched rows back onto each owner. Returns the loaded
// target instances in fetch order for chained hops.
func (l *Loader) EagerSelectIn(ctx context.Context, owners []*state.Instance, b *mapping.RelationshipBinding) ([]*state.Instance, error) {
	if len(owners) == 0 {
		return nil, nil
	}
	// Composite join keys fall back to per-owner loads; IN batching binds a
	// single column.
	if len(b.Join) != 1 {
		return l.selectInFallback(ctx, owners, b)
	}
	term := b.Join[0]
	desc := owners[0].Descriptor()
	attr, ok := l.attrForColumn(desc, term.Local)
	if !ok {
		return nil, ormerr.ConfigError{Entity: desc.Name, Detail: "join column " + term.Local + " has no mapped attribute"}
	}

	// Distinct owner key values in deterministic order.
	byEncoded := make(map[string]any)
	var encodedOrder []string
	for _, owner := range owners {
		v, ok := owner.Get(attr)
		if !ok || v == nil {
			continue
		}
		enc := state.NewKey("", []any{v}).Encoded
		if _, seen := byEncoded[enc]; !seen {
			byEncoded[enc] = v
			encodedOrder = append(encodedOrder, enc)
		}
	}
	sort.Strings(encodedOrder)

	groups := make(map[string][]*state.Instance)
	var loaded []*state.Instance
	for start := 0; start < len(encodedOrder); start += selectInChunk {
		end := start + selectInChunk
		if end > len(encodedOrder) {
			end = len(encodedOrder)
		}
		chunk := make([]any, 0, end-start)
		for _, enc := range encodedOrder[start:end] {
			chunk = append(chunk, byEncoded[enc])
		}
		rows, err := l.selectInChunkRows(ctx, b, term, chunk)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			target, present, err := l.materialize(b.Target, row, "")
			if err != nil {
				return nil, err
			}
			if !present {
				continue
			}
			enc := state.NewKey("", []any{row[groupLabel]}).Encoded
			groups[enc] = append(groups[enc], target)
			loaded = append(loaded, target)
		}
	}
	l.metrics.LoaderQuery(string(mapping.LoadSelectIn))

	for _, owner := range owners {
		v, ok := owner.Get(attr)
		var items []*state.Instance
		if ok && v != nil {
			items = groups[state.NewKey("", []any{v}).Encoded]
		}
		if b.Collection() {
			owner.Collection(b.Name).SetLoaded(items)
			continue
		}
		var target *state.Instance
		if len(items) > 0 {
			target = items[0]
			if len(items) > 1 && b.ScalarWarn {
				l.warn.Warn(ormerr.OneToOneMultipleRows(b.Owner.Name, b.Name, len(items)))
			}
		}
		state.PopulateScalar(owner, b, target)
	}
	return loaded, nil
}

// selectInChunkRows fetches one IN chunk, labeling the grouping column so the
// caller can route rows back to owners.
func (l *Loader) selectInChunkRows(ctx context.Context, b *mapping.RelationshipBinding, term mapping.JoinTerm, chunk []any) ([]executor.Row, error) {
	cols, joins := l.planEntity(b.Target, "", "")
	var preds []expr.Node
	if b.Secondary == "" {
		cols = append(cols, executor.ColumnSel{Column: term.Remote, As: groupLabel})
		preds = append(preds, expr.InValues(expr.Col(term.Remote), chunk...))
	} else {
		const secAlias = "sec"
		var on []expr.Node
		for _, sj := range b.SecondaryJoin {
			on = append(on, expr.EqCols(expr.AliasedCol(secAlias, sj.Local), expr.Col(sj.Remote)))
		}
		joins = append(joins, executor.Join{Table: b.Secondary, Alias: secAlias, On: expr.AndOf(on...)})
		cols = append(cols, executor.ColumnSel{Alias: secAlias, Column: term.Remote, As: groupLabel})
		preds = append(preds, expr.InValues(expr.AliasedCol(secAlias, term.Remote), chunk...))
	}
	if p := l.discriminatorPredicate(b.Target, ""); p != nil {
		preds = append(preds, p)
	}
	stmt := executor.SelectStatement{
		ID:      uuid.NewString(),
		Table:   b.Target.Table(),
		Columns: cols,
		Joins:   joins,
		Where:   expr.AndOf(preds...),
		OrderBy: orderings(b.OrderBy),
	}
	return l.selectRows(ctx, stmt)
}

// selectInFallback loads each owner separately when batching is unavailable.
func (l *Loader) selectInFallback(ctx context.Context, owners []*state.Instance, b *mapping.RelationshipBinding) ([]*state.Instance, error) {
	var loaded []*state.Instance
	for _, owner := range owners {
		if b.Collection() {
			items, err := l.LoadCollection(ctx, owner, b)
			if err != nil {
				return nil, err
			}
			loaded = append(loaded, items...)
			continue
		}
		target, err := l.LoadScalar(ctx, owner, b)
		if err != nil {
			return nil, err
		}
		if target != nil {
			loaded = append(loaded, target)
		}
	}
	return loaded, nil
}
