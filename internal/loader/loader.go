// Package loader fetches rows and materializes them as identity-mapped
// instances. It implements the relationship load strategies: lazy loads on
// first access, joined and select-in eager loads at query time, plus the
// no-load and dynamic variants. Whatever the strategy, a query returns the
// same driving entities with the same attribute values; strategies differ
// only in when related rows are fetched and how many statements that takes.
package loader

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ormcore/internal/identity"
	"ormcore/internal/state"
	"ormcore/pkg/executor"
	"ormcore/pkg/expr"
	"ormcore/pkg/mapping"
	"ormcore/pkg/observe"
	"ormcore/pkg/ormerr"
)

// selectInChunk caps the number of key values bound into one IN list.
const selectInChunk = 500

// Loader materializes rows into session-owned instances.
type Loader struct {
	reg     *mapping.Registry
	exec    executor.Executor
	ids     *identity.Map
	tracker *state.Tracker
	metrics observe.Metrics
	warn    ormerr.WarningSink
	log     *zap.SugaredLogger

	subtypes map[string]map[string]*mapping.EntityDescriptor
}

// New constructs a loader bound to one session's identity map and tracker.
func New(reg *mapping.Registry, exec executor.Executor, ids *identity.Map, tracker *state.Tracker, metrics observe.Metrics, warn ormerr.WarningSink, log *zap.SugaredLogger) *Loader {
	if metrics == nil {
		metrics = observe.NopMetrics{}
	}
	if warn == nil {
		warn = ormerr.DiscardSink{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Loader{
		reg:     reg,
		exec:    exec,
		ids:     ids,
		tracker: tracker,
		metrics: metrics,
		warn:    warn,
		log:     log,
	}
}

// SetExecutor rebinds the loader to a different executor, used when the
// session swaps connections across transactions.
func (l *Loader) SetExecutor(exec executor.Executor) { l.exec = exec }

// Get returns the instance with the given primary key values, from the
// identity map when live, otherwise via one query. Returns nil when no row
// exists.
func (l *Loader) Get(ctx context.Context, desc *mapping.EntityDescriptor, pk []any) (*state.Instance, error) {
	if len(pk) != len(desc.PrimaryKey()) {
		return nil, ormerr.ConfigError{Entity: desc.Name, Detail: fmt.Sprintf("primary key has %d columns, got %d values", len(desc.PrimaryKey()), len(pk))}
	}
	key := state.NewKey(desc.Name, pk)
	if inst, ok := l.ids.Get(key); ok {
		if !l.anyExpired(inst) {
			return inst, nil
		}
		if err := l.Refresh(ctx, inst); err != nil {
			return nil, err
		}
		return inst, nil
	}
	cols, joins := l.planEntity(desc, "", "")
	stmt := executor.SelectStatement{
		ID:      uuid.NewString(),
		Table:   desc.Table(),
		Columns: cols,
		Joins:   joins,
		Where:   l.pkPredicate(desc, "", pk),
		Limit:   2,
	}
	rows, err := l.selectRows(ctx, stmt)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	inst, _, err := l.materialize(desc, rows[0], "")
	return inst, err
}

// Refresh reloads all loaded or expired column attributes of a persistent
// instance from its row, overwriting in-memory values.
func (l *Loader) Refresh(ctx context.Context, inst *state.Instance) error {
	desc := inst.Descriptor()
	var attrs []string
	for _, attr := range desc.Attrs() {
		if st := inst.AttrState(attr); st == state.Loaded || st == state.Expired {
			attrs = append(attrs, attr)
		}
	}
	if len(attrs) == 0 {
		attrs = desc.Attrs()
	}
	return l.LoadAttributes(ctx, inst, attrs)
}

// LoadAttributes fetches the named column attributes of a persistent instance
// (deferred columns and expired attributes load through here) and records them
// as committed values.
func (l *Loader) LoadAttributes(ctx context.Context, inst *state.Instance, attrs []string) error {
	desc := inst.Descriptor()
	pk := inst.PrimaryKeyValues()
	for _, v := range pk {
		if v == nil {
			return ormerr.TransientInstanceError{Entity: desc.Name, Operation: "attribute load"}
		}
	}
	cols, joins, err := l.planAttrs(desc, attrs)
	if err != nil {
		return err
	}
	stmt := executor.SelectStatement{
		ID:      uuid.NewString(),
		Table:   desc.Table(),
		Columns: cols,
		Joins:   joins,
		Where:   l.pkPredicate(desc, "", pk),
		Limit:   1,
	}
	rows, err := l.selectRows(ctx, stmt)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ormerr.StaleDataError{Entity: desc.Name, Key: fmt.Sprint(pk), Table: desc.Table(), Expected: 1, Affected: 0}
	}
	row := rows[0]
	for _, sel := range cols {
		attr, ok := l.attrForColumn(desc, sel.Column)
		if !ok {
			continue
		}
		if v, present := row[sel.Label()]; present {
			inst.Populate(attr, v)
		}
	}
	return nil
}

// selectRows issues a select and drains it, recording metrics.
func (l *Loader) selectRows(ctx context.Context, stmt executor.SelectStatement) ([]executor.Row, error) {
	stream, err := l.exec.Select(ctx, stmt)
	if err != nil {
		return nil, err
	}
	l.metrics.StatementIssued("select", stmt.Table)
	return executor.Collect(stream)
}

// materialize turns one result row into an identity-mapped instance. The
// second return is false when the row carries no entity (an outer join miss).
// Attributes already loaded in memory win over arriving row values, so a
// pending in-memory modification is never silently overwritten by a read.
func (l *Loader) materialize(desc *mapping.EntityDescriptor, row executor.Row, prefix string) (*state.Instance, bool, error) {
	desc = l.concreteDescriptor(desc, row, prefix)
	pkCols := desc.PrimaryKey()
	pk := make([]any, len(pkCols))
	for i, col := range pkCols {
		v, ok := row[prefix+col]
		if !ok || v == nil {
			return nil, false, nil
		}
		pk[i] = v
	}
	key := state.NewKey(desc.Name, pk)
	inst, live := l.ids.Get(key)
	if !live {
		inst = l.tracker.NewInstance(desc)
	}
	for _, tb := range desc.Tables() {
		for _, cb := range tb.Columns {
			v, present := row[prefix+cb.Column]
			if !present {
				continue
			}
			if live && inst.AttrState(cb.Attr) == state.Loaded {
				continue
			}
			inst.Populate(cb.Attr, v)
		}
	}
	if !live {
		if _, ok := inst.BindKey(); !ok {
			return nil, false, ormerr.ConfigError{Entity: desc.Name, Detail: "row is missing primary key values"}
		}
		if err := l.ids.Add(key, inst); err != nil {
			return nil, false, err
		}
		inst.SetStatus(state.Persistent)
	}
	return inst, true, nil
}

// concreteDescriptor resolves a polymorphic base row to its subtype descriptor
// by discriminator value. Only the single-table style narrows here; other
// styles keep the queried descriptor.
func (l *Loader) concreteDescriptor(desc *mapping.EntityDescriptor, row executor.Row, prefix string) *mapping.EntityDescriptor {
	p := desc.Polymorphic()
	if p == nil || p.Base != "" || p.Style != mapping.StyleSingleTable || p.DiscriminatorColumn == "" {
		return desc
	}
	raw, ok := row[prefix+p.DiscriminatorColumn]
	if !ok || raw == nil {
		return desc
	}
	tag := fmt.Sprint(raw)
	if sub, ok := l.subtypeByIdentity(desc.Name)[tag]; ok {
		return sub
	}
	return desc
}

func (l *Loader) subtypeByIdentity(base string) map[string]*mapping.EntityDescriptor {
	if l.subtypes == nil {
		l.subtypes = make(map[string]map[string]*mapping.EntityDescriptor)
		for _, d := range l.reg.Entities() {
			p := d.Polymorphic()
			if p == nil || p.Base == "" || p.Identity == "" {
				continue
			}
			if l.subtypes[p.Base] == nil {
				l.subtypes[p.Base] = make(map[string]*mapping.EntityDescriptor)
			}
			l.subtypes[p.Base][p.Identity] = d
		}
	}
	return l.subtypes[base]
}

// planEntity returns the select columns and joined-table joins needed to load
// desc's non-deferred attributes. alias qualifies the primary table (empty for
// the driving table); prefix relabels every column for eager child rows.
func (l *Loader) planEntity(desc *mapping.EntityDescriptor, alias, prefix string) ([]executor.ColumnSel, []executor.Join) {
	var (
		cols  []executor.ColumnSel
		joins []executor.Join
	)
	tables := desc.Tables()
	for n, tb := range tables {
		tblAlias := alias
		if n > 0 {
			tblAlias = joinedTableAlias(alias, n)
			var on []expr.Node
			for _, pk := range desc.PrimaryKey() {
				on = append(on, expr.EqCols(expr.AliasedCol(tblAlias, pk), expr.AliasedCol(alias, pk)))
			}
			joins = append(joins, executor.Join{Table: tb.Table, Alias: tblAlias, On: expr.AndOf(on...)})
		}
		for _, cb := range tb.Columns {
			if cb.Deferred {
				continue
			}
			sel := executor.ColumnSel{Alias: tblAlias, Column: cb.Column}
			if prefix != "" {
				sel.As = prefix + cb.Column
			}
			cols = append(cols, sel)
		}
	}
	return cols, joins
}

// planAttrs is planEntity restricted to the named attributes, including
// deferred ones when asked for explicitly.
func (l *Loader) planAttrs(desc *mapping.EntityDescriptor, attrs []string) ([]executor.ColumnSel, []executor.Join, error) {
	wanted := make(map[string]struct{}, len(attrs))
	for _, a := range attrs {
		wanted[a] = struct{}{}
	}
	var (
		cols  []executor.ColumnSel
		joins []executor.Join
	)
	tables := desc.Tables()
	for n, tb := range tables {
		tblAlias := ""
		joined := false
		for _, cb := range tb.Columns {
			if _, ok := wanted[cb.Attr]; !ok {
				continue
			}
			delete(wanted, cb.Attr)
			if n > 0 && !joined {
				tblAlias = joinedTableAlias("", n)
				var on []expr.Node
				for _, pk := range desc.PrimaryKey() {
					on = append(on, expr.EqCols(expr.AliasedCol(tblAlias, pk), expr.Col(pk)))
				}
				joins = append(joins, executor.Join{Table: tb.Table, Alias: tblAlias, On: expr.AndOf(on...)})
				joined = true
			}
			cols = append(cols, executor.ColumnSel{Alias: tblAlias, Column: cb.Column})
		}
	}
	for attr := range wanted {
		return nil, nil, ormerr.ConfigError{Entity: desc.Name, Detail: "attribute " + attr + " is not column-mapped"}
	}
	return cols, joins, nil
}

func joinedTableAlias(base string, n int) string {
	if base == "" {
		return fmt.Sprintf("jt%d", n)
	}
	return fmt.Sprintf("%s_jt%d", base, n)
}

// pkPredicate builds the primary key equality predicate for desc under alias.
func (l *Loader) pkPredicate(desc *mapping.EntityDescriptor, alias string, values []any) expr.Node {
	cols := desc.PrimaryKey()
	preds := make([]expr.Node, len(cols))
	for i, col := range cols {
		preds[i] = expr.Eq(expr.AliasedCol(alias, col), values[i])
	}
	return expr.AndOf(preds...)
}

// discriminatorPredicate restricts a single-table subtype query to its
// discriminator identity.
func (l *Loader) discriminatorPredicate(desc *mapping.EntityDescriptor, alias string) expr.Node {
	p := desc.Polymorphic()
	if p == nil || p.Base == "" || p.Style != mapping.StyleSingleTable {
		return nil
	}
	base, ok := l.reg.Entity(p.Base)
	if !ok {
		return nil
	}
	bp := base.Polymorphic()
	if bp == nil || bp.DiscriminatorColumn == "" {
		return nil
	}
	return expr.Eq(expr.AliasedCol(alias, bp.DiscriminatorColumn), p.Identity)
}

func (l *Loader) attrForColumn(desc *mapping.EntityDescriptor, column string) (string, bool) {
	for _, tb := range desc.Tables() {
		for _, cb := range tb.Columns {
			if cb.Column == column {
				return cb.Attr, true
			}
		}
	}
	return "", false
}

func (l *Loader) anyExpired(inst *state.Instance) bool {
	for _, attr := range inst.Descriptor().Attrs() {
		if inst.AttrState(attr) == state.Expired {
			return true
		}
	}
	return false
}
