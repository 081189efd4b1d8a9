// Package flush turns accumulated in-memory changes into an ordered sequence
// of INSERT, UPDATE and DELETE statements. Planning expands cascades, builds a
// per-instance dependency graph from foreign key edges, orders operations by
// topological sort, breaks nullable-foreign-key cycles with deferred updates,
// and batches contiguous same-shape inserts. Lifecycle transitions are staged
// during execution and applied only when every statement has succeeded.
package flush

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ormcore/internal/identity"
	"ormcore/internal/loader"
	"ormcore/internal/state"
	"ormcore/pkg/executor"
	"ormcore/pkg/expr"
	"ormcore/pkg/mapping"
	"ormcore/pkg/observe"
	"ormcore/pkg/ormerr"
)

// ChangeSet is the session's pending work handed to one flush.
type ChangeSet struct {
	// Pending instances await their INSERT.
	Pending []*state.Instance
	// Dirty persistent instances may need an UPDATE.
	Dirty []*state.Instance
	// Deletes are persistent instances scheduled for deletion.
	Deletes []*state.Instance
}

// Result summarizes one successful flush.
type Result struct {
	Inserts int
	Updates int
	Deletes int
	// SecondaryWrites counts association table inserts and deletes.
	SecondaryWrites int
}

// Engine plans and executes flushes.
type Engine struct {
	reg     *mapping.Registry
	ld      *loader.Loader
	exec    executor.Executor
	ids     *identity.Map
	metrics observe.Metrics
	tracer  observe.Tracer
	log     *zap.SugaredLogger
}

// New constructs a flush engine sharing the session's loader and identity map.
func New(reg *mapping.Registry, ld *loader.Loader, exec executor.Executor, ids *identity.Map, metrics observe.Metrics, tracer observe.Tracer, log *zap.SugaredLogger) *Engine {
	if metrics == nil {
		metrics = observe.NopMetrics{}
	}
	if tracer == nil {
		tracer = observe.NopTracer{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{reg: reg, ld: ld, exec: exec, ids: ids, metrics: metrics, tracer: tracer, log: log}
}

// SetExecutor rebinds the engine to a different executor.
func (e *Engine) SetExecutor(exec executor.Executor) { e.exec = exec }

// Flush plans and executes the change set. On error no lifecycle transition
// has been applied; the caller owns transaction rollback.
func (e *Engine) Flush(ctx context.Context, cs ChangeSet) (Result, error) {
	started := time.Now()
	_, span := e.tracer.Start(ctx, "flush")
	res, err := e.flush(ctx, cs)
	span.End(err)
	e.metrics.FlushObserved(time.Since(started), err == nil)
	return res, err
}

func (e *Engine) flush(ctx context.Context, cs ChangeSet) (Result, error) {
	var res Result
	plan, err := e.plan(ctx, cs)
	if err != nil {
		return res, err
	}
	if plan.empty() {
		return res, nil
	}

	ordered, fixups, err := e.orderInserts(plan)
	if err != nil {
		return res, err
	}
	deleteOrder, preNulls, err := e.orderDeletes(plan)
	if err != nil {
		return res, err
	}

	staged := newStaging(e.ids)

	// Inserts in dependency order, batching contiguous same-shape runs.
	batches := e.batchInserts(ordered)
	for _, batch := range batches {
		if err := e.execInsertBatch(ctx, batch, staged); err != nil {
			return res, err
		}
		res.Inserts += len(batch.nodes)
	}
	// Deferred foreign key assignments from broken insert cycles.
	for _, fx := range fixups {
		if err := e.execFixup(ctx, fx); err != nil {
			return res, err
		}
		res.Updates++
	}
	// Updates, deterministic per plan order.
	for _, n := range plan.updates {
		applied, err := e.execUpdate(ctx, n)
		if err != nil {
			return res, err
		}
		if applied {
			res.Updates++
			staged.flushed(n.inst)
		}
	}
	// Association table membership diffs.
	for _, op := range plan.secondaryInserts {
		if err := e.execSecondaryInsert(ctx, op); err != nil {
			return res, err
		}
		res.SecondaryWrites++
	}
	for _, op := range plan.secondaryDeletes {
		if err := e.execSecondaryDelete(ctx, op); err != nil {
			return res, err
		}
		res.SecondaryWrites++
	}
	// Foreign key null-outs that must precede deletes in a cycle.
	for _, fx := range preNulls {
		if err := e.execFixup(ctx, fx); err != nil {
			return res, err
		}
		res.Updates++
	}
	// Deletes, children before parents.
	for _, n := range deleteOrder {
		if err := e.execDelete(ctx, n, staged); err != nil {
			return res, err
		}
		if !n.elide {
			res.Deletes++
		}
	}

	for _, owner := range plan.collectionOwners {
		staged.flushed(owner)
	}

	staged.apply()
	e.log.Debugw("flush complete",
		"inserts", res.Inserts, "updates", res.Updates, "deletes", res.Deletes,
		"secondary", res.SecondaryWrites)
	return res, nil
}

// insertBatch is a run of contiguous insert nodes sharing a table and column
// set, executed as one statement.
type insertBatch struct {
	table   string
	columns []string
	nodes   []*opNode
}

// batchInserts groups ordered insert nodes into maximal contiguous runs with
// identical table and column sets. Batching never reorders: a run breaks
// whenever the next node differs, or when the next node's foreign keys
// reference a row inside the run, since batched rows are built before any of
// them executes.
func (e *Engine) batchInserts(ordered []*opNode) []*insertBatch {
	var batches []*insertBatch
	var cur *insertBatch
	for _, n := range ordered {
		cols := e.insertColumns(n)
		if cur != nil && cur.table == n.table() && sameStrings(cur.columns, cols) && !dependsOnBatch(n, cur) {
			cur.nodes = append(cur.nodes, n)
			continue
		}
		cur = &insertBatch{table: n.table(), columns: cols, nodes: []*opNode{n}}
		batches = append(batches, cur)
	}
	return batches
}

// dependsOnBatch reports whether a node's foreign key values come from an
// instance already in the batch. Columns forced NULL by a cycle break carry no
// dependency; the fixup assigns them later.
func dependsOnBatch(n *opNode, batch *insertBatch) bool {
	members := make(map[*state.Instance]struct{}, len(batch.nodes))
	for _, m := range batch.nodes {
		members[m.inst] = struct{}{}
	}
	for _, b := range n.inst.Descriptor().Relationships() {
		if !b.FKOnOwner || b.Secondary != "" || !b.Writable() {
			continue
		}
		target, st := n.inst.Scalar(b.Name)
		if st != state.Loaded || target == nil {
			continue
		}
		if _, in := members[target]; !in {
			continue
		}
		for _, term := range b.Join {
			if _, forced := n.forcedNull[term.Local]; !forced {
				return true
			}
		}
	}
	for _, a := range n.assigns {
		if a.null || a.parent == nil {
			continue
		}
		if _, forced := n.forcedNull[a.col]; forced {
			continue
		}
		if _, in := members[a.parent]; in {
			return true
		}
	}
	return false
}

func (e *Engine) execInsertBatch(ctx context.Context, batch *insertBatch, staged *staging) error {
	rows := make([]executor.Row, 0, len(batch.nodes))
	var returning []string
	for _, n := range batch.nodes {
		row, ret, err := e.insertRow(n)
		if err != nil {
			return err
		}
		rows = append(rows, row)
		returning = ret
	}
	stmt := executor.InsertStatement{
		ID:        uuid.NewString(),
		Table:     batch.table,
		Rows:      rows,
		Returning: returning,
	}
	generated, err := e.exec.Insert(ctx, stmt)
	e.metrics.StatementIssued("insert", batch.table)
	if err != nil {
		first := batch.nodes[0]
		return ormerr.StatementError{Entity: first.inst.Descriptor().Name, Table: batch.table, Kind: "insert", Err: err}
	}
	for i, n := range batch.nodes {
		if len(returning) > 0 && i < len(generated) {
			for _, col := range returning {
				if v, ok := generated[i][col]; ok {
					if attr, ok := e.attrFor(n.inst.Descriptor(), col); ok {
						n.inst.Populate(attr, v)
					}
				}
			}
		}
		key, ok := n.inst.BindKey()
		if !ok {
			return ormerr.FlushConstraintError{Entity: n.inst.Descriptor().Name, Detail: "inserted row has no primary key value"}
		}
		if existing, ok := e.ids.Get(key); ok && existing != n.inst {
			return ormerr.IdentityConflictError{Entity: key.Entity, Key: key.String()}
		}
		// Joined-tables entities insert their supplemental rows right
		// after the primary row, outside the batch.
		if err := e.insertJoinedRows(ctx, n); err != nil {
			return err
		}
		staged.inserted(n.inst, key)
	}
	return nil
}

// insertJoinedRows writes the non-primary table rows of a multi-table entity.
func (e *Engine) insertJoinedRows(ctx context.Context, n *opNode) error {
	desc := n.inst.Descriptor()
	tables := desc.Tables()
	if len(tables) == 1 {
		return nil
	}
	pkCols := desc.PrimaryKey()
	pkVals := n.inst.PrimaryKeyValues()
	for _, tb := range tables[1:] {
		row := executor.Row{}
		for i, col := range pkCols {
			row[col] = pkVals[i]
		}
		for _, cb := range tb.Columns {
			if v, ok := n.inst.Get(cb.Attr); ok {
				row[cb.Column] = v
			}
		}
		stmt := executor.InsertStatement{ID: uuid.NewString(), Table: tb.Table, Rows: []executor.Row{row}}
		if _, err := e.exec.Insert(ctx, stmt); err != nil {
			return ormerr.StatementError{Entity: desc.Name, Table: tb.Table, Kind: "insert", Err: err}
		}
		e.metrics.StatementIssued("insert", tb.Table)
	}
	return nil
}

// execUpdate emits the UPDATE statements for one dirty instance, split per
// mapped table. Reports whether any statement was issued.
func (e *Engine) execUpdate(ctx context.Context, n *opNode) (bool, error) {
	desc := n.inst.Descriptor()
	sets, err := e.updateSets(n)
	if err != nil {
		return false, err
	}
	if len(sets) == 0 {
		return false, nil
	}
	key, _ := n.inst.Key()
	pkVals := n.inst.PrimaryKeyValues()
	for _, ts := range sets {
		where := e.pkWhere(desc, pkVals)
		var expected int64 = 1
		if ts.table == desc.Table() && desc.VersionColumn() != "" {
			prev, ok := n.inst.CommittedValue(desc.VersionAttr())
			if ok {
				where = expr.AndOf(where, expr.Eq(expr.Col(desc.VersionColumn()), prev))
			}
		}
		stmt := executor.UpdateStatement{
			ID:    uuid.NewString(),
			Table: ts.table,
			Set:   ts.set,
			Where: where,
		}
		affected, err := e.exec.Update(ctx, stmt)
		e.metrics.StatementIssued("update", ts.table)
		if err != nil {
			return false, ormerr.StatementError{Entity: desc.Name, Table: ts.table, Kind: "update", Key: key.String(), Err: err}
		}
		if affected != expected {
			return false, ormerr.StaleDataError{Entity: desc.Name, Key: key.String(), Table: ts.table, Expected: expected, Affected: affected}
		}
	}
	return true, nil
}

func (e *Engine) execDelete(ctx context.Context, n *opNode, staged *staging) error {
	desc := n.inst.Descriptor()
	key, _ := n.inst.Key()
	if !n.elide {
		pkVals := n.inst.PrimaryKeyValues()
		tables := desc.Tables()
		// Supplemental tables first so the primary row, which carries the
		// version check, goes last.
		for i := len(tables) - 1; i >= 0; i-- {
			table := tables[i].Table
			where := e.pkWhere(desc, pkVals)
			var expected int64 = 1
			if i == 0 && desc.VersionColumn() != "" {
				if prev, ok := n.inst.CommittedValue(desc.VersionAttr()); ok {
					where = expr.AndOf(where, expr.Eq(expr.Col(desc.VersionColumn()), prev))
				}
			}
			stmt := executor.DeleteStatement{ID: uuid.NewString(), Table: table, Where: where}
			affected, err := e.exec.Delete(ctx, stmt)
			e.metrics.StatementIssued("delete", table)
			if err != nil {
				return ormerr.StatementError{Entity: desc.Name, Table: table, Kind: "delete", Key: key.String(), Err: err}
			}
			if i == 0 && affected != expected {
				return ormerr.StaleDataError{Entity: desc.Name, Key: key.String(), Table: table, Expected: expected, Affected: affected}
			}
		}
	}
	staged.deleted(n.inst)
	return nil
}

// execFixup applies one deferred foreign key assignment.
func (e *Engine) execFixup(ctx context.Context, fx *fkFixup) error {
	desc := fx.child.Descriptor()
	set := executor.Row{}
	for col, v := range fx.values() {
		set[col] = v
	}
	stmt := executor.UpdateStatement{
		ID:    uuid.NewString(),
		Table: desc.Table(),
		Set:   set,
		Where: e.pkWhere(desc, fx.child.PrimaryKeyValues()),
	}
	affected, err := e.exec.Update(ctx, stmt)
	e.metrics.StatementIssued("update", desc.Table())
	key, _ := fx.child.Key()
	if err != nil {
		return ormerr.StatementError{Entity: desc.Name, Table: desc.Table(), Kind: "update", Key: key.String(), Err: err}
	}
	if affected != 1 {
		return ormerr.StaleDataError{Entity: desc.Name, Key: key.String(), Table: desc.Table(), Expected: 1, Affected: affected}
	}
	// Keep the in-memory attributes aligned with what was written.
	for attr, v := range fx.attrValues() {
		fx.child.Populate(attr, v)
	}
	return nil
}

func (e *Engine) execSecondaryInsert(ctx context.Context, op *secondaryOp) error {
	row, err := op.row()
	if err != nil {
		return err
	}
	stmt := executor.InsertStatement{ID: uuid.NewString(), Table: op.table, Rows: []executor.Row{row}}
	if _, err := e.exec.Insert(ctx, stmt); err != nil {
		return ormerr.StatementError{Entity: op.binding.Owner.Name, Table: op.table, Kind: "insert", Err: err}
	}
	e.metrics.StatementIssued("insert", op.table)
	return nil
}

func (e *Engine) execSecondaryDelete(ctx context.Context, op *secondaryOp) error {
	row, err := op.row()
	if err != nil {
		return err
	}
	stmt := executor.DeleteStatement{ID: uuid.NewString(), Table: op.table, Where: expr.AndOf(sortedPreds(row)...)}
	if _, err := e.exec.Delete(ctx, stmt); err != nil {
		return ormerr.StatementError{Entity: op.binding.Owner.Name, Table: op.table, Kind: "delete", Err: err}
	}
	e.metrics.StatementIssued("delete", op.table)
	return nil
}

// pkWhere builds the primary key predicate for one instance.
func (e *Engine) pkWhere(desc *mapping.EntityDescriptor, pkVals []any) expr.Node {
	cols := desc.PrimaryKey()
	preds := make([]expr.Node, len(cols))
	for i, col := range cols {
		preds[i] = expr.Eq(expr.Col(col), pkVals[i])
	}
	return expr.AndOf(preds...)
}

func (e *Engine) attrFor(desc *mapping.EntityDescriptor, column string) (string, bool) {
	for _, tb := range desc.Tables() {
		for _, cb := range tb.Columns {
			if cb.Column == column {
				return cb.Attr, true
			}
		}
	}
	return "", false
}

// staging accumulates lifecycle transitions and identity-map registrations,
// applying them only after every statement has succeeded. A flush that errors
// out leaves the map and every instance exactly as they were.
type staging struct {
	ids     *identity.Map
	inserts []stagedInsert
	updates []*state.Instance
	deletes []*state.Instance
}

type stagedInsert struct {
	inst *state.Instance
	key  state.Key
}

func newStaging(ids *identity.Map) *staging { return &staging{ids: ids} }

func (s *staging) inserted(inst *state.Instance, key state.Key) {
	s.inserts = append(s.inserts, stagedInsert{inst: inst, key: key})
}
func (s *staging) flushed(inst *state.Instance) { s.updates = append(s.updates, inst) }
func (s *staging) deleted(inst *state.Instance) { s.deletes = append(s.deletes, inst) }

func (s *staging) apply() {
	for _, si := range s.inserts {
		si.inst.MarkFlushed()
		si.inst.SetStatus(state.Persistent)
		// Conflicts were checked before staging.
		_ = s.ids.Add(si.key, si.inst)
	}
	for _, inst := range s.updates {
		inst.MarkFlushed()
	}
	for _, inst := range s.deletes {
		if key, ok := inst.Key(); ok {
			s.ids.Remove(key)
		}
		inst.SetStatus(state.Deleted)
	}
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedPreds(row executor.Row) []expr.Node {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	preds := make([]expr.Node, 0, len(cols))
	for _, col := range cols {
		v := row[col]
		if v == nil {
			preds = append(preds, expr.IsNull(expr.Col(col)))
			continue
		}
		preds = append(preds, expr.Eq(expr.Col(col), v))
	}
	return preds
}
