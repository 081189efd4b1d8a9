package flush

import (
	"context"

	"ormcore/internal/state"
	"ormcore/pkg/executor"
	"ormcore/pkg/mapping"
	"ormcore/pkg/ormerr"
)

type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opDelete
)

// fkAssign defers one foreign key attribute to a parent's column value, which
// may not exist until the parent's INSERT has run.
type fkAssign struct {
	attr      string
	col       string
	parent    *state.Instance
	parentCol string
	null      bool
}

func (a fkAssign) value() any {
	if a.null || a.parent == nil {
		return nil
	}
	if attr, ok := attrForColumn(a.parent.Descriptor(), a.parentCol); ok {
		if v, ok := a.parent.Get(attr); ok {
			return v
		}
	}
	return nil
}

// opNode is one instance-level operation in the flush plan.
type opNode struct {
	kind opKind
	inst *state.Instance
	seq  int
	// elide suppresses the DELETE statement when the database cascades the
	// row removal itself; the lifecycle transition still applies.
	elide bool
	// assigns carries deferred foreign key values applied when the
	// statement is built.
	assigns []fkAssign
	// forcedNull lists foreign key columns written as NULL at insert time
	// because a dependency cycle was broken on them.
	forcedNull map[string]struct{}
}

func (n *opNode) table() string { return n.inst.Descriptor().Table() }

func (n *opNode) forceNull(col string) {
	if n.forcedNull == nil {
		n.forcedNull = make(map[string]struct{})
	}
	n.forcedNull[col] = struct{}{}
}

// fkFixup is an UPDATE emitted outside the main per-instance statements:
// either assigning foreign keys deferred by an insert-cycle break, or nulling
// them ahead of a delete cycle.
type fkFixup struct {
	child   *state.Instance
	assigns []fkAssign
}

func (f *fkFixup) values() map[string]any {
	out := make(map[string]any, len(f.assigns))
	for _, a := range f.assigns {
		out[a.col] = a.value()
	}
	return out
}

func (f *fkFixup) attrValues() map[string]any {
	out := make(map[string]any, len(f.assigns))
	for _, a := range f.assigns {
		out[a.attr] = a.value()
	}
	return out
}

// secondaryOp is one association table write. A nil target with allForOwner
// deletes every membership row of the owner.
type secondaryOp struct {
	binding     *mapping.RelationshipBinding
	table       string
	owner       *state.Instance
	target      *state.Instance
	allForOwner bool
}

// row builds the association row (or, for allForOwner, the owner-side
// predicate columns).
func (op *secondaryOp) row() (executor.Row, error) {
	row := executor.Row{}
	ownerDesc := op.owner.Descriptor()
	for _, term := range op.binding.Join {
		attr, ok := attrForColumn(ownerDesc, term.Local)
		if !ok {
			return nil, ormerr.ConfigError{Entity: ownerDesc.Name, Detail: "join column " + term.Local + " has no mapped attribute"}
		}
		v, _ := op.owner.Get(attr)
		row[term.Remote] = v
	}
	if op.allForOwner {
		return row, nil
	}
	targetDesc := op.target.Descriptor()
	for _, term := range op.binding.SecondaryJoin {
		attr, ok := attrForColumn(targetDesc, term.Remote)
		if !ok {
			return nil, ormerr.ConfigError{Entity: targetDesc.Name, Detail: "join column " + term.Remote + " has no mapped attribute"}
		}
		v, _ := op.target.Get(attr)
		row[term.Local] = v
	}
	return row, nil
}

// flushPlan is the expanded, pre-ordered set of operations for one flush.
type flushPlan struct {
	inserts []*opNode
	updates []*opNode
	deletes []*opNode

	insertByInst map[*state.Instance]*opNode
	updateByInst map[*state.Instance]*opNode
	deleteByInst map[*state.Instance]*opNode

	secondaryInserts []*secondaryOp
	secondaryDeletes []*secondaryOp

	// collectionOwners are instances whose collection diffs were consumed by
	// this plan; their snapshots reset once the flush succeeds.
	collectionOwners []*state.Instance

	seq int
}

func (p *flushPlan) empty() bool {
	return len(p.inserts) == 0 && len(p.updates) == 0 && len(p.deletes) == 0 &&
		len(p.secondaryInserts) == 0 && len(p.secondaryDeletes) == 0
}

func (p *flushPlan) addInsert(inst *state.Instance) *opNode {
	if n, ok := p.insertByInst[inst]; ok {
		return n
	}
	p.seq++
	n := &opNode{kind: opInsert, inst: inst, seq: p.seq}
	p.inserts = append(p.inserts, n)
	p.insertByInst[inst] = n
	return n
}

func (p *flushPlan) ensureUpdate(inst *state.Instance) *opNode {
	if n, ok := p.updateByInst[inst]; ok {
		return n
	}
	p.seq++
	n := &opNode{kind: opUpdate, inst: inst, seq: p.seq}
	p.updates = append(p.updates, n)
	p.updateByInst[inst] = n
	return n
}

func (p *flushPlan) addDelete(inst *state.Instance, elide bool) *opNode {
	if n, ok := p.deleteByInst[inst]; ok {
		if !elide {
			n.elide = false
		}
		return n
	}
	p.seq++
	n := &opNode{kind: opDelete, inst: inst, seq: p.seq, elide: elide}
	p.deletes = append(p.deletes, n)
	p.deleteByInst[inst] = n
	return n
}

// plan expands cascades and collection diffs into the full operation set.
func (e *Engine) plan(ctx context.Context, cs ChangeSet) (*flushPlan, error) {
	p := &flushPlan{
		insertByInst: make(map[*state.Instance]*opNode),
		updateByInst: make(map[*state.Instance]*opNode),
		deleteByInst: make(map[*state.Instance]*opNode),
	}

	saved, err := e.expandSaveUpdate(cs)
	if err != nil {
		return nil, err
	}
	for _, inst := range saved {
		switch inst.Status() {
		case state.Pending:
			p.addInsert(inst)
		case state.Persistent:
			if inst.Dirty() {
				p.ensureUpdate(inst)
			}
		}
	}

	if err := e.expandDeletes(ctx, cs, p); err != nil {
		return nil, err
	}
	if err := e.planOrphansAndForeignKeys(saved, p); err != nil {
		return nil, err
	}
	e.planSecondaryDiffs(saved, p)

	// An instance scheduled for deletion never also updates.
	if len(p.deleteByInst) > 0 {
		kept := p.updates[:0]
		for _, n := range p.updates {
			if _, gone := p.deleteByInst[n.inst]; !gone {
				kept = append(kept, n)
			} else {
				delete(p.updateByInst, n.inst)
			}
		}
		p.updates = kept
	}
	return p, nil
}

// expandSaveUpdate walks save-update cascade edges from the seeded instances,
// promoting reachable transient instances to pending. Returns the closure in
// deterministic walk order.
func (e *Engine) expandSaveUpdate(cs ChangeSet) ([]*state.Instance, error) {
	var out []*state.Instance
	seen := make(map[*state.Instance]struct{})
	var queue []*state.Instance
	enqueue := func(inst *state.Instance) {
		if _, ok := seen[inst]; ok {
			return
		}
		seen[inst] = struct{}{}
		queue = append(queue, inst)
	}
	for _, inst := range cs.Pending {
		enqueue(inst)
	}
	for _, inst := range cs.Dirty {
		enqueue(inst)
	}
	for len(queue) > 0 {
		inst := queue[0]
		queue = queue[1:]
		out = append(out, inst)
		for _, b := range inst.Descriptor().Relationships() {
			if !b.Cascade.SaveUpdate || !b.Writable() {
				continue
			}
			if b.Collection() {
				for _, item := range inst.Collection(b.Name).Items() {
					if item.Status() == state.Transient {
						item.SetStatus(state.Pending)
					}
					enqueue(item)
				}
				continue
			}
			target, st := inst.Scalar(b.Name)
			if st != state.Loaded || target == nil {
				continue
			}
			if target.Status() == state.Transient {
				target.SetStatus(state.Pending)
			}
			enqueue(target)
		}
	}
	return out, nil
}

// expandDeletes walks delete cascade edges from the scheduled deletions,
// loading unloaded children as needed, and schedules association row cleanup
// for deleted many-to-many owners.
func (e *Engine) expandDeletes(ctx context.Context, cs ChangeSet, p *flushPlan) error {
	type item struct {
		inst  *state.Instance
		elide bool
	}
	var queue []item
	for _, inst := range cs.Deletes {
		queue = append(queue, item{inst: inst})
	}
	seen := make(map[*state.Instance]struct{})
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if _, ok := seen[it.inst]; ok {
			continue
		}
		seen[it.inst] = struct{}{}
		p.addDelete(it.inst, it.elide)

		for _, b := range it.inst.Descriptor().Relationships() {
			if b.Secondary != "" {
				if !b.Writable() {
					continue
				}
				if !e.secondaryCascadedByDB(b, it.inst) {
					p.secondaryDeletes = append(p.secondaryDeletes, &secondaryOp{
						binding: b, table: b.Secondary, owner: it.inst, allForOwner: true,
					})
				}
				continue
			}
			cascade := b.Cascade.Delete || b.Cascade.DeleteOrphan
			if !cascade || !b.Writable() {
				continue
			}
			children, err := e.deleteChildren(ctx, it.inst, b)
			if err != nil {
				return err
			}
			for _, child := range children {
				if child.Status() != state.Persistent && child.Status() != state.Pending {
					continue
				}
				queue = append(queue, item{inst: child, elide: it.elide || b.DBDeleteCascade})
			}
		}
	}
	return nil
}

// deleteChildren returns the current members of a cascading relationship,
// loading them when not already in memory.
func (e *Engine) deleteChildren(ctx context.Context, inst *state.Instance, b *mapping.RelationshipBinding) ([]*state.Instance, error) {
	if b.Collection() {
		c := inst.Collection(b.Name)
		if c.State() != state.Loaded {
			if _, err := e.ld.LoadCollection(ctx, inst, b); err != nil {
				return nil, err
			}
		}
		return c.Items(), nil
	}
	target, st := inst.Scalar(b.Name)
	if st != state.Loaded {
		var err error
		target, err = e.ld.LoadScalar(ctx, inst, b)
		if err != nil {
			return nil, err
		}
	}
	if target == nil {
		return nil, nil
	}
	return []*state.Instance{target}, nil
}

// secondaryCascadedByDB reports whether the association table's foreign key
// to the owner cascades deletes in the database.
func (e *Engine) secondaryCascadedByDB(b *mapping.RelationshipBinding, owner *state.Instance) bool {
	for _, fk := range e.reg.Catalog().ForeignKeysBetween(b.Secondary, owner.Descriptor().Table()) {
		if fk.OnDeleteCascade {
			return true
		}
	}
	return false
}

// planOrphansAndForeignKeys handles collection membership changes on
// relationships whose foreign key lives on the target and that have no
// paired inverse: added members get the owner's key written into their
// foreign key, removed members are orphan-deleted or disassociated with a
// NULL write. Paired relationships need none of this; the shared mutation
// path already marked the member's scalar side dirty.
func (e *Engine) planOrphansAndForeignKeys(saved []*state.Instance, p *flushPlan) error {
	for _, inst := range saved {
		for _, b := range inst.Descriptor().Relationships() {
			if !b.Collection() || b.Secondary != "" || !b.Writable() {
				continue
			}
			c := inst.Collection(b.Name)
			if c.Changed() {
				p.collectionOwners = append(p.collectionOwners, inst)
			}
			removed := c.Removed()
			if b.Cascade.DeleteOrphan {
				for _, child := range removed {
					if child.Status() == state.Persistent {
						p.addDelete(child, false)
					}
				}
			}
			if b.Inverse != nil {
				continue
			}
			for _, child := range c.Added() {
				assigns, err := ownerKeyAssigns(inst, child, b, false)
				if err != nil {
					return err
				}
				switch child.Status() {
				case state.Pending:
					if n, ok := p.insertByInst[child]; ok {
						n.assigns = append(n.assigns, assigns...)
					}
				case state.Persistent:
					n := p.ensureUpdate(child)
					n.assigns = append(n.assigns, assigns...)
				}
			}
			if !b.Cascade.DeleteOrphan {
				for _, child := range removed {
					if child.Status() != state.Persistent {
						continue
					}
					assigns, err := ownerKeyAssigns(inst, child, b, true)
					if err != nil {
						return err
					}
					n := p.ensureUpdate(child)
					n.assigns = append(n.assigns, assigns...)
				}
			}
		}
	}
	return nil
}

// ownerKeyAssigns builds the foreign key assignments tying child to owner
// along a one-to-many edge (Local columns on the owner, Remote on the child).
func ownerKeyAssigns(owner, child *state.Instance, b *mapping.RelationshipBinding, null bool) ([]fkAssign, error) {
	out := make([]fkAssign, 0, len(b.Join))
	for _, term := range b.Join {
		attr, ok := attrForColumn(child.Descriptor(), term.Remote)
		if !ok {
			return nil, ormerr.ConfigError{Entity: child.Descriptor().Name, Detail: "join column " + term.Remote + " has no mapped attribute"}
		}
		out = append(out, fkAssign{attr: attr, col: term.Remote, parent: owner, parentCol: term.Local, null: null})
	}
	return out, nil
}

// planSecondaryDiffs turns many-to-many collection membership changes into
// association row inserts and deletes, emitted from the declared side of a
// pair only.
func (e *Engine) planSecondaryDiffs(saved []*state.Instance, p *flushPlan) {
	for _, inst := range saved {
		for _, b := range inst.Descriptor().Relationships() {
			if b.Secondary == "" || !b.Writable() || !b.PrimarySide() {
				continue
			}
			c := inst.Collection(b.Name)
			if c.Changed() {
				p.collectionOwners = append(p.collectionOwners, inst)
			}
			for _, target := range c.Added() {
				p.secondaryInserts = append(p.secondaryInserts, &secondaryOp{
					binding: b, table: b.Secondary, owner: inst, target: target,
				})
			}
			for _, target := range c.Removed() {
				p.secondaryDeletes = append(p.secondaryDeletes, &secondaryOp{
					binding: b, table: b.Secondary, owner: inst, target: target,
				})
			}
		}
	}
}

func attrForColumn(desc *mapping.EntityDescriptor, column string) (string, bool) {
	for _, tb := range desc.Tables() {
		for _, cb := range tb.Columns {
			if cb.Column == column {
				return cb.Attr, true
			}
		}
	}
	return "", false
}
