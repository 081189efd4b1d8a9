package flush

import (
	"ormcore/internal/state"
	"ormcore/pkg/executor"
)

// generatedKey reports whether the node's primary key is expected from the
// database: a single key column with no value yet.
func generatedKey(n *opNode) (string, bool) {
	desc := n.inst.Descriptor()
	pkCols := desc.PrimaryKey()
	if len(pkCols) != 1 {
		return "", false
	}
	attrs := desc.PrimaryKeyAttrs()
	if v, ok := n.inst.Get(attrs[0]); ok && v != nil {
		return "", false
	}
	return pkCols[0], true
}

// insertColumns returns the primary-table column set of an insert node in
// declaration order, used to decide statement batching.
func (e *Engine) insertColumns(n *opNode) []string {
	desc := n.inst.Descriptor()
	genCol, gen := generatedKey(n)
	var cols []string
	for _, cb := range desc.Tables()[0].Columns {
		if gen && cb.Column == genCol {
			continue
		}
		cols = append(cols, cb.Column)
	}
	return cols
}

// insertRow builds the primary-table row for an insert node, synchronizing
// foreign key attributes from relationship state first. Parents ordered
// earlier have their keys by the time this runs.
func (e *Engine) insertRow(n *opNode) (executor.Row, []string, error) {
	desc := n.inst.Descriptor()
	if err := e.syncForeignKeys(n); err != nil {
		return nil, nil, err
	}
	if attr := desc.VersionAttr(); attr != "" {
		if v, ok := n.inst.Get(attr); !ok || v == nil {
			n.inst.Set(attr, int64(1))
		}
	}
	genCol, gen := generatedKey(n)
	row := executor.Row{}
	for _, cb := range desc.Tables()[0].Columns {
		if gen && cb.Column == genCol {
			continue
		}
		v, _ := n.inst.Get(cb.Attr)
		row[cb.Column] = v
	}
	var returning []string
	if gen {
		returning = []string{genCol}
	}
	return row, returning, nil
}

// syncForeignKeys writes the node's relationship state into its foreign key
// attributes: loaded to-one references, deferred owner-key assignments, and
// NULLs for columns a cycle break deferred.
func (e *Engine) syncForeignKeys(n *opNode) error {
	desc := n.inst.Descriptor()
	for _, b := range desc.Relationships() {
		if !b.FKOnOwner || b.Secondary != "" || !b.Writable() {
			continue
		}
		target, st := n.inst.Scalar(b.Name)
		if st != state.Loaded {
			continue
		}
		for _, term := range b.Join {
			attr, ok := attrForColumn(desc, term.Local)
			if !ok {
				continue
			}
			if _, forced := n.forcedNull[term.Local]; forced || target == nil {
				n.inst.Set(attr, nil)
				continue
			}
			n.inst.Set(attr, remoteValue(target, term.Remote))
		}
	}
	for _, a := range n.assigns {
		if _, forced := n.forcedNull[a.col]; forced {
			continue
		}
		n.inst.Set(a.attr, a.value())
	}
	return nil
}

func remoteValue(target *state.Instance, column string) any {
	attr, ok := attrForColumn(target.Descriptor(), column)
	if !ok {
		return nil
	}
	v, _ := target.Get(attr)
	return v
}

// tableSet is the SET clause of one UPDATE against one mapped table.
type tableSet struct {
	table string
	set   executor.Row
}

// updateSets builds the per-table SET clauses for a dirty instance: modified
// column attributes plus foreign key changes from dirty to-one references and
// deferred assignments. The version column increments on the primary table.
func (e *Engine) updateSets(n *opNode) ([]tableSet, error) {
	desc := n.inst.Descriptor()
	for _, name := range n.inst.DirtyScalarRels() {
		b, ok := desc.Relationship(name)
		if !ok || !b.FKOnOwner || b.Secondary != "" || !b.Writable() {
			continue
		}
		target, _ := n.inst.Scalar(name)
		for _, term := range b.Join {
			attr, ok := attrForColumn(desc, term.Local)
			if !ok {
				continue
			}
			if target == nil {
				n.inst.Set(attr, nil)
				continue
			}
			n.inst.Set(attr, remoteValue(target, term.Remote))
		}
	}
	for _, a := range n.assigns {
		n.inst.Set(a.attr, a.value())
	}

	pk := make(map[string]struct{})
	for _, attr := range desc.PrimaryKeyAttrs() {
		pk[attr] = struct{}{}
	}
	versionAttr := desc.VersionAttr()
	var sets []tableSet
	bySet := make(map[string]int)
	for _, attr := range n.inst.ModifiedAttrs() {
		if _, isKey := pk[attr]; isKey {
			continue
		}
		if attr == versionAttr {
			continue
		}
		cb, ok := desc.ColumnForAttr(attr)
		if !ok {
			continue
		}
		idx, seen := bySet[cb.Table]
		if !seen {
			sets = append(sets, tableSet{table: cb.Table, set: executor.Row{}})
			idx = len(sets) - 1
			bySet[cb.Table] = idx
		}
		v, _ := n.inst.Get(attr)
		sets[idx].set[cb.Column] = v
	}
	if len(sets) == 0 {
		return nil, nil
	}
	if versionAttr != "" {
		prev, _ := n.inst.CommittedValue(versionAttr)
		next := toInt64(prev) + 1
		idx, seen := bySet[desc.Table()]
		if !seen {
			sets = append(sets, tableSet{table: desc.Table(), set: executor.Row{}})
			idx = len(sets) - 1
		}
		sets[idx].set[desc.VersionColumn()] = next
		n.inst.Set(versionAttr, next)
	}
	return sets, nil
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
