package state

import "ormcore/pkg/mapping"

// Relationship mutations route through the three functions below. Each keeps
// the inverse side of a bidirectional pair consistent in memory by updating
// it directly, never through listeners, so both sides are always auditable
// from the call site.

// SetScalar assigns a to-one relationship value. Passing nil clears it.
func SetScalar(inst *Instance, rel *mapping.RelationshipBinding, target *Instance) {
	old := inst.scalars[rel.Name]
	if old == target {
		inst.scalarState[rel.Name] = Loaded
		return
	}
	inst.scalars[rel.Name] = target
	inst.scalarState[rel.Name] = Loaded
	inst.scalarDirty[rel.Name] = true

	inv := rel.Inverse
	if inv == nil {
		return
	}
	if inv.Collection() {
		if old != nil {
			old.Collection(inv.Name).remove(inst)
		}
		if target != nil {
			target.Collection(inv.Name).add(inst)
		}
		return
	}
	if old != nil {
		old.scalars[inv.Name] = nil
		old.scalarState[inv.Name] = Loaded
	}
	if target != nil {
		target.scalars[inv.Name] = inst
		target.scalarState[inv.Name] = Loaded
		if inv.FKOnOwner {
			target.scalarDirty[inv.Name] = true
		}
	}
}

// Append adds a member to a to-many relationship collection.
func Append(inst *Instance, rel *mapping.RelationshipBinding, child *Instance) {
	c := inst.Collection(rel.Name)
	if c.Contains(child) {
		return
	}
	c.add(child)

	inv := rel.Inverse
	if inv == nil {
		return
	}
	if inv.Collection() {
		child.Collection(inv.Name).add(inst)
		return
	}
	prev := child.scalars[inv.Name]
	if prev != nil && prev != inst {
		prev.Collection(rel.Name).remove(child)
	}
	child.scalars[inv.Name] = inst
	child.scalarState[inv.Name] = Loaded
	child.scalarDirty[inv.Name] = true
}

// Remove takes a member out of a to-many relationship collection.
func Remove(inst *Instance, rel *mapping.RelationshipBinding, child *Instance) {
	c := inst.Collection(rel.Name)
	if !c.Contains(child) {
		return
	}
	c.remove(child)

	inv := rel.Inverse
	if inv == nil {
		return
	}
	if inv.Collection() {
		child.Collection(inv.Name).remove(inst)
		return
	}
	if child.scalars[inv.Name] == inst {
		child.scalars[inv.Name] = nil
		child.scalarState[inv.Name] = Loaded
		child.scalarDirty[inv.Name] = true
	}
}

// ReplaceCollection sets a to-many relationship's membership wholesale,
// diffing against current members so adds and removals track correctly.
func ReplaceCollection(inst *Instance, rel *mapping.RelationshipBinding, members []*Instance) {
	want := make(map[*Instance]struct{}, len(members))
	for _, m := range members {
		want[m] = struct{}{}
	}
	c := inst.Collection(rel.Name)
	for _, cur := range c.Items() {
		if _, keep := want[cur]; !keep {
			Remove(inst, rel, cur)
		}
	}
	for _, m := range members {
		Append(inst, rel, m)
	}
}

// PopulateScalar records a to-one value arriving from a load without marking
// anything dirty.
func PopulateScalar(inst *Instance, rel *mapping.RelationshipBinding, target *Instance) {
	inst.setScalarLoaded(rel.Name, target)
}
