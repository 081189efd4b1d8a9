package session

import (
	"context"

	"ormcore/internal/state"
	"ormcore/pkg/expr"
	"ormcore/pkg/mapping"
	"ormcore/pkg/ormerr"
)

// Status is an object's lifecycle state as seen by callers.
type Status string

const (
	StatusTransient  Status = "transient"
	StatusPending    Status = "pending"
	StatusPersistent Status = "persistent"
	StatusDeleted    Status = "deleted"
	StatusDetached   Status = "detached"
)

func statusOf(s state.Status) Status {
	switch s {
	case state.Pending:
		return StatusPending
	case state.Persistent:
		return StatusPersistent
	case state.Deleted:
		return StatusDeleted
	case state.Detached:
		return StatusDetached
	default:
		return StatusTransient
	}
}

// Object is the handle through which callers read and mutate one mapped
// instance. All state lives in the session; an Object is just a view.
type Object struct {
	sess *Session
	inst *state.Instance
}

// Entity returns the mapped entity name.
func (o *Object) Entity() string { return o.inst.Descriptor().Name }

// Status returns the lifecycle state.
func (o *Object) Status() Status { return statusOf(o.inst.Status()) }

// PrimaryKey returns the current primary key values, with nils for unset
// components.
func (o *Object) PrimaryKey() []any { return o.inst.PrimaryKeyValues() }

// Peek returns an attribute's in-memory value without triggering any load.
func (o *Object) Peek(attr string) (any, bool) { return o.inst.Get(attr) }

// Value returns an attribute, loading it first when it is deferred or
// expired. Detached objects cannot load.
func (o *Object) Value(ctx context.Context, attr string) (any, error) {
	desc := o.inst.Descriptor()
	if _, ok := desc.ColumnForAttr(attr); !ok {
		return nil, ormerr.ConfigError{Entity: desc.Name, Detail: "unknown attribute " + attr}
	}
	switch o.inst.AttrState(attr) {
	case state.Loaded:
		v, _ := o.inst.Get(attr)
		return v, nil
	case state.Unloaded:
		if o.inst.Status() == state.Transient || o.inst.Status() == state.Pending {
			v, _ := o.inst.Get(attr)
			return v, nil
		}
	}
	if o.inst.Status() == state.Detached {
		return nil, ormerr.DetachedInstanceError{Entity: desc.Name, Relationship: attr}
	}
	if err := o.sess.ld.LoadAttributes(ctx, o.inst, []string{attr}); err != nil {
		return nil, err
	}
	v, _ := o.inst.Get(attr)
	return v, nil
}

// Set assigns a column attribute. Primary key attributes are immutable once
// the object has a database identity.
func (o *Object) Set(attr string, v any) error {
	desc := o.inst.Descriptor()
	if _, ok := desc.ColumnForAttr(attr); !ok {
		return ormerr.ConfigError{Entity: desc.Name, Detail: "unknown attribute " + attr}
	}
	if _, hasKey := o.inst.Key(); hasKey {
		for _, pk := range desc.PrimaryKeyAttrs() {
			if pk == attr {
				return ormerr.ConfigError{Entity: desc.Name, Detail: "primary key attribute " + attr + " is immutable once persistent"}
			}
		}
	}
	o.inst.Set(attr, v)
	o.sess.retain(o.inst)
	return nil
}

// Ref returns a to-one relationship value, lazily loading it on first access.
func (o *Object) Ref(ctx context.Context, rel string) (*Object, error) {
	b, err := o.binding(rel)
	if err != nil {
		return nil, err
	}
	if b.Collection() {
		return nil, ormerr.ConfigError{Entity: o.Entity(), Detail: "relationship " + rel + " is a collection; use Items"}
	}
	if target, st := o.inst.Scalar(rel); st == state.Loaded {
		return o.sess.wrapNilable(target), nil
	}
	if o.inst.Status() == state.Detached {
		return nil, ormerr.DetachedInstanceError{Entity: o.Entity(), Relationship: rel}
	}
	target, err := o.sess.ld.LoadScalar(ctx, o.inst, b)
	if err != nil {
		return nil, err
	}
	return o.sess.wrapNilable(target), nil
}

// SetRef assigns a to-one relationship. A nil target clears it. The inverse
// side, if any, is kept consistent in memory.
func (o *Object) SetRef(rel string, target *Object) error {
	b, err := o.binding(rel)
	if err != nil {
		return err
	}
	if b.Collection() {
		return ormerr.ConfigError{Entity: o.Entity(), Detail: "relationship " + rel + " is a collection; use Append"}
	}
	if b.ViewOnly {
		return ormerr.ConfigError{Entity: o.Entity(), Detail: "relationship " + rel + " is view-only"}
	}
	var inst *state.Instance
	if target != nil {
		inst = target.inst
	}
	state.SetScalar(o.inst, b, inst)
	o.sess.retain(o.inst)
	return nil
}

// Items returns a to-many relationship's members, lazily loading them on
// first access.
func (o *Object) Items(ctx context.Context, rel string) ([]*Object, error) {
	b, err := o.binding(rel)
	if err != nil {
		return nil, err
	}
	if !b.Collection() {
		return nil, ormerr.ConfigError{Entity: o.Entity(), Detail: "relationship " + rel + " is not a collection; use Ref"}
	}
	c := o.inst.Collection(rel)
	if c.State() != state.Loaded {
		if o.inst.Status() == state.Detached {
			return nil, ormerr.DetachedInstanceError{Entity: o.Entity(), Relationship: rel}
		}
		if _, err := o.sess.ld.LoadCollection(ctx, o.inst, b); err != nil {
			return nil, err
		}
	}
	return o.sess.wrapAll(c.Items()), nil
}

// Append adds a member to a to-many relationship, loading current membership
// first so removal diffs stay accurate. The inverse side is kept consistent.
func (o *Object) Append(ctx context.Context, rel string, child *Object) error {
	b, err := o.writableCollection(rel)
	if err != nil {
		return err
	}
	if err := o.ensureMembershipLoaded(ctx, rel, b); err != nil {
		return err
	}
	state.Append(o.inst, b, child.inst)
	o.sess.retain(o.inst)
	return nil
}

// Remove takes a member out of a to-many relationship.
func (o *Object) Remove(ctx context.Context, rel string, child *Object) error {
	b, err := o.writableCollection(rel)
	if err != nil {
		return err
	}
	if err := o.ensureMembershipLoaded(ctx, rel, b); err != nil {
		return err
	}
	state.Remove(o.inst, b, child.inst)
	o.sess.retain(o.inst)
	return nil
}

// Relation opens a query scoped to a relationship. This is the read path for
// dynamic relationships, and works for any to-many binding.
func (o *Object) Relation(rel string) *RelationQuery {
	b, err := o.binding(rel)
	rq := &RelationQuery{obj: o, binding: b, err: err}
	if err == nil && !b.Collection() {
		rq.err = ormerr.ConfigError{Entity: o.Entity(), Detail: "relationship " + rel + " is not a collection"}
	}
	return rq
}

func (o *Object) binding(rel string) (*mapping.RelationshipBinding, error) {
	b, ok := o.inst.Descriptor().Relationship(rel)
	if !ok {
		return nil, ormerr.ConfigError{Entity: o.Entity(), Detail: "unknown relationship " + rel}
	}
	return b, nil
}

func (o *Object) writableCollection(rel string) (*mapping.RelationshipBinding, error) {
	b, err := o.binding(rel)
	if err != nil {
		return nil, err
	}
	if !b.Collection() {
		return nil, ormerr.ConfigError{Entity: o.Entity(), Detail: "relationship " + rel + " is not a collection"}
	}
	if b.ViewOnly {
		return nil, ormerr.ConfigError{Entity: o.Entity(), Detail: "relationship " + rel + " is view-only"}
	}
	return b, nil
}

// ensureMembershipLoaded fetches current membership before a mutation so the
// flush diff sees true adds and removals. Dynamic relationships skip the
// load; their membership is never held in memory.
func (o *Object) ensureMembershipLoaded(ctx context.Context, rel string, b *mapping.RelationshipBinding) error {
	if b.Load == mapping.LoadDynamic || b.Load == mapping.LoadNoLoad {
		return nil
	}
	if o.inst.Status() != state.Persistent {
		return nil
	}
	c := o.inst.Collection(rel)
	if c.State() == state.Loaded {
		return nil
	}
	_, err := o.sess.ld.LoadCollection(ctx, o.inst, b)
	return err
}

// RelationQuery reads a relationship as a filtered query instead of
// populating the owner's collection.
type RelationQuery struct {
	obj     *Object
	binding *mapping.RelationshipBinding
	where   expr.Node
	limit   int
	err     error
}

// Where restricts the related rows. Successive calls conjoin.
func (rq *RelationQuery) Where(pred expr.Node) *RelationQuery {
	rq.where = expr.AndOf(rq.where, pred)
	return rq
}

// Limit caps the number of returned rows.
func (rq *RelationQuery) Limit(n int) *RelationQuery {
	rq.limit = n
	return rq
}

// All runs the relationship query.
func (rq *RelationQuery) All(ctx context.Context) ([]*Object, error) {
	if rq.err != nil {
		return nil, rq.err
	}
	if rq.obj.inst.Status() == state.Detached {
		return nil, ormerr.DetachedInstanceError{Entity: rq.obj.Entity(), Relationship: rq.binding.Name}
	}
	insts, err := rq.obj.sess.ld.RelationRows(ctx, rq.obj.inst, rq.binding, rq.where, rq.limit)
	if err != nil {
		return nil, err
	}
	return rq.obj.sess.wrapAll(insts), nil
}

// First returns the first related row, or nil.
func (rq *RelationQuery) First(ctx context.Context) (*Object, error) {
	prev := rq.limit
	rq.limit = 1
	out, err := rq.All(ctx)
	rq.limit = prev
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}
