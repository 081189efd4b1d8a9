package state

import (
	"sort"

	"ormcore/pkg/mapping"
)

// Instance is the per-object state record. It is exclusively owned by its
// domain object for the object's lifetime and belongs to at most one identity
// map at a time.
type Instance struct {
	desc    *mapping.EntityDescriptor
	tracker *Tracker

	status    Status
	attrs     map[string]any
	committed map[string]any
	loadState map[string]LoadState

	scalars     map[string]*Instance
	scalarState map[string]LoadState
	scalarDirty map[string]bool
	collections map[string]*Collection
	key         *Key
}

// Tracker constructs instances and fans lifecycle transitions out to
// observers. One tracker serves one session.
type Tracker struct {
	observers []Observer
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker { return &Tracker{} }

// Observe registers a transition observer.
func (t *Tracker) Observe(fn Observer) {
	t.observers = append(t.observers, fn)
}

// NewInstance creates a transient instance of the described entity.
func (t *Tracker) NewInstance(desc *mapping.EntityDescriptor) *Instance {
	inst := &Instance{
		desc:        desc,
		tracker:     t,
		status:      Transient,
		attrs:       make(map[string]any),
		committed:   make(map[string]any),
		loadState:   make(map[string]LoadState),
		scalars:     make(map[string]*Instance),
		scalarState: make(map[string]LoadState),
		scalarDirty: make(map[string]bool),
		collections: make(map[string]*Collection),
	}
	return inst
}

// Descriptor returns the mapped entity descriptor.
func (i *Instance) Descriptor() *mapping.EntityDescriptor { return i.desc }

// Status returns the lifecycle state.
func (i *Instance) Status() Status { return i.status }

// SetStatus transitions the lifecycle state, notifying observers. Every
// transition is observable.
func (i *Instance) SetStatus(s Status) {
	if s == i.status {
		return
	}
	tr := Transition{From: i.status, To: s}
	i.status = s
	if i.tracker != nil {
		for _, fn := range i.tracker.observers {
			fn(i, tr)
		}
	}
}

// Key returns the identity key, if the instance has one.
func (i *Instance) Key() (Key, bool) {
	if i.key == nil {
		return Key{}, false
	}
	return *i.key, true
}

// BindKey computes and fixes the identity key from the current primary key
// attribute values. Reports false when any key attribute is unset.
func (i *Instance) BindKey() (Key, bool) {
	values := make([]any, 0, len(i.desc.PrimaryKeyAttrs()))
	for _, attr := range i.desc.PrimaryKeyAttrs() {
		v, ok := i.attrs[attr]
		if !ok || v == nil {
			return Key{}, false
		}
		values = append(values, v)
	}
	k := NewKey(i.desc.Name, values)
	i.key = &k
	return k, true
}

// ClearKey drops the identity, used when a pending instance leaves the
// session before flush.
func (i *Instance) ClearKey() {
	i.key = nil
}

// PrimaryKeyValues returns the current primary key attribute values in key
// order, with nils for unset attributes.
func (i *Instance) PrimaryKeyValues() []any {
	attrs := i.desc.PrimaryKeyAttrs()
	out := make([]any, len(attrs))
	for n, attr := range attrs {
		out[n] = i.attrs[attr]
	}
	return out
}

// Get returns the current value of a column attribute.
func (i *Instance) Get(attr string) (any, bool) {
	v, ok := i.attrs[attr]
	return v, ok
}

// Set assigns a column attribute, marking it loaded.
func (i *Instance) Set(attr string, v any) {
	i.attrs[attr] = v
	i.loadState[attr] = Loaded
}

// Populate assigns attribute values arriving from the database: the value is
// recorded as both current and committed, so it does not read as dirty.
func (i *Instance) Populate(attr string, v any) {
	i.attrs[attr] = v
	i.committed[attr] = v
	i.loadState[attr] = Loaded
}

// AttrState returns the load state of an attribute.
func (i *Instance) AttrState(attr string) LoadState {
	if st, ok := i.loadState[attr]; ok {
		return st
	}
	if cb, ok := i.desc.ColumnForAttr(attr); ok && cb.Deferred {
		return Deferred
	}
	return Unloaded
}

// CommittedValue returns the last committed value of an attribute.
func (i *Instance) CommittedValue(attr string) (any, bool) {
	v, ok := i.committed[attr]
	return v, ok
}

// ModifiedAttrs returns the loaded column attributes whose current value
// differs from the committed snapshot, sorted for deterministic statements.
func (i *Instance) ModifiedAttrs() []string {
	var out []string
	for attr, st := range i.loadState {
		if st != Loaded {
			continue
		}
		cur := i.attrs[attr]
		prev, had := i.committed[attr]
		if !had || !equalValue(cur, prev) {
			out = append(out, attr)
		}
	}
	sort.Strings(out)
	return out
}

// Dirty reports whether the instance has attribute, scalar-reference or
// collection changes pending.
func (i *Instance) Dirty() bool {
	if len(i.ModifiedAttrs()) > 0 {
		return true
	}
	for _, dirty := range i.scalarDirty {
		if dirty {
			return true
		}
	}
	for _, c := range i.collections {
		if c.Changed() {
			return true
		}
	}
	return false
}

// Scalar returns the loaded to-one relationship value.
func (i *Instance) Scalar(rel string) (*Instance, LoadState) {
	return i.scalars[rel], i.relState(rel)
}

// Collection returns the in-memory collection for a to-many relationship,
// creating an unloaded one on first access.
func (i *Instance) Collection(rel string) *Collection {
	c, ok := i.collections[rel]
	if !ok {
		c = &Collection{}
		i.collections[rel] = c
	}
	return c
}

// RelState returns the load state of a relationship attribute.
func (i *Instance) RelState(rel string) LoadState { return i.relState(rel) }

func (i *Instance) relState(rel string) LoadState {
	if st, ok := i.scalarState[rel]; ok {
		return st
	}
	if c, ok := i.collections[rel]; ok {
		return c.state
	}
	return Unloaded
}

// setScalarLoaded records a to-one value arriving from a load.
func (i *Instance) setScalarLoaded(rel string, v *Instance) {
	i.scalars[rel] = v
	i.scalarState[rel] = Loaded
}

// ScalarDirty reports whether a to-one reference changed since last flush.
func (i *Instance) ScalarDirty(rel string) bool { return i.scalarDirty[rel] }

// DirtyScalarRels returns the names of to-one relationships with pending
// reference changes, sorted.
func (i *Instance) DirtyScalarRels() []string {
	var out []string
	for rel, dirty := range i.scalarDirty {
		if dirty {
			out = append(out, rel)
		}
	}
	sort.Strings(out)
	return out
}

// MarkFlushed snapshots the current attribute values as committed and clears
// dirty bookkeeping, after a successful flush.
func (i *Instance) MarkFlushed() {
	for attr, st := range i.loadState {
		if st == Loaded {
			i.committed[attr] = i.attrs[attr]
		}
	}
	for rel := range i.scalarDirty {
		i.scalarDirty[rel] = false
	}
	for _, c := range i.collections {
		if c.state == Loaded {
			c.Reset()
		}
	}
}

// Expire invalidates attribute state so the next access reloads from the
// database. With no attribute names, every non-key column attribute and
// every relationship expires.
func (i *Instance) Expire(attrs ...string) {
	if len(attrs) == 0 {
		pk := make(map[string]struct{})
		for _, a := range i.desc.PrimaryKeyAttrs() {
			pk[a] = struct{}{}
		}
		for _, a := range i.desc.Attrs() {
			if _, isKey := pk[a]; isKey {
				continue
			}
			if i.loadState[a] == Loaded {
				i.loadState[a] = Expired
			}
		}
		for rel, st := range i.scalarState {
			if st == Loaded {
				i.scalarState[rel] = Expired
			}
		}
		for _, c := range i.collections {
			if c.state == Loaded {
				c.state = Expired
			}
		}
		return
	}
	for _, a := range attrs {
		if i.loadState[a] == Loaded {
			i.loadState[a] = Expired
		}
		if i.scalarState[a] == Loaded {
			i.scalarState[a] = Expired
		}
		if c, ok := i.collections[a]; ok && c.state == Loaded {
			c.state = Expired
		}
	}
}

// RevertToCommitted restores current values from the committed snapshot,
// used when a transaction rolls back.
func (i *Instance) RevertToCommitted() {
	for attr := range i.attrs {
		if v, ok := i.committed[attr]; ok {
			i.attrs[attr] = v
		} else {
			delete(i.attrs, attr)
			delete(i.loadState, attr)
		}
	}
	for rel := range i.scalarDirty {
		i.scalarDirty[rel] = false
	}
	for _, c := range i.collections {
		c.Revert()
	}
}

func equalValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return encodeKeyValue(a) == encodeKeyValue(b)
}
