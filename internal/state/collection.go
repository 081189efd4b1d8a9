package state

// Collection is the in-memory value of a to-many relationship: an ordered
// list of instances plus the membership snapshot taken at load or last flush,
// from which flush computes added and removed members.
type Collection struct {
	items    []*Instance
	snapshot []*Instance
	state    LoadState
}

// State returns the collection's load state.
func (c *Collection) State() LoadState { return c.state }

// Items returns the current members in order.
func (c *Collection) Items() []*Instance {
	return append([]*Instance(nil), c.items...)
}

// Len returns the current member count.
func (c *Collection) Len() int { return len(c.items) }

// Contains reports membership by object identity.
func (c *Collection) Contains(inst *Instance) bool {
	for _, it := range c.items {
		if it == inst {
			return true
		}
	}
	return false
}

// SetLoaded replaces the membership with rows arriving from the database and
// snapshots it, so nothing reads as changed.
func (c *Collection) SetLoaded(items []*Instance) {
	c.items = append([]*Instance(nil), items...)
	c.snapshot = append([]*Instance(nil), items...)
	c.state = Loaded
}

// MarkLoaded flags an empty collection as loaded without members (a pending
// parent's collection starts this way).
func (c *Collection) MarkLoaded() {
	if c.state != Loaded {
		c.state = Loaded
		c.snapshot = append([]*Instance(nil), c.items...)
	}
}

func (c *Collection) add(inst *Instance) {
	if c.Contains(inst) {
		return
	}
	c.items = append(c.items, inst)
}

func (c *Collection) remove(inst *Instance) {
	for n, it := range c.items {
		if it == inst {
			c.items = append(c.items[:n], c.items[n+1:]...)
			return
		}
	}
}

// Added returns members present now but absent from the snapshot.
func (c *Collection) Added() []*Instance {
	var out []*Instance
	for _, it := range c.items {
		if !containsInstance(c.snapshot, it) {
			out = append(out, it)
		}
	}
	return out
}

// Removed returns snapshot members no longer present.
func (c *Collection) Removed() []*Instance {
	var out []*Instance
	for _, it := range c.snapshot {
		if !containsInstance(c.items, it) {
			out = append(out, it)
		}
	}
	return out
}

// Changed reports whether membership differs from the snapshot.
func (c *Collection) Changed() bool {
	return len(c.Added()) > 0 || len(c.Removed()) > 0
}

// Reset snapshots the current membership, after a successful flush.
func (c *Collection) Reset() {
	c.snapshot = append([]*Instance(nil), c.items...)
}

// Revert restores membership from the snapshot, on rollback.
func (c *Collection) Revert() {
	c.items = append([]*Instance(nil), c.snapshot...)
}

func containsInstance(list []*Instance, inst *Instance) bool {
	for _, it := range list {
		if it == inst {
			return true
		}
	}
	return false
}
