// Package state tracks the lifecycle and attribute state of live mapped
// instances: the transient/pending/persistent/deleted/detached machine,
// per-attribute load and dirty bookkeeping, and the committed-value snapshots
// that drive UPDATE deltas and rollback.
package state

import (
	"fmt"
	"strings"
)

// Status is an instance's lifecycle state.
type Status int

const (
	// Transient: constructed, no session, no identity.
	Transient Status = iota
	// Pending: added to a session, no database row yet.
	Pending
	// Persistent: identity-mapped with a corresponding database row.
	Persistent
	// Deleted: delete flushed, enclosing transaction not yet finalized.
	Deleted
	// Detached: was persistent, no current session. Revivable via merge.
	Detached
)

func (s Status) String() string {
	switch s {
	case Transient:
		return "transient"
	case Pending:
		return "pending"
	case Persistent:
		return "persistent"
	case Deleted:
		return "deleted"
	case Detached:
		return "detached"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// LoadState is the per-attribute load condition.
type LoadState int

const (
	Unloaded LoadState = iota
	Loaded
	Expired
	Deferred
)

func (l LoadState) String() string {
	switch l {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Expired:
		return "expired"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("loadstate(%d)", int(l))
	}
}

// Key identifies one row: an entity name plus its canonically encoded primary
// key tuple. Keys are comparable and usable as map keys.
type Key struct {
	Entity  string
	Encoded string
}

// NewKey builds a key from primary key values in declaration order.
func NewKey(entity string, values []any) Key {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = encodeKeyValue(v)
	}
	return Key{Entity: entity, Encoded: strings.Join(parts, "\x1f")}
}

// String renders the key for diagnostics.
func (k Key) String() string {
	return k.Entity + "(" + strings.ReplaceAll(k.Encoded, "\x1f", ",") + ")"
}

// encodeKeyValue normalizes driver-dependent scalar representations so that
// e.g. int and int64 forms of the same key collide as intended.
func encodeKeyValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "\x00"
	case int:
		return fmt.Sprintf("i%d", int64(t))
	case int8:
		return fmt.Sprintf("i%d", int64(t))
	case int16:
		return fmt.Sprintf("i%d", int64(t))
	case int32:
		return fmt.Sprintf("i%d", int64(t))
	case int64:
		return fmt.Sprintf("i%d", t)
	case uint:
		return fmt.Sprintf("u%d", uint64(t))
	case uint8:
		return fmt.Sprintf("u%d", uint64(t))
	case uint16:
		return fmt.Sprintf("u%d", uint64(t))
	case uint32:
		return fmt.Sprintf("u%d", uint64(t))
	case uint64:
		return fmt.Sprintf("u%d", t)
	case float32:
		return fmt.Sprintf("f%g", float64(t))
	case float64:
		return fmt.Sprintf("f%g", t)
	case bool:
		return fmt.Sprintf("b%t", t)
	case string:
		return "s" + t
	case []byte:
		return "s" + string(t)
	default:
		return fmt.Sprintf("v%v", t)
	}
}

// Transition describes one observed lifecycle change.
type Transition struct {
	From Status
	To   Status
}

// Observer receives lifecycle transitions for diagnostics and cache
// invalidation collaborators.
type Observer func(inst *Instance, tr Transition)
