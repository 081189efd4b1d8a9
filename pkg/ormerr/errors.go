// Package ormerr defines the error and warning taxonomy shared by the mapping,
// loading and flush layers. Configuration errors surface at registry
// configuration time, never at query or flush time; runtime errors carry
// enough context (entity, relationship, primary key) to be actionable without
// re-running the operation.
package ormerr

import (
	"fmt"
	"strings"
)

// NoJoinConditionError reports that no foreign key edge exists between the
// tables of two mapped entities and no explicit join override was supplied.
type NoJoinConditionError struct {
	Owner        string
	Target       string
	Relationship string
}

func (e NoJoinConditionError) Error() string {
	return fmt.Sprintf("no join condition for relationship %s.%s: no foreign key between tables of %s and %s and no primary join override",
		e.Owner, e.Relationship, e.Owner, e.Target)
}

// AmbiguousJoinConditionError reports multiple candidate foreign key edges
// between two tables with nothing to disambiguate them. Candidates names the
// competing column sets; the resolver never silently picks one.
type AmbiguousJoinConditionError struct {
	Owner        string
	Target       string
	Relationship string
	Candidates   []string
}

func (e AmbiguousJoinConditionError) Error() string {
	return fmt.Sprintf("ambiguous join condition for relationship %s.%s: %d candidate foreign keys (%s); supply a primary join override or foreign-column designation",
		e.Owner, e.Relationship, len(e.Candidates), strings.Join(e.Candidates, "; "))
}

// AmbiguousSelfReferenceError reports a self-referential relationship that
// lacks the remote/foreign column hints needed to orient the join.
type AmbiguousSelfReferenceError struct {
	Entity       string
	Relationship string
}

func (e AmbiguousSelfReferenceError) Error() string {
	return fmt.Sprintf("self-referential relationship %s.%s requires remote-column or foreign-column hints, or an explicit join predicate",
		e.Entity, e.Relationship)
}

// ConfigError is a generic mapping configuration failure.
type ConfigError struct {
	Entity string
	Detail string
}

func (e ConfigError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("mapping configuration: %s", e.Detail)
	}
	return fmt.Sprintf("mapping configuration for %s: %s", e.Entity, e.Detail)
}

// IdentityConflictError reports a second live instance claiming a primary key
// already registered in the session's identity map.
type IdentityConflictError struct {
	Entity string
	Key    string
}

func (e IdentityConflictError) Error() string {
	return fmt.Sprintf("identity conflict: another instance of %s with key %s is already present in this session", e.Entity, e.Key)
}

// StaleDataError reports an optimistic concurrency failure: an UPDATE or
// DELETE that was expected to affect exactly one row affected a different
// count, typically because the stored version counter advanced concurrently.
type StaleDataError struct {
	Entity   string
	Key      string
	Table    string
	Expected int64
	Affected int64
}

func (e StaleDataError) Error() string {
	return fmt.Sprintf("stale data: %s against %s key %s expected %d row(s), affected %d",
		e.Table, e.Entity, e.Key, e.Expected, e.Affected)
}

// UnresolvableCycleError reports a flush dependency cycle with no nullable
// foreign key to break it.
type UnresolvableCycleError struct {
	Entities []string
}

func (e UnresolvableCycleError) Error() string {
	return fmt.Sprintf("unresolvable dependency cycle among %s: no nullable foreign key available to break it",
		strings.Join(e.Entities, " -> "))
}

// FlushConstraintError is a generic dependency or cascade failure during
// flush planning.
type FlushConstraintError struct {
	Entity string
	Key    string
	Detail string
}

func (e FlushConstraintError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("flush constraint on %s key %s: %s", e.Entity, e.Key, e.Detail)
	}
	return fmt.Sprintf("flush constraint on %s: %s", e.Entity, e.Detail)
}

// DetachedInstanceError reports a lazy load attempted on an instance that no
// longer belongs to a session.
type DetachedInstanceError struct {
	Entity       string
	Relationship string
}

func (e DetachedInstanceError) Error() string {
	return fmt.Sprintf("instance of %s is detached; cannot load %q without a session", e.Entity, e.Relationship)
}

// TransientInstanceError reports an operation requiring a database identity
// applied to an instance that has none.
type TransientInstanceError struct {
	Entity    string
	Operation string
}

func (e TransientInstanceError) Error() string {
	return fmt.Sprintf("instance of %s has no identity; %s requires a persisted instance", e.Entity, e.Operation)
}

// StatementError wraps a query executor failure with the statement context
// that produced it.
type StatementError struct {
	Entity string
	Table  string
	Kind   string
	Key    string
	Err    error
}

func (e StatementError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s (%s key %s): %v", e.Kind, e.Table, e.Entity, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s (%s): %v", e.Kind, e.Table, e.Entity, e.Err)
}

func (e StatementError) Unwrap() error { return e.Err }
