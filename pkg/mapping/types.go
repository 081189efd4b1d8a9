// Package mapping declares how domain entities bind to relational tables:
// entity descriptors, column bindings, relationship specifications, cascade
// policies and loading defaults. Registration is two-phase: descriptors and
// relationship specs are declared as data (forward references allowed), then
// an explicit Configure step resolves every spec against the schema catalog.
package mapping

import "ormcore/pkg/expr"

// Cardinality classifies a resolved relationship.
type Cardinality int

const (
	OneToMany Cardinality = iota + 1
	ManyToOne
	ManyToMany
	OneToOne
)

func (c Cardinality) String() string {
	switch c {
	case OneToMany:
		return "one-to-many"
	case ManyToOne:
		return "many-to-one"
	case ManyToMany:
		return "many-to-many"
	case OneToOne:
		return "one-to-one"
	default:
		return "unknown"
	}
}

// IsCollection reports whether the relationship resolves to a collection.
func (c Cardinality) IsCollection() bool {
	return c == OneToMany || c == ManyToMany
}

// LoadStrategy selects how related rows are fetched.
type LoadStrategy string

const (
	// LoadLazy defers fetching until first access, then issues one query
	// bound to the owning instance's key values.
	LoadLazy LoadStrategy = "lazy"
	// LoadJoined rewrites the driving query with an outer join against the
	// related table.
	LoadJoined LoadStrategy = "joined"
	// LoadSelectIn issues one supplemental IN query after the driving
	// query completes.
	LoadSelectIn LoadStrategy = "select-in"
	// LoadNoLoad resolves to an empty collection or nil without querying.
	LoadNoLoad LoadStrategy = "no-load"
	// LoadDynamic never populates in place; access yields a query scoped
	// to the relationship instead.
	LoadDynamic LoadStrategy = "dynamic"
)

// CascadeSet is the set of operations that propagate across a relationship.
type CascadeSet struct {
	SaveUpdate    bool
	Delete        bool
	DeleteOrphan  bool
	Merge         bool
	RefreshExpire bool
}

// CascadeAll enables every cascade except delete-orphan, mirroring the
// conventional "all" shorthand.
func CascadeAll() CascadeSet {
	return CascadeSet{SaveUpdate: true, Delete: true, Merge: true, RefreshExpire: true}
}

// JoinTerm is one term of a join predicate. Local names a column on the
// owning side's table and Remote a column on the other side's table; Op
// defaults to equality when empty.
type JoinTerm struct {
	Local  string
	Remote string
	Op     expr.Op
}

// Operator returns the term's operator, defaulting to equality.
func (t JoinTerm) Operator() expr.Op {
	if t.Op == "" {
		return expr.OpEq
	}
	return t.Op
}

// MappingStyle selects how an entity family spreads across tables.
type MappingStyle int

const (
	// StyleSingleTable maps the whole family onto one table with a tagged
	// discriminator column.
	StyleSingleTable MappingStyle = iota + 1
	// StyleJoinedTables gives each subtype its own table joined to the
	// base table on the primary key.
	StyleJoinedTables
	// StyleConcreteTables gives each subtype a complete standalone table;
	// no polymorphic loading is available.
	StyleConcreteTables
)

// Polymorphic declares an entity's membership in a mapped inheritance family.
type Polymorphic struct {
	Style MappingStyle
	// DiscriminatorColumn holds the tagged identity for single-table and
	// joined-tables styles. It lives on the base entity's primary table.
	DiscriminatorColumn string
	// Identity is this entity's discriminator value.
	Identity string
	// Base names the family's base entity; empty on the base itself.
	Base string
}

// RelationshipSpec is the phase-1, data-only declaration of a relationship.
// Target may name a descriptor that has not been registered yet; resolution
// happens at Configure time.
type RelationshipSpec struct {
	Name   string
	Target string

	// Secondary names an association table mediating a many-to-many.
	Secondary string

	// PrimaryJoin overrides the inferred owner-to-target join (or the
	// owner-to-secondary hop when Secondary is set).
	PrimaryJoin []JoinTerm
	// SecondaryJoin overrides the secondary-to-target hop. Local names a
	// column on the secondary table, Remote a column on the target table.
	SecondaryJoin []JoinTerm

	// ForeignColumns designates which columns the relationship owns and
	// may write; required to orient self-referential joins.
	ForeignColumns []string
	// RemoteColumns designates the columns on the remote side of a
	// self-referential join.
	RemoteColumns []string

	Cascade CascadeSet
	Load    LoadStrategy
	// ViewOnly relationships are read paths only; flush never writes
	// through them.
	ViewOnly bool
	// UseList forces the collection convention. Setting it false marks a
	// one-to-one: scalar access, multiple rows a runtime warning.
	UseList *bool
	// NonNullable lets joined eager loading use an inner join.
	NonNullable bool
	// BackRef creates the reciprocal relationship on the target under the
	// given name and pairs the two bindings.
	BackRef string
	// InverseOf pairs this spec with an explicitly declared relationship
	// of the same name on the target.
	InverseOf string
	// OrderBy lists target columns ordering loaded collections.
	OrderBy []string
}

// Bool is a convenience for populating optional boolean hints like UseList.
func Bool(v bool) *bool { return &v }

// RelationshipBinding is the phase-2 resolved form of a relationship.
type RelationshipBinding struct {
	Name        string
	Owner       *EntityDescriptor
	Target      *EntityDescriptor
	Cardinality Cardinality

	// Join pairs owner-table columns with target-table columns. For
	// many-to-many it pairs owner-table columns with secondary-table
	// columns, and SecondaryJoin pairs secondary with target.
	Join          []JoinTerm
	Secondary     string
	SecondaryJoin []JoinTerm

	// ForeignColumns are the columns this relationship writes during
	// flush, always on the foreign-key side (or the secondary table).
	ForeignColumns []string
	// FKOnOwner reports that the owner's table carries the foreign key,
	// i.e. the owner is the "many" side.
	FKOnOwner bool

	Cascade  CascadeSet
	Load     LoadStrategy
	ViewOnly bool
	// DBDeleteCascade reports that the database cascades deletes along
	// this edge, letting the flush engine elide explicit child deletes.
	DBDeleteCascade bool
	// ScalarWarn marks a one-to-one whose read side has no database-level
	// enforcement; more than one row is a warning, not an error.
	ScalarWarn  bool
	NonNullable bool
	OrderBy     []string

	// Inverse links the reciprocal binding of a bidirectional pair. Both
	// sides stay consistent in memory through one shared mutation path.
	Inverse *RelationshipBinding
	// createdByBackref marks the synthesized side of a BackRef pair; the
	// flush engine emits secondary-table writes from the declared side
	// only.
	createdByBackref bool
}

// Collection reports whether the binding resolves to a collection value.
func (b *RelationshipBinding) Collection() bool {
	return b.Cardinality.IsCollection()
}

// Writable reports whether flush may write foreign key columns or secondary
// rows through this binding.
func (b *RelationshipBinding) Writable() bool {
	return !b.ViewOnly
}

// PrimarySide reports whether this binding is the side of a bidirectional
// pair that owns secondary-table writes.
func (b *RelationshipBinding) PrimarySide() bool {
	return !b.createdByBackref
}
