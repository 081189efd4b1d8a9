package mapping

import (
	"sort"

	"ormcore/pkg/ormerr"
)

// ColumnBinding binds one attribute to one table column.
type ColumnBinding struct {
	Attr   string
	Table  string
	Column string
	// Deferred columns are not loaded by default; first access triggers a
	// supplemental load.
	Deferred bool
}

// TableBinding groups the column bindings of one table. The first table of a
// descriptor is its primary table; additional tables appear under the
// joined-tables mapping style and join on the primary key.
type TableBinding struct {
	Table   string
	Columns []ColumnBinding
}

// EntityDescriptor declares a mapped type: its tables, column-to-attribute
// bindings, primary key and relationships.
type EntityDescriptor struct {
	Name          string
	tables        []TableBinding
	primaryKey    []string
	versionColumn string
	versionAttr   string
	polymorphic   *Polymorphic

	specs         []RelationshipSpec
	relationships map[string]*RelationshipBinding
	byAttr        map[string]ColumnBinding
	pkAttrs       []string
}

// NewEntity starts a descriptor for the given mapped type name and primary
// table.
func NewEntity(name, table string) *EntityDescriptor {
	return &EntityDescriptor{
		Name:          name,
		tables:        []TableBinding{{Table: table}},
		relationships: make(map[string]*RelationshipBinding),
		byAttr:        make(map[string]ColumnBinding),
	}
}

// MapColumn binds an attribute to a column on the primary table.
func (d *EntityDescriptor) MapColumn(attr, column string) *EntityDescriptor {
	return d.mapColumnOn(0, attr, column, false)
}

// MapDeferred binds an attribute to a primary-table column that loads on
// first access rather than with the row.
func (d *EntityDescriptor) MapDeferred(attr, column string) *EntityDescriptor {
	return d.mapColumnOn(0, attr, column, true)
}

// MapColumnOn binds an attribute to a column on a named table, which must be
// the primary table or one added with JoinedTable.
func (d *EntityDescriptor) MapColumnOn(table, attr, column string) *EntityDescriptor {
	for i := range d.tables {
		if d.tables[i].Table == table {
			return d.mapColumnOn(i, attr, column, false)
		}
	}
	// Unknown table: recorded as an unbound attr so Configure can report
	// it with full context instead of panicking mid-declaration.
	d.byAttr[attr] = ColumnBinding{Attr: attr, Table: table, Column: column}
	return d
}

func (d *EntityDescriptor) mapColumnOn(idx int, attr, column string, deferred bool) *EntityDescriptor {
	cb := ColumnBinding{Attr: attr, Table: d.tables[idx].Table, Column: column, Deferred: deferred}
	d.tables[idx].Columns = append(d.tables[idx].Columns, cb)
	d.byAttr[attr] = cb
	return d
}

// JoinedTable adds a secondary table holding further columns of this entity,
// joined one-to-one on the primary key (joined-tables inheritance and wide
// row splits).
func (d *EntityDescriptor) JoinedTable(table string) *EntityDescriptor {
	d.tables = append(d.tables, TableBinding{Table: table})
	return d
}

// WithPrimaryKey declares the primary key columns on the primary table.
func (d *EntityDescriptor) WithPrimaryKey(columns ...string) *EntityDescriptor {
	d.primaryKey = append([]string(nil), columns...)
	return d
}

// WithVersion declares an optimistic version counter column. Every UPDATE and
// DELETE emitted for this entity includes the expected version in its
// predicate and increments it on update.
func (d *EntityDescriptor) WithVersion(attr, column string) *EntityDescriptor {
	d.versionColumn = column
	d.versionAttr = attr
	return d.MapColumn(attr, column)
}

// WithPolymorphic declares the entity's inheritance mapping.
func (d *EntityDescriptor) WithPolymorphic(p Polymorphic) *EntityDescriptor {
	d.polymorphic = &p
	return d
}

// Relate declares a relationship spec for phase-2 resolution.
func (d *EntityDescriptor) Relate(spec RelationshipSpec) *EntityDescriptor {
	d.specs = append(d.specs, spec)
	return d
}

// Table returns the primary table name.
func (d *EntityDescriptor) Table() string { return d.tables[0].Table }

// Tables returns all table bindings, primary first.
func (d *EntityDescriptor) Tables() []TableBinding {
	return append([]TableBinding(nil), d.tables...)
}

// PrimaryKey returns the primary key column names.
func (d *EntityDescriptor) PrimaryKey() []string {
	return append([]string(nil), d.primaryKey...)
}

// PrimaryKeyAttrs returns the attribute names bound to the primary key
// columns, in key order.
func (d *EntityDescriptor) PrimaryKeyAttrs() []string {
	return append([]string(nil), d.pkAttrs...)
}

// VersionColumn returns the optimistic version column name, or empty.
func (d *EntityDescriptor) VersionColumn() string { return d.versionColumn }

// VersionAttr returns the attribute bound to the version column, or empty.
func (d *EntityDescriptor) VersionAttr() string { return d.versionAttr }

// Polymorphic returns the inheritance declaration, or nil.
func (d *EntityDescriptor) Polymorphic() *Polymorphic { return d.polymorphic }

// ColumnForAttr returns the column binding of an attribute.
func (d *EntityDescriptor) ColumnForAttr(attr string) (ColumnBinding, bool) {
	cb, ok := d.byAttr[attr]
	return cb, ok
}

// AttrForColumn returns the attribute bound to a primary-table column.
func (d *EntityDescriptor) AttrForColumn(column string) (string, bool) {
	for _, cb := range d.tables[0].Columns {
		if cb.Column == column {
			return cb.Attr, true
		}
	}
	return "", false
}

// Attrs returns all column-bound attribute names in declaration order.
func (d *EntityDescriptor) Attrs() []string {
	var out []string
	for _, tb := range d.tables {
		for _, cb := range tb.Columns {
			out = append(out, cb.Attr)
		}
	}
	return out
}

// Relationship returns the resolved binding by name. Only populated after
// Configure.
func (d *EntityDescriptor) Relationship(name string) (*RelationshipBinding, bool) {
	b, ok := d.relationships[name]
	return b, ok
}

// Relationships returns all resolved bindings sorted by name.
func (d *EntityDescriptor) Relationships() []*RelationshipBinding {
	names := make([]string, 0, len(d.relationships))
	for name := range d.relationships {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*RelationshipBinding, 0, len(names))
	for _, name := range names {
		out = append(out, d.relationships[name])
	}
	return out
}

// validate checks the descriptor's standalone invariants: a non-empty primary
// key whose columns are attribute-bound, and unique attribute names.
func (d *EntityDescriptor) validate() error {
	if d.Name == "" {
		return ormerr.ConfigError{Detail: "entity requires a name"}
	}
	if d.Table() == "" {
		return ormerr.ConfigError{Entity: d.Name, Detail: "entity requires a primary table"}
	}
	if len(d.primaryKey) == 0 {
		return ormerr.ConfigError{Entity: d.Name, Detail: "entity requires a non-empty primary key"}
	}
	seen := make(map[string]struct{})
	for _, tb := range d.tables {
		for _, cb := range tb.Columns {
			if _, dup := seen[cb.Attr]; dup {
				return ormerr.ConfigError{Entity: d.Name, Detail: "attribute " + cb.Attr + " bound twice"}
			}
			seen[cb.Attr] = struct{}{}
		}
	}
	for _, spec := range d.specs {
		if _, clash := seen[spec.Name]; clash {
			return ormerr.ConfigError{Entity: d.Name, Detail: "relationship " + spec.Name + " collides with a column attribute"}
		}
	}
	d.pkAttrs = d.pkAttrs[:0]
	for _, pk := range d.primaryKey {
		attr, ok := d.AttrForColumn(pk)
		if !ok {
			return ormerr.ConfigError{Entity: d.Name, Detail: "primary key column " + pk + " has no mapped attribute"}
		}
		d.pkAttrs = append(d.pkAttrs, attr)
	}
	return nil
}
