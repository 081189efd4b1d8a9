// Package schema provides the catalog of relational metadata consumed by the
// mapping and flush layers: table definitions, column metadata, and primary
// and foreign key constraints. The catalog is declared up front and treated as
// read-only once mapping configuration begins.
package schema

import (
	"fmt"
	"sort"
)

// Column describes a single table column.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable,omitempty"`
	Default  string `json:"default,omitempty"`
}

// ForeignKey is a directed edge from a referencing (child) table to a
// referenced (parent) table. Columns and RefColumns are positionally paired.
type ForeignKey struct {
	Name       string   `json:"name,omitempty"`
	Table      string   `json:"table"`
	Columns    []string `json:"columns"`
	RefTable   string   `json:"ref_table"`
	RefColumns []string `json:"ref_columns"`
	// OnDeleteCascade reports that the database itself cascades deletes
	// along this edge, allowing the flush engine to elide child deletes.
	OnDeleteCascade bool `json:"on_delete_cascade,omitempty"`
}

// Table is a declared table with its columns and key constraints.
type Table struct {
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	PrimaryKey  []string     `json:"primary_key"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
	// Uniques lists unique constraints as ordered column groups. The
	// resolver consults them when a one-to-one convention is declared.
	Uniques [][]string `json:"uniques,omitempty"`
}

// Column returns the named column definition.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Catalog stores table definitions keyed by name. It is not safe for
// concurrent mutation; declare all tables before handing it to a registry.
type Catalog struct {
	tables map[string]Table
	order  []string
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{tables: make(map[string]Table)}
}

// AddTable declares a table. Column names must be unique, and key constraints
// must reference declared columns.
func (c *Catalog) AddTable(t Table) error {
	if t.Name == "" {
		return fmt.Errorf("schema: table requires a name")
	}
	if _, exists := c.tables[t.Name]; exists {
		return fmt.Errorf("schema: table %q already declared", t.Name)
	}
	seen := make(map[string]struct{}, len(t.Columns))
	for _, col := range t.Columns {
		if col.Name == "" {
			return fmt.Errorf("schema: table %q has an unnamed column", t.Name)
		}
		if _, dup := seen[col.Name]; dup {
			return fmt.Errorf("schema: table %q declares column %q twice", t.Name, col.Name)
		}
		seen[col.Name] = struct{}{}
	}
	for _, pk := range t.PrimaryKey {
		if _, ok := seen[pk]; !ok {
			return fmt.Errorf("schema: table %q primary key references unknown column %q", t.Name, pk)
		}
	}
	for _, fk := range t.ForeignKeys {
		if len(fk.Columns) == 0 || len(fk.Columns) != len(fk.RefColumns) {
			return fmt.Errorf("schema: table %q foreign key %q has mismatched column lists", t.Name, fk.Name)
		}
		for _, col := range fk.Columns {
			if _, ok := seen[col]; !ok {
				return fmt.Errorf("schema: table %q foreign key references unknown column %q", t.Name, col)
			}
		}
	}
	c.tables[t.Name] = t
	c.order = append(c.order, t.Name)
	return nil
}

// Table returns the named table definition.
func (c *Catalog) Table(name string) (Table, bool) {
	t, ok := c.tables[name]
	return t, ok
}

// Tables returns all declared tables in declaration order.
func (c *Catalog) Tables() []Table {
	out := make([]Table, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tables[name])
	}
	return out
}

// Columns returns the column list of a table.
func (c *Catalog) Columns(table string) ([]Column, error) {
	t, ok := c.tables[table]
	if !ok {
		return nil, fmt.Errorf("schema: unknown table %q", table)
	}
	return append([]Column(nil), t.Columns...), nil
}

// PrimaryKeyColumns returns the ordered primary key column names of a table.
func (c *Catalog) PrimaryKeyColumns(table string) ([]string, error) {
	t, ok := c.tables[table]
	if !ok {
		return nil, fmt.Errorf("schema: unknown table %q", table)
	}
	return append([]string(nil), t.PrimaryKey...), nil
}

// ForeignKeysBetween returns every foreign key edge whose referencing side is
// childTable and whose referenced side is parentTable. Edges are returned in
// a deterministic order so that ambiguity diagnostics are stable.
func (c *Catalog) ForeignKeysBetween(childTable, parentTable string) []ForeignKey {
	t, ok := c.tables[childTable]
	if !ok {
		return nil
	}
	var edges []ForeignKey
	for _, fk := range t.ForeignKeys {
		if fk.RefTable == parentTable {
			edge := fk
			edge.Table = childTable
			edges = append(edges, edge)
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Name != edges[j].Name {
			return edges[i].Name < edges[j].Name
		}
		return fmt.Sprint(edges[i].Columns) < fmt.Sprint(edges[j].Columns)
	})
	return edges
}

// HasUnique reports whether the table declares a unique constraint covering
// exactly the given columns, in any order. The primary key counts.
func (c *Catalog) HasUnique(table string, columns []string) bool {
	t, ok := c.tables[table]
	if !ok {
		return false
	}
	want := append([]string(nil), columns...)
	sort.Strings(want)
	match := func(group []string) bool {
		if len(group) != len(want) {
			return false
		}
		got := append([]string(nil), group...)
		sort.Strings(got)
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}
	if match(t.PrimaryKey) {
		return true
	}
	for _, group := range t.Uniques {
		if match(group) {
			return true
		}
	}
	return false
}
