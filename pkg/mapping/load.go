package mapping

import (
	"encoding/json"
	"fmt"
	"io"

	"ormcore/pkg/expr"
	"ormcore/pkg/ormerr"
	"ormcore/pkg/schema"
)

// mappingDocument is the JSON shape accepted by LoadEntities. It mirrors the
// declaration builder one to one so a file and a code declaration produce the
// same descriptors.
type mappingDocument struct {
	Entities []entityDocument `json:"entities"`
}

type entityDocument struct {
	Name          string                 `json:"name"`
	Table         string                 `json:"table"`
	PrimaryKey    []string               `json:"primary_key"`
	Columns       []columnDocument       `json:"columns"`
	JoinedTables  []string               `json:"joined_tables,omitempty"`
	Version       *versionDocument       `json:"version,omitempty"`
	Polymorphic   *polymorphicDocument   `json:"polymorphic,omitempty"`
	Relationships []relationshipDocument `json:"relationships,omitempty"`
}

type columnDocument struct {
	Attr     string `json:"attr"`
	Column   string `json:"column"`
	Table    string `json:"table,omitempty"`
	Deferred bool   `json:"deferred,omitempty"`
}

type versionDocument struct {
	Attr   string `json:"attr"`
	Column string `json:"column"`
}

type polymorphicDocument struct {
	Style               string `json:"style"`
	DiscriminatorColumn string `json:"discriminator_column,omitempty"`
	Identity            string `json:"identity,omitempty"`
	Base                string `json:"base,omitempty"`
}

type relationshipDocument struct {
	Name           string             `json:"name"`
	Target         string             `json:"target"`
	Secondary      string             `json:"secondary,omitempty"`
	PrimaryJoin    []joinTermDocument `json:"primary_join,omitempty"`
	SecondaryJoin  []joinTermDocument `json:"secondary_join,omitempty"`
	ForeignColumns []string           `json:"foreign_columns,omitempty"`
	RemoteColumns  []string           `json:"remote_columns,omitempty"`
	Cascade        []string           `json:"cascade,omitempty"`
	Load           string             `json:"load,omitempty"`
	ViewOnly       bool               `json:"view_only,omitempty"`
	UseList        *bool              `json:"use_list,omitempty"`
	NonNullable    bool               `json:"non_nullable,omitempty"`
	BackRef        string             `json:"backref,omitempty"`
	InverseOf      string             `json:"inverse_of,omitempty"`
	OrderBy        []string           `json:"order_by,omitempty"`
}

type joinTermDocument struct {
	Local  string `json:"local"`
	Remote string `json:"remote"`
	Op     string `json:"op,omitempty"`
}

// LoadRegistry decodes entity declarations from JSON, registers them against
// the catalog and configures the result.
func LoadRegistry(r io.Reader, catalog *schema.Catalog, opts ...Option) (*Registry, error) {
	reg := NewRegistry(catalog, opts...)
	if err := LoadEntities(r, reg); err != nil {
		return nil, err
	}
	if err := reg.Configure(); err != nil {
		return nil, err
	}
	return reg, nil
}

// LoadEntities decodes entity declarations from JSON into an unconfigured
// registry. The caller still runs Configure.
func LoadEntities(r io.Reader, reg *Registry) error {
	var doc mappingDocument
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("mapping: decode entities: %w", err)
	}
	for _, e := range doc.Entities {
		d, err := e.descriptor()
		if err != nil {
			return err
		}
		if err := reg.AddEntity(d); err != nil {
			return err
		}
	}
	return nil
}

func (e entityDocument) descriptor() (*EntityDescriptor, error) {
	d := NewEntity(e.Name, e.Table)
	for _, t := range e.JoinedTables {
		d.JoinedTable(t)
	}
	for _, c := range e.Columns {
		switch {
		case c.Table != "" && c.Table != e.Table:
			d.MapColumnOn(c.Table, c.Attr, c.Column)
		case c.Deferred:
			d.MapDeferred(c.Attr, c.Column)
		default:
			d.MapColumn(c.Attr, c.Column)
		}
	}
	d.WithPrimaryKey(e.PrimaryKey...)
	if e.Version != nil {
		d.WithVersion(e.Version.Attr, e.Version.Column)
	}
	if e.Polymorphic != nil {
		style, err := parseStyle(e.Polymorphic.Style)
		if err != nil {
			return nil, ormerr.ConfigError{Entity: e.Name, Detail: err.Error()}
		}
		d.WithPolymorphic(Polymorphic{
			Style:               style,
			DiscriminatorColumn: e.Polymorphic.DiscriminatorColumn,
			Identity:            e.Polymorphic.Identity,
			Base:                e.Polymorphic.Base,
		})
	}
	for _, rel := range e.Relationships {
		spec, err := rel.spec()
		if err != nil {
			return nil, ormerr.ConfigError{Entity: e.Name, Detail: fmt.Sprintf("relationship %s: %v", rel.Name, err)}
		}
		d.Relate(spec)
	}
	return d, nil
}

func (r relationshipDocument) spec() (RelationshipSpec, error) {
	cascade, err := parseCascade(r.Cascade)
	if err != nil {
		return RelationshipSpec{}, err
	}
	load, err := parseLoad(r.Load)
	if err != nil {
		return RelationshipSpec{}, err
	}
	return RelationshipSpec{
		Name:           r.Name,
		Target:         r.Target,
		Secondary:      r.Secondary,
		PrimaryJoin:    joinTerms(r.PrimaryJoin),
		SecondaryJoin:  joinTerms(r.SecondaryJoin),
		ForeignColumns: r.ForeignColumns,
		RemoteColumns:  r.RemoteColumns,
		Cascade:        cascade,
		Load:           load,
		ViewOnly:       r.ViewOnly,
		UseList:        r.UseList,
		NonNullable:    r.NonNullable,
		BackRef:        r.BackRef,
		InverseOf:      r.InverseOf,
		OrderBy:        r.OrderBy,
	}, nil
}

func joinTerms(docs []joinTermDocument) []JoinTerm {
	if len(docs) == 0 {
		return nil
	}
	out := make([]JoinTerm, len(docs))
	for i, t := range docs {
		out[i] = JoinTerm{Local: t.Local, Remote: t.Remote, Op: expr.Op(t.Op)}
	}
	return out
}

func parseCascade(names []string) (CascadeSet, error) {
	var cs CascadeSet
	for _, name := range names {
		switch name {
		case "all":
			all := CascadeAll()
			all.DeleteOrphan = cs.DeleteOrphan
			cs = all
		case "save-update":
			cs.SaveUpdate = true
		case "delete":
			cs.Delete = true
		case "delete-orphan":
			cs.DeleteOrphan = true
		case "merge":
			cs.Merge = true
		case "refresh-expire":
			cs.RefreshExpire = true
		default:
			return cs, fmt.Errorf("unknown cascade %q", name)
		}
	}
	return cs, nil
}

func parseLoad(name string) (LoadStrategy, error) {
	switch LoadStrategy(name) {
	case "", LoadLazy:
		return LoadLazy, nil
	case LoadJoined, LoadSelectIn, LoadNoLoad, LoadDynamic:
		return LoadStrategy(name), nil
	default:
		return "", fmt.Errorf("unknown load strategy %q", name)
	}
}

func parseStyle(name string) (MappingStyle, error) {
	switch name {
	case "single-table":
		return StyleSingleTable, nil
	case "joined-tables":
		return StyleJoinedTables, nil
	case "concrete-tables":
		return StyleConcreteTables, nil
	default:
		return 0, fmt.Errorf("unknown mapping style %q", name)
	}
}
