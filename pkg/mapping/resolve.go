package mapping

import (
	"fmt"
	"strings"

	"ormcore/pkg/ormerr"
	"ormcore/pkg/schema"
)

// resolve turns a phase-1 relationship spec into a resolved binding. It
// enumerates foreign key edges in the catalog between the two entities'
// tables, applies the declared column hints, and fails on ambiguity rather than
// guessing. Configuration errors are raised here, never deferred to query or
// flush time.
func (r *Registry) resolve(owner *EntityDescriptor, spec RelationshipSpec) (*RelationshipBinding, error) {
	target, ok := r.entities[spec.Target]
	if !ok {
		return nil, ormerr.ConfigError{Entity: owner.Name, Detail: fmt.Sprintf("relationship %s targets unregistered entity %q", spec.Name, spec.Target)}
	}
	if spec.Secondary != "" {
		return r.resolveSecondary(owner, target, spec)
	}
	if owner.Table() == target.Table() && owner == target {
		return r.resolveSelfReferential(owner, spec)
	}
	return r.resolveDirect(owner, target, spec)
}

// resolveDirect handles the no-secondary-table case between distinct tables.
func (r *Registry) resolveDirect(owner, target *EntityDescriptor, spec RelationshipSpec) (*RelationshipBinding, error) {
	b := newBinding(owner, target, spec)

	if len(spec.PrimaryJoin) > 0 {
		b.Join = normalizeTerms(spec.PrimaryJoin)
		if err := r.orientExplicitJoin(b, spec); err != nil {
			return nil, err
		}
		return r.finish(b, spec)
	}

	// Edges where the owner's table carries the foreign key make the
	// owner the "many" side; edges on the target's table make it the
	// "one" side of a collection.
	ownerEdges := r.catalog.ForeignKeysBetween(owner.Table(), target.Table())
	targetEdges := r.catalog.ForeignKeysBetween(target.Table(), owner.Table())
	candidates := append(append([]schema.ForeignKey(nil), ownerEdges...), targetEdges...)

	if len(spec.ForeignColumns) > 0 {
		candidates = filterEdgesByColumns(candidates, spec.ForeignColumns)
	}

	switch len(candidates) {
	case 0:
		return nil, ormerr.NoJoinConditionError{Owner: owner.Name, Target: target.Name, Relationship: spec.Name}
	case 1:
		// fall through
	default:
		return nil, ormerr.AmbiguousJoinConditionError{
			Owner:        owner.Name,
			Target:       target.Name,
			Relationship: spec.Name,
			Candidates:   describeEdges(candidates),
		}
	}

	edge := candidates[0]
	if edge.Table == owner.Table() {
		b.Cardinality = ManyToOne
		b.FKOnOwner = true
		b.ForeignColumns = append([]string(nil), edge.Columns...)
		for i := range edge.Columns {
			b.Join = append(b.Join, JoinTerm{Local: edge.Columns[i], Remote: edge.RefColumns[i]})
		}
	} else {
		b.Cardinality = OneToMany
		b.ForeignColumns = append([]string(nil), edge.Columns...)
		for i := range edge.Columns {
			b.Join = append(b.Join, JoinTerm{Local: edge.RefColumns[i], Remote: edge.Columns[i]})
		}
	}
	b.DBDeleteCascade = edge.OnDeleteCascade
	return r.finish(b, spec)
}

// resolveSecondary composes the two-hop join through an association table.
// Each hop needs exactly one resolvable edge from the secondary table, or an
// explicit override.
func (r *Registry) resolveSecondary(owner, target *EntityDescriptor, spec RelationshipSpec) (*RelationshipBinding, error) {
	if _, ok := r.catalog.Table(spec.Secondary); !ok {
		return nil, ormerr.ConfigError{Entity: owner.Name, Detail: fmt.Sprintf("relationship %s: secondary table %q not in catalog", spec.Name, spec.Secondary)}
	}
	b := newBinding(owner, target, spec)
	b.Cardinality = ManyToMany
	b.Secondary = spec.Secondary

	ownerHop, err := r.secondaryHop(owner, spec, spec.PrimaryJoin, spec.Secondary, owner.Table(), "owner")
	if err != nil {
		return nil, err
	}
	targetHop, err := r.secondaryHop(owner, spec, spec.SecondaryJoin, spec.Secondary, target.Table(), "target")
	if err != nil {
		return nil, err
	}
	// Owner hop terms: Local on the owner table, Remote on the secondary.
	for i := range ownerHop.Columns {
		b.Join = append(b.Join, JoinTerm{Local: ownerHop.RefColumns[i], Remote: ownerHop.Columns[i]})
		b.ForeignColumns = append(b.ForeignColumns, ownerHop.Columns[i])
	}
	// Target hop terms: Local on the secondary table, Remote on the target.
	for i := range targetHop.Columns {
		b.SecondaryJoin = append(b.SecondaryJoin, JoinTerm{Local: targetHop.Columns[i], Remote: targetHop.RefColumns[i]})
		b.ForeignColumns = append(b.ForeignColumns, targetHop.Columns[i])
	}
	return r.finish(b, spec)
}

// secondaryHop resolves one hop of a two-hop join: the foreign key from the
// secondary table to one endpoint table, or the caller's override for it.
func (r *Registry) secondaryHop(owner *EntityDescriptor, spec RelationshipSpec, override []JoinTerm, secondary, endpoint, side string) (schema.ForeignKey, error) {
	if len(override) > 0 {
		// Overrides arrive as (endpoint column, secondary column) pairs
		// for the owner hop and (secondary, target) for the target hop;
		// normalize to the edge shape with the secondary as child.
		edge := schema.ForeignKey{Table: secondary, RefTable: endpoint}
		for _, t := range override {
			if side == "owner" {
				edge.Columns = append(edge.Columns, t.Remote)
				edge.RefColumns = append(edge.RefColumns, t.Local)
			} else {
				edge.Columns = append(edge.Columns, t.Local)
				edge.RefColumns = append(edge.RefColumns, t.Remote)
			}
		}
		return edge, nil
	}
	edges := r.catalog.ForeignKeysBetween(secondary, endpoint)
	switch len(edges) {
	case 0:
		return schema.ForeignKey{}, ormerr.NoJoinConditionError{Owner: owner.Name, Target: endpoint, Relationship: spec.Name}
	case 1:
		return edges[0], nil
	default:
		return schema.ForeignKey{}, ormerr.AmbiguousJoinConditionError{
			Owner:        owner.Name,
			Target:       endpoint,
			Relationship: spec.Name,
			Candidates:   describeEdges(edges),
		}
	}
}

// resolveSelfReferential handles relationships whose owner and target share a
// table. Table identity alone cannot orient "remote" vs "local", so explicit
// hints are required.
func (r *Registry) resolveSelfReferential(owner *EntityDescriptor, spec RelationshipSpec) (*RelationshipBinding, error) {
	b := newBinding(owner, owner, spec)

	if len(spec.PrimaryJoin) > 0 {
		if len(spec.ForeignColumns) == 0 {
			return nil, ormerr.AmbiguousSelfReferenceError{Entity: owner.Name, Relationship: spec.Name}
		}
		b.Join = normalizeTerms(spec.PrimaryJoin)
		b.ForeignColumns = append([]string(nil), spec.ForeignColumns...)
		b.FKOnOwner = containsAll(localColumns(b.Join), spec.ForeignColumns)
		if b.FKOnOwner {
			b.Cardinality = ManyToOne
		} else {
			b.Cardinality = OneToMany
		}
		return r.finish(b, spec)
	}

	edges := r.catalog.ForeignKeysBetween(owner.Table(), owner.Table())
	if len(spec.ForeignColumns) > 0 {
		edges = filterEdgesByColumns(edges, spec.ForeignColumns)
	}
	if len(edges) == 0 {
		return nil, ormerr.NoJoinConditionError{Owner: owner.Name, Target: owner.Name, Relationship: spec.Name}
	}
	if len(edges) > 1 {
		return nil, ormerr.AmbiguousJoinConditionError{
			Owner:        owner.Name,
			Target:       owner.Name,
			Relationship: spec.Name,
			Candidates:   describeEdges(edges),
		}
	}
	if len(spec.RemoteColumns) == 0 {
		return nil, ormerr.AmbiguousSelfReferenceError{Entity: owner.Name, Relationship: spec.Name}
	}

	edge := edges[0]
	b.ForeignColumns = append([]string(nil), edge.Columns...)
	switch {
	case sameColumns(spec.RemoteColumns, edge.RefColumns):
		// The referenced (primary key) side is remote: each owner row
		// carries the foreign key pointing at its remote counterpart.
		b.Cardinality = ManyToOne
		b.FKOnOwner = true
		for i := range edge.Columns {
			b.Join = append(b.Join, JoinTerm{Local: edge.Columns[i], Remote: edge.RefColumns[i]})
		}
	case sameColumns(spec.RemoteColumns, edge.Columns):
		// The foreign key side is remote: the collection of rows whose
		// foreign key points back at the owner.
		b.Cardinality = OneToMany
		for i := range edge.Columns {
			b.Join = append(b.Join, JoinTerm{Local: edge.RefColumns[i], Remote: edge.Columns[i]})
		}
	default:
		return nil, ormerr.AmbiguousSelfReferenceError{Entity: owner.Name, Relationship: spec.Name}
	}
	b.DBDeleteCascade = edge.OnDeleteCascade
	return r.finish(b, spec)
}

// orientExplicitJoin determines the foreign key side for an explicit primary
// join between distinct tables, from the ForeignColumns designation or from a
// unique catalog edge.
func (r *Registry) orientExplicitJoin(b *RelationshipBinding, spec RelationshipSpec) error {
	if len(spec.ForeignColumns) > 0 {
		b.ForeignColumns = append([]string(nil), spec.ForeignColumns...)
		switch {
		case containsAll(localColumns(b.Join), spec.ForeignColumns):
			b.Cardinality = ManyToOne
			b.FKOnOwner = true
		case containsAll(remoteColumns(b.Join), spec.ForeignColumns):
			b.Cardinality = OneToMany
		default:
			return ormerr.ConfigError{Entity: b.Owner.Name, Detail: fmt.Sprintf("relationship %s: foreign columns %v appear on neither side of the primary join", b.Name, spec.ForeignColumns)}
		}
		return nil
	}
	ownerEdges := r.catalog.ForeignKeysBetween(b.Owner.Table(), b.Target.Table())
	targetEdges := r.catalog.ForeignKeysBetween(b.Target.Table(), b.Owner.Table())
	switch {
	case len(ownerEdges) == 1 && len(targetEdges) == 0:
		b.Cardinality = ManyToOne
		b.FKOnOwner = true
		b.ForeignColumns = append([]string(nil), ownerEdges[0].Columns...)
	case len(ownerEdges) == 0 && len(targetEdges) == 1:
		b.Cardinality = OneToMany
		b.ForeignColumns = append([]string(nil), targetEdges[0].Columns...)
	default:
		return ormerr.ConfigError{Entity: b.Owner.Name, Detail: fmt.Sprintf("relationship %s: explicit join needs a foreign-column designation to orient it", b.Name)}
	}
	return nil
}

// finish applies the collection convention, the one-to-one adjustments and
// the load default, completing the binding.
func (r *Registry) finish(b *RelationshipBinding, spec RelationshipSpec) (*RelationshipBinding, error) {
	if spec.UseList != nil && !*spec.UseList {
		b.Cardinality = OneToOne
		// Without a unique constraint on the foreign key the read side
		// has no database-level enforcement; more than one row is then
		// a runtime warning condition.
		b.ScalarWarn = !r.catalog.HasUnique(b.fkTable(), b.ForeignColumns)
	}
	if b.Load == "" {
		b.Load = LoadLazy
	}
	if b.Cardinality == ManyToMany && b.Cascade.DeleteOrphan {
		return nil, ormerr.ConfigError{Entity: b.Owner.Name, Detail: fmt.Sprintf("relationship %s: delete-orphan is not supported on many-to-many", b.Name)}
	}
	return b, nil
}

func newBinding(owner, target *EntityDescriptor, spec RelationshipSpec) *RelationshipBinding {
	return &RelationshipBinding{
		Name:        spec.Name,
		Owner:       owner,
		Target:      target,
		Cascade:     spec.Cascade,
		Load:        spec.Load,
		ViewOnly:    spec.ViewOnly,
		NonNullable: spec.NonNullable,
		OrderBy:     append([]string(nil), spec.OrderBy...),
	}
}

func normalizeTerms(terms []JoinTerm) []JoinTerm {
	out := make([]JoinTerm, len(terms))
	for i, t := range terms {
		out[i] = JoinTerm{Local: t.Local, Remote: t.Remote, Op: t.Operator()}
	}
	return out
}

func localColumns(terms []JoinTerm) []string {
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = t.Local
	}
	return out
}

func remoteColumns(terms []JoinTerm) []string {
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = t.Remote
	}
	return out
}

func containsAll(haystack, needles []string) bool {
	set := make(map[string]struct{}, len(haystack))
	for _, h := range haystack {
		set[h] = struct{}{}
	}
	for _, n := range needles {
		if _, ok := set[n]; !ok {
			return false
		}
	}
	return true
}

func filterEdgesByColumns(edges []schema.ForeignKey, columns []string) []schema.ForeignKey {
	var out []schema.ForeignKey
	for _, e := range edges {
		if sameColumns(e.Columns, columns) {
			out = append(out, e)
		}
	}
	return out
}

func describeEdges(edges []schema.ForeignKey) []string {
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		name := e.Name
		if name == "" {
			name = "fk"
		}
		out = append(out, fmt.Sprintf("%s: %s(%s) -> %s(%s)",
			name, e.Table, strings.Join(e.Columns, ","), e.RefTable, strings.Join(e.RefColumns, ",")))
	}
	return out
}
