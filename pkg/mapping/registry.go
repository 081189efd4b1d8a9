package mapping

import (
	"fmt"

	"go.uber.org/zap"

	"ormcore/pkg/ormerr"
	"ormcore/pkg/schema"
)

// Registry owns the mapped entity descriptors for one engine context. It has
// an explicit lifecycle: construct, declare entities, Configure once, frozen
// thereafter. There is no process-wide implicit registry.
type Registry struct {
	catalog    *schema.Catalog
	entities   map[string]*EntityDescriptor
	order      []string
	configured bool
	warn       ormerr.WarningSink
	log        *zap.SugaredLogger
}

// Option customizes a registry.
type Option func(*Registry)

// WithWarningSink routes configuration warnings to the given sink.
func WithWarningSink(sink ormerr.WarningSink) Option {
	return func(r *Registry) { r.warn = sink }
}

// WithLogger attaches a logger used for configuration diagnostics.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(r *Registry) { r.log = log }
}

// NewRegistry constructs a registry over the given catalog.
func NewRegistry(catalog *schema.Catalog, opts ...Option) *Registry {
	r := &Registry{
		catalog:  catalog,
		entities: make(map[string]*EntityDescriptor),
		warn:     ormerr.DiscardSink{},
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Catalog returns the schema catalog the registry was built over.
func (r *Registry) Catalog() *schema.Catalog { return r.catalog }

// WarningSink returns the configured warning sink.
func (r *Registry) WarningSink() ormerr.WarningSink { return r.warn }

// AddEntity registers a descriptor. Fails once the registry is configured.
func (r *Registry) AddEntity(d *EntityDescriptor) error {
	if r.configured {
		return ormerr.ConfigError{Entity: d.Name, Detail: "registry is frozen; entities must be added before Configure"}
	}
	if err := d.validate(); err != nil {
		return err
	}
	if _, dup := r.entities[d.Name]; dup {
		return ormerr.ConfigError{Entity: d.Name, Detail: "entity already registered"}
	}
	if err := r.checkAgainstCatalog(d); err != nil {
		return err
	}
	r.entities[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

// Entity returns a registered descriptor.
func (r *Registry) Entity(name string) (*EntityDescriptor, bool) {
	d, ok := r.entities[name]
	return d, ok
}

// Entities returns descriptors in registration order.
func (r *Registry) Entities() []*EntityDescriptor {
	out := make([]*EntityDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entities[name])
	}
	return out
}

// Configured reports whether Configure has completed.
func (r *Registry) Configured() bool { return r.configured }

// Configure resolves every relationship spec against the registry and the
// catalog: phase 2 of registration. Configuration errors surface here, before
// any data is touched; calling Configure again after success is a no-op.
func (r *Registry) Configure() error {
	if r.configured {
		return nil
	}
	for _, name := range r.order {
		if err := r.checkPolymorphic(r.entities[name]); err != nil {
			return err
		}
	}
	for _, name := range r.order {
		owner := r.entities[name]
		for _, spec := range owner.specs {
			if _, dup := owner.relationships[spec.Name]; dup {
				return ormerr.ConfigError{Entity: owner.Name, Detail: "relationship " + spec.Name + " declared twice"}
			}
			binding, err := r.resolve(owner, spec)
			if err != nil {
				return err
			}
			owner.relationships[spec.Name] = binding
			if spec.BackRef != "" {
				if err := r.createBackref(binding, spec.BackRef); err != nil {
					return err
				}
			}
		}
	}
	for _, name := range r.order {
		owner := r.entities[name]
		for _, spec := range owner.specs {
			if spec.InverseOf == "" {
				continue
			}
			if err := r.linkInverse(owner, spec.Name, spec.InverseOf); err != nil {
				return err
			}
		}
	}
	r.detectOverlappingForeignKeys()
	r.configured = true
	r.log.Infow("mapping configured", "entities", len(r.order))
	return nil
}

func (r *Registry) checkAgainstCatalog(d *EntityDescriptor) error {
	for _, tb := range d.Tables() {
		table, ok := r.catalog.Table(tb.Table)
		if !ok {
			return ormerr.ConfigError{Entity: d.Name, Detail: fmt.Sprintf("table %q not in catalog", tb.Table)}
		}
		for _, cb := range tb.Columns {
			if _, ok := table.Column(cb.Column); !ok {
				return ormerr.ConfigError{Entity: d.Name, Detail: fmt.Sprintf("column %s.%s not in catalog", tb.Table, cb.Column)}
			}
		}
	}
	// An attribute mapped onto an undeclared secondary table ends up in
	// byAttr without a backing table binding; report it here.
	for attr, cb := range d.byAttr {
		found := false
		for _, tb := range d.tables {
			if tb.Table == cb.Table {
				found = true
				break
			}
		}
		if !found {
			return ormerr.ConfigError{Entity: d.Name, Detail: fmt.Sprintf("attribute %s maps to undeclared table %q", attr, cb.Table)}
		}
	}
	catalogPK, err := r.catalog.PrimaryKeyColumns(d.Table())
	if err != nil {
		return ormerr.ConfigError{Entity: d.Name, Detail: err.Error()}
	}
	if len(catalogPK) > 0 && !sameColumns(catalogPK, d.PrimaryKey()) {
		return ormerr.ConfigError{Entity: d.Name, Detail: fmt.Sprintf("declared primary key %v disagrees with catalog %v", d.PrimaryKey(), catalogPK)}
	}
	return nil
}

func (r *Registry) checkPolymorphic(d *EntityDescriptor) error {
	p := d.Polymorphic()
	if p == nil {
		return nil
	}
	if p.Base == "" {
		if p.Style != StyleConcreteTables && p.DiscriminatorColumn == "" {
			return ormerr.ConfigError{Entity: d.Name, Detail: "polymorphic base requires a discriminator column"}
		}
		return nil
	}
	base, ok := r.entities[p.Base]
	if !ok {
		return ormerr.ConfigError{Entity: d.Name, Detail: fmt.Sprintf("polymorphic base %q not registered", p.Base)}
	}
	switch p.Style {
	case StyleSingleTable:
		if d.Table() != base.Table() {
			return ormerr.ConfigError{Entity: d.Name, Detail: "single-table subtype must map the base table"}
		}
	case StyleJoinedTables:
		if d.Table() == base.Table() {
			return ormerr.ConfigError{Entity: d.Name, Detail: "joined-tables subtype requires its own table"}
		}
		if edges := r.catalog.ForeignKeysBetween(d.Table(), base.Table()); len(edges) == 0 {
			return ormerr.ConfigError{Entity: d.Name, Detail: fmt.Sprintf("joined-tables subtype table %q has no foreign key to base table %q", d.Table(), base.Table())}
		}
	case StyleConcreteTables:
		// Concrete subtypes stand alone; nothing to check beyond their
		// own table, already validated.
	default:
		return ormerr.ConfigError{Entity: d.Name, Detail: "unknown mapping style"}
	}
	if p.Style != StyleConcreteTables && p.Identity == "" {
		return ormerr.ConfigError{Entity: d.Name, Detail: "polymorphic subtype requires a discriminator identity"}
	}
	return nil
}

// createBackref synthesizes the reciprocal binding of a bidirectional pair on
// the target descriptor and links both sides.
func (r *Registry) createBackref(b *RelationshipBinding, name string) error {
	target := b.Target
	if _, clash := target.relationships[name]; clash {
		return ormerr.ConfigError{Entity: target.Name, Detail: "backref " + name + " collides with an existing relationship"}
	}
	inverse := &RelationshipBinding{
		Name:             name,
		Owner:            target,
		Target:           b.Owner,
		Secondary:        b.Secondary,
		Cascade:          CascadeSet{SaveUpdate: b.Cascade.SaveUpdate, Merge: b.Cascade.Merge},
		Load:             LoadLazy,
		ViewOnly:         b.ViewOnly,
		NonNullable:      b.NonNullable,
		ForeignColumns:   append([]string(nil), b.ForeignColumns...),
		Inverse:          b,
		createdByBackref: true,
	}
	switch b.Cardinality {
	case OneToMany:
		inverse.Cardinality = ManyToOne
		inverse.FKOnOwner = true
	case ManyToOne:
		inverse.Cardinality = OneToMany
	case OneToOne:
		inverse.Cardinality = OneToOne
		inverse.FKOnOwner = !b.FKOnOwner
		inverse.ScalarWarn = true
	case ManyToMany:
		inverse.Cardinality = ManyToMany
	}
	// Flip the join direction: the inverse's local columns are the
	// original's remote columns.
	inverse.Join = flipTerms(b.Join)
	if b.Secondary != "" {
		// owner->secondary and secondary->target swap roles.
		inverse.Join = flipTerms(b.SecondaryJoin)
		inverse.SecondaryJoin = flipTerms(b.Join)
	}
	target.relationships[name] = inverse
	b.Inverse = inverse
	return nil
}

func (r *Registry) linkInverse(owner *EntityDescriptor, name, inverseName string) error {
	binding := owner.relationships[name]
	inverse, ok := binding.Target.relationships[inverseName]
	if !ok {
		return ormerr.ConfigError{Entity: owner.Name, Detail: fmt.Sprintf("relationship %s names inverse %s.%s which is not declared", name, binding.Target.Name, inverseName)}
	}
	if inverse.Target != owner {
		return ormerr.ConfigError{Entity: owner.Name, Detail: fmt.Sprintf("relationship %s and %s.%s do not reference each other's entities", name, binding.Target.Name, inverseName)}
	}
	binding.Inverse = inverse
	inverse.Inverse = binding
	// The explicitly declared pair keeps the side that carries no foreign
	// key as the secondary-write owner to avoid double emission.
	if binding.Secondary != "" && inverse.Secondary != "" {
		inverse.createdByBackref = true
	}
	return nil
}

// detectOverlappingForeignKeys warns when two unpaired non-viewonly
// relationships write the same foreign key columns. The documented behavior
// is warn-and-proceed; the warning is emitted deterministically at configure
// time and flush does not re-check.
func (r *Registry) detectOverlappingForeignKeys() {
	type writer struct {
		binding *RelationshipBinding
		label   string
	}
	byColumn := make(map[string][]writer)
	var colOrder []string
	for _, name := range r.order {
		d := r.entities[name]
		for _, b := range d.Relationships() {
			if !b.Writable() || b.Secondary != "" {
				continue
			}
			table := b.fkTable()
			for _, col := range b.ForeignColumns {
				key := table + "." + col
				if _, seen := byColumn[key]; !seen {
					colOrder = append(colOrder, key)
				}
				byColumn[key] = append(byColumn[key], writer{binding: b, label: d.Name + "." + b.Name})
			}
		}
	}
	for _, key := range colOrder {
		writers := byColumn[key]
		if len(writers) < 2 {
			continue
		}
		distinct := make([]writer, 0, len(writers))
		for _, w := range writers {
			paired := false
			for _, kept := range distinct {
				if kept.binding.Inverse == w.binding {
					paired = true
					break
				}
			}
			if !paired {
				distinct = append(distinct, w)
			}
		}
		if len(distinct) < 2 {
			continue
		}
		labels := make([]string, 0, len(distinct))
		for _, w := range distinct {
			labels = append(labels, w.label)
		}
		w := ormerr.OverlappingForeignKeys(distinct[0].binding.fkEntity(), labels, []string{key})
		r.warn.Warn(w)
		r.log.Warnw("overlapping foreign key columns", "columns", key, "relationships", labels)
	}
}

// fkTable returns the table carrying this binding's writable foreign key.
func (b *RelationshipBinding) fkTable() string {
	if b.FKOnOwner {
		return b.Owner.Table()
	}
	return b.Target.Table()
}

// fkEntity returns the entity whose table carries the writable foreign key.
func (b *RelationshipBinding) fkEntity() string {
	if b.FKOnOwner {
		return b.Owner.Name
	}
	return b.Target.Name
}

func flipTerms(terms []JoinTerm) []JoinTerm {
	out := make([]JoinTerm, len(terms))
	for i, t := range terms {
		out[i] = JoinTerm{Local: t.Remote, Remote: t.Local, Op: t.Op}
	}
	return out
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
