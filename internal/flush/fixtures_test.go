package flush

import (
	"testing"

	"go.uber.org/zap"

	"ormcore/internal/execmem"
	"ormcore/internal/identity"
	"ormcore/internal/loader"
	"ormcore/internal/state"
	"ormcore/pkg/executor"
	"ormcore/pkg/mapping"
	"ormcore/pkg/schema"
)

// env is one engine with its loader, identity map and seeded in-memory
// executor.
type env struct {
	conn    *execmem.Conn
	reg     *mapping.Registry
	ids     *identity.Map
	tracker *state.Tracker
	ld      *loader.Loader
	eng     *Engine

	user     *mapping.EntityDescriptor
	address  *mapping.EntityDescriptor
	tag      *mapping.EntityDescriptor
	doc      *mapping.EntityDescriptor
	employee *mapping.EntityDescriptor
	chain    *mapping.EntityDescriptor
	order    *mapping.EntityDescriptor
	item     *mapping.EntityDescriptor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	c := schema.NewCatalog()
	tables := []schema.Table{
		{
			Name: "users",
			Columns: []schema.Column{
				{Name: "id", Type: "integer"},
				{Name: "name", Type: "text"},
			},
			PrimaryKey: []string{"id"},
		},
		{
			Name: "addresses",
			Columns: []schema.Column{
				{Name: "id", Type: "integer"},
				{Name: "user_id", Type: "integer", Nullable: true},
				{Name: "city", Type: "text"},
			},
			PrimaryKey: []string{"id"},
			ForeignKeys: []schema.ForeignKey{
				{Name: "fk_addresses_user", Columns: []string{"user_id"}, RefTable: "users", RefColumns: []string{"id"}},
			},
		},
		{
			Name: "tags",
			Columns: []schema.Column{
				{Name: "id", Type: "integer"},
				{Name: "user_id", Type: "integer", Nullable: true},
				{Name: "label", Type: "text"},
			},
			PrimaryKey: []string{"id"},
			ForeignKeys: []schema.ForeignKey{
				{Name: "fk_tags_user", Columns: []string{"user_id"}, RefTable: "users", RefColumns: []string{"id"}},
			},
		},
		{
			Name: "docs",
			Columns: []schema.Column{
				{Name: "id", Type: "integer"},
				{Name: "title", Type: "text"},
				{Name: "version", Type: "integer"},
			},
			PrimaryKey: []string{"id"},
		},
		{
			Name: "employees",
			Columns: []schema.Column{
				{Name: "id", Type: "integer"},
				{Name: "manager_id", Type: "integer", Nullable: true},
				{Name: "name", Type: "text"},
			},
			PrimaryKey: []string{"id"},
			ForeignKeys: []schema.ForeignKey{
				{Name: "fk_employees_manager", Columns: []string{"manager_id"}, RefTable: "employees", RefColumns: []string{"id"}},
			},
		},
		{
			Name: "chain",
			Columns: []schema.Column{
				{Name: "id", Type: "integer"},
				{Name: "next_id", Type: "integer"},
			},
			PrimaryKey: []string{"id"},
			ForeignKeys: []schema.ForeignKey{
				{Name: "fk_chain_next", Columns: []string{"next_id"}, RefTable: "chain", RefColumns: []string{"id"}},
			},
		},
		{
			Name: "orders",
			Columns: []schema.Column{
				{Name: "id", Type: "integer"},
				{Name: "total", Type: "integer"},
			},
			PrimaryKey: []string{"id"},
		},
		{
			Name: "items",
			Columns: []schema.Column{
				{Name: "id", Type: "integer"},
				{Name: "sku", Type: "text"},
			},
			PrimaryKey: []string{"id"},
		},
		{
			Name: "order_items",
			Columns: []schema.Column{
				{Name: "order_id", Type: "integer"},
				{Name: "item_id", Type: "integer"},
			},
			PrimaryKey: []string{"order_id", "item_id"},
			ForeignKeys: []schema.ForeignKey{
				{Name: "fk_oi_order", Columns: []string{"order_id"}, RefTable: "orders", RefColumns: []string{"id"}},
				{Name: "fk_oi_item", Columns: []string{"item_id"}, RefTable: "items", RefColumns: []string{"id"}},
			},
		},
	}
	for _, tb := range tables {
		if err := c.AddTable(tb); err != nil {
			t.Fatalf("catalog: %v", err)
		}
	}

	user := mapping.NewEntity("User", "users").
		MapColumn("id", "id").
		MapColumn("name", "name").
		WithPrimaryKey("id").
		Relate(mapping.RelationshipSpec{
			Name: "addresses", Target: "Address", BackRef: "user",
			Cascade: mapping.CascadeSet{SaveUpdate: true, Delete: true, DeleteOrphan: true},
		}).
		Relate(mapping.RelationshipSpec{
			Name: "tags", Target: "Tag",
			Cascade: mapping.CascadeSet{SaveUpdate: true},
		})
	address := mapping.NewEntity("Address", "addresses").
		MapColumn("id", "id").
		MapColumn("user_id", "user_id").
		MapColumn("city", "city").
		WithPrimaryKey("id")
	tag := mapping.NewEntity("Tag", "tags").
		MapColumn("id", "id").
		MapColumn("user_id", "user_id").
		MapColumn("label", "label").
		WithPrimaryKey("id")
	doc := mapping.NewEntity("Doc", "docs").
		MapColumn("id", "id").
		MapColumn("title", "title").
		WithVersion("version", "version").
		WithPrimaryKey("id")
	employee := mapping.NewEntity("Employee", "employees").
		MapColumn("id", "id").
		MapColumn("manager_id", "manager_id").
		MapColumn("name", "name").
		WithPrimaryKey("id").
		Relate(mapping.RelationshipSpec{
			Name: "manager", Target: "Employee", RemoteColumns: []string{"id"},
			Cascade: mapping.CascadeSet{SaveUpdate: true},
		})
	chain := mapping.NewEntity("ChainNode", "chain").
		MapColumn("id", "id").
		MapColumn("next_id", "next_id").
		WithPrimaryKey("id").
		Relate(mapping.RelationshipSpec{
			Name: "next", Target: "ChainNode", RemoteColumns: []string{"id"},
			Cascade: mapping.CascadeSet{SaveUpdate: true},
		})
	order := mapping.NewEntity("Order", "orders").
		MapColumn("id", "id").
		MapColumn("total", "total").
		WithPrimaryKey("id").
		Relate(mapping.RelationshipSpec{
			Name: "items", Target: "Item", Secondary: "order_items", BackRef: "orders",
			Cascade: mapping.CascadeSet{SaveUpdate: true},
		})
	item := mapping.NewEntity("Item", "items").
		MapColumn("id", "id").
		MapColumn("sku", "sku").
		WithPrimaryKey("id")

	reg := mapping.NewRegistry(c)
	for _, d := range []*mapping.EntityDescriptor{user, address, tag, doc, employee, chain, order, item} {
		if err := reg.AddEntity(d); err != nil {
			t.Fatalf("add %s: %v", d.Name, err)
		}
	}
	if err := reg.Configure(); err != nil {
		t.Fatalf("configure: %v", err)
	}

	conn := execmem.New()
	conn.Seed("users", executor.Row{"id": int64(1), "name": "ada"})
	conn.Seed("addresses",
		executor.Row{"id": int64(10), "user_id": int64(1), "city": "london"},
		executor.Row{"id": int64(11), "user_id": int64(1), "city": "paris"},
	)
	conn.Seed("tags", executor.Row{"id": int64(20), "user_id": int64(1), "label": "alpha"})
	conn.Seed("employees",
		executor.Row{"id": int64(1), "manager_id": int64(2), "name": "e1"},
		executor.Row{"id": int64(2), "manager_id": int64(1), "name": "e2"},
	)
	conn.Seed("orders", executor.Row{"id": int64(100), "total": int64(5)})
	conn.Seed("items",
		executor.Row{"id": int64(1000), "sku": "sku-a"},
		executor.Row{"id": int64(1001), "sku": "sku-b"},
		executor.Row{"id": int64(1002), "sku": "sku-c"},
	)
	conn.Seed("order_items",
		executor.Row{"order_id": int64(100), "item_id": int64(1000)},
		executor.Row{"order_id": int64(100), "item_id": int64(1001)},
	)

	ids, err := identity.NewMap(0)
	if err != nil {
		t.Fatal(err)
	}
	tracker := state.NewTracker()
	log := zap.NewNop().Sugar()
	ld := loader.New(reg, conn, ids, tracker, nil, nil, log)
	return &env{
		conn:    conn,
		reg:     reg,
		ids:     ids,
		tracker: tracker,
		ld:      ld,
		eng:     New(reg, ld, conn, ids, nil, nil, log),

		user:     user,
		address:  address,
		tag:      tag,
		doc:      doc,
		employee: employee,
		chain:    chain,
		order:    order,
		item:     item,
	}
}

func (e *env) binding(t *testing.T, desc *mapping.EntityDescriptor, name string) *mapping.RelationshipBinding {
	t.Helper()
	b, ok := desc.Relationship(name)
	if !ok {
		t.Fatalf("relationship %s.%s not configured", desc.Name, name)
	}
	return b
}

// newPending constructs a transient instance, sets its attributes and marks it
// pending the way a session's Add would.
func (e *env) newPending(desc *mapping.EntityDescriptor, attrs executor.Row) *state.Instance {
	inst := e.tracker.NewInstance(desc)
	for attr, v := range attrs {
		inst.Set(attr, v)
	}
	inst.SetStatus(state.Pending)
	return inst
}
