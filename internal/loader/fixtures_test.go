package loader

import (
	"testing"

	"go.uber.org/zap"

	"ormcore/internal/execmem"
	"ormcore/internal/identity"
	"ormcore/internal/state"
	"ormcore/pkg/executor"
	"ormcore/pkg/mapping"
	"ormcore/pkg/ormerr"
	"ormcore/pkg/schema"
)

// env bundles one loader with its session-scoped collaborators over a seeded
// in-memory executor.
type env struct {
	conn    *execmem.Conn
	reg     *mapping.Registry
	ids     *identity.Map
	tracker *state.Tracker
	ld      *Loader
	warn    *ormerr.CollectingSink

	user     *mapping.EntityDescriptor
	address  *mapping.EntityDescriptor
	order    *mapping.EntityDescriptor
	item     *mapping.EntityDescriptor
	profile  *mapping.EntityDescriptor
	person   *mapping.EntityDescriptor
	employee *mapping.EntityDescriptor
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
				{Name: "bio", Type: "text", Nullable: true},
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
			Name: "orders",
			Columns: []schema.Column{
				{Name: "id", Type: "integer"},
				{Name: "user_id", Type: "integer", Nullable: true},
				{Name: "total", Type: "integer"},
			},
			PrimaryKey: []string{"id"},
			ForeignKeys: []schema.ForeignKey{
				{Name: "fk_orders_user", Columns: []string{"user_id"}, RefTable: "users", RefColumns: []string{"id"}},
			},
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
		{
			Name: "profiles",
			Columns: []schema.Column{
				{Name: "id", Type: "integer"},
				{Name: "user_id", Type: "integer", Nullable: true},
				{Name: "bio", Type: "text"},
			},
			PrimaryKey: []string{"id"},
			ForeignKeys: []schema.ForeignKey{
				{Name: "fk_profiles_user", Columns: []string{"user_id"}, RefTable: "users", RefColumns: []string{"id"}},
			},
		},
		{
			Name: "people",
			Columns: []schema.Column{
				{Name: "id", Type: "integer"},
				{Name: "kind", Type: "text"},
				{Name: "name", Type: "text"},
				{Name: "salary", Type: "integer", Nullable: true},
			},
			PrimaryKey: []string{"id"},
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
		MapDeferred("bio", "bio").
		WithPrimaryKey("id").
		Relate(mapping.RelationshipSpec{Name: "addresses", Target: "Address", BackRef: "user", OrderBy: []string{"city"}}).
		Relate(mapping.RelationshipSpec{Name: "orders", Target: "Order", BackRef: "user"}).
		Relate(mapping.RelationshipSpec{Name: "profile", Target: "Profile", UseList: mapping.Bool(false)})
	address := mapping.NewEntity("Address", "addresses").
		MapColumn("id", "id").
		MapColumn("user_id", "user_id").
		MapColumn("city", "city").
		WithPrimaryKey("id")
	order := mapping.NewEntity("Order", "orders").
		MapColumn("id", "id").
		MapColumn("user_id", "user_id").
		MapColumn("total", "total").
		WithPrimaryKey("id").
		Relate(mapping.RelationshipSpec{Name: "items", Target: "Item", Secondary: "order_items", BackRef: "orders"})
	item := mapping.NewEntity("Item", "items").
		MapColumn("id", "id").
		MapColumn("sku", "sku").
		WithPrimaryKey("id")
	profile := mapping.NewEntity("Profile", "profiles").
		MapColumn("id", "id").
		MapColumn("user_id", "user_id").
		MapColumn("bio", "bio").
		WithPrimaryKey("id")
	person := mapping.NewEntity("Person", "people").
		MapColumn("id", "id").
		MapColumn("kind", "kind").
		MapColumn("name", "name").
		WithPrimaryKey("id").
		WithPolymorphic(mapping.Polymorphic{Style: mapping.StyleSingleTable, DiscriminatorColumn: "kind"})
	employee := mapping.NewEntity("Employee", "people").
		MapColumn("id", "id").
		MapColumn("kind", "kind").
		MapColumn("name", "name").
		MapColumn("salary", "salary").
		WithPrimaryKey("id").
		WithPolymorphic(mapping.Polymorphic{Style: mapping.StyleSingleTable, Base: "Person", Identity: "employee"})

	reg := mapping.NewRegistry(c)
	for _, d := range []*mapping.EntityDescriptor{user, address, order, item, profile, person, employee} {
		if err := reg.AddEntity(d); err != nil {
			t.Fatalf("add %s: %v", d.Name, err)
		}
	}
	if err := reg.Configure(); err != nil {
		t.Fatalf("configure: %v", err)
	}

	conn := execmem.New()
	conn.Seed("users",
		executor.Row{"id": int64(1), "name": "ada", "bio": "pioneer"},
		executor.Row{"id": int64(2), "name": "grace", "bio": "admiral"},
		executor.Row{"id": int64(3), "name": "linus", "bio": "kernel"},
	)
	conn.Seed("addresses",
		executor.Row{"id": int64(10), "user_id": int64(1), "city": "london"},
		executor.Row{"id": int64(11), "user_id": int64(1), "city": "paris"},
		executor.Row{"id": int64(12), "user_id": int64(2), "city": "oslo"},
	)
	conn.Seed("orders",
		executor.Row{"id": int64(100), "user_id": int64(1), "total": int64(5)},
		executor.Row{"id": int64(101), "user_id": int64(2), "total": int64(7)},
	)
	conn.Seed("items",
		executor.Row{"id": int64(1000), "sku": "sku-a"},
		executor.Row{"id": int64(1001), "sku": "sku-b"},
	)
	conn.Seed("order_items",
		executor.Row{"order_id": int64(100), "item_id": int64(1000)},
		executor.Row{"order_id": int64(100), "item_id": int64(1001)},
		executor.Row{"order_id": int64(101), "item_id": int64(1001)},
	)
	conn.Seed("profiles",
		executor.Row{"id": int64(500), "user_id": int64(1), "bio": "first"},
		executor.Row{"id": int64(501), "user_id": int64(1), "bio": "second"},
	)
	conn.Seed("people",
		executor.Row{"id": int64(1), "kind": "employee", "name": "emma", "salary": int64(10)},
		executor.Row{"id": int64(2), "kind": "contractor", "name": "carl"},
	)

	ids, err := identity.NewMap(0)
	if err != nil {
		t.Fatal(err)
	}
	tracker := state.NewTracker()
	warn := &ormerr.CollectingSink{}
	return &env{
		conn:    conn,
		reg:     reg,
		ids:     ids,
		tracker: tracker,
		ld:      New(reg, conn, ids, tracker, nil, warn, zap.NewNop().Sugar()),
		warn:    warn,

		user:     user,
		address:  address,
		order:    order,
		item:     item,
		profile:  profile,
		person:   person,
		employee: employee,
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
