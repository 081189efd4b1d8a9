package mapping

import (
	"testing"

	"ormcore/pkg/schema"
)

// commerceCatalog declares the fixture schema shared by the resolver tests:
// users, addresses, orders with two foreign keys to users, items with an
// association table, and a self-referential nodes table.
func commerceCatalog(t *testing.T) *schema.Catalog {
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
			Name: "orders",
			Columns: []schema.Column{
				{Name: "id", Type: "integer"},
				{Name: "user_id", Type: "integer", Nullable: true},
				{Name: "billing_user_id", Type: "integer", Nullable: true},
				{Name: "total", Type: "integer"},
			},
			PrimaryKey: []string{"id"},
			ForeignKeys: []schema.ForeignKey{
				{Name: "fk_orders_user", Columns: []string{"user_id"}, RefTable: "users", RefColumns: []string{"id"}},
				{Name: "fk_orders_billing", Columns: []string{"billing_user_id"}, RefTable: "users", RefColumns: []string{"id"}},
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
			Name: "nodes",
			Columns: []schema.Column{
				{Name: "id", Type: "integer"},
				{Name: "parent_id", Type: "integer", Nullable: true},
				{Name: "label", Type: "text"},
			},
			PrimaryKey: []string{"id"},
			ForeignKeys: []schema.ForeignKey{
				{Name: "fk_nodes_parent", Columns: []string{"parent_id"}, RefTable: "nodes", RefColumns: []string{"id"}},
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
			Uniques: [][]string{{"user_id"}},
		},
	}
	for _, tb := range tables {
		if err := c.AddTable(tb); err != nil {
			t.Fatalf("catalog: %v", err)
		}
	}
	return c
}

func userEntity() *EntityDescriptor {
	return NewEntity("User", "users").
		MapColumn("id", "id").
		MapColumn("name", "name").
		WithPrimaryKey("id")
}

func addressEntity() *EntityDescriptor {
	return NewEntity("Address", "addresses").
		MapColumn("id", "id").
		MapColumn("user_id", "user_id").
		MapColumn("city", "city").
		WithPrimaryKey("id")
}

func orderEntity() *EntityDescriptor {
	return NewEntity("Order", "orders").
		MapColumn("id", "id").
		MapColumn("user_id", "user_id").
		MapColumn("billing_user_id", "billing_user_id").
		MapColumn("total", "total").
		WithPrimaryKey("id")
}

func itemEntity() *EntityDescriptor {
	return NewEntity("Item", "items").
		MapColumn("id", "id").
		MapColumn("sku", "sku").
		WithPrimaryKey("id")
}

func nodeEntity() *EntityDescriptor {
	return NewEntity("Node", "nodes").
		MapColumn("id", "id").
		MapColumn("parent_id", "parent_id").
		MapColumn("label", "label").
		WithPrimaryKey("id")
}

func profileEntity() *EntityDescriptor {
	return NewEntity("Profile", "profiles").
		MapColumn("id", "id").
		MapColumn("user_id", "user_id").
		MapColumn("bio", "bio").
		WithPrimaryKey("id")
}

func mustConfigure(t *testing.T, reg *Registry, entities ...*EntityDescriptor) {
	t.Helper()
	for _, d := range entities {
		if err := reg.AddEntity(d); err != nil {
			t.Fatalf("add %s: %v", d.Name, err)
		}
	}
	if err := reg.Configure(); err != nil {
		t.Fatalf("configure: %v", err)
	}
}
