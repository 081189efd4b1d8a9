package session

import (
	"testing"

	"ormcore/internal/execmem"
	"ormcore/pkg/executor"
	"ormcore/pkg/mapping"
	"ormcore/pkg/schema"
)

// testRegistry maps users with a cascading address collection and an unseeded
// tags table for generated-key coverage.
func testRegistry(t *testing.T) *mapping.Registry {
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
				{Name: "label", Type: "text"},
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
		WithPrimaryKey("id").
		Relate(mapping.RelationshipSpec{
			Name:    "addresses",
			Target:  "Address",
			BackRef: "user",
			Cascade: mapping.CascadeSet{SaveUpdate: true, Delete: true, DeleteOrphan: true, Merge: true},
			OrderBy: []string{"city"},
		})
	address := mapping.NewEntity("Address", "addresses").
		MapColumn("id", "id").
		MapColumn("user_id", "user_id").
		MapColumn("city", "city").
		WithPrimaryKey("id")
	tag := mapping.NewEntity("Tag", "tags").
		MapColumn("id", "id").
		MapColumn("label", "label").
		WithPrimaryKey("id")

	reg := mapping.NewRegistry(c)
	for _, d := range []*mapping.EntityDescriptor{user, address, tag} {
		if err := reg.AddEntity(d); err != nil {
			t.Fatalf("add %s: %v", d.Name, err)
		}
	}
	if err := reg.Configure(); err != nil {
		t.Fatalf("configure: %v", err)
	}
	return reg
}

func seededConn() *execmem.Conn {
	conn := execmem.New()
	conn.Seed("users",
		executor.Row{"id": int64(1), "name": "ada"},
		executor.Row{"id": int64(2), "name": "grace"},
	)
	conn.Seed("addresses",
		executor.Row{"id": int64(10), "user_id": int64(1), "city": "london"},
		executor.Row{"id": int64(11), "user_id": int64(1), "city": "paris"},
	)
	return conn
}

func newSession(t *testing.T, mutate ...func(*Config)) (*Session, *execmem.Conn) {
	t.Helper()
	conn := seededConn()
	cfg := Config{Registry: testRegistry(t), Conn: conn}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	return s, conn
}
