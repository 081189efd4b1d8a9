package schema

import (
	"strings"
	"testing"
)

func usersTable() Table {
	return Table{
		Name: "users",
		Columns: []Column{
			{Name: "id", Type: "integer"},
			{Name: "name", Type: "text"},
		},
		PrimaryKey: []string{"id"},
	}
}

func addressesTable() Table {
	return Table{
		Name: "addresses",
		Columns: []Column{
			{Name: "id", Type: "integer"},
			{Name: "user_id", Type: "integer", Nullable: true},
			{Name: "billing_user_id", Type: "integer", Nullable: true},
			{Name: "email", Type: "text"},
		},
		PrimaryKey: []string{"id"},
		ForeignKeys: []ForeignKey{
			{Name: "fk_addresses_user", Columns: []string{"user_id"}, RefTable: "users", RefColumns: []string{"id"}},
			{Name: "fk_addresses_billing", Columns: []string{"billing_user_id"}, RefTable: "users", RefColumns: []string{"id"}},
		},
		Uniques: [][]string{{"email"}},
	}
}

func TestAddTableValidation(t *testing.T) {
	cases := []struct {
		name    string
		table   Table
		wantErr string
	}{
		{
			name:    "unnamed table",
			table:   Table{Columns: []Column{{Name: "id"}}},
			wantErr: "requires a name",
		},
		{
			name: "duplicate column",
			table: Table{
				Name:    "t",
				Columns: []Column{{Name: "a"}, {Name: "a"}},
			},
			wantErr: `declares column "a" twice`,
		},
		{
			name: "primary key references unknown column",
			table: Table{
				Name:       "t",
				Columns:    []Column{{Name: "a"}},
				PrimaryKey: []string{"b"},
			},
			wantErr: "unknown column",
		},
		{
			name: "foreign key column list mismatch",
			table: Table{
				Name:    "t",
				Columns: []Column{{Name: "a"}},
				ForeignKeys: []ForeignKey{
					{Columns: []string{"a"}, RefTable: "u", RefColumns: []string{"x", "y"}},
				},
			},
			wantErr: "mismatched column lists",
		},
		{
			name: "foreign key references unknown column",
			table: Table{
				Name:    "t",
				Columns: []Column{{Name: "a"}},
				ForeignKeys: []ForeignKey{
					{Columns: []string{"missing"}, RefTable: "u", RefColumns: []string{"x"}},
				},
			},
			wantErr: "unknown column",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := NewCatalog().AddTable(c.table)
			if err == nil || !strings.Contains(err.Error(), c.wantErr) {
				t.Fatalf("AddTable error = %v, want containing %q", err, c.wantErr)
			}
		})
	}
}

func TestAddTableRejectsRedeclaration(t *testing.T) {
	c := NewCatalog()
	if err := c.AddTable(usersTable()); err != nil {
		t.Fatalf("first declaration: %v", err)
	}
	if err := c.AddTable(usersTable()); err == nil {
		t.Fatal("expected error on redeclaration")
	}
}

func TestForeignKeysBetween(t *testing.T) {
	c := NewCatalog()
	if err := c.AddTable(usersTable()); err != nil {
		t.Fatal(err)
	}
	if err := c.AddTable(addressesTable()); err != nil {
		t.Fatal(err)
	}

	edges := c.ForeignKeysBetween("addresses", "users")
	if len(edges) != 2 {
		t.Fatalf("edges = %d, want 2", len(edges))
	}
	// deterministic order by constraint name
	if edges[0].Name != "fk_addresses_billing" || edges[1].Name != "fk_addresses_user" {
		t.Fatalf("edge order = %s, %s", edges[0].Name, edges[1].Name)
	}
	for _, e := range edges {
		if e.Table != "addresses" {
			t.Fatalf("edge table = %q, want addresses", e.Table)
		}
	}
	if got := c.ForeignKeysBetween("users", "addresses"); got != nil {
		t.Fatalf("reverse direction should have no edges, got %v", got)
	}
	if got := c.ForeignKeysBetween("missing", "users"); got != nil {
		t.Fatalf("unknown child should have no edges, got %v", got)
	}
}

func TestHasUnique(t *testing.T) {
	c := NewCatalog()
	if err := c.AddTable(addressesTable()); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		cols []string
		want bool
	}{
		{[]string{"id"}, true},    // primary key counts
		{[]string{"email"}, true}, // declared unique
		{[]string{"user_id"}, false},
		{[]string{"email", "user_id"}, false},
	}
	for _, tc := range cases {
		if got := c.HasUnique("addresses", tc.cols); got != tc.want {
			t.Fatalf("HasUnique(addresses, %v) = %v, want %v", tc.cols, got, tc.want)
		}
	}
	if c.HasUnique("missing", []string{"id"}) {
		t.Fatal("unknown table should not report uniques")
	}
}

func TestCatalogAccessors(t *testing.T) {
	c := NewCatalog()
	if err := c.AddTable(usersTable()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Columns("missing"); err == nil {
		t.Fatal("expected error for unknown table")
	}
	cols, err := c.Columns("users")
	if err != nil || len(cols) != 2 {
		t.Fatalf("Columns(users) = %v, %v", cols, err)
	}
	pk, err := c.PrimaryKeyColumns("users")
	if err != nil || len(pk) != 1 || pk[0] != "id" {
		t.Fatalf("PrimaryKeyColumns(users) = %v, %v", pk, err)
	}
	tables := c.Tables()
	if len(tables) != 1 || tables[0].Name != "users" {
		t.Fatalf("Tables() = %v", tables)
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	c := NewCatalog()
	if err := c.AddTable(usersTable()); err != nil {
		t.Fatal(err)
	}
	if err := c.AddTable(addressesTable()); err != nil {
		t.Fatal(err)
	}
	var buf strings.Builder
	if err := c.Save(&buf); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Tables()) != 2 {
		t.Fatalf("loaded %d tables, want 2", len(loaded.Tables()))
	}
	edges := loaded.ForeignKeysBetween("addresses", "users")
	if len(edges) != 2 {
		t.Fatalf("loaded catalog lost foreign keys: %v", edges)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(strings.NewReader(`{"tables": [], "bogus": true}`))
	if err == nil {
		t.Fatal("expected decode error for unknown field")
	}
}
