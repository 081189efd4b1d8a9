package schema

import (
	"encoding/json"
	"fmt"
	"io"
)

// catalogDocument is the JSON shape accepted by Load and produced by Save.
type catalogDocument struct {
	Tables []Table `json:"tables"`
}

// Load decodes a catalog from its JSON representation, validating each table
// as it is declared.
func Load(r io.Reader) (*Catalog, error) {
	var doc catalogDocument
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("schema: decode catalog: %w", err)
	}
	c := NewCatalog()
	for _, t := range doc.Tables {
		if err := c.AddTable(t); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Save writes the catalog as indented JSON in declaration order.
func (c *Catalog) Save(w io.Writer) error {
	doc := catalogDocument{Tables: c.Tables()}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("schema: encode catalog: %w", err)
	}
	return nil
}
