// Command schema-check validates a schema catalog and a set of entity mapping
// declarations together: it loads both files, resolves every relationship and
// reports configuration errors and warnings without touching a database.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"ormcore/pkg/mapping"
	"ormcore/pkg/ormerr"
	"ormcore/pkg/schema"
)

var exitFunc = os.Exit

func main() {
	exitFunc(cli(os.Args[1:], os.Stdout, os.Stderr))
}

func cli(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("schema-check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var catalogPath, mappingPath string
	var strict bool
	fs.StringVar(&catalogPath, "catalog", "schema.json", "path to schema catalog json")
	fs.StringVar(&mappingPath, "mapping", "mapping.json", "path to entity mapping json")
	fs.BoolVar(&strict, "strict", false, "treat warnings as failures")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	catalog, err := loadCatalog(catalogPath)
	if err != nil {
		fmt.Fprintf(stderr, "schema-check: %v\n", err)
		return 1
	}

	sink := &ormerr.CollectingSink{}
	reg, err := loadMapping(mappingPath, catalog, sink)
	if err != nil {
		fmt.Fprintf(stderr, "schema-check: %v\n", err)
		return 1
	}

	warnings := sink.Warnings()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "warning: %s\n", w)
	}
	fmt.Fprintf(stdout, "ok: %d tables, %d entities, %d warnings\n",
		len(catalog.Tables()), len(reg.Entities()), len(warnings))
	if strict && len(warnings) > 0 {
		return 1
	}
	return 0
}

func loadCatalog(path string) (*schema.Catalog, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return schema.Load(f)
}

func loadMapping(path string, catalog *schema.Catalog, sink ormerr.WarningSink) (*mapping.Registry, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return mapping.LoadRegistry(f, catalog, mapping.WithWarningSink(sink))
}
