package session

import (
	"context"
	"fmt"
	"os"

	"ormcore/internal/execmem"
	"ormcore/internal/execsql"
	"ormcore/pkg/executor"
)

// ExecutorDriver identifies a concrete statement executor backend.
type ExecutorDriver string

const (
	ExecutorMemory   ExecutorDriver = "memory"   // in-memory only (tests / ephemeral)
	ExecutorSQLite   ExecutorDriver = "sqlite"   // embedded sqlite file
	ExecutorPostgres ExecutorDriver = "postgres" // PostgreSQL server
)

// OpenConnFromEnv selects an executor backend using environment variables.
// Defaults to sqlite when unset.
//
//	ORMCORE_EXECUTOR: memory|sqlite|postgres (default sqlite)
//	ORMCORE_SQLITE_PATH: path to sqlite file (default ./ormcore.db)
//	ORMCORE_POSTGRES_DSN: postgres DSN when executor=postgres
func OpenConnFromEnv(ctx context.Context) (executor.Conn, error) {
	driver := os.Getenv("ORMCORE_EXECUTOR")
	if driver == "" {
		driver = string(ExecutorSQLite)
	}
	switch ExecutorDriver(driver) {
	case ExecutorMemory:
		return execmem.New(), nil
	case ExecutorSQLite:
		return execsql.OpenSQLite(os.Getenv("ORMCORE_SQLITE_PATH"))
	case ExecutorPostgres:
		return execsql.OpenPostgres(ctx, os.Getenv("ORMCORE_POSTGRES_DSN"))
	default:
		return nil, fmt.Errorf("unknown executor driver %s", driver)
	}
}
