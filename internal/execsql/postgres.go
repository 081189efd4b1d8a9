package execsql

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"ormcore/internal/sqlbuild"
)

const defaultPostgresDSN = "postgres://localhost/ormcore?sslmode=disable"

// OpenPostgres opens a postgres-backed connection through the pgx stdlib
// driver and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*Conn, error) {
	if dsn == "" {
		dsn = defaultPostgresDSN
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewConn(db, sqlbuild.Postgres()), nil
}
