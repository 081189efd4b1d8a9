package execsql

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"ormcore/internal/sqlbuild"
)

// OpenSQLite opens a sqlite-backed connection, creating parent directories
// as needed. The special path ":memory:" opens an in-process database.
func OpenSQLite(path string) (*Conn, error) {
	if path == "" {
		path = "ormcore.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time; the session contract is single-connection anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return NewConn(db, sqlbuild.SQLite()), nil
}
