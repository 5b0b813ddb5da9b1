package relaygraph

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteCreateSnapshotTable = `
	CREATE TABLE IF NOT EXISTS %s (
		workspace_id TEXT PRIMARY KEY,
		snapshot TEXT NOT NULL,
		node_count INTEGER NOT NULL DEFAULT 0,
		fetched_at TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`

// SQLiteStore needs cgo. A single connection keeps writers serialized inside the
// process; sqlite locks the file against other processes.
type SQLiteStore struct {
	*sqlStore
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteStore{sqlStore: &sqlStore{
		driver:      sqliteDriverName,
		dsn:         path,
		tableName:   snapshotTableName,
		placeholder: questionPlaceholders,
		createTable: sqliteCreateSnapshotTable,
		openDB:      openSQLite,
	}}, nil
}

func openSQLite(driverName, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
