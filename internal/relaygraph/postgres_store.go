package relaygraph

import (
	"database/sql"
	"strings"

	_ "github.com/lib/pq"
)

const postgresCreateSnapshotTable = `
	CREATE TABLE IF NOT EXISTS %s (
		workspace_id TEXT PRIMARY KEY,
		snapshot TEXT NOT NULL,
		node_count INTEGER NOT NULL DEFAULT 0,
		fetched_at TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

type PostgresStore struct {
	*sqlStore
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{sqlStore: &sqlStore{
		driver:      postgresDriverName,
		dsn:         dsn,
		tableName:   snapshotTableName,
		placeholder: postgresPlaceholders,
		createTable: postgresCreateSnapshotTable,
		openDB:      sql.Open,
	}}, nil
}
