package relaygraph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	snapshotTableName    = "relaygraph_snapshots"
	sqlOperationTimeout  = 5 * time.Second
	postgresDriverName   = "postgres"
	sqliteDriverName     = "sqlite3"
	postgresPlaceholders = "$"
	questionPlaceholders = "?"
)

// SyncStoreBudget bounds the store work one sync does while holding the
// workspace lock: a Get and a Replace.
const SyncStoreBudget = 2 * sqlOperationTimeout

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlStore keeps each snapshot as a JSON document in one row keyed by workspace id,
// so Replace is a single upsert statement.
type sqlStore struct {
	driver      string
	dsn         string
	tableName   string
	placeholder string
	createTable string
	openDB      sqlOpenFunc

	mu sync.Mutex
	db *sql.DB
}

func (s *sqlStore) arg(n int) string {
	if s.placeholder == postgresPlaceholders {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// ensureReady opens the database and creates the table on first use. A failure
// leaves the store unopened so the next call tries again.
func (s *sqlStore) ensureReady() (*sql.DB, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	db, err := s.openDB(s.driver, s.dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(s.createTable, sqlQuoteIdentifier(s.tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.db = db
	return db, nil
}

func (s *sqlStore) Get(ctx context.Context, workspaceID string) (Snapshot, bool, error) {
	if err := validateWorkspaceID(workspaceID); err != nil {
		return Snapshot{}, false, err
	}
	db, err := s.ensureReady()
	if err != nil {
		return Snapshot{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE workspace_id = %s", sqlQuoteIdentifier(s.tableName), s.arg(1))
	var payload string
	err = db.QueryRowContext(ctx, query, workspaceID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", workspaceID, err)
	}
	snapshot.Nodes = copyNodes(snapshot.Nodes)
	return snapshot, true, nil
}

func (s *sqlStore) Replace(ctx context.Context, workspaceID string, nodes []Node, fetchedAt time.Time) (Snapshot, error) {
	if err := validateWorkspaceID(workspaceID); err != nil {
		return Snapshot{}, err
	}
	db, err := s.ensureReady()
	if err != nil {
		return Snapshot{}, err
	}
	snapshot := newSnapshot(workspaceID, nodes, fetchedAt)
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return Snapshot{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (workspace_id, snapshot, node_count, fetched_at)
		VALUES (%s, %s, %s, %s)
		ON CONFLICT (workspace_id)
		DO UPDATE SET snapshot = excluded.snapshot, node_count = excluded.node_count, fetched_at = excluded.fetched_at`,
		sqlQuoteIdentifier(s.tableName), s.arg(1), s.arg(2), s.arg(3), s.arg(4))
	fetched := snapshot.FetchedAt.Format(time.RFC3339Nano)
	if _, err := db.ExecContext(ctx, query, workspaceID, string(payload), len(snapshot.Nodes), fetched); err != nil {
		return Snapshot{}, err
	}
	return cloneSnapshot(snapshot), nil
}

func (s *sqlStore) Delete(ctx context.Context, workspaceID string) error {
	if err := validateWorkspaceID(workspaceID); err != nil {
		return err
	}
	db, err := s.ensureReady()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE workspace_id = %s", sqlQuoteIdentifier(s.tableName), s.arg(1))
	result, err := db.ExecContext(ctx, query, workspaceID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	db, err := s.ensureReady()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	return db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func sqlQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
