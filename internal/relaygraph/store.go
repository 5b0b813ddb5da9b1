package relaygraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// WorkspaceStore is the durable mapping from workspace id to its snapshot. Replace
// swaps the whole node set in one step; readers never observe a partial write.
type WorkspaceStore interface {
	Get(ctx context.Context, workspaceID string) (Snapshot, bool, error)
	Replace(ctx context.Context, workspaceID string, nodes []Node, fetchedAt time.Time) (Snapshot, error)
	Delete(ctx context.Context, workspaceID string) error
	Ping(ctx context.Context) error
}

type storeCloser interface {
	Close() error
}

// CloseStore closes stores that hold connections and is a no-op otherwise.
func CloseStore(store WorkspaceStore) error {
	if closer, ok := store.(storeCloser); ok {
		return closer.Close()
	}
	return nil
}

func newSnapshot(workspaceID string, nodes []Node, fetchedAt time.Time) Snapshot {
	return Snapshot{
		WorkspaceID: workspaceID,
		Nodes:       copyNodes(nodes),
		FetchedAt:   fetchedAt.UTC(),
	}
}

func cloneSnapshot(snapshot Snapshot) Snapshot {
	snapshot.Nodes = copyNodes(snapshot.Nodes)
	return snapshot
}

func validateWorkspaceID(workspaceID string) error {
	if strings.TrimSpace(workspaceID) == "" {
		return fmt.Errorf("%w: workspace id is required", ErrInvalidInput)
	}
	return nil
}

type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: map[string]Snapshot{}}
}

func (s *MemoryStore) Get(_ context.Context, workspaceID string) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.snapshots[workspaceID]
	if !ok {
		return Snapshot{}, false, nil
	}
	return cloneSnapshot(snapshot), true, nil
}

func (s *MemoryStore) Replace(_ context.Context, workspaceID string, nodes []Node, fetchedAt time.Time) (Snapshot, error) {
	if err := validateWorkspaceID(workspaceID); err != nil {
		return Snapshot{}, err
	}
	snapshot := newSnapshot(workspaceID, nodes, fetchedAt)
	s.mu.Lock()
	s.snapshots[workspaceID] = snapshot
	s.mu.Unlock()
	return cloneSnapshot(snapshot), nil
}

func (s *MemoryStore) Delete(_ context.Context, workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[workspaceID]; !ok {
		return ErrNotFound
	}
	delete(s.snapshots, workspaceID)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// FileStore keeps one JSON document per workspace under Dir. Writes go to a
// temporary file first and are renamed into place.
type FileStore struct {
	Dir string

	mu sync.Mutex
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: strings.TrimSpace(dir)}
}

func (s *FileStore) path(workspaceID string) string {
	return filepath.Join(s.Dir, url.PathEscape(workspaceID)+".json")
}

func (s *FileStore) Get(_ context.Context, workspaceID string) (Snapshot, bool, error) {
	if err := validateWorkspaceID(workspaceID); err != nil {
		return Snapshot{}, false, err
	}
	data, err := os.ReadFile(s.path(workspaceID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", workspaceID, err)
	}
	snapshot.Nodes = copyNodes(snapshot.Nodes)
	return snapshot, true, nil
}

func (s *FileStore) Replace(_ context.Context, workspaceID string, nodes []Node, fetchedAt time.Time) (Snapshot, error) {
	if err := validateWorkspaceID(workspaceID); err != nil {
		return Snapshot{}, err
	}
	snapshot := newSnapshot(workspaceID, nodes, fetchedAt)
	data, err := json.Marshal(snapshot)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return Snapshot{}, err
	}
	target := s.path(workspaceID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Snapshot{}, err
	}
	if err := os.Rename(tmp, target); err != nil {
		return Snapshot{}, err
	}
	return cloneSnapshot(snapshot), nil
}

func (s *FileStore) Delete(_ context.Context, workspaceID string) error {
	if err := validateWorkspaceID(workspaceID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(workspaceID))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func (s *FileStore) Ping(context.Context) error {
	if s.Dir == "" {
		return fmt.Errorf("%w: file store directory is empty", ErrInvalidInput)
	}
	info, err := os.Stat(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidInput, s.Dir)
	}
	return nil
}
