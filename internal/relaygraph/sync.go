package relaygraph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultFetchTimeout = 30 * time.Second

// RemoteWorkspaceClient fetches the current node set of a workspace. Failures should
// be reported as *RemoteError or wrap one of ErrAuthExpired, ErrRateLimited or
// ErrRemoteUnavailable.
type RemoteWorkspaceClient interface {
	FetchNodes(ctx context.Context, credential string) ([]RemoteNode, error)
}

type EngineOptions struct {
	Remote       RemoteWorkspaceClient
	Store        WorkspaceStore
	Publisher    Publisher
	Locker       Locker
	FetchTimeout time.Duration
	Logger       *zap.Logger
	Metrics      *Metrics
	Now          func() time.Time
}

// Engine reconciles remote workspace state into the store and announces the
// difference. Syncs of one workspace never overlap; different workspaces proceed
// independently.
type Engine struct {
	remote       RemoteWorkspaceClient
	store        WorkspaceStore
	publisher    Publisher
	locker       Locker
	fetchTimeout time.Duration
	logger       *zap.Logger
	metrics      *Metrics
	now          func() time.Time
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Remote == nil || opts.Store == nil {
		return nil, ErrInvalidInput
	}
	if opts.Locker == nil {
		opts.Locker = NewLocalLocker()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		remote:       opts.Remote,
		store:        opts.Store,
		publisher:    opts.Publisher,
		locker:       opts.Locker,
		fetchTimeout: opts.FetchTimeout,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Now,
	}, nil
}

// Sync runs fetch, diff, persist and notify for one workspace under its lock. The
// stored snapshot is only replaced after a successful fetch, so a failed sync leaves
// the previous snapshot untouched.
func (e *Engine) Sync(ctx context.Context, workspaceID, credential string) (SyncResult, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return SyncResult{}, ErrInvalidInput
	}
	started := time.Now()
	result, err := e.sync(ctx, workspaceID, credential)
	if err != nil {
		e.metrics.syncFinished(syncResultLabel(err), started)
		return SyncResult{}, err
	}
	e.metrics.syncFinished("ok", started)
	return result, nil
}

func (e *Engine) sync(ctx context.Context, workspaceID, credential string) (SyncResult, error) {
	logger := e.logger.With(zap.String("workspaceID", workspaceID))

	unlock, err := e.locker.Lock(ctx, workspaceID)
	if err != nil {
		return SyncResult{}, &SyncError{WorkspaceID: workspaceID, Kind: ErrRemoteUnavailable, Err: err}
	}
	defer unlock()

	remote, err := e.fetch(ctx, credential)
	if err != nil {
		syncErr := classifyRemoteError(workspaceID, err)
		logger.Warn("fetch failed", zap.Error(err), zap.Bool("retryable", syncErr.Retryable()))
		return SyncResult{}, syncErr
	}

	nodes, dropped := NormalizeRemoteNodes(remote)
	for _, malformed := range dropped {
		logger.Warn("dropping malformed node", zap.String("nodeID", malformed.NodeID), zap.String("reason", malformed.Reason))
	}
	e.metrics.malformedNodes(len(dropped))

	previous, _, err := e.store.Get(ctx, workspaceID)
	if err != nil {
		logger.Error("load snapshot failed", zap.Error(err))
		return SyncResult{}, &SyncError{WorkspaceID: workspaceID, Kind: ErrStorageFailure, Err: err}
	}
	nodes, carried := carryForwardMalformed(previous.Nodes, nodes, dropped)
	if carried > 0 {
		logger.Warn("keeping last known version of malformed nodes", zap.Int("carried", carried))
	}
	changes := Diff(previous.Nodes, nodes)

	committed, err := e.store.Replace(ctx, workspaceID, nodes, e.now())
	if err != nil {
		logger.Error("persist snapshot failed", zap.Error(err))
		return SyncResult{}, &SyncError{WorkspaceID: workspaceID, Kind: ErrStorageFailure, Err: err}
	}
	e.metrics.nodesChanged(changes)
	e.notify(workspaceID, changes, committed.FetchedAt)

	logger.Info("workspace synced",
		zap.Int("added", len(changes.Added)),
		zap.Int("updated", len(changes.Updated)),
		zap.Int("removed", len(changes.Removed)),
		zap.Int("dropped", len(dropped)),
	)
	return SyncResult{
		WorkspaceID: workspaceID,
		Added:       len(changes.Added),
		Updated:     len(changes.Updated),
		Removed:     len(changes.Removed),
		Dropped:     len(dropped),
		Total:       len(committed.Nodes),
		FetchedAt:   committed.FetchedAt,
		Changes:     changes,
	}, nil
}

// fetch bounds the remote call. A timeout of the fetch itself is a remote failure;
// cancellation of the caller's ctx is reported as such.
func (e *Engine) fetch(ctx context.Context, credential string) ([]RemoteNode, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()
	nodes, err := e.remote.FetchNodes(fetchCtx, credential)
	if err == nil {
		return nodes, nil
	}
	if ctx.Err() == nil && errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
		return nil, &RemoteError{Kind: ErrRemoteUnavailable, Message: "fetch timed out"}
	}
	return nil, err
}

func (e *Engine) notify(workspaceID string, changes ChangeSet, occurredAt time.Time) {
	if e.publisher == nil {
		return
	}
	batches := []struct {
		kind ChangeKind
		ids  []string
	}{
		{ChangeAdded, changes.Added},
		{ChangeUpdated, changes.Updated},
		{ChangeRemoved, changes.Removed},
	}
	for _, batch := range batches {
		if len(batch.ids) == 0 {
			continue
		}
		ids := make([]string, len(batch.ids))
		copy(ids, batch.ids)
		e.publisher.Publish(ChangeEvent{
			WorkspaceID: workspaceID,
			ChangeKind:  batch.kind,
			AffectedIDs: ids,
			OccurredAt:  occurredAt,
		})
	}
}

// Snapshot returns the stored snapshot without taking the workspace lock.
func (e *Engine) Snapshot(ctx context.Context, workspaceID string) (Snapshot, bool, error) {
	snapshot, ok, err := e.store.Get(ctx, workspaceID)
	return snapshot, ok, storeError(err)
}

// Graph derives the current view of a workspace. A missing snapshot yields ErrNotFound.
func (e *Engine) Graph(ctx context.Context, workspaceID string) (GraphView, error) {
	snapshot, ok, err := e.store.Get(ctx, workspaceID)
	if err != nil {
		return GraphView{}, storeError(err)
	}
	if !ok {
		return GraphView{}, ErrNotFound
	}
	return BuildGraph(snapshot.Nodes), nil
}

// Ping reports whether the backing store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// Revoke drops a workspace's snapshot. It waits for an in-flight sync to finish.
func (e *Engine) Revoke(ctx context.Context, workspaceID string) error {
	unlock, err := e.locker.Lock(ctx, workspaceID)
	if err != nil {
		return err
	}
	defer unlock()
	return storeError(e.store.Delete(ctx, workspaceID))
}

// storeError marks store failures as ErrStorageFailure while keeping the
// caller-facing sentinels the store itself returns.
func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrStorageFailure):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
}

func syncResultLabel(err error) string {
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		return "error"
	}
	switch syncErr.Kind {
	case ErrAuthExpired:
		return "auth_expired"
	case ErrRateLimited:
		return "rate_limited"
	case ErrStorageFailure:
		return "storage_failure"
	default:
		return "remote_unavailable"
	}
}
