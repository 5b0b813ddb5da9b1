package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/agentworkforce/relaygraph/internal/config"
	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	"go.uber.org/zap"
)

type workspaceSyncer interface {
	Sync(ctx context.Context, workspaceID, credential string) (relaygraph.SyncResult, error)
}

// scheduler is the periodic trigger for Engine.Sync. Each round syncs every
// configured workspace with at most concurrency syncs in flight.
type scheduler struct {
	syncer      workspaceSyncer
	workspaces  []config.WorkspaceConfig
	concurrency int
	interval    time.Duration
	jitter      float64
	logger      *zap.Logger
}

type roundSummary struct {
	succeeded int
	failed    int
	skipped   int
}

func (s *scheduler) runOnce(ctx context.Context) roundSummary {
	concurrency := s.concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var (
		mu      sync.Mutex
		summary roundSummary
		wg      sync.WaitGroup
	)
	record := func(update func(*roundSummary)) {
		mu.Lock()
		defer mu.Unlock()
		update(&summary)
	}

	for _, workspace := range s.workspaces {
		credential := workspace.Token()
		if credential == "" {
			s.logger.Warn("workspace credential missing, skipping",
				zap.String("workspaceID", workspace.ID),
				zap.String("tokenEnv", workspace.TokenEnv),
			)
			record(func(r *roundSummary) { r.skipped++ })
			continue
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return summary
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(workspaceID, credential string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.syncWorkspace(ctx, workspaceID, credential); err != nil {
				record(func(r *roundSummary) { r.failed++ })
				return
			}
			record(func(r *roundSummary) { r.succeeded++ })
		}(workspace.ID, credential)
	}
	wg.Wait()
	return summary
}

func (s *scheduler) syncWorkspace(ctx context.Context, workspaceID, credential string) error {
	result, err := s.syncer.Sync(ctx, workspaceID, credential)
	if err == nil {
		s.logger.Info("workspace synced",
			zap.String("workspaceID", workspaceID),
			zap.Int("added", result.Added),
			zap.Int("updated", result.Updated),
			zap.Int("removed", result.Removed),
			zap.Int("total", result.Total),
		)
		return nil
	}
	var syncErr *relaygraph.SyncError
	switch {
	case errors.Is(err, relaygraph.ErrAuthExpired):
		s.logger.Error("workspace credential rejected; reconnect required",
			zap.String("workspaceID", workspaceID), zap.Error(err))
	case errors.As(err, &syncErr) && syncErr.Retryable():
		s.logger.Warn("workspace sync failed, will retry next round",
			zap.String("workspaceID", workspaceID),
			zap.Duration("retryAfter", syncErr.RetryAfter),
			zap.Error(err))
	default:
		s.logger.Error("workspace sync failed", zap.String("workspaceID", workspaceID), zap.Error(err))
	}
	return err
}

// run repeats rounds until ctx ends, sleeping a jittered interval between them
// so that many processes started together spread their load on the remote.
func (s *scheduler) run(ctx context.Context) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		summary := s.runOnce(ctx)
		s.logger.Info("sync round completed",
			zap.Int("succeeded", summary.succeeded),
			zap.Int("failed", summary.failed),
			zap.Int("skipped", summary.skipped),
		)
		timer := time.NewTimer(jitteredIntervalWithSample(s.interval, s.jitter, rng.Float64()))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("sync scheduler stopping", zap.Error(ctx.Err()))
			return
		case <-timer.C:
		}
	}
}

// selectWorkspaces narrows the configured workspaces to ids; no ids means all.
func selectWorkspaces(configured []config.WorkspaceConfig, ids []string) ([]config.WorkspaceConfig, error) {
	if len(ids) == 0 {
		return configured, nil
	}
	byID := make(map[string]config.WorkspaceConfig, len(configured))
	for _, workspace := range configured {
		byID[workspace.ID] = workspace
	}
	selected := make([]config.WorkspaceConfig, 0, len(ids))
	for _, id := range ids {
		workspace, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("workspace %s is not configured", id)
		}
		selected = append(selected, workspace)
	}
	return selected, nil
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
