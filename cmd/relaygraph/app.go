package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/agentworkforce/relaygraph/internal/config"
	"github.com/agentworkforce/relaygraph/internal/logging"
	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const metricsNamespace = "relaygraph"

// runtime holds what every subcommand that touches the store needs.
type runtime struct {
	cfg        config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel
	store      relaygraph.WorkspaceStore
	locker     relaygraph.Locker
	events     *relaygraph.RedisEventBus
	closers    []func() error
}

func loadRuntime(cmd *cobra.Command) (*runtime, error) {
	configPath, _ := cmd.Flags().GetString("config")
	levelOverride, _ := cmd.Flags().GetString("log-level")

	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(levelOverride) != "" {
		cfg.LogLevel = levelOverride
	}
	logger, level, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		level:      level,
	}
	return rt, nil
}

func (rt *runtime) openStore() error {
	store, err := relaygraph.BuildStoreFromDSN(rt.cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, func() error { return relaygraph.CloseStore(store) })
	return nil
}

// openLocker uses redis when configured so that several serve or sync processes
// never overlap on one workspace; otherwise the lock is process-local.
func (rt *runtime) openLocker() error {
	if strings.TrimSpace(rt.cfg.RedisURL) == "" {
		rt.locker = relaygraph.NewLocalLocker()
		return nil
	}
	locker, err := relaygraph.NewRedisLockerFromURL(rt.cfg.RedisURL, relaygraph.RedisLockerOptions{
		TTL:    rt.cfg.LockTTL,
		Logger: rt.logger,
	})
	if err != nil {
		return fmt.Errorf("open redis locker: %w", err)
	}
	rt.locker = locker
	rt.closers = append(rt.closers, locker.Close)
	return nil
}

// openEventBus connects the cross-process change feed. Without redis there is
// none and syncs only notify subscribers of the process that ran them.
func (rt *runtime) openEventBus() error {
	if strings.TrimSpace(rt.cfg.RedisURL) == "" {
		return nil
	}
	bus, err := relaygraph.NewRedisEventBusFromURL(rt.cfg.RedisURL, relaygraph.RedisEventBusOptions{
		Logger: rt.logger,
	})
	if err != nil {
		return fmt.Errorf("open redis event bus: %w", err)
	}
	rt.events = bus
	rt.closers = append(rt.closers, bus.Close)
	return nil
}

func (rt *runtime) notionClient() *relaygraph.NotionClient {
	return relaygraph.NewNotionClient(relaygraph.NotionClientOptions{
		BaseURL:    rt.cfg.Notion.BaseURL,
		APIVersion: rt.cfg.Notion.APIVersion,
		HTTPClient: &http.Client{Timeout: rt.cfg.Notion.Timeout},
		MaxRetries: rt.cfg.Notion.MaxRetries,
		Breaker:    relaygraph.NewNotionBreaker("notion", rt.logger),
		Logger:     rt.logger,
	})
}

func (rt *runtime) newEngine(publisher relaygraph.Publisher, metrics *relaygraph.Metrics) (*relaygraph.Engine, error) {
	return relaygraph.NewEngine(relaygraph.EngineOptions{
		Remote:       rt.notionClient(),
		Store:        rt.store,
		Publisher:    publisher,
		Locker:       rt.locker,
		FetchTimeout: rt.cfg.Sync.FetchTimeout,
		Logger:       rt.logger,
		Metrics:      metrics,
	})
}

func (rt *runtime) credentialFor(workspaceID string) string {
	workspace, ok := rt.cfg.Workspace(workspaceID)
	if !ok {
		return ""
	}
	return workspace.Token()
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("close failed", zap.Error(err))
		}
	}
	_ = rt.logger.Sync()
}
