package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [workspace-id...]",
		Short: "Sync configured workspaces from Notion on a schedule",
		Long: `Runs the sync scheduler for the configured workspaces, or only the ones named.
Each workspace's credential is read from the environment variable named by its tokenEnv.

Change events reach viewers of a running serve process only through redis: set
redisURL so both processes share the event channel. Without it this command
updates the store but notifies no one.`,
		RunE: runSync,
	}
	cmd.Flags().Bool("once", false, "run a single round and exit")
	return cmd
}

func runSync(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	workspaces, err := selectWorkspaces(rt.cfg.Workspaces, args)
	if err != nil {
		return err
	}
	if len(workspaces) == 0 {
		return fmt.Errorf("no workspaces configured (set workspaces in the config file or RELAYGRAPH_WORKSPACES)")
	}
	if err := rt.openStore(); err != nil {
		return err
	}
	if err := rt.openLocker(); err != nil {
		return err
	}
	if err := rt.openEventBus(); err != nil {
		return err
	}
	var publisher relaygraph.Publisher
	if rt.events != nil {
		publisher = rt.events
	} else {
		rt.logger.Info("redisURL not set; synced changes will not be pushed to viewers")
	}
	metrics := relaygraph.NewMetrics(metricsNamespace)
	engine, err := rt.newEngine(publisher, metrics)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := &scheduler{
		syncer:      engine,
		workspaces:  workspaces,
		concurrency: rt.cfg.Sync.Concurrency,
		interval:    rt.cfg.Sync.Interval,
		jitter:      rt.cfg.Sync.Jitter,
		logger:      rt.logger.Named("scheduler"),
	}
	if once, _ := cmd.Flags().GetBool("once"); once {
		summary := sched.runOnce(ctx)
		rt.logger.Info("sync round completed",
			zap.Int("succeeded", summary.succeeded),
			zap.Int("failed", summary.failed),
			zap.Int("skipped", summary.skipped),
		)
		if summary.failed > 0 {
			return fmt.Errorf("%d workspace sync(s) failed", summary.failed)
		}
		return nil
	}
	sched.run(ctx)
	return nil
}
