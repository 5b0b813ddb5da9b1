package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentworkforce/relaygraph/internal/config"
	"github.com/agentworkforce/relaygraph/internal/httpapi"
	"github.com/agentworkforce/relaygraph/internal/logging"
	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve graphs, manual syncs and change streams over HTTP",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "listen address (overrides config)")
	cmd.Flags().Bool("schedule", true, "run the periodic sync scheduler for configured workspaces")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		rt.cfg.Addr = addr
	}
	if err := rt.openStore(); err != nil {
		return err
	}
	if err := rt.openLocker(); err != nil {
		return err
	}

	metrics := relaygraph.NewMetrics(metricsNamespace)
	broadcaster := relaygraph.NewBroadcaster(relaygraph.BroadcasterOptions{
		KeepAliveInterval: rt.cfg.Stream.KeepAlive,
		BufferSize:        rt.cfg.Stream.Buffer,
		Logger:            rt.logger,
		Metrics:           metrics,
	})
	defer broadcaster.Close()

	if err := rt.openEventBus(); err != nil {
		return err
	}
	var publisher relaygraph.Publisher = broadcaster
	if rt.events != nil {
		publisher = relaygraph.Publishers{broadcaster, rt.events}
	}
	engine, err := rt.newEngine(publisher, metrics)
	if err != nil {
		return err
	}

	server := httpapi.NewServerWithConfig(engine, broadcaster, httpapi.ServerConfig{
		JWTSecret:       rt.cfg.JWTSecret,
		RateLimitMax:    rt.cfg.RateLimit.Max,
		RateLimitWindow: rt.cfg.RateLimit.Window,
		Credentials:     rt.credentialFor,
		Logger:          rt.logger,
		Metrics:         metrics,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if rt.configPath != "" {
		watcher, err := config.NewWatcher(rt.configPath, rt.cfg, rt.logger)
		if err != nil {
			rt.logger.Warn("config watcher disabled", zap.Error(err))
		} else {
			defer watcher.Close()
			watcher.OnChange(func(next config.Config) {
				if err := logging.SetLevel(rt.level, next.LogLevel); err != nil {
					rt.logger.Warn("ignoring log level change", zap.Error(err))
				}
				broadcaster.SetKeepAliveInterval(next.Stream.KeepAlive)
			})
		}
	}

	if rt.events != nil {
		go func() {
			if err := rt.events.Relay(ctx, broadcaster); err != nil {
				rt.logger.Error("change event relay stopped", zap.Error(err))
			}
		}()
	}

	if schedule, _ := cmd.Flags().GetBool("schedule"); schedule && len(rt.cfg.Workspaces) > 0 {
		sched := &scheduler{
			syncer:      engine,
			workspaces:  rt.cfg.Workspaces,
			concurrency: rt.cfg.Sync.Concurrency,
			interval:    rt.cfg.Sync.Interval,
			jitter:      rt.cfg.Sync.Jitter,
			logger:      rt.logger.Named("scheduler"),
		}
		go sched.run(ctx)
	}

	srv := &http.Server{
		Addr:              rt.cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrors := make(chan error, 1)
	go func() {
		rt.logger.Info("relaygraph listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		rt.logger.Info("shutting down")
	}

	// Streams never finish on their own, so close them before draining requests.
	broadcaster.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.logger.Warn("graceful shutdown incomplete", zap.Error(err))
		return srv.Close()
	}
	return nil
}
