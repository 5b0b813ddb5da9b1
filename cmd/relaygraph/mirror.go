package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaygraph/internal/logging"
	"github.com/agentworkforce/relaygraph/internal/mirror"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMirrorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Keep a local JSON copy of a workspace graph in step with a relaygraph server",
		RunE:  runMirror,
	}
	flags := cmd.Flags()
	flags.String("base-url", envOrDefault("RELAYGRAPH_BASE_URL", "http://127.0.0.1:8080"), "relaygraph server URL")
	flags.String("token", strings.TrimSpace(os.Getenv("RELAYGRAPH_TOKEN")), "bearer token with graph:read scope")
	flags.String("workspace", strings.TrimSpace(os.Getenv("RELAYGRAPH_WORKSPACE")), "workspace id")
	flags.String("output", strings.TrimSpace(os.Getenv("RELAYGRAPH_MIRROR_FILE")), "file the graph is written to")
	flags.String("theme", "light", "color theme: light or dark")
	flags.Duration("timeout", 15*time.Second, "per-request timeout")
	flags.Duration("reconnect", 5*time.Second, "delay before reopening a dropped event stream")
	flags.Bool("once", false, "pull the graph once and exit")
	return cmd
}

func runMirror(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	baseURL, _ := flags.GetString("base-url")
	token, _ := flags.GetString("token")
	workspaceID, _ := flags.GetString("workspace")
	output, _ := flags.GetString("output")
	theme, _ := flags.GetString("theme")
	timeout, _ := flags.GetDuration("timeout")
	reconnect, _ := flags.GetDuration("reconnect")
	once, _ := flags.GetBool("once")
	levelOverride, _ := flags.GetString("log-level")

	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("token is required (--token or RELAYGRAPH_TOKEN)")
	}
	if strings.TrimSpace(workspaceID) == "" {
		return fmt.Errorf("workspace is required (--workspace or RELAYGRAPH_WORKSPACE)")
	}
	if strings.TrimSpace(output) == "" {
		return fmt.Errorf("output is required (--output or RELAYGRAPH_MIRROR_FILE)")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	logger, _, err := logging.New(levelOverride)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	client := mirror.NewHTTPClient(baseURL, token, &http.Client{Timeout: timeout})
	syncer, err := mirror.NewSyncer(client, mirror.SyncerOptions{
		WorkspaceID:    workspaceID,
		OutputFile:     output,
		Theme:          theme,
		ReconnectDelay: reconnect,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("initialize mirror: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if once {
		pullCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		changed, err := syncer.SyncOnce(pullCtx)
		if err != nil {
			return err
		}
		logger.Info("mirror pull completed", zap.Bool("changed", changed))
		return nil
	}
	return syncer.Run(ctx)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
