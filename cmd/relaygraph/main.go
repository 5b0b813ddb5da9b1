package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relaygraph",
		Short:         "Mirror Notion workspaces as live page/database graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", os.Getenv("RELAYGRAPH_CONFIG"), "path to a YAML config file")
	root.PersistentFlags().String("log-level", "", "override the configured log level")

	root.AddCommand(
		newServeCmd(),
		newSyncCmd(),
		newGraphCmd(),
		newMirrorCmd(),
	)
	return root
}
