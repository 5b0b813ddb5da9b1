package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	"github.com/spf13/cobra"
)

func newGraphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph <workspace-id>",
		Short: "Print the stored graph of a workspace as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runGraph,
	}
	cmd.Flags().String("theme", "light", "color theme: light or dark")
	return cmd
}

func runGraph(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.openStore(); err != nil {
		return err
	}
	theme, _ := cmd.Flags().GetString("theme")
	return printGraph(cmd, rt.store, args[0], theme, cmd.OutOrStdout())
}

func printGraph(cmd *cobra.Command, store relaygraph.WorkspaceStore, workspaceID, theme string, out io.Writer) error {
	var dark bool
	switch theme {
	case "", "light":
	case "dark":
		dark = true
	default:
		return fmt.Errorf("unknown theme %q", theme)
	}
	snapshot, ok, err := store.Get(cmd.Context(), workspaceID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("workspace %s has not been synced", workspaceID)
	}
	styled := relaygraph.StyleGraph(relaygraph.BuildGraph(snapshot.Nodes), dark)
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(styled)
}
