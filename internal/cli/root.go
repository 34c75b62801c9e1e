// Package cli implements the claude-code-server command-line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "claude-code-server",
		Short: "Run AI coding tasks in pooled sessions",
		Long: `claude-code-server accepts coding tasks over HTTP, runs each one through
the Claude engine inside a reusable session, and streams the engine's
progress to clients over WebSocket.

Quick start:
  claude-code-server serve                   Start on 0.0.0.0:8000
  claude-code-server serve --port 9000       Start on a custom port
  claude-code-server serve --config ccs.yaml Load settings from a file`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "claude-code-server version %s\n", Version)
		},
	}
}
