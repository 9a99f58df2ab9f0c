package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooklight",
		Short: "Live session monitor for agent CLI hooks",
		Long: `hooklight records sessions reported by agent CLI hooks, resolves their
configuration layers, and streams changes to connected viewers.

Available subcommands:
  serve        Run the HTTP and WebSocket server
  watch        Open the terminal viewer
  forward      Forward one hook payload from stdin (use as the hook command)
  config init  Write a default configuration file

Examples:
  hooklight serve
  hooklight serve --mock --port 9000
  hooklight watch --server 127.0.0.1:8787
  echo '{"hook_event_name":"SessionStart",...}' | hooklight forward`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newForwardCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}
