package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/hooklight/hooklight/internal/config"
	"github.com/hooklight/hooklight/internal/tui/app"
	"github.com/hooklight/hooklight/internal/tui/client"
)

func newWatchCmd() *cobra.Command {
	var server, configPath string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open the terminal viewer",
		Long: `Open a live terminal view of the sessions a hooklight server is tracking.

The server address defaults to the one in the configuration file.

Examples:
  hooklight watch
  hooklight watch --server 10.0.0.5:8787`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				server = cfg.Addr()
			}
			return runWatch(server)
		},
	}

	cmd.Flags().StringVarP(&server, "server", "s", "", "server address (host:port or base URL)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to hooklight.yaml")

	return cmd
}

func runWatch(server string) error {
	base := server
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	httpClient := client.NewHTTPClient(base)
	wsClient := client.NewWSClient(httpClient.WSURL())
	defer wsClient.Close()

	m := app.New(wsClient, httpClient, strings.TrimPrefix(strings.TrimPrefix(base, "http://"), "https://"))
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	return nil
}
