package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hooklight/hooklight/internal/forward"
	"github.com/hooklight/hooklight/internal/logging"
	"github.com/hooklight/hooklight/internal/settings"
)

const (
	envURL        = "HOOKLIGHT_URL"
	envMonitoring = "HOOKLIGHT_MONITORING"
)

func newForwardCmd() *cobra.Command {
	var url string
	var debug bool

	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Forward one hook payload from stdin",
		Long: `Read a hook payload from stdin and post the matching events to the
hooklight server. Register it as the command for the SessionStart,
SessionEnd, PreToolUse, PostToolUse, UserPromptSubmit and Stop hooks.

Failures are reported on stderr and never fail the hook. Set
HOOKLIGHT_MONITORING=false to turn forwarding off, and HOOKLIGHT_URL to
point at a server other than ` + forward.DefaultURL + `.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if url == "" {
				url = os.Getenv(envURL)
			}
			level := "warn"
			if debug {
				level = "debug"
			}
			zl, err := logging.New(level, "console")
			if err != nil {
				fmt.Fprintf(os.Stderr, "hooklight: %v\n", err)
				return
			}
			log := zl.Sugar()

			f := forward.New(forward.Options{
				URL:     url,
				Enabled: !strings.EqualFold(os.Getenv(envMonitoring), "false"),
				Layers:  settings.NewLoader(settings.ManagedPath(runtime.GOOS), settings.DefaultUserPath(), log),
				Getenv:  os.Getenv,
				Logger:  log,
			})
			if err := f.Run(cmd.Context(), os.Stdin); err != nil {
				fmt.Fprintf(os.Stderr, "hooklight: %v\n", err)
			}
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "server base URL (default $"+envURL+" or "+forward.DefaultURL+")")
	cmd.Flags().BoolVar(&debug, "debug", false, "log each forwarded event")

	return cmd
}
