// Package cli assembles the clawbridge command tree with cobra.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var logFormat string

// Execute builds and runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:   "clawbridge",
		Short: "Multi-channel chat bridge to containerized agent runs",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureLogging(logFormat)
		},
	}
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log output format: text or json")

	root.AddCommand(
		newGatewayCmd(),
		newOnboardCmd(),
		newGroupCmd(),
		newTaskCmd(),
		newSecretsCmd(),
	)
	return root.Execute()
}

func configureLogging(format string) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
