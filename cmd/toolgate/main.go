// Package main is the entry point for the toolgate CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/flemzord/toolgate/internal/tool/builtin"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "toolgate",
		Short:         "Policy-enforcing gateway between an AI agent and its tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "info", "Minimum log level (debug, info, warn, error)")
	root.AddCommand(
		versionCmd(),
		serveCmd(),
		configCmd(),
		confirmCmd(),
		mcpCmd(),
		auditCmd(),
		toolserverCmd(),
		serviceCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and built-in tools",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "toolgate %s (commit: %s, built: %s)\n", version, commit, date)
			fmt.Fprintln(out, "\nBuilt-in tools:")
			for _, name := range builtin.Names() {
				fmt.Fprintf(out, "  %s\n", name)
			}
		},
	}
}

func logLevel(cmd *cobra.Command) (slog.Level, error) {
	raw, _ := cmd.Flags().GetString("log-level")
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("--log-level: %w", err)
	}
	return lvl, nil
}
