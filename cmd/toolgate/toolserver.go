package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/flemzord/toolgate/internal/tool/builtin"
)

func toolserverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "toolserver",
		Short:  "Run a built-in tool as a supervised tool server",
		Hidden: true,
	}

	exec := &cobra.Command{
		Use:   "exec",
		Short: "Serve the exec tool over framed stdin/stdout",
		Long: "Runs shell commands received as framed envelopes on stdin. Declare it as " +
			"a subprocess tool to isolate command execution in its own process.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			lvl, err := logLevel(cmd)
			if err != nil {
				return err
			}
			shell, _ := cmd.Flags().GetString("shell")
			dir, _ := cmd.Flags().GetString("dir")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			// stdout carries frames; logs go to stderr, which the supervisor captures.
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
			return builtin.ServeExec(cmd.Context(), builtin.ExecConfig{
				Shell:   shell,
				Dir:     dir,
				Timeout: timeout,
			}, os.Stdin, os.Stdout, logger)
		},
	}
	exec.Flags().String("shell", "", "Shell used as <shell> -c <command> (default /bin/sh)")
	exec.Flags().String("dir", "", "Working directory for commands")
	exec.Flags().Duration("timeout", 30*time.Second, "Per-command timeout")

	cmd.AddCommand(exec)
	return cmd
}
