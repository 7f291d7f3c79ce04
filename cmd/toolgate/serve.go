package main

import (
	"github.com/spf13/cobra"

	"github.com/flemzord/toolgate/pkg/app"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until interrupted",
		Long: "Run the gateway. SIGINT and SIGTERM shut down gracefully; SIGHUP " +
			"and edits to the configuration file reload the tool policy.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			params, err := runParams(cmd)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context(), params)
		},
	}
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", "", "Path to configuration file")
	cmd.Flags().String("data-dir", "", "Directory for persistent data (audit database)")
	cmd.Flags().String("log-format", "text", "Log format (text or json)")
}

func runParams(cmd *cobra.Command) (app.RunParams, error) {
	lvl, err := logLevel(cmd)
	if err != nil {
		return app.RunParams{}, err
	}
	cfgPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	format, _ := cmd.Flags().GetString("log-format")
	return app.RunParams{
		ConfigPath: cfgPath,
		Version:    version,
		Commit:     commit,
		Date:       date,
		DataDir:    dataDir,
		LogLevel:   lvl,
		LogFormat:  format,
	}, nil
}
