package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flemzord/toolgate/internal/auditstore"
	"github.com/flemzord/toolgate/internal/security"
	"github.com/flemzord/toolgate/pkg/app"
)

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the persisted audit log",
		Example: `  toolgate audit --type policy_deny --since 24h
  toolgate audit --session s-42 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := auditPath(cmd)
			if err != nil {
				return err
			}
			store, err := auditstore.Open(cmd.Context(), path, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				return err
			}
			defer store.Close()

			f := auditstore.Filter{}
			typ, _ := cmd.Flags().GetString("type")
			f.Type = security.EventType(typ)
			f.SessionID, _ = cmd.Flags().GetString("session")
			f.Tool, _ = cmd.Flags().GetString("tool")
			f.RequestID, _ = cmd.Flags().GetString("request")
			f.Limit, _ = cmd.Flags().GetInt("limit")
			if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
				f.Since = time.Now().Add(-since)
			}

			events, err := store.Query(cmd.Context(), f)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			return printEvents(cmd.OutOrStdout(), events, asJSON)
		},
	}
	cmd.Flags().String("db", "", "Audit database path (default: from configuration)")
	cmd.Flags().StringP("config", "c", "", "Path to configuration file")
	cmd.Flags().String("type", "", "Event type (tool_call, policy_deny, approval, ...)")
	cmd.Flags().String("session", "", "Session ID")
	cmd.Flags().String("tool", "", "Tool name")
	cmd.Flags().String("request", "", "Confirmation request ID")
	cmd.Flags().Duration("since", 0, "Only events newer than this")
	cmd.Flags().Int("limit", 100, "Maximum events, newest first")
	cmd.Flags().Bool("json", false, "Print JSON lines")
	return cmd
}

func auditPath(cmd *cobra.Command) (string, error) {
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		return db, nil
	}
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, _, err := loadConfig(cfgPath)
	if err != nil {
		return "", err
	}
	if cfg.Audit.Path == "" {
		return "", fmt.Errorf("audit.path is not configured; pass --db")
	}
	if filepath.IsAbs(cfg.Audit.Path) {
		return cfg.Audit.Path, nil
	}
	return filepath.Join(app.DefaultDataDir(), cfg.Audit.Path), nil
}

func printEvents(w io.Writer, events []security.AuditEvent, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tSESSION\tTOOL\tVERDICT\tDETAIL")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Type, e.SessionID, e.ToolName, e.Verdict, e.Detail)
	}
	return tw.Flush()
}
