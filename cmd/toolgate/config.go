package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flemzord/toolgate/internal/config"
	"github.com/flemzord/toolgate/internal/policy"
	"github.com/flemzord/toolgate/pkg/app"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(configCheckCmd(), configExplainCmd())
	return cmd
}

func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		resolved, err := app.ResolveConfigPath()
		if err != nil {
			return nil, "", err
		}
		path = resolved
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func configCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [path]",
		Short: "Validate configuration and list the resulting tool policy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			cfg, path, err := loadConfig(path)
			if err != nil {
				return err
			}
			engine, err := cfg.PolicyEngine()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration OK: %s (%d tools)\n\n", path, len(cfg.Tools))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOOL\tKIND\tMIN ROLE\tCAP\tRULES")
			for _, name := range config.ToolNames(cfg) {
				tp, _ := engine.Policy(name)
				limit := "-"
				if tp.MaxPerSession > 0 {
					limit = fmt.Sprint(tp.MaxPerSession)
					if tp.CapWindow > 0 {
						limit += "/" + tp.CapWindow.String()
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, cfg.Tools[name].Kind, tp.MinRole, limit, describeRules(tp.Rules))
			}
			return tw.Flush()
		},
	}
}

func describeRules(rules []policy.Rule) string {
	if len(rules) == 0 {
		return "-"
	}
	parts := make([]string, len(rules))
	for i, r := range rules {
		parts[i] = fmt.Sprintf("%s %q", r.Action, r.Pattern)
	}
	return strings.Join(parts, ", ")
}

func configExplainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explain <tool> <command>",
		Short: "Evaluate one request against the configured policy",
		Example: `  toolgate config explain --role friend exec "git status"
  toolgate config explain --role owner process "restart web_search"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, _, err := loadConfig(path)
			if err != nil {
				return err
			}
			engine, err := cfg.PolicyEngine()
			if err != nil {
				return err
			}
			roleName, _ := cmd.Flags().GetString("role")
			role, err := policy.ParseRole(roleName)
			if err != nil {
				return err
			}

			d := engine.Evaluate(role, args[0], args[1], nil)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "verdict: %s\n", d.Verdict)
			if d.Reason != "" {
				fmt.Fprintf(out, "reason:  %s\n", d.Reason)
			}
			if d.Rule != nil {
				scope := d.Rule.Scope
				if scope == policy.GlobalScope {
					scope = "global"
				}
				fmt.Fprintf(out, "rule:    %s %q (%s)\n", d.Rule.Action, d.Rule.Pattern, scope)
			}
			return nil
		},
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file")
	cmd.Flags().String("role", "guest", "Caller role (guest, friend, admin, owner)")
	return cmd
}
