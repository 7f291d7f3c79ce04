package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/flemzord/toolgate/internal/confirm"
	"github.com/flemzord/toolgate/internal/gateway"
	"github.com/flemzord/toolgate/pkg/client"
)

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("url", envOr("TOOLGATE_URL", "http://127.0.0.1:8088"), "Gateway URL ($TOOLGATE_URL)")
	cmd.Flags().String("token", os.Getenv("TOOLGATE_TOKEN"), "Bearer token ($TOOLGATE_TOKEN)")
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	url, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")
	return client.New(client.Config{BaseURL: url, BearerToken: token})
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func confirmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm [request-id]",
		Short: "Approve or deny pending confirmations",
		Long: "Without flags, prompts for a pending confirmation and a decision. " +
			"With --approve or --deny, resolves the given request ID directly.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			approve, _ := cmd.Flags().GetBool("approve")
			deny, _ := cmd.Flags().GetBool("deny")
			execute, _ := cmd.Flags().GetBool("execute")
			out := cmd.OutOrStdout()

			if approve && deny {
				return errors.New("--approve and --deny are mutually exclusive")
			}
			if approve || deny {
				if len(args) != 1 {
					return errors.New("a request ID is required with --approve or --deny")
				}
				res, err := c.Resolve(cmd.Context(), args[0], approve, execute)
				if err != nil {
					return err
				}
				return printResult(out, res)
			}

			pending, err := c.Confirmations(cmd.Context(), true)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintln(out, "No pending confirmations.")
				return nil
			}

			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			decision, err := promptDecision(pending, id)
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Fprintln(out, "Aborted; nothing resolved.")
				return nil
			}
			if err != nil {
				return err
			}
			res, err := c.Resolve(cmd.Context(), decision.id, decision.approve, decision.execute)
			if err != nil {
				return err
			}
			return printResult(out, res)
		},
	}
	addClientFlags(cmd)
	cmd.Flags().Bool("approve", false, "Approve the request")
	cmd.Flags().Bool("deny", false, "Deny the request")
	cmd.Flags().Bool("execute", false, "Run an approved request now and print its output")
	cmd.AddCommand(confirmListCmd())
	return cmd
}

func confirmListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List confirmations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			all, _ := cmd.Flags().GetBool("all")
			list, err := c.Confirmations(cmd.Context(), !all)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No confirmations.")
				return nil
			}
			for _, cf := range list {
				fmt.Fprintf(out, "%s  %-8s  %s\n", cf.ID, cf.State, describeConfirmation(cf))
			}
			return nil
		},
	}
	addClientFlags(cmd)
	cmd.Flags().Bool("all", false, "Include resolved confirmations")
	return cmd
}

type decision struct {
	id      string
	approve bool
	execute bool
}

func promptDecision(pending []confirm.Confirmation, id string) (decision, error) {
	d := decision{id: id}
	var groups []*huh.Group

	if d.id == "" {
		opts := make([]huh.Option[string], len(pending))
		for i, cf := range pending {
			opts[i] = huh.NewOption(describeConfirmation(cf), cf.ID)
		}
		groups = append(groups, huh.NewGroup(
			huh.NewSelect[string]().
				Title("Pending confirmations").
				Options(opts...).
				Value(&d.id),
		))
	}
	groups = append(groups,
		huh.NewGroup(
			huh.NewConfirm().
				Title("Allow this call?").
				DescriptionFunc(func() string { return detailFor(pending, d.id) }, &d.id).
				Affirmative("Approve").
				Negative("Deny").
				Value(&d.approve),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Run it now and show the output?").
				Affirmative("Run now").
				Negative("Let the agent retry").
				Value(&d.execute),
		).WithHideFunc(func() bool { return !d.approve }),
	)

	if err := huh.NewForm(groups...).Run(); err != nil {
		return decision{}, err
	}
	return d, nil
}

func describeConfirmation(cf confirm.Confirmation) string {
	return fmt.Sprintf("[%s] %s: %s (session %s)", cf.Role, cf.Tool, cf.Command, cf.SessionID)
}

func detailFor(pending []confirm.Confirmation, id string) string {
	for _, cf := range pending {
		if cf.ID == id {
			left := time.Until(cf.ExpiresAt).Round(time.Second)
			return fmt.Sprintf("%s\nReason: %s\nExpires in %s", describeConfirmation(cf), cf.Reason, left)
		}
	}
	return ""
}

func printResult(w io.Writer, res gateway.Result) error {
	switch {
	case res.Error != nil:
		return res.Error
	case res.Elevated:
		fmt.Fprintf(w, "Confirmation required: %s\n", res.RequestID)
	case res.State != "" && res.Data == "":
		fmt.Fprintf(w, "Confirmation %s\n", res.State)
	default:
		fmt.Fprintln(w, res.Data)
	}
	return nil
}
