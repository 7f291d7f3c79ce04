package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/flemzord/toolgate/pkg/app"
)

// program adapts the gateway to the service manager's Start/Stop contract.
type program struct {
	params app.RunParams
	cancel context.CancelFunc
	done   chan error
}

func (p *program) Start(_ service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() { p.done <- app.Run(ctx, p.params) }()
	return nil
}

func (p *program) Stop(_ service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case err := <-p.done:
		return err
	case <-time.After(time.Minute):
		return errors.New("gateway did not stop within a minute")
	}
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service <install|uninstall|start|stop|restart|run>",
		Short: "Manage toolgate as a system service",
		Long: "Installs toolgate with the host service manager (systemd, launchd, " +
			"Windows SCM). The installed unit runs \"toolgate service run\" with the " +
			"given --config.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"install", "uninstall", "start", "stop", "restart", "run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := runParams(cmd)
			if err != nil {
				return err
			}
			if params.ConfigPath != "" {
				abs, err := filepath.Abs(params.ConfigPath)
				if err != nil {
					return err
				}
				params.ConfigPath = abs
			}

			userService, _ := cmd.Flags().GetBool("user")
			svcArgs := []string{"service", "run"}
			if params.ConfigPath != "" {
				svcArgs = append(svcArgs, "--config", params.ConfigPath)
			}
			if params.DataDir != "" {
				svcArgs = append(svcArgs, "--data-dir", params.DataDir)
			}
			svcCfg := &service.Config{
				Name:        "toolgate",
				DisplayName: "toolgate",
				Description: "Policy-enforcing gateway between an AI agent and its tools",
				Arguments:   svcArgs,
				Option:      service.KeyValue{"UserService": userService},
			}

			s, err := service.New(&program{params: params}, svcCfg)
			if err != nil {
				return fmt.Errorf("service: %w", err)
			}
			if args[0] == "run" {
				return s.Run()
			}
			if err := service.Control(s, args[0]); err != nil {
				return fmt.Errorf("service %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "service %s: ok\n", args[0])
			return nil
		},
	}
	addRunFlags(cmd)
	cmd.Flags().Bool("user", false, "Install as a per-user service")
	return cmd
}
