package config

import (
	"errors"
	"fmt"
	"net"
	"slices"

	"github.com/flemzord/toolgate/internal/cron"
	"github.com/flemzord/toolgate/internal/policy"
	"github.com/flemzord/toolgate/internal/security"
	"github.com/flemzord/toolgate/internal/tool/builtin"
)

// Validate checks the structural validity of a Config and compiles its
// policy, reporting every problem at once.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if cfg.Version != "1" {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: \"1\")", cfg.Version))
	}

	if len(cfg.Tools) == 0 {
		errs = append(errs, errors.New("config: at least one tool must be configured"))
	}

	errs = append(errs, validateGateway(cfg)...)
	errs = append(errs, validateSchedules(cfg)...)
	errs = append(errs, validateDurations(cfg)...)

	for _, name := range ToolNames(cfg) {
		errs = append(errs, validateTool(name, cfg.Tools[name])...)
	}
	for i, name := range cfg.Credentials {
		if name == "" {
			errs = append(errs, fmt.Errorf("config: credentials[%d]: name is required", i))
		}
	}

	// Rule and pattern errors are only meaningful once the tools are sound.
	if len(errs) == 0 {
		if _, err := cfg.PolicyEngine(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func validateGateway(cfg *Config) []error {
	var errs []error
	if _, _, err := net.SplitHostPort(cfg.Gateway.Bind); err != nil {
		errs = append(errs, fmt.Errorf("config: gateway.bind: %w", err))
	}
	auth := cfg.Gateway.Auth
	if (auth.BasicUser == "") != (auth.BasicPass == "") {
		errs = append(errs, errors.New("config: gateway.auth: basic_user and basic_pass must be set together"))
	}
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("config: telemetry.sample_ratio: %v is outside [0, 1]", r))
	}
	return errs
}

func validateSchedules(cfg *Config) []error {
	var errs []error
	for field, spec := range map[string]string{
		"sessions.prune_schedule": cfg.Sessions.PruneSchedule,
		"audit.prune_schedule":    cfg.Audit.PruneSchedule,
	} {
		if _, err := cron.Parser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", field, err))
		}
	}
	return errs
}

func validateDurations(cfg *Config) []error {
	var errs []error
	check := func(field string, negative bool) {
		if negative {
			errs = append(errs, fmt.Errorf("config: %s must not be negative", field))
		}
	}
	check("confirmation.timeout", cfg.Confirmation.Timeout < 0)
	check("confirmation.retention", cfg.Confirmation.Retention < 0)
	check("supervisor.max_restarts", cfg.Supervisor.MaxRestarts < 0)
	check("supervisor.restart_window", cfg.Supervisor.RestartWindow < 0)
	check("supervisor.backoff_initial", cfg.Supervisor.BackoffInitial < 0)
	check("supervisor.backoff_max", cfg.Supervisor.BackoffMax < 0)
	check("supervisor.stop_grace", cfg.Supervisor.StopGrace < 0)
	check("builtins.exec.timeout", cfg.Builtins.Exec.Timeout < 0)
	return errs
}

func validateTool(name string, t ToolConfig) []error {
	var errs []error
	if err := security.ValidateName(name); err != nil {
		errs = append(errs, fmt.Errorf("config: tools.%s: %w", name, err))
	}

	switch t.Kind {
	case KindLocal:
		if !slices.Contains(builtin.Names(), name) {
			errs = append(errs, fmt.Errorf("config: tools.%s: no built-in local tool by that name (have %v)", name, builtin.Names()))
		}
		if t.Command != "" || len(t.Args) > 0 {
			errs = append(errs, fmt.Errorf("config: tools.%s: command is only valid for subprocess tools", name))
		}
	case KindSubprocess:
		if t.Command == "" {
			errs = append(errs, fmt.Errorf("config: tools.%s: command is required for subprocess tools", name))
		}
	case "":
		errs = append(errs, fmt.Errorf("config: tools.%s: kind is required (local or subprocess)", name))
	default:
		errs = append(errs, fmt.Errorf("config: tools.%s: unknown kind %q", name, t.Kind))
	}

	if t.Timeout < 0 {
		errs = append(errs, fmt.Errorf("config: tools.%s.timeout must not be negative", name))
	}
	if t.Policy.MinRole != "" {
		if _, err := policy.ParseRole(t.Policy.MinRole); err != nil {
			errs = append(errs, fmt.Errorf("config: tools.%s.policy.min_role: %w", name, err))
		}
	}
	if t.Policy.MaxPerSession < 0 {
		errs = append(errs, fmt.Errorf("config: tools.%s.policy.max_per_session must not be negative", name))
	}
	if t.Policy.CapWindow < 0 {
		errs = append(errs, fmt.Errorf("config: tools.%s.policy.cap_window must not be negative", name))
	}
	return errs
}
