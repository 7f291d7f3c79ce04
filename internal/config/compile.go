package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/flemzord/toolgate/internal/confirm"
	"github.com/flemzord/toolgate/internal/policy"
	"github.com/flemzord/toolgate/internal/security"
	"github.com/flemzord/toolgate/internal/supervisor"
	"github.com/flemzord/toolgate/internal/tool"
	"github.com/flemzord/toolgate/internal/tool/builtin"
)

// ToolNames returns the configured tool names, sorted. The deterministic
// order keeps registration and logs stable across runs.
func ToolNames(cfg *Config) []string {
	names := make([]string, 0, len(cfg.Tools))
	for name := range cfg.Tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// PolicyEngine compiles the global and per-tool rules. Tools without a
// min_role take the built-in default for their name; tools without rules
// take the built-in default rules.
func (c *Config) PolicyEngine() (*policy.Engine, error) {
	global := rules(c.Policy.Global, policy.GlobalScope)

	var errs []error
	tools := make([]policy.ToolPolicy, 0, len(c.Tools))
	for _, name := range ToolNames(c) {
		tp, err := c.Tools[name].toolPolicy(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if name == "file_read" || name == "file_write" {
			tp.Paths.Base = c.Builtins.Files.BaseDir
		}
		tools = append(tools, tp)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	engine, err := policy.NewEngine(global, tools)
	if err != nil {
		return nil, fmt.Errorf("config: policy: %w", err)
	}
	return engine, nil
}

func (t ToolConfig) toolPolicy(name string) (policy.ToolPolicy, error) {
	tp := policy.ToolPolicy{
		Name:          name,
		MinRole:       policy.DefaultMinRoles[name],
		MaxPerSession: t.Policy.MaxPerSession,
		CapWindow:     t.Policy.CapWindow,
		Rules:         rules(t.Policy.RuleSet, name),
		Paths: policy.PathRules{
			Deny:  t.Policy.DenyPaths,
			Allow: t.Policy.AllowPaths,
		},
	}
	if t.Policy.MinRole != "" {
		role, err := policy.ParseRole(t.Policy.MinRole)
		if err != nil {
			return policy.ToolPolicy{}, fmt.Errorf("config: tools.%s.policy.min_role: %w", name, err)
		}
		tp.MinRole = role
	}
	if t.Policy.RuleSet.Empty() {
		tp.Rules = slices.Clone(policy.DefaultRules[name])
	}
	return tp, nil
}

func rules(set RuleSet, scope string) []policy.Rule {
	out := make([]policy.Rule, 0, len(set.Deny)+len(set.OwnerOnly)+len(set.Elevate))
	for _, p := range set.Deny {
		out = append(out, policy.Rule{Pattern: p, Action: policy.ActionDeny, Scope: scope})
	}
	for _, p := range set.OwnerOnly {
		out = append(out, policy.Rule{Pattern: p, Action: policy.ActionOwnerOnly, Scope: scope})
	}
	for _, p := range set.Elevate {
		out = append(out, policy.Rule{Pattern: p, Action: policy.ActionElevate, Scope: scope})
	}
	return out
}

// Descriptors converts the tool declarations, sorted by name. Secrets
// named in a tool's credentials are copied from creds into its launch
// environment.
func (c *Config) Descriptors(creds *security.CredentialStore) []tool.Descriptor {
	out := make([]tool.Descriptor, 0, len(c.Tools))
	for _, name := range ToolNames(c) {
		t := c.Tools[name]
		d := tool.Descriptor{
			Name:         name,
			Description:  t.Description,
			Kind:         tool.Kind(t.Kind),
			RequiredBins: t.Requires.Bins,
			RequiredEnv:  t.Requires.Env,
			Timeout:      t.Timeout,
			Eager:        t.Eager,
		}
		if t.Kind == KindSubprocess {
			env := make(map[string]string, len(t.Env)+len(t.Credentials))
			for k, v := range t.Env {
				env[k] = v
			}
			if creds != nil {
				for k, v := range creds.EnvFor(t.Credentials) {
					env[k] = v
				}
			}
			d.Launch = tool.Launch{Command: t.Command, Args: t.Args, Env: env, Dir: t.Dir}
		}
		out = append(out, d)
	}
	return out
}

// BuiltinDeps returns the built-in tool settings. The process tool's
// control is bound by the caller once the supervisor exists.
func (c *Config) BuiltinDeps(env func() []string) builtin.Deps {
	return builtin.Deps{
		Exec: builtin.ExecConfig{
			Shell:   c.Builtins.Exec.Shell,
			Dir:     c.Builtins.Exec.Dir,
			Env:     env,
			Timeout: c.Builtins.Exec.Timeout,
		},
		Files: builtin.FileConfig{
			BaseDir:      c.Builtins.Files.BaseDir,
			MaxReadBytes: c.Builtins.Files.MaxReadBytes,
		},
	}
}

// SupervisorConfig returns the supervision settings.
func (c *Config) SupervisorConfig() supervisor.Config {
	s := c.Supervisor
	return supervisor.Config{
		MaxRestarts:    s.MaxRestarts,
		RestartWindow:  s.RestartWindow,
		BackoffInitial: s.BackoffInitial,
		BackoffMax:     s.BackoffMax,
		StopGrace:      s.StopGrace,
		MaxFrameSize:   s.MaxFrameSize,
	}
}

// BrokerConfig returns the confirmation broker settings.
func (c *Config) BrokerConfig() confirm.Config {
	return confirm.Config{
		Timeout:   c.Confirmation.Timeout,
		Retention: c.Confirmation.Retention,
	}
}
