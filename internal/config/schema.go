// Package config handles YAML configuration loading, environment variable
// expansion, and structural validation for toolgate.
package config

import (
	"time"

	"github.com/flemzord/toolgate/internal/gateway"
	"github.com/flemzord/toolgate/internal/security"
)

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	Gateway      gateway.Config           `yaml:"gateway"`
	Confirmation ConfirmationConfig       `yaml:"confirmation"`
	Sessions     SessionsConfig           `yaml:"sessions"`
	Supervisor   SupervisorConfig         `yaml:"supervisor"`
	RateLimits   security.RateLimitConfig `yaml:"rate_limits"`
	Audit        AuditConfig              `yaml:"audit"`
	Telemetry    TelemetryConfig          `yaml:"telemetry"`
	Builtins     BuiltinsConfig           `yaml:"builtins"`

	// Credentials names environment variables loaded into the credential
	// store at startup. Their values are redacted from logs and stripped
	// from inherited tool server environments.
	Credentials []string `yaml:"credentials,omitempty"`

	Policy PolicyConfig `yaml:"policy"`

	// Tools maps tool names to their declaration.
	Tools map[string]ToolConfig `yaml:"tools"`
}

// ConfirmationConfig configures the confirmation broker.
type ConfirmationConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// Retention is how long resolved confirmations stay queryable.
	Retention time.Duration `yaml:"retention"`
}

// SessionsConfig configures session bookkeeping.
type SessionsConfig struct {
	// IdleTimeout prunes sessions with no activity for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// PruneSchedule is the cron expression of the pruning job.
	PruneSchedule string `yaml:"prune_schedule"`
}

// SupervisorConfig configures tool server supervision.
type SupervisorConfig struct {
	MaxRestarts    int           `yaml:"max_restarts"`
	RestartWindow  time.Duration `yaml:"restart_window"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	StopGrace      time.Duration `yaml:"stop_grace"`
	MaxFrameSize   int           `yaml:"max_frame_size"`
}

// AuditConfig configures audit persistence. An empty Path keeps audit
// events in the log stream only.
type AuditConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
	// PruneSchedule is the cron expression of the retention job.
	PruneSchedule string `yaml:"prune_schedule"`
	// JSONL also writes every event to stderr as a JSON line.
	JSONL bool `yaml:"jsonl"`
}

// TelemetryConfig configures tracing. An empty endpoint disables export.
type TelemetryConfig struct {
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	ServiceName  string            `yaml:"service_name"`
	SampleRatio  float64           `yaml:"sample_ratio"`
	Headers      map[string]string `yaml:"headers,omitempty"`
}

// BuiltinsConfig tunes the tools that run inside the gateway process.
type BuiltinsConfig struct {
	Exec  ExecConfig  `yaml:"exec"`
	Files FilesConfig `yaml:"files"`
}

// ExecConfig tunes the built-in exec tool.
type ExecConfig struct {
	Shell   string        `yaml:"shell"`
	Dir     string        `yaml:"dir"`
	Timeout time.Duration `yaml:"timeout"`
}

// FilesConfig tunes the built-in file tools.
type FilesConfig struct {
	BaseDir      string `yaml:"base_dir"`
	MaxReadBytes int64  `yaml:"max_read_bytes"`
}

// PolicyConfig holds rules that apply to every tool.
type PolicyConfig struct {
	Global RuleSet `yaml:"global"`
}

// RuleSet lists command patterns per action. A pattern containing '*' is
// a whole-command glob; any other pattern matches as a substring.
type RuleSet struct {
	Deny      []string `yaml:"deny,omitempty"`
	OwnerOnly []string `yaml:"owner_only,omitempty"`
	Elevate   []string `yaml:"elevate,omitempty"`
}

// Empty reports whether no rule is declared.
func (r RuleSet) Empty() bool {
	return len(r.Deny) == 0 && len(r.OwnerOnly) == 0 && len(r.Elevate) == 0
}

// Tool kinds accepted in configuration.
const (
	KindLocal      = "local"
	KindSubprocess = "subprocess"
)

// ToolConfig declares one tool. Local tools must name a built-in; the
// map key is the tool name.
type ToolConfig struct {
	Kind        string `yaml:"kind"`
	Description string `yaml:"description,omitempty"`

	// Subprocess launch.
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
	// Credentials are passed to the tool server from the credential store.
	Credentials []string `yaml:"credentials,omitempty"`

	Requires Requirements  `yaml:"requires"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
	Eager    bool          `yaml:"eager,omitempty"`

	Policy ToolPolicyConfig `yaml:"policy"`
}

// Requirements are probed at startup. A tool missing any of them is
// listed as unavailable instead of failing the whole gateway.
type Requirements struct {
	Bins []string `yaml:"bins,omitempty"`
	Env  []string `yaml:"env,omitempty"`
}

// ToolPolicyConfig is the policy of one tool.
type ToolPolicyConfig struct {
	// MinRole is a role name. Empty falls back to the built-in default
	// for the tool, then to guest.
	MinRole       string        `yaml:"min_role,omitempty"`
	MaxPerSession int           `yaml:"max_per_session,omitempty"`
	CapWindow     time.Duration `yaml:"cap_window,omitempty"`

	RuleSet `yaml:",inline"`

	DenyPaths  []string `yaml:"deny_paths,omitempty"`
	AllowPaths []string `yaml:"allow_paths,omitempty"`
}

// Default schedules for maintenance jobs.
const (
	DefaultPruneSchedule      = "@every 5m"
	DefaultAuditPruneSchedule = "@daily"
	DefaultIdleTimeout        = 30 * time.Minute
	DefaultAuditRetention     = 30 * 24 * time.Hour
)

// defaults fills zero values that are not owned by another package.
func (c *Config) defaults() {
	c.Gateway.Defaults()
	if c.Sessions.IdleTimeout <= 0 {
		c.Sessions.IdleTimeout = DefaultIdleTimeout
	}
	if c.Sessions.PruneSchedule == "" {
		c.Sessions.PruneSchedule = DefaultPruneSchedule
	}
	if c.Audit.Retention <= 0 {
		c.Audit.Retention = DefaultAuditRetention
	}
	if c.Audit.PruneSchedule == "" {
		c.Audit.PruneSchedule = DefaultAuditPruneSchedule
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "toolgate"
	}
	if c.Telemetry.SampleRatio <= 0 {
		c.Telemetry.SampleRatio = 1
	}
}
