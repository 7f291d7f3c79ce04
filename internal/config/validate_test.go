package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/flemzord/toolgate/internal/policy"
	"github.com/flemzord/toolgate/internal/security/securitytest"
	"github.com/flemzord/toolgate/internal/tool"
)

const sample = `
version: "1"
gateway:
  bind: 127.0.0.1:9999
  auth: { bearer_token: "${TOOLGATE_TOKEN:-}" }
confirmation: { timeout: 90s }
rate_limits: { tool_calls_per_min: 500 }
credentials: [BRAVE_API_KEY]
policy:
  global:
    deny: ["rm -rf /", "mkfs"]
tools:
  exec:
    kind: local
    policy:
      owner_only: ["docker rm"]
      elevate: ["sudo *"]
  process:
    kind: local
  file_read:
    kind: local
    policy: { deny_paths: ["/**/.ssh/**"] }
  web_search:
    kind: subprocess
    command: ${SEARCH_BIN:-search-server}
    args: [--stdio]
    env: { LANG: C }
    credentials: [BRAVE_API_KEY]
    requires: { env: [BRAVE_API_KEY] }
    timeout: 20s
    eager: true
    policy: { min_role: guest, max_per_session: 3 }
`

func parse(t *testing.T, raw string, env map[string]string) *Config {
	t.Helper()
	cfg, err := Parse([]byte(raw), func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

func TestParse_Sample(t *testing.T) {
	t.Parallel()

	cfg := parse(t, sample, map[string]string{"TOOLGATE_TOKEN": "tok"})
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Gateway.Bind != "127.0.0.1:9999" || cfg.Gateway.Auth.BearerToken != "tok" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Gateway.WriteTimeout == 0 {
		t.Error("gateway defaults not applied")
	}
	if cfg.Confirmation.Timeout != 90*time.Second {
		t.Errorf("confirmation timeout = %v", cfg.Confirmation.Timeout)
	}
	if cfg.RateLimits.ToolCallsPerMin != 500 {
		t.Errorf("rate limits = %+v", cfg.RateLimits)
	}
	if cfg.Sessions.IdleTimeout != DefaultIdleTimeout || cfg.Audit.PruneSchedule != DefaultAuditPruneSchedule {
		t.Errorf("defaults not applied: %+v %+v", cfg.Sessions, cfg.Audit)
	}
	ws := cfg.Tools["web_search"]
	if ws.Command != "search-server" || ws.Timeout != 20*time.Second || !ws.Eager {
		t.Errorf("web_search = %+v", ws)
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"unresolved variable", "version: ${NOPE}", "unresolved variable: NOPE"},
		{"unknown key", "version: \"1\"\nmodules: {}", "field modules not found"},
		{"bad duration", "confirmation: { timeout: soon }", "parsing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.raw), func(string) (string, bool) { return "", false })
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{"SET": "value", "EMPTY": ""}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	got, err := expandEnv([]byte("a=${SET} b=${UNSET:-fallback} c=${EMPTY:-x} d=${UNSET:-}"), lookup)
	if err != nil {
		t.Fatal(err)
	}
	if want := "a=value b=fallback c= d="; string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}

	_, err = expandEnv([]byte("${A} ${B}"), lookup)
	if err == nil || !strings.Contains(err.Error(), "A") || !strings.Contains(err.Error(), "B") {
		t.Errorf("err = %v, want both variables reported", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			"missing version and tools",
			"gateway: { bind: 127.0.0.1:1 }",
			[]string{"version field is required", "at least one tool"},
		},
		{
			"unsupported version",
			"version: \"2\"\ntools: { exec: { kind: local } }",
			[]string{`unsupported version "2"`},
		},
		{
			"bad tools",
			`version: "1"
tools:
  shell: { kind: local }
  remote: { kind: subprocess }
  odd: { kind: wasm, command: x }
  bare: {}
  exec: { kind: local, command: sh }`,
			[]string{
				"tools.shell: no built-in local tool",
				"tools.remote: command is required",
				`tools.odd: unknown kind "wasm"`,
				"tools.bare: kind is required",
				"tools.exec: command is only valid",
			},
		},
		{
			"bad policy fields",
			`version: "1"
tools:
  exec: { kind: local, policy: { min_role: root, max_per_session: -1 } }`,
			[]string{"min_role", "max_per_session must not be negative"},
		},
		{
			"bad gateway",
			`version: "1"
gateway: { bind: nonsense, auth: { basic_user: u } }
tools: { exec: { kind: local } }`,
			[]string{"gateway.bind", "basic_user and basic_pass"},
		},
		{
			"bad schedule",
			`version: "1"
sessions: { prune_schedule: "every tuesday" }
tools: { exec: { kind: local } }`,
			[]string{"sessions.prune_schedule"},
		},
		{
			"bad path pattern",
			`version: "1"
tools: { file_read: { kind: local, policy: { deny_paths: ["/a/[b"] } } }`,
			[]string{"invalid pattern"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(parse(t, tt.raw, nil))
			if err == nil {
				t.Fatal("expected error")
			}
			for _, want := range tt.want {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not contain %q", err, want)
				}
			}
		})
	}
}

func TestPolicyEngine(t *testing.T) {
	t.Parallel()

	engine, err := parse(t, sample, nil).PolicyEngine()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		role    policy.Role
		tool    string
		command string
		want    policy.Verdict
	}{
		{"exec defaults to admin", policy.RoleFriend, "exec", "ls", policy.Deny},
		{"admin runs exec", policy.RoleAdmin, "exec", "ls", policy.Allow},
		{"global deny", policy.RoleOwner, "exec", "mkfs.ext4 /dev/sda", policy.Deny},
		{"global deny reaches other tools", policy.RoleGuest, "web_search", "rm -rf /", policy.Deny},
		{"tool elevate", policy.RoleOwner, "exec", "sudo ls", policy.Elevate},
		{"owner only", policy.RoleAdmin, "exec", "docker rm x", policy.Deny},
		{"process stop elevated by default", policy.RoleAdmin, "process", "stop web_search", policy.Elevate},
		{"process needs admin", policy.RoleFriend, "process", "status", policy.Deny},
		{"file_read friend", policy.RoleFriend, "file_read", "/tmp/notes.txt", policy.Allow},
		{"ssh keys denied", policy.RoleOwner, "file_read", "/home/me/.ssh/id_ed25519", policy.Deny},
		{"guest searches", policy.RoleGuest, "web_search", "golang", policy.Allow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := engine.Evaluate(tt.role, tt.tool, tt.command, nil)
			if d.Verdict != tt.want {
				t.Errorf("verdict = %v (%s), want %v", d.Verdict, d.Reason, tt.want)
			}
		})
	}

	tp, ok := engine.Policy("web_search")
	if !ok || tp.MaxPerSession != 3 || tp.MinRole != policy.RoleGuest {
		t.Errorf("web_search policy = %+v", tp)
	}
}

func TestPolicyEngine_PathRulesUseFilesBaseDir(t *testing.T) {
	t.Parallel()

	cfg := parse(t, `
builtins: { files: { base_dir: /srv/agent/work } }
tools:
  file_read:
    kind: local
    policy: { min_role: guest, deny_paths: ["/srv/agent/secret.txt", "/**/.ssh/**"] }
`, nil)
	engine, err := cfg.PolicyEngine()
	if err != nil {
		t.Fatal(err)
	}
	for _, cmd := range []string{"../secret.txt", ".ssh/id_rsa", "/srv/agent/work/../secret.txt"} {
		if d := engine.Evaluate(policy.RoleOwner, "file_read", cmd, nil); d.Verdict != policy.Deny {
			t.Errorf("%q: verdict = %v (%s), want deny", cmd, d.Verdict, d.Reason)
		}
	}
	if d := engine.Evaluate(policy.RoleGuest, "file_read", "notes.md", nil); d.Verdict != policy.Allow {
		t.Errorf("notes.md: verdict = %v (%s), want allow", d.Verdict, d.Reason)
	}
}

func TestPolicyEngine_UnknownRole(t *testing.T) {
	t.Parallel()

	cfg := parse(t, `tools: { exec: { kind: local, policy: { min_role: root } } }`, nil)
	_, err := cfg.PolicyEngine()
	if !errors.Is(err, policy.ErrUnknownRole) {
		t.Errorf("err = %v, want ErrUnknownRole", err)
	}
}

func TestDescriptors(t *testing.T) {
	t.Parallel()

	cfg := parse(t, sample, nil)
	creds := securitytest.NewTestCredentialStore("BRAVE_API_KEY", "brave-secret")

	ds := cfg.Descriptors(creds)
	if len(ds) != 4 {
		t.Fatalf("descriptors = %d, want 4", len(ds))
	}
	names := make([]string, len(ds))
	for i, d := range ds {
		names[i] = d.Name
	}
	if strings.Join(names, ",") != "exec,file_read,process,web_search" {
		t.Errorf("order = %v", names)
	}

	ws := ds[3]
	if ws.Kind != tool.KindSubprocess || ws.Launch.Command != "search-server" || ws.Launch.Args[0] != "--stdio" {
		t.Errorf("web_search = %+v", ws)
	}
	if ws.Launch.Env["BRAVE_API_KEY"] != "brave-secret" || ws.Launch.Env["LANG"] != "C" {
		t.Errorf("env = %v", ws.Launch.Env)
	}
	if ds[0].Kind != tool.KindLocal || ds[0].Launch.Command != "" {
		t.Errorf("exec = %+v", ds[0])
	}
}
