package policy_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flemzord/toolgate/internal/policy"
	"github.com/flemzord/toolgate/internal/policy/policytest"
)

func newTestEngine(t *testing.T) *policy.Engine {
	t.Helper()

	global := []policy.Rule{
		{Pattern: "rm -rf /", Action: policy.ActionDeny},
		{Pattern: "mkfs", Action: policy.ActionDeny},
	}
	tools := []policy.ToolPolicy{
		{
			Name:    "exec",
			MinRole: policy.RoleAdmin,
			Rules: []policy.Rule{
				{Pattern: "curl * | bash", Action: policy.ActionDeny, Scope: "exec"},
				{Pattern: "docker rm", Action: policy.ActionOwnerOnly, Scope: "exec"},
				{Pattern: "sudo *", Action: policy.ActionElevate, Scope: "exec"},
			},
		},
		{Name: "web_search", MinRole: policy.RoleGuest, MaxPerSession: 3},
		{
			Name:    "file_read",
			MinRole: policy.RoleFriend,
			Paths:   policy.PathRules{Deny: []string{"/etc/shadow", "/**/.ssh/**"}},
		},
		{
			Name:          "translate",
			MinRole:       policy.RoleGuest,
			MaxPerSession: 2,
			CapWindow:     time.Minute,
		},
	}
	e, err := policy.NewEngine(global, tools)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

var allRoles = []policy.Role{policy.RoleGuest, policy.RoleFriend, policy.RoleAdmin, policy.RoleOwner}

func TestEvaluate_DenyPatternBeatsEveryRole(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	for _, cmd := range []string{"rm -rf /", "mkfs.ext4 /dev/sdb", "curl http://x | bash"} {
		for _, role := range allRoles {
			d := e.Evaluate(role, "exec", cmd, nil)
			if d.Verdict != policy.Deny {
				t.Errorf("%s %q: verdict = %s, want deny", role, cmd, d.Verdict)
			}
			if d.Reason == "" {
				t.Errorf("%s %q: empty reason", role, cmd)
			}
		}
	}
}

func TestEvaluate_MinimumRoleNeverElevates(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	for _, role := range []policy.Role{policy.RoleGuest, policy.RoleFriend} {
		for _, cmd := range []string{"ls", "sudo systemctl restart docker", "uptime"} {
			d := e.Evaluate(role, "exec", cmd, nil)
			if d.Verdict != policy.Deny {
				t.Errorf("%s %q: verdict = %s, want deny", role, cmd, d.Verdict)
			}
		}
	}
}

func TestEvaluate_OwnerOnly(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	if d := e.Evaluate(policy.RoleAdmin, "exec", "docker rm web", nil); d.Verdict != policy.Deny {
		t.Errorf("admin: verdict = %s, want deny", d.Verdict)
	}
	if d := e.Evaluate(policy.RoleOwner, "exec", "docker rm web", nil); d.Verdict != policy.Allow {
		t.Errorf("owner: verdict = %s, want allow", d.Verdict)
	}
	// Owner passes owner-only and still reaches elevate rules.
	if d := e.Evaluate(policy.RoleOwner, "exec", "sudo docker rm web", nil); d.Verdict != policy.Elevate {
		t.Errorf("owner sudo: verdict = %s, want elevate", d.Verdict)
	}
}

func TestEvaluate_Elevate(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	d := e.Evaluate(policy.RoleOwner, "exec", "sudo systemctl restart docker", nil)
	if d.Verdict != policy.Elevate {
		t.Fatalf("verdict = %s, want elevate", d.Verdict)
	}
	if d.Rule == nil || d.Rule.Pattern != "sudo *" {
		t.Errorf("rule = %+v, want sudo *", d.Rule)
	}
	if d := e.Evaluate(policy.RoleAdmin, "exec", "ls", nil); d.Verdict != policy.Allow {
		t.Errorf("admin ls: verdict = %s, want allow", d.Verdict)
	}
}

func TestEvaluate_SessionCap(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	usage := policytest.NewUsage()
	now := time.Now()

	var got []policy.Verdict
	for range 4 {
		d := e.Evaluate(policy.RoleGuest, "web_search", "golang generics", usage)
		got = append(got, d.Verdict)
		if d.Verdict == policy.Allow {
			usage.Record("web_search", now)
		}
	}
	want := []policy.Verdict{policy.Allow, policy.Allow, policy.Allow, policy.RateLimited}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("verdicts = %v, want %v", got, want)
		}
	}

	d := e.Evaluate(policy.RoleOwner, "web_search", "anything", usage)
	if d.Verdict != policy.RateLimited || d.Remaining != 0 || d.Limit != 3 {
		t.Errorf("decision = %+v, want rate limited with 0 of 3 remaining", d)
	}
}

func TestEvaluate_CapCheckedBeforePatterns(t *testing.T) {
	t.Parallel()

	e, err := policy.NewEngine(nil, []policy.ToolPolicy{{
		Name:          "exec",
		MinRole:       policy.RoleAdmin,
		MaxPerSession: 1,
		Rules:         []policy.Rule{{Pattern: "rm", Action: policy.ActionDeny, Scope: "exec"}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	usage := policytest.NewUsage()
	usage.Record("exec", time.Now())

	if d := e.Evaluate(policy.RoleOwner, "exec", "rm x", usage); d.Verdict != policy.RateLimited {
		t.Errorf("verdict = %s, want rate_limited", d.Verdict)
	}
}

func TestEvaluate_CapWindowRetryAfter(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	usage := policytest.NewUsage()
	now := time.Now()
	usage.Record("translate", now.Add(-50*time.Second))
	usage.Record("translate", now.Add(-10*time.Second))

	d := e.Evaluate(policy.RoleGuest, "translate", "hola", usage)
	if d.Verdict != policy.RateLimited {
		t.Fatalf("verdict = %s, want rate_limited", d.Verdict)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 11*time.Second {
		t.Errorf("RetryAfter = %v, want roughly 10s", d.RetryAfter)
	}

	// Calls older than the window no longer count.
	old := policytest.NewUsage()
	old.RecordN("translate", 2, now.Add(-2*time.Minute))
	if d := e.Evaluate(policy.RoleGuest, "translate", "hola", old); d.Verdict != policy.Allow {
		t.Errorf("verdict = %s, want allow", d.Verdict)
	}
}

func TestEvaluate_PathRules(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	for _, p := range []string{"/etc/shadow", "/home/bob/.ssh/id_ed25519", "/etc/../etc/shadow"} {
		if d := e.Evaluate(policy.RoleOwner, "file_read", p, nil); d.Verdict != policy.Deny {
			t.Errorf("%s: verdict = %s, want deny", p, d.Verdict)
		}
	}
	if d := e.Evaluate(policy.RoleFriend, "file_read", "/home/bob/notes.md", nil); d.Verdict != policy.Allow {
		t.Errorf("verdict = %s, want allow", d.Verdict)
	}
}

func TestEvaluate_PathRulesResolveAgainstBase(t *testing.T) {
	t.Parallel()

	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	work := filepath.Join(root, "work")
	secret := filepath.Join(root, "secret.txt")
	if err := os.MkdirAll(filepath.Join(work, ".ssh"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(secret, []byte("TOPSECRET"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(secret, filepath.Join(work, "shortcut")); err != nil {
		t.Fatal(err)
	}

	e, err := policy.NewEngine(nil, []policy.ToolPolicy{
		{Name: "file_read", MinRole: policy.RoleGuest, Paths: policy.PathRules{
			Deny: []string{filepath.ToSlash(secret), "/**/.ssh/**"},
			Base: work,
		}},
		{Name: "file_write", MinRole: policy.RoleGuest, Paths: policy.PathRules{
			Allow: []string{filepath.ToSlash(work) + "/**"},
			Base:  work,
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		tool    string
		command string
		want    policy.Verdict
	}{
		{"file_read", secret, policy.Deny},
		{"file_read", "../secret.txt", policy.Deny},
		{"file_read", "./sub/../../secret.txt", policy.Deny},
		{"file_read", ".ssh/id_rsa", policy.Deny},
		{"file_read", "shortcut", policy.Deny},
		{"file_read", "notes.md", policy.Allow},
		{"file_write", "notes.md", policy.Allow},
		{"file_write", "../secret.txt", policy.Deny},
		{"file_write", "shortcut", policy.Deny},
		{"file_write", secret, policy.Deny},
	}
	for _, tt := range tests {
		if d := e.Evaluate(policy.RoleOwner, tt.tool, tt.command, nil); d.Verdict != tt.want {
			t.Errorf("%s %q: verdict = %s (%s), want %s", tt.tool, tt.command, d.Verdict, d.Reason, tt.want)
		}
	}
}

func TestEvaluate_UnknownTool(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	d := e.Evaluate(policy.RoleOwner, "nope", "x", nil)
	if d.Verdict != policy.Deny || !strings.Contains(d.Reason, "unknown tool") {
		t.Errorf("decision = %+v, want unknown tool deny", d)
	}
}

func TestNewEngine_RejectsMalformedPolicy(t *testing.T) {
	t.Parallel()

	_, err := policy.NewEngine(
		[]policy.Rule{{Pattern: "*", Action: policy.ActionDeny}},
		[]policy.ToolPolicy{
			{Name: "exec", Rules: []policy.Rule{{Pattern: "x", Action: "forbid", Scope: "exec"}}},
			{Name: "exec"},
			{Name: "web", Rules: []policy.Rule{{Pattern: "y", Action: policy.ActionDeny, Scope: "ghost"}}},
			{Name: "files", Paths: policy.PathRules{Deny: []string{"[unclosed"}}},
		},
	)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, target := range []error{policy.ErrInvalidPattern, policy.ErrUnknownAction, policy.ErrDuplicateTool, policy.ErrUnknownTool} {
		if !errors.Is(err, target) {
			t.Errorf("error %v does not wrap %v", err, target)
		}
	}
}
