package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flemzord/toolgate/internal/auditstore"
	"github.com/flemzord/toolgate/internal/config"
	"github.com/flemzord/toolgate/internal/gateway"
	"github.com/flemzord/toolgate/internal/policy"
	"github.com/flemzord/toolgate/internal/security"
	"github.com/flemzord/toolgate/internal/tool"
	"github.com/flemzord/toolgate/internal/tool/tooltest"
)

const stackConfig = `
version: "1"
gateway:
  bind: 127.0.0.1:0
  auth: { bearer_token: test-token }
credentials: [SEARCH_KEY]
audit:
  path: audit.db
builtins:
  files: { base_dir: ${WORKDIR} }
tools:
  file_write: { kind: local }
  file_read: { kind: local }
  process: { kind: local }
  web_search:
    kind: subprocess
    command: search-server
    credentials: [SEARCH_KEY]
`

func buildStack(t *testing.T) (*Stack, string) {
	t.Helper()
	workdir := t.TempDir()
	dataDir := t.TempDir()

	env := map[string]string{"WORKDIR": workdir, "SEARCH_KEY": "sk-live-123"}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg, err := config.Parse([]byte(stackConfig), lookup)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	st, err := Build(context.Background(), cfg, BuildParams{
		Version:   "test",
		DataDir:   dataDir,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Redactor:  security.NewRedactor(),
		LookupEnv: lookup,
		Prober:    tooltest.Prober(nil, nil),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return st, workdir
}

// closeUnstarted releases what Build opened for a stack that never ran.
func closeUnstarted(st *Stack) {
	ctx := context.Background()
	_ = st.Broker.Stop(ctx)
	_ = st.Supervisor.Shutdown(ctx)
	if st.AuditStore != nil {
		_ = st.AuditStore.Close()
	}
}

func TestBuild_ComponentOrder(t *testing.T) {
	t.Parallel()

	st, _ := buildStack(t)
	t.Cleanup(func() { closeUnstarted(st) })

	want := []string{"telemetry", "auditstore", "supervisor", "broker", "gateway", "cron", "server"}
	got := st.App.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("components = %v, want %v", got, want)
	}
	if st.Reload != nil {
		t.Error("reload wired without a config path")
	}
	if st.Telemetry.Enabled() {
		t.Error("tracing enabled without endpoint")
	}
}

func TestBuild_Tools(t *testing.T) {
	t.Parallel()

	st, _ := buildStack(t)
	t.Cleanup(func() { closeUnstarted(st) })

	byName := map[string]tool.Info{}
	for _, info := range st.Registry.List() {
		byName[info.Name] = info
	}
	if len(byName) != 4 {
		t.Fatalf("registered = %v", st.Registry.Names())
	}
	if byName["web_search"].Available {
		t.Error("web_search available without its binary")
	}
	if !byName["process"].Available || byName["process"].Description == "" {
		t.Errorf("process = %+v, want available with built-in description", byName["process"])
	}
	// Unavailable servers are not supervised.
	if names := st.Supervisor.Names(); len(names) != 0 {
		t.Errorf("supervised = %v", names)
	}
}

func TestStack_ServesAndAudits(t *testing.T) {
	t.Parallel()

	st, workdir := buildStack(t)
	if err := st.App.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopped := false
	t.Cleanup(func() {
		if !stopped {
			_ = st.App.Stop()
		}
	})

	base := "http://" + st.Server.Addr()
	post := func(body string) (int, gateway.Result) {
		t.Helper()
		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, base+"/v1/invoke", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer test-token")
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var res gateway.Result
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			t.Fatal(err)
		}
		return resp.StatusCode, res
	}

	code, res := post(`{"role":"admin","tool":"file_write","command":"out.txt","input":{"content":"hello"},"session_id":"s1"}`)
	if code != http.StatusOK || !res.Success {
		t.Fatalf("file_write: %d %+v", code, res)
	}
	data, err := os.ReadFile(filepath.Join(workdir, "out.txt"))
	if err != nil || string(data) != "hello" {
		t.Fatalf("written file = %q, %v", data, err)
	}

	code, res = post(`{"role":"guest","tool":"file_write","command":"out.txt","input":{"content":"x"},"session_id":"s1"}`)
	if code != http.StatusForbidden || res.Error == nil || res.Error.Kind != gateway.KindPolicyDenied {
		t.Fatalf("guest file_write: %d %+v", code, res)
	}

	code, res = post(`{"role":"owner","tool":"web_search","command":"golang","session_id":"s1"}`)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("web_search: %d %+v", code, res)
	}

	// Unauthenticated calls are rejected.
	resp, err := http.Post(base+"/v1/invoke", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status %d", resp.StatusCode)
	}

	events, err := st.AuditStore.Query(context.Background(), auditstore.Filter{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("no audit events persisted for s1")
	}
	var sawDeny bool
	for _, e := range events {
		if e.Type == security.EventPolicyDeny && e.ToolName == "file_write" {
			sawDeny = true
		}
	}
	if !sawDeny {
		t.Errorf("no policy_deny event in %+v", events)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- st.App.Stop() }()
	select {
	case err := <-done:
		stopped = true
		if err != nil {
			t.Errorf("Stop: %v", err)
		}
	case <-stopCtx.Done():
		t.Fatal("Stop did not return")
	}
}

func TestBuild_WiresReloadWithConfigPath(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "toolgate.yaml")
	raw := "version: \"1\"\ngateway: { bind: 127.0.0.1:0 }\ntools:\n  exec:\n    kind: local\n    policy: { elevate: [\"sudo *\"] }\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	st, err := Build(context.Background(), cfg, BuildParams{
		ConfigPath: path,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { closeUnstarted(st) })
	if st.Reload == nil || st.App.OnReload == nil {
		t.Fatal("reload not wired")
	}
	if st.AuditStore != nil {
		t.Error("audit store opened without audit.path")
	}

	tightened := strings.Replace(raw, "elevate", "deny", 1)
	if err := os.WriteFile(path, []byte(tightened), 0o644); err != nil {
		t.Fatal(err)
	}
	st.Reload.Reload(context.Background())

	res := st.Gateway.Invoke(context.Background(), gateway.Request{Role: policy.RoleOwner, Tool: "exec", Command: "sudo id"})
	if res.Error == nil || res.Error.Kind != gateway.KindPolicyDenied {
		t.Errorf("after reload sudo result = %+v, want policy_denied", res)
	}
}
