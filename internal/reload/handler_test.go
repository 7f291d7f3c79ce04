package reload

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/flemzord/toolgate/internal/config"
	"github.com/flemzord/toolgate/internal/policy"
	"github.com/flemzord/toolgate/internal/security"
	"github.com/flemzord/toolgate/internal/security/securitytest"
)

const baseConfig = `
version: "1"
tools:
  exec:
    kind: local
    policy:
      elevate: ["sudo *"]
  web_search:
    kind: subprocess
    command: search-server
`

const tightenedConfig = `
version: "1"
tools:
  exec:
    kind: local
    policy:
      deny: ["sudo *"]
  web_search:
    kind: subprocess
    command: search-server
`

const movedBinaryConfig = `
version: "1"
tools:
  exec:
    kind: local
  web_search:
    kind: subprocess
    command: /opt/bin/search-server
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTarget struct {
	mu      sync.Mutex
	engines []*policy.Engine
}

func (f *fakeTarget) SetPolicy(e *policy.Engine) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.engines = append(f.engines, e)
}

func (f *fakeTarget) last() *policy.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
}

type fixture struct {
	path    string
	target  *fakeTarget
	audit   *securitytest.AuditRecorder
	handler *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolgate.yaml")
	writeConfig(t, path, baseConfig)

	current, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	audit, rec := securitytest.NewTestAuditLogger()
	target := &fakeTarget{}
	return &fixture{
		path:   path,
		target: target,
		audit:  rec,
		handler: NewHandler(HandlerConfig{
			ConfigPath: path,
			Target:     target,
			Audit:      audit,
			Logger:     testLogger(),
			Current:    current,
		}),
	}
}

func TestHandler_HandleReload_AppliesPolicy(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	writeConfig(t, f.path, tightenedConfig)

	if err := f.handler.HandleReload(context.Background()); err != nil {
		t.Fatalf("HandleReload: %v", err)
	}
	engine := f.target.last()
	if engine == nil {
		t.Fatal("policy was not installed")
	}
	d := engine.Evaluate(policy.RoleOwner, "exec", "sudo reboot", nil)
	if d.Verdict != policy.Deny {
		t.Errorf("sudo verdict = %s, want deny", d.Verdict)
	}
	if f.handler.Reloads() != 1 {
		t.Errorf("Reloads() = %d, want 1", f.handler.Reloads())
	}

	events := f.audit.OfType(security.EventConfigChange)
	if len(events) != 1 || events[0].Verdict != "applied" {
		t.Fatalf("config_change events = %+v", events)
	}
	if events[0].Metadata["restart_needed"] != "false" {
		t.Errorf("restart_needed = %q, want false", events[0].Metadata["restart_needed"])
	}
}

func TestHandler_HandleReload_ToolChangeNeedsRestart(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	writeConfig(t, f.path, movedBinaryConfig)

	if err := f.handler.HandleReload(context.Background()); err != nil {
		t.Fatalf("HandleReload: %v", err)
	}
	events := f.audit.OfType(security.EventConfigChange)
	if len(events) != 1 || events[0].Metadata["restart_needed"] != "true" {
		t.Errorf("config_change events = %+v", events)
	}
}

func TestHandler_HandleReload_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{"malformed yaml", "version: [\n"},
		{"missing version", "tools:\n  exec: { kind: local }\n"},
		{"bad pattern", "version: \"1\"\ntools:\n  exec:\n    kind: local\n    policy: { deny: [\"\"] }\n"},
		{"unknown role", "version: \"1\"\ntools:\n  exec:\n    kind: local\n    policy: { min_role: emperor }\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			writeConfig(t, f.path, tt.content)

			if err := f.handler.HandleReload(context.Background()); err == nil {
				t.Fatal("expected error")
			}
			if f.target.last() != nil {
				t.Error("policy installed despite error")
			}
			events := f.audit.OfType(security.EventConfigChange)
			if len(events) != 1 || events[0].Verdict != "rejected" {
				t.Errorf("config_change events = %+v", events)
			}
		})
	}
}

func TestHandler_HandleReload_FileNotFound(t *testing.T) {
	t.Parallel()

	h := NewHandler(HandlerConfig{
		ConfigPath: "/nonexistent/toolgate.yaml",
		Target:     &fakeTarget{},
		Logger:     testLogger(),
	})
	if err := h.HandleReload(context.Background()); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestHandler_HandleReloadFromConfig_CancelledContext(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{}
	h := NewHandler(HandlerConfig{Target: target, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.HandleReloadFromConfig(ctx, &config.Config{Version: "1"}); err == nil {
		t.Error("expected error for cancelled context")
	}
	if target.last() != nil {
		t.Error("policy installed after cancel")
	}
}

func TestService_ReloadsOnFileChange(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	w := NewWatcher(WatcherConfig{ConfigPath: f.path, PollInterval: 20 * time.Millisecond})
	svc := NewService(w, f.handler)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	writeConfig(t, f.path, tightenedConfig)

	deadline := time.Now().Add(3 * time.Second)
	for f.target.last() == nil {
		if time.Now().After(deadline) {
			t.Fatal("policy was not reloaded after file change")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestService_StopBeforeStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	svc := NewService(NewWatcher(WatcherConfig{ConfigPath: f.path}), f.handler)
	if err := svc.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
