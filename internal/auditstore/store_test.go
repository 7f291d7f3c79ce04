package auditstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/flemzord/toolgate/internal/auditstore"
	"github.com/flemzord/toolgate/internal/security"
)

func openStore(t *testing.T) *auditstore.Store {
	t.Helper()
	s, err := auditstore.Open(context.Background(), filepath.Join(t.TempDir(), "nested", "audit.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RecordAndQuery(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.Record(security.AuditEvent{Timestamp: base, Type: security.EventToolCall, SessionID: "a", ToolName: "exec", Verdict: "allow", Detail: "ls"})
	s.Record(security.AuditEvent{Timestamp: base.Add(time.Second), Type: security.EventPolicyDeny, SessionID: "a", ToolName: "exec", Verdict: "deny"})
	s.Record(security.AuditEvent{
		Timestamp: base.Add(2 * time.Second), Type: security.EventApproval, SessionID: "b", ToolName: "exec",
		RequestID: "req-1", Verdict: "approved", Metadata: map[string]string{"approver": "http"},
	})

	all, err := s.Query(ctx, auditstore.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].RequestID != "req-1" || all[2].Detail != "ls" {
		t.Fatalf("all = %+v", all)
	}
	if !all[0].Timestamp.Equal(base.Add(2*time.Second)) || all[0].Metadata["approver"] != "http" {
		t.Errorf("newest = %+v", all[0])
	}

	tests := []struct {
		name   string
		filter auditstore.Filter
		want   int
	}{
		{"by session", auditstore.Filter{SessionID: "a"}, 2},
		{"by type", auditstore.Filter{Type: security.EventPolicyDeny}, 1},
		{"by request", auditstore.Filter{RequestID: "req-1"}, 1},
		{"by tool", auditstore.Filter{Tool: "exec"}, 3},
		{"since", auditstore.Filter{Since: base.Add(time.Second)}, 2},
		{"until", auditstore.Filter{Until: base.Add(time.Second)}, 1},
		{"limit", auditstore.Filter{Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Query(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d events, want %d", len(got), tt.want)
			}
		})
	}
	if s.WriteErrors() != 0 {
		t.Errorf("write errors = %d", s.WriteErrors())
	}
}

func TestStore_Prune(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := range 5 {
		s.Record(security.AuditEvent{Timestamp: now.Add(-time.Duration(i) * 24 * time.Hour), Type: security.EventToolCall})
	}

	n, err := s.Prune(ctx, now.Add(-36*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("pruned %d, want 3", n)
	}
	if c, _ := s.Count(ctx); c != 2 {
		t.Errorf("remaining = %d, want 2", c)
	}
}

func TestStore_AsAuditSink(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	logger := security.NewAuditLogger(security.AuditLoggerConfig{Sink: s})
	logger.Log(security.AuditEvent{Type: security.EventRateLimit, ToolName: "web_search"})

	got, err := s.Query(context.Background(), auditstore.Filter{Type: security.EventRateLimit})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Timestamp.IsZero() {
		t.Errorf("events = %+v", got)
	}
}

func TestOpen_Reopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()

	s, err := auditstore.Open(ctx, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Record(security.AuditEvent{Type: security.EventToolCall})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = auditstore.Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s.Close() }()
	if c, _ := s.Count(ctx); c != 1 {
		t.Errorf("count after reopen = %d, want 1", c)
	}
}
