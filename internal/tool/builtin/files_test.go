package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flemzord/toolgate/internal/security"
	"github.com/flemzord/toolgate/internal/tool"
)

func TestFileWriteThenRead(t *testing.T) {
	t.Parallel()

	cfg := FileConfig{BaseDir: t.TempDir()}
	write := NewFileWrite(cfg)
	read := NewFileRead(cfg)
	ctx := context.Background()

	if _, err := write.Execute(ctx, tool.Call{
		Command: "notes/today.txt",
		Input:   json.RawMessage(`{"content":"line one\n"}`),
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := write.Execute(ctx, tool.Call{
		Command: "notes/today.txt",
		Input:   json.RawMessage(`{"content":"line two\n","append":true}`),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	out, err := read.Execute(ctx, tool.Call{Command: "notes/today.txt"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Content != "line one\nline two\n" {
		t.Errorf("content = %q", out.Content)
	}
}

func TestFileRead_Limits(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	if err := os.WriteFile(path, []byte(strings.Repeat("a", 100)), 0o600); err != nil {
		t.Fatal(err)
	}

	read := NewFileRead(FileConfig{MaxReadBytes: 50})
	out, err := read.Execute(context.Background(), tool.Call{Command: path, Input: json.RawMessage(`{"max_bytes":10}`)})
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != strings.Repeat("a", 10)+"\n... (file truncated)" {
		t.Errorf("content = %q", out.Content)
	}
}

func TestFileTools_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	read := NewFileRead(FileConfig{})
	write := NewFileWrite(FileConfig{BaseDir: t.TempDir()})

	if _, err := read.Execute(ctx, tool.Call{}); !errors.Is(err, ErrEmptyPath) {
		t.Errorf("empty path err = %v", err)
	}
	if _, err := read.Execute(ctx, tool.Call{Command: "/proc/self/environ"}); !errors.Is(err, security.ErrRestrictedPath) {
		t.Errorf("restricted err = %v", err)
	}
	if _, err := read.Execute(ctx, tool.Call{Command: filepath.Join(t.TempDir(), "missing")}); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing err = %v", err)
	}
	if _, err := write.Execute(ctx, tool.Call{Command: "x.txt", Input: json.RawMessage(`{}`)}); err == nil {
		t.Error("write without content should fail")
	}
}
