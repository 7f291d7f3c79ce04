package builtin

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/flemzord/toolgate/internal/supervisor"
	"github.com/flemzord/toolgate/internal/tool"
)

func TestRunShell(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		command  string
		input    string
		contains string
		exit     int
		errPart  string
	}{
		{name: "stdout", command: "echo hello", contains: "$ echo hello\n\nhello"},
		{name: "stderr separated", command: "echo out; echo err >&2", contains: "out\n" + stderrSeparator + "err"},
		{name: "empty output", command: "true", contains: emptyOutput},
		{name: "exit code", command: "echo nope; exit 3", contains: "nope", exit: 3},
		{name: "empty command", command: "   ", errPart: "empty command"},
		{name: "bad input", command: "true", input: "{", errPart: "invalid input"},
		{name: "timeout", command: "sleep 5", input: `{"timeout":1}`, errPart: "timed out after 1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := RunShell(context.Background(), ExecConfig{}, tt.command, json.RawMessage(tt.input))
			if tt.errPart != "" {
				if !strings.Contains(r.Error, tt.errPart) {
					t.Fatalf("error = %q, want %q", r.Error, tt.errPart)
				}
				return
			}
			if r.Error != "" {
				t.Fatalf("unexpected error %q", r.Error)
			}
			if !strings.Contains(r.Output, tt.contains) {
				t.Errorf("output = %q, want it to contain %q", r.Output, tt.contains)
			}
			if r.ExitCode != tt.exit {
				t.Errorf("exit = %d, want %d", r.ExitCode, tt.exit)
			}
		})
	}
}

func TestRunShell_TruncatesOutput(t *testing.T) {
	t.Parallel()

	r := RunShell(context.Background(), ExecConfig{}, "head -c 20000 /dev/zero | tr '\\0' x", nil)
	if !strings.HasSuffix(r.Output, "... (output truncated)") {
		t.Fatalf("output not truncated: %d bytes", len(r.Output))
	}
	if len(r.Output) > MaxExecOutput+200 {
		t.Errorf("output = %d bytes", len(r.Output))
	}
}

func TestNewExec_NonZeroExitIsToolError(t *testing.T) {
	t.Parallel()

	h := NewExec(ExecConfig{})
	out, err := h.Execute(context.Background(), tool.Call{Command: "exit 1"})
	if err != nil {
		t.Fatal(err)
	}
	if !out.IsError {
		t.Errorf("output = %+v, want IsError", out)
	}
}

func TestServeExec(t *testing.T) {
	t.Parallel()

	var in bytes.Buffer
	for _, cmd := range []string{"echo one", "exit 2"} {
		data, _ := json.Marshal(tool.Envelope{Tool: "exec", Command: cmd})
		if err := supervisor.WriteFrame(&in, data); err != nil {
			t.Fatal(err)
		}
	}
	if err := supervisor.WriteFrame(&in, []byte("not json")); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := ServeExec(context.Background(), ExecConfig{}, &in, &out, logger); err != nil {
		t.Fatalf("ServeExec: %v", err)
	}

	br := bufio.NewReader(&out)
	var replies []tool.Output
	for {
		frame, err := supervisor.ReadFrame(br, 0)
		if err != nil {
			break
		}
		replies = append(replies, tool.DecodeReply(frame))
	}
	if len(replies) != 3 {
		t.Fatalf("got %d replies, want 3", len(replies))
	}
	if replies[0].IsError || !strings.Contains(replies[0].Content, "one") {
		t.Errorf("reply 0 = %+v", replies[0])
	}
	if !replies[1].IsError {
		t.Errorf("reply 1 = %+v, want error", replies[1])
	}
	if !replies[2].IsError || !strings.Contains(replies[2].Content, "invalid request") {
		t.Errorf("reply 2 = %+v", replies[2])
	}
}
