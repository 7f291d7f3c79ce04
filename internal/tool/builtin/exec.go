package builtin

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/flemzord/toolgate/internal/supervisor"
	"github.com/flemzord/toolgate/internal/tool"
)

// Exec limits.
const (
	DefaultExecTimeout = 30 * time.Second
	MaxExecTimeout     = 60 * time.Second
	MaxExecOutput      = 5000
)

const (
	stderrSeparator = "\n--- STDERR ---\n"
	emptyOutput     = "(command completed with no output)"
)

// ExecConfig configures the exec tool.
type ExecConfig struct {
	// Shell runs the command as "<Shell> -c <command>". Defaults to /bin/sh.
	Shell string
	// Dir is the working directory. Empty means the current one.
	Dir string
	// Env builds the child environment. Nil inherits the parent's.
	Env func() []string
	// Timeout applies when the caller does not ask for one.
	Timeout time.Duration
}

func (c *ExecConfig) defaults() {
	if c.Shell == "" {
		c.Shell = "/bin/sh"
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultExecTimeout
	}
	c.Timeout = min(c.Timeout, MaxExecTimeout)
}

type execInput struct {
	// TimeoutSeconds overrides the configured timeout, up to MaxExecTimeout.
	TimeoutSeconds int `json:"timeout"`
}

// RunShell runs command and returns its combined output in reply form.
func RunShell(ctx context.Context, cfg ExecConfig, command string, input json.RawMessage) tool.Reply {
	cfg.defaults()
	if strings.TrimSpace(command) == "" {
		return tool.Reply{Error: "empty command"}
	}

	timeout := cfg.Timeout
	if len(input) > 0 {
		var in execInput
		if err := json.Unmarshal(input, &in); err != nil {
			return tool.Reply{Error: "invalid input: " + err.Error()}
		}
		if in.TimeoutSeconds > 0 {
			timeout = min(time.Duration(in.TimeoutSeconds)*time.Second, MaxExecTimeout)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, cfg.Shell, "-c", command)
	cmd.Dir = cfg.Dir
	if cfg.Env != nil {
		cmd.Env = cfg.Env()
	}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Background children keeping the pipes open must not hang us.
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return tool.Reply{Error: fmt.Sprintf("command timed out after %s", timeout)}
	}

	out := stdout.String()
	if stderr.Len() > 0 {
		if out != "" {
			out += stderrSeparator
		}
		out += stderr.String()
	}
	if out == "" {
		out = emptyOutput
	}
	if len(out) > MaxExecOutput {
		out = cutUTF8(out, MaxExecOutput) + "\n... (output truncated)"
	}

	reply := tool.Reply{Output: "$ " + command + "\n\n" + out}
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		reply.ExitCode = exitErr.ExitCode()
	case err != nil:
		return tool.Reply{Error: "exec: " + err.Error()}
	}
	return reply
}

// cutUTF8 returns at most n bytes of s without splitting a rune.
func cutUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// NewExec returns the local exec handler.
func NewExec(cfg ExecConfig) tool.Handler {
	return tool.HandlerFunc(func(ctx context.Context, call tool.Call) (tool.Output, error) {
		r := RunShell(ctx, cfg, call.Command, call.Input)
		if r.Error != "" {
			return tool.Output{}, errors.New(r.Error)
		}
		return tool.Output{Content: r.Output, IsError: r.ExitCode != 0}, nil
	})
}

// ServeExec runs the exec tool as a tool server: one framed envelope in,
// one framed reply out, until r is exhausted or ctx is cancelled.
func ServeExec(ctx context.Context, cfg ExecConfig, r io.Reader, w io.Writer, logger *slog.Logger) error {
	br := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := supervisor.ReadFrame(br, 0)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading request: %w", err)
		}

		var reply tool.Reply
		var env tool.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			reply = tool.Reply{Error: "invalid request: " + err.Error()}
		} else {
			start := time.Now()
			reply = RunShell(ctx, cfg, env.Command, env.Input)
			logger.Debug("exec served",
				"session", env.SessionID,
				"exit_code", reply.ExitCode,
				"duration", time.Since(start),
			)
		}

		data, err := json.Marshal(reply)
		if err != nil {
			return fmt.Errorf("encoding reply: %w", err)
		}
		if err := supervisor.WriteFrame(w, data); err != nil {
			return fmt.Errorf("writing reply: %w", err)
		}
	}
}
