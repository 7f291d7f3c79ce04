// Package tool describes the tools the gateway can dispatch to. A tool is
// either a local handler running in-process or a long-lived tool server
// process managed by the supervisor.
package tool

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flemzord/toolgate/internal/policy"
	"github.com/flemzord/toolgate/internal/supervisor"
)

// Kind selects how a tool is executed.
type Kind string

// Kind values.
const (
	KindLocal      Kind = "local"
	KindSubprocess Kind = "subprocess"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindLocal || k == KindSubprocess
}

// Launch is how a subprocess tool server is started.
type Launch struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

// Descriptor is the static description of a tool.
type Descriptor struct {
	Name        string
	Description string
	Kind        Kind

	// Launch is only used by subprocess tools.
	Launch Launch

	// RequiredBins and RequiredEnv are probed at registration. A tool
	// missing any of them is registered but marked unavailable.
	RequiredBins []string
	RequiredEnv  []string

	// Timeout bounds a single call. Zero uses the supervisor default.
	Timeout time.Duration

	// Eager subprocess tools are launched at startup.
	Eager bool
}

// SupervisorSpec converts a subprocess descriptor to a supervisor spec.
func (d Descriptor) SupervisorSpec() supervisor.Spec {
	return supervisor.Spec{
		Name:    d.Name,
		Command: d.Launch.Command,
		Args:    d.Launch.Args,
		Env:     d.Launch.Env,
		Dir:     d.Launch.Dir,
		Timeout: d.Timeout,
		Eager:   d.Eager,
	}
}

// Call is a single invocation handed to a local handler.
type Call struct {
	Tool      string
	Command   string
	Input     json.RawMessage
	SessionID string
	Role      policy.Role
}

// Output is the result of a tool execution.
type Output struct {
	// Content is the output text from the tool.
	Content string

	// IsError indicates whether the output represents an error condition.
	IsError bool
}

// Handler executes a local tool.
type Handler interface {
	Execute(ctx context.Context, call Call) (Output, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call Call) (Output, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, call Call) (Output, error) {
	return f(ctx, call)
}

// Envelope is the request body written to a tool server, one per frame.
type Envelope struct {
	Tool      string          `json:"tool"`
	Command   string          `json:"command"`
	Input     json.RawMessage `json:"input,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

// Reply is the response a tool server writes back. Servers that reply
// with anything other than this object have their raw bytes used as output.
type Reply struct {
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

// DecodeReply interprets raw tool server output.
func DecodeReply(raw []byte) Output {
	var r struct {
		Output   *string `json:"output"`
		Error    *string `json:"error"`
		ExitCode int     `json:"exit_code"`
	}
	if err := json.Unmarshal(raw, &r); err != nil || (r.Output == nil && r.Error == nil) {
		return Output{Content: string(raw)}
	}
	if r.Error != nil && *r.Error != "" {
		return Output{Content: *r.Error, IsError: true}
	}
	var out string
	if r.Output != nil {
		out = *r.Output
	}
	return Output{Content: out, IsError: r.ExitCode != 0}
}
