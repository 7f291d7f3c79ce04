// Package tooltest provides test doubles for local tool handlers.
package tooltest

import (
	"context"
	"sync"

	"github.com/flemzord/toolgate/internal/tool"
)

// MockHandler is a configurable mock for tool.Handler that records calls.
type MockHandler struct {
	ExecuteFunc func(ctx context.Context, call tool.Call) (tool.Output, error)

	mu    sync.Mutex
	calls []tool.Call
}

// Execute implements tool.Handler.
func (m *MockHandler) Execute(ctx context.Context, call tool.Call) (tool.Output, error) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()

	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, call)
	}
	return tool.Output{Content: "executed: " + call.Command}, nil
}

// Calls returns a copy of the recorded calls.
func (m *MockHandler) Calls() []tool.Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tool.Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times Execute ran.
func (m *MockHandler) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Prober returns a tool.Prober that finds only the given binaries and
// environment variables.
func Prober(bins []string, env map[string]string) tool.Prober {
	return tool.Prober{
		LookPath: func(name string) (string, error) {
			for _, b := range bins {
				if b == name {
					return "/usr/bin/" + name, nil
				}
			}
			return "", &lookPathError{name: name}
		},
		LookupEnv: func(key string) (string, bool) {
			v, ok := env[key]
			return v, ok
		},
	}
}

type lookPathError struct{ name string }

func (e *lookPathError) Error() string { return "executable file not found: " + e.name }

// Interface guard.
var _ tool.Handler = (*MockHandler)(nil)
