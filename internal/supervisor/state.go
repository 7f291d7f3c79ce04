package supervisor

import (
	"errors"
	"fmt"
	"time"
)

// Errors returned by the supervisor.
var (
	ErrUnknownTool     = errors.New("unknown tool server")
	ErrLaunchFailed    = errors.New("tool server failed to launch")
	ErrToolUnavailable = errors.New("tool server unavailable")
	ErrTimeout         = errors.New("tool server call timed out")
	ErrShutdown        = errors.New("supervisor is shutting down")
)

// State is the lifecycle position of a tool server process.
type State int

// Process states. StateIdle means no process has been launched yet, or
// the last one was reset.
const (
	StateIdle State = iota
	StateStarting
	StateReady
	StateCrashed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateCrashed:
		return "crashed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Spec describes how to launch one tool server.
type Spec struct {
	Name    string
	Command string
	Args    []string
	// Env is added on top of the sanitized parent environment.
	Env map[string]string
	Dir string
	// Timeout bounds a single Send. Zero uses DefaultCallTimeout.
	Timeout time.Duration
	// Eager servers are launched by WarmUp instead of on first use.
	Eager bool
}

// Handle identifies a running tool server process.
type Handle struct {
	Tool      string    `json:"tool"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Status is a point-in-time view of one tool server.
type Status struct {
	Tool      string    `json:"tool"`
	State     State     `json:"state"`
	Eager     bool      `json:"eager"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	// Crashes counts unexpected exits inside the current restart window.
	Crashes   int       `json:"crashes"`
	Restarts  int       `json:"restarts"`
	LastCrash time.Time `json:"last_crash,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}
