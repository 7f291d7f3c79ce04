// Package supervisortest provides an in-memory stand-in for the supervisor.
package supervisortest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/flemzord/toolgate/internal/supervisor"
)

// Call records one Send.
type Call struct {
	Tool    string
	Payload []byte
}

// Fake implements the supervisor's public surface without processes.
// Tools start idle; EnsureRunning and Send move them to ready.
type Fake struct {
	// SendFunc overrides the reply. The default echoes the payload.
	SendFunc func(ctx context.Context, tool string, payload []byte) ([]byte, error)

	mu       sync.Mutex
	statuses map[string]*supervisor.Status
	calls    []Call
	nextPID  int
}

// NewFake returns a fake managing the named tools.
func NewFake(tools ...string) *Fake {
	f := &Fake{statuses: make(map[string]*supervisor.Status), nextPID: 1000}
	for _, name := range tools {
		f.statuses[name] = &supervisor.Status{Tool: name, State: supervisor.StateIdle}
	}
	return f
}

func (f *Fake) lookupLocked(name string) (*supervisor.Status, error) {
	st, ok := f.statuses[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", supervisor.ErrUnknownTool, name)
	}
	return st, nil
}

func (f *Fake) startLocked(st *supervisor.Status) error {
	switch st.State {
	case supervisor.StateStopped:
		return fmt.Errorf("%w: %s: stopped", supervisor.ErrToolUnavailable, st.Tool)
	case supervisor.StateReady:
		return nil
	}
	f.nextPID++
	st.State = supervisor.StateReady
	st.PID = f.nextPID
	st.StartedAt = time.Now()
	return nil
}

// Has reports whether name is managed.
func (f *Fake) Has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.statuses[name]
	return ok
}

// EnsureRunning marks the tool ready.
func (f *Fake) EnsureRunning(_ context.Context, name string) (supervisor.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.lookupLocked(name)
	if err != nil {
		return supervisor.Handle{}, err
	}
	if err := f.startLocked(st); err != nil {
		return supervisor.Handle{}, err
	}
	return supervisor.Handle{Tool: name, PID: st.PID, StartedAt: st.StartedAt}, nil
}

// Send records the call and returns SendFunc's reply.
func (f *Fake) Send(ctx context.Context, name string, payload []byte) ([]byte, error) {
	f.mu.Lock()
	st, err := f.lookupLocked(name)
	if err == nil {
		err = f.startLocked(st)
	}
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.calls = append(f.calls, Call{Tool: name, Payload: slices.Clone(payload)})
	fn := f.SendFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, name, payload)
	}
	return slices.Clone(payload), nil
}

// Stop marks the tool stopped.
func (f *Fake) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.lookupLocked(name)
	if err != nil {
		return err
	}
	st.State = supervisor.StateStopped
	st.PID = 0
	return nil
}

// Reset clears crash history and moves a stopped tool back to idle.
func (f *Fake) Reset(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.lookupLocked(name)
	if err != nil {
		return err
	}
	st.Crashes = 0
	if st.State == supervisor.StateStopped {
		st.State = supervisor.StateIdle
	}
	return nil
}

// SetState forces a tool into state.
func (f *Fake) SetState(name string, state supervisor.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.statuses[name]; ok {
		st.State = state
	}
}

// SetEager flags a tool as eager.
func (f *Fake) SetEager(name string, eager bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.statuses[name]; ok {
		st.Eager = eager
	}
}

// StatusOf returns a tool's status.
func (f *Fake) StatusOf(name string) (supervisor.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.lookupLocked(name)
	if err != nil {
		return supervisor.Status{}, err
	}
	return *st, nil
}

// Status returns every tool's status sorted by name.
func (f *Fake) Status() []supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]supervisor.Status, 0, len(f.statuses))
	for _, st := range f.statuses {
		out = append(out, *st)
	}
	slices.SortFunc(out, func(a, b supervisor.Status) int { return strings.Compare(a.Tool, b.Tool) })
	return out
}

// Calls returns the recorded sends.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}
