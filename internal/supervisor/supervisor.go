// Package supervisor launches, monitors and restarts tool server
// subprocesses, and carries framed request/response round trips over
// their standard input and output. It applies no policy of its own.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Defaults for Config.
const (
	DefaultCallTimeout    = 30 * time.Second
	DefaultMaxRestarts    = 3
	DefaultRestartWindow  = time.Minute
	DefaultBackoffInitial = 200 * time.Millisecond
	DefaultBackoffMax     = 10 * time.Second
	DefaultStopGrace      = 2 * time.Second
)

// Config tunes restart behavior. Zero-value fields take defaults.
type Config struct {
	// MaxRestarts is the number of unexpected exits tolerated inside
	// RestartWindow. Reaching it leaves the tool stopped until Reset.
	MaxRestarts    int
	RestartWindow  time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// StopGrace is how long Stop waits after closing stdin before killing.
	StopGrace    time.Duration
	MaxFrameSize int
	// Env returns the base environment for every tool server. Defaults to
	// the parent environment.
	Env    func() []string
	Logger *slog.Logger
	// OnStateChange is called with the tool's lock held; it must not call
	// back into the Supervisor.
	OnStateChange func(tool string, from, to State)
	Now           func() time.Time
}

func (c *Config) defaults() {
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = DefaultRestartWindow
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.Env == nil {
		c.Env = os.Environ
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// managed is the supervisor's record for one declared tool server.
type managed struct {
	spec   Spec
	logger *slog.Logger

	// sem serializes round trips to the process; it is a channel so
	// waiters can give up when their context ends.
	sem chan struct{}

	mu        sync.Mutex
	state     State
	proc      *process
	launching chan struct{} // closed when the in-flight launch settles
	crashes   []time.Time   // unexpected exits inside the restart window
	lastCrash time.Time
	lastErr   error
	restarts  int
	stopping  bool
	backoff   *backoff.ExponentialBackOff
}

// Supervisor owns the process table. Each tool has its own lock, so work
// on one tool never waits on another.
type Supervisor struct {
	cfg    Config
	tools  map[string]*managed
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New registers specs without launching anything.
func New(specs []Spec, cfg Config) (*Supervisor, error) {
	cfg.defaults()

	var errs []error
	tools := make(map[string]*managed, len(specs))
	for _, spec := range specs {
		switch {
		case spec.Name == "":
			errs = append(errs, errors.New("supervisor: tool server with empty name"))
			continue
		case spec.Command == "":
			errs = append(errs, fmt.Errorf("supervisor: %s: empty command", spec.Name))
			continue
		}
		if _, dup := tools[spec.Name]; dup {
			errs = append(errs, fmt.Errorf("supervisor: duplicate tool server %q", spec.Name))
			continue
		}
		if spec.Timeout <= 0 {
			spec.Timeout = DefaultCallTimeout
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.BackoffInitial
		b.MaxInterval = cfg.BackoffMax
		b.Multiplier = 2
		b.RandomizationFactor = 0.2
		b.Reset()
		tools[spec.Name] = &managed{
			spec:    spec,
			logger:  cfg.Logger.With("tool", spec.Name),
			sem:     make(chan struct{}, 1),
			backoff: b,
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:    cfg,
		tools:  tools,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Has reports whether name is a declared tool server.
func (s *Supervisor) Has(name string) bool {
	_, ok := s.tools[name]
	return ok
}

func (s *Supervisor) lookup(name string) (*managed, error) {
	m, ok := s.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return m, nil
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Supervisor) setStateLocked(m *managed, to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(m.spec.Name, from, to)
	}
}

func (m *managed) unavailableLocked() error {
	if m.lastErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrToolUnavailable, m.spec.Name, m.lastErr)
	}
	return fmt.Errorf("%w: %s", ErrToolUnavailable, m.spec.Name)
}

// settleLaunchLocked wakes everyone waiting on the current launch.
func (m *managed) settleLaunchLocked() {
	if m.launching != nil {
		close(m.launching)
		m.launching = nil
	}
}

// EnsureRunning returns a handle to a ready process, launching it if
// needed. Concurrent callers share one launch instead of racing.
func (s *Supervisor) EnsureRunning(ctx context.Context, name string) (Handle, error) {
	m, err := s.lookup(name)
	if err != nil {
		return Handle{}, err
	}
	p, err := s.ensure(ctx, m)
	if err != nil {
		return Handle{}, err
	}
	return Handle{Tool: name, PID: p.pid(), StartedAt: p.startedAt}, nil
}

func (s *Supervisor) ensure(ctx context.Context, m *managed) (*process, error) {
	for {
		if s.isClosed() {
			return nil, ErrShutdown
		}

		m.mu.Lock()
		switch m.state {
		case StateReady:
			p := m.proc
			m.mu.Unlock()
			return p, nil

		case StateStopped:
			err := m.unavailableLocked()
			m.mu.Unlock()
			return nil, err

		case StateStarting, StateCrashed:
			wait := m.launching
			m.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		default:
			ch := make(chan struct{})
			m.launching = ch
			s.setStateLocked(m, StateStarting)
			m.mu.Unlock()
			s.launch(m, ch)
		}
	}
}

// launch starts the process for m. ch identifies this launch attempt; if
// the attempt was cancelled by Stop or Shutdown it is abandoned.
func (s *Supervisor) launch(m *managed, ch chan struct{}) {
	m.mu.Lock()
	if m.launching != ch {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	p, err := startProcess(m.spec, s.cfg.Env(), s.cfg.MaxFrameSize, m.logger)

	m.mu.Lock()
	if m.launching != ch || s.isClosed() {
		// Stopped while we were launching.
		if m.launching == ch {
			m.settleLaunchLocked()
		}
		if p != nil {
			m.proc = p
			m.stopping = true
		} else {
			s.setStateLocked(m, StateStopped)
		}
		m.mu.Unlock()
		if p != nil {
			p.watch(func(p *process) { s.reap(m, p) })
			p.kill()
		}
		return
	}
	defer m.mu.Unlock()

	m.settleLaunchLocked()
	if err != nil {
		m.logger.Error("tool server launch failed", "error", err)
		s.failLocked(m, err)
		return
	}

	m.proc = p
	s.setStateLocked(m, StateReady)
	m.logger.Info("tool server started", "pid", p.pid())
	p.watch(func(p *process) { s.reap(m, p) })
}

// reap runs once per process after it has exited.
func (s *Supervisor) reap(m *managed, p *process) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.proc != p {
		return
	}
	m.proc = nil

	if m.stopping || s.isClosed() {
		m.stopping = false
		m.logger.Info("tool server stopped", "pid", p.pid())
		s.setStateLocked(m, StateStopped)
		return
	}

	exitErr := exitCause(p)
	m.logger.Warn("tool server exited unexpectedly", "pid", p.pid(), "error", exitErr)
	s.failLocked(m, fmt.Errorf("tool server %s crashed: %w", m.spec.Name, exitErr))
}

// exitCause describes why p exited. Valid once the reaper has run.
func exitCause(p *process) error {
	if p.exitErr == nil {
		return errors.New("exited with status 0")
	}
	return p.exitErr
}

// failLocked records a crash or failed launch and either schedules a
// relaunch with backoff or, once the budget is spent, stops the tool.
func (s *Supervisor) failLocked(m *managed, cause error) {
	now := s.cfg.Now()
	cutoff := now.Add(-s.cfg.RestartWindow)
	m.crashes = slices.DeleteFunc(m.crashes, func(t time.Time) bool { return t.Before(cutoff) })
	if len(m.crashes) == 0 {
		m.backoff.Reset()
	}
	m.crashes = append(m.crashes, now)
	m.lastCrash = now
	m.lastErr = cause
	s.setStateLocked(m, StateCrashed)

	if len(m.crashes) >= s.cfg.MaxRestarts {
		m.logger.Error("tool server restart budget exhausted",
			"crashes", len(m.crashes),
			"window", s.cfg.RestartWindow,
		)
		s.setStateLocked(m, StateStopped)
		m.settleLaunchLocked()
		return
	}

	delay := m.backoff.NextBackOff()
	ch := make(chan struct{})
	m.launching = ch
	m.restarts++
	s.setStateLocked(m, StateStarting)
	m.logger.Info("restarting tool server", "attempt", len(m.crashes), "backoff", delay)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.launch(m, ch)
		case <-s.ctx.Done():
			m.mu.Lock()
			if m.launching == ch {
				m.settleLaunchLocked()
				s.setStateLocked(m, StateStopped)
			}
			m.mu.Unlock()
		}
	}()
}

// Send performs one framed round trip with the tool server, launching it
// first if needed. Requests to one tool are serialized.
//
// A call that outlives the tool's timeout fails with ErrTimeout and is
// never retried. If the process dies before answering, the request is
// replayed once the in-budget relaunch is ready, unless the process had
// already started writing a reply: that call fails with ErrToolUnavailable.
// If ctx ends first the
// caller is released immediately but the process is left running; the
// late response is discarded.
func (s *Supervisor) Send(ctx context.Context, name string, payload []byte) ([]byte, error) {
	m, err := s.lookup(name)
	if err != nil {
		return nil, err
	}

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { <-m.sem }

	timeout := m.spec.Timeout
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timedOut := func() error {
		return fmt.Errorf("%w: %s after %s", ErrTimeout, name, timeout)
	}

	for {
		p, err := s.ensure(callCtx, m)
		if err != nil {
			release()
			if callCtx.Err() != nil && ctx.Err() == nil {
				return nil, timedOut()
			}
			return nil, err
		}

		mark := p.received.Load()
		if err := p.send(payload); err != nil {
			// Broken pipe: the process is going away. Let the reaper
			// account for it, then retry on the replacement.
			m.logger.Debug("write to tool server failed", "error", err)
			select {
			case <-p.exited:
				continue
			case <-callCtx.Done():
				release()
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, timedOut()
			}
		}

		select {
		case resp := <-p.responses:
			release()
			return resp, nil

		case <-p.exited:
			select {
			case resp := <-p.responses:
				release()
				return resp, nil
			default:
			}
			if p.answeredSince(mark) {
				// It may already have acted on the request.
				release()
				m.logger.Warn("tool server exited mid-response, not replaying request")
				return nil, fmt.Errorf("%w: %s exited mid-response: %w", ErrToolUnavailable, name, exitCause(p))
			}
			m.logger.Warn("tool server exited before responding, retrying on relaunch")
			continue

		case <-callCtx.Done():
			if ctx.Err() != nil {
				deadline, _ := callCtx.Deadline()
				go s.drain(m, p, deadline, release)
				return nil, ctx.Err()
			}
			p.abandon()
			release()
			m.logger.Warn("tool server call timed out", "timeout", timeout)
			return nil, timedOut()
		}
	}
}

// drain keeps the tool's lock for a caller that gave up, until the
// response it no longer wants arrives or the call would have timed out.
// This keeps one request in flight per process.
func (s *Supervisor) drain(m *managed, p *process, deadline time.Time, release func()) {
	defer release()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-p.responses:
		m.logger.Debug("discarded response for cancelled call")
	case <-p.exited:
	case <-timer.C:
		p.abandon()
	}
}

// Stop terminates the tool's process, if any, and leaves the tool stopped
// until Reset. Stdin is closed first; the process is killed if it has not
// exited after the grace period.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	return s.stop(ctx, m, errors.New("stopped by request"))
}

func (s *Supervisor) stop(ctx context.Context, m *managed, reason error) error {
	m.mu.Lock()
	p := m.proc
	if p == nil {
		// Cancel any scheduled or in-flight launch.
		m.settleLaunchLocked()
		if m.state != StateStopped {
			m.lastErr = reason
			s.setStateLocked(m, StateStopped)
		}
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	m.lastErr = reason
	m.mu.Unlock()

	_ = p.stdin.Close()

	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-p.exited:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	m.logger.Warn("tool server did not exit after stdin closed, killing", "pid", p.pid())
	p.kill()
	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset clears the crash history and returns a stopped tool to idle so
// the next use launches it again.
func (s *Supervisor) Reset(name string) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.crashes = nil
	m.backoff.Reset()
	if m.state == StateStopped {
		m.lastErr = nil
		s.setStateLocked(m, StateIdle)
	}
	m.logger.Info("tool server reset")
	return nil
}

// WarmUp launches every eager tool server. Failures are logged and left
// to the restart machinery; they never abort startup.
func (s *Supervisor) WarmUp(ctx context.Context) {
	for _, name := range s.Names() {
		m := s.tools[name]
		if !m.spec.Eager {
			continue
		}
		if _, err := s.ensure(ctx, m); err != nil {
			m.logger.Warn("eager tool server not available", "error", err)
		}
	}
}

// Names returns the declared tool servers, sorted.
func (s *Supervisor) Names() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// StatusOf returns a snapshot for one tool server.
func (s *Supervisor) StatusOf(name string) (Status, error) {
	m, err := s.lookup(name)
	if err != nil {
		return Status{}, err
	}
	return s.status(m), nil
}

// Status returns snapshots for all tool servers, sorted by name.
func (s *Supervisor) Status() []Status {
	out := make([]Status, 0, len(s.tools))
	for _, name := range s.Names() {
		out = append(out, s.status(s.tools[name]))
	}
	return out
}

func (s *Supervisor) status(m *managed) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		Tool:      m.spec.Name,
		State:     m.state,
		Eager:     m.spec.Eager,
		Crashes:   len(m.crashes),
		Restarts:  m.restarts,
		LastCrash: m.lastCrash,
	}
	if m.proc != nil {
		st.PID = m.proc.pid()
		st.StartedAt = m.proc.startedAt
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// Start launches eager tool servers. It implements the lifecycle Starter.
func (s *Supervisor) Start(ctx context.Context) error {
	s.WarmUp(ctx)
	return nil
}

// Shutdown stops every tool server and waits for pending relaunches to
// settle. It implements the lifecycle Stopper as Stop(ctx).
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, m := range s.tools {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.stop(ctx, m, ErrShutdown); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", m.spec.Name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.wg.Wait()
	s.logger.Info("supervisor stopped", "tools", len(s.tools))
	return errors.Join(errs...)
}
