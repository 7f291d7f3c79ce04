package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// pipeDrainGrace bounds how long the reaper waits for stdout and stderr to
// reach EOF after the process exited. A grandchild holding the pipes open
// must not delay crash handling.
const pipeDrainGrace = 500 * time.Millisecond

// process is one launched OS process and its stdio plumbing.
type process struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	startedAt time.Time

	// responses carries frames read from stdout. At most one live request
	// is outstanding, so a buffer of one never blocks the reader.
	responses chan []byte
	// exited is closed once the process has been reaped; exitErr is set before.
	exited  chan struct{}
	exitErr error

	// stdout and stderr are the read ends; the process holds the others.
	stdout  *os.File
	stderr  *os.File
	readers sync.WaitGroup

	// received counts stdout bytes. Send compares it across a request to
	// tell whether the process began answering before it died.
	received atomic.Int64

	mu sync.Mutex
	// skip counts responses owed to abandoned requests; they are discarded.
	skip int
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// startProcess launches spec and starts its stdout and stderr readers.
// The caller registers the process and then calls watch to reap it.
func startProcess(spec Spec, env []string, maxFrame int, logger *slog.Logger) (*process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(slices.Clone(env), envPairs(spec.Env)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: stdin: %w", ErrLaunchFailed, spec.Name, err)
	}
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("%w: %s: stdout: %w", ErrLaunchFailed, spec.Name, err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeAll(stdout, stdoutW)
		return nil, fmt.Errorf("%w: %s: stderr: %w", ErrLaunchFailed, spec.Name, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	// The child has its own copies of the write ends.
	closeAll(stdoutW, stderrW)
	if err != nil {
		closeAll(stdout, stderr)
		return nil, fmt.Errorf("%w: %s: %w", ErrLaunchFailed, spec.Name, err)
	}

	p := &process{
		cmd:       cmd,
		stdin:     stdin,
		startedAt: time.Now(),
		responses: make(chan []byte, 1),
		exited:    make(chan struct{}),
		stdout:    stdout,
		stderr:    stderr,
	}
	p.readers.Add(2)
	go func() {
		defer p.readers.Done()
		p.readLoop(stdout, maxFrame, logger)
	}()
	go func() {
		defer p.readers.Done()
		logStderr(stderr, logger)
	}()
	return p, nil
}

// watch reaps the process in the background. onExit observes the exit
// before exited is closed, so anyone woken by exited sees updated state
// and any response the process wrote before dying.
func (p *process) watch(onExit func(*process)) {
	go func() {
		p.exitErr = p.cmd.Wait()

		drained := make(chan struct{})
		go func() {
			p.readers.Wait()
			close(drained)
		}()
		timer := time.NewTimer(pipeDrainGrace)
		select {
		case <-drained:
		case <-timer.C:
			// Something else still holds the pipes; stop reading them.
			closeAll(p.stdout, p.stderr)
			<-drained
		}
		timer.Stop()
		closeAll(p.stdout, p.stderr)

		onExit(p)
		close(p.exited)
	}()
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (p *process) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// answeredSince reports whether stdout produced any byte after mark.
func (p *process) answeredSince(mark int64) bool {
	return p.received.Load() > mark
}

type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n.Add(int64(n))
	return n, err
}

func (p *process) readLoop(r io.Reader, maxFrame int, logger *slog.Logger) {
	br := bufio.NewReader(countingReader{r: r, n: &p.received})
	for {
		frame, err := ReadFrame(br, maxFrame)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("tool server stdout closed", "error", err)
			}
			// Keep draining so the process never blocks on a full pipe.
			_, _ = io.Copy(io.Discard, br)
			return
		}
		p.deliver(frame, logger)
	}
}

func (p *process) deliver(frame []byte, logger *slog.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.skip > 0 {
		p.skip--
		logger.Debug("discarded response to abandoned request", "bytes", len(frame))
		return
	}
	select {
	case p.responses <- frame:
	default:
		logger.Warn("unsolicited response from tool server dropped", "bytes", len(frame))
	}
}

// abandon forgets the in-flight request. If its response already arrived
// it is drained now; otherwise the reader drops it when it shows up.
func (p *process) abandon() {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.responses:
	default:
		p.skip++
	}
}

// send writes one framed request.
func (p *process) send(payload []byte) error {
	return WriteFrame(p.stdin, payload)
}

func logStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Debug("tool server stderr", "line", scanner.Text())
	}
}

func envPairs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}
