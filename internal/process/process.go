package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrNotRunning     = errors.New("process not running")
	ErrAlreadyRunning = errors.New("process already running")
)

const (
	// killGrace bounds how long Stop waits for the reaper after SIGKILL.
	killGrace = 2 * time.Second
	// waitDelay stops cmd.Wait from blocking on grandchildren holding stderr.
	waitDelay = time.Second
)

// ExitInfo is delivered to the exit handler after the child has been reaped.
type ExitInfo struct {
	Name       string
	PID        int
	Err        error
	Requested  bool // true when the exit followed Stop
	Generation uint64
}

// Info is a point-in-time view of a Process.
type Info struct {
	Name       string    `json:"name"`
	Command    []string  `json:"command"`
	PID        int       `json:"pid"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at"`
	Restarts   int       `json:"restarts"`
	LastExit   string    `json:"last_exit,omitempty"`
	Generation uint64    `json:"generation"`
}

// Process is a single supervised subprocess whose stdin/stdout carry a
// private message channel and whose stderr is diagnostics only.
type Process struct {
	mu            sync.Mutex
	spec          Spec
	cmd           *exec.Cmd
	state         State
	stdin         io.WriteCloser
	stdout        io.ReadCloser
	startedAt     time.Time
	stoppedAt     time.Time
	restarts      int
	exitErr       error
	generation    uint64
	stopRequested bool
	waitDone      chan struct{} // closed by the reaper when cmd.Wait returns
	onExit        func(ExitInfo)
	log           *slog.Logger
}

func New(spec Spec) *Process {
	return &Process{spec: spec, log: slog.Default().With("server", spec.Name)}
}

// SetLogger replaces the logger used for lifecycle and stderr output.
func (p *Process) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	p.mu.Lock()
	p.log = l.With("server", p.spec.Name)
	p.mu.Unlock()
}

// SetExitHandler registers fn to run after every reap. It runs on the
// reaper goroutine without p's lock held, before Done is closed, so fn must
// not wait on Done or call Stop.
func (p *Process) SetExitHandler(fn func(ExitInfo)) {
	p.mu.Lock()
	p.onExit = fn
	p.mu.Unlock()
}

// UpdateSpec replaces the spec used by the next Start.
func (p *Process) UpdateSpec(s Spec) {
	p.mu.Lock()
	p.spec = s
	p.mu.Unlock()
}

func (p *Process) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec.Name
}

func (p *Process) Spec() Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec
}

func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Generation increments on every successful Start.
func (p *Process) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

func (p *Process) IncRestarts() int {
	p.mu.Lock()
	p.restarts++
	v := p.restarts
	p.mu.Unlock()
	return v
}

// Pipes returns the child's stdin and stdout along with the generation
// they belong to.
func (p *Process) Pipes() (io.WriteCloser, io.ReadCloser, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning {
		return nil, nil, 0, fmt.Errorf("%s: %w (state %s)", p.spec.Name, ErrNotRunning, p.state)
	}
	return p.stdin, p.stdout, p.generation, nil
}

// Done returns a channel closed when the current child exits, or nil when
// no child was ever started.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitDone
}

func (p *Process) Snapshot() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := Info{
		Name:       p.spec.Name,
		Command:    append([]string(nil), p.spec.Command...),
		State:      p.state,
		StartedAt:  p.startedAt,
		StoppedAt:  p.stoppedAt,
		Restarts:   p.restarts,
		Generation: p.generation,
	}
	if p.cmd != nil && p.cmd.Process != nil && !p.state.Terminal() {
		info.PID = p.cmd.Process.Pid
	}
	if p.exitErr != nil {
		info.LastExit = p.exitErr.Error()
	}
	return info
}

// Start spawns the child with stdin/stdout pipes attached.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.state.Terminal() {
		return fmt.Errorf("%s: %w (state %s)", p.spec.Name, ErrAlreadyRunning, p.state)
	}
	p.state = StateStarting

	cmd := p.spec.BuildCommand()
	if p.spec.WorkDir != "" {
		cmd.Dir = p.spec.WorkDir
	}
	if len(p.spec.Env) > 0 {
		cmd.Env = p.spec.Env
	}
	configureSysProcAttr(cmd)
	cmd.WaitDelay = waitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return p.failStartLocked(err)
	}
	// stdout is a plain pipe rather than cmd.StdoutPipe: Wait must not
	// close it before the reader has drained what the child wrote.
	stdout, childOut, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return p.failStartLocked(err)
	}
	cmd.Stdout = childOut
	if p.spec.Stderr != nil {
		cmd.Stderr = p.spec.Stderr
	} else {
		cmd.Stderr = &lineLogger{log: p.log}
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = childOut.Close()
		return p.failStartLocked(err)
	}
	_ = childOut.Close()
	if p.stdout != nil {
		_ = p.stdout.Close()
	}

	done := make(chan struct{})
	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdout
	p.waitDone = done
	p.stopRequested = false
	p.exitErr = nil
	p.startedAt = time.Now()
	p.stoppedAt = time.Time{}
	p.generation++
	p.state = StateRunning
	gen := p.generation

	p.log.Info("process started", "pid", cmd.Process.Pid, "generation", gen)
	go p.reap(cmd, done, gen)
	return nil
}

func (p *Process) failStartLocked(err error) error {
	p.state = StateCrashed
	p.exitErr = err
	p.stoppedAt = time.Now()
	return fmt.Errorf("start %s: %w", p.spec.Name, err)
}

func (p *Process) reap(cmd *exec.Cmd, done chan struct{}, gen uint64) {
	err := cmd.Wait()

	p.mu.Lock()
	requested := p.stopRequested
	p.exitErr = err
	p.stoppedAt = time.Now()
	if requested {
		p.state = StateStopped
	} else {
		p.state = StateCrashed
	}
	handler := p.onExit
	log := p.log
	info := ExitInfo{Name: p.spec.Name, PID: cmd.Process.Pid, Err: err, Requested: requested, Generation: gen}
	p.mu.Unlock()

	if requested {
		log.Info("process exited", "pid", info.PID, "error", err)
	} else {
		log.Warn("process exited unexpectedly", "pid", info.PID, "error", err)
	}
	if handler != nil {
		handler(info)
	}
	close(done)
}

// Stop sends SIGTERM to the process group, waits up to timeout, then sends
// SIGKILL. The stdio pipes are closed regardless of outcome. A Stop that
// races another Stop waits for the first one's result and does nothing else.
func (p *Process) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		p.closePipes()
		return nil
	}
	done := p.waitDone
	if p.stopRequested {
		p.mu.Unlock()
		<-done
		return nil
	}
	p.stopRequested = true
	p.state = StateStopping
	pid := p.cmd.Process.Pid
	log := p.log
	p.mu.Unlock()

	defer p.closePipes()

	if err := terminate(pid); err != nil {
		log.Debug("terminate signal failed", "pid", pid, "error", err)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	}

	log.Warn("process ignored termination, killing", "pid", pid, "timeout", timeout)
	_ = kill(pid)
	select {
	case <-done:
		return nil
	case <-time.After(killGrace):
	}

	p.mu.Lock()
	p.state = StateCrashed
	p.mu.Unlock()
	return fmt.Errorf("%s: pid %d still alive after kill", p.Name(), pid)
}

func (p *Process) closePipes() {
	p.mu.Lock()
	in, out, log := p.stdin, p.stdout, p.log
	p.mu.Unlock()
	for _, c := range []io.Closer{in, out} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			log.Debug("close pipe", "error", err)
		}
	}
}
