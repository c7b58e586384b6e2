package manager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datalayer/mcp-compose/internal/history"
	"github.com/datalayer/mcp-compose/internal/metrics"
	"github.com/datalayer/mcp-compose/internal/process"
)

var errShuttingDown = errors.New("process manager shutting down")

// ManagedProcess serializes every lifecycle decision for one process on a
// single goroutine. Exits reported by the process reaper arrive as commands
// too, so restart decisions never race with Start/Stop.
//
// State machine:
//
//	Stopped -> Starting -> Running -> Stopping -> Stopped
//	Running -> Crashed [-> Starting when the restart policy allows]
type ManagedProcess struct {
	mu           sync.RWMutex
	spec         Spec
	proc         *process.Process
	runID        string
	autoRestarts int
	userStopped  bool
	restartTimer *time.Timer
	cmdChan      chan command
	doneChan     chan struct{}
	envMerger    func(Spec) []string
	emit         func(history.Event)
	log          *slog.Logger
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionRestart
	actionExited
	actionRestartDue
	actionShutdown
)

type command struct {
	action commandAction
	wait   time.Duration
	exit   process.ExitInfo
	gen    uint64
	reply  chan error
}

func newManagedProcess(spec Spec, envMerger func(Spec) []string, emit func(history.Event), log *slog.Logger) *ManagedProcess {
	mp := &ManagedProcess{
		spec:      spec,
		proc:      process.New(process.Spec{Name: spec.Name, Command: spec.Command, WorkDir: spec.WorkDir, Stderr: spec.Stderr}),
		cmdChan:   make(chan command, 16),
		doneChan:  make(chan struct{}),
		envMerger: envMerger,
		emit:      emit,
		log:       log.With("server", spec.Name),
	}
	mp.proc.SetLogger(log)
	mp.proc.SetExitHandler(mp.onExit)
	go mp.run()
	return mp
}

// Process returns the underlying process.
func (mp *ManagedProcess) Process() *process.Process { return mp.proc }

func (mp *ManagedProcess) Start() error { return mp.send(command{action: actionStart}) }

func (mp *ManagedProcess) Stop(wait time.Duration) error {
	return mp.send(command{action: actionStop, wait: wait})
}

func (mp *ManagedProcess) Restart(wait time.Duration) error {
	return mp.send(command{action: actionRestart, wait: wait})
}

// Shutdown stops the process and ends the actor goroutine.
func (mp *ManagedProcess) Shutdown(wait time.Duration) error {
	err := mp.send(command{action: actionShutdown, wait: wait})
	if errors.Is(err, errShuttingDown) {
		return nil
	}
	return err
}

func (mp *ManagedProcess) Info() Info {
	mp.mu.RLock()
	policy := mp.spec.RestartPolicy
	mp.mu.RUnlock()

	pi := mp.proc.Snapshot()
	info := Info{Info: pi, RestartPolicy: policy}
	if pi.State == process.StateRunning {
		info.UptimeSeconds = time.Since(pi.StartedAt).Seconds()
		if u, err := metrics.SampleUsage(pi.PID); err == nil {
			info.Usage = &u
		}
	}
	return info
}

func (mp *ManagedProcess) send(c command) error {
	c.reply = make(chan error, 1)
	select {
	case mp.cmdChan <- c:
	case <-mp.doneChan:
		return errShuttingDown
	}
	select {
	case err := <-c.reply:
		return err
	case <-mp.doneChan:
		return errShuttingDown
	}
}

// post delivers an internal event without waiting for a reply.
func (mp *ManagedProcess) post(c command) {
	select {
	case mp.cmdChan <- c:
	case <-mp.doneChan:
	}
}

func (mp *ManagedProcess) onExit(info process.ExitInfo) {
	mp.post(command{action: actionExited, exit: info})
}

func (mp *ManagedProcess) run() {
	defer close(mp.doneChan)
	for c := range mp.cmdChan {
		var err error
		switch c.action {
		case actionStart:
			err = mp.handleStart()
		case actionStop:
			err = mp.handleStop(c.wait)
		case actionRestart:
			err = mp.handleRestart(c.wait)
		case actionExited:
			mp.handleExited(c.exit)
		case actionRestartDue:
			mp.handleRestartDue(c.gen)
		case actionShutdown:
			err = mp.handleStop(c.wait)
			c.reply <- err
			return
		}
		if c.reply != nil {
			c.reply <- err
		}
	}
}

func (mp *ManagedProcess) handleStart() error {
	mp.cancelRestart()
	mp.mu.Lock()
	mp.userStopped = false
	mp.autoRestarts = 0
	mp.mu.Unlock()
	return mp.doStart(history.EventStart)
}

func (mp *ManagedProcess) doStart(evt history.EventType) error {
	mp.mu.Lock()
	spec := mp.spec
	mp.mu.Unlock()

	from := mp.proc.State()
	mp.proc.UpdateSpec(process.Spec{
		Name:    spec.Name,
		Command: spec.Command,
		Env:     mp.envMerger(spec),
		WorkDir: spec.WorkDir,
		Stderr:  spec.Stderr,
	})
	if err := mp.proc.Start(); err != nil {
		metrics.RecordStateTransition(spec.Name, from.String(), mp.proc.State().String())
		return err
	}
	metrics.RecordStateTransition(spec.Name, from.String(), process.StateRunning.String())
	metrics.IncStart(spec.Name)

	mp.mu.Lock()
	mp.runID = uuid.NewString()
	mp.mu.Unlock()
	mp.publish(evt)
	return nil
}

func (mp *ManagedProcess) handleStop(wait time.Duration) error {
	mp.cancelRestart()
	mp.mu.Lock()
	mp.userStopped = true
	mp.mu.Unlock()

	st := mp.proc.State()
	if st.Terminal() {
		return nil
	}
	metrics.RecordStateTransition(mp.spec.Name, st.String(), process.StateStopping.String())
	if err := mp.proc.Stop(wait); err != nil {
		return fmt.Errorf("failed to stop process: %w", err)
	}
	return nil
}

func (mp *ManagedProcess) handleRestart(wait time.Duration) error {
	if err := mp.handleStop(wait); err != nil {
		return err
	}
	mp.mu.Lock()
	mp.userStopped = false
	mp.autoRestarts = 0
	mp.mu.Unlock()
	if err := mp.doStart(history.EventRestart); err != nil {
		return err
	}
	mp.proc.IncRestarts()
	metrics.IncRestart(mp.spec.Name)
	return nil
}

func (mp *ManagedProcess) handleExited(info process.ExitInfo) {
	if info.Generation != mp.proc.Generation() {
		return
	}
	to := mp.proc.State()
	metrics.RecordStateTransition(info.Name, process.StateRunning.String(), to.String())

	if info.Requested {
		metrics.IncStop(info.Name, "requested")
		mp.publish(history.EventStop)
		return
	}
	metrics.IncStop(info.Name, "crashed")
	mp.publish(history.EventCrash)
	mp.maybeScheduleRestart(info.Err)
}

func (mp *ManagedProcess) maybeScheduleRestart(exitErr error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.userStopped || !mp.spec.RestartPolicy.restartOn(exitErr) {
		return
	}
	if mp.spec.MaxRestarts > 0 && mp.autoRestarts >= mp.spec.MaxRestarts {
		mp.log.Warn("restart budget exhausted", "max_restarts", mp.spec.MaxRestarts)
		return
	}
	gen := mp.proc.Generation()
	mp.log.Info("scheduling restart", "delay", mp.spec.RestartDelay, "attempt", mp.autoRestarts+1)
	mp.restartTimer = time.AfterFunc(mp.spec.RestartDelay, func() {
		mp.post(command{action: actionRestartDue, gen: gen})
	})
}

func (mp *ManagedProcess) handleRestartDue(gen uint64) {
	mp.mu.Lock()
	stale := mp.userStopped || gen != mp.proc.Generation()
	mp.restartTimer = nil
	if !stale {
		mp.autoRestarts++
	}
	mp.mu.Unlock()
	if stale || !mp.proc.State().Terminal() {
		return
	}

	if err := mp.doStart(history.EventRestart); err != nil {
		mp.log.Error("auto-restart failed", "error", err)
		mp.maybeScheduleRestart(err)
		return
	}
	mp.proc.IncRestarts()
	metrics.IncRestart(mp.spec.Name)
}

func (mp *ManagedProcess) cancelRestart() {
	mp.mu.Lock()
	if mp.restartTimer != nil {
		mp.restartTimer.Stop()
		mp.restartTimer = nil
	}
	mp.mu.Unlock()
}

func (mp *ManagedProcess) publish(t history.EventType) {
	pi := mp.proc.Snapshot()
	mp.mu.RLock()
	rec := history.Record{
		ID:        mp.runID,
		Server:    pi.Name,
		PID:       pi.PID,
		State:     pi.State.String(),
		Restarts:  pi.Restarts,
		StartedAt: pi.StartedAt,
	}
	mp.mu.RUnlock()
	if t == history.EventStop || t == history.EventCrash {
		rec.StoppedAt = sql.NullTime{Time: pi.StoppedAt, Valid: !pi.StoppedAt.IsZero()}
		if pi.LastExit != "" {
			rec.ExitErr = sql.NullString{String: pi.LastExit, Valid: true}
		}
	}
	mp.emit(history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec})
}

// emitTo returns an emit func broadcasting to sinks and listeners with a
// bounded delivery time.
func emitTo(sinks func() []history.Sink, listeners func() []func(history.Event), log *slog.Logger) func(history.Event) {
	return func(e history.Event) {
		for _, fn := range listeners() {
			fn(e)
		}
		s := sinks()
		if len(s) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := history.Broadcast(ctx, s, e); err != nil {
			log.Warn("history sink failed", "server", e.Record.Server, "event", e.Type, "error", err)
		}
	}
}
