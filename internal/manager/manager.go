package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/datalayer/mcp-compose/internal/env"
	"github.com/datalayer/mcp-compose/internal/history"
	"github.com/datalayer/mcp-compose/internal/process"
)

var (
	ErrUnknownProcess = errors.New("unknown process")
	ErrDuplicate      = errors.New("process already registered")
)

// DefaultStopTimeout is used by Restart and Remove.
const DefaultStopTimeout = 5 * time.Second

// Manager owns a set of named downstream server processes.
type Manager struct {
	mu        sync.RWMutex
	envM      *env.Env
	histSinks []history.Sink
	listeners []func(history.Event)
	log       *slog.Logger
	entries   map[string]*ManagedProcess
}

func NewManager() *Manager {
	return &Manager{
		entries: make(map[string]*ManagedProcess),
		envM:    env.New(),
		log:     slog.Default(),
	}
}

func (m *Manager) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.log = l
	m.mu.Unlock()
}

// SetHistorySinks configures lifecycle history sinks. Passing none clears the list.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	m.mu.Lock()
	m.histSinks = append([]history.Sink(nil), sinks...)
	m.mu.Unlock()
}

// OnEvent registers fn to observe every lifecycle event. fn runs on the
// emitting process's actor goroutine and must not call back into the Manager
// for the same process.
func (m *Manager) OnEvent(fn func(history.Event)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// SetGlobalEnv sets variables applied to every process. kvs are "KEY=VALUE".
func (m *Manager) SetGlobalEnv(kvs []string) {
	m.mu.Lock()
	m.envM.SetPairs(kvs)
	m.mu.Unlock()
}

func (m *Manager) mergedEnvFor(spec Spec) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.envM.Merge(spec.Env)
}

func (m *Manager) sinks() []history.Sink {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]history.Sink(nil), m.histSinks...)
}

func (m *Manager) eventListeners() []func(history.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.listeners)
}

// Add registers spec and starts it when AutoStart is set. The process is
// returned even when the auto start fails.
func (m *Manager) Add(spec Spec) (*process.Process, error) {
	if spec.Name == "" {
		return nil, errors.New("process name is required")
	}
	m.mu.Lock()
	if _, ok := m.entries[spec.Name]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", spec.Name, ErrDuplicate)
	}
	log := m.log
	mp := newManagedProcess(spec, m.mergedEnvFor, emitTo(m.sinks, m.eventListeners, log), log)
	m.entries[spec.Name] = mp
	m.mu.Unlock()

	if spec.AutoStart {
		if err := mp.Start(); err != nil {
			return mp.Process(), err
		}
	}
	return mp.Process(), nil
}

func (m *Manager) get(name string) (*ManagedProcess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.entries[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownProcess)
	}
	return mp, nil
}

func (m *Manager) Get(name string) (*process.Process, error) {
	mp, err := m.get(name)
	if err != nil {
		return nil, err
	}
	return mp.Process(), nil
}

func (m *Manager) Start(name string) error {
	mp, err := m.get(name)
	if err != nil {
		return err
	}
	return mp.Start()
}

// Stop terminates the process gracefully, escalating to a kill after timeout.
func (m *Manager) Stop(name string, timeout time.Duration) error {
	mp, err := m.get(name)
	if err != nil {
		return err
	}
	return mp.Stop(timeout)
}

func (m *Manager) Restart(name string) error {
	mp, err := m.get(name)
	if err != nil {
		return err
	}
	return mp.Restart(DefaultStopTimeout)
}

// Remove stops the process and forgets it.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	mp, ok := m.entries[name]
	delete(m.entries, name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownProcess)
	}
	return mp.Shutdown(DefaultStopTimeout)
}

func (m *Manager) Info(name string) (Info, error) {
	mp, err := m.get(name)
	if err != nil {
		return Info{}, err
	}
	return mp.Info(), nil
}

// ListAll returns info for every process ordered by name.
func (m *Manager) ListAll() []Info {
	m.mu.RLock()
	mps := make([]*ManagedProcess, 0, len(m.entries))
	for _, mp := range m.entries {
		mps = append(mps, mp)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(mps))
	for _, mp := range mps {
		out = append(out, mp.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StopAll stops every process concurrently and joins their errors.
func (m *Manager) StopAll(timeout time.Duration) error {
	m.mu.RLock()
	mps := make([]*ManagedProcess, 0, len(m.entries))
	for _, mp := range m.entries {
		mps = append(mps, mp)
	}
	m.mu.RUnlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, mp := range mps {
		g.Go(func() error {
			if err := mp.Stop(timeout); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Shutdown stops every process and ends all actors. The Manager is empty afterwards.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.mu.Lock()
	mps := m.entries
	m.entries = make(map[string]*ManagedProcess)
	m.mu.Unlock()

	var g errgroup.Group
	var mu sync.Mutex
	var errs []error
	for _, mp := range mps {
		g.Go(func() error {
			if err := mp.Shutdown(timeout); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
