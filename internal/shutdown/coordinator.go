// Package shutdown delivers SIGTERM and SIGINT to every live composer
// exactly once.
package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Member is something the coordinator tears down on a termination signal.
// Stop must be idempotent: a signal may race an explicit caller.
type Member interface {
	ID() string
	Stop(ctx context.Context) error
}

// DefaultTimeout bounds each member's signal-driven Stop.
const DefaultTimeout = 30 * time.Second

// Coordinator tracks live members and owns the process signal handler. The
// handler is installed when the first member registers and removed when
// the last one deregisters, which hands the signals back to whatever
// disposition they had before.
type Coordinator struct {
	timeout time.Duration
	log     *slog.Logger
	signals []os.Signal

	mu        sync.Mutex
	members   map[string]Member
	sigCh     chan os.Signal
	quit      chan struct{}
	installed bool
	received  chan os.Signal

	inflight sync.WaitGroup
}

type Option func(*Coordinator)

func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// New builds a coordinator. One per process is expected; it is passed to
// every composer rather than reached through a package variable.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout:  DefaultTimeout,
		log:      slog.Default(),
		signals:  []os.Signal{syscall.SIGTERM, syscall.SIGINT},
		members:  make(map[string]Member),
		received: make(chan os.Signal, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Register adds m. Registering the same id twice is a no-op.
func (c *Coordinator) Register(m Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[m.ID()]; ok {
		return
	}
	c.members[m.ID()] = m
	if !c.installed {
		c.installLocked()
	}
}

// Deregister removes m. It reports whether m was registered.
func (c *Coordinator) Deregister(m Member) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[m.ID()]; !ok {
		return false
	}
	delete(c.members, m.ID())
	if len(c.members) == 0 && c.installed {
		c.uninstallLocked()
	}
	return true
}

// Active returns the ids of registered members in sorted order.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Installed reports whether the signal handler is currently installed.
func (c *Coordinator) Installed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.installed
}

// Signals yields each termination signal after its stops were scheduled.
// Only the most recent undelivered signal is kept.
func (c *Coordinator) Signals() <-chan os.Signal { return c.received }

// Wait blocks until every signal-driven Stop has returned.
func (c *Coordinator) Wait() { c.inflight.Wait() }

// Shutdown stops every registered member and waits for them.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, m := range c.snapshot() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (c *Coordinator) snapshot() []Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Member, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m)
	}
	return out
}

func (c *Coordinator) installLocked() {
	c.sigCh = make(chan os.Signal, 1)
	c.quit = make(chan struct{})
	signal.Notify(c.sigCh, c.signals...)
	c.installed = true
	go c.loop(c.sigCh, c.quit)
	c.log.Debug("signal handler installed")
}

func (c *Coordinator) uninstallLocked() {
	signal.Stop(c.sigCh)
	close(c.quit)
	c.sigCh, c.quit = nil, nil
	c.installed = false
	c.log.Debug("signal handler removed")
}

func (c *Coordinator) loop(sigCh <-chan os.Signal, quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case sig := <-sigCh:
			c.broadcast(sig)
		}
	}
}

// broadcast schedules Stop on every member and returns without waiting.
func (c *Coordinator) broadcast(sig os.Signal) {
	members := c.snapshot()
	c.log.Info("termination signal received", "signal", sig.String(), "members", len(members))
	for _, m := range members {
		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			defer cancel()
			if err := m.Stop(ctx); err != nil {
				c.log.Error("shutdown failed", "member", m.ID(), "error", err)
			}
		}()
	}
	select {
	case c.received <- sig:
	default:
		select {
		case <-c.received:
		default:
		}
		select {
		case c.received <- sig:
		default:
		}
	}
}
