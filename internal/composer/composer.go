// Package composer merges the tools, prompts and resources of many MCP
// servers into one namespace and supervises the servers behind it.
package composer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/datalayer/mcp-compose/internal/manager"
	"github.com/datalayer/mcp-compose/internal/metrics"
	"github.com/datalayer/mcp-compose/internal/process"
	"github.com/datalayer/mcp-compose/internal/shutdown"
	"github.com/datalayer/mcp-compose/internal/toolproxy"
)

const (
	DefaultDiscoveryTimeout = 30 * time.Second
	DefaultCallTimeout      = 60 * time.Second
	DefaultShutdownTimeout  = 5 * time.Second
)

// State is the composer's shutdown state.
type State int32

const (
	Active State = iota
	ShuttingDown
	Inactive
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case ShuttingDown:
		return "shutting_down"
	case Inactive:
		return "inactive"
	}
	return "unknown"
}

type Options struct {
	Name                string
	Strategy            Strategy
	NamespaceComponents bool // expose components as {server}_{name}
	IncludeServers      []string
	ExcludeServers      []string
	Servers             []Descriptor

	DiscoveryTimeout time.Duration
	CallTimeout      time.Duration
	ShutdownTimeout  time.Duration

	// Manager runs spawned servers. Nil gives the composer its own.
	Manager     *manager.Manager
	Coordinator *shutdown.Coordinator
	Logger      *slog.Logger
	// Stderr returns the writer for a spawned server's stderr. Nil, or a
	// nil result, drains it into the debug log.
	Stderr func(server string) io.Writer
}

type server struct {
	desc       Descriptor
	proc       *process.Process
	remote     *RemoteSession
	state      ServerState
	err        error
	cleanupErr error
	info       toolproxy.ServerInfo
	composedAt time.Time
}

// Composer owns one composed namespace.
type Composer struct {
	id      string
	opts    Options
	log     *slog.Logger
	mgr     *manager.Manager
	ownsMgr bool
	proxy   *toolproxy.ToolProxy
	coord   *shutdown.Coordinator

	base       context.Context
	cancelBase context.CancelFunc

	composeMu sync.Mutex
	mu        sync.RWMutex
	servers   map[string]*server
	order     []string
	conflicts []ConflictRecord
	regs      map[Category]*NamespaceRegistry

	state     atomic.Int32
	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once
	stopErr   error
}

// New builds a composer and registers it with the coordinator, so a
// composer that is never started is still torn down on a signal.
func New(opts Options) (*Composer, error) {
	strategy, err := ParseStrategy(string(opts.Strategy))
	if err != nil {
		return nil, err
	}
	opts.Strategy = strategy
	if opts.Name == "" {
		opts.Name = "composed-mcp-server"
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	seen := make(map[string]bool, len(opts.Servers))
	for _, d := range opts.Servers {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate server name %q", d.Name)
		}
		seen[d.Name] = true
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Composer{
		id:      uuid.NewString(),
		opts:    opts,
		mgr:     opts.Manager,
		coord:   opts.Coordinator,
		servers: make(map[string]*server),
		regs:    make(map[Category]*NamespaceRegistry, len(Categories)),
	}
	c.log = log.With("composer", opts.Name, "id", c.id)
	if c.mgr == nil {
		c.mgr = manager.NewManager()
		c.mgr.SetLogger(log)
		c.ownsMgr = true
	}
	c.proxy = toolproxy.New(opts.DiscoveryTimeout, c.log)
	for _, cat := range Categories {
		c.regs[cat] = NewNamespaceRegistry(cat)
	}
	c.base, c.cancelBase = context.WithCancel(context.Background())
	if c.coord != nil {
		c.coord.Register(c)
	}
	return c, nil
}

func (c *Composer) ID() string         { return c.id }
func (c *Composer) Name() string       { return c.opts.Name }
func (c *Composer) Strategy() Strategy { return c.opts.Strategy }
func (c *Composer) State() State       { return State(c.state.Load()) }

// Manager returns the process manager running this composer's servers.
func (c *Composer) Manager() *manager.Manager { return c.mgr }

// Registry returns the namespace for cat.
func (c *Composer) Registry(cat Category) *NamespaceRegistry { return c.regs[cat] }

// Start composes every configured server once. Failing servers are
// reported in a *CompositionError while the rest stay usable.
func (c *Composer) Start(ctx context.Context) error {
	if c.State() != Active {
		return ErrStopped
	}
	c.startOnce.Do(func() {
		c.log.Info("composer starting", "servers", len(c.opts.Servers), "strategy", c.opts.Strategy)
		c.startErr = c.ComposeAll(ctx, c.opts.Servers)
	})
	return c.startErr
}

// ComposeAll composes ds in order after include/exclude filtering. Only
// a *ConflictError stops the batch early.
func (c *Composer) ComposeAll(ctx context.Context, ds []Descriptor) error {
	var errs []error
	for _, d := range c.filter(ds) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, &DiscoveryError{Server: d.Name, Err: err})
			continue
		}
		if err := c.ComposeServer(ctx, d); err != nil {
			var ce *ConflictError
			if errors.As(err, &ce) || errors.Is(err, ErrStopped) {
				return err
			}
			errs = append(errs, err)
		}
	}
	c.log.Info("composition complete",
		"tools", c.regs[CategoryTools].Len(),
		"prompts", c.regs[CategoryPrompts].Len(),
		"resources", c.regs[CategoryResources].Len(),
		"failed", len(errs))
	if len(errs) > 0 {
		return &CompositionError{Errors: errs}
	}
	return nil
}

func (c *Composer) filter(ds []Descriptor) []Descriptor {
	out := make([]Descriptor, 0, len(ds))
	for _, d := range ds {
		if len(c.opts.IncludeServers) > 0 && !slices.Contains(c.opts.IncludeServers, d.Name) {
			c.log.Debug("server not included", "server", d.Name)
			continue
		}
		if slices.Contains(c.opts.ExcludeServers, d.Name) {
			c.log.Debug("server excluded", "server", d.Name)
			continue
		}
		out = append(out, d)
	}
	return out
}

// ComposeServer launches or dials d, discovers its components and merges
// them into the namespace. A discovery failure is returned as a
// *DiscoveryError and recorded against the server.
func (c *Composer) ComposeServer(ctx context.Context, d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	c.composeMu.Lock()
	defer c.composeMu.Unlock()
	if c.State() != Active {
		return ErrStopped
	}

	c.mu.Lock()
	if _, dup := c.servers[d.Name]; dup {
		c.mu.Unlock()
		return fmt.Errorf("server %s: already composed", d.Name)
	}
	srv := &server{desc: d, state: ServerPending}
	c.servers[d.Name] = srv
	c.order = append(c.order, d.Name)
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.base, cancel)
	defer stop()

	log := c.log.With("server", d.Name, "kind", d.Kind)
	disc, cleanupErr, err := c.discover(ctx, srv)
	if err != nil {
		derr := &DiscoveryError{Server: d.Name, Err: err}
		c.finish(srv, ServerFailed, derr, nil, nil)
		metrics.IncCompositionError(d.Name)
		log.Error("server discovery failed", "error", err)
		return derr
	}
	if err := c.merge(d.Name, srv, disc); err != nil {
		c.finish(srv, ServerFailed, err, nil, nil)
		metrics.IncCompositionError(d.Name)
		log.Error("server composition aborted", "error", err)
		return err
	}

	state := ServerComposed
	if cleanupErr != nil {
		state = ServerDegraded
		log.Warn("components registered but session cleanup failed", "error", cleanupErr)
	}
	c.finish(srv, state, nil, cleanupErr, &disc.Server)
	log.Info("server composed",
		"tools", len(disc.Tools), "prompts", len(disc.Prompts), "resources", len(disc.Resources))
	return nil
}

func (c *Composer) finish(srv *server, st ServerState, err, cleanupErr error, info *toolproxy.ServerInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	srv.state, srv.err, srv.cleanupErr = st, err, cleanupErr
	if info != nil {
		srv.info = *info
	}
	srv.composedAt = time.Now()
}

// markUnavailable fails a composed server whose session can no longer
// reconnect. Its components stay registered and fail fast until the
// server is restarted.
func (c *Composer) markUnavailable(srv *server, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if srv.state != ServerComposed && srv.state != ServerDegraded {
		return
	}
	srv.state, srv.err = ServerFailed, err
	metrics.IncCompositionError(srv.desc.Name)
}

// restoreAvailable puts a server failed by markUnavailable back into service.
func (c *Composer) restoreAvailable(srv *server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if srv.state == ServerFailed {
		srv.state, srv.err = ServerComposed, nil
	}
}

func (c *Composer) discover(ctx context.Context, srv *server) (disc *toolproxy.Discovery, cleanupErr error, err error) {
	d := srv.desc
	if d.Spawns() {
		p, err := c.spawn(d)
		c.mu.Lock()
		srv.proc = p
		c.mu.Unlock()
		if err != nil {
			return nil, nil, fmt.Errorf("start %s: %w", d.Name, err)
		}
	}

	if d.Kind == KindStdio {
		dctx, cancel := context.WithTimeout(ctx, c.opts.DiscoveryTimeout)
		defer cancel()
		disc, err = c.proxy.Discover(dctx, srv.proc)
		return disc, nil, err
	}

	if d.Spawns() && d.StartupDelay > 0 {
		c.log.Debug("waiting for server startup", "server", d.Name, "delay", d.StartupDelay)
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(d.StartupDelay):
		}
	}
	remote := newRemoteSession(d, c.opts.DiscoveryTimeout, c.log, func(err error) { c.markUnavailable(srv, err) })
	c.mu.Lock()
	srv.remote = remote
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.opts.DiscoveryTimeout)
	defer cancel()
	if d.Kind == KindSSE {
		return remote.DiscoverOnce(dctx)
	}
	disc, err = remote.Discover(dctx)
	return disc, nil, err
}

func (c *Composer) spawn(d Descriptor) (*process.Process, error) {
	spec := d.processSpec()
	spec.AutoStart = true
	if c.opts.Stderr != nil {
		spec.Stderr = c.opts.Stderr(d.Name)
	}
	return c.mgr.Add(spec)
}

// candidate is the name a component enters conflict resolution with.
func (c *Composer) candidate(server, name string) string {
	if c.opts.NamespaceComponents {
		return server + "_" + name
	}
	return name
}

func (c *Composer) merge(name string, srv *server, disc *toolproxy.Discovery) error {
	batches := []struct {
		cat  Category
		defs map[string]json.RawMessage
	}{
		{CategoryTools, disc.Tools},
		{CategoryPrompts, disc.Prompts},
		{CategoryResources, disc.Resources},
	}

	// error strategy: nothing from this server is registered on a conflict
	if c.opts.Strategy == StrategyError {
		for _, b := range batches {
			for _, orig := range sortedKeys(b.defs) {
				if _, err := resolve(c.regs[b.cat], StrategyError, name, orig, c.candidate(name, orig), nil); err != nil {
					return err
				}
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range batches {
		reg := c.regs[b.cat]
		claimed := make(map[string]bool, len(b.defs))
		for _, orig := range sortedKeys(b.defs) {
			res, err := resolve(reg, c.opts.Strategy, name, orig, c.candidate(name, orig), func(n string) bool { return claimed[n] })
			if err != nil {
				return err
			}
			if !res.keep {
				c.log.Debug("ignoring conflicting component", "category", b.cat, "name", orig, "server", name)
				continue
			}
			def := b.defs[orig]
			comp := Component{
				Name:         res.name,
				OriginalName: orig,
				Server:       name,
				URI:          uriOf(def),
				Definition:   renamed(def, res.name),
			}
			comp.Invoker = c.invoker(srv, b.cat, orig, comp.URI)
			if res.record != nil && res.record.Strategy == StrategyOverride {
				reg.Replace(comp)
			} else if err := reg.Register(comp); err != nil {
				return err
			}
			claimed[res.name] = true
			if res.record != nil {
				c.conflicts = append(c.conflicts, *res.record)
				metrics.IncConflict(string(b.cat), string(res.record.Strategy))
				c.log.Info("name conflict resolved", "category", b.cat, "name", orig,
					"resolved", res.name, "strategy", res.record.Strategy, "previous", res.record.PreviousSource)
			}
		}
		metrics.SetComponents(string(b.cat), reg.Len())
	}
	return nil
}

func (c *Composer) invoker(srv *server, cat Category, original, uri string) Invoker {
	if srv.desc.Kind == KindStdio {
		return NewStdioInvoker(c.proxy, srv.proc, cat, original, uri)
	}
	return NewRemoteInvoker(srv.remote, cat, original, uri)
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stop tears down every server once. Concurrent and repeated calls wait
// for the first teardown and return its result.
func (c *Composer) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.state.Store(int32(ShuttingDown))
		c.log.Info("composer shutting down")
		c.stopErr = c.teardown(ctx)
		c.state.Store(int32(Inactive))
		if c.coord != nil {
			c.coord.Deregister(c)
		}
		c.log.Info("composer stopped")
	})
	return c.stopErr
}

func (c *Composer) teardown(ctx context.Context) error {
	c.cancelBase()
	c.composeMu.Lock()
	defer c.composeMu.Unlock()

	timeout := c.opts.ShutdownTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left > 0 && left < timeout {
			timeout = left
		}
	}

	c.mu.RLock()
	servers := make([]*server, 0, len(c.servers))
	for _, name := range c.order {
		servers = append(servers, c.servers[name])
	}
	c.mu.RUnlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	collect := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	for _, srv := range servers {
		g.Go(func() error {
			name := srv.desc.Name
			if srv.remote != nil {
				if err := srv.remote.Close(); err != nil {
					collect(fmt.Errorf("disconnect %s: %w", name, err))
				}
			}
			if srv.proc == nil {
				return nil
			}
			c.proxy.Forget(srv.proc)
			if err := c.mgr.Stop(name, timeout); err != nil && !errors.Is(err, manager.ErrUnknownProcess) {
				collect(fmt.Errorf("stop %s: %w", name, err))
			}
			if err := c.mgr.Remove(name); err != nil && !errors.Is(err, manager.ErrUnknownProcess) {
				collect(fmt.Errorf("remove %s: %w", name, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	c.proxy.Close()
	if c.ownsMgr {
		if err := c.mgr.Shutdown(timeout); err != nil {
			collect(err)
		}
	}
	return errors.Join(errs...)
}
