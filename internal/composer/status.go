package composer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/datalayer/mcp-compose/internal/manager"
	"github.com/datalayer/mcp-compose/internal/process"
)

// ServerState is a server's composition outcome.
type ServerState string

const (
	ServerPending  ServerState = "pending"
	ServerComposed ServerState = "composed"
	// ServerDegraded means components were registered but tearing down
	// the discovery session failed.
	ServerDegraded ServerState = "degraded"
	ServerFailed   ServerState = "failed"
)

type ServerStatus struct {
	Name          string      `json:"name"`
	Kind          Kind        `json:"kind"`
	URL           string      `json:"url,omitempty"`
	State         ServerState `json:"state"`
	Error         string      `json:"error,omitempty"`
	CleanupError  string      `json:"cleanup_error,omitempty"`
	RemoteName    string      `json:"remote_name,omitempty"`
	RemoteVersion string      `json:"remote_version,omitempty"`
	Managed       bool        `json:"managed"`
	Tools         int         `json:"tools"`
	Prompts       int         `json:"prompts"`
	Resources     int         `json:"resources"`
	ComposedAt    time.Time   `json:"composed_at"`

	Err        error `json:"-"`
	CleanupErr error `json:"-"`
}

func (c *Composer) statusLocked(srv *server) ServerStatus {
	name := srv.desc.Name
	st := ServerStatus{
		Name:          name,
		Kind:          srv.desc.Kind,
		URL:           srv.desc.URL(),
		State:         srv.state,
		RemoteName:    srv.info.Name,
		RemoteVersion: srv.info.Version,
		Managed:       srv.proc != nil,
		Tools:         c.regs[CategoryTools].CountBy(name),
		Prompts:       c.regs[CategoryPrompts].CountBy(name),
		Resources:     c.regs[CategoryResources].CountBy(name),
		ComposedAt:    srv.composedAt,
		Err:           srv.err,
		CleanupErr:    srv.cleanupErr,
	}
	if srv.err != nil {
		st.Error = srv.err.Error()
	}
	if srv.cleanupErr != nil {
		st.CleanupError = srv.cleanupErr.Error()
	}
	return st
}

// ListServers reports every server in composition order.
func (c *Composer) ListServers() []ServerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ServerStatus, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.statusLocked(c.servers[name]))
	}
	return out
}

func (c *Composer) ServerStatus(name string) (ServerStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	srv, ok := c.servers[name]
	if !ok {
		return ServerStatus{}, fmt.Errorf("%s: %w", name, ErrUnknownServer)
	}
	return c.statusLocked(srv), nil
}

func (c *Composer) server(name string) (*server, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	srv, ok := c.servers[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownServer)
	}
	return srv, nil
}

// GetProcessInfo returns the process behind a spawned server.
func (c *Composer) GetProcessInfo(name string) (manager.Info, error) {
	srv, err := c.server(name)
	if err != nil {
		return manager.Info{}, err
	}
	if srv.proc == nil {
		return manager.Info{}, fmt.Errorf("server %s has no managed process", name)
	}
	return c.mgr.Info(name)
}

// ServersInfo returns process info for every spawned server.
func (c *Composer) ServersInfo() map[string]manager.Info {
	c.mu.RLock()
	names := make([]string, 0, len(c.order))
	for _, name := range c.order {
		if c.servers[name].proc != nil {
			names = append(names, name)
		}
	}
	c.mu.RUnlock()

	out := make(map[string]manager.Info, len(names))
	for _, name := range names {
		if info, err := c.mgr.Info(name); err == nil {
			out[name] = info
		}
	}
	return out
}

// StartServer starts a stopped server. Networked servers without a
// process are redialed on their next call, including servers that had
// used up their reconnect budget.
func (c *Composer) StartServer(ctx context.Context, name string) error {
	if c.State() != Active {
		return ErrStopped
	}
	srv, err := c.server(name)
	if err != nil {
		return err
	}
	if srv.proc != nil {
		if err := c.mgr.Start(name); err != nil && !errors.Is(err, process.ErrAlreadyRunning) {
			return err
		}
	}
	if srv.remote != nil && srv.remote.Reset() {
		c.restoreAvailable(srv)
	}
	c.log.Info("server started", "server", name)
	return nil
}

func (c *Composer) StopServer(ctx context.Context, name string) error {
	if c.State() != Active {
		return ErrStopped
	}
	srv, err := c.server(name)
	if err != nil {
		return err
	}
	var errs []error
	if srv.remote != nil {
		errs = append(errs, srv.remote.Close())
	}
	if srv.proc != nil {
		c.proxy.Forget(srv.proc)
		errs = append(errs, c.mgr.Stop(name, c.opts.ShutdownTimeout))
	}
	c.log.Info("server stopped", "server", name)
	return errors.Join(errs...)
}

// RestartServer restarts a spawned server and drops any remote session so
// the next call performs a fresh handshake.
func (c *Composer) RestartServer(ctx context.Context, name string) error {
	if c.State() != Active {
		return ErrStopped
	}
	srv, err := c.server(name)
	if err != nil {
		return err
	}
	if srv.remote != nil && srv.remote.Reset() {
		c.restoreAvailable(srv)
	}
	if srv.proc != nil {
		if err := c.mgr.Restart(name); err != nil {
			return err
		}
	}
	c.log.Info("server restarted", "server", name)
	return nil
}

// Invoke forwards a call on the named component. Tool arguments are
// coerced against the tool's input schema first.
func (c *Composer) Invoke(ctx context.Context, cat Category, name string, args json.RawMessage) (json.RawMessage, error) {
	if c.State() != Active {
		return nil, ErrStopped
	}
	reg, ok := c.regs[cat]
	if !ok {
		return nil, fmt.Errorf("unknown category %q", cat)
	}
	comp, ok := reg.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%s %q: %w", cat.singular(), name, ErrUnknownComponent)
	}
	if cat == CategoryTools {
		coerced, err := CoerceArguments(comp.InputSchema(), args)
		if err != nil {
			return nil, &CallError{Kind: KindInvalid, Category: cat, Name: name, Server: comp.Server, Err: err}
		}
		args = coerced
	}
	res, err := comp.Invoker.Invoke(ctx, args, c.opts.CallTimeout)
	if err != nil {
		cerr := &CallError{Kind: classify(err), Category: cat, Name: name, Server: comp.Server, Err: err}
		c.log.Warn("invocation failed", "category", cat, "name", name, "server", comp.Server, "kind", cerr.Kind, "error", err)
		return nil, cerr
	}
	return res, nil
}

func (c *Composer) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	return c.Invoke(ctx, CategoryTools, name, args)
}

func (c *Composer) RenderPrompt(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	return c.Invoke(ctx, CategoryPrompts, name, args)
}

func (c *Composer) ReadResource(ctx context.Context, name string) (json.RawMessage, error) {
	return c.Invoke(ctx, CategoryResources, name, nil)
}

func (c *Composer) ListTools() []Component     { return c.regs[CategoryTools].All() }
func (c *Composer) ListPrompts() []Component   { return c.regs[CategoryPrompts].All() }
func (c *Composer) ListResources() []Component { return c.regs[CategoryResources].All() }

func (c *Composer) GetTool(name string) (Component, bool) { return c.regs[CategoryTools].Lookup(name) }
func (c *Composer) GetPrompt(name string) (Component, bool) {
	return c.regs[CategoryPrompts].Lookup(name)
}
func (c *Composer) GetResource(name string) (Component, bool) {
	return c.regs[CategoryResources].Lookup(name)
}

func (c *Composer) ToolSource(name string) (string, bool) { return c.regs[CategoryTools].Source(name) }
func (c *Composer) PromptSource(name string) (string, bool) {
	return c.regs[CategoryPrompts].Source(name)
}
func (c *Composer) ResourceSource(name string) (string, bool) {
	return c.regs[CategoryResources].Source(name)
}

// Conflicts returns a copy of the conflict log.
func (c *Composer) Conflicts() []ConflictRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ConflictRecord(nil), c.conflicts...)
}

// Composition is a read-only view of the unified namespace.
type Composition struct {
	Tools     map[string]Component `json:"tools"`
	Prompts   map[string]Component `json:"prompts"`
	Resources map[string]Component `json:"resources"`
	Conflicts []ConflictRecord     `json:"conflicts"`
}

func (c *Composer) GetComposition() Composition {
	byName := func(cat Category) map[string]Component {
		all := c.regs[cat].All()
		m := make(map[string]Component, len(all))
		for _, comp := range all {
			m[comp.Name] = comp
		}
		return m
	}
	return Composition{
		Tools:     byName(CategoryTools),
		Prompts:   byName(CategoryPrompts),
		Resources: byName(CategoryResources),
		Conflicts: c.Conflicts(),
	}
}

// Summary is the user-facing report of a composition.
type Summary struct {
	ComposedServerName         string                         `json:"composed_server_name"`
	ConflictResolutionStrategy Strategy                       `json:"conflict_resolution_strategy"`
	State                      string                         `json:"state"`
	TotalTools                 int                            `json:"total_tools"`
	TotalPrompts               int                            `json:"total_prompts"`
	TotalResources             int                            `json:"total_resources"`
	SourceServers              []string                       `json:"source_servers"`
	FailedServers              []string                       `json:"failed_servers,omitempty"`
	ConflictsResolved          int                            `json:"conflicts_resolved"`
	ConflictDetails            []ConflictRecord               `json:"conflict_details"`
	ComponentSources           map[Category]map[string]string `json:"component_sources"`
	Servers                    []ServerStatus                 `json:"servers"`
}

func (c *Composer) Summary() Summary {
	servers := c.ListServers()
	s := Summary{
		ComposedServerName:         c.opts.Name,
		ConflictResolutionStrategy: c.opts.Strategy,
		State:                      c.State().String(),
		TotalTools:                 c.regs[CategoryTools].Len(),
		TotalPrompts:               c.regs[CategoryPrompts].Len(),
		TotalResources:             c.regs[CategoryResources].Len(),
		SourceServers:              []string{},
		ConflictDetails:            c.Conflicts(),
		ComponentSources:           make(map[Category]map[string]string, len(Categories)),
		Servers:                    servers,
	}
	for _, st := range servers {
		switch st.State {
		case ServerComposed, ServerDegraded:
			s.SourceServers = append(s.SourceServers, st.Name)
		case ServerFailed:
			s.FailedServers = append(s.FailedServers, st.Name)
		}
	}
	s.ConflictsResolved = len(s.ConflictDetails)
	for _, cat := range Categories {
		s.ComponentSources[cat] = c.regs[cat].Sources()
	}
	return s
}
