// Package toolproxy speaks MCP JSON-RPC over a downstream process's stdio.
package toolproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/datalayer/mcp-compose/internal/jsonrpc"
	"github.com/datalayer/mcp-compose/internal/process"
)

// ToolProxy keeps one JSON-RPC session per process. A session is bound to
// the process generation it was opened on, so a restarted process gets a
// fresh session and a fresh handshake.
type ToolProxy struct {
	timeout time.Duration
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[*process.Process]*session
}

type session struct {
	client *jsonrpc.Client
	gen    uint64

	initOnce sync.Mutex
	info     *ServerInfo
}

// New returns a proxy whose discovery and handshake calls use timeout.
func New(timeout time.Duration, log *slog.Logger) *ToolProxy {
	if log == nil {
		log = slog.Default()
	}
	return &ToolProxy{timeout: timeout, log: log, sessions: make(map[*process.Process]*session)}
}

func (tp *ToolProxy) session(p *process.Process) (*session, error) {
	stdin, stdout, gen, err := p.Pipes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", jsonrpc.ErrTransportClosed, err)
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()
	if s, ok := tp.sessions[p]; ok {
		select {
		case <-s.client.Done():
		default:
			if s.gen == gen {
				return s, nil
			}
		}
		_ = s.client.Close()
	}
	conn := jsonrpc.NewStreamConn(stdout, stdin, nil)
	s := &session{client: jsonrpc.NewClient(p.Name(), conn, jsonrpc.WithLogger(tp.log)), gen: gen}
	tp.sessions[p] = s
	return s, nil
}

func (s *session) ensureInitialized(ctx context.Context, timeout time.Duration) (ServerInfo, error) {
	s.initOnce.Lock()
	defer s.initOnce.Unlock()
	if s.info != nil {
		return *s.info, nil
	}
	info, err := Initialize(ctx, s.client, timeout)
	if err != nil {
		return ServerInfo{}, err
	}
	s.info = &info
	return info, nil
}

// Discover runs the handshake and enumerates every component category.
func (tp *ToolProxy) Discover(ctx context.Context, p *process.Process) (*Discovery, error) {
	s, err := tp.session(p)
	if err != nil {
		return nil, err
	}
	info, err := s.ensureInitialized(ctx, tp.timeout)
	if err != nil {
		return nil, err
	}
	return List(ctx, s.client, info, tp.timeout)
}

// DiscoverTools returns the tool definitions exported by serverName.
func (tp *ToolProxy) DiscoverTools(ctx context.Context, serverName string, p *process.Process) (map[string]json.RawMessage, error) {
	d, err := tp.Discover(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", serverName, err)
	}
	return d.Tools, nil
}

// Call sends method with params and waits up to timeout. A process that
// dies mid-call fails with an error wrapping jsonrpc.ErrTransportClosed.
func (tp *ToolProxy) Call(ctx context.Context, p *process.Process, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	s, err := tp.session(p)
	if err != nil {
		return nil, err
	}
	if method != "initialize" {
		if _, err := s.ensureInitialized(ctx, tp.timeout); err != nil {
			return nil, err
		}
	}
	res, err := s.client.Call(ctx, method, params, timeout)
	if err != nil && errors.Is(err, jsonrpc.ErrTransportClosed) {
		tp.log.Warn("stdio transport closed", "server", p.Name(), "method", method)
	}
	return res, err
}

// CallTool forwards tools/call using the tool's original name.
func (tp *ToolProxy) CallTool(ctx context.Context, p *process.Process, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return tp.Call(ctx, p, "tools/call", map[string]any{"name": name, "arguments": args}, timeout)
}

// Forget closes and drops the session for p.
func (tp *ToolProxy) Forget(p *process.Process) {
	tp.mu.Lock()
	s, ok := tp.sessions[p]
	delete(tp.sessions, p)
	tp.mu.Unlock()
	if ok {
		_ = s.client.Close()
	}
}

// Close drops every session.
func (tp *ToolProxy) Close() {
	tp.mu.Lock()
	sessions := tp.sessions
	tp.sessions = make(map[*process.Process]*session)
	tp.mu.Unlock()
	for _, s := range sessions {
		_ = s.client.Close()
	}
}
