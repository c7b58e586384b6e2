package composer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/datalayer/mcp-compose/internal/process"
	"github.com/datalayer/mcp-compose/internal/toolproxy"
)

// Invoker forwards a call on a composed component to its source server
// using the component's original name.
type Invoker interface {
	Invoke(ctx context.Context, args json.RawMessage, timeout time.Duration) (json.RawMessage, error)
	Server() string
}

// target is the downstream request an invocation turns into.
type target struct {
	category Category
	name     string
	uri      string
}

func (t target) method() string {
	switch t.category {
	case CategoryPrompts:
		return "prompts/get"
	case CategoryResources:
		return "resources/read"
	}
	return "tools/call"
}

func (t target) params(args json.RawMessage) any {
	if t.category == CategoryResources {
		uri := t.uri
		if uri == "" {
			uri = t.name
		}
		return map[string]any{"uri": uri}
	}
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	return map[string]any{"name": t.name, "arguments": args}
}

// StdioInvoker reaches a spawned server through the shared ToolProxy.
type StdioInvoker struct {
	Proxy   *toolproxy.ToolProxy
	Process *process.Process
	target
}

func NewStdioInvoker(tp *toolproxy.ToolProxy, p *process.Process, category Category, original, uri string) *StdioInvoker {
	return &StdioInvoker{Proxy: tp, Process: p, target: target{category: category, name: original, uri: uri}}
}

func (s *StdioInvoker) Server() string { return s.Process.Name() }

func (s *StdioInvoker) Invoke(ctx context.Context, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return s.Proxy.Call(ctx, s.Process, s.method(), s.params(args), timeout)
}

// RemoteInvoker reaches an SSE or HTTP-stream server through its session.
type RemoteInvoker struct {
	Session *RemoteSession
	target
}

func NewRemoteInvoker(s *RemoteSession, category Category, original, uri string) *RemoteInvoker {
	return &RemoteInvoker{Session: s, target: target{category: category, name: original, uri: uri}}
}

func (r *RemoteInvoker) Server() string { return r.Session.Name() }

func (r *RemoteInvoker) Invoke(ctx context.Context, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return r.Session.Call(ctx, r.method(), r.params(args), timeout)
}
