// Package gateway serves a Composer's unified namespace as a single MCP
// server, over stdio or streamable HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/datalayer/mcp-compose/internal/composer"
)

const (
	metaKeyServer       = "mcp-compose.server"
	metaKeyOriginalName = "mcp-compose.original_name"
)

// Options configure a Gateway.
type Options struct {
	// Version is reported in the initialize handshake. Defaults to "1.0.0".
	Version string
	// Path mounts the streamable handler. Defaults to "/mcp".
	Path string
	// CORSOrigins lists origins allowed to call the HTTP endpoint. Empty
	// disables CORS headers.
	CORSOrigins []string
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Version == "" {
		o.Version = "1.0.0"
	}
	if o.Path == "" {
		o.Path = "/mcp"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Gateway re-exports every composed tool, prompt and resource and forwards
// calls through the Composer.
type Gateway struct {
	comp *composer.Composer
	opts Options
	log  *slog.Logger

	server *mcp.Server

	mu        sync.Mutex
	tools     []string
	prompts   []string
	resources []string
}

func New(comp *composer.Composer, opts Options) (*Gateway, error) {
	if comp == nil {
		return nil, errors.New("gateway: composer is required")
	}
	opts = opts.withDefaults()
	g := &Gateway{comp: comp, opts: opts, log: opts.Logger}
	g.server = mcp.NewServer(&mcp.Implementation{Name: comp.Name(), Version: opts.Version}, &mcp.ServerOptions{
		HasTools:     true,
		HasPrompts:   true,
		HasResources: true,
	})
	if err := g.Sync(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gateway) Server() *mcp.Server { return g.server }

// Sync replaces the exported catalog with the composer's current one.
func (g *Gateway) Sync() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.tools) > 0 {
		g.server.RemoveTools(g.tools...)
	}
	if len(g.prompts) > 0 {
		g.server.RemovePrompts(g.prompts...)
	}
	if len(g.resources) > 0 {
		g.server.RemoveResources(g.resources...)
	}
	g.tools, g.prompts, g.resources = nil, nil, nil

	for _, comp := range g.comp.ListTools() {
		tool, err := toolOf(comp)
		if err != nil {
			return err
		}
		g.server.AddTool(tool, g.toolHandler(comp.Name))
		g.tools = append(g.tools, tool.Name)
	}
	for _, comp := range g.comp.ListPrompts() {
		var p mcp.Prompt
		if err := json.Unmarshal(comp.Definition, &p); err != nil {
			return fmt.Errorf("prompt %s: %w", comp.Name, err)
		}
		p.Name = comp.Name
		p.Meta = originMeta(p.Meta, comp)
		g.server.AddPrompt(&p, g.promptHandler(comp.Name))
		g.prompts = append(g.prompts, p.Name)
	}
	used := make(map[string]bool)
	for _, comp := range g.comp.ListResources() {
		var r mcp.Resource
		if err := json.Unmarshal(comp.Definition, &r); err != nil {
			return fmt.Errorf("resource %s: %w", comp.Name, err)
		}
		r.Name = comp.Name
		r.URI = resourceURI(comp, used)
		r.Meta = originMeta(r.Meta, comp)
		g.server.AddResource(&r, g.resourceHandler(comp.Name))
		g.resources = append(g.resources, r.URI)
	}
	g.log.Debug("gateway catalog synced", "tools", len(g.tools), "prompts", len(g.prompts), "resources", len(g.resources))
	return nil
}

func toolOf(comp composer.Component) (*mcp.Tool, error) {
	var t mcp.Tool
	if err := json.Unmarshal(comp.Definition, &t); err != nil {
		return nil, fmt.Errorf("tool %s: %w", comp.Name, err)
	}
	t.Name = comp.Name
	schema, _ := t.InputSchema.(map[string]any)
	if schema == nil {
		schema = map[string]any{}
	}
	if schema["type"] != "object" {
		schema["type"] = "object"
	}
	t.InputSchema = schema
	t.Meta = originMeta(t.Meta, comp)
	return &t, nil
}

func originMeta(base map[string]any, comp composer.Component) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any)
	}
	out[metaKeyServer] = comp.Server
	out[metaKeyOriginalName] = comp.OriginalName
	return out
}

// resourceURI keeps the downstream URI unless another server already
// exported it.
func resourceURI(comp composer.Component, used map[string]bool) string {
	uri := comp.URI
	if uri == "" || used[uri] {
		uri = "mcp-compose://" + comp.Server + "/" + comp.Name
	}
	used[uri] = true
	return uri
}

func (g *Gateway) toolHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args json.RawMessage
		if req.Params != nil {
			args = req.Params.Arguments
		}
		raw, err := g.comp.CallTool(ctx, name, args)
		if err != nil {
			var ce *composer.CallError
			if errors.As(err, &ce) {
				return &mcp.CallToolResult{
					IsError: true,
					Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
				}, nil
			}
			return nil, err
		}
		var res mcp.CallToolResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", name, err)
		}
		return &res, nil
	}
}

func (g *Gateway) promptHandler(name string) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		var args json.RawMessage
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			b, err := json.Marshal(req.Params.Arguments)
			if err != nil {
				return nil, err
			}
			args = b
		}
		raw, err := g.comp.RenderPrompt(ctx, name, args)
		if err != nil {
			return nil, err
		}
		var res mcp.GetPromptResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("decode prompt %s: %w", name, err)
		}
		return &res, nil
	}
}

func (g *Gateway) resourceHandler(name string) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		raw, err := g.comp.ReadResource(ctx, name)
		if err != nil {
			return nil, err
		}
		var res mcp.ReadResourceResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("decode resource %s: %w", name, err)
		}
		// contents keep the exported URI so clients can correlate them
		if req.Params != nil {
			for _, c := range res.Contents {
				if c != nil {
					c.URI = req.Params.URI
				}
			}
		}
		return &res, nil
	}
}

// Handler serves the streamable HTTP endpoint at Options.Path.
func (g *Gateway) Handler() http.Handler {
	var h http.Handler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, nil)
	if len(g.opts.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: g.opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{"Mcp-Session-Id"},
		}).Handler(h)
	}
	mux := http.NewServeMux()
	mux.Handle(g.opts.Path, h)
	return mux
}

// ServeStdio speaks MCP on the process's stdin/stdout until ctx ends or
// the client disconnects.
func (g *Gateway) ServeStdio(ctx context.Context) error {
	return g.server.Run(ctx, &mcp.StdioTransport{})
}

// ListenAndServe serves Handler on addr until ctx is cancelled.
func (g *Gateway) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: g.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	g.log.Info("gateway listening", "addr", addr, "path", g.opts.Path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
