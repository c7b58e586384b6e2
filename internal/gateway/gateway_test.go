package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalayer/mcp-compose/internal/composer"
	"github.com/datalayer/mcp-compose/internal/mcptest"
	"github.com/datalayer/mcp-compose/internal/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newGateway(t *testing.T, opts Options) *Gateway {
	t.Helper()
	up := httptest.NewServer(mcptest.NewStreamHandler(mcptest.Default("remote"), mcptest.Inline))
	t.Cleanup(up.Close)

	c, err := composer.New(composer.Options{
		Name:                "unified",
		NamespaceComponents: true,
		CallTimeout:         2 * time.Second,
		Logger:              quietLogger(),
		Servers: []composer.Descriptor{
			{Name: "remote", Kind: composer.KindHTTP, HTTP: transport.StreamConfig{URL: up.URL, Timeout: 2 * time.Second}},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	require.NoError(t, c.Start(context.Background()))

	opts.Logger = quietLogger()
	g, err := New(c, opts)
	require.NoError(t, err)
	return g
}

func connectInMemory(t *testing.T, g *Gateway) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	ct, st := mcp.NewInMemoryTransports()
	ss, err := g.Server().Connect(ctx, st, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "gateway-test", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func textOf(t *testing.T, c mcp.Content) string {
	t.Helper()
	tc, ok := c.(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", c)
	}
	return tc.Text
}

func TestGatewayExportsComposedCatalog(t *testing.T) {
	g := newGateway(t, Options{})
	cs := connectInMemory(t, g)
	ctx := context.Background()

	tools, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
		assert.Equal(t, "remote", tool.Meta[metaKeyServer])
	}
	assert.ElementsMatch(t, []string{"remote_add", "remote_echo", "remote_sleep", "remote_die"}, names)

	prompts, err := cs.ListPrompts(ctx, nil)
	require.NoError(t, err)
	require.Len(t, prompts.Prompts, 1)
	assert.Equal(t, "remote_greet", prompts.Prompts[0].Name)

	res, err := cs.ListResources(ctx, nil)
	require.NoError(t, err)
	require.Len(t, res.Resources, 1)
	assert.Equal(t, "mem://remote/readme", res.Resources[0].URI)
	assert.Equal(t, "remote_readme", res.Resources[0].Name)
}

func TestGatewayForwardsCalls(t *testing.T) {
	g := newGateway(t, Options{})
	cs := connectInMemory(t, g)
	ctx := context.Background()

	out, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: "remote_add", Arguments: map[string]any{"a": "2", "b": 3}})
	require.NoError(t, err)
	require.False(t, out.IsError)
	require.NotEmpty(t, out.Content)
	assert.Equal(t, "5", textOf(t, out.Content[0]))

	out, err = cs.CallTool(ctx, &mcp.CallToolParams{Name: "remote_add", Arguments: map[string]any{"a": 1}})
	require.NoError(t, err)
	require.True(t, out.IsError)
	assert.Contains(t, textOf(t, out.Content[0]), "protocol error")

	prompt, err := cs.GetPrompt(ctx, &mcp.GetPromptParams{Name: "remote_greet", Arguments: map[string]string{"who": "ops"}})
	require.NoError(t, err)
	require.Len(t, prompt.Messages, 1)
	assert.Equal(t, "hello ops from remote", textOf(t, prompt.Messages[0].Content))

	read, err := cs.ReadResource(ctx, &mcp.ReadResourceParams{URI: "mem://remote/readme"})
	require.NoError(t, err)
	require.Len(t, read.Contents, 1)
	assert.Equal(t, "contents of mem://remote/readme", read.Contents[0].Text)
}

func TestGatewaySyncIsIdempotent(t *testing.T) {
	g := newGateway(t, Options{})
	require.NoError(t, g.Sync())
	require.NoError(t, g.Sync())
	cs := connectInMemory(t, g)
	tools, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, tools.Tools, 4)
}

func TestGatewayStreamableHTTP(t *testing.T) {
	g := newGateway(t, Options{Path: "/mcp", CORSOrigins: []string{"https://app.example"}})
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := mcp.NewClient(&mcp.Implementation{Name: "gateway-http-test", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: srv.URL + "/mcp", HTTPClient: srv.Client()}, nil)
	require.NoError(t, err)
	defer func() { _ = cs.Close() }()

	out, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: "remote_echo", Arguments: map[string]any{"text": "hi"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi"}`, textOf(t, out.Content[0]))

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, err = srv.Client().Get(srv.URL + "/other")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNewRequiresComposer(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Fatalf("expected error without composer")
	}
}
