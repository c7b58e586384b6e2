package mcpcompose

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/datalayer/mcp-compose/internal/composer"
	"github.com/datalayer/mcp-compose/internal/mcptest"
)

func TestMain(m *testing.M) {
	mcptest.MaybeServeStdio()
	os.Exit(m.Run())
}

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	body := fmt.Sprintf(`
[composer]
name = "facade"
discovery_timeout = "10s"
call_timeout = "5s"

[[servers.proxied.stdio]]
name = "calc"
command = ['%s', "-test.run=^$"]
env = { %s = "stdio", MCP_FAKE_NAME = "calc", MCP_FAKE_TOOLS = "add,echo", MCP_FAKE_NO_PROMPTS = "1" }

[[servers.proxied.stdio]]
name = "text"
command = ['%s', "-test.run=^$"]
env = { %s = "stdio", MCP_FAKE_NAME = "text", MCP_FAKE_TOOLS = "echo", MCP_FAKE_NO_PROMPTS = "1" }

[log]
dir = '%s'
level = "debug"

[history]
enabled = true
dsn = 'sqlite://%s'
%s
`, os.Args[0], mcptest.EnvMode, os.Args[0], mcptest.EnvMode,
		filepath.Join(dir, "logs"), filepath.Join(dir, "history.db"), extra)
	p := filepath.Join(dir, "mcp_compose.toml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestAppFromConfig(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	c, err := LoadConfig(writeConfig(t, dir, ""))
	require.NoError(t, err)

	app, err := NewApp(c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Stop(context.Background()) })
	require.NoError(t, app.Start(context.Background()))

	sum := app.Composer.Summary()
	assert.Equal(t, "facade", sum.ComposedServerName)
	assert.ElementsMatch(t, []string{"calc", "text"}, sum.SourceServers)
	// components are namespaced by server by default
	src, ok := app.Composer.ToolSource("text_echo")
	require.True(t, ok)
	assert.Equal(t, "text", src)

	res, err := app.Composer.CallTool(context.Background(), "calc_add", json.RawMessage(`{"a":2,"b":"3"}`))
	require.NoError(t, err)
	assert.Contains(t, string(res), `"5"`)

	info := app.Composer.ServersInfo()
	require.Len(t, info, 2)
	assert.Greater(t, info["calc"].PID, 0)

	// history events reach the SQLite sink
	db, err := sql.Open("sqlite", filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	assert.Eventually(t, func() bool {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM server_history WHERE event = 'start'`).Scan(&n)
		return err == nil && n >= 2
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, app.Stop(context.Background()))
	assert.Equal(t, composer.Inactive, app.Composer.State())
	assert.Empty(t, app.Manager.ListAll())
	assert.False(t, app.Coordinator.Installed())
}

func TestAppRunStopsOnCancel(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	c, err := LoadConfig(writeConfig(t, dir, `
[api]
enabled = true
listen = "127.0.0.1:0"

[metrics]
enabled = true
`))
	require.NoError(t, err)
	app, err := NewApp(c)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		return app.Composer.Summary().TotalTools == 3
	}, 10*time.Second, 50*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
	assert.Equal(t, composer.Inactive, app.Composer.State())
	assert.Empty(t, app.Manager.ListAll())
}

func TestAppRejectsBadHistoryDSN(t *testing.T) {
	c := &Config{}
	c.Composer.ConflictResolution = "prefix"
	c.History.Enabled = true
	c.History.DSN = "mysql://nope"
	if _, err := NewApp(c); err == nil || !strings.Contains(err.Error(), "history") {
		t.Fatalf("expected history error, got %v", err)
	}
}

func TestNewFacade(t *testing.T) {
	c, err := New(Options{Name: "embedded"})
	require.NoError(t, err)
	defer func() { _ = c.Stop(context.Background()) }()
	assert.Equal(t, "embedded", c.Name())
	assert.Equal(t, composer.StrategyPrefix, c.Strategy())
}
