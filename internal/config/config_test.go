package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalayer/mcp-compose/internal/composer"
	"github.com/datalayer/mcp-compose/internal/manager"
	"github.com/datalayer/mcp-compose/internal/transport"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "mcp_compose.toml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadFullConfig(t *testing.T) {
	p := writeConfig(t, `
env = ["SHARED=1"]

[composer]
name = "unified"
conflict_resolution = "suffix"
log_level = "debug"
namespace_components = false
include_servers = ["calc", "remote", "stream"]
discovery_timeout = "10s"
call_timeout = "20s"
shutdown_timeout = "3s"

[[servers.proxied.stdio]]
name = "calc"
command = ["python", "calc.py"]
env = { API_TOKEN = "x" }
restart_policy = "on-failure"
max_restarts = 3
restart_delay = "1s"

[[servers.proxied.sse]]
name = "remote"
url = "http://localhost:8081/sse"
command = ["python", "sse_server.py"]
startup_delay = "2s"
timeout = "15s"

[[servers.proxied.http]]
name = "stream"
url = "http://localhost:8082/stream"
protocol = "poll"
auth_token = "secret"
auth_type = "Basic"
keep_alive = false
max_reconnect_attempts = 4
poll_interval = "250ms"

[log]
format = "json"
dir = "/tmp/logs"

[history]
enabled = true
dsn = "sqlite:///tmp/history.db"

[gateway]
transport = "stdio"
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Composer.Name != "unified" || c.Composer.ConflictResolution != "suffix" {
		t.Fatalf("composer section: %+v", c.Composer)
	}
	if c.Composer.NamespaceComponents {
		t.Fatalf("namespace_components should be false")
	}
	if c.Composer.DiscoveryTimeout != 10*time.Second || c.Composer.ShutdownTimeout != 3*time.Second {
		t.Fatalf("durations: %+v", c.Composer)
	}
	if c.Log.Level != "debug" {
		t.Fatalf("log level should come from composer.log_level, got %q", c.Log.Level)
	}

	ds := c.Descriptors()
	require.Len(t, ds, 3)

	calc := ds[0]
	require.Equal(t, composer.KindStdio, calc.Kind)
	require.Equal(t, []string{"python", "calc.py"}, calc.Command)
	require.Equal(t, map[string]string{"API_TOKEN": "x"}, calc.Env)
	require.Equal(t, manager.RestartOnFailure, calc.RestartPolicy)
	require.Equal(t, 3, calc.MaxRestarts)
	require.Equal(t, time.Second, calc.RestartDelay)

	remote := ds[1]
	require.Equal(t, composer.KindSSE, remote.Kind)
	require.Equal(t, "http://localhost:8081/sse", remote.SSE.URL)
	require.Equal(t, 2*time.Second, remote.StartupDelay)
	require.Equal(t, 15*time.Second, remote.SSE.Timeout)
	require.True(t, remote.Spawns())

	stream := ds[2]
	require.Equal(t, composer.KindHTTP, stream.Kind)
	require.Equal(t, transport.ProtocolPoll, stream.HTTP.Protocol)
	require.Equal(t, transport.Auth{Token: "secret", Type: transport.AuthBasic}, stream.HTTP.Auth)
	require.False(t, stream.HTTP.KeepAlive)
	require.True(t, stream.HTTP.ReconnectOnFailure)
	require.Equal(t, 4, stream.HTTP.MaxReconnectAttempts)
	require.Equal(t, 250*time.Millisecond, stream.HTTP.PollInterval)
	require.False(t, stream.Spawns())

	require.Equal(t, []string{"sqlite:///tmp/history.db"}, c.History.Sinks())
	require.Equal(t, "stdio", c.Gateway.Transport)
	require.Equal(t, []string{"SHARED=1"}, c.Env)
}

func TestLoadDefaults(t *testing.T) {
	p := writeConfig(t, `
[[servers.proxied.stdio]]
name = "calc"
command = "python calc.py"
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Composer.Name != "composed-mcp-server" {
		t.Fatalf("default name: %q", c.Composer.Name)
	}
	if c.Composer.ConflictResolution != "prefix" || !c.Composer.NamespaceComponents {
		t.Fatalf("defaults: %+v", c.Composer)
	}
	if c.Composer.DiscoveryTimeout != composer.DefaultDiscoveryTimeout ||
		c.Composer.CallTimeout != composer.DefaultCallTimeout ||
		c.Composer.ShutdownTimeout != composer.DefaultShutdownTimeout {
		t.Fatalf("default timeouts: %+v", c.Composer)
	}
	if c.API.Listen == "" || c.API.BasePath != "/api" || c.Gateway.Path != "/mcp" {
		t.Fatalf("api/gateway defaults: %+v %+v", c.API, c.Gateway)
	}
	ds := c.Descriptors()
	if len(ds) != 1 || strings.Join(ds[0].Command, " ") != "python calc.py" || len(ds[0].Command) != 2 {
		t.Fatalf("command string should split into argv, got %#v", ds)
	}
	if ds[0].RestartPolicy != manager.RestartNever {
		t.Fatalf("default restart policy: %q", ds[0].RestartPolicy)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MCP_COMPOSE_COMPOSER_NAME", "from-env")
	p := writeConfig(t, `
[composer]
name = "from-file"
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Composer.Name != "from-env" {
		t.Fatalf("expected env override, got %q", c.Composer.Name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	p := writeConfig(t, "[composer\nname=")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidateNamesField(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		field string
	}{
		{"bad strategy", "[composer]\nconflict_resolution = \"merge\"\n", "composer.conflict_resolution"},
		{"negative timeout", "[composer]\ncall_timeout = \"-1s\"\n", "composer.call_timeout"},
		{"missing command", "[[servers.proxied.stdio]]\nname = \"a\"\n", "servers.proxied.stdio[0].command"},
		{"missing name", "[[servers.proxied.stdio]]\ncommand = [\"x\"]\n", "servers.proxied.stdio[0].name"},
		{"bad restart policy", "[[servers.proxied.stdio]]\nname = \"a\"\ncommand = [\"x\"]\nrestart_policy = \"sometimes\"\n", "servers.proxied.stdio[0].restart_policy"},
		{"duplicate name", "[[servers.proxied.stdio]]\nname = \"a\"\ncommand = [\"x\"]\n[[servers.proxied.sse]]\nname = \"a\"\nurl = \"http://h/sse\"\n", "servers.proxied.sse[0].name"},
		{"missing url", "[[servers.proxied.http]]\nname = \"h\"\n", "servers.proxied.http[0].url"},
		{"bad protocol", "[[servers.proxied.http]]\nname = \"h\"\nurl = \"http://h\"\nprotocol = \"grpc\"\n", "servers.proxied.http[0].protocol"},
		{"bad auth type", "[[servers.proxied.sse]]\nname = \"s\"\nurl = \"http://h\"\nauth_type = \"digest\"\n", "servers.proxied.sse[0].auth_type"},
		{"history without dsn", "[history]\nenabled = true\n", "history.dsn"},
		{"bad gateway transport", "[gateway]\ntransport = \"ws\"\n", "gateway.transport"},
		{"bad log format", "[log]\nformat = \"xml\"\n", "log.format"},
		{"path in name", "[[servers.proxied.stdio]]\nname = \"../../x\"\ncommand = [\"x\"]\n", "servers.proxied.stdio[0].name"},
		{"slash in name", "[[servers.proxied.http]]\nname = \"a/b\"\nurl = \"http://h\"\n", "servers.proxied.http[0].name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.field) {
				t.Fatalf("error %q does not name %s", err, tc.field)
			}
		})
	}
}

func TestValidateErrorOrderIsStable(t *testing.T) {
	c := &Config{}
	c.Composer.ConflictResolution = "prefix"
	c.Composer.DiscoveryTimeout = -time.Second
	c.Composer.CallTimeout = -time.Second
	c.Composer.ShutdownTimeout = -time.Second
	c.Log.Format = "text"
	c.Gateway.Transport = "http"

	want := c.Validate()
	require.Error(t, want)
	for range 20 {
		require.Equal(t, want.Error(), c.Validate().Error())
	}
	discovery := strings.Index(want.Error(), "composer.discovery_timeout")
	call := strings.Index(want.Error(), "composer.call_timeout")
	shutdown := strings.Index(want.Error(), "composer.shutdown_timeout")
	assert.True(t, discovery >= 0 && discovery < call && call < shutdown, want.Error())
}

func TestGlobalEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	body := "# comment\nexport A=from-file\nB=\"quoted\"\n\nnot-a-pair\n"
	if err := os.WriteFile(envFile, []byte(body), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	c := &Config{EnvFiles: []string{envFile}, Env: []string{"A=from-list", "C=3"}}
	got, err := c.GlobalEnv()
	if err != nil {
		t.Fatalf("global env: %v", err)
	}
	require.Equal(t, []string{"A=from-list", "B=quoted", "C=3"}, got)

	c.EnvFiles = []string{filepath.Join(dir, "missing.env")}
	if _, err := c.GlobalEnv(); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}

func TestLoadEnvFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "x.env")
	if err := os.WriteFile(p, []byte("X=1\nY = two\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := LoadEnvFile(p)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	require.Equal(t, []string{"X=1", "Y=two"}, got)
}
