// Package config loads the mcp-compose TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/datalayer/mcp-compose/internal/composer"
	"github.com/datalayer/mcp-compose/internal/logger"
	"github.com/datalayer/mcp-compose/internal/manager"
	"github.com/datalayer/mcp-compose/internal/transport"
)

// Config is the top-level TOML structure.
type Config struct {
	Composer ComposerConfig `mapstructure:"composer"`
	Env      []string       `mapstructure:"env"`
	EnvFiles []string       `mapstructure:"env_files"`
	Servers  ServersConfig  `mapstructure:"servers"`
	Log      logger.Config  `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	History  HistoryConfig  `mapstructure:"history"`
	API      APIConfig      `mapstructure:"api"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
}

type ComposerConfig struct {
	Name                string        `mapstructure:"name"`
	ConflictResolution  string        `mapstructure:"conflict_resolution"`
	LogLevel            string        `mapstructure:"log_level"`
	NamespaceComponents bool          `mapstructure:"namespace_components"`
	IncludeServers      []string      `mapstructure:"include_servers"`
	ExcludeServers      []string      `mapstructure:"exclude_servers"`
	DiscoveryTimeout    time.Duration `mapstructure:"discovery_timeout"`
	CallTimeout         time.Duration `mapstructure:"call_timeout"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
}

type ServersConfig struct {
	Proxied ProxiedConfig `mapstructure:"proxied"`
}

type ProxiedConfig struct {
	Stdio []StdioServer `mapstructure:"stdio"`
	SSE   []SSEServer   `mapstructure:"sse"`
	HTTP  []HTTPServer  `mapstructure:"http"`
}

// StdioServer is spawned and spoken to over its stdin/stdout.
type StdioServer struct {
	Name          string            `mapstructure:"name"`
	Command       []string          `mapstructure:"command"`
	Env           map[string]string `mapstructure:"env"`
	WorkingDir    string            `mapstructure:"working_dir"`
	RestartPolicy string            `mapstructure:"restart_policy"`
	MaxRestarts   int               `mapstructure:"max_restarts"`
	RestartDelay  time.Duration     `mapstructure:"restart_delay"`
}

// SSEServer is reached over the SSE dialect, optionally after spawning it.
type SSEServer struct {
	Name         string            `mapstructure:"name"`
	URL          string            `mapstructure:"url"`
	Command      []string          `mapstructure:"command"`
	Env          map[string]string `mapstructure:"env"`
	WorkingDir   string            `mapstructure:"working_dir"`
	StartupDelay time.Duration     `mapstructure:"startup_delay"`
	Timeout      time.Duration     `mapstructure:"timeout"`
	AuthToken    string            `mapstructure:"auth_token"`
	AuthType     string            `mapstructure:"auth_type"`
}

// HTTPServer is reached over a newline-delimited HTTP stream.
type HTTPServer struct {
	Name                 string            `mapstructure:"name"`
	URL                  string            `mapstructure:"url"`
	Protocol             string            `mapstructure:"protocol"`
	AuthToken            string            `mapstructure:"auth_token"`
	AuthType             string            `mapstructure:"auth_type"`
	Timeout              time.Duration     `mapstructure:"timeout"`
	RetryInterval        time.Duration     `mapstructure:"retry_interval"`
	KeepAlive            *bool             `mapstructure:"keep_alive"`
	ReconnectOnFailure   *bool             `mapstructure:"reconnect_on_failure"`
	MaxReconnectAttempts int               `mapstructure:"max_reconnect_attempts"`
	PollInterval         time.Duration     `mapstructure:"poll_interval"`
	Command              []string          `mapstructure:"command"`
	Env                  map[string]string `mapstructure:"env"`
	WorkingDir           string            `mapstructure:"working_dir"`
	StartupDelay         time.Duration     `mapstructure:"startup_delay"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"` // empty serves /metrics on the admin API only
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSN     string   `mapstructure:"dsn"`
	DSNs    []string `mapstructure:"dsns"`
}

// Sinks returns every configured DSN.
func (h HistoryConfig) Sinks() []string {
	var out []string
	if h.DSN != "" {
		out = append(out, h.DSN)
	}
	return append(out, h.DSNs...)
}

type APIConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type GatewayConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Transport   string   `mapstructure:"transport"` // stdio|http
	Listen      string   `mapstructure:"listen"`
	Path        string   `mapstructure:"path"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("composer.name", "composed-mcp-server")
	v.SetDefault("composer.conflict_resolution", "prefix")
	v.SetDefault("composer.log_level", "info")
	v.SetDefault("composer.namespace_components", true)
	v.SetDefault("composer.discovery_timeout", composer.DefaultDiscoveryTimeout)
	v.SetDefault("composer.call_timeout", composer.DefaultCallTimeout)
	v.SetDefault("composer.shutdown_timeout", composer.DefaultShutdownTimeout)
	v.SetDefault("log.format", "text")
	v.SetDefault("api.listen", "127.0.0.1:9456")
	v.SetDefault("api.base_path", "/api")
	v.SetDefault("gateway.transport", "http")
	v.SetDefault("gateway.listen", "127.0.0.1:8080")
	v.SetDefault("gateway.path", "/mcp")
}

// Load reads and validates the TOML file at path. Settings may be
// overridden from the environment as MCP_COMPOSE_<SECTION>_<KEY>.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("MCP_COMPOSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if c.Log.Level == "" {
		c.Log.Level = c.Composer.LogLevel
	}
	if err := c.restoreEnvCase(path); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks every setting and names the offending field.
func (c *Config) Validate() error {
	var errs []error
	if _, err := composer.ParseStrategy(c.Composer.ConflictResolution); err != nil {
		errs = append(errs, fmt.Errorf("composer.conflict_resolution: %w", err))
	}
	for _, f := range []struct {
		field string
		d     time.Duration
	}{
		{"composer.discovery_timeout", c.Composer.DiscoveryTimeout},
		{"composer.call_timeout", c.Composer.CallTimeout},
		{"composer.shutdown_timeout", c.Composer.ShutdownTimeout},
	} {
		if f.d < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", f.field))
		}
	}

	names := make(map[string]string)
	claim := func(kind, name string, i int) {
		field := fmt.Sprintf("servers.proxied.%s[%d].name", kind, i)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s: required", field))
			return
		}
		if !composer.ValidName(name) {
			errs = append(errs, fmt.Errorf("%s: %q: %w", field, name, composer.ErrInvalidName))
			return
		}
		if prev, ok := names[name]; ok {
			errs = append(errs, fmt.Errorf("%s: %q already used by %s", field, name, prev))
			return
		}
		names[name] = field
	}
	for i, s := range c.Servers.Proxied.Stdio {
		claim("stdio", s.Name, i)
		if len(s.Command) == 0 {
			errs = append(errs, fmt.Errorf("servers.proxied.stdio[%d].command: required", i))
		}
		if _, err := manager.ParseRestartPolicy(s.RestartPolicy); err != nil {
			errs = append(errs, fmt.Errorf("servers.proxied.stdio[%d].restart_policy: %w", i, err))
		}
		if s.MaxRestarts < 0 {
			errs = append(errs, fmt.Errorf("servers.proxied.stdio[%d].max_restarts: must not be negative", i))
		}
	}
	for i, s := range c.Servers.Proxied.SSE {
		claim("sse", s.Name, i)
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("servers.proxied.sse[%d].url: required", i))
		}
		if err := checkAuthType(s.AuthType); err != nil {
			errs = append(errs, fmt.Errorf("servers.proxied.sse[%d].auth_type: %w", i, err))
		}
	}
	for i, s := range c.Servers.Proxied.HTTP {
		claim("http", s.Name, i)
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("servers.proxied.http[%d].url: required", i))
		}
		if _, err := transport.ParseProtocol(s.Protocol); err != nil {
			errs = append(errs, fmt.Errorf("servers.proxied.http[%d].protocol: %w", i, err))
		}
		if err := checkAuthType(s.AuthType); err != nil {
			errs = append(errs, fmt.Errorf("servers.proxied.http[%d].auth_type: %w", i, err))
		}
		if s.MaxReconnectAttempts < 0 {
			errs = append(errs, fmt.Errorf("servers.proxied.http[%d].max_reconnect_attempts: must not be negative", i))
		}
	}

	if c.History.Enabled && len(c.History.Sinks()) == 0 {
		errs = append(errs, errors.New("history.dsn: required when history is enabled"))
	}
	switch c.Gateway.Transport {
	case "", "stdio", "http":
	default:
		errs = append(errs, fmt.Errorf("gateway.transport: unknown transport %q", c.Gateway.Transport))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// restoreEnvCase re-reads the per-server env tables, whose keys viper
// lowercases.
func (c *Config) restoreEnvCase(path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	type envOnly struct {
		Env map[string]string `toml:"env"`
	}
	var raw struct {
		Servers struct {
			Proxied struct {
				Stdio []envOnly `toml:"stdio"`
				SSE   []envOnly `toml:"sse"`
				HTTP  []envOnly `toml:"http"`
			} `toml:"proxied"`
		} `toml:"servers"`
	}
	if err := toml.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	p := raw.Servers.Proxied
	for i := range c.Servers.Proxied.Stdio {
		if i < len(p.Stdio) {
			c.Servers.Proxied.Stdio[i].Env = p.Stdio[i].Env
		}
	}
	for i := range c.Servers.Proxied.SSE {
		if i < len(p.SSE) {
			c.Servers.Proxied.SSE[i].Env = p.SSE[i].Env
		}
	}
	for i := range c.Servers.Proxied.HTTP {
		if i < len(p.HTTP) {
			c.Servers.Proxied.HTTP[i].Env = p.HTTP[i].Env
		}
	}
	return nil
}

func checkAuthType(s string) error {
	switch transport.AuthType(strings.ToLower(s)) {
	case "", transport.AuthBearer, transport.AuthBasic:
		return nil
	}
	return fmt.Errorf("unknown auth type %q", s)
}

func authOf(token, typ string) transport.Auth {
	return transport.Auth{Token: token, Type: transport.AuthType(strings.ToLower(typ))}
}

// Descriptors converts the server tables into composer descriptors in
// stdio, sse, http order.
func (c *Config) Descriptors() []composer.Descriptor {
	var out []composer.Descriptor
	for _, s := range c.Servers.Proxied.Stdio {
		policy, _ := manager.ParseRestartPolicy(s.RestartPolicy)
		out = append(out, composer.Descriptor{
			Name:          s.Name,
			Kind:          composer.KindStdio,
			Command:       commandOf(s.Command),
			Env:           s.Env,
			WorkDir:       s.WorkingDir,
			RestartPolicy: policy,
			MaxRestarts:   s.MaxRestarts,
			RestartDelay:  s.RestartDelay,
		})
	}
	for _, s := range c.Servers.Proxied.SSE {
		out = append(out, composer.Descriptor{
			Name:         s.Name,
			Kind:         composer.KindSSE,
			Command:      commandOf(s.Command),
			Env:          s.Env,
			WorkDir:      s.WorkingDir,
			StartupDelay: s.StartupDelay,
			SSE: transport.SSEConfig{
				URL:     s.URL,
				Auth:    authOf(s.AuthToken, s.AuthType),
				Timeout: s.Timeout,
			},
		})
	}
	for _, s := range c.Servers.Proxied.HTTP {
		protocol, _ := transport.ParseProtocol(s.Protocol)
		out = append(out, composer.Descriptor{
			Name:         s.Name,
			Kind:         composer.KindHTTP,
			Command:      commandOf(s.Command),
			Env:          s.Env,
			WorkDir:      s.WorkingDir,
			StartupDelay: s.StartupDelay,
			HTTP: transport.StreamConfig{
				URL:                  s.URL,
				Protocol:             protocol,
				Auth:                 authOf(s.AuthToken, s.AuthType),
				Timeout:              s.Timeout,
				RetryInterval:        s.RetryInterval,
				KeepAlive:            boolOr(s.KeepAlive, true),
				ReconnectOnFailure:   boolOr(s.ReconnectOnFailure, true),
				MaxReconnectAttempts: s.MaxReconnectAttempts,
				PollInterval:         s.PollInterval,
			},
		})
	}
	return out
}

// commandOf splits a command given as a single string on whitespace.
func commandOf(cmd []string) []string {
	if len(cmd) == 1 {
		return strings.Fields(cmd[0])
	}
	return cmd
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// GlobalEnv returns the environment overlay shared by every spawned server:
// env_files in order, then the env list, later entries winning.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	var keys []string
	set := func(k, v string) {
		if _, ok := m[k]; !ok {
			keys = append(keys, k)
		}
		m[k] = v
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env_files: %w", err)
		}
		for _, kv := range pairs {
			set(kv[0], kv[1])
		}
	}
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			set(k, v)
		}
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// LoadEnvFile parses a .env file into "KEY=VALUE" entries in file order.
func LoadEnvFile(path string) ([]string, error) {
	pairs, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		out = append(out, kv[0]+"="+kv[1])
	}
	return out, nil
}

// loadEnvFile reads KEY=VALUE lines. Blank lines and lines starting with #
// are skipped, as is a leading "export ".
func loadEnvFile(path string) ([][2]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.Trim(strings.TrimSpace(v), `"'`)
		if k != "" {
			out = append(out, [2]string{k, v})
		}
	}
	return out, nil
}
