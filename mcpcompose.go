// Package mcpcompose composes several MCP servers into one namespace and
// serves it. It is the embedding entry point; cmd/mcp-compose is a thin
// CLI over it.
package mcpcompose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/datalayer/mcp-compose/internal/composer"
	cfg "github.com/datalayer/mcp-compose/internal/config"
	"github.com/datalayer/mcp-compose/internal/gateway"
	"github.com/datalayer/mcp-compose/internal/history"
	"github.com/datalayer/mcp-compose/internal/history/factory"
	"github.com/datalayer/mcp-compose/internal/logger"
	"github.com/datalayer/mcp-compose/internal/manager"
	"github.com/datalayer/mcp-compose/internal/metrics"
	iapi "github.com/datalayer/mcp-compose/internal/server"
	"github.com/datalayer/mcp-compose/internal/shutdown"
)

// Re-export core types for external consumers.

type Composer = composer.Composer

type Options = composer.Options

type Descriptor = composer.Descriptor

type Config = cfg.Config

type ServerStatus = composer.ServerStatus

type Summary = composer.Summary

type Coordinator = shutdown.Coordinator

type HistorySink = history.Sink

// New builds a composer from explicit options.
func New(opts Options) (*Composer, error) { return composer.New(opts) }

func NewCoordinator(timeout time.Duration, log *slog.Logger) *Coordinator {
	return shutdown.New(shutdown.WithTimeout(timeout), shutdown.WithLogger(log))
}

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// NewAdminServer starts the administration API for c on addr.
func NewAdminServer(addr, basePath string, c *Composer) (*http.Server, error) {
	return iapi.NewServer(addr, iapi.NewRouter(c, basePath).WithMetrics(metrics.Handler()))
}

// App is a composer wired from a config file together with its logging,
// history, metrics, admin API and gateway.
type App struct {
	Config      *Config
	Log         *slog.Logger
	Manager     *manager.Manager
	Coordinator *Coordinator
	Composer    *Composer

	sinks []history.Sink

	mu      sync.Mutex
	closers []io.Closer
	servers []*http.Server
}

// NewApp builds everything c describes without starting any server.
func NewApp(c *Config) (*App, error) {
	log, logCloser, err := logger.New(c.Log)
	if err != nil {
		return nil, err
	}
	a := &App{Config: c, Log: log, closers: []io.Closer{logCloser}}

	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	env, err := c.GlobalEnv()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Manager = manager.NewManager()
	a.Manager.SetLogger(log)
	a.Manager.SetGlobalEnv(env)
	if c.History.Enabled {
		sinks, err := factory.NewSinks(c.History.Sinks())
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("history: %w", err)
		}
		a.sinks = sinks
		a.Manager.SetHistorySinks(sinks...)
	}

	strategy, err := composer.ParseStrategy(c.Composer.ConflictResolution)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Coordinator = NewCoordinator(c.Composer.ShutdownTimeout+shutdown.DefaultTimeout, log)
	a.Composer, err = composer.New(composer.Options{
		Name:                c.Composer.Name,
		Strategy:            strategy,
		NamespaceComponents: c.Composer.NamespaceComponents,
		IncludeServers:      c.Composer.IncludeServers,
		ExcludeServers:      c.Composer.ExcludeServers,
		Servers:             c.Descriptors(),
		DiscoveryTimeout:    c.Composer.DiscoveryTimeout,
		CallTimeout:         c.Composer.CallTimeout,
		ShutdownTimeout:     c.Composer.ShutdownTimeout,
		Manager:             a.Manager,
		Coordinator:         a.Coordinator,
		Logger:              log,
		Stderr:              a.stderrWriter,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) stderrWriter(name string) io.Writer {
	w := a.Config.Log.StderrWriter(name)
	if w == nil {
		return nil
	}
	a.mu.Lock()
	a.closers = append(a.closers, w)
	a.mu.Unlock()
	return w
}

// Start composes every configured server and brings up the admin API and
// metrics listener when enabled. Per-server discovery failures are logged
// and leave the rest of the namespace usable; a conflict under the error
// strategy is returned.
func (a *App) Start(ctx context.Context) error {
	if err := a.Composer.Start(ctx); err != nil {
		var ce *composer.CompositionError
		if !errors.As(err, &ce) {
			return err
		}
		for _, e := range ce.Errors {
			a.Log.Warn("server not composed", "error", e)
		}
	}
	sum := a.Composer.Summary()
	a.Log.Info("composition ready", "name", sum.ComposedServerName, "tools", sum.TotalTools,
		"prompts", sum.TotalPrompts, "resources", sum.TotalResources, "servers", len(sum.SourceServers),
		"failed", len(sum.FailedServers), "conflicts", sum.ConflictsResolved)

	if a.Config.API.Enabled {
		r := iapi.NewRouter(a.Composer, a.Config.API.BasePath).WithLogger(a.Log)
		if a.Config.Metrics.Enabled {
			r = r.WithMetrics(metrics.Handler())
		}
		srv, err := iapi.NewServer(a.Config.API.Listen, r)
		if err != nil {
			return fmt.Errorf("admin api: %w", err)
		}
		a.track(srv)
		a.Log.Info("admin api listening", "addr", srv.Addr, "base_path", a.Config.API.BasePath)
	}
	if a.Config.Metrics.Enabled && a.Config.Metrics.Listen != "" {
		srv, err := serveMetrics(a.Config.Metrics.Listen, a.Log)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		a.track(srv)
	}
	return nil
}

func (a *App) track(srv *http.Server) {
	a.mu.Lock()
	a.servers = append(a.servers, srv)
	a.mu.Unlock()
}

// Run starts the app and blocks until ctx ends, a termination signal
// arrives, or the stdio gateway client disconnects. It always stops the
// composer before returning.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background())
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	gwErr := make(chan error, 1)
	if a.Config.Gateway.Enabled {
		gw, err := gateway.New(a.Composer, gateway.Options{
			Path:        a.Config.Gateway.Path,
			CORSOrigins: a.Config.Gateway.CORSOrigins,
			Logger:      a.Log,
		})
		if err != nil {
			_ = a.Stop(context.Background())
			return err
		}
		go func() {
			if a.Config.Gateway.Transport == "stdio" {
				gwErr <- gw.ServeStdio(runCtx)
				return
			}
			gwErr <- gw.ListenAndServe(runCtx, a.Config.Gateway.Listen)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case sig := <-a.Coordinator.Signals():
		a.Log.Info("terminating", "signal", sig.String())
		a.Coordinator.Wait()
	case err := <-gwErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("gateway: %w", err)
		}
	}
	cancel()
	return errors.Join(runErr, a.Stop(context.Background()))
}

// Stop tears down the composer and every listener, then releases log files
// and history sinks.
func (a *App) Stop(ctx context.Context) error {
	err := a.Composer.Stop(ctx)
	a.mu.Lock()
	servers := a.servers
	a.servers = nil
	a.mu.Unlock()
	for _, srv := range servers {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
	return errors.Join(err, a.Close())
}

// Close releases log files and history sinks. It does not stop the composer.
func (a *App) Close() error {
	factory.CloseAll(a.sinks)
	a.sinks = nil
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		errs = append(errs, closers[i].Close())
	}
	return errors.Join(errs...)
}

// serveMetrics exposes /metrics from the default registry on addr.
func serveMetrics(addr string, log *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "error", err)
		}
	}()
	log.Info("metrics listening", "addr", srv.Addr)
	return srv, nil
}
