// Package server exposes the composer's administration API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/datalayer/mcp-compose/internal/composer"
)

// Router provides embeddable HTTP handlers for inspecting and driving a
// Composer. Endpoints, relative to basePath:
//
//	GET  /health
//	GET  /servers                  GET /servers/:name   GET /servers/:name/process
//	POST /servers/:name/start      /stop                /restart
//	GET  /composition  /summary  /conflicts
//	GET  /tools  /prompts  /resources
//	POST /tools/:name/call         body: arguments object
//	POST /prompts/:name/render     body: arguments object
//	POST /resources/:name/read
//	GET  /metrics                  when a metrics handler is set
type Router struct {
	comp     *composer.Composer
	basePath string
	metrics  http.Handler
	log      *slog.Logger
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(comp *composer.Composer, basePath string) *Router {
	return &Router{comp: comp, basePath: sanitizeBase(basePath), log: slog.Default()}
}

// WithMetrics mounts h at {basePath}/metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

func (r *Router) WithLogger(l *slog.Logger) *Router {
	if l != nil {
		r.log = l
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog)
	group := g.Group(r.basePath)
	group.GET("/health", r.handleHealth)
	group.GET("/servers", r.handleServers)
	group.GET("/servers/:name", r.handleServer)
	group.GET("/servers/:name/process", r.handleProcess)
	group.POST("/servers/:name/start", r.lifecycle(r.comp.StartServer))
	group.POST("/servers/:name/stop", r.lifecycle(r.comp.StopServer))
	group.POST("/servers/:name/restart", r.lifecycle(r.comp.RestartServer))
	group.GET("/composition", r.handleComposition)
	group.GET("/summary", r.handleSummary)
	group.GET("/conflicts", r.handleConflicts)
	group.GET("/tools", r.list(r.comp.ListTools))
	group.GET("/prompts", r.list(r.comp.ListPrompts))
	group.GET("/resources", r.list(r.comp.ListResources))
	group.POST("/tools/:name/call", r.invoke(composer.CategoryTools))
	group.POST("/prompts/:name/render", r.invoke(composer.CategoryPrompts))
	group.POST("/resources/:name/read", r.invoke(composer.CategoryResources))
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// NewServer binds addr and serves the router on it in the background.
func NewServer(addr string, r *Router) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("admin server stopped", "addr", server.Addr, "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Code  int    `json:"code,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type componentResp struct {
	Name         string          `json:"name"`
	OriginalName string          `json:"original_name"`
	Server       string          `json:"server"`
	Description  string          `json:"description,omitempty"`
	URI          string          `json:"uri,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
}

func (r *Router) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	r.log.Debug("admin request", "method", c.Request.Method, "path", c.FullPath(),
		"status", c.Writer.Status(), "elapsed", time.Since(start))
}

func (r *Router) handleHealth(c *gin.Context) {
	code := http.StatusOK
	if r.comp.State() != composer.Active {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, gin.H{"name": r.comp.Name(), "state": r.comp.State().String()})
}

func (r *Router) handleServers(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.comp.ListServers())
}

// pathName reads and validates the :name parameter, writing a 400 on failure.
func pathName(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..'"})
		return "", false
	}
	return name, true
}

func (r *Router) handleServer(c *gin.Context) {
	name, ok := pathName(c)
	if !ok {
		return
	}
	st, err := r.comp.ServerStatus(name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleProcess(c *gin.Context) {
	name, ok := pathName(c)
	if !ok {
		return
	}
	info, err := r.comp.GetProcessInfo(name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, info)
}

func (r *Router) lifecycle(op func(context.Context, string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		name, ok := pathName(c)
		if !ok {
			return
		}
		if err := op(c.Request.Context(), name); err != nil {
			writeError(c, err)
			return
		}
		writeJSON(c, http.StatusOK, okResp{OK: true})
	}
}

func (r *Router) handleComposition(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.comp.GetComposition())
}

func (r *Router) handleSummary(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.comp.Summary())
}

func (r *Router) handleConflicts(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.comp.Conflicts())
}

func (r *Router) list(all func() []composer.Component) gin.HandlerFunc {
	return func(c *gin.Context) {
		comps := all()
		out := make([]componentResp, 0, len(comps))
		for _, comp := range comps {
			out = append(out, componentResp{
				Name:         comp.Name,
				OriginalName: comp.OriginalName,
				Server:       comp.Server,
				Description:  comp.Description(),
				URI:          comp.URI,
				InputSchema:  comp.InputSchema(),
			})
		}
		writeJSON(c, http.StatusOK, out)
	}
}

func (r *Router) invoke(cat composer.Category) gin.HandlerFunc {
	return func(c *gin.Context) {
		name, ok := pathName(c)
		if !ok {
			return
		}
		var args json.RawMessage
		if cat != composer.CategoryResources {
			b, err := io.ReadAll(c.Request.Body)
			if err != nil {
				writeJSON(c, http.StatusBadRequest, errorResp{Error: "read body: " + err.Error()})
				return
			}
			if len(b) > 0 && !json.Valid(b) {
				writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON body"})
				return
			}
			args = b
		}
		res, err := r.comp.Invoke(c.Request.Context(), cat, name, args)
		if err != nil {
			writeError(c, err)
			return
		}
		writeRaw(c, http.StatusOK, res)
	}
}

// writeError maps composer errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	var ce *composer.CallError
	switch {
	case errors.As(err, &ce):
		code := http.StatusBadGateway
		switch ce.Kind {
		case composer.KindInvalid:
			code = http.StatusBadRequest
		case composer.KindTimeout:
			code = http.StatusGatewayTimeout
		}
		writeJSON(c, code, errorResp{Error: err.Error(), Kind: string(ce.Kind), Code: ce.Code()})
	case errors.Is(err, composer.ErrUnknownServer), errors.Is(err, composer.ErrUnknownComponent):
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.Is(err, composer.ErrStopped):
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
	}
}
