package composer

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/datalayer/mcp-compose/internal/manager"
	"github.com/datalayer/mcp-compose/internal/transport"
)

// Kind is the transport a downstream server is reached through.
type Kind string

const (
	KindStdio Kind = "stdio"
	KindSSE   Kind = "sse"
	KindHTTP  Kind = "http"
)

// Descriptor describes one downstream server. Stdio servers are spawned
// from Command. SSE and HTTP servers are dialed at their URL and, when
// Command is set, spawned first and given StartupDelay to come up.
type Descriptor struct {
	Name string
	Kind Kind

	Command       []string
	Env           map[string]string
	WorkDir       string
	RestartPolicy manager.RestartPolicy
	MaxRestarts   int
	RestartDelay  time.Duration
	StartupDelay  time.Duration

	SSE  transport.SSEConfig
	HTTP transport.StreamConfig
}

// URL returns the remote endpoint for networked kinds.
func (d Descriptor) URL() string {
	switch d.Kind {
	case KindSSE:
		return d.SSE.URL
	case KindHTTP:
		return d.HTTP.URL
	}
	return ""
}

// Spawns reports whether the composer launches a process for d.
func (d Descriptor) Spawns() bool { return len(d.Command) > 0 }

func (d Descriptor) Validate() error {
	if d.Name == "" {
		return errors.New("server name is required")
	}
	if !ValidName(d.Name) {
		return fmt.Errorf("server %q: %w", d.Name, ErrInvalidName)
	}
	switch d.Kind {
	case KindStdio:
		if len(d.Command) == 0 {
			return fmt.Errorf("server %s: stdio server requires a command", d.Name)
		}
	case KindSSE, KindHTTP:
		if d.URL() == "" {
			return fmt.Errorf("server %s: %s server requires a url", d.Name, d.Kind)
		}
	default:
		return fmt.Errorf("server %s: unknown kind %q", d.Name, d.Kind)
	}
	return nil
}

// ErrInvalidName rejects names that are unsafe in URLs and file names.
var ErrInvalidName = errors.New(`name may only contain A-Z a-z 0-9 . _ - and must not contain ".."`)

// ValidName reports whether s is usable as a server or component name in
// admin routes and log file names.
func ValidName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func (d Descriptor) processSpec() manager.Spec {
	return manager.Spec{
		Name:          d.Name,
		Command:       d.Command,
		Env:           d.Env,
		WorkDir:       d.WorkDir,
		RestartPolicy: d.RestartPolicy,
		MaxRestarts:   d.MaxRestarts,
		RestartDelay:  d.RestartDelay,
	}
}

func (d Descriptor) dial(log *slog.Logger) transport.Transport {
	if d.Kind == KindSSE {
		return transport.NewSSETransport(d.Name, d.SSE, log)
	}
	return transport.NewStreamTransport(d.Name, d.HTTP, log)
}
