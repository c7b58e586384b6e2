package manager

import (
	"fmt"
	"io"
	"time"

	"github.com/datalayer/mcp-compose/internal/metrics"
	"github.com/datalayer/mcp-compose/internal/process"
)

// RestartPolicy decides whether an unexpected exit triggers a new start.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// ParseRestartPolicy maps a config string to a policy; empty means never.
func ParseRestartPolicy(s string) (RestartPolicy, error) {
	switch RestartPolicy(s) {
	case "", RestartNever:
		return RestartNever, nil
	case RestartOnFailure, RestartAlways:
		return RestartPolicy(s), nil
	}
	return "", fmt.Errorf("unknown restart policy %q", s)
}

func (p RestartPolicy) restartOn(exitErr error) bool {
	switch p {
	case RestartAlways:
		return true
	case RestartOnFailure:
		return exitErr != nil
	default:
		return false
	}
}

// Spec is a managed downstream server process.
type Spec struct {
	Name          string            `json:"name"`
	Command       []string          `json:"command"`
	Env           map[string]string `json:"env,omitempty"` // overlay on top of the global env
	WorkDir       string            `json:"work_dir,omitempty"`
	AutoStart     bool              `json:"auto_start"`
	RestartPolicy RestartPolicy     `json:"restart_policy"`
	MaxRestarts   int               `json:"max_restarts"` // 0 means unlimited
	RestartDelay  time.Duration     `json:"restart_delay"`
	Stderr        io.Writer         `json:"-"`
}

// Info reports a managed process for administrative queries.
type Info struct {
	process.Info
	RestartPolicy RestartPolicy  `json:"restart_policy"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Usage         *metrics.Usage `json:"usage,omitempty"`
}
