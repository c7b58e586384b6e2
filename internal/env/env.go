package env

import (
	"os"
	"sort"
	"strings"
)

// Env is the environment handed to spawned downstream servers: the composer's
// own environment, then global overrides from the config file, then the
// per-server table. Values may reference other variables as ${NAME}.
type Env struct {
	global map[string]string
	base   map[string]string // nil until first use; snapshot of os.Environ
}

func New() *Env {
	return &Env{global: make(map[string]string)}
}

// Set adds a global override.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.global[k] = v
}

// SetPairs adds global overrides from "KEY=VALUE" entries; malformed entries
// are skipped.
func (e *Env) SetPairs(kvs []string) {
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok {
			e.Set(k, v)
		}
	}
}

// Merge returns the final "KEY=VALUE" list for a server with the given
// overlay, sorted by key.
func (e *Env) Merge(overlay map[string]string) []string {
	if e.base == nil {
		e.base = fromOS()
	}
	m := make(map[string]string, len(e.base)+len(e.global)+len(overlay))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.global {
		m[k] = v
	}
	for k, v := range overlay {
		if k != "" {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func fromOS() map[string]string {
	m := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m
}

// expand replaces ${NAME} references once; unknown names expand to "".
func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(name string) string { return m[name] })
}
