package composer

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Category is one of the three component namespaces.
type Category string

const (
	CategoryTools     Category = "tools"
	CategoryPrompts   Category = "prompts"
	CategoryResources Category = "resources"
)

// Categories lists every category in composition order.
var Categories = []Category{CategoryTools, CategoryPrompts, CategoryResources}

func (c Category) singular() string {
	switch c {
	case CategoryTools:
		return "tool"
	case CategoryPrompts:
		return "prompt"
	case CategoryResources:
		return "resource"
	}
	return string(c)
}

// Component is a tool, prompt or resource exposed under its resolved name.
type Component struct {
	Name         string          `json:"name"`
	OriginalName string          `json:"original_name"`
	Server       string          `json:"server"`
	Category     Category        `json:"category"`
	URI          string          `json:"uri,omitempty"`
	Definition   json.RawMessage `json:"definition"`
	Invoker      Invoker         `json:"-"`
}

// InputSchema returns the tool's inputSchema, or nil.
func (c Component) InputSchema() json.RawMessage {
	var def struct {
		InputSchema json.RawMessage `json:"inputSchema"`
	}
	if err := json.Unmarshal(c.Definition, &def); err != nil {
		return nil
	}
	return def.InputSchema
}

// Description returns the definition's description, or "".
func (c Component) Description() string {
	var def struct {
		Description string `json:"description"`
	}
	_ = json.Unmarshal(c.Definition, &def)
	return def.Description
}

// NamespaceRegistry maps resolved names to components for one category.
// Names are unique; every entry knows its source server.
type NamespaceRegistry struct {
	category Category

	mu      sync.RWMutex
	entries map[string]Component
}

func NewNamespaceRegistry(category Category) *NamespaceRegistry {
	return &NamespaceRegistry{category: category, entries: make(map[string]Component)}
}

func (r *NamespaceRegistry) Category() Category { return r.category }

// Register adds c under c.Name. The name must be free.
func (r *NamespaceRegistry) Register(c Component) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.entries[c.Name]; ok {
		return fmt.Errorf("%s %q already registered by %s", r.category.singular(), c.Name, prev.Server)
	}
	c.Category = r.category
	r.entries[c.Name] = c
	return nil
}

// Replace stores c under c.Name and returns the entry it displaced.
func (r *NamespaceRegistry) Replace(c Component) (Component, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.entries[c.Name]
	c.Category = r.category
	r.entries[c.Name] = c
	return prev, ok
}

func (r *NamespaceRegistry) Lookup(name string) (Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.entries[name]
	return c, ok
}

func (r *NamespaceRegistry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Source returns the server that owns name.
func (r *NamespaceRegistry) Source(name string) (string, bool) {
	c, ok := r.Lookup(name)
	return c.Server, ok
}

func (r *NamespaceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// All returns every component ordered by resolved name.
func (r *NamespaceRegistry) All() []Component {
	r.mu.RLock()
	out := make([]Component, 0, len(r.entries))
	for _, c := range r.entries {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Sources maps each resolved name to its server.
func (r *NamespaceRegistry) Sources() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.entries))
	for name, c := range r.entries {
		out[name] = c.Server
	}
	return out
}

// CountBy returns how many entries server owns.
func (r *NamespaceRegistry) CountBy(server string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.entries {
		if c.Server == server {
			n++
		}
	}
	return n
}

// renamed returns def with its "name" set to name. Definitions without a
// name field, or that are not objects, are returned unchanged.
func renamed(def json.RawMessage, name string) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(def, &obj); err != nil {
		return def
	}
	if _, ok := obj["name"]; !ok {
		return def
	}
	obj["name"], _ = json.Marshal(name)
	out, err := json.Marshal(obj)
	if err != nil {
		return def
	}
	return out
}

func uriOf(def json.RawMessage) string {
	var v struct {
		URI string `json:"uri"`
	}
	_ = json.Unmarshal(def, &v)
	return v.URI
}
