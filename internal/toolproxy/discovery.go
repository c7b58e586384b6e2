package toolproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/datalayer/mcp-compose/internal/jsonrpc"
)

// ProtocolVersion is the MCP revision announced during initialize.
const ProtocolVersion = "2024-11-05"

// ClientName and ClientVersion identify the composer to downstream servers.
var (
	ClientName    = "mcp-compose"
	ClientVersion = "0.1.0"
)

// ServerInfo is what a downstream reported from initialize.
type ServerInfo struct {
	Name            string          `json:"name"`
	Version         string          `json:"version"`
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    map[string]any  `json:"-"`
	Raw             json.RawMessage `json:"-"`
}

// Discovery is everything a downstream exports, keyed by original name.
// Definitions are the raw JSON objects returned by the list calls.
type Discovery struct {
	Server    ServerInfo
	Tools     map[string]json.RawMessage
	Prompts   map[string]json.RawMessage
	Resources map[string]json.RawMessage
}

// Caller is the subset of *jsonrpc.Client used for discovery.
type Caller interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
}

// Initialize performs the initialize / notifications/initialized handshake.
func Initialize(ctx context.Context, c Caller, timeout time.Duration) (ServerInfo, error) {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": ClientName, "version": ClientVersion},
	}
	raw, err := c.Call(ctx, "initialize", params, timeout)
	if err != nil {
		return ServerInfo{}, fmt.Errorf("initialize: %w", err)
	}
	var res struct {
		ProtocolVersion string         `json:"protocolVersion"`
		Capabilities    map[string]any `json:"capabilities"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return ServerInfo{}, fmt.Errorf("initialize: decode result: %w", err)
	}
	if err := c.Notify(ctx, "notifications/initialized", nil); err != nil {
		return ServerInfo{}, fmt.Errorf("notifications/initialized: %w", err)
	}
	return ServerInfo{
		Name:            res.ServerInfo.Name,
		Version:         res.ServerInfo.Version,
		ProtocolVersion: res.ProtocolVersion,
		Capabilities:    res.Capabilities,
		Raw:             raw,
	}, nil
}

// Discover initializes c and enumerates tools, prompts and resources.
// Categories the server does not advertise, or answers with method not
// found, come back empty.
func Discover(ctx context.Context, c Caller, timeout time.Duration) (*Discovery, error) {
	info, err := Initialize(ctx, c, timeout)
	if err != nil {
		return nil, err
	}
	return List(ctx, c, info, timeout)
}

// List enumerates components on an already initialized session.
func List(ctx context.Context, c Caller, info ServerInfo, timeout time.Duration) (*Discovery, error) {
	d := &Discovery{Server: info}
	var err error
	if d.Tools, err = listAll(ctx, c, info, "tools", timeout); err != nil {
		return nil, err
	}
	if d.Prompts, err = listAll(ctx, c, info, "prompts", timeout); err != nil {
		return nil, err
	}
	if d.Resources, err = listAll(ctx, c, info, "resources", timeout); err != nil {
		return nil, err
	}
	return d, nil
}

func listAll(ctx context.Context, c Caller, info ServerInfo, category string, timeout time.Duration) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	if info.Capabilities != nil {
		if _, ok := info.Capabilities[category]; !ok {
			return out, nil
		}
	}
	method := category + "/list"
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		raw, err := c.Call(ctx, method, params, timeout)
		if jsonrpc.IsMethodNotFound(err) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		var page map[string]json.RawMessage
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("%s: decode result: %w", method, err)
		}
		var items []json.RawMessage
		if b, ok := page[category]; ok {
			if err := json.Unmarshal(b, &items); err != nil {
				return nil, fmt.Errorf("%s: decode %s: %w", method, category, err)
			}
		}
		for _, item := range items {
			name := itemName(item)
			if name == "" {
				continue
			}
			out[name] = item
		}
		var next string
		if b, ok := page["nextCursor"]; ok {
			_ = json.Unmarshal(b, &next)
		}
		if next == "" || next == cursor {
			return out, nil
		}
		cursor = next
	}
}

// itemName reads the name from a definition, falling back to uri for
// resources published without one.
func itemName(item json.RawMessage) string {
	var v struct {
		Name string `json:"name"`
		URI  string `json:"uri"`
	}
	if err := json.Unmarshal(item, &v); err != nil {
		return ""
	}
	if v.Name != "" {
		return v.Name
	}
	return v.URI
}
