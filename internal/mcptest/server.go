// Package mcptest provides a small in-process MCP tool server used by tests
// to exercise stdio, HTTP-stream and SSE downstreams.
package mcptest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/datalayer/mcp-compose/internal/jsonrpc"
)

// EnvMode selects the behavior of a re-executed test binary: when set to
// "stdio" the binary serves MCP on stdin/stdout instead of running tests.
const EnvMode = "MCP_COMPOSE_FAKE_SERVER"

// Server answers MCP requests with a fixed catalog.
type Server struct {
	Name      string
	Tools     []string // subset of: add, echo, sleep, die
	Prompts   []string
	Resources []string
}

// Default returns a server exposing every built-in tool plus one prompt and
// one resource.
func Default(name string) *Server {
	return &Server{
		Name:      name,
		Tools:     []string{"add", "echo", "sleep", "die"},
		Prompts:   []string{"greet"},
		Resources: []string{"readme"},
	}
}

// FromEnv builds a server from MCP_FAKE_NAME and a comma separated
// MCP_FAKE_TOOLS. Missing values fall back to Default.
func FromEnv() *Server {
	name := os.Getenv("MCP_FAKE_NAME")
	if name == "" {
		name = "fake"
	}
	s := Default(name)
	if tools := os.Getenv("MCP_FAKE_TOOLS"); tools != "" {
		s.Tools = strings.Split(tools, ",")
	}
	if os.Getenv("MCP_FAKE_NO_PROMPTS") == "1" {
		s.Prompts = nil
		s.Resources = nil
	}
	return s
}

// MaybeServeStdio serves on stdin/stdout and exits when the process was
// started with EnvMode=stdio. Call it first thing in TestMain.
func MaybeServeStdio() {
	if os.Getenv(EnvMode) != "stdio" {
		return
	}
	_ = FromEnv().Serve(os.Stdin, os.Stdout)
	os.Exit(0)
}

// Serve handles newline-delimited JSON-RPC until r is exhausted.
func (s *Server) Serve(r io.Reader, w io.Writer) error {
	conn := jsonrpc.NewStreamConn(r, w, nil)
	ctx := context.Background()
	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if !msg.IsRequest() {
			continue
		}
		go func() {
			if resp := s.Handle(msg); resp != nil {
				_ = conn.Write(ctx, resp)
			}
		}()
	}
}

// Handle answers a single request. Notifications yield nil.
func (s *Server) Handle(msg *jsonrpc.Message) *jsonrpc.Message {
	if !msg.IsRequest() {
		return nil
	}
	result, rpcErr := s.dispatch(msg)
	if rpcErr != nil {
		return &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID, Error: rpcErr}
	}
	resp, err := jsonrpc.NewResult(msg.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodeInternalError, err.Error())
	}
	return resp
}

func (s *Server) dispatch(msg *jsonrpc.Message) (any, *jsonrpc.ErrorObject) {
	switch msg.Method {
	case "initialize":
		caps := map[string]any{"tools": map[string]any{}}
		if len(s.Prompts) > 0 {
			caps["prompts"] = map[string]any{}
		}
		if len(s.Resources) > 0 {
			caps["resources"] = map[string]any{}
		}
		return map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    caps,
			"serverInfo":      map[string]any{"name": s.Name, "version": "0.0.1"},
		}, nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		tools := make([]map[string]any, 0, len(s.Tools))
		for _, t := range s.Tools {
			tools = append(tools, toolDef(t))
		}
		return map[string]any{"tools": tools}, nil
	case "prompts/list":
		if len(s.Prompts) == 0 {
			return nil, &jsonrpc.ErrorObject{Code: jsonrpc.CodeMethodNotFound, Message: "Method not found"}
		}
		prompts := make([]map[string]any, 0, len(s.Prompts))
		for _, p := range s.Prompts {
			prompts = append(prompts, map[string]any{"name": p, "description": "prompt " + p,
				"arguments": []map[string]any{{"name": "who", "required": false}}})
		}
		return map[string]any{"prompts": prompts}, nil
	case "resources/list":
		if len(s.Resources) == 0 {
			return nil, &jsonrpc.ErrorObject{Code: jsonrpc.CodeMethodNotFound, Message: "Method not found"}
		}
		res := make([]map[string]any, 0, len(s.Resources))
		for _, r := range s.Resources {
			res = append(res, map[string]any{"name": r, "uri": "mem://" + s.Name + "/" + r, "mimeType": "text/plain"})
		}
		return map[string]any{"resources": res}, nil
	case "tools/call":
		return s.callTool(msg.Params)
	case "prompts/get":
		var p struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		who := p.Arguments["who"]
		if who == "" {
			who = "world"
		}
		return map[string]any{"messages": []map[string]any{{
			"role": "user", "content": map[string]any{"type": "text", "text": "hello " + who + " from " + s.Name},
		}}}, nil
	case "resources/read":
		var p struct {
			URI string `json:"uri"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		return map[string]any{"contents": []map[string]any{{"uri": p.URI, "mimeType": "text/plain", "text": "contents of " + p.URI}}}, nil
	}
	return nil, &jsonrpc.ErrorObject{Code: jsonrpc.CodeMethodNotFound, Message: "Method not found: " + msg.Method}
}

func toolDef(name string) map[string]any {
	schema := map[string]any{"type": "object", "properties": map[string]any{}}
	switch name {
	case "add":
		schema["properties"] = map[string]any{"a": map[string]any{"type": "number"}, "b": map[string]any{"type": "number"}}
		schema["required"] = []string{"a", "b"}
	case "echo":
		schema["properties"] = map[string]any{
			"text":  map[string]any{"type": "string"},
			"items": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		}
	case "sleep":
		schema["properties"] = map[string]any{"ms": map[string]any{"type": "integer"}}
	}
	return map[string]any{"name": name, "description": "test tool " + name, "inputSchema": schema}
}

func textResult(text string) map[string]any {
	return map[string]any{"content": []map[string]any{{"type": "text", "text": text}}}
}

func (s *Server) callTool(params json.RawMessage) (any, *jsonrpc.ErrorObject) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &jsonrpc.ErrorObject{Code: jsonrpc.CodeInvalidParams, Message: err.Error()}
	}
	known := false
	for _, t := range s.Tools {
		known = known || t == p.Name
	}
	if !known {
		return nil, &jsonrpc.ErrorObject{Code: jsonrpc.CodeInvalidParams, Message: "unknown tool: " + p.Name}
	}
	switch p.Name {
	case "add":
		var args struct {
			A *float64 `json:"a"`
			B *float64 `json:"b"`
		}
		if err := json.Unmarshal(p.Arguments, &args); err != nil || args.A == nil || args.B == nil {
			return nil, &jsonrpc.ErrorObject{Code: jsonrpc.CodeInvalidParams, Message: "add requires numeric a and b"}
		}
		return textResult(fmt.Sprint(*args.A + *args.B)), nil
	case "echo":
		if len(p.Arguments) == 0 {
			return textResult("{}"), nil
		}
		return textResult(string(p.Arguments)), nil
	case "sleep":
		var args struct {
			MS int `json:"ms"`
		}
		_ = json.Unmarshal(p.Arguments, &args)
		time.Sleep(time.Duration(args.MS) * time.Millisecond)
		return textResult("slept"), nil
	case "die":
		os.Exit(3)
	}
	return nil, &jsonrpc.ErrorObject{Code: jsonrpc.CodeInternalError, Message: "unhandled tool"}
}
