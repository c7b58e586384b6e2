package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	mcpcompose "github.com/datalayer/mcp-compose"
)

// APIClient talks to the admin API of a running mcp-compose.
type APIClient struct {
	baseURL string
	client  *http.Client
}

func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:9456/api"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

func (c *APIClient) Summary() (mcpcompose.Summary, error) {
	var s mcpcompose.Summary
	err := c.do(http.MethodGet, "/summary", nil, &s)
	return s, err
}

func (c *APIClient) Server(name string) (mcpcompose.ServerStatus, error) {
	var st mcpcompose.ServerStatus
	err := c.do(http.MethodGet, "/servers/"+url.PathEscape(name), nil, &st)
	return st, err
}

func (c *APIClient) Restart(name string) error {
	return c.do(http.MethodPost, "/servers/"+url.PathEscape(name)+"/restart", nil, nil)
}

func (c *APIClient) CallTool(name string, args json.RawMessage) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(http.MethodPost, "/tools/"+url.PathEscape(name)+"/call", args, &out)
	return out, err
}

func (c *APIClient) do(method, path string, body []byte, out any) error {
	var rdr io.Reader
	if len(body) > 0 {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
			return fmt.Errorf("API error: %s", resp.Status)
		}
		return fmt.Errorf("API error: %s", errorResp.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
