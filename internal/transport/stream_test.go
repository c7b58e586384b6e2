package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalayer/mcp-compose/internal/jsonrpc"
	"github.com/datalayer/mcp-compose/internal/mcptest"
)

func receiveWithin(t *testing.T, tr interface {
	Receive(context.Context) (*jsonrpc.Message, error)
}, d time.Duration) *jsonrpc.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	msg, err := tr.Receive(ctx)
	require.NoError(t, err)
	return msg
}

func TestLinesStreamDeliversInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusOK)
			return
		}
		f := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		// one line split across writes, then two lines in one write
		_, _ = fmt.Fprint(w, `{"jsonrpc":"2.0","method":"a"`)
		f.Flush()
		time.Sleep(20 * time.Millisecond)
		_, _ = fmt.Fprint(w, "}\n{\"jsonrpc\":\"2.0\",\"method\":\"b\"}\n{\"jsonrpc\":\"2.0\",\"method\":\"c\"}\n")
		f.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	tr := NewStreamTransport("lines", StreamConfig{URL: srv.URL, Protocol: ProtocolLines}, nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer func() { _ = tr.Disconnect() }()

	for _, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, receiveWithin(t, tr, 2*time.Second).Method)
	}
}

func TestChunkedStreamWithClient(t *testing.T) {
	h := mcptest.NewStreamHandler(mcptest.Default("remote"), mcptest.Stream)
	srv := httptest.NewServer(h)
	defer srv.Close()

	tr := NewStreamTransport("chunked", StreamConfig{URL: srv.URL, Protocol: ProtocolChunked}, nil)
	require.NoError(t, tr.Connect(context.Background()))
	c := jsonrpc.NewClient("chunked", tr)
	defer func() { _ = c.Close() }()

	// the GET stream must be subscribed before the first POST is answered
	require.Eventually(t, func() bool {
		_, err := c.Call(context.Background(), "ping", nil, 200*time.Millisecond)
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)

	raw, err := c.Call(context.Background(), "tools/call", map[string]any{"name": "add", "arguments": map[string]any{"a": 2, "b": 3}}, 2*time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"text":"5"`)
}

func TestSendQueuesInlineResponses(t *testing.T) {
	h := mcptest.NewStreamHandler(mcptest.Default("inline"), mcptest.Inline)
	h.Auth = "Bearer s3cret"
	srv := httptest.NewServer(h)
	defer srv.Close()

	tr := NewStreamTransport("inline", StreamConfig{
		URL:  srv.URL,
		Auth: Auth{Token: "s3cret", Type: AuthBearer},
	}, nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer func() { _ = tr.Disconnect() }()

	req, _ := jsonrpc.NewRequest(1, "tools/list", nil)
	require.NoError(t, tr.Send(context.Background(), req))
	msg := receiveWithin(t, tr, 2*time.Second)
	id, _ := msg.IntID()
	assert.Equal(t, int64(1), id)
	assert.Contains(t, string(msg.Result), "add")
}

func TestAuthHeaderRejected(t *testing.T) {
	h := mcptest.NewStreamHandler(mcptest.Default("inline"), mcptest.Inline)
	h.Auth = "Basic dXNlcjpwYXNz"
	srv := httptest.NewServer(h)
	defer srv.Close()

	tr := NewStreamTransport("auth", StreamConfig{URL: srv.URL, Auth: Auth{Token: "wrong", Type: AuthBasic}}, nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer func() { _ = tr.Disconnect() }()
	req, _ := jsonrpc.NewRequest(1, "ping", nil)
	err := tr.Send(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	ok := NewStreamTransport("auth-ok", StreamConfig{URL: srv.URL, Auth: Auth{Token: "dXNlcjpwYXNz", Type: AuthBasic}}, nil)
	require.NoError(t, ok.Connect(context.Background()))
	defer func() { _ = ok.Disconnect() }()
	require.NoError(t, ok.Send(context.Background(), req))
}

func TestPollProtocol(t *testing.T) {
	h := mcptest.NewStreamHandler(mcptest.Default("poller"), mcptest.Poll)
	srv := httptest.NewServer(h)
	defer srv.Close()

	tr := NewStreamTransport("poll", StreamConfig{URL: srv.URL, Protocol: ProtocolPoll, PollInterval: 20 * time.Millisecond}, nil)
	require.NoError(t, tr.Connect(context.Background()))
	c := jsonrpc.NewClient("poll", tr)
	defer func() { _ = c.Close() }()

	raw, err := c.Call(context.Background(), "tools/call", map[string]any{"name": "echo", "arguments": map[string]any{"text": "hi"}}, 2*time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "hi")
}

func TestPollAcceptsSingleObjectAndNDJSON(t *testing.T) {
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			return
		}
		switch n.Add(1) {
		case 1:
			_, _ = fmt.Fprint(w, `{"jsonrpc":"2.0","method":"one"}`)
		case 2:
			_, _ = fmt.Fprint(w, "{\"jsonrpc\":\"2.0\",\"method\":\"two\"}\n{\"jsonrpc\":\"2.0\",\"method\":\"three\"}\n")
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	tr := NewStreamTransport("poll", StreamConfig{URL: srv.URL, Protocol: ProtocolPoll, PollInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer func() { _ = tr.Disconnect() }()
	for _, want := range []string{"one", "two", "three"} {
		assert.Equal(t, want, receiveWithin(t, tr, 2*time.Second).Method)
	}
}

func TestReconnectAfterDroppedStream(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			return
		}
		if gets.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		_, _ = fmt.Fprint(w, `{"jsonrpc":"2.0","method":"hello"}`+"\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	tr := NewStreamTransport("flaky", StreamConfig{
		URL:                  srv.URL,
		ReconnectOnFailure:   true,
		MaxReconnectAttempts: 3,
		RetryInterval:        10 * time.Millisecond,
	}, nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer func() { _ = tr.Disconnect() }()
	assert.Equal(t, "hello", receiveWithin(t, tr, 2*time.Second).Method)
	assert.GreaterOrEqual(t, gets.Load(), int32(2))
}

func TestReconnectBudgetExhausted(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
			http.Error(w, "down", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	tr := NewStreamTransport("down", StreamConfig{
		URL:                  srv.URL,
		ReconnectOnFailure:   true,
		MaxReconnectAttempts: 2,
		RetryInterval:        10 * time.Millisecond,
	}, nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer func() { _ = tr.Disconnect() }()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := tr.Receive(ctx)
	require.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Equal(t, int32(3), gets.Load())
	assert.False(t, tr.Connected())

	req, _ := jsonrpc.NewRequest(1, "ping", nil)
	assert.ErrorIs(t, tr.Send(context.Background(), req), ErrNotConnected)
}

func TestNoReconnectFailsWithTransportClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK) // body ends immediately
		}
	}))
	defer srv.Close()

	tr := NewStreamTransport("once", StreamConfig{URL: srv.URL}, nil)
	require.NoError(t, tr.Connect(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := tr.Receive(ctx)
	assert.ErrorIs(t, err, jsonrpc.ErrTransportClosed)
}

func TestConnectProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	tr := NewStreamTransport("bad", StreamConfig{URL: srv.URL}, nil)
	assert.Error(t, tr.Connect(context.Background()))

	unreachable := NewStreamTransport("gone", StreamConfig{URL: "http://127.0.0.1:1", Timeout: 500 * time.Millisecond}, nil)
	assert.Error(t, unreachable.Connect(context.Background()))

	_, err := unreachable.Receive(context.Background())
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestParseProtocol(t *testing.T) {
	p, err := ParseProtocol("")
	require.NoError(t, err)
	assert.Equal(t, ProtocolLines, p)
	_, err = ParseProtocol("websocket")
	assert.Error(t, err)
	b, _ := json.Marshal(ProtocolChunked)
	assert.Equal(t, `"chunked"`, string(b))
}
