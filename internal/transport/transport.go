// Package transport connects to networked MCP servers: newline-delimited
// HTTP streams (lines, chunked, poll) and the SSE dialect. Every transport
// satisfies jsonrpc.Conn so a jsonrpc.Client can run on top of it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/datalayer/mcp-compose/internal/jsonrpc"
)

var (
	ErrNotConnected       = errors.New("transport not connected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Transport is a connectable message channel to one remote server.
type Transport interface {
	jsonrpc.Conn
	Connect(ctx context.Context) error
}

type Protocol string

const (
	ProtocolLines   Protocol = "lines"
	ProtocolChunked Protocol = "chunked"
	ProtocolPoll    Protocol = "poll"
)

func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(s) {
	case "", ProtocolLines:
		return ProtocolLines, nil
	case ProtocolChunked, ProtocolPoll:
		return Protocol(s), nil
	}
	return "", fmt.Errorf("unknown stream protocol %q", s)
}

type AuthType string

const (
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
)

// Auth is an optional credential attached to every request.
type Auth struct {
	Token string
	Type  AuthType
}

func (a Auth) apply(h http.Header) {
	if a.Token == "" {
		return
	}
	if a.Type == AuthBasic {
		h.Set("Authorization", "Basic "+a.Token)
		return
	}
	h.Set("Authorization", "Bearer "+a.Token)
}

// mailbox queues inbound messages and records the terminal error.
type mailbox struct {
	ch   chan *jsonrpc.Message
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func newMailbox() *mailbox {
	return &mailbox{ch: make(chan *jsonrpc.Message, 256), done: make(chan struct{})}
}

func (m *mailbox) put(ctx context.Context, msg *jsonrpc.Message) bool {
	select {
	case m.ch <- msg:
		return true
	case <-ctx.Done():
		return false
	case <-m.done:
		return false
	}
}

func (m *mailbox) fail(err error) {
	m.once.Do(func() {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		close(m.done)
	})
}

func (m *mailbox) failure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// receive prefers queued messages over the terminal error so nothing that
// arrived before a failure is lost.
func (m *mailbox) receive(ctx context.Context) (*jsonrpc.Message, error) {
	select {
	case msg := <-m.ch:
		return msg, nil
	default:
	}
	select {
	case msg := <-m.ch:
		return msg, nil
	case <-m.done:
		select {
		case msg := <-m.ch:
			return msg, nil
		default:
		}
		return nil, m.failure()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
