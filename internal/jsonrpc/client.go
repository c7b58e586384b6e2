package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datalayer/mcp-compose/internal/metrics"
)

// Client issues requests over a Conn and matches responses by id. Responses
// may arrive in any order.
type Client struct {
	name   string
	conn   Conn
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *Message
	closed  bool
	err     error

	done     chan struct{}
	onNotify func(*Message)
	log      *slog.Logger
}

type Option func(*Client)

// WithNotificationHandler receives server notifications on the read goroutine.
func WithNotificationHandler(fn func(*Message)) Option {
	return func(c *Client) { c.onNotify = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// NewClient starts reading from conn. name labels metrics and logs.
func NewClient(name string, conn Conn, opts ...Option) *Client {
	c := &Client{
		name:    name,
		conn:    conn,
		pending: make(map[int64]chan *Message),
		done:    make(chan struct{}),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("server", name)
	go c.readLoop()
	return c
}

// Done is closed once the connection has failed or been closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the client stopped, or nil while it is running.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Call sends method with params and waits for the matching response. A
// timeout removes the pending entry but leaves the connection usable.
func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	start := time.Now()
	res, err := c.call(ctx, method, params, timeout)
	metrics.ObserveRPC(c.name, method, outcome(err), time.Since(start).Seconds())
	return res, err
}

func (c *Client) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	msg, err := NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}

	ch := make(chan *Message, 1)
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return nil, closedErr(err)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.conn.Write(ctx, msg); err != nil {
		c.forget(id)
		return nil, closedErr(err)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case resp := <-ch:
		return result(resp)
	case <-timer:
		c.forget(id)
		return nil, &TimeoutError{Method: method, After: timeout}
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.done:
		select {
		case resp := <-ch:
			return result(resp)
		default:
		}
		return nil, closedErr(c.Err())
	}
}

func result(resp *Message) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, &ProtocolError{Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
	}
	return resp.Result, nil
}

// Notify sends a notification; no response is expected.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, msg); err != nil {
		return closedErr(err)
	}
	return nil
}

// Pending returns the number of in-flight requests.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close closes the connection and fails every pending call.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.shutdown(ErrTransportClosed)
	return err
}

func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = cause
	c.pending = make(map[int64]chan *Message)
	c.mu.Unlock()
	close(c.done)
}

func (c *Client) readLoop() {
	for {
		msg, err := c.conn.Read(context.Background())
		if err != nil {
			c.log.Debug("connection closed", "error", err)
			c.shutdown(err)
			return
		}
		switch {
		case msg.IsResponse():
			c.deliver(msg)
		case msg.IsRequest():
			c.answer(msg)
		case msg.IsNotification():
			if c.onNotify != nil {
				c.onNotify(msg)
			}
		}
	}
}

func (c *Client) deliver(msg *Message) {
	id, ok := msg.IntID()
	if !ok {
		c.log.Debug("response with unknown id", "id", string(msg.ID))
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		// late response to a call that already timed out
		c.log.Debug("dropping unmatched response", "id", id)
		return
	}
	ch <- msg
}

// answer handles server-initiated requests. Only ping is supported.
func (c *Client) answer(msg *Message) {
	var resp *Message
	if msg.Method == "ping" {
		resp, _ = NewResult(msg.ID, struct{}{})
	} else {
		resp = NewErrorResponse(msg.ID, CodeMethodNotFound, "method not found: "+msg.Method)
	}
	if err := c.conn.Write(context.Background(), resp); err != nil {
		c.log.Debug("reply to server request failed", "method", msg.Method, "error", err)
	}
}

func outcome(err error) string {
	var pe *ProtocolError
	var te *TimeoutError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &pe):
		return "protocol_error"
	case errors.As(err, &te):
		return "timeout"
	case errors.Is(err, ErrTransportClosed):
		return "transport_closed"
	default:
		return "error"
	}
}
