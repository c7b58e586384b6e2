package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/datalayer/mcp-compose/internal/jsonrpc"
	"github.com/datalayer/mcp-compose/internal/metrics"
)

// StreamConfig configures an HTTP-stream transport.
type StreamConfig struct {
	URL                  string
	Protocol             Protocol
	Auth                 Auth
	Timeout              time.Duration // bound on probe, POST and poll requests
	RetryInterval        time.Duration
	KeepAlive            bool
	ReconnectOnFailure   bool
	MaxReconnectAttempts int
	PollInterval         time.Duration
	HTTPClient           *http.Client
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.Protocol == "" {
		c.Protocol = ProtocolLines
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	return c
}

// StreamTransport receives newline-delimited JSON from a long-lived GET (or
// periodic GETs in poll mode) and sends by POSTing JSON to the same URL.
type StreamTransport struct {
	name   string
	cfg    StreamConfig
	client *http.Client
	log    *slog.Logger

	mu     sync.Mutex
	box    *mailbox
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewStreamTransport(name string, cfg StreamConfig, log *slog.Logger) *StreamTransport {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.DisableKeepAlives = !cfg.KeepAlive
		client = &http.Client{Transport: tr}
	}
	return &StreamTransport{name: name, cfg: cfg, client: client, log: log.With("server", name, "protocol", cfg.Protocol)}
}

func (t *StreamTransport) newRequest(ctx context.Context, method string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.cfg.URL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	t.cfg.Auth.apply(req.Header)
	return req, nil
}

// Connect probes the endpoint and starts the inbound reader. A HEAD that
// the server does not implement is accepted; only transport failures and
// 5xx responses fail the probe.
func (t *StreamTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.box != nil {
		select {
		case <-t.box.done:
		default:
			return nil
		}
	}

	pctx, cancel := withTimeout(ctx, t.cfg.Timeout)
	defer cancel()
	req, err := t.newRequest(pctx, http.MethodHead, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect %s: %w", t.cfg.URL, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("connect %s: status %d", t.cfg.URL, resp.StatusCode)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	t.box = newMailbox()
	t.cancel = runCancel
	t.wg.Add(1)
	go t.run(runCtx, t.box)
	t.log.Info("stream connected", "url", t.cfg.URL)
	return nil
}

func (t *StreamTransport) current() (*mailbox, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.box == nil {
		return nil, ErrNotConnected
	}
	return t.box, nil
}

// Connected reports whether the reader is alive.
func (t *StreamTransport) Connected() bool {
	box, err := t.current()
	if err != nil {
		return false
	}
	select {
	case <-box.done:
		return false
	default:
		return true
	}
}

// Send POSTs msg. Any NDJSON the server writes back in the POST response is
// queued like streamed input.
func (t *StreamTransport) Send(ctx context.Context, msg *jsonrpc.Message) error {
	box, err := t.current()
	if err != nil {
		return err
	}
	select {
	case <-box.done:
		return fmt.Errorf("%w: %w", ErrNotConnected, box.failure())
	default:
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	sctx, cancel := withTimeout(ctx, t.cfg.Timeout)
	defer cancel()
	req, err := t.newRequest(sctx, http.MethodPost, bytes.NewReader(b))
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("post: read response: %w", err)
	}
	t.enqueueBody(ctx, box, body)
	return nil
}

// Receive blocks until a message is queued or the transport fails.
func (t *StreamTransport) Receive(ctx context.Context) (*jsonrpc.Message, error) {
	box, err := t.current()
	if err != nil {
		return nil, err
	}
	return box.receive(ctx)
}

// Disconnect stops the reader and waits for it to exit.
func (t *StreamTransport) Disconnect() error {
	t.mu.Lock()
	cancel, box := t.cancel, t.box
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	t.wg.Wait()
	box.fail(ErrNotConnected)
	t.log.Info("stream disconnected")
	return nil
}

func (t *StreamTransport) Write(ctx context.Context, msg *jsonrpc.Message) error { return t.Send(ctx, msg) }
func (t *StreamTransport) Read(ctx context.Context) (*jsonrpc.Message, error)   { return t.Receive(ctx) }
func (t *StreamTransport) Close() error                                          { return t.Disconnect() }

func (t *StreamTransport) run(ctx context.Context, box *mailbox) {
	defer t.wg.Done()
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(t.cfg.RetryInterval), uint64(t.cfg.MaxReconnectAttempts))
	opened := func() { b.Reset() }

	for {
		var err error
		if t.cfg.Protocol == ProtocolPoll {
			err = t.pollLoop(ctx, box, opened)
		} else {
			err = t.readStream(ctx, box, opened)
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		if !t.cfg.ReconnectOnFailure {
			box.fail(fmt.Errorf("%w: %v", jsonrpc.ErrTransportClosed, err))
			return
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			t.log.Error("giving up on stream", "attempts", t.cfg.MaxReconnectAttempts, "error", err)
			box.fail(fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, t.cfg.MaxReconnectAttempts, err))
			return
		}
		t.log.Warn("stream failed, reconnecting", "error", err, "in", wait)
		metrics.IncReconnect(t.name)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// readStream holds one GET open and feeds its body through the protocol's
// buffer until the body ends or fails.
func (t *StreamTransport) readStream(ctx context.Context, box *mailbox, opened func()) error {
	req, err := t.newRequest(ctx, http.MethodGet, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/x-ndjson, application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("stream: status %d", resp.StatusCode)
	}
	opened()

	var (
		lines  lineBuffer
		chunks chunkBuffer
		buf    = make([]byte, 32<<10)
	)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if t.cfg.Protocol == ProtocolChunked {
				for _, rec := range chunks.Feed(buf[:n]) {
					t.enqueue(ctx, box, rec)
				}
			} else {
				for _, line := range lines.Feed(string(buf[:n])) {
					t.enqueue(ctx, box, []byte(line))
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return rerr
		}
	}
}

func (t *StreamTransport) pollLoop(ctx context.Context, box *mailbox, opened func()) error {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := t.pollOnce(ctx, box); err != nil {
			return err
		}
		opened()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *StreamTransport) pollOnce(ctx context.Context, box *mailbox) error {
	pctx, cancel := withTimeout(ctx, t.cfg.Timeout)
	defer cancel()
	req, err := t.newRequest(pctx, http.MethodGet, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("poll: status %d", resp.StatusCode)
	}
	if resp.StatusCode/100 != 2 {
		t.log.Debug("poll returned non-success", "status", resp.StatusCode)
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	t.enqueueBody(ctx, box, body)
	return nil
}

// enqueueBody accepts a JSON object, a JSON array of objects, or NDJSON.
// An empty body carries no messages.
func (t *StreamTransport) enqueueBody(ctx context.Context, box *mailbox, body []byte) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return
	}
	if body[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err == nil {
			for _, it := range items {
				t.enqueue(ctx, box, it)
			}
			return
		}
	}
	if json.Valid(body) {
		t.enqueue(ctx, box, body)
		return
	}
	var cb chunkBuffer
	for _, rec := range cb.Feed(append(body, '\n')) {
		t.enqueue(ctx, box, rec)
	}
}

func (t *StreamTransport) enqueue(ctx context.Context, box *mailbox, raw []byte) {
	var msg jsonrpc.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.log.Warn("dropping malformed message", "error", err, "data", string(raw))
		return
	}
	box.put(ctx, &msg)
}
