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
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/datalayer/mcp-compose/internal/jsonrpc"
)

// SSEConfig configures an SSE transport.
type SSEConfig struct {
	URL        string
	Auth       Auth
	Timeout    time.Duration // bound on the endpoint handshake and each POST
	HTTPClient *http.Client
	// MaxEventSize bounds a single event; zero uses the library default.
	MaxEventSize int
}

// SSETransport implements the MCP SSE dialect: a GET event stream whose
// "endpoint" event names the URL that accepts POSTed messages, followed by
// "message" events carrying JSON-RPC payloads.
type SSETransport struct {
	name   string
	cfg    SSEConfig
	client *http.Client
	log    *slog.Logger

	mu       sync.Mutex
	box      *mailbox
	endpoint string
	cancel   context.CancelFunc
	body     io.Closer
	wg       sync.WaitGroup
}

func NewSSETransport(name string, cfg SSEConfig, log *slog.Logger) *SSETransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &SSETransport{name: name, cfg: cfg, client: client, log: log.With("server", name, "protocol", "sse")}
}

// Connect opens the event stream and waits for the endpoint event.
func (t *SSETransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.box != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(runCtx, http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		cancel()
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	t.cfg.Auth.apply(req.Header)

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("connect %s: %w", t.cfg.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return fmt.Errorf("connect %s: status %d", t.cfg.URL, resp.StatusCode)
	}

	box := newMailbox()
	ready := make(chan error, 1)
	t.mu.Lock()
	t.box = box
	t.cancel = cancel
	t.body = resp.Body
	t.mu.Unlock()

	t.wg.Add(1)
	go t.listen(runCtx, resp.Body, box, ready)

	timer := time.NewTimer(t.cfg.Timeout)
	defer timer.Stop()
	select {
	case err := <-ready:
		if err != nil {
			_ = t.Disconnect()
			return err
		}
	case <-timer.C:
		_ = t.Disconnect()
		return fmt.Errorf("connect %s: no endpoint event within %s", t.cfg.URL, t.cfg.Timeout)
	case <-ctx.Done():
		_ = t.Disconnect()
		return ctx.Err()
	}
	t.log.Info("sse connected", "endpoint", t.Endpoint())
	return nil
}

// Endpoint returns the message URL announced by the server.
func (t *SSETransport) Endpoint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endpoint
}

func (t *SSETransport) listen(ctx context.Context, body io.ReadCloser, box *mailbox, ready chan<- error) {
	defer t.wg.Done()
	defer func() { _ = body.Close() }()

	var cfg *sse.ReadConfig
	if t.cfg.MaxEventSize > 0 {
		cfg = &sse.ReadConfig{MaxEventSize: t.cfg.MaxEventSize}
	}
	announced, signaled := false, false
	signal := func(err error) {
		if !signaled {
			signaled = true
			ready <- err
		}
	}
	for ev, err := range sse.Read(body, cfg) {
		if err != nil {
			signal(fmt.Errorf("read event stream: %w", err))
			if ctx.Err() == nil {
				t.log.Warn("event stream failed", "error", err)
			}
			box.fail(fmt.Errorf("%w: %v", jsonrpc.ErrTransportClosed, err))
			return
		}
		switch ev.Type {
		case "endpoint":
			u, err := t.resolve(ev.Data)
			if err != nil {
				signal(err)
				box.fail(fmt.Errorf("%w: %v", jsonrpc.ErrTransportClosed, err))
				return
			}
			t.mu.Lock()
			t.endpoint = u
			t.mu.Unlock()
			announced = true
			signal(nil)
		case "message", "":
			if !announced {
				t.log.Warn("message before endpoint event")
				continue
			}
			var msg jsonrpc.Message
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				t.log.Warn("dropping malformed message", "error", err)
				continue
			}
			box.put(ctx, &msg)
		default:
			t.log.Debug("ignoring event", "type", ev.Type)
		}
	}
	signal(errors.New("event stream closed before endpoint event"))
	box.fail(fmt.Errorf("%w: event stream ended", jsonrpc.ErrTransportClosed))
}

func (t *SSETransport) resolve(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", errors.New("empty endpoint URL")
	}
	base, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint URL: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (t *SSETransport) Send(ctx context.Context, msg *jsonrpc.Message) error {
	t.mu.Lock()
	endpoint, box := t.endpoint, t.box
	t.mu.Unlock()
	if box == nil || endpoint == "" {
		return ErrNotConnected
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
	req, err := http.NewRequestWithContext(sctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	t.cfg.Auth.apply(req.Header)
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("post: status %d", resp.StatusCode)
	}
	return nil
}

func (t *SSETransport) Receive(ctx context.Context) (*jsonrpc.Message, error) {
	t.mu.Lock()
	box := t.box
	t.mu.Unlock()
	if box == nil {
		return nil, ErrNotConnected
	}
	return box.receive(ctx)
}

// Disconnect cancels the stream and closes its body. The returned error is
// the body close failure, if any.
func (t *SSETransport) Disconnect() error {
	t.mu.Lock()
	cancel, body, box := t.cancel, t.body, t.box
	t.cancel, t.body, t.box, t.endpoint = nil, nil, nil, ""
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	var err error
	if body != nil {
		err = body.Close()
	}
	t.wg.Wait()
	box.fail(ErrNotConnected)
	t.log.Info("sse disconnected")
	return err
}

func (t *SSETransport) Write(ctx context.Context, msg *jsonrpc.Message) error { return t.Send(ctx, msg) }
func (t *SSETransport) Read(ctx context.Context) (*jsonrpc.Message, error)   { return t.Receive(ctx) }
func (t *SSETransport) Close() error                                          { return t.Disconnect() }
