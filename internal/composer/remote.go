package composer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/datalayer/mcp-compose/internal/jsonrpc"
	"github.com/datalayer/mcp-compose/internal/toolproxy"
	"github.com/datalayer/mcp-compose/internal/transport"
)

// RemoteSession is an initialized JSON-RPC client over a networked
// transport. It redials on the next call once the client has failed,
// except after the transport used up its reconnect budget: the session
// then stays unavailable until Reset.
type RemoteSession struct {
	desc    Descriptor
	timeout time.Duration
	log     *slog.Logger
	// onExhausted runs once when the reconnect budget runs out.
	onExhausted func(error)

	mu     sync.Mutex
	client *jsonrpc.Client
	info   toolproxy.ServerInfo
	failed error
}

func newRemoteSession(d Descriptor, handshakeTimeout time.Duration, log *slog.Logger, onExhausted func(error)) *RemoteSession {
	return &RemoteSession{
		desc:        d,
		timeout:     handshakeTimeout,
		log:         log.With("server", d.Name, "kind", d.Kind),
		onExhausted: onExhausted,
	}
}

func (s *RemoteSession) Name() string { return s.desc.Name }

// open dials a new transport and runs the MCP handshake.
func (s *RemoteSession) open(ctx context.Context) (*jsonrpc.Client, toolproxy.ServerInfo, error) {
	tr := s.desc.dial(s.log)
	if err := tr.Connect(ctx); err != nil {
		return nil, toolproxy.ServerInfo{}, fmt.Errorf("%w: %v", jsonrpc.ErrTransportClosed, err)
	}
	client := jsonrpc.NewClient(s.desc.Name, tr, jsonrpc.WithLogger(s.log))
	info, err := toolproxy.Initialize(ctx, client, s.timeout)
	if err != nil {
		_ = client.Close()
		return nil, toolproxy.ServerInfo{}, err
	}
	return client, info, nil
}

func (s *RemoteSession) ensure(ctx context.Context) (*jsonrpc.Client, toolproxy.ServerInfo, error) {
	var latched bool
	defer func() {
		if latched {
			s.exhausted()
		}
	}()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed != nil {
		return nil, toolproxy.ServerInfo{}, s.failed
	}
	if s.client != nil {
		select {
		case <-s.client.Done():
			if err := s.client.Err(); errors.Is(err, transport.ErrReconnectExhausted) {
				latched = s.latchLocked(s.client, err)
				return nil, toolproxy.ServerInfo{}, s.failed
			}
			s.log.Warn("remote session lost, redialing", "error", s.client.Err())
			_ = s.client.Close()
			s.client = nil
		default:
			return s.client, s.info, nil
		}
	}
	client, info, err := s.open(ctx)
	if err != nil {
		return nil, toolproxy.ServerInfo{}, err
	}
	s.client, s.info = client, info
	go s.watch(client)
	return client, info, nil
}

// watch latches the session when client ends with an exhausted reconnect
// budget.
func (s *RemoteSession) watch(client *jsonrpc.Client) {
	<-client.Done()
	err := client.Err()
	if !errors.Is(err, transport.ErrReconnectExhausted) {
		return
	}
	s.mu.Lock()
	latched := s.latchLocked(client, err)
	s.mu.Unlock()
	if latched {
		s.exhausted()
	}
}

func (s *RemoteSession) exhausted() {
	if s.onExhausted != nil {
		s.onExhausted(s.Err())
	}
}

// latchLocked marks the session unavailable if client is still current.
func (s *RemoteSession) latchLocked(client *jsonrpc.Client, cause error) bool {
	if s.client != client || s.failed != nil {
		return false
	}
	_ = client.Close()
	s.client = nil
	s.failed = fmt.Errorf("%w: %w", jsonrpc.ErrTransportClosed, cause)
	s.log.Error("server unavailable, reconnect budget exhausted", "error", cause)
	return true
}

// Err is the terminal failure that made the session unavailable, or nil.
func (s *RemoteSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Reset drops the client and clears a terminal failure so the next call
// redials with a fresh reconnect budget. It reports whether the session
// had been unavailable.
func (s *RemoteSession) Reset() bool {
	s.mu.Lock()
	client, wasFailed := s.client, s.failed != nil
	s.client, s.failed = nil, nil
	s.mu.Unlock()
	if client != nil {
		_ = client.Close()
	}
	return wasFailed
}

// Discover enumerates the server on the persistent session.
func (s *RemoteSession) Discover(ctx context.Context) (*toolproxy.Discovery, error) {
	client, info, err := s.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return toolproxy.List(ctx, client, info, s.timeout)
}

// DiscoverOnce enumerates the server on a throwaway session. The session's
// teardown error is returned separately so a successful listing is not
// lost to a failed close.
func (s *RemoteSession) DiscoverOnce(ctx context.Context) (d *toolproxy.Discovery, cleanupErr error, err error) {
	client, info, err := s.open(ctx)
	if err != nil {
		return nil, nil, err
	}
	d, err = toolproxy.List(ctx, client, info, s.timeout)
	cleanupErr = client.Close()
	return d, cleanupErr, err
}

func (s *RemoteSession) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	client, _, err := s.ensure(ctx)
	if err != nil {
		return nil, err
	}
	res, err := client.Call(ctx, method, params, timeout)
	if err != nil && errors.Is(err, transport.ErrReconnectExhausted) {
		s.mu.Lock()
		latched := s.latchLocked(client, client.Err())
		s.mu.Unlock()
		if latched {
			s.exhausted()
		}
	}
	return res, err
}

// Connected reports whether a live client is held.
func (s *RemoteSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return false
	}
	select {
	case <-s.client.Done():
		return false
	default:
		return true
	}
}

// Close drops the client; the next call redials unless the session is
// unavailable.
func (s *RemoteSession) Close() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}
