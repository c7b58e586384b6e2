package composer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/datalayer/mcp-compose/internal/jsonrpc"
)

var (
	ErrStopped          = errors.New("composer stopped")
	ErrUnknownServer    = errors.New("unknown server")
	ErrUnknownComponent = errors.New("unknown component")
)

// DiscoveryError is one server's failed launch, connect or enumeration.
// It never aborts composition of other servers.
type DiscoveryError struct {
	Server string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover %s: %v", e.Server, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// ConflictError is raised by the error strategy on the first collision.
type ConflictError struct {
	Category Category
	Name     string
	Servers  [2]string // existing owner, newcomer
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s name conflict %q between servers %q and %q", e.Category.singular(), e.Name, e.Servers[0], e.Servers[1])
}

// CompositionError aggregates every per-server failure of a batch.
type CompositionError struct {
	Errors []error
}

func (e *CompositionError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("composition failed for %d server(s): %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *CompositionError) Unwrap() []error { return e.Errors }

// Servers lists the names of servers whose discovery failed.
func (e *CompositionError) Servers() []string {
	var out []string
	for _, err := range e.Errors {
		var de *DiscoveryError
		if errors.As(err, &de) {
			out = append(out, de.Server)
		}
	}
	return out
}

// ErrorKind classifies invocation failures for callers.
type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindProtocol  ErrorKind = "protocol"
	KindTimeout   ErrorKind = "timeout"
	KindInvalid   ErrorKind = "invalid"
)

// CallError is the structured failure of a proxied invocation.
type CallError struct {
	Kind     ErrorKind
	Category Category
	Name     string
	Server   string
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s %s on %s: %s error: %v", e.Category.singular(), e.Name, e.Server, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Code returns the JSON-RPC code for protocol failures, else zero.
func (e *CallError) Code() int {
	var pe *jsonrpc.ProtocolError
	if errors.As(e.Err, &pe) {
		return pe.Code
	}
	return 0
}

func classify(err error) ErrorKind {
	var (
		pe *jsonrpc.ProtocolError
		te *jsonrpc.TimeoutError
	)
	switch {
	case errors.As(err, &pe):
		return KindProtocol
	case errors.As(err, &te), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindTransport
	}
}
