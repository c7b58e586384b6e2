package jsonrpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
)

// Conn carries whole JSON-RPC messages.
type Conn interface {
	Write(ctx context.Context, msg *Message) error
	// Read blocks until a message arrives or the connection fails.
	Read(ctx context.Context) (*Message, error)
	Close() error
}

const maxLineSize = 16 << 20

// StreamConn frames messages as newline-delimited JSON over a byte stream,
// such as a child process's stdin/stdout.
type StreamConn struct {
	r      *bufio.Reader
	wmu    sync.Mutex
	w      io.Writer
	closer io.Closer
	log    *slog.Logger
}

// NewStreamConn reads from r and writes to w. closer, when non-nil, is
// invoked by Close.
func NewStreamConn(r io.Reader, w io.Writer, closer io.Closer) *StreamConn {
	return &StreamConn{r: bufio.NewReaderSize(r, 64<<10), w: w, closer: closer, log: slog.Default()}
}

func (c *StreamConn) Write(_ context.Context, msg *Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.w.Write(b)
	return err
}

// Read skips blank and non-JSON lines; some servers print banners on stdout.
// The context is not consulted since a pipe read cannot be interrupted.
func (c *StreamConn) Read(_ context.Context) (*Message, error) {
	for {
		line, err := c.r.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			line, err = c.readLong(line)
		}
		if len(bytes.TrimSpace(line)) > 0 {
			var msg Message
			if jerr := json.Unmarshal(line, &msg); jerr == nil {
				return &msg, nil
			}
			c.log.Debug("skipping non-JSON line", "line", string(bytes.TrimSpace(line)))
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *StreamConn) readLong(prefix []byte) ([]byte, error) {
	buf := append([]byte(nil), prefix...)
	for len(buf) < maxLineSize {
		more, err := c.r.ReadSlice('\n')
		buf = append(buf, more...)
		if err != bufio.ErrBufferFull {
			return buf, err
		}
	}
	return buf, bufio.ErrTooLong
}

func (c *StreamConn) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
