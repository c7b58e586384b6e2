package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closers []io.Closer

func (cs closers) Close() error {
	var errs []error
	for _, c := range cs {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// pipePair returns two connected StreamConns plus the raw writer the peer
// uses, so tests can inject arbitrary bytes.
func pipePair() (client, peer *StreamConn, peerOut *io.PipeWriter) {
	cr, pw := io.Pipe()
	pr, cw := io.Pipe()
	client = NewStreamConn(cr, cw, closers{cr, cw})
	peer = NewStreamConn(pr, pw, closers{pr, pw})
	return client, peer, pw
}

func readRequest(t *testing.T, peer *StreamConn) *Message {
	t.Helper()
	msg, err := peer.Read(context.Background())
	require.NoError(t, err)
	return msg
}

func TestCallMatchesOutOfOrderResponses(t *testing.T) {
	cc, peer, _ := pipePair()
	c := NewClient("test", cc)
	defer func() { _ = c.Close() }()

	go func() {
		first := readRequest(t, peer)
		second := readRequest(t, peer)
		for _, req := range []*Message{second, first} {
			resp, _ := NewResult(req.ID, map[string]string{"method": req.Method})
			_ = peer.Write(context.Background(), resp)
		}
	}()

	var wg sync.WaitGroup
	results := map[string]string{}
	var mu sync.Mutex
	for _, method := range []string{"alpha", "beta"} {
		wg.Add(1)
		go func(method string) {
			defer wg.Done()
			raw, err := c.Call(context.Background(), method, nil, 2*time.Second)
			if err != nil {
				t.Errorf("%s: %v", method, err)
				return
			}
			var got map[string]string
			_ = json.Unmarshal(raw, &got)
			mu.Lock()
			results[method] = got["method"]
			mu.Unlock()
		}(method)
	}
	wg.Wait()
	assert.Equal(t, map[string]string{"alpha": "alpha", "beta": "beta"}, results)
	assert.Equal(t, 0, c.Pending())
}

func TestCallProtocolError(t *testing.T) {
	cc, peer, _ := pipePair()
	c := NewClient("test", cc)
	defer func() { _ = c.Close() }()

	go func() {
		req := readRequest(t, peer)
		_ = peer.Write(context.Background(), NewErrorResponse(req.ID, CodeInvalidParams, "bad args"))
	}()

	_, err := c.Call(context.Background(), "tools/call", map[string]any{"name": "x"}, 2*time.Second)
	var pe *ProtocolError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, CodeInvalidParams, pe.Code)
	assert.Equal(t, "bad args", pe.Message)
	assert.False(t, IsMethodNotFound(err))
}

func TestCallTimeoutKeepsConnection(t *testing.T) {
	cc, peer, _ := pipePair()
	c := NewClient("test", cc)
	defer func() { _ = c.Close() }()

	reqs := make(chan *Message, 2)
	go func() {
		for {
			msg, err := peer.Read(context.Background())
			if err != nil {
				return
			}
			reqs <- msg
		}
	}()

	_, err := c.Call(context.Background(), "slow", nil, 50*time.Millisecond)
	var te *TimeoutError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, "slow", te.Method)
	assert.Equal(t, 50*time.Millisecond, te.After)
	assert.Equal(t, 0, c.Pending())

	// late answer to the timed out call is dropped
	slow := <-reqs
	late, _ := NewResult(slow.ID, "late")
	require.NoError(t, peer.Write(context.Background(), late))

	go func() {
		req := <-reqs
		resp, _ := NewResult(req.ID, "fast")
		_ = peer.Write(context.Background(), resp)
	}()
	raw, err := c.Call(context.Background(), "fast", nil, 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `"fast"`, string(raw))
}

func TestPeerCloseFailsPendingCalls(t *testing.T) {
	cc, peer, peerOut := pipePair()
	c := NewClient("test", cc)

	go func() {
		_ = readRequest(t, peer)
		_ = peerOut.Close()
	}()

	_, err := c.Call(context.Background(), "tools/call", nil, 2*time.Second)
	require.ErrorIs(t, err, ErrTransportClosed)
	<-c.Done()

	_, err = c.Call(context.Background(), "again", nil, time.Second)
	assert.ErrorIs(t, err, ErrTransportClosed)
	var pe *ProtocolError
	assert.False(t, errors.As(err, &pe))
}

func TestClientAnswersPingAndForwardsNotifications(t *testing.T) {
	cc, peer, _ := pipePair()
	notes := make(chan *Message, 1)
	c := NewClient("test", cc, WithNotificationHandler(func(m *Message) { notes <- m }))
	defer func() { _ = c.Close() }()

	note, _ := NewNotification("notifications/tools/list_changed", nil)
	require.NoError(t, peer.Write(context.Background(), note))
	select {
	case m := <-notes:
		assert.Equal(t, "notifications/tools/list_changed", m.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	ping, _ := NewRequest(99, "ping", nil)
	require.NoError(t, peer.Write(context.Background(), ping))
	resp := readRequest(t, peer)
	assert.True(t, resp.IsResponse())
	id, ok := resp.IntID()
	assert.True(t, ok)
	assert.Equal(t, int64(99), id)
	assert.Nil(t, resp.Error)
}

func TestStreamConnSkipsNoise(t *testing.T) {
	input := "server starting...\n\n" + `{"jsonrpc":"2.0","id":"7","result":{}}` + "\n"
	conn := NewStreamConn(strings.NewReader(input), io.Discard, nil)
	msg, err := conn.Read(context.Background())
	require.NoError(t, err)
	id, ok := msg.IntID()
	require.True(t, ok)
	assert.Equal(t, int64(7), id)

	_, err = conn.Read(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestMessageKinds(t *testing.T) {
	req, err := NewRequest(1, "tools/list", map[string]any{})
	require.NoError(t, err)
	assert.True(t, req.IsRequest())
	note, err := NewNotification("notifications/initialized", nil)
	require.NoError(t, err)
	assert.True(t, note.IsNotification())
	b, _ := json.Marshal(note)
	assert.NotContains(t, string(b), `"id"`)
	assert.NotContains(t, string(b), `"params"`)
}

func TestTimeoutErrorReportsDeadline(t *testing.T) {
	err := error(&TimeoutError{Method: "tools/call", After: 250 * time.Millisecond})
	assert.Equal(t, "tools/call: no response within 250ms", err.Error())

	var ne interface{ Timeout() bool }
	require.True(t, errors.As(err, &ne))
	assert.True(t, ne.Timeout())
}
