package process

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func waitState(t *testing.T, p *Process, want State, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if p.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", p.State(), want)
}

func TestStartAndStopGraceful(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "sleeper", Command: []string{"sleep", "30"}})
	require.NoError(t, p.Start())

	info := p.Snapshot()
	assert.Equal(t, StateRunning, info.State)
	assert.Greater(t, info.PID, 0)
	assert.Equal(t, uint64(1), info.Generation)

	start := time.Now()
	require.NoError(t, p.Stop(2*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateStopped, p.State())
	assert.Equal(t, 0, p.Snapshot().PID)
}

func TestStopEscalatesToKill(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "stubborn", Command: []string{"sh", "-c", `trap "" TERM; while true; do sleep 0.1; done`}})
	require.NoError(t, p.Start())
	// give the shell time to install the trap
	time.Sleep(200 * time.Millisecond)

	timeout := 300 * time.Millisecond
	start := time.Now()
	require.NoError(t, p.Stop(timeout))
	elapsed := time.Since(start)

	if elapsed < timeout {
		t.Fatalf("stop returned before timeout: %v", elapsed)
	}
	if elapsed > timeout+killGrace {
		t.Fatalf("stop took too long: %v", elapsed)
	}
	assert.Equal(t, StateStopped, p.State())
	select {
	case <-p.Done():
	default:
		t.Fatal("done channel not closed after stop")
	}
}

func TestConcurrentStopIsIdempotent(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "twice", Command: []string{"sleep", "30"}})
	require.NoError(t, p.Start())

	var exits int
	var mu sync.Mutex
	p.SetExitHandler(func(ExitInfo) {
		mu.Lock()
		exits++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.Stop(time.Second)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, StateStopped, p.State())
	mu.Lock()
	assert.Equal(t, 1, exits)
	mu.Unlock()

	// stopping an already stopped process is a no-op
	assert.NoError(t, p.Stop(time.Second))
}

func TestUnexpectedExitIsCrashed(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "crasher", Command: []string{"sh", "-c", "exit 3"}})
	got := make(chan ExitInfo, 1)
	p.SetExitHandler(func(info ExitInfo) { got <- info })
	require.NoError(t, p.Start())

	select {
	case info := <-got:
		assert.False(t, info.Requested)
		assert.Error(t, info.Err)
		assert.Equal(t, "crasher", info.Name)
	case <-time.After(3 * time.Second):
		t.Fatal("exit handler not called")
	}
	assert.Equal(t, StateCrashed, p.State())
	assert.Contains(t, p.Snapshot().LastExit, "exit status 3")

	// a crashed process can be started again
	require.NoError(t, p.Start())
	assert.Equal(t, uint64(2), p.Generation())
	<-p.Done()
}

func TestStartTwiceFails(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "dup", Command: []string{"sleep", "30"}})
	require.NoError(t, p.Start())
	defer func() { _ = p.Stop(time.Second) }()

	err := p.Start()
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestStartMissingBinary(t *testing.T) {
	p := New(Spec{Name: "ghost", Command: []string{"/definitely/not/here"}})
	err := p.Start()
	require.Error(t, err)
	assert.Equal(t, StateCrashed, p.State())
	_, _, _, err = p.Pipes()
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestPipesCarryStdio(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "cat", Command: []string{"cat"}})
	require.NoError(t, p.Start())
	defer func() { _ = p.Stop(time.Second) }()

	in, out, gen, err := p.Pipes()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)

	_, err = io.WriteString(in, `{"jsonrpc":"2.0"}`+"\n")
	require.NoError(t, err)
	line, err := bufio.NewReader(out).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0"}`+"\n", line)
}

func TestReplyWrittenJustBeforeExitIsReadable(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "oneshot", Command: []string{"sh", "-c", `read l; printf '{"jsonrpc":"2.0","id":1,"result":{}}\n'`}})
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Start())
		in, out, _, err := p.Pipes()
		require.NoError(t, err)
		_, err = io.WriteString(in, `{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n")
		require.NoError(t, err)

		select {
		case <-p.Done():
		case <-time.After(3 * time.Second):
			t.Fatalf("run %d: process did not exit", i)
		}
		// the child is reaped; its reply must still be in the pipe
		line, err := bufio.NewReader(out).ReadString('\n')
		if err != nil {
			t.Fatalf("run %d: reply lost: %v", i, err)
		}
		assert.Equal(t, `{"jsonrpc":"2.0","id":1,"result":{}}`+"\n", line)
	}
}

func TestEnvAndStderrWriter(t *testing.T) {
	requireUnix(t)
	var buf syncBuffer
	p := New(Spec{
		Name:    "env",
		Command: []string{"sh -c 'echo \"$GREETING\" 1>&2'"},
		Env:     []string{"GREETING=hello", "PATH=/usr/bin:/bin"},
		Stderr:  &buf,
	})
	require.NoError(t, p.Start())
	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Contains(t, buf.String(), "hello")
}

func TestLineLoggerKeepsPartialLines(t *testing.T) {
	l := &lineLogger{log: discardLogger()}
	_, _ = l.Write([]byte("first\nsec"))
	assert.Equal(t, "sec", l.buf.String())
	_, _ = l.Write([]byte("ond\n"))
	assert.Equal(t, 0, l.buf.Len())
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}
