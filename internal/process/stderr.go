package process

import (
	"bytes"
	"log/slog"
	"sync"
)

// lineLogger forwards each complete stderr line to the debug log.
type lineLogger struct {
	mu  sync.Mutex
	buf bytes.Buffer
	log *slog.Logger
}

func (l *lineLogger) Write(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(b)
	for {
		line, err := l.buf.ReadBytes('\n')
		if err != nil {
			// partial line; keep it for the next write
			l.buf.Reset()
			l.buf.Write(line)
			break
		}
		if s := bytes.TrimRight(line, "\r\n"); len(s) > 0 {
			l.log.Debug("stderr", "line", string(s))
		}
	}
	return len(b), nil
}
