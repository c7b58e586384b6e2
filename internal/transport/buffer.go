package transport

import (
	"bytes"
	"strings"
)

// lineBuffer accumulates decoded text and yields one entry per complete
// newline-terminated line. A trailing partial line is retained.
type lineBuffer struct {
	pending strings.Builder
}

func (b *lineBuffer) Feed(text string) []string {
	b.pending.WriteString(text)
	all := b.pending.String()
	idx := strings.LastIndexByte(all, '\n')
	if idx < 0 {
		return nil
	}
	complete, rest := all[:idx], all[idx+1:]
	b.pending.Reset()
	b.pending.WriteString(rest)

	var out []string
	for _, line := range strings.Split(complete, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Pending returns the buffered partial line.
func (b *lineBuffer) Pending() string { return b.pending.String() }

// chunkBuffer does the same on raw bytes, extracting newline-delimited
// records manually so chunk boundaries may fall anywhere.
type chunkBuffer struct {
	buf []byte
}

func (b *chunkBuffer) Feed(chunk []byte) [][]byte {
	b.buf = append(b.buf, chunk...)
	var out [][]byte
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(b.buf[:i])
		if len(line) > 0 {
			out = append(out, append([]byte(nil), line...))
		}
		b.buf = b.buf[i+1:]
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return out
}

func (b *chunkBuffer) Pending() []byte { return b.buf }
