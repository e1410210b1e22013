package process

import (
	"bytes"
	"io"
	"sync"
)

const (
	defaultLogLines = 500
	maxLineLen      = 16 * 1024
)

// lineWriter splits child output into lines, prefixes each one and copies it
// to the shared log writer and to the iteration's ring.
type lineWriter struct {
	mu     sync.Mutex
	prefix string
	dst    io.Writer
	ring   *ring
	buf    []byte
}

func newLineWriter(prefix string, dst io.Writer, r *ring) *lineWriter {
	return &lineWriter{prefix: prefix, dst: dst, ring: r}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineLen {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	text := string(line)
	w.ring.Add(text)
	// Write errors on the daemon console must not kill the child.
	_, _ = io.WriteString(w.dst, w.prefix+text+"\n")
}

// ring keeps the last n lines.
type ring struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func newRing(n int) *ring {
	return &ring{lines: make([]string, n)}
}

func (r *ring) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// Lines returns the retained lines, oldest first.
func (r *ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string{}, r.lines[:r.next]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	return append(out, r.lines[:r.next]...)
}

// syncWriter serialises writes from many children onto one writer.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
