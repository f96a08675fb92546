// SPDX-License-Identifier: MIT

package capability

import (
	"bytes"
	"strings"
	"sync"
)

// LineRing is an io.Writer keeping the most recent lines of subprocess
// output. Partial writes are buffered until a line break arrives; bare
// carriage returns count as breaks because yt-dlp and ffmpeg redraw
// progress lines with them.
type LineRing struct {
	mu      sync.Mutex
	lines   []string
	head    int
	count   int
	pending []byte
	onLine  func(string)
}

// NewLineRing returns a ring holding up to capacity lines.
func NewLineRing(capacity int) *LineRing {
	if capacity < 1 {
		capacity = 64
	}
	return &LineRing{lines: make([]string, capacity)}
}

// OnLine registers a callback invoked with each completed non-empty line.
// Set it before handing the ring to a command; it runs on the writer's
// goroutine.
func (r *LineRing) OnLine(fn func(string)) *LineRing {
	r.onLine = fn
	return r
}

// Write buffers p and records every completed line.
func (r *LineRing) Write(p []byte) (int, error) {
	var done []string

	r.mu.Lock()
	r.pending = append(r.pending, p...)
	for {
		idx := bytes.IndexAny(r.pending, "\r\n")
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(r.pending[:idx]))
		consume := idx + 1
		if r.pending[idx] == '\r' && idx+1 < len(r.pending) && r.pending[idx+1] == '\n' {
			consume++
		}
		r.pending = r.pending[consume:]
		if line == "" {
			continue
		}
		r.record(line)
		done = append(done, line)
	}
	fn := r.onLine
	r.mu.Unlock()

	if fn != nil {
		for _, line := range done {
			fn(line)
		}
	}
	return len(p), nil
}

// Flush records any buffered partial line. Call it once the writer is done;
// the final line of a stream often lacks a trailing newline.
func (r *LineRing) Flush() {
	r.mu.Lock()
	line := strings.TrimSpace(string(r.pending))
	r.pending = r.pending[:0]
	if line != "" {
		r.record(line)
	}
	fn := r.onLine
	r.mu.Unlock()

	if fn != nil && line != "" {
		fn(line)
	}
}

// LastN returns up to n of the most recent lines in chronological order.
func (r *LineRing) LastN(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]string, 0, n)
	start := r.head - n
	if start < 0 {
		start += len(r.lines)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	return out
}

func (r *LineRing) record(line string) {
	r.lines[r.head] = line
	r.head = (r.head + 1) % len(r.lines)
	if r.count < len(r.lines) {
		r.count++
	}
}
