package monitoring

import (
	"bytes"
	"sync"
)

// LogRing keeps the most recent log lines in memory.
//
// It implements io.Writer so it can sit behind zerolog as a second output.
// Each Write call from zerolog is one complete JSON line. Older lines are
// overwritten once capacity is reached.
type LogRing struct {
	mu    sync.Mutex
	lines [][]byte
	next  int
	full  bool
}

// NewLogRing creates a ring holding up to size lines (minimum 1).
func NewLogRing(size int) *LogRing {
	if size < 1 {
		size = 1
	}
	return &LogRing{lines: make([][]byte, size)}
}

// Write stores a copy of p. It never fails.
func (r *LogRing) Write(p []byte) (int, error) {
	line := bytes.TrimRight(p, "\n")
	cp := make([]byte, len(line))
	copy(cp, line)

	r.mu.Lock()
	r.lines[r.next] = cp
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()

	return len(p), nil
}

// Lines returns up to limit of the newest lines, oldest first.
// A limit <= 0 returns everything held.
func (r *LogRing) Lines(limit int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := r.next
	start := 0
	if r.full {
		count = len(r.lines)
		start = r.next
	}
	if limit > 0 && limit < count {
		start = (start + count - limit) % len(r.lines)
		count = limit
	}

	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, string(r.lines[(start+i)%len(r.lines)]))
	}
	return out
}

// Len returns the number of lines currently held.
func (r *LogRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.lines)
	}
	return r.next
}
