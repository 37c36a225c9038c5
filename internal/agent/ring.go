package agent

import (
	"strings"
	"sync"
)

const (
	// DefaultRingLines bounds how many output lines are retained.
	DefaultRingLines = 5000
	// DefaultRingBytes bounds total retained output size.
	DefaultRingBytes = 1 << 20
)

// Ring is a bounded buffer of output lines. When either the line or
// byte cap is exceeded the oldest lines are dropped.
type Ring struct {
	mu       sync.Mutex
	lines    []string
	bytes    int
	maxLines int
	maxBytes int
	dropped  int
}

// NewRing creates a ring with the given caps. Non-positive values use
// the defaults.
func NewRing(maxLines, maxBytes int) *Ring {
	if maxLines <= 0 {
		maxLines = DefaultRingLines
	}
	if maxBytes <= 0 {
		maxBytes = DefaultRingBytes
	}
	return &Ring{maxLines: maxLines, maxBytes: maxBytes}
}

// Append adds a line, evicting from the front as needed.
func (r *Ring) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines = append(r.lines, line)
	r.bytes += len(line) + 1

	for (len(r.lines) > r.maxLines || r.bytes > r.maxBytes) && len(r.lines) > 1 {
		r.bytes -= len(r.lines[0]) + 1
		r.lines = r.lines[1:]
		r.dropped++
	}
}

// String returns the retained output joined with newlines.
func (r *Ring) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.lines, "\n")
}

// Len returns the number of retained lines.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

// Dropped returns how many lines were evicted.
func (r *Ring) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
