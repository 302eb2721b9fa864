package pty

import (
	"bytes"
	"sync"
)

// DefaultScrollbackBytes bounds the capture buffer when none is configured.
const DefaultScrollbackBytes = 256 * 1024

// Scrollback keeps the most recent PTY output for hydrating late joiners.
// Older bytes are overwritten once capacity is reached.
type Scrollback struct {
	mu       sync.Mutex
	buf      []byte
	capacity int
	writePos int
	written  int64
}

// NewScrollback allocates a scrollback of the given capacity in bytes.
func NewScrollback(capacity int) *Scrollback {
	if capacity <= 0 {
		capacity = DefaultScrollbackBytes
	}
	return &Scrollback{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends output, evicting the oldest bytes when full.
func (s *Scrollback) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if n >= s.capacity {
		copy(s.buf, p[n-s.capacity:])
		s.writePos = 0
		s.written += int64(n)
		return n, nil
	}

	first := copy(s.buf[s.writePos:], p)
	if first < n {
		copy(s.buf, p[first:])
	}
	s.writePos = (s.writePos + n) % s.capacity
	s.written += int64(n)
	return n, nil
}

// Snapshot returns a chronological copy of the retained output. Once older
// output has been evicted the snapshot starts after the first newline so a
// terminal never receives half an escape sequence or a torn line.
func (s *Scrollback) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.written == 0 {
		return nil
	}
	if s.written <= int64(s.capacity) {
		out := make([]byte, s.written)
		copy(out, s.buf[:s.written])
		return out
	}

	out := make([]byte, 0, s.capacity)
	out = append(out, s.buf[s.writePos:]...)
	out = append(out, s.buf[:s.writePos]...)
	if i := bytes.IndexByte(out, '\n'); i >= 0 && i+1 < len(out) {
		out = out[i+1:]
	}
	return out
}

// Len returns the number of bytes currently retained.
func (s *Scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.written <= int64(s.capacity) {
		return int(s.written)
	}
	return s.capacity
}
