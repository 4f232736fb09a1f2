package session

import "sync"

// TailBuffer is a bounded byte buffer keeping only the most recent writes.
// Older bytes are dropped once capacity is exceeded, so the content is
// always the tail of the stream.
type TailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	capacity  int
	truncated bool
}

// NewTailBuffer creates a tail buffer with the given byte capacity.
func NewTailBuffer(capacity int) *TailBuffer {
	return &TailBuffer{capacity: capacity}
}

// Write appends p, dropping the oldest bytes beyond capacity.
func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if len(t.buf) > t.capacity {
		tail := make([]byte, t.capacity)
		copy(tail, t.buf[len(t.buf)-t.capacity:])
		t.buf = tail
		t.truncated = true
	}
	return len(p), nil
}

// String returns the retained tail, prefixed with an ellipsis marker when
// older content was dropped.
func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.truncated {
		return "…" + string(t.buf)
	}
	return string(t.buf)
}
