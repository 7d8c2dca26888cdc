package scope

import (
	"fmt"
	"sync"
)

// OutputBuffer captures snippet output. Once the limit is reached it keeps
// only the most recent bytes, so the end of a long listing (usually the
// result the model wants) survives.
type OutputBuffer struct {
	buf     []byte
	size    int
	head    int
	full    bool
	dropped int
	mu      sync.Mutex
}

// NewOutputBuffer creates a buffer holding at most size bytes.
func NewOutputBuffer(size int) *OutputBuffer {
	if size <= 0 {
		size = DefaultOutputLimit
	}
	return &OutputBuffer{buf: make([]byte, 0, min(size, 4096)), size: size}
}

// Write implements io.Writer. It never fails.
func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range p {
		if !b.full {
			b.buf = append(b.buf, c)
			if len(b.buf) == b.size {
				b.full = true
			}
			continue
		}
		b.buf[b.head] = c
		b.head = (b.head + 1) % b.size
		b.dropped++
	}
	return len(p), nil
}

// WriteString implements io.StringWriter.
func (b *OutputBuffer) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

// Truncated reports how many leading bytes were discarded.
func (b *OutputBuffer) Truncated() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// String returns the captured text, prefixed with a marker when truncated.
func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full || b.dropped == 0 {
		return string(b.buf)
	}
	out := make([]byte, 0, b.size)
	out = append(out, b.buf[b.head:]...)
	out = append(out, b.buf[:b.head]...)
	return fmt.Sprintf("[... %d bytes of earlier output truncated ...]\n", b.dropped) + string(out)
}

// Reset clears the buffer.
func (b *OutputBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = b.buf[:0]
	b.head = 0
	b.full = false
	b.dropped = 0
}
