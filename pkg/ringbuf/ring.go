// Package ringbuf implements a bounded byte ring that refuses writes
// when full instead of overwriting.
package ringbuf

import "errors"

// ErrFull is returned when a write does not fit.
var ErrFull = errors.New("ringbuf: full")

// Ring is a fixed-capacity FIFO of bytes. It is not safe for concurrent
// use; callers serialize with their own lock.
type Ring struct {
    buf  []byte
    head int // read offset
    used int
}

func New(size int) *Ring { return &Ring{buf: make([]byte, size)} }

func (r *Ring) Size() int  { return len(r.buf) }
func (r *Ring) Used() int  { return r.used }
func (r *Ring) Avail() int { return len(r.buf) - r.used }

// Write appends p in full or not at all.
func (r *Ring) Write(p []byte) error {
    if len(p) > r.Avail() { return ErrFull }
    tail := (r.head + r.used) % len(r.buf)
    n := copy(r.buf[tail:], p)
    if n < len(p) { copy(r.buf, p[n:]) }
    r.used += len(p)
    return nil
}

// Peek copies up to len(p) bytes without consuming them.
func (r *Ring) Peek(p []byte) int {
    want := len(p)
    if want > r.used { want = r.used }
    n := copy(p[:want], r.buf[r.head:])
    if n < want { copy(p[n:want], r.buf) }
    return want
}

// Read consumes up to len(p) bytes.
func (r *Ring) Read(p []byte) int {
    n := r.Peek(p)
    r.Discard(n)
    return n
}

// Discard drops n bytes from the front.
func (r *Ring) Discard(n int) {
    if n > r.used { n = r.used }
    if len(r.buf) == 0 { return }
    r.head = (r.head + n) % len(r.buf)
    r.used -= n
    if r.used == 0 { r.head = 0 }
}

// Reset empties the ring.
func (r *Ring) Reset() { r.head, r.used = 0, 0 }
